package relay

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/tarnmail/tarn/dns"
	"github.com/tarnmail/tarn/smtp"
)

// Agent delivers outbound mail by MX resolution. A fresh Client is
// built per attempt rather than reused, since each MX candidate is a
// new TCP connection to a different remote host.
type Agent struct {
	config Config
}

// NewAgent returns an Agent with config's defaults filled in.
func NewAgent(config Config) *Agent {
	config.applyDefaults()
	return &Agent{config: config}
}

// RecipientResult records the outcome of one recipient within a
// Deliver call.
type RecipientResult struct {
	Recipient string
	Delivered bool
	Err       error
}

// Result summarizes one Deliver call: which MX candidate accepted the
// message (if any) and the per-recipient outcome.
type Result struct {
	Domain     string
	MXUsed     string
	Recipients []RecipientResult
	Err        error
}

// Deliver groups recipients by destination domain and relays content
// to each group independently: resolve MX, sort ascending by
// priority, try each candidate in order until one accepts the message
// end-to-end.
func (a *Agent) Deliver(ctx context.Context, sender string, recipients []string, content []byte) []Result {
	byDomain := make(map[string][]string)
	var order []string
	for _, rcpt := range recipients {
		d := domainOf(rcpt)
		if _, ok := byDomain[d]; !ok {
			order = append(order, d)
		}
		byDomain[d] = append(byDomain[d], rcpt)
	}

	results := make([]Result, 0, len(order))
	for _, domain := range order {
		results = append(results, a.deliverToDomain(ctx, sender, domain, byDomain[domain], content))
	}
	return results
}

// deliverToDomain tries each MX candidate for domain in priority
// order, stopping at the first one that accepts the message (250 at
// end-of-DATA). A candidate that rejects or fails transiently is
// skipped in favor of the next one.
func (a *Agent) deliverToDomain(ctx context.Context, sender, domain string, recipients []string, content []byte) Result {
	candidates, err := resolveMX(ctx, a.config.Resolver, domain)
	if err != nil {
		return Result{Domain: domain, Err: err, Recipients: failAll(recipients, err)}
	}
	if len(candidates) > a.config.MaxMXAttempts {
		candidates = candidates[:a.config.MaxMXAttempts]
	}

	var lastErr error
	for _, c := range candidates {
		rcptResults, err := a.attempt(ctx, c, sender, recipients, content)
		if err == nil {
			return Result{Domain: domain, MXUsed: c.host, Recipients: rcptResults}
		}
		lastErr = err
		a.config.Logger.Warn("relay attempt failed", "domain", domain, "mx", c.host, "error", err)
	}

	if lastErr == nil {
		lastErr = ErrAllMXFailed
	}
	return Result{Domain: domain, Err: fmt.Errorf("%w: %v", ErrAllMXFailed, lastErr), Recipients: failAll(recipients, lastErr)}
}

// attempt speaks one full SMTP transaction against a single MX
// candidate: connect, EHLO (HELO fallback happens inside Hello),
// opportunistic STARTTLS, MAIL FROM, RCPT TO per recipient, DATA with
// dot-stuffing, QUIT. A recipient rejected by RCPT TO is recorded as
// failed but does not abort delivery to the others.
func (a *Agent) attempt(ctx context.Context, c candidate, sender string, recipients []string, content []byte) ([]RecipientResult, error) {
	client := smtp.NewClient(&smtp.ClientConfig{
		LocalName:      a.config.Hostname,
		ConnectTimeout: a.config.DialTimeout,
		ReadTimeout:    a.config.ReadTimeout,
		WriteTimeout:   a.config.WriteTimeout,
		TLSConfig:      a.config.TLSConfig,
	})

	addr := c.addr(a.config.Port)
	if err := client.DialContext(ctx, addr); err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer client.Close()

	var ptr string
	if tcpAddr, err := net.ResolveTCPAddr("tcp", addr); err == nil {
		ptr, _ = dns.ReverseDNSLookup(tcpAddr)
	}

	if err := client.Hello(); err != nil {
		return nil, fmt.Errorf("ehlo %s: %w", c.host, err)
	}

	if a.config.TLSConfig != nil {
		if err := client.StartTLS(); err != nil && err != smtp.ErrTLSNotSupported {
			a.config.Logger.Warn("starttls failed, continuing in cleartext", "mx", c.host, "error", err)
		} else if err == nil {
			if err := client.Hello(); err != nil {
				return nil, fmt.Errorf("ehlo after starttls %s: %w", c.host, err)
			}
		}
	}

	resp, err := client.RawCommand("MAIL FROM:<" + sender + ">")
	if err != nil {
		return nil, fmt.Errorf("mail from: %w", err)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("mail from rejected: %s", resp.Message)
	}

	var accepted []string
	results := make([]RecipientResult, 0, len(recipients))
	for _, rcpt := range recipients {
		resp, err := client.RawCommand("RCPT TO:<" + rcpt + ">")
		if err != nil {
			results = append(results, RecipientResult{Recipient: rcpt, Err: err})
			continue
		}
		if !resp.IsSuccess() {
			results = append(results, RecipientResult{Recipient: rcpt, Err: resp.Error()})
			continue
		}
		accepted = append(accepted, rcpt)
	}

	if len(accepted) == 0 {
		client.Quit()
		return results, nil
	}

	body := buildBody(sender, accepted, a.config.Hostname, c.host, ptr, content)
	resp, err = client.StreamData(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("data: %w", err)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("data rejected: %s", resp.Message)
	}

	client.Quit()

	for _, rcpt := range accepted {
		results = append(results, RecipientResult{Recipient: rcpt, Delivered: true})
	}
	return results, nil
}

// buildBody prepends a Received: header documenting the relay hop,
// per RFC 5321 section 4.4, ahead of the stored message content.
func buildBody(sender string, recipients []string, localHost, remoteHost, remotePTR string, content []byte) []byte {
	var header strings.Builder
	fmt.Fprintf(&header, "Received: from %s\r\n", localHost)
	if remotePTR != "" {
		fmt.Fprintf(&header, "\tby %s (%s)\r\n", remoteHost, remotePTR)
	} else {
		fmt.Fprintf(&header, "\tby %s\r\n", remoteHost)
	}
	fmt.Fprintf(&header, "\tfor %s; %s\r\n", strings.Join(recipients, ", "), time.Now().Format(time.RFC1123Z))

	out := make([]byte, 0, header.Len()+len(content))
	out = append(out, header.String()...)
	out = append(out, content...)
	return out
}

func failAll(recipients []string, err error) []RecipientResult {
	out := make([]RecipientResult, len(recipients))
	for i, r := range recipients {
		out[i] = RecipientResult{Recipient: r, Err: err}
	}
	return out
}
