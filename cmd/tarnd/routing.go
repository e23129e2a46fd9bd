package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tarnmail/tarn/creds"
	"github.com/tarnmail/tarn/relay"
	"github.com/tarnmail/tarn/smtp"
	"github.com/tarnmail/tarn/store"
)

// deliverer is the subset of *relay.Agent a Router needs; declaring it
// as an interface lets tests substitute a fake without a real MX.
type deliverer interface {
	Deliver(ctx context.Context, sender string, recipients []string, content []byte) []relay.Result
}

// queuer is the subset of *relay.Queue a Router needs for the
// optional retry path.
type queuer interface {
	Enqueue(sender string, recipients []string, content []byte, retryInterval time.Duration) (*relay.Entry, error)
}

// Router implements the local-vs-relay delivery decisions on top of
// smtp.Callbacks: OnAuth checks credentials, OnRcptTo rejects unknown
// local users and disallowed relay targets before the transaction
// commits, and OnMessage fans the accepted message out to local
// mailboxes and the outbound Relay Agent.
type Router struct {
	Creds    creds.Service
	Accounts *store.Accounts
	Relay    deliverer
	Queue    queuer

	AllowRelay    bool
	RetryInterval time.Duration

	Logger *slog.Logger
}

func (r *Router) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// Callbacks builds the smtp.Callbacks value wired to this Router.
func (r *Router) Callbacks() *smtp.Callbacks {
	return &smtp.Callbacks{
		OnAuth:    r.onAuth,
		OnRcptTo:  r.onRcptTo,
		OnMessage: r.onMessage,
	}
}

func (r *Router) onAuth(ctx context.Context, conn *smtp.Connection, mechanism, identity, password string) error {
	ok, err := r.Creds.Authenticate(ctx, identity, password)
	if err != nil {
		return fmt.Errorf("authenticate %s: %w", identity, err)
	}
	if !ok {
		return errors.New("invalid credentials")
	}
	return nil
}

func (r *Router) onRcptTo(ctx context.Context, conn *smtp.Connection, to smtp.Path, params map[string]string) error {
	domain := to.Mailbox.Domain
	local, err := r.Creds.IsLocalDomain(ctx, domain)
	if err != nil {
		return fmt.Errorf("look up domain %s: %w", domain, err)
	}
	if local {
		if _, err := r.Creds.GetUser(ctx, to.Mailbox.String()); err != nil {
			if errors.Is(err, creds.ErrNotFound) {
				return fmt.Errorf("unknown recipient %s", to.Mailbox.String())
			}
			return fmt.Errorf("look up recipient %s: %w", to.Mailbox.String(), err)
		}
		return nil
	}

	if !r.AllowRelay || r.Relay == nil {
		return fmt.Errorf("relay to %s not permitted", domain)
	}
	if !conn.IsAuthenticated() {
		return errors.New("relaying requires authentication")
	}
	return nil
}

func (r *Router) onMessage(ctx context.Context, conn *smtp.Connection, mail *smtp.Mail) error {
	var local, remote []smtp.MailboxAddress
	for _, rcpt := range mail.Envelope.To {
		isLocal, err := r.Creds.IsLocalDomain(ctx, rcpt.Address.Mailbox.Domain)
		if err != nil {
			return fmt.Errorf("look up domain %s: %w", rcpt.Address.Mailbox.Domain, err)
		}
		if isLocal {
			local = append(local, rcpt.Address.Mailbox)
		} else {
			remote = append(remote, rcpt.Address.Mailbox)
		}
	}

	var errs []error
	for _, addr := range local {
		if err := r.deliverLocal(addr, mail.Raw); err != nil {
			errs = append(errs, fmt.Errorf("local delivery to %s: %w", addr.String(), err))
		}
	}

	if len(remote) > 0 {
		if err := r.deliverRemote(ctx, mail.Envelope.From.Mailbox.String(), remote, mail.Raw); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func (r *Router) deliverLocal(addr smtp.MailboxAddress, raw []byte) error {
	mb, err := r.Accounts.Open(addr.LocalPart, addr.Domain)
	if err != nil {
		return err
	}
	_, err = mb.Deliver(bytes.NewReader(raw), "INBOX")
	return err
}

func (r *Router) deliverRemote(ctx context.Context, sender string, recipients []smtp.MailboxAddress, raw []byte) error {
	addrs := make([]string, len(recipients))
	for i, a := range recipients {
		addrs[i] = a.String()
	}

	results := r.Relay.Deliver(ctx, sender, addrs, raw)

	var failed []string
	var errs []error
	for _, res := range results {
		if res.Err != nil {
			errs = append(errs, fmt.Errorf("domain %s: %w", res.Domain, res.Err))
		}
		for _, rr := range res.Recipients {
			if !rr.Delivered {
				failed = append(failed, rr.Recipient)
			}
		}
	}

	if len(failed) == 0 {
		return nil
	}
	joined := errors.Join(errs...)

	if r.Queue != nil {
		if _, err := r.Queue.Enqueue(sender, failed, raw, r.RetryInterval); err != nil {
			r.logger().Error("failed to queue relay retry", "error", err, "recipients", failed)
			return fmt.Errorf("relay failed for %v and could not be queued (%v): %w", failed, joined, err)
		}
		r.logger().Info("queued relay retry", "sender", sender, "recipients", failed)
		return nil
	}

	if joined != nil {
		return fmt.Errorf("relay failed for %v: %w", failed, joined)
	}
	return fmt.Errorf("relay failed for %v", failed)
}
