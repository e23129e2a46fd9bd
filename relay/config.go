package relay

import (
	"crypto/tls"
	"log/slog"
	"time"

	"github.com/tarnmail/tarn/dns"
)

// Config configures an Agent, following the plain-struct-with-defaults
// shape used by smtp.ClientConfig and the pop3/imap ServerConfig types.
type Config struct {
	// Hostname is sent as the EHLO/HELO argument and used to build the
	// Received: header the Agent prepends before streaming a message.
	Hostname string

	// Port is the remote SMTP port tried for every MX candidate.
	// Default: 25.
	Port int

	// Resolver performs the MX lookup. Default: dns.NewStdResolver().
	Resolver dns.Resolver

	// TLSConfig enables opportunistic STARTTLS: if the remote
	// advertises it, the Agent upgrades before MAIL FROM. A failed
	// handshake falls through to the next MX candidate rather than
	// aborting the whole delivery.
	TLSConfig *tls.Config

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// MaxMXAttempts bounds how many MX candidates are tried per
	// delivery, in ascending priority order. Default: 5.
	MaxMXAttempts int

	// QueueDir, when non-empty, enables the on-disk retry queue.
	QueueDir string

	// RetryInterval is the base delay before a failed queue entry is
	// retried; actual delay backs off by attempt count.
	RetryInterval time.Duration

	// MaxRetries bounds how many times a queue entry is retried
	// before it is dropped with ErrRetriesExhausted.
	MaxRetries int

	Logger *slog.Logger
}

// DefaultConfig returns a Config with conservative defaults filled
// in; callers still must set Hostname.
func DefaultConfig() Config {
	return Config{
		Port:          25,
		MaxMXAttempts: 5,
		DialTimeout:   30 * time.Second,
		ReadTimeout:   5 * time.Minute,
		WriteTimeout:  5 * time.Minute,
		RetryInterval: 5 * time.Minute,
		MaxRetries:    5,
	}
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = 25
	}
	if c.MaxMXAttempts == 0 {
		c.MaxMXAttempts = 5
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 30 * time.Second
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 5 * time.Minute
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 5 * time.Minute
	}
	if c.RetryInterval == 0 {
		c.RetryInterval = 5 * time.Minute
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 5
	}
	if c.Resolver == nil {
		c.Resolver = dns.NewStdResolver()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}
