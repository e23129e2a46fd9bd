package imap

import (
	"crypto/tls"
	"log/slog"
	"time"

	"github.com/tarnmail/tarn/creds"
	"github.com/tarnmail/tarn/store"
)

// ServerConfig configures an IMAP Server, following the shape of
// pop3.ServerConfig: one struct of plain fields, defaults filled in by
// NewServer rather than a builder chain.
type ServerConfig struct {
	// Hostname is reported in the greeting and CAPABILITY ID.
	Hostname string

	// Addr is the listen address, e.g. ":143".
	Addr string

	// Accounts opens a user's Mailbox by address.
	Accounts *store.Accounts

	// Creds authenticates LOGIN against the credential service.
	Creds creds.Service

	// TLSConfig enables STARTTLS when non-nil. ListenAndServeTLS uses
	// it for an implicit-TLS listener (port 993) instead.
	TLSConfig *tls.Config

	IdleTimeout   time.Duration
	MaxLineLength int

	MaxConnections int

	Logger *slog.Logger
}

// DefaultServerConfig returns a ServerConfig with conservative
// defaults filled in; callers still must set Hostname, Accounts, and
// Creds.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:          ":143",
		IdleTimeout:   30 * time.Minute,
		MaxLineLength: 8192,
	}
}

func (c *ServerConfig) applyDefaults() {
	if c.Addr == "" {
		c.Addr = ":143"
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 30 * time.Minute
	}
	if c.MaxLineLength == 0 {
		c.MaxLineLength = 8192
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}
