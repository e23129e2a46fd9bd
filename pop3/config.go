package pop3

import (
	"crypto/tls"
	"log/slog"
	"time"

	"github.com/tarnmail/tarn/creds"
	"github.com/tarnmail/tarn/store"
)

// ServerConfig configures a POP3 Server, following the shape of
// smtp.ServerConfig: one struct of plain fields, defaults filled in by
// NewServer rather than a builder chain.
type ServerConfig struct {
	// Hostname is reported in the greeting and IMPLEMENTATION tag.
	Hostname string

	// Addr is the listen address, e.g. ":110".
	Addr string

	// Accounts opens a user's Mailbox by address.
	Accounts *store.Accounts

	// Creds authenticates USER/PASS against the credential service.
	Creds creds.Service

	// TLSConfig enables STLS when non-nil. ListenAndServeTLS uses it
	// for an implicit-TLS listener (port 995) instead.
	TLSConfig *tls.Config

	// AuthMechanisms, if non-empty, is advertised in CAPA's AUTH line.
	// AUTH on the wire always fails regardless (see Session.handleAuth).
	AuthMechanisms []string

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
		Addr:          ":110",
		IdleTimeout:   5 * time.Minute,
		MaxLineLength: 512,
	}
}

func (c *ServerConfig) applyDefaults() {
	if c.Addr == "" {
		c.Addr = ":110"
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.MaxLineLength == 0 {
		c.MaxLineLength = 512
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}
