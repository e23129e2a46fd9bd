package main

import (
	"crypto/tls"
	"flag"
	"fmt"
	"strings"
	"time"
)

// Config mirrors the section-keyed surface: one struct per [section],
// with plain fields rather than a generic map so callers get
// compile-time checking of option names.
type Config struct {
	TLS     TLSConfig
	Storage StorageConfig
	SMTP    SMTPConfig
	POP3    POPIMAPConfig
	IMAP    POPIMAPConfig
	Log     LogConfig
	Relay   RelayConfig
}

// RelayConfig controls the optional on-disk retry queue for outbound
// mail. It isn't one of the named sections, but the queue is an
// implementation detail of relaying rather than a protocol-visible
// option, so it lives alongside them instead of hardcoded.
type RelayConfig struct {
	QueueDir      string
	RetryInterval time.Duration
	MaxRetries    int
}

type TLSConfig struct {
	CertFile     string
	KeyFile      string
	CAFile       string
	VerifyClient bool
}

func (c *TLSConfig) certificate() (*tls.Config, error) {
	if c.CertFile == "" || c.KeyFile == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load certificate: %w", err)
	}
	cfg := &tls.Config{Certificates: []tls.Certificate{cert}}
	if c.VerifyClient {
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return cfg, nil
}

type StorageConfig struct {
	MaildirRoot       string
	DefaultQuota      int64
	CreateDirectories bool
}

type SMTPConfig struct {
	BindAddress    string
	Port           int
	TLSPort        int
	Hostname       string
	LocalDomains   []string
	MaxConnections int
	MaxMessageSize int64
	MaxRecipients  int
	RequireAuth    bool
	AllowRelay     bool
	EnableStartTLS bool
}

type POPIMAPConfig struct {
	BindAddress      string
	Port             int
	TLSPort          int
	Hostname         string
	MaxConnections   int
	MaxSearchResults int
	EnableIdle       bool
}

type LogConfig struct {
	Level   string
	File    string
	Console bool
}

// DefaultConfig returns the suite's baseline configuration: loopback
// binds, no TLS material, relay disabled, auth required for submission.
func DefaultConfig() Config {
	return Config{
		Storage: StorageConfig{
			MaildirRoot:       "/var/mail/tarn",
			CreateDirectories: true,
		},
		SMTP: SMTPConfig{
			BindAddress:    "0.0.0.0",
			Port:           25,
			TLSPort:        465,
			MaxConnections: 1000,
			MaxMessageSize: 25 * 1024 * 1024,
			MaxRecipients:  100,
			EnableStartTLS: true,
		},
		POP3: POPIMAPConfig{
			BindAddress:    "0.0.0.0",
			Port:           110,
			TLSPort:        995,
			MaxConnections: 1000,
		},
		IMAP: POPIMAPConfig{
			BindAddress:    "0.0.0.0",
			Port:           143,
			TLSPort:        993,
			MaxConnections: 1000,
		},
		Log: LogConfig{
			Level:   "info",
			Console: true,
		},
	}
}

// LoadConfigFromFlags parses the command-line flags into a Config
// seeded with DefaultConfig's values. Flag parsing stands in for a
// full file-based config loader; the section-keyed file format itself
// isn't exercised here.
func LoadConfigFromFlags(args []string) (Config, error) {
	cfg := DefaultConfig()
	fs := flag.NewFlagSet("tarnd", flag.ContinueOnError)

	fs.StringVar(&cfg.SMTP.Hostname, "hostname", "", "hostname advertised in SMTP/POP3/IMAP greetings")
	fs.StringVar(&cfg.Storage.MaildirRoot, "maildir-root", cfg.Storage.MaildirRoot, "root of the Maildir store")
	fs.IntVar(&cfg.SMTP.Port, "smtp-port", cfg.SMTP.Port, "SMTP listen port")
	fs.IntVar(&cfg.POP3.Port, "pop3-port", cfg.POP3.Port, "POP3 listen port")
	fs.IntVar(&cfg.IMAP.Port, "imap-port", cfg.IMAP.Port, "IMAP listen port")
	fs.BoolVar(&cfg.SMTP.AllowRelay, "allow-relay", cfg.SMTP.AllowRelay, "accept mail for non-local domains and relay it outbound")
	fs.BoolVar(&cfg.SMTP.RequireAuth, "require-auth", cfg.SMTP.RequireAuth, "require AUTH before accepting a MAIL FROM")
	var localDomains string
	fs.StringVar(&localDomains, "local-domains", "", "comma-separated list of domains served locally")
	fs.StringVar(&cfg.TLS.CertFile, "tls-cert", "", "path to the TLS certificate chain")
	fs.StringVar(&cfg.TLS.KeyFile, "tls-key", "", "path to the TLS private key")
	fs.StringVar(&cfg.Log.Level, "log-level", cfg.Log.Level, "log level: trace,debug,info,warning,error,fatal")
	queueDir := fs.String("relay-queue-dir", "", "directory for the outbound retry queue; empty disables queuing")
	retryInterval := fs.Duration("relay-retry-interval", 5*time.Minute, "base interval between relay retries")
	maxRetries := fs.Int("relay-max-retries", 5, "maximum relay retry attempts before an entry is dropped")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if localDomains != "" {
		for _, d := range strings.Split(localDomains, ",") {
			cfg.SMTP.LocalDomains = append(cfg.SMTP.LocalDomains, strings.TrimSpace(d))
		}
	}
	cfg.Relay.QueueDir = *queueDir
	cfg.Relay.RetryInterval = *retryInterval
	cfg.Relay.MaxRetries = *maxRetries

	if cfg.SMTP.Hostname == "" {
		return Config{}, fmt.Errorf("hostname is required")
	}
	return cfg, nil
}
