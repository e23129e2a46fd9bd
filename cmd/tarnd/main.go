// Command tarnd runs the SMTP, POP3, and IMAP servers against a shared
// Maildir store, with outbound mail handed to the Relay Agent. It
// replaces the single-protocol demo programs with one combined
// entrypoint that wires config, creds, store, smtp, pop3, imap, and
// relay together.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tarnmail/tarn/creds"
	"github.com/tarnmail/tarn/imap"
	"github.com/tarnmail/tarn/pop3"
	"github.com/tarnmail/tarn/relay"
	"github.com/tarnmail/tarn/smtp"
	"github.com/tarnmail/tarn/store"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := LoadConfigFromFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "tarnd:", err)
		return 1
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	suite, err := buildSuite(cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errc := suite.start()
	<-ctx.Done()

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	suite.shutdown(shutdownCtx)

	for i := 0; i < len(errc); i++ {
		if err := <-errc[i]; err != nil && !errors.Is(err, smtp.ErrServerClosed) &&
			!errors.Is(err, pop3.ErrServerClosed) && !errors.Is(err, imap.ErrServerClosed) {
			logger.Error("server exited with error", "error", err)
		}
	}
	return 0
}

func newLogger(cfg LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "trace", "debug":
		level = slog.LevelDebug
	case "warning":
		level = slog.LevelWarn
	case "error", "fatal":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	out := os.Stdout
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err == nil {
			return slog.New(slog.NewJSONHandler(f, &slog.HandlerOptions{Level: level}))
		}
	}
	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
}

// suite holds every running server so run can start and stop them
// together.
type suite struct {
	smtpServer   *smtp.Server
	submission   *smtp.Server
	pop3Server   *pop3.Server
	imapServer   *imap.Server
	relayWorker  *relay.Worker
	workerCancel context.CancelFunc

	logger *slog.Logger
}

func buildSuite(cfg Config, logger *slog.Logger) (*suite, error) {
	credsService := creds.NewMemoryService()
	for _, domain := range cfg.SMTP.LocalDomains {
		credsService.AddLocalDomain(domain)
	}

	accounts := store.NewAccounts(cfg.Storage.MaildirRoot, cfg.Storage.CreateDirectories)

	tlsConfig, err := cfg.TLS.certificate()
	if err != nil {
		return nil, err
	}

	var agent *relay.Agent
	var queue *relay.Queue
	var worker *relay.Worker
	var workerCancel context.CancelFunc
	retryInterval := relay.DefaultConfig().RetryInterval

	if cfg.SMTP.AllowRelay {
		relayCfg := relay.DefaultConfig()
		relayCfg.Hostname = cfg.SMTP.Hostname
		relayCfg.Logger = logger
		relayCfg.QueueDir = cfg.Relay.QueueDir
		if cfg.Relay.RetryInterval != 0 {
			relayCfg.RetryInterval = cfg.Relay.RetryInterval
		}
		if cfg.Relay.MaxRetries != 0 {
			relayCfg.MaxRetries = cfg.Relay.MaxRetries
		}
		agent = relay.NewAgent(relayCfg)
		retryInterval = relayCfg.RetryInterval

		if relayCfg.QueueDir != "" {
			q, err := relay.OpenQueue(relayCfg.QueueDir)
			if err != nil {
				return nil, fmt.Errorf("open relay queue: %w", err)
			}
			queue = q
			worker = relay.NewWorker(agent, queue, relayCfg)
			var ctx context.Context
			ctx, workerCancel = context.WithCancel(context.Background())
			go worker.Run(ctx, relayCfg.RetryInterval)
		}
	}

	router := &Router{
		Creds:         credsService,
		Accounts:      accounts,
		AllowRelay:    cfg.SMTP.AllowRelay,
		RetryInterval: retryInterval,
		Logger:        logger,
	}
	if agent != nil {
		router.Relay = agent
	}
	if queue != nil {
		router.Queue = queue
	}

	smtpServer, err := smtp.NewServer(smtp.ServerConfig{
		Hostname:       cfg.SMTP.Hostname,
		Addr:           net.JoinHostPort(cfg.SMTP.BindAddress, portString(cfg.SMTP.Port)),
		TLSConfig:      tlsConfigFor(cfg.SMTP.EnableStartTLS, tlsConfig),
		AuthMechanisms: []string{"PLAIN", "LOGIN"},
		RequireAuth:    cfg.SMTP.RequireAuth,
		MaxMessageSize: cfg.SMTP.MaxMessageSize,
		MaxRecipients:  cfg.SMTP.MaxRecipients,
		MaxConnections: cfg.SMTP.MaxConnections,
		Logger:         logger,
		Callbacks:      router.Callbacks(),
	})
	if err != nil {
		return nil, fmt.Errorf("smtp server: %w", err)
	}

	submissionCfg := smtp.DefaultServerConfig()
	submissionCfg.Hostname = cfg.SMTP.Hostname
	submissionCfg.Addr = net.JoinHostPort(cfg.SMTP.BindAddress, "587")
	submissionCfg.TLSConfig = tlsConfig
	submissionCfg.RequireTLS = tlsConfig != nil
	submissionCfg.AuthMechanisms = []string{"PLAIN", "LOGIN"}
	submissionCfg.RequireAuth = true
	submissionCfg.MaxMessageSize = cfg.SMTP.MaxMessageSize
	submissionCfg.MaxRecipients = cfg.SMTP.MaxRecipients
	submissionCfg.MaxConnections = cfg.SMTP.MaxConnections
	submissionCfg.Logger = logger
	submissionRouter := *router
	submissionRouter.AllowRelay = true
	submissionCfg.Callbacks = submissionRouter.Callbacks()
	submission, err := smtp.NewServer(submissionCfg)
	if err != nil {
		return nil, fmt.Errorf("submission server: %w", err)
	}

	pop3Server, err := pop3.NewServer(pop3.ServerConfig{
		Hostname:       cfg.POP3.Hostname,
		Addr:           net.JoinHostPort(cfg.POP3.BindAddress, portString(cfg.POP3.Port)),
		Accounts:       accounts,
		Creds:          credsService,
		TLSConfig:      tlsConfig,
		AuthMechanisms: []string{"PLAIN", "LOGIN"},
		MaxConnections: cfg.POP3.MaxConnections,
		Logger:         logger,
	})
	if err != nil {
		return nil, fmt.Errorf("pop3 server: %w", err)
	}

	imapServer, err := imap.NewServer(imap.ServerConfig{
		Hostname:       cfg.IMAP.Hostname,
		Addr:           net.JoinHostPort(cfg.IMAP.BindAddress, portString(cfg.IMAP.Port)),
		Accounts:       accounts,
		Creds:          credsService,
		TLSConfig:      tlsConfig,
		MaxConnections: cfg.IMAP.MaxConnections,
		Logger:         logger,
	})
	if err != nil {
		return nil, fmt.Errorf("imap server: %w", err)
	}

	return &suite{
		smtpServer:   smtpServer,
		submission:   submission,
		pop3Server:   pop3Server,
		imapServer:   imapServer,
		relayWorker:  worker,
		workerCancel: workerCancel,
		logger:       logger,
	}, nil
}

func tlsConfigFor(enable bool, cfg *tls.Config) *tls.Config {
	if !enable {
		return nil
	}
	return cfg
}

func portString(port int) string {
	return fmt.Sprintf("%d", port)
}

func (s *suite) start() []<-chan error {
	listeners := []func() error{
		s.smtpServer.ListenAndServe,
		s.submission.ListenAndServe,
		s.pop3Server.ListenAndServe,
		s.imapServer.ListenAndServe,
	}
	errc := make([]<-chan error, len(listeners))
	for i, listen := range listeners {
		ch := make(chan error, 1)
		errc[i] = ch
		go func(listen func() error, ch chan error) {
			ch <- listen()
		}(listen, ch)
	}
	return errc
}

func (s *suite) shutdown(ctx context.Context) {
	if s.workerCancel != nil {
		s.workerCancel()
	}
	if s.relayWorker != nil {
		if err := s.relayWorker.Shutdown(ctx); err != nil {
			s.logger.Warn("relay worker shutdown", "error", err)
		}
	}
	for name, shut := range map[string]func(context.Context) error{
		"smtp":       s.smtpServer.Shutdown,
		"submission": s.submission.Shutdown,
		"pop3":       s.pop3Server.Shutdown,
		"imap":       s.imapServer.Shutdown,
	} {
		if err := shut(ctx); err != nil {
			s.logger.Warn("server shutdown", "server", name, "error", err)
		}
	}
}
