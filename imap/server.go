package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"

	tarnconn "github.com/tarnmail/tarn/conn"
	"github.com/tarnmail/tarn/utils"
)

// Server is an IMAP server built on the conn package's accept loop.
type Server struct {
	config ServerConfig
	loop   *tarnconn.AcceptLoop
}

// NewServer validates config, applies defaults, and returns a Server
// ready for ListenAndServe.
func NewServer(config ServerConfig) (*Server, error) {
	if config.Hostname == "" {
		return nil, errors.New("imap: hostname is required")
	}
	if config.Accounts == nil {
		return nil, errors.New("imap: accounts store is required")
	}
	if config.Creds == nil {
		return nil, errors.New("imap: credential service is required")
	}
	config.applyDefaults()
	return &Server{config: config}, nil
}

// ListenAndServe starts the server on a plain TCP listener (port 143).
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// ListenAndServeTLS starts the server with implicit TLS (port 993).
func (s *Server) ListenAndServeTLS() error {
	if s.config.TLSConfig == nil {
		return errors.New("imap: TLS config is required for implicit TLS")
	}
	ln, err := tls.Listen("tcp", s.config.Addr, s.config.TLSConfig)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown or Close.
func (s *Server) Serve(ln net.Listener) error {
	s.loop = tarnconn.NewAcceptLoop(ln, s.config.MaxConnections, s.config.Logger, s.handleNetConn)
	err := s.loop.Run()
	if errors.Is(err, tarnconn.ErrServerClosed) {
		return ErrServerClosed
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.loop == nil {
		return nil
	}
	return s.loop.Shutdown(ctx)
}

func (s *Server) Close() error {
	if s.loop == nil {
		return nil
	}
	return s.loop.Close()
}

func (s *Server) handleNetConn(netConn net.Conn) {
	id := utils.GenerateID()
	c := tarnconn.New(s.loop.Context(), netConn, id, tarnconn.Config{IdleTimeout: s.config.IdleTimeout, BufferSize: s.config.MaxLineLength * 8})
	defer func() { _ = c.Close() }()

	logger := s.config.Logger.With(slog.String("conn_id", id), slog.String("remote", c.RemoteAddr().String()))
	logger.Info("imap client connected")

	session := newSession(c, s)
	_ = c.WriteLine(greeting(s.config.Hostname, id))

	for {
		line, err := c.ReadLine(s.config.MaxLineLength)
		if err != nil {
			break
		}
		if !session.dispatch(line) {
			break
		}
	}

	logger.Info("imap client disconnected", slog.String("final_state", session.state.String()))
}

func greeting(hostname, connID string) string {
	return "* OK " + hostname + " tarn IMAP4rev1 server ready [" + connID + "]"
}
