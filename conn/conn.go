package conn

import (
	"bufio"
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"

	lineio "github.com/tarnmail/tarn/io"
)

// TLSInfo mirrors smtp.TLSInfo; kept as its own type here so conn has
// no dependency on the smtp package.
type TLSInfo struct {
	Enabled            bool
	Version            uint16
	CipherSuite        uint16
	ServerName         string
	NegotiatedProtocol string
}

// Conn is one accepted connection: a net.Conn plus the line-framed
// reader, buffered writer, idle timer, and TLS upgrade path shared by
// every protocol session. Conn carries no protocol state; SMTP/POP3/
// IMAP session types are constructed around a *Conn and dispatch on
// the lines it yields.
type Conn struct {
	mu sync.RWMutex

	netConn net.Conn
	reader  *bufio.Reader
	writer  *bufio.Writer

	ctx    context.Context
	cancel context.CancelFunc

	ID          string
	ConnectedAt time.Time
	TLS         TLSInfo

	idleTimeout time.Duration

	closedChan chan struct{}
	closed     bool
}

// Config controls the buffering and default timeouts of a new Conn.
type Config struct {
	// IdleTimeout is the maximum time allowed between successful reads
	// or writes before the connection is force-closed. Default: 300s.
	IdleTimeout time.Duration

	// BufferSize sizes the buffered reader/writer. Default: 4096.
	BufferSize int
}

// DefaultConfig returns a conservative idle timeout and a reasonable
// buffer size.
func DefaultConfig() Config {
	return Config{IdleTimeout: 300 * time.Second, BufferSize: 4096}
}

// New wraps netConn in a Conn. The parent context governs the
// connection's lifetime; cancelling it (e.g. on server shutdown)
// unblocks any pending read by way of Close.
func New(parent context.Context, netConn net.Conn, id string, cfg Config) *Conn {
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 300 * time.Second
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = 4096
	}
	ctx, cancel := context.WithCancel(parent)

	c := &Conn{
		netConn:     netConn,
		reader:      bufio.NewReaderSize(netConn, cfg.BufferSize),
		writer:      bufio.NewWriterSize(netConn, cfg.BufferSize),
		ctx:         ctx,
		cancel:      cancel,
		ID:          id,
		ConnectedAt: time.Now(),
		idleTimeout: cfg.IdleTimeout,
		closedChan:  make(chan struct{}),
	}

	if tlsConn, ok := netConn.(*tls.Conn); ok {
		c.recordTLSState(tlsConn.ConnectionState())
	}

	return c
}

func (c *Conn) Context() context.Context { return c.ctx }

func (c *Conn) RemoteAddr() net.Addr { return c.netConn.RemoteAddr() }
func (c *Conn) LocalAddr() net.Addr  { return c.netConn.LocalAddr() }

func (c *Conn) IsTLS() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.TLS.Enabled
}

// ReadLine blocks for a CRLF-terminated line, stripped of its
// terminator, resetting the idle timer on success. maxLen bounds the
// line length; ASCII-only enforcement is left to the caller (SMTP
// enforces it in DATA, POP3/IMAP do not).
func (c *Conn) ReadLine(maxLen int) (string, error) {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return "", net.ErrClosed
	}

	if err := c.netConn.SetReadDeadline(time.Now().Add(c.idleTimeout)); err != nil {
		return "", err
	}
	line, err := lineio.ReadLine(c.reader, maxLen, false)
	if err != nil {
		return "", err
	}
	return line, nil
}

// WriteLine enqueues text plus CRLF and flushes immediately. Because
// each session's command loop runs on a single goroutine and every
// write happens synchronously before the next read, writes from one
// session are never interleaved with each other: FIFO reply ordering
// falls out of serial execution rather than an explicit queue data
// structure.
func (c *Conn) WriteLine(text string) error {
	return c.Write([]byte(text + "\r\n"))
}

// Write enqueues raw bytes and flushes, resetting the idle timer on
// success.
func (c *Conn) Write(b []byte) error {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return net.ErrClosed
	}

	if err := c.netConn.SetWriteDeadline(time.Now().Add(c.idleTimeout)); err != nil {
		return err
	}
	if _, err := c.writer.Write(b); err != nil {
		return err
	}
	return c.writer.Flush()
}

// UpgradeToTLS performs the server-side TLS handshake in place,
// replacing the connection's reader/writer with ones backed by the
// encrypted channel. Per RFC 3207/RFC 2595, callers must not have any
// read scheduled past the command that triggered the upgrade.
func (c *Conn) UpgradeToTLS(config *tls.Config) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tlsConn := tls.Server(c.netConn, config)
	if err := tlsConn.Handshake(); err != nil {
		return err
	}

	c.netConn = tlsConn
	c.reader = bufio.NewReader(tlsConn)
	c.writer = bufio.NewWriter(tlsConn)
	c.recordTLSState(tlsConn.ConnectionState())
	return nil
}

func (c *Conn) recordTLSState(state tls.ConnectionState) {
	c.TLS = TLSInfo{
		Enabled:            true,
		Version:            state.Version,
		CipherSuite:        state.CipherSuite,
		ServerName:         state.ServerName,
		NegotiatedProtocol: state.NegotiatedProtocol,
	}
}

// Close closes the underlying socket exactly once, flushing any
// buffered writes first.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.cancel()
	close(c.closedChan)
	_ = c.writer.Flush()
	return c.netConn.Close()
}

// Done returns a channel closed when the connection has been closed.
func (c *Conn) Done() <-chan struct{} { return c.closedChan }
