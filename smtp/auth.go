package smtp

import (
	"bufio"
	"slices"
	"strings"
	"time"

	"github.com/tarnmail/tarn/sasl"
)

// handleAuth processes the AUTH command using the sasl package's mechanism
// implementations (RFC 4954).
func (s *Server) handleAuth(conn *Connection, args string, reader *bufio.Reader) *Response {
	if conn.State() < StateGreeted {
		return &Response{Code: CodeBadSequence, Message: "Send EHLO first"}
	}
	if conn.IsAuthenticated() {
		return &Response{Code: CodeBadSequence, Message: "Already authenticated"}
	}
	if s.config.RequireTLS && !conn.IsTLS() {
		return &Response{
			Code:         530,
			EnhancedCode: "5.7.0",
			Message:      "Must issue a STARTTLS command first",
		}
	}

	parts := strings.SplitN(args, " ", 2)
	mechanism := strings.ToUpper(parts[0])

	if !slices.Contains(s.config.AuthMechanisms, mechanism) {
		return &Response{Code: CodeParameterNotImpl, Message: "Mechanism not supported"}
	}

	var mech sasl.Mechanism
	switch mechanism {
	case "PLAIN":
		mech = sasl.NewPlain()
	case "LOGIN":
		mech = sasl.NewLogin()
	default:
		return &Response{Code: CodeParameterNotImpl, Message: "Mechanism not implemented"}
	}

	initial := ""
	if len(parts) > 1 {
		initial = parts[1]
	}

	creds, err := s.driveSASL(conn, reader, mech, initial)
	if err != nil {
		conn.RecordError(err)
		return &Response{Code: CodeTransactionFailed, Message: "Authentication failed"}
	}

	identity := creds.Identity()
	password := creds.Password

	if s.config.Callbacks != nil && s.config.Callbacks.OnAuth != nil {
		if err := s.config.Callbacks.OnAuth(conn.Context(), conn, mechanism, identity, password); err != nil {
			conn.RecordError(err)
			return &Response{
				Code:         CodeTransactionFailed,
				EnhancedCode: "5.7.8",
				Message:      "Authentication credentials invalid",
			}
		}
	}

	conn.mu.Lock()
	conn.Auth = AuthInfo{
		Authenticated:   true,
		Mechanism:       mechanism,
		Identity:        identity,
		AuthenticatedAt: time.Now(),
	}
	conn.mu.Unlock()

	return &Response{
		Code:         CodeAuthSuccess,
		EnhancedCode: "2.7.0",
		Message:      "Authentication successful",
	}
}

// driveSASL runs the challenge/response loop for a sasl.Mechanism over the
// SMTP 334-continuation protocol, reading each continuation line from the
// wire until the mechanism reports done.
func (s *Server) driveSASL(conn *Connection, reader *bufio.Reader, mech sasl.Mechanism, initial string) (*sasl.Credentials, error) {
	challenge, done, err := mech.Start(initial)
	for {
		if err != nil {
			return nil, err
		}
		if done {
			return mech.Credentials(), nil
		}

		s.writeResponse(conn, Response{Code: 334, Message: challenge})

		line, rerr := s.readLine(reader)
		if rerr != nil {
			return nil, rerr
		}

		challenge, done, err = mech.Next(line)
	}
}
