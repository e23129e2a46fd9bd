package pop3

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tarnmail/tarn/store"
)

// dispatch parses one command line and routes it to a handler,
// writing the response(s) itself. It returns false when the session
// should close (clean QUIT or a fatal write error).
func (s *Session) dispatch(line string) bool {
	verb, args := splitCommand(line)
	switch strings.ToUpper(verb) {
	case "USER":
		s.handleUser(args)
	case "PASS":
		s.handlePass(args)
	case "STAT":
		s.handleStat()
	case "LIST":
		s.handleList(args)
	case "RETR":
		s.handleRetr(args)
	case "DELE":
		s.handleDele(args)
	case "TOP":
		s.handleTop(args)
	case "UIDL":
		s.handleUidl(args)
	case "RSET":
		s.handleRset()
	case "NOOP":
		s.handleNoop()
	case "CAPA":
		s.handleCapa()
	case "STLS":
		s.handleStls()
	case "AUTH":
		s.handleAuth(args)
	case "QUIT":
		return s.handleQuit()
	default:
		s.err("unknown command")
	}
	return true
}

func splitCommand(line string) (verb, args string) {
	line = strings.TrimSpace(line)
	idx := strings.IndexByte(line, ' ')
	if idx < 0 {
		return line, ""
	}
	return line[:idx], strings.TrimSpace(line[idx+1:])
}

func (s *Session) ok(format string, a ...any) {
	_ = s.conn.WriteLine("+OK " + fmt.Sprintf(format, a...))
}

func (s *Session) err(format string, a ...any) {
	_ = s.conn.WriteLine("-ERR " + fmt.Sprintf(format, a...))
}

func (s *Session) requireState(want State) bool {
	if s.state != want {
		s.err("command not valid in state %s", s.state)
		return false
	}
	return true
}

func (s *Session) handleUser(args string) {
	if !s.requireState(StateAuthorization) {
		return
	}
	if args == "" {
		s.err("missing username")
		return
	}
	s.pendingUsername = args
	s.ok("user accepted, send PASS")
}

func (s *Session) handlePass(args string) {
	if !s.requireState(StateAuthorization) {
		return
	}
	if s.pendingUsername == "" {
		s.err("send USER first")
		return
	}
	if err := s.authenticate(s.pendingUsername, args); err != nil {
		s.err("authentication failed")
		return
	}
	s.ok("%d messages", s.liveCount())
}

func (s *Session) handleStat() {
	if !s.requireState(StateTransaction) {
		return
	}
	s.ok("%d %d", s.liveCount(), s.liveSize())
}

func (s *Session) handleList(args string) {
	if !s.requireState(StateTransaction) {
		return
	}
	if args != "" {
		n, err := strconv.Atoi(args)
		if err != nil {
			s.err("invalid message number")
			return
		}
		e, err := s.entryFor(n)
		if err != nil {
			s.err("no such message, %d", n)
			return
		}
		s.ok("%d %d", e.number, e.size)
		return
	}

	s.ok("%d messages", s.liveCount())
	for _, e := range s.messages[1:] {
		if e.deleted {
			continue
		}
		_ = s.conn.WriteLine(fmt.Sprintf("%d %d", e.number, e.size))
	}
	_ = s.conn.WriteLine(".")
}

func (s *Session) handleRetr(args string) {
	if !s.requireState(StateTransaction) {
		return
	}
	n, err := strconv.Atoi(args)
	if err != nil {
		s.err("invalid message number")
		return
	}
	e, err := s.entryFor(n)
	if err != nil {
		s.err("no such message, %d", n)
		return
	}

	content, err := s.mailbox.GetMessageContent(store.InboxName, e.uniqueID)
	if err != nil {
		s.err("unable to read message")
		return
	}

	s.ok("%d octets", len(content))
	s.writeMessage(content, -1)
}

func (s *Session) handleDele(args string) {
	if !s.requireState(StateTransaction) {
		return
	}
	n, err := strconv.Atoi(args)
	if err != nil {
		s.err("invalid message number")
		return
	}
	e, err := s.entryFor(n)
	if err != nil {
		s.err("no such message, %d", n)
		return
	}
	e.deleted = true
	s.ok("message %d deleted", n)
}

func (s *Session) handleTop(args string) {
	if !s.requireState(StateTransaction) {
		return
	}
	fields := strings.Fields(args)
	if len(fields) != 2 {
		s.err("syntax: TOP n lines")
		return
	}
	n, err1 := strconv.Atoi(fields[0])
	k, err2 := strconv.Atoi(fields[1])
	if err1 != nil || err2 != nil || k < 0 {
		s.err("syntax: TOP n lines")
		return
	}
	e, err := s.entryFor(n)
	if err != nil {
		s.err("no such message, %d", n)
		return
	}

	content, err := s.mailbox.GetMessageContent(store.InboxName, e.uniqueID)
	if err != nil {
		s.err("unable to read message")
		return
	}

	s.ok("top of message follows")
	s.writeMessage(content, k)
}

func (s *Session) handleUidl(args string) {
	if !s.requireState(StateTransaction) {
		return
	}
	if args != "" {
		n, err := strconv.Atoi(args)
		if err != nil {
			s.err("invalid message number")
			return
		}
		e, err := s.entryFor(n)
		if err != nil {
			s.err("no such message, %d", n)
			return
		}
		s.ok("%d %s", e.number, e.uniqueID)
		return
	}

	s.ok("unique-id listing follows")
	for _, e := range s.messages[1:] {
		if e.deleted {
			continue
		}
		_ = s.conn.WriteLine(fmt.Sprintf("%d %s", e.number, e.uniqueID))
	}
	_ = s.conn.WriteLine(".")
}

func (s *Session) handleRset() {
	if !s.requireState(StateTransaction) {
		return
	}
	for _, e := range s.messages[1:] {
		e.deleted = false
	}
	s.ok("%d messages", s.liveCount())
}

func (s *Session) handleNoop() {
	s.ok("")
}

func (s *Session) handleCapa() {
	s.ok("capability list follows")
	_ = s.conn.WriteLine("TOP")
	_ = s.conn.WriteLine("UIDL")
	_ = s.conn.WriteLine("RESP-CODES")
	_ = s.conn.WriteLine("PIPELINING")
	if s.server.config.TLSConfig != nil && !s.conn.IsTLS() {
		_ = s.conn.WriteLine("STLS")
	}
	if len(s.server.config.AuthMechanisms) > 0 {
		_ = s.conn.WriteLine("AUTH " + strings.Join(s.server.config.AuthMechanisms, " "))
	}
	_ = s.conn.WriteLine("USER")
	_ = s.conn.WriteLine("IMPLEMENTATION tarn")
	_ = s.conn.WriteLine(".")
}

func (s *Session) handleStls() {
	if !s.requireState(StateAuthorization) {
		return
	}
	if s.server.config.TLSConfig == nil {
		s.err("STLS not available")
		return
	}
	if s.conn.IsTLS() {
		s.err("already using TLS")
		return
	}
	s.ok("begin TLS negotiation")
	if err := s.conn.UpgradeToTLS(s.server.config.TLSConfig); err != nil {
		return
	}
	// RFC 2595: discard any cached USER state, the client must restart.
	s.pendingUsername = ""
}

// handleAuth always rejects: the original system advertises AUTH in
// CAPA when mechanisms are configured but has never implemented the
// PLAIN/LOGIN exchange on the wire, directing clients back to USER/PASS.
func (s *Session) handleAuth(args string) {
	if args == "" {
		s.err("AUTH not supported, use USER/PASS")
		return
	}
	s.err("AUTH %s not supported, use USER/PASS", strings.Fields(args)[0])
}

// handleQuit transitions to UPDATE and, only when the session reached
// TRANSACTION, expunges deleted messages. QUIT from AUTHORIZATION is a
// clean close with no store mutation.
func (s *Session) handleQuit() bool {
	if s.state == StateTransaction {
		s.state = StateUpdate
		removed := s.expunge()
		s.ok("tarn POP3 server signing off (%d messages removed)", removed)
	} else {
		s.ok("tarn POP3 server signing off")
	}
	return false
}

// writeMessage writes content as dot-stuffed CRLF lines. maxBodyLines
// < 0 means send the whole message; otherwise send all headers plus
// up to maxBodyLines lines of body, matching TOP's semantics.
func (s *Session) writeMessage(content []byte, maxBodyLines int) {
	lines := splitLines(content)

	inHeaders := true
	bodyLinesSent := 0
	for _, line := range lines {
		if inHeaders {
			if line == "" {
				inHeaders = false
			}
			_ = s.conn.WriteLine(dotStuff(line))
			continue
		}
		if maxBodyLines >= 0 && bodyLinesSent >= maxBodyLines {
			break
		}
		_ = s.conn.WriteLine(dotStuff(line))
		bodyLinesSent++
	}
	_ = s.conn.WriteLine(".")
}

// splitLines splits raw message bytes on CRLF or bare LF without
// keeping the terminator, tolerating either line ending the way
// delivered mail on disk may use.
func splitLines(content []byte) []string {
	text := strings.ReplaceAll(string(content), "\r\n", "\n")
	text = strings.TrimSuffix(text, "\n")
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}
