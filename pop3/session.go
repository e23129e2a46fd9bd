package pop3

import (
	"github.com/tarnmail/tarn/conn"
	"github.com/tarnmail/tarn/creds"
	"github.com/tarnmail/tarn/store"
)

// State is one of the three RFC 1939 session states.
type State int

const (
	StateAuthorization State = iota
	StateTransaction
	StateUpdate
)

func (s State) String() string {
	switch s {
	case StateAuthorization:
		return "AUTHORIZATION"
	case StateTransaction:
		return "TRANSACTION"
	case StateUpdate:
		return "UPDATE"
	default:
		return "UNKNOWN"
	}
}

// entry is one message in a session's numbered snapshot.
type entry struct {
	number   int
	uniqueID string
	size     int64
	deleted  bool
}

// Session holds the per-connection state for one POP3 client: the
// RFC 1939 state machine, the pending USER name, the authenticated
// mailbox once PASS succeeds, and the numbered snapshot taken on
// entering TRANSACTION.
type Session struct {
	conn   *conn.Conn
	server *Server

	state           State
	pendingUsername string
	address         string

	mailbox  *store.Mailbox
	messages []*entry // index 0 unused; number i lives at messages[i]
}

func newSession(c *conn.Conn, s *Server) *Session {
	return &Session{conn: c, server: s, state: StateAuthorization}
}

// liveCount returns the number of non-deleted messages in the
// snapshot.
func (s *Session) liveCount() int {
	n := 0
	for _, e := range s.messages[1:] {
		if !e.deleted {
			n++
		}
	}
	return n
}

// liveSize returns the total size of non-deleted messages.
func (s *Session) liveSize() int64 {
	var total int64
	for _, e := range s.messages[1:] {
		if !e.deleted {
			total += e.size
		}
	}
	return total
}

// entryFor returns the snapshot entry for a 1-based message number,
// rejecting out-of-range numbers and numbers already marked deleted.
func (s *Session) entryFor(number int) (*entry, error) {
	if number < 1 || number >= len(s.messages) {
		return nil, errNoSuchMessage
	}
	e := s.messages[number]
	if e.deleted {
		return nil, errNoSuchMessage
	}
	return e, nil
}

// loadSnapshot opens the INBOX and numbers its messages 1..N in the
// order store.ListMessages returns them (ascending by internal date).
// It does not reload after this point even if new mail arrives
// mid-session.
func (s *Session) loadSnapshot() error {
	msgs, err := s.mailbox.ListMessages(store.InboxName)
	if err != nil {
		return err
	}
	s.messages = make([]*entry, 1, len(msgs)+1)
	for i, m := range msgs {
		s.messages = append(s.messages, &entry{
			number:   i + 1,
			uniqueID: m.UniqueID,
			size:     m.Size,
		})
	}
	return nil
}

// authenticate verifies fullAddress/password against the credential
// service and, on success, opens the mailbox and loads its snapshot.
func (s *Session) authenticate(fullAddress, password string) error {
	ctx := s.conn.Context()
	ok, err := s.server.config.Creds.Authenticate(ctx, fullAddress, password)
	if err != nil {
		return err
	}
	if !ok {
		return creds.ErrInvalidCredentials
	}

	mb, err := s.server.config.Accounts.OpenAddress(fullAddress)
	if err != nil {
		return err
	}
	s.mailbox = mb
	if err := s.loadSnapshot(); err != nil {
		return err
	}
	s.address = fullAddress
	s.state = StateTransaction
	return nil
}

// expunge removes every message marked deleted in the snapshot from
// the store. Called only from a clean QUIT in TRANSACTION.
func (s *Session) expunge() int {
	removed := 0
	for _, e := range s.messages[1:] {
		if !e.deleted {
			continue
		}
		if err := s.mailbox.RemoveMessage(store.InboxName, e.uniqueID); err == nil {
			removed++
		}
	}
	return removed
}
