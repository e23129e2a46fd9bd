package imap

import (
	"fmt"
	"sort"
	"time"

	tarnconn "github.com/tarnmail/tarn/conn"
	"github.com/tarnmail/tarn/store"
)

// State is one of the four IMAP session states.
type State int

const (
	StateNotAuthenticated State = iota
	StateAuthenticated
	StateSelected
	StateLogout
)

func (s State) String() string {
	switch s {
	case StateNotAuthenticated:
		return "NOT_AUTHENTICATED"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateSelected:
		return "SELECTED"
	case StateLogout:
		return "LOGOUT"
	default:
		return "UNKNOWN"
	}
}

// cachedMessage is one entry of a SELECTed mailbox's ordered view,
// grounded on the original session's CachedMessage.
type cachedMessage struct {
	seq          uint32
	uid          uint32
	uniqueID     string
	size         int64
	flags        map[rune]bool
	internalDate time.Time
	recent       bool
}

func (c *cachedMessage) imapFlags() []string {
	return flagsFromLetters(c.flags, c.recent)
}

// selectedMailbox is the cached, numbered view of a folder built by
// SELECT/EXAMINE, kept consistent by STORE and EXPUNGE.
type selectedMailbox struct {
	name       string
	readOnly   bool
	uidValidity uint32
	messages   []*cachedMessage // ordered ascending by sequence number
	seqToUID   map[uint32]uint32
	uidToSeq   map[uint32]uint32
}

func (mb *selectedMailbox) recentCount() int {
	n := 0
	for _, m := range mb.messages {
		if m.recent {
			n++
		}
	}
	return n
}

func (mb *selectedMailbox) unseenCount() int {
	n := 0
	for _, m := range mb.messages {
		if !m.flags['S'] {
			n++
		}
	}
	return n
}

func (mb *selectedMailbox) firstUnseen() uint32 {
	for _, m := range mb.messages {
		if !m.flags['S'] {
			return m.seq
		}
	}
	return 0
}

func (mb *selectedMailbox) bySeq(seq uint32) *cachedMessage {
	for _, m := range mb.messages {
		if m.seq == seq {
			return m
		}
	}
	return nil
}

func (mb *selectedMailbox) byUID(uid uint32) *cachedMessage {
	for _, m := range mb.messages {
		if m.uid == uid {
			return m
		}
	}
	return nil
}

// Session is one client connection's IMAP state, built on the conn
// package's connection substrate the same way the pop3 package is.
type Session struct {
	conn   *tarnconn.Conn
	server *Server

	state    State
	address  string // authenticated user's full address
	mailbox  *store.Mailbox
	selected *selectedMailbox
}

func newSession(c *tarnconn.Conn, s *Server) *Session {
	return &Session{conn: c, server: s, state: StateNotAuthenticated}
}

// login authenticates fullAddress/password against the configured
// credential service and opens its Mailbox, moving the session to
// AUTHENTICATED.
func (sess *Session) login(fullAddress, password string) error {
	ok, err := sess.server.config.Creds.Authenticate(sess.conn.Context(), fullAddress, password)
	if err != nil {
		return err
	}
	if !ok {
		return errAuthFailed
	}
	mb, err := sess.server.config.Accounts.OpenAddress(fullAddress)
	if err != nil {
		return err
	}
	sess.address = fullAddress
	sess.mailbox = mb
	sess.state = StateAuthenticated
	return nil
}

// selectMailbox loads folder's messages into an ordered, numbered
// view, consuming UIDs from the folder's persistent UIDNEXT via the
// store's EnsureUIDs so that UIDs survive across sessions.
func (sess *Session) selectMailbox(folder string, readOnly bool) (*selectedMailbox, error) {
	msgs, err := sess.mailbox.ListMessages(folder)
	if err != nil {
		return nil, err
	}
	uniqueIDs := make([]string, len(msgs))
	for i, m := range msgs {
		uniqueIDs[i] = m.UniqueID
	}
	uidMap, err := sess.mailbox.EnsureUIDs(folder, uniqueIDs)
	if err != nil {
		return nil, err
	}
	validity, err := sess.mailbox.GetUIDValidity(folder)
	if err != nil {
		return nil, err
	}

	mb := &selectedMailbox{
		name:        folder,
		readOnly:    readOnly,
		uidValidity: validity,
		seqToUID:    make(map[uint32]uint32),
		uidToSeq:    make(map[uint32]uint32),
	}
	for i, m := range msgs {
		seq := uint32(i + 1)
		uid := uidMap[m.UniqueID]
		cm := &cachedMessage{
			seq:          seq,
			uid:          uid,
			uniqueID:     m.UniqueID,
			size:         m.Size,
			flags:        m.Flags,
			internalDate: m.InternalDate,
			recent:       m.IsRecent,
		}
		mb.messages = append(mb.messages, cm)
		mb.seqToUID[seq] = uid
		mb.uidToSeq[uid] = seq
	}

	sess.selected = mb
	sess.state = StateSelected
	return mb, nil
}

// closeMailbox drops the selected view without expunging, used by
// CLOSE and by a failed SELECT/EXAMINE that must still leave
// AUTHENTICATED per RFC 3501.
func (sess *Session) closeMailbox() {
	sess.selected = nil
	if sess.state == StateSelected {
		sess.state = StateAuthenticated
	}
}

// refreshSelected reloads the selected mailbox's cached view in
// place, used after STORE/EXPUNGE mutate the store out from under it.
func (sess *Session) refreshSelected() error {
	if sess.selected == nil {
		return errNoMailboxSelected
	}
	_, err := sess.selectMailbox(sess.selected.name, sess.selected.readOnly)
	return err
}

// resolveSet expands a sequence set against either sequence numbers
// or UIDs, returning matching cachedMessages in ascending sequence
// order.
func (sess *Session) resolveSet(set *SeqSet, byUID bool) []*cachedMessage {
	if sess.selected == nil || len(sess.selected.messages) == 0 {
		return nil
	}
	var max uint32
	if byUID {
		for _, m := range sess.selected.messages {
			if m.uid > max {
				max = m.uid
			}
		}
	} else {
		max = uint32(len(sess.selected.messages))
	}

	var out []*cachedMessage
	for _, m := range sess.selected.messages {
		var num uint32
		if byUID {
			num = m.uid
		} else {
			num = m.seq
		}
		if set.Contains(num, max) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// expunge removes every \Deleted message from the selected folder and
// returns the sequence numbers removed, in descending order (RFC 3501
// semantics: each number still denotes a valid sequence position at
// the moment it is emitted).
func (sess *Session) expunge() ([]uint32, error) {
	if sess.selected == nil {
		return nil, errNoMailboxSelected
	}
	var removed []uint32
	for _, m := range sess.selected.messages {
		if m.flags['T'] {
			removed = append(removed, m.seq)
		}
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i] > removed[j] })

	for _, m := range sess.selected.messages {
		if m.flags['T'] {
			if err := sess.mailbox.RemoveMessage(sess.selected.name, m.uniqueID); err != nil {
				return nil, err
			}
		}
	}
	if err := sess.refreshSelected(); err != nil {
		return nil, err
	}
	return removed, nil
}

// setFlags applies a STORE action to one cached message and returns
// its resulting flag set. The store is the system of record; the
// cached entry is updated to match so FETCH/SEARCH stay consistent
// without a full reselect.
func (sess *Session) setFlags(m *cachedMessage, action *StoreAction) error {
	letters := lettersFromFlags(action.Flags)
	var err error
	switch action.Type {
	case StoreReplace, StoreReplaceSilent:
		err = sess.mailbox.SetFlags(sess.selected.name, m.uniqueID, letters)
	case StoreAdd, StoreAddSilent:
		err = sess.mailbox.AddFlags(sess.selected.name, m.uniqueID, letters)
	case StoreRemove, StoreRemoveSilent:
		err = sess.mailbox.RemoveFlags(sess.selected.name, m.uniqueID, letters)
	default:
		return fmt.Errorf("imap: unknown store action %d", action.Type)
	}
	if err != nil {
		return err
	}

	switch action.Type {
	case StoreReplace, StoreReplaceSilent:
		m.flags = make(map[rune]bool, len(letters))
		for r, v := range letters {
			if v {
				m.flags[r] = true
			}
		}
	case StoreAdd, StoreAddSilent:
		for r, v := range letters {
			if v {
				m.flags[r] = true
			}
		}
	case StoreRemove, StoreRemoveSilent:
		for r := range letters {
			delete(m.flags, r)
		}
	}
	m.recent = false
	return nil
}

// matches evaluates a single search key against a cached message.
// Header/body/text content criteria require reading the message and
// are evaluated lazily only when such a key is present.
func (sess *Session) matches(m *cachedMessage, key *SearchKey) bool {
	switch key.Type {
	case SearchAll:
		return true
	case SearchAnswered:
		return m.flags['R']
	case SearchUnanswered:
		return !m.flags['R']
	case SearchDeleted:
		return m.flags['T']
	case SearchUndeleted:
		return !m.flags['T']
	case SearchDraft:
		return m.flags['D']
	case SearchUndraft:
		return !m.flags['D']
	case SearchFlagged:
		return m.flags['F']
	case SearchUnflagged:
		return !m.flags['F']
	case SearchSeen:
		return m.flags['S']
	case SearchUnseen:
		return !m.flags['S']
	case SearchRecent, SearchNew:
		if key.Type == SearchNew {
			return m.recent && !m.flags['S']
		}
		return m.recent
	case SearchOld:
		return !m.recent
	case SearchUID:
		set, err := ParseSeqSet(key.Value)
		if err != nil {
			return false
		}
		return sess.resolveContains(set, m.uid, true)
	case SearchLarger:
		return m.size > parseInt64(key.Value)
	case SearchSmaller:
		return m.size < parseInt64(key.Value)
	case SearchBefore, SearchSentBefore:
		t, ok := parseSearchDate(key.Value)
		return ok && m.internalDate.Before(t)
	case SearchOn, SearchSentOn:
		t, ok := parseSearchDate(key.Value)
		return ok && sameDay(m.internalDate, t)
	case SearchSince, SearchSentSince:
		t, ok := parseSearchDate(key.Value)
		return ok && !m.internalDate.Before(t)
	case SearchKeyword, SearchUnkeyword:
		// Keywords beyond the five system flags are not supported; no
		// message ever matches a keyword test.
		return key.Type == SearchUnkeyword
	case SearchNot:
		return !sess.matches(m, key.Sub[0])
	case SearchOr:
		return sess.matches(m, key.Sub[0]) || sess.matches(m, key.Sub[1])
	case SearchSeqSet:
		return key.Seq.Contains(m.seq, uint32(len(sess.selected.messages)))
	case SearchFrom, SearchTo, SearchCc, SearchBcc, SearchSubject, SearchBody, SearchText, SearchHeader:
		return sess.matchesContent(m, key)
	default:
		return false
	}
}

func (sess *Session) resolveContains(set *SeqSet, uid uint32, byUID bool) bool {
	var max uint32
	for _, mm := range sess.selected.messages {
		if byUID && mm.uid > max {
			max = mm.uid
		}
		if !byUID && mm.seq > max {
			max = mm.seq
		}
	}
	return set.Contains(uid, max)
}

// matchesContent reads the raw message for header/body substring
// criteria. It is only invoked for keys that need it, keeping the
// common flag/date/size criteria allocation-free.
func (sess *Session) matchesContent(m *cachedMessage, key *SearchKey) bool {
	content, err := sess.mailbox.GetMessageContent(sess.selected.name, m.uniqueID)
	if err != nil {
		return false
	}
	return searchContent(content, key)
}
