package relay

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/tinylib/msgp/msgp"
)

// Entry is one queued delivery: a sender, a recipient list, and the
// raw message content, persisted so a restart doesn't lose mail that
// is mid-retry.
type Entry struct {
	ID          string
	Sender      string
	Recipients  []string
	Content     []byte
	Attempts    int
	CreatedAt   time.Time
	NextAttempt time.Time
}

// MarshalMsg encodes e using the MessagePack runtime writer directly,
// without generated code, the same way a msgp.Marshaler implementation
// produced by `msgp -file` would read.
func (e *Entry) MarshalMsg() ([]byte, error) {
	var buf bytes.Buffer
	w := msgp.NewWriter(&buf)

	if err := w.WriteMapHeader(7); err != nil {
		return nil, err
	}
	fields := []struct {
		name string
		fn   func() error
	}{
		{"id", func() error { return w.WriteString(e.ID) }},
		{"sender", func() error { return w.WriteString(e.Sender) }},
		{"recipients", func() error { return writeStringSlice(w, e.Recipients) }},
		{"content", func() error { return w.WriteBytes(e.Content) }},
		{"attempts", func() error { return w.WriteInt(e.Attempts) }},
		{"created_at", func() error { return w.WriteTime(e.CreatedAt) }},
		{"next_attempt", func() error { return w.WriteTime(e.NextAttempt) }},
	}
	for _, f := range fields {
		if err := w.WriteString(f.name); err != nil {
			return nil, err
		}
		if err := f.fn(); err != nil {
			return nil, err
		}
	}
	if err := w.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalMsg decodes e from the MessagePack bytes produced by
// MarshalMsg.
func (e *Entry) UnmarshalMsg(data []byte) error {
	r := msgp.NewReader(bytes.NewReader(data))
	sz, err := r.ReadMapHeader()
	if err != nil {
		return err
	}
	for i := uint32(0); i < sz; i++ {
		key, err := r.ReadString()
		if err != nil {
			return err
		}
		switch key {
		case "id":
			if e.ID, err = r.ReadString(); err != nil {
				return err
			}
		case "sender":
			if e.Sender, err = r.ReadString(); err != nil {
				return err
			}
		case "recipients":
			if e.Recipients, err = readStringSlice(r); err != nil {
				return err
			}
		case "content":
			if e.Content, err = r.ReadBytes(nil); err != nil {
				return err
			}
		case "attempts":
			if e.Attempts, err = r.ReadInt(); err != nil {
				return err
			}
		case "created_at":
			if e.CreatedAt, err = r.ReadTime(); err != nil {
				return err
			}
		case "next_attempt":
			if e.NextAttempt, err = r.ReadTime(); err != nil {
				return err
			}
		default:
			if err := r.Skip(); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeStringSlice(w *msgp.Writer, ss []string) error {
	if err := w.WriteArrayHeader(uint32(len(ss))); err != nil {
		return err
	}
	for _, s := range ss {
		if err := w.WriteString(s); err != nil {
			return err
		}
	}
	return nil
}

func readStringSlice(r *msgp.Reader) ([]string, error) {
	sz, err := r.ReadArrayHeader()
	if err != nil {
		return nil, err
	}
	out := make([]string, sz)
	for i := range out {
		if out[i], err = r.ReadString(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Queue is an on-disk, mutex-serialized retry queue: one .msgp file
// per Entry under dir, written via the same tmp-then-rename pattern
// store.Mailbox.Deliver uses for message files, so a crash mid-write
// never leaves a half-written entry visible.
type Queue struct {
	mu     sync.Mutex
	dir    string
	closed bool
}

// OpenQueue ensures dir exists and returns a Queue rooted there.
func OpenQueue(dir string) (*Queue, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &Queue{dir: dir}, nil
}

// Enqueue assigns a new sortable ID (so Due's listing is
// insertion-ordered for free) and persists entry.
func (q *Queue) Enqueue(sender string, recipients []string, content []byte, retryInterval time.Duration) (*Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrQueueClosed
	}

	now := time.Now()
	entry := &Entry{
		ID:          ulid.Make().String(),
		Sender:      sender,
		Recipients:  recipients,
		Content:     content,
		CreatedAt:   now,
		NextAttempt: now.Add(retryInterval),
	}
	if err := q.write(entry); err != nil {
		return nil, err
	}
	return entry, nil
}

func (q *Queue) write(entry *Entry) error {
	data, err := entry.MarshalMsg()
	if err != nil {
		return err
	}
	path := q.entryPath(entry.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (q *Queue) entryPath(id string) string {
	return filepath.Join(q.dir, id+".msgp")
}

// Due returns every entry whose NextAttempt has passed, oldest first.
func (q *Queue) Due(now time.Time) ([]*Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrQueueClosed
	}

	matches, err := filepath.Glob(filepath.Join(q.dir, "*.msgp"))
	if err != nil {
		return nil, err
	}

	var due []*Entry
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		entry := &Entry{}
		if err := entry.UnmarshalMsg(data); err != nil {
			continue
		}
		if !entry.NextAttempt.After(now) {
			due = append(due, entry)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ID < due[j].ID })
	return due, nil
}

// Reschedule bumps entry's attempt count and persists a new
// NextAttempt; once Attempts exceeds maxRetries the entry is removed
// instead and ErrRetriesExhausted is returned.
func (q *Queue) Reschedule(entry *Entry, retryInterval time.Duration, maxRetries int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}

	entry.Attempts++
	if entry.Attempts > maxRetries {
		_ = os.Remove(q.entryPath(entry.ID))
		return ErrRetriesExhausted
	}
	backoff := retryInterval * time.Duration(entry.Attempts)
	entry.NextAttempt = time.Now().Add(backoff)
	return q.write(entry)
}

// Remove deletes entry's on-disk file, called once delivery succeeds.
func (q *Queue) Remove(entry *Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	if err := os.Remove(q.entryPath(entry.ID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove queue entry %s: %w", entry.ID, err)
	}
	return nil
}

// Close marks the queue unusable; on-disk entries are left in place.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}
