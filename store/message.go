package store

import "time"

// Flag is a single-letter maildir flag. The bijection with IMAP system
// flags lives in the imap package; the store only knows the letters.
type Flag rune

const (
	FlagSeen    Flag = 'S'
	FlagReplied Flag = 'R'
	FlagFlagged Flag = 'F'
	FlagTrashed Flag = 'T'
	FlagDraft   Flag = 'D'
)

// Message describes one message file as derived from its name and
// stat info: unique_id, flags, size, timestamp, is_new.
type Message struct {
	UniqueID     string
	Folder       string
	Flags        map[rune]bool
	Size         int64
	InternalDate time.Time
	IsRecent     bool // file sits in new/, not cur/
}

func (m *Message) HasFlag(f Flag) bool { return m.Flags[rune(f)] }

func (m *Message) IsSeen() bool     { return m.HasFlag(FlagSeen) }
func (m *Message) IsAnswered() bool { return m.HasFlag(FlagReplied) }
func (m *Message) IsFlagged() bool  { return m.HasFlag(FlagFlagged) }
func (m *Message) IsDeleted() bool  { return m.HasFlag(FlagTrashed) }
func (m *Message) IsDraft() bool    { return m.HasFlag(FlagDraft) }

// FlagLetters returns the message's flags as an ascending-sorted
// string, e.g. "RS".
func (m *Message) FlagLetters() string {
	name := formatFilename("", m.Flags)
	if len(name) == 0 {
		return ""
	}
	return name[len(infoSeparator):]
}

// FolderInfo summarizes a folder for STATUS/SELECT/LIST responses.
type FolderInfo struct {
	Name            string
	TotalMessages   int
	RecentMessages  int
	UnseenMessages  int
	TotalSize       int64
	UIDValidity     uint32
	UIDNext         uint32
	IsSelectable    bool
	HasChildren     bool
}
