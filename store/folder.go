package store

import (
	"path/filepath"
	"strings"
)

// InboxName is the reserved name of the primary mailbox.
const InboxName = "INBOX"

// folderDirName maps a folder name to its on-disk directory name
// relative to the account root. INBOX lives at the account root
// itself; every other folder is "." followed by the name with "/"
// replaced by ".".
func folderDirName(name string) string {
	if strings.EqualFold(name, InboxName) {
		return "."
	}
	return "." + strings.ReplaceAll(name, "/", ".")
}

// folderNameFromDirEntry reverses folderDirName for a directory entry
// found at the account root, returning ok=false for entries that are
// not folder directories (anything not starting with ".", and "."
// itself which denotes INBOX and is never listed alongside itself).
func folderNameFromDirEntry(entry string) (name string, ok bool) {
	if entry == "." || entry == ".." || entry == "" {
		return "", false
	}
	if !strings.HasPrefix(entry, ".") {
		return "", false
	}
	return strings.ReplaceAll(strings.TrimPrefix(entry, "."), ".", "/"), true
}

func (m *Mailbox) folderPath(name string) string {
	if folderDirName(name) == "." {
		return m.root
	}
	return filepath.Join(m.root, folderDirName(name))
}
