package store

import (
	"path/filepath"
	"strings"
)

// Accounts maps email addresses onto Mailbox roots under a single
// store_root directory, matching the configuration surface's
// [storage] maildir_root.
type Accounts struct {
	root              string
	createDirectories bool
}

// NewAccounts returns an Accounts rooted at storeRoot. When
// createDirectories is true, Open auto-creates an account's INBOX the
// first time it is requested (used by SMTP local delivery, which must
// not reject mail to a known user just because their Maildir hasn't
// been materialized yet).
func NewAccounts(storeRoot string, createDirectories bool) *Accounts {
	return &Accounts{root: storeRoot, createDirectories: createDirectories}
}

// accountPath returns <root>/<domain>/<local_part>, with domain and
// local part lowercased for a case-insensitive on-disk layout.
func (a *Accounts) accountPath(localPart, domain string) string {
	return filepath.Join(a.root, strings.ToLower(domain), strings.ToLower(localPart))
}

// Open returns the Mailbox for localPart@domain, creating its INBOX if
// it doesn't exist and createDirectories is enabled.
func (a *Accounts) Open(localPart, domain string) (*Mailbox, error) {
	mb := New(a.accountPath(localPart, domain))
	if !mb.Exists() {
		if !a.createDirectories {
			return nil, ErrNoSuchAccount
		}
		if err := mb.Create(); err != nil {
			return nil, err
		}
	}
	return mb, nil
}

// OpenAddress splits a full address on the last "@" and opens the
// corresponding Mailbox.
func (a *Accounts) OpenAddress(fullAddress string) (*Mailbox, error) {
	at := strings.LastIndexByte(fullAddress, '@')
	if at < 0 {
		return nil, ErrInvalidAddress
	}
	return a.Open(fullAddress[:at], fullAddress[at+1:])
}
