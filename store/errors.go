package store

import "errors"

var (
	// ErrNoSuchFolder is returned when an operation names a folder that
	// does not exist on disk.
	ErrNoSuchFolder = errors.New("store: no such folder")

	// ErrNoSuchMessage is returned when unique_id does not match any
	// message in the folder.
	ErrNoSuchMessage = errors.New("store: no such message")

	// ErrFolderExists is returned by CreateMailbox for a name that
	// already exists.
	ErrFolderExists = errors.New("store: folder already exists")

	// ErrINBOXProtected is returned by DeleteMailbox and RenameMailbox
	// when asked to operate on INBOX.
	ErrINBOXProtected = errors.New("store: INBOX cannot be deleted or renamed")

	// ErrAmbiguousMessage is returned when more than one file in a
	// folder matches a unique_id prefix.
	ErrAmbiguousMessage = errors.New("store: unique_id matches more than one file")

	// ErrNoSuchAccount is returned by Accounts.Open when the account's
	// Maildir does not exist and auto-creation is disabled.
	ErrNoSuchAccount = errors.New("store: no such account")

	// ErrInvalidAddress is returned by Accounts.OpenAddress for an
	// address with no "@".
	ErrInvalidAddress = errors.New("store: invalid address")
)
