package imap

import "errors"

var (
	// ErrServerClosed is returned by Serve after Shutdown or Close.
	ErrServerClosed = errors.New("imap: server closed")

	// errBadSequence covers a syntactically invalid sequence set,
	// fetch item list, search criteria, or store action.
	errBadSequence = errors.New("imap: malformed argument")

	// errAuthFailed is returned by Session.login for bad credentials.
	errAuthFailed = errors.New("imap: authentication failed")

	// errNoMailboxSelected is returned by any SELECTED-only operation
	// invoked without a selected mailbox.
	errNoMailboxSelected = errors.New("imap: no mailbox selected")

	// errWrongState is returned when a command is issued from a state
	// that does not permit it.
	errWrongState = errors.New("imap: command not permitted in this state")
)
