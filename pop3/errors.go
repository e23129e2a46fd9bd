package pop3

import "errors"

var (
	// ErrServerClosed is returned by Serve after Shutdown or Close.
	ErrServerClosed = errors.New("pop3: server closed")

	// errWrongState is the internal sentinel for "command invalid in
	// the session's current state"; commands.go turns it into -ERR.
	errWrongState = errors.New("pop3: command not valid in this state")

	// errNoSuchMessage is raised for a message number outside the
	// session's snapshot or already marked deleted.
	errNoSuchMessage = errors.New("pop3: no such message")
)
