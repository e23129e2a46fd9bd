// Package creds defines the credential service collaborator consumed by
// the SMTP, POP3, and IMAP sessions for password verification and
// recipient/domain lookup. The actual user and domain database is an
// external collaborator (spec: a local embedded SQL store); this package
// only defines the interface the sessions call through, plus an
// in-memory reference implementation used by tests and standalone
// deployments that don't wire in a real database.
package creds

import (
	"context"
	"errors"
)

// ErrNotFound is returned by GetUser when no user exists for the given
// address, and wraps the error ListUsers/ListDomains return for an
// unknown domain.
var ErrNotFound = errors.New("creds: not found")

// ErrInvalidCredentials is returned by Authenticate when the address is
// unknown or the password does not match.
var ErrInvalidCredentials = errors.New("creds: invalid credentials")

// User is the record returned by GetUser. Quota and Used are in bytes;
// a Quota of 0 means unlimited.
type User struct {
	Username string
	Domain   string
	Active   bool
	Quota    int64
	Used     int64
}

// Address returns the user's full address, username@domain.
func (u *User) Address() string {
	return u.Username + "@" + u.Domain
}

// Service is the credential database collaborator. Implementations
// must be safe for concurrent use; the reference backing store is a
// single serialization point (one mutex guarding one write-ahead-logged
// database), so callers should expect Service methods to block under
// contention rather than to be independently scalable.
type Service interface {
	// Authenticate reports whether password is correct for fullAddress.
	// It returns (false, nil) for a wrong password or unknown address,
	// and a non-nil error only for a backing-store failure.
	Authenticate(ctx context.Context, fullAddress, password string) (bool, error)

	// GetUser looks up a user by full address. It returns ErrNotFound
	// if no such user exists.
	GetUser(ctx context.Context, fullAddress string) (*User, error)

	// CreateUser provisions a new user with the given address and
	// initial password.
	CreateUser(ctx context.Context, fullAddress, password string) error

	// ListUsers returns every user in domain. An empty domain lists
	// users across all local domains.
	ListUsers(ctx context.Context, domain string) ([]*User, error)

	// IsLocalDomain reports whether domain is served locally, as
	// opposed to a domain the Relay Agent must hand off to a remote MX.
	IsLocalDomain(ctx context.Context, domain string) (bool, error)

	// ListDomains returns every domain served locally.
	ListDomains(ctx context.Context) ([]string, error)
}
