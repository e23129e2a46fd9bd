package dns

import (
	"context"
	"errors"
	"net"
)

// Sentinel errors returned by Resolver implementations. DNSResolver maps
// these from DNS response codes; StdResolver maps them from *net.DNSError.
var (
	ErrDNSNotFound = errors.New("dns: name not found")
	ErrDNSTimeout  = errors.New("dns: query timed out")
	ErrDNSServFail = errors.New("dns: server failure")
	ErrDNSRefused  = errors.New("dns: query refused")
	ErrDNSBogus    = errors.New("dns: response failed DNSSEC validation")
)

// IsNotFound reports whether err is or wraps ErrDNSNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrDNSNotFound)
}

// IsTimeout reports whether err is or wraps ErrDNSTimeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrDNSTimeout)
}

// IsServFail reports whether err is or wraps ErrDNSServFail.
func IsServFail(err error) bool {
	return errors.Is(err, ErrDNSServFail)
}

// IsTemporary reports whether a retry is likely to succeed: timeouts
// and server failures, but not NXDOMAIN or a DNSSEC validation failure.
func IsTemporary(err error) bool {
	return errors.Is(err, ErrDNSTimeout) || errors.Is(err, ErrDNSServFail)
}

// Result carries the records from a lookup plus whether the response
// was DNSSEC-validated. StdResolver always reports Authentic as false.
type Result[T any] struct {
	Records   []T
	Authentic bool
}

// Resolver is the interface for DNS lookups shared by DNSResolver,
// StdResolver, and MockResolver.
type Resolver interface {
	LookupTXT(ctx context.Context, name string) (Result[string], error)
	LookupIP(ctx context.Context, domain string) (Result[net.IP], error)
	LookupMX(ctx context.Context, name string) (Result[*net.MX], error)
	LookupAddr(ctx context.Context, ip net.IP) (Result[string], error)
}
