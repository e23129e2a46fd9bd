// Package pop3 implements an RFC 1939 POP3 server on top of the
// conn package's connection substrate and the store/creds packages.
//
// A session walks AUTHORIZATION -> TRANSACTION -> UPDATE. Entering
// TRANSACTION takes a numbered snapshot of INBOX; DELE only marks a
// number deleted in that snapshot, and the store is only mutated when
// QUIT closes the session cleanly (RFC 1939 section 3).
package pop3
