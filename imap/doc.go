// Package imap implements a subset of RFC 3501 IMAP4rev1 on top of the
// conn package's connection substrate and the store/creds packages.
//
// A session walks NOT_AUTHENTICATED -> AUTHENTICATED -> SELECTED, with
// LOGOUT terminal from any state. SELECT loads an ordered, numbered
// view of a folder's messages and assigns each a UID drawn from the
// folder's persistent UIDNEXT; sequence numbers shift on EXPUNGE, UIDs
// never do.
package imap
