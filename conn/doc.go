// Package conn implements the connection substrate shared by the
// SMTP, POP3, and IMAP servers: an accept loop, a per-connection
// line-framed reader, a write path that keeps reply ordering FIFO, an
// idle timer, and an in-place TLS upgrade path for STARTTLS/STLS.
//
// Package smtp predates this package and still owns its own
// Connection type with SMTP-specific transaction state; conn.Conn is
// the same substrate generalized for pop3 and imap, which have no use
// for SMTP's envelope machinery. A future pass could rebase smtp.
// Connection onto conn.Conn; until then the three protocols share the
// same substrate shape without sharing one literal type.
package conn
