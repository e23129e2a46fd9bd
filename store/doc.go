// Package store implements the Maildir-format message store shared by
// the SMTP, POP3, and IMAP sessions: atomic delivery, flag mutation,
// folder hierarchy, and per-folder UID allocation.
//
// An account's mail lives under <root>/<domain>/<local-part>/. The
// primary mailbox ("INBOX") is the account root itself, holding
// tmp/new/cur directly; every other folder is a sibling directory
// named "." followed by the folder name with "/" replaced by ".", each
// carrying its own tmp/new/cur triple and its own .uidvalidity file.
//
//	root/example.com/bob/
//	  tmp/ new/ cur/              — INBOX
//	  .Sent/{tmp,new,cur}
//	  .Work.Projects/{tmp,new,cur} — folder "Work/Projects"
package store
