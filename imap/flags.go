package imap

import "strings"

// System flag names, matching emersion/go-imap's naming convention
// for IMAP flag atoms.
const (
	FlagSeen     = "\\Seen"
	FlagAnswered = "\\Answered"
	FlagFlagged  = "\\Flagged"
	FlagDeleted  = "\\Deleted"
	FlagDraft    = "\\Draft"
	FlagRecent   = "\\Recent"
)

// letterToFlag and flagToLetter implement the bijective single-letter
// maildir flag <-> IMAP system flag table: S<->\Seen, R<->\Answered,
// F<->\Flagged, T<->\Deleted, D<->\Draft. \Recent has no stored letter;
// it is computed from which maildir subdirectory a message sits in.
var letterToFlag = map[rune]string{
	'S': FlagSeen,
	'R': FlagAnswered,
	'F': FlagFlagged,
	'T': FlagDeleted,
	'D': FlagDraft,
}

var flagToLetter = map[string]rune{
	FlagSeen:     'S',
	FlagAnswered: 'R',
	FlagFlagged:  'F',
	FlagDeleted:  'T',
	FlagDraft:    'D',
}

// flagsFromLetters converts a maildir flag-letter set (plus the
// computed \Recent bit) to the session's IMAP flag name set.
func flagsFromLetters(letters map[rune]bool, recent bool) []string {
	var out []string
	for letter, name := range letterToFlag {
		if letters[letter] {
			out = append(out, name)
		}
	}
	if recent {
		out = append(out, FlagRecent)
	}
	return out
}

// lettersFromFlags converts an IMAP flag name set back to maildir
// letters, silently dropping \Recent (never stored) and any name
// outside the bijection (keywords are not supported).
func lettersFromFlags(names []string) map[rune]bool {
	letters := make(map[rune]bool)
	for _, name := range names {
		if letter, ok := flagToLetter[name]; ok {
			letters[letter] = true
		}
	}
	return letters
}

// formatFlagList renders a flag name set as a parenthesized,
// space-separated IMAP atom list, e.g. "(\\Seen \\Answered)".
func formatFlagList(names []string) string {
	return "(" + strings.Join(names, " ") + ")"
}
