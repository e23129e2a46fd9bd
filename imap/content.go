package imap

import (
	"bytes"
	"strconv"
	"strings"
	"time"
)

// splitHeaderBody splits a message into its header block and body,
// on the first blank line (CRLF CRLF, tolerating a bare LF LF).
func splitHeaderBody(content []byte) (header, body []byte) {
	for _, sep := range [][]byte{[]byte("\r\n\r\n"), []byte("\n\n")} {
		if idx := bytes.Index(content, sep); idx >= 0 {
			return content[:idx], content[idx+len(sep):]
		}
	}
	return content, nil
}

// headerValue returns the unfolded value of the first header line
// named name (case-insensitive), or "" if absent.
func headerValue(header []byte, name string) string {
	lines := strings.Split(string(header), "\n")
	prefix := strings.ToLower(name) + ":"
	for i := 0; i < len(lines); i++ {
		line := strings.TrimRight(lines[i], "\r")
		if !strings.HasPrefix(strings.ToLower(line), prefix) {
			continue
		}
		value := strings.TrimSpace(line[len(prefix):])
		for i+1 < len(lines) && (strings.HasPrefix(lines[i+1], " ") || strings.HasPrefix(lines[i+1], "\t")) {
			i++
			value += " " + strings.TrimSpace(lines[i])
		}
		return value
	}
	return ""
}

// searchContent evaluates one of the content-bearing search keys
// (FROM, TO, CC, BCC, SUBJECT, BODY, TEXT, HEADER) against a raw
// message, case-insensitively, per RFC 3501's substring semantics.
func searchContent(content []byte, key *SearchKey) bool {
	header, body := splitHeaderBody(content)
	needle := strings.ToLower(key.Value)
	if needle == "" {
		return true
	}

	switch key.Type {
	case SearchFrom:
		return strings.Contains(strings.ToLower(headerValue(header, "From")), needle)
	case SearchTo:
		return strings.Contains(strings.ToLower(headerValue(header, "To")), needle)
	case SearchCc:
		return strings.Contains(strings.ToLower(headerValue(header, "Cc")), needle)
	case SearchBcc:
		return strings.Contains(strings.ToLower(headerValue(header, "Bcc")), needle)
	case SearchSubject:
		return strings.Contains(strings.ToLower(headerValue(header, "Subject")), needle)
	case SearchHeader:
		return strings.Contains(strings.ToLower(headerValue(header, key.HeaderName)), needle)
	case SearchBody:
		return strings.Contains(strings.ToLower(string(body)), needle)
	case SearchText:
		return strings.Contains(strings.ToLower(string(content)), needle)
	default:
		return false
	}
}

func parseInt64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

// parseSearchDate parses an RFC 3501 "date" (e.g. "01-Jan-2026").
func parseSearchDate(s string) (time.Time, bool) {
	t, err := time.Parse("02-Jan-2006", s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
