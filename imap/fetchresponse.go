package imap

import (
	"bytes"
	"fmt"
	"strings"
)

// writeFetchResponse renders one "* <seq> FETCH (...)" line for m and
// writes it as a single buffer, so a literal's raw bytes never
// interleave with another session's output (conn.Conn.Write flushes
// the whole buffer atomically).
func (sess *Session) writeFetchResponse(m *cachedMessage, items []FetchItem) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "* %d FETCH (", m.seq)

	first := true
	emit := func(text string) {
		if !first {
			buf.WriteByte(' ')
		}
		first = false
		buf.WriteString(text)
	}
	emitLiteral := func(name string, data []byte) {
		if !first {
			buf.WriteByte(' ')
		}
		first = false
		fmt.Fprintf(&buf, "%s {%d}\r\n", name, len(data))
		buf.Write(data)
	}

	setSeen := false
	for _, item := range items {
		switch item.Type {
		case FetchUID:
			emit(fmt.Sprintf("UID %d", m.uid))
		case FetchFlags:
			emit("FLAGS " + formatFlagList(m.imapFlags()))
		case FetchInternalDate:
			emit(fmt.Sprintf("INTERNALDATE %q", m.internalDate.Format("02-Jan-2006 15:04:05 -0700")))
		case FetchRFC822Size:
			emit(fmt.Sprintf("RFC822.SIZE %d", m.size))
		case FetchEnvelope:
			emit("ENVELOPE " + sess.envelope(m))
		case FetchBodyStructure:
			emit(fmt.Sprintf(`BODYSTRUCTURE ("TEXT" "PLAIN" NIL NIL NIL "7BIT" %d NIL NIL NIL)`, m.size))
		case FetchRFC822:
			content := sess.readContent(m)
			emitLiteral("RFC822", content)
			setSeen = true
		case FetchRFC822Header:
			header, _ := splitHeaderBody(sess.readContent(m))
			emitLiteral("RFC822.HEADER", header)
		case FetchRFC822Text:
			_, body := splitHeaderBody(sess.readContent(m))
			emitLiteral("RFC822.TEXT", body)
			setSeen = true
		case FetchBody, FetchBodyPeek:
			data := sess.readSection(m, item)
			name := "BODY"
			if item.Section != "" {
				name = fmt.Sprintf("BODY[%s]", item.Section)
			} else {
				name = "BODY[]"
			}
			if item.Partial != nil {
				name = fmt.Sprintf("%s<%d>", name, item.Partial[0])
			}
			emitLiteral(name, data)
			if item.Type == FetchBody {
				setSeen = true
			}
		}
	}

	buf.WriteByte(')')
	_ = sess.conn.Write(buf.Bytes())
	_ = sess.conn.Write([]byte("\r\n"))

	if setSeen && !m.flags['S'] {
		_ = sess.setFlags(m, &StoreAction{Type: StoreAddSilent, Flags: []string{FlagSeen}})
		sess.writeFetchResponse(m, []FetchItem{{Type: FetchFlags}})
	}
}

func (sess *Session) readContent(m *cachedMessage) []byte {
	content, err := sess.mailbox.GetMessageContent(sess.selected.name, m.uniqueID)
	if err != nil {
		return nil
	}
	return content
}

// readSection resolves a BODY[section] specifier. Only the empty
// section (whole message), HEADER, HEADER.FIELDS (names), and TEXT
// are supported; MIME part numbers are not.
func (sess *Session) readSection(m *cachedMessage, item FetchItem) []byte {
	content := sess.readContent(m)
	header, body := splitHeaderBody(content)

	section := strings.ToUpper(strings.TrimSpace(item.Section))
	var data []byte
	switch {
	case section == "":
		data = content
	case section == "HEADER":
		data = header
	case section == "TEXT":
		data = body
	case strings.HasPrefix(section, "HEADER.FIELDS"):
		data = filterHeaderFields(header, section)
	default:
		data = content
	}

	if item.Partial != nil {
		start, count := item.Partial[0], item.Partial[1]
		if start < 0 {
			start = 0
		}
		if int(start) >= len(data) {
			return nil
		}
		end := int(start) + int(count)
		if end > len(data) {
			end = len(data)
		}
		data = data[start:end]
	}
	return data
}

func filterHeaderFields(header []byte, section string) []byte {
	open := strings.IndexByte(section, '(')
	closeIdx := strings.IndexByte(section, ')')
	if open < 0 || closeIdx < open {
		return header
	}
	wanted := strings.Fields(section[open+1 : closeIdx])
	for i, w := range wanted {
		wanted[i] = strings.ToLower(w)
	}

	var out bytes.Buffer
	lines := strings.Split(string(header), "\n")
	for _, line := range lines {
		trimmed := strings.TrimRight(line, "\r")
		idx := strings.IndexByte(trimmed, ':')
		if idx < 0 {
			continue
		}
		name := strings.ToLower(strings.TrimSpace(trimmed[:idx]))
		for _, w := range wanted {
			if name == w {
				out.WriteString(trimmed)
				out.WriteString("\r\n")
				break
			}
		}
	}
	out.WriteString("\r\n")
	return out.Bytes()
}

// envelope produces a minimal RFC 3501 envelope structure, parsing
// only the headers this implementation's callers actually need
// (Date, Subject, From, To); unset address lists render as NIL.
func (sess *Session) envelope(m *cachedMessage) string {
	header, _ := splitHeaderBody(sess.readContent(m))
	date := headerValue(header, "Date")
	subject := headerValue(header, "Subject")
	from := envelopeAddressList(headerValue(header, "From"))
	to := envelopeAddressList(headerValue(header, "To"))
	return fmt.Sprintf("(%q %q %s %s %s %s NIL NIL NIL %q)",
		date, subject, from, from, from, to, "")
}

func envelopeAddressList(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "NIL"
	}
	name, addr := "", raw
	if at := strings.LastIndexByte(raw, '<'); at >= 0 {
		name = strings.TrimSpace(raw[:at])
		addr = strings.Trim(raw[at:], "<>")
	}
	mailbox, host := addr, ""
	if idx := strings.LastIndexByte(addr, '@'); idx >= 0 {
		mailbox, host = addr[:idx], addr[idx+1:]
	}
	nameAtom := "NIL"
	if name != "" {
		nameAtom = fmt.Sprintf("%q", name)
	}
	return fmt.Sprintf("((%s NIL %q %q))", nameAtom, mailbox, host)
}
