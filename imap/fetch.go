package imap

import (
	"strconv"
	"strings"
)

// FetchItemType enumerates the atoms FETCH understands, grounded on
// the original parser's FetchItem::Type enum.
type FetchItemType int

const (
	FetchAll FetchItemType = iota // macro: FLAGS INTERNALDATE RFC822.SIZE ENVELOPE
	FetchFast                     // macro: FLAGS INTERNALDATE RFC822.SIZE
	FetchFull                     // macro: ALL BODY
	FetchEnvelope
	FetchFlags
	FetchInternalDate
	FetchRFC822
	FetchRFC822Header
	FetchRFC822Size
	FetchRFC822Text
	FetchBody
	FetchBodyPeek
	FetchBodyStructure
	FetchUID
)

// FetchItem is one parsed fetch-items entry. Section and Partial are
// only meaningful for FetchBody/FetchBodyPeek.
type FetchItem struct {
	Type    FetchItemType
	Section string // raw text inside BODY[...]
	Partial *[2]int64
}

var fetchAtoms = map[string]FetchItemType{
	"ALL":           FetchAll,
	"FAST":          FetchFast,
	"FULL":          FetchFull,
	"ENVELOPE":      FetchEnvelope,
	"FLAGS":         FetchFlags,
	"INTERNALDATE":  FetchInternalDate,
	"RFC822":        FetchRFC822,
	"RFC822.HEADER": FetchRFC822Header,
	"RFC822.SIZE":   FetchRFC822Size,
	"RFC822.TEXT":   FetchRFC822Text,
	"BODYSTRUCTURE": FetchBodyStructure,
	"UID":           FetchUID,
}

// ParseFetchItems parses the argument to FETCH: a single atom, a
// parenthesized list of atoms, or a BODY[section]<partial> form.
func ParseFetchItems(s string) ([]FetchItem, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errBadSequence
	}
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		return parseFetchAtomList(s[1 : len(s)-1])
	}
	item, err := parseFetchAtom(s)
	if err != nil {
		return nil, err
	}
	return []FetchItem{item}, nil
}

func parseFetchAtomList(s string) ([]FetchItem, error) {
	var items []FetchItem
	for _, field := range splitFetchFields(s) {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		item, err := parseFetchAtom(field)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// splitFetchFields splits on spaces that are not inside a BODY[...]
// section specifier, since a section may itself contain spaces
// (e.g. "HEADER.FIELDS (From To)").
func splitFetchFields(s string) []string {
	var fields []string
	depth := 0
	start := 0
	for i, c := range s {
		switch c {
		case '[', '(':
			depth++
		case ']', ')':
			depth--
		case ' ':
			if depth == 0 {
				fields = append(fields, s[start:i])
				start = i + 1
			}
		}
	}
	fields = append(fields, s[start:])
	return fields
}

func parseFetchAtom(s string) (FetchItem, error) {
	upper := strings.ToUpper(s)

	peek := false
	switch {
	case strings.HasPrefix(upper, "BODY.PEEK["):
		peek = true
		fallthrough
	case strings.HasPrefix(upper, "BODY["):
		open := strings.IndexByte(s, '[')
		closeIdx := strings.LastIndexByte(s, ']')
		if open < 0 || closeIdx < 0 || closeIdx < open {
			return FetchItem{}, errBadSequence
		}
		section := s[open+1 : closeIdx]
		item := FetchItem{Type: FetchBody, Section: section}
		if peek {
			item.Type = FetchBodyPeek
		}
		rest := s[closeIdx+1:]
		if partial, err := parsePartial(rest); err != nil {
			return FetchItem{}, err
		} else if partial != nil {
			item.Partial = partial
		}
		return item, nil
	}

	t, ok := fetchAtoms[upper]
	if !ok {
		return FetchItem{}, errBadSequence
	}
	return FetchItem{Type: t}, nil
}

func parsePartial(s string) (*[2]int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if !strings.HasPrefix(s, "<") || !strings.HasSuffix(s, ">") {
		return nil, errBadSequence
	}
	inner := s[1 : len(s)-1]
	parts := strings.SplitN(inner, ".", 2)
	if len(parts) != 2 {
		return nil, errBadSequence
	}
	start, err1 := strconv.ParseInt(parts[0], 10, 64)
	count, err2 := strconv.ParseInt(parts[1], 10, 64)
	if err1 != nil || err2 != nil {
		return nil, errBadSequence
	}
	return &[2]int64{start, count}, nil
}

// expandMacro turns ALL/FAST/FULL into their constituent atoms, so
// callers only ever handle the leaf item types.
func expandMacro(items []FetchItem) []FetchItem {
	var out []FetchItem
	for _, item := range items {
		switch item.Type {
		case FetchAll:
			out = append(out, FetchItem{Type: FetchFlags}, FetchItem{Type: FetchInternalDate},
				FetchItem{Type: FetchRFC822Size}, FetchItem{Type: FetchEnvelope})
		case FetchFast:
			out = append(out, FetchItem{Type: FetchFlags}, FetchItem{Type: FetchInternalDate},
				FetchItem{Type: FetchRFC822Size})
		case FetchFull:
			out = append(out, FetchItem{Type: FetchFlags}, FetchItem{Type: FetchInternalDate},
				FetchItem{Type: FetchRFC822Size}, FetchItem{Type: FetchEnvelope},
				FetchItem{Type: FetchBody})
		default:
			out = append(out, item)
		}
	}
	return out
}
