package imap

import (
	"strings"
)

// SearchKeyType enumerates the SEARCH criteria atoms, grounded on the
// original parser's SearchCriteria::Type enum.
type SearchKeyType int

const (
	SearchAll SearchKeyType = iota
	SearchAnswered
	SearchDeleted
	SearchDraft
	SearchFlagged
	SearchNew
	SearchOld
	SearchRecent
	SearchSeen
	SearchUnanswered
	SearchUndeleted
	SearchUndraft
	SearchUnflagged
	SearchUnseen
	SearchBcc
	SearchBefore
	SearchBody
	SearchCc
	SearchFrom
	SearchHeader
	SearchKeyword
	SearchLarger
	SearchNot
	SearchOn
	SearchOr
	SearchSentBefore
	SearchSentOn
	SearchSentSince
	SearchSince
	SearchSmaller
	SearchSubject
	SearchText
	SearchTo
	SearchUID
	SearchUnkeyword
	SearchSeqSet
)

// SearchKey is one parsed SEARCH criterion. Sub holds the operand(s)
// for NOT (one) and OR (two).
type SearchKey struct {
	Type       SearchKeyType
	Value      string
	HeaderName string
	Sub        []*SearchKey
	Seq        *SeqSet
}

var searchNoArgAtoms = map[string]SearchKeyType{
	"ALL":         SearchAll,
	"ANSWERED":    SearchAnswered,
	"DELETED":     SearchDeleted,
	"DRAFT":       SearchDraft,
	"FLAGGED":     SearchFlagged,
	"NEW":         SearchNew,
	"OLD":         SearchOld,
	"RECENT":      SearchRecent,
	"SEEN":        SearchSeen,
	"UNANSWERED":  SearchUnanswered,
	"UNDELETED":   SearchUndeleted,
	"UNDRAFT":     SearchUndraft,
	"UNFLAGGED":   SearchUnflagged,
	"UNSEEN":      SearchUnseen,
}

var searchStringArgAtoms = map[string]SearchKeyType{
	"BCC":        SearchBcc,
	"BEFORE":     SearchBefore,
	"BODY":       SearchBody,
	"CC":         SearchCc,
	"FROM":       SearchFrom,
	"KEYWORD":    SearchKeyword,
	"LARGER":     SearchLarger,
	"ON":         SearchOn,
	"SENTBEFORE": SearchSentBefore,
	"SENTON":     SearchSentOn,
	"SENTSINCE":  SearchSentSince,
	"SINCE":      SearchSince,
	"SMALLER":    SearchSmaller,
	"SUBJECT":    SearchSubject,
	"TEXT":       SearchText,
	"TO":         SearchTo,
	"UID":        SearchUID,
	"UNKEYWORD":  SearchUnkeyword,
}

// ParseSearchKeys parses the (possibly multi-key, implicitly ANDed)
// argument list to SEARCH. The leading "CHARSET ..." clause, if
// present, is consumed and discarded; this implementation always
// works in US-ASCII/UTF-8.
func ParseSearchKeys(s string) ([]*SearchKey, error) {
	fields := splitFetchFields(strings.TrimSpace(s))
	fields = skipCharset(fields)

	var keys []*SearchKey
	for i := 0; i < len(fields); {
		key, consumed, err := parseSearchKey(fields, i)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
		i += consumed
	}
	if len(keys) == 0 {
		return nil, errBadSequence
	}
	return keys, nil
}

func skipCharset(fields []string) []string {
	if len(fields) >= 2 && strings.EqualFold(fields[0], "CHARSET") {
		return fields[2:]
	}
	return fields
}

func parseSearchKey(fields []string, i int) (*SearchKey, int, error) {
	if i >= len(fields) {
		return nil, 0, errBadSequence
	}
	atom := fields[i]
	upper := strings.ToUpper(atom)

	switch upper {
	case "NOT":
		sub, n, err := parseSearchKey(fields, i+1)
		if err != nil {
			return nil, 0, err
		}
		return &SearchKey{Type: SearchNot, Sub: []*SearchKey{sub}}, 1 + n, nil
	case "OR":
		a, n1, err := parseSearchKey(fields, i+1)
		if err != nil {
			return nil, 0, err
		}
		b, n2, err := parseSearchKey(fields, i+1+n1)
		if err != nil {
			return nil, 0, err
		}
		return &SearchKey{Type: SearchOr, Sub: []*SearchKey{a, b}}, 1 + n1 + n2, nil
	case "HEADER":
		if i+2 >= len(fields) {
			return nil, 0, errBadSequence
		}
		return &SearchKey{Type: SearchHeader, HeaderName: fields[i+1], Value: unquote(fields[i+2])}, 3, nil
	}

	if t, ok := searchNoArgAtoms[upper]; ok {
		return &SearchKey{Type: t}, 1, nil
	}
	if t, ok := searchStringArgAtoms[upper]; ok {
		if i+1 >= len(fields) {
			return nil, 0, errBadSequence
		}
		return &SearchKey{Type: t, Value: unquote(fields[i+1])}, 2, nil
	}

	// Anything else is a bare sequence set (including UID sets passed
	// without the UID keyword after "UID SEARCH" has already been
	// stripped by the caller).
	seq, err := ParseSeqSet(atom)
	if err != nil {
		return nil, 0, errBadSequence
	}
	return &SearchKey{Type: SearchSeqSet, Seq: seq}, 1, nil
}

func unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

// StoreActionType enumerates the STORE mutation modes, grounded on
// the original parser's StoreAction::Type enum.
type StoreActionType int

const (
	StoreReplace StoreActionType = iota
	StoreReplaceSilent
	StoreAdd
	StoreAddSilent
	StoreRemove
	StoreRemoveSilent
)

// StoreAction is the parsed argument to STORE: a mutation mode plus
// the flag list to apply.
type StoreAction struct {
	Type  StoreActionType
	Flags []string
}

// ParseStoreAction parses "FLAGS|+FLAGS|-FLAGS[.SILENT] (flag-list)"
// (the parenthesization of the flag list is optional for a single
// flag, per RFC 3501's flag-list grammar).
func ParseStoreAction(verb, flagList string) (*StoreAction, error) {
	upper := strings.ToUpper(verb)
	silent := strings.HasSuffix(upper, ".SILENT")
	if silent {
		upper = strings.TrimSuffix(upper, ".SILENT")
	}

	var t StoreActionType
	switch upper {
	case "FLAGS":
		t = StoreReplace
	case "+FLAGS":
		t = StoreAdd
	case "-FLAGS":
		t = StoreRemove
	default:
		return nil, errBadSequence
	}
	if silent {
		t++ // the Silent variants are declared immediately after their non-silent counterpart
	}

	flagList = strings.TrimSpace(flagList)
	flagList = strings.TrimPrefix(flagList, "(")
	flagList = strings.TrimSuffix(flagList, ")")
	var flags []string
	for _, f := range strings.Fields(flagList) {
		flags = append(flags, f)
	}
	return &StoreAction{Type: t, Flags: flags}, nil
}
