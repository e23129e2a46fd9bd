package imap

import (
	"fmt"
	"strconv"
	"strings"
)

// command is one parsed client line: tag, uppercased verb, and the
// raw remainder as args. Grounded on the from-scratch parser's
// Command{Tag, Command, Arguments}, generalized to split off a
// leading "UID " prefix the way RFC 3501 overloads SEARCH/FETCH/
// STORE/COPY.
type command struct {
	tag    string
	verb   string
	args   string
	byUID  bool
}

func parseCommand(line string) (*command, error) {
	line = strings.TrimRight(line, "\r\n")
	ti := strings.IndexByte(line, ' ')
	if ti < 0 {
		return nil, fmt.Errorf("imap: missing command after tag %q", line)
	}
	tag := line[:ti]
	rest := strings.TrimSpace(line[ti+1:])

	ci := strings.IndexByte(rest, ' ')
	var verb, args string
	if ci < 0 {
		verb = strings.ToUpper(rest)
	} else {
		verb = strings.ToUpper(rest[:ci])
		args = strings.TrimSpace(rest[ci+1:])
	}
	if verb == "" {
		return nil, fmt.Errorf("imap: missing command after tag %q", tag)
	}

	byUID := false
	if verb == "UID" {
		byUID = true
		ci2 := strings.IndexByte(args, ' ')
		if ci2 < 0 {
			verb = strings.ToUpper(args)
			args = ""
		} else {
			verb = strings.ToUpper(args[:ci2])
			args = strings.TrimSpace(args[ci2+1:])
		}
	}

	return &command{tag: tag, verb: verb, args: args, byUID: byUID}, nil
}

// dispatch handles one line and reports whether the connection should
// stay open. Untagged '*' responses are written as handlers produce
// them; the final tagged status line is always written here so every
// path (including errors) ends the command correctly.
func (sess *Session) dispatch(line string) bool {
	cmd, err := parseCommand(line)
	if err != nil {
		_ = sess.conn.WriteLine("* BAD " + err.Error())
		return true
	}

	if cmd.byUID && cmd.verb != "SEARCH" && cmd.verb != "FETCH" && cmd.verb != "STORE" && cmd.verb != "COPY" {
		sess.bad(cmd.tag, "UID is only valid with SEARCH, FETCH, STORE, or COPY")
		return true
	}

	switch cmd.verb {
	case "CAPABILITY":
		sess.handleCapability(cmd)
	case "NOOP":
		sess.ok(cmd.tag, "NOOP completed")
	case "LOGOUT":
		sess.handleLogout(cmd)
		return false
	case "STARTTLS":
		sess.handleStartTLS(cmd)
	case "LOGIN":
		sess.handleLogin(cmd)
	case "AUTHENTICATE":
		sess.no(cmd.tag, "AUTHENTICATE unsupported, use LOGIN")
	case "SELECT":
		sess.handleSelect(cmd, false)
	case "EXAMINE":
		sess.handleSelect(cmd, true)
	case "CREATE":
		sess.handleCreate(cmd)
	case "DELETE":
		sess.handleDelete(cmd)
	case "RENAME":
		sess.handleRename(cmd)
	case "LIST":
		sess.handleList(cmd, false)
	case "LSUB":
		sess.handleList(cmd, true)
	case "STATUS":
		sess.handleStatus(cmd)
	case "APPEND":
		sess.bad(cmd.tag, "APPEND not supported")
	case "CHECK":
		sess.requireSelected(cmd, func() { sess.ok(cmd.tag, "CHECK completed") })
	case "CLOSE":
		sess.handleClose(cmd)
	case "EXPUNGE":
		sess.handleExpunge(cmd)
	case "SEARCH":
		sess.handleSearch(cmd)
	case "FETCH":
		sess.handleFetch(cmd)
	case "STORE":
		sess.handleStore(cmd)
	case "COPY":
		sess.handleCopy(cmd)
	default:
		sess.bad(cmd.tag, "unknown command "+cmd.verb)
	}
	return sess.state != StateLogout
}

func (sess *Session) ok(tag, text string) {
	_ = sess.conn.WriteLine(tag + " OK " + text)
}

func (sess *Session) no(tag, text string) {
	_ = sess.conn.WriteLine(tag + " NO " + text)
}

func (sess *Session) bad(tag, text string) {
	_ = sess.conn.WriteLine(tag + " BAD " + text)
}

func (sess *Session) untagged(text string) {
	_ = sess.conn.WriteLine("* " + text)
}

func (sess *Session) requireAuthenticated(cmd *command) bool {
	if sess.state != StateAuthenticated && sess.state != StateSelected {
		sess.bad(cmd.tag, cmd.verb+" requires authentication")
		return false
	}
	return true
}

func (sess *Session) requireSelected(cmd *command, fn func()) {
	if sess.state != StateSelected {
		sess.bad(cmd.tag, cmd.verb+" requires a selected mailbox")
		return
	}
	fn()
}

const capabilityLine = "CAPABILITY IMAP4rev1"

func (sess *Session) handleCapability(cmd *command) {
	caps := capabilityLine
	if sess.server.config.TLSConfig != nil && !sess.conn.IsTLS() {
		caps += " STARTTLS"
	}
	sess.untagged(caps)
	sess.ok(cmd.tag, "CAPABILITY completed")
}

func (sess *Session) handleLogout(cmd *command) {
	sess.untagged("BYE logging out")
	sess.ok(cmd.tag, "LOGOUT completed")
	sess.state = StateLogout
}

func (sess *Session) handleStartTLS(cmd *command) {
	if sess.server.config.TLSConfig == nil {
		sess.no(cmd.tag, "STARTTLS not available")
		return
	}
	if sess.conn.IsTLS() {
		sess.bad(cmd.tag, "already using TLS")
		return
	}
	sess.ok(cmd.tag, "begin TLS negotiation now")
	if err := sess.conn.UpgradeToTLS(sess.server.config.TLSConfig); err != nil {
		sess.state = StateLogout
	}
}

func (sess *Session) handleLogin(cmd *command) {
	if sess.state != StateNotAuthenticated {
		sess.bad(cmd.tag, "already authenticated")
		return
	}
	fields := splitQuotedArgs(cmd.args)
	if len(fields) != 2 {
		sess.bad(cmd.tag, "LOGIN requires a username and password")
		return
	}
	if err := sess.login(fields[0], fields[1]); err != nil {
		sess.no(cmd.tag, "LOGIN failed")
		return
	}
	sess.ok(cmd.tag, "LOGIN completed")
}

// splitQuotedArgs splits a command's argument string on unquoted
// spaces, tolerating double-quoted atoms (IMAP quoted strings do not
// support escaping here, matching the subset this server accepts).
func splitQuotedArgs(s string) []string {
	var out []string
	var cur strings.Builder
	inQuotes := false
	for _, c := range s {
		switch {
		case c == '"':
			inQuotes = !inQuotes
		case c == ' ' && !inQuotes:
			if cur.Len() > 0 {
				out = append(out, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteRune(c)
		}
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}

func (sess *Session) handleSelect(cmd *command, readOnly bool) {
	if !sess.requireAuthenticated(cmd) {
		return
	}
	name := unquote(strings.TrimSpace(cmd.args))
	if name == "" {
		sess.bad(cmd.tag, cmd.verb+" requires a mailbox name")
		return
	}
	mb, err := sess.selectMailbox(name, readOnly)
	if err != nil {
		sess.no(cmd.tag, cmd.verb+" failed: "+err.Error())
		return
	}

	sess.untagged(fmt.Sprintf("%d EXISTS", len(mb.messages)))
	sess.untagged(fmt.Sprintf("%d RECENT", mb.recentCount()))
	if unseen := mb.firstUnseen(); unseen != 0 {
		sess.untagged(fmt.Sprintf("OK [UNSEEN %d]", unseen))
	}
	sess.untagged(fmt.Sprintf("OK [UIDVALIDITY %d]", mb.uidValidity))
	sess.untagged(fmt.Sprintf("OK [UIDNEXT %d]", sess.nextUIDHint(mb)))
	systemFlags := []string{FlagAnswered, FlagFlagged, FlagDeleted, FlagSeen, FlagDraft}
	sess.untagged("FLAGS " + formatFlagList(systemFlags))
	sess.untagged("OK [PERMANENTFLAGS " + formatFlagList(systemFlags) + "]")

	mode := "READ-WRITE"
	if readOnly {
		mode = "READ-ONLY"
	}
	sess.ok(cmd.tag, fmt.Sprintf("[%s] %s completed", mode, cmd.verb))
}

// nextUIDHint reports the UID that will be assigned to the next
// message delivered into mb, without allocating one.
func (sess *Session) nextUIDHint(mb *selectedMailbox) uint32 {
	var max uint32
	for _, m := range mb.messages {
		if m.uid > max {
			max = m.uid
		}
	}
	return max + 1
}

func (sess *Session) handleCreate(cmd *command) {
	if !sess.requireAuthenticated(cmd) {
		return
	}
	name := unquote(strings.TrimSpace(cmd.args))
	if err := sess.mailbox.CreateMailbox(name); err != nil {
		sess.no(cmd.tag, "CREATE failed: "+err.Error())
		return
	}
	sess.ok(cmd.tag, "CREATE completed")
}

func (sess *Session) handleDelete(cmd *command) {
	if !sess.requireAuthenticated(cmd) {
		return
	}
	name := unquote(strings.TrimSpace(cmd.args))
	if err := sess.mailbox.DeleteMailbox(name); err != nil {
		sess.no(cmd.tag, "DELETE failed: "+err.Error())
		return
	}
	sess.ok(cmd.tag, "DELETE completed")
}

func (sess *Session) handleRename(cmd *command) {
	if !sess.requireAuthenticated(cmd) {
		return
	}
	fields := splitQuotedArgs(cmd.args)
	if len(fields) != 2 {
		sess.bad(cmd.tag, "RENAME requires two mailbox names")
		return
	}
	if err := sess.mailbox.RenameMailbox(fields[0], fields[1]); err != nil {
		sess.no(cmd.tag, "RENAME failed: "+err.Error())
		return
	}
	sess.ok(cmd.tag, "RENAME completed")
}

func (sess *Session) handleList(cmd *command, lsub bool) {
	if !sess.requireAuthenticated(cmd) {
		return
	}
	fields := splitQuotedArgs(cmd.args)
	pattern := ""
	if len(fields) == 2 {
		pattern = fields[1]
	}
	names, err := sess.mailbox.ListMailboxes(pattern)
	if err != nil {
		sess.no(cmd.tag, cmd.verb+" failed: "+err.Error())
		return
	}
	verb := "LIST"
	if lsub {
		verb = "LSUB"
	}
	for _, name := range names {
		sess.untagged(fmt.Sprintf(`%s (\HasNoChildren) "/" %q`, verb, name))
	}
	sess.ok(cmd.tag, cmd.verb+" completed")
}

func (sess *Session) handleStatus(cmd *command) {
	if !sess.requireAuthenticated(cmd) {
		return
	}
	fields := splitQuotedArgs(cmd.args)
	if len(fields) < 1 {
		sess.bad(cmd.tag, "STATUS requires a mailbox name")
		return
	}
	name := fields[0]
	info, err := sess.mailbox.GetFolderInfo(name)
	if err != nil {
		sess.no(cmd.tag, "STATUS failed: "+err.Error())
		return
	}
	var items []string
	itemsArg := strings.TrimSpace(strings.Join(fields[1:], " "))
	itemsArg = strings.TrimPrefix(strings.TrimSuffix(itemsArg, ")"), "(")
	for _, it := range strings.Fields(itemsArg) {
		switch strings.ToUpper(it) {
		case "MESSAGES":
			items = append(items, fmt.Sprintf("MESSAGES %d", info.TotalMessages))
		case "RECENT":
			items = append(items, fmt.Sprintf("RECENT %d", info.RecentMessages))
		case "UIDNEXT":
			items = append(items, fmt.Sprintf("UIDNEXT %d", info.UIDNext))
		case "UIDVALIDITY":
			items = append(items, fmt.Sprintf("UIDVALIDITY %d", info.UIDValidity))
		case "UNSEEN":
			items = append(items, fmt.Sprintf("UNSEEN %d", info.UnseenMessages))
		}
	}
	sess.untagged(fmt.Sprintf("STATUS %q (%s)", name, strings.Join(items, " ")))
	sess.ok(cmd.tag, "STATUS completed")
}

func (sess *Session) handleClose(cmd *command) {
	if sess.state != StateSelected {
		sess.bad(cmd.tag, "CLOSE requires a selected mailbox")
		return
	}
	if !sess.selected.readOnly {
		if _, err := sess.expunge(); err != nil {
			sess.no(cmd.tag, "CLOSE failed: "+err.Error())
			return
		}
	}
	sess.closeMailbox()
	sess.ok(cmd.tag, "CLOSE completed")
}

func (sess *Session) handleExpunge(cmd *command) {
	if sess.state != StateSelected {
		sess.bad(cmd.tag, "EXPUNGE requires a selected mailbox")
		return
	}
	if sess.selected.readOnly {
		sess.no(cmd.tag, "mailbox is read-only")
		return
	}
	removed, err := sess.expunge()
	if err != nil {
		sess.no(cmd.tag, "EXPUNGE failed: "+err.Error())
		return
	}
	for _, seq := range removed {
		sess.untagged(fmt.Sprintf("%d EXPUNGE", seq))
	}
	sess.ok(cmd.tag, "EXPUNGE completed")
}

func (sess *Session) handleSearch(cmd *command) {
	if sess.state != StateSelected {
		sess.bad(cmd.tag, "SEARCH requires a selected mailbox")
		return
	}
	keys, err := ParseSearchKeys(cmd.args)
	if err != nil {
		sess.bad(cmd.tag, "malformed SEARCH criteria")
		return
	}

	var matched []uint32
	for _, m := range sess.selected.messages {
		all := true
		for _, key := range keys {
			if !sess.matches(m, key) {
				all = false
				break
			}
		}
		if !all {
			continue
		}
		if cmd.byUID {
			matched = append(matched, m.uid)
		} else {
			matched = append(matched, m.seq)
		}
	}

	var parts []string
	for _, n := range matched {
		parts = append(parts, strconv.FormatUint(uint64(n), 10))
	}
	sess.untagged("SEARCH " + strings.Join(parts, " "))
	sess.ok(cmd.tag, "SEARCH completed")
}

func (sess *Session) handleFetch(cmd *command) {
	if sess.state != StateSelected {
		sess.bad(cmd.tag, "FETCH requires a selected mailbox")
		return
	}
	parts := splitFetchFields(cmd.args)
	if len(parts) < 2 {
		sess.bad(cmd.tag, "FETCH requires a sequence set and items")
		return
	}
	set, err := ParseSeqSet(parts[0])
	if err != nil {
		sess.bad(cmd.tag, "malformed sequence set")
		return
	}
	items, err := ParseFetchItems(strings.Join(parts[1:], " "))
	if err != nil {
		sess.bad(cmd.tag, "malformed fetch items")
		return
	}
	items = expandMacro(items)
	if cmd.byUID {
		hasUID := false
		for _, it := range items {
			if it.Type == FetchUID {
				hasUID = true
			}
		}
		if !hasUID {
			items = append(items, FetchItem{Type: FetchUID})
		}
	}

	for _, m := range sess.resolveSet(set, cmd.byUID) {
		sess.writeFetchResponse(m, items)
	}
	sess.ok(cmd.tag, "FETCH completed")
}

func (sess *Session) handleStore(cmd *command) {
	if sess.state != StateSelected {
		sess.bad(cmd.tag, "STORE requires a selected mailbox")
		return
	}
	if sess.selected.readOnly {
		sess.no(cmd.tag, "mailbox is read-only")
		return
	}
	parts := splitFetchFields(cmd.args)
	if len(parts) < 3 {
		sess.bad(cmd.tag, "STORE requires a sequence set, action, and flags")
		return
	}
	set, err := ParseSeqSet(parts[0])
	if err != nil {
		sess.bad(cmd.tag, "malformed sequence set")
		return
	}
	action, err := ParseStoreAction(parts[1], strings.Join(parts[2:], " "))
	if err != nil {
		sess.bad(cmd.tag, "malformed STORE action")
		return
	}

	silent := action.Type == StoreReplaceSilent || action.Type == StoreAddSilent || action.Type == StoreRemoveSilent
	for _, m := range sess.resolveSet(set, cmd.byUID) {
		if err := sess.setFlags(m, action); err != nil {
			sess.no(cmd.tag, "STORE failed: "+err.Error())
			return
		}
		if !silent {
			sess.writeFetchResponse(m, []FetchItem{{Type: FetchFlags}})
		}
	}
	sess.ok(cmd.tag, "STORE completed")
}

func (sess *Session) handleCopy(cmd *command) {
	if sess.state != StateSelected {
		sess.bad(cmd.tag, "COPY requires a selected mailbox")
		return
	}
	parts := splitFetchFields(cmd.args)
	if len(parts) < 2 {
		sess.bad(cmd.tag, "COPY requires a sequence set and target mailbox")
		return
	}
	set, err := ParseSeqSet(parts[0])
	if err != nil {
		sess.bad(cmd.tag, "malformed sequence set")
		return
	}
	dest := unquote(strings.Join(parts[1:], " "))

	for _, m := range sess.resolveSet(set, cmd.byUID) {
		content, err := sess.mailbox.GetMessageContent(sess.selected.name, m.uniqueID)
		if err != nil {
			sess.no(cmd.tag, "COPY failed: "+err.Error())
			return
		}
		if _, err := sess.mailbox.Deliver(strings.NewReader(string(content)), dest); err != nil {
			sess.no(cmd.tag, "COPY failed: "+err.Error())
			return
		}
	}
	sess.ok(cmd.tag, "COPY completed")
}
