package pop3

import "strings"

// dotStuff prefixes any line beginning with "." with an extra ".",
// so the client can unambiguously tell a content line "." apart from
// the terminating bare "." line (RFC 1939 section 3). Mirrors the
// dot-stuffing the SMTP client uses when sending DATA.
func dotStuff(line string) string {
	if strings.HasPrefix(line, ".") {
		return "." + line
	}
	return line
}
