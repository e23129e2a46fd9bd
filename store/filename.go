package store

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync/atomic"
	"time"
)

// infoSeparator introduces the flags suffix of a maildir filename.
const infoSeparator = ":2,"

// validFlags is the ordered set of flag letters the store understands,
// ascending ASCII: D < F < R < S < T.
const validFlags = "DFRST"

var (
	deliveryCounter uint64
	cachedHostname  = sanitizeHostname(hostnameOrFallback())
)

func hostnameOrFallback() string {
	h, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return h
}

func sanitizeHostname(h string) string {
	h = strings.ReplaceAll(h, "/", "_")
	h = strings.ReplaceAll(h, ":", "_")
	return h
}

// generateBaseName produces a unique maildir base name of the form
// <unix-seconds>.M<micros>P<pid>R<random>.<hostname>. The monotonically
// increasing delivery counter is folded into the random component so
// that two deliveries within the same microsecond in the same process
// still never collide.
func generateBaseName() string {
	now := time.Now()
	counter := atomic.AddUint64(&deliveryCounter, 1)

	randomBytes := make([]byte, 8)
	random := "0000000000000000"
	if _, err := rand.Read(randomBytes); err == nil {
		random = hex.EncodeToString(randomBytes)
	} else {
		random = fmt.Sprintf("%016x", counter)
	}

	return fmt.Sprintf("%d.M%dP%dR%s.%s",
		now.Unix(),
		now.Nanosecond()/1000,
		os.Getpid(),
		random,
		cachedHostname,
	)
}

// parseFilename splits a maildir leaf name into its unique_id and flag
// set. A name with no ":2," separator has an empty flag set.
func parseFilename(name string) (uniqueID string, flags map[rune]bool) {
	idx := strings.Index(name, infoSeparator)
	if idx < 0 {
		return name, map[rune]bool{}
	}
	uniqueID = name[:idx]
	flags = make(map[rune]bool)
	for _, r := range name[idx+len(infoSeparator):] {
		flags[r] = true
	}
	return uniqueID, flags
}

// formatFilename reassembles a leaf name from a unique_id and flag set,
// writing the flag letters in ascending ASCII order. An empty flag set
// omits the ":2," suffix entirely.
func formatFilename(uniqueID string, flags map[rune]bool) string {
	if len(flags) == 0 {
		return uniqueID
	}
	letters := make([]rune, 0, len(flags))
	for r := range flags {
		letters = append(letters, r)
	}
	sort.Slice(letters, func(i, j int) bool { return letters[i] < letters[j] })
	b := strings.Builder{}
	b.WriteString(uniqueID)
	b.WriteString(infoSeparator)
	for _, r := range letters {
		b.WriteRune(r)
	}
	return b.String()
}

func isValidFlag(r rune) bool {
	return strings.ContainsRune(validFlags, r)
}
