package store

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const uidMapFile = ".uidmap"

// EnsureUIDs returns the persistent UID for every uniqueID in
// uniqueIDs, in the folder's .uidmap sidecar file, allocating and
// appending a fresh UID (via AllocateUID) for any unique_id seen for
// the first time. uniqueIDs should be passed in delivery order so
// first-seen messages receive ascending UIDs; this is the store's half
// of the sequence-UID bijection IMAP SELECT relies on (unique_id alone
// is stable but carries no ordering or integer identity).
func (m *Mailbox) EnsureUIDs(folder string, uniqueIDs []string) (map[string]uint32, error) {
	path := m.folderPath(folder)
	if !dirExists(path) {
		return nil, ErrNoSuchFolder
	}

	m.uidMu(path).Lock()
	defer m.uidMu(path).Unlock()

	existing, err := readUIDMap(path)
	if err != nil {
		return nil, err
	}

	var newEntries []string
	for _, id := range uniqueIDs {
		if _, ok := existing[id]; ok {
			continue
		}
		validity, next, verr := readUIDState(path)
		if verr != nil {
			return nil, verr
		}
		if werr := writeUIDState(path, validity, next+1); werr != nil {
			return nil, werr
		}
		existing[id] = next
		newEntries = append(newEntries, fmt.Sprintf("%s %d", id, next))
	}

	if len(newEntries) > 0 {
		if err := appendUIDMap(path, newEntries); err != nil {
			return nil, err
		}
	}
	return existing, nil
}

func uidMapPath(folderPath string) string {
	return filepath.Join(folderPath, uidMapFile)
}

func readUIDMap(folderPath string) (map[string]uint32, error) {
	result := make(map[string]uint32)
	f, err := os.Open(uidMapPath(folderPath))
	if os.IsNotExist(err) {
		return result, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		n, err := strconv.ParseUint(fields[1], 10, 32)
		if err != nil {
			continue
		}
		result[fields[0]] = uint32(n)
	}
	return result, scanner.Err()
}

func appendUIDMap(folderPath string, lines []string) error {
	f, err := os.OpenFile(uidMapPath(folderPath), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	for _, line := range lines {
		if _, err := f.WriteString(line + "\n"); err != nil {
			return err
		}
	}
	return nil
}

// UniqueIDForUID reverses EnsureUIDs: given a folder's current map and
// a target UID, returns the matching unique_id, or ok=false.
func UniqueIDForUID(uidMap map[string]uint32, uid uint32) (uniqueID string, ok bool) {
	for id, u := range uidMap {
		if u == uid {
			return id, true
		}
	}
	return "", false
}
