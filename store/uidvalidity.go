package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const uidValidityFile = ".uidvalidity"

func uidValidityPath(folderPath string) string {
	return filepath.Join(folderPath, uidValidityFile)
}

// readUIDState reads (validity, next) from disk, initializing the file
// if it doesn't exist: validity is seeded from the current time,
// next from 1.
func readUIDState(folderPath string) (validity, next uint32, err error) {
	data, err := os.ReadFile(uidValidityPath(folderPath))
	if os.IsNotExist(err) {
		validity = uint32(time.Now().Unix())
		next = 1
		if werr := writeUIDState(folderPath, validity, next); werr != nil {
			return 0, 0, werr
		}
		return validity, next, nil
	}
	if err != nil {
		return 0, 0, err
	}

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) < 2 {
		return 0, 0, fmt.Errorf("store: malformed %s in %s", uidValidityFile, folderPath)
	}
	v, err := strconv.ParseUint(strings.TrimSpace(lines[0]), 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("store: malformed UIDVALIDITY in %s: %w", folderPath, err)
	}
	n, err := strconv.ParseUint(strings.TrimSpace(lines[1]), 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("store: malformed UIDNEXT in %s: %w", folderPath, err)
	}
	return uint32(v), uint32(n), nil
}

func writeUIDState(folderPath string, validity, next uint32) error {
	content := fmt.Sprintf("%d\n%d\n", validity, next)
	tmp := uidValidityPath(folderPath) + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0600); err != nil {
		return err
	}
	return os.Rename(tmp, uidValidityPath(folderPath))
}

// GetUIDValidity returns the folder's UIDVALIDITY, initializing it if
// this is the folder's first UID-related access.
func (m *Mailbox) GetUIDValidity(folder string) (uint32, error) {
	path := m.folderPath(folder)
	if !dirExists(path) {
		return 0, ErrNoSuchFolder
	}
	validity, _, err := readUIDState(path)
	return validity, err
}

// AllocateUID returns the folder's current UIDNEXT and increments it.
// UIDs are never reused within a UIDVALIDITY generation.
func (m *Mailbox) AllocateUID(folder string) (uint32, error) {
	path := m.folderPath(folder)
	if !dirExists(path) {
		return 0, ErrNoSuchFolder
	}

	m.uidMu(path).Lock()
	defer m.uidMu(path).Unlock()

	validity, next, err := readUIDState(path)
	if err != nil {
		return 0, err
	}
	if err := writeUIDState(path, validity, next+1); err != nil {
		return 0, err
	}
	return next, nil
}
