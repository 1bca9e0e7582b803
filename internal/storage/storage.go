// Package storage owns the server's on-disk footprint: per-session temp
// directories for audio and image artifacts, the single-use download token
// store backing the playback fallback URL, and the sweeper that reclaims
// space from expired sessions.
package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrBadSessionID is returned when a session id cannot be used as a
// directory name under the storage root.
var ErrBadSessionID = errors.New("storage: invalid session id")

// validSessionID rejects ids that would escape the storage root when joined
// into a path. Ids are device-supplied and must never carry path semantics.
func validSessionID(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	return !strings.ContainsAny(id, `/\`)
}

// Manager creates and removes per-session artifact directories under a
// single root. Safe for concurrent use; all state lives on the filesystem.
type Manager struct {
	root string
}

// NewManager ensures root exists and returns a Manager for it.
func NewManager(root string) (*Manager, error) {
	if err := os.MkdirAll(filepath.Join(root, "sessions"), 0o755); err != nil {
		return nil, fmt.Errorf("storage: create root %s: %w", root, err)
	}
	return &Manager{root: root}, nil
}

// Root returns the managed root directory.
func (m *Manager) Root() string { return m.root }

// SessionDir returns (creating if needed) the artifact directory for a
// session.
func (m *Manager) SessionDir(sessionID string) (string, error) {
	if !validSessionID(sessionID) {
		return "", fmt.Errorf("%w: %q", ErrBadSessionID, sessionID)
	}
	dir := filepath.Join(m.root, "sessions", sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("storage: create session dir %s: %w", sessionID, err)
	}
	return dir, nil
}

// RemoveSession deletes a session's artifact directory and everything in it.
func (m *Manager) RemoveSession(sessionID string) error {
	if !validSessionID(sessionID) {
		return fmt.Errorf("%w: %q", ErrBadSessionID, sessionID)
	}
	dir := filepath.Join(m.root, "sessions", sessionID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("storage: remove session dir %s: %w", sessionID, err)
	}
	return nil
}

// DiskUsage returns the total bytes under the managed root. Reported by
// /health so operators can see artifact growth.
func (m *Manager) DiskUsage() (int64, error) {
	var total int64
	err := filepath.WalkDir(m.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// A file removed mid-walk is not worth failing the health check.
			return nil
		}
		if d.Type().IsRegular() {
			if info, err := d.Info(); err == nil {
				total += info.Size()
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("storage: walk %s: %w", m.root, err)
	}
	return total, nil
}
