package storage

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// ErrUnknownToken covers expired, consumed, and never-issued tokens alike;
// the HTTP layer maps all three to 404 so a token leaks nothing about why
// it stopped working.
var ErrUnknownToken = errors.New("storage: unknown download token")

type downloadEntry struct {
	path    string
	expires time.Time
}

// DownloadStore issues short-lived single-use tokens for reply artifacts.
// When a device never reports playback_ready the server falls back to
// offering a download URL; the token is the only handle the URL carries.
type DownloadStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]downloadEntry

	now func() time.Time
}

// NewDownloadStore creates a store whose tokens live for ttl.
func NewDownloadStore(ttl time.Duration) *DownloadStore {
	return &DownloadStore{
		ttl:     ttl,
		entries: make(map[string]downloadEntry),
		now:     time.Now,
	}
}

// Issue mints a token for path. The token is the first 16 hex characters of
// SHA-256 over the path, the issue timestamp, and 16 random bytes.
func (d *DownloadStore) Issue(path string) (string, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("storage: token nonce: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	h := sha256.New()
	h.Write([]byte(path))
	h.Write([]byte(strconv.FormatInt(now.UnixNano(), 10)))
	h.Write(nonce)
	token := hex.EncodeToString(h.Sum(nil))[:16]

	d.entries[token] = downloadEntry{path: path, expires: now.Add(d.ttl)}
	return token, nil
}

// Redeem consumes a token and returns the artifact path behind it. A token
// redeems at most once; expired and unknown tokens fail identically.
func (d *DownloadStore) Redeem(token string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.entries[token]
	if !ok {
		return "", ErrUnknownToken
	}
	delete(d.entries, token)
	if d.now().After(e.expires) {
		return "", ErrUnknownToken
	}
	return e.path, nil
}

// Purge drops expired tokens. Called by the sweeper; Redeem already refuses
// expired tokens, this just bounds the map.
func (d *DownloadStore) Purge() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	removed := 0
	for token, e := range d.entries {
		if now.After(e.expires) {
			delete(d.entries, token)
			removed++
		}
	}
	return removed
}

// Pending returns the number of live tokens.
func (d *DownloadStore) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}
