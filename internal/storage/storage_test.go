package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// Token tests drive the store's clock directly, so they live inside the
// package.

func TestSessionDirLifecycle(t *testing.T) {
	m, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	dir, err := m.SessionDir("dev-1")
	if err != nil {
		t.Fatalf("SessionDir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "reply.wav"), make([]byte, 1000), 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}

	usage, err := m.DiskUsage()
	if err != nil {
		t.Fatalf("DiskUsage: %v", err)
	}
	if usage != 1000 {
		t.Errorf("usage: got %d, want 1000", usage)
	}

	if err := m.RemoveSession("dev-1"); err != nil {
		t.Fatalf("RemoveSession: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("session dir should be gone, stat err: %v", err)
	}
}

func TestSessionDirRejectsPathTraversal(t *testing.T) {
	root := t.TempDir()
	m, err := NewManager(root)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	for _, id := range []string{"", ".", "..", "../evil", "a/b", `a\b`} {
		if _, err := m.SessionDir(id); !errors.Is(err, ErrBadSessionID) {
			t.Errorf("SessionDir(%q): got %v, want ErrBadSessionID", id, err)
		}
		if err := m.RemoveSession(id); !errors.Is(err, ErrBadSessionID) {
			t.Errorf("RemoveSession(%q): got %v, want ErrBadSessionID", id, err)
		}
	}

	// "../evil" would resolve to root/evil; nothing may have been created.
	if _, err := os.Stat(filepath.Join(root, "evil")); !os.IsNotExist(err) {
		t.Errorf("a traversal id created a directory outside sessions/, stat err: %v", err)
	}

	if _, err := m.SessionDir("dev-1.good_id"); err != nil {
		t.Errorf("SessionDir with a plain id: %v", err)
	}
}

func TestDownloadTokenShape(t *testing.T) {
	d := NewDownloadStore(time.Minute)

	token, err := d.Issue("/tmp/reply.wav")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if len(token) != 16 {
		t.Errorf("token length: got %d, want 16", len(token))
	}
	for _, c := range token {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			t.Errorf("token %q contains non-hex character %q", token, c)
		}
	}

	// Two tokens for the same path must differ.
	other, _ := d.Issue("/tmp/reply.wav")
	if other == token {
		t.Error("tokens for the same path should not collide")
	}
}

func TestDownloadTokenSingleUse(t *testing.T) {
	d := NewDownloadStore(time.Minute)
	token, _ := d.Issue("/tmp/reply.wav")

	path, err := d.Redeem(token)
	if err != nil {
		t.Fatalf("first Redeem: %v", err)
	}
	if path != "/tmp/reply.wav" {
		t.Errorf("path: got %q, want /tmp/reply.wav", path)
	}

	if _, err := d.Redeem(token); !errors.Is(err, ErrUnknownToken) {
		t.Errorf("second Redeem: got %v, want ErrUnknownToken", err)
	}
}

func TestDownloadTokenExpiry(t *testing.T) {
	d := NewDownloadStore(300 * time.Second)
	base := time.Unix(1000, 0)
	d.now = func() time.Time { return base }

	token, _ := d.Issue("/tmp/reply.wav")

	d.now = func() time.Time { return base.Add(301 * time.Second) }
	if _, err := d.Redeem(token); !errors.Is(err, ErrUnknownToken) {
		t.Errorf("expired Redeem: got %v, want ErrUnknownToken", err)
	}
}

func TestDownloadPurge(t *testing.T) {
	d := NewDownloadStore(time.Minute)
	base := time.Unix(1000, 0)
	d.now = func() time.Time { return base }

	d.Issue("/tmp/a.wav")
	d.Issue("/tmp/b.wav")

	d.now = func() time.Time { return base.Add(30 * time.Second) }
	d.Issue("/tmp/c.wav")

	d.now = func() time.Time { return base.Add(61 * time.Second) }
	if purged := d.Purge(); purged != 2 {
		t.Errorf("purged: got %d, want 2", purged)
	}
	if d.Pending() != 1 {
		t.Errorf("pending after purge: got %d, want 1", d.Pending())
	}

	if _, err := d.Redeem("not-a-token"); !errors.Is(err, ErrUnknownToken) {
		t.Errorf("unknown token: got %v, want ErrUnknownToken", err)
	}
}
