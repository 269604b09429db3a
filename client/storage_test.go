package client

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func sampleCredentials() Credentials {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return Credentials{
		AccessToken:      "v4.public.sample",
		AccessExpiresAt:  now.Add(24 * time.Hour),
		RefreshToken:     "opaque-refresh",
		RefreshExpiresAt: now.Add(365 * 24 * time.Hour),
	}
}

func TestMemoryStorageRoundtrip(t *testing.T) {
	t.Parallel()

	s := NewMemoryStorage()

	if _, ok, _ := s.Load(); ok {
		t.Fatalf("fresh storage should be empty")
	}

	want := sampleCredentials()
	if err := s.Save(want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, ok, err := s.Load()
	if err != nil || !ok {
		t.Fatalf("Load: ok=%v err=%v", ok, err)
	}
	if got != want {
		t.Fatalf("Load = %+v, want %+v", got, want)
	}

	if err := s.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, ok, _ := s.Load(); ok {
		t.Fatalf("storage should be empty after Clear")
	}
}

func TestFileStorageRoundtrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "creds.json")
	s, err := NewFileStorage(path)
	if err != nil {
		t.Fatalf("NewFileStorage: %v", err)
	}

	if _, ok, err := s.Load(); ok || err != nil {
		t.Fatalf("missing file: ok=%v err=%v", ok, err)
	}

	want := sampleCredentials()
	if err := s.Save(want); err != nil {
		t.Fatalf("Save: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("file mode %o, want 600", perm)
	}

	got, ok, err := s.Load()
	if err != nil || !ok {
		t.Fatalf("Load: ok=%v err=%v", ok, err)
	}
	if got != want {
		t.Fatalf("Load = %+v, want %+v", got, want)
	}

	if err := s.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("file should be gone after Clear")
	}
	// Clearing twice is fine.
	if err := s.Clear(); err != nil {
		t.Fatalf("second Clear: %v", err)
	}
}

func TestFileStorageRejectsEmptyPath(t *testing.T) {
	t.Parallel()

	if _, err := NewFileStorage(""); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestFileStorageGarbageFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "creds.json")
	if err := os.WriteFile(path, []byte("not json"), 0o600); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	s, _ := NewFileStorage(path)
	if _, _, err := s.Load(); err == nil {
		t.Fatalf("expected decode error for garbage file")
	}
}
