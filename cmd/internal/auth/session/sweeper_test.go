package session

import (
	"context"
	"errors"
	"testing"
	"time"
)

// Scenario: grace 30d. A record revoked 40 days ago is purged; one
// revoked 10 days ago is retained; active records are never touched.
func TestSweeper_GracePeriod(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if _, err := store.Create(ctx, now.Add(-50*24*time.Hour), "old-user", "", "old-hash", now.Add(300*24*time.Hour)); err != nil {
		t.Fatalf("Create(old): %v", err)
	}
	if _, err := store.RevokeAllActive(ctx, now.Add(-40*24*time.Hour), "old-user", ReasonLogout); err != nil {
		t.Fatalf("RevokeAllActive(old): %v", err)
	}

	if _, err := store.Create(ctx, now.Add(-20*24*time.Hour), "recent-user", "", "recent-hash", now.Add(300*24*time.Hour)); err != nil {
		t.Fatalf("Create(recent): %v", err)
	}
	if _, err := store.RevokeAllActive(ctx, now.Add(-10*24*time.Hour), "recent-user", ReasonLogout); err != nil {
		t.Fatalf("RevokeAllActive(recent): %v", err)
	}

	if _, err := store.Create(ctx, now, "live-user", "", "live-hash", now.Add(300*24*time.Hour)); err != nil {
		t.Fatalf("Create(live): %v", err)
	}

	sw := NewSweeper(nil, store, 30*24*time.Hour, time.Hour, 500)
	n, err := sw.Sweep(ctx, now)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 record purged, got %d", n)
	}

	if _, err := store.GetByTokenHash(ctx, "old-hash"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected old record purged, got %v", err)
	}
	if _, err := store.GetByTokenHash(ctx, "recent-hash"); err != nil {
		t.Fatalf("expected recent record retained: %v", err)
	}
	if _, err := store.GetByTokenHash(ctx, "live-hash"); err != nil {
		t.Fatalf("expected live record retained: %v", err)
	}
}

func TestSweeper_DrainsInBatches(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 7; i++ {
		hash := "stale-" + string(rune('a'+i))
		if _, err := store.Create(ctx, now.Add(-400*24*time.Hour), "u1", "", hash, now.Add(-370*24*time.Hour)); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	sw := NewSweeper(nil, store, 30*24*time.Hour, time.Hour, 3)
	n, err := sw.Sweep(ctx, now)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 7 {
		t.Fatalf("expected all 7 purged across batches, got %d", n)
	}
}
