package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// MemoryStore is a mutex-serialized Store for tests and DB-less dev mode.
//
// BeginRotation holds the store lock until Commit or Rollback, which
// makes every rotation linearizable; mutations are journaled so a
// Rollback restores the exact prior state.
type MemoryStore struct {
	mu     sync.Mutex
	byHash map[string]*Record
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byHash: make(map[string]*Record)}
}

// Create inserts a new active record.
func (s *MemoryStore) Create(ctx context.Context, now time.Time, userID, deviceLabel, tokenHash string, expiresAt time.Time) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byHash[tokenHash]; ok {
		return Record{}, ErrDuplicateTokenValue
	}

	rec := &Record{
		ID:          ulid.Make().String(),
		UserID:      userID,
		TokenHash:   tokenHash,
		DeviceLabel: deviceLabel,
		CreatedAt:   now,
		ExpiresAt:   expiresAt,
	}
	s.byHash[tokenHash] = rec
	return *rec, nil
}

// GetByTokenHash loads a record by token hash.
func (s *MemoryStore) GetByTokenHash(ctx context.Context, tokenHash string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byHash[tokenHash]
	if !ok {
		return Record{}, ErrInvalidToken
	}
	return *rec, nil
}

// RevokeAllActive revokes every active record for a user (idempotent).
func (s *MemoryStore) RevokeAllActive(ctx context.Context, now time.Time, userID, reason string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return revokeAllActiveLocked(s.byHash, now, userID, reason, nil), nil
}

// PurgeOlderThan deletes up to batchSize terminal records older than cutoff.
func (s *MemoryStore) PurgeOlderThan(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if batchSize <= 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	victims := make([]string, 0, batchSize)
	for hash, rec := range s.byHash {
		switch {
		case rec.RevokedAt != nil && rec.RevokedAt.Before(cutoff):
			victims = append(victims, hash)
		case rec.RevokedAt == nil && rec.ExpiresAt.Before(cutoff):
			victims = append(victims, hash)
		}
	}
	// Deterministic batching.
	sort.Strings(victims)
	if len(victims) > batchSize {
		victims = victims[:batchSize]
	}
	for _, hash := range victims {
		delete(s.byHash, hash)
	}
	return int64(len(victims)), nil
}

// BeginRotation locks the store for one rotation attempt.
func (s *MemoryStore) BeginRotation(ctx context.Context) (RotationTx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	return &memoryRotationTx{store: s}, nil
}

func revokeAllActiveLocked(byHash map[string]*Record, now time.Time, userID, reason string, journal *[]func()) int64 {
	var n int64
	for _, rec := range byHash {
		if rec.UserID != userID || rec.RevokedAt != nil {
			continue
		}
		if journal != nil {
			prev := *rec
			target := rec
			*journal = append(*journal, func() { *target = prev })
		}
		at := now
		r := reason
		rec.RevokedAt = &at
		rec.RevocationReason = &r
		n++
	}
	return n
}

// memoryRotationTx journals mutations so Rollback restores prior state.
type memoryRotationTx struct {
	store   *MemoryStore
	journal []func()
	done    bool
}

func (t *memoryRotationTx) Claim(_ context.Context, now time.Time, tokenHash string) (ClaimOutcome, error) {
	rec, ok := t.store.byHash[tokenHash]
	if !ok {
		return ClaimOutcome{State: ClaimNotFound}, nil
	}
	if rec.RevokedAt != nil {
		return ClaimOutcome{State: ClaimAlreadyRevoked, Record: *rec}, nil
	}

	prev := *rec
	t.journal = append(t.journal, func() { *rec = prev })

	at := now
	rec.RevokedAt = &at
	return ClaimOutcome{State: ClaimActive, Record: *rec}, nil
}

func (t *memoryRotationTx) FinalizeRotation(_ context.Context, now time.Time, oldID, userID, deviceLabel, newTokenHash string, newExpiresAt time.Time) (Record, error) {
	if _, ok := t.store.byHash[newTokenHash]; ok {
		return Record{}, ErrDuplicateTokenValue
	}

	rec := &Record{
		ID:          ulid.Make().String(),
		UserID:      userID,
		TokenHash:   newTokenHash,
		DeviceLabel: deviceLabel,
		CreatedAt:   now,
		ExpiresAt:   newExpiresAt,
	}
	t.store.byHash[newTokenHash] = rec
	t.journal = append(t.journal, func() { delete(t.store.byHash, newTokenHash) })

	if old := t.findByID(oldID); old != nil {
		prev := *old
		t.journal = append(t.journal, func() { *old = prev })
		hash := newTokenHash
		reason := ReasonRotated
		old.ReplacedByTokenHash = &hash
		old.RevocationReason = &reason
	}

	return *rec, nil
}

func (t *memoryRotationTx) MarkExpired(_ context.Context, id string) error {
	if rec := t.findByID(id); rec != nil {
		prev := *rec
		t.journal = append(t.journal, func() { *rec = prev })
		reason := ReasonExpired
		rec.RevocationReason = &reason
	}
	return nil
}

func (t *memoryRotationTx) RevokeAllActive(_ context.Context, now time.Time, userID, reason string) (int64, error) {
	return revokeAllActiveLocked(t.store.byHash, now, userID, reason, &t.journal), nil
}

func (t *memoryRotationTx) Commit(context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.journal = nil
	t.store.mu.Unlock()
	return nil
}

func (t *memoryRotationTx) Rollback(context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	for i := len(t.journal) - 1; i >= 0; i-- {
		t.journal[i]()
	}
	t.journal = nil
	t.store.mu.Unlock()
	return nil
}

func (t *memoryRotationTx) findByID(id string) *Record {
	for _, rec := range t.store.byHash {
		if rec.ID == id {
			return rec
		}
	}
	return nil
}
