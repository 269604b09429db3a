package session

import (
	"context"
	"time"
)

// Revocation reasons recorded on terminal records. Informational only;
// no security decision reads them back.
const (
	ReasonRotated = "rotated"
	ReasonExpired = "expired"
	ReasonReuse   = "reuse"
	ReasonLogout  = "logout"
)

// Record mirrors one keepsake.refresh_tokens row.
//
// Records form singly-linked chains per user (one chain per device):
// each rotation revokes the old record and points its
// ReplacedByTokenHash at the successor. ReplacedByTokenHash != nil
// implies RevokedAt != nil.
type Record struct {
	ID                  string
	UserID              string
	TokenHash           string
	DeviceLabel         string
	CreatedAt           time.Time
	ExpiresAt           time.Time
	RevokedAt           *time.Time
	ReplacedByTokenHash *string
	RevocationReason    *string
}

// Active reports whether the record has not been revoked.
// Expiry is evaluated by callers against their own "now".
func (r Record) Active() bool { return r.RevokedAt == nil }

// ClaimState tags the outcome of a claim attempt.
type ClaimState int

const (
	// ClaimNotFound means no record carries the token hash.
	ClaimNotFound ClaimState = iota
	// ClaimActive means this caller won the claim: the record was active
	// and is now revoked.
	ClaimActive
	// ClaimAlreadyRevoked means the record was revoked before this claim.
	ClaimAlreadyRevoked
)

// ClaimOutcome is the structural result of Claim. Interpretation
// (e.g. "already revoked means reuse") belongs to the Service.
type ClaimOutcome struct {
	State  ClaimState
	Record Record
}

// Store abstracts persistence for refresh-token records.
//
// Implementations must enforce token-hash uniqueness and provide the
// rotation-safety guarantees documented on RotationTx.
type Store interface {
	// Create inserts a new active record with the given token hash.
	Create(ctx context.Context, now time.Time, userID, deviceLabel, tokenHash string, expiresAt time.Time) (Record, error)

	// GetByTokenHash loads a record by token hash, without locking.
	GetByTokenHash(ctx context.Context, tokenHash string) (Record, error)

	// RevokeAllActive revokes every active record owned by userID.
	// Idempotent; returns the number of records transitioned.
	RevokeAllActive(ctx context.Context, now time.Time, userID, reason string) (int64, error)

	// PurgeOlderThan deletes up to batchSize records whose terminal
	// timestamp (revoked_at, or expires_at when never revoked) is older
	// than cutoff. Never touches active, unexpired records.
	PurgeOlderThan(ctx context.Context, cutoff time.Time, batchSize int) (int64, error)

	// BeginRotation opens the transaction under which one claim and its
	// finalization commit atomically.
	BeginRotation(ctx context.Context) (RotationTx, error)
}

// RotationTx scopes a single rotation attempt.
//
// Claim must be a compare-and-swap: of any number of concurrent claims
// on the same token hash, exactly one observes ClaimActive. Everything
// performed on the tx becomes visible only at Commit; a crash before
// Commit leaves the record untouched, so a claim can never strand a
// chain without its successor.
type RotationTx interface {
	// Claim atomically transitions the record from active to revoked iff
	// it is active at the moment of the call.
	Claim(ctx context.Context, now time.Time, tokenHash string) (ClaimOutcome, error)

	// FinalizeRotation inserts the successor record and links the claimed
	// record forward to it.
	FinalizeRotation(ctx context.Context, now time.Time, oldID, userID, deviceLabel, newTokenHash string, newExpiresAt time.Time) (Record, error)

	// MarkExpired annotates a claimed record that turned out to be past
	// expiry. The revocation from the claim stands.
	MarkExpired(ctx context.Context, id string) error

	// RevokeAllActive is the in-tx variant used by the reuse cascade.
	RevokeAllActive(ctx context.Context, now time.Time, userID, reason string) (int64, error)

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}
