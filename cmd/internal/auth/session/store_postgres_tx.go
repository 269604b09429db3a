package session

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"
)

// postgresRotationTx is the pgx.Tx-backed RotationTx.
//
// The claim is a single conditional UPDATE, not a read-then-write: two
// transactions racing on one token_hash serialize on the row lock, and
// the loser's UPDATE matches zero rows because revoked_at is no longer
// NULL. Exactly one caller can observe ClaimActive.
type postgresRotationTx struct {
	tx pgx.Tx
}

func (t *postgresRotationTx) Claim(ctx context.Context, now time.Time, tokenHash string) (ClaimOutcome, error) {
	row := t.tx.QueryRow(ctx, `
		UPDATE keepsake.refresh_tokens
		SET revoked_at = $2
		WHERE token_hash = $1 AND revoked_at IS NULL
		RETURNING `+recordColumns,
		tokenHash, now)

	rec, err := scanRecord(row)
	if err == nil {
		return ClaimOutcome{State: ClaimActive, Record: rec}, nil
	}
	if !errors.Is(err, ErrInvalidToken) {
		return ClaimOutcome{}, err
	}

	// Zero rows updated: re-read to tell "revoked" from "never existed".
	row = t.tx.QueryRow(ctx, `
		SELECT `+recordColumns+`
		FROM keepsake.refresh_tokens
		WHERE token_hash = $1
	`, tokenHash)

	rec, err = scanRecord(row)
	if errors.Is(err, ErrInvalidToken) {
		return ClaimOutcome{State: ClaimNotFound}, nil
	}
	if err != nil {
		return ClaimOutcome{}, err
	}
	return ClaimOutcome{State: ClaimAlreadyRevoked, Record: rec}, nil
}

func (t *postgresRotationTx) FinalizeRotation(ctx context.Context, now time.Time, oldID, userID, deviceLabel, newTokenHash string, newExpiresAt time.Time) (Record, error) {
	id := ulid.Make().String()

	_, err := t.tx.Exec(ctx, `
		INSERT INTO keepsake.refresh_tokens (
			id, user_id, token_hash, device_label,
			created_at, expires_at, revoked_at,
			replaced_by_token_hash, revocation_reason
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, NULL,
			NULL, NULL
		)
	`, id, userID, newTokenHash, nullIfEmpty(deviceLabel), now, newExpiresAt)
	if isUniqueViolation(err) {
		return Record{}, ErrDuplicateTokenValue
	}
	if err != nil {
		return Record{}, err
	}

	_, err = t.tx.Exec(ctx, `
		UPDATE keepsake.refresh_tokens
		SET replaced_by_token_hash = $2,
		    revocation_reason = $3
		WHERE id = $1
	`, oldID, newTokenHash, ReasonRotated)
	if err != nil {
		return Record{}, err
	}

	return Record{
		ID:          id,
		UserID:      userID,
		TokenHash:   newTokenHash,
		DeviceLabel: deviceLabel,
		CreatedAt:   now,
		ExpiresAt:   newExpiresAt,
	}, nil
}

func (t *postgresRotationTx) MarkExpired(ctx context.Context, id string) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE keepsake.refresh_tokens
		SET revocation_reason = $2
		WHERE id = $1
	`, id, ReasonExpired)
	return err
}

func (t *postgresRotationTx) RevokeAllActive(ctx context.Context, now time.Time, userID, reason string) (int64, error) {
	tag, err := t.tx.Exec(ctx, `
		UPDATE keepsake.refresh_tokens
		SET revoked_at = $2,
		    revocation_reason = $3
		WHERE user_id = $1 AND revoked_at IS NULL
	`, userID, now, reason)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (t *postgresRotationTx) Commit(ctx context.Context) error   { return t.tx.Commit(ctx) }
func (t *postgresRotationTx) Rollback(ctx context.Context) error { return t.tx.Rollback(ctx) }
