package session

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
)

// PostgresStore implements Store using PostgreSQL (keepsake.refresh_tokens).
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a Postgres-backed refresh-token store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const recordColumns = `
	id, user_id, token_hash, device_label,
	created_at, expires_at, revoked_at,
	replaced_by_token_hash, revocation_reason
`

// Create inserts a new active record and returns it.
func (s *PostgresStore) Create(ctx context.Context, now time.Time, userID, deviceLabel, tokenHash string, expiresAt time.Time) (Record, error) {
	id := ulid.Make().String()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO keepsake.refresh_tokens (
			id, user_id, token_hash, device_label,
			created_at, expires_at, revoked_at,
			replaced_by_token_hash, revocation_reason
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, NULL,
			NULL, NULL
		)
	`, id, userID, tokenHash, nullIfEmpty(deviceLabel), now, expiresAt)
	if isUniqueViolation(err) {
		return Record{}, ErrDuplicateTokenValue
	}
	if err != nil {
		return Record{}, err
	}

	return Record{
		ID:          id,
		UserID:      userID,
		TokenHash:   tokenHash,
		DeviceLabel: deviceLabel,
		CreatedAt:   now,
		ExpiresAt:   expiresAt,
	}, nil
}

// GetByTokenHash loads a record by token hash, without locking.
func (s *PostgresStore) GetByTokenHash(ctx context.Context, tokenHash string) (Record, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+recordColumns+`
		FROM keepsake.refresh_tokens
		WHERE token_hash = $1
	`, tokenHash)
	return scanRecord(row)
}

// RevokeAllActive revokes every active record for a user (idempotent).
func (s *PostgresStore) RevokeAllActive(ctx context.Context, now time.Time, userID, reason string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
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

// PurgeOlderThan deletes up to batchSize terminal records whose terminal
// timestamp is older than cutoff. Active, unexpired records never match.
func (s *PostgresStore) PurgeOlderThan(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	if batchSize <= 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM keepsake.refresh_tokens
		WHERE id IN (
			SELECT id FROM keepsake.refresh_tokens
			WHERE (revoked_at IS NOT NULL AND revoked_at < $1)
			   OR (revoked_at IS NULL AND expires_at < $1)
			ORDER BY id
			LIMIT $2
		)
	`, cutoff, batchSize)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// BeginRotation opens the transaction scoping one claim + finalize pair.
func (s *PostgresStore) BeginRotation(ctx context.Context) (RotationTx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &postgresRotationTx{tx: tx}, nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec    Record
		device *string
	)
	err := row.Scan(
		&rec.ID,
		&rec.UserID,
		&rec.TokenHash,
		&device,
		&rec.CreatedAt,
		&rec.ExpiresAt,
		&rec.RevokedAt,
		&rec.ReplacedByTokenHash,
		&rec.RevocationReason,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrInvalidToken
	}
	if err != nil {
		return Record{}, err
	}
	if device != nil {
		rec.DeviceLabel = *device
	}
	return rec, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
