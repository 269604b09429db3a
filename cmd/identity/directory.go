package identity

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Directory resolves login credentials to a stable user identifier.
type Directory interface {
	Authenticate(ctx context.Context, username, password string) (userID string, err error)
}

// PostgresDirectory authenticates against keepsake.users.
type PostgresDirectory struct {
	pool *pgxpool.Pool

	// dummyHash keeps verification time flat when the user is unknown.
	dummyHash string
}

// NewPostgresDirectory creates a Postgres-backed Directory.
func NewPostgresDirectory(pool *pgxpool.Pool) (*PostgresDirectory, error) {
	if pool == nil {
		return nil, errors.New("identity: nil db pool")
	}

	d := &PostgresDirectory{pool: pool}
	if hash, err := HashPassword("dummy-password-for-timing-only", DefaultArgon2idParams()); err == nil {
		d.dummyHash = hash
	}
	return d, nil
}

// Authenticate returns the user's ID when the credentials check out and
// ErrInvalidCredentials otherwise. Unknown user and wrong password are
// indistinguishable to the caller, and verification cost stays flat for
// both via a dummy verify.
func (d *PostgresDirectory) Authenticate(ctx context.Context, username, password string) (string, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || password == "" {
		return "", ErrInvalidCredentials
	}

	var (
		userID       string
		passwordHash string
	)
	err := d.pool.QueryRow(ctx, `
		SELECT id, password_hash
		FROM keepsake.users
		WHERE username = $1
	`, username).Scan(&userID, &passwordHash)
	if errors.Is(err, pgx.ErrNoRows) {
		if d.dummyHash != "" {
			_, _ = VerifyPassword(password, d.dummyHash)
		}
		return "", ErrInvalidCredentials
	}
	if err != nil {
		return "", err
	}

	ok, err := VerifyPassword(password, passwordHash)
	if err != nil || !ok {
		return "", ErrInvalidCredentials
	}
	return userID, nil
}
