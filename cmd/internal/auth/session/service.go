package session

import (
	"context"
	"strings"
	"time"
)

// Service implements the high-level session operations for keepsake.
//
// It issues sessions (access + refresh), rotates refresh tokens with
// reuse detection, and revokes sessions on logout. All coordination
// state lives in the Store, so any number of Service instances may run
// concurrently without in-process locks.
type Service struct {
	cfg    Config
	tokens AccessTokenManager
	store  Store
}

// Issued is the result of issuing or rotating a session.
// It includes a short-lived access token and an opaque refresh token.
type Issued struct {
	RecordID     string
	AccessToken  string
	AccessExp    time.Time
	RefreshToken string
	RefreshExp   time.Time
}

// NewService constructs a Service with the provided configuration, store, and token manager.
func NewService(cfg Config, store Store, tokens AccessTokenManager) *Service {
	return &Service{cfg: cfg, store: store, tokens: tokens}
}

// Login creates a fresh chain of length one for userID and returns tokens.
// No claim or rotation is involved; there is no prior token.
//
// Refresh tokens are opaque random strings and must never be persisted in
// plaintext. Only the hash is handed to the store.
func (s *Service) Login(ctx context.Context, now time.Time, userID, deviceLabel string) (Issued, error) {
	refreshPlain, refreshHash, err := newOpaqueRefreshToken(s.cfg.RefreshTokenBytes)
	if err != nil {
		return Issued{}, err
	}

	refreshExp := now.Add(s.cfg.RefreshTTL)

	rec, err := s.store.Create(ctx, now, userID, deviceLabel, refreshHash, refreshExp)
	if err != nil {
		return Issued{}, err
	}

	accessToken, accessExp, err := s.tokens.Issue(userID, now)
	if err != nil {
		return Issued{}, err
	}

	metricLogins.Inc()

	return Issued{
		RecordID:     rec.ID,
		AccessToken:  accessToken,
		AccessExp:    accessExp,
		RefreshToken: refreshPlain,
		RefreshExp:   refreshExp,
	}, nil
}

// VerifyAccessToken verifies an access token. Pure: no store lookup, so
// revocation takes effect at the access-token horizon, not immediately.
func (s *Service) VerifyAccessToken(token string, now time.Time) (AccessClaims, error) {
	return s.tokens.Verify(token, now)
}

// Logout revokes every active refresh token owned by userID, across all
// devices. Idempotent.
func (s *Service) Logout(ctx context.Context, now time.Time, userID string) (int64, error) {
	return s.store.RevokeAllActive(ctx, now, userID, ReasonLogout)
}

// Rotate exchanges a refresh token for a successor, with reuse detection.
//
// Security model:
//   - Claim first: a compare-and-swap that revokes the record iff it is
//     active. Of N concurrent rotations on one token, exactly one claims.
//   - An already-revoked record is treated as reuse unconditionally: the
//     service cannot tell an attacker's replay from a legitimate duplicate
//     that raced and lost, so it revokes every active token for the owner.
//     The occasional false-positive logout is the accepted price for never
//     letting a stolen token extend a session silently.
//   - A claimed record past expiry fails, but the claim stands so the
//     value is dead either way.
//   - Claim and finalize commit in one transaction; a crash between them
//     never strands a revoked record without its successor.
func (s *Service) Rotate(ctx context.Context, now time.Time, refreshTokenPlain, deviceLabel string) (Issued, error) {
	refreshTokenPlain = strings.TrimSpace(refreshTokenPlain)
	// Basic sanity bounds to avoid pathological inputs.
	if refreshTokenPlain == "" || len(refreshTokenPlain) > 4096 {
		metricRotations.WithLabelValues(outcomeInvalid).Inc()
		return Issued{}, ErrInvalidToken
	}

	// Hash in-memory; the plain token never reaches the store or logs.
	refreshHash := hashRefreshTokenHex(refreshTokenPlain)

	tx, err := s.store.BeginRotation(ctx)
	if err != nil {
		metricRotations.WithLabelValues(outcomeStoreErr).Inc()
		return Issued{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	out, err := tx.Claim(ctx, now, refreshHash)
	if err != nil {
		metricRotations.WithLabelValues(outcomeStoreErr).Inc()
		return Issued{}, err
	}

	switch out.State {
	case ClaimNotFound:
		metricRotations.WithLabelValues(outcomeInvalid).Inc()
		return Issued{}, ErrInvalidToken

	case ClaimAlreadyRevoked:
		// Reuse. Revoke everything the owner holds; this is a security incident.
		if _, err := tx.RevokeAllActive(ctx, now, out.Record.UserID, ReasonReuse); err != nil {
			metricRotations.WithLabelValues(outcomeStoreErr).Inc()
			return Issued{}, err
		}
		if err := tx.Commit(ctx); err != nil {
			metricRotations.WithLabelValues(outcomeStoreErr).Inc()
			return Issued{}, err
		}
		metricRotations.WithLabelValues(outcomeReuse).Inc()
		metricReuseCascades.Inc()
		return Issued{}, ErrReuseDetected

	case ClaimActive:
		// Inclusive boundary: expires_at == now is expired.
		if !out.Record.ExpiresAt.After(now) {
			if err := tx.MarkExpired(ctx, out.Record.ID); err != nil {
				metricRotations.WithLabelValues(outcomeStoreErr).Inc()
				return Issued{}, err
			}
			// Commit so the claim stands and the value stays dead.
			if err := tx.Commit(ctx); err != nil {
				metricRotations.WithLabelValues(outcomeStoreErr).Inc()
				return Issued{}, err
			}
			metricRotations.WithLabelValues(outcomeExpired).Inc()
			return Issued{}, ErrExpiredToken
		}

		newRefreshPlain, newRefreshHash, err := newOpaqueRefreshToken(s.cfg.RefreshTokenBytes)
		if err != nil {
			return Issued{}, err
		}
		// Sliding window: the successor gets a full window; the old
		// record's window is untouched.
		newRefreshExp := now.Add(s.cfg.RefreshTTL)

		if deviceLabel == "" {
			deviceLabel = out.Record.DeviceLabel
		}

		rec, err := tx.FinalizeRotation(ctx, now, out.Record.ID, out.Record.UserID, deviceLabel, newRefreshHash, newRefreshExp)
		if err != nil {
			metricRotations.WithLabelValues(outcomeStoreErr).Inc()
			return Issued{}, err
		}

		accessToken, accessExp, err := s.tokens.Issue(out.Record.UserID, now)
		if err != nil {
			return Issued{}, err
		}

		if err := tx.Commit(ctx); err != nil {
			metricRotations.WithLabelValues(outcomeStoreErr).Inc()
			return Issued{}, err
		}

		metricRotations.WithLabelValues(outcomeRotated).Inc()
		return Issued{
			RecordID:     rec.ID,
			AccessToken:  accessToken,
			AccessExp:    accessExp,
			RefreshToken: newRefreshPlain,
			RefreshExp:   newRefreshExp,
		}, nil
	}

	return Issued{}, ErrInvalidToken
}
