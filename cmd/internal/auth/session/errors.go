package session

import "errors"

var (
	// ErrInvalidToken is returned when a refresh token matches no record
	// (never existed, or already purged).
	ErrInvalidToken = errors.New("invalid refresh token")

	// ErrExpiredToken is returned when a refresh token was claimed past its
	// expiry. The claim stands: the record is revoked and cannot be replayed.
	ErrExpiredToken = errors.New("refresh token expired")

	// ErrReuseDetected is returned when a refresh token hits an
	// already-revoked record. All active tokens for the owner are revoked
	// before this error is surfaced.
	ErrReuseDetected = errors.New("refresh token reuse detected")

	// ErrTokenMalformed is returned when an access token is structurally
	// invalid (wrong format, missing claims, wrong issuer).
	ErrTokenMalformed = errors.New("access token malformed")

	// ErrTokenExpired is returned when an access token is past its expiry.
	ErrTokenExpired = errors.New("access token expired")

	// ErrTokenSignature is returned when an access token fails signature
	// verification.
	ErrTokenSignature = errors.New("access token signature invalid")

	// ErrDuplicateTokenValue is returned by stores when a generated token
	// value collides with an existing record. Uniqueness is a store-boundary
	// invariant.
	ErrDuplicateTokenValue = errors.New("refresh token value already exists")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid config")
)
