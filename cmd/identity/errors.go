package identity

import "errors"

var (
	// ErrInvalidCredentials is returned for unknown users and wrong
	// passwords alike; callers must not distinguish the two.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrHashMalformed is returned when a stored password hash cannot be
	// decoded as PHC Argon2id.
	ErrHashMalformed = errors.New("password hash malformed")
)
