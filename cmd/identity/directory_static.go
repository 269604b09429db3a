package identity

import (
	"context"
	"strings"
)

// StaticDirectory authenticates against a fixed in-memory user set. It
// backs dev deployments that run without a database.
type StaticDirectory struct {
	byUsername map[string]staticUser
	dummyHash  string
}

type staticUser struct {
	id           string
	passwordHash string
}

// NewStaticDirectory builds a StaticDirectory. users maps username to
// plaintext password; IDs are derived from the username. Intended for
// development only, so hashing a handful of passwords at startup is fine.
func NewStaticDirectory(users map[string]string) (*StaticDirectory, error) {
	d := &StaticDirectory{byUsername: make(map[string]staticUser, len(users))}

	params := DefaultArgon2idParams()
	for username, password := range users {
		username = strings.ToLower(strings.TrimSpace(username))
		if username == "" {
			continue
		}
		hash, err := HashPassword(password, params)
		if err != nil {
			return nil, err
		}
		d.byUsername[username] = staticUser{
			id:           "dev-" + username,
			passwordHash: hash,
		}
	}

	if hash, err := HashPassword("static-directory-dummy", params); err == nil {
		d.dummyHash = hash
	}

	return d, nil
}

func (d *StaticDirectory) Authenticate(_ context.Context, username, password string) (string, error) {
	u, ok := d.byUsername[strings.ToLower(strings.TrimSpace(username))]
	if !ok {
		if d.dummyHash != "" {
			_, _ = VerifyPassword(password, d.dummyHash)
		}
		return "", ErrInvalidCredentials
	}

	okPw, err := VerifyPassword(password, u.passwordHash)
	if err != nil || !okPw {
		return "", ErrInvalidCredentials
	}
	return u.id, nil
}
