package session

import (
	"strings"
	"time"

	paseto "aidanwoods.dev/go-paseto"
)

const pasetoV4PublicPrefix = "v4.public."

// AccessClaims is the identity envelope carried by an access token.
type AccessClaims struct {
	UserID    string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Issuer    string
}

// AccessTokenManager issues and verifies short-lived access tokens.
//
// Verify is a pure function of the token and key material: no store
// lookup, no side effects. Any failure is non-retryable and must push
// the caller through the refresh path.
type AccessTokenManager interface {
	Issue(userID string, now time.Time) (token string, exp time.Time, err error)
	Verify(token string, now time.Time) (AccessClaims, error)
	PublicKeyHex() string
}

type pasetoV4PublicManager struct {
	issuer    string
	ttl       time.Duration
	clockSkew time.Duration

	secret paseto.V4AsymmetricSecretKey
	public paseto.V4AsymmetricPublicKey
}

// NewPasetoV4PublicManager builds an AccessTokenManager based on PASETO v4.public.
//
// It uses an Ed25519 asymmetric keypair and enforces issuer and expiration rules.
// Clock skew is applied during verification to tolerate minor clock differences.
func NewPasetoV4PublicManager(cfg Config) (AccessTokenManager, error) {
	secret, err := paseto.NewV4AsymmetricSecretKeyFromHex(cfg.PasetoV4SecretKeyHex)
	if err != nil {
		return nil, ErrConfig
	}

	public := secret.Public()

	return &pasetoV4PublicManager{
		issuer:    cfg.Issuer,
		ttl:       cfg.AccessTokenTTL,
		clockSkew: cfg.ClockSkew,
		secret:    secret,
		public:    public,
	}, nil
}

func (m *pasetoV4PublicManager) PublicKeyHex() string {
	return m.public.ExportHex()
}

func (m *pasetoV4PublicManager) Issue(userID string, now time.Time) (string, time.Time, error) {
	exp := now.Add(m.ttl)

	tok := paseto.NewToken()
	tok.SetIssuer(m.issuer)
	tok.SetIssuedAt(now)
	tok.SetNotBefore(now) // Access tokens valid immediately.
	tok.SetExpiration(exp)

	// Minimal, explicit claims.
	_ = tok.Set("uid", userID)

	signed := tok.V4Sign(m.secret, nil)
	return signed, exp, nil
}

// Verify classifies failures as malformed, signature-invalid, or expired
// so the caller's failure policy stays auditable. Expiry is checked here
// rather than by parser rules to keep the classification exact.
func (m *pasetoV4PublicManager) Verify(token string, now time.Time) (AccessClaims, error) {
	if !strings.HasPrefix(token, pasetoV4PublicPrefix) {
		return AccessClaims{}, ErrTokenMalformed
	}

	// Build a fresh parser per call to avoid accumulating rules across verifies.
	p := paseto.NewParserWithoutExpiryCheck()

	parsed, err := p.ParseV4Public(m.public, token, nil)
	if err != nil {
		return AccessClaims{}, ErrTokenSignature
	}

	iss, err := parsed.GetIssuer()
	if err != nil || iss != m.issuer {
		return AccessClaims{}, ErrTokenMalformed
	}
	uid, err := parsed.GetString("uid")
	if err != nil || uid == "" {
		return AccessClaims{}, ErrTokenMalformed
	}
	exp, err := parsed.GetExpiration()
	if err != nil {
		return AccessClaims{}, ErrTokenMalformed
	}
	iat, err := parsed.GetIssuedAt()
	if err != nil {
		return AccessClaims{}, ErrTokenMalformed
	}

	// Clock-skew tolerance:
	// Validate slightly in the future so expiration is slightly stricter,
	// which also keeps "nbf" harmless when clocks differ.
	validAt := now.Add(m.clockSkew)
	if !exp.After(validAt) {
		return AccessClaims{}, ErrTokenExpired
	}

	return AccessClaims{
		UserID:    uid,
		IssuedAt:  iat,
		ExpiresAt: exp,
		Issuer:    iss,
	}, nil
}
