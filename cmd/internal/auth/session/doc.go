// Package session implements keepsake's session-authentication core.
//
// It pairs short-lived PASETO v4.public access tokens with long-lived,
// rotating opaque refresh tokens. Refresh tokens are stored hashed
// (HMAC-SHA256 when KEEPSAKE_TOKEN_HMAC_KEY is set; otherwise SHA-256
// for dev use) and form per-device chains linked by
// replaced_by_token_hash. Presenting an already-revoked refresh token
// is treated as theft and revokes every active token for the owner.
//
// Transport (HTTP) integration is intentionally out of scope here.
package session
