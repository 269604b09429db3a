// Package token provides refresh-token hashing primitives for keepsake.
//
// It is the single source of truth for how refresh-token secrets are
// reduced to storage keys.
//
// Design goals:
// - Default dev mode: SHA-256(token) when no HMAC key is configured.
// - Production mode: HMAC-SHA256(token, key) when a key is present.
// - Stable 64-char hex output suitable for unique-index lookup.
//
// Environment:
// - KEEPSAKE_TOKEN_HMAC_KEY: when set, enables HMAC mode.
// Policy:
//   - When RequireTokenHMAC is enforced at startup, the key MUST be at
//     least 32 bytes and the SHA fallback MUST NOT be reachable.
package token
