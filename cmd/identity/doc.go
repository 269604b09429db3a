// Package identity is the user directory collaborator for keepsake's
// auth endpoints.
//
// The session core treats it as a black box that resolves credentials
// to a stable user identifier. It owns password hashing (Argon2id, PHC
// encoding) and the keepsake.users lookup; it knows nothing about
// tokens or sessions.
package identity
