// Package identity implements relay's user identity foundation: user
// records, credential storage and Argon2id password hashing.
//
// Sessions and access tokens live in cmd/internal/auth/session; this package
// is intentionally dependency-light and security-first.
package identity
