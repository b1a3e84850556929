package session

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"os"
	"strings"
)

// HMACEnvKey is the env var holding the refresh-token HMAC secret.
// #nosec G101 -- not a credential; it's an environment variable name.
const HMACEnvKey = "RELAY_TOKEN_HMAC_KEY"

// newOpaqueRefreshToken returns a URL-safe random refresh token and its
// server-side storage hash. The plain token is shown to the client exactly
// once and never persisted or logged.
func newOpaqueRefreshToken(nBytes int) (plain string, hashHex string, err error) {
	if nBytes <= 0 {
		nBytes = 32
	}
	b := make([]byte, nBytes)
	if _, err = rand.Read(b); err != nil {
		return "", "", err
	}

	plain = base64.RawURLEncoding.EncodeToString(b)
	return plain, hashRefreshTokenHex(plain), nil
}

// hashRefreshTokenHex hashes refresh tokens for server-side storage.
// When RELAY_TOKEN_HMAC_KEY is set, HMAC-SHA256(token, key); otherwise plain
// SHA-256 for dev. Output is always 64 hex chars.
func hashRefreshTokenHex(token string) string {
	key := strings.TrimSpace(os.Getenv(HMACEnvKey))
	if key == "" {
		sum := sha256.Sum256([]byte(token))
		return hex.EncodeToString(sum[:])
	}
	m := hmac.New(sha256.New, []byte(key))
	_, _ = m.Write([]byte(token))
	return hex.EncodeToString(m.Sum(nil))
}
