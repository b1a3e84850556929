package app

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"relay/cmd/internal/auth/session"
)

// ValidateSecurityConfig enforces the startup security policy.
//
// Fail-fast is intentional: silently falling back to unkeyed refresh-token
// hashing in production is unacceptable when the operator asked for HMAC.
func ValidateSecurityConfig(cfg Config) error {
	if !cfg.RequireTokenHMAC {
		return nil
	}

	// Bytes, not runes: the key is consumed as raw key material.
	key := strings.TrimSpace(os.Getenv(session.HMACEnvKey))
	switch {
	case key == "":
		return fmt.Errorf("security policy: RELAY_REQUIRE_TOKEN_HMAC=true but %s is missing", session.HMACEnvKey)
	case len(key) < 32:
		return fmt.Errorf("security policy: %s is too short (min 32 bytes)", session.HMACEnvKey)
	}

	if cfg.DatabaseURL == "" {
		return errors.New("security policy: RELAY_REQUIRE_TOKEN_HMAC=true implies a configured database")
	}
	return nil
}
