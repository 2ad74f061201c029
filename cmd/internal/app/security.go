package app

import (
	"crypto/rand"
	"errors"
	"fmt"

	"counsel/cmd/internal/auth"
)

// ValidateSecurityConfig enforces the security policy at startup.
//
// A configured secret must be long enough for HS256. A missing secret is fatal only when
// COUNSEL_REQUIRE_AUTH_SECRET is set.
func ValidateSecurityConfig(cfg Config) error {
	switch {
	case cfg.AuthSecret == "" && cfg.RequireAuthSecret:
		return errors.New("security policy: COUNSEL_REQUIRE_AUTH_SECRET=true but COUNSEL_AUTH_SECRET is missing")
	case cfg.AuthSecret != "" && len(cfg.AuthSecret) < auth.MinSecretBytes:
		return fmt.Errorf("security policy: COUNSEL_AUTH_SECRET is too short (min %d bytes)", auth.MinSecretBytes)
	}
	return nil
}

// authSecret returns the configured secret or a random per-process one.
func authSecret(cfg Config, log Logger) ([]byte, error) {
	if cfg.AuthSecret != "" {
		return []byte(cfg.AuthSecret), nil
	}
	b := make([]byte, auth.MinSecretBytes)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("generate auth secret: %w", err)
	}
	log.Warn("auth.secret.ephemeral", "hint", "set COUNSEL_AUTH_SECRET to keep tokens valid across restarts")
	return b, nil
}
