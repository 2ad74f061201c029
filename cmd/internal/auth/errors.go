package auth

import "errors"

var (
	// ErrInvalidToken is returned when a token fails verification or validation.
	ErrInvalidToken = errors.New("invalid token")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid auth config")

	// ErrSecretTooShort is returned when the signing secret is below MinSecretBytes.
	ErrSecretTooShort = errors.New("auth secret too short")
)
