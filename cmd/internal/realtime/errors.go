package realtime

import "errors"

var (
	// ErrSessionNotFound is returned when a session does not exist or belongs to another user.
	ErrSessionNotFound = errors.New("session not found")

	// ErrInvalidTransition is returned for a status change the lifecycle does not allow.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrInvalidInput is returned for structurally invalid store input.
	ErrInvalidInput = errors.New("invalid input")
)
