package authtoken

import "errors"

var (
	// ErrSessionLoading is returned while the external session store has not resolved yet.
	// It is transient: callers should wait for a token change instead of giving up.
	ErrSessionLoading = errors.New("auth session loading")

	// ErrNoSession is returned when there is no authenticated session. It is terminal.
	ErrNoSession = errors.New("no auth session")

	// ErrUnauthorized is returned (wrapped) by collaborators when a token is refused (401-class).
	ErrUnauthorized = errors.New("unauthorized")

	// ErrSessionInvalid is returned when a refreshed token is refused again.
	// Re-authentication must happen upstream.
	ErrSessionInvalid = errors.New("auth session invalid")

	// ErrNoRefresher is returned when a refresh is needed but no Refresher is configured.
	ErrNoRefresher = errors.New("no token refresher configured")
)
