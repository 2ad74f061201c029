package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthRequired is returned when Connect is called without a token. No connection is attempted.
	ErrAuthRequired = errors.New("transport: auth token required")

	// ErrClosed is returned by Send after Close.
	ErrClosed = errors.New("transport: closed")

	// ErrTurnInFlight is returned when a transport that supports a single stream is asked to send
	// while the previous turn is still streaming.
	ErrTurnInFlight = errors.New("transport: turn in flight")

	// ErrUnexpectedClose is the sentinel wrapped by CloseError.
	ErrUnexpectedClose = errors.New("transport: unexpected close")
)

// Close codes shared by both transports (WebSocket numbering).
const (
	CloseNormal    = 1000
	CloseGoingAway = 1001
	CloseAbnormal  = 1006
)

// CloseError reports a connection that dropped while a turn was mid-stream.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s: code=%d", ErrUnexpectedClose.Error(), e.Code)
	}
	return fmt.Sprintf("%s: code=%d reason=%s", ErrUnexpectedClose.Error(), e.Code, e.Reason)
}

func (e *CloseError) Unwrap() error { return ErrUnexpectedClose }
