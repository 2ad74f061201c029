package chat

import (
	"errors"
	"fmt"
	"net/http"
)

// Client-side validation failures. SendMessage returns them without touching state.
var (
	ErrBlankMessage    = errors.New("chat: blank message")
	ErrMessageTooLong  = errors.New("chat: message too long")
	ErrTurnInFlight    = errors.New("chat: a response is still streaming")
	ErrSessionArchived = errors.New("chat: session is archived")
	ErrNotConnected    = errors.New("chat: not connected")
)

var (
	ErrUnknownTopic = errors.New("chat: unknown topic")
	ErrNotFound     = errors.New("chat: not found")

	// ErrEmptyReply fails a turn the server completed without streaming any content.
	ErrEmptyReply = errors.New("chat: empty reply")
)

// ServerTurnError is a turn the server ended as failed while the connection stayed healthy
// (an error frame, or done with error set).
type ServerTurnError struct {
	Detail string
}

func (e *ServerTurnError) Error() string {
	if e.Detail == "" {
		return "chat: server failed the turn"
	}
	return "chat: server failed the turn: " + e.Detail
}

// APIError is a non-2xx response from the REST backend.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("chat api: status=%d", e.Status)
	}
	return fmt.Sprintf("chat api: status=%d code=%s message=%s", e.Status, e.Code, e.Message)
}

// Is lets errors.Is(err, ErrNotFound) match 404 responses.
func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.Status == http.StatusNotFound
}
