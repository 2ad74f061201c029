package realtime

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// newULID returns a 26-char ULID. Ids minted in the same millisecond still sort in mint order.
func newULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id, err := ulid.New(ulid.Timestamp(now), entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NewSessionID returns a ULID used as chat session id.
func NewSessionID(now time.Time) (string, error) {
	return newULID(now)
}

// NewMessageID returns a ULID used as persisted message id.
func NewMessageID(now time.Time) (string, error) {
	return newULID(now)
}

// NewConnID returns a ULID identifying one streaming connection in logs.
func NewConnID(now time.Time) string {
	id, err := newULID(now)
	if err != nil {
		return "conn-unknown"
	}
	return id
}
