package realtime

import (
	"log/slog"
	"sync"
)

// Hub tracks in-flight turns so a session streams at most one AI response at a time, whichever
// transport the submits arrive on.
type Hub struct {
	log *slog.Logger

	mu       sync.Mutex
	inflight map[string]string // session id -> conn id
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = discardLogger()
	}
	return &Hub{log: log, inflight: make(map[string]string)}
}

// TryBegin claims sessionID for connID. It returns false when another turn holds it.
func (h *Hub) TryBegin(sessionID, connID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if holder, busy := h.inflight[sessionID]; busy {
		h.log.Info("turn.reject.busy", "session_id", sessionID, "conn_id", connID, "holder", holder)
		return false
	}
	h.inflight[sessionID] = connID
	return true
}

// End releases sessionID.
func (h *Hub) End(sessionID string) {
	h.mu.Lock()
	delete(h.inflight, sessionID)
	h.mu.Unlock()
}

// InFlight returns the number of running turns.
func (h *Hub) InFlight() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.inflight)
}
