package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Registry caches the active and archived session lists per topic.
//
// Archive and Unarchive move the session locally before the server call and move it back to
// its original position when the call fails.
type Registry struct {
	log     *slog.Logger
	backend Backend

	mu       sync.Mutex
	active   map[TopicType][]Session
	archived map[TopicType][]Session
	lastErr  error
}

// NewRegistry constructs a Registry over backend.
func NewRegistry(backend Backend, log *slog.Logger) *Registry {
	if log == nil {
		log = discardLogger()
	}
	return &Registry{
		log:      log,
		backend:  backend,
		active:   make(map[TopicType][]Session),
		archived: make(map[TopicType][]Session),
	}
}

// FetchSessions replaces the active list of topic. On failure the cached list is returned along
// with the error.
func (r *Registry) FetchSessions(ctx context.Context, topic TopicType) ([]Session, error) {
	return r.fetch(ctx, topic, StatusActive)
}

// FetchArchivedSessions replaces the archived list of topic.
func (r *Registry) FetchArchivedSessions(ctx context.Context, topic TopicType) ([]Session, error) {
	return r.fetch(ctx, topic, StatusArchived)
}

func (r *Registry) fetch(ctx context.Context, topic TopicType, status SessionStatus) ([]Session, error) {
	list, err := r.backend.ListSessions(ctx, topic, status)

	r.mu.Lock()
	defer r.mu.Unlock()

	lists := r.active
	if status == StatusArchived {
		lists = r.archived
	}

	if err != nil {
		r.lastErr = err
		r.log.Info("chat.sessions.fetch.fail", "topic", string(topic), "status", string(status), "err", err)
		return cloneSessions(lists[topic]), fmt.Errorf("fetch %s sessions: %w", status, err)
	}

	kept := make([]Session, 0, len(list))
	for _, s := range list {
		// a session's topic is fixed; anything else is the server's mistake
		if s.ChatType != "" && s.ChatType != topic {
			continue
		}
		kept = append(kept, s)
	}
	lists[topic] = kept
	r.lastErr = nil
	return cloneSessions(kept), nil
}

// Sessions returns the cached active list of topic.
func (r *Registry) Sessions(topic TopicType) []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneSessions(r.active[topic])
}

// ArchivedSessions returns the cached archived list of topic.
func (r *Registry) ArchivedSessions(topic TopicType) []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneSessions(r.archived[topic])
}

// Lookup finds a cached session in any topic.
func (r *Registry) Lookup(id string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, lists := range []map[TopicType][]Session{r.active, r.archived} {
		for _, list := range lists {
			for _, s := range list {
				if s.ID == id {
					return s, true
				}
			}
		}
	}
	return Session{}, false
}

// LastError returns the error of the most recent failed fetch or move, nil after a success.
func (r *Registry) LastError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

// Archive moves a session to the archived list and archives it on the server.
func (r *Registry) Archive(ctx context.Context, id string) error {
	return r.move(ctx, id, StatusArchived, r.backend.Archive)
}

// Unarchive moves a session back to the active list and unarchives it on the server.
func (r *Registry) Unarchive(ctx context.Context, id string) error {
	return r.move(ctx, id, StatusActive, r.backend.Unarchive)
}

type movedSession struct {
	topic TopicType
	index int
	prev  Session
}

func (r *Registry) move(ctx context.Context, id string, to SessionStatus, call func(context.Context, string) error) error {
	from, dst := r.active, r.archived
	if to == StatusActive {
		from, dst = r.archived, r.active
	}

	r.mu.Lock()
	moved, ok := takeSession(from, id)
	if ok {
		s := moved.prev
		s.Status = to
		dst[moved.topic] = append(cloneSessions(dst[moved.topic]), s)
	}
	r.mu.Unlock()

	if err := call(ctx, id); err != nil {
		r.mu.Lock()
		if ok {
			takeSession(dst, id)
			list := cloneSessions(from[moved.topic])
			i := min(moved.index, len(list))
			list = append(list[:i], append([]Session{moved.prev}, list[i:]...)...)
			from[moved.topic] = list
		}
		r.lastErr = err
		r.mu.Unlock()

		r.log.Info("chat.sessions.move.rollback", "session_id", id, "to", string(to), "err", err)
		return fmt.Errorf("move session %s to %s: %w", id, to, err)
	}

	r.mu.Lock()
	r.lastErr = nil
	r.mu.Unlock()
	return nil
}

// takeSession removes id from lists and reports where it was.
func takeSession(lists map[TopicType][]Session, id string) (movedSession, bool) {
	for topic, list := range lists {
		for i, s := range list {
			if s.ID != id {
				continue
			}
			rest := make([]Session, 0, len(list)-1)
			rest = append(rest, list[:i]...)
			rest = append(rest, list[i+1:]...)
			lists[topic] = rest
			return movedSession{topic: topic, index: i, prev: s}, true
		}
	}
	return movedSession{}, false
}
