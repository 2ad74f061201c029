package realtime

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	v1 "counsel/shared/contracts/stream/v1"
)

const memMaxMessagesPerSession = 10_000

// InMemoryStore is the dev fallback when no database is configured.
type InMemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*memSession
}

type memSession struct {
	sess StoredSession
	seq  int64
	msgs []StoredMessage // ordered by seq
}

// NewInMemoryStore constructs an in-memory SessionStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{sessions: make(map[string]*memSession)}
}

// Close is a no-op.
func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) CreateSession(ctx context.Context, in CreateSessionInput) (StoredSession, error) {
	if strings.TrimSpace(in.OwnerID) == "" || strings.TrimSpace(in.ChatType) == "" {
		return StoredSession{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return StoredSession{}, err
	}
	now := nowOr(in.Now)

	id, err := NewSessionID(now)
	if err != nil {
		return StoredSession{}, fmt.Errorf("session id: %w", err)
	}
	sess := StoredSession{
		ID:        id,
		OwnerID:   in.OwnerID,
		Title:     cloneTitle(in.Title),
		ChatType:  in.ChatType,
		Status:    v1.StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	s.sessions[id] = &memSession{sess: sess}
	s.mu.Unlock()
	return copySession(sess), nil
}

func (s *InMemoryStore) GetSession(ctx context.Context, ownerID, sessionID string) (StoredSession, error) {
	if err := ctx.Err(); err != nil {
		return StoredSession{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.sessions[sessionID]
	if !ok || m.sess.OwnerID != ownerID {
		return StoredSession{}, ErrSessionNotFound
	}
	return copySession(m.sess), nil
}

func (s *InMemoryStore) ListSessions(ctx context.Context, in ListSessionsInput) ([]StoredSession, error) {
	if strings.TrimSpace(in.OwnerID) == "" {
		return nil, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	out := make([]StoredSession, 0, 16)
	for _, m := range s.sessions {
		if m.sess.OwnerID != in.OwnerID || m.sess.ChatType != in.ChatType || m.sess.Status != in.Status {
			continue
		}
		out = append(out, copySession(m.sess))
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (s *InMemoryStore) SetStatus(ctx context.Context, in SetStatusInput) (StoredSession, error) {
	if err := ctx.Err(); err != nil {
		return StoredSession{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.sessions[in.SessionID]
	if !ok || m.sess.OwnerID != in.OwnerID {
		return StoredSession{}, ErrSessionNotFound
	}
	if !CanTransition(m.sess.Status, in.Status) {
		return StoredSession{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.sess.Status, in.Status)
	}
	if m.sess.Status != in.Status {
		m.sess.Status = in.Status
		m.sess.UpdatedAt = nowOr(in.Now)
	}
	return copySession(m.sess), nil
}

func (s *InMemoryStore) AppendMessage(ctx context.Context, in AppendMessageInput) (StoredMessage, error) {
	if in.SessionID == "" || in.Content == "" || !validSender(in.Sender) {
		return StoredMessage{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return StoredMessage{}, err
	}
	now := nowOr(in.Now)

	id, err := NewMessageID(now)
	if err != nil {
		return StoredMessage{}, fmt.Errorf("message id: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.sessions[in.SessionID]
	if !ok {
		return StoredMessage{}, ErrSessionNotFound
	}

	m.seq++
	msg := StoredMessage{
		ID:        id,
		SessionID: in.SessionID,
		Seq:       m.seq,
		Sender:    in.Sender,
		Content:   in.Content,
		CreatedAt: now,
	}
	m.msgs = append(m.msgs, msg)
	if len(m.msgs) > memMaxMessagesPerSession {
		m.msgs = m.msgs[len(m.msgs)-memMaxMessagesPerSession:]
	}
	m.sess.UpdatedAt = now
	return msg, nil
}

func (s *InMemoryStore) FetchHistory(ctx context.Context, in FetchHistoryInput) (FetchHistoryResult, error) {
	if in.SessionID == "" {
		return FetchHistoryResult{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return FetchHistoryResult{}, err
	}
	limit := clampHistoryLimit(in.Limit)

	s.mu.Lock()
	m, ok := s.sessions[in.SessionID]
	var snap []StoredMessage
	if ok {
		snap = append([]StoredMessage(nil), m.msgs...)
	}
	s.mu.Unlock()

	if !ok {
		return FetchHistoryResult{}, ErrSessionNotFound
	}

	if in.Latest {
		if len(snap) > limit {
			return FetchHistoryResult{Messages: snap[len(snap)-limit:], HasMore: true}, nil
		}
		return FetchHistoryResult{Messages: snap}, nil
	}

	start := 0
	if in.AfterSeq != nil {
		after := *in.AfterSeq
		start = sort.Search(len(snap), func(i int) bool { return snap[i].Seq > after })
	}
	out := snap[start:]
	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
	}
	return FetchHistoryResult{Messages: out, HasMore: hasMore}, nil
}

func nowOr(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func cloneTitle(t *string) *string {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func copySession(s StoredSession) StoredSession {
	s.Title = cloneTitle(s.Title)
	return s
}
