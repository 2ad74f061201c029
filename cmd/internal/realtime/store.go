package realtime

import (
	"context"
	"time"

	v1 "counsel/shared/contracts/stream/v1"
)

// StoredSession is the canonical persisted session.
type StoredSession struct {
	ID        string
	OwnerID   string
	Title     *string
	ChatType  string
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// StoredMessage is the canonical persisted message.
type StoredMessage struct {
	ID        string
	SessionID string
	Seq       int64
	Sender    string
	Content   string
	CreatedAt time.Time
}

// SessionStore persists sessions and their messages.
//
// Requirements:
//   - Sessions are scoped to their owner: lookups by another user report ErrSessionNotFound
//   - Monotonic seq per session, history ordered by seq ASC
//   - Status transitions follow CanTransition
type SessionStore interface {
	CreateSession(ctx context.Context, in CreateSessionInput) (StoredSession, error)
	GetSession(ctx context.Context, ownerID, sessionID string) (StoredSession, error)
	ListSessions(ctx context.Context, in ListSessionsInput) ([]StoredSession, error)
	SetStatus(ctx context.Context, in SetStatusInput) (StoredSession, error)
	AppendMessage(ctx context.Context, in AppendMessageInput) (StoredMessage, error)
	FetchHistory(ctx context.Context, in FetchHistoryInput) (FetchHistoryResult, error)
	Close() error
}

// CreateSessionInput describes a new session.
type CreateSessionInput struct {
	OwnerID  string
	ChatType string
	Title    *string
	Now      time.Time
}

// ListSessionsInput selects the sessions of one owner, topic and status.
// Results are ordered by UpdatedAt DESC.
type ListSessionsInput struct {
	OwnerID  string
	ChatType string
	Status   string
}

// SetStatusInput describes a lifecycle change.
type SetStatusInput struct {
	OwnerID   string
	SessionID string
	Status    string
	Now       time.Time
}

// AppendMessageInput describes a message append. It also bumps the session's UpdatedAt.
type AppendMessageInput struct {
	SessionID string
	Sender    string
	Content   string
	Now       time.Time
}

// FetchHistoryInput describes a history query.
// With Latest set the newest Limit messages are returned (still ordered by seq ASC) and
// AfterSeq is ignored.
type FetchHistoryInput struct {
	SessionID string
	AfterSeq  *int64
	Limit     int
	Latest    bool
}

// FetchHistoryResult contains the retrieved history window.
type FetchHistoryResult struct {
	Messages []StoredMessage
	HasMore  bool
}

// CanTransition reports whether a session may move from one status to another.
// ACTIVE and ARCHIVED swap freely, CLOSED is terminal, and a no-op change is allowed.
func CanTransition(from, to string) bool {
	if from == to {
		return true
	}
	switch to {
	case v1.StatusActive, v1.StatusArchived:
		return from == v1.StatusActive || from == v1.StatusArchived
	case v1.StatusClosed:
		return true
	default:
		return false
	}
}

func clampHistoryLimit(limit int) int {
	if limit <= 0 {
		return defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		return maxHistoryLimit
	}
	return limit
}

func validSender(s string) bool {
	return s == v1.SenderUser || s == v1.SenderAI
}
