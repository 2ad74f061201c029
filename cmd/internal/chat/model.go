// Package chat is the client core of the streaming chat: the state model, the pure reducer that
// drives a single AI turn, the session registry and the Orchestrator facade that wires transport
// events, REST calls and auth token changes together.
package chat

import (
	"fmt"
	"strings"
	"time"
)

// Sender identifies who authored a message.
type Sender string

const (
	SenderUser Sender = "USER"
	SenderAI   Sender = "AI"
)

// SessionStatus is the server-side lifecycle of a chat session.
type SessionStatus string

const (
	StatusActive   SessionStatus = "ACTIVE"
	StatusArchived SessionStatus = "ARCHIVED"
	StatusClosed   SessionStatus = "CLOSED"
)

// Valid reports whether s is a known status.
func (s SessionStatus) Valid() bool {
	switch s {
	case StatusActive, StatusArchived, StatusClosed:
		return true
	default:
		return false
	}
}

// TopicType is the advising domain a session belongs to. It never changes after creation.
type TopicType string

const (
	TopicGeneral       TopicType = "GENERAL"
	TopicEssayReview   TopicType = "ESSAY_REVIEW"
	TopicCollegeList   TopicType = "COLLEGE_LIST"
	TopicFinancialAid  TopicType = "FINANCIAL_AID"
	TopicTestPrep      TopicType = "TEST_PREP"
	TopicInterviewPrep TopicType = "INTERVIEW_PREP"
)

// Topics returns every topic in display order.
func Topics() []TopicType {
	return []TopicType{
		TopicGeneral,
		TopicEssayReview,
		TopicCollegeList,
		TopicFinancialAid,
		TopicTestPrep,
		TopicInterviewPrep,
	}
}

// Valid reports whether t is one of Topics.
func (t TopicType) Valid() bool {
	for _, v := range Topics() {
		if v == t {
			return true
		}
	}
	return false
}

// ParseTopic accepts the wire form case-insensitively ("essay_review", "ESSAY_REVIEW").
func ParseTopic(s string) (TopicType, error) {
	t := TopicType(strings.ToUpper(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownTopic, s)
	}
	return t, nil
}

// Session is a server-side conversation.
type Session struct {
	ID        string        `json:"id"`
	Title     *string       `json:"title"`
	ChatType  TopicType     `json:"chat_type"`
	Status    SessionStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Message is one entry of the viewed conversation.
//
// ID is the server id once persisted and a local id for optimistic entries.
// SessionID is empty while a new conversation has no server id yet.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id,omitempty"`
	Sender    Sender    `json:"sender"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`

	IsStreaming bool `json:"-"`
	IsLoading   bool `json:"-"`
	IsError     bool `json:"-"`
}

type sessionRefKind uint8

const (
	refUndetermined sessionRefKind = iota
	refNone
	refAssigned
)

// SessionRef is the currently viewed session id: undetermined (not resolved yet), none (a new
// chat is pending and the server will assign the id) or assigned.
// The zero value is undetermined.
type SessionRef struct {
	kind sessionRefKind
	id   string
}

// NoSession is the ref for a new chat awaiting its server id.
func NoSession() SessionRef { return SessionRef{kind: refNone} }

// AssignedSession returns a ref to id. An empty id yields NoSession.
func AssignedSession(id string) SessionRef {
	if id == "" {
		return NoSession()
	}
	return SessionRef{kind: refAssigned, id: id}
}

// ID returns the assigned id.
func (r SessionRef) ID() (string, bool) {
	return r.id, r.kind == refAssigned
}

// IsUndetermined reports whether the ref has not been resolved.
func (r SessionRef) IsUndetermined() bool { return r.kind == refUndetermined }

// IsNone reports whether a new chat is pending.
func (r SessionRef) IsNone() bool { return r.kind == refNone }

func (r SessionRef) String() string {
	switch r.kind {
	case refNone:
		return "none"
	case refAssigned:
		return r.id
	default:
		return "undetermined"
	}
}

// Phase is the state of the current AI turn.
type Phase uint8

const (
	PhaseIdle Phase = iota
	PhaseAwaitingFirstChunk
	PhaseStreaming
	PhaseSettled
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseAwaitingFirstChunk:
		return "awaiting_first_chunk"
	case PhaseStreaming:
		return "streaming"
	case PhaseSettled:
		return "settled"
	case PhaseFailed:
		return "failed"
	default:
		return fmt.Sprintf("phase(%d)", uint8(p))
	}
}

// InFlight reports whether a turn is awaiting or receiving content.
func (p Phase) InFlight() bool {
	return p == PhaseAwaitingFirstChunk || p == PhaseStreaming
}

// MaxTrace bounds State.Trace.
const MaxTrace = 50

// State is the chat view state owned by one Orchestrator.
//
// Values are immutable once published: Reduce always returns fresh slices, so a State obtained
// from the Orchestrator may be read without copying.
type State struct {
	Session   SessionRef
	TopicType TopicType

	// Messages is in chronological (insertion) order.
	Messages         []Message
	Sessions         []Session
	ArchivedSessions []Session

	// IsLoading is true from submit until the turn ends, and while history loads.
	IsLoading bool
	Connected bool
	Error     string

	ViewingStatus SessionStatus
	Phase         Phase

	// Trace holds the most recent advisory info lines.
	Trace []string

	// PendingTitle is the title requested for a new chat that has no server id yet.
	PendingTitle string
}

// NewState returns the initial state for topic.
func NewState(topic TopicType) State {
	if !topic.Valid() {
		topic = TopicGeneral
	}
	return State{
		TopicType:     topic,
		ViewingStatus: StatusActive,
		Phase:         PhaseIdle,
	}
}

// StreamingMessage returns the message currently being filled.
func (s State) StreamingMessage() (Message, bool) {
	for _, m := range s.Messages {
		if m.IsStreaming {
			return m, true
		}
	}
	return Message{}, false
}

// CanSend reports whether the input should be enabled.
func (s State) CanSend() bool {
	return s.Connected && !s.Phase.InFlight() && s.ViewingStatus != StatusArchived
}
