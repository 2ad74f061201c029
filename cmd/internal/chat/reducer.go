package chat

import (
	"errors"
	"time"

	"counsel/cmd/internal/transport"
	v1 "counsel/shared/contracts/stream/v1"
)

// Action is a state transition input. The set of actions is closed.
type Action interface {
	isAction()
}

// UserMessageAppended starts a turn: the user's message plus an empty streaming AI placeholder.
type UserMessageAppended struct {
	UserMessageID string
	AIMessageID   string
	Content       string
	At            time.Time
}

// ChunkReceived appends Content to the streaming message. SessionID is adopted when the view
// has no session yet.
type ChunkReceived struct {
	Content   string
	SessionID string
}

// TurnDone settles the streaming message.
type TurnDone struct {
	SessionID string
}

// TurnFailed ends the turn as failed. SendFailed also flags the user's message.
type TurnFailed struct {
	Err        error
	SendFailed bool
}

// InfoReceived records an advisory line. Messages are not touched.
type InfoReceived struct {
	Message string
}

// HistoryLoadStarted marks the view as loading a persisted conversation.
type HistoryLoadStarted struct {
	SessionID string
}

// HistoryLoaded replaces the message list with a persisted conversation.
type HistoryLoaded struct {
	SessionID string
	Status    SessionStatus
	Messages  []Message
}

// HistoryLoadFailed ends a history load.
type HistoryLoadFailed struct {
	Err error
}

// SessionsLoaded replaces one of the session lists of Topic.
type SessionsLoaded struct {
	Topic    TopicType
	Archived bool
	Sessions []Session
}

// SessionsLoadFailed records a failed list fetch; the previous list stays.
type SessionsLoadFailed struct {
	Topic    TopicType
	Archived bool
	Err      error
}

// SessionArchived optimistically moves a session to the archived list.
type SessionArchived struct {
	ID string
}

// SessionUnarchived optimistically moves a session back to the active list.
type SessionUnarchived struct {
	ID string
}

// SessionMoveReverted restores both lists after a failed archive or unarchive.
type SessionMoveReverted struct {
	ID       string
	Active   []Session
	Archived []Session
	Viewing  SessionStatus
}

// TopicChanged resets the view for Topic.
type TopicChanged struct {
	Topic TopicType
}

// NewChatStarted clears the view for a fresh conversation in Topic.
type NewChatStarted struct {
	Topic TopicType
	Title string
}

// ConnectionChanged mirrors the transport state.
type ConnectionChanged struct {
	Connected bool
}

// ErrorSet replaces the global error.
type ErrorSet struct {
	Message string
}

// ErrorCleared clears the global error.
type ErrorCleared struct{}

func (UserMessageAppended) isAction() {}
func (ChunkReceived) isAction()       {}
func (TurnDone) isAction()            {}
func (TurnFailed) isAction()          {}
func (InfoReceived) isAction()        {}
func (HistoryLoadStarted) isAction()  {}
func (HistoryLoaded) isAction()       {}
func (HistoryLoadFailed) isAction()   {}
func (SessionsLoaded) isAction()      {}
func (SessionsLoadFailed) isAction()  {}
func (SessionArchived) isAction()     {}
func (SessionUnarchived) isAction()   {}
func (SessionMoveReverted) isAction() {}
func (TopicChanged) isAction()        {}
func (NewChatStarted) isAction()      {}
func (ConnectionChanged) isAction()   {}
func (ErrorSet) isAction()            {}
func (ErrorCleared) isAction()        {}

// User-facing failure texts.
const (
	textTurnFailed    = "The assistant could not finish this response."
	textConnLost      = "Connection lost before the response finished."
	textMalformed     = "Received a malformed response from the server."
	textSendFailed    = "Your message could not be sent."
	textEmptyReply    = "The assistant returned an empty response."
	textHistoryFailed = "Could not load this conversation."
	textListFailed    = "Could not load conversations."
	textDisconnected  = "Disconnected from the chat server."
)

// FailureText maps a turn failure to the text shown to the user.
func FailureText(err error) string {
	var (
		ste *ServerTurnError
		pe  *v1.ParseError
	)
	switch {
	case err == nil:
		return textTurnFailed
	case errors.As(err, &ste):
		if ste.Detail != "" {
			return ste.Detail
		}
		return textTurnFailed
	case errors.As(err, &pe):
		return textMalformed
	case errors.Is(err, ErrEmptyReply):
		return textEmptyReply
	case errors.Is(err, transport.ErrUnexpectedClose):
		return textConnLost
	case errors.Is(err, transport.ErrClosed):
		return textDisconnected
	default:
		return err.Error()
	}
}

// Reduce applies a to s and returns the new state. It never mutates s or the slices it holds.
func Reduce(s State, a Action) State {
	switch a := a.(type) {
	case UserMessageAppended:
		return appendTurn(s, a)
	case ChunkReceived:
		return applyChunk(s, a)
	case TurnDone:
		return settleTurn(s, a)
	case TurnFailed:
		return failTurn(s, a)
	case InfoReceived:
		s.Trace = appendTrace(s.Trace, a.Message)
		return s
	case HistoryLoadStarted:
		if s.Phase.InFlight() {
			return s
		}
		s.IsLoading = true
		return s
	case HistoryLoaded:
		return loadHistory(s, a)
	case HistoryLoadFailed:
		if !s.Phase.InFlight() {
			s.IsLoading = false
		}
		s.Error = textHistoryFailed
		return s
	case SessionsLoaded:
		if a.Topic != s.TopicType {
			return s
		}
		if a.Archived {
			s.ArchivedSessions = cloneSessions(a.Sessions)
		} else {
			s.Sessions = cloneSessions(a.Sessions)
		}
		return s
	case SessionsLoadFailed:
		if a.Topic != s.TopicType {
			return s
		}
		s.Error = textListFailed
		return s
	case SessionArchived:
		return moveSession(s, a.ID, StatusArchived)
	case SessionUnarchived:
		return moveSession(s, a.ID, StatusActive)
	case SessionMoveReverted:
		s.Sessions = cloneSessions(a.Active)
		s.ArchivedSessions = cloneSessions(a.Archived)
		if id, ok := s.Session.ID(); ok && id == a.ID && a.Viewing != "" {
			s.ViewingStatus = a.Viewing
		}
		return s
	case TopicChanged:
		next := NewState(a.Topic)
		next.Session = NoSession()
		next.Connected = s.Connected
		return next
	case NewChatStarted:
		return startNewChat(s, a)
	case ConnectionChanged:
		s.Connected = a.Connected
		return s
	case ErrorSet:
		s.Error = a.Message
		return s
	case ErrorCleared:
		s.Error = ""
		return s
	default:
		return s
	}
}

func appendTurn(s State, a UserMessageAppended) State {
	sid, _ := s.Session.ID()

	msgs := make([]Message, 0, len(s.Messages)+2)
	for _, m := range s.Messages {
		// a previous turn can only be streaming if its end was lost; settle it
		if m.IsStreaming {
			m.IsStreaming = false
		}
		msgs = append(msgs, m)
	}
	msgs = append(msgs,
		Message{
			ID:        a.UserMessageID,
			SessionID: sid,
			Sender:    SenderUser,
			Content:   a.Content,
			Timestamp: a.At,
			IsLoading: true,
		},
		Message{
			ID:          a.AIMessageID,
			SessionID:   sid,
			Sender:      SenderAI,
			Timestamp:   a.At,
			IsStreaming: true,
		},
	)

	s.Messages = msgs
	s.IsLoading = true
	s.Error = ""
	s.Phase = PhaseAwaitingFirstChunk
	if s.Session.IsUndetermined() {
		s.Session = NoSession()
	}
	return s
}

func applyChunk(s State, a ChunkReceived) State {
	if !s.Phase.InFlight() {
		return s
	}

	idx := streamingIndex(s.Messages)
	if idx < 0 {
		return s
	}

	first := s.Phase == PhaseAwaitingFirstChunk
	adopted := ""
	if _, ok := s.Session.ID(); !ok && a.SessionID != "" {
		s.Session = AssignedSession(a.SessionID)
		s.PendingTitle = ""
		adopted = a.SessionID
	}

	msgs := cloneMessages(s.Messages)
	m := msgs[idx]
	m.Content += a.Content
	if adopted != "" && m.SessionID == "" {
		m.SessionID = adopted
	}
	msgs[idx] = m

	if first {
		settleUserMessage(msgs, idx, false)
	}

	s.Messages = msgs
	s.Phase = PhaseStreaming
	return s
}

func settleTurn(s State, a TurnDone) State {
	if !s.Phase.InFlight() {
		return s
	}
	if _, ok := s.Session.ID(); !ok && a.SessionID != "" {
		s.Session = AssignedSession(a.SessionID)
		s.PendingTitle = ""
	}

	idx := streamingIndex(s.Messages)
	if idx >= 0 && s.Messages[idx].Content == "" {
		return failTurn(s, TurnFailed{Err: ErrEmptyReply})
	}

	msgs := cloneMessages(s.Messages)
	if idx >= 0 {
		m := msgs[idx]
		m.IsStreaming = false
		msgs[idx] = m
		settleUserMessage(msgs, idx, false)
	}

	s.Messages = msgs
	s.IsLoading = false
	s.Phase = PhaseSettled
	return s
}

func failTurn(s State, a TurnFailed) State {
	if !s.Phase.InFlight() {
		return s
	}

	text := FailureText(a.Err)
	if a.SendFailed {
		text = textSendFailed
	}

	msgs := cloneMessages(s.Messages)
	idx := streamingIndex(msgs)
	if idx >= 0 {
		m := msgs[idx]
		m.IsStreaming = false
		m.IsError = true
		if m.Content == "" {
			m.Content = text
		}
		msgs[idx] = m
		settleUserMessage(msgs, idx, a.SendFailed)
	}

	s.Messages = msgs
	s.IsLoading = false
	s.Error = text
	s.Phase = PhaseFailed
	return s
}

// settleUserMessage clears IsLoading on the nearest user message before aiIdx.
func settleUserMessage(msgs []Message, aiIdx int, failed bool) {
	for i := aiIdx - 1; i >= 0; i-- {
		if msgs[i].Sender != SenderUser {
			continue
		}
		if !msgs[i].IsLoading && !failed {
			return
		}
		m := msgs[i]
		m.IsLoading = false
		if failed {
			m.IsError = true
		}
		msgs[i] = m
		return
	}
}

func loadHistory(s State, a HistoryLoaded) State {
	if s.Phase.InFlight() {
		return s
	}

	msgs := make([]Message, 0, len(a.Messages))
	for _, m := range a.Messages {
		m.IsStreaming = false
		m.IsLoading = false
		msgs = append(msgs, m)
	}

	status := a.Status
	if status == "" {
		status = StatusActive
	}

	s.Messages = msgs
	s.Session = AssignedSession(a.SessionID)
	s.ViewingStatus = status
	s.IsLoading = false
	s.Phase = PhaseIdle
	s.Trace = nil
	s.PendingTitle = ""
	return s
}

func startNewChat(s State, a NewChatStarted) State {
	topic := a.Topic
	if !topic.Valid() {
		topic = s.TopicType
	}

	next := NewState(topic)
	next.Session = NoSession()
	next.Connected = s.Connected
	next.PendingTitle = a.Title
	if topic == s.TopicType {
		next.Sessions = s.Sessions
		next.ArchivedSessions = s.ArchivedSessions
	}
	return next
}

func moveSession(s State, id string, to SessionStatus) State {
	from, dst := s.Sessions, s.ArchivedSessions
	if to == StatusActive {
		from, dst = s.ArchivedSessions, s.Sessions
	}

	var (
		moved   Session
		found   bool
		remains = make([]Session, 0, len(from))
	)
	for _, sess := range from {
		if sess.ID == id && !found {
			moved, found = sess, true
			continue
		}
		remains = append(remains, sess)
	}

	if found {
		moved.Status = to
		grown := make([]Session, 0, len(dst)+1)
		grown = append(grown, dst...)
		grown = append(grown, moved)

		if to == StatusArchived {
			s.Sessions, s.ArchivedSessions = remains, grown
		} else {
			s.ArchivedSessions, s.Sessions = remains, grown
		}
	}

	if cur, ok := s.Session.ID(); ok && cur == id {
		s.ViewingStatus = to
	}
	return s
}

func streamingIndex(msgs []Message) int {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].IsStreaming {
			return i
		}
	}
	return -1
}

func cloneMessages(in []Message) []Message {
	if in == nil {
		return nil
	}
	return append(make([]Message, 0, len(in)), in...)
}

func cloneSessions(in []Session) []Session {
	if in == nil {
		return nil
	}
	return append(make([]Session, 0, len(in)), in...)
}

func appendTrace(trace []string, line string) []string {
	start := 0
	if len(trace) >= MaxTrace {
		start = len(trace) - MaxTrace + 1
	}
	out := make([]string, 0, len(trace)-start+1)
	out = append(out, trace[start:]...)
	return append(out, line)
}
