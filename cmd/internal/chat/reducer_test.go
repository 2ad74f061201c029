package chat

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"counsel/cmd/internal/transport"
	v1 "counsel/shared/contracts/stream/v1"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func submitted(s State, text string) State {
	n := len(s.Messages)
	return Reduce(s, UserMessageAppended{
		UserMessageID: fmt.Sprintf("u%d", n),
		AIMessageID:   fmt.Sprintf("a%d", n+1),
		Content:       text,
		At:            t0,
	})
}

func streamingCount(s State) int {
	n := 0
	for _, m := range s.Messages {
		if m.IsStreaming {
			n++
		}
	}
	return n
}

func TestReduce_UserMessageAppended(t *testing.T) {
	t.Parallel()

	s := submitted(NewState(TopicGeneral), "hello")

	require.Len(t, s.Messages, 2)
	assert.Equal(t, Message{ID: "u0", Sender: SenderUser, Content: "hello", Timestamp: t0, IsLoading: true}, s.Messages[0])
	assert.Equal(t, Message{ID: "a1", Sender: SenderAI, Timestamp: t0, IsStreaming: true}, s.Messages[1])
	assert.True(t, s.IsLoading)
	assert.Equal(t, PhaseAwaitingFirstChunk, s.Phase)
	assert.True(t, s.Session.IsNone())
}

func TestReduce_AtMostOneStreamingMessage(t *testing.T) {
	t.Parallel()

	actions := []func(State) State{
		func(s State) State { return submitted(s, "q") },
		func(s State) State { return Reduce(s, ChunkReceived{Content: "x", SessionID: "s1"}) },
		func(s State) State { return Reduce(s, ChunkReceived{Content: "y"}) },
		func(s State) State { return Reduce(s, TurnDone{}) },
		func(s State) State { return Reduce(s, TurnFailed{Err: &ServerTurnError{Detail: "boom"}}) },
		func(s State) State { return Reduce(s, InfoReceived{Message: "trace"}) },
		func(s State) State { return Reduce(s, HistoryLoaded{SessionID: "s2", Messages: []Message{{ID: "m", IsStreaming: true}}}) },
		func(s State) State { return Reduce(s, TopicChanged{Topic: TopicTestPrep}) },
		func(s State) State { return Reduce(s, NewChatStarted{Topic: TopicGeneral}) },
		func(s State) State { return Reduce(s, ConnectionChanged{Connected: true}) },
	}

	rng := rand.New(rand.NewSource(7))
	for run := 0; run < 200; run++ {
		s := NewState(TopicGeneral)
		for step := 0; step < 40; step++ {
			s = actions[rng.Intn(len(actions))](s)
			require.LessOrEqual(t, streamingCount(s), 1, "run=%d step=%d", run, step)
		}
	}
}

func TestReduce_ChunksAppendInArrivalOrder(t *testing.T) {
	t.Parallel()

	base := submitted(NewState(TopicGeneral), "q")

	ab := Reduce(Reduce(base, ChunkReceived{Content: "a"}), ChunkReceived{Content: "b"})
	ba := Reduce(Reduce(base, ChunkReceived{Content: "b"}), ChunkReceived{Content: "a"})

	m, ok := ab.StreamingMessage()
	require.True(t, ok)
	assert.Equal(t, "ab", m.Content)

	m, ok = ba.StreamingMessage()
	require.True(t, ok)
	assert.Equal(t, "ba", m.Content)
}

func TestReduce_ChunkFindsStreamingMessageByFlag(t *testing.T) {
	t.Parallel()

	s := submitted(NewState(TopicGeneral), "q")
	// a settled message after the placeholder must not receive content
	s.Messages = append(cloneMessages(s.Messages), Message{ID: "late", Sender: SenderAI, Content: "note"})

	s = Reduce(s, ChunkReceived{Content: "hi"})
	assert.Equal(t, "hi", s.Messages[1].Content)
	assert.Equal(t, "note", s.Messages[2].Content)
}

func TestReduce_SettleClearsLoading(t *testing.T) {
	t.Parallel()

	s := submitted(NewState(TopicGeneral), "q")
	s = Reduce(s, ChunkReceived{Content: "answer"})
	s = Reduce(s, TurnDone{})

	assert.False(t, s.IsLoading)
	assert.Equal(t, PhaseSettled, s.Phase)
	ai := s.Messages[1]
	assert.False(t, ai.IsStreaming)
	assert.False(t, ai.IsError)
	assert.Equal(t, "answer", ai.Content)
	assert.False(t, s.Messages[0].IsLoading)
}

func TestReduce_DoneWithoutChunksFailsTurn(t *testing.T) {
	t.Parallel()

	s := submitted(NewState(TopicGeneral), "q")
	s = Reduce(s, TurnDone{SessionID: "s1"})

	assert.Equal(t, PhaseFailed, s.Phase)
	assert.False(t, s.IsLoading)
	assert.Equal(t, textEmptyReply, s.Error)
	ai := s.Messages[1]
	assert.False(t, ai.IsStreaming)
	assert.True(t, ai.IsError)
	assert.Equal(t, textEmptyReply, ai.Content)
	assert.False(t, s.Messages[0].IsLoading)
	assert.False(t, s.Messages[0].IsError, "the message itself was delivered")

	id, ok := s.Session.ID()
	require.True(t, ok)
	assert.Equal(t, "s1", id)
}

func TestReduce_FirstChunkSettlesUserMessageAndAdoptsSession(t *testing.T) {
	t.Parallel()

	s := NewState(TopicGeneral)
	s = Reduce(s, NewChatStarted{Topic: TopicGeneral, Title: "Essay help"})
	s = submitted(s, "q")
	assert.True(t, s.Messages[0].IsLoading)

	s = Reduce(s, ChunkReceived{Content: "I", SessionID: "s1"})
	id, ok := s.Session.ID()
	require.True(t, ok)
	assert.Equal(t, "s1", id)
	assert.False(t, s.Messages[0].IsLoading)
	assert.Equal(t, PhaseStreaming, s.Phase)
	assert.True(t, s.IsLoading)
	assert.Empty(t, s.PendingTitle)

	// later chunks never replace an assigned session
	s = Reduce(s, ChunkReceived{Content: "!", SessionID: "other"})
	id, _ = s.Session.ID()
	assert.Equal(t, "s1", id)
}

func TestReduce_FailureWithoutContentReplacesPlaceholder(t *testing.T) {
	t.Parallel()

	s := submitted(NewState(TopicGeneral), "q")
	s = Reduce(s, TurnFailed{Err: &ServerTurnError{Detail: "model unavailable"}})

	require.Len(t, s.Messages, 2)
	ai := s.Messages[1]
	assert.Equal(t, SenderAI, ai.Sender)
	assert.True(t, ai.IsError)
	assert.False(t, ai.IsStreaming)
	assert.Equal(t, "model unavailable", ai.Content)
	assert.Equal(t, 0, streamingCount(s))
	assert.False(t, s.IsLoading)
	assert.Equal(t, PhaseFailed, s.Phase)
	assert.Equal(t, "model unavailable", s.Error)
}

func TestReduce_FailureWithPartialContentKeepsIt(t *testing.T) {
	t.Parallel()

	s := submitted(NewState(TopicGeneral), "q")
	s = Reduce(s, ChunkReceived{Content: "Hello"})
	s = Reduce(s, TurnFailed{Err: &transport.CloseError{Code: transport.CloseAbnormal}})

	ai := s.Messages[1]
	assert.Equal(t, "Hello", ai.Content)
	assert.False(t, ai.IsStreaming)
	assert.True(t, ai.IsError)
	assert.Equal(t, textConnLost, s.Error)
}

func TestReduce_SendFailureFlagsUserMessage(t *testing.T) {
	t.Parallel()

	s := submitted(NewState(TopicGeneral), "q")
	s = Reduce(s, TurnFailed{Err: errors.New("write: broken pipe"), SendFailed: true})

	assert.True(t, s.Messages[0].IsError)
	assert.False(t, s.Messages[0].IsLoading)
	assert.Equal(t, textSendFailed, s.Messages[1].Content)
}

func TestReduce_FramesWithoutTurnAreIgnored(t *testing.T) {
	t.Parallel()

	s := NewState(TopicGeneral)
	s = Reduce(s, TopicChanged{Topic: TopicEssayReview})

	for _, a := range []Action{
		ChunkReceived{Content: "stray", SessionID: "s9"},
		TurnDone{SessionID: "s9"},
		TurnFailed{Err: errors.New("late")},
	} {
		next := Reduce(s, a)
		assert.Equal(t, s, next, "%T", a)
	}
}

func TestReduce_HistoryLoadedIgnoredMidTurn(t *testing.T) {
	t.Parallel()

	s := submitted(NewState(TopicGeneral), "q")
	s = Reduce(s, ChunkReceived{Content: "partial", SessionID: "s1"})

	next := Reduce(s, HistoryLoaded{SessionID: "s2", Messages: []Message{{ID: "old"}}})
	assert.Equal(t, s, next)
}

func TestReduce_HistoryLoadedReplacesMessages(t *testing.T) {
	t.Parallel()

	s := submitted(NewState(TopicGeneral), "q")
	s = Reduce(s, ChunkReceived{Content: "a"})
	s = Reduce(s, TurnDone{})
	s = Reduce(s, HistoryLoadStarted{SessionID: "s2"})
	assert.True(t, s.IsLoading)

	hist := []Message{
		{ID: "m1", SessionID: "s2", Sender: SenderUser, Content: "hi"},
		{ID: "m2", SessionID: "s2", Sender: SenderAI, Content: "hello"},
	}
	s = Reduce(s, HistoryLoaded{SessionID: "s2", Status: StatusArchived, Messages: hist})

	assert.Equal(t, hist, s.Messages)
	assert.Equal(t, StatusArchived, s.ViewingStatus)
	assert.False(t, s.IsLoading)
	assert.False(t, s.CanSend())
	id, _ := s.Session.ID()
	assert.Equal(t, "s2", id)
}

func TestReduce_TopicChangeClearsView(t *testing.T) {
	t.Parallel()

	s := NewState(TopicGeneral)
	s = Reduce(s, ConnectionChanged{Connected: true})
	s = Reduce(s, HistoryLoaded{SessionID: "s1", Status: StatusArchived, Messages: []Message{{ID: "1"}, {ID: "2"}, {ID: "3"}}})
	s = Reduce(s, SessionsLoaded{Topic: TopicGeneral, Sessions: []Session{{ID: "s1"}}})

	s = Reduce(s, TopicChanged{Topic: TopicFinancialAid})

	assert.Empty(t, s.Messages)
	assert.Empty(t, s.Sessions)
	assert.Equal(t, TopicFinancialAid, s.TopicType)
	assert.Equal(t, StatusActive, s.ViewingStatus)
	assert.True(t, s.Session.IsNone())
	assert.True(t, s.Connected)
}

func TestReduce_SessionsLoadedForOtherTopicIsStale(t *testing.T) {
	t.Parallel()

	s := NewState(TopicGeneral)
	s = Reduce(s, SessionsLoaded{Topic: TopicTestPrep, Sessions: []Session{{ID: "x"}}})
	assert.Empty(t, s.Sessions)
}

func TestReduce_ArchiveMovesAndMarksViewed(t *testing.T) {
	t.Parallel()

	s := NewState(TopicGeneral)
	s = Reduce(s, SessionsLoaded{Topic: TopicGeneral, Sessions: []Session{
		{ID: "s1", Status: StatusActive},
		{ID: "s2", Status: StatusActive},
	}})
	s = Reduce(s, HistoryLoaded{SessionID: "s1", Status: StatusActive})

	before := s
	s = Reduce(s, SessionArchived{ID: "s1"})

	assert.Equal(t, []Session{{ID: "s2", Status: StatusActive}}, s.Sessions)
	assert.Equal(t, []Session{{ID: "s1", Status: StatusArchived}}, s.ArchivedSessions)
	assert.Equal(t, StatusArchived, s.ViewingStatus)
	assert.Len(t, before.Sessions, 2, "input state must not change")

	s = Reduce(s, SessionUnarchived{ID: "s1"})
	assert.Empty(t, s.ArchivedSessions)
	assert.Equal(t, StatusActive, s.ViewingStatus)
	require.Len(t, s.Sessions, 2)
	assert.Equal(t, "s1", s.Sessions[1].ID)
}

func TestReduce_DoesNotMutateInput(t *testing.T) {
	t.Parallel()

	s := submitted(NewState(TopicGeneral), "q")
	snapshot := cloneMessages(s.Messages)

	_ = Reduce(s, ChunkReceived{Content: "abc"})
	_ = Reduce(s, TurnFailed{Err: errors.New("x")})
	_ = Reduce(s, TurnDone{})

	assert.Equal(t, snapshot, s.Messages)
}

func TestReduce_TraceIsBounded(t *testing.T) {
	t.Parallel()

	s := NewState(TopicGeneral)
	for i := 0; i < MaxTrace+10; i++ {
		s = Reduce(s, InfoReceived{Message: fmt.Sprintf("line %d", i)})
	}
	require.Len(t, s.Trace, MaxTrace)
	assert.Equal(t, "line 10", s.Trace[0])
	assert.Equal(t, fmt.Sprintf("line %d", MaxTrace+9), s.Trace[MaxTrace-1])
	assert.Empty(t, s.Messages)
}

func TestFailureText(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want string
	}{
		{name: "nil", err: nil, want: textTurnFailed},
		{name: "server detail", err: &ServerTurnError{Detail: "quota"}, want: "quota"},
		{name: "server no detail", err: &ServerTurnError{}, want: textTurnFailed},
		{name: "parse", err: &v1.ParseError{Type: v1.TypeChunk, Err: errors.New("bad")}, want: textMalformed},
		{name: "close", err: fmt.Errorf("read: %w", &transport.CloseError{Code: 1011}), want: textConnLost},
		{name: "closed", err: transport.ErrClosed, want: textDisconnected},
		{name: "empty reply", err: fmt.Errorf("turn: %w", ErrEmptyReply), want: textEmptyReply},
		{name: "other", err: errors.New("weird"), want: "weird"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, FailureText(tc.err), tc.name)
	}
}
