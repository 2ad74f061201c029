package chat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"counsel/cmd/internal/authtoken"
	"counsel/cmd/internal/transport"
	v1 "counsel/shared/contracts/stream/v1"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	o       *Orchestrator
	tokens  *authtoken.Supplier
	dialer  *fakeDialer
	backend *fakeBackend
}

func newHarness(t *testing.T, backend *fakeBackend) *harness {
	t.Helper()
	if backend == nil {
		backend = newFakeBackend()
	}

	tokens := authtoken.NewSupplier()
	dialer := &fakeDialer{}

	var n int
	var mu sync.Mutex
	o, err := NewOrchestrator(Config{
		Tokens:    tokens,
		Dialer:    dialer,
		StreamURL: "ws://backend/ws",
		Backend:   backend,
		NewID: func() string {
			mu.Lock()
			defer mu.Unlock()
			n++
			return fmt.Sprintf("local-%d", n)
		},
		Now: func() time.Time { return t0 },
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = o.Stop() })

	return &harness{o: o, tokens: tokens, dialer: dialer, backend: backend}
}

func (h *harness) connect(t *testing.T) *fakeConn {
	t.Helper()
	h.tokens.Set(authtoken.Session{Status: authtoken.StatusAuthenticated, AccessToken: "tok"})
	require.NoError(t, h.o.ConnectWebSocket(context.Background()))
	require.True(t, h.o.State().Connected)
	return h.dialer.last()
}

func TestOrchestrator_EndToEndTurn(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	conn := h.connect(t)

	var seen []Phase
	h.o.Subscribe(func(s State) { seen = append(seen, s.Phase) })

	require.NoError(t, h.o.SendMessage(context.Background(), "Tell me about yourself"))

	sent := conn.submits()
	require.Len(t, sent, 1)
	assert.Equal(t, "Tell me about yourself", sent[0].Message)
	assert.Equal(t, "GENERAL", sent[0].ChatType)
	assert.Nil(t, sent[0].SessionID)

	conn.emit(
		v1.Chunk{Content: "I am", SessionID: "s1"},
		v1.Chunk{Content: " an AI"},
		v1.Done{},
	)

	st := h.o.State()
	id, ok := st.Session.ID()
	require.True(t, ok)
	assert.Equal(t, "s1", id)
	require.Len(t, st.Messages, 2)
	assert.Equal(t, SenderUser, st.Messages[0].Sender)
	assert.Equal(t, "Tell me about yourself", st.Messages[0].Content)
	assert.Equal(t, SenderAI, st.Messages[1].Sender)
	assert.Equal(t, "I am an AI", st.Messages[1].Content)
	assert.False(t, st.Messages[1].IsStreaming)
	assert.False(t, st.IsLoading)
	assert.Equal(t, []Phase{PhaseAwaitingFirstChunk, PhaseStreaming, PhaseStreaming, PhaseSettled}, seen)

	// the next turn continues the assigned session
	require.NoError(t, h.o.SendMessage(context.Background(), "And then?"))
	sent = conn.submits()
	require.Len(t, sent, 2)
	require.NotNil(t, sent[1].SessionID)
	assert.Equal(t, "s1", *sent[1].SessionID)
}

func TestOrchestrator_BlankMessageGuard(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	conn := h.connect(t)
	before := h.o.State()

	err := h.o.SendMessage(context.Background(), "   ")
	require.ErrorIs(t, err, ErrBlankMessage)
	assert.Equal(t, before, h.o.State())
	assert.Empty(t, conn.submits())
}

func TestOrchestrator_ArchivedSessionBlocksSend(t *testing.T) {
	t.Parallel()

	b := newFakeBackend(Session{ID: "s1", ChatType: TopicGeneral, Status: StatusArchived})
	b.messages["s1"] = []Message{{ID: "m1", SessionID: "s1", Sender: SenderUser, Content: "old"}}
	h := newHarness(t, b)
	conn := h.connect(t)

	require.NoError(t, h.o.FetchMessages(context.Background(), "s1"))
	st := h.o.State()
	require.Equal(t, StatusArchived, st.ViewingStatus)

	err := h.o.SendMessage(context.Background(), "hi")
	require.ErrorIs(t, err, ErrSessionArchived)
	assert.Len(t, h.o.State().Messages, 1)
	assert.Empty(t, conn.submits())
}

func TestOrchestrator_RejectsSendWhileTurnInFlight(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	conn := h.connect(t)

	require.NoError(t, h.o.SendMessage(context.Background(), "one"))
	err := h.o.SendMessage(context.Background(), "two")
	require.ErrorIs(t, err, ErrTurnInFlight)
	assert.Len(t, conn.submits(), 1)
	assert.Len(t, h.o.State().Messages, 2)
}

func TestOrchestrator_SendWithoutConnection(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	err := h.o.SendMessage(context.Background(), "hi")
	require.ErrorIs(t, err, ErrNotConnected)
	assert.Empty(t, h.o.State().Messages)
}

func TestOrchestrator_SendFailureFailsTurn(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	conn := h.connect(t)
	conn.sendErr = errors.New("write: broken pipe")

	err := h.o.SendMessage(context.Background(), "hi")
	require.Error(t, err)

	st := h.o.State()
	require.Len(t, st.Messages, 2)
	assert.True(t, st.Messages[0].IsError)
	assert.True(t, st.Messages[1].IsError)
	assert.Equal(t, PhaseFailed, st.Phase)

	// a failed send does not block the next attempt
	conn.sendErr = nil
	require.NoError(t, h.o.SendMessage(context.Background(), "again"))
}

func TestOrchestrator_ServerErrorKeepsConnection(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	conn := h.connect(t)

	require.NoError(t, h.o.SendMessage(context.Background(), "hi"))
	conn.emit(v1.Error{Detail: "model unavailable"})

	st := h.o.State()
	assert.True(t, st.Connected)
	assert.Equal(t, "model unavailable", st.Error)
	assert.Equal(t, "model unavailable", st.Messages[1].Content)
	assert.True(t, st.Messages[1].IsError)

	require.NoError(t, h.o.SendMessage(context.Background(), "retry"))
	conn.emit(v1.Chunk{Content: "ok", SessionID: "s1"}, v1.Done{Error: true})
	st = h.o.State()
	assert.Equal(t, "ok", st.Messages[3].Content)
	assert.True(t, st.Messages[3].IsError)
}

func TestOrchestrator_DropMidTurnFailsMessage(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	conn := h.connect(t)

	require.NoError(t, h.o.SendMessage(context.Background(), "hi"))
	conn.emit(v1.Chunk{Content: "Hello", SessionID: "s1"})
	conn.dropAbnormally()

	st := h.o.State()
	ai := st.Messages[1]
	assert.Equal(t, "Hello", ai.Content)
	assert.False(t, ai.IsStreaming)
	assert.True(t, ai.IsError)
	assert.False(t, st.Connected)
	assert.NotEmpty(t, st.Error)

	require.ErrorIs(t, h.o.SendMessage(context.Background(), "more"), ErrNotConnected)
}

func TestOrchestrator_MalformedFrames(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	conn := h.connect(t)

	require.NoError(t, h.o.SendMessage(context.Background(), "hi"))
	conn.h.OnError(&v1.ParseError{Err: errors.New("invalid character")})
	assert.Equal(t, PhaseAwaitingFirstChunk, h.o.State().Phase, "advisory parse errors do not abort the turn")

	conn.h.OnError(&v1.ParseError{Type: v1.TypeChunk, Err: errors.New("bad content")})
	st := h.o.State()
	assert.Equal(t, PhaseFailed, st.Phase)
	assert.Equal(t, textMalformed, st.Messages[1].Content)
	assert.True(t, st.Connected)
}

func TestOrchestrator_InfoIsTraceOnly(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	conn := h.connect(t)

	require.NoError(t, h.o.SendMessage(context.Background(), "hi"))
	conn.emit(v1.Info{Message: "searching"}, v1.Chunk{Content: "a"}, v1.Info{Message: "more"}, v1.Chunk{Content: "b"})

	st := h.o.State()
	assert.Equal(t, []string{"searching", "more"}, st.Trace)
	require.Len(t, st.Messages, 2)
	assert.Equal(t, "ab", st.Messages[1].Content)
}

func TestOrchestrator_ChangeChatTypeClearsAndFetches(t *testing.T) {
	t.Parallel()

	b := newFakeBackend(
		Session{ID: "g1", ChatType: TopicGeneral, Status: StatusActive},
		Session{ID: "e1", ChatType: TopicEssayReview, Status: StatusActive},
	)
	h := newHarness(t, b)
	conn := h.connect(t)

	require.NoError(t, h.o.SendMessage(context.Background(), "hi"))
	conn.emit(v1.Chunk{Content: "x", SessionID: "g1"}, v1.Done{})
	require.NoError(t, h.o.SendMessage(context.Background(), "again"))
	conn.emit(v1.Chunk{Content: "y"})
	require.Len(t, h.o.State().Messages, 4)

	require.NoError(t, h.o.ChangeChatType(context.Background(), TopicEssayReview))

	st := h.o.State()
	assert.Empty(t, st.Messages)
	assert.Equal(t, TopicEssayReview, st.TopicType)
	assert.Equal(t, []string{"e1"}, ids(st.Sessions))

	// the abandoned turn's remaining frames do not leak into the new topic
	conn.emit(v1.Chunk{Content: "late"}, v1.Done{})
	assert.Empty(t, h.o.State().Messages)

	require.ErrorIs(t, h.o.ChangeChatType(context.Background(), TopicType("ASTROLOGY")), ErrUnknownTopic)
}

func TestOrchestrator_StartNewChat(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	conn := h.connect(t)

	require.NoError(t, h.o.SendMessage(context.Background(), "hi"))
	conn.emit(v1.Chunk{Content: "x", SessionID: "s1"}, v1.Done{})

	id, ok, err := h.o.StartNewChat(TopicInterviewPrep, " Mock interview ")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, id)

	st := h.o.State()
	assert.Empty(t, st.Messages)
	assert.True(t, st.Session.IsNone())
	assert.Equal(t, TopicInterviewPrep, st.TopicType)
	assert.Equal(t, "Mock interview", st.PendingTitle)

	require.NoError(t, h.o.SendMessage(context.Background(), "start"))
	sent := conn.submits()
	assert.Nil(t, sent[len(sent)-1].SessionID)
	assert.Equal(t, "INTERVIEW_PREP", sent[len(sent)-1].ChatType)
}

func TestOrchestrator_ArchiveViewedSession(t *testing.T) {
	t.Parallel()

	b := newFakeBackend(
		Session{ID: "s1", ChatType: TopicGeneral, Status: StatusActive},
		Session{ID: "s2", ChatType: TopicGeneral, Status: StatusActive},
	)
	h := newHarness(t, b)
	h.connect(t)
	ctx := context.Background()

	_, err := h.o.FetchSessions(ctx)
	require.NoError(t, err)
	require.NoError(t, h.o.FetchMessages(ctx, "s1"))
	require.Equal(t, StatusActive, h.o.State().ViewingStatus)

	var viewing []SessionStatus
	h.o.Subscribe(func(s State) { viewing = append(viewing, s.ViewingStatus) })

	require.NoError(t, h.o.ArchiveSession(ctx, "s1"))
	st := h.o.State()
	assert.Equal(t, StatusArchived, st.ViewingStatus)
	assert.Equal(t, StatusArchived, viewing[0], "viewed session is marked before the server answers")
	assert.Equal(t, []string{"s2"}, ids(st.Sessions))
	assert.Equal(t, []string{"s1"}, ids(st.ArchivedSessions))
	require.ErrorIs(t, h.o.SendMessage(ctx, "hi"), ErrSessionArchived)

	require.NoError(t, h.o.UnarchiveSession(ctx, "s1"))
	st = h.o.State()
	assert.Equal(t, StatusActive, st.ViewingStatus)
	assert.Equal(t, []string{"s2", "s1"}, ids(st.Sessions))
}

func TestOrchestrator_ArchiveFailureRollsBack(t *testing.T) {
	t.Parallel()

	b := newFakeBackend(
		Session{ID: "s1", ChatType: TopicGeneral, Status: StatusActive},
		Session{ID: "s2", ChatType: TopicGeneral, Status: StatusActive},
	)
	h := newHarness(t, b)
	h.connect(t)
	ctx := context.Background()

	_, err := h.o.FetchSessions(ctx)
	require.NoError(t, err)
	require.NoError(t, h.o.FetchMessages(ctx, "s1"))

	b.moveErr = errBackendDown
	err = h.o.ArchiveSession(ctx, "s1")
	require.ErrorIs(t, err, errBackendDown)

	st := h.o.State()
	assert.Equal(t, []string{"s1", "s2"}, ids(st.Sessions))
	assert.Empty(t, st.ArchivedSessions)
	assert.Equal(t, StatusActive, st.ViewingStatus)
	assert.NotEmpty(t, st.Error)
}

func TestOrchestrator_FetchMessagesResolvesStatusFromServer(t *testing.T) {
	t.Parallel()

	b := newFakeBackend(Session{ID: "s9", ChatType: TopicGeneral, Status: StatusArchived})
	h := newHarness(t, b)

	require.NoError(t, h.o.FetchMessages(context.Background(), "s9"))
	assert.Equal(t, StatusArchived, h.o.State().ViewingStatus)
	assert.Contains(t, b.calls, "get:s9")
}

func TestOrchestrator_FetchFailuresKeepState(t *testing.T) {
	t.Parallel()

	b := newFakeBackend(Session{ID: "s1", ChatType: TopicGeneral, Status: StatusActive})
	h := newHarness(t, b)
	ctx := context.Background()

	_, err := h.o.FetchSessions(ctx)
	require.NoError(t, err)

	b.listErr = errBackendDown
	_, err = h.o.FetchSessions(ctx)
	require.ErrorIs(t, err, errBackendDown)
	st := h.o.State()
	assert.Equal(t, []string{"s1"}, ids(st.Sessions))
	assert.Equal(t, textListFailed, st.Error)

	b.historyErr = errBackendDown
	require.Error(t, h.o.FetchMessages(ctx, "s1"))
	st = h.o.State()
	assert.False(t, st.IsLoading)
	assert.Equal(t, textHistoryFailed, st.Error)
}

func TestOrchestrator_ConnectRequiresToken(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)

	err := h.o.ConnectWebSocket(context.Background())
	require.ErrorIs(t, err, authtoken.ErrSessionLoading)
	assert.Equal(t, 0, h.dialer.dials())
	assert.Empty(t, h.o.State().Error, "a missing token is not a user-facing error")

	h.tokens.Set(authtoken.Session{Status: authtoken.StatusUnauthenticated})
	err = h.o.ConnectWebSocket(context.Background())
	require.ErrorIs(t, err, authtoken.ErrNoSession)
	assert.Equal(t, 0, h.dialer.dials())
}

func TestOrchestrator_ConnectFailureSetsError(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.dialer.err = errors.New("connection refused")
	h.tokens.Set(authtoken.Session{Status: authtoken.StatusAuthenticated, AccessToken: "tok"})

	require.Error(t, h.o.ConnectWebSocket(context.Background()))
	st := h.o.State()
	assert.False(t, st.Connected)
	assert.NotEmpty(t, st.Error)
}

func TestOrchestrator_FollowsTokenChanges(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.o.Start(context.Background())
	assert.Equal(t, 0, h.dialer.dials())

	h.tokens.Set(authtoken.Session{Status: authtoken.StatusAuthenticated, AccessToken: "a"})
	require.Eventually(t, func() bool { return h.o.State().Connected }, 2*time.Second, 5*time.Millisecond)
	first := h.dialer.last()

	// rotation while idle reconnects with the new token
	h.tokens.Set(authtoken.Session{Status: authtoken.StatusAuthenticated, AccessToken: "b"})
	require.Eventually(t, func() bool {
		return h.dialer.dials() == 2 && h.o.State().Connected
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, first.isClosed())
	assert.Equal(t, []string{"a", "b"}, h.dialer.usedTokens())

	// logout disconnects
	h.tokens.Set(authtoken.Session{Status: authtoken.StatusUnauthenticated})
	require.Eventually(t, func() bool { return !h.o.State().Connected }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, h.dialer.last().isClosed())
}

func TestOrchestrator_StopAbandonsTurn(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	conn := h.connect(t)

	require.NoError(t, h.o.SendMessage(context.Background(), "hi"))
	conn.emit(v1.Chunk{Content: "par"})

	require.NoError(t, h.o.Stop())
	st := h.o.State()
	assert.False(t, st.Connected)
	assert.True(t, conn.isClosed())
	assert.Equal(t, 0, streamingCount(st))
	assert.Equal(t, "par", st.Messages[1].Content)

	// frames racing the close are dropped
	conn.emit(v1.Chunk{Content: "tial"})
	assert.Equal(t, "par", h.o.State().Messages[1].Content)
	assert.Len(t, conn.submits(), 1)
}

func TestOrchestrator_StopWhileTokensChurn(t *testing.T) {
	t.Parallel()

	for i := 0; i < 20; i++ {
		h := newHarness(t, nil)
		h.o.Start(context.Background())

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				h.tokens.Set(authtoken.Session{Status: authtoken.StatusAuthenticated, AccessToken: fmt.Sprintf("t%d", j)})
			}
		}()

		require.NoError(t, h.o.Stop())
		wg.Wait()

		// nothing reconnects after Stop returned
		dials := h.dialer.dials()
		h.tokens.Set(authtoken.Session{Status: authtoken.StatusAuthenticated, AccessToken: "after"})
		assert.Equal(t, dials, h.dialer.dials())
		assert.False(t, h.o.State().Connected)
	}
}

// sseStream serves the event-stream endpoint. Requests must carry "Bearer <accept>". Each reply
// streams one chunk and done, then holds the body open until the client goes away.
type sseStream struct {
	accept string
	calls  atomic.Int32
}

func (s *sseStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+s.accept {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	n := s.calls.Add(1)

	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	for _, f := range []v1.ServerFrame{v1.Chunk{Content: fmt.Sprintf("reply %d", n), SessionID: "s1"}, v1.Done{SessionID: "s1"}} {
		b, _ := v1.EncodeServerFrame(f)
		_, _ = fmt.Fprintf(w, "data: %s\n\n", b)
	}
	w.(http.Flusher).Flush()

	select {
	case <-time.After(2 * time.Second):
	case <-r.Context().Done():
	}
}

func newSSEOrchestrator(t *testing.T, tokens *authtoken.Supplier, srv *sseStream) *Orchestrator {
	t.Helper()

	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	o, err := NewOrchestrator(Config{
		Tokens:    tokens,
		Dialer:    transport.SSEDialer{Client: ts.Client(), Tokens: tokens},
		StreamURL: ts.URL + "/chat/stream",
		Backend:   newFakeBackend(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = o.Stop() })
	require.NoError(t, o.ConnectWebSocket(context.Background()))
	return o
}

func waitSettled(t *testing.T, o *Orchestrator, messages int) State {
	t.Helper()
	require.Eventually(t, func() bool {
		st := o.State()
		return st.Phase == PhaseSettled && len(st.Messages) == messages
	}, 3*time.Second, 5*time.Millisecond)
	return o.State()
}

func TestOrchestrator_SSESendsAgainRightAfterDone(t *testing.T) {
	t.Parallel()

	tokens := authtoken.NewSupplier()
	tokens.Set(authtoken.Session{Status: authtoken.StatusAuthenticated, AccessToken: "tok"})
	srv := &sseStream{accept: "tok"}
	o := newSSEOrchestrator(t, tokens, srv)

	require.NoError(t, o.SendMessage(context.Background(), "first"))
	st := waitSettled(t, o, 2)
	assert.Equal(t, "reply 1", st.Messages[1].Content)

	// the first reply body is still open on the server side
	require.NoError(t, o.SendMessage(context.Background(), "second"))
	st = waitSettled(t, o, 4)
	assert.Equal(t, "reply 2", st.Messages[3].Content)
	assert.False(t, st.Messages[3].IsError)
	assert.Equal(t, int32(2), srv.calls.Load())
}

func TestOrchestrator_SSERefreshesRefusedToken(t *testing.T) {
	t.Parallel()

	var refreshes atomic.Int32
	tokens := authtoken.NewSupplier(authtoken.WithRefresher(authtoken.RefresherFunc(
		func(_ context.Context, cur authtoken.Session) (authtoken.Session, error) {
			refreshes.Add(1)
			cur.AccessToken = "fresh"
			return cur, nil
		})))
	tokens.Set(authtoken.Session{Status: authtoken.StatusAuthenticated, AccessToken: "stale"})
	srv := &sseStream{accept: "fresh"}
	o := newSSEOrchestrator(t, tokens, srv)

	require.NoError(t, o.SendMessage(context.Background(), "hi"))
	st := waitSettled(t, o, 2)
	assert.Equal(t, "reply 1", st.Messages[1].Content)
	assert.Empty(t, st.Error)
	assert.Equal(t, int32(1), refreshes.Load())
	assert.Equal(t, int32(1), srv.calls.Load())
}
