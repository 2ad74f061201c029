package realtime

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"counsel/cmd/internal/llm"
	"counsel/cmd/internal/metrics"
	v1 "counsel/shared/contracts/stream/v1"
)

type frameRecorder struct {
	mu     sync.Mutex
	frames []v1.ServerFrame
	failAt int // emit fails on this call (1-based) when > 0
}

func (r *frameRecorder) emit(_ context.Context, f v1.ServerFrame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAt > 0 && len(r.frames)+1 >= r.failAt {
		return errors.New("peer closed")
	}
	r.frames = append(r.frames, f)
	return nil
}

func (r *frameRecorder) snapshot() []v1.ServerFrame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]v1.ServerFrame(nil), r.frames...)
}

func newTestRunner(t *testing.T, model llm.Service) (*TurnRunner, *InMemoryStore, *Hub, *metrics.Recorder) {
	t.Helper()
	st := NewInMemoryStore()
	hub := NewHub(nil)
	rec := metrics.New()
	return NewTurnRunner(nil, st, model, hub, rec), st, hub, rec
}

func submit(msg, chatType string, sessionID *string) v1.Submit {
	return v1.Submit{Message: msg, ChatType: chatType, SessionID: sessionID}
}

func TestTurnRunner_NewSession_StreamsAndPersists(t *testing.T) {
	t.Parallel()

	runner, st, hub, _ := newTestRunner(t, &llm.Echo{})
	rec := &frameRecorder{}

	err := runner.Run(context.Background(), Turn{UserID: "u1", ConnID: "c1", Transport: "ws", Submit: submit("When is the SAT?", "test_prep", nil)}, rec.emit)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	frames := rec.snapshot()
	if len(frames) < 3 {
		t.Fatalf("expected info, chunks and done; got %#v", frames)
	}
	if info, ok := frames[0].(v1.Info); !ok || info.Message != infoSessionNew {
		t.Fatalf("first frame=%#v, want info", frames[0])
	}
	first, ok := frames[1].(v1.Chunk)
	if !ok || first.SessionID == "" {
		t.Fatalf("first chunk must carry session_id: %#v", frames[1])
	}

	var text strings.Builder
	for _, f := range frames[1 : len(frames)-1] {
		c, ok := f.(v1.Chunk)
		if !ok {
			t.Fatalf("unexpected mid-turn frame %#v", f)
		}
		if c != first && c.SessionID != "" {
			t.Fatalf("only the first chunk carries session_id: %#v", c)
		}
		text.WriteString(c.Content)
	}
	if text.String() != "You asked: When is the SAT?" {
		t.Fatalf("reply=%q", text.String())
	}
	done, ok := frames[len(frames)-1].(v1.Done)
	if !ok || done.Error || done.SessionID != first.SessionID {
		t.Fatalf("last frame=%#v", frames[len(frames)-1])
	}

	sess, err := st.GetSession(context.Background(), "u1", first.SessionID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.ChatType != "TEST_PREP" || sess.Title == nil || *sess.Title != "When is the SAT?" {
		t.Fatalf("session=%+v", sess)
	}

	hist, _ := st.FetchHistory(context.Background(), FetchHistoryInput{SessionID: sess.ID})
	if len(hist.Messages) != 2 || hist.Messages[0].Sender != v1.SenderUser || hist.Messages[1].Sender != v1.SenderAI {
		t.Fatalf("history=%+v", hist.Messages)
	}
	if hub.InFlight() != 0 {
		t.Fatalf("hub claim leaked")
	}
}

type recordingModel struct {
	llm.Echo
	mu   sync.Mutex
	seen []llm.Message
}

func (m *recordingModel) ChatStream(ctx context.Context, msgs []llm.Message) (<-chan string, <-chan error) {
	m.mu.Lock()
	m.seen = append([]llm.Message(nil), msgs...)
	m.mu.Unlock()
	return m.Echo.ChatStream(ctx, msgs)
}

func TestTurnRunner_ExistingSession_SendsHistory(t *testing.T) {
	t.Parallel()

	model := &recordingModel{}
	runner, st, _, _ := newTestRunner(t, model)
	ctx := context.Background()

	sess, _ := st.CreateSession(ctx, CreateSessionInput{OwnerID: "u1", ChatType: "ESSAY_REVIEW"})
	_, _ = st.AppendMessage(ctx, AppendMessageInput{SessionID: sess.ID, Sender: v1.SenderUser, Content: "hello"})
	_, _ = st.AppendMessage(ctx, AppendMessageInput{SessionID: sess.ID, Sender: v1.SenderAI, Content: "hi there"})

	rec := &frameRecorder{}
	id := sess.ID
	if err := runner.Run(ctx, Turn{UserID: "u1", ConnID: "c1", Submit: submit("review my intro", "ESSAY_REVIEW", &id)}, rec.emit); err != nil {
		t.Fatalf("run: %v", err)
	}

	frames := rec.snapshot()
	if _, ok := frames[0].(v1.Chunk); !ok {
		t.Fatalf("existing session must not get an info frame: %#v", frames[0])
	}

	model.mu.Lock()
	seen := model.seen
	model.mu.Unlock()
	if len(seen) != 4 {
		t.Fatalf("model messages=%+v", seen)
	}
	if seen[0].Role != llm.RoleSystem || seen[1].Content != "hello" || seen[2].Role != llm.RoleAssistant || seen[3].Content != "review my intro" {
		t.Fatalf("model messages=%+v", seen)
	}
}

func TestTurnRunner_Rejections(t *testing.T) {
	t.Parallel()

	runner, st, hub, rec := newTestRunner(t, &llm.Echo{})
	ctx := context.Background()

	archived, _ := st.CreateSession(ctx, CreateSessionInput{OwnerID: "u1", ChatType: "GENERAL"})
	_, _ = st.SetStatus(ctx, SetStatusInput{OwnerID: "u1", SessionID: archived.ID, Status: v1.StatusArchived})
	busy, _ := st.CreateSession(ctx, CreateSessionInput{OwnerID: "u1", ChatType: "GENERAL"})
	hub.TryBegin(busy.ID, "other-conn")
	other, _ := st.CreateSession(ctx, CreateSessionInput{OwnerID: "u2", ChatType: "GENERAL"})
	missing := "01J00000000000000000000000"

	cases := []struct {
		name   string
		sub    v1.Submit
		detail string
	}{
		{"unknown chat type", submit("hi", "ASTROLOGY", nil), "unknown chat_type: ASTROLOGY"},
		{"empty message", submit("   ", "GENERAL", nil), "missing field: message"},
		{"archived", submit("hi", "GENERAL", &archived.ID), "session is archived"},
		{"busy", submit("hi", "GENERAL", &busy.ID), "a response is already in progress for this session"},
		{"foreign", submit("hi", "GENERAL", &other.ID), "session not found"},
		{"missing", submit("hi", "GENERAL", &missing), "session not found"},
		{"topic mismatch", submit("hi", "FINANCIAL_AID", &busy.ID), "chat_type does not match session"},
	}
	for _, tc := range cases {
		fr := &frameRecorder{}
		if err := runner.Run(ctx, Turn{UserID: "u1", ConnID: "c1", Transport: "ws", Submit: tc.sub}, fr.emit); err != nil {
			t.Fatalf("%s: run: %v", tc.name, err)
		}
		frames := fr.snapshot()
		if len(frames) != 1 {
			t.Fatalf("%s: frames=%#v", tc.name, frames)
		}
		if e, ok := frames[0].(v1.Error); !ok || e.Detail != tc.detail {
			t.Fatalf("%s: frame=%#v want detail %q", tc.name, frames[0], tc.detail)
		}
	}

	if got := testutilTurns(rec, metrics.ResultRejected); got != float64(len(cases)) {
		t.Fatalf("rejected turns=%v want=%d", got, len(cases))
	}
	hist, _ := st.FetchHistory(ctx, FetchHistoryInput{SessionID: busy.ID})
	if len(hist.Messages) != 0 {
		t.Fatalf("rejected turn must not persist: %+v", hist.Messages)
	}
}

func TestTurnRunner_ModelFailureAfterPartial(t *testing.T) {
	t.Parallel()

	runner, st, hub, _ := newTestRunner(t, &llm.Echo{FailAfter: 2})
	rec := &frameRecorder{}

	if err := runner.Run(context.Background(), Turn{UserID: "u1", ConnID: "c1", Submit: submit("When is the SAT?", "GENERAL", nil)}, rec.emit); err != nil {
		t.Fatalf("run: %v", err)
	}

	frames := rec.snapshot()
	// info, 2 chunks, error
	if len(frames) != 4 {
		t.Fatalf("frames=%#v", frames)
	}
	if e, ok := frames[3].(v1.Error); !ok || e.Detail != detailUnavailable {
		t.Fatalf("last frame=%#v", frames[3])
	}
	sid := frames[1].(v1.Chunk).SessionID

	hist, _ := st.FetchHistory(context.Background(), FetchHistoryInput{SessionID: sid})
	if len(hist.Messages) != 2 || hist.Messages[1].Content != "You asked: " {
		t.Fatalf("partial reply not persisted: %+v", hist.Messages)
	}
	if hub.InFlight() != 0 {
		t.Fatalf("hub claim leaked")
	}
}

func TestTurnRunner_ModelFailsBeforeOutput(t *testing.T) {
	t.Parallel()

	runner, _, _, _ := newTestRunner(t, &llm.Echo{FailOpen: true})
	rec := &frameRecorder{}

	if err := runner.Run(context.Background(), Turn{UserID: "u1", ConnID: "c1", Submit: submit("hi", "GENERAL", nil)}, rec.emit); err != nil {
		t.Fatalf("run: %v", err)
	}
	frames := rec.snapshot()
	if len(frames) != 2 {
		t.Fatalf("frames=%#v", frames)
	}
	if _, ok := frames[1].(v1.Error); !ok {
		t.Fatalf("expected error frame, got %#v", frames[1])
	}
}

func TestTurnRunner_PeerGonePersistsPartial(t *testing.T) {
	t.Parallel()

	runner, st, hub, _ := newTestRunner(t, &llm.Echo{})
	// info, chunk, chunk succeed; the third chunk fails.
	rec := &frameRecorder{failAt: 4}

	err := runner.Run(context.Background(), Turn{UserID: "u1", ConnID: "c1", Submit: submit("When is the SAT?", "GENERAL", nil)}, rec.emit)
	if err == nil {
		t.Fatalf("expected emit error")
	}
	frames := rec.snapshot()
	sid := frames[1].(v1.Chunk).SessionID

	hist, _ := st.FetchHistory(context.Background(), FetchHistoryInput{SessionID: sid})
	if len(hist.Messages) != 2 || hist.Messages[1].Content != "You asked: " {
		t.Fatalf("history=%+v", hist.Messages)
	}
	if hub.InFlight() != 0 {
		t.Fatalf("hub claim leaked")
	}
}

func TestTitleFrom(t *testing.T) {
	t.Parallel()

	if got := titleFrom("  what   about\nessays  "); got != "what about essays" {
		t.Fatalf("titleFrom=%q", got)
	}
	long := strings.Repeat("é", titleRunes+10)
	if got := titleFrom(long); len([]rune(got)) != titleRunes {
		t.Fatalf("title runes=%d", len([]rune(got)))
	}
}

func testutilTurns(rec *metrics.Recorder, result string) float64 {
	mfs, err := rec.Registry().Gather()
	if err != nil {
		return -1
	}
	for _, mf := range mfs {
		if mf.GetName() != "counsel_turns_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "result" && lp.GetValue() == result {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}
