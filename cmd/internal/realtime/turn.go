package realtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"counsel/cmd/internal/llm"
	"counsel/cmd/internal/metrics"
	v1 "counsel/shared/contracts/stream/v1"
)

const (
	detailUnavailable = "The advisor is unavailable right now. Please try again."
	detailNotSaved    = "The response could not be saved."
	infoSessionNew    = "Started a new conversation."

	persistTimeout = 5 * time.Second
)

// Emit writes one frame to the peer. An error means the peer is gone.
type Emit func(ctx context.Context, f v1.ServerFrame) error

// Turn is one submit to execute.
type Turn struct {
	UserID    string
	ConnID    string
	Transport string // "ws" or "sse"
	Submit    v1.Submit
}

// rejection is a turn refused before any model call; Detail goes to the peer verbatim.
type rejection struct {
	Detail string
}

func (r *rejection) Error() string { return "turn rejected: " + r.Detail }

func reject(format string, args ...any) error {
	return &rejection{Detail: fmt.Sprintf(format, args...)}
}

// TurnRunner executes AI turns: it resolves or creates the session, persists both sides of the
// exchange and streams the model output as chunk frames terminated by done or error.
type TurnRunner struct {
	log     *slog.Logger
	store   SessionStore
	model   llm.Service
	hub     *Hub
	metrics *metrics.Recorder
	now     func() time.Time
}

// NewTurnRunner wires a TurnRunner. rec may be nil.
func NewTurnRunner(log *slog.Logger, store SessionStore, model llm.Service, hub *Hub, rec *metrics.Recorder) *TurnRunner {
	if log == nil {
		log = discardLogger()
	}
	if hub == nil {
		hub = NewHub(log)
	}
	return &TurnRunner{
		log:     log,
		store:   store,
		model:   model,
		hub:     hub,
		metrics: rec,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Run executes t, writing every frame through emit. The returned error is non-nil only when
// emit failed or a frame could not be delivered; turn failures are reported to the peer.
func (r *TurnRunner) Run(ctx context.Context, t Turn, emit Emit) error {
	start := time.Now()
	result := metrics.ResultFailed
	defer func() { r.metrics.TurnFinished(t.Transport, result, time.Since(start)) }()

	sess, history, err := r.open(ctx, t, emit)
	if err != nil {
		var rej *rejection
		if errors.As(err, &rej) {
			result = metrics.ResultRejected
			r.log.Info("turn.reject", "conn_id", t.ConnID, "user_id", t.UserID, "detail", rej.Detail)
			return emit(ctx, v1.Error{Detail: rej.Detail})
		}
		if errors.Is(err, errPeerGone) {
			return err
		}
		r.log.Error("turn.open.fail", "conn_id", t.ConnID, "user_id", t.UserID, "err", err)
		return emit(ctx, v1.Error{Detail: detailUnavailable})
	}
	// Released before the terminal frame: the peer may resubmit as soon as it sees done.
	release := sync.OnceFunc(func() { r.hub.End(sess.ID) })
	defer release()
	finish := func(f v1.ServerFrame) error {
		release()
		return emit(ctx, f)
	}

	log := r.log.With("conn_id", t.ConnID, "session_id", sess.ID, "transport", t.Transport)
	log.Info("turn.start", "chat_type", sess.ChatType, "history", len(history))

	msgs := llm.BuildMessages(llm.Preamble(sess.ChatType), history, strings.TrimSpace(t.Submit.Message))

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	parts, errs := r.model.ChatStream(streamCtx, msgs)

	var reply strings.Builder
	chunks := 0
	for part := range parts {
		c := v1.Chunk{Content: part}
		if chunks == 0 {
			c.SessionID = sess.ID
		}
		if err := emit(ctx, c); err != nil {
			cancel()
			for range parts {
			}
			r.persistReply(ctx, log, sess.ID, reply.String())
			log.Info("turn.peer.gone", "chunks", chunks, "err", err)
			return err
		}
		reply.WriteString(part)
		chunks++
		r.metrics.Chunk()
	}

	if err := <-errs; err != nil {
		r.persistReply(ctx, log, sess.ID, reply.String())
		log.Warn("turn.model.fail", "chunks", chunks, "err", err)
		return finish(v1.Error{Detail: detailUnavailable})
	}
	if chunks == 0 {
		log.Warn("turn.model.empty")
		return finish(v1.Done{SessionID: sess.ID, Error: true})
	}
	if !r.persistReply(ctx, log, sess.ID, reply.String()) {
		return finish(v1.Error{Detail: detailNotSaved})
	}

	result = metrics.ResultOK
	log.Info("turn.done", "chunks", chunks, "duration_ms", time.Since(start).Milliseconds())
	return finish(v1.Done{SessionID: sess.ID})
}

var errPeerGone = errors.New("peer gone")

// open validates the submit, resolves the session, claims it in the hub and persists the user
// message. On success the caller owns the hub claim.
func (r *TurnRunner) open(ctx context.Context, t Turn, emit Emit) (StoredSession, []llm.Message, error) {
	sub := t.Submit
	if err := sub.Validate(); err != nil {
		return StoredSession{}, nil, reject("%s", err.Error())
	}
	chatType, ok := v1.NormalizeChatType(sub.ChatType)
	if !ok {
		return StoredSession{}, nil, reject("unknown chat_type: %s", sub.ChatType)
	}
	text := strings.TrimSpace(sub.Message)
	now := r.now()

	var (
		sess    StoredSession
		history []llm.Message
		err     error
	)

	if sub.SessionID != nil {
		sess, err = r.store.GetSession(ctx, t.UserID, *sub.SessionID)
		switch {
		case errors.Is(err, ErrSessionNotFound):
			return StoredSession{}, nil, reject("session not found")
		case err != nil:
			return StoredSession{}, nil, fmt.Errorf("get session: %w", err)
		case sess.Status != v1.StatusActive:
			return StoredSession{}, nil, reject("session is %s", strings.ToLower(sess.Status))
		case sess.ChatType != chatType:
			return StoredSession{}, nil, reject("chat_type does not match session")
		}
		if !r.hub.TryBegin(sess.ID, t.ConnID) {
			return StoredSession{}, nil, reject("a response is already in progress for this session")
		}

		history, err = r.history(ctx, sess.ID)
		if err != nil {
			r.hub.End(sess.ID)
			return StoredSession{}, nil, err
		}
	} else {
		title := titleFrom(text)
		sess, err = r.store.CreateSession(ctx, CreateSessionInput{
			OwnerID:  t.UserID,
			ChatType: chatType,
			Title:    &title,
			Now:      now,
		})
		if err != nil {
			return StoredSession{}, nil, fmt.Errorf("create session: %w", err)
		}
		r.hub.TryBegin(sess.ID, t.ConnID)
		r.log.Info("session.create", "session_id", sess.ID, "user_id", t.UserID, "chat_type", chatType)

		if err := emit(ctx, v1.Info{Message: infoSessionNew}); err != nil {
			r.hub.End(sess.ID)
			return StoredSession{}, nil, fmt.Errorf("%w: %w", errPeerGone, err)
		}
	}

	if _, err := r.store.AppendMessage(ctx, AppendMessageInput{
		SessionID: sess.ID,
		Sender:    v1.SenderUser,
		Content:   text,
		Now:       now,
	}); err != nil {
		r.hub.End(sess.ID)
		return StoredSession{}, nil, fmt.Errorf("append user message: %w", err)
	}
	return sess, history, nil
}

func (r *TurnRunner) history(ctx context.Context, sessionID string) ([]llm.Message, error) {
	res, err := r.store.FetchHistory(ctx, FetchHistoryInput{SessionID: sessionID, Limit: contextMessages, Latest: true})
	if err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}
	out := make([]llm.Message, 0, len(res.Messages))
	for _, m := range res.Messages {
		role := llm.RoleUser
		if m.Sender == v1.SenderAI {
			role = llm.RoleAssistant
		}
		out = append(out, llm.Message{Role: role, Content: m.Content})
	}
	return out, nil
}

// persistReply stores the AI side of the exchange, even when the peer already left.
func (r *TurnRunner) persistReply(ctx context.Context, log *slog.Logger, sessionID, content string) bool {
	if content == "" {
		return true
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	if _, err := r.store.AppendMessage(ctx, AppendMessageInput{
		SessionID: sessionID,
		Sender:    v1.SenderAI,
		Content:   content,
		Now:       r.now(),
	}); err != nil {
		log.Error("turn.persist.fail", "err", err)
		return false
	}
	return true
}

func titleFrom(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) > titleRunes {
		return strings.TrimSpace(string(runes[:titleRunes]))
	}
	return text
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
