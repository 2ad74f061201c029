package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"counsel/cmd/internal/authtoken"
	"counsel/cmd/internal/transport"
	v1 "counsel/shared/contracts/stream/v1"

	"github.com/google/uuid"
)

const defaultCallTimeout = 15 * time.Second

// Config wires an Orchestrator.
type Config struct {
	Log *slog.Logger

	// Tokens is the process-wide auth token supplier.
	Tokens *authtoken.Supplier
	// Dialer opens the streaming transport; StreamURL is its endpoint.
	Dialer    transport.Dialer
	StreamURL string
	// Backend serves session lists and history.
	Backend Backend

	Topic TopicType

	// NewID generates local message ids (default: random UUID).
	NewID func() string
	Now   func() time.Time

	// CallTimeout bounds REST calls made in reaction to token changes.
	CallTimeout time.Duration
}

// Orchestrator owns one chat view: its State, its transport and its registry.
//
// All state transitions go through Reduce under a single lock. Subscribers are called in
// transition order and must not call back into the Orchestrator synchronously.
type Orchestrator struct {
	log       *slog.Logger
	tokens    *authtoken.Supplier
	dialer    transport.Dialer
	streamURL string
	backend   Backend
	registry  *Registry
	newID     func() string
	now       func() time.Time
	timeout   time.Duration

	notifyMu sync.Mutex

	mu        sync.Mutex
	state     State
	conn      transport.Conn
	connToken string
	gen       uint64
	closedGen uint64
	turnOpen  bool
	subs      map[uint64]func(State)
	nextSub   uint64

	// connectMu serializes connect, disconnect and token reconciliation.
	connectMu sync.Mutex

	lifeMu   sync.Mutex
	started  bool
	baseCtx  context.Context
	cancel   context.CancelFunc
	unsubTok func()
	wg       sync.WaitGroup
}

// NewOrchestrator validates cfg and returns an Orchestrator for cfg.Topic.
func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	switch {
	case cfg.Tokens == nil:
		return nil, errors.New("chat: nil token supplier")
	case cfg.Dialer == nil:
		return nil, errors.New("chat: nil dialer")
	case strings.TrimSpace(cfg.StreamURL) == "":
		return nil, errors.New("chat: empty stream url")
	case cfg.Backend == nil:
		return nil, errors.New("chat: nil backend")
	}

	topic := cfg.Topic
	if topic == "" {
		topic = TopicGeneral
	}
	if !topic.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
	}

	o := &Orchestrator{
		log:       cfg.Log,
		tokens:    cfg.Tokens,
		dialer:    cfg.Dialer,
		streamURL: cfg.StreamURL,
		backend:   cfg.Backend,
		newID:     cfg.NewID,
		now:       cfg.Now,
		timeout:   cfg.CallTimeout,
		state:     NewState(topic),
		subs:      make(map[uint64]func(State)),
	}
	if o.log == nil {
		o.log = discardLogger()
	}
	if o.newID == nil {
		o.newID = uuid.NewString
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.timeout <= 0 {
		o.timeout = defaultCallTimeout
	}
	o.registry = NewRegistry(cfg.Backend, o.log)
	o.baseCtx, o.cancel = context.WithCancel(context.Background())
	return o, nil
}

// Registry returns the session registry backing this view.
func (o *Orchestrator) Registry() *Registry { return o.registry }

// State returns the current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Subscribe registers fn for every state transition. The returned function unregisters it.
func (o *Orchestrator) Subscribe(fn func(State)) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}

	o.mu.Lock()
	o.nextSub++
	id := o.nextSub
	o.subs[id] = fn
	o.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.subs, id)
			o.mu.Unlock()
		})
	}
}

// dispatch applies actions atomically and notifies subscribers once.
func (o *Orchestrator) dispatch(actions ...Action) State {
	return o.dispatchLocked(func(*Orchestrator) []Action { return actions })
}

// dispatchLocked runs pick under the state lock and applies what it returns.
func (o *Orchestrator) dispatchLocked(pick func(o *Orchestrator) []Action) State {
	o.notifyMu.Lock()
	defer o.notifyMu.Unlock()

	o.mu.Lock()
	actions := pick(o)
	for _, a := range actions {
		o.state = Reduce(o.state, a)
	}
	st := o.state
	subs := o.snapshotSubs()
	o.mu.Unlock()

	if len(actions) == 0 {
		return st
	}
	for _, fn := range subs {
		fn(st)
	}
	return st
}

func (o *Orchestrator) snapshotSubs() []func(State) {
	out := make([]func(State), 0, len(o.subs))
	for i := uint64(1); i <= o.nextSub; i++ {
		if fn, ok := o.subs[i]; ok {
			out = append(out, fn)
		}
	}
	return out
}

// ---- lifecycle ----

// Start subscribes to token changes and connects if a token is already available.
func (o *Orchestrator) Start(ctx context.Context) {
	o.lifeMu.Lock()
	if o.started || o.baseCtx.Err() != nil {
		o.lifeMu.Unlock()
		return
	}
	o.started = true
	o.unsubTok = o.tokens.OnTokenChange(func(string) { o.reconcileAsync() })
	o.lifeMu.Unlock()

	if _, err := o.tokens.Token(); err == nil {
		if err := o.ConnectWebSocket(ctx); err != nil {
			o.log.Info("chat.start.connect.fail", "err", err)
		}
	}
}

// Stop detaches from token changes and closes the transport. An in-flight turn is abandoned
// without notifying the server. A stopped Orchestrator cannot be started again.
func (o *Orchestrator) Stop() error {
	o.lifeMu.Lock()
	if o.unsubTok != nil {
		o.unsubTok()
		o.unsubTok = nil
	}
	o.started = false
	o.cancel()
	o.lifeMu.Unlock()

	o.wg.Wait()
	return o.DisconnectWebSocket()
}

// reconcileAsync registers with wg under lifeMu so no work starts once Stop has cancelled.
func (o *Orchestrator) reconcileAsync() {
	o.lifeMu.Lock()
	defer o.lifeMu.Unlock()
	if o.baseCtx.Err() != nil {
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ctx, cancel := context.WithTimeout(o.baseCtx, o.timeout)
		defer cancel()
		o.reconcile(ctx)
	}()
}

// reconcile brings the connection in line with the current token: connect when a token
// appeared, disconnect when it went away, reconnect an idle connection after rotation.
func (o *Orchestrator) reconcile(ctx context.Context) {
	o.connectMu.Lock()
	defer o.connectMu.Unlock()

	tok, err := o.tokens.Token()
	if errors.Is(err, authtoken.ErrSessionLoading) {
		return
	}
	if err != nil {
		o.log.Info("chat.token.revoked", "err", err)
		_ = o.disconnectLocked()
		return
	}

	o.mu.Lock()
	conn, used, busy := o.conn, o.connToken, o.turnOpen
	o.mu.Unlock()

	switch {
	case conn == nil:
	case used == tok || busy:
		return
	default:
		o.log.Debug("chat.token.rotated")
		_ = o.disconnectLocked()
	}

	if err := o.connectLocked(ctx); err != nil {
		o.log.Info("chat.reconnect.fail", "err", err)
	}
}

// ---- connection ----

// ConnectWebSocket opens the streaming transport with the current token. It is a no-op when
// already connected. Without a token it returns the supplier's error and leaves state alone.
func (o *Orchestrator) ConnectWebSocket(ctx context.Context) error {
	o.connectMu.Lock()
	defer o.connectMu.Unlock()
	return o.connectLocked(ctx)
}

func (o *Orchestrator) connectLocked(ctx context.Context) error {
	o.mu.Lock()
	connected := o.conn != nil
	o.mu.Unlock()
	if connected {
		return nil
	}

	var (
		conn  transport.Conn
		gen   uint64
		token string
	)
	err := o.tokens.Do(ctx, func(tok string) error {
		o.mu.Lock()
		o.gen++
		gen = o.gen
		o.mu.Unlock()

		c, err := o.dialer.Connect(ctx, o.streamURL, tok, o.handler(gen))
		if err != nil {
			return err
		}
		conn, token = c, tok
		return nil
	})
	if err != nil {
		if isAuthMissing(err) {
			o.log.Debug("chat.connect.no_token", "err", err)
			return err
		}
		o.log.Info("chat.connect.fail", "err", err)
		o.dispatch(ErrorSet{Message: "Could not connect to the chat server."})
		return fmt.Errorf("connect: %w", err)
	}

	o.mu.Lock()
	if o.closedGen == gen {
		o.mu.Unlock()
		_ = conn.Close()
		return fmt.Errorf("connect: %w", transport.ErrClosed)
	}
	o.conn = conn
	o.connToken = token
	o.mu.Unlock()

	o.log.Info("chat.connect.ok")
	o.dispatch(ConnectionChanged{Connected: true})
	return nil
}

func isAuthMissing(err error) bool {
	return errors.Is(err, authtoken.ErrSessionLoading) ||
		errors.Is(err, authtoken.ErrNoSession) ||
		errors.Is(err, authtoken.ErrSessionInvalid) ||
		errors.Is(err, transport.ErrAuthRequired)
}

// DisconnectWebSocket closes the transport. An in-flight turn is failed locally.
func (o *Orchestrator) DisconnectWebSocket() error {
	o.connectMu.Lock()
	defer o.connectMu.Unlock()
	return o.disconnectLocked()
}

func (o *Orchestrator) disconnectLocked() error {
	o.mu.Lock()
	conn := o.conn
	o.conn = nil
	o.connToken = ""
	o.gen++
	o.turnOpen = false
	o.mu.Unlock()

	if conn == nil {
		return nil
	}

	err := conn.Close()
	o.dispatch(
		TurnFailed{Err: transport.ErrClosed},
		ConnectionChanged{Connected: false},
	)
	o.log.Info("chat.disconnect")
	return err
}

func (o *Orchestrator) handler(gen uint64) transport.Handler {
	return transport.Handler{
		OnFrame: func(f v1.ServerFrame) { o.onFrame(gen, f) },
		OnError: func(err error) { o.onTransportError(gen, err) },
		OnClose: func(code int, reason string) { o.onClose(gen, code, reason) },
	}
}

func (o *Orchestrator) onFrame(gen uint64, f v1.ServerFrame) {
	o.dispatchLocked(func(o *Orchestrator) []Action {
		if gen != o.gen {
			return nil
		}
		switch v := f.(type) {
		case v1.Chunk:
			return []Action{ChunkReceived{Content: v.Content, SessionID: v.SessionID}}
		case v1.Done:
			o.turnOpen = false
			if v.Error {
				return []Action{TurnFailed{Err: &ServerTurnError{}}}
			}
			return []Action{TurnDone{SessionID: v.SessionID}}
		case v1.Error:
			o.turnOpen = false
			return []Action{TurnFailed{Err: &ServerTurnError{Detail: v.Detail}}}
		case v1.Info:
			return []Action{InfoReceived{Message: v.Message}}
		default:
			o.log.Info("chat.frame.unknown", "type", f.FrameType())
			return nil
		}
	})
}

func (o *Orchestrator) onTransportError(gen uint64, err error) {
	var pe *v1.ParseError
	if errors.As(err, &pe) && !pe.AffectsTurn() {
		o.log.Info("chat.frame.malformed", "err", err)
		return
	}

	o.log.Info("chat.transport.error", "err", err)
	o.dispatchLocked(func(o *Orchestrator) []Action {
		if gen != o.gen {
			return nil
		}
		o.turnOpen = false
		return []Action{TurnFailed{Err: err}}
	})
}

func (o *Orchestrator) onClose(gen uint64, code int, reason string) {
	o.log.Info("chat.transport.close", "code", code, "reason", reason)
	o.dispatchLocked(func(o *Orchestrator) []Action {
		if gen != o.gen {
			return nil
		}
		o.closedGen = gen
		o.conn = nil
		o.connToken = ""
		o.turnOpen = false

		actions := []Action{
			TurnFailed{Err: &transport.CloseError{Code: code, Reason: reason}},
			ConnectionChanged{Connected: false},
		}
		if code != transport.CloseNormal {
			actions = append(actions, ErrorSet{Message: textDisconnected})
		}
		return actions
	})
}

// ---- chat operations ----

// SendMessage appends the user's message and a streaming placeholder, then sends the submit
// frame. Blank text, an in-flight turn, an archived session or a missing connection are
// rejected without any state change.
func (o *Orchestrator) SendMessage(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrBlankMessage
	}
	if len([]rune(text)) > v1.MaxMessageChars {
		return fmt.Errorf("%w: max=%d chars", ErrMessageTooLong, v1.MaxMessageChars)
	}

	var (
		conn    transport.Conn
		submit  v1.Submit
		reject  error
		turnGen uint64
	)
	o.dispatchLocked(func(o *Orchestrator) []Action {
		st := o.state
		switch {
		case st.Phase.InFlight() || o.turnOpen:
			reject = ErrTurnInFlight
		case st.ViewingStatus == StatusArchived:
			reject = ErrSessionArchived
		case o.conn == nil:
			reject = ErrNotConnected
		}
		if reject != nil {
			return nil
		}

		conn = o.conn
		turnGen = o.gen
		o.turnOpen = true

		submit = v1.Submit{Message: text, ChatType: string(st.TopicType)}
		if id, ok := st.Session.ID(); ok {
			submit.SessionID = &id
		}

		return []Action{UserMessageAppended{
			UserMessageID: o.newID(),
			AIMessageID:   o.newID(),
			Content:       text,
			At:            o.now().UTC(),
		}}
	})
	if reject != nil {
		return reject
	}

	if err := conn.Send(ctx, submit); err != nil {
		o.log.Info("chat.send.fail", "err", err)
		o.dispatchLocked(func(o *Orchestrator) []Action {
			if turnGen != o.gen {
				return nil
			}
			o.turnOpen = false
			return []Action{TurnFailed{Err: err, SendFailed: true}}
		})
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// StartNewChat clears the view for a new conversation in topic. The server assigns the session
// id on the first message, so the returned id is empty and ok false for a brand-new chat.
func (o *Orchestrator) StartNewChat(topic TopicType, title string) (sessionID string, ok bool, err error) {
	if topic == "" {
		topic = o.State().TopicType
	}
	if !topic.Valid() {
		return "", false, fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
	}

	st := o.dispatch(NewChatStarted{Topic: topic, Title: strings.TrimSpace(title)})
	id, ok := st.Session.ID()
	return id, ok, nil
}

// ChangeChatType resets the view for topic and fetches its active sessions.
func (o *Orchestrator) ChangeChatType(ctx context.Context, topic TopicType) error {
	if !topic.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
	}
	o.dispatch(TopicChanged{Topic: topic})
	_, err := o.FetchSessions(ctx)
	return err
}

// FetchSessions refreshes the active list of the current topic.
func (o *Orchestrator) FetchSessions(ctx context.Context) ([]Session, error) {
	return o.fetchSessions(ctx, false)
}

// FetchArchivedSessions refreshes the archived list of the current topic.
func (o *Orchestrator) FetchArchivedSessions(ctx context.Context) ([]Session, error) {
	return o.fetchSessions(ctx, true)
}

func (o *Orchestrator) fetchSessions(ctx context.Context, archived bool) ([]Session, error) {
	topic := o.State().TopicType

	var (
		list []Session
		err  error
	)
	if archived {
		list, err = o.registry.FetchArchivedSessions(ctx, topic)
	} else {
		list, err = o.registry.FetchSessions(ctx, topic)
	}
	if err != nil {
		o.dispatch(SessionsLoadFailed{Topic: topic, Archived: archived, Err: err})
		return list, err
	}

	o.dispatch(SessionsLoaded{Topic: topic, Archived: archived, Sessions: list})
	return list, nil
}

// FetchMessages loads the history of a session and makes it the viewed session.
func (o *Orchestrator) FetchMessages(ctx context.Context, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return errors.New("chat: empty session id")
	}
	if o.State().Phase.InFlight() {
		return ErrTurnInFlight
	}

	o.dispatch(HistoryLoadStarted{SessionID: sessionID})

	msgs, err := o.backend.ListMessages(ctx, sessionID)
	if err != nil {
		o.log.Info("chat.history.fail", "session_id", sessionID, "err", err)
		o.dispatch(HistoryLoadFailed{Err: err})
		return fmt.Errorf("fetch messages: %w", err)
	}

	status := StatusActive
	if s, ok := o.registry.Lookup(sessionID); ok {
		status = s.Status
	} else if s, err := o.backend.GetSession(ctx, sessionID); err == nil {
		status = s.Status
	} else {
		o.log.Info("chat.history.status.unknown", "session_id", sessionID, "err", err)
	}

	o.dispatch(HistoryLoaded{SessionID: sessionID, Status: status, Messages: msgs})
	return nil
}

// ArchiveSession archives a session. The viewed session is marked archived immediately; a
// server failure restores the previous lists.
func (o *Orchestrator) ArchiveSession(ctx context.Context, sessionID string) error {
	return o.moveSession(ctx, sessionID, StatusArchived)
}

// UnarchiveSession is the inverse of ArchiveSession.
func (o *Orchestrator) UnarchiveSession(ctx context.Context, sessionID string) error {
	return o.moveSession(ctx, sessionID, StatusActive)
}

func (o *Orchestrator) moveSession(ctx context.Context, id string, to SessionStatus) error {
	prev := o.State().ViewingStatus

	var call func(context.Context, string) error
	if to == StatusArchived {
		o.dispatch(SessionArchived{ID: id})
		call = o.registry.Archive
	} else {
		o.dispatch(SessionUnarchived{ID: id})
		call = o.registry.Unarchive
	}

	if err := call(ctx, id); err != nil {
		topic := o.State().TopicType
		verb := "archive"
		if to == StatusActive {
			verb = "restore"
		}
		o.dispatch(
			SessionMoveReverted{
				ID:       id,
				Active:   o.registry.Sessions(topic),
				Archived: o.registry.ArchivedSessions(topic),
				Viewing:  prev,
			},
			ErrorSet{Message: fmt.Sprintf("Could not %s the conversation.", verb)},
		)
		return err
	}
	return nil
}

// ClearError clears the global error.
func (o *Orchestrator) ClearError() {
	o.dispatch(ErrorCleared{})
}
