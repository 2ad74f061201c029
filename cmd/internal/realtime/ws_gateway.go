package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"counsel/cmd/internal/auth"
	"counsel/cmd/internal/metrics"
	v1 "counsel/shared/contracts/stream/v1"

	"github.com/coder/websocket"
)

const (
	wsMinSendQueueSize = 32
	wsCloseGrace       = 1 * time.Second
	wsMaxPingFailures  = 3
)

// GatewayConfig tunes the WebSocket gateway. Zero values take the defaults of DefaultGatewayConfig.
type GatewayConfig struct {
	// DevInsecure disables websocket.Accept's origin verification entirely.
	DevInsecure bool

	// OriginRequired rejects handshakes without an Origin header. Native clients send none, so
	// the default is false and bearer auth is the gate.
	OriginRequired bool
	AllowedOrigins []string

	WriteTimeout time.Duration
	// ReadIdleTimeout closes connections that send nothing for that long; zero disables it.
	ReadIdleTimeout time.Duration
	SendQueueSize   int

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	RateEvents int
	RateWindow time.Duration
}

// DefaultGatewayConfig returns the defaults used for unset fields.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		AllowedOrigins:    []string{"http://localhost", "http://127.0.0.1"},
		WriteTimeout:      5 * time.Second,
		SendQueueSize:     256,
		HeartbeatInterval: heartbeatInterval,
		HeartbeatTimeout:  heartbeatTimeout,
		RateEvents:        rateLimitEvents,
		RateWindow:        rateLimitWindow,
	}
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	d := DefaultGatewayConfig()
	if c.AllowedOrigins == nil {
		c.AllowedOrigins = d.AllowedOrigins
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = d.SendQueueSize
	}
	if c.SendQueueSize < wsMinSendQueueSize {
		c.SendQueueSize = wsMinSendQueueSize
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = d.RateEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = d.RateWindow
	}
	return c
}

// WSGateway is the WebSocket entrypoint of the streaming protocol.
//
// It authenticates the handshake, enforces origin policy, subprotocol selection, rate limits and
// heartbeats, and runs each submit frame as a turn. A connection runs one turn at a time.
type WSGateway struct {
	log     *slog.Logger
	tokens  *auth.Tokens
	runner  *TurnRunner
	metrics *metrics.Recorder
	cfg     GatewayConfig

	// websocket.Accept authorizes same-host origins itself; cross-origin needs these host patterns.
	originPatterns []string
}

// NewWSGateway constructs a gateway. rec may be nil.
func NewWSGateway(log *slog.Logger, tokens *auth.Tokens, runner *TurnRunner, rec *metrics.Recorder, cfg GatewayConfig) *WSGateway {
	if log == nil {
		log = discardLogger()
	}
	cfg = cfg.withDefaults()
	return &WSGateway{
		log:            log,
		tokens:         tokens,
		runner:         runner,
		metrics:        rec,
		cfg:            cfg,
		originPatterns: deriveOriginPatterns(cfg.AllowedOrigins),
	}
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS authenticates and upgrades the request, then runs the connection until either side closes.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := enforceOrigin(r, g.cfg.OriginRequired, g.cfg.AllowedOrigins); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	claims, err := g.tokens.Authenticate(r, true)
	if err != nil {
		g.log.Info("ws.reject.auth", "remote", r.RemoteAddr, "err", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.CloseNow() }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusPolicyViolation, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	client := NewClient(claims.UserID, NewConnID(time.Now().UTC()), g.cfg.SendQueueSize)
	g.serve(r.Context(), conn, client)
}

func (g *WSGateway) serve(parent context.Context, conn *websocket.Conn, client *Client) {
	log := g.log.With("conn_id", client.ConnID, "user_id", client.UserID)
	log.Info("ws.open")
	g.metrics.WSOpened()
	defer g.metrics.WSClosed()

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	var closeOnce sync.Once
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
			log.Info("ws.close", "code", int(code), "reason", reason)
		})
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case b := <-client.Send:
				if err := writeFrame(ctx, conn, b, g.cfg.WriteTimeout); err != nil {
					log.Info("ws.write.fail", "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		g.heartbeat(ctx, conn, client, log, shutdown)
	}()

	var (
		turnWG  sync.WaitGroup
		turnMu  sync.Mutex
		turning bool
	)
	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

readLoop:
	for {
		data, err := g.read(ctx, conn)
		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
			case readErrCtxDone:
				if errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil && ctx.Err() == nil {
					shutdown(websocket.StatusGoingAway, "idle timeout")
				} else {
					shutdown(websocket.StatusGoingAway, "server shutting down")
				}
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
			case readErrTooBig:
				shutdown(websocket.StatusMessageTooBig, "frame too large")
			default:
				log.Info("ws.read.fail", "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
			}
			break readLoop
		}

		if ok, retry := rl.Allow(time.Now()); !ok {
			g.trySendError(ctx, client, fmt.Sprintf("too many messages, retry in %s", retry.Round(time.Second)))
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		var sub v1.Submit
		if err := json.Unmarshal(data, &sub); err != nil {
			g.trySendError(ctx, client, "invalid submit frame")
			continue readLoop
		}
		if err := sub.Validate(); err != nil {
			g.trySendError(ctx, client, err.Error())
			continue readLoop
		}

		turnMu.Lock()
		busy := turning
		turning = true
		turnMu.Unlock()
		if busy {
			g.trySendError(ctx, client, "a response is already in progress")
			continue readLoop
		}

		turnWG.Add(1)
		go func(sub v1.Submit) {
			defer turnWG.Done()
			release := sync.OnceFunc(func() {
				turnMu.Lock()
				turning = false
				turnMu.Unlock()
			})
			defer release()

			emit := g.emitter(client)
			err := g.runner.Run(ctx, Turn{
				UserID:    client.UserID,
				ConnID:    client.ConnID,
				Transport: "ws",
				Submit:    sub,
			}, func(ctx context.Context, f v1.ServerFrame) error {
				switch f.(type) {
				case v1.Done, v1.Error:
					release()
				}
				return emit(ctx, f)
			})
			if err != nil && ctx.Err() == nil {
				log.Info("ws.turn.abort", "err", err)
			}
		}(sub)
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	turnWG.Wait()
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

func (g *WSGateway) heartbeat(ctx context.Context, conn *websocket.Conn, client *Client, log *slog.Logger, shutdown func(websocket.StatusCode, string)) {
	t := time.NewTicker(g.cfg.HeartbeatInterval)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-client.Done():
			return
		case <-t.C:
			hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
			err := conn.Ping(hbCtx)
			hbCancel()

			if err != nil {
				failures++
				log.Info("ws.ping.fail", "failures", failures, "err", err)
				if failures >= wsMaxPingFailures {
					shutdown(websocket.StatusGoingAway, "heartbeat failed")
					return
				}
				continue
			}
			failures = 0
		}
	}
}

func (g *WSGateway) read(ctx context.Context, conn *websocket.Conn) ([]byte, error) {
	if g.cfg.ReadIdleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		defer cancel()
	}
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	if mt != websocket.MessageText {
		return nil, fmt.Errorf("unsupported message type: %v", mt)
	}
	return data, nil
}

// emitter blocks until the frame is queued, so chunks are never dropped mid-turn.
func (g *WSGateway) emitter(client *Client) Emit {
	return func(ctx context.Context, f v1.ServerFrame) error {
		b, err := v1.EncodeServerFrame(f)
		if err != nil {
			return err
		}
		select {
		case client.Send <- b:
			return nil
		case <-client.Done():
			return errors.New("client closed")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// trySendError queues an error frame without blocking; it is dropped under backpressure.
func (g *WSGateway) trySendError(ctx context.Context, client *Client, detail string) {
	b, err := v1.EncodeServerFrame(v1.Error{Detail: detail})
	if err != nil {
		return
	}
	select {
	case <-ctx.Done():
	case <-client.Done():
	case client.Send <- b:
	default:
	}
}

func writeFrame(parent context.Context, conn *websocket.Conn, b []byte, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrTooBig
)

func classifyReadErr(err error) readErrKind {
	switch {
	case websocket.CloseStatus(err) == websocket.StatusMessageTooBig:
		return readErrTooBig
	case websocket.CloseStatus(err) != -1:
		return readErrClose
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return readErrCtxDone
	case errors.Is(err, net.ErrClosed), errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return readErrConnClosed
	default:
		return readErrUnknown
	}
}
