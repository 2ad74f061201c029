package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"counsel/cmd/internal/authtoken"
	v1 "counsel/shared/contracts/stream/v1"

	"github.com/coder/websocket"
)

const (
	wsDefaultReadLimit    = 1 << 20 // 1MiB
	wsDefaultWriteTimeout = 5 * time.Second
	wsCloseGrace          = 1 * time.Second
)

// WSDialer opens a persistent WebSocket to the streaming endpoint.
// The token travels as the `token` query parameter.
type WSDialer struct {
	Log          *slog.Logger
	HTTPClient   *http.Client
	Origin       string
	ReadLimit    int64
	WriteTimeout time.Duration
}

// Connect dials rawURL. A handshake refused with 401/403 wraps authtoken.ErrUnauthorized.
func (d WSDialer) Connect(ctx context.Context, rawURL, token string, h Handler) (Conn, error) {
	if strings.TrimSpace(token) == "" {
		return nil, ErrAuthRequired
	}

	target, err := withQueryToken(rawURL, token)
	if err != nil {
		return nil, err
	}

	log := d.Log
	if log == nil {
		log = discardLogger()
	}

	hdr := http.Header{}
	if d.Origin != "" {
		hdr.Set("Origin", d.Origin)
	}

	conn, resp, err := websocket.Dial(ctx, target, &websocket.DialOptions{
		HTTPClient:   d.HTTPClient,
		HTTPHeader:   hdr,
		Subprotocols: []string{v1.Subprotocol},
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("ws handshake: status=%d: %w", resp.StatusCode, authtoken.ErrUnauthorized)
		}
		return nil, fmt.Errorf("ws dial: %w", err)
	}

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return nil, fmt.Errorf("ws dial: subprotocol=%q want=%q", sp, v1.Subprotocol)
	}

	limit := d.ReadLimit
	if limit <= 0 {
		limit = wsDefaultReadLimit
	}
	conn.SetReadLimit(limit)

	wt := d.WriteTimeout
	if wt <= 0 {
		wt = wsDefaultWriteTimeout
	}

	c := &wsConn{
		log:          log,
		conn:         conn,
		h:            h,
		writeTimeout: wt,
		done:         make(chan struct{}),
	}

	log.Debug("ws.open")
	h.open()
	go c.readLoop()
	return c, nil
}

type wsConn struct {
	log          *slog.Logger
	conn         *websocket.Conn
	h            Handler
	writeTimeout time.Duration

	inTurn  atomic.Bool
	closing atomic.Bool

	done      chan struct{}
	closeOnce sync.Once
}

func (c *wsConn) Send(ctx context.Context, f v1.Submit) error {
	if c.closing.Load() {
		return ErrClosed
	}

	b, err := json.Marshal(f)
	if err != nil {
		return err
	}

	wctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()

	c.inTurn.Store(true)
	if err := c.conn.Write(wctx, websocket.MessageText, b); err != nil {
		c.inTurn.Store(false)
		return fmt.Errorf("ws write: %w", err)
	}
	return nil
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		err = c.conn.Close(websocket.StatusNormalClosure, "bye")

		select {
		case <-c.done:
		case <-time.After(wsCloseGrace):
			_ = c.conn.CloseNow()
		}
	})
	return err
}

func (c *wsConn) readLoop() {
	defer close(c.done)

	for {
		mt, data, err := c.conn.Read(context.Background())
		if err != nil {
			c.finish(err)
			return
		}
		if mt != websocket.MessageText && mt != websocket.MessageBinary {
			continue
		}
		deliver(c.log, c.h, data, func() { c.inTurn.Store(false) })
	}
}

// finish reports the end of the read loop exactly once.
func (c *wsConn) finish(err error) {
	if c.closing.Load() {
		c.log.Debug("ws.close", "initiator", "client")
		c.h.close(CloseNormal, "client closed")
		return
	}

	code := int(websocket.CloseStatus(err))
	reason := ""
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		reason = ce.Reason
	}
	if code == -1 {
		code = CloseAbnormal
		reason = err.Error()
	}

	c.log.Info("ws.close", "initiator", "server", "code", code, "reason", reason, "in_turn", c.inTurn.Load())

	if code != CloseNormal && c.inTurn.Load() {
		c.h.error(&CloseError{Code: code, Reason: reason})
	}
	_ = c.conn.CloseNow()
	c.h.close(code, reason)
}

func withQueryToken(rawURL, token string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", errors.New("missing host")
	}

	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
