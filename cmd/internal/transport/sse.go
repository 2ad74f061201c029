package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"counsel/cmd/internal/authtoken"
	v1 "counsel/shared/contracts/stream/v1"
)

const (
	sseMaxLineBytes     = 1 << 20
	sseMaxErrorBodySize = 4 << 10
)

// SSEDialer speaks the unidirectional variant: each Send POSTs the submit frame and reads the
// reply as a text/event-stream. Only one turn streams at a time per Conn.
//
// With Tokens set, every request takes its bearer from the supplier and a refused request is
// retried once after a refresh. Without it the token passed to Connect is used as is.
type SSEDialer struct {
	Log    *slog.Logger
	Client *http.Client
	Tokens *authtoken.Supplier
}

// Connect validates the endpoint and returns a Conn. No request is made until Send.
func (d SSEDialer) Connect(ctx context.Context, rawURL, token string, h Handler) (Conn, error) {
	if strings.TrimSpace(token) == "" {
		return nil, ErrAuthRequired
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return nil, errors.New("missing host")
	}

	log := d.Log
	if log == nil {
		log = discardLogger()
	}
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}

	base, cancel := context.WithCancel(context.Background())
	c := &sseConn{
		log:    log,
		client: client,
		url:    u.String(),
		token:  token,
		tokens: d.Tokens,
		h:      h,
		base:   base,
		cancel: cancel,
	}

	h.open()
	return c, nil
}

type sseConn struct {
	log    *slog.Logger
	client *http.Client
	url    string
	token  string
	tokens *authtoken.Supplier
	h      Handler

	base   context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	closed   bool
	inFlight bool
	wg       sync.WaitGroup
}

func (c *sseConn) Send(ctx context.Context, f v1.Submit) error {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ErrClosed
	case c.inFlight:
		c.mu.Unlock()
		return ErrTurnInFlight
	}
	c.inFlight = true
	c.wg.Add(1)
	c.mu.Unlock()

	body, err := c.request(ctx, f)
	if err != nil {
		c.mu.Lock()
		c.inFlight = false
		c.mu.Unlock()
		c.wg.Done()
		return err
	}

	go c.readStream(body)
	return nil
}

func (c *sseConn) request(ctx context.Context, f v1.Submit) (io.ReadCloser, error) {
	if c.tokens == nil {
		return c.open(ctx, f, c.token)
	}

	var body io.ReadCloser
	err := c.tokens.Do(ctx, func(tok string) error {
		b, err := c.open(ctx, f, tok)
		if err != nil {
			return err
		}
		body = b
		return nil
	})
	return body, err
}

// open performs the request and returns the event-stream body.
func (c *sseConn) open(ctx context.Context, f v1.Submit, token string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(c.base, http.MethodPost, c.url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sse request: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		drainClose(resp.Body)
		return nil, fmt.Errorf("sse request: status=%d: %w", resp.StatusCode, authtoken.ErrUnauthorized)
	case resp.StatusCode != http.StatusOK:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, sseMaxErrorBodySize))
		drainClose(resp.Body)
		return nil, fmt.Errorf("sse request: status=%d body=%q", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	mt, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mt != "text/event-stream" {
		drainClose(resp.Body)
		return nil, fmt.Errorf("sse request: unexpected content type %q", mt)
	}
	return resp.Body, nil
}

func (c *sseConn) readStream(body io.ReadCloser) {
	defer c.wg.Done()
	defer func() { _ = body.Close() }()

	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64<<10), sseMaxLineBytes)

	var data []byte
	for sc.Scan() {
		line := sc.Bytes()

		if len(line) == 0 {
			if len(data) > 0 && c.deliver(data) {
				return
			}
			data = data[:0]
			continue
		}
		if line[0] == ':' {
			continue
		}

		field, value, _ := bytes.Cut(line, []byte(":"))
		if string(field) != "data" {
			continue
		}
		value = bytes.TrimPrefix(value, []byte(" "))
		if len(data) > 0 {
			data = append(data, '\n')
		}
		data = append(data, value...)
	}
	if len(data) > 0 && c.deliver(data) {
		return
	}

	c.mu.Lock()
	c.inFlight = false
	closed := c.closed
	c.mu.Unlock()

	if closed {
		return
	}

	reason := "stream ended before done"
	if err := sc.Err(); err != nil {
		reason = err.Error()
	}
	c.log.Info("sse.stream.cut", "reason", reason)
	c.h.error(&CloseError{Code: CloseAbnormal, Reason: reason})
}

// deliver hands one event to the handler. A terminal event frees the turn slot before the
// handler sees it, so a caller reacting to done can send again while the old body is closed.
// Whatever the server writes after it is dropped.
func (c *sseConn) deliver(data []byte) (terminal bool) {
	return deliver(c.log, c.h, data, c.release)
}

func (c *sseConn) release() {
	c.mu.Lock()
	c.inFlight = false
	c.mu.Unlock()
}

func (c *sseConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	c.h.close(CloseNormal, "client closed")
	return nil
}

func drainClose(rc io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, sseMaxErrorBodySize))
	_ = rc.Close()
}
