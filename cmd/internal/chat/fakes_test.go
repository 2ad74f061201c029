package chat

import (
	"context"
	"errors"
	"sync"

	"counsel/cmd/internal/transport"
	v1 "counsel/shared/contracts/stream/v1"
)

var errBackendDown = errors.New("backend down")

type fakeBackend struct {
	mu         sync.Mutex
	sessions   []Session
	messages   map[string][]Message
	listErr    error
	moveErr    error
	historyErr error
	calls      []string
}

func newFakeBackend(sessions ...Session) *fakeBackend {
	return &fakeBackend{sessions: sessions, messages: make(map[string][]Message)}
}

func (b *fakeBackend) record(call string) {
	b.calls = append(b.calls, call)
}

func (b *fakeBackend) ListSessions(_ context.Context, topic TopicType, status SessionStatus) ([]Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("list:" + string(topic) + ":" + string(status))
	if b.listErr != nil {
		return nil, b.listErr
	}
	var out []Session
	for _, s := range b.sessions {
		if s.ChatType == topic && s.Status == status {
			out = append(out, s)
		}
	}
	return out, nil
}

func (b *fakeBackend) GetSession(_ context.Context, id string) (Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("get:" + id)
	for _, s := range b.sessions {
		if s.ID == id {
			return s, nil
		}
	}
	return Session{}, ErrNotFound
}

func (b *fakeBackend) ListMessages(_ context.Context, id string) ([]Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("messages:" + id)
	if b.historyErr != nil {
		return nil, b.historyErr
	}
	return b.messages[id], nil
}

func (b *fakeBackend) Archive(_ context.Context, id string) error {
	return b.setStatus("archive", id, StatusArchived)
}

func (b *fakeBackend) Unarchive(_ context.Context, id string) error {
	return b.setStatus("unarchive", id, StatusActive)
}

func (b *fakeBackend) setStatus(call, id string, to SessionStatus) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record(call + ":" + id)
	if b.moveErr != nil {
		return b.moveErr
	}
	for i := range b.sessions {
		if b.sessions[i].ID == id {
			b.sessions[i].Status = to
			return nil
		}
	}
	return ErrNotFound
}

type fakeDialer struct {
	mu     sync.Mutex
	tokens []string
	conns  []*fakeConn
	err    error
}

func (d *fakeDialer) Connect(_ context.Context, _ string, token string, h transport.Handler) (transport.Conn, error) {
	if token == "" {
		return nil, transport.ErrAuthRequired
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	c := &fakeConn{h: h}
	d.tokens = append(d.tokens, token)
	d.conns = append(d.conns, c)
	if h.OnOpen != nil {
		h.OnOpen()
	}
	return c, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func (d *fakeDialer) usedTokens() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.tokens...)
}

type fakeConn struct {
	mu      sync.Mutex
	h       transport.Handler
	sent    []v1.Submit
	closed  bool
	sendErr error
}

func (c *fakeConn) Send(_ context.Context, f v1.Submit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrClosed
	}
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, f)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	if c.h.OnClose != nil {
		c.h.OnClose(transport.CloseNormal, "client closed")
	}
	return nil
}

func (c *fakeConn) submits() []v1.Submit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]v1.Submit(nil), c.sent...)
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) emit(frames ...v1.ServerFrame) {
	for _, f := range frames {
		c.h.OnFrame(f)
	}
}

// dropAbnormally simulates the server vanishing mid-turn.
func (c *fakeConn) dropAbnormally() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.h.OnError(&transport.CloseError{Code: transport.CloseAbnormal, Reason: "EOF"})
	c.h.OnClose(transport.CloseAbnormal, "EOF")
}
