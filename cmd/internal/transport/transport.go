// Package transport carries chat frames between the client core and the streaming backend.
//
// Two implementations exist: a persistent WebSocket (WSDialer) and per-turn server push over
// HTTP (SSEDialer). Both deliver frames to a Handler in wire order from a single goroutine and
// never reconnect on their own.
package transport

import (
	"context"
	"io"
	"log/slog"

	v1 "counsel/shared/contracts/stream/v1"
)

// Handler receives connection events. Nil callbacks are skipped.
//
// Callbacks run on the transport's reader goroutine; they must not block on Conn.Close.
type Handler struct {
	OnOpen  func()
	OnFrame func(f v1.ServerFrame)
	OnError func(err error)
	OnClose func(code int, reason string)
}

func (h Handler) open() {
	if h.OnOpen != nil {
		h.OnOpen()
	}
}

func (h Handler) frame(f v1.ServerFrame) {
	if h.OnFrame != nil {
		h.OnFrame(f)
	}
}

func (h Handler) error(err error) {
	if h.OnError != nil {
		h.OnError(err)
	}
}

func (h Handler) close(code int, reason string) {
	if h.OnClose != nil {
		h.OnClose(code, reason)
	}
}

// Conn is an open transport.
type Conn interface {
	// Send writes one submit frame. The reply arrives through the Handler.
	Send(ctx context.Context, f v1.Submit) error
	// Close closes the transport. OnClose fires once.
	Close() error
}

// Dialer opens transports.
type Dialer interface {
	Connect(ctx context.Context, url, token string, h Handler) (Conn, error)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// deliver routes a decoded frame or parse failure to h and reports whether the frame ended the turn.
// A non-nil settle runs before h sees a turn-ending frame.
func deliver(log *slog.Logger, h Handler, data []byte, settle func()) (terminal bool) {
	if settle == nil {
		settle = func() {}
	}

	f, err := v1.DecodeServerFrame(data)
	if err != nil {
		log.Info("transport.frame.malformed", "err", err)
		pe, ok := err.(*v1.ParseError)
		terminal = ok && pe.AffectsTurn()
		if terminal {
			settle()
		}
		h.error(err)
		return terminal
	}

	switch v := f.(type) {
	case v1.Unknown:
		log.Info("transport.frame.unknown", "type", v.Type)
		return false
	case v1.Done, v1.Error:
		settle()
		h.frame(f)
		return true
	default:
		h.frame(f)
		return false
	}
}
