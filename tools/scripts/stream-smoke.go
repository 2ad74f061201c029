// Package main provides a CI-friendly smoke test for the counsel streaming endpoint.
//
// It validates:
//   - handshake + subprotocol selection
//   - a first turn without session_id: chunks in order, session id adopted from the first chunk, done
//   - a second turn on the adopted session
//   - an invalid submit answered with an error frame
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "counsel/shared/contracts/stream/v1"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const maxReadBytes = 1 << 20 // 1MiB

type turnResult struct {
	sessionID string
	reply     string
	chunks    int
	infos     int
}

func main() {
	var (
		wsURL    = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin   = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		token    = flag.String("token", os.Getenv("COUNSEL_TOKEN"), "Bearer token (see `counsel token`)")
		chatType = flag.String("chat-type", "GENERAL", "chat_type of the new session")
		text     = flag.String("text", "What should I put in my college list?", "First message")
		followUp = flag.String("follow-up", "And how many reach schools?", "Second message")
		prefix   = flag.String("expect-prefix", "", "Assert every reply starts with this (\"You asked: \" for the echo provider)")
		timeout  = flag.Duration("timeout", 30*time.Second, "Per-turn timeout")
		verbose  = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if strings.TrimSpace(*token) == "" {
		fatalf("missing -token (or COUNSEL_TOKEN)")
	}

	root := context.Background()
	conn := mustConnect(root, *wsURL, *origin, *token, *timeout)
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	first := mustTurn(root, conn, v1.Submit{Message: *text, ChatType: *chatType}, *timeout)
	if first.infos == 0 {
		fatalf("turn 1: expected an info frame for the new session")
	}
	assertReply("turn 1", first, *text, *prefix)
	if *verbose {
		fmt.Printf("turn 1: session=%s chunks=%d reply=%q\n", first.sessionID, first.chunks, first.reply)
	}

	sid := first.sessionID
	second := mustTurn(root, conn, v1.Submit{Message: *followUp, ChatType: *chatType, SessionID: &sid}, *timeout)
	if second.sessionID != sid {
		fatalf("turn 2: session mismatch: got=%q want=%q", second.sessionID, sid)
	}
	assertReply("turn 2", second, *followUp, *prefix)
	if *verbose {
		fmt.Printf("turn 2: session=%s chunks=%d reply=%q\n", second.sessionID, second.chunks, second.reply)
	}

	mustWrite(root, conn, map[string]any{"message": "", "chat_type": *chatType}, *timeout)
	detail := mustReadError(root, conn, *timeout)
	if !strings.Contains(detail, "message") {
		fatalf("invalid submit: unexpected error detail %q", detail)
	}

	fmt.Printf("OK: session=%s turns=2 chunks=%d+%d\n", sid, first.chunks, second.chunks)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func mustConnect(parent context.Context, wsURL, origin, token string, stepTimeout time.Duration) *websocket.Conn {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			fatalf("connect: %v (http %d)", err, resp.StatusCode)
		}
		fatalf("connect: %v", err)
	}
	if got := conn.Subprotocol(); got != v1.Subprotocol {
		fatalf("subprotocol mismatch: got=%q want=%q", got, v1.Subprotocol)
	}
	conn.SetReadLimit(maxReadBytes)
	return conn
}

// mustTurn submits sub and reads until done. The session id must arrive on the first chunk when
// the submit had none, and must never change afterwards.
func mustTurn(parent context.Context, conn *websocket.Conn, sub v1.Submit, stepTimeout time.Duration) turnResult {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	mustWrite(parent, conn, sub, stepTimeout)

	var res turnResult
	if sub.SessionID != nil {
		res.sessionID = *sub.SessionID
	}
	var reply strings.Builder

	for {
		f := mustRead(ctx, conn)
		switch f := f.(type) {
		case v1.Info:
			if res.chunks > 0 {
				fatalf("info after first chunk: %q", f.Message)
			}
			res.infos++
		case v1.Chunk:
			switch {
			case res.chunks == 0 && sub.SessionID == nil && f.SessionID == "":
				fatalf("first chunk of a new session has no session_id")
			case res.sessionID == "":
				res.sessionID = f.SessionID
			case f.SessionID != "" && f.SessionID != res.sessionID:
				fatalf("chunk session_id changed mid-turn: got=%q want=%q", f.SessionID, res.sessionID)
			}
			reply.WriteString(f.Content)
			res.chunks++
		case v1.Done:
			if f.Error {
				fatalf("done with error=true after %d chunks", res.chunks)
			}
			if f.SessionID != "" && f.SessionID != res.sessionID {
				fatalf("done session_id mismatch: got=%q want=%q", f.SessionID, res.sessionID)
			}
			res.reply = reply.String()
			return res
		case v1.Error:
			fatalf("server error: %q", f.Detail)
		default:
			fatalf("unexpected frame type %q", f.FrameType())
		}
	}
}

func mustReadError(parent context.Context, conn *websocket.Conn, stepTimeout time.Duration) string {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	f := mustRead(ctx, conn)
	e, ok := f.(v1.Error)
	if !ok {
		fatalf("expected error frame, got %q", f.FrameType())
	}
	return e.Detail
}

func assertReply(step string, res turnResult, asked, prefix string) {
	if res.chunks == 0 || strings.TrimSpace(res.reply) == "" {
		fatalf("%s: empty reply", step)
	}
	if prefix == "" {
		return
	}
	if !strings.HasPrefix(res.reply, prefix) {
		fatalf("%s: reply %q does not start with %q", step, res.reply, prefix)
	}
	if prefix == "You asked: " && res.reply != prefix+asked {
		fatalf("%s: chunks out of order: got=%q want=%q", step, res.reply, prefix+asked)
	}
}

func mustRead(ctx context.Context, conn *websocket.Conn) v1.ServerFrame {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		fatalf("read: %v", err)
	}
	if mt != websocket.MessageText {
		fatalf("unsupported message type: %v", mt)
	}
	f, err := v1.DecodeServerFrame(data)
	if err != nil {
		fatalf("bad frame: %v", err)
	}
	return f
}

func mustWrite(parent context.Context, conn *websocket.Conn, v any, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	if err := wsjson.Write(ctx, conn, v); err != nil {
		fatalf("write failed: %v", err)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
