package app

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestStripANSI(t *testing.T) {
	t.Parallel()

	in := ansiBlue + "INFO" + ansiReset + " plain " + ansiRed + "ERR" + ansiReset + "\x1b[1;36mx\x1b[0m"
	got := stripANSI(in)
	want := "INFO plain ERRx"
	if got != want {
		t.Fatalf("stripANSI()=%q want=%q", got, want)
	}
}

func TestConsoleHandler_PlainLine(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}, false))

	log.With("conn_id", "c1").Info("turn.done",
		"session_id", "01J",
		"duration_ms", int64(42),
		"chunks", 3,
		"detail", "two words",
		"err", errors.New("upstream: timeout"),
	)

	line := buf.String()
	for _, want := range []string{
		"INFO  turn.done",
		"conn=c1",
		"session=01J",
		"took=42ms",
		"chunks=3",
		`detail="two words"`,
		`err="upstream: timeout"`,
	} {
		if !strings.Contains(line, want) {
			t.Fatalf("missing %q in %q", want, line)
		}
	}
	if strings.Contains(line, "\x1b[") {
		t.Fatalf("color disabled but got escapes: %q", line)
	}
	if !strings.HasSuffix(line, "\n") || strings.Count(line, "\n") != 1 {
		t.Fatalf("want exactly one line, got %q", line)
	}
}

func TestConsoleHandler_GroupsPrefixKeys(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, nil, false))

	log.With("transport", "ws").WithGroup("relay").Info("relay.turn.start",
		"session_id", "s1",
		slog.Group("model", "name", "gpt-4o-mini"),
	)

	line := buf.String()
	for _, want := range []string{"transport=ws", "relay.session_id=s1", "relay.model.name=gpt-4o-mini"} {
		if !strings.Contains(line, want) {
			t.Fatalf("missing %q in %q", want, line)
		}
	}
}

func TestConsoleHandler_ColorAndLevels(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}, true))

	log.Info("dropped")
	log.Error("http.request", "status", 503, "duration_ms", int64(1500))
	log.Warn("ws.close", "code", 1011, "status", "ACTIVE")

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Fatalf("info must be filtered at warn level: %q", out)
	}
	plain := stripANSI(out)
	for _, want := range []string{"ERROR http.request", "status=503", "took=1500ms", "WARN  ws.close", "code=1011", "status=ACTIVE"} {
		if !strings.Contains(plain, want) {
			t.Fatalf("missing %q in %q", want, plain)
		}
	}
	for name, want := range map[string]string{
		"5xx status":   ansiRed + "503" + ansiReset,
		"slow request": ansiRed + "1500ms" + ansiReset,
		"close code":   ansiYellow + "1011" + ansiReset,
		"event scope":  ansiCyan + "ws.close" + ansiReset,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("%s: missing %q in %q", name, want, out)
		}
	}
	if strings.Contains(out, ansiGreen+"ACTIVE") {
		t.Fatalf("string status must not be tinted: %q", out)
	}
}

func TestShortKey(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"session_id":    "session",
		"conn_id":       "conn",
		"user_id":       "user",
		"duration_ms":   "took",
		"chat_type":     "chat_type",
		"relay.conn_id": "relay.conn_id",
	}
	for in, want := range cases {
		if got := shortKey(in); got != want {
			t.Fatalf("shortKey(%q)=%q want=%q", in, got, want)
		}
	}
}
