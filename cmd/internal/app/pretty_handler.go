package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

// consoleHandler writes one line per record for a terminal:
//
//	09:14:03.112 INFO  chat.turn.done session=01J conn=4f2 took=812ms
//
// The event name is tinted by its first dot segment so server, transport and client lines
// are easy to tell apart in a mixed stream.
type consoleHandler struct {
	w      io.Writer
	mu     *sync.Mutex
	level  slog.Leveler
	source bool
	color  bool
	prefix string
	attrs  []slog.Attr
}

func newPrettyHandler(w io.Writer, opts *slog.HandlerOptions, color bool) slog.Handler {
	h := &consoleHandler{w: w, mu: &sync.Mutex{}, level: slog.LevelInfo, color: color}
	if opts != nil {
		if opts.Level != nil {
			h.level = opts.Level
		}
		h.source = opts.AddSource
	}
	return h
}

func (h *consoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *consoleHandler) Handle(_ context.Context, r slog.Record) error {
	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	var b strings.Builder
	b.WriteString(h.paint(ansiDim, ts.Format("15:04:05.000")))
	b.WriteByte(' ')
	b.WriteString(h.levelLabel(r.Level))
	b.WriteByte(' ')
	b.WriteString(h.paint(scopeColor(r.Message), r.Message))

	if h.source && r.PC != 0 {
		f, _ := runtime.CallersFrames([]uintptr{r.PC}).Next()
		if f.File != "" {
			b.WriteString(h.paint(ansiDim, fmt.Sprintf(" @%s:%d", filepath.Base(f.File), f.Line)))
		}
	}

	for _, a := range h.attrs {
		h.writeAttr(&b, "", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		h.writeAttr(&b, h.prefix, a)
		return true
	})
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

// WithAttrs resolves keys against the current group so later groups do not rename them.
func (h *consoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	cp := *h
	cp.attrs = append([]slog.Attr{}, h.attrs...)
	for _, a := range attrs {
		a.Key = h.prefix + a.Key
		cp.attrs = append(cp.attrs, a)
	}
	return &cp
}

func (h *consoleHandler) WithGroup(name string) slog.Handler {
	name = strings.TrimSpace(name)
	if name == "" {
		return h
	}
	cp := *h
	cp.prefix = h.prefix + name + "."
	return &cp
}

func (h *consoleHandler) writeAttr(b *strings.Builder, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Key == "" && a.Value.Kind() != slog.KindGroup {
		return
	}

	if a.Value.Kind() == slog.KindGroup {
		if a.Key != "" {
			prefix += a.Key + "."
		}
		for _, ga := range a.Value.Group() {
			h.writeAttr(b, prefix, ga)
		}
		return
	}

	key := prefix + a.Key
	b.WriteByte(' ')
	b.WriteString(h.paint(ansiDim, shortKey(key)+"="))
	b.WriteString(h.formatValue(key, a.Value))
}

// shortKey drops the _id and _ms suffixes the code base uses on its attribute keys.
func shortKey(k string) string {
	switch k {
	case "session_id", "conn_id", "user_id":
		return strings.TrimSuffix(k, "_id")
	case "duration_ms":
		return "took"
	}
	return k
}

func (h *consoleHandler) formatValue(key string, v slog.Value) string {
	s := quoteIfNeeded(valueText(v))

	switch key {
	case "err":
		return h.paint(ansiRed, s)
	case "session_id", "conn_id", "user_id":
		return h.paint(ansiDim, s)
	case "chat_type", "topic", "transport":
		return h.paint(ansiCyan, s)
	case "duration_ms":
		if v.Kind() == slog.KindInt64 {
			return h.paint(latencyColor(v.Int64()), s+"ms")
		}
	case "status":
		if v.Kind() == slog.KindInt64 {
			return h.paint(httpStatusColor(v.Int64()), s)
		}
	case "code":
		// websocket close code; anything but a normal closure stands out
		if v.Kind() == slog.KindInt64 && v.Int64() != 1000 {
			return h.paint(ansiYellow, s)
		}
	}
	return s
}

func valueText(v slog.Value) string {
	switch v.Kind() {
	case slog.KindTime:
		return v.Time().Format(time.RFC3339)
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return err.Error()
		}
	}
	return v.String()
}

func quoteIfNeeded(s string) string {
	if s == "" || strings.ContainsAny(s, " \t\r\n\"=") {
		return strconv.Quote(s)
	}
	return s
}

func (h *consoleHandler) levelLabel(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return h.paint(ansiRed, "ERROR")
	case l >= slog.LevelWarn:
		return h.paint(ansiYellow, "WARN ")
	case l >= slog.LevelInfo:
		return h.paint(ansiBlue, "INFO ")
	default:
		return h.paint(ansiMagenta, "DEBUG")
	}
}

func (h *consoleHandler) paint(code, s string) string {
	if !h.color || code == "" {
		return s
	}
	return code + s + ansiReset
}

// scopeColor picks the event tint from its namespace (chat.*, ws.*, relay.*, ...).
func scopeColor(event string) string {
	scope, _, _ := strings.Cut(event, ".")
	switch scope {
	case "chat", "authtoken":
		return ansiBright
	case "ws", "sse", "transport":
		return ansiCyan
	case "relay", "turn", "llm":
		return ansiGreen
	case "http", "chatapi", "auth":
		return ansiBlue
	default:
		return ""
	}
}

func latencyColor(ms int64) string {
	switch {
	case ms >= 1000:
		return ansiRed
	case ms >= 250:
		return ansiYellow
	default:
		return ""
	}
}

func httpStatusColor(code int64) string {
	switch {
	case code >= 500:
		return ansiRed
	case code >= 400:
		return ansiYellow
	default:
		return ansiGreen
	}
}

const (
	ansiReset   = "\x1b[0m"
	ansiBright  = "\x1b[1m"
	ansiDim     = "\x1b[2m"
	ansiRed     = "\x1b[31m"
	ansiGreen   = "\x1b[32m"
	ansiYellow  = "\x1b[33m"
	ansiBlue    = "\x1b[34m"
	ansiMagenta = "\x1b[35m"
	ansiCyan    = "\x1b[36m"
)

var ansiSeq = regexp.MustCompile("\x1b\\[[0-9;]*m")

// stripANSI removes SGR escape sequences.
func stripANSI(s string) string {
	return ansiSeq.ReplaceAllString(s, "")
}
