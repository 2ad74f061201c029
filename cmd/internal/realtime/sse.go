package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"counsel/cmd/internal/auth"
	"counsel/cmd/internal/httpx"
	v1 "counsel/shared/contracts/stream/v1"
)

// SSEHandler serves POST /chat/stream: the body is one submit frame and the response is the
// turn's frames as a text/event-stream, one "data: <json>" event per frame.
type SSEHandler struct {
	log          *slog.Logger
	tokens       *auth.Tokens
	runner       *TurnRunner
	writeTimeout time.Duration
}

// NewSSEHandler constructs an SSEHandler.
func NewSSEHandler(log *slog.Logger, tokens *auth.Tokens, runner *TurnRunner, writeTimeout time.Duration) *SSEHandler {
	if log == nil {
		log = discardLogger()
	}
	if writeTimeout <= 0 {
		writeTimeout = DefaultGatewayConfig().WriteTimeout
	}
	return &SSEHandler{log: log, tokens: tokens, runner: runner, writeTimeout: writeTimeout}
}

func (h *SSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claims, err := h.tokens.Authenticate(r, false)
	if err != nil {
		httpx.WriteError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
		return
	}

	var sub v1.Submit
	if err := httpx.DecodeJSON(w, r, maxFrameBytes, &sub); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_json", "invalid submit frame")
		return
	}
	if err := sub.Validate(); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		httpx.WriteError(w, http.StatusInternalServerError, "streaming_unsupported", "streaming unsupported")
		return
	}
	rc := http.NewResponseController(w)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	connID := NewConnID(time.Now().UTC())
	emit := func(ctx context.Context, f v1.ServerFrame) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		b, err := v1.EncodeServerFrame(f)
		if err != nil {
			return err
		}
		_ = rc.SetWriteDeadline(time.Now().Add(h.writeTimeout))
		if _, err := fmt.Fprintf(w, "data: %s\n\n", b); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	err = h.runner.Run(r.Context(), Turn{
		UserID:    claims.UserID,
		ConnID:    connID,
		Transport: "sse",
		Submit:    sub,
	}, emit)
	if err != nil && !errors.Is(err, context.Canceled) {
		h.log.Info("sse.turn.abort", "conn_id", connID, "err", err)
	}
}
