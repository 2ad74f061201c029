// Package relay serves the non-streaming advising endpoint: one request carries the user message
// plus prior turns and one response carries the whole reply.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"counsel/cmd/internal/httpx"
	"counsel/cmd/internal/llm"
	"counsel/cmd/internal/metrics"
	v1 "counsel/shared/contracts/stream/v1"
)

const (
	maxBodyBytes   = 256 << 10
	maxHistory     = 20
	defaultTimeout = 60 * time.Second
)

// Config configures a Handler.
type Config struct {
	// RPS and Burst size the per-client token bucket; RPS <= 0 disables throttling.
	RPS   float64
	Burst int

	TrustProxy bool
	Timeout    time.Duration
}

// Handler serves POST /chat.
type Handler struct {
	log     *slog.Logger
	model   llm.Service
	metrics *metrics.Recorder
	cfg     Config
	limiter *clientLimiter
	now     func() time.Time
}

// NewHandler constructs a Handler. rec may be nil.
func NewHandler(log *slog.Logger, model llm.Service, rec *metrics.Recorder, cfg Config) *Handler {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Handler{
		log:     log,
		model:   model,
		metrics: rec,
		cfg:     cfg,
		limiter: newClientLimiter(cfg.RPS, cfg.Burst),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Register mounts the route on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("POST /chat", h.handleChat)
}

func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	now := h.now()
	ip := httpx.ClientIP(r, h.cfg.TrustProxy)
	key := "unknown"
	if ip != nil {
		key = ip.String()
	}

	if ok, retry := h.limiter.reserve(key, now); !ok {
		h.metrics.Relay(metrics.RelayRateLimited)
		h.log.Info("relay.reject.rate", "remote", key, "retry_after", retry)
		httpx.WriteRateLimited(w, retry)
		return
	}

	var req v1.RelayRequest
	if err := httpx.DecodeJSON(w, r, maxBodyBytes, &req); err != nil {
		h.metrics.Relay(metrics.RelayInvalid)
		httpx.WriteError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	msgs, err := buildMessages(req)
	if err != nil {
		h.metrics.Relay(metrics.RelayInvalid)
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.cfg.Timeout)
	defer cancel()

	reply, err := h.model.Chat(ctx, msgs)
	if err != nil {
		h.metrics.Relay(metrics.RelayUpstream)
		h.log.Warn("relay.model.fail", "remote", key, "err", err)
		httpx.WriteError(w, http.StatusBadGateway, "upstream_error", "the advisor is unavailable right now")
		return
	}

	h.metrics.Relay(metrics.RelayOK)
	h.log.Debug("relay.done", "remote", key, "history", len(req.History), "chars", len(reply))
	httpx.WriteJSON(w, http.StatusOK, v1.RelayResponse{Replay: reply, Timestamp: h.now()})
}

var (
	errMissingMessage = errors.New("missing field: message")
	errMessageTooLong = errors.New("message too long")
	errBadHistory     = errors.New("history entries need role user or assistant and non-empty content")
)

// buildMessages validates req and keeps the newest maxHistory prior turns behind the preamble.
func buildMessages(req v1.RelayRequest) ([]llm.Message, error) {
	text := strings.TrimSpace(req.Message)
	if text == "" {
		return nil, errMissingMessage
	}
	if len([]rune(text)) > v1.MaxMessageChars {
		return nil, errMessageTooLong
	}

	hist := req.History
	if len(hist) > maxHistory {
		hist = hist[len(hist)-maxHistory:]
	}
	prior := make([]llm.Message, 0, len(hist))
	for _, e := range hist {
		role := strings.ToLower(strings.TrimSpace(e.Role))
		if role != llm.RoleUser && role != llm.RoleAssistant {
			return nil, errBadHistory
		}
		if strings.TrimSpace(e.Content) == "" {
			return nil, errBadHistory
		}
		prior = append(prior, llm.Message{Role: role, Content: e.Content})
	}
	return llm.BuildMessages(llm.RelayPreamble, prior, text), nil
}
