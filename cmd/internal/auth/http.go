package auth

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"counsel/cmd/internal/httpx"
)

const maxRefreshBodyBytes = 8 << 10

type ctxKey struct{}

// WithClaims returns a context carrying c.
func WithClaims(ctx context.Context, c Claims) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

// ClaimsFrom returns the claims stored by Middleware.
func ClaimsFrom(ctx context.Context) (Claims, bool) {
	c, ok := ctx.Value(ctxKey{}).(Claims)
	return c, ok
}

// UserID returns the authenticated user id or "".
func UserID(ctx context.Context) string {
	c, _ := ClaimsFrom(ctx)
	return c.UserID
}

// Authenticate verifies the bearer token of r. When allowQuery is set the "token" query
// parameter is accepted too (browsers cannot set headers on WebSocket handshakes).
func (t *Tokens) Authenticate(r *http.Request, allowQuery bool) (Claims, error) {
	raw := httpx.BearerToken(r)
	if raw == "" && allowQuery {
		raw = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if raw == "" {
		return Claims{}, ErrInvalidToken
	}
	return t.Verify(raw, time.Now().UTC())
}

// Middleware rejects requests without a valid access token and stores the claims in the context.
func (t *Tokens) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := t.Authenticate(r, false)
		if err != nil {
			httpx.WriteError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), c)))
	})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type sessionResponse struct {
	AccessToken      string    `json:"access_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshToken     string    `json:"refresh_token"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

type refreshResponse struct {
	Session sessionResponse `json:"session"`
}

// RefreshHandler serves POST /auth/refresh: a valid refresh token buys a new token pair.
type RefreshHandler struct {
	log    *slog.Logger
	tokens *Tokens
	now    func() time.Time
}

// NewRefreshHandler constructs a RefreshHandler.
func NewRefreshHandler(log *slog.Logger, tokens *Tokens) *RefreshHandler {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &RefreshHandler{log: log, tokens: tokens, now: func() time.Time { return time.Now().UTC() }}
}

// Register mounts the handler.
func (h *RefreshHandler) Register(mux *http.ServeMux) {
	mux.Handle("POST /auth/refresh", h)
}

func (h *RefreshHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := httpx.DecodeJSON(w, r, maxRefreshBodyBytes, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if strings.TrimSpace(req.RefreshToken) == "" {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "refresh_token is required")
		return
	}

	now := h.now()
	c, err := h.tokens.VerifyRefresh(req.RefreshToken, now)
	if err != nil {
		h.log.Info("auth.refresh.reject", "err", err)
		httpx.WriteError(w, http.StatusUnauthorized, "session_not_active", "session not active")
		return
	}

	issued, err := h.tokens.Issue(c.UserID, now)
	if err != nil {
		h.log.Error("auth.refresh.fail", "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	h.log.Debug("auth.refresh.ok", "user_id", c.UserID)
	httpx.WriteJSON(w, http.StatusOK, refreshResponse{Session: sessionResponse{
		AccessToken:      issued.AccessToken,
		AccessExpiresAt:  issued.AccessExp,
		RefreshToken:     issued.RefreshToken,
		RefreshExpiresAt: issued.RefreshExp,
	}})
}
