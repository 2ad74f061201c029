package authtoken

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const maxRefreshResponseBytes = 64 << 10

// HTTPRefresher refreshes a session against an auth service speaking the
// `POST /auth/refresh` contract: {"refresh_token"} -> {"session":{...}}.
type HTTPRefresher struct {
	URL    string
	Client *http.Client
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type refreshSession struct {
	AccessToken     string    `json:"access_token"`
	AccessExpiresAt time.Time `json:"access_expires_at"`
	RefreshToken    string    `json:"refresh_token"`
}

type refreshResponse struct {
	Session refreshSession `json:"session"`
}

// Refresh implements Refresher.
func (r HTTPRefresher) Refresh(ctx context.Context, cur Session) (Session, error) {
	if strings.TrimSpace(r.URL) == "" {
		return Session{}, errors.New("authtoken: empty refresh url")
	}
	if strings.TrimSpace(cur.RefreshToken) == "" {
		return Session{}, fmt.Errorf("missing refresh token: %w", ErrUnauthorized)
	}

	body, err := json.Marshal(refreshRequest{RefreshToken: cur.RefreshToken})
	if err != nil {
		return Session{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, bytes.NewReader(body))
	if err != nil {
		return Session{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return Session{}, fmt.Errorf("refresh request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Session{}, fmt.Errorf("refresh rejected: status=%d: %w", resp.StatusCode, ErrUnauthorized)
	case resp.StatusCode != http.StatusOK:
		return Session{}, fmt.Errorf("refresh failed: status=%d", resp.StatusCode)
	}

	var out refreshResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxRefreshResponseBytes)).Decode(&out); err != nil {
		return Session{}, fmt.Errorf("decode refresh response: %w", err)
	}
	if strings.TrimSpace(out.Session.AccessToken) == "" {
		return Session{}, errors.New("refresh response missing access_token")
	}

	next := Session{
		Status:       StatusAuthenticated,
		AccessToken:  out.Session.AccessToken,
		RefreshToken: out.Session.RefreshToken,
		ExpiresAt:    out.Session.AccessExpiresAt,
	}
	if next.RefreshToken == "" {
		next.RefreshToken = cur.RefreshToken
	}
	return next, nil
}
