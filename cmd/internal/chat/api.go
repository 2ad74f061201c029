package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"counsel/cmd/internal/authtoken"
)

const maxAPIResponseBytes = 4 << 20

// Backend is the REST collaborator the Orchestrator and Registry consume.
type Backend interface {
	ListSessions(ctx context.Context, topic TopicType, status SessionStatus) ([]Session, error)
	GetSession(ctx context.Context, id string) (Session, error)
	ListMessages(ctx context.Context, sessionID string) ([]Message, error)
	Archive(ctx context.Context, sessionID string) error
	Unarchive(ctx context.Context, sessionID string) error
}

// API is the HTTP Backend. Every call carries the bearer token from the Supplier and goes
// through its refresh-and-retry cycle.
type API struct {
	base   *url.URL
	client *http.Client
	tokens *authtoken.Supplier
	log    *slog.Logger
}

// APIOption configures an API.
type APIOption func(*API)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *http.Client) APIOption {
	return func(a *API) {
		if c != nil {
			a.client = c
		}
	}
}

// WithAPILogger sets the logger.
func WithAPILogger(log *slog.Logger) APIOption {
	return func(a *API) {
		if log != nil {
			a.log = log
		}
	}
}

// NewAPI constructs an API rooted at baseURL (e.g. "http://127.0.0.1:8080").
func NewAPI(baseURL string, tokens *authtoken.Supplier, opts ...APIOption) (*API, error) {
	if tokens == nil {
		return nil, errors.New("chat: nil token supplier")
	}
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("chat: invalid api url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("chat: unsupported api scheme: %q", u.Scheme)
	}

	a := &API{base: u, client: http.DefaultClient, tokens: tokens, log: discardLogger()}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a, nil
}

// ListSessions returns the sessions of topic with the given status (ACTIVE or ARCHIVED).
func (a *API) ListSessions(ctx context.Context, topic TopicType, status SessionStatus) ([]Session, error) {
	path := "/sessions"
	if status == StatusArchived {
		path = "/sessions/archived"
	}
	q := url.Values{}
	q.Set("chat_type", string(topic))

	var out []Session
	if err := a.call(ctx, http.MethodGet, path, q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetSession returns one session.
func (a *API) GetSession(ctx context.Context, id string) (Session, error) {
	var out Session
	if err := a.call(ctx, http.MethodGet, "/sessions/"+url.PathEscape(id), nil, &out); err != nil {
		return Session{}, err
	}
	return out, nil
}

// ListMessages returns the persisted history of a session in chronological order.
func (a *API) ListMessages(ctx context.Context, sessionID string) ([]Message, error) {
	var out []Message
	if err := a.call(ctx, http.MethodGet, "/sessions/"+url.PathEscape(sessionID)+"/messages", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Archive archives a session.
func (a *API) Archive(ctx context.Context, sessionID string) error {
	return a.call(ctx, http.MethodPost, "/sessions/"+url.PathEscape(sessionID)+"/archive", nil, nil)
}

// Unarchive restores an archived session.
func (a *API) Unarchive(ctx context.Context, sessionID string) error {
	return a.call(ctx, http.MethodPost, "/sessions/"+url.PathEscape(sessionID)+"/unarchive", nil, nil)
}

type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (a *API) call(ctx context.Context, method, path string, q url.Values, out any) error {
	u := *a.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	if q != nil {
		u.RawQuery = q.Encode()
	}
	target := u.String()

	return a.tokens.Do(ctx, func(token string) error {
		req, err := http.NewRequestWithContext(ctx, method, target, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := a.client.Do(req)
		if err != nil {
			return fmt.Errorf("%s %s: %w", method, path, err)
		}
		defer func() { _ = resp.Body.Close() }()

		body := io.LimitReader(resp.Body, maxAPIResponseBytes)

		if resp.StatusCode == http.StatusUnauthorized {
			_, _ = io.Copy(io.Discard, body)
			a.log.Debug("chat.api.unauthorized", "method", method, "path", path)
			return fmt.Errorf("%s %s: %w", method, path, authtoken.ErrUnauthorized)
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			apiErr := &APIError{Status: resp.StatusCode}
			var env apiErrorEnvelope
			if json.NewDecoder(body).Decode(&env) == nil {
				apiErr.Code = env.Error.Code
				apiErr.Message = env.Error.Message
			}
			return fmt.Errorf("%s %s: %w", method, path, apiErr)
		}

		if out == nil {
			_, _ = io.Copy(io.Discard, body)
			return nil
		}
		if err := json.NewDecoder(body).Decode(out); err != nil {
			return fmt.Errorf("%s %s: decode response: %w", method, path, err)
		}
		return nil
	})
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
