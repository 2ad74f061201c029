// Package authtoken resolves the bearer token used by the chat client.
//
// The Supplier is process-wide and safe for concurrent use. It distinguishes a session that is
// still loading (transient) from no session at all (terminal), and performs a single
// refresh-and-retry when a collaborator reports the token as unauthorized.
package authtoken

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Status is the state of the external auth session.
type Status uint8

const (
	// StatusLoading means the session store has not resolved yet.
	StatusLoading Status = iota
	// StatusAuthenticated means AccessToken is usable.
	StatusAuthenticated
	// StatusUnauthenticated means there is no session (logged out or invalidated).
	StatusUnauthenticated
)

func (s Status) String() string {
	switch s {
	case StatusLoading:
		return "loading"
	case StatusAuthenticated:
		return "authenticated"
	case StatusUnauthenticated:
		return "unauthenticated"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Session is a snapshot of the external auth session.
type Session struct {
	Status       Status
	AccessToken  string
	RefreshToken string

	// ExpiresAt is optional; zero means unknown.
	ExpiresAt time.Time
}

func (s Session) token() string {
	if s.Status != StatusAuthenticated {
		return ""
	}
	return s.AccessToken
}

// Refresher exchanges the current session for a fresh one.
// Implementations return an error wrapping ErrUnauthorized when the refresh itself is refused.
type Refresher interface {
	Refresh(ctx context.Context, cur Session) (Session, error)
}

// RefresherFunc adapts a function to Refresher.
type RefresherFunc func(ctx context.Context, cur Session) (Session, error)

// Refresh calls f.
func (f RefresherFunc) Refresh(ctx context.Context, cur Session) (Session, error) {
	return f(ctx, cur)
}

// Option configures a Supplier.
type Option func(*Supplier)

// WithRefresher sets the refresh collaborator.
func WithRefresher(r Refresher) Option {
	return func(s *Supplier) {
		if r != nil {
			s.refresher = r
		}
	}
}

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Supplier) {
		if now != nil {
			s.now = now
		}
	}
}

// WithExpirySkew treats tokens expiring within d as already expired.
func WithExpirySkew(d time.Duration) Option {
	return func(s *Supplier) {
		if d >= 0 {
			s.skew = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Supplier) {
		if log != nil {
			s.log = log
		}
	}
}

// Supplier resolves the current bearer token and notifies listeners when it changes.
type Supplier struct {
	log       *slog.Logger
	refresher Refresher
	now       func() time.Time
	skew      time.Duration

	mu   sync.RWMutex
	sess Session

	// notifyMu serializes listener delivery so listeners observe changes in order.
	notifyMu  sync.Mutex
	lmu       sync.Mutex
	listeners map[uint64]func(token string)
	nextID    uint64

	refreshGroup singleflight.Group
}

// NewSupplier constructs a Supplier in the loading state.
func NewSupplier(opts ...Option) *Supplier {
	s := &Supplier{
		log:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:       time.Now,
		skew:      10 * time.Second,
		sess:      Session{Status: StatusLoading},
		listeners: make(map[uint64]func(string)),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(s)
	}
	return s
}

// Session returns the current session snapshot.
func (s *Supplier) Session() Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sess
}

// Set replaces the session (called by the external session store) and notifies listeners
// when the effective token changed.
func (s *Supplier) Set(sess Session) {
	if sess.Status == StatusAuthenticated && sess.AccessToken == "" {
		sess.Status = StatusUnauthenticated
	}

	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	prev := s.sess.token()
	s.sess = sess
	next := sess.token()
	s.mu.Unlock()

	if prev == next {
		return
	}
	s.log.Debug("authtoken.change", "status", sess.Status.String(), "has_token", next != "")

	for _, fn := range s.snapshotListeners() {
		fn(next)
	}
}

// Token returns the current token without blocking.
// ErrSessionLoading means "not yet connectable"; ErrNoSession means "unauthenticated".
func (s *Supplier) Token() (string, error) {
	sess := s.Session()
	switch sess.Status {
	case StatusAuthenticated:
		return sess.AccessToken, nil
	case StatusLoading:
		return "", ErrSessionLoading
	default:
		return "", ErrNoSession
	}
}

// OnTokenChange registers fn to be called with the new token ("" when it became unavailable).
// The returned function unregisters it.
func (s *Supplier) OnTokenChange(fn func(token string)) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}

	s.lmu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners[id] = fn
	s.lmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.lmu.Lock()
			delete(s.listeners, id)
			s.lmu.Unlock()
		})
	}
}

func (s *Supplier) snapshotListeners() []func(string) {
	s.lmu.Lock()
	defer s.lmu.Unlock()

	out := make([]func(string), 0, len(s.listeners))
	for _, fn := range s.listeners {
		out = append(out, fn)
	}
	return out
}

func (s *Supplier) expired(sess Session) bool {
	if sess.ExpiresAt.IsZero() {
		return false
	}
	return !sess.ExpiresAt.After(s.now().Add(s.skew))
}

// Refresh forces a token refresh. Concurrent callers share one refresh.
func (s *Supplier) Refresh(ctx context.Context) (string, error) {
	return s.refreshFrom(ctx, s.Session().token())
}

// refreshFrom refreshes unless the token already moved past stale.
func (s *Supplier) refreshFrom(ctx context.Context, stale string) (string, error) {
	if cur := s.Session(); cur.Status == StatusAuthenticated && cur.AccessToken != stale {
		return cur.AccessToken, nil
	}

	v, err, shared := s.refreshGroup.Do("refresh", func() (any, error) {
		if s.refresher == nil {
			return "", ErrNoRefresher
		}
		next, err := s.refresher.Refresh(ctx, s.Session())
		if err != nil {
			return "", err
		}
		if next.Status == StatusLoading {
			next.Status = StatusAuthenticated
		}
		s.Set(next)
		if next.token() == "" {
			return "", ErrNoSession
		}
		return next.AccessToken, nil
	})
	if err != nil {
		s.log.Info("authtoken.refresh.fail", "shared", shared, "err", err)
		return "", fmt.Errorf("refresh token: %w", err)
	}
	s.log.Debug("authtoken.refresh.ok", "shared", shared)
	return v.(string), nil
}

// Do runs fn with the current token. If the token is known to be expired it is refreshed first.
// If fn fails with ErrUnauthorized, the token is refreshed and fn retried exactly once; a second
// refusal invalidates the session and returns ErrSessionInvalid.
func (s *Supplier) Do(ctx context.Context, fn func(token string) error) error {
	tok, err := s.Token()
	if err != nil {
		return err
	}

	refreshed := false
	if s.expired(s.Session()) {
		tok, err = s.refreshFrom(ctx, tok)
		if err != nil {
			return s.refreshFailed(err)
		}
		refreshed = true
	}

	err = fn(tok)
	if !errors.Is(err, ErrUnauthorized) {
		return err
	}
	if refreshed {
		s.invalidate()
		return fmt.Errorf("%w: %w", ErrSessionInvalid, err)
	}

	tok, rerr := s.refreshFrom(ctx, tok)
	if rerr != nil {
		return s.refreshFailed(rerr)
	}

	err = fn(tok)
	if errors.Is(err, ErrUnauthorized) {
		s.invalidate()
		return fmt.Errorf("%w: %w", ErrSessionInvalid, err)
	}
	return err
}

func (s *Supplier) refreshFailed(err error) error {
	if errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrNoRefresher) {
		s.invalidate()
		return fmt.Errorf("%w: %w", ErrSessionInvalid, err)
	}
	return err
}

func (s *Supplier) invalidate() {
	s.log.Info("authtoken.invalidate")
	s.Set(Session{Status: StatusUnauthenticated})
}
