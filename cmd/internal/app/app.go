// Package app wires the counsel backend runtime: config, logging, stores, the model provider and
// the HTTP surface (WebSocket and SSE streaming, session REST, relay, token refresh, metrics).
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"counsel/cmd/internal/auth"
	"counsel/cmd/internal/chatapi"
	"counsel/cmd/internal/llm"
	"counsel/cmd/internal/metrics"
	"counsel/cmd/internal/realtime"
	"counsel/cmd/internal/relay"

	"github.com/jackc/pgx/v5/pgxpool"
)

// App is the counsel server runtime: it owns the HTTP handler and the resources behind it.
type App struct {
	cfg Config
	log Logger

	store  realtime.SessionStore
	dbPool *pgxpool.Pool

	tokens  *auth.Tokens
	metrics *metrics.Recorder
	handler http.Handler
}

// Option overrides a dependency New would otherwise build from Config.
type Option func(*options)

type options struct {
	model llm.Service
	store realtime.SessionStore
}

// WithLLM injects the model provider.
func WithLLM(svc llm.Service) Option {
	return func(o *options) { o.model = svc }
}

// WithStore injects the session store; the caller keeps ownership.
func WithStore(st realtime.SessionStore) Option {
	return func(o *options) { o.store = st }
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger, opts ...Option) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat, cfg.LogColor)
	}
	if err := ValidateSecurityConfig(cfg); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	secret, err := authSecret(cfg, log)
	if err != nil {
		return nil, err
	}
	tokens, err := auth.NewTokens(auth.Config{
		Secret:     secret,
		Issuer:     cfg.AuthIssuer,
		AccessTTL:  cfg.AuthAccessTTL,
		RefreshTTL: cfg.AuthRefreshTTL,
		ClockSkew:  30 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("auth config: %w", err)
	}

	model := o.model
	if model == nil {
		model, err = llm.NewService(llm.Config{
			Provider:    cfg.LLMProvider,
			Model:       cfg.LLMModel,
			APIKey:      cfg.LLMAPIKey,
			BaseURL:     cfg.LLMBaseURL,
			MaxTokens:   cfg.LLMMaxTokens,
			Temperature: float32(cfg.LLMTemperature),
			Timeout:     cfg.LLMTimeout,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("llm config: %w", err)
		}
	}

	a := &App{cfg: cfg, log: log, tokens: tokens, store: o.store}
	if a.store == nil {
		if err := a.openStore(ctx); err != nil {
			return nil, err
		}
	}

	a.metrics = metrics.New()
	hub := realtime.NewHub(log)
	runner := realtime.NewTurnRunner(log, a.store, model, hub, a.metrics)

	mux := http.NewServeMux()
	registerHTTP(mux, routes{
		log:    log,
		cfg:    cfg,
		dbPool: a.dbPool,
		tokens: tokens,
		ws: realtime.NewWSGateway(log, tokens, runner, a.metrics, realtime.GatewayConfig{
			DevInsecure:       cfg.WSDevInsecure,
			OriginRequired:    cfg.WSOriginRequired,
			AllowedOrigins:    cfg.WSAllowedOrigins,
			WriteTimeout:      cfg.StreamWriteTimeout,
			SendQueueSize:     cfg.WSSendQueueSize,
			HeartbeatInterval: cfg.WSHeartbeat,
			RateEvents:        cfg.WSRateEvents,
			RateWindow:        cfg.WSRateWindow,
		}),
		sse:     realtime.NewSSEHandler(log, tokens, runner, cfg.StreamWriteTimeout),
		api:     chatapi.NewHandler(log, a.store),
		refresh: auth.NewRefreshHandler(log, tokens),
		relay: relay.NewHandler(log, model, a.metrics, relay.Config{
			RPS:        cfg.RelayRPS,
			Burst:      cfg.RelayBurst,
			TrustProxy: cfg.TrustProxy,
			Timeout:    cfg.LLMTimeout,
		}),
		metrics: a.metrics,
	})

	a.handler = WithRequestLogging(WithSecurityHeaders(WithCORS(mux, cfg, log)), log)
	return a, nil
}

// openStore decides between Postgres-backed persistence and the in-memory dev store.
func (a *App) openStore(ctx context.Context) error {
	if a.cfg.DatabaseURL == "" {
		a.log.Info("db.disabled.inmemory_store")
		a.store = realtime.NewInMemoryStore()
		return nil
	}

	pool, err := NewDBPool(ctx, a.cfg)
	if err != nil {
		return err
	}

	st, err := realtime.NewPostgresStore(pool, realtime.WithSchema(a.cfg.DBSchema))
	if err != nil {
		pool.Close()
		return err
	}
	if a.cfg.DBMigrate {
		if err := st.Migrate(ctx); err != nil {
			pool.Close()
			return err
		}
		a.log.Info("db.migrate.ok", "schema", a.cfg.DBSchema)
	}

	a.log.Info("db.enabled.postgres_store", "schema", a.cfg.DBSchema)
	a.store = st
	a.dbPool = pool
	return nil
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Tokens returns the bearer token manager.
func (a *App) Tokens() *auth.Tokens { return a.tokens }

// Close releases the store and the pool this App opened.
func (a *App) Close() {
	if a.dbPool != nil {
		_ = a.store.Close()
		a.dbPool.Close()
	}
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	defer a.Close()

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      a.cfg.WriteTimeout,
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	// Hijacked WebSocket connections are not tracked by Shutdown; cancelling the base context
	// ends their turns and closes them with "server shutting down".
	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()
	srv.BaseContext = func(net.Listener) context.Context { return baseCtx }
	srv.RegisterOnShutdown(cancelBase)

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"db_enabled", a.dbPool != nil,
		"llm_provider", a.cfg.LLMProvider,
		"ws_url", wsBaseURL(base)+"/ws",
		"sse_url", base+"/chat/stream",
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	a.log.Info("server.stopped")
	return nil
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
