package app

import (
	"net"
	"net/http"
	"strings"
	"time"

	"counsel/cmd/internal/auth"
	"counsel/cmd/internal/chatapi"
	"counsel/cmd/internal/metrics"
	"counsel/cmd/internal/realtime"
	"counsel/cmd/internal/relay"

	"github.com/jackc/pgx/v5/pgxpool"
)

type routes struct {
	log     Logger
	cfg     Config
	dbPool  *pgxpool.Pool
	tokens  *auth.Tokens
	ws      *realtime.WSGateway
	sse     *realtime.SSEHandler
	api     *chatapi.Handler
	relay   *relay.Handler
	refresh *auth.RefreshHandler
	metrics *metrics.Recorder
}

func registerHTTP(mux *http.ServeMux, rt routes) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if rt.cfg.ReadinessRequireDB && rt.dbPool == nil {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}

		if rt.dbPool != nil {
			if err := PingDB(r.Context(), rt.dbPool, 2*time.Second); err != nil {
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				rt.log.Info("readyz.db.not_ready", "err", err)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	mux.Handle("GET /ws", rt.ws)
	mux.Handle("POST /chat/stream", rt.sse)
	rt.api.Register(mux, rt.tokens.Middleware)
	rt.refresh.Register(mux)
	rt.relay.Register(mux)

	if rt.cfg.MetricsEnabled && rt.metrics != nil {
		mux.Handle("GET /metrics", rt.metrics.Handler())
	}
}

// runtimeBaseURL turns a listen address into a URL a local client can dial.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "http://" + strings.TrimSpace(addr)
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// wsBaseURL maps http(s) to ws(s); a bare host:port is treated as plain http.
func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}
