// Package metrics exports the backend's Prometheus metrics from a private registry.
// A nil *Recorder is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Turn results.
const (
	ResultOK       = "ok"
	ResultFailed   = "failed"
	ResultRejected = "rejected"
)

// Relay results.
const (
	RelayOK          = "ok"
	RelayInvalid     = "invalid"
	RelayRateLimited = "rate_limited"
	RelayUpstream    = "upstream_error"
)

// Recorder owns the registry and the counsel_* collectors.
type Recorder struct {
	registry *prometheus.Registry

	turns         *prometheus.CounterVec
	turnDuration  *prometheus.HistogramVec
	chunks        prometheus.Counter
	wsConnections prometheus.Gauge
	relay         *prometheus.CounterVec
}

// New registers the collectors on a fresh registry, plus the Go and process collectors.
func New() *Recorder {
	reg := prometheus.NewRegistry()

	r := &Recorder{
		registry: reg,
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "counsel",
			Name:      "turns_total",
			Help:      "AI turns by result.",
		}, []string{"result"}),
		turnDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "counsel",
			Name:      "turn_duration_seconds",
			Help:      "Wall time from submit to the terminal frame.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"transport"}),
		chunks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "counsel",
			Name:      "chunks_total",
			Help:      "Chunk frames written to clients.",
		}),
		wsConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "counsel",
			Name:      "ws_connections",
			Help:      "Open WebSocket connections.",
		}),
		relay: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "counsel",
			Name:      "relay_requests_total",
			Help:      "Relay requests by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		r.turns,
		r.turnDuration,
		r.chunks,
		r.wsConnections,
		r.relay,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Registry exposes the underlying registry (tests).
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// TurnFinished records one turn. transport is "ws" or "sse".
func (r *Recorder) TurnFinished(transport, result string, d time.Duration) {
	if r == nil {
		return
	}
	r.turns.WithLabelValues(result).Inc()
	if result != ResultRejected {
		r.turnDuration.WithLabelValues(transport).Observe(d.Seconds())
	}
}

// Chunk counts one chunk frame.
func (r *Recorder) Chunk() {
	if r == nil {
		return
	}
	r.chunks.Inc()
}

// WSOpened increments the connection gauge.
func (r *Recorder) WSOpened() {
	if r == nil {
		return
	}
	r.wsConnections.Inc()
}

// WSClosed decrements the connection gauge.
func (r *Recorder) WSClosed() {
	if r == nil {
		return
	}
	r.wsConnections.Dec()
}

// Relay records one relay request.
func (r *Recorder) Relay(result string) {
	if r == nil {
		return
	}
	r.relay.WithLabelValues(result).Inc()
}
