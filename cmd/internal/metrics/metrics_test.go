package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder_Counts(t *testing.T) {
	t.Parallel()

	r := New()
	r.TurnFinished("ws", ResultOK, 300*time.Millisecond)
	r.TurnFinished("sse", ResultFailed, time.Second)
	r.TurnFinished("ws", ResultRejected, 0)
	r.Chunk()
	r.Chunk()
	r.WSOpened()
	r.WSOpened()
	r.WSClosed()
	r.Relay(RelayOK)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.turns.WithLabelValues(ResultOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.turns.WithLabelValues(ResultFailed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.turns.WithLabelValues(ResultRejected)))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.chunks))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.wsConnections))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.relay.WithLabelValues(RelayOK)))
}

func TestRecorder_NilIsNoop(t *testing.T) {
	t.Parallel()

	var r *Recorder
	r.TurnFinished("ws", ResultOK, time.Second)
	r.Chunk()
	r.WSOpened()
	r.WSClosed()
	r.Relay(RelayOK)
	assert.Nil(t, r.Registry())

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRecorder_Handler(t *testing.T) {
	t.Parallel()

	r := New()
	r.Chunk()

	ts := httptest.NewServer(r.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "counsel_chunks_total 1")
}
