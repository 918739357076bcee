package obs

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"livetrader/internal/schema"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveCycle(time.Second)
	m.ObserveMessage("AAPL", MessageBuffered)
	m.SetQueueDepth("AAPL", 3)
	m.IncDecision("AAPL", schema.SideBuy)
	m.IncOrderStatus(schema.OrderStatusFilled)
	m.SetAccount(schema.AccountSnapshot{Cash: 1})
	assert.Nil(t, m.Registry())
	assert.Equal(t, LatencySnapshot{}, m.CycleLatency())
}

func TestLatencyStats(t *testing.T) {
	var l LatencyStats
	l.Observe(10 * time.Millisecond)
	l.Observe(30 * time.Millisecond)
	l.Observe(-time.Millisecond)
	snap := l.Snapshot()
	assert.Equal(t, uint64(2), snap.Count)
	assert.Equal(t, 10*time.Millisecond, snap.Min)
	assert.Equal(t, 30*time.Millisecond, snap.Max)
	assert.Equal(t, 20*time.Millisecond, snap.Avg)
}

func TestHeartbeatBeatAndLast(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "heartbeat")
	hb := NewHeartbeat(path)
	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	hb.now = func() time.Time { return fixed }

	written, err := hb.Beat()
	require.NoError(t, err)
	assert.Equal(t, fixed, written)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "2024-03-01T12:00:00Z\n", string(data))

	last, err := hb.Last()
	require.NoError(t, err)
	assert.True(t, fixed.Equal(last))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestServerRoutes(t *testing.T) {
	m := NewMetrics()
	m.ObserveCycle(time.Second)
	hb := NewHeartbeat(filepath.Join(t.TempDir(), "heartbeat"))
	srv := NewServer(":0", m, hb, time.Minute)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	_, err := hb.Beat()
	require.NoError(t, err)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "livetrader_loop_cycles_total 1"))
}
