package monitoring

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSessions struct {
	mu    sync.Mutex
	stats SessionStats
}

func (s *stubSessions) SessionStats() SessionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.stats
	out.ByProject = copyIntMap(s.stats.ByProject)
	return out
}

func (s *stubSessions) set(stats SessionStats) {
	s.mu.Lock()
	s.stats = stats
	s.mu.Unlock()
}

type stubStreams struct {
	mu    sync.Mutex
	stats StreamStats
}

func (s *stubStreams) StreamStats() StreamStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *stubStreams) set(stats StreamStats) {
	s.mu.Lock()
	s.stats = stats
	s.mu.Unlock()
}

func testCollector(t *testing.T) (*Collector, *stubSessions, *stubStreams) {
	t.Helper()
	sessions := &stubSessions{}
	streams := &stubStreams{}
	metrics := NewMetricsWith(prometheus.NewRegistry())
	c := NewCollector(Config{
		MetricsInterval: 20 * time.Millisecond,
		HealthInterval:  20 * time.Millisecond,
		HistorySize:     10,
	}, metrics, sessions, streams, nil)
	t.Cleanup(c.Stop)
	return c, sessions, streams
}

func TestSampleSnapshotsSources(t *testing.T) {
	c, sessions, streams := testCollector(t)
	sessions.set(SessionStats{
		Total:        5,
		Active:       3,
		Suspended:    1,
		Errored:      1,
		ByProject:    map[string]int{"proj_a": 3, "proj_b": 2},
		CreatedTotal: 12,
		AvgLifetime:  90 * time.Second,
	})
	streams.set(StreamStats{
		Total:        4,
		Connected:    3,
		Disconnected: 1,
		BytesIn:      1024,
		BytesOut:     4096,
		AvgLatencyMs: 12.5,
	})

	c.Sample()
	cur := c.Current()

	assert.Equal(t, 5, cur.Sessions.Total)
	assert.Equal(t, 3, cur.Sessions.Active)
	assert.Equal(t, 1, cur.Sessions.Suspended)
	assert.Equal(t, map[string]int{"proj_a": 3, "proj_b": 2}, cur.Sessions.ByProject)
	assert.InDelta(t, 90.0, cur.Sessions.AvgLifetimeSeconds, 0.01)
	assert.Equal(t, 4, cur.Streams.Total)
	assert.Equal(t, 3, cur.Streams.Connected)
	assert.Equal(t, uint64(1024), cur.Streams.BytesIn)
	assert.InDelta(t, 12.5, cur.Streams.AvgLatencyMs, 0.01)
	assert.False(t, cur.Timestamp.IsZero())

	// Returned maps are copies; mutating them must not leak back.
	cur.Sessions.ByProject["proj_a"] = 99
	assert.Equal(t, 3, c.Current().Sessions.ByProject["proj_a"])
}

func TestRatesFromHistoryWindow(t *testing.T) {
	c, _, _ := testCollector(t)
	base := time.Now().UTC()

	c.mu.Lock()
	c.pushSampleLocked(sample{at: base, created: 0, errors: 0, latency: 10})
	c.pushSampleLocked(sample{at: base.Add(time.Minute), created: 6, errors: 2, latency: 20})
	c.pushSampleLocked(sample{at: base.Add(2 * time.Minute), created: 10, errors: 4, latency: 30})
	created, errors := c.ratesLocked()
	latency := c.meanLatencyLocked()
	c.mu.Unlock()

	assert.InDelta(t, 5.0, created, 0.01)
	assert.InDelta(t, 2.0, errors, 0.01)
	assert.InDelta(t, 20.0, latency, 0.01)
}

func TestHistoryWrapsOldestFirst(t *testing.T) {
	c, _, _ := testCollector(t)
	base := time.Now().UTC()

	c.mu.Lock()
	for i := 0; i < 15; i++ {
		c.pushSampleLocked(sample{at: base.Add(time.Duration(i) * time.Second), created: uint64(i)})
	}
	hist := c.historyLocked()
	c.mu.Unlock()

	require.Len(t, hist, 10)
	assert.Equal(t, uint64(5), hist[0].created)
	assert.Equal(t, uint64(14), hist[len(hist)-1].created)
}

func TestRecordErrorAccounting(t *testing.T) {
	c, _, _ := testCollector(t)

	c.RecordError("stream", "transport lost")
	c.RecordError("stream", "transport lost")
	c.RecordError("session", "quota hit")
	c.Sample()

	cur := c.Current()
	assert.Equal(t, uint64(3), cur.Errors.Total)
	assert.Equal(t, uint64(2), cur.Errors.ByType["stream"])
	assert.Equal(t, uint64(1), cur.Errors.ByType["session"])
	assert.Equal(t, "quota hit", cur.Errors.Last)
	assert.False(t, cur.Errors.LastAt.IsZero())
}

func TestHealthGrading(t *testing.T) {
	c, sessions, streams := testCollector(t)

	t.Run("all clear", func(t *testing.T) {
		c.Sample()
		c.Evaluate()
		health := c.Health()
		assert.True(t, health.Healthy)
		require.Len(t, health.Checks, 6)
		for _, check := range health.Checks {
			assert.Equal(t, CheckPass, check.Status, check.Name)
		}
	})

	t.Run("disconnect ratio fails", func(t *testing.T) {
		streams.set(StreamStats{Total: 10, Connected: 2, Disconnected: 8})
		c.Sample()
		c.Evaluate()
		health := c.Health()
		assert.False(t, health.Healthy)
		found := false
		for _, check := range health.Checks {
			if check.Name == "stream_disconnect_ratio" {
				found = true
				assert.Equal(t, CheckFail, check.Status)
				assert.InDelta(t, 0.8, check.Value, 0.01)
			}
		}
		assert.True(t, found)
	})

	t.Run("active sessions warn", func(t *testing.T) {
		streams.set(StreamStats{})
		sessions.set(SessionStats{Total: 50, Active: 50})
		c.Sample()
		c.Evaluate()
		health := c.Health()
		assert.True(t, health.Healthy, "warnings must not flip the health bit")
		for _, check := range health.Checks {
			if check.Name == "active_sessions" {
				assert.Equal(t, CheckWarn, check.Status)
			}
		}
	})
}

func TestGradeCheckBoundaries(t *testing.T) {
	tests := []struct {
		value float64
		want  CheckStatus
	}{
		{value: 10, want: CheckPass},
		{value: 69.9, want: CheckPass},
		{value: 70, want: CheckWarn},
		{value: 89.9, want: CheckWarn},
		{value: 90, want: CheckFail},
		{value: 200, want: CheckFail},
	}
	for _, tt := range tests {
		check := gradeCheck("cpu_usage", tt.value, 70, 90)
		assert.Equal(t, tt.want, check.Status, "value %.1f", tt.value)
	}
}

func TestExportPrometheusFormat(t *testing.T) {
	c, sessions, streams := testCollector(t)
	sessions.set(SessionStats{Total: 7, Active: 4})
	streams.set(StreamStats{Total: 3, Connected: 2, BytesIn: 100, BytesOut: 200})
	c.Sample()

	out := c.ExportPrometheus()
	assert.Contains(t, out, "terminal_sessions_total 7")
	assert.Contains(t, out, "terminal_sessions_active 4")
	assert.Contains(t, out, "terminal_streams_total 3")
	assert.Contains(t, out, "terminal_streams_connected 2")
	assert.Contains(t, out, "terminal_bytes_total{direction=\"in\"} 100")
	assert.Contains(t, out, "terminal_bytes_total{direction=\"out\"} 200")
	assert.Contains(t, out, "terminal_cpu_usage")
	assert.Contains(t, out, "terminal_latency_ms")
}

func TestReportIncludesRecommendations(t *testing.T) {
	c, _, streams := testCollector(t)
	streams.set(StreamStats{Total: 10, Connected: 1, Disconnected: 9, AvgLatencyMs: 5000})
	c.Sample()
	c.Evaluate()

	report := c.Report()
	assert.Contains(t, report, "Terminal Performance Report")
	assert.Contains(t, report, "Recommendations:")
	assert.Contains(t, report, "disconnected")
}

func TestStartSamplesPeriodically(t *testing.T) {
	c, sessions, _ := testCollector(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c.Start(ctx)
	sessions.set(SessionStats{Total: 9, Active: 9})

	require.Eventually(t, func() bool {
		return c.Current().Sessions.Total == 9
	}, 2*time.Second, 10*time.Millisecond, "periodic sampling should pick up source changes")
	c.Stop()
}

func TestMiddlewareRecordsRequests(t *testing.T) {
	gin.SetMode(gin.TestMode)

	reg := prometheus.NewRegistry()
	metrics := NewMetricsWith(reg)

	router := gin.New()
	router.Use(Middleware(metrics))
	router.GET("/sessions/:id", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"id": c.Param("id")})
	})

	req := httptest.NewRequest(http.MethodGet, "/sessions/sess_123", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	families, err := reg.Gather()
	require.NoError(t, err)

	var total float64
	var sawTemplatePath bool
	for _, family := range families {
		if family.GetName() != "terminal_http_requests_total" {
			continue
		}
		for _, metric := range family.GetMetric() {
			total += metric.GetCounter().GetValue()
			for _, label := range metric.GetLabel() {
				if label.GetName() == "path" && label.GetValue() == "/sessions/:id" {
					sawTemplatePath = true
				}
			}
		}
	}
	assert.Equal(t, 1.0, total)
	assert.True(t, sawTemplatePath, "path label should use the route template, not the raw URL")
}
