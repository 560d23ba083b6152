package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus instruments.
type Metrics struct {
	// Process metrics
	CPUUsage    prometheus.Gauge
	MemoryUsage *prometheus.GaugeVec

	// Session metrics
	SessionsTotal  prometheus.Gauge
	SessionsActive prometheus.Gauge

	// Stream metrics
	StreamsTotal     prometheus.Gauge
	StreamsConnected prometheus.Gauge
	LatencyMs        prometheus.Gauge
	BytesTotal       *prometheus.CounterVec

	// Error metrics
	ErrorsTotal *prometheus.CounterVec

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RequestSize     *prometheus.HistogramVec
	ResponseSize    *prometheus.HistogramVec

	// WebSocket metrics
	WSConnections prometheus.Gauge
	WSMessages    *prometheus.CounterVec

	// System metrics
	Uptime    prometheus.Gauge
	startTime time.Time
}

// NewMetrics creates a metrics collector registered on the default
// Prometheus registry. Call once per process.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// newPrivateRegistry returns an isolated registry for collectors built
// without an explicit metrics set.
func newPrivateRegistry() prometheus.Registerer {
	return prometheus.NewRegistry()
}

// NewMetricsWith creates a metrics collector on a caller-supplied
// registry. Tests use this to avoid duplicate registration.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		startTime: time.Now(),

		// Process metrics
		CPUUsage: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "terminal_cpu_usage",
				Help: "Process CPU usage percent",
			},
		),
		MemoryUsage: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "terminal_memory_usage",
				Help: "Process memory usage in bytes",
			},
			[]string{"type"},
		),

		// Session metrics
		SessionsTotal: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "terminal_sessions_total",
				Help: "Number of registered terminal sessions",
			},
		),
		SessionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "terminal_sessions_active",
				Help: "Number of active terminal sessions",
			},
		),

		// Stream metrics
		StreamsTotal: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "terminal_streams_total",
				Help: "Number of registered streams",
			},
		),
		StreamsConnected: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "terminal_streams_connected",
				Help: "Number of connected streams",
			},
		),
		LatencyMs: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "terminal_latency_ms",
				Help: "Average stream round-trip latency in milliseconds",
			},
		),
		BytesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "terminal_bytes_total",
				Help: "Total bytes moved through streams",
			},
			[]string{"direction"},
		),

		// Error metrics
		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "terminal_errors_total",
				Help: "Total number of errors",
			},
			[]string{"type"},
		),

		// HTTP metrics
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "terminal_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "terminal_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		RequestSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "terminal_http_request_size_bytes",
				Help:    "HTTP request size in bytes",
				Buckets: []float64{100, 1000, 10000, 100000, 1000000, 10000000},
			},
			[]string{"method", "path"},
		),
		ResponseSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "terminal_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: []float64{100, 1000, 10000, 100000, 1000000, 10000000},
			},
			[]string{"method", "path"},
		),

		// WebSocket metrics
		WSConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "terminal_ws_connections",
				Help: "Number of active WebSocket clients",
			},
		),
		WSMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "terminal_ws_messages_total",
				Help: "Total number of WebSocket messages",
			},
			[]string{"direction"},
		),

		// System metrics
		Uptime: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "terminal_uptime_seconds",
				Help: "Process uptime in seconds",
			},
		),
	}

	// Start uptime updater
	go m.updateUptime()

	return m
}

// updateUptime continuously updates the uptime metric
func (m *Metrics) updateUptime() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for range ticker.C {
		m.Uptime.Set(time.Since(m.startTime).Seconds())
	}
}

// StartedAt returns the instrument creation time.
func (m *Metrics) StartedAt() time.Time {
	return m.startTime
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration, reqSize, respSize int64) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	m.RequestSize.WithLabelValues(method, path).Observe(float64(reqSize))
	m.ResponseSize.WithLabelValues(method, path).Observe(float64(respSize))
}

// RecordWSMessage records a WebSocket message
func (m *Metrics) RecordWSMessage(direction string) {
	m.WSMessages.WithLabelValues(direction).Inc()
}

// RecordError records an error by type
func (m *Metrics) RecordError(errType string) {
	m.ErrorsTotal.WithLabelValues(errType).Inc()
}

// AddBytes adds transferred bytes for a direction ("in" or "out")
func (m *Metrics) AddBytes(direction string, n uint64) {
	m.BytesTotal.WithLabelValues(direction).Add(float64(n))
}

// SetSessionCounts sets the session gauges
func (m *Metrics) SetSessionCounts(total, active int) {
	m.SessionsTotal.Set(float64(total))
	m.SessionsActive.Set(float64(active))
}

// SetStreamCounts sets the stream gauges
func (m *Metrics) SetStreamCounts(total, connected int) {
	m.StreamsTotal.Set(float64(total))
	m.StreamsConnected.Set(float64(connected))
}

// SetLatency sets the average latency gauge
func (m *Metrics) SetLatency(ms float64) {
	m.LatencyMs.Set(ms)
}

// SetCPU sets the CPU usage gauge
func (m *Metrics) SetCPU(percent float64) {
	m.CPUUsage.Set(percent)
}

// SetMemory sets the memory gauges
func (m *Metrics) SetMemory(alloc, sys, rss uint64) {
	m.MemoryUsage.WithLabelValues("alloc").Set(float64(alloc))
	m.MemoryUsage.WithLabelValues("sys").Set(float64(sys))
	m.MemoryUsage.WithLabelValues("rss").Set(float64(rss))
}

// IncWSConnections increments WebSocket connections
func (m *Metrics) IncWSConnections() {
	m.WSConnections.Inc()
}

// DecWSConnections decrements WebSocket connections
func (m *Metrics) DecWSConnections() {
	m.WSConnections.Dec()
}
