package monitoring

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/procfs"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/termdeck/termdeck/internal/infrastructure/logging"
)

// ============================================================================
// Sources - Read-Only Views Into the Managers
// ============================================================================

// SessionStats is the session snapshot the collector samples.
type SessionStats struct {
	Total        int
	Active       int
	Suspended    int
	Errored      int
	ByProject    map[string]int
	CreatedTotal uint64
	ClosedTotal  uint64
	AvgLifetime  time.Duration
}

// StreamStats is the stream snapshot the collector samples.
type StreamStats struct {
	Total        int
	Connected    int
	Disconnected int
	BytesIn      uint64
	BytesOut     uint64
	AvgLatencyMs float64
}

// SessionSource provides session statistics without exposing the manager.
type SessionSource interface {
	SessionStats() SessionStats
}

// StreamSource provides stream statistics without exposing the manager.
type StreamSource interface {
	StreamStats() StreamStats
}

// ============================================================================
// Snapshot Types
// ============================================================================

// SystemMetrics is a point-in-time snapshot of the whole system.
type SystemMetrics struct {
	Timestamp time.Time      `json:"timestamp"`
	Uptime    float64        `json:"uptimeSeconds"`
	CPU       CPUMetrics     `json:"cpu"`
	Memory    MemoryMetrics  `json:"memory"`
	Sessions  SessionMetrics `json:"sessions"`
	Streams   StreamMetrics  `json:"streams"`
	Errors    ErrorMetrics   `json:"errors"`
}

type CPUMetrics struct {
	UsagePercent float64 `json:"usagePercent"`
}

type MemoryMetrics struct {
	AllocBytes uint64 `json:"allocBytes"`
	SysBytes   uint64 `json:"sysBytes"`
	RSSBytes   uint64 `json:"rssBytes"`
}

type SessionMetrics struct {
	Total              int            `json:"total"`
	Active             int            `json:"active"`
	Suspended          int            `json:"suspended"`
	Errored            int            `json:"errored"`
	ByProject          map[string]int `json:"byProject"`
	AvgLifetimeSeconds float64        `json:"avgLifetimeSeconds"`
	CreatedPerMinute   float64        `json:"createdPerMinute"`
}

type StreamMetrics struct {
	Total        int     `json:"total"`
	Connected    int     `json:"connected"`
	Disconnected int     `json:"disconnected"`
	BytesIn      uint64  `json:"bytesIn"`
	BytesOut     uint64  `json:"bytesOut"`
	AvgLatencyMs float64 `json:"avgLatencyMs"`
}

type ErrorMetrics struct {
	Total     uint64            `json:"total"`
	ByType    map[string]uint64 `json:"byType"`
	PerMinute float64           `json:"perMinute"`
	Last      string            `json:"last,omitempty"`
	LastAt    time.Time         `json:"lastAt,omitempty"`
}

// Config holds collector timing knobs.
type Config struct {
	MetricsInterval time.Duration
	HealthInterval  time.Duration
	HistorySize     int
}

// DefaultConfig returns production collector settings.
func DefaultConfig() Config {
	return Config{
		MetricsInterval: 10 * time.Second,
		HealthInterval:  30 * time.Second,
		HistorySize:     60,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MetricsInterval <= 0 {
		c.MetricsInterval = def.MetricsInterval
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = def.HealthInterval
	}
	if c.HistorySize <= 0 {
		c.HistorySize = def.HistorySize
	}
	return c
}

// ============================================================================
// Collector
// ============================================================================

// sample is one history entry used for rate and average computation.
type sample struct {
	at       time.Time
	created  uint64
	errors   uint64
	latency  float64
}

// Collector periodically samples the managers through read-only sources
// and publishes the result as Prometheus gauges and a queryable snapshot.
// It is a passive observer: sampling never mutates manager state, never
// blocks their hot paths, and its own failures are logged and swallowed.
type Collector struct {
	cfg      Config
	metrics  *Metrics
	sessions SessionSource
	streams  StreamSource
	logger   *logging.Logger

	proc    procfs.Proc
	hasProc bool

	// Touched only by the sampling goroutine.
	lastCPU      float64
	lastCPUAt    time.Time
	lastBytesIn  uint64
	lastBytesOut uint64

	mu       sync.RWMutex
	current  SystemMetrics
	health   HealthStatus
	history  []sample
	histPos  int
	histFull bool

	errTotal  uint64
	errByType map[string]uint64
	lastErr   string
	lastErrAt time.Time

	done     chan struct{}
	stopOnce sync.Once
}

// NewCollector creates a collector over the given sources. A nil metrics
// set gets a private registry, useful in tests.
func NewCollector(cfg Config, metrics *Metrics, sessions SessionSource, streams StreamSource, logger *logging.Logger) *Collector {
	if metrics == nil {
		metrics = NewMetricsWith(newPrivateRegistry())
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	cfg = cfg.withDefaults()

	c := &Collector{
		cfg:       cfg,
		metrics:   metrics,
		sessions:  sessions,
		streams:   streams,
		logger:    logger,
		history:   make([]sample, cfg.HistorySize),
		errByType: make(map[string]uint64),
		done:      make(chan struct{}),
	}

	proc, err := procfs.Self()
	if err != nil {
		// No /proc on this platform; CPU and RSS stay zero.
		logger.Debug("process stats unavailable", zap.Error(err))
	} else {
		c.proc = proc
		c.hasProc = true
	}
	return c
}

// Start begins periodic sampling until ctx is cancelled or Stop is called.
// The snapshot is primed synchronously so Current never returns zeroes to
// the first caller.
func (c *Collector) Start(ctx context.Context) {
	c.Sample()
	c.Evaluate()
	go c.run(ctx)
}

// Stop halts periodic sampling.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() {
		close(c.done)
	})
}

func (c *Collector) run(ctx context.Context) {
	metricsTicker := time.NewTicker(c.cfg.MetricsInterval)
	healthTicker := time.NewTicker(c.cfg.HealthInterval)
	defer metricsTicker.Stop()
	defer healthTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-metricsTicker.C:
			c.Sample()
		case <-healthTicker.C:
			c.Evaluate()
		}
	}
}

// RecordError counts an error by type. Called from the event bridge; safe
// from any goroutine.
func (c *Collector) RecordError(errType, message string) {
	c.mu.Lock()
	c.errTotal++
	c.errByType[errType]++
	c.lastErr = message
	c.lastErrAt = time.Now().UTC()
	c.mu.Unlock()

	c.metrics.RecordError(errType)
}

// Current returns the most recent snapshot.
func (c *Collector) Current() SystemMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := c.current
	out.Sessions.ByProject = copyIntMap(c.current.Sessions.ByProject)
	out.Errors.ByType = copyUintMap(c.current.Errors.ByType)
	return out
}

// Sample takes one measurement immediately. Exposed for on-demand refresh;
// the periodic loop calls it on the metrics interval.
func (c *Collector) Sample() {
	now := time.Now().UTC()
	ss := c.sessions.SessionStats()
	st := c.streams.StreamStats()

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	cpuPct, rss := c.sampleProcess(now)

	c.mu.Lock()
	c.pushSampleLocked(sample{
		at:      now,
		created: ss.CreatedTotal,
		errors:  c.errTotal,
		latency: st.AvgLatencyMs,
	})
	createdRate, errorRate := c.ratesLocked()
	avgLatency := c.meanLatencyLocked()

	c.current = SystemMetrics{
		Timestamp: now,
		Uptime:    now.Sub(c.metrics.StartedAt()).Seconds(),
		CPU:       CPUMetrics{UsagePercent: cpuPct},
		Memory: MemoryMetrics{
			AllocBytes: mem.Alloc,
			SysBytes:   mem.Sys,
			RSSBytes:   rss,
		},
		Sessions: SessionMetrics{
			Total:              ss.Total,
			Active:             ss.Active,
			Suspended:          ss.Suspended,
			Errored:            ss.Errored,
			ByProject:          copyIntMap(ss.ByProject),
			AvgLifetimeSeconds: ss.AvgLifetime.Seconds(),
			CreatedPerMinute:   createdRate,
		},
		Streams: StreamMetrics{
			Total:        st.Total,
			Connected:    st.Connected,
			Disconnected: st.Disconnected,
			BytesIn:      st.BytesIn,
			BytesOut:     st.BytesOut,
			AvgLatencyMs: avgLatency,
		},
		Errors: ErrorMetrics{
			Total:     c.errTotal,
			ByType:    copyUintMap(c.errByType),
			PerMinute: errorRate,
			Last:      c.lastErr,
			LastAt:    c.lastErrAt,
		},
	}
	c.mu.Unlock()

	// Prometheus updates stay outside the snapshot lock.
	c.metrics.SetCPU(cpuPct)
	c.metrics.SetMemory(mem.Alloc, mem.Sys, rss)
	c.metrics.SetSessionCounts(ss.Total, ss.Active)
	c.metrics.SetStreamCounts(st.Total, st.Connected)
	c.metrics.SetLatency(avgLatency)
	if st.BytesIn >= c.lastBytesIn {
		c.metrics.AddBytes("in", st.BytesIn-c.lastBytesIn)
	}
	if st.BytesOut >= c.lastBytesOut {
		c.metrics.AddBytes("out", st.BytesOut-c.lastBytesOut)
	}
	c.lastBytesIn = st.BytesIn
	c.lastBytesOut = st.BytesOut
}

// ============================================================================
// Internals
// ============================================================================

// sampleProcess reads CPU time and resident memory from /proc, computing
// CPU percent from the delta since the previous sample. Zeroes where the
// platform gives us nothing.
func (c *Collector) sampleProcess(now time.Time) (cpuPct float64, rss uint64) {
	if !c.hasProc {
		return 0, 0
	}
	procStat, err := c.proc.Stat()
	if err != nil {
		c.logger.Debug("process stat read failed", zap.Error(err))
		return 0, 0
	}
	rss = uint64(procStat.ResidentMemory())

	cpu := procStat.CPUTime()
	if !c.lastCPUAt.IsZero() {
		elapsed := now.Sub(c.lastCPUAt).Seconds()
		if elapsed > 0 && cpu >= c.lastCPU {
			cpuPct = (cpu - c.lastCPU) / elapsed * 100
		}
	}
	c.lastCPU = cpu
	c.lastCPUAt = now
	return cpuPct, rss
}

func (c *Collector) pushSampleLocked(s sample) {
	c.history[c.histPos] = s
	c.histPos = (c.histPos + 1) % len(c.history)
	if c.histPos == 0 {
		c.histFull = true
	}
}

// historyLocked returns samples oldest-first.
func (c *Collector) historyLocked() []sample {
	if !c.histFull {
		return c.history[:c.histPos]
	}
	out := make([]sample, 0, len(c.history))
	out = append(out, c.history[c.histPos:]...)
	out = append(out, c.history[:c.histPos]...)
	return out
}

// ratesLocked derives per-minute creation and error rates from the span
// covered by the history window.
func (c *Collector) ratesLocked() (created, errors float64) {
	hist := c.historyLocked()
	if len(hist) < 2 {
		return 0, 0
	}
	oldest, newest := hist[0], hist[len(hist)-1]
	minutes := newest.at.Sub(oldest.at).Minutes()
	if minutes <= 0 {
		return 0, 0
	}
	if newest.created >= oldest.created {
		created = float64(newest.created-oldest.created) / minutes
	}
	if newest.errors >= oldest.errors {
		errors = float64(newest.errors-oldest.errors) / minutes
	}
	return created, errors
}

// meanLatencyLocked averages the non-zero latency samples in the window.
func (c *Collector) meanLatencyLocked() float64 {
	hist := c.historyLocked()
	vals := make([]float64, 0, len(hist))
	for _, s := range hist {
		if s.latency > 0 {
			vals = append(vals, s.latency)
		}
	}
	if len(vals) == 0 {
		return 0
	}
	return stat.Mean(vals, nil)
}

func copyIntMap(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyUintMap(in map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
