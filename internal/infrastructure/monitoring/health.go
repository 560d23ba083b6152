package monitoring

import "time"

// ============================================================================
// Health Evaluation
// ============================================================================

// CheckStatus grades a single health check.
type CheckStatus string

const (
	CheckPass CheckStatus = "pass"
	CheckWarn CheckStatus = "warn"
	CheckFail CheckStatus = "fail"
)

// Check is one evaluated threshold.
type Check struct {
	Name   string      `json:"name"`
	Status CheckStatus `json:"status"`
	Value  float64     `json:"value"`
	Warn   float64     `json:"warn"`
	Fail   float64     `json:"fail"`
}

// HealthStatus is the aggregate of all checks. Healthy means no check
// failed; warnings degrade the report but not the health bit.
type HealthStatus struct {
	Healthy   bool      `json:"healthy"`
	Checks    []Check   `json:"checks"`
	SampledAt time.Time `json:"sampledAt"`
}

// Fixed thresholds. Warnings fire early enough to act on; failures track
// the hard capacity and responsiveness limits of a single process.
var healthThresholds = struct {
	cpuWarn, cpuFail           float64 // percent
	memWarn, memFail           float64 // resident MB
	sessionsWarn, sessionsFail float64 // active count
	streamWarn, streamFail     float64 // disconnected ratio
	errWarn, errFail           float64 // errors per minute
	latencyWarn, latencyFail   float64 // milliseconds
}{
	cpuWarn: 70, cpuFail: 90,
	memWarn: 512, memFail: 1024,
	sessionsWarn: 48, sessionsFail: 64,
	streamWarn: 0.3, streamFail: 0.6,
	errWarn: 5, errFail: 20,
	latencyWarn: 250, latencyFail: 1000,
}

// Health returns the most recent health evaluation.
func (c *Collector) Health() HealthStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := c.health
	out.Checks = make([]Check, len(c.health.Checks))
	copy(out.Checks, c.health.Checks)
	return out
}

// Evaluate grades the current snapshot against the fixed thresholds.
// The periodic loop calls it on the health interval.
func (c *Collector) Evaluate() {
	c.mu.RLock()
	cur := c.current
	c.mu.RUnlock()

	t := healthThresholds
	disconnectRatio := 0.0
	if cur.Streams.Total > 0 {
		disconnectRatio = float64(cur.Streams.Disconnected) / float64(cur.Streams.Total)
	}

	checks := []Check{
		gradeCheck("cpu_usage", cur.CPU.UsagePercent, t.cpuWarn, t.cpuFail),
		gradeCheck("memory_usage", float64(cur.Memory.RSSBytes)/(1024*1024), t.memWarn, t.memFail),
		gradeCheck("active_sessions", float64(cur.Sessions.Active), t.sessionsWarn, t.sessionsFail),
		gradeCheck("stream_disconnect_ratio", disconnectRatio, t.streamWarn, t.streamFail),
		gradeCheck("error_rate", cur.Errors.PerMinute, t.errWarn, t.errFail),
		gradeCheck("latency", cur.Streams.AvgLatencyMs, t.latencyWarn, t.latencyFail),
	}

	healthy := true
	for _, check := range checks {
		if check.Status == CheckFail {
			healthy = false
			break
		}
	}

	c.mu.Lock()
	c.health = HealthStatus{
		Healthy:   healthy,
		Checks:    checks,
		SampledAt: time.Now().UTC(),
	}
	c.mu.Unlock()
}

func gradeCheck(name string, value, warn, fail float64) Check {
	status := CheckPass
	switch {
	case value >= fail:
		status = CheckFail
	case value >= warn:
		status = CheckWarn
	}
	return Check{Name: name, Status: status, Value: value, Warn: warn, Fail: fail}
}
