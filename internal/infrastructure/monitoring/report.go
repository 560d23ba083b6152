package monitoring

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Report renders a human-readable performance summary with
// recommendations for every threshold breach.
func (c *Collector) Report() string {
	cur := c.Current()
	health := c.Health()

	var sb strings.Builder
	sb.WriteString("=== Terminal Performance Report ===\n")
	sb.WriteString(fmt.Sprintf("Generated: %s\n", cur.Timestamp.Format(time.RFC3339)))
	sb.WriteString(fmt.Sprintf("Uptime: %s\n\n", time.Duration(cur.Uptime*float64(time.Second)).Round(time.Second)))

	sb.WriteString("Process:\n")
	sb.WriteString(fmt.Sprintf("  CPU: %.1f%%\n", cur.CPU.UsagePercent))
	sb.WriteString(fmt.Sprintf("  Memory: %.1f MB resident, %.1f MB heap\n\n",
		float64(cur.Memory.RSSBytes)/(1024*1024),
		float64(cur.Memory.AllocBytes)/(1024*1024)))

	sb.WriteString("Sessions:\n")
	sb.WriteString(fmt.Sprintf("  Total: %d (active %d, suspended %d, errored %d)\n",
		cur.Sessions.Total, cur.Sessions.Active, cur.Sessions.Suspended, cur.Sessions.Errored))
	sb.WriteString(fmt.Sprintf("  Created: %.2f/min, average lifetime %.0fs\n",
		cur.Sessions.CreatedPerMinute, cur.Sessions.AvgLifetimeSeconds))
	for _, project := range sortedKeys(cur.Sessions.ByProject) {
		sb.WriteString(fmt.Sprintf("  Project %s: %d\n", project, cur.Sessions.ByProject[project]))
	}
	sb.WriteString("\n")

	sb.WriteString("Streams:\n")
	sb.WriteString(fmt.Sprintf("  Total: %d (connected %d, disconnected %d)\n",
		cur.Streams.Total, cur.Streams.Connected, cur.Streams.Disconnected))
	sb.WriteString(fmt.Sprintf("  Traffic: %d bytes in, %d bytes out\n", cur.Streams.BytesIn, cur.Streams.BytesOut))
	sb.WriteString(fmt.Sprintf("  Latency: %.1f ms average\n\n", cur.Streams.AvgLatencyMs))

	sb.WriteString("Errors:\n")
	sb.WriteString(fmt.Sprintf("  Total: %d (%.2f/min)\n", cur.Errors.Total, cur.Errors.PerMinute))
	if cur.Errors.Last != "" {
		sb.WriteString(fmt.Sprintf("  Last: %s (%s)\n", cur.Errors.Last, cur.Errors.LastAt.Format(time.RFC3339)))
	}
	sb.WriteString("\n")

	sb.WriteString("Health:\n")
	for _, check := range health.Checks {
		sb.WriteString(fmt.Sprintf("  [%s] %s = %.2f (warn %.2f, fail %.2f)\n",
			strings.ToUpper(string(check.Status)), check.Name, check.Value, check.Warn, check.Fail))
	}

	recs := recommendations(health)
	if len(recs) > 0 {
		sb.WriteString("\nRecommendations:\n")
		for _, rec := range recs {
			sb.WriteString("  - " + rec + "\n")
		}
	}
	return sb.String()
}

// ExportPrometheus renders the snapshot in flat Prometheus text
// exposition format. The /metrics endpoint additionally serves the full
// instrument registry; this export is the self-contained subset.
func (c *Collector) ExportPrometheus() string {
	cur := c.Current()

	var sb strings.Builder
	sb.WriteString("# Terminal session metrics\n")
	sb.WriteString(fmt.Sprintf("terminal_cpu_usage %.2f\n", cur.CPU.UsagePercent))
	sb.WriteString(fmt.Sprintf("terminal_memory_usage{type=\"alloc\"} %d\n", cur.Memory.AllocBytes))
	sb.WriteString(fmt.Sprintf("terminal_memory_usage{type=\"sys\"} %d\n", cur.Memory.SysBytes))
	sb.WriteString(fmt.Sprintf("terminal_memory_usage{type=\"rss\"} %d\n", cur.Memory.RSSBytes))
	sb.WriteString(fmt.Sprintf("terminal_sessions_total %d\n", cur.Sessions.Total))
	sb.WriteString(fmt.Sprintf("terminal_sessions_active %d\n", cur.Sessions.Active))
	sb.WriteString(fmt.Sprintf("terminal_streams_total %d\n", cur.Streams.Total))
	sb.WriteString(fmt.Sprintf("terminal_streams_connected %d\n", cur.Streams.Connected))
	sb.WriteString(fmt.Sprintf("terminal_latency_ms %.2f\n", cur.Streams.AvgLatencyMs))
	sb.WriteString(fmt.Sprintf("terminal_errors_total %d\n", cur.Errors.Total))
	sb.WriteString(fmt.Sprintf("terminal_bytes_total{direction=\"in\"} %d\n", cur.Streams.BytesIn))
	sb.WriteString(fmt.Sprintf("terminal_bytes_total{direction=\"out\"} %d\n", cur.Streams.BytesOut))
	return sb.String()
}

// recommendations maps threshold breaches to operator actions.
func recommendations(health HealthStatus) []string {
	var recs []string
	for _, check := range health.Checks {
		if check.Status == CheckPass {
			continue
		}
		switch check.Name {
		case "cpu_usage":
			recs = append(recs, "CPU is elevated; consider suspending idle projects or lowering session caps")
		case "memory_usage":
			recs = append(recs, "Resident memory is high; close stale sessions or reduce buffer capacity")
		case "active_sessions":
			recs = append(recs, "Approaching the session cap; raise MAX_SESSIONS or close unused terminals")
		case "stream_disconnect_ratio":
			recs = append(recs, "Many streams are disconnected; check backend process health and network path")
		case "error_rate":
			recs = append(recs, "Error rate is elevated; inspect recent error types in the metrics snapshot")
		case "latency":
			recs = append(recs, "Stream latency is high; check host load and transport round-trip times")
		}
	}
	return recs
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
