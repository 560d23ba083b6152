/*
Package monitoring provides passive metrics collection and health evaluation.

# Overview

This package samples the session and stream managers through read-only
source interfaces on independent timers, so collection never blocks or
mutates the paths it observes. Results surface three ways: Prometheus
instruments for scraping, a JSON-friendly snapshot for the API, and a
human-readable report for operators.

# Features

- Process metrics (CPU percent, resident and heap memory) via /proc
- Session metrics (counts by status and project, creation rate, lifetime)
- Stream metrics (connectivity, cumulative traffic, average latency)
- Error accounting by type with per-minute rates
- Threshold-based health checks graded pass/warn/fail
- HTTP and WebSocket request metrics via middleware

# Usage

	// Create instruments and collector
	metrics := monitoring.NewMetrics()
	collector := monitoring.NewCollector(cfg, metrics, sessionSource, streamSource, logger)
	collector.Start(ctx)
	defer collector.Stop()

	// Add middleware to Gin router
	router.Use(monitoring.Middleware(metrics))

	// Query the latest snapshot
	current := collector.Current()
	health := collector.Health()
	report := collector.Report()

# Metrics Endpoint

Expose metrics via the standard Prometheus endpoint:

	import "github.com/prometheus/client_golang/prometheus/promhttp"
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
*/
package monitoring
