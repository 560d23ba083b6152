// Package main is the entry point for the termdeck terminal server.
//
// The server hosts PTY-backed terminal sessions grouped by project and
// exposes them over a single multiplexed websocket endpoint plus a REST
// control surface.
//
// The server provides:
//   - REST API for session and project lifecycle
//   - Multiplexed websocket streaming for terminal I/O
//   - Project-level suspension with output replay on resume
//   - Passive performance monitoring and health checks
//   - Rate limiting and CORS
//
// Configuration:
//   - Environment variables (12-factor)
//   - CLI flags (override env vars)
//   - Defaults for development
//
// Usage:
//
//	# Production mode
//	./server -port 7070
//
//	# Development mode (colored logs, debug level)
//	./server -dev
//
// Signals:
//   - SIGINT, SIGTERM: Graceful shutdown
package main
