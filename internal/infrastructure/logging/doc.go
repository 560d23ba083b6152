// Package logging provides structured logging using uber/zap.
//
// This package offers production-ready logging with two modes:
//   - Production: JSON output for machine parsing
//   - Development: Colored console output for human readability
//
// Every component of the terminal server takes a *Logger; observability
// failures are logged and swallowed, never propagated into session or
// stream handling.
//
// Log Levels:
//   - Debug: Verbose debugging information (per-chunk stream traffic)
//   - Info: Lifecycle events (session created, suspended, closed)
//   - Warn: Degraded but recoverable conditions (dropped events, stash failures)
//   - Error: Failures that surface to clients
//
// Example Usage:
//
//	logger := logging.NewDefault()
//	logger.Info("Server starting", zap.String("port", "7070"))
//	logger.Error("PTY spawn failed", zap.Error(err))
package logging
