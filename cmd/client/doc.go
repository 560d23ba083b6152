// Package main is a line-oriented terminal attach tool.
//
// It drives the same multiplexed websocket contract the UI uses: one
// shared connection, session-tagged envelopes, breaker-gated reconnection.
// Useful for poking at a server without a browser and for scripted
// session setup.
//
// The tool creates a session through the REST API (or attaches to an
// existing one), binds it on the multiplexer, then bridges stdin lines to
// the session and session output to stdout. Lifecycle notices go to
// stderr so piped output stays clean.
//
// Usage:
//
//	# Create a session in a project and attach
//	./client -project demo
//
//	# Attach to a running session
//	./client -session sess_01J8...
//
//	# Tear the session down when done
//	./client -project demo -close
//
// Ctrl-D detaches by default; the server keeps the session alive until
// its idle sweep. Reconnection tuning comes from the MUX_* and BREAKER_*
// environment variables.
package main
