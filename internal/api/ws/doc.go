// Package ws serves the multiplexed websocket endpoint.
//
// Every UI client opens one socket and carries all of its terminal
// sessions over it as session-tagged envelopes. The handler keeps a
// per-client attachment set: terminal:connect binds a session (spawning
// its PTY stream on first use and replaying buffered output),
// terminal:ui-disconnect detaches it without touching the backing
// process, and terminal:close tears the process down. Server-side events
// reach clients through a bus bridge, so the managers never know the
// socket exists.
//
// One goroutine reads, one writes, one bridges bus events; the write
// pump is the only socket writer and also drives keepalive pings.
package ws
