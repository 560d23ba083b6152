// Package stream owns the raw bytes of terminal sessions.
//
// Each session gets one stream backed by either a spawned shell on a
// pseudo-terminal or a socket transport. Both backends share one write/
// read/resize/close surface and emit identical events, so consumers cannot
// tell them apart from the event shape alone.
//
// Components:
//   - Manager: Stream registry keyed by session ID
//   - Ring: Bounded circular chunk buffer, drop-oldest
//   - Backend pumps: One reader goroutine per backend preserving order
//
// Output chunks always pass through the ring buffer and the event bus, so
// a consumer that reattaches after a disconnect can drain the recent
// window before following live data. Writes issued while the backend is
// disconnected land in the same buffer instead of being dropped; this is a
// soft guarantee bounded by capacity, not a durable queue.
//
// Reconnection applies to transport backends only and runs a bounded
// attempt loop. A dead PTY process is terminal for its stream; recovering
// requires a brand-new session.
package stream
