// Package mux multiplexes many terminal sessions over one websocket.
//
// Instead of a socket per terminal tab, every session shares a single
// primary connection and messages carry a session tag. The multiplexer
// owns the client half of that contract:
//
//   - Session registry: ConnectSession registers a session and asks the
//     server to bind it; outbound messages queue in submission order until
//     the server confirms, then flush before any new message goes out.
//   - Resilient primary: when the shared socket drops, every session is
//     marked disconnected but its record survives. Reconnection runs with
//     exponential backoff behind a circuit breaker, so a dead server stops
//     the retry storm instead of amplifying it.
//   - Soft vs hard detach: DisconnectSession hides a session from the bus
//     while the server keeps its process alive (tab blur); CloseSession
//     tears the server side down and discards the record.
//
// Server events surface on the shared event bus as mux.* events keyed by
// session, so consumers never observe the transport directly.
//
// Example Usage:
//
//	m := mux.New(mux.Config{URL: "ws://localhost:8080/stream"}, bus, logger)
//	if err := m.Connect(ctx); err != nil {
//	    return err
//	}
//	m.ConnectSession(sessionID, projectID, "terminal")
//	m.SendCommand(sessionID, "ls -la")
package mux
