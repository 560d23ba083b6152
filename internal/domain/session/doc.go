// Package session provides the terminal session registry and lifecycle
// state machine.
//
// A session is the durable identity of one terminal: its project, tab name,
// dimensions, focus flag, and activity counters. The manager enforces the
// global and per-project quotas, validates every status transition, and
// publishes lifecycle events after each mutation.
//
// Components:
//   - Manager: Registry, quotas, status machine, focus accounting
//   - SuspendedState: Compressed snapshot for suspend/resume cycles
//   - Background sweeper: Expires abandoned suspensions and idle sessions
//
// Lifecycle:
//
//	initializing -> connecting -> active <-> suspended -> closing -> closed
//
// Any state may fall to error; error retries back to connecting or closes
// out. Closed sessions stay visible for a short grace so consumers that
// race a close still resolve the ID.
//
// Example Usage:
//
//	manager := session.NewManager(session.DefaultConfig(), bus, logger)
//	manager.Start(ctx)
//	sess, err := manager.Create(session.CreateParams{ProjectID: "proj-1"})
//	err = manager.UpdateStatus(sess.ID, session.StatusConnecting)
package session
