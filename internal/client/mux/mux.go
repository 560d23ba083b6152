package mux

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/termdeck/termdeck/internal/infrastructure/logging"
	"github.com/termdeck/termdeck/internal/infrastructure/resilience"
	"github.com/termdeck/termdeck/internal/shared/events"
	"github.com/termdeck/termdeck/internal/shared/protocol"
)

// ============================================================================
// Multiplexer - Shared Transport for Many Sessions
// ============================================================================

// Multiplexer runs every logical terminal session over one primary socket
// using session-tagged envelopes. It insulates consumers from transport
// churn: outbound messages queue per session until the server confirms the
// session, primary drops trigger breaker-gated reconnection with
// exponential backoff, and server events surface on the bus keyed by
// session.
type Multiplexer struct {
	cfg     Config
	bus     events.Bus
	logger  *logging.Logger
	breaker *resilience.Breaker
	dialer  *websocket.Dialer

	primMu    sync.RWMutex
	conn      *websocket.Conn
	connID    string // fresh per dial, correlates transport logs
	connected bool

	writeMu sync.Mutex // serializes frames on the shared socket

	mu       sync.RWMutex
	sessions map[string]*muxSession

	reconnecting atomic.Bool
	closed       atomic.Bool
	done         chan struct{}
	closeOnce    sync.Once
}

// muxSession is the local record of one logical session.
type muxSession struct {
	id        string
	projectID string
	kind      string

	mu            sync.Mutex
	status        SessionStatus
	detached      bool
	everConnected bool
	retrying      bool
	queue         [][]byte
	waiter        chan struct{}
}

// New creates a multiplexer for the given primary endpoint. Nil bus and
// logger get working defaults. Call Connect to open the transport.
func New(cfg Config, bus events.Bus, logger *logging.Logger) *Multiplexer {
	if bus == nil {
		bus = events.New()
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Multiplexer{
		cfg:    cfg,
		bus:    bus,
		logger: logger,
		breaker: resilience.New("mux-primary", resilience.Settings{
			FailureThreshold: cfg.FailureThreshold,
			FailureWindow:    cfg.FailureWindow,
			Timeout:          cfg.RecoveryTimeout,
		}),
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		sessions: make(map[string]*muxSession),
		done:     make(chan struct{}),
	}
}

// ============================================================================
// Primary Transport Lifecycle
// ============================================================================

// Connect opens the primary transport and re-registers any known sessions.
// A manual Connect always attempts the dial, even while the breaker is
// open; the breaker only suppresses automatic reconnection.
func (m *Multiplexer) Connect(ctx context.Context) error {
	if err := m.dialAndStart(ctx); err != nil {
		return err
	}
	m.breaker.RecordSuccess()
	m.resubscribeAll()
	return nil
}

// IsConnected reports whether the primary transport is up.
func (m *Multiplexer) IsConnected() bool {
	m.primMu.RLock()
	defer m.primMu.RUnlock()
	return m.connected
}

// Close shuts the multiplexer down. Session records are discarded; the
// server keeps its side alive independently.
func (m *Multiplexer) Close() error {
	m.closeOnce.Do(func() {
		m.closed.Store(true)
		close(m.done)
		m.primMu.Lock()
		if m.conn != nil {
			m.conn.Close()
			m.conn = nil
		}
		m.connected = false
		m.primMu.Unlock()
	})
	return nil
}

func (m *Multiplexer) dialAndStart(ctx context.Context) error {
	conn, _, err := m.dialer.DialContext(ctx, m.cfg.URL, nil)
	if err != nil {
		if isTimeout(err) {
			return fmt.Errorf("%w: %s", ErrConnectTimeout, m.cfg.URL)
		}
		return fmt.Errorf("dial %s: %w", m.cfg.URL, err)
	}

	connID := uuid.NewString()
	m.primMu.Lock()
	if m.conn != nil {
		m.conn.Close()
	}
	m.conn = conn
	m.connID = connID
	m.connected = true
	m.primMu.Unlock()

	go m.readPump(conn)
	go m.pingLoop(conn)

	m.logger.Info("primary transport connected",
		zap.String("url", m.cfg.URL),
		zap.String("conn_id", connID))
	return nil
}

// readPump reads envelopes off the shared socket and dispatches them by
// session tag. Exit means the primary dropped.
func (m *Multiplexer) readPump(conn *websocket.Conn) {
	defer m.handlePrimaryDisconnect(conn)

	conn.SetReadDeadline(time.Now().Add(m.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(m.cfg.PongWait))
		return nil
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		m.dispatch(raw)
	}
}

// pingLoop keeps the shared socket alive. It exits once its connection
// dies or the multiplexer closes.
func (m *Multiplexer) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			m.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// handlePrimaryDisconnect marks every session DISCONNECTED without
// destroying its record, then starts breaker-gated reconnection. Server
// side state is presumed to persist independently of the transport.
func (m *Multiplexer) handlePrimaryDisconnect(conn *websocket.Conn) {
	m.primMu.Lock()
	if m.conn != conn {
		m.primMu.Unlock()
		return
	}
	connID := m.connID
	m.conn = nil
	m.connected = false
	m.primMu.Unlock()

	if m.closed.Load() {
		return
	}
	m.logger.Warn("primary transport lost", zap.String("conn_id", connID))

	for _, s := range m.snapshotSessions() {
		s.mu.Lock()
		changed := s.status == SessionConnected || s.status == SessionPending
		if changed {
			s.status = SessionDisconnected
		}
		detached := s.detached
		s.mu.Unlock()
		if changed && !detached {
			m.publish(events.TypeMuxStatus, s.id, s.projectID,
				protocol.StatusPayload{Status: "disconnected", Reason: "transport lost"})
		}
	}

	go m.reconnectPrimary()
}

// reconnectPrimary retries the primary dial with exponential backoff,
// gated by the circuit breaker so repeated failures stop the retry storm.
// Exhaustion or an open breaker surfaces as a mux.reconnect_failed event
// and waits for an explicit Connect instead of looping forever.
func (m *Multiplexer) reconnectPrimary() {
	if !m.reconnecting.CompareAndSwap(false, true) {
		return
	}
	defer m.reconnecting.Store(false)

	for attempt := 1; attempt <= m.cfg.ReconnectAttempts; attempt++ {
		if m.closed.Load() {
			return
		}
		if !m.breaker.Allow() {
			m.logger.Warn("primary reconnect suppressed by circuit breaker",
				zap.Time("next_retry", m.breaker.NextRetry()))
			m.publish(events.TypeMuxReconnectFailed, "", "", protocol.ErrorPayload{
				Code:    protocol.CodeCircuitOpen,
				Message: "reconnect suppressed by circuit breaker",
			})
			return
		}

		select {
		case <-m.done:
			return
		case <-time.After(m.backoff(attempt)):
		}

		m.breaker.RecordAttempt()
		if err := m.dialAndStart(context.Background()); err != nil {
			m.breaker.RecordFailure()
			m.logger.Warn("primary reconnect attempt failed",
				zap.Int("attempt", attempt),
				zap.Error(err))
			continue
		}
		m.breaker.RecordSuccess()
		m.resubscribeAll()
		return
	}

	m.publish(events.TypeMuxReconnectFailed, "", "", protocol.ErrorPayload{
		Code:    protocol.CodeReconnectExhausted,
		Message: fmt.Sprintf("primary reconnect gave up after %d attempts", m.cfg.ReconnectAttempts),
	})
}

// resubscribeAll re-registers every session on a fresh primary connection.
// Sessions the server has seen before get a reconnect, the rest a full
// connect.
func (m *Multiplexer) resubscribeAll() {
	for _, s := range m.snapshotSessions() {
		s.mu.Lock()
		s.status = SessionPending
		ever := s.everConnected
		projectID, kind := s.projectID, s.kind
		s.mu.Unlock()

		var env *protocol.Envelope
		var err error
		if ever {
			env, err = protocol.New(s.id, protocol.TypeReconnect, nil)
		} else {
			env, err = protocol.New(s.id, protocol.TypeConnect,
				protocol.ConnectPayload{ProjectID: projectID, Type: kind})
		}
		if err != nil {
			continue
		}
		raw, err := protocol.Encode(env)
		if err != nil {
			continue
		}
		if werr := m.writeFrame(raw); werr != nil {
			m.logger.Debug("resubscribe send failed",
				zap.String("session_id", s.id),
				zap.Error(werr))
		}
	}
}

// ============================================================================
// Session Surface
// ============================================================================

// ConnectSession registers a session on the shared transport and asks the
// server to bind it. Outbound messages queue until the server confirms.
// Re-connecting a detached session re-attaches it.
func (m *Multiplexer) ConnectSession(sessionID, projectID, kind string) error {
	s := m.getOrCreateSession(sessionID, projectID, kind)

	s.mu.Lock()
	s.detached = false
	if s.status == SessionConnected {
		s.mu.Unlock()
		return nil
	}
	s.status = SessionPending
	s.mu.Unlock()

	env, err := protocol.New(sessionID, protocol.TypeConnect,
		protocol.ConnectPayload{ProjectID: projectID, Type: kind})
	if err != nil {
		return err
	}
	raw, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	if werr := m.writeFrame(raw); werr != nil {
		// Primary is down; the session is re-registered once it returns.
		m.logger.Debug("connect deferred until primary returns",
			zap.String("session_id", sessionID))
	}
	return nil
}

// SendInput forwards terminal input for a session, queueing while the
// session is unconfirmed so submission order survives the disconnect
// boundary.
func (m *Multiplexer) SendInput(sessionID, data string) error {
	return m.send(sessionID, protocol.TypeInput, protocol.InputPayload{Data: data})
}

// SendCommand sends a full command line, appending the newline that
// submits it.
func (m *Multiplexer) SendCommand(sessionID, command string) error {
	return m.SendInput(sessionID, command+"\n")
}

// ResizeSession forwards new terminal dimensions for a session.
func (m *Multiplexer) ResizeSession(sessionID string, rows, cols int) error {
	return m.send(sessionID, protocol.TypeResize, protocol.ResizePayload{Rows: rows, Cols: cols})
}

// ClearSession asks the server to drop the session's buffered output.
func (m *Multiplexer) ClearSession(sessionID string) error {
	return m.send(sessionID, protocol.TypeClear, nil)
}

// DisconnectSession is a soft detach: server events stop reaching the bus
// for this session and the server is told to preserve the backing process.
// Used when a tab loses focus.
func (m *Multiplexer) DisconnectSession(sessionID string) error {
	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionUnknown, sessionID)
	}

	s.mu.Lock()
	s.detached = true
	s.mu.Unlock()

	env, err := protocol.New(sessionID, protocol.TypeUIDisconnect, nil)
	if err != nil {
		return err
	}
	raw, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	if werr := m.writeFrame(raw); werr != nil {
		m.logger.Debug("ui-disconnect not delivered", zap.String("session_id", sessionID))
	}
	return nil
}

// CloseSession is a hard close: the server terminates the backing process
// and all local bookkeeping is removed.
func (m *Multiplexer) CloseSession(sessionID string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionUnknown, sessionID)
	}

	env, err := protocol.New(sessionID, protocol.TypeClose, nil)
	if err == nil {
		if raw, eerr := protocol.Encode(env); eerr == nil {
			if werr := m.writeFrame(raw); werr != nil {
				m.logger.Debug("close not delivered, server will reap",
					zap.String("session_id", sessionID))
			}
		}
	}

	m.publish(events.TypeMuxClosed, sessionID, s.projectID, nil)
	return nil
}

// ReconnectSession retries a single session with exponential backoff:
// delay = base * 2^(attempt-1), capped. Exhausting the attempt budget
// marks the session ERROR, emits mux.reconnect_failed, and leaves further
// attempts to an explicit caller action.
func (m *Multiplexer) ReconnectSession(ctx context.Context, sessionID string) error {
	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionUnknown, sessionID)
	}

	env, err := protocol.New(sessionID, protocol.TypeReconnect, nil)
	if err != nil {
		return err
	}
	raw, err := protocol.Encode(env)
	if err != nil {
		return err
	}

	for attempt := 1; attempt <= m.cfg.ReconnectAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.done:
			return ErrNotConnected
		case <-time.After(m.backoff(attempt)):
		}

		waiter := make(chan struct{})
		s.mu.Lock()
		if s.status == SessionConnected {
			s.mu.Unlock()
			return nil
		}
		s.status = SessionPending
		s.waiter = waiter
		s.mu.Unlock()

		if werr := m.writeFrame(raw); werr != nil {
			m.logger.Debug("session reconnect blocked on primary",
				zap.String("session_id", sessionID),
				zap.Int("attempt", attempt))
			continue
		}

		select {
		case <-waiter:
			return nil
		case <-time.After(m.cfg.HandshakeTimeout):
			m.logger.Warn("session reconnect unconfirmed",
				zap.String("session_id", sessionID),
				zap.Int("attempt", attempt))
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	s.status = SessionError
	s.waiter = nil
	projectID := s.projectID
	s.mu.Unlock()

	m.publish(events.TypeMuxReconnectFailed, sessionID, projectID, protocol.ErrorPayload{
		Code:    protocol.CodeReconnectExhausted,
		Message: fmt.Sprintf("gave up after %d attempts", m.cfg.ReconnectAttempts),
	})
	return fmt.Errorf("%w: session %s", ErrReconnectExhausted, sessionID)
}

// Stats summarizes multiplexer bookkeeping.
func (m *Multiplexer) Stats() Stats {
	var stats Stats
	for _, s := range m.snapshotSessions() {
		s.mu.Lock()
		stats.TotalConnections++
		switch s.status {
		case SessionConnected:
			stats.ConnectedSessions++
		case SessionDisconnected, SessionError:
			stats.DisconnectedSessions++
		}
		stats.QueuedMessages += len(s.queue)
		s.mu.Unlock()
	}
	return stats
}

// ============================================================================
// Inbound Dispatch
// ============================================================================

func (m *Multiplexer) dispatch(raw []byte) {
	env, err := protocol.Decode(raw)
	if err != nil {
		m.logger.Warn("dropping malformed frame", zap.Error(err))
		return
	}

	switch env.Type {
	case protocol.TypeConnected:
		m.confirmSession(env.SessionID)

	case protocol.TypeData:
		var p protocol.DataPayload
		if err := env.DecodePayload(&p); err != nil {
			return
		}
		m.forward(env.SessionID, events.TypeMuxData, p)

	case protocol.TypeStatus:
		var p protocol.StatusPayload
		if err := env.DecodePayload(&p); err != nil {
			return
		}
		m.forward(env.SessionID, events.TypeMuxStatus, p)
		if p.Status == "disconnected" {
			m.markDisconnected(env.SessionID)
			go m.autoReconnect(env.SessionID)
		}

	case protocol.TypeExit:
		var p protocol.ExitPayload
		if err := env.DecodePayload(&p); err != nil {
			return
		}
		m.forward(env.SessionID, events.TypeMuxStatus, p)

	case protocol.TypeError:
		var p protocol.ErrorPayload
		if err := env.DecodePayload(&p); err != nil {
			return
		}
		m.forward(env.SessionID, events.TypeMuxError, p)

	case protocol.TypeClosed:
		m.handleServerClosed(env.SessionID)

	case protocol.TypePong:
		// keepalive only
	}
}

// confirmSession flushes the queued messages of a session in submission
// order, then marks it connected so new sends go direct. The flush happens
// under the session lock, so no send can interleave ahead of the queue.
func (m *Multiplexer) confirmSession(sessionID string) {
	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return
	}

	s.mu.Lock()
	flushed := 0
	for _, raw := range s.queue {
		if err := m.writeFrame(raw); err != nil {
			break
		}
		flushed++
	}
	s.queue = s.queue[flushed:]
	if len(s.queue) > 0 {
		// Primary dropped mid-flush; stay pending and keep the remainder.
		s.mu.Unlock()
		return
	}
	s.queue = nil
	s.status = SessionConnected
	s.everConnected = true
	if s.waiter != nil {
		close(s.waiter)
		s.waiter = nil
	}
	detached := s.detached
	projectID := s.projectID
	s.mu.Unlock()

	m.logger.Debug("session confirmed", zap.String("session_id", sessionID))
	if !detached {
		m.publish(events.TypeMuxStatus, sessionID, projectID,
			protocol.StatusPayload{Status: "connected"})
	}
}

func (m *Multiplexer) handleServerClosed(sessionID string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	detached := s.detached
	projectID := s.projectID
	s.mu.Unlock()
	if !detached {
		m.publish(events.TypeMuxClosed, sessionID, projectID, nil)
	}
}

// forward publishes a server event for a session unless it is detached.
func (m *Multiplexer) forward(sessionID, eventType string, payload any) {
	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return
	}

	s.mu.Lock()
	detached := s.detached
	projectID := s.projectID
	s.mu.Unlock()
	if detached {
		return
	}
	m.publish(eventType, sessionID, projectID, payload)
}

// autoReconnect runs one reconnect cycle for a session the server reported
// disconnected. Single-flight per session.
func (m *Multiplexer) autoReconnect(sessionID string) {
	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return
	}

	s.mu.Lock()
	if s.retrying || s.detached {
		s.mu.Unlock()
		return
	}
	s.retrying = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.retrying = false
		s.mu.Unlock()
	}()

	if err := m.ReconnectSession(context.Background(), sessionID); err != nil {
		m.logger.Warn("automatic session reconnect failed",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
}

// ============================================================================
// Internals
// ============================================================================

// send wraps a payload in a session-tagged envelope. Messages for a
// connected session go straight to the socket; otherwise they queue in
// submission order. A mid-send transport failure re-queues the frame at
// the front so ordering survives the reconnect.
func (m *Multiplexer) send(sessionID, msgType string, payload any) error {
	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionUnknown, sessionID)
	}

	env, err := protocol.New(sessionID, msgType, payload)
	if err != nil {
		return err
	}
	raw, err := protocol.Encode(env)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != SessionConnected {
		m.enqueueLocked(s, raw)
		return nil
	}
	if werr := m.writeFrame(raw); werr != nil {
		s.status = SessionDisconnected
		s.queue = append([][]byte{raw}, s.queue...)
	}
	return nil
}

// enqueueLocked appends to a session queue, dropping the oldest message at
// capacity. A soft guarantee like the server-side buffer, not a durable
// queue. Caller holds the session lock.
func (m *Multiplexer) enqueueLocked(s *muxSession, raw []byte) {
	if len(s.queue) >= m.cfg.QueueCapacity {
		s.queue = s.queue[1:]
		m.logger.Warn("session queue full, dropping oldest message",
			zap.String("session_id", s.id))
	}
	s.queue = append(s.queue, raw)
}

func (m *Multiplexer) writeFrame(raw []byte) error {
	m.primMu.RLock()
	conn, connected := m.conn, m.connected
	m.primMu.RUnlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, raw)
}

func (m *Multiplexer) getOrCreateSession(sessionID, projectID, kind string) *muxSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok {
		return s
	}
	s := &muxSession{
		id:        sessionID,
		projectID: projectID,
		kind:      kind,
		status:    SessionPending,
	}
	m.sessions[sessionID] = s
	return s
}

func (m *Multiplexer) snapshotSessions() []*muxSession {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*muxSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

func (m *Multiplexer) markDisconnected(sessionID string) {
	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	s.mu.Lock()
	if s.status == SessionConnected || s.status == SessionPending {
		s.status = SessionDisconnected
	}
	s.mu.Unlock()
}

// backoff computes the delay before the given attempt: base * 2^(attempt-1),
// capped at the configured maximum.
func (m *Multiplexer) backoff(attempt int) time.Duration {
	delay := m.cfg.BackoffBase << uint(attempt-1)
	if delay > m.cfg.BackoffMax || delay <= 0 {
		delay = m.cfg.BackoffMax
	}
	return delay
}

func (m *Multiplexer) publish(eventType, sessionID, projectID string, payload any) {
	m.bus.Publish(events.Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		SessionID: sessionID,
		ProjectID: projectID,
		Payload:   payload,
	})
}

func isTimeout(err error) bool {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
