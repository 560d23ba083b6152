package stream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/creack/pty"
	"github.com/termdeck/termdeck/internal/infrastructure/logging"
	"github.com/termdeck/termdeck/internal/shared/events"
	"github.com/termdeck/termdeck/internal/shared/id"
	"github.com/termdeck/termdeck/internal/shared/protocol"
)

// ============================================================================
// Manager - Stream Registry
// ============================================================================

// Manager owns the actual bytes of every session: either a spawned shell on
// a pseudo-terminal or a socket transport. It presents one write/read/
// resize/close surface regardless of backend, keyed by session ID, and
// never touches session policy state.
type Manager struct {
	cfg    Config
	bus    events.Bus
	logger *logging.Logger

	streams sync.Map // map[sessionID]*Stream
	dialer  *websocket.Dialer
}

// Stream is one live I/O binding. Exactly one of ptmx or conn is set.
type Stream struct {
	ID        string
	SessionID string
	Type      Type
	CreatedAt time.Time

	// Process backend
	cmd  *exec.Cmd
	ptmx *os.File

	// Transport backend
	url     string
	header  map[string][]string
	writeMu sync.Mutex
	conn    *websocket.Conn

	buffer *Ring

	mu      sync.RWMutex
	status  Status
	metrics Metrics
	closed  bool
	exit    *int
}

// NewManager creates a stream manager. Nil bus and logger get working
// defaults, mirroring the session registry.
func NewManager(cfg Config, bus events.Bus, logger *logging.Logger) *Manager {
	if bus == nil {
		bus = events.New()
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Manager{
		cfg:    cfg,
		bus:    bus,
		logger: logger,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.ConnectTimeout,
		},
	}
}

// ============================================================================
// Creation
// ============================================================================

// CreateTerminal spawns a shell attached to a pseudo-terminal for a session.
// The process inherits the parent environment overridden by opts.Env, and
// the stream is CONNECTED as soon as the PTY starts. Output chunks are
// pushed into the session's circular buffer and re-emitted as stream.data
// events in production order.
func (m *Manager) CreateTerminal(sessionID string, opts TerminalOptions) (*Info, error) {
	shell := opts.Shell
	if shell == "" {
		shell = m.cfg.Shell
	}
	if shell == "" {
		shell = os.Getenv("SHELL")
		if shell == "" {
			shell = "/bin/bash"
		}
	}
	workingDir := opts.WorkingDir
	if workingDir == "" {
		workingDir = os.Getenv("HOME")
		if workingDir == "" {
			workingDir = "/tmp"
		}
	}
	rows, cols := opts.Rows, opts.Cols
	if rows <= 0 {
		rows = m.cfg.DefaultRows
	}
	if cols <= 0 {
		cols = m.cfg.DefaultCols
	}
	streamType := opts.Type
	if streamType == "" {
		streamType = TypeTerminal
	}

	cmd := exec.Command(shell)
	cmd.Dir = workingDir
	cmd.Env = os.Environ()
	cmd.Env = append(cmd.Env, "TERM=xterm-256color")
	for key, value := range opts.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", key, value))
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Rows: uint16(rows),
		Cols: uint16(cols),
	})
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}

	now := time.Now().UTC()
	s := &Stream{
		ID:        string(id.NewStreamID()),
		SessionID: sessionID,
		Type:      streamType,
		CreatedAt: now,
		cmd:       cmd,
		ptmx:      ptmx,
		buffer:    NewRing(m.cfg.BufferCapacity),
		status:    StatusConnected,
		metrics:   Metrics{ConnectedAt: now},
	}
	m.streams.Store(sessionID, s)

	go m.readPTY(s)
	go m.monitorProcess(s)

	m.logger.Info("terminal stream created",
		zap.String("session_id", sessionID),
		zap.String("stream_id", s.ID),
		zap.String("shell", shell))
	m.publish(events.TypeStreamCreated, s, nil)
	m.publish(events.TypeStreamStatus, s, StatusEvent{Status: StatusConnected})

	return m.info(s), nil
}

// CreateTransport opens a socket-backed stream for a session. It returns
// once the handshake completes, or ErrConnectTimeout when the handshake
// exceeds its deadline. Message, error, and close handling mirror the
// process path, so consumers cannot tell the backends apart from events.
func (m *Manager) CreateTransport(sessionID string, opts TransportOptions) (*Info, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("transport url is required")
	}
	streamType := opts.Type
	if streamType == "" {
		streamType = TypeClaude
	}

	conn, _, err := m.dialer.Dial(opts.URL, opts.Header)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: %s", ErrConnectTimeout, opts.URL)
		}
		return nil, fmt.Errorf("dial %s: %w", opts.URL, err)
	}

	now := time.Now().UTC()
	s := &Stream{
		ID:        string(id.NewStreamID()),
		SessionID: sessionID,
		Type:      streamType,
		CreatedAt: now,
		url:       opts.URL,
		header:    opts.Header,
		conn:      conn,
		buffer:    NewRing(m.cfg.BufferCapacity),
		status:    StatusConnected,
		metrics:   Metrics{ConnectedAt: now},
	}
	m.streams.Store(sessionID, s)

	go m.readTransport(s, conn)

	m.logger.Info("transport stream created",
		zap.String("session_id", sessionID),
		zap.String("stream_id", s.ID),
		zap.String("url", opts.URL))
	m.publish(events.TypeStreamCreated, s, nil)
	m.publish(events.TypeStreamStatus, s, StatusEvent{Status: StatusConnected})

	return m.info(s), nil
}

// ============================================================================
// Backend Pumps
// ============================================================================

// readPTY pumps process output into the buffer and onto the bus.
func (m *Manager) readPTY(s *Stream) {
	buf := make([]byte, 4096)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			m.deliver(s, string(buf[:n]))
		}
		if err != nil {
			return
		}
	}
}

// monitorProcess waits for the shell to exit, downgrades the stream to
// DISCONNECTED, and surfaces the exit as a status occurrence. A dead
// process is terminal for the stream; only transports reconnect.
func (m *Manager) monitorProcess(s *Stream) {
	s.cmd.Wait()
	code := s.cmd.ProcessState.ExitCode()

	s.mu.Lock()
	wasClosed := s.closed
	if !wasClosed {
		s.status = StatusDisconnected
		s.metrics.DisconnectedAt = time.Now().UTC()
		s.exit = &code
	}
	s.mu.Unlock()

	s.ptmx.Close()
	if wasClosed {
		return
	}

	m.logger.Info("terminal process exited",
		zap.String("session_id", s.SessionID),
		zap.Int("exit_code", code))
	m.publish(events.TypeStreamStatus, s, StatusEvent{Status: StatusDisconnected, Reason: "process exited"})
	m.publish(events.TypeStreamExit, s, ExitEvent{ExitCode: code})
}

// readTransport pumps socket messages into the buffer and onto the bus.
func (m *Manager) readTransport(s *Stream, conn *websocket.Conn) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			m.handleTransportDrop(s, conn, err)
			return
		}
		m.deliver(s, string(msg))
	}
}

// handleTransportDrop marks a dropped transport DISCONNECTED unless the
// stream was closed or already replaced by a reconnect.
func (m *Manager) handleTransportDrop(s *Stream, conn *websocket.Conn, cause error) {
	s.mu.Lock()
	if s.closed || s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.status = StatusDisconnected
	s.metrics.DisconnectedAt = time.Now().UTC()
	s.mu.Unlock()

	m.logger.Warn("transport stream dropped",
		zap.String("session_id", s.SessionID),
		zap.Error(cause))
	m.publish(events.TypeStreamStatus, s, StatusEvent{Status: StatusDisconnected, Reason: cause.Error()})
}

// deliver pushes one output chunk through the buffer and bus, updating
// traffic counters. Chunk order follows backend production order because
// each backend has a single reader goroutine.
func (m *Manager) deliver(s *Stream, chunk string) {
	s.buffer.Push(chunk)

	s.mu.Lock()
	s.metrics.BytesOut += uint64(len(chunk))
	s.metrics.MessagesOut++
	s.metrics.LastData = time.Now().UTC()
	s.mu.Unlock()

	m.publish(events.TypeStreamData, s, DataEvent{Data: chunk})
}

// ============================================================================
// I/O Surface
// ============================================================================

// Write sends input to the live backend of a session's stream. While the
// backend is disconnected the data lands in the circular buffer instead of
// being dropped, a soft guarantee bounded by buffer capacity rather than a
// durable queue.
func (m *Manager) Write(sessionID string, data []byte) error {
	s, ok := m.load(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrClosed, sessionID)
	}
	connected := s.status == StatusConnected
	s.metrics.BytesIn += uint64(len(data))
	s.metrics.MessagesIn++
	conn := s.conn
	s.mu.Unlock()

	if !connected {
		s.buffer.Push(string(data))
		return nil
	}

	if s.ptmx != nil {
		_, err := s.ptmx.Write(data)
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteMessage(websocket.BinaryMessage, data)
}

// Resize forwards new dimensions to the PTY, or sends a resize control
// envelope over the transport.
func (m *Manager) Resize(sessionID string, rows, cols int) error {
	s, ok := m.load(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}

	s.mu.RLock()
	closed := s.closed
	conn := s.conn
	s.mu.RUnlock()
	if closed {
		return fmt.Errorf("%w: %s", ErrClosed, sessionID)
	}

	if s.ptmx != nil {
		return pty.Setsize(s.ptmx, &pty.Winsize{
			Rows: uint16(rows),
			Cols: uint16(cols),
		})
	}

	env, err := protocol.New(sessionID, protocol.TypeResize, protocol.ResizePayload{Rows: rows, Cols: cols})
	if err != nil {
		return fmt.Errorf("encode resize: %w", err)
	}
	raw, err := protocol.Encode(env)
	if err != nil {
		return fmt.Errorf("encode resize: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, raw)
}

// ReadBuffer returns the buffered-but-undelivered chunks of a session's
// stream and clears the buffer. Used when a consumer reattaches after a
// disconnect or suspension.
func (m *Manager) ReadBuffer(sessionID string) ([]string, error) {
	s, ok := m.load(sessionID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	return s.buffer.Drain(), nil
}

// ClearBuffer discards the buffered chunks of a session's stream.
func (m *Manager) ClearBuffer(sessionID string) error {
	s, ok := m.load(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	s.buffer.Drain()
	return nil
}

// RecordLatency stores a measured round-trip latency on the stream.
func (m *Manager) RecordLatency(sessionID string, latency time.Duration) {
	if s, ok := m.load(sessionID); ok {
		s.mu.Lock()
		s.metrics.LatencyMs = float64(latency.Microseconds()) / 1000.0
		s.mu.Unlock()
	}
}

// ============================================================================
// Reconnection
// ============================================================================

// Reconnect redials a transport-backed stream with a bounded attempt loop.
// PTY-backed streams cannot reconnect; a dead process requires a brand-new
// session, so they report ErrProcessExited. Exhausting the attempt budget
// marks the stream ERROR and returns ErrReconnectExhausted.
func (m *Manager) Reconnect(ctx context.Context, sessionID string) error {
	s, ok := m.load(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrClosed, sessionID)
	}
	if s.status == StatusConnected {
		s.mu.Unlock()
		return nil
	}
	if s.ptmx != nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: session %s", ErrProcessExited, sessionID)
	}
	url, header := s.url, s.header
	s.status = StatusConnecting
	s.mu.Unlock()
	m.publish(events.TypeStreamStatus, s, StatusEvent{Status: StatusConnecting})

	var lastErr error
	for attempt := 1; attempt <= m.cfg.ReconnectAttempts; attempt++ {
		conn, _, err := m.dialer.DialContext(ctx, url, header)
		if err == nil {
			now := time.Now().UTC()
			s.mu.Lock()
			if s.closed {
				s.mu.Unlock()
				conn.Close()
				return fmt.Errorf("%w: %s", ErrClosed, sessionID)
			}
			s.conn = conn
			s.status = StatusConnected
			s.metrics.ConnectedAt = now
			s.metrics.Reconnects++
			s.mu.Unlock()

			go m.readTransport(s, conn)

			m.logger.Info("transport stream reconnected",
				zap.String("session_id", sessionID),
				zap.Int("attempt", attempt))
			m.publish(events.TypeStreamStatus, s, StatusEvent{Status: StatusConnected})
			return nil
		}
		lastErr = err
		m.logger.Warn("reconnect attempt failed",
			zap.String("session_id", sessionID),
			zap.Int("attempt", attempt),
			zap.Error(err))

		if attempt < m.cfg.ReconnectAttempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(m.cfg.ReconnectDelay):
			}
		}
	}

	s.mu.Lock()
	s.status = StatusError
	s.mu.Unlock()
	m.publish(events.TypeStreamStatus, s, StatusEvent{Status: StatusError, Reason: "reconnect exhausted"})
	return fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, m.cfg.ReconnectAttempts, lastErr)
}

// ============================================================================
// Close
// ============================================================================

// Close terminates the owned process or transport of a session's stream and
// emits stream.closed. It reports whether this call performed the close;
// the record stays loadable for the close grace, then is removed.
func (m *Manager) Close(sessionID string) bool {
	s, ok := m.load(sessionID)
	if !ok {
		return false
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.closed = true
	s.status = StatusDisconnected
	s.metrics.DisconnectedAt = time.Now().UTC()
	conn := s.conn
	s.mu.Unlock()

	if s.cmd != nil && s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
	if s.ptmx != nil {
		s.ptmx.Close()
	}
	if conn != nil {
		conn.Close()
	}

	m.logger.Info("stream closed",
		zap.String("session_id", sessionID),
		zap.String("stream_id", s.ID))
	m.publish(events.TypeStreamClosed, s, nil)

	time.AfterFunc(m.cfg.CloseGrace, func() {
		m.streams.Delete(sessionID)
	})
	return true
}

// CloseAll closes every stream. Used during shutdown.
func (m *Manager) CloseAll() int {
	var ids []string
	m.streams.Range(func(key, _ any) bool {
		ids = append(ids, key.(string))
		return true
	})
	closed := 0
	for _, sid := range ids {
		if m.Close(sid) {
			closed++
		}
	}
	return closed
}

// ============================================================================
// Inspection
// ============================================================================

// Get returns the public snapshot of a session's stream.
func (m *Manager) Get(sessionID string) (*Info, error) {
	s, ok := m.load(sessionID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	return m.info(s), nil
}

// List returns snapshots of every stream.
func (m *Manager) List() []Info {
	var out []Info
	m.streams.Range(func(_, value any) bool {
		out = append(out, *m.info(value.(*Stream)))
		return true
	})
	return out
}

// Stats aggregates traffic and connectivity across all streams.
func (m *Manager) Stats() Stats {
	var stats Stats
	var latencySum float64
	var latencyCount int
	m.streams.Range(func(_, value any) bool {
		s := value.(*Stream)
		s.mu.RLock()
		status := s.status
		metrics := s.metrics
		s.mu.RUnlock()

		stats.TotalStreams++
		switch status {
		case StatusConnected:
			stats.ConnectedStreams++
		case StatusDisconnected, StatusError:
			stats.DisconnectedStreams++
		}
		stats.BufferedChunks += s.buffer.Len()
		stats.BytesIn += metrics.BytesIn
		stats.BytesOut += metrics.BytesOut
		if metrics.LatencyMs > 0 {
			latencySum += metrics.LatencyMs
			latencyCount++
		}
		return true
	})
	if latencyCount > 0 {
		stats.AvgLatencyMs = latencySum / float64(latencyCount)
	}
	return stats
}

// ============================================================================
// Internals
// ============================================================================

func (m *Manager) load(sessionID string) (*Stream, bool) {
	value, ok := m.streams.Load(sessionID)
	if !ok {
		return nil, false
	}
	return value.(*Stream), true
}

func (m *Manager) info(s *Stream) *Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &Info{
		ID:        s.ID,
		SessionID: s.SessionID,
		Type:      s.Type,
		Status:    s.status,
		Buffered:  s.buffer.Len(),
		Metrics:   s.metrics,
		CreatedAt: s.CreatedAt,
	}
}

func (m *Manager) publish(eventType string, s *Stream, payload any) {
	m.bus.Publish(events.Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		SessionID: s.SessionID,
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
