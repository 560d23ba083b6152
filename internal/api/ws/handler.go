package ws

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/termdeck/termdeck/internal/domain/session"
	"github.com/termdeck/termdeck/internal/domain/stream"
	"github.com/termdeck/termdeck/internal/infrastructure/logging"
	"github.com/termdeck/termdeck/internal/infrastructure/monitoring"
	"github.com/termdeck/termdeck/internal/shared/events"
	"github.com/termdeck/termdeck/internal/shared/id"
	"github.com/termdeck/termdeck/internal/shared/protocol"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
	sendBuffer    = 256
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Same-host UI; gateway enforces origin in production.
	},
}

// ============================================================================
// Handler - Server Side of the Multiplexed Protocol
// ============================================================================

// Handler owns the websocket endpoint every UI client multiplexes its
// sessions over. Each client carries session-tagged envelopes both ways;
// the handler routes client requests into the managers and bridges bus
// events back out to the clients attached to each session.
type Handler struct {
	sessions *session.Manager
	streams  *stream.Manager
	bus      events.Bus
	metrics  *monitoring.Metrics
	logger   *logging.Logger

	clientsMu sync.RWMutex
	clients   map[*client]struct{}
}

// client is one websocket consumer with its attachment set. The send
// channel is never closed; done signals teardown so late enqueues from
// async handlers cannot hit a closed channel.
type client struct {
	id      id.ConnectionID
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	handler *Handler
	subID   id.SubscriptionID

	mu       sync.Mutex
	attached map[string]struct{}
}

// NewHandler creates the websocket handler. Metrics may be nil.
func NewHandler(sessions *session.Manager, streams *stream.Manager, bus events.Bus, metrics *monitoring.Metrics, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Handler{
		sessions: sessions,
		streams:  streams,
		bus:      bus,
		metrics:  metrics,
		logger:   logger,
		clients:  make(map[*client]struct{}),
	}
}

// HandleConnection upgrades the request and runs the client pumps.
func (h *Handler) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	cl := &client{
		id:       id.NewConnectionID(),
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
		handler:  h,
		attached: make(map[string]struct{}),
	}

	subID, eventCh := h.bus.Subscribe(
		events.TypeStreamData,
		events.TypeStreamStatus,
		events.TypeStreamExit,
		events.TypeSessionResumed,
		events.TypeSessionClosed,
	)
	cl.subID = subID

	h.clientsMu.Lock()
	h.clients[cl] = struct{}{}
	h.clientsMu.Unlock()
	if h.metrics != nil {
		h.metrics.IncWSConnections()
	}
	h.logger.Info("client connected",
		zap.String("conn_id", cl.id.String()),
		zap.String("remote", conn.RemoteAddr().String()))

	go cl.writePump()
	go cl.bridgePump(eventCh)
	go cl.readPump()
}

// ClientCount returns the number of connected websocket clients.
func (h *Handler) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

func (h *Handler) removeClient(cl *client) {
	h.clientsMu.Lock()
	_, ok := h.clients[cl]
	if ok {
		delete(h.clients, cl)
	}
	h.clientsMu.Unlock()
	if !ok {
		return
	}

	h.bus.Unsubscribe(cl.subID)
	close(cl.done)
	if h.metrics != nil {
		h.metrics.DecWSConnections()
	}
	h.logger.Info("client disconnected", zap.String("conn_id", cl.id.String()))
}

// ============================================================================
// Pumps
// ============================================================================

// readPump reads envelopes off the socket and dispatches them. Exit tears
// the client down; streams and sessions survive for the next attach.
func (c *client) readPump() {
	defer func() {
		c.handler.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.handler.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}
		if c.handler.metrics != nil {
			c.handler.metrics.RecordWSMessage("in")
		}
		c.handler.handleMessage(c, raw)
	}
}

// writePump is the sole socket writer: queued envelopes plus keepalive
// pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// bridgePump forwards bus events to this client for sessions it is
// attached to. Exits when the subscription is closed on teardown.
func (c *client) bridgePump(eventCh <-chan events.Event) {
	for evt := range eventCh {
		if !c.isAttached(evt.SessionID) {
			continue
		}

		switch evt.Type {
		case events.TypeStreamData:
			if p, ok := evt.Payload.(stream.DataEvent); ok {
				c.enqueueEnvelope(evt.SessionID, protocol.TypeData, protocol.DataPayload{Data: p.Data})
			}

		case events.TypeStreamStatus:
			if p, ok := evt.Payload.(stream.StatusEvent); ok {
				c.enqueueEnvelope(evt.SessionID, protocol.TypeStatus, protocol.StatusPayload{
					Status: string(p.Status),
					Reason: p.Reason,
				})
			}

		case events.TypeStreamExit:
			if p, ok := evt.Payload.(stream.ExitEvent); ok {
				c.enqueueEnvelope(evt.SessionID, protocol.TypeExit, protocol.ExitPayload{ExitCode: p.ExitCode})
			}

		case events.TypeSessionResumed:
			// Redeliver the output that was stashed across suspension.
			if p, ok := evt.Payload.(session.ResumedEvent); ok {
				for _, chunk := range p.Replay {
					c.enqueueEnvelope(evt.SessionID, protocol.TypeData, protocol.DataPayload{Data: chunk})
				}
			}

		case events.TypeSessionClosed:
			c.enqueueEnvelope(evt.SessionID, protocol.TypeClosed, nil)
			c.detach(evt.SessionID)
		}
	}
}

// ============================================================================
// Dispatch
// ============================================================================

func (h *Handler) handleMessage(c *client, raw []byte) {
	env, err := protocol.ValidateClient(raw)
	if err != nil {
		c.enqueueError("", protocol.CodeInvalidMessage, err.Error())
		return
	}

	switch env.Type {
	case protocol.TypeConnect:
		h.handleConnect(c, env)
	case protocol.TypeReconnect:
		// Reconnect retries with backoff; keep the read pump responsive
		// for the client's other sessions meanwhile.
		go h.handleReconnect(c, env)
	case protocol.TypeInput:
		h.handleInput(c, env)
	case protocol.TypeResize:
		h.handleResize(c, env)
	case protocol.TypeClear:
		h.handleClear(c, env)
	case protocol.TypeUIDisconnect:
		c.detach(env.SessionID)
	case protocol.TypeClose:
		h.handleClose(c, env)
	case protocol.TypePing:
		c.enqueueEnvelope(env.SessionID, protocol.TypePong, nil)
	}
}

// handleConnect binds a session to this client: spawn the backing stream
// if it does not exist yet, replay buffered output, then confirm. Replay
// precedes attach so buffered chunks are never delivered twice.
func (h *Handler) handleConnect(c *client, env *protocol.Envelope) {
	sess := h.sessions.Get(env.SessionID)
	if sess == nil {
		c.enqueueError(env.SessionID, protocol.CodeSessionNotFound, "unknown session")
		return
	}

	if _, err := h.streams.Get(env.SessionID); err != nil {
		if err := h.spawnStream(sess); err != nil {
			h.logger.Error("stream spawn failed",
				zap.String("session_id", sess.ID),
				zap.Error(err))
			h.sessions.RecordError(sess.ID)
			c.enqueueError(env.SessionID, protocol.CodeInternal, "failed to start terminal")
			return
		}
	}

	replay, _ := h.streams.ReadBuffer(env.SessionID)
	c.enqueueEnvelope(env.SessionID, protocol.TypeConnected, nil)
	for _, chunk := range replay {
		c.enqueueEnvelope(env.SessionID, protocol.TypeData, protocol.DataPayload{Data: chunk})
	}
	c.attach(env.SessionID)
	h.sessions.RecordActivity(env.SessionID)
}

// handleReconnect re-binds an existing session after a transport drop. A
// stream whose process has exited cannot come back; the client sees an
// error status instead of a confirmation.
func (h *Handler) handleReconnect(c *client, env *protocol.Envelope) {
	if h.sessions.Get(env.SessionID) == nil {
		c.enqueueError(env.SessionID, protocol.CodeSessionNotFound, "unknown session")
		return
	}

	err := h.streams.Reconnect(context.Background(), env.SessionID)
	switch {
	case err == nil:
		replay, _ := h.streams.ReadBuffer(env.SessionID)
		c.enqueueEnvelope(env.SessionID, protocol.TypeConnected, nil)
		for _, chunk := range replay {
			c.enqueueEnvelope(env.SessionID, protocol.TypeData, protocol.DataPayload{Data: chunk})
		}
		c.attach(env.SessionID)

	case errors.Is(err, stream.ErrProcessExited):
		c.attach(env.SessionID)
		c.enqueueEnvelope(env.SessionID, protocol.TypeStatus, protocol.StatusPayload{
			Status: string(stream.StatusError),
			Reason: "process exited",
		})

	case errors.Is(err, stream.ErrNotFound):
		c.enqueueError(env.SessionID, protocol.CodeSessionNotFound, "no stream for session")

	case errors.Is(err, stream.ErrReconnectExhausted):
		c.enqueueError(env.SessionID, protocol.CodeReconnectExhausted, err.Error())

	default:
		c.enqueueError(env.SessionID, protocol.CodeInternal, err.Error())
	}
}

func (h *Handler) handleInput(c *client, env *protocol.Envelope) {
	var payload protocol.InputPayload
	if err := env.DecodePayload(&payload); err != nil {
		c.enqueueError(env.SessionID, protocol.CodeInvalidMessage, "malformed input payload")
		return
	}

	if err := h.streams.Write(env.SessionID, []byte(payload.Data)); err != nil {
		code := protocol.CodeInternal
		if errors.Is(err, stream.ErrNotFound) {
			code = protocol.CodeSessionNotFound
		}
		c.enqueueError(env.SessionID, code, err.Error())
		return
	}

	h.sessions.RecordInput(env.SessionID, len(payload.Data))
	if strings.ContainsAny(payload.Data, "\n\r") {
		h.sessions.RecordCommand(env.SessionID)
	}
}

func (h *Handler) handleResize(c *client, env *protocol.Envelope) {
	var payload protocol.ResizePayload
	if err := env.DecodePayload(&payload); err != nil {
		c.enqueueError(env.SessionID, protocol.CodeInvalidMessage, "malformed resize payload")
		return
	}

	if err := h.sessions.SetDimensions(env.SessionID, payload.Rows, payload.Cols); err != nil {
		c.enqueueError(env.SessionID, protocol.CodeSessionNotFound, err.Error())
		return
	}
	if err := h.streams.Resize(env.SessionID, payload.Rows, payload.Cols); err != nil && !errors.Is(err, stream.ErrNotFound) {
		h.logger.Warn("resize failed",
			zap.String("session_id", env.SessionID),
			zap.Error(err))
	}
}

func (h *Handler) handleClear(c *client, env *protocol.Envelope) {
	if err := h.streams.ClearBuffer(env.SessionID); err != nil {
		c.enqueueError(env.SessionID, protocol.CodeSessionNotFound, err.Error())
	}
}

// handleClose is the hard close: terminate the backing process and the
// session record. The session.closed bus event notifies every other
// attached client; this client is answered directly.
func (h *Handler) handleClose(c *client, env *protocol.Envelope) {
	c.detach(env.SessionID)
	h.streams.Close(env.SessionID)
	h.sessions.Close(env.SessionID)
	c.enqueueEnvelope(env.SessionID, protocol.TypeClosed, nil)
}

// spawnStream starts the PTY backend for a session using its recorded
// dimensions and environment.
func (h *Handler) spawnStream(sess *session.Session) error {
	if err := h.sessions.UpdateStatus(sess.ID, session.StatusConnecting); err != nil {
		return err
	}

	_, err := h.streams.CreateTerminal(sess.ID, stream.TerminalOptions{
		Type:       streamType(sess.Mode),
		WorkingDir: sess.Metadata.WorkingDir,
		Rows:       sess.Metadata.Rows,
		Cols:       sess.Metadata.Cols,
		Env:        sess.Metadata.Env,
	})
	if err != nil {
		h.sessions.UpdateStatus(sess.ID, session.StatusError)
		return err
	}
	return h.sessions.UpdateStatus(sess.ID, session.StatusActive)
}

func streamType(mode session.Mode) stream.Type {
	switch mode {
	case session.ModeClaude:
		return stream.TypeClaude
	case session.ModeSystem:
		return stream.TypeSystem
	default:
		return stream.TypeTerminal
	}
}

// ============================================================================
// Client Helpers
// ============================================================================

func (c *client) attach(sessionID string) {
	c.mu.Lock()
	c.attached[sessionID] = struct{}{}
	c.mu.Unlock()
}

func (c *client) detach(sessionID string) {
	c.mu.Lock()
	delete(c.attached, sessionID)
	c.mu.Unlock()
}

func (c *client) isAttached(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.attached[sessionID]
	return ok
}

func (c *client) enqueueEnvelope(sessionID, msgType string, payload any) {
	env, err := protocol.New(sessionID, msgType, payload)
	if err != nil {
		return
	}
	c.enqueue(env)
}

func (c *client) enqueueError(sessionID, code, message string) {
	env, err := protocol.NewError(sessionID, code, message)
	if err != nil {
		return
	}
	c.enqueue(env)
}

func (c *client) enqueue(env *protocol.Envelope) {
	raw, err := protocol.Encode(env)
	if err != nil {
		return
	}
	select {
	case <-c.done:
	case c.send <- raw:
		if c.handler.metrics != nil {
			c.handler.metrics.RecordWSMessage("out")
		}
	default:
		// Slow client: drop rather than stall the bridge.
		c.handler.logger.Warn("dropping envelope for slow client",
			zap.String("session_id", env.SessionID),
			zap.String("type", env.Type))
	}
}
