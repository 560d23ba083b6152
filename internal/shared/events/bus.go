// Package events provides the in-process pub/sub bus for lifecycle events.
//
// Managers publish session and stream lifecycle events; API handlers and the
// metrics collector subscribe without coupling to manager internals. Delivery
// is non-blocking: a subscriber that falls behind loses events rather than
// stalling publishers.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/termdeck/termdeck/internal/shared/id"
)

// DefaultBufferSize is the default per-subscriber channel capacity.
const DefaultBufferSize = 128

// Session lifecycle event types.
const (
	TypeSessionCreated   = "session.created"
	TypeSessionStatus    = "session.status"
	TypeSessionFocus     = "session.focus"
	TypeSessionSuspended = "session.suspended"
	TypeSessionResumed   = "session.resumed"
	TypeSessionClosed    = "session.closed"
)

// Stream lifecycle event types.
const (
	TypeStreamCreated = "stream.created"
	TypeStreamData    = "stream.data"
	TypeStreamStatus  = "stream.status"
	TypeStreamExit    = "stream.exit"
	TypeStreamClosed  = "stream.closed"
)

// Multiplexer event types.
const (
	TypeMuxData            = "mux.data"
	TypeMuxStatus          = "mux.status"
	TypeMuxError           = "mux.error"
	TypeMuxClosed          = "mux.closed"
	TypeMuxReconnectFailed = "mux.reconnect_failed"
)

// Event is the normalized message delivered through the bus.
type Event struct {
	Type      string
	Timestamp time.Time
	SessionID string
	ProjectID string
	Payload   any
}

// Bus defines event subscription and publish behavior.
type Bus interface {
	Subscribe(types ...string) (id.SubscriptionID, <-chan Event)
	Unsubscribe(subID id.SubscriptionID)
	Publish(event Event)
}

// Option customizes bus construction.
type Option func(*InMemoryBus)

// WithBufferSize configures per-subscriber channel capacity.
func WithBufferSize(size int) Option {
	return func(bus *InMemoryBus) {
		if size > 0 {
			bus.bufferSize = size
		}
	}
}

// WithLogger configures the log sink used for dropped-event warnings.
func WithLogger(logger *zap.Logger) Option {
	return func(bus *InMemoryBus) {
		if logger != nil {
			bus.logger = logger
		}
	}
}

// InMemoryBus is a thread-safe in-process pub/sub bus backed by buffered channels.
type InMemoryBus struct {
	mu         sync.RWMutex
	bufferSize int
	logger     *zap.Logger
	subs       map[id.SubscriptionID]*subscriber
	dropped    atomic.Uint64
}

type subscriber struct {
	id    id.SubscriptionID
	types map[string]struct{} // nil means all types
	ch    chan Event
}

// New creates an in-memory event bus with optional configuration.
func New(options ...Option) *InMemoryBus {
	bus := &InMemoryBus{
		bufferSize: DefaultBufferSize,
		logger:     zap.NewNop(),
		subs:       make(map[id.SubscriptionID]*subscriber),
	}
	for _, option := range options {
		option(bus)
	}
	return bus
}

// Subscribe registers a subscriber for the given event types.
// With no types, the subscriber receives every published event.
// The returned channel is closed by Unsubscribe.
func (b *InMemoryBus) Subscribe(types ...string) (id.SubscriptionID, <-chan Event) {
	sub := &subscriber{
		id: id.NewSubscriptionID(),
		ch: make(chan Event, b.bufferSize),
	}
	if len(types) > 0 {
		sub.types = make(map[string]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}

	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()

	return sub.id, sub.ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *InMemoryBus) Unsubscribe(subID id.SubscriptionID) {
	b.mu.Lock()
	sub, ok := b.subs[subID]
	if ok {
		delete(b.subs, subID)
	}
	b.mu.Unlock()

	if ok {
		close(sub.ch)
	}
}

// Publish delivers an event to all matching subscribers without blocking.
// Delivery happens under the read lock so a concurrent Unsubscribe cannot
// close a channel mid-send.
func (b *InMemoryBus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.types != nil {
			if _, ok := sub.types[event.Type]; !ok {
				continue
			}
		}
		select {
		case sub.ch <- event:
		default:
			b.dropped.Add(1)
			b.logger.Warn("dropping event for slow subscriber",
				zap.String("subscription_id", string(sub.id)),
				zap.String("type", event.Type),
				zap.String("session_id", event.SessionID),
			)
		}
	}
}

// Dropped returns the number of events discarded due to full subscriber buffers.
func (b *InMemoryBus) Dropped() uint64 {
	return b.dropped.Load()
}
