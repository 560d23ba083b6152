package stream

import "sync"

// Ring is a fixed-capacity circular buffer of output chunks. Pushing past
// capacity drops the oldest chunk, so it always retains the most recent
// window in production order. It is the only structure two producers touch
// concurrently (backend push, consumer drain), so it carries its own lock
// sized to the buffer alone.
type Ring struct {
	mu       sync.Mutex
	buf      []string
	capacity int
	pos      int // next write position
	full     bool
}

// NewRing creates a ring buffer with the given chunk capacity.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring{
		buf:      make([]string, capacity),
		capacity: capacity,
	}
}

// Push adds a chunk, evicting the oldest when full.
func (r *Ring) Push(chunk string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf[r.pos] = chunk
	r.pos = (r.pos + 1) % r.capacity
	if r.pos == 0 {
		r.full = true
	}
}

// Drain returns all buffered chunks in chronological order and empties the
// buffer.
func (r *Ring) Drain() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := r.snapshotLocked()
	for i := range r.buf {
		r.buf[i] = ""
	}
	r.pos = 0
	r.full = false
	return out
}

// Snapshot returns all buffered chunks in chronological order without
// consuming them.
func (r *Ring) Snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Ring) snapshotLocked() []string {
	if !r.full {
		out := make([]string, r.pos)
		copy(out, r.buf[:r.pos])
		return out
	}
	out := make([]string, r.capacity)
	copy(out, r.buf[r.pos:])
	copy(out[r.capacity-r.pos:], r.buf[:r.pos])
	return out
}

// Len returns the number of buffered chunks.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return r.capacity
	}
	return r.pos
}

// Cap returns the chunk capacity.
func (r *Ring) Cap() int {
	return r.capacity
}
