// Package buffer provides a bounded, thread-safe ring used by the agent
// to retain recent items (failed reports, command output) for later
// inspection. When full, the oldest item is evicted.
package buffer

import "sync"

// Ring is a fixed-capacity FIFO. Push never blocks; at capacity it
// evicts the oldest item.
type Ring[T any] struct {
	mu  sync.Mutex
	cap int
	buf []T
}

// NewRing returns an empty ring with the given capacity. Capacity must
// be positive.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring[T]{cap: capacity, buf: make([]T, 0, capacity)}
}

// Push appends item, evicting the oldest when full. It reports whether
// an eviction happened.
func (r *Ring[T]) Push(item T) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := false
	if len(r.buf) >= r.cap {
		copy(r.buf, r.buf[1:])
		r.buf = r.buf[:len(r.buf)-1]
		evicted = true
	}
	r.buf = append(r.buf, item)
	return evicted
}

// Pop removes and returns the oldest item.
func (r *Ring[T]) Pop() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.buf) == 0 {
		var zero T
		return zero, false
	}
	item := r.buf[0]
	copy(r.buf, r.buf[1:])
	r.buf = r.buf[:len(r.buf)-1]
	return item, true
}

// Len returns the number of buffered items.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buf)
}

// Snapshot copies the buffered items, oldest first, without consuming them.
func (r *Ring[T]) Snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]T(nil), r.buf...)
}

// Drain removes and returns everything, oldest first.
func (r *Ring[T]) Drain() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.buf
	r.buf = make([]T, 0, r.cap)
	return out
}
