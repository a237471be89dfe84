// Package buffer provides a generic, thread-safe ring used for the realtime
// window and the session history.
//
// A Ring holds items oldest first. When a bounded ring is full the next
// Push evicts the oldest item. A ring with capacity 0 is unbounded and
// grows as needed. Statistics are always
// collected; Prometheus metrics are optional via WithMetrics.
package buffer

import (
	"errors"
	"sync"
)

// ErrClosed is returned by Push after Close.
var ErrClosed = errors.New("buffer closed")

// DropCallback is called, outside the ring's lock, with every item evicted
// from a full ring.
type DropCallback[T any] func(item T)

// Ring is a FIFO of at most Capacity items.
type Ring[T any] struct {
	mu       sync.RWMutex
	items    []T
	capacity int // 0 means unbounded
	head     int // index of the oldest item
	size     int
	closed   bool
	stats    *Statistics
	metrics  *ringMetrics
	opts     *options[T]
}

// NewRing creates a ring. A capacity of 0 makes it unbounded; negative
// capacities are treated as 1. It fails only when metrics registration fails.
func NewRing[T any](capacity int, opts ...Option[T]) (*Ring[T], error) {
	o := applyOptions(opts...)
	if capacity < 0 {
		capacity = 1
	}
	initial := capacity
	if initial == 0 {
		initial = 16
	}

	r := &Ring[T]{
		items:    make([]T, initial),
		capacity: capacity,
		stats:    NewStatistics(),
		opts:     o,
	}
	if o.registerer != nil {
		m, err := newRingMetrics(o.registerer, o.component)
		if err != nil {
			return nil, err
		}
		r.metrics = m
	}
	return r, nil
}

// Push appends an item, evicting the oldest one when a bounded ring is full.
func (r *Ring[T]) Push(item T) error {
	r.mu.Lock()

	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}

	var dropped T
	didDrop := false

	if r.size == len(r.items) {
		if r.capacity == 0 {
			r.grow()
		} else {
			dropped, didDrop = r.items[r.head], true
			var zero T
			r.items[r.head] = zero
			r.head = (r.head + 1) % len(r.items)
			r.size--
			r.stats.Drop()
			if r.metrics != nil {
				r.metrics.drops.Inc()
			}
		}
	}

	r.items[(r.head+r.size)%len(r.items)] = item
	r.size++
	r.stats.Write()
	r.stats.UpdateSize(int64(r.size))
	if r.metrics != nil {
		r.metrics.recordWrite(r.size, r.capacity)
	}
	r.mu.Unlock()

	if didDrop && r.opts.dropCallback != nil {
		r.opts.dropCallback(dropped)
	}
	return nil
}

// grow doubles the storage of an unbounded ring, linearising it.
func (r *Ring[T]) grow() {
	next := make([]T, 2*len(r.items))
	r.copyInto(next)
	r.items = next
	r.head = 0
}

// copyInto writes the items oldest first into dst, which must be large enough.
func (r *Ring[T]) copyInto(dst []T) int {
	n := copy(dst, r.items[r.head:min(r.head+r.size, len(r.items))])
	if n < r.size {
		n += copy(dst[n:], r.items[:r.size-n])
	}
	return n
}

// Snapshot returns a copy of the items, oldest first. The ring is unchanged.
func (r *Ring[T]) Snapshot() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.size == 0 {
		return nil
	}
	out := make([]T, r.size)
	r.copyInto(out)
	r.stats.Read()
	return out
}

// Drain returns the items, oldest first, and empties the ring.
func (r *Ring[T]) Drain() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.size == 0 {
		return nil
	}
	out := make([]T, r.size)
	r.copyInto(out)
	r.reset()
	r.stats.Read()
	return out
}

// Len returns the current number of items.
func (r *Ring[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

// Capacity returns the bound, or 0 for an unbounded ring.
func (r *Ring[T]) Capacity() int {
	return r.capacity // immutable
}

// Clear removes all items without invoking the drop callback.
func (r *Ring[T]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reset()
}

func (r *Ring[T]) reset() {
	clear(r.items)
	r.head = 0
	r.size = 0
	r.stats.UpdateSize(0)
	if r.metrics != nil {
		r.metrics.updateSize(0, r.capacity)
	}
}

// Stats returns the ring statistics.
func (r *Ring[T]) Stats() *Statistics {
	return r.stats
}

// Close rejects further pushes. Items already held stay readable.
func (r *Ring[T]) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}
