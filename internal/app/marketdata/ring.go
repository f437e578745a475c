// Package marketdata fans normalized trades and books out to independent readers.
package marketdata

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Cursor.Next once the ring is closed and drained.
var ErrClosed = errors.New("marketdata: ring closed")

// Ring is a fixed-capacity broadcast buffer. Publish never blocks; when full
// the oldest entry is overwritten. Entries are numbered from 1.
type Ring[T any] struct {
	mu     sync.Mutex
	buf    []T
	next   uint64
	wake   chan struct{}
	closed bool
}

// NewRing constructs a ring holding capacity entries (minimum 1).
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{buf: make([]T, capacity), next: 1, wake: make(chan struct{})}
}

// Publish appends v and returns its sequence number.
func (r *Ring[T]) Publish(v T) uint64 {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return 0
	}
	seq := r.next
	r.buf[seq%uint64(len(r.buf))] = v
	r.next++
	wake := r.wake
	r.wake = make(chan struct{})
	r.mu.Unlock()
	close(wake)
	return seq
}

// Last returns up to n of the newest entries, oldest first.
func (r *Ring[T]) Last(n int) []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	oldest := r.oldestLocked()
	avail := int(r.next - oldest)
	if n <= 0 || n > avail {
		n = avail
	}
	out := make([]T, 0, n)
	for seq := r.next - uint64(n); seq < r.next; seq++ {
		out = append(out, r.buf[seq%uint64(len(r.buf))])
	}
	return out
}

// Len reports how many entries are currently retained.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int(r.next - r.oldestLocked())
}

// Cursor returns a reader positioned after the newest entry.
func (r *Ring[T]) Cursor() *Cursor[T] {
	r.mu.Lock()
	defer r.mu.Unlock()
	return &Cursor[T]{ring: r, next: r.next}
}

// Close wakes blocked readers; they drain what is left and then get ErrClosed.
func (r *Ring[T]) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	wake := r.wake
	r.mu.Unlock()
	close(wake)
}

func (r *Ring[T]) oldestLocked() uint64 {
	size := uint64(len(r.buf))
	if r.next-1 <= size {
		return 1
	}
	return r.next - size
}

// Cursor reads a Ring independently of other cursors. A cursor is not safe
// for concurrent use.
type Cursor[T any] struct {
	ring *Ring[T]
	next uint64
}

// Next blocks until an entry is available. missed counts entries overwritten
// before this cursor could read them.
func (c *Cursor[T]) Next(ctx context.Context) (value T, missed uint64, err error) {
	for {
		r := c.ring
		r.mu.Lock()
		if c.next < r.next {
			oldest := r.oldestLocked()
			if c.next < oldest {
				missed = oldest - c.next
				c.next = oldest
			}
			value = r.buf[c.next%uint64(len(r.buf))]
			c.next++
			r.mu.Unlock()
			return value, missed, nil
		}
		if r.closed {
			r.mu.Unlock()
			return value, missed, ErrClosed
		}
		wake := r.wake
		r.mu.Unlock()

		select {
		case <-ctx.Done():
			return value, missed, ctx.Err()
		case <-wake:
		}
	}
}

// TryNext returns the next entry without blocking.
func (c *Cursor[T]) TryNext() (value T, missed uint64, ok bool) {
	r := c.ring
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.next >= r.next {
		return value, 0, false
	}
	if oldest := r.oldestLocked(); c.next < oldest {
		missed = oldest - c.next
		c.next = oldest
	}
	value = r.buf[c.next%uint64(len(r.buf))]
	c.next++
	return value, missed, true
}
