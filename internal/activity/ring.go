package activity

import "sync"

// Ring is a fixed-capacity FIFO buffer. When full, pushing evicts the oldest value.
type Ring[T any] struct {
	mu    sync.RWMutex
	buf   []T
	head  int // next write position
	count int
}

// NewRing creates a ring holding at most size values.
func NewRing[T any](size int) *Ring[T] {
	if size <= 0 {
		size = 1
	}
	return &Ring[T]{buf: make([]T, size)}
}

// Push appends v, overwriting the oldest value when the ring is full.
// It reports whether a value was evicted.
func (r *Ring[T]) Push(v T) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := r.count == len(r.buf)
	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
	if !evicted {
		r.count++
	}
	return evicted
}

// Newest returns up to limit values, newest first. limit <= 0 returns everything.
func (r *Ring[T]) Newest(limit int) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := r.count
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]T, n)
	for i := 0; i < n; i++ {
		idx := (r.head - 1 - i + len(r.buf)) % len(r.buf)
		out[i] = r.buf[idx]
	}
	return out
}

// Len returns the number of stored values.
func (r *Ring[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// Capacity returns the maximum number of stored values.
func (r *Ring[T]) Capacity() int {
	return len(r.buf)
}

// Reset clears the ring.
func (r *Ring[T]) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	var zero T
	for i := range r.buf {
		r.buf[i] = zero
	}
	r.head = 0
	r.count = 0
}
