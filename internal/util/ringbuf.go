package util

import "sync"

// RingBuffer keeps the last n values pushed. Safe for concurrent use.
type RingBuffer[T any] struct {
	mu   sync.RWMutex
	vals []T
	next int
	full bool
}

func NewRingBuffer[T any](n int) *RingBuffer[T] {
	if n < 1 {
		n = 1
	}
	return &RingBuffer[T]{vals: make([]T, n)}
}

func (r *RingBuffer[T]) Push(v T) {
	r.mu.Lock()
	r.vals[r.next] = v
	r.next++
	if r.next == len(r.vals) {
		r.next = 0
		r.full = true
	}
	r.mu.Unlock()
}

// Snapshot copies the stored values, oldest first.
func (r *RingBuffer[T]) Snapshot() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.full {
		out := make([]T, r.next)
		copy(out, r.vals)
		return out
	}
	out := make([]T, 0, len(r.vals))
	out = append(out, r.vals[r.next:]...)
	return append(out, r.vals[:r.next]...)
}

// Last returns the newest value, if any.
func (r *RingBuffer[T]) Last() (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var zero T
	if !r.full && r.next == 0 {
		return zero, false
	}
	i := r.next - 1
	if i < 0 {
		i = len(r.vals) - 1
	}
	return r.vals[i], true
}

func (r *RingBuffer[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.full {
		return len(r.vals)
	}
	return r.next
}
