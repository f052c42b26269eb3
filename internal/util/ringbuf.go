package util

import "sync"

// RingBuffer keeps the newest capacity items, overwriting the oldest on Push.
// Safe for concurrent use.
type RingBuffer[T any] struct {
	mu    sync.RWMutex
	buf   []T
	head  int
	count int
}

func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer[T]{buf: make([]T, capacity)}
}

func (r *RingBuffer[T]) Push(item T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[(r.head+r.count)%len(r.buf)] = item
	if r.count < len(r.buf) {
		r.count++
		return
	}
	r.head = (r.head + 1) % len(r.buf)
}

// Snapshot copies every stored item, oldest first.
func (r *RingBuffer[T]) Snapshot() []T {
	return r.Last(0)
}

// Last copies the newest n items, oldest first. n <= 0 means all of them.
func (r *RingBuffer[T]) Last(n int) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if n <= 0 || n > r.count {
		n = r.count
	}
	out := make([]T, n)
	start := r.head + r.count - n
	for i := range out {
		out[i] = r.buf[(start+i)%len(r.buf)]
	}
	return out
}

// Filter copies the items keep accepts, oldest first.
func (r *RingBuffer[T]) Filter(keep func(T) bool) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]T, 0, r.count)
	for i := 0; i < r.count; i++ {
		if item := r.buf[(r.head+i)%len(r.buf)]; keep(item) {
			out = append(out, item)
		}
	}
	return out
}

func (r *RingBuffer[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}
