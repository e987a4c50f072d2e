// Package history keeps the bounded list of recent chat messages replayed to
// clients when they join.
package history

import "sync"

// DefaultCapacity is used when a non-positive capacity is requested.
const DefaultCapacity = 150

// Buffer is a fixed capacity FIFO ring. Appending to a full buffer evicts
// the oldest element. Buffer is safe for concurrent use.
type Buffer[T any] struct {
	mu    sync.RWMutex
	items []T
	start int
	size  int
}

// New returns an empty Buffer holding at most capacity elements.
func New[T any](capacity int) *Buffer[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer[T]{items: make([]T, capacity)}
}

// Append adds item as the newest element in O(1).
func (b *Buffer[T]) Append(item T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	end := (b.start + b.size) % len(b.items)
	b.items[end] = item
	if b.size < len(b.items) {
		b.size++
		return
	}
	b.start = (b.start + 1) % len(b.items)
}

// Snapshot returns a copy of the buffered elements, oldest first. The
// returned slice is never shared with the buffer.
func (b *Buffer[T]) Snapshot() []T {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]T, b.size)
	for i := range b.size {
		out[i] = b.items[(b.start+i)%len(b.items)]
	}
	return out
}

func (b *Buffer[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

func (b *Buffer[T]) Cap() int {
	return len(b.items)
}
