// Package ring provides a fixed-capacity buffer that evicts its oldest
// entries on overflow. Callers are responsible for locking.
package ring

// Buffer keeps at most Cap entries, dropping from the front when full.
type Buffer[T any] struct {
	cap   int
	items []T
}

// New returns a buffer holding at most capacity entries. A capacity of
// zero or less means unbounded.
func New[T any](capacity int) *Buffer[T] {
	return &Buffer[T]{cap: capacity}
}

// Append adds v, evicting the oldest entries past capacity.
func (b *Buffer[T]) Append(v T) {
	b.items = append(b.items, v)
	if b.cap > 0 && len(b.items) > b.cap {
		overflow := len(b.items) - b.cap
		b.items = append(b.items[:0:0], b.items[overflow:]...)
	}
}

// Len reports the number of buffered entries.
func (b *Buffer[T]) Len() int {
	return len(b.items)
}

// Items returns a copy of the buffered entries, oldest first.
func (b *Buffer[T]) Items() []T {
	out := make([]T, len(b.items))
	copy(out, b.items)
	return out
}

// Drain returns all buffered entries and empties the buffer.
func (b *Buffer[T]) Drain() []T {
	out := b.items
	b.items = nil
	return out
}

// Tail returns up to n of the most recent entries, oldest first.
func (b *Buffer[T]) Tail(n int) []T {
	if n <= 0 || n > len(b.items) {
		n = len(b.items)
	}
	out := make([]T, n)
	copy(out, b.items[len(b.items)-n:])
	return out
}
