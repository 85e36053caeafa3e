// Package ring provides a fixed-capacity buffer that overwrites its oldest
// element when full.
package ring

// Buffer holds up to Cap() values in insertion order. The backing slice is
// sized to a power of two so positions wrap with a mask.
//
// A Buffer is not safe for concurrent use; callers hold their own lock.
type Buffer[T any] struct {
	data []T
	mask uint64
	head uint64 // next write position
	tail uint64 // oldest element
	cap  int
}

// New returns a buffer holding at most capacity values. Capacity below one
// is treated as one.
func New[T any](capacity int) *Buffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	size := uint64(1)
	for size < uint64(capacity) {
		size <<= 1
	}
	return &Buffer[T]{data: make([]T, size), mask: size - 1, cap: capacity}
}

func (b *Buffer[T]) Len() int { return int(b.head - b.tail) }
func (b *Buffer[T]) Cap() int { return b.cap }

// Push appends v. When the buffer is full the oldest value is evicted and
// returned with true.
func (b *Buffer[T]) Push(v T) (evicted T, ok bool) {
	if b.Len() == b.cap {
		evicted, ok = b.data[b.tail&b.mask], true
		var zero T
		b.data[b.tail&b.mask] = zero
		b.tail++
	}
	b.data[b.head&b.mask] = v
	b.head++
	return evicted, ok
}

// At returns the i-th oldest value.
func (b *Buffer[T]) At(i int) (T, bool) {
	if i < 0 || i >= b.Len() {
		var zero T
		return zero, false
	}
	return b.data[(b.tail+uint64(i))&b.mask], true
}

// Items copies the contents, oldest first.
func (b *Buffer[T]) Items() []T {
	out := make([]T, 0, b.Len())
	for i := b.tail; i != b.head; i++ {
		out = append(out, b.data[i&b.mask])
	}
	return out
}

// Last copies up to n of the newest values, oldest first.
func (b *Buffer[T]) Last(n int) []T {
	if n > b.Len() {
		n = b.Len()
	}
	if n <= 0 {
		return nil
	}
	out := make([]T, 0, n)
	for i := b.head - uint64(n); i != b.head; i++ {
		out = append(out, b.data[i&b.mask])
	}
	return out
}

// Find returns the newest value matching fn.
func (b *Buffer[T]) Find(fn func(T) bool) (T, bool) {
	for i := b.head; i != b.tail; i-- {
		if v := b.data[(i-1)&b.mask]; fn(v) {
			return v, true
		}
	}
	var zero T
	return zero, false
}

// Update applies fn to the newest value matching match, in place.
func (b *Buffer[T]) Update(match func(T) bool, fn func(*T)) bool {
	for i := b.head; i != b.tail; i-- {
		p := &b.data[(i-1)&b.mask]
		if match(*p) {
			fn(p)
			return true
		}
	}
	return false
}

// Remove deletes every value matching fn and returns how many were removed.
// Remaining values keep their order.
func (b *Buffer[T]) Remove(fn func(T) bool) int {
	w := b.tail
	for r := b.tail; r != b.head; r++ {
		v := b.data[r&b.mask]
		if fn(v) {
			continue
		}
		b.data[w&b.mask] = v
		w++
	}
	removed := int(b.head - w)
	var zero T
	for i := w; i != b.head; i++ {
		b.data[i&b.mask] = zero
	}
	b.head = w
	return removed
}

// Reset empties the buffer.
func (b *Buffer[T]) Reset() {
	clear(b.data)
	b.head, b.tail = 0, 0
}
