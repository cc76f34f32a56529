package netstack

// ring is a fixed-capacity FIFO whose size is a power of two. Indices run
// free and are masked on access.
type ring[T any] struct {
	buf   []T
	mask  uint32
	first uint32
	next  uint32
}

func newRing[T any](size int) ring[T] {
	if size < 1 || size&(size-1) != 0 {
		panic("ring size must be a power of two")
	}
	return ring[T]{buf: make([]T, size), mask: uint32(size - 1)}
}

func (r *ring[T]) len() int    { return int(r.next - r.first) }
func (r *ring[T]) cap() int    { return len(r.buf) }
func (r *ring[T]) empty() bool { return r.first == r.next }
func (r *ring[T]) full() bool  { return r.len() == len(r.buf) }

func (r *ring[T]) push(v T) bool {
	if r.full() {
		return false
	}
	r.buf[r.next&r.mask] = v
	r.next++
	return true
}

func (r *ring[T]) peek() (T, bool) {
	if r.empty() {
		var zero T
		return zero, false
	}
	return r.buf[r.first&r.mask], true
}

func (r *ring[T]) pop() (T, bool) {
	var zero T
	if r.empty() {
		return zero, false
	}
	v := r.buf[r.first&r.mask]
	r.buf[r.first&r.mask] = zero
	r.first++
	return v, true
}

// at returns the i'th entry from the head.
func (r *ring[T]) at(i int) T {
	return r.buf[(r.first+uint32(i))&r.mask]
}

func (r *ring[T]) clear(fn func(T)) {
	for {
		v, ok := r.pop()
		if !ok {
			break
		}
		if fn != nil {
			fn(v)
		}
	}
	r.first, r.next = 0, 0
}
