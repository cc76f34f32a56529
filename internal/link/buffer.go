package link

import (
	"sync"
	"sync/atomic"
)

// DefaultBufferSize fits a full Ethernet frame without FCS.
const DefaultBufferSize = 1514

// Buffer is a fixed-size packet region. Buffers drawn from a Pool go back to
// it on Free; buffers built with NewBuffer call their own release function.
type Buffer struct {
	data    []byte
	n       int
	idx     int
	inUse   bool
	release func(*Buffer)
}

// NewBuffer wraps data as a Buffer owned by a foreign arena. release is
// called once on Free.
func NewBuffer(data []byte, release func(*Buffer)) *Buffer {
	return &Buffer{data: data, n: len(data), idx: -1, release: release}
}

// Bytes returns the valid portion of the buffer.
func (b *Buffer) Bytes() []byte { return b.data[:b.n] }

// Raw returns the full backing region.
func (b *Buffer) Raw() []byte { return b.data }

// Len returns the number of valid bytes.
func (b *Buffer) Len() int { return b.n }

// SetLen sets the number of valid bytes.
func (b *Buffer) SetLen(n int) {
	if n < 0 {
		n = 0
	}
	if n > len(b.data) {
		n = len(b.data)
	}
	b.n = n
}

// Index is the buffer's slot in its arena, or -1 for foreign buffers.
func (b *Buffer) Index() int { return b.idx }

// Free hands the buffer back to its owner.
func (b *Buffer) Free() {
	if b.release != nil {
		b.release(b)
	}
}

////////////////////////////////////////////////////////////////////////////////
// Pool: receive buffers plus the ring that feeds the main loop.
////////////////////////////////////////////////////////////////////////////////

// Pool is a fixed arena of receive buffers. Allocation happens on the
// receive producer, Free on the main loop; the free stack is guarded by mu.
// The ring is single-producer single-consumer: the producer only stores
// next, the consumer only stores first.
type Pool struct {
	bufs []Buffer

	mu      sync.Mutex
	free    []int
	lowFree int
	dupFree uint64

	ring  []*Buffer
	first atomic.Uint32
	next  atomic.Uint32
}

// NewPool allocates count buffers of size bytes and a ring of count+1 slots.
func NewPool(count, size int) *Pool {
	if count <= 0 {
		count = 1
	}
	if size <= 0 {
		size = DefaultBufferSize
	}
	p := &Pool{
		bufs:    make([]Buffer, count),
		free:    make([]int, 0, count),
		lowFree: count,
		ring:    make([]*Buffer, count+1),
	}
	backing := make([]byte, count*size)
	for i := range p.bufs {
		b := &p.bufs[i]
		b.data = backing[i*size : (i+1)*size : (i+1)*size]
		b.idx = i
		b.release = p.put
		p.free = append(p.free, count-1-i)
	}
	return p
}

// Get pops a free buffer, or returns nil when the pool is exhausted.
func (p *Pool) Get() *Buffer {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.free) == 0 {
		p.lowFree = 0
		return nil
	}
	idx := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	if len(p.free) < p.lowFree {
		p.lowFree = len(p.free)
	}
	b := &p.bufs[idx]
	b.inUse = true
	b.n = 0
	return b
}

func (p *Pool) put(b *Buffer) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !b.inUse {
		p.dupFree++
		return
	}
	b.inUse = false
	p.free = append(p.free, b.idx)
}

// BufferSize returns the capacity of each buffer.
func (p *Pool) BufferSize() int { return len(p.bufs[0].data) }

// Count returns the number of buffers in the arena.
func (p *Pool) Count() int { return len(p.bufs) }

// Free returns the number of buffers on the free stack.
func (p *Pool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// LowFree returns the smallest free count ever observed.
func (p *Pool) LowFree() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lowFree
}

// DuplicateFrees returns how many times an already free buffer was freed.
func (p *Pool) DuplicateFrees() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dupFree
}

// Enqueue appends b to the ring. Producer side only.
func (p *Pool) Enqueue(b *Buffer) bool {
	size := uint32(len(p.ring))
	next := p.next.Load()
	after := (next + 1) % size
	if after == p.first.Load() {
		return false
	}
	p.ring[next] = b
	p.next.Store(after)
	return true
}

// Dequeue removes the oldest buffer from the ring. Consumer side only.
func (p *Pool) Dequeue() *Buffer {
	first := p.first.Load()
	if first == p.next.Load() {
		return nil
	}
	b := p.ring[first]
	p.ring[first] = nil
	p.first.Store((first + 1) % uint32(len(p.ring)))
	return b
}

// Pending returns the number of buffers waiting in the ring.
func (p *Pool) Pending() int {
	size := uint32(len(p.ring))
	return int((p.next.Load() + size - p.first.Load()) % size)
}

// RingIndices exposes the ring's consumer and producer indices.
func (p *Pool) RingIndices() (first, next uint32) {
	return p.first.Load(), p.next.Load()
}
