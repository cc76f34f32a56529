package netstack

////////////////////////////////////////////////////////////////////////////////
// TCP transmit buffers.
////////////////////////////////////////////////////////////////////////////////

// tcpDataOffset is where payload starts inside a transmit buffer's frame.
const tcpDataOffset = ethernetHeaderLen + ipv4HeaderLen + tcpHeaderLen

// XmitBuf is one outgoing TCP segment. Its frame has room for the Ethernet,
// IPv4 and TCP headers in front of up to one MSS of payload; headers are
// written at transmit time so retransmissions carry the current ACK and
// window.
type XmitBuf struct {
	// seqNum is one past the last sequence number the segment occupies, so
	// an ACK >= seqNum covers it.
	seqNum     uint32
	payloadLen int
	packetLen  int

	timeSent  uint32
	overdueAt uint32
	attempts  int

	pendingArp   bool
	wasAckOnly   bool
	forceAckOnly bool
	forceProbe   bool

	flags    uint8 // SYN/FIN/PSH carried by the segment
	result   error
	fromPool bool
	inUse    bool
	idx      int

	frame []byte
}

// Payload returns the region the caller fills before Socket.Enqueue.
func (x *XmitBuf) Payload() []byte { return x.frame[tcpDataOffset:] }

// SetPayloadLen records how many bytes of Payload are valid.
func (x *XmitBuf) SetPayloadLen(n int) {
	if n < 0 {
		n = 0
	}
	if n > len(x.frame)-tcpDataOffset {
		n = len(x.frame) - tcpDataOffset
	}
	x.payloadLen = n
}

// Attempts returns how many times the segment has been transmitted.
func (x *XmitBuf) Attempts() int { return x.attempts }

// Result is the last transmit error, if any.
func (x *XmitBuf) Result() error { return x.result }

// seqStart is the first sequence number of the segment.
func (x *XmitBuf) seqStart() uint32 { return x.seqNum - x.seqLen() }

func (x *XmitBuf) seqLen() uint32 {
	n := uint32(x.payloadLen)
	if x.flags&tcpFlagSYN != 0 {
		n++
	}
	if x.flags&tcpFlagFIN != 0 {
		n++
	}
	return n
}

func (x *XmitBuf) reset() {
	frame, idx, fromPool := x.frame, x.idx, x.fromPool
	*x = XmitBuf{frame: frame, idx: idx, fromPool: fromPool}
}

// xmitPool is a bounded arena of maximum-sized transmit buffers.
type xmitPool struct {
	bufs    []XmitBuf
	free    []int
	lowFree int
	dupFree uint64
}

func newXmitPool(count, frameLen int) *xmitPool {
	p := &xmitPool{
		bufs:    make([]XmitBuf, count),
		free:    make([]int, 0, count),
		lowFree: count,
	}
	backing := make([]byte, count*frameLen)
	for i := range p.bufs {
		p.bufs[i] = XmitBuf{
			frame:    backing[i*frameLen : (i+1)*frameLen : (i+1)*frameLen],
			idx:      i,
			fromPool: true,
		}
		p.free = append(p.free, count-1-i)
	}
	return p
}

func (p *xmitPool) get() *XmitBuf {
	if len(p.free) == 0 {
		p.lowFree = 0
		return nil
	}
	idx := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	if len(p.free) < p.lowFree {
		p.lowFree = len(p.free)
	}
	x := &p.bufs[idx]
	x.reset()
	x.inUse = true
	return x
}

// put returns x to the pool. Caller-owned buffers are ignored.
func (p *xmitPool) put(x *XmitBuf) {
	if !x.fromPool {
		x.inUse = false
		return
	}
	if !x.inUse {
		p.dupFree++
		return
	}
	x.inUse = false
	p.free = append(p.free, x.idx)
}

// GetXmitBuf draws a transmit buffer from the pool, or returns nil when
// none are free.
func (s *Stack) GetXmitBuf() *XmitBuf { return s.xmit.get() }

// FreeXmitBuf returns a buffer that was never enqueued.
func (s *Stack) FreeXmitBuf(x *XmitBuf) { s.xmit.put(x) }

// NewXmitBuf allocates a caller-owned buffer that never enters the pool.
func (s *Stack) NewXmitBuf() *XmitBuf {
	return &XmitBuf{frame: make([]byte, ethernetHeaderLen+s.cfg.MTU), idx: -1}
}

// XmitBuffersFree returns the number of pool buffers available.
func (s *Stack) XmitBuffersFree() int { return len(s.xmit.free) }
