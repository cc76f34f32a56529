package netstack

import (
	"github.com/tinyrange/mtcp/internal/link"
	"github.com/tinyrange/mtcp/internal/trace"
)

////////////////////////////////////////////////////////////////////////////////
// IPv4 fragment reassembly.
////////////////////////////////////////////////////////////////////////////////

// bigPacketHeadroom leaves room in each arena slot for a synthesized
// Ethernet and IPv4 header in front of the reassembled payload.
const bigPacketHeadroom = ethernetHeaderLen + ipv4HeaderLen

type fragKey struct {
	src      IPAddr
	id       uint16
	protocol protocolNumber
}

type fragSlot struct {
	key    fragKey
	state  fragSlotState
	start  uint32
	total  int // -1 until the last fragment arrives
	frags  int
	blocks []uint64 // one bit per 8-byte block received
	data   []byte
	buf    *link.Buffer
}

type fragSlotState uint8

const (
	fragFree fragSlotState = iota
	fragAssembling
	fragHandedUp
)

// fragTable is the big-packet arena plus per-datagram bookkeeping.
type fragTable struct {
	slots      []fragSlot
	inProgress int
	maxFrags   int
}

func newFragTable(lim Limits) *fragTable {
	t := &fragTable{
		slots:    make([]fragSlot, lim.IPMaxFragPackets),
		maxFrags: lim.IPMaxFragsPerPacket,
	}
	arena := make([]byte, lim.IPMaxFragPackets*(bigPacketHeadroom+lim.IPBigPacketSize))
	size := bigPacketHeadroom + lim.IPBigPacketSize
	for i := range t.slots {
		sl := &t.slots[i]
		sl.data = arena[i*size : (i+1)*size : (i+1)*size]
		sl.blocks = make([]uint64, (lim.IPBigPacketSize/8+1+63)/64)
		sl.buf = link.NewBuffer(sl.data, func(*link.Buffer) {
			sl.state = fragFree
		})
	}
	return t
}

// InReassembly returns the number of datagrams still missing pieces.
func (t *fragTable) InReassembly() int { return t.inProgress }

func (t *fragTable) release(sl *fragSlot) {
	if sl.state == fragAssembling {
		t.inProgress--
	}
	sl.state = fragFree
}

// add copies one fragment into its slot and returns the whole datagram as a
// buffer once every byte up to the final fragment is present.
func (t *fragTable) add(s *Stack, frame []byte, h ipv4Header) *link.Buffer {
	key := fragKey{src: h.src, id: h.id, protocol: h.protocol}
	var sl *fragSlot
	for i := range t.slots {
		if t.slots[i].state == fragAssembling && t.slots[i].key == key {
			sl = &t.slots[i]
			break
		}
	}
	if sl == nil {
		for i := range t.slots {
			if t.slots[i].state == fragFree {
				sl = &t.slots[i]
				break
			}
		}
		if sl == nil {
			s.stats.IP.NotEnoughSlots++
			s.tr.Printf(trace.IP, "ip: no reassembly slot for %s id %d", h.src, h.id)
			return nil
		}
		sl.key = key
		sl.state = fragAssembling
		sl.start = s.clock.Now()
		sl.total = -1
		sl.frags = 0
		clear(sl.blocks)
		t.inProgress++
	}

	off := h.fragOffset()
	end := off + len(h.payload)
	if end > len(sl.data)-bigPacketHeadroom {
		s.stats.IP.PayloadTooBig++
		t.release(sl)
		return nil
	}
	if off&7 != 0 || (h.moreFragments() && len(h.payload)&7 != 0) {
		s.stats.IP.Malformed++
		t.release(sl)
		return nil
	}

	first, last := off/8, (end+7)/8
	if sl.has(first, last) {
		s.stats.IP.DuplicateFragments++
	} else {
		if sl.frags >= t.maxFrags {
			s.stats.IP.TooManyFragments++
			t.release(sl)
			return nil
		}
		sl.frags++
		copy(sl.data[bigPacketHeadroom+off:], h.payload)
		if off == 0 {
			copy(sl.data[:ethernetHeaderLen], frame[:ethernetHeaderLen])
		}
		sl.mark(first, last)
	}
	if !h.moreFragments() {
		sl.total = end
	}
	if sl.total < 0 || !sl.has(0, (sl.total+7)/8) {
		return nil
	}

	t.inProgress--
	sl.state = fragHandedUp
	s.stats.IP.Reassembled++

	ip := sl.data[ethernetHeaderLen:bigPacketHeadroom]
	buildIPv4HeaderInto(ip, ipv4Fields{
		src:        h.src,
		dst:        h.dst,
		protocol:   h.protocol,
		id:         h.id,
		ttl:        h.ttl,
		payloadLen: sl.total,
	})
	sl.buf.SetLen(bigPacketHeadroom + sl.total)
	return sl.buf
}

// has reports whether every block in [first, last) has arrived.
func (sl *fragSlot) has(first, last int) bool {
	for b := first; b < last; b++ {
		if sl.blocks[b/64]&(1<<(b%64)) == 0 {
			return false
		}
	}
	return true
}

func (sl *fragSlot) mark(first, last int) {
	for b := first; b < last; b++ {
		sl.blocks[b/64] |= 1 << (b % 64)
	}
}

// purgeOverdueFragments discards datagrams whose first fragment is older than the
// reassembly timeout.
func (s *Stack) purgeOverdueFragments() {
	t := s.frags
	if t == nil || t.inProgress == 0 {
		return
	}
	now := s.clock.Now()
	for i := range t.slots {
		sl := &t.slots[i]
		if sl.state == fragAssembling && now-sl.start >= s.tk.fragTimeout {
			s.tr.Printf(trace.IP, "ip: reassembly timeout for %s id %d", sl.key.src, sl.key.id)
			s.stats.IP.ReassemblyTimeouts++
			t.release(sl)
		}
	}
}
