package netstack

import (
	"encoding/binary"

	"github.com/tinyrange/mtcp/internal/link"
	"github.com/tinyrange/mtcp/internal/trace"
)

////////////////////////////////////////////////////////////////////////////////
// UDP: port-keyed callbacks and datagram transmit.
////////////////////////////////////////////////////////////////////////////////

// UDPDatagram is a received datagram. Payload is only valid during the
// handler call.
type UDPDatagram struct {
	Src     IPAddr
	Dst     IPAddr
	SrcPort uint16
	DstPort uint16
	Payload []byte
}

// UDPHandler consumes datagrams for one local port.
type UDPHandler func(d UDPDatagram)

type udpCallback struct {
	port uint16
	fn   UDPHandler
}

// RegisterUDP routes datagrams for port to fn.
func (s *Stack) RegisterUDP(port uint16, fn UDPHandler) error {
	for _, cb := range s.udp {
		if cb.port == port {
			return ErrPortInUse
		}
	}
	if len(s.udp) >= s.lim.UDPMaxCallbacks {
		return ErrNoSlots
	}
	s.udp = append(s.udp, udpCallback{port: port, fn: fn})
	return nil
}

// UnregisterUDP removes the handler for port, if any.
func (s *Stack) UnregisterUDP(port uint16) {
	for i, cb := range s.udp {
		if cb.port == port {
			s.udp = append(s.udp[:i], s.udp[i+1:]...)
			return
		}
	}
}

func (s *Stack) handleUDP(b *link.Buffer, h ipv4Header) {
	defer b.Free()

	seg := h.payload
	if len(seg) < udpHeaderLen {
		s.stats.UDP.Malformed++
		return
	}
	length := int(binary.BigEndian.Uint16(seg[4:6]))
	if length < udpHeaderLen || length > len(seg) {
		s.stats.UDP.Malformed++
		return
	}
	seg = seg[:length]
	if binary.BigEndian.Uint16(seg[6:8]) != 0 &&
		transportChecksum(h.src, h.dst, udpProtocolNumber, seg) != 0 {
		s.stats.UDP.ChecksumErrors++
		return
	}
	s.stats.UDP.Received++

	d := UDPDatagram{
		Src:     h.src,
		Dst:     h.dst,
		SrcPort: binary.BigEndian.Uint16(seg[0:2]),
		DstPort: binary.BigEndian.Uint16(seg[2:4]),
		Payload: seg[udpHeaderLen:],
	}
	for _, cb := range s.udp {
		if cb.port == d.DstPort {
			cb.fn(d)
			return
		}
	}
	s.stats.UDP.NoHandler++
	s.tr.Printf(trace.UDP, "udp: no handler for port %d from %s:%d", d.DstPort, d.Src, d.SrcPort)
}

// UDPFrame is a datagram built once and sent, possibly several times, with
// ResendUDP. It lets a caller retry after ErrArpPending without rebuilding.
type UDPFrame struct {
	dst   IPAddr
	frame []byte
}

// Len returns the frame size on the wire.
func (f *UDPFrame) Len() int { return len(f.frame) }

// MaxUDPPayload is the largest payload that fits one unfragmented datagram.
func (s *Stack) MaxUDPPayload() int {
	return s.cfg.MTU - ipv4HeaderLen - udpHeaderLen
}

// NewUDPFrame builds a single-datagram frame. The payload must fit the MTU.
func (s *Stack) NewUDPFrame(dst IPAddr, srcPort, dstPort uint16, payload []byte) (*UDPFrame, error) {
	if len(payload) > s.MaxUDPPayload() {
		return nil, ErrTooBig
	}
	f := &UDPFrame{dst: dst, frame: make([]byte, ethernetHeaderLen+ipv4HeaderLen+udpHeaderLen+len(payload))}
	s.buildUDP(f.frame, dst, srcPort, dstPort, payload)
	return f, nil
}

func (s *Stack) buildUDP(frame []byte, dst IPAddr, srcPort, dstPort uint16, payload []byte) {
	seg := frame[ethernetHeaderLen+ipv4HeaderLen:]
	putUDPHeader(seg, s.cfg.IP, dst, srcPort, dstPort, payload)
	s.ipHeader(frame, BroadcastMAC, ipv4Fields{
		dst:        dst,
		protocol:   udpProtocolNumber,
		id:         s.nextIPIdent(),
		payloadLen: len(seg),
	})
}

// putUDPHeader writes the UDP header and payload to seg and checksums the
// whole datagram.
func putUDPHeader(seg []byte, src, dst IPAddr, srcPort, dstPort uint16, payload []byte) {
	n := udpHeaderLen + len(payload)
	binary.BigEndian.PutUint16(seg[0:2], srcPort)
	binary.BigEndian.PutUint16(seg[2:4], dstPort)
	binary.BigEndian.PutUint16(seg[4:6], uint16(n))
	seg[6], seg[7] = 0, 0
	copy(seg[udpHeaderLen:n], payload)
	sum := transportChecksum(src, dst, udpProtocolNumber, seg[:n])
	if sum == 0 {
		sum = 0xffff
	}
	binary.BigEndian.PutUint16(seg[6:8], sum)
}

// ResendUDP sends a prepared frame. ErrArpPending means the next hop is
// still being resolved; the frame can be resent later unchanged.
func (s *Stack) ResendUDP(f *UDPFrame) error {
	mac, err := s.nextHop(f.dst)
	if err != nil {
		return err
	}
	copy(f.frame[0:6], mac[:])
	if err := s.transmit(f.frame); err != nil {
		return err
	}
	s.stats.UDP.Sent++
	return nil
}

// SendUDP sends one datagram, splitting it into IP fragments when it does
// not fit the MTU.
func (s *Stack) SendUDP(dst IPAddr, srcPort, dstPort uint16, payload []byte) error {
	if len(payload) > s.MaxUDPPayload() {
		return s.SendUDPFragments(dst, srcPort, dstPort, payload)
	}
	mac, err := s.nextHop(dst)
	if err != nil {
		return err
	}
	frame := s.scratch[:ethernetHeaderLen+ipv4HeaderLen+udpHeaderLen+len(payload)]
	s.buildUDP(frame, dst, srcPort, dstPort, payload)
	copy(frame[0:6], mac[:])
	if err := s.transmit(frame); err != nil {
		return err
	}
	s.stats.UDP.Sent++
	return nil
}

// SendUDPFragments emits payload as one UDP datagram carried in as many IP
// fragments as the MTU requires. Every fragment but the last carries a
// multiple of eight bytes.
func (s *Stack) SendUDPFragments(dst IPAddr, srcPort, dstPort uint16, payload []byte) error {
	total := udpHeaderLen + len(payload)
	if total > 0xffff-ipv4HeaderLen {
		return ErrTooBig
	}
	mac, err := s.nextHop(dst)
	if err != nil {
		return err
	}

	dgram := make([]byte, total)
	putUDPHeader(dgram, s.cfg.IP, dst, srcPort, dstPort, payload)

	chunk := (s.cfg.MTU - ipv4HeaderLen) &^ 7
	if chunk <= 0 {
		return ErrTooBig
	}
	id := s.nextIPIdent()
	for off := 0; off < total; off += chunk {
		end := off + chunk
		flags := uint16(off/8) & ipFragOffsetMask
		if end < total {
			flags |= ipFlagMoreFragments
		} else {
			end = total
		}
		piece := dgram[off:end]
		frame := s.scratch[:ethernetHeaderLen+ipv4HeaderLen+len(piece)]
		copy(frame[ethernetHeaderLen+ipv4HeaderLen:], piece)
		s.ipHeader(frame, mac, ipv4Fields{
			dst:        dst,
			protocol:   udpProtocolNumber,
			id:         id,
			flags:      flags,
			payloadLen: len(piece),
		})
		if err := s.transmit(frame); err != nil {
			return err
		}
		s.stats.UDP.FragmentsSent++
	}
	s.stats.UDP.Sent++
	return nil
}
