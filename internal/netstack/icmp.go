package netstack

import (
	"encoding/binary"

	"github.com/tinyrange/mtcp/internal/link"
	"github.com/tinyrange/mtcp/internal/trace"
)

const (
	icmpTypeEchoReply   = 0
	icmpTypeEchoRequest = 8
)

// ICMPHandler sees every valid ICMP message addressed to the stack. msg
// starts at the ICMP type byte and is only valid during the call.
type ICMPHandler func(src IPAddr, ttl uint8, msg []byte)

// SetICMPHandler installs fn, replacing any previous handler. A nil fn
// removes it.
func (s *Stack) SetICMPHandler(fn ICMPHandler) { s.icmpHandler = fn }

func (s *Stack) handleICMP(b *link.Buffer, h ipv4Header) {
	defer b.Free()

	msg := h.payload
	if len(msg) < icmpHeaderLen {
		s.stats.ICMP.Malformed++
		return
	}
	if checksum(msg) != 0 {
		s.stats.ICMP.ChecksumErrors++
		return
	}
	s.stats.ICMP.Received++

	if s.icmpHandler != nil {
		s.icmpHandler(h.src, h.ttl, msg)
	}

	if msg[0] != icmpTypeEchoRequest || msg[1] != 0 || h.dst != s.cfg.IP {
		return
	}
	s.stats.ICMP.EchoRequests++
	if len(msg)+ipv4HeaderLen > s.cfg.MTU {
		return
	}

	// Reply from the received buffer: swap addresses, flip the type.
	frame := b.Bytes()
	src := frameSrc(frame)
	total := ethernetHeaderLen + ipv4HeaderLen + len(msg)
	reply := frame[:total]
	if h.headerLen() != ipv4HeaderLen {
		copy(reply[ethernetHeaderLen+ipv4HeaderLen:], msg)
	}
	body := reply[ethernetHeaderLen+ipv4HeaderLen:]
	body[0] = icmpTypeEchoReply
	body[2], body[3] = 0, 0
	binary.BigEndian.PutUint16(body[2:4], checksum(body))

	s.ipHeader(reply, src, ipv4Fields{
		dst:        h.src,
		protocol:   icmpProtocolNumber,
		id:         s.nextIPIdent(),
		payloadLen: len(body),
	})
	if err := s.transmit(reply); err != nil {
		return
	}
	s.stats.ICMP.EchoReplies++
	s.tr.Printf(trace.General, "icmp: echo reply to %s", h.src)
}

// SendEchoRequest sends one ICMP echo request carrying data.
func (s *Stack) SendEchoRequest(dst IPAddr, id, seq uint16, data []byte) error {
	n := icmpHeaderLen + len(data)
	if n+ipv4HeaderLen > s.cfg.MTU {
		return ErrTooBig
	}
	mac, err := s.nextHop(dst)
	if err != nil {
		return err
	}
	frame := s.scratch[:ethernetHeaderLen+ipv4HeaderLen+n]
	body := frame[ethernetHeaderLen+ipv4HeaderLen:]
	body[0] = icmpTypeEchoRequest
	body[1] = 0
	body[2], body[3] = 0, 0
	binary.BigEndian.PutUint16(body[4:6], id)
	binary.BigEndian.PutUint16(body[6:8], seq)
	copy(body[icmpHeaderLen:], data)
	binary.BigEndian.PutUint16(body[2:4], checksum(body))

	s.ipHeader(frame, mac, ipv4Fields{
		dst:        dst,
		protocol:   icmpProtocolNumber,
		id:         s.nextIPIdent(),
		payloadLen: n,
	})
	if err := s.transmit(frame); err != nil {
		return err
	}
	s.stats.ICMP.EchoRequestsSent++
	return nil
}
