package netstack

import (
	"github.com/tinyrange/mtcp/internal/link"
	"github.com/tinyrange/mtcp/internal/trace"
)

////////////////////////////////////////////////////////////////////////////////
// IPv4: receive demux, next-hop selection and transmit.
////////////////////////////////////////////////////////////////////////////////

func (s *Stack) directedBroadcast() IPAddr {
	m := s.cfg.Netmask
	n := s.cfg.IP.Mask(m)
	return IPAddr{n[0] | ^m[0], n[1] | ^m[1], n[2] | ^m[2], n[3] | ^m[3]}
}

func (s *Stack) isBroadcast(ip IPAddr) bool {
	return ip == BroadcastIP || ip == s.directedBroadcast()
}

func (s *Stack) onLink(ip IPAddr) bool {
	return ip.Mask(s.cfg.Netmask) == s.cfg.IP.Mask(s.cfg.Netmask)
}

// nextHop picks the hardware address a datagram for dst is sent to:
// broadcasts skip ARP, on-link hosts are resolved directly and everything
// else goes through the gateway.
func (s *Stack) nextHop(dst IPAddr) (MAC, error) {
	if s.isBroadcast(dst) {
		return BroadcastMAC, nil
	}
	if s.onLink(dst) {
		return s.ResolveARP(dst)
	}
	if s.cfg.Gateway.IsZero() {
		return MAC{}, ErrNoRoute
	}
	return s.ResolveARP(s.cfg.Gateway)
}

func (s *Stack) nextIPIdent() uint16 {
	s.ipIdent++
	return s.ipIdent
}

// ipHeader fills the Ethernet and IPv4 headers at the front of frame for a
// payload of payloadLen bytes.
func (s *Stack) ipHeader(frame []byte, dstMAC MAC, f ipv4Fields) {
	buildEthernetHeaderInto(frame, dstMAC, s.mac, etherTypeIPv4)
	if f.ttl == 0 {
		f.ttl = s.lim.IPTTL
	}
	if f.src.IsZero() {
		f.src = s.cfg.IP
	}
	buildIPv4HeaderInto(frame[ethernetHeaderLen:], f)
}

func (s *Stack) transmit(frame []byte) error {
	s.tr.Dump(trace.IP, frame)
	return s.iface.Send(frame)
}

// handleIPv4 is the link handler for EtherType 0x0800.
func (s *Stack) handleIPv4(b *link.Buffer) {
	frame := b.Bytes()
	if len(frame) < ethernetHeaderLen+ipv4HeaderLen {
		s.stats.IP.Malformed++
		b.Free()
		return
	}
	h, err := parseIPv4Header(frame[ethernetHeaderLen:])
	if err != nil {
		s.stats.IP.Malformed++
		s.tr.Printf(trace.IP, "ip: %v", err)
		b.Free()
		return
	}
	if checksum(h.header) != 0 {
		s.stats.IP.BadChecksum++
		s.tr.Printf(trace.IP, "ip: bad header checksum from %s", h.src)
		b.Free()
		return
	}
	if h.dst != s.cfg.IP && !s.isBroadcast(h.dst) {
		s.stats.IP.NotForUs++
		b.Free()
		return
	}
	s.stats.IP.PacketsReceived++

	if h.isFragment() {
		s.stats.IP.FragmentsReceived++
		if s.lim.IPNoFragments {
			s.stats.IP.FragmentsDropped++
			b.Free()
			return
		}
		whole := s.frags.add(s, frame, h)
		b.Free()
		if whole == nil {
			return
		}
		b = whole
		h, err = parseIPv4Header(b.Bytes()[ethernetHeaderLen:])
		if err != nil {
			b.Free()
			return
		}
	}

	s.dispatchIPv4(b, h)
}

func (s *Stack) dispatchIPv4(b *link.Buffer, h ipv4Header) {
	s.tr.Printf(trace.IP, "ip: %s -> %s %s len=%d", h.src, h.dst, h.protocol, len(h.payload))
	switch h.protocol {
	case icmpProtocolNumber:
		s.handleICMP(b, h)
	case udpProtocolNumber:
		s.handleUDP(b, h)
	case tcpProtocolNumber:
		s.handleTCP(b, h)
	default:
		s.stats.IP.UnhandledProtocol++
		b.Free()
	}
}
