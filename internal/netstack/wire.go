package netstack

import (
	"encoding/binary"
	"fmt"
)

////////////////////////////////////////////////////////////////////////////////
// Ethernet.
////////////////////////////////////////////////////////////////////////////////

func buildEthernetHeaderInto(buf []byte, dst, src MAC, et etherType) {
	if len(buf) < ethernetHeaderLen {
		panic("buildEthernetHeaderInto: buffer too small")
	}
	copy(buf[0:6], dst[:])
	copy(buf[6:12], src[:])
	binary.BigEndian.PutUint16(buf[12:14], uint16(et))
}

func frameDst(frame []byte) MAC { return MAC(frame[0:6]) }
func frameSrc(frame []byte) MAC { return MAC(frame[6:12]) }

////////////////////////////////////////////////////////////////////////////////
// IPv4.
////////////////////////////////////////////////////////////////////////////////

const (
	ipFlagMoreFragments = 0x2000
	ipFlagDontFragment  = 0x4000
	ipFragOffsetMask    = 0x1fff
)

// ipv4Header holds the fixed header fields. payload is bounded by the
// header's total length, not by the frame.
type ipv4Header struct {
	ihl      uint8
	tos      uint8
	length   uint16
	id       uint16
	flags    uint16 // flags and fragment offset
	ttl      uint8
	protocol protocolNumber
	checksum uint16
	src      IPAddr
	dst      IPAddr
	header   []byte
	payload  []byte
}

func (h ipv4Header) headerLen() int { return int(h.ihl) * 4 }

func (h ipv4Header) moreFragments() bool { return h.flags&ipFlagMoreFragments != 0 }

// fragOffset returns the fragment offset in bytes.
func (h ipv4Header) fragOffset() int { return int(h.flags&ipFragOffsetMask) * 8 }

func (h ipv4Header) isFragment() bool { return h.moreFragments() || h.fragOffset() != 0 }

func parseIPv4Header(data []byte) (ipv4Header, error) {
	if len(data) < ipv4HeaderLen {
		return ipv4Header{}, fmt.Errorf("ipv4 header too short: %d", len(data))
	}
	version := data[0] >> 4
	ihl := data[0] & 0x0f
	if version != 4 {
		return ipv4Header{}, fmt.Errorf("unsupported ipv4 version: %d", version)
	}
	hdrLen := int(ihl) * 4
	if hdrLen < ipv4HeaderLen || len(data) < hdrLen {
		return ipv4Header{}, fmt.Errorf("ipv4 header length mismatch: %d", hdrLen)
	}

	h := ipv4Header{
		ihl:      ihl,
		tos:      data[1],
		length:   binary.BigEndian.Uint16(data[2:4]),
		id:       binary.BigEndian.Uint16(data[4:6]),
		flags:    binary.BigEndian.Uint16(data[6:8]),
		ttl:      data[8],
		protocol: protocolNumber(data[9]),
		checksum: binary.BigEndian.Uint16(data[10:12]),
		src:      IPAddr(data[12:16]),
		dst:      IPAddr(data[16:20]),
		header:   data[:hdrLen],
	}
	total := int(h.length)
	if total < hdrLen || total > len(data) {
		return ipv4Header{}, fmt.Errorf("ipv4 total length %d outside %d-%d", total, hdrLen, len(data))
	}
	h.payload = data[hdrLen:total]
	return h, nil
}

// ipv4Fields are the variable parts of an outgoing header.
type ipv4Fields struct {
	src, dst   IPAddr
	protocol   protocolNumber
	id         uint16
	flags      uint16
	ttl        uint8
	payloadLen int
}

func buildIPv4HeaderInto(packet []byte, f ipv4Fields) {
	if len(packet) < ipv4HeaderLen {
		panic("buildIPv4HeaderInto: buffer too small")
	}
	packet[0] = byte((4 << 4) | (ipv4HeaderLen / 4)) // Version/IHL
	packet[1] = 0                                    // TOS
	binary.BigEndian.PutUint16(packet[2:4], uint16(ipv4HeaderLen+f.payloadLen))
	binary.BigEndian.PutUint16(packet[4:6], f.id)
	binary.BigEndian.PutUint16(packet[6:8], f.flags)
	packet[8] = f.ttl
	packet[9] = byte(f.protocol)
	packet[10], packet[11] = 0, 0
	copy(packet[12:16], f.src[:])
	copy(packet[16:20], f.dst[:])

	binary.BigEndian.PutUint16(packet[10:12], checksum(packet[:ipv4HeaderLen]))
}

////////////////////////////////////////////////////////////////////////////////
// Checksums.
////////////////////////////////////////////////////////////////////////////////

func checksum(data []byte) uint16 {
	return checksumWithInitial(data, 0)
}

// pseudoHeaderChecksum computes the IPv4 pseudo-header sum, which is then
// folded into the transport segment checksum.
func pseudoHeaderChecksum(src, dst IPAddr, protocol protocolNumber, length int) uint32 {
	sum := uint32(0)
	sum += uint32(binary.BigEndian.Uint16(src[0:2]))
	sum += uint32(binary.BigEndian.Uint16(src[2:4]))
	sum += uint32(binary.BigEndian.Uint16(dst[0:2]))
	sum += uint32(binary.BigEndian.Uint16(dst[2:4]))
	sum += uint32(protocol)
	sum += uint32(length)
	return sum
}

func checksumWithInitial(data []byte, initial uint32) uint16 {
	sum := initial
	for i := 0; i+1 < len(data); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(data[i : i+2]))
	}
	if len(data)%2 == 1 {
		sum += uint32(data[len(data)-1]) << 8
	}
	for (sum >> 16) != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

// transportChecksum is the one-pass pseudo-header plus segment checksum used
// by UDP and TCP. Verifying a received segment yields zero.
func transportChecksum(src, dst IPAddr, protocol protocolNumber, segment []byte) uint16 {
	return checksumWithInitial(segment, pseudoHeaderChecksum(src, dst, protocol, len(segment)))
}

////////////////////////////////////////////////////////////////////////////////
// TCP header and options.
////////////////////////////////////////////////////////////////////////////////

const (
	tcpFlagFIN = 0x01
	tcpFlagSYN = 0x02
	tcpFlagRST = 0x04
	tcpFlagPSH = 0x08
	tcpFlagACK = 0x10
)

// TCP option kinds.
const (
	tcpOptEnd = 0
	tcpOptNOP = 1
	tcpOptMSS = 2
)

const tcpMSSOptionLen = 4

type tcpHeader struct {
	srcPort  uint16
	dstPort  uint16
	seq      uint32
	ack      uint32
	dataOff  uint8
	flags    uint8
	window   uint16
	checksum uint16
	urgent   uint16
	options  []byte
	payload  []byte
}

func (h tcpHeader) has(flag uint8) bool { return h.flags&flag != 0 }

// seqLen is the sequence space the segment occupies, counting SYN and FIN.
func (h tcpHeader) seqLen() uint32 {
	n := uint32(len(h.payload))
	if h.has(tcpFlagSYN) {
		n++
	}
	if h.has(tcpFlagFIN) {
		n++
	}
	return n
}

func parseTCPHeader(data []byte) (tcpHeader, error) {
	if len(data) < tcpHeaderLen {
		return tcpHeader{}, fmt.Errorf("tcp header too short: %d", len(data))
	}

	hdrLen := int(data[12]>>4) * 4
	if hdrLen < tcpHeaderLen || len(data) < hdrLen {
		return tcpHeader{}, fmt.Errorf("tcp header length mismatch: %d", hdrLen)
	}

	h := tcpHeader{
		srcPort:  binary.BigEndian.Uint16(data[0:2]),
		dstPort:  binary.BigEndian.Uint16(data[2:4]),
		seq:      binary.BigEndian.Uint32(data[4:8]),
		ack:      binary.BigEndian.Uint32(data[8:12]),
		dataOff:  data[12],
		flags:    data[13],
		window:   binary.BigEndian.Uint16(data[14:16]),
		checksum: binary.BigEndian.Uint16(data[16:18]),
		urgent:   binary.BigEndian.Uint16(data[18:20]),
		payload:  data[hdrLen:],
	}
	if hdrLen > tcpHeaderLen {
		h.options = data[tcpHeaderLen:hdrLen]
	}
	return h, nil
}

// tcpFields are the parts of an outgoing TCP header.
type tcpFields struct {
	srcPort, dstPort uint16
	seq, ack         uint32
	flags            uint8
	window           uint16
	mss              uint16 // non-zero adds the MSS option
}

func (f tcpFields) headerLen() int {
	if f.mss != 0 {
		return tcpHeaderLen + tcpMSSOptionLen
	}
	return tcpHeaderLen
}

// buildTCPHeaderInto writes the header at the start of seg, which must
// already hold the payload after the header. The checksum covers all of seg.
func buildTCPHeaderInto(seg []byte, src, dst IPAddr, f tcpFields) {
	hdrLen := f.headerLen()
	binary.BigEndian.PutUint16(seg[0:2], f.srcPort)
	binary.BigEndian.PutUint16(seg[2:4], f.dstPort)
	binary.BigEndian.PutUint32(seg[4:8], f.seq)
	binary.BigEndian.PutUint32(seg[8:12], f.ack)
	seg[12] = byte(hdrLen/4) << 4
	seg[13] = f.flags
	binary.BigEndian.PutUint16(seg[14:16], f.window)
	seg[16], seg[17] = 0, 0
	binary.BigEndian.PutUint16(seg[18:20], 0)
	if f.mss != 0 {
		seg[20] = tcpOptMSS
		seg[21] = tcpMSSOptionLen
		binary.BigEndian.PutUint16(seg[22:24], f.mss)
	}
	binary.BigEndian.PutUint16(seg[16:18], transportChecksum(src, dst, tcpProtocolNumber, seg))
}

// parseTCPOptions returns the MSS option if present. Other options are
// skipped using their length byte.
func parseTCPOptions(options []byte) (mss uint16, ok bool) {
	i := 0
	for i < len(options) {
		switch options[i] {
		case tcpOptEnd:
			return mss, ok
		case tcpOptNOP:
			i++
			continue
		case tcpOptMSS:
			if i+4 <= len(options) && options[i+1] == tcpMSSOptionLen {
				mss = binary.BigEndian.Uint16(options[i+2 : i+4])
				ok = true
			}
		}
		if i+1 >= len(options) {
			return mss, ok
		}
		length := int(options[i+1])
		if length < 2 {
			return mss, ok
		}
		i += length
	}
	return mss, ok
}

// seqLT returns true if a < b (handling wraparound).
func seqLT(a, b uint32) bool { return int32(a-b) < 0 }

// seqLTE returns true if a <= b (handling wraparound).
func seqLTE(a, b uint32) bool { return int32(a-b) <= 0 }

// seqGT returns true if a > b (handling wraparound).
func seqGT(a, b uint32) bool { return int32(a-b) > 0 }

// seqGTE returns true if a >= b (handling wraparound).
func seqGTE(a, b uint32) bool { return int32(a-b) >= 0 }
