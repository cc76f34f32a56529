package netstack

import (
	"bytes"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"golang.org/x/net/ipv4"
)

// fragment wraps piece in an IPv4 fragment from the peer.
func fragment(tb testing.TB, id uint16, off int, more bool, piece []byte) []byte {
	ip := ipLayer(testPeerIP, testStackIP, layers.IPProtocolUDP)
	ip.Id = id
	ip.FragOffset = uint16(off / 8)
	if more {
		ip.Flags = layers.IPv4MoreFragments
	}
	return serialize(tb, ethLayer(testPeerMAC, testStackMAC, layers.EthernetTypeIPv4), ip, gopacket.Payload(piece))
}

// udpDatagram returns the UDP header and payload as they would appear on
// the wire, checksum included.
func udpDatagram(tb testing.TB, srcPort, dstPort uint16, payload []byte) []byte {
	frame := udpFrame(tb, testPeerIP, srcPort, testStackIP, dstPort, payload)
	return frame[ethernetHeaderLen+ipv4HeaderLen:]
}

func TestIPHeaderOnTheWire(t *testing.T) {
	h := newHarness(t, nil)
	h.learn(testPeerIP, testPeerMAC)

	if err := h.st.SendUDP(testPeerIP, 4000, 5000, []byte("hello")); err != nil {
		t.Fatalf("send: %v", err)
	}
	frames := h.sent()
	if len(frames) != 1 {
		t.Fatalf("frames = %d", len(frames))
	}
	hdr, err := ipv4.ParseHeader(frames[0][ethernetHeaderLen:])
	if err != nil {
		t.Fatalf("parse header: %v", err)
	}
	if hdr.Version != 4 || hdr.Len != ipv4HeaderLen || hdr.TTL != 64 || hdr.Protocol != 17 {
		t.Fatalf("header = %+v", hdr)
	}
	if !hdr.Src.Equal(testStackIP[:]) || !hdr.Dst.Equal(testPeerIP[:]) {
		t.Fatalf("addresses %s -> %s", hdr.Src, hdr.Dst)
	}
	if hdr.TotalLen != ipv4HeaderLen+udpHeaderLen+5 {
		t.Fatalf("total length = %d", hdr.TotalLen)
	}
	if sum := checksum(frames[0][ethernetHeaderLen : ethernetHeaderLen+ipv4HeaderLen]); sum != 0 {
		t.Fatalf("header does not checksum to zero: %#04x", sum)
	}

	p := decode(t, frames[0])
	udp := p.Layer(layers.LayerTypeUDP).(*layers.UDP)
	if udp.SrcPort != 4000 || udp.DstPort != 5000 || string(udp.Payload) != "hello" {
		t.Fatalf("udp = %d->%d %q", udp.SrcPort, udp.DstPort, udp.Payload)
	}
}

func TestIPDropsBadHeaders(t *testing.T) {
	h := newHarness(t, nil)
	var got int
	if err := h.st.RegisterUDP(7, func(UDPDatagram) { got++ }); err != nil {
		t.Fatalf("register: %v", err)
	}

	bad := udpFrame(t, testPeerIP, 1000, testStackIP, 7, []byte("x"))
	bad[ethernetHeaderLen+10] ^= 0xff
	h.inject(bad)

	h.inject(udpFrame(t, testPeerIP, 1000, MustParseIP("10.0.0.99"), 7, []byte("x")))

	short := udpFrame(t, testPeerIP, 1000, testStackIP, 7, []byte("x"))[:ethernetHeaderLen+10]
	h.inject(short)

	if got != 0 {
		t.Fatalf("handler saw %d datagrams", got)
	}
	st := h.st.Stats().IP
	if st.BadChecksum != 1 || st.NotForUs != 1 || st.Malformed != 1 {
		t.Fatalf("ip stats = %+v", st)
	}

	h.inject(udpFrame(t, testPeerIP, 1000, testStackIP, 7, []byte("x")))
	if got != 1 {
		t.Fatalf("valid datagram not delivered")
	}
}

func TestIPReassemblesOutOfOrder(t *testing.T) {
	h := newHarness(t, nil)

	payload := bytes.Repeat([]byte("0123456789abcdef"), 250)
	var got []byte
	h.st.RegisterUDP(9000, func(d UDPDatagram) {
		got = append([]byte(nil), d.Payload...)
	})

	dgram := udpDatagram(t, 1234, 9000, payload)
	if len(dgram) != 4008 {
		t.Fatalf("datagram length = %d", len(dgram))
	}
	pieces := []struct {
		off  int
		more bool
	}{
		{2960, false},
		{0, true},
		{1480, true},
	}
	for i, p := range pieces {
		end := p.off + 1480
		if end > len(dgram) {
			end = len(dgram)
		}
		h.inject(fragment(t, 0x77, p.off, p.more, dgram[p.off:end]))
		if i < len(pieces)-1 {
			if got != nil {
				t.Fatalf("delivered after %d fragments", i+1)
			}
			if n := h.st.frags.InReassembly(); n != 1 {
				t.Fatalf("in reassembly = %d", n)
			}
		}
	}

	if !bytes.Equal(got, payload) {
		t.Fatalf("reassembled %d bytes, want %d", len(got), len(payload))
	}
	st := h.st.Stats().IP
	if st.FragmentsReceived != 3 || st.Reassembled != 1 {
		t.Fatalf("fragment stats = %+v", st)
	}
	if n := h.st.frags.InReassembly(); n != 0 {
		t.Fatalf("in reassembly after delivery = %d", n)
	}
	for i := range h.st.frags.slots {
		if h.st.frags.slots[i].state != fragFree {
			t.Fatalf("slot %d not returned", i)
		}
	}
}

func TestIPDuplicateFragmentsDoNotCount(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Limits.IPMaxFragsPerPacket = 3 })
	var got []byte
	h.st.RegisterUDP(9000, func(d UDPDatagram) {
		got = append([]byte(nil), d.Payload...)
	})

	payload := bytes.Repeat([]byte{0xa5, 0x5a}, 2000)
	dgram := udpDatagram(t, 1234, 9000, payload)
	for range 5 {
		h.inject(fragment(t, 0x55, 0, true, dgram[:1480]))
	}
	h.inject(fragment(t, 0x55, 1480, true, dgram[1480:2960]))
	h.inject(fragment(t, 0x55, 2960, false, dgram[2960:]))

	if !bytes.Equal(got, payload) {
		t.Fatalf("reassembled %d bytes, want %d", len(got), len(payload))
	}
	st := h.st.Stats().IP
	if st.DuplicateFragments != 4 || st.TooManyFragments != 0 || st.Reassembled != 1 {
		t.Fatalf("fragment stats = %+v", st)
	}

	// A fourth distinct piece is one too many.
	for i, off := range []int{0, 1480, 2960, 3960} {
		end := min(off+1480, len(dgram))
		if off == 2960 {
			end = 3960
		}
		h.inject(fragment(t, 0x56, off, off != 3960, dgram[off:end]))
		if i == 3 && h.st.Stats().IP.TooManyFragments != 1 {
			t.Fatalf("fourth fragment accepted")
		}
	}
}

func TestIPReassemblyTimeout(t *testing.T) {
	h := newHarness(t, nil)
	var got int
	h.st.RegisterUDP(9000, func(UDPDatagram) { got++ })

	dgram := udpDatagram(t, 1234, 9000, make([]byte, 2000))
	h.inject(fragment(t, 0x99, 0, true, dgram[:1480]))
	h.advance(h.st.tk.fragTimeout)

	if n := h.st.frags.InReassembly(); n != 0 {
		t.Fatalf("in reassembly after timeout = %d", n)
	}
	if n := h.st.Stats().IP.ReassemblyTimeouts; n != 1 {
		t.Fatalf("timeouts = %d", n)
	}

	// The tail alone cannot complete anything.
	h.inject(fragment(t, 0x99, 1480, false, dgram[1480:]))
	if got != 0 {
		t.Fatalf("datagram delivered from a partial set")
	}
}

func TestIPFragmentsDisabled(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Limits.IPNoFragments = true })
	dgram := udpDatagram(t, 1234, 9000, make([]byte, 100))
	h.inject(fragment(t, 1, 0, true, dgram[:56]))
	if got := h.st.Stats().IP.FragmentsDropped; got != 1 {
		t.Fatalf("fragments dropped = %d", got)
	}
}

func TestIPFragmentsOnSend(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.MTU = MinMTU })
	h.learn(testPeerIP, testPeerMAC)

	payload := make([]byte, 60)
	for i := range payload {
		payload[i] = byte(i)
	}
	if err := h.st.SendUDP(testPeerIP, 1111, 2222, payload); err != nil {
		t.Fatalf("send: %v", err)
	}

	chunk := (MinMTU - ipv4HeaderLen) &^ 7
	var whole []byte
	frames := h.sent()
	if want := (udpHeaderLen + len(payload) + chunk - 1) / chunk; len(frames) != want {
		t.Fatalf("fragments = %d, want %d", len(frames), want)
	}
	for i, f := range frames {
		hdr, err := ipv4.ParseHeader(f[ethernetHeaderLen:])
		if err != nil {
			t.Fatalf("fragment %d: %v", i, err)
		}
		if hdr.TotalLen > MinMTU {
			t.Fatalf("fragment %d is %d bytes", i, hdr.TotalLen)
		}
		if hdr.FragOff*8 != len(whole) {
			t.Fatalf("fragment %d offset %d, want %d", i, hdr.FragOff*8, len(whole))
		}
		last := i == len(frames)-1
		if more := hdr.Flags&ipv4.MoreFragments != 0; more == last {
			t.Fatalf("fragment %d more-fragments=%v", i, more)
		}
		body := f[ethernetHeaderLen+ipv4HeaderLen : ethernetHeaderLen+hdr.TotalLen]
		if !last && len(body)%8 != 0 {
			t.Fatalf("fragment %d carries %d bytes", i, len(body))
		}
		whole = append(whole, body...)
	}

	if sum := transportChecksum(testStackIP, testPeerIP, udpProtocolNumber, whole); sum != 0 {
		t.Fatalf("udp checksum over fragments = %#04x", sum)
	}
	if !bytes.Equal(whole[udpHeaderLen:], payload) {
		t.Fatalf("payload mismatch")
	}
	if st := h.st.Stats().UDP; st.FragmentsSent != uint64(len(frames)) || st.Sent != 1 {
		t.Fatalf("udp stats = %+v", st)
	}
}
