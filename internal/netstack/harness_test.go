package netstack

import (
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/tinyrange/mtcp/internal/link"
	"github.com/tinyrange/mtcp/internal/tick"
)

const testVector uint8 = 0x60

var (
	testStackMAC = MAC{0x02, 0x00, 0x00, 0x00, 0x00, 0x10}
	testPeerMAC  = MAC{0x02, 0x00, 0x00, 0x00, 0x00, 0x20}

	testStackIP = MustParseIP("10.0.0.10")
	testPeerIP  = MustParseIP("10.0.0.2")
	testGateway = MustParseIP("10.0.0.1")
	testNS      = MustParseIP("10.0.0.53")
)

type harness struct {
	tb     testing.TB
	st     *Stack
	ch     *link.Channel
	clock  *tick.Counter
	states []TCPState

	// onYield runs whenever a blocking call spins, after the clock moves.
	onYield func()
}

func testConfig() Config {
	return Config{
		IP:         testStackIP,
		Netmask:    IPAddr{255, 255, 255, 0},
		Gateway:    testGateway,
		Nameserver: testNS,
		MTU:        1500,
		PacketInt:  testVector,
	}
}

func newHarness(tb testing.TB, configure func(*Config)) *harness {
	tb.Helper()

	ch := link.NewChannel([6]byte(testStackMAC), 1024)
	vecs := link.NewVectors()
	if err := vecs.Install(testVector, ch); err != nil {
		tb.Fatalf("install driver: %v", err)
	}
	cfg := testConfig()
	if configure != nil {
		configure(&cfg)
	}

	h := &harness{tb: tb, ch: ch, clock: tick.New()}
	st, err := New(cfg, vecs, Options{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Clock:  h.clock,
		Yield: func() {
			h.clock.Advance(1)
			if h.onYield != nil {
				h.onYield()
			}
		},
		OnTCPState: func(_ *Socket, s TCPState) {
			h.states = append(h.states, s)
		},
	})
	if err != nil {
		tb.Fatalf("new stack: %v", err)
	}
	h.st = st
	tb.Cleanup(func() {
		_ = st.Close()
		ch.Close()
	})
	return h
}

// learn seeds the ARP cache so tests skip resolution.
func (h *harness) learn(ip IPAddr, mac MAC) { h.st.arpUpdate(ip, mac) }

// inject delivers frame and runs one poll.
func (h *harness) inject(frame []byte) {
	h.tb.Helper()
	if !h.ch.Inject(frame) {
		h.tb.Fatalf("inject: receiver refused frame")
	}
	h.st.PollOnce()
}

// advance moves the clock and polls once.
func (h *harness) advance(ticks uint32) {
	h.clock.Advance(ticks)
	h.st.PollOnce()
}

// sent drains every frame the stack has transmitted so far.
func (h *harness) sent() [][]byte {
	var out [][]byte
	for {
		select {
		case f, ok := <-h.ch.Outbound():
			if !ok {
				return out
			}
			out = append(out, f)
		default:
			return out
		}
	}
}

// next returns the single pending outbound frame.
func (h *harness) next() gopacket.Packet {
	h.tb.Helper()
	frames := h.sent()
	if len(frames) != 1 {
		h.tb.Fatalf("expected 1 outbound frame, got %d", len(frames))
	}
	return decode(h.tb, frames[0])
}

func (h *harness) expectSilence() {
	h.tb.Helper()
	if frames := h.sent(); len(frames) != 0 {
		h.tb.Fatalf("expected no outbound frames, got %d (first: %v)", len(frames), decode(h.tb, frames[0]))
	}
}

func decode(tb testing.TB, frame []byte) gopacket.Packet {
	tb.Helper()
	p := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.Default)
	if el := p.ErrorLayer(); el != nil {
		tb.Fatalf("decode frame: %v", el.Error())
	}
	return p
}

func tcpOf(tb testing.TB, p gopacket.Packet) *layers.TCP {
	tb.Helper()
	l, ok := p.Layer(layers.LayerTypeTCP).(*layers.TCP)
	if !ok {
		tb.Fatalf("frame is not tcp: %v", p)
	}
	return l
}

func serialize(tb testing.TB, ls ...gopacket.SerializableLayer) []byte {
	tb.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ls...); err != nil {
		tb.Fatalf("serialize: %v", err)
	}
	return append([]byte(nil), buf.Bytes()...)
}

func ethLayer(src, dst MAC, et layers.EthernetType) *layers.Ethernet {
	return &layers.Ethernet{
		SrcMAC:       net.HardwareAddr(src[:]),
		DstMAC:       net.HardwareAddr(dst[:]),
		EthernetType: et,
	}
}

func ipLayer(src, dst IPAddr, proto layers.IPProtocol) *layers.IPv4 {
	return &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Id:       0x4242,
		Protocol: proto,
		SrcIP:    net.IP(src[:]),
		DstIP:    net.IP(dst[:]),
	}
}

func arpFrame(tb testing.TB, op uint16, srcMAC MAC, srcIP IPAddr, dstMAC MAC, dstIP IPAddr) []byte {
	eth := ethLayer(srcMAC, dstMAC, layers.EthernetTypeARP)
	if op == layers.ARPRequest {
		eth.DstMAC = net.HardwareAddr(BroadcastMAC[:])
	}
	return serialize(tb, eth, &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         op,
		SourceHwAddress:   srcMAC[:],
		SourceProtAddress: srcIP[:],
		DstHwAddress:      dstMAC[:],
		DstProtAddress:    dstIP[:],
	})
}

func udpFrame(tb testing.TB, src IPAddr, srcPort uint16, dst IPAddr, dstPort uint16, payload []byte) []byte {
	ip := ipLayer(src, dst, layers.IPProtocolUDP)
	udp := &layers.UDP{SrcPort: layers.UDPPort(srcPort), DstPort: layers.UDPPort(dstPort)}
	udp.SetNetworkLayerForChecksum(ip)
	return serialize(tb, ethLayer(testPeerMAC, testStackMAC, layers.EthernetTypeIPv4), ip, udp, gopacket.Payload(payload))
}

// tcpPeer scripts the remote end of one connection.
type tcpPeer struct {
	h      *harness
	ip     IPAddr
	port   uint16
	local  uint16 // the stack's port
	seq    uint32 // next sequence number the peer sends
	ack    uint32 // next byte expected from the stack
	window uint16
}

func (h *harness) peer(port, local uint16) *tcpPeer {
	return &tcpPeer{h: h, ip: testPeerIP, port: port, local: local, seq: 50000, window: 8192}
}

type tcpOpt func(*layers.TCP)

func withMSS(mss uint16) tcpOpt {
	return func(t *layers.TCP) {
		data := make([]byte, 2)
		binary.BigEndian.PutUint16(data, mss)
		t.Options = append(t.Options, layers.TCPOption{
			OptionType:   layers.TCPOptionKindMSS,
			OptionLength: 4,
			OptionData:   data,
		})
	}
}

func withSeq(seq uint32) tcpOpt { return func(t *layers.TCP) { t.Seq = seq } }

func withAck(ack uint32) tcpOpt { return func(t *layers.TCP) { t.Ack = ack } }

func withWindow(w uint16) tcpOpt { return func(t *layers.TCP) { t.Window = w } }

// frame builds a segment from the peer's current state without advancing it.
func (p *tcpPeer) frame(flags uint8, payload []byte, opts ...tcpOpt) []byte {
	ip := ipLayer(p.ip, testStackIP, layers.IPProtocolTCP)
	t := &layers.TCP{
		SrcPort: layers.TCPPort(p.port),
		DstPort: layers.TCPPort(p.local),
		Seq:     p.seq,
		Ack:     p.ack,
		Window:  p.window,
		FIN:     flags&tcpFlagFIN != 0,
		SYN:     flags&tcpFlagSYN != 0,
		RST:     flags&tcpFlagRST != 0,
		PSH:     flags&tcpFlagPSH != 0,
		ACK:     flags&tcpFlagACK != 0,
	}
	if !t.ACK {
		t.Ack = 0
	}
	for _, o := range opts {
		o(t)
	}
	t.SetNetworkLayerForChecksum(ip)
	return serialize(p.h.tb, ethLayer(testPeerMAC, testStackMAC, layers.EthernetTypeIPv4), ip, t, gopacket.Payload(payload))
}

// send injects a segment and advances the peer's sequence number.
func (p *tcpPeer) send(flags uint8, payload []byte, opts ...tcpOpt) {
	p.h.inject(p.frame(flags, payload, opts...))
	p.seq += uint32(len(payload))
	if flags&tcpFlagSYN != 0 {
		p.seq++
	}
	if flags&tcpFlagFIN != 0 {
		p.seq++
	}
}

// recv reads the next segment from the stack and advances the peer's ACK
// point past it.
func (p *tcpPeer) recv() *layers.TCP {
	p.h.tb.Helper()
	t := tcpOf(p.h.tb, p.h.next())
	if int(t.SrcPort) != int(p.local) || int(t.DstPort) != int(p.port) {
		p.h.tb.Fatalf("segment ports %d->%d, want %d->%d", t.SrcPort, t.DstPort, p.local, p.port)
	}
	n := uint32(len(t.Payload))
	if t.SYN || t.FIN {
		n++
	}
	if end := t.Seq + n; t.SYN || seqGT(end, p.ack) {
		p.ack = end
	}
	return t
}

// establish connects sock to the peer and completes the handshake.
func (p *tcpPeer) establish(sock *Socket) {
	p.h.tb.Helper()
	if err := sock.ConnectNonBlocking(p.local, p.ip, p.port); err != nil {
		p.h.tb.Fatalf("connect: %v", err)
	}
	syn := p.recv()
	if !syn.SYN || syn.ACK {
		p.h.tb.Fatalf("expected bare SYN, got %+v", syn)
	}
	p.send(tcpFlagSYN|tcpFlagACK, nil, withMSS(1460))
	ack := p.recv()
	if !ack.ACK || ack.SYN || len(ack.Payload) != 0 {
		p.h.tb.Fatalf("expected handshake ACK, got %+v", ack)
	}
	if sock.State() != StateEstablished {
		p.h.tb.Fatalf("state after handshake = %s", sock.State())
	}
}
