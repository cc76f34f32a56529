package netstack

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

func echoFrame(tb testing.TB, id, seq int, data []byte) []byte {
	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Body: &icmp.Echo{ID: id, Seq: seq, Data: data},
	}
	body, err := msg.Marshal(nil)
	if err != nil {
		tb.Fatalf("marshal echo: %v", err)
	}
	ip := ipLayer(testPeerIP, testStackIP, layers.IPProtocolICMPv4)
	return serialize(tb, ethLayer(testPeerMAC, testStackMAC, layers.EthernetTypeIPv4), ip, gopacket.Payload(body))
}

func parseICMP(tb testing.TB, frame []byte) *icmp.Message {
	tb.Helper()
	hdr, err := ipv4.ParseHeader(frame[ethernetHeaderLen:])
	if err != nil {
		tb.Fatalf("parse ip: %v", err)
	}
	body := frame[ethernetHeaderLen+hdr.Len : ethernetHeaderLen+hdr.TotalLen]
	if sum := checksum(body); sum != 0 {
		tb.Fatalf("icmp checksum = %#04x", sum)
	}
	m, err := icmp.ParseMessage(1, body)
	if err != nil {
		tb.Fatalf("parse icmp: %v", err)
	}
	return m
}

func TestICMPEchoReply(t *testing.T) {
	h := newHarness(t, nil)

	var seen []IPAddr
	h.st.SetICMPHandler(func(src IPAddr, ttl uint8, msg []byte) {
		if ttl != 64 {
			t.Errorf("handler ttl = %d", ttl)
		}
		seen = append(seen, src)
	})

	data := []byte("abcdefghijklmnop")
	h.inject(echoFrame(t, 0x1234, 7, data))

	frames := h.sent()
	if len(frames) != 1 {
		t.Fatalf("frames = %d", len(frames))
	}
	p := decode(t, frames[0])
	eth := p.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	ip := p.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if MAC(eth.DstMAC) != testPeerMAC || ip.DstIP.String() != testPeerIP.String() || ip.SrcIP.String() != testStackIP.String() {
		t.Fatalf("reply %s -> %s via %s", ip.SrcIP, ip.DstIP, eth.DstMAC)
	}

	m := parseICMP(t, frames[0])
	if m.Type != ipv4.ICMPTypeEchoReply {
		t.Fatalf("type = %v", m.Type)
	}
	echo := m.Body.(*icmp.Echo)
	if echo.ID != 0x1234 || echo.Seq != 7 || !bytes.Equal(echo.Data, data) {
		t.Fatalf("echo = %+v", echo)
	}

	if len(seen) != 1 || seen[0] != testPeerIP {
		t.Fatalf("handler saw %v", seen)
	}
	st := h.st.Stats().ICMP
	if st.Received != 1 || st.EchoRequests != 1 || st.EchoReplies != 1 {
		t.Fatalf("icmp stats = %+v", st)
	}
}

func TestICMPBadChecksumIgnored(t *testing.T) {
	h := newHarness(t, nil)
	frame := echoFrame(t, 1, 1, []byte("data"))
	frame[ethernetHeaderLen+ipv4HeaderLen+icmpHeaderLen] ^= 0xff
	h.inject(frame)
	h.expectSilence()
	if got := h.st.Stats().ICMP.ChecksumErrors; got != 1 {
		t.Fatalf("checksum errors = %d", got)
	}
}

func TestICMPSendEchoRequest(t *testing.T) {
	h := newHarness(t, nil)
	h.learn(testPeerIP, testPeerMAC)

	if err := h.st.SendEchoRequest(testPeerIP, 42, 3, []byte("ping")); err != nil {
		t.Fatalf("send echo: %v", err)
	}
	m := parseICMP(t, h.sent()[0])
	if m.Type != ipv4.ICMPTypeEcho {
		t.Fatalf("type = %v", m.Type)
	}
	echo := m.Body.(*icmp.Echo)
	if echo.ID != 42 || echo.Seq != 3 || string(echo.Data) != "ping" {
		t.Fatalf("echo = %+v", echo)
	}

	// The peer's reply reaches the handler and is not answered.
	var replies int
	h.st.SetICMPHandler(func(src IPAddr, _ uint8, msg []byte) {
		if msg[0] == icmpTypeEchoReply {
			replies++
		}
	})
	reply := icmp.Message{Type: ipv4.ICMPTypeEchoReply, Body: &icmp.Echo{ID: 42, Seq: 3, Data: []byte("ping")}}
	body, err := reply.Marshal(nil)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	ip := ipLayer(testPeerIP, testStackIP, layers.IPProtocolICMPv4)
	h.inject(serialize(t, ethLayer(testPeerMAC, testStackMAC, layers.EthernetTypeIPv4), ip, gopacket.Payload(body)))
	h.expectSilence()
	if replies != 1 {
		t.Fatalf("replies seen = %d", replies)
	}
	if err := h.st.SendEchoRequest(testPeerIP, 42, 4, make([]byte, h.st.cfg.MTU)); !errors.Is(err, ErrTooBig) {
		t.Fatalf("oversized echo: %v", err)
	}
}
