package netstack

import (
	"errors"
	"testing"

	"github.com/google/gopacket/layers"
)

func TestUDPReceive(t *testing.T) {
	h := newHarness(t, nil)

	var got []UDPDatagram
	if err := h.st.RegisterUDP(7000, func(d UDPDatagram) {
		d.Payload = append([]byte(nil), d.Payload...)
		got = append(got, d)
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	h.inject(udpFrame(t, testPeerIP, 3333, testStackIP, 7000, []byte("ping")))
	h.inject(udpFrame(t, testPeerIP, 3333, testStackIP, 7001, []byte("nobody")))

	if len(got) != 1 {
		t.Fatalf("datagrams = %d", len(got))
	}
	d := got[0]
	if d.Src != testPeerIP || d.Dst != testStackIP || d.SrcPort != 3333 || d.DstPort != 7000 || string(d.Payload) != "ping" {
		t.Fatalf("datagram = %+v", d)
	}
	st := h.st.Stats().UDP
	if st.Received != 2 || st.NoHandler != 1 {
		t.Fatalf("udp stats = %+v", st)
	}

	bad := udpFrame(t, testPeerIP, 3333, testStackIP, 7000, []byte("ping"))
	bad[ethernetHeaderLen+ipv4HeaderLen+udpHeaderLen] ^= 0x01
	h.inject(bad)
	if len(got) != 1 || h.st.Stats().UDP.ChecksumErrors != 1 {
		t.Fatalf("corrupt datagram accepted")
	}

	h.st.UnregisterUDP(7000)
	h.inject(udpFrame(t, testPeerIP, 3333, testStackIP, 7000, []byte("ping")))
	if len(got) != 1 {
		t.Fatalf("delivered after unregister")
	}
}

func TestUDPRegisterLimits(t *testing.T) {
	h := newHarness(t, nil)

	if err := h.st.RegisterUDP(h.st.lim.DNSHandlerPort, func(UDPDatagram) {}); !errors.Is(err, ErrPortInUse) {
		t.Fatalf("register over dns port: %v", err)
	}
	// The resolver holds one slot.
	for port := uint16(1); port < uint16(h.st.lim.UDPMaxCallbacks); port++ {
		if err := h.st.RegisterUDP(port, func(UDPDatagram) {}); err != nil {
			t.Fatalf("register %d: %v", port, err)
		}
	}
	if err := h.st.RegisterUDP(999, func(UDPDatagram) {}); !errors.Is(err, ErrNoSlots) {
		t.Fatalf("register past limit: %v", err)
	}
}

func TestUDPBroadcastSkipsARP(t *testing.T) {
	h := newHarness(t, nil)

	for _, dst := range []IPAddr{BroadcastIP, MustParseIP("10.0.0.255")} {
		if err := h.st.SendUDP(dst, 5068, 5067, []byte("discover")); err != nil {
			t.Fatalf("send to %s: %v", dst, err)
		}
		p := h.next()
		eth := p.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
		if MAC(eth.DstMAC) != BroadcastMAC {
			t.Fatalf("dst mac for %s = %s", dst, eth.DstMAC)
		}
		if p.Layer(layers.LayerTypeUDP) == nil {
			t.Fatalf("not a udp frame: %v", p)
		}
	}
	if got := h.st.Stats().ARP.RequestsSent; got != 0 {
		t.Fatalf("arp requests = %d", got)
	}
}

func TestUDPNoRoute(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Gateway = IPAddr{} })

	if err := h.st.SendUDP(MustParseIP("192.0.2.1"), 1, 2, []byte("x")); !errors.Is(err, ErrNoRoute) {
		t.Fatalf("send off-link without gateway: %v", err)
	}
	h.expectSilence()
}

func TestUDPGatewayUsedOffLink(t *testing.T) {
	h := newHarness(t, nil)
	gwMAC := MAC{0x02, 0, 0, 0, 0, 0x01}
	h.learn(testGateway, gwMAC)

	if err := h.st.SendUDP(MustParseIP("192.0.2.1"), 1, 2, []byte("x")); err != nil {
		t.Fatalf("send: %v", err)
	}
	p := h.next()
	eth := p.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	ip := p.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if MAC(eth.DstMAC) != gwMAC || ip.DstIP.String() != "192.0.2.1" {
		t.Fatalf("frame to %s via %s", ip.DstIP, eth.DstMAC)
	}
}

func TestUDPResendAfterARP(t *testing.T) {
	h := newHarness(t, nil)

	f, err := h.st.NewUDPFrame(testPeerIP, 5000, 6000, []byte("retry me"))
	if err != nil {
		t.Fatalf("new frame: %v", err)
	}
	if err := h.st.ResendUDP(f); !errors.Is(err, ErrArpPending) {
		t.Fatalf("first send: %v", err)
	}
	req := h.next()
	if req.Layer(layers.LayerTypeARP) == nil {
		t.Fatalf("expected arp request, got %v", req)
	}

	h.inject(arpFrame(t, layers.ARPReply, testPeerMAC, testPeerIP, testStackMAC, testStackIP))
	if err := h.st.ResendUDP(f); err != nil {
		t.Fatalf("resend: %v", err)
	}
	p := h.next()
	eth := p.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	udp := p.Layer(layers.LayerTypeUDP).(*layers.UDP)
	if MAC(eth.DstMAC) != testPeerMAC || string(udp.Payload) != "retry me" {
		t.Fatalf("resent frame to %s payload %q", eth.DstMAC, udp.Payload)
	}
	if _, err := h.st.NewUDPFrame(testPeerIP, 1, 2, make([]byte, h.st.MaxUDPPayload()+1)); !errors.Is(err, ErrTooBig) {
		t.Fatalf("oversized frame: %v", err)
	}
}
