// Package test runs the stack against gVisor's netstack over an in-memory
// Ethernet link.
package test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/tinyrange/mtcp/internal/link"
	"github.com/tinyrange/mtcp/internal/netstack"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/link/ethernet"
	"gvisor.dev/gvisor/pkg/tcpip/network/arp"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
	"gvisor.dev/gvisor/pkg/waiter"
)

const (
	gvisorNICID tcpip.NICID = 1

	waitTimeout = 5 * time.Second
)

var (
	hostIP  = netstack.MustParseIP("10.42.0.1")
	guestIP = netstack.MustParseIP("10.42.0.2")

	hostMAC  = [6]byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	guestMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
)

type gvisorHarness struct {
	t testing.TB

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// our stack (host side)
	st   *netstack.Stack
	link *link.Channel

	// gVisor stack (guest side)
	gs *stack.Stack
	ch *channel.Endpoint

	// observation channels; frames are dropped when nobody reads them
	g2c chan []byte // gVisor -> stack
	c2g chan []byte // stack -> gVisor
}

func tcpipAddr(ip netstack.IPAddr) tcpip.Address {
	return tcpip.AddrFrom4([4]byte(ip))
}

func newGvisorHarness(tb testing.TB, configure func(*netstack.Config)) *gvisorHarness {
	tb.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	h := &gvisorHarness{
		t:      tb,
		ctx:    ctx,
		cancel: cancel,
		g2c:    make(chan []byte, 4096),
		c2g:    make(chan []byte, 4096),
	}

	h.link = link.NewChannel(hostMAC, 4096)
	vecs := link.NewVectors()
	if err := vecs.Install(link.FirstVector, h.link); err != nil {
		tb.Fatalf("install driver: %v", err)
	}
	cfg := netstack.Config{
		IP:        hostIP,
		Netmask:   netstack.IPAddr{255, 255, 255, 0},
		MTU:       1500,
		PacketInt: link.FirstVector,
		Limits: netstack.Limits{
			PacketBuffers:     64,
			TCPMaxXmitBuffers: 32,
		},
	}
	if configure != nil {
		configure(&cfg)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	st, err := netstack.New(cfg, vecs, netstack.Options{
		Logger: logger,
		Yield:  func() { time.Sleep(200 * time.Microsecond) },
	})
	if err != nil {
		tb.Fatalf("new stack: %v", err)
	}
	h.st = st

	// channel.Endpoint.MTU is treated as the L2 MTU by ethernet.Endpoint, which
	// subtracts the ethernet header length to get the L3 MTU.
	h.ch = channel.New(4096, 1500+header.EthernetMinimumSize, tcpip.LinkAddress(string(guestMAC)))
	ep := ethernet.New(h.ch)
	h.gs = stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, arp.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol},
	})
	if err := h.gs.CreateNIC(gvisorNICID, ep); err != nil {
		tb.Fatalf("gvisor CreateNIC: %v", err)
	}
	if err := h.gs.AddProtocolAddress(
		gvisorNICID,
		tcpip.ProtocolAddress{
			Protocol: ipv4.ProtocolNumber,
			AddressWithPrefix: tcpip.AddressWithPrefix{
				Address:   tcpipAddr(guestIP),
				PrefixLen: 24,
			},
		},
		stack.AddressProperties{},
	); err != nil {
		tb.Fatalf("gvisor AddProtocolAddress: %v", err)
	}
	h.gs.SetRouteTable([]tcpip.Route{
		{
			Destination: header.IPv4EmptySubnet,
			Gateway:     tcpipAddr(hostIP),
			NIC:         gvisorNICID,
		},
	})

	// stack -> gVisor
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for frame := range h.link.Outbound() {
			observe(h.c2g, frame)
			pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
				Payload: buffer.MakeWithData(frame),
			})
			// The ethernet link endpoint parses the header itself and
			// ignores the protocol argument.
			h.ch.InjectInbound(0, pkt)
			pkt.DecRef()
		}
	}()

	// gVisor -> stack
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for {
			pkt := h.ch.ReadContext(h.ctx)
			if pkt == nil {
				return
			}
			out := append([]byte(nil), pkt.ToView().AsSlice()...)
			pkt.DecRef()
			observe(h.g2c, out)
			h.link.Inject(out)
		}
	}()

	tb.Cleanup(func() {
		_ = h.st.Close()
		h.link.Close()
		h.cancel()
		h.wg.Wait()
		h.ch.Close()
		h.gs.Close()
		h.gs.Wait()
	})
	return h
}

func observe(ch chan []byte, frame []byte) {
	select {
	case ch <- frame:
	default:
	}
}

// pollUntil drives the stack until cond holds.
func (h *gvisorHarness) pollUntil(what string, cond func() bool) {
	h.t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for {
		h.st.PollOnce()
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			h.t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(200 * time.Microsecond)
	}
}

// guest runs fn on its own goroutine, since gVisor calls block while the
// stack needs polling.
func (h *gvisorHarness) guest(fn func() error) <-chan error {
	done := make(chan error, 1)
	go func() { done <- fn() }()
	return done
}

// wait polls the stack until the guest call finishes and returns its error.
func (h *gvisorHarness) wait(what string, done <-chan error) error {
	h.t.Helper()
	var err error
	h.pollUntil(what, func() bool {
		select {
		case err = <-done:
			return true
		default:
			return false
		}
	})
	return err
}

// sendUDP sends from the stack, polling through ARP resolution.
func (h *gvisorHarness) sendUDP(dst netstack.IPAddr, srcPort, dstPort uint16, payload []byte) {
	h.t.Helper()
	var err error
	h.pollUntil("udp send", func() bool {
		err = h.st.SendUDP(dst, srcPort, dstPort, payload)
		return !errors.Is(err, netstack.ErrArpPending)
	})
	if err != nil {
		h.t.Fatalf("send udp: %v", err)
	}
}

// sendAll queues p on sock, polling whenever the transmit buffers run out.
func (h *gvisorHarness) sendAll(sock *netstack.Socket, p []byte) {
	h.t.Helper()
	h.pollUntil("tcp send", func() bool {
		n, err := sock.Send(p)
		if err != nil && !errors.Is(err, netstack.ErrNoXmitBuffers) {
			h.t.Fatalf("send: %v", err)
		}
		p = p[n:]
		return len(p) == 0
	})
}

// recvN reads exactly n bytes from sock.
func (h *gvisorHarness) recvN(sock *netstack.Socket, n int) []byte {
	h.t.Helper()
	var out bytes.Buffer
	buf := make([]byte, 4096)
	h.pollUntil("tcp recv", func() bool {
		m, err := sock.Recv(buf)
		if err != nil {
			h.t.Fatalf("recv: %v", err)
		}
		out.Write(buf[:m])
		return out.Len() >= n
	})
	return out.Bytes()
}

func gvisorDialTCP(gs *stack.Stack, dst netstack.IPAddr, port uint16) (*gonet.TCPConn, error) {
	return gonet.DialTCP(gs, tcpip.FullAddress{
		NIC:  gvisorNICID,
		Addr: tcpipAddr(dst),
		Port: port,
	}, ipv4.ProtocolNumber)
}

func gvisorListenTCP(tb testing.TB, gs *stack.Stack, port uint16) *gonet.TCPListener {
	tb.Helper()
	l, err := gonet.ListenTCP(gs, tcpip.FullAddress{
		NIC:  gvisorNICID,
		Addr: tcpipAddr(guestIP),
		Port: port,
	}, ipv4.ProtocolNumber)
	if err != nil {
		tb.Fatalf("gvisor listen tcp: %v", err)
	}
	tb.Cleanup(func() { _ = l.Close() })
	return l
}

func gvisorDialUDP(tb testing.TB, gs *stack.Stack, localPort uint16) tcpip.Endpoint {
	tb.Helper()
	var wq waiter.Queue
	ep, terr := gs.NewEndpoint(udp.ProtocolNumber, ipv4.ProtocolNumber, &wq)
	if terr != nil {
		tb.Fatalf("gvisor new udp endpoint: %v", terr)
	}
	if terr := ep.Bind(tcpip.FullAddress{
		NIC:  gvisorNICID,
		Addr: tcpipAddr(guestIP),
		Port: localPort,
	}); terr != nil {
		ep.Close()
		tb.Fatalf("gvisor udp bind: %v", terr)
	}
	tb.Cleanup(func() { ep.Close() })
	return ep
}

func gvisorUDPWriteTo(tb testing.TB, ep tcpip.Endpoint, dst netstack.IPAddr, dstPort uint16, payload []byte) {
	tb.Helper()
	n, terr := ep.Write(bytes.NewReader(payload), tcpip.WriteOptions{
		To: &tcpip.FullAddress{
			NIC:  gvisorNICID,
			Addr: tcpipAddr(dst),
			Port: dstPort,
		},
	})
	if terr != nil {
		tb.Fatalf("gvisor udp write: %v", terr)
	}
	if int(n) != len(payload) {
		tb.Fatalf("gvisor udp short write: %d != %d", n, len(payload))
	}
}

// udpRead polls the stack while waiting for a datagram on ep.
func (h *gvisorHarness) udpRead(ep tcpip.Endpoint) (data []byte, from tcpip.FullAddress) {
	h.t.Helper()
	h.pollUntil("gvisor udp read", func() bool {
		buf := make([]byte, 64*1024)
		w := tcpip.SliceWriter(buf)
		rr, terr := ep.Read(&w, tcpip.ReadOptions{NeedRemoteAddr: true})
		if terr == nil {
			data, from = buf[:rr.Count], rr.RemoteAddr
			return true
		}
		if _, ok := terr.(*tcpip.ErrWouldBlock); !ok {
			h.t.Fatalf("gvisor udp read: %v", terr)
		}
		return false
	})
	return data, from
}
