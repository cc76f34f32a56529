package netstack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime"
	"sync"

	"github.com/tinyrange/mtcp/internal/link"
	"github.com/tinyrange/mtcp/internal/tick"
	"github.com/tinyrange/mtcp/internal/trace"
)

// pollBatch bounds the frames dispatched by one PollOnce.
const pollBatch = 32

// Options carries the collaborators a Stack does not own.
type Options struct {
	Logger *slog.Logger
	Tracer *trace.Tracer

	// Clock supplies ticks. When nil the stack creates one and hooks it to
	// wall time for its lifetime.
	Clock *tick.Counter

	// Yield runs between polls while a blocking call spins. The default
	// yields the goroutine.
	Yield func()

	// OnTCPState observes every socket state change.
	OnTCPState func(sock *Socket, st TCPState)
}

// Stack is a single-interface IPv4 stack driven by PollOnce. Apart from
// Close and the debug HTTP handlers, its methods must be called from one
// goroutine.
type Stack struct {
	log *slog.Logger
	tr  *trace.Tracer

	cfg Config
	lim Limits
	tk  ticks

	clock    *tick.Counter
	ownClock bool

	iface *link.Interface
	mac   MAC
	mss   uint16

	arp     arpTable
	frags   *fragTable
	ipIdent uint16

	icmpHandler ICMPHandler
	udp         []udpCallback

	xmit      *xmitPool
	sockets   *socketManager
	nextPort  uint16
	issSource func() uint32 // nil draws from math/rand

	dns *resolver

	stats Stats

	scratch [maxFrameLen]byte

	onStateChange func(*Socket, TCPState)
	yield         func()

	debugMu       sync.Mutex
	debugSrv      *http.Server
	debugListener net.Listener
	debugAddr     string
	debugWG       sync.WaitGroup
	debugReqs     chan chan Status

	closed bool
}

// New opens the packet driver at cfg.PacketInt and brings the stack up.
func New(cfg Config, vectors *link.Vectors, opts Options) (*Stack, error) {
	if err := cfg.normalize(); err != nil {
		return nil, fmt.Errorf("netstack: %w", err)
	}
	l := opts.Logger
	if l == nil {
		l = slog.Default()
	}
	s := &Stack{
		log:           l,
		tr:            opts.Tracer,
		cfg:           cfg,
		lim:           cfg.Limits,
		tk:            cfg.Limits.ticks(),
		clock:         opts.Clock,
		mss:           uint16(cfg.MTU - ipv4HeaderLen - tcpHeaderLen),
		onStateChange: opts.OnTCPState,
		yield:         opts.Yield,
		debugReqs:     make(chan chan Status),
	}
	if s.yield == nil {
		s.yield = runtime.Gosched
	}
	if s.clock == nil {
		s.clock = tick.New()
		if err := s.clock.Hook(); err != nil {
			return nil, fmt.Errorf("netstack: clock: %w", err)
		}
		s.ownClock = true
	}

	iface, err := link.Open(vectors, cfg.PacketInt, link.Config{
		Buffers:    s.lim.PacketBuffers,
		BufferSize: maxFrameLen,
	}, l)
	if err != nil {
		s.releaseClock()
		return nil, fmt.Errorf("netstack: %w", err)
	}
	s.iface = iface
	s.mac = MAC(iface.MAC())

	s.initARP()
	if !s.lim.IPNoFragments {
		s.frags = newFragTable(s.lim)
	}
	s.xmit = newXmitPool(s.lim.TCPMaxXmitBuffers, ethernetHeaderLen+cfg.MTU)
	s.sockets = newSocketManager(s)

	if err := s.initDNS(); err != nil {
		iface.Release()
		s.releaseClock()
		return nil, fmt.Errorf("netstack: dns: %w", err)
	}

	iface.RegisterHandler(uint16(etherTypeARP), s.handleARP)
	iface.RegisterHandler(uint16(etherTypeIPv4), s.handleIPv4)
	iface.StartReceiving()

	l.Info("netstack up",
		"ip", cfg.IP, "netmask", cfg.Netmask, "gateway", cfg.Gateway,
		"mac", s.mac, "mtu", cfg.MTU)
	return s, nil
}

func (s *Stack) releaseClock() {
	if s.ownClock {
		s.clock.Unhook()
	}
}

// Close shuts the stack down in reverse order of New. Open sockets are
// reset first.
func (s *Stack) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	s.iface.StopReceiving()
	for len(s.sockets.active) > 0 {
		s.FreeSocket(s.sockets.active[len(s.sockets.active)-1])
	}
	s.UnregisterUDP(s.lim.DNSHandlerPort)
	if s.frags != nil {
		for i := range s.frags.slots {
			s.frags.release(&s.frags.slots[i])
		}
	}

	var errs []error
	if err := s.iface.Release(); err != nil {
		errs = append(errs, fmt.Errorf("release link: %w", err))
	}
	s.releaseClock()
	if err := s.closeDebug(); err != nil {
		errs = append(errs, fmt.Errorf("close debug http: %w", err))
	}
	s.log.Info("netstack down")
	return errors.Join(errs...)
}

// Config returns the normalized configuration.
func (s *Stack) Config() Config { return s.cfg }

// MAC returns the interface hardware address.
func (s *Stack) MAC() MAC { return s.mac }

// MSS is the largest TCP payload this side accepts.
func (s *Stack) MSS() int { return int(s.mss) }

// Clock returns the tick source.
func (s *Stack) Clock() *tick.Counter { return s.clock }

// Interface exposes the link, for capture and counters.
func (s *Stack) Interface() *link.Interface { return s.iface }

// PollOnce runs one pass of every protocol engine: received frames, ARP
// retries, fragment expiry, TCP, and DNS retries.
func (s *Stack) PollOnce() {
	if s.closed {
		return
	}
	s.iface.PollAll(pollBatch)
	s.driveARP()
	s.purgeOverdueFragments()
	s.drivePackets()
	s.driveDNS()
	s.serveDebug()
}

// spin polls until done reports true, ctx ends or the tick deadline passes.
func (s *Stack) spin(ctx context.Context, deadline uint32, done func() bool) error {
	for {
		s.PollOnce()
		if done() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if int32(s.clock.Now()-deadline) >= 0 {
			return ErrTimeout
		}
		if s.closed {
			return ErrClosed
		}
		s.yield()
	}
}
