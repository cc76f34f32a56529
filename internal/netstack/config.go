package netstack

import (
	"fmt"
	"time"

	"github.com/tinyrange/mtcp/internal/tick"
)

// DefaultMTU is used when the configuration leaves MTU at zero.
const DefaultMTU = 576

// MTU bounds.
const (
	MinMTU = 46
	MaxMTU = 1500
)

// Config is the parameter bundle a Stack is built from.
type Config struct {
	IP          IPAddr
	Netmask     IPAddr
	Gateway     IPAddr
	Nameserver  IPAddr
	Nameserver2 IPAddr
	MTU         int
	Hostname    string
	Domain      string
	PacketInt   uint8
	PASVAddr    IPAddr
	HostsFile   string

	Limits Limits
}

// Limits are the sizing and timing knobs of the stack.
type Limits struct {
	PacketBuffers int

	ArpMaxEntries int
	ArpMaxPending int
	ArpRetries    int
	ArpTimeout    time.Duration

	IPTTL                   uint8
	IPNoFragments           bool // drop fragments instead of reassembling
	IPMaxFragPackets        int
	IPBigPacketSize         int
	IPMaxFragsPerPacket     int
	IPFragReassemblyTimeout time.Duration

	UDPMaxCallbacks int

	TCPMaxSockets      int
	TCPMaxXmitBuffers  int
	TCPSocketRingSize  int
	TCPRecvBufferSize  int
	TCPRetransCount    int
	TCPCloseTimeout    time.Duration
	TCPPATimeout       time.Duration
	TCPProbeInterval   time.Duration
	TCPInitialRTT      time.Duration
	TCPMaxSRTT         time.Duration
	TCPSeqErrThreshold int

	DNSTimeout      time.Duration
	DNSCacheEntries int
	DNSHandlerPort  uint16
	DNSMaxNameLen   int
}

// DefaultLimits returns the stock sizing.
func DefaultLimits() Limits {
	return Limits{
		PacketBuffers: 10,

		ArpMaxEntries: 16,
		ArpMaxPending: 4,
		ArpRetries:    3,
		ArpTimeout:    500 * time.Millisecond,

		IPTTL:                   64,
		IPMaxFragPackets:        2,
		IPBigPacketSize:         8192,
		IPMaxFragsPerPacket:     8,
		IPFragReassemblyTimeout: 4 * time.Second,

		UDPMaxCallbacks: 8,

		TCPMaxSockets:      8,
		TCPMaxXmitBuffers:  16,
		TCPSocketRingSize:  16,
		TCPRecvBufferSize:  8192,
		TCPRetransCount:    5,
		TCPCloseTimeout:    10 * time.Second,
		TCPPATimeout:       5 * time.Second,
		TCPProbeInterval:   time.Second,
		TCPInitialRTT:      time.Second,
		TCPMaxSRTT:         8 * time.Second,
		TCPSeqErrThreshold: 4,

		DNSTimeout:      10 * time.Second,
		DNSCacheEntries: 8,
		DNSHandlerPort:  57,
		DNSMaxNameLen:   127,
	}
}

// withDefaults fills zero fields of l from DefaultLimits.
func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	setInt := func(v *int, def int) {
		if *v == 0 {
			*v = def
		}
	}
	setDur := func(v *time.Duration, def time.Duration) {
		if *v == 0 {
			*v = def
		}
	}
	setInt(&l.PacketBuffers, d.PacketBuffers)
	setInt(&l.ArpMaxEntries, d.ArpMaxEntries)
	setInt(&l.ArpMaxPending, d.ArpMaxPending)
	setInt(&l.ArpRetries, d.ArpRetries)
	setDur(&l.ArpTimeout, d.ArpTimeout)
	if l.IPTTL == 0 {
		l.IPTTL = d.IPTTL
	}
	setInt(&l.IPMaxFragPackets, d.IPMaxFragPackets)
	setInt(&l.IPBigPacketSize, d.IPBigPacketSize)
	setInt(&l.IPMaxFragsPerPacket, d.IPMaxFragsPerPacket)
	setDur(&l.IPFragReassemblyTimeout, d.IPFragReassemblyTimeout)
	setInt(&l.UDPMaxCallbacks, d.UDPMaxCallbacks)
	setInt(&l.TCPMaxSockets, d.TCPMaxSockets)
	setInt(&l.TCPMaxXmitBuffers, d.TCPMaxXmitBuffers)
	setInt(&l.TCPSocketRingSize, d.TCPSocketRingSize)
	setInt(&l.TCPRecvBufferSize, d.TCPRecvBufferSize)
	setInt(&l.TCPRetransCount, d.TCPRetransCount)
	setDur(&l.TCPCloseTimeout, d.TCPCloseTimeout)
	setDur(&l.TCPPATimeout, d.TCPPATimeout)
	setDur(&l.TCPProbeInterval, d.TCPProbeInterval)
	setDur(&l.TCPInitialRTT, d.TCPInitialRTT)
	setDur(&l.TCPMaxSRTT, d.TCPMaxSRTT)
	setInt(&l.TCPSeqErrThreshold, d.TCPSeqErrThreshold)
	setDur(&l.DNSTimeout, d.DNSTimeout)
	setInt(&l.DNSCacheEntries, d.DNSCacheEntries)
	if l.DNSHandlerPort == 0 {
		l.DNSHandlerPort = d.DNSHandlerPort
	}
	setInt(&l.DNSMaxNameLen, d.DNSMaxNameLen)
	return l
}

func (l Limits) validate() error {
	if l.ArpMaxEntries < 4 || l.ArpMaxEntries > 32 {
		return fmt.Errorf("arp table size %d outside 4-32", l.ArpMaxEntries)
	}
	if l.TCPSocketRingSize < 2 || l.TCPSocketRingSize&(l.TCPSocketRingSize-1) != 0 {
		return fmt.Errorf("tcp socket ring size %d is not a power of two", l.TCPSocketRingSize)
	}
	if l.TCPSocketRingSize > 1<<15 {
		return fmt.Errorf("tcp socket ring size %d too large", l.TCPSocketRingSize)
	}
	if l.TCPRecvBufferSize > maxRecvBuffer {
		return fmt.Errorf("tcp receive buffer %d exceeds %d", l.TCPRecvBufferSize, maxRecvBuffer)
	}
	if l.IPBigPacketSize < MaxMTU {
		return fmt.Errorf("ip big packet size %d smaller than an mtu", l.IPBigPacketSize)
	}
	if l.IPBigPacketSize > 65535-ipv4HeaderLen {
		return fmt.Errorf("ip big packet size %d exceeds ipv4 limit", l.IPBigPacketSize)
	}
	return nil
}

func (c *Config) normalize() error {
	if c.MTU == 0 {
		c.MTU = DefaultMTU
	}
	if c.MTU < MinMTU || c.MTU > MaxMTU {
		return fmt.Errorf("mtu %d outside %d-%d", c.MTU, MinMTU, MaxMTU)
	}
	if c.Netmask.IsZero() {
		c.Netmask = IPAddr{255, 255, 255, 0}
	}
	c.Limits = c.Limits.withDefaults()
	return c.Limits.validate()
}

// ticks holds Limits durations converted to clock ticks.
type ticks struct {
	arpTimeout      uint32
	fragTimeout     uint32
	tcpCloseTimeout uint32
	tcpPATimeout    uint32
	tcpProbe        uint32
	tcpInitialRTT   uint32
	tcpMaxSRTT      uint32
	dnsTimeout      uint32
}

func (l Limits) ticks() ticks {
	return ticks{
		arpTimeout:      tick.FromDuration(l.ArpTimeout),
		fragTimeout:     tick.FromDuration(l.IPFragReassemblyTimeout),
		tcpCloseTimeout: tick.FromDuration(l.TCPCloseTimeout),
		tcpPATimeout:    tick.FromDuration(l.TCPPATimeout),
		tcpProbe:        tick.FromDuration(l.TCPProbeInterval),
		tcpInitialRTT:   tick.FromDuration(l.TCPInitialRTT),
		tcpMaxSRTT:      tick.FromDuration(l.TCPMaxSRTT),
		dnsTimeout:      tick.FromDuration(l.DNSTimeout),
	}
}
