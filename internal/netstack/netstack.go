// Package netstack implements a small, single-threaded IPv4 stack on top of a
// host packet driver: Ethernet, ARP, IPv4 with optional fragment reassembly,
// ICMP echo, UDP, TCP and a one-query-at-a-time DNS resolver.
//
// A Stack owns every subsystem. All protocol state is touched only from the
// goroutine that calls PollOnce and the socket API; the only concurrent
// producer is the packet driver's receive path, which hands frames over
// through the link package's ring.
//
// Notes and limitations:
//   - No IPv6.
//   - No path MTU discovery; TCP carries only the MSS option, on SYN.
//   - TIME_WAIT is collapsed into CLOSED.
//   - Segments ahead of the next expected byte are dropped.
//   - ARP entries never age; they are only replaced when the table is full.
package netstack

import (
	"errors"
	"fmt"
	"net"
)

////////////////////////////////////////////////////////////////////////////////
// Top-level constants and protocol numbers.
////////////////////////////////////////////////////////////////////////////////

type etherType uint16

// EtherTypes we care about.
const (
	etherTypeIPv4 etherType = 0x0800
	etherTypeARP  etherType = 0x0806
)

func (e etherType) String() string {
	switch e {
	case etherTypeIPv4:
		return "ipv4"
	case etherTypeARP:
		return "arp"
	}
	return fmt.Sprintf("unknown ether type 0x%04x", uint16(e))
}

type protocolNumber uint8

// Protocol numbers for IPv4's Protocol field.
const (
	icmpProtocolNumber protocolNumber = 1
	tcpProtocolNumber  protocolNumber = 6
	udpProtocolNumber  protocolNumber = 17
)

func (p protocolNumber) String() string {
	switch p {
	case tcpProtocolNumber:
		return "tcp"
	case udpProtocolNumber:
		return "udp"
	case icmpProtocolNumber:
		return "icmp"
	}
	return fmt.Sprintf("unknown protocol 0x%02x", uint8(p))
}

// Header sizes (bytes).
const (
	ethernetHeaderLen = 14
	ipv4HeaderLen     = 20
	udpHeaderLen      = 8
	tcpHeaderLen      = 20
	arpPacketLen      = 28
	icmpHeaderLen     = 8

	maxFrameLen = 1514
)

////////////////////////////////////////////////////////////////////////////////
// Addresses.
////////////////////////////////////////////////////////////////////////////////

// IPAddr is an IPv4 address.
type IPAddr [4]byte

// MAC is an Ethernet hardware address.
type MAC [6]byte

var (
	// BroadcastIP is the limited broadcast address.
	BroadcastIP = IPAddr{255, 255, 255, 255}
	// BroadcastMAC also marks an unresolved next hop.
	BroadcastMAC = MAC{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
)

func (a IPAddr) String() string { return net.IP(a[:]).String() }

// IsZero reports whether a is 0.0.0.0.
func (a IPAddr) IsZero() bool { return a == IPAddr{} }

// Mask returns a & m.
func (a IPAddr) Mask(m IPAddr) IPAddr {
	return IPAddr{a[0] & m[0], a[1] & m[1], a[2] & m[2], a[3] & m[3]}
}

// ParseIP parses a dotted-quad IPv4 address.
func ParseIP(s string) (IPAddr, error) {
	ip := net.ParseIP(s).To4()
	if ip == nil {
		return IPAddr{}, fmt.Errorf("invalid ipv4 address %q", s)
	}
	return IPAddr(ip), nil
}

// MustParseIP is ParseIP for constants.
func MustParseIP(s string) IPAddr {
	ip, err := ParseIP(s)
	if err != nil {
		panic(err)
	}
	return ip
}

func ipFromNet(ip net.IP) (IPAddr, bool) {
	ip4 := ip.To4()
	if ip4 == nil {
		return IPAddr{}, false
	}
	return IPAddr(ip4), true
}

func (m MAC) String() string { return net.HardwareAddr(m[:]).String() }

////////////////////////////////////////////////////////////////////////////////
// Errors.
////////////////////////////////////////////////////////////////////////////////

var (
	ErrOutOfMemory      = errors.New("netstack: out of memory")
	ErrNoXmitBuffers    = errors.New("netstack: no transmit buffers")
	ErrArpPending       = errors.New("netstack: arp resolution pending")
	ErrNoRoute          = errors.New("netstack: no route to host")
	ErrTimeout          = errors.New("netstack: timeout")
	ErrChecksum         = errors.New("netstack: checksum error")
	ErrBadState         = errors.New("netstack: bad socket state")
	ErrPortInUse        = errors.New("netstack: port in use")
	ErrPeerReset        = errors.New("netstack: connection reset by peer")
	ErrRefused          = errors.New("netstack: connection refused")
	ErrRetriesExhausted = errors.New("netstack: retries exhausted")
	ErrNoSockets        = errors.New("netstack: no free sockets")
	ErrNoSlots          = errors.New("netstack: no free slots")
	ErrTooBig           = errors.New("netstack: payload too big")
	ErrNameTooLong      = errors.New("netstack: name too long")
	ErrDNSBusy          = errors.New("netstack: dns query already pending")
	ErrNameNotFound     = errors.New("netstack: name not found")
	ErrDNSServer        = errors.New("netstack: dns server failure")
	ErrClosed           = errors.New("netstack: stack closed")
)
