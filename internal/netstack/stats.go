package netstack

import "github.com/tinyrange/mtcp/internal/link"

// Stats is a snapshot of every protocol counter.
type Stats struct {
	Link link.Stats
	ARP  ARPStats
	IP   IPStats
	ICMP ICMPStats
	UDP  UDPStats
	TCP  TCPStats
	DNS  DNSStats
}

type ARPStats struct {
	RequestsSent     uint64
	RequestsReceived uint64
	RepliesSent      uint64
	RepliesReceived  uint64
	CacheUpdates     uint64
	CacheEvictions   uint64
	PendingFull      uint64
	Failures         uint64
	Malformed        uint64
}

type IPStats struct {
	PacketsReceived    uint64
	Malformed          uint64
	BadChecksum        uint64
	NotForUs           uint64
	UnhandledProtocol  uint64
	FragmentsReceived  uint64
	FragmentsDropped   uint64
	NotEnoughSlots     uint64
	PayloadTooBig      uint64
	TooManyFragments   uint64
	DuplicateFragments uint64
	Reassembled        uint64
	ReassemblyTimeouts uint64
}

type ICMPStats struct {
	Received         uint64
	Malformed        uint64
	ChecksumErrors   uint64
	EchoRequests     uint64
	EchoReplies      uint64
	EchoRequestsSent uint64
}

type UDPStats struct {
	Received       uint64
	Sent           uint64
	FragmentsSent  uint64
	Malformed      uint64
	ChecksumErrors uint64
	NoHandler      uint64
}

type TCPStats struct {
	Received          uint64
	Sent              uint64
	Retransmits       uint64
	BytesQueued       uint64
	BytesReceived     uint64
	SeqErrors         uint64
	AckErrors         uint64
	DuplicateSegments uint64
	DroppedNoSpace    uint64
	DroppedRingFull   uint64
	ChecksumErrors    uint64
	Malformed         uint64
	ResetsSent        uint64
	ResetsReceived    uint64
	NoSockets         uint64
	WindowUpdates     uint64
	WindowReopened    uint64
	ZeroWindowProbes  uint64

	// Filled in by Stats from the pools.
	XmitLowFree          int
	DuplicateXmitFrees   uint64
	DuplicateSocketFrees uint64
}

type DNSStats struct {
	Queries   uint64
	Retries   uint64
	Responses uint64
	CacheHits uint64
	Timeouts  uint64
	Errors    uint64
}

// Stats returns a copy of the counters.
func (s *Stack) Stats() Stats {
	st := s.stats
	st.Link = s.iface.Stats()
	st.TCP.XmitLowFree = s.xmit.lowFree
	st.TCP.DuplicateXmitFrees = s.xmit.dupFree
	st.TCP.DuplicateSocketFrees = s.sockets.dupFrees
	return st
}
