package netstack

import (
	"encoding/binary"

	"github.com/tinyrange/mtcp/internal/link"
	"github.com/tinyrange/mtcp/internal/trace"
)

////////////////////////////////////////////////////////////////////////////////
// ARP: resolution, pending requests and the cache.
////////////////////////////////////////////////////////////////////////////////

const (
	arpOpRequest = 1
	arpOpReply   = 2
)

// ARPEntry is one cache line.
type ARPEntry struct {
	IP      IPAddr
	MAC     MAC
	Updated uint32
}

type arpPending struct {
	ip       IPAddr
	start    uint32
	attempts int // -1 marks a free slot
}

type arpTable struct {
	entries []ARPEntry
	pending []arpPending

	// Pre-built frames, cloned per send.
	request [ethernetHeaderLen + arpPacketLen]byte
	reply   [ethernetHeaderLen + arpPacketLen]byte
}

func (s *Stack) initARP() {
	a := &s.arp
	a.entries = make([]ARPEntry, 0, s.lim.ArpMaxEntries)
	a.pending = make([]arpPending, s.lim.ArpMaxPending)
	for i := range a.pending {
		a.pending[i].attempts = -1
	}
	buildARPTemplate(a.request[:], BroadcastMAC, s.mac, s.cfg.IP, arpOpRequest)
	buildARPTemplate(a.reply[:], BroadcastMAC, s.mac, s.cfg.IP, arpOpReply)
}

func buildARPTemplate(frame []byte, dst, src MAC, ip IPAddr, op uint16) {
	buildEthernetHeaderInto(frame, dst, src, etherTypeARP)
	p := frame[ethernetHeaderLen:]
	binary.BigEndian.PutUint16(p[0:2], 1) // Ethernet
	binary.BigEndian.PutUint16(p[2:4], uint16(etherTypeIPv4))
	p[4] = 6
	p[5] = 4
	binary.BigEndian.PutUint16(p[6:8], op)
	copy(p[8:14], src[:])
	copy(p[14:18], ip[:])
}

// ResolveARP returns the hardware address for ip, or ErrArpPending after
// queueing a request. Callers retry on a later PollOnce.
func (s *Stack) ResolveARP(ip IPAddr) (MAC, error) {
	for _, e := range s.arp.entries {
		if e.IP == ip {
			return e.MAC, nil
		}
	}
	s.sendARPRequest(ip)
	return MAC{}, ErrArpPending
}

func (s *Stack) sendARPRequest(ip IPAddr) {
	free := -1
	for i, p := range s.arp.pending {
		if p.attempts >= 0 && p.ip == ip {
			return
		}
		if p.attempts < 0 && free < 0 {
			free = i
		}
	}
	if free < 0 {
		s.stats.ARP.PendingFull++
		s.tr.Printf(trace.Warning, "arp: pending table full, dropping request for %s", ip)
		return
	}
	s.arp.pending[free] = arpPending{ip: ip, start: s.clock.Now(), attempts: 0}
	s.transmitARPRequest(ip)
}

func (s *Stack) transmitARPRequest(ip IPAddr) {
	frame := s.arp.request
	p := frame[ethernetHeaderLen:]
	clear(p[18:24])
	copy(p[24:28], ip[:])
	s.tr.Printf(trace.ARP, "arp: who-has %s", ip)
	if err := s.iface.Send(frame[:]); err != nil {
		return
	}
	s.stats.ARP.RequestsSent++
}

// driveARP retransmits overdue requests and gives up after ArpRetries.
// A slot waiting on its reply is not counted as another attempt until its
// timeout elapses.
func (s *Stack) driveARP() {
	now := s.clock.Now()
	for i := range s.arp.pending {
		p := &s.arp.pending[i]
		if p.attempts < 0 || now-p.start < s.tk.arpTimeout {
			continue
		}
		p.attempts++
		if p.attempts >= s.lim.ArpRetries {
			s.tr.Printf(trace.ARP, "arp: giving up on %s", p.ip)
			s.stats.ARP.Failures++
			p.attempts = -1
			continue
		}
		p.start = now
		s.transmitARPRequest(p.ip)
	}
}

// arpUpdate adds or refreshes a mapping. When the table is full the entry
// with the oldest Updated tick is replaced.
func (s *Stack) arpUpdate(ip IPAddr, mac MAC) {
	now := s.clock.Now()
	a := &s.arp
	for i := range a.entries {
		if a.entries[i].IP == ip {
			a.entries[i].MAC = mac
			a.entries[i].Updated = now
			s.stats.ARP.CacheUpdates++
			return
		}
	}
	if len(a.entries) < cap(a.entries) {
		a.entries = append(a.entries, ARPEntry{IP: ip, MAC: mac, Updated: now})
		s.stats.ARP.CacheUpdates++
		return
	}
	oldest := 0
	for i := range a.entries {
		if now-a.entries[i].Updated > now-a.entries[oldest].Updated {
			oldest = i
		}
	}
	s.tr.Printf(trace.ARP, "arp: evicting %s for %s", a.entries[oldest].IP, ip)
	a.entries[oldest] = ARPEntry{IP: ip, MAC: mac, Updated: now}
	s.stats.ARP.CacheEvictions++
	s.stats.ARP.CacheUpdates++
}

func (s *Stack) arpRefresh(ip IPAddr, mac MAC) bool {
	for i := range s.arp.entries {
		if s.arp.entries[i].IP == ip {
			s.arp.entries[i].MAC = mac
			s.arp.entries[i].Updated = s.clock.Now()
			return true
		}
	}
	return false
}

func (s *Stack) handleARP(b *link.Buffer) {
	defer b.Free()

	frame := b.Bytes()
	if len(frame) < ethernetHeaderLen+arpPacketLen {
		s.stats.ARP.Malformed++
		return
	}
	p := frame[ethernetHeaderLen:]
	if binary.BigEndian.Uint16(p[0:2]) != 1 ||
		binary.BigEndian.Uint16(p[2:4]) != uint16(etherTypeIPv4) ||
		p[4] != 6 || p[5] != 4 {
		s.stats.ARP.Malformed++
		return
	}
	op := binary.BigEndian.Uint16(p[6:8])
	sha := MAC(p[8:14])
	spa := IPAddr(p[14:18])
	tpa := IPAddr(p[24:28])

	switch op {
	case arpOpRequest:
		s.stats.ARP.RequestsReceived++
		if tpa != s.cfg.IP || spa == s.cfg.IP {
			return
		}
		s.tr.Printf(trace.ARP, "arp: request from %s (%s)", spa, sha)
		s.arpUpdate(spa, sha)
		s.sendARPReply(sha, spa)

	case arpOpReply:
		s.stats.ARP.RepliesReceived++
		s.tr.Printf(trace.ARP, "arp: %s is-at %s", spa, sha)
		selfEcho := spa == s.cfg.IP && sha == s.mac
		if selfEcho {
			return
		}
		for i := range s.arp.pending {
			pe := &s.arp.pending[i]
			if pe.attempts >= 0 && pe.ip == spa {
				s.arpUpdate(spa, sha)
				pe.attempts = -1
				return
			}
		}
		if s.arpRefresh(spa, sha) {
			s.stats.ARP.CacheUpdates++
		}

	default:
		s.stats.ARP.Malformed++
	}
}

func (s *Stack) sendARPReply(dst MAC, ip IPAddr) {
	frame := s.arp.reply
	copy(frame[0:6], dst[:])
	p := frame[ethernetHeaderLen:]
	copy(p[18:24], dst[:])
	copy(p[24:28], ip[:])
	if err := s.iface.Send(frame[:]); err != nil {
		return
	}
	s.stats.ARP.RepliesSent++
}

// ARPEntries returns a copy of the cache.
func (s *Stack) ARPEntries() []ARPEntry {
	return append([]ARPEntry(nil), s.arp.entries...)
}
