package netstack

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/tinyrange/mtcp/internal/tick"
	"github.com/tinyrange/mtcp/internal/trace"
)

////////////////////////////////////////////////////////////////////////////////
// DNS resolver: one outstanding A query, a small cache and a hosts file.
////////////////////////////////////////////////////////////////////////////////

const (
	dnsServerPort = 53

	dnsRetryInitial = time.Second
	dnsRetryMax     = 4 * time.Second

	// maxCNAMEDepth bounds how many aliases one resolution follows.
	maxCNAMEDepth = 4
)

// DNSStatus is the outcome of Resolve.
type DNSStatus uint8

const (
	DNSCached DNSStatus = iota
	DNSPending
	DNSBusy
	DNSNotCached
)

func (st DNSStatus) String() string {
	switch st {
	case DNSCached:
		return "cached"
	case DNSPending:
		return "pending"
	case DNSBusy:
		return "busy"
	case DNSNotCached:
		return "not-cached"
	}
	return fmt.Sprintf("DNSStatus(%d)", uint8(st))
}

// DNSEntry is one cached answer.
type DNSEntry struct {
	Name    string
	IP      IPAddr
	Updated uint32
}

type dnsQuery struct {
	active   bool
	sent     bool
	id       uint16
	orig     string // name as the caller asked for it, qualified
	name     string // name on the wire; differs from orig after a CNAME
	depth    int
	server   int
	start    uint32
	lastSent uint32
	interval uint32
}

type resolver struct {
	hosts map[string]IPAddr
	cache []DNSEntry
	q     dnsQuery

	lastName string
	lastErr  error

	retryInitial uint32
	retryMax     uint32
}

func (s *Stack) initDNS() error {
	r := &resolver{
		hosts:        map[string]IPAddr{},
		cache:        make([]DNSEntry, 0, s.lim.DNSCacheEntries),
		retryInitial: tick.FromDuration(dnsRetryInitial),
		retryMax:     tick.FromDuration(dnsRetryMax),
	}
	s.dns = r
	if s.cfg.HostsFile != "" {
		f, err := os.Open(s.cfg.HostsFile)
		if err != nil {
			s.log.Warn("dns: hosts file", "path", s.cfg.HostsFile, "err", err)
		} else {
			r.hosts, err = parseHosts(f)
			f.Close()
			if err != nil {
				s.log.Warn("dns: hosts file", "path", s.cfg.HostsFile, "err", err)
			}
		}
	}
	return s.RegisterUDP(s.lim.DNSHandlerPort, s.handleDNS)
}

// parseHosts reads "address name..." or "name address" lines. Blank lines and
// '#' comments are skipped.
func parseHosts(rd io.Reader) (map[string]IPAddr, error) {
	hosts := map[string]IPAddr{}
	sc := bufio.NewScanner(rd)
	for sc.Scan() {
		line := sc.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		if ip, err := ParseIP(fields[0]); err == nil {
			for _, name := range fields[1:] {
				hosts[canonicalName(name)] = ip
			}
			continue
		}
		if ip, err := ParseIP(fields[1]); err == nil {
			hosts[canonicalName(fields[0])] = ip
		}
	}
	return hosts, sc.Err()
}

func canonicalName(name string) string {
	return strings.TrimSuffix(strings.ToLower(name), ".")
}

// Resolve looks name up without blocking. With send set, a miss starts a
// query; poll IsQueryPending and call Resolve again for the answer.
func (s *Stack) Resolve(name string, send bool) (IPAddr, DNSStatus, error) {
	r := s.dns
	if len(name) > s.lim.DNSMaxNameLen {
		return IPAddr{}, DNSNotCached, ErrNameTooLong
	}
	if ip, err := ParseIP(name); err == nil {
		return ip, DNSCached, nil
	}
	name = canonicalName(name)
	if ip, ok := r.hosts[name]; ok {
		return ip, DNSCached, nil
	}
	qualified := name
	if !strings.Contains(name, ".") && s.cfg.Domain != "" {
		qualified = name + "." + canonicalName(s.cfg.Domain)
		if len(qualified) > s.lim.DNSMaxNameLen {
			return IPAddr{}, DNSNotCached, ErrNameTooLong
		}
		if ip, ok := r.hosts[qualified]; ok {
			return ip, DNSCached, nil
		}
	}
	for _, e := range r.cache {
		if e.Name == name || e.Name == qualified {
			s.stats.DNS.CacheHits++
			return e.IP, DNSCached, nil
		}
	}

	if r.q.active {
		if r.q.orig == qualified {
			return IPAddr{}, DNSPending, nil
		}
		return IPAddr{}, DNSBusy, ErrDNSBusy
	}
	if !send {
		if r.lastName == qualified {
			return IPAddr{}, DNSNotCached, r.lastErr
		}
		return IPAddr{}, DNSNotCached, nil
	}
	if s.cfg.Nameserver.IsZero() {
		return IPAddr{}, DNSNotCached, fmt.Errorf("%w: no nameserver configured", ErrDNSServer)
	}

	now := s.clock.Now()
	r.q = dnsQuery{
		active:   true,
		orig:     qualified,
		name:     qualified,
		start:    now,
		interval: r.retryInitial,
	}
	r.lastName, r.lastErr = "", nil
	s.stats.DNS.Queries++
	s.sendDNSQuery(now)
	return IPAddr{}, DNSPending, nil
}

// ResolveWait resolves name, spinning the stack until the answer arrives or
// the DNS timeout passes.
func (s *Stack) ResolveWait(ctx context.Context, name string) (IPAddr, error) {
	ip, st, err := s.Resolve(name, true)
	switch {
	case err != nil:
		return IPAddr{}, err
	case st == DNSCached:
		return ip, nil
	}
	deadline := s.clock.Now() + s.tk.dnsTimeout + 1
	if err := s.spin(ctx, deadline, func() bool { return !s.dns.q.active }); err != nil {
		return IPAddr{}, err
	}
	ip, st, err = s.Resolve(name, false)
	if err != nil {
		return IPAddr{}, err
	}
	if st != DNSCached {
		return IPAddr{}, ErrNameNotFound
	}
	return ip, nil
}

// IsQueryPending reports whether a query is outstanding.
func (s *Stack) IsQueryPending() bool { return s.dns.q.active }

// AddDNSCache inserts or refreshes a cache entry.
func (s *Stack) AddDNSCache(name string, ip IPAddr) {
	r := s.dns
	name = canonicalName(name)
	now := s.clock.Now()
	for i := range r.cache {
		if r.cache[i].Name == name {
			r.cache[i].IP = ip
			r.cache[i].Updated = now
			return
		}
	}
	if len(r.cache) < s.lim.DNSCacheEntries {
		r.cache = append(r.cache, DNSEntry{Name: name, IP: ip, Updated: now})
		return
	}
	oldest := 0
	for i := range r.cache {
		if now-r.cache[i].Updated > now-r.cache[oldest].Updated {
			oldest = i
		}
	}
	r.cache[oldest] = DNSEntry{Name: name, IP: ip, Updated: now}
}

// DNSCache returns a copy of the cache.
func (s *Stack) DNSCache() []DNSEntry {
	return append([]DNSEntry(nil), s.dns.cache...)
}

func (s *Stack) nameserver(i int) IPAddr {
	if i == 1 && !s.cfg.Nameserver2.IsZero() {
		return s.cfg.Nameserver2
	}
	return s.cfg.Nameserver
}

func (s *Stack) sendDNSQuery(now uint32) {
	q := &s.dns.q
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(q.name), dns.TypeA)
	m.Id = dns.Id()
	q.id = m.Id
	wire, err := m.Pack()
	if err != nil {
		s.finishDNS(fmt.Errorf("%w: %v", ErrNameTooLong, err))
		return
	}
	server := s.nameserver(q.server)
	err = s.SendUDP(server, s.lim.DNSHandlerPort, dnsServerPort, wire)
	q.lastSent = now
	if err != nil {
		q.sent = false
		s.tr.Printf(trace.DNS, "dns: query %s to %s: %v", q.name, server, err)
		return
	}
	q.sent = true
	s.tr.Printf(trace.DNS, "dns: query %s id %d to %s", q.name, q.id, server)
}

// driveDNS retries an unanswered query with a doubling interval, alternating
// nameservers, until the DNS timeout passes.
func (s *Stack) driveDNS() {
	r := s.dns
	q := &r.q
	if !q.active {
		return
	}
	now := s.clock.Now()
	if now-q.start >= s.tk.dnsTimeout {
		s.stats.DNS.Timeouts++
		s.finishDNS(ErrTimeout)
		return
	}
	if !q.sent {
		s.sendDNSQuery(now)
		return
	}
	if now-q.lastSent < q.interval {
		return
	}
	s.stats.DNS.Retries++
	if !s.cfg.Nameserver2.IsZero() {
		q.server ^= 1
	}
	q.interval *= 2
	if q.interval > r.retryMax {
		q.interval = r.retryMax
	}
	s.sendDNSQuery(now)
}

func (s *Stack) finishDNS(err error) {
	r := s.dns
	if err != nil {
		s.stats.DNS.Errors++
		s.tr.Printf(trace.DNS, "dns: %s: %v", r.q.orig, err)
	}
	r.lastName, r.lastErr = r.q.orig, err
	r.q = dnsQuery{}
}

func (s *Stack) handleDNS(d UDPDatagram) {
	r := s.dns
	q := &r.q
	if !q.active || d.SrcPort != dnsServerPort {
		return
	}
	if d.Src != s.cfg.Nameserver && d.Src != s.cfg.Nameserver2 {
		return
	}
	m := new(dns.Msg)
	if err := m.Unpack(d.Payload); err != nil {
		s.tr.Printf(trace.DNS, "dns: bad response from %s: %v", d.Src, err)
		return
	}
	if !m.Response || m.Id != q.id {
		return
	}
	s.stats.DNS.Responses++

	switch m.Rcode {
	case dns.RcodeSuccess:
	case dns.RcodeNameError:
		s.finishDNS(ErrNameNotFound)
		return
	default:
		s.finishDNS(fmt.Errorf("%w: %s", ErrDNSServer, dns.RcodeToString[m.Rcode]))
		return
	}

	target := dns.Fqdn(q.name)
	for range len(m.Answer) + 1 {
		next := ""
		for _, rr := range m.Answer {
			if !strings.EqualFold(rr.Header().Name, target) {
				continue
			}
			switch rr := rr.(type) {
			case *dns.A:
				ip, ok := ipFromNet(rr.A)
				if !ok {
					continue
				}
				s.AddDNSCache(q.orig, ip)
				s.tr.Printf(trace.DNS, "dns: %s is %s", q.orig, ip)
				s.finishDNS(nil)
				return
			case *dns.CNAME:
				next = rr.Target
			}
		}
		if next == "" {
			break
		}
		target = next
	}

	if target == dns.Fqdn(q.name) {
		s.finishDNS(ErrNameNotFound)
		return
	}
	q.depth++
	if q.depth > maxCNAMEDepth {
		s.finishDNS(fmt.Errorf("%w: alias chain too long", ErrDNSServer))
		return
	}
	q.name = canonicalName(target)
	q.server = 0
	q.interval = r.retryInitial
	s.tr.Printf(trace.DNS, "dns: %s is an alias for %s", q.orig, q.name)
	s.sendDNSQuery(s.clock.Now())
}
