package netstack

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/miekg/dns"
)

var testNS2 = MustParseIP("10.0.0.54")

// query returns the DNS query carried by p and the nameserver it was sent
// to.
func query(tb testing.TB, p gopacket.Packet) (*dns.Msg, IPAddr) {
	tb.Helper()
	udp, ok := p.Layer(layers.LayerTypeUDP).(*layers.UDP)
	if !ok {
		tb.Fatalf("not a udp frame: %v", p)
	}
	if udp.DstPort != dnsServerPort {
		tb.Fatalf("query to port %d", udp.DstPort)
	}
	ip := p.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	m := new(dns.Msg)
	if err := m.Unpack(udp.Payload); err != nil {
		tb.Fatalf("unpack query: %v", err)
	}
	return m, IPAddr(ip.DstIP.To4())
}

// answer builds the server's reply to q carrying rrs in zone-file form.
func answer(tb testing.TB, h *harness, from IPAddr, q *dns.Msg, rcode int, rrs ...string) []byte {
	tb.Helper()
	m := new(dns.Msg)
	m.SetRcode(q, rcode)
	for _, s := range rrs {
		rr, err := dns.NewRR(s)
		if err != nil {
			tb.Fatalf("rr %q: %v", s, err)
		}
		m.Answer = append(m.Answer, rr)
	}
	wire, err := m.Pack()
	if err != nil {
		tb.Fatalf("pack answer: %v", err)
	}
	return udpFrame(tb, from, dnsServerPort, testStackIP, h.st.lim.DNSHandlerPort, wire)
}

func newDNSHarness(tb testing.TB, configure func(*Config)) *harness {
	h := newHarness(tb, configure)
	h.learn(testNS, MAC{0x02, 0, 0, 0, 0, 0x53})
	h.learn(testNS2, MAC{0x02, 0, 0, 0, 0, 0x54})
	return h
}

func TestDNSCacheHitSendsNothing(t *testing.T) {
	h := newDNSHarness(t, nil)
	want := MustParseIP("93.184.216.34")
	h.st.AddDNSCache("Example.COM.", want)

	ip, st, err := h.st.Resolve("example.com", true)
	if err != nil || st != DNSCached || ip != want {
		t.Fatalf("resolve = %s %s %v", ip, st, err)
	}
	h.expectSilence()
	if got := h.st.Stats().DNS.CacheHits; got != 1 {
		t.Fatalf("cache hits = %d", got)
	}

	ip, st, err = h.st.Resolve("192.0.2.7", true)
	if err != nil || st != DNSCached || ip != MustParseIP("192.0.2.7") {
		t.Fatalf("numeric resolve = %s %s %v", ip, st, err)
	}
	h.expectSilence()
}

func TestDNSQueryAndAnswer(t *testing.T) {
	h := newDNSHarness(t, nil)

	if _, st, err := h.st.Resolve("www.example.com", false); err != nil || st != DNSNotCached {
		t.Fatalf("lookup without send = %s %v", st, err)
	}
	h.expectSilence()

	if _, st, err := h.st.Resolve("www.example.com", true); err != nil || st != DNSPending {
		t.Fatalf("resolve = %s %v", st, err)
	}
	q, server := query(t, h.next())
	if server != testNS {
		t.Fatalf("query sent to %s", server)
	}
	if len(q.Question) != 1 || q.Question[0].Name != "www.example.com." || q.Question[0].Qtype != dns.TypeA {
		t.Fatalf("question = %v", q.Question)
	}
	if !h.st.IsQueryPending() {
		t.Fatalf("query not pending")
	}

	if _, st, _ := h.st.Resolve("www.example.com", true); st != DNSPending {
		t.Fatalf("same name while pending = %s", st)
	}
	if _, st, err := h.st.Resolve("other.example.com", true); st != DNSBusy || !errors.Is(err, ErrDNSBusy) {
		t.Fatalf("other name while pending = %s %v", st, err)
	}

	// A reply with the wrong ID is ignored.
	stale := q.Copy()
	stale.Id++
	h.inject(answer(t, h, testNS, stale, dns.RcodeSuccess, "www.example.com. 60 IN A 10.9.8.7"))
	if !h.st.IsQueryPending() {
		t.Fatalf("stale reply completed the query")
	}

	h.inject(answer(t, h, testNS, q, dns.RcodeSuccess, "www.example.com. 60 IN A 10.9.8.7"))
	if h.st.IsQueryPending() {
		t.Fatalf("query still pending after answer")
	}
	ip, st, err := h.st.Resolve("WWW.example.com", false)
	if err != nil || st != DNSCached || ip != MustParseIP("10.9.8.7") {
		t.Fatalf("resolve after answer = %s %s %v", ip, st, err)
	}

	stats := h.st.Stats().DNS
	if stats.Queries != 1 || stats.Responses != 1 {
		t.Fatalf("dns stats = %+v", stats)
	}
}

func TestDNSNameTooLong(t *testing.T) {
	h := newDNSHarness(t, nil)
	name := strings.Repeat("a", h.st.lim.DNSMaxNameLen+1)
	if _, _, err := h.st.Resolve(name, true); !errors.Is(err, ErrNameTooLong) {
		t.Fatalf("resolve long name: %v", err)
	}
	h.expectSilence()
}

func TestDNSRetriesAlternateServersThenTimeout(t *testing.T) {
	h := newDNSHarness(t, func(c *Config) { c.Nameserver2 = testNS2 })

	h.st.Resolve("slow.example.com", true)
	if _, server := query(t, h.next()); server != testNS {
		t.Fatalf("first query to %s", server)
	}

	interval := h.st.dns.retryInitial
	h.advance(interval - 1)
	h.expectSilence()
	h.advance(1)
	if _, server := query(t, h.next()); server != testNS2 {
		t.Fatalf("second query to %s", server)
	}

	h.advance(2 * interval)
	if _, server := query(t, h.next()); server != testNS {
		t.Fatalf("third query to %s", server)
	}

	h.advance(h.st.tk.dnsTimeout)
	h.expectSilence()
	if h.st.IsQueryPending() {
		t.Fatalf("query still pending after timeout")
	}
	_, st, err := h.st.Resolve("slow.example.com", false)
	if st != DNSNotCached || !errors.Is(err, ErrTimeout) {
		t.Fatalf("resolve after timeout = %s %v", st, err)
	}

	stats := h.st.Stats().DNS
	if stats.Retries != 2 || stats.Timeouts != 1 {
		t.Fatalf("dns stats = %+v", stats)
	}
}

func TestDNSNameError(t *testing.T) {
	h := newDNSHarness(t, nil)
	h.st.Resolve("missing.example.com", true)
	q, _ := query(t, h.next())
	h.inject(answer(t, h, testNS, q, dns.RcodeNameError))

	if _, _, err := h.st.Resolve("missing.example.com", false); !errors.Is(err, ErrNameNotFound) {
		t.Fatalf("resolve after nxdomain: %v", err)
	}

	h.st.Resolve("broken.example.com", true)
	q, _ = query(t, h.next())
	h.inject(answer(t, h, testNS, q, dns.RcodeServerFailure))
	if _, _, err := h.st.Resolve("broken.example.com", false); !errors.Is(err, ErrDNSServer) {
		t.Fatalf("resolve after servfail: %v", err)
	}
	if got := h.st.Stats().DNS.Errors; got != 2 {
		t.Fatalf("errors = %d", got)
	}
}

func TestDNSFollowsCNAME(t *testing.T) {
	h := newDNSHarness(t, nil)

	// Alias and address in one reply.
	h.st.Resolve("www.example.com", true)
	q, _ := query(t, h.next())
	h.inject(answer(t, h, testNS, q, dns.RcodeSuccess,
		"www.example.com. 60 IN CNAME edge.example.net.",
		"edge.example.net. 60 IN A 10.1.1.1"))
	h.expectSilence()
	if ip, st, _ := h.st.Resolve("www.example.com", false); st != DNSCached || ip != MustParseIP("10.1.1.1") {
		t.Fatalf("alias in one reply = %s %s", ip, st)
	}

	// Alias only: the target is queried next.
	h.st.Resolve("api.example.com", true)
	q, _ = query(t, h.next())
	h.inject(answer(t, h, testNS, q, dns.RcodeSuccess, "api.example.com. 60 IN CNAME api.example.org."))
	q2, _ := query(t, h.next())
	if q2.Question[0].Name != "api.example.org." {
		t.Fatalf("follow-up question = %s", q2.Question[0].Name)
	}
	h.inject(answer(t, h, testNS, q2, dns.RcodeSuccess, "api.example.org. 60 IN A 10.2.2.2"))
	if ip, st, _ := h.st.Resolve("api.example.com", false); st != DNSCached || ip != MustParseIP("10.2.2.2") {
		t.Fatalf("alias chase = %s %s", ip, st)
	}
}

func TestDNSQualifiesShortNames(t *testing.T) {
	h := newDNSHarness(t, func(c *Config) { c.Domain = "Corp.Example." })

	h.st.Resolve("intranet", true)
	q, _ := query(t, h.next())
	if q.Question[0].Name != "intranet.corp.example." {
		t.Fatalf("question = %s", q.Question[0].Name)
	}
	h.inject(answer(t, h, testNS, q, dns.RcodeSuccess, "intranet.corp.example. 60 IN A 10.3.3.3"))
	if ip, st, _ := h.st.Resolve("intranet", false); st != DNSCached || ip != MustParseIP("10.3.3.3") {
		t.Fatalf("short name = %s %s", ip, st)
	}
}

func TestDNSHostsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hosts")
	hosts := "# local names\n10.1.2.3 alpha alpha.lan\nbeta 10.1.2.4\n\nnonsense\n"
	if err := os.WriteFile(path, []byte(hosts), 0o644); err != nil {
		t.Fatal(err)
	}
	h := newDNSHarness(t, func(c *Config) { c.HostsFile = path })

	h.st.AddDNSCache("alpha", MustParseIP("10.9.9.9"))
	for name, want := range map[string]string{
		"alpha":     "10.1.2.3",
		"ALPHA.lan": "10.1.2.3",
		"beta.":     "10.1.2.4",
	} {
		ip, st, err := h.st.Resolve(name, true)
		if err != nil || st != DNSCached || ip != MustParseIP(want) {
			t.Fatalf("resolve %s = %s %s %v", name, ip, st, err)
		}
	}
	h.expectSilence()
}

func TestParseHosts(t *testing.T) {
	got, err := parseHosts(strings.NewReader("127.0.0.1 localhost LocalHost.localdomain # loop\nrouter 192.168.1.1\n::1 ip6-localhost\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := map[string]IPAddr{
		"localhost":             MustParseIP("127.0.0.1"),
		"localhost.localdomain": MustParseIP("127.0.0.1"),
		"router":                MustParseIP("192.168.1.1"),
	}
	if len(got) != len(want) {
		t.Fatalf("hosts = %v", got)
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("hosts[%s] = %s, want %s", k, got[k], v)
		}
	}
}

func TestDNSResolveWait(t *testing.T) {
	h := newDNSHarness(t, nil)

	h.onYield = func() {
		for _, f := range h.sent() {
			q, _ := query(t, decode(t, f))
			h.ch.Inject(answer(t, h, testNS, q, dns.RcodeSuccess,
				q.Question[0].Name+" 60 IN A 10.4.4.4"))
		}
	}
	ip, err := h.st.ResolveWait(context.Background(), "db.example.com")
	if err != nil || ip != MustParseIP("10.4.4.4") {
		t.Fatalf("resolve wait = %s %v", ip, err)
	}

	h.onYield = func() { h.sent() }
	if _, err := h.st.ResolveWait(context.Background(), "void.example.com"); !errors.Is(err, ErrTimeout) {
		t.Fatalf("unanswered resolve wait: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := h.st.ResolveWait(ctx, "late.example.com"); !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled resolve wait: %v", err)
	}
}
