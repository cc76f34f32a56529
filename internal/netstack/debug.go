package netstack

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// debugStatusTimeout bounds how long a handler waits for PollOnce to pick
// up its request.
const debugStatusTimeout = 2 * time.Second

// Status is the /status snapshot.
type Status struct {
	IP        string       `json:"ip"`
	Netmask   string       `json:"netmask"`
	Gateway   string       `json:"gateway"`
	MAC       string       `json:"mac"`
	MTU       int          `json:"mtu"`
	Ticks     uint32       `json:"ticks"`
	XmitFree  int          `json:"xmit_free"`
	Fragments int          `json:"fragments_in_reassembly"`
	ARP       []ARPInfo    `json:"arp"`
	DNS       []DNSInfo    `json:"dns_cache"`
	DNSQuery  string       `json:"dns_query,omitempty"`
	Sockets   []SocketInfo `json:"sockets"`
	Stats     Stats        `json:"stats"`
}

type ARPInfo struct {
	IP  string `json:"ip"`
	MAC string `json:"mac"`
	Age uint32 `json:"age_ticks"`
}

type DNSInfo struct {
	Name string `json:"name"`
	IP   string `json:"ip"`
	Age  uint32 `json:"age_ticks"`
}

func (s *Stack) status() Status {
	now := s.clock.Now()
	st := Status{
		IP:       s.cfg.IP.String(),
		Netmask:  s.cfg.Netmask.String(),
		Gateway:  s.cfg.Gateway.String(),
		MAC:      s.mac.String(),
		MTU:      s.cfg.MTU,
		Ticks:    now,
		XmitFree: s.XmitBuffersFree(),
		Sockets:  s.Sockets(),
		Stats:    s.Stats(),
	}
	if s.frags != nil {
		st.Fragments = s.frags.InReassembly()
	}
	for _, e := range s.arp.entries {
		st.ARP = append(st.ARP, ARPInfo{IP: e.IP.String(), MAC: e.MAC.String(), Age: now - e.Updated})
	}
	for _, e := range s.dns.cache {
		st.DNS = append(st.DNS, DNSInfo{Name: e.Name, IP: e.IP.String(), Age: now - e.Updated})
	}
	if s.dns.q.active {
		st.DNSQuery = s.dns.q.name
	}
	return st
}

// serveDebug answers at most one pending status request. It runs from
// PollOnce so handlers never touch stack state directly.
func (s *Stack) serveDebug() {
	select {
	case reply := <-s.debugReqs:
		reply <- s.status()
	default:
	}
}

// requestStatus asks the polling goroutine for a snapshot.
func (s *Stack) requestStatus(done <-chan struct{}) (Status, bool) {
	reply := make(chan Status, 1)
	timer := time.NewTimer(debugStatusTimeout)
	defer timer.Stop()
	select {
	case s.debugReqs <- reply:
	case <-done:
		return Status{}, false
	case <-timer.C:
		return Status{}, false
	}
	select {
	case st := <-reply:
		return st, true
	case <-done:
		return Status{}, false
	case <-timer.C:
		return Status{}, false
	}
}

// EnableDebugHTTP serves /status and /metrics on addr. The snapshots are
// taken by PollOnce, so they only answer while the stack is being polled.
func (s *Stack) EnableDebugHTTP(addr string) error {
	if addr == "" {
		return nil
	}

	s.debugMu.Lock()
	defer s.debugMu.Unlock()

	if s.debugSrv != nil {
		return fmt.Errorf("debug http already enabled at %s", s.debugAddr)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen debug http: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		newStatsCollector(func() (Stats, bool) {
			st, ok := s.requestStatus(nil)
			return st.Stats, ok
		}),
		collectors.NewGoCollector(),
	)

	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleDebugStatus)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.debugSrv = srv
	s.debugListener = ln
	s.debugAddr = ln.Addr().String()

	s.debugWG.Add(1)
	go func() {
		defer s.debugWG.Done()
		if err := srv.Serve(ln); err != nil &&
			!errors.Is(err, http.ErrServerClosed) &&
			!errors.Is(err, net.ErrClosed) {
			s.log.Warn("netstack: debug http serve", "err", err)
		}
	}()

	s.log.Info("netstack debug http listening", "addr", s.debugAddr)
	return nil
}

// DebugHTTPAddr returns the bound debug address, or "" when disabled.
func (s *Stack) DebugHTTPAddr() string {
	s.debugMu.Lock()
	defer s.debugMu.Unlock()
	return s.debugAddr
}

func (s *Stack) handleDebugStatus(w http.ResponseWriter, r *http.Request) {
	st, ok := s.requestStatus(r.Context().Done())
	if !ok {
		http.Error(w, "stack is not polling", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(st); err != nil {
		s.log.Warn("netstack: debug status encode", "err", err)
	}
}

func (s *Stack) closeDebug() error {
	s.debugMu.Lock()
	srv := s.debugSrv
	s.debugSrv = nil
	s.debugListener = nil
	s.debugAddr = ""
	s.debugMu.Unlock()

	if srv == nil {
		return nil
	}
	err := srv.Close()
	s.debugWG.Wait()
	return err
}
