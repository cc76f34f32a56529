package trace

import (
	"bytes"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

func TestTraceRoundTrip(t *testing.T) {
	mem := &Memory{}
	tr := New(mem, ARP|TCP, false)

	tr.Printf(ARP, "request for %s", "10.0.0.2")
	tr.Printf(UDP, "dropped")
	tr.Printf(TCP, "state %d", 4)

	r, err := NewReader(mem, mem.Len())
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}

	var seen []string
	if err := r.Each(func(rec Record) error {
		seen = append(seen, rec.Category.String()+":"+string(rec.Data))
		return nil
	}); err != nil {
		t.Fatalf("Each: %v", err)
	}

	want := []string{"arp:request for 10.0.0.2", "tcp:state 4"}
	if len(seen) != len(want) {
		t.Fatalf("records = %q, want %q", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("record %d = %q, want %q", i, seen[i], want[i])
		}
	}
}

func TestNilTracerDiscards(t *testing.T) {
	var tr *Tracer
	tr.Printf(All, "ignored")
	tr.Dump(All, []byte{1, 2, 3})
	if tr.Enabled(Warning) {
		t.Fatalf("nil tracer reports enabled")
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("close nil tracer: %v", err)
	}
}

func TestSearchByMaskAndLimit(t *testing.T) {
	mem := &Memory{}
	tr := New(mem, All, false)
	for i := 0; i < 5; i++ {
		tr.Printf(IP, "ip %d", i)
		tr.Printf(DNS, "dns %d", i)
	}

	r, err := NewReader(mem, mem.Len())
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	if got := r.Count(SearchOptions{Mask: DNS}); got != 5 {
		t.Fatalf("dns count = %d, want 5", got)
	}
	if got := r.Count(SearchOptions{Mask: IP | DNS, Limit: 3}); got != 3 {
		t.Fatalf("limited count = %d, want 3", got)
	}
	if got := r.Categories(); got != IP|DNS {
		t.Fatalf("categories = %v", got)
	}

	var first string
	err = r.Search(SearchOptions{Mask: DNS, Limit: 1}, func(rec Record) error {
		first = string(rec.Data)
		return nil
	})
	if err != nil || first != "dns 0" {
		t.Fatalf("first dns record = %q, %v", first, err)
	}

	future := time.Now().Add(time.Hour)
	if got := r.Count(SearchOptions{Start: future}); got != 0 {
		t.Fatalf("records after the future: %d", got)
	}
}

func TestDumpNeedsHexDumpBit(t *testing.T) {
	eth := &layers.Ethernet{
		SrcMAC:       []byte{0x02, 0, 0, 0, 0, 1},
		DstMAC:       []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
		EthernetType: layers.EthernetTypeARP,
	}
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   []byte{0x02, 0, 0, 0, 0, 1},
		SourceProtAddress: []byte{10, 0, 0, 1},
		DstHwAddress:      []byte{0, 0, 0, 0, 0, 0},
		DstProtAddress:    []byte{10, 0, 0, 2},
	}
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true}, eth, arp); err != nil {
		t.Fatalf("serialize: %v", err)
	}
	frame := buf.Bytes()

	mem := &Memory{}
	tr := New(mem, ARP, false)
	tr.Dump(ARP, frame)
	if mem.Len() != 0 {
		t.Fatalf("dump written without HexDump bit")
	}

	tr.SetMask(ARP | HexDump)
	tr.Dump(ARP, frame)

	r, err := NewReader(mem, mem.Len())
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	var text string
	var raw []byte
	_ = r.Each(func(rec Record) error {
		switch rec.Kind {
		case KindText:
			text = string(rec.Data)
		case KindBytes:
			raw = rec.Data
		}
		return nil
	})
	if !strings.Contains(text, "ARP") {
		t.Fatalf("dump summary missing ARP layer:\n%s", text)
	}
	if !bytes.Equal(raw, frame) {
		t.Fatalf("raw dump does not match frame")
	}
}

func TestConcurrentWriters(t *testing.T) {
	mem := &Memory{}
	tr := New(mem, All, true)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				tr.Printf(General, "g%d i%d", g, i)
			}
		}(g)
	}
	wg.Wait()

	r, err := NewReader(mem, tr.Size())
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	if got := r.Count(SearchOptions{}); got != 400 {
		t.Fatalf("count = %d, want 400", got)
	}
}

func TestTraceFile(t *testing.T) {
	name := filepath.Join(t.TempDir(), "mtcp.trc")
	tr, err := OpenFile(name, Warning, true)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	tr.Printf(Warning, "arp table full")
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, closer, err := NewReaderFromFile(name)
	if err != nil {
		t.Fatalf("NewReaderFromFile: %v", err)
	}
	defer closer.Close()
	if got := r.Count(SearchOptions{Mask: Warning}); got != 1 {
		t.Fatalf("warnings = %d, want 1", got)
	}
}

func TestParseMask(t *testing.T) {
	tests := []struct {
		in   string
		want Category
	}{
		{"all", All},
		{"", 0},
		{"arp,tcp", ARP | TCP},
		{"0x41", Warning | DNS},
		{"Warning, dump", Warning | HexDump},
	}
	for _, tt := range tests {
		got, err := ParseMask(tt.in)
		if err != nil {
			t.Fatalf("ParseMask(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("ParseMask(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
	if _, err := ParseMask("bogus"); err == nil {
		t.Fatalf("expected error for unknown category")
	}
}
