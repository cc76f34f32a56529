// Package trace is the stack's per-subsystem trace facility. Records are
// appended to a binary log with an atomically advanced offset, so any number
// of goroutines may trace at once. Each category can be switched on or off
// with a bitmask, and packets can be dumped as hex plus a decoded summary.
//
// Record layout, little endian:
//   - 2 bytes category bit
//   - 2 bytes kind (1 = text, 2 = bytes)
//   - 4 bytes data length
//   - 8 bytes timestamp (nanoseconds since epoch)
//   - data
package trace

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Category selects a subsystem.
type Category uint16

const (
	Warning Category = 1 << iota
	General
	ARP
	IP
	UDP
	TCP
	DNS
	HexDump

	All = Warning | General | ARP | IP | UDP | TCP | DNS | HexDump
)

var categoryNames = []struct {
	c    Category
	name string
}{
	{Warning, "warning"},
	{General, "general"},
	{ARP, "arp"},
	{IP, "ip"},
	{UDP, "udp"},
	{TCP, "tcp"},
	{DNS, "dns"},
	{HexDump, "dump"},
}

func (c Category) String() string {
	var parts []string
	for _, cn := range categoryNames {
		if c&cn.c != 0 {
			parts = append(parts, cn.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ",")
}

// ParseMask accepts "all", a comma separated list of category names, or a
// numeric mask such as 0x7f.
func ParseMask(s string) (Category, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" || s == "none" {
		return 0, nil
	}
	if s == "all" {
		return All, nil
	}
	if v, err := strconv.ParseUint(s, 0, 16); err == nil {
		return Category(v) & All, nil
	}
	var mask Category
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		found := false
		for _, cn := range categoryNames {
			if cn.name == part {
				mask |= cn.c
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("trace: unknown category %q", part)
		}
	}
	return mask, nil
}

// Kind is the payload type of a record.
type Kind uint16

const (
	KindInvalid Kind = iota
	KindText
	KindBytes
)

const headerLen = 16

// Writer is the destination of a trace log.
type Writer interface {
	io.WriterAt
	io.Closer
}

type syncer interface {
	Sync() error
}

// Tracer writes records for enabled categories. A nil Tracer discards
// everything.
type Tracer struct {
	w      Writer
	off    atomic.Int64
	mask   atomic.Uint32
	flush  bool
	now    func() time.Time
	failed atomic.Uint64
}

// New traces to w. When flush is set and w has a Sync method it is called
// after every record.
func New(w Writer, mask Category, flush bool) *Tracer {
	t := &Tracer{w: w, flush: flush, now: time.Now}
	t.mask.Store(uint32(mask))
	return t
}

// OpenFile truncates name and traces to it.
func OpenFile(name string, mask Category, flush bool) (*Tracer, error) {
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("trace: open %s: %w", name, err)
	}
	return New(f, mask, flush), nil
}

// Enabled reports whether records of c are kept.
func (t *Tracer) Enabled(c Category) bool {
	return t != nil && Category(t.mask.Load())&c != 0
}

// SetMask replaces the enabled categories.
func (t *Tracer) SetMask(c Category) {
	if t != nil {
		t.mask.Store(uint32(c))
	}
}

// Mask returns the enabled categories.
func (t *Tracer) Mask() Category {
	if t == nil {
		return 0
	}
	return Category(t.mask.Load())
}

// Failed returns the number of records lost to write errors.
func (t *Tracer) Failed() uint64 {
	if t == nil {
		return 0
	}
	return t.failed.Load()
}

// Printf records a formatted line under c.
func (t *Tracer) Printf(c Category, format string, args ...any) {
	if !t.Enabled(c) {
		return
	}
	t.write(c, KindText, fmt.Appendf(nil, format, args...))
}

// Dump records frame under c as a decoded summary and a hex dump. Both the
// category and HexDump must be enabled.
func (t *Tracer) Dump(c Category, frame []byte) {
	if !t.Enabled(c) || !t.Enabled(HexDump) {
		return
	}
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.NoCopy)
	var sb strings.Builder
	for _, l := range pkt.Layers() {
		sb.WriteString(gopacket.LayerString(l))
		sb.WriteByte('\n')
	}
	sb.WriteString(hex.Dump(frame))
	t.write(c, KindText, []byte(sb.String()))
	t.write(c, KindBytes, frame)
}

func (t *Tracer) write(c Category, kind Kind, data []byte) {
	size := int64(headerLen + len(data))
	off := t.off.Add(size) - size

	rec := make([]byte, size)
	binary.LittleEndian.PutUint16(rec[0:2], uint16(c))
	binary.LittleEndian.PutUint16(rec[2:4], uint16(kind))
	binary.LittleEndian.PutUint32(rec[4:8], uint32(len(data)))
	binary.LittleEndian.PutUint64(rec[8:16], uint64(t.now().UnixNano()))
	copy(rec[headerLen:], data)

	if _, err := t.w.WriteAt(rec, off); err != nil {
		t.failed.Add(1)
		return
	}
	if t.flush {
		if s, ok := t.w.(syncer); ok {
			_ = s.Sync()
		}
	}
}

// Size returns the number of bytes written so far.
func (t *Tracer) Size() int64 {
	if t == nil {
		return 0
	}
	return t.off.Load()
}

// Close closes the underlying writer.
func (t *Tracer) Close() error {
	if t == nil {
		return nil
	}
	return t.w.Close()
}

////////////////////////////////////////////////////////////////////////////////
// In-memory log.
////////////////////////////////////////////////////////////////////////////////

// Memory is a growable in-memory trace destination that can be read back.
type Memory struct {
	mu   sync.Mutex
	data []byte
}

func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	end := int(off) + len(p)
	if end > len(m.data) {
		grown := make([]byte, end)
		copy(grown, m.data)
		m.data = grown
	}
	copy(m.data[off:], p)
	return len(p), nil
}

func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *Memory) Close() error { return nil }

// Len returns the size of the log.
func (m *Memory) Len() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.data))
}
