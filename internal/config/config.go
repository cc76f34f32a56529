// Package config loads the stack's parameter bundle from disk.
//
// Three encodings are accepted, chosen by file extension:
//
//	*.yml, *.yaml   YAML mapping, keys in any case
//	*.json, *.jsonc JSON with comments and trailing commas
//	anything else   one "KEY value" pair per line, '#' starts a comment
//
// Keys the stack does not know are kept in Bundle.Extra so applications can
// share the file.
package config

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/tinyrange/mtcp/internal/link"
	"github.com/tinyrange/mtcp/internal/netstack"
)

// EnvVar names the environment variable that points at the bundle.
const EnvVar = "MTCPCFG"

// maxFileSize bounds what Load reads.
const maxFileSize = 1 << 20

var (
	ErrNoPath       = errors.New("config: " + EnvVar + " is not set")
	ErrMissingIP    = errors.New("config: IPADDR is required")
	ErrTooLarge     = errors.New("config: file too large")
	ErrInvalidValue = errors.New("config: invalid value")
)

// Bundle is a loaded configuration file.
type Bundle struct {
	Path   string
	Config netstack.Config

	// Interface is the host interface the raw socket driver binds to.
	Interface string
	// DebugHTTP is the listen address for /status and /metrics.
	DebugHTTP string
	// Trace is the trace log file, if any.
	Trace string

	// Extra holds keys the loader does not interpret, upper-cased.
	Extra map[string]string
}

// Path returns the bundle path from MTCPCFG.
func Path() (string, error) {
	p := strings.TrimSpace(os.Getenv(EnvVar))
	if p == "" {
		return "", ErrNoPath
	}
	return p, nil
}

// LoadDefault loads the bundle named by MTCPCFG.
func LoadDefault() (*Bundle, error) {
	p, err := Path()
	if err != nil {
		return nil, err
	}
	return Load(p)
}

// Load reads and parses the bundle at path.
func Load(path string) (*Bundle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if len(data) > maxFileSize {
		return nil, fmt.Errorf("%w: %s", ErrTooLarge, path)
	}

	var pairs []pair
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yml", ".yaml":
		pairs, err = parseYAML(data)
	case ".json", ".jsonc":
		pairs, err = parseJSONC(data)
	default:
		pairs, err = parseLines(bytes.NewReader(data))
	}
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}

	b, err := build(pairs)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	b.Path = path
	return b, nil
}

type pair struct {
	key   string
	value string
	line  int // 0 when the encoding has no line numbers
}

func (p pair) where() string {
	if p.line > 0 {
		return fmt.Sprintf("line %d: %s", p.line, p.key)
	}
	return p.key
}

func parseLines(r io.Reader) ([]pair, error) {
	var out []pair
	sc := bufio.NewScanner(r)
	n := 0
	for sc.Scan() {
		n++
		line := sc.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, value, _ := strings.Cut(line, " ")
		if k, v, ok := strings.Cut(line, "\t"); ok && len(k) < len(key) {
			key, value = k, v
		}
		out = append(out, pair{key: strings.ToUpper(key), value: strings.TrimSpace(value), line: n})
	}
	return out, sc.Err()
}

func parseYAML(data []byte) ([]pair, error) {
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return flatten(m)
}

func parseJSONC(data []byte) ([]pair, error) {
	var m map[string]any
	dec := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	return flatten(m)
}

// flatten turns a decoded mapping into pairs. Nested mappings join their
// keys with '_', so {tcp: {sockets: 4}} is TCP_SOCKETS.
func flatten(m map[string]any) ([]pair, error) {
	var out []pair
	var walk func(prefix string, m map[string]any) error
	walk = func(prefix string, m map[string]any) error {
		names := make([]string, 0, len(m))
		for k := range m {
			names = append(names, k)
		}
		sort.Strings(names)
		for _, k := range names {
			key := strings.ToUpper(k)
			if prefix != "" {
				key = prefix + "_" + key
			}
			switch v := m[k].(type) {
			case map[string]any:
				if err := walk(key, v); err != nil {
					return err
				}
			case []any:
				return fmt.Errorf("%s: lists are not supported", key)
			case nil:
				out = append(out, pair{key: key})
			default:
				out = append(out, pair{key: key, value: fmt.Sprint(v)})
			}
		}
		return nil
	}
	if err := walk("", m); err != nil {
		return nil, err
	}
	return out, nil
}

////////////////////////////////////////////////////////////////////////////////
// Key table.
////////////////////////////////////////////////////////////////////////////////

type setter func(b *Bundle, v string) error

func ipKey(field func(*netstack.Config) *netstack.IPAddr) setter {
	return func(b *Bundle, v string) error {
		ip, err := netstack.ParseIP(v)
		if err != nil {
			return err
		}
		*field(&b.Config) = ip
		return nil
	}
}

func stringKey(field func(*Bundle) *string) setter {
	return func(b *Bundle, v string) error {
		*field(b) = v
		return nil
	}
}

func intKey(field func(*netstack.Limits) *int) setter {
	return func(b *Bundle, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		if n < 0 {
			return fmt.Errorf("negative value %d", n)
		}
		*field(&b.Config.Limits) = n
		return nil
	}
}

// durationKey accepts Go durations ("750ms") or a bare number of
// milliseconds.
func durationKey(field func(*netstack.Limits) *time.Duration) setter {
	return func(b *Bundle, v string) error {
		d, err := parseDuration(v)
		if err != nil {
			return err
		}
		*field(&b.Config.Limits) = d
		return nil
	}
}

func parseDuration(v string) (time.Duration, error) {
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		if ms < 0 {
			return 0, fmt.Errorf("negative duration %d", ms)
		}
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", v)
	}
	return d, nil
}

var keys = map[string]setter{
	"PACKETINT": func(b *Bundle, v string) error {
		n, err := strconv.ParseUint(v, 0, 8)
		if err != nil {
			return err
		}
		b.Config.PacketInt = uint8(n)
		return nil
	},
	"IPADDR":      ipKey(func(c *netstack.Config) *netstack.IPAddr { return &c.IP }),
	"NETMASK":     ipKey(func(c *netstack.Config) *netstack.IPAddr { return &c.Netmask }),
	"GATEWAY":     ipKey(func(c *netstack.Config) *netstack.IPAddr { return &c.Gateway }),
	"NAMESERVER":  ipKey(func(c *netstack.Config) *netstack.IPAddr { return &c.Nameserver }),
	"NAMESERVER2": ipKey(func(c *netstack.Config) *netstack.IPAddr { return &c.Nameserver2 }),
	"PASV_ADDR":   ipKey(func(c *netstack.Config) *netstack.IPAddr { return &c.PASVAddr }),
	"MTU": func(b *Bundle, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		b.Config.MTU = n
		return nil
	},
	"HOSTNAME":   stringKey(func(b *Bundle) *string { return &b.Config.Hostname }),
	"DOMAIN":     stringKey(func(b *Bundle) *string { return &b.Config.Domain }),
	"HOSTSFILE":  stringKey(func(b *Bundle) *string { return &b.Config.HostsFile }),
	"INTERFACE":  stringKey(func(b *Bundle) *string { return &b.Interface }),
	"DEBUG_HTTP": stringKey(func(b *Bundle) *string { return &b.DebugHTTP }),
	"TRACE":      stringKey(func(b *Bundle) *string { return &b.Trace }),

	"PACKET_BUFFERS": intKey(func(l *netstack.Limits) *int { return &l.PacketBuffers }),

	"ARP_ENTRIES": intKey(func(l *netstack.Limits) *int { return &l.ArpMaxEntries }),
	"ARP_PENDING": intKey(func(l *netstack.Limits) *int { return &l.ArpMaxPending }),
	"ARP_RETRIES": intKey(func(l *netstack.Limits) *int { return &l.ArpRetries }),
	"ARP_TIMEOUT": durationKey(func(l *netstack.Limits) *time.Duration { return &l.ArpTimeout }),

	"IP_TTL": func(b *Bundle, v string) error {
		n, err := strconv.ParseUint(v, 10, 8)
		if err != nil {
			return err
		}
		b.Config.Limits.IPTTL = uint8(n)
		return nil
	},
	"IP_NO_FRAGMENTS": func(b *Bundle, v string) error {
		on, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		b.Config.Limits.IPNoFragments = on
		return nil
	},
	"IP_FRAG_PACKETS":     intKey(func(l *netstack.Limits) *int { return &l.IPMaxFragPackets }),
	"IP_BIG_PACKET_SIZE":  intKey(func(l *netstack.Limits) *int { return &l.IPBigPacketSize }),
	"IP_FRAGS_PER_PACKET": intKey(func(l *netstack.Limits) *int { return &l.IPMaxFragsPerPacket }),
	"IP_FRAG_TIMEOUT":     durationKey(func(l *netstack.Limits) *time.Duration { return &l.IPFragReassemblyTimeout }),

	"UDP_HANDLERS": intKey(func(l *netstack.Limits) *int { return &l.UDPMaxCallbacks }),

	"TCP_SOCKETS":           intKey(func(l *netstack.Limits) *int { return &l.TCPMaxSockets }),
	"TCP_XMIT_BUFFERS":      intKey(func(l *netstack.Limits) *int { return &l.TCPMaxXmitBuffers }),
	"TCP_RING_SIZE":         intKey(func(l *netstack.Limits) *int { return &l.TCPSocketRingSize }),
	"TCP_RECV_BUFFER":       intKey(func(l *netstack.Limits) *int { return &l.TCPRecvBufferSize }),
	"TCP_RETRANS_COUNT":     intKey(func(l *netstack.Limits) *int { return &l.TCPRetransCount }),
	"TCP_SEQ_ERR_THRESHOLD": intKey(func(l *netstack.Limits) *int { return &l.TCPSeqErrThreshold }),
	"TCP_CLOSE_TIMEOUT":     durationKey(func(l *netstack.Limits) *time.Duration { return &l.TCPCloseTimeout }),
	"TCP_PA_TIMEOUT":        durationKey(func(l *netstack.Limits) *time.Duration { return &l.TCPPATimeout }),
	"TCP_PROBE_INTERVAL":    durationKey(func(l *netstack.Limits) *time.Duration { return &l.TCPProbeInterval }),
	"TCP_INITIAL_RTT":       durationKey(func(l *netstack.Limits) *time.Duration { return &l.TCPInitialRTT }),
	"TCP_MAX_SRTT":          durationKey(func(l *netstack.Limits) *time.Duration { return &l.TCPMaxSRTT }),

	"DNS_TIMEOUT":       durationKey(func(l *netstack.Limits) *time.Duration { return &l.DNSTimeout }),
	"DNS_CACHE_ENTRIES": intKey(func(l *netstack.Limits) *int { return &l.DNSCacheEntries }),
	"DNS_MAX_NAME":      intKey(func(l *netstack.Limits) *int { return &l.DNSMaxNameLen }),
	"DNS_HANDLER_PORT": func(b *Bundle, v string) error {
		n, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			return err
		}
		b.Config.Limits.DNSHandlerPort = uint16(n)
		return nil
	},
}

func build(pairs []pair) (*Bundle, error) {
	b := &Bundle{
		Config: netstack.Config{PacketInt: link.FirstVector},
		Extra:  map[string]string{},
	}
	for _, p := range pairs {
		set, ok := keys[p.key]
		if !ok {
			b.Extra[p.key] = p.value
			continue
		}
		if p.value == "" {
			return nil, fmt.Errorf("%s: %w: empty", p.where(), ErrInvalidValue)
		}
		if err := set(b, p.value); err != nil {
			return nil, fmt.Errorf("%s: %w: %v", p.where(), ErrInvalidValue, err)
		}
	}
	if b.Config.IP.IsZero() {
		return nil, ErrMissingIP
	}
	return b, nil
}
