package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tinyrange/mtcp/internal/netstack"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadLineFormat(t *testing.T) {
	path := writeFile(t, "mtcp.cfg", `# site config
PACKETINT 0x61
IPADDR 192.168.2.100
NETMASK 255.255.255.0
GATEWAY 192.168.2.1
NAMESERVER 8.8.8.8
mtu	1400
HOSTNAME retro
DOMAIN lan
TCP_SOCKETS 4
ARP_TIMEOUT 750
TCP_CLOSE_TIMEOUT 15s
IP_NO_FRAGMENTS true
FTPSRV_PASSWORD_FILE ftppass.txt   # kept for the application
`)
	b, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	c := b.Config
	if c.PacketInt != 0x61 || c.MTU != 1400 || c.Hostname != "retro" || c.Domain != "lan" {
		t.Fatalf("config = %+v", c)
	}
	if c.IP != netstack.MustParseIP("192.168.2.100") || c.Gateway != netstack.MustParseIP("192.168.2.1") ||
		c.Nameserver != netstack.MustParseIP("8.8.8.8") || c.Netmask != netstack.MustParseIP("255.255.255.0") {
		t.Fatalf("addresses = %s %s %s %s", c.IP, c.Netmask, c.Gateway, c.Nameserver)
	}
	l := c.Limits
	if l.TCPMaxSockets != 4 || l.ArpTimeout != 750*time.Millisecond || l.TCPCloseTimeout != 15*time.Second || !l.IPNoFragments {
		t.Fatalf("limits = %+v", l)
	}
	if got := b.Extra["FTPSRV_PASSWORD_FILE"]; got != "ftppass.txt" {
		t.Fatalf("extra = %v", b.Extra)
	}
	if b.Path != path {
		t.Fatalf("path = %s", b.Path)
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "mtcp.yaml", `
ipaddr: 10.0.2.15
netmask: 255.255.255.0
gateway: 10.0.2.2
nameserver: 10.0.2.3
packetint: 0x60
interface: tap0
debug_http: 127.0.0.1:9100
tcp:
  sockets: 6
  retrans_count: 7
dns:
  timeout: 3s
`)
	b, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if b.Config.IP != netstack.MustParseIP("10.0.2.15") || b.Config.PacketInt != 0x60 {
		t.Fatalf("config = %+v", b.Config)
	}
	if b.Interface != "tap0" || b.DebugHTTP != "127.0.0.1:9100" {
		t.Fatalf("bundle = %+v", b)
	}
	l := b.Config.Limits
	if l.TCPMaxSockets != 6 || l.TCPRetransCount != 7 || l.DNSTimeout != 3*time.Second {
		t.Fatalf("limits = %+v", l)
	}
}

func TestLoadJSONC(t *testing.T) {
	path := writeFile(t, "mtcp.jsonc", `{
	// host side
	"ipaddr": "10.1.0.2",
	"mtu": 576,
	"arp": {"entries": 8, "retries": 2,},
	/* trailing commas are fine */
	"hostsfile": "/etc/hosts",
}`)
	b, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if b.Config.IP != netstack.MustParseIP("10.1.0.2") || b.Config.MTU != 576 || b.Config.HostsFile != "/etc/hosts" {
		t.Fatalf("config = %+v", b.Config)
	}
	if b.Config.Limits.ArpMaxEntries != 8 || b.Config.Limits.ArpRetries != 2 {
		t.Fatalf("limits = %+v", b.Config.Limits)
	}
}

func TestLoadErrors(t *testing.T) {
	for _, tc := range []struct {
		name, body string
		want       error
	}{
		{"noip.cfg", "NETMASK 255.255.255.0\n", ErrMissingIP},
		{"badip.cfg", "IPADDR 10.0.0.300\n", ErrInvalidValue},
		{"empty.cfg", "IPADDR 10.0.0.2\nGATEWAY\n", ErrInvalidValue},
		{"negative.cfg", "IPADDR 10.0.0.2\nTCP_SOCKETS -1\n", ErrInvalidValue},
		{"badduration.yaml", "ipaddr: 10.0.0.2\ntcp_close_timeout: soon\n", ErrInvalidValue},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tc.name, tc.body))
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.cfg")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("missing file: %v", err)
	}
	if _, err := Load(writeFile(t, "list.yaml", "ipaddr: 10.0.0.2\nnameserver: [1.1.1.1]\n")); err == nil {
		t.Fatalf("list value accepted")
	}
}

func TestPathFromEnvironment(t *testing.T) {
	t.Setenv(EnvVar, "")
	if _, err := Path(); !errors.Is(err, ErrNoPath) {
		t.Fatalf("unset: %v", err)
	}

	path := writeFile(t, "env.cfg", "IPADDR 10.9.0.1\n")
	t.Setenv(EnvVar, path)
	got, err := Path()
	if err != nil || got != path {
		t.Fatalf("path = %q %v", got, err)
	}
	b, err := LoadDefault()
	if err != nil {
		t.Fatalf("load default: %v", err)
	}
	if b.Config.IP != netstack.MustParseIP("10.9.0.1") {
		t.Fatalf("ip = %s", b.Config.IP)
	}
}
