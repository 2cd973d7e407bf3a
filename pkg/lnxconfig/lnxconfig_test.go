package lnxconfig

import (
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/netstack/tcpip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const hostConfig = `
interfaces:
  - name: if0
    prefix: 10.0.0.1/24
    udp: 127.0.0.1:5000
    mac: 02:00:00:00:00:01
neighbors:
  - addr: 10.0.0.2
    udp: 127.0.0.1:5001
    interface: if0
    mac: 02:00:00:00:00:02
tcp:
  backlog: 4
  resolution_timeout: 250ms
`

func TestParse(t *testing.T) {
	cfg, err := Parse(strings.NewReader(hostConfig))
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.TCP.Backlog)
	assert.Equal(t, 250*time.Millisecond, cfg.TCP.ResolutionTimeout)
	assert.Equal(t, DefaultReceiveWindow, cfg.TCP.ReceiveWindow)
	assert.Equal(t, DefaultLinkAddrAgeLimit, cfg.TCP.LinkAddrAgeLimit)

	ifaces, err := cfg.ParsedInterfaces()
	require.NoError(t, err)
	require.Len(t, ifaces, 1)
	assert.Equal(t, Interface{
		Name:           "if0",
		AssignedIP:     netip.MustParseAddr("10.0.0.1"),
		AssignedPrefix: netip.MustParsePrefix("10.0.0.0/24"),
		UDPAddr:        netip.MustParseAddrPort("127.0.0.1:5000"),
		LinkAddr:       tcpip.LinkAddress("\x02\x00\x00\x00\x00\x01"),
	}, ifaces[0])

	neighbors, err := cfg.ParsedNeighbors()
	require.NoError(t, err)
	require.Len(t, neighbors, 1)
	assert.Equal(t, netip.MustParseAddr("10.0.0.2"), neighbors[0].DestAddr)
	assert.Equal(t, "if0", neighbors[0].InterfaceName)
}

func TestParseConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "host.yaml")
	require.NoError(t, os.WriteFile(path, []byte(hostConfig), 0o600))
	cfg, err := ParseConfig(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Interfaces, 1)

	_, err = ParseConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParseInvalid(t *testing.T) {
	tests := []struct {
		name, yaml, want string
	}{
		{"empty", "", "no interfaces"},
		{"unknown field", "bogus: 1\n", "bogus"},
		{"bad prefix", "interfaces: [{name: a, prefix: nope, udp: '127.0.0.1:1', mac: '02:00:00:00:00:01'}]", "interface \"a\""},
		{"ipv6", "interfaces: [{name: a, prefix: 'fd00::1/64', udp: '127.0.0.1:1', mac: '02:00:00:00:00:01'}]", "only IPv4"},
		{"receive window", hostConfig + "  receive_window: 10\n", ""},
		{"negative backlog", strings.Replace(hostConfig, "backlog: 4", "backlog: -1", 1), "backlog -1"},
		{"unknown interface", strings.Replace(hostConfig, "interface: if0", "interface: if9", 1), "unknown interface"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.yaml))
			if tt.want == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
