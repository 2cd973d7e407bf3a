// Package lnxconfig loads a virtual host's description: its interfaces, the
// neighbors reachable on each, and TCP settings.
package lnxconfig

import (
	"io"
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/google/netstack/tcpip"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	DefaultReceiveWindow     = 65535
	DefaultBacklog           = 16
	DefaultResolutionTimeout = time.Second
	DefaultLinkAddrAgeLimit  = 60 * time.Second
)

type InterfaceConfig struct {
	Name           string `yaml:"name"`
	AssignedPrefix string `yaml:"prefix"` // e.g. 10.0.0.1/24
	UDPAddr        string `yaml:"udp"`
	LinkAddr       string `yaml:"mac"`
}

type NeighborConfig struct {
	DestAddr      string `yaml:"addr"`
	UDPAddr       string `yaml:"udp"`
	InterfaceName string `yaml:"interface"`
	LinkAddr      string `yaml:"mac"`
}

type TCPConfig struct {
	ReceiveWindow     int           `yaml:"receive_window"`
	Backlog           int           `yaml:"backlog"`
	ResolutionTimeout time.Duration `yaml:"resolution_timeout"`
	LinkAddrAgeLimit  time.Duration `yaml:"linkaddr_age_limit"`
}

type IPConfig struct {
	Interfaces []InterfaceConfig `yaml:"interfaces"`
	Neighbors  []NeighborConfig  `yaml:"neighbors"`
	TCP        TCPConfig         `yaml:"tcp"`
}

// Interface and Neighbor are the parsed forms of the config entries.
type Interface struct {
	Name           string
	AssignedIP     netip.Addr
	AssignedPrefix netip.Prefix
	UDPAddr        netip.AddrPort
	LinkAddr       tcpip.LinkAddress
}

type Neighbor struct {
	DestAddr      netip.Addr
	UDPAddr       netip.AddrPort
	InterfaceName string
	LinkAddr      tcpip.LinkAddress
}

func ParseConfig(path string) (*IPConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open config")
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes a YAML config, fills defaults and validates it.
func Parse(r io.Reader) (*IPConfig, error) {
	var cfg IPConfig
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.Wrap(err, "decode config")
	}
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *IPConfig) setDefaults() {
	if cfg.TCP.ReceiveWindow == 0 {
		cfg.TCP.ReceiveWindow = DefaultReceiveWindow
	}
	if cfg.TCP.Backlog == 0 {
		cfg.TCP.Backlog = DefaultBacklog
	}
	if cfg.TCP.ResolutionTimeout == 0 {
		cfg.TCP.ResolutionTimeout = DefaultResolutionTimeout
	}
	if cfg.TCP.LinkAddrAgeLimit == 0 {
		cfg.TCP.LinkAddrAgeLimit = DefaultLinkAddrAgeLimit
	}
}

func (cfg *IPConfig) Validate() error {
	if len(cfg.Interfaces) == 0 {
		return errors.New("config has no interfaces")
	}
	if _, err := cfg.ParsedInterfaces(); err != nil {
		return err
	}
	if _, err := cfg.ParsedNeighbors(); err != nil {
		return err
	}
	if cfg.TCP.ReceiveWindow < 0 || cfg.TCP.ReceiveWindow > 1<<30 {
		return errors.Errorf("receive_window %d out of range", cfg.TCP.ReceiveWindow)
	}
	if cfg.TCP.Backlog < 0 {
		return errors.Errorf("backlog %d is negative", cfg.TCP.Backlog)
	}
	return nil
}

func (cfg *IPConfig) ParsedInterfaces() ([]Interface, error) {
	out := make([]Interface, 0, len(cfg.Interfaces))
	for _, ic := range cfg.Interfaces {
		prefix, err := netip.ParsePrefix(ic.AssignedPrefix)
		if err != nil {
			return nil, errors.Wrapf(err, "interface %q", ic.Name)
		}
		if !prefix.Addr().Is4() {
			return nil, errors.Errorf("interface %q: only IPv4 is supported", ic.Name)
		}
		udp, err := netip.ParseAddrPort(ic.UDPAddr)
		if err != nil {
			return nil, errors.Wrapf(err, "interface %q", ic.Name)
		}
		mac, err := net.ParseMAC(ic.LinkAddr)
		if err != nil {
			return nil, errors.Wrapf(err, "interface %q", ic.Name)
		}
		out = append(out, Interface{
			Name:           ic.Name,
			AssignedIP:     prefix.Addr(),
			AssignedPrefix: prefix.Masked(),
			UDPAddr:        udp,
			LinkAddr:       tcpip.LinkAddress(mac),
		})
	}
	return out, nil
}

func (cfg *IPConfig) ParsedNeighbors() ([]Neighbor, error) {
	names := make(map[string]bool, len(cfg.Interfaces))
	for _, ic := range cfg.Interfaces {
		names[ic.Name] = true
	}
	out := make([]Neighbor, 0, len(cfg.Neighbors))
	for _, nc := range cfg.Neighbors {
		addr, err := netip.ParseAddr(nc.DestAddr)
		if err != nil {
			return nil, errors.Wrap(err, "neighbor")
		}
		udp, err := netip.ParseAddrPort(nc.UDPAddr)
		if err != nil {
			return nil, errors.Wrapf(err, "neighbor %v", addr)
		}
		if !names[nc.InterfaceName] {
			return nil, errors.Errorf("neighbor %v: unknown interface %q", addr, nc.InterfaceName)
		}
		mac, err := net.ParseMAC(nc.LinkAddr)
		if err != nil {
			return nil, errors.Wrapf(err, "neighbor %v", addr)
		}
		out = append(out, Neighbor{
			DestAddr:      addr,
			UDPAddr:       udp,
			InterfaceName: nc.InterfaceName,
			LinkAddr:      tcpip.LinkAddress(mac),
		})
	}
	return out, nil
}
