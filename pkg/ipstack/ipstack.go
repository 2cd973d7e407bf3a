// Package ipstack is the virtual link layer: each interface is a UDP socket
// and every datagram carries one Ethernet frame.
package ipstack

import (
	"context"
	"net"
	"net/netip"
	"sync"

	"github.com/google/netstack/tcpip"
	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"vtcp/pkg/iptcpstack"
	"vtcp/pkg/lnxconfig"
)

const maxFrameSize = 1400

const broadcastLinkAddr = tcpip.LinkAddress("\xff\xff\xff\xff\xff\xff")

type Interface struct {
	lnxconfig.Interface

	conn *net.UDPConn
}

type Neighbor = lnxconfig.Neighbor

// PacketHandler receives every IPv4 packet carrying TCP addressed to this
// host.
type PacketHandler func(ip header.IPv4) error

// Learner is told about the sender of every accepted frame.
type Learner interface {
	Add(addr netip.Addr, linkAddr tcpip.LinkAddress)
}

type IPStack struct {
	Interfaces []*Interface
	Neighbors  []Neighbor

	logger *zap.Logger

	done chan struct{}

	mu      sync.Mutex
	closed  bool
	learner Learner
}

// InitializeStack binds a UDP socket for every configured interface.
func InitializeStack(cfg *lnxconfig.IPConfig, logger *zap.Logger) (*IPStack, error) {
	ifaces, err := cfg.ParsedInterfaces()
	if err != nil {
		return nil, err
	}
	neighbors, err := cfg.ParsedNeighbors()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	stack := &IPStack{Neighbors: neighbors, logger: logger, done: make(chan struct{})}
	for _, ic := range ifaces {
		conn, err := net.ListenUDP("udp4", net.UDPAddrFromAddrPort(ic.UDPAddr))
		if err != nil {
			stack.Close()
			return nil, errors.Wrapf(err, "interface %s", ic.Name)
		}
		stack.Interfaces = append(stack.Interfaces, &Interface{Interface: ic, conn: conn})
	}
	return stack, nil
}

// LocalAddr is the address TCP listeners bind to: the first interface's.
func (s *IPStack) LocalAddr() netip.Addr {
	return s.Interfaces[0].AssignedIP
}

// LinkAddr is the first interface's link address.
func (s *IPStack) LinkAddr() tcpip.LinkAddress {
	return s.Interfaces[0].LinkAddr
}

func (s *IPStack) SetLearner(l Learner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.learner = l
}

func (s *IPStack) neighborByLinkAddr(linkAddr tcpip.LinkAddress) (Neighbor, *Interface, bool) {
	for _, n := range s.Neighbors {
		if n.LinkAddr != linkAddr {
			continue
		}
		for _, iface := range s.Interfaces {
			if iface.Name == n.InterfaceName {
				return n, iface, true
			}
		}
	}
	return Neighbor{}, nil, false
}

// Transmit sends seg to the neighbor owning its destination link address.
func (s *IPStack) Transmit(seg *iptcpstack.Segment) error {
	n, iface, ok := s.neighborByLinkAddr(seg.Ethernet.DstAddr)
	if !ok {
		return errors.Errorf("no neighbor with link address %v", seg.Ethernet.DstAddr)
	}
	seg.Ethernet.SrcAddr = iface.LinkAddr
	frame := seg.Encode()
	if _, err := iface.conn.WriteToUDPAddrPort(frame, n.UDPAddr); err != nil {
		return errors.Wrapf(err, "send to %v", n.DestAddr)
	}
	return nil
}

// Run reads frames from every interface and passes TCP packets for this
// host to handle until ctx is done or the stack is closed.
func (s *IPStack) Run(ctx context.Context, handle PacketHandler) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, iface := range s.Interfaces {
		g.Go(func() error {
			return s.readLoop(iface, handle)
		})
	}
	g.Go(func() error {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
		return nil
	})
	return g.Wait()
}

func (s *IPStack) readLoop(iface *Interface, handle PacketHandler) error {
	buf := make([]byte, maxFrameSize)
	for {
		n, _, err := iface.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if s.isClosed() {
				return nil
			}
			return errors.Wrapf(err, "read on %s", iface.Name)
		}
		frame := make([]byte, n)
		copy(frame, buf[:n])
		if err := s.receiveFrame(iface, frame, handle); err != nil {
			s.logger.Debug("dropping frame", zap.String("iface", iface.Name), zap.Error(err))
		}
	}
}

func (s *IPStack) receiveFrame(iface *Interface, frame []byte, handle PacketHandler) error {
	if len(frame) < header.EthernetMinimumSize {
		return errors.New("short frame")
	}
	eth := header.Ethernet(frame)
	if dst := eth.DestinationAddress(); dst != iface.LinkAddr && dst != broadcastLinkAddr {
		return errors.Errorf("frame for %v", dst)
	}
	if eth.Type() != header.IPv4ProtocolNumber {
		return errors.Errorf("unsupported ethertype %#x", eth.Type())
	}
	ip := header.IPv4(frame[header.EthernetMinimumSize:])
	if !ip.IsValid(len(ip)) {
		return errors.New("invalid IPv4 header")
	}
	dst, _ := netip.AddrFromSlice([]byte(ip.DestinationAddress()))
	if dst != iface.AssignedIP {
		return errors.Errorf("packet for %v", dst)
	}
	if src, ok := netip.AddrFromSlice([]byte(ip.SourceAddress())); ok {
		s.mu.Lock()
		l := s.learner
		s.mu.Unlock()
		if l != nil {
			l.Add(src, eth.SourceAddress())
		}
	}
	if ip.Protocol() != uint8(header.TCPProtocolNumber) {
		return errors.Errorf("unsupported protocol %d", ip.Protocol())
	}
	return handle(ip)
}

func (s *IPStack) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *IPStack) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()
	var first error
	for _, iface := range s.Interfaces {
		if err := iface.conn.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
