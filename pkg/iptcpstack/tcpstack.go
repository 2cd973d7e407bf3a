package iptcpstack

import (
	"net/netip"
	"sort"
	"sync"

	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Socket is an entry in the stack's socket table: either a listener or a
// connection it accepted.
type Socket struct {
	SID    int
	Listen *VTCPListener
	Conn   *VTCPConn
}

// TCPStack demultiplexes inbound TCP segments to listeners and keeps the
// socket table.
type TCPStack struct {
	LocalAddr netip.Addr

	rt       Runtime
	resolver Resolver
	opts     options
	logger   *zap.Logger

	mu           sync.Mutex
	sockets      map[int]*Socket
	listeners    map[uint16]*Socket
	nextSocketID int
}

func InitializeTCP(localAddr netip.Addr, rt Runtime, resolver Resolver, opts ...Option) *TCPStack {
	o := buildOptions(opts)
	return &TCPStack{
		LocalAddr:    localAddr,
		rt:           rt,
		resolver:     resolver,
		opts:         o,
		logger:       o.logger,
		sockets:      make(map[int]*Socket),
		listeners:    make(map[uint16]*Socket),
		nextSocketID: 0,
	}
}

// VListen opens a listener on port with room for backlog connections that
// are either mid-handshake or waiting to be accepted.
func (stack *TCPStack) VListen(port uint16, backlog int) (*VTCPListener, error) {
	if backlog <= 0 {
		return nil, errors.Errorf("invalid backlog %d", backlog)
	}
	stack.mu.Lock()
	defer stack.mu.Unlock()
	if _, ok := stack.listeners[port]; ok {
		return nil, errors.Wrapf(ErrPortInUse, "port %d", port)
	}

	local := netip.AddrPortFrom(stack.LocalAddr, port)
	l := NewListener(local, backlog, stack.rt, stack.resolver,
		WithLogger(stack.opts.logger), WithMetrics(stack.opts.metrics))
	sock := &Socket{SID: stack.nextSocketID, Listen: l}
	stack.nextSocketID++
	stack.sockets[sock.SID] = sock
	stack.listeners[port] = sock
	l.onClose = func() { stack.removeSocket(sock) }
	return l, nil
}

// AddConn records an accepted connection in the socket table and returns
// its socket ID.
func (stack *TCPStack) AddConn(conn *VTCPConn) int {
	stack.mu.Lock()
	defer stack.mu.Unlock()
	sock := &Socket{SID: stack.nextSocketID, Conn: conn}
	stack.nextSocketID++
	stack.sockets[sock.SID] = sock
	return sock.SID
}

func (stack *TCPStack) removeSocket(sock *Socket) {
	stack.mu.Lock()
	defer stack.mu.Unlock()
	delete(stack.sockets, sock.SID)
	if sock.Listen != nil && stack.listeners[sock.Listen.local.Port()] == sock {
		delete(stack.listeners, sock.Listen.local.Port())
	}
}

// FindSocket returns the listener bound to localPort, or nil.
func (stack *TCPStack) FindSocket(localPort uint16) *Socket {
	stack.mu.Lock()
	defer stack.mu.Unlock()
	return stack.listeners[localPort]
}

// ListSockets returns the socket table ordered by socket ID.
func (stack *TCPStack) ListSockets() []*Socket {
	stack.mu.Lock()
	defer stack.mu.Unlock()
	out := make([]*Socket, 0, len(stack.sockets))
	for _, s := range stack.sockets {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SID < out[j].SID })
	return out
}

var (
	errShortPacket  = errors.New("short packet")
	errBadChecksum  = errors.New("bad TCP checksum")
	errNoSuchSocket = errors.New("no listening socket")
)

// TCPPacketHandler takes an IPv4 packet carrying TCP and hands the segment
// to the listener on its destination port.
func (stack *TCPStack) TCPPacketHandler(ip header.IPv4) error {
	if !ip.IsValid(len(ip)) || ip.Protocol() != uint8(header.TCPProtocolNumber) {
		return errShortPacket
	}
	payload := ip[ip.HeaderLength():ip.TotalLength()]
	if len(payload) < header.TCPMinimumSize {
		return errShortPacket
	}
	tcp := header.TCP(payload)
	if off := int(tcp.DataOffset()); off < header.TCPMinimumSize || off > len(tcp) {
		return errShortPacket
	}
	if tcpChecksum(ip.SourceAddress(), ip.DestinationAddress(), tcp) != 0xffff {
		return errBadChecksum
	}

	sock := stack.FindSocket(tcp.DestinationPort())
	if sock == nil {
		stack.logger.Debug("no matching socket, dropping segment", zap.Uint16("port", tcp.DestinationPort()))
		return errors.Wrapf(errNoSuchSocket, "port %d", tcp.DestinationPort())
	}
	if err := sock.Listen.OnSegment(ip, tcp); err != nil {
		stack.logger.Debug("segment rejected",
			zap.Uint16("port", tcp.DestinationPort()),
			zap.Error(err))
		return err
	}
	return nil
}
