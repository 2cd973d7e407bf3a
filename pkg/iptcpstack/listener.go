package iptcpstack

import (
	"context"
	"sync"

	"github.com/google/netstack/tcpip/header"
	"github.com/google/netstack/tcpip/seqnum"
	"go.uber.org/zap"
)

// inflightAccept is a SYN that has been answered with a SYN-ACK and is
// waiting for the final ACK. It owns the retry task; removing the entry
// cancels the task.
type inflightAccept struct {
	localISN    seqnum.Value
	remoteISN   seqnum.Value
	windowSize  uint32
	windowScale uint8
	mss         int

	handle TaskHandle
}

// VTCPListener is the passive side of a TCP port. Segments addressed to it
// are fed through OnSegment; finished handshakes come out of PollAccept or
// VAccept in the order they completed.
type VTCPListener struct {
	local      Endpoint
	maxBacklog int
	rt         Runtime
	resolver   Resolver
	logger     *zap.Logger
	metrics    *Metrics

	ready *ReadyQueue
	done  chan struct{}

	mu       sync.Mutex
	inflight map[Endpoint]*inflightAccept
	isn      *ISNGenerator
	closed   bool
	onClose  func()
}

func NewListener(local Endpoint, maxBacklog int, rt Runtime, resolver Resolver, opts ...Option) *VTCPListener {
	o := buildOptions(opts)
	return &VTCPListener{
		local:      local,
		maxBacklog: maxBacklog,
		rt:         rt,
		resolver:   resolver,
		logger:     o.logger.With(zap.Stringer("local", local)),
		metrics:    o.metrics,
		ready:      NewReadyQueue(),
		done:       make(chan struct{}),
		inflight:   make(map[Endpoint]*inflightAccept),
		isn:        NewISNGenerator(rt.RandomValue()),
	}
}

func (l *VTCPListener) LocalAddr() Endpoint { return l.local }

// OnSegment processes one inbound segment addressed to the listener. It
// never blocks.
func (l *VTCPListener) OnSegment(ip header.IPv4, tcp header.TCP) error {
	remote, ok := endpointFrom(ip.SourceAddress(), tcp.SourcePort())
	if !ok {
		l.metrics.malformedSegment(l.local)
		return malformed("invalid source address")
	}

	w, err := l.handleSegment(remote, tcp)
	// The consumer may call back into the listener.
	wake(w)
	return err
}

func (l *VTCPListener) handleSegment(remote Endpoint, tcp header.TCP) (Waker, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrListenerClosed
	}

	// TODO: segments for a connection that is waiting in the accept queue
	// are dropped; they should be queued for the connection instead.
	if l.ready.Reserved(remote) {
		return nil, nil
	}

	if accept, ok := l.inflight[remote]; ok {
		return l.confirm(remote, accept, tcp)
	}
	return nil, l.admit(remote, tcp)
}

// confirm completes the handshake for remote if tcp is the final ACK. It
// returns the accept waker, which the caller wakes once l.mu is released.
func (l *VTCPListener) confirm(remote Endpoint, accept *inflightAccept, tcp header.TCP) (Waker, error) {
	if !hasFlag(tcp, header.TCPFlagAck) {
		l.metrics.malformedSegment(l.local)
		return nil, malformed("expected ACK")
	}
	if seqnum.Value(tcp.AckNumber()) != accept.localISN.Add(1) {
		l.metrics.malformedSegment(l.local)
		return nil, malformed("invalid SYN-ACK confirmation sequence")
	}

	snd := NewSender(accept.localISN.Add(1), accept.windowSize, accept.windowScale, accept.mss)
	rcv := NewReceiver(accept.remoteISN.Add(1), uint32(l.rt.TCPOptions().ReceiveWindowSize))
	delete(l.inflight, remote)
	accept.handle.Cancel()

	conn := newVTCPConn(l.local, remote, l.rt, l.resolver, snd, rcv)
	w := l.ready.publishSuccess(conn)
	l.metrics.established(l.local)
	l.logger.Debug("connection established", zap.Stringer("remote", remote))
	return w, nil
}

// admit starts a new handshake for a bare SYN if the backlog has room.
func (l *VTCPListener) admit(remote Endpoint, tcp header.TCP) error {
	if !hasFlag(tcp, header.TCPFlagSyn) || hasFlag(tcp, header.TCPFlagAck) || hasFlag(tcp, header.TCPFlagRst) {
		l.metrics.malformedSegment(l.local)
		return malformed("invalid flags for new connection")
	}
	if len(l.inflight)+l.ready.Len() >= l.maxBacklog {
		// No RST is sent; the peer will retry its SYN.
		l.metrics.synRefused(l.local)
		return ErrConnectionRefused
	}

	localISN := l.isn.Generate(l.local, remote)
	remoteISN := seqnum.Value(tcp.SequenceNumber())

	windowScale := uint8(1)
	mss := FallbackMSS
	synOpts := header.ParseSynOptions(tcp.Options(), false)
	if synOpts.WS >= 0 {
		windowScale = uint8(synOpts.WS)
	}
	if synOpts.MSS != 0 {
		mss = int(synOpts.MSS)
	}
	windowSize := scaleWindow(tcp.WindowSize(), windowScale)

	hs := &handshake{
		localISN:  localISN,
		remoteISN: remoteISN,
		local:     l.local,
		remote:    remote,
		rt:        l.rt,
		resolver:  l.resolver,
		ready:     l.ready,
		publishMu: &l.mu,
		logger:    l.logger,
		metrics:   l.metrics,
	}
	handle := l.rt.Spawn(hs.run)
	l.inflight[remote] = &inflightAccept{
		localISN:    localISN,
		remoteISN:   remoteISN,
		windowSize:  windowSize,
		windowScale: windowScale,
		mss:         mss,
		handle:      handle,
	}
	l.metrics.synAdmitted(l.local)
	l.logger.Debug("SYN received",
		zap.Stringer("remote", remote),
		zap.Uint32("isn", uint32(localISN)),
		zap.Uint32("window", windowSize),
		zap.Int("mss", mss))
	return nil
}

// scaleWindow applies the window scale option to a header window. The
// option is capped at 14 by the parser, so overflow means a bug here.
func scaleWindow(window uint16, scale uint8) uint32 {
	if scale > 16 {
		panic("iptcpstack: window size overflow")
	}
	return uint32(window) << scale
}

// PollAccept returns the next finished handshake without blocking. If none
// is ready it registers w to be woken when one is and reports false. Only
// the most recent waker is kept.
func (l *VTCPListener) PollAccept(w Waker) (*VTCPConn, bool, error) {
	select {
	case <-l.done:
		return nil, true, ErrListenerClosed
	default:
	}
	e, ok := l.ready.PollNext(w)
	if !ok {
		return nil, false, nil
	}
	return e.Conn, true, e.Err
}

// VAccept blocks until a handshake finishes, ctx is done or the listener
// is closed.
func (l *VTCPListener) VAccept(ctx context.Context) (*VTCPConn, error) {
	ch := make(chan struct{}, 1)
	w := WakerFunc(func() {
		select {
		case ch <- struct{}{}:
		default:
		}
	})
	for {
		conn, ok, err := l.PollAccept(w)
		if ok {
			return conn, err
		}
		select {
		case <-ch:
		case <-l.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// ListenerStats is a snapshot of a listener's queues.
type ListenerStats struct {
	InFlight int
	Ready    int
}

func (l *VTCPListener) Stats() ListenerStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return ListenerStats{InFlight: len(l.inflight), Ready: l.ready.Len()}
}

// VClose cancels every pending handshake and discards connections that
// were never accepted.
func (l *VTCPListener) VClose() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrListenerClosed
	}
	l.closed = true
	for remote, accept := range l.inflight {
		accept.handle.Cancel()
		delete(l.inflight, remote)
	}
	close(l.done)
	onClose := l.onClose
	l.mu.Unlock()

	for _, e := range l.ready.drain() {
		if e.Conn != nil {
			e.Conn.VClose()
		}
	}
	if onClose != nil {
		onClose()
	}
	return nil
}
