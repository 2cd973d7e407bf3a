package iptcpstack

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"github.com/google/netstack/tcpip"
	"github.com/google/netstack/tcpip/header"
)

var (
	testLocal    = netip.MustParseAddrPort("10.0.0.1:9999")
	testRemote   = netip.MustParseAddrPort("10.0.0.2:40000")
	testRemote2  = netip.MustParseAddrPort("10.0.0.3:40001")
	testLinkAddr = tcpip.LinkAddress("\x02\x00\x00\x00\x00\x01")
	peerLinkAddr = tcpip.LinkAddress("\x02\x00\x00\x00\x00\x02")
)

type fakeTask struct {
	fn      func(ctx context.Context)
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	done    chan struct{}
}

func (t *fakeTask) Cancel() { t.cancel() }

// fakeRuntime records spawned tasks instead of running them; tests drive
// them with runTasks or startTasks.
type fakeRuntime struct {
	// blockWait makes Wait park until its context is cancelled.
	blockWait bool
	seed      uint32
	// transmitErr is returned by Transmit; the segment is still recorded.
	transmitErr error

	mu    sync.Mutex
	tasks []*fakeTask
	sent  []*Segment
	waits []time.Duration
}

func (r *fakeRuntime) Spawn(fn func(ctx context.Context)) TaskHandle {
	ctx, cancel := context.WithCancel(context.Background())
	t := &fakeTask{fn: fn, ctx: ctx, cancel: cancel, done: make(chan struct{})}
	r.mu.Lock()
	r.tasks = append(r.tasks, t)
	r.mu.Unlock()
	return t
}

func (r *fakeRuntime) pending() []*fakeTask {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*fakeTask
	for _, t := range r.tasks {
		if !t.started {
			t.started = true
			out = append(out, t)
		}
	}
	return out
}

// runTasks runs every task not yet started to completion on the caller's
// goroutine.
func (r *fakeRuntime) runTasks() {
	for _, t := range r.pending() {
		t.fn(t.ctx)
		close(t.done)
	}
}

// startTasks runs every task not yet started on its own goroutine.
func (r *fakeRuntime) startTasks() []*fakeTask {
	ts := r.pending()
	for _, t := range ts {
		go func() {
			defer close(t.done)
			t.fn(t.ctx)
		}()
	}
	return ts
}

func (r *fakeRuntime) taskCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

func (r *fakeRuntime) Transmit(seg *Segment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, seg)
	return r.transmitErr
}

func (r *fakeRuntime) sentSegments() []*Segment {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Segment(nil), r.sent...)
}

func (r *fakeRuntime) waitCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waits)
}

func (r *fakeRuntime) Wait(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.waits = append(r.waits, d)
	r.mu.Unlock()
	if r.blockWait {
		<-ctx.Done()
	}
	return ctx.Err()
}

func (r *fakeRuntime) RandomValue() uint32             { return r.seed }
func (r *fakeRuntime) LocalLinkAddr() tcpip.LinkAddress { return testLinkAddr }
func (r *fakeRuntime) TCPOptions() TCPOptions {
	return TCPOptions{ReceiveWindowSize: DefaultReceiveWindowSize}
}

type fakeResolver struct {
	linkAddr tcpip.LinkAddress
	err      error

	mu    sync.Mutex
	calls int
}

func (r *fakeResolver) Resolve(ctx context.Context, addr netip.Addr) (tcpip.LinkAddress, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return r.linkAddr, r.err
}

func (r *fakeResolver) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type inSegment struct {
	src, dst Endpoint
	flags    uint8
	seq, ack uint32
	window   uint16
	opts     []byte // length must be a multiple of 4
}

// build encodes s as an IPv4 packet with valid checksums.
func (s inSegment) build() (header.IPv4, header.TCP) {
	dst := s.dst
	if !dst.IsValid() {
		dst = testLocal
	}
	tcpLen := header.TCPMinimumSize + len(s.opts)
	buf := make([]byte, header.IPv4MinimumSize+tcpLen)
	ip := header.IPv4(buf)
	ip.Encode(&header.IPv4Fields{
		IHL:         header.IPv4MinimumSize,
		TotalLength: uint16(len(buf)),
		TTL:         64,
		Protocol:    uint8(header.TCPProtocolNumber),
		SrcAddr:     tcpipAddr(s.src.Addr()),
		DstAddr:     tcpipAddr(dst.Addr()),
	})
	ip.SetChecksum(^ip.CalculateChecksum())
	tcp := header.TCP(buf[header.IPv4MinimumSize:])
	tcp.Encode(&header.TCPFields{
		SrcPort:    s.src.Port(),
		DstPort:    dst.Port(),
		SeqNum:     s.seq,
		AckNum:     s.ack,
		DataOffset: uint8(tcpLen),
		Flags:      s.flags,
		WindowSize: s.window,
	})
	copy(tcp[header.TCPMinimumSize:], s.opts)
	tcp.SetChecksum(^tcpChecksum(ip.SourceAddress(), ip.DestinationAddress(), tcp))
	return ip, tcp
}

func syn(src Endpoint, seq uint32) inSegment {
	return inSegment{src: src, flags: header.TCPFlagSyn, seq: seq, window: 65535}
}

func ack(src Endpoint, seq, ackNum uint32) inSegment {
	return inSegment{src: src, flags: header.TCPFlagAck, seq: seq, ack: ackNum, window: 65535}
}

func wsOption(shift uint8) []byte { return []byte{header.TCPOptionNOP, header.TCPOptionWS, 3, shift} }

func mssOption(mss uint16) []byte {
	return []byte{header.TCPOptionMSS, 4, byte(mss >> 8), byte(mss)}
}
