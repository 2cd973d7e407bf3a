package iptcpstack

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"net/netip"
	"sync"
	"time"

	"github.com/google/netstack/tcpip"
)

// TaskHandle owns a task started with Runtime.Spawn. Cancel stops the task
// at its next suspension point; it is a no-op once the task has finished.
type TaskHandle interface {
	Cancel()
}

// Runtime is the substrate the listener schedules work on.
type Runtime interface {
	// Spawn starts task in the background. The context passed to task is
	// cancelled when the returned handle is cancelled.
	Spawn(task func(ctx context.Context)) TaskHandle
	Transmit(seg *Segment) error
	// Wait suspends the caller for d or until ctx is done.
	Wait(ctx context.Context, d time.Duration) error
	RandomValue() uint32
	LocalLinkAddr() tcpip.LinkAddress
	TCPOptions() TCPOptions
}

// Resolver maps a network address to the link address frames for it are
// sent to. Resolve may block until an answer arrives.
type Resolver interface {
	Resolve(ctx context.Context, addr netip.Addr) (tcpip.LinkAddress, error)
}

// Link is the frame transmitter under a Host.
type Link interface {
	Transmit(seg *Segment) error
	LinkAddr() tcpip.LinkAddress
}

// TCPOptions are the per-host TCP knobs.
type TCPOptions struct {
	ReceiveWindowSize int
}

// DefaultReceiveWindowSize matches the window the rest of the stack advertises.
const DefaultReceiveWindowSize = 65535

// Host is the goroutine-backed Runtime used outside of tests.
type Host struct {
	link Link
	opts TCPOptions

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewHost(link Link, opts TCPOptions) *Host {
	if opts.ReceiveWindowSize <= 0 {
		opts.ReceiveWindowSize = DefaultReceiveWindowSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Host{link: link, opts: opts, ctx: ctx, cancel: cancel}
}

type hostTask struct {
	cancel context.CancelFunc
}

func (t *hostTask) Cancel() { t.cancel() }

func (h *Host) Spawn(task func(ctx context.Context)) TaskHandle {
	ctx, cancel := context.WithCancel(h.ctx)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer cancel()
		task(ctx)
	}()
	return &hostTask{cancel: cancel}
}

func (h *Host) Transmit(seg *Segment) error {
	return h.link.Transmit(seg)
}

func (h *Host) Wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Host) RandomValue() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return binary.BigEndian.Uint32(b[:])
}

func (h *Host) LocalLinkAddr() tcpip.LinkAddress { return h.link.LinkAddr() }

func (h *Host) TCPOptions() TCPOptions { return h.opts }

// Shutdown cancels every spawned task and waits for them to return.
func (h *Host) Shutdown() {
	h.cancel()
	h.wg.Wait()
}
