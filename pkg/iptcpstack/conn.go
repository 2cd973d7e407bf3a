package iptcpstack

import (
	"fmt"
	"sync"

	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"
	"github.com/smallnest/ringbuffer"
)

type SocketStatus int

const (
	Listening SocketStatus = iota
	SynReceived
	Established
	Closed
)

func (s SocketStatus) String() string {
	switch s {
	case Listening:
		return "LISTEN"
	case SynReceived:
		return "SYN_RECEIVED"
	case Established:
		return "ESTABLISHED"
	case Closed:
		return "CLOSED"
	default:
		return fmt.Sprintf("SocketStatus(%d)", int(s))
	}
}

// Sender is the send half of an established connection's sequence space.
type Sender struct {
	UNA         seqnum.Value // oldest unacknowledged
	NXT         seqnum.Value // next to send
	WindowSize  uint32       // peer window, already scaled
	WindowScale uint8
	MSS         int
}

func NewSender(seq seqnum.Value, windowSize uint32, windowScale uint8, mss int) *Sender {
	return &Sender{
		UNA:         seq,
		NXT:         seq,
		WindowSize:  windowSize,
		WindowScale: windowScale,
		MSS:         mss,
	}
}

// Receiver is the receive half of an established connection's sequence space.
type Receiver struct {
	NXT        seqnum.Value
	WindowSize uint32
}

func NewReceiver(seq seqnum.Value, windowSize uint32) *Receiver {
	return &Receiver{NXT: seq, WindowSize: windowSize}
}

// Window holds the connection's byte buffers.
type Window struct {
	recvBuffer *ringbuffer.RingBuffer
	sendBuffer *ringbuffer.RingBuffer
}

func NewWindow(size int) *Window {
	return &Window{
		recvBuffer: ringbuffer.New(size),
		sendBuffer: ringbuffer.New(size),
	}
}

// RecvCapacity and SendCapacity report the buffer sizes.
func (w *Window) RecvCapacity() int { return w.recvBuffer.Capacity() }
func (w *Window) SendCapacity() int { return w.sendBuffer.Capacity() }

// VTCPConn is a connection handed out by VAccept once its handshake is done.
type VTCPConn struct {
	Local  Endpoint
	Remote Endpoint

	Sender   *Sender
	Receiver *Receiver
	Window   *Window

	rt       Runtime
	resolver Resolver

	mu    sync.Mutex
	state SocketStatus
}

func newVTCPConn(local, remote Endpoint, rt Runtime, resolver Resolver, snd *Sender, rcv *Receiver) *VTCPConn {
	return &VTCPConn{
		Local:    local,
		Remote:   remote,
		Sender:   snd,
		Receiver: rcv,
		Window:   NewWindow(int(rcv.WindowSize)),
		rt:       rt,
		resolver: resolver,
		state:    Established,
	}
}

func (c *VTCPConn) State() SocketStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *VTCPConn) VClose() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Closed {
		return errors.New("connection is already closed")
	}
	c.state = Closed
	return nil
}

func (c *VTCPConn) String() string {
	return fmt.Sprintf("%v -> %v", c.Local, c.Remote)
}
