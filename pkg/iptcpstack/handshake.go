package iptcpstack

import (
	"context"
	"sync"
	"time"

	"github.com/google/netstack/tcpip/header"
	"github.com/google/netstack/tcpip/seqnum"
	"go.uber.org/zap"
)

const (
	handshakeRetries = 3
	handshakeTimeout = 5 * time.Second
	synAckWindow     = 1024
)

// handshake sends the SYN-ACK for one admitted SYN and resends it until the
// listener confirms the connection, which cancels ctx, or the retries run
// out.
type handshake struct {
	localISN  seqnum.Value
	remoteISN seqnum.Value
	local     Endpoint
	remote    Endpoint

	rt       Runtime
	resolver Resolver
	ready    *ReadyQueue
	// publishMu is the listener lock. Holding it while checking ctx makes
	// the timeout publication exclusive with a confirming ACK.
	publishMu sync.Locker
	logger    *zap.Logger
	metrics   *Metrics
}

func (h *handshake) run(ctx context.Context) {
	for i := 0; i < handshakeRetries; i++ {
		linkAddr, err := h.resolver.Resolve(ctx, h.remote.Addr())
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			h.logger.Warn("link address resolution failed",
				zap.Stringer("remote", h.remote),
				zap.Int("attempt", i+1),
				zap.Error(err))
			continue
		}

		seg := &Segment{
			Ethernet: header.EthernetFields{
				SrcAddr: h.rt.LocalLinkAddr(),
				DstAddr: linkAddr,
				Type:    header.IPv4ProtocolNumber,
			},
			IPv4: header.IPv4Fields{
				TTL:      defaultTTL,
				Protocol: uint8(header.TCPProtocolNumber),
				SrcAddr:  tcpipAddr(h.local.Addr()),
				DstAddr:  tcpipAddr(h.remote.Addr()),
			},
			TCP: header.TCPFields{
				SrcPort:    h.local.Port(),
				DstPort:    h.remote.Port(),
				SeqNum:     uint32(h.localISN),
				AckNum:     uint32(h.remoteISN.Add(1)),
				Flags:      header.TCPFlagSyn | header.TCPFlagAck,
				WindowSize: synAckWindow,
			},
		}
		if err := h.rt.Transmit(seg); err != nil {
			h.logger.Debug("SYN-ACK transmit failed", zap.Stringer("remote", h.remote), zap.Error(err))
		} else {
			h.metrics.synAckSent(h.local)
		}

		if err := h.rt.Wait(ctx, handshakeTimeout); err != nil {
			return
		}
	}

	wake(h.publishTimeout(ctx))
}

// publishTimeout queues ErrHandshakeTimeout unless the handshake was
// cancelled. The waker it returns must be called without publishMu held.
func (h *handshake) publishTimeout(ctx context.Context) Waker {
	h.publishMu.Lock()
	defer h.publishMu.Unlock()
	if ctx.Err() != nil {
		return nil
	}
	w := h.ready.publishFailure(ErrHandshakeTimeout)
	h.metrics.timedOut(h.local)
	h.logger.Info("handshake timed out", zap.Stringer("remote", h.remote))
	return w
}
