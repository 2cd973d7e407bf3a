package iptcpstack

import (
	"testing"

	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStack(t *testing.T) (*TCPStack, *fakeRuntime) {
	t.Helper()
	rt := &fakeRuntime{seed: 1}
	return InitializeTCP(testLocal.Addr(), rt, &fakeResolver{linkAddr: peerLinkAddr}), rt
}

func TestVListen(t *testing.T) {
	stack, _ := newTestStack(t)
	l, err := stack.VListen(9999, 8)
	require.NoError(t, err)
	assert.Equal(t, testLocal, l.LocalAddr())

	_, err = stack.VListen(9999, 8)
	assert.True(t, errors.Is(err, ErrPortInUse), "got %v", err)

	_, err = stack.VListen(80, 0)
	assert.Error(t, err)

	sock := stack.FindSocket(9999)
	require.NotNil(t, sock)
	assert.Same(t, l, sock.Listen)
	assert.Nil(t, stack.FindSocket(80))
}

func TestVListenCloseFreesPort(t *testing.T) {
	stack, _ := newTestStack(t)
	l, err := stack.VListen(9999, 8)
	require.NoError(t, err)
	require.NoError(t, l.VClose())
	assert.Nil(t, stack.FindSocket(9999))
	assert.Empty(t, stack.ListSockets())

	_, err = stack.VListen(9999, 8)
	assert.NoError(t, err)
}

func TestTCPPacketHandlerRoutesToListener(t *testing.T) {
	stack, rt := newTestStack(t)
	l, err := stack.VListen(testLocal.Port(), 8)
	require.NoError(t, err)

	ip, _ := syn(testRemote, 1000).build()
	require.NoError(t, stack.TCPPacketHandler(ip))
	assert.Equal(t, ListenerStats{InFlight: 1}, l.Stats())
	assert.Equal(t, 1, rt.taskCount())

	ip, _ = syn(testRemote, 1000).build()
	err = stack.TCPPacketHandler(ip)
	assert.True(t, errors.Is(err, ErrMalformed), "got %v", err)
}

func TestTCPPacketHandlerRejects(t *testing.T) {
	stack, _ := newTestStack(t)
	_, err := stack.VListen(testLocal.Port(), 8)
	require.NoError(t, err)

	t.Run("no listener", func(t *testing.T) {
		ip, _ := inSegment{src: testRemote, dst: testRemote2, flags: header.TCPFlagSyn}.build()
		err := stack.TCPPacketHandler(ip)
		assert.True(t, errors.Is(err, errNoSuchSocket), "got %v", err)
	})
	t.Run("bad checksum", func(t *testing.T) {
		ip, tcp := syn(testRemote, 1).build()
		tcp.SetChecksum(tcp.Checksum() + 1)
		assert.Equal(t, errBadChecksum, stack.TCPPacketHandler(ip))
	})
	t.Run("short", func(t *testing.T) {
		ip, _ := syn(testRemote, 1).build()
		assert.Equal(t, errShortPacket, stack.TCPPacketHandler(ip[:header.IPv4MinimumSize+4]))
	})
}

func TestListSockets(t *testing.T) {
	stack, _ := newTestStack(t)
	l1, err := stack.VListen(1, 8)
	require.NoError(t, err)
	l2, err := stack.VListen(2, 8)
	require.NoError(t, err)
	sid := stack.AddConn(testConn(testRemote))

	socks := stack.ListSockets()
	require.Len(t, socks, 3)
	assert.Same(t, l1, socks[0].Listen)
	assert.Same(t, l2, socks[1].Listen)
	assert.Equal(t, sid, socks[2].SID)
	assert.NotNil(t, socks[2].Conn)
}
