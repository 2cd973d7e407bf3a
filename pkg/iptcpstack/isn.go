package iptcpstack

import (
	"encoding/binary"

	"github.com/google/netstack/tcpip/seqnum"
	"golang.org/x/crypto/blake2s"
)

// ISNGenerator hands out initial sequence numbers in the manner of RFC 6528:
// a keyed hash of the connection's endpoints plus a counter that moves on
// every call. Two generators with the same seed produce the same sequence.
//
// It is not safe for concurrent use; VTCPListener calls it under its lock.
type ISNGenerator struct {
	key     [blake2s.Size]byte
	counter uint32
}

func NewISNGenerator(seed uint32) *ISNGenerator {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], seed)
	return &ISNGenerator{key: blake2s.Sum256(b[:])}
}

// Generate returns the next ISN for the (local, remote) pair.
func (g *ISNGenerator) Generate(local, remote Endpoint) seqnum.Value {
	h, err := blake2s.New256(g.key[:])
	if err != nil {
		// Only possible with a key longer than 32 bytes.
		panic(err)
	}
	var port [2]byte
	h.Write(local.Addr().AsSlice())
	binary.BigEndian.PutUint16(port[:], local.Port())
	h.Write(port[:])
	h.Write(remote.Addr().AsSlice())
	binary.BigEndian.PutUint16(port[:], remote.Port())
	h.Write(port[:])
	sum := h.Sum(nil)

	g.counter++
	return seqnum.Value(binary.BigEndian.Uint32(sum) + g.counter)
}
