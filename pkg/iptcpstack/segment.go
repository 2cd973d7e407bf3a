package iptcpstack

import (
	"github.com/google/netstack/tcpip"
	"github.com/google/netstack/tcpip/header"
)

const (
	defaultTTL = 64

	// FallbackMSS is assumed when a SYN carries no MSS option (RFC 9293 3.7.1).
	FallbackMSS = header.TCPDefaultMSS
)

// Segment is an outgoing TCP segment with its link and network headers.
type Segment struct {
	Ethernet header.EthernetFields
	IPv4     header.IPv4Fields
	TCP      header.TCPFields
	Payload  []byte
}

// Encode lays the segment out as an Ethernet frame, filling in lengths and
// checksums.
func (s *Segment) Encode() []byte {
	tcpLen := header.TCPMinimumSize + len(s.Payload)
	ipLen := header.IPv4MinimumSize + tcpLen
	buf := make([]byte, header.EthernetMinimumSize+ipLen)

	eth := header.Ethernet(buf)
	eth.Encode(&s.Ethernet)

	ipf := s.IPv4
	ipf.IHL = header.IPv4MinimumSize
	ipf.TotalLength = uint16(ipLen)
	ip := header.IPv4(buf[header.EthernetMinimumSize:])
	ip.Encode(&ipf)
	ip.SetChecksum(^ip.CalculateChecksum())

	tcpf := s.TCP
	tcpf.DataOffset = header.TCPMinimumSize
	tcpf.Checksum = 0
	tcp := header.TCP(ip[header.IPv4MinimumSize:])
	tcp.Encode(&tcpf)
	copy(tcp[header.TCPMinimumSize:], s.Payload)
	tcp.SetChecksum(^tcpChecksum(ipf.SrcAddr, ipf.DstAddr, tcp))
	return buf
}

// tcpChecksum sums the IPv4 pseudo-header and the whole segment. A segment
// with a correct checksum field sums to 0xffff.
func tcpChecksum(src, dst tcpip.Address, seg []byte) uint16 {
	n := len(seg)
	xsum := header.Checksum([]byte(src), 0)
	xsum = header.Checksum([]byte(dst), xsum)
	xsum = header.Checksum([]byte{0, uint8(header.TCPProtocolNumber), byte(n >> 8), byte(n)}, xsum)
	return header.Checksum(seg, xsum)
}

func hasFlag(tcp header.TCP, flag uint8) bool {
	return tcp.Flags()&flag != 0
}
