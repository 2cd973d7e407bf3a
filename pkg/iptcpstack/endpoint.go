package iptcpstack

import (
	"net/netip"

	"github.com/google/netstack/tcpip"
)

// Endpoint is one side of a connection: an address and a port.
type Endpoint = netip.AddrPort

func endpointFrom(addr tcpip.Address, port uint16) (Endpoint, bool) {
	a, ok := netip.AddrFromSlice([]byte(addr))
	if !ok {
		return Endpoint{}, false
	}
	return netip.AddrPortFrom(a.Unmap(), port), true
}

func tcpipAddr(a netip.Addr) tcpip.Address {
	return tcpip.Address(a.AsSlice())
}
