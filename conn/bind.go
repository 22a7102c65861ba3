// Package conn implements the transport binding used by a device to
// send packets and to rebind its listening socket when the
// configuration changes.
package conn

import (
	"errors"
	"net/netip"
)

// A Bind owns the sockets of a device. Opening, closing and marking
// are driven by the configuration plane; Send is the only operation
// shared with the data path.
type Bind interface {
	// Open binds to the given port. A port of zero picks an
	// ephemeral port, returned as actualPort.
	Open(port uint16) (actualPort uint16, err error)

	// Close unbinds the sockets. Closing a bind that is not open
	// is a no-op.
	Close() error

	// SetMark assigns a firewall mark to outgoing packets.
	SetMark(mark uint32) error

	// Send transmits a single buffer to the endpoint destination.
	Send(buf []byte, ep Endpoint) error

	// ParseEndpoint turns an address:port string into an Endpoint.
	ParseEndpoint(s string) (Endpoint, error)
}

// An Endpoint is the remote address of a peer. The destination is
// fixed per endpoint value; the sticky source address is mutable and
// must be forgotten whenever the local socket or mark changes.
type Endpoint interface {
	// ClearSrc forgets the cached source address, forcing the
	// next send to re-resolve it.
	ClearSrc()
	DstToString() string
	DstAddrPort() netip.AddrPort
	DstIP() netip.Addr
}

var (
	ErrBindAlreadyOpen = errors.New("bind is already open")
	ErrBindClosed      = errors.New("bind is closed")
)

type NetEndpoint struct {
	// AddrPort is the endpoint destination.
	netip.AddrPort
	// src is the current sticky source address and interface index, if
	// supported. Typically this is a PKTINFO structure from/for control
	// messages, see unix.PKTINFO for an example.
	src []byte
}

func (e *NetEndpoint) ClearSrc() {
	if e.src != nil {
		// Truncate src, no need to reallocate.
		e.src = e.src[:0]
	}
}

func (e *NetEndpoint) DstToString() string {
	return e.AddrPort.String()
}

func (e *NetEndpoint) DstAddrPort() netip.AddrPort {
	return e.AddrPort
}

func (e *NetEndpoint) DstIP() netip.Addr {
	return e.AddrPort.Addr()
}
