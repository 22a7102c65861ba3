package device

import (
	"encoding/binary"
	"net/netip"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Generic netlink identity of the configuration family.
const (
	GenlName    = "wireguard"
	GenlVersion = 1
)

// Commands.
const (
	CmdGetDevice = 0
	CmdSetDevice = 1
)

// Device-level attribute tags.
const (
	DeviceAUnspec = iota
	DeviceAIfindex
	DeviceAIfname
	DeviceAPrivateKey
	DeviceAPublicKey
	DeviceAFlags
	DeviceAListenPort
	DeviceAFwmark
	DeviceAPeers
)

const DeviceFReplacePeers = 1 << 0

// Peer-level attribute tags.
const (
	PeerAUnspec = iota
	PeerAPublicKey
	PeerAPresharedKey
	PeerAFlags
	PeerAEndpoint
	PeerAPersistentKeepaliveInterval
	PeerALastHandshakeTime
	PeerARxBytes
	PeerATxBytes
	PeerAAllowedips
	PeerAProtocolVersion
)

const (
	PeerFRemoveMe          = 1 << 0
	PeerFReplaceAllowedips = 1 << 1
	PeerFUpdateOnly        = 1 << 2
)

// Allowed-IP attribute tags.
const (
	AllowedipAUnspec = iota
	AllowedipAFamily
	AllowedipAIpaddr
	AllowedipACidrMask
)

// Last-handshake timestamps travel as two 64-bit words, seconds then
// nanoseconds.
const timespecSize = 16

// Netlink attribute framing: a 4-byte header, payload padded to a
// 4-byte boundary. Dump planning uses these to know what fits before
// anything is encoded.
const nlaHeaderLen = 4

func nlaAlign(n int) int {
	return (n + 3) &^ 3
}

func nlaSize(payload int) int {
	return nlaHeaderLen + nlaAlign(payload)
}

// SockaddrBytes converts an endpoint destination to raw sockaddr_in
// or sockaddr_in6 bytes, the on-wire form of PeerAEndpoint.
func SockaddrBytes(ap netip.AddrPort) []byte {
	if ap.Addr().Is4() || ap.Addr().Is4In6() {
		sa := unix.RawSockaddrInet4{
			Family: unix.AF_INET,
			Port:   sockaddrPort(ap.Port()),
			Addr:   ap.Addr().As4(),
		}
		b := (*(*[unix.SizeofSockaddrInet4]byte)(unsafe.Pointer(&sa)))[:]
		return append([]byte(nil), b...)
	}
	sa := unix.RawSockaddrInet6{
		Family: unix.AF_INET6,
		Port:   sockaddrPort(ap.Port()),
		Addr:   ap.Addr().As16(),
	}
	b := (*(*[unix.SizeofSockaddrInet6]byte)(unsafe.Pointer(&sa)))[:]
	return append([]byte(nil), b...)
}

// ParseSockaddr converts raw sockaddr bytes back to an address and
// port. ok is false for any family or length this device does not
// speak; such endpoints are skipped, not errors.
func ParseSockaddr(b []byte) (netip.AddrPort, bool) {
	switch len(b) {
	case unix.SizeofSockaddrInet4:
		sa := (*unix.RawSockaddrInet4)(unsafe.Pointer(&b[0]))
		if sa.Family != unix.AF_INET {
			return netip.AddrPort{}, false
		}
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), portFromSockaddr(sa.Port)), true
	case unix.SizeofSockaddrInet6:
		sa := (*unix.RawSockaddrInet6)(unsafe.Pointer(&b[0]))
		if sa.Family != unix.AF_INET6 {
			return netip.AddrPort{}, false
		}
		return netip.AddrPortFrom(netip.AddrFrom16(sa.Addr), portFromSockaddr(sa.Port)), true
	default:
		return netip.AddrPort{}, false
	}
}

// sockaddrPort encodes a port in network byte order as stored in a
// raw sockaddr, regardless of host endianness.
func sockaddrPort(port uint16) uint16 {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], port)
	return *(*uint16)(unsafe.Pointer(&b[0]))
}

func portFromSockaddr(raw uint16) uint16 {
	b := (*[2]byte)(unsafe.Pointer(&raw))
	return binary.BigEndian.Uint16(b[:])
}
