package conn

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"syscall"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"golang.org/x/sys/unix"
)

var (
	// Verifies at compile time that *NetBind implements the Bind interface.
	_ Bind     = (*NetBind)(nil)
	_ Endpoint = (*NetEndpoint)(nil)
)

// NetBind binds UDP sockets for both address families on the same
// port. It is reopened from scratch on every port change.
type NetBind struct {
	mu     sync.Mutex // protects all fields
	ipv4   *net.UDPConn
	ipv6   *net.UDPConn
	ipv4PC *ipv4.PacketConn
	ipv6PC *ipv6.PacketConn
	mark   uint32
}

func New() Bind {
	return &NetBind{}
}

func (*NetBind) ParseEndpoint(s string) (Endpoint, error) {
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return nil, err
	}
	return &NetEndpoint{AddrPort: ap}, nil
}

func listenNet(network string, port int) (*net.UDPConn, int, error) {
	var lc net.ListenConfig
	conn, err := lc.ListenPacket(context.Background(), network, ":"+strconv.Itoa(port))
	if err != nil {
		return nil, 0, err
	}
	// retrieve port
	localAddr := conn.LocalAddr()
	udpAddr, err := net.ResolveUDPAddr(
		localAddr.Network(),
		localAddr.String(),
	)
	if err != nil {
		return nil, 0, err
	}
	return conn.(*net.UDPConn), udpAddr.Port, nil
}

func (b *NetBind) Open(uport uint16) (uint16, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var err error
	var tries int
	if b.ipv4 != nil || b.ipv6 != nil {
		return 0, ErrBindAlreadyOpen
	}
	// Attempt to open ipv4 and ipv6 listeners on the same port.
	// If uport is 0, we can retry on failure.
	for {
		port := int(uport)
		var v4conn, v6conn *net.UDPConn
		v4conn, port, err = listenNet("udp4", port)
		// EAFNOSUPPORT: address family not supported by protocol
		if err != nil && !errors.Is(err, syscall.EAFNOSUPPORT) {
			return 0, err
		}
		// Listen on the same port as we're using for ipv4.
		v6conn, port, err = listenNet("udp6", port)
		// EADDRINUSE: address already in use
		if uport == 0 && errors.Is(err, syscall.EADDRINUSE) && tries < 100 {
			v4conn.Close()
			tries++
			continue
		}
		if err != nil && !errors.Is(err, syscall.EAFNOSUPPORT) {
			v4conn.Close()
			return 0, err
		}
		if v4conn != nil {
			b.ipv4PC = ipv4.NewPacketConn(v4conn)
			b.ipv4 = v4conn
		}
		if v6conn != nil {
			b.ipv6PC = ipv6.NewPacketConn(v6conn)
			b.ipv6 = v6conn
		}
		if b.ipv4 == nil && b.ipv6 == nil {
			return 0, syscall.EAFNOSUPPORT
		}
		if b.mark != 0 {
			if err := b.setMark(b.mark); err != nil {
				b.closeLocked()
				return 0, err
			}
		}
		return uint16(port), nil
	}
}

func (b *NetBind) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closeLocked()
}

func (b *NetBind) closeLocked() error {
	var err1, err2 error
	if b.ipv4 != nil {
		err1 = b.ipv4.Close()
		b.ipv4 = nil
		b.ipv4PC = nil
	}
	if b.ipv6 != nil {
		err2 = b.ipv6.Close()
		b.ipv6 = nil
		b.ipv6PC = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

var fwmarkIoctl int = unix.SO_MARK

func (b *NetBind) SetMark(mark uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	// Remember the mark so a future Open applies it too.
	b.mark = mark
	return b.setMark(mark)
}

func (b *NetBind) setMark(mark uint32) error {
	var operr error
	for _, conn := range []*net.UDPConn{b.ipv4, b.ipv6} {
		if conn == nil {
			continue
		}
		fd, err := conn.SyscallConn()
		if err != nil {
			return err
		}
		err = fd.Control(func(fd uintptr) {
			operr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, fwmarkIoctl, int(mark))
		})
		if err == nil {
			err = operr
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (b *NetBind) Send(buf []byte, ep Endpoint) error {
	b.mu.Lock()
	pc4, pc6 := b.ipv4PC, b.ipv6PC
	b.mu.Unlock()

	dst := ep.DstAddrPort()
	addr := &net.UDPAddr{IP: dst.Addr().AsSlice(), Port: int(dst.Port())}
	if dst.Addr().Is4() || dst.Addr().Is4In6() {
		if pc4 == nil {
			return ErrBindClosed
		}
		_, err := pc4.WriteTo(buf, nil, addr)
		return err
	}
	if pc6 == nil {
		return ErrBindClosed
	}
	_, err := pc6.WriteTo(buf, nil, addr)
	return err
}
