// Package bindtest provides an in-memory conn.Bind for tests.
package bindtest

import (
	"net/netip"
	"sync"

	"github.com/muhtutorials/wgconf/conn"
)

type Packet struct {
	Data []byte
	Dst  string
}

// Bind records every operation instead of touching sockets.
type Bind struct {
	mu       sync.Mutex
	open     bool
	port     uint16
	nextPort uint16

	// OpenErr, when non-nil, fails the next Open call.
	OpenErr error

	opens  int
	closes int
	marks  []uint32
	sent   []Packet
}

var _ conn.Bind = (*Bind)(nil)

func New() *Bind {
	return &Bind{nextPort: 32768}
}

func (b *Bind) Open(port uint16) (uint16, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.open {
		return 0, conn.ErrBindAlreadyOpen
	}
	if b.OpenErr != nil {
		err := b.OpenErr
		b.OpenErr = nil
		return 0, err
	}
	if port == 0 {
		port = b.nextPort
		b.nextPort++
	}
	b.open = true
	b.port = port
	b.opens++
	return port, nil
}

func (b *Bind) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.open {
		b.open = false
		b.closes++
	}
	return nil
}

func (b *Bind) SetMark(mark uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.marks = append(b.marks, mark)
	return nil
}

func (b *Bind) Send(buf []byte, ep conn.Endpoint) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return conn.ErrBindClosed
	}
	data := make([]byte, len(buf))
	copy(data, buf)
	b.sent = append(b.sent, Packet{Data: data, Dst: ep.DstToString()})
	return nil
}

func (*Bind) ParseEndpoint(s string) (conn.Endpoint, error) {
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return nil, err
	}
	return &conn.NetEndpoint{AddrPort: ap}, nil
}

func (b *Bind) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

func (b *Bind) Port() uint16 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.port
}

func (b *Bind) Opens() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opens
}

func (b *Bind) Marks() []uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]uint32(nil), b.marks...)
}

func (b *Bind) Sent() []Packet {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Packet(nil), b.sent...)
}
