package device

import (
	"encoding/binary"
	"net/netip"

	"github.com/mdlayher/netlink"
	"golang.org/x/sys/unix"
)

// DumpCursor walks a device's configuration in chunks. Each chunk is a
// self-contained attribute payload no larger than the byte budget the
// caller passes to Next. The cursor remembers the last fully emitted
// peer and, within a peer whose allowed-IP list did not fit, the index
// of the next unwritten entry, so a dump survives arbitrarily small
// budgets and arbitrary peer counts.
//
// The device lock is held only for the duration of a single Next call.
// Configuration may change between chunks; every chunk carries the
// generation it was cut from so the consumer can detect that and
// restart.
type DumpCursor struct {
	device *Device

	started     bool
	hasLastPeer bool
	lastPeer    NoisePublicKey
	aipIndex    int
	done        bool
}

// NewDumpCursor starts a configuration dump of the device.
func (d *Device) NewDumpCursor() *DumpCursor {
	return &DumpCursor{device: d}
}

// Close releases the cursor. Further Next calls fail.
func (c *DumpCursor) Close() {
	c.device = nil
}

// peerPlan is one peer's share of a chunk, decided before encoding.
type peerPlan struct {
	peer *Peer
	// full selects the non-identity fields. They are emitted exactly
	// once per peer, on the chunk where its allowed-IP walk begins.
	full bool
	// endpoint is the sockaddr captured at planning time. The endpoint
	// has its own lock and may change before the chunk is encoded;
	// sizing and encoding must see the same value.
	endpoint  []byte
	aips      []netip.Prefix
	truncated bool
	nextAIP   int
}

// Next cuts the next chunk, at most maxBytes of encoded attributes.
// seq is the device generation the chunk was cut from. done reports
// that this chunk is the last one; a subsequent Next returns an empty
// done chunk. ErrMessageTooSmall means maxBytes cannot fit enough
// content to guarantee forward progress.
func (c *DumpCursor) Next(maxBytes int) (payload []byte, seq uint32, done bool, err error) {
	if c.device == nil {
		return nil, 0, true, ErrCursorClosed
	}
	d := c.device
	if d.closed.Load() {
		return nil, 0, true, ErrDeviceClosed
	}

	d.updateLock.Lock()
	defer d.updateLock.Unlock()

	seq = d.generation
	if c.done {
		return nil, seq, true, nil
	}

	budget := maxBytes
	first := !c.started

	priv, pub, hasIdentity := d.Identity()
	if first {
		n := nlaSize(4) + // ifindex
			nlaSize(len(d.name)+1) + // ifname, NUL terminated
			nlaSize(2) + // listen port
			nlaSize(4) // fwmark
		if hasIdentity {
			n += 2 * nlaSize(NoisePublicKeySize)
		}
		if n > budget {
			return nil, seq, false, ErrMessageTooSmall
		}
		budget -= n
	}
	// Reserve the peer container header up front.
	budget -= nlaHeaderLen

	d.peers.RLock()
	list := append([]*Peer(nil), d.peers.list...)
	d.peers.RUnlock()

	// Resume after the last fully emitted peer. If that peer was
	// removed since the previous chunk the walk simply ends: peers are
	// identified by key, not position, so nothing else can be skipped
	// or repeated by accident.
	start := 0
	if c.hasLastPeer {
		start = len(list)
		for i, p := range list {
			if p.publicKey.Equals(c.lastPeer) {
				start = i + 1
				break
			}
		}
	}

	var plans []peerPlan
	allDone := true
	progress := first
	aipStart := c.aipIndex

	for i := start; i < len(list); i++ {
		p := list[i]
		pp := peerPlan{peer: p, full: aipStart == 0}
		if pp.full {
			if ep := p.Endpoint(); ep != nil {
				pp.endpoint = SockaddrBytes(ep.DstAddrPort())
			}
		}
		base := peerBaseSize(pp.full, pp.endpoint)
		if base > budget {
			allDone = false
			break
		}
		budget -= base

		next, complete := d.allowedIPs.WalkByPeer(p, aipStart, func(prefix netip.Prefix) bool {
			sz := allowedIPSize(prefix)
			if sz > budget {
				return false
			}
			budget -= sz
			pp.aips = append(pp.aips, prefix)
			return true
		})
		if !complete && len(pp.aips) == 0 {
			// The base fields fit but none of the peer's remaining
			// allowed IPs did. Emitting the peer now would re-emit
			// its one-shot fields on resume, so leave the whole peer
			// to the next chunk.
			allDone = false
			break
		}
		if pp.full || len(pp.aips) > 0 {
			progress = true
		}
		if !complete {
			// The peer's nest stays in the chunk with whatever fit;
			// the next chunk continues its allowed-IP list.
			pp.truncated = true
			pp.nextAIP = next
			plans = append(plans, pp)
			allDone = false
			break
		}
		plans = append(plans, pp)
		aipStart = 0
	}

	if !allDone && !progress {
		return nil, seq, false, ErrMessageTooSmall
	}

	ae := netlink.NewAttributeEncoder()
	if first {
		ae.Uint32(DeviceAIfindex, d.ifindex)
		ae.String(DeviceAIfname, d.name)
		d.net.RLock()
		ae.Uint16(DeviceAListenPort, d.net.port)
		ae.Uint32(DeviceAFwmark, d.net.fwmark)
		d.net.RUnlock()
		if hasIdentity {
			ae.Bytes(DeviceAPrivateKey, priv[:])
			ae.Bytes(DeviceAPublicKey, pub[:])
		}
	}
	if len(plans) > 0 {
		ae.Nested(DeviceAPeers, func(nae *netlink.AttributeEncoder) error {
			for i := range plans {
				pp := &plans[i]
				nae.Nested(uint16(i), func(pae *netlink.AttributeEncoder) error {
					encodePeerPlan(pae, pp)
					return nil
				})
			}
			return nil
		})
	}
	payload, err = ae.Encode()
	if err != nil {
		return nil, seq, false, err
	}

	// Commit the cursor only after a successful encode.
	c.started = true
	for _, pp := range plans {
		if pp.truncated {
			c.aipIndex = pp.nextAIP
			break
		}
		c.lastPeer = pp.peer.publicKey
		c.hasLastPeer = true
		c.aipIndex = 0
	}
	if allDone {
		c.done = true
	}
	return payload, seq, c.done, nil
}

func encodePeerPlan(pae *netlink.AttributeEncoder, pp *peerPlan) {
	p := pp.peer
	pae.Bytes(PeerAPublicKey, p.publicKey[:])
	if pp.full {
		psk := p.PresharedKey()
		pae.Bytes(PeerAPresharedKey, psk[:])

		ts := make([]byte, timespecSize)
		if t := p.LastHandshake(); !t.IsZero() {
			binary.LittleEndian.PutUint64(ts[0:8], uint64(t.Unix()))
			binary.LittleEndian.PutUint64(ts[8:16], uint64(t.Nanosecond()))
		}
		pae.Bytes(PeerALastHandshakeTime, ts)

		pae.Uint16(PeerAPersistentKeepaliveInterval, uint16(p.PersistentKeepaliveInterval()))
		pae.Uint64(PeerARxBytes, p.RxBytes())
		pae.Uint64(PeerATxBytes, p.TxBytes())

		if len(pp.endpoint) > 0 {
			pae.Bytes(PeerAEndpoint, pp.endpoint)
		}
	}
	if len(pp.aips) > 0 {
		pae.Nested(PeerAAllowedips, func(aae *netlink.AttributeEncoder) error {
			for j, prefix := range pp.aips {
				prefix := prefix
				aae.Nested(uint16(j), func(e *netlink.AttributeEncoder) error {
					if prefix.Addr().Is4() {
						e.Uint16(AllowedipAFamily, unix.AF_INET)
						addr := prefix.Addr().As4()
						e.Bytes(AllowedipAIpaddr, addr[:])
					} else {
						e.Uint16(AllowedipAFamily, unix.AF_INET6)
						addr := prefix.Addr().As16()
						e.Bytes(AllowedipAIpaddr, addr[:])
					}
					e.Uint8(AllowedipACidrMask, uint8(prefix.Bits()))
					return nil
				})
			}
			return nil
		})
	}
}

// peerBaseSize is the encoded size of a peer's nest before any
// allowed-IP entries: the nest header, the public key, the container
// header of the allowed-IP list, and, when full, the one-shot fields
// including the captured endpoint sockaddr.
func peerBaseSize(full bool, endpoint []byte) int {
	n := nlaHeaderLen // the peer's own nest header
	n += nlaSize(NoisePublicKeySize)
	n += nlaHeaderLen // allowed-IP container header
	if full {
		n += nlaSize(NoisePresharedKeySize)
		n += nlaSize(timespecSize)
		n += nlaSize(2) // keepalive interval
		n += 2 * nlaSize(8)
		if len(endpoint) > 0 {
			n += nlaSize(len(endpoint))
		}
	}
	return n
}

func allowedIPSize(prefix netip.Prefix) int {
	n := nlaHeaderLen // the entry's nest header
	n += nlaSize(2)   // family
	if prefix.Addr().Is4() {
		n += nlaSize(4)
	} else {
		n += nlaSize(16)
	}
	n += nlaSize(1) // cidr
	return n
}
