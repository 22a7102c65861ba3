package device

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/mdlayher/netlink"
	"golang.org/x/sys/unix"

	"github.com/muhtutorials/wgconf/conn"
)

// setRequest is a fully parsed and validated configuration update.
// Parsing runs before the update lock is taken so a malformed payload
// never bumps the generation or touches device state.
type setRequest struct {
	hasFwmark bool
	fwmark    uint32

	hasPort bool
	port    uint16

	replacePeers bool

	hasPrivateKey bool
	privateKey    NoisePrivateKey

	peers []setPeerRequest
}

type setPeerRequest struct {
	hasPublicKey bool
	publicKey    NoisePublicKey

	remove            bool
	updateOnly        bool
	replaceAllowedIPs bool

	hasPresharedKey bool
	presharedKey    NoisePresharedKey

	hasEndpoint bool
	endpoint    netip.AddrPort

	hasKeepalive bool
	keepalive    uint16

	allowedIPs []allowedIPUpdate
}

// allowedIPUpdate is one allowed-IP entry as received. Family,
// address length and prefix bound are checked at apply time, so a
// violation aborts the call like any other per-peer failure and rolls
// back a peer the call created.
type allowedIPUpdate struct {
	family uint16
	addr   []byte
	cidr   uint8
}

func (u *allowedIPUpdate) prefix() (netip.Prefix, error) {
	switch u.family {
	case unix.AF_INET:
		if len(u.addr) != 4 {
			return netip.Prefix{}, fmt.Errorf("%w: IPv4 allowed IP address length %d", ErrSchema, len(u.addr))
		}
		if u.cidr > 32 {
			return netip.Prefix{}, fmt.Errorf("%w: IPv4 prefix length %d", ErrSchema, u.cidr)
		}
		return netip.PrefixFrom(netip.AddrFrom4([4]byte(u.addr)), int(u.cidr)), nil
	case unix.AF_INET6:
		if len(u.addr) != 16 {
			return netip.Prefix{}, fmt.Errorf("%w: IPv6 allowed IP address length %d", ErrSchema, len(u.addr))
		}
		if u.cidr > 128 {
			return netip.Prefix{}, fmt.Errorf("%w: IPv6 prefix length %d", ErrSchema, u.cidr)
		}
		return netip.PrefixFrom(netip.AddrFrom16([16]byte(u.addr)), int(u.cidr)), nil
	default:
		return netip.Prefix{}, fmt.Errorf("%w: allowed IP family %d", ErrSchema, u.family)
	}
}

// scrub wipes every secret the request holds.
func (r *setRequest) scrub() {
	setZero(r.privateKey[:])
	for i := range r.peers {
		setZero(r.peers[i].presharedKey[:])
	}
}

// ApplyConfig validates and applies one configuration update encoded
// as a netlink attribute payload. Sub-updates apply in a fixed order:
// fwmark, listen port, the replace-peers flag, the private key, then
// the peer list. The first error aborts the call but already applied
// sub-updates stay in place; the caller must re-dump to learn the
// resulting state.
//
// The payload and every internal copy of private or pre-shared key
// material are zeroed before returning, on success and on failure.
func (d *Device) ApplyConfig(payload []byte) error {
	defer setZero(payload)

	if d.closed.Load() {
		return ErrDeviceClosed
	}

	req, err := parseSetRequest(payload)
	if req != nil {
		defer req.scrub()
	}
	if err != nil {
		return err
	}

	d.updateLock.Lock()
	defer d.updateLock.Unlock()

	// Bumped up front, failure or not, so an in-flight dump sees the
	// configuration as changed.
	d.generation++

	if req.hasFwmark {
		if err := d.setFwmark(req.fwmark); err != nil {
			return err
		}
	}
	if req.hasPort {
		if err := d.setListenPort(req.port); err != nil {
			return fmt.Errorf("%w: %v", ErrTransportRebind, err)
		}
	}
	if req.replacePeers {
		d.removeAllPeersLocked()
	}
	if req.hasPrivateKey {
		d.setPrivateKeyLocked(req.privateKey)
	}
	for i := range req.peers {
		if err := d.setPeerLocked(&req.peers[i]); err != nil {
			return err
		}
	}
	d.log.Debug("configuration applied",
		"generation", d.generation, "peer_updates", len(req.peers))
	return nil
}

func (d *Device) setPeerLocked(pr *setPeerRequest) error {
	// An update naming the device's own key is accepted and ignored,
	// so bulk tooling can push the same peer set to every member of a
	// mesh.
	if pub, ok := d.PublicKey(); ok && pub.Equals(pr.publicKey) {
		return nil
	}

	peer := d.LookupPeer(pr.publicKey)
	created := false
	if peer == nil {
		if pr.remove {
			return fmt.Errorf("%w: %s", ErrPeerNotFound, pr.publicKey.String())
		}
		if pr.updateOnly {
			return nil
		}
		var err error
		peer, err = d.newPeerLocked(pr.publicKey)
		if err != nil {
			return err
		}
		created = true
	} else if pr.remove {
		d.removePeerLocked(peer)
		return nil
	}

	err := d.configurePeerLocked(peer, pr)
	if err != nil && created {
		// A peer born inside a failing update does not survive it.
		d.removePeerLocked(peer)
	}
	return err
}

func (d *Device) configurePeerLocked(peer *Peer, pr *setPeerRequest) error {
	if pr.hasPresharedKey {
		peer.SetPresharedKey(pr.presharedKey)
	}
	if pr.hasEndpoint {
		peer.SetEndpoint(&conn.NetEndpoint{AddrPort: pr.endpoint})
	}
	if pr.replaceAllowedIPs {
		d.allowedIPs.RemoveByPeer(peer)
	}
	for i := range pr.allowedIPs {
		prefix, err := pr.allowedIPs[i].prefix()
		if err != nil {
			return err
		}
		d.allowedIPs.Insert(prefix, peer)
	}
	if pr.hasKeepalive {
		prev := peer.SetPersistentKeepaliveInterval(uint32(pr.keepalive))
		if prev == 0 && pr.keepalive > 0 && d.isUp() {
			peer.SendKeepalive()
		}
	}
	if d.isUp() {
		peer.FlushStagedPackets()
	}
	return nil
}

func parseSetRequest(payload []byte) (*setRequest, error) {
	req := new(setRequest)
	ad, err := netlink.NewAttributeDecoder(payload)
	if err != nil {
		return req, fmt.Errorf("%w: %v", ErrSchema, err)
	}
	for ad.Next() {
		switch ad.Type() {
		case DeviceAFwmark:
			req.hasFwmark = true
			req.fwmark = ad.Uint32()
		case DeviceAListenPort:
			req.hasPort = true
			req.port = ad.Uint16()
		case DeviceAFlags:
			flags := ad.Uint32()
			if flags&^DeviceFReplacePeers != 0 {
				return req, fmt.Errorf("%w: unknown device flags %#x", ErrSchema, flags)
			}
			req.replacePeers = flags&DeviceFReplacePeers != 0
		case DeviceAPrivateKey:
			b := ad.Bytes()
			if len(b) != NoisePrivateKeySize {
				setZero(b)
				return req, fmt.Errorf("%w: private key length %d", ErrSchema, len(b))
			}
			copy(req.privateKey[:], b)
			setZero(b)
			req.hasPrivateKey = true
		case DeviceAPeers:
			ad.Nested(func(nad *netlink.AttributeDecoder) error {
				for nad.Next() {
					var pr setPeerRequest
					nad.Nested(parsePeerUpdate(&pr))
					if err := nad.Err(); err != nil {
						return err
					}
					req.peers = append(req.peers, pr)
				}
				return nil
			})
		}
		// Unknown tags are ignored.
	}
	if err := ad.Err(); err != nil {
		return req, schemaErr(err)
	}
	return req, nil
}

func parsePeerUpdate(pr *setPeerRequest) func(*netlink.AttributeDecoder) error {
	return func(ad *netlink.AttributeDecoder) error {
		if err := decodePeerUpdate(ad, pr); err != nil {
			// A rejected update may already hold a copied pre-shared
			// key.
			setZero(pr.presharedKey[:])
			return err
		}
		return nil
	}
}

func decodePeerUpdate(ad *netlink.AttributeDecoder, pr *setPeerRequest) error {
	for ad.Next() {
		switch ad.Type() {
		case PeerAPublicKey:
			b := ad.Bytes()
			if len(b) != NoisePublicKeySize {
				return fmt.Errorf("%w: peer public key length %d", ErrSchema, len(b))
			}
			copy(pr.publicKey[:], b)
			pr.hasPublicKey = true
		case PeerAPresharedKey:
			b := ad.Bytes()
			if len(b) != NoisePresharedKeySize {
				setZero(b)
				return fmt.Errorf("%w: pre-shared key length %d", ErrSchema, len(b))
			}
			copy(pr.presharedKey[:], b)
			setZero(b)
			pr.hasPresharedKey = true
		case PeerAFlags:
			flags := ad.Uint32()
			const known = PeerFRemoveMe | PeerFReplaceAllowedips | PeerFUpdateOnly
			if flags&^uint32(known) != 0 {
				return fmt.Errorf("%w: unknown peer flags %#x", ErrSchema, flags)
			}
			pr.remove = flags&PeerFRemoveMe != 0
			pr.replaceAllowedIPs = flags&PeerFReplaceAllowedips != 0
			pr.updateOnly = flags&PeerFUpdateOnly != 0
		case PeerAEndpoint:
			// Unsupported sockaddr families are skipped, not
			// rejected.
			if ap, ok := ParseSockaddr(ad.Bytes()); ok {
				pr.hasEndpoint = true
				pr.endpoint = ap
			}
		case PeerAPersistentKeepaliveInterval:
			pr.hasKeepalive = true
			pr.keepalive = ad.Uint16()
		case PeerAAllowedips:
			ad.Nested(func(nad *netlink.AttributeDecoder) error {
				for nad.Next() {
					nad.Nested(parseAllowedIP(&pr.allowedIPs))
					if err := nad.Err(); err != nil {
						return err
					}
				}
				return nil
			})
		case PeerAProtocolVersion:
			if v := ad.Uint32(); v != 1 {
				return fmt.Errorf("%w: unsupported protocol version %d", ErrSchema, v)
			}
		}
	}
	if err := ad.Err(); err != nil {
		return schemaErr(err)
	}
	if !pr.hasPublicKey {
		return fmt.Errorf("%w: peer update missing public key", ErrSchema)
	}
	return nil
}

func parseAllowedIP(out *[]allowedIPUpdate) func(*netlink.AttributeDecoder) error {
	return func(ad *netlink.AttributeDecoder) error {
		var (
			u    allowedIPUpdate
			have struct{ family, addr, cidr bool }
		)
		for ad.Next() {
			switch ad.Type() {
			case AllowedipAFamily:
				u.family = ad.Uint16()
				have.family = true
			case AllowedipAIpaddr:
				u.addr = ad.Bytes()
				have.addr = true
			case AllowedipACidrMask:
				u.cidr = ad.Uint8()
				have.cidr = true
			}
		}
		if err := ad.Err(); err != nil {
			return schemaErr(err)
		}
		if !have.family || !have.addr || !have.cidr {
			return fmt.Errorf("%w: incomplete allowed IP entry", ErrSchema)
		}
		*out = append(*out, u)
		return nil
	}
}

// schemaErr tags decoder errors as schema violations without double
// wrapping errors that already are.
func schemaErr(err error) error {
	if errors.Is(err, ErrSchema) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrSchema, err)
}
