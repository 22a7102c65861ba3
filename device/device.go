package device

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"
	"github.com/muhtutorials/wgconf/conn"
)

// maximum number of configured peers
const MaxPeers = 1 << 16

var (
	ErrDeviceClosed = errors.New("device closed")
	ErrTooManyPeers = errors.New("too many peers")
	ErrPeerExists   = errors.New("adding existing peer")
)

type Device struct {
	name    string
	ifindex uint32
	log     hclog.Logger

	closed  atomic.Bool
	running atomic.Bool

	// updateLock serializes configuration reads and writes: the peer
	// list, the identity, port and fwmark, and the generation counter.
	// It is never held across more than one dump chunk.
	updateLock sync.Mutex

	// generation is bumped on every configuration apply that acquired
	// updateLock, successful or not. Dumps snapshot it per chunk so a
	// consumer can detect that the configuration changed under it.
	generation uint32

	net struct {
		sync.RWMutex
		bind   conn.Bind
		port   uint16
		fwmark uint32
	}

	staticIdentity struct {
		sync.RWMutex
		hasIdentity bool
		privateKey  NoisePrivateKey
		publicKey   NoisePublicKey
	}

	peers struct {
		sync.RWMutex
		keyMap map[NoisePublicKey]*Peer
		// list keeps insertion order; dumps rely on it being stable
		// between chunks of an unchanged generation.
		list []*Peer
	}

	allowedIPs AllowedIPs
}

func NewDevice(name string, ifindex uint32, bind conn.Bind, logger hclog.Logger) *Device {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	d := &Device{
		name:    name,
		ifindex: ifindex,
		log:     logger,
	}
	d.net.bind = bind
	d.peers.keyMap = make(map[NoisePublicKey]*Peer)
	return d
}

func (d *Device) Name() string { return d.name }

func (d *Device) Ifindex() uint32 { return d.ifindex }

func (d *Device) ListenPort() uint16 {
	d.net.RLock()
	defer d.net.RUnlock()
	return d.net.port
}

func (d *Device) Fwmark() uint32 {
	d.net.RLock()
	defer d.net.RUnlock()
	return d.net.fwmark
}

// Generation returns the configuration generation counter.
func (d *Device) Generation() uint32 {
	d.updateLock.Lock()
	defer d.updateLock.Unlock()
	return d.generation
}

func (d *Device) AllowedIPs() *AllowedIPs { return &d.allowedIPs }

// Identity returns the static key pair, if one is configured.
func (d *Device) Identity() (priv NoisePrivateKey, pub NoisePublicKey, ok bool) {
	d.staticIdentity.RLock()
	defer d.staticIdentity.RUnlock()
	return d.staticIdentity.privateKey, d.staticIdentity.publicKey, d.staticIdentity.hasIdentity
}

// PublicKey returns the device's public key and whether an identity
// is configured.
func (d *Device) PublicKey() (NoisePublicKey, bool) {
	d.staticIdentity.RLock()
	defer d.staticIdentity.RUnlock()
	return d.staticIdentity.publicKey, d.staticIdentity.hasIdentity
}

func (d *Device) LookupPeer(pk NoisePublicKey) *Peer {
	d.peers.RLock()
	defer d.peers.RUnlock()
	return d.peers.keyMap[pk]
}

// Peers returns the peers in insertion order.
func (d *Device) Peers() []*Peer {
	d.peers.RLock()
	defer d.peers.RUnlock()
	return append([]*Peer(nil), d.peers.list...)
}

func (d *Device) NumPeers() int {
	d.peers.RLock()
	defer d.peers.RUnlock()
	return len(d.peers.list)
}

func (d *Device) isUp() bool { return d.running.Load() }

// NewPeer creates and registers a peer for the given public key.
func (d *Device) NewPeer(pk NoisePublicKey) (*Peer, error) {
	d.updateLock.Lock()
	defer d.updateLock.Unlock()
	return d.newPeerLocked(pk)
}

func (d *Device) newPeerLocked(pk NoisePublicKey) (*Peer, error) {
	if d.closed.Load() {
		return nil, ErrDeviceClosed
	}

	d.peers.Lock()
	defer d.peers.Unlock()

	if len(d.peers.list) >= MaxPeers {
		return nil, ErrTooManyPeers
	}
	if _, ok := d.peers.keyMap[pk]; ok {
		return nil, ErrPeerExists
	}

	peer := newPeer(d, pk)
	if err := d.precomputeStaticStatic(peer); err != nil {
		return nil, err
	}

	d.peers.keyMap[pk] = peer
	d.peers.list = append(d.peers.list, peer)
	d.log.Debug("peer created", "peer", peer.String())
	return peer, nil
}

// precomputeStaticStatic derives the static-static shared secret for
// one peer. Without an identity the secret is simply cleared; with
// one, a public key the new private key cannot pair with is an error
// and the caller removes the peer.
func (d *Device) precomputeStaticStatic(peer *Peer) error {
	d.staticIdentity.RLock()
	defer d.staticIdentity.RUnlock()

	peer.keys.Lock()
	defer peer.keys.Unlock()

	if !d.staticIdentity.hasIdentity {
		peer.keys.precomputedStaticStatic = [NoisePublicKeySize]byte{}
		return nil
	}
	ss, err := d.staticIdentity.privateKey.sharedSecret(peer.publicKey)
	if err != nil {
		return err
	}
	peer.keys.precomputedStaticStatic = ss
	return nil
}

// RemovePeer deletes the peer with the given key, if present.
func (d *Device) RemovePeer(pk NoisePublicKey) {
	d.updateLock.Lock()
	defer d.updateLock.Unlock()
	if peer := d.LookupPeer(pk); peer != nil {
		d.removePeerLocked(peer)
	}
}

func (d *Device) removePeerLocked(peer *Peer) {
	// Routing table entries go first so no packet can route to a
	// peer that is half torn down.
	d.allowedIPs.RemoveByPeer(peer)

	d.peers.Lock()
	delete(d.peers.keyMap, peer.publicKey)
	for i, p := range d.peers.list {
		if p == peer {
			d.peers.list = append(d.peers.list[:i], d.peers.list[i+1:]...)
			break
		}
	}
	d.peers.Unlock()

	peer.stop()
	d.log.Debug("peer removed", "peer", peer.String())
}

func (d *Device) removeAllPeersLocked() {
	d.peers.Lock()
	list := d.peers.list
	d.peers.list = nil
	d.peers.keyMap = make(map[NoisePublicKey]*Peer)
	d.peers.Unlock()

	for _, peer := range list {
		d.allowedIPs.RemoveByPeer(peer)
		peer.stop()
	}
	d.log.Debug("all peers removed", "count", len(list))
}

// SetPrivateKey rotates the static identity. A zero key clears it.
func (d *Device) SetPrivateKey(sk NoisePrivateKey) {
	d.updateLock.Lock()
	defer d.updateLock.Unlock()
	d.setPrivateKeyLocked(sk)
}

func (d *Device) setPrivateKeyLocked(sk NoisePrivateKey) {
	// Remove any peer matching the new public key before installing
	// it, so the device never carries a peer for itself.
	if !sk.IsZero() {
		pk := sk.publicKey()
		if peer := d.LookupPeer(pk); peer != nil {
			d.removePeerLocked(peer)
		}
	}

	d.staticIdentity.Lock()
	if sk.IsZero() {
		d.staticIdentity.hasIdentity = false
		setZero(d.staticIdentity.privateKey[:])
		setZero(d.staticIdentity.publicKey[:])
	} else {
		d.staticIdentity.hasIdentity = true
		d.staticIdentity.privateKey = sk
		d.staticIdentity.publicKey = sk.publicKey()
	}
	d.staticIdentity.Unlock()

	// Re-derive every remaining peer's shared secret. A peer the new
	// key cannot pair with is unusable and gets removed.
	for _, peer := range d.Peers() {
		if err := d.precomputeStaticStatic(peer); err != nil {
			d.log.Debug("removing peer after failed precompute", "peer", peer.String())
			d.removePeerLocked(peer)
		}
	}
	d.log.Debug("private key updated")
}

// clearEndpointSrcs forgets every peer's sticky source address so the
// next send re-resolves it against the current socket and mark.
func (d *Device) clearEndpointSrcs() {
	for _, peer := range d.Peers() {
		peer.clearEndpointSrc()
	}
}

func (d *Device) setFwmark(mark uint32) error {
	d.net.Lock()
	d.net.fwmark = mark
	bind := d.net.bind
	d.net.Unlock()

	d.clearEndpointSrcs()
	if bind != nil {
		return bind.SetMark(mark)
	}
	return nil
}

// setListenPort rebinds the transport on a port change. The old
// socket is always torn down; a reopen only happens while the device
// is up, and its failure is the caller's error.
func (d *Device) setListenPort(port uint16) error {
	d.net.Lock()
	defer d.net.Unlock()
	if d.net.port == port {
		return nil
	}
	if err := d.net.bind.Close(); err != nil {
		return err
	}
	d.net.port = port
	d.clearEndpointSrcs()
	if !d.running.Load() {
		return nil
	}
	actual, err := d.net.bind.Open(port)
	if err != nil {
		return err
	}
	d.net.port = actual
	return nil
}

// Up opens the transport and starts serving peers.
func (d *Device) Up() error {
	d.updateLock.Lock()
	defer d.updateLock.Unlock()
	if d.closed.Load() {
		return ErrDeviceClosed
	}
	if d.running.Load() {
		return nil
	}

	d.net.Lock()
	actual, err := d.net.bind.Open(d.net.port)
	if err != nil {
		d.net.Unlock()
		return err
	}
	d.net.port = actual
	d.net.Unlock()

	d.running.Store(true)
	for _, peer := range d.Peers() {
		peer.FlushStagedPackets()
		if peer.PersistentKeepaliveInterval() > 0 {
			peer.SendKeepalive()
		}
	}
	d.log.Info("device up", "port", actual)
	return nil
}

// Down stops the transport. Configuration stays intact.
func (d *Device) Down() error {
	d.updateLock.Lock()
	defer d.updateLock.Unlock()
	if !d.running.Swap(false) {
		return nil
	}
	d.net.Lock()
	err := d.net.bind.Close()
	d.net.Unlock()
	d.log.Info("device down")
	return err
}

// Close tears the device down permanently.
func (d *Device) Close() {
	if d.closed.Swap(true) {
		return
	}
	d.Down()
	d.updateLock.Lock()
	d.removeAllPeersLocked()
	d.updateLock.Unlock()
	d.log.Info("device closed")
}

func (d *Device) sendBuffer(buf []byte, ep conn.Endpoint) error {
	d.net.RLock()
	bind := d.net.bind
	d.net.RUnlock()
	if bind == nil {
		return conn.ErrBindClosed
	}
	return bind.Send(buf, ep)
}
