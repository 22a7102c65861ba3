package device

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"

	"github.com/muhtutorials/wgconf/conn"
)

// queueStagedSize bounds packets parked on a peer while it has no
// usable endpoint or the device is down.
const queueStagedSize = 128

type Peer struct {
	device    *Device
	publicKey NoisePublicKey // immutable after creation

	keys struct {
		sync.RWMutex
		presharedKey            NoisePresharedKey
		precomputedStaticStatic [NoisePublicKeySize]byte
	}

	// The endpoint has its own lock: it is read on every outbound
	// packet and must not serialize against configuration work.
	endpoint struct {
		sync.Mutex
		val conn.Endpoint
	}

	lastHandshake               atomic.Int64 // nanoseconds since epoch
	rxBytes                     atomic.Uint64
	txBytes                     atomic.Uint64
	persistentKeepaliveInterval atomic.Uint32 // seconds, 0 disables

	queue struct {
		staged chan []byte
	}

	// nodes is the peer's routing table membership in insertion
	// order. Owned and guarded by the device's AllowedIPs.
	nodes list.List
}

func newPeer(d *Device, pk NoisePublicKey) *Peer {
	peer := &Peer{
		device:    d,
		publicKey: pk,
	}
	peer.queue.staged = make(chan []byte, queueStagedSize)
	return peer
}

func (peer *Peer) String() string {
	return "peer(" + peer.publicKey.String() + ")"
}

func (peer *Peer) PublicKey() NoisePublicKey { return peer.publicKey }

func (peer *Peer) SetPresharedKey(psk NoisePresharedKey) {
	peer.keys.Lock()
	peer.keys.presharedKey = psk
	peer.keys.Unlock()
}

func (peer *Peer) PresharedKey() NoisePresharedKey {
	peer.keys.RLock()
	defer peer.keys.RUnlock()
	return peer.keys.presharedKey
}

func (peer *Peer) SetEndpoint(ep conn.Endpoint) {
	peer.endpoint.Lock()
	peer.endpoint.val = ep
	peer.endpoint.Unlock()
}

func (peer *Peer) Endpoint() conn.Endpoint {
	peer.endpoint.Lock()
	defer peer.endpoint.Unlock()
	return peer.endpoint.val
}

func (peer *Peer) clearEndpointSrc() {
	peer.endpoint.Lock()
	if peer.endpoint.val != nil {
		peer.endpoint.val.ClearSrc()
	}
	peer.endpoint.Unlock()
}

func (peer *Peer) LastHandshake() time.Time {
	nano := peer.lastHandshake.Load()
	if nano == 0 {
		return time.Time{}
	}
	return time.Unix(0, nano)
}

// SetLastHandshake is called by the handshake subsystem when a
// handshake completes.
func (peer *Peer) SetLastHandshake(t time.Time) {
	peer.lastHandshake.Store(t.UnixNano())
}

func (peer *Peer) RxBytes() uint64 { return peer.rxBytes.Load() }
func (peer *Peer) TxBytes() uint64 { return peer.txBytes.Load() }

// AddRxBytes is called by the receive path.
func (peer *Peer) AddRxBytes(n uint64) { peer.rxBytes.Add(n) }

func (peer *Peer) PersistentKeepaliveInterval() uint32 {
	return peer.persistentKeepaliveInterval.Load()
}

// SetPersistentKeepaliveInterval returns the previous interval so the
// caller can detect a disabled-to-enabled transition.
func (peer *Peer) SetPersistentKeepaliveInterval(secs uint32) uint32 {
	return peer.persistentKeepaliveInterval.Swap(secs)
}

// StagePacket parks an outbound packet until the peer can send.
// The oldest staged packet is dropped when the queue is full.
func (peer *Peer) StagePacket(buf []byte) {
	for {
		select {
		case peer.queue.staged <- buf:
			return
		default:
		}
		select {
		case <-peer.queue.staged:
		default:
		}
	}
}

// FlushStagedPackets sends everything staged for this peer. Packets
// without a usable endpoint are dropped.
func (peer *Peer) FlushStagedPackets() {
	for {
		select {
		case buf := <-peer.queue.staged:
			peer.sendBuffer(buf)
		default:
			return
		}
	}
}

// SendKeepalive emits an empty transport message immediately.
func (peer *Peer) SendKeepalive() {
	if !peer.device.isUp() {
		return
	}
	peer.StagePacket([]byte{})
	peer.FlushStagedPackets()
}

func (peer *Peer) sendBuffer(buf []byte) {
	ep := peer.Endpoint()
	if ep == nil {
		return
	}
	if err := peer.device.sendBuffer(buf, ep); err != nil {
		peer.device.log.Debug("send failed", "peer", peer.String(), "error", err)
		return
	}
	peer.txBytes.Add(uint64(len(buf)))
}

func (peer *Peer) stop() {
	// Drain staged packets; the peer is leaving the device.
	for {
		select {
		case <-peer.queue.staged:
		default:
			return
		}
	}
}
