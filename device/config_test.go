package device

import (
	"errors"
	"net/netip"
	"sync/atomic"
	"testing"

	"github.com/mdlayher/netlink"
	"golang.org/x/sys/unix"

	"github.com/muhtutorials/wgconf/conn"
	"github.com/muhtutorials/wgconf/conn/bindtest"
)

func encodeAttrs(t *testing.T, fn func(*netlink.AttributeEncoder)) []byte {
	t.Helper()
	ae := netlink.NewAttributeEncoder()
	fn(ae)
	b, err := ae.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return b
}

func encodePeerUpdates(ae *netlink.AttributeEncoder, peers ...func(*netlink.AttributeEncoder)) {
	ae.Nested(DeviceAPeers, func(nae *netlink.AttributeEncoder) error {
		for i, fn := range peers {
			fn := fn
			nae.Nested(uint16(i), func(pae *netlink.AttributeEncoder) error {
				fn(pae)
				return nil
			})
		}
		return nil
	})
}

func encodeAllowedIPAttr(ae *netlink.AttributeEncoder, prefixes ...netip.Prefix) {
	ae.Nested(PeerAAllowedips, func(nae *netlink.AttributeEncoder) error {
		for i, prefix := range prefixes {
			prefix := prefix
			nae.Nested(uint16(i), func(e *netlink.AttributeEncoder) error {
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

// testEndpoint records ClearSrc calls.
type testEndpoint struct {
	conn.NetEndpoint
	cleared atomic.Int32
}

func (e *testEndpoint) ClearSrc() { e.cleared.Add(1) }

func TestApplyEndToEnd(t *testing.T) {
	d := newTestDevice(t)
	sk, err := NewPrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	pub := sk.publicKey()
	gen := d.Generation()

	payload := encodeAttrs(t, func(ae *netlink.AttributeEncoder) {
		encodePeerUpdates(ae, func(pae *netlink.AttributeEncoder) {
			pae.Bytes(PeerAPublicKey, pub[:])
			encodeAllowedIPAttr(pae, mustPrefix(t, "10.0.0.0/24"))
		})
	})
	if err := d.ApplyConfig(payload); err != nil {
		t.Fatalf("ApplyConfig: %v", err)
	}
	if got := d.Generation(); got != gen+1 {
		t.Fatalf("generation = %d, want %d", got, gen+1)
	}

	res := collectDump(t, d, 4096)
	if len(res.peers) != 1 || !res.peers[0].pub.Equals(pub) {
		t.Fatalf("dump shows %d peers", len(res.peers))
	}
	aips := res.peers[0].aips
	if len(aips) != 1 || aips[0] != mustPrefix(t, "10.0.0.0/24") {
		t.Fatalf("dump shows allowed IPs %v", aips)
	}
}

func TestApplySelfPeerIsNoOp(t *testing.T) {
	d := newTestDevice(t)
	sk, err := NewPrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	d.SetPrivateKey(sk)
	self := sk.publicKey()

	payload := encodeAttrs(t, func(ae *netlink.AttributeEncoder) {
		encodePeerUpdates(ae, func(pae *netlink.AttributeEncoder) {
			pae.Bytes(PeerAPublicKey, self[:])
			encodeAllowedIPAttr(pae, mustPrefix(t, "10.0.0.0/24"))
		})
	})
	if err := d.ApplyConfig(payload); err != nil {
		t.Fatalf("self-peer update should succeed, got %v", err)
	}
	if n := d.NumPeers(); n != 0 {
		t.Fatalf("self-peer update created %d peers", n)
	}
}

func TestApplyRemoveUnknownPeer(t *testing.T) {
	d := newTestDevice(t)
	sk, err := NewPrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	unknown := sk.publicKey()

	payload := encodeAttrs(t, func(ae *netlink.AttributeEncoder) {
		encodePeerUpdates(ae, func(pae *netlink.AttributeEncoder) {
			pae.Bytes(PeerAPublicKey, unknown[:])
			pae.Uint32(PeerAFlags, PeerFRemoveMe)
		})
	})
	if err := d.ApplyConfig(payload); !errors.Is(err, ErrPeerNotFound) {
		t.Fatalf("removing unknown peer: err = %v, want ErrPeerNotFound", err)
	}
}

func TestApplyUpdateOnlyUnknownPeer(t *testing.T) {
	d := newTestDevice(t)
	sk, err := NewPrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	unknown := sk.publicKey()

	payload := encodeAttrs(t, func(ae *netlink.AttributeEncoder) {
		encodePeerUpdates(ae, func(pae *netlink.AttributeEncoder) {
			pae.Bytes(PeerAPublicKey, unknown[:])
			pae.Uint32(PeerAFlags, PeerFUpdateOnly)
			encodeAllowedIPAttr(pae, mustPrefix(t, "10.0.0.0/24"))
		})
	})
	if err := d.ApplyConfig(payload); err != nil {
		t.Fatalf("update-only for unknown peer should be skipped, got %v", err)
	}
	if n := d.NumPeers(); n != 0 {
		t.Fatalf("update-only created %d peers", n)
	}
}

func TestApplyPrefixBoundRejected(t *testing.T) {
	d := newTestDevice(t)
	sk, err := NewPrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	pub := sk.publicKey()

	payload := encodeAttrs(t, func(ae *netlink.AttributeEncoder) {
		encodePeerUpdates(ae, func(pae *netlink.AttributeEncoder) {
			pae.Bytes(PeerAPublicKey, pub[:])
			pae.Nested(PeerAAllowedips, func(nae *netlink.AttributeEncoder) error {
				nae.Nested(0, func(e *netlink.AttributeEncoder) error {
					e.Uint16(AllowedipAFamily, unix.AF_INET)
					e.Bytes(AllowedipAIpaddr, []byte{10, 0, 0, 0})
					e.Uint8(AllowedipACidrMask, 33)
					return nil
				})
				return nil
			})
		})
	})
	if err := d.ApplyConfig(payload); !errors.Is(err, ErrSchema) {
		t.Fatalf("prefix length 33: err = %v, want ErrSchema", err)
	}
	// The peer created by the failing update is rolled back and the
	// entry never lands in the routing table.
	if n := d.NumPeers(); n != 0 {
		t.Fatalf("failed update left %d peers", n)
	}
	if got := d.AllowedIPs().Lookup(netip.MustParseAddr("10.0.0.1")); got != nil {
		t.Fatalf("rejected entry is routable to %v", got)
	}
}

func TestApplyKeyZeroing(t *testing.T) {
	sk, err := NewPrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	skPeer, err := NewPrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	pub := skPeer.publicKey()
	var psk NoisePresharedKey
	psk[5] = 0xEE

	build := func(t *testing.T, includeBadPeer bool) []byte {
		return encodeAttrs(t, func(ae *netlink.AttributeEncoder) {
			ae.Bytes(DeviceAPrivateKey, sk[:])
			peers := []func(*netlink.AttributeEncoder){
				func(pae *netlink.AttributeEncoder) {
					pae.Bytes(PeerAPublicKey, pub[:])
					pae.Bytes(PeerAPresharedKey, psk[:])
				},
			}
			if includeBadPeer {
				skBad, err := NewPrivateKey()
				if err != nil {
					t.Fatal(err)
				}
				bad := skBad.publicKey()
				peers = append(peers, func(pae *netlink.AttributeEncoder) {
					pae.Bytes(PeerAPublicKey, bad[:])
					pae.Uint32(PeerAFlags, PeerFRemoveMe)
				})
			}
			encodePeerUpdates(ae, peers...)
		})
	}

	t.Run("success", func(t *testing.T) {
		d := newTestDevice(t)
		payload := build(t, false)
		if err := d.ApplyConfig(payload); err != nil {
			t.Fatalf("ApplyConfig: %v", err)
		}
		if !isZero(payload) {
			t.Fatal("payload still holds key material after a successful apply")
		}
	})

	t.Run("failure", func(t *testing.T) {
		d := newTestDevice(t)
		payload := build(t, true)
		if err := d.ApplyConfig(payload); !errors.Is(err, ErrPeerNotFound) {
			t.Fatalf("err = %v, want ErrPeerNotFound", err)
		}
		if !isZero(payload) {
			t.Fatal("payload still holds key material after a failed apply")
		}
	})

	t.Run("schema failure", func(t *testing.T) {
		d := newTestDevice(t)
		payload := encodeAttrs(t, func(ae *netlink.AttributeEncoder) {
			ae.Bytes(DeviceAPrivateKey, sk[:])
			encodePeerUpdates(ae, func(pae *netlink.AttributeEncoder) {
				pae.Bytes(PeerAPublicKey, pub[:3]) // truncated key
			})
		})
		gen := d.Generation()
		if err := d.ApplyConfig(payload); !errors.Is(err, ErrSchema) {
			t.Fatalf("err = %v, want ErrSchema", err)
		}
		if !isZero(payload) {
			t.Fatal("payload still holds key material after a schema failure")
		}
		// A payload rejected before the lock never bumps the
		// generation.
		if got := d.Generation(); got != gen {
			t.Fatalf("generation = %d, want %d", got, gen)
		}
	})
}

func TestApplyPortRebindClearsEndpoints(t *testing.T) {
	bind := bindtest.New()
	d := NewDevice("wg0", 1, bind, nil)
	if err := d.Up(); err != nil {
		t.Fatal(err)
	}
	peer := newTestPeer(t, d)
	ep := &testEndpoint{}
	ep.AddrPort = netip.MustParseAddrPort("203.0.113.5:51820")
	peer.SetEndpoint(ep)

	payload := encodeAttrs(t, func(ae *netlink.AttributeEncoder) {
		ae.Uint16(DeviceAListenPort, 51821)
	})
	if err := d.ApplyConfig(payload); err != nil {
		t.Fatalf("ApplyConfig: %v", err)
	}
	if ep.cleared.Load() == 0 {
		t.Fatal("sticky endpoint source survived a port change")
	}
	if got := bind.Port(); got != 51821 {
		t.Fatalf("bind port = %d, want 51821", got)
	}
	if got := d.ListenPort(); got != 51821 {
		t.Fatalf("device port = %d, want 51821", got)
	}
	if !bind.IsOpen() {
		t.Fatal("bind not reopened after the port change")
	}
	if got := bind.Opens(); got != 2 {
		t.Fatalf("bind opened %d times, want 2", got)
	}
}

func TestApplyTransportRebindFailure(t *testing.T) {
	bind := bindtest.New()
	d := NewDevice("wg0", 1, bind, nil)
	if err := d.Up(); err != nil {
		t.Fatal(err)
	}
	gen := d.Generation()
	bind.OpenErr = errors.New("address in use")

	payload := encodeAttrs(t, func(ae *netlink.AttributeEncoder) {
		ae.Uint32(DeviceAFwmark, 42)
		ae.Uint16(DeviceAListenPort, 51821)
	})
	if err := d.ApplyConfig(payload); !errors.Is(err, ErrTransportRebind) {
		t.Fatalf("err = %v, want ErrTransportRebind", err)
	}
	// Earlier sub-updates stay applied; the call is at most partially
	// transactional.
	if got := d.Fwmark(); got != 42 {
		t.Fatalf("fwmark = %d, want 42 (applied before the failure)", got)
	}
	if got := d.Generation(); got != gen+1 {
		t.Fatalf("generation = %d, want %d", got, gen+1)
	}
	if bind.IsOpen() {
		t.Fatal("bind reopened despite the failure")
	}
}

func TestApplyFwmarkClearsEndpointsAndMarksBind(t *testing.T) {
	bind := bindtest.New()
	d := NewDevice("wg0", 1, bind, nil)
	peer := newTestPeer(t, d)
	ep := &testEndpoint{}
	ep.AddrPort = netip.MustParseAddrPort("203.0.113.5:51820")
	peer.SetEndpoint(ep)

	payload := encodeAttrs(t, func(ae *netlink.AttributeEncoder) {
		ae.Uint32(DeviceAFwmark, 7)
	})
	if err := d.ApplyConfig(payload); err != nil {
		t.Fatalf("ApplyConfig: %v", err)
	}
	if ep.cleared.Load() == 0 {
		t.Fatal("sticky endpoint source survived a fwmark change")
	}
	marks := bind.Marks()
	if len(marks) != 1 || marks[0] != 7 {
		t.Fatalf("bind marks = %v, want [7]", marks)
	}
}

func TestApplyReplacePeers(t *testing.T) {
	d := newTestDevice(t)
	old1 := newTestPeer(t, d)
	newTestPeer(t, d)
	d.AllowedIPs().Insert(mustPrefix(t, "10.0.0.0/24"), old1)

	sk, err := NewPrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	pub := sk.publicKey()

	payload := encodeAttrs(t, func(ae *netlink.AttributeEncoder) {
		ae.Uint32(DeviceAFlags, DeviceFReplacePeers)
		encodePeerUpdates(ae, func(pae *netlink.AttributeEncoder) {
			pae.Bytes(PeerAPublicKey, pub[:])
		})
	})
	if err := d.ApplyConfig(payload); err != nil {
		t.Fatalf("ApplyConfig: %v", err)
	}
	if n := d.NumPeers(); n != 1 {
		t.Fatalf("after replace: %d peers, want 1", n)
	}
	if d.LookupPeer(pub) == nil {
		t.Fatal("replacement peer missing")
	}
	if got := d.AllowedIPs().Lookup(netip.MustParseAddr("10.0.0.1")); got != nil {
		t.Fatalf("replaced peer still routable to %v", got)
	}
}

func TestApplyPrivateKeyRemovesSelfPeer(t *testing.T) {
	d := newTestDevice(t)
	sk, err := NewPrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	self := sk.publicKey()
	if _, err := d.NewPeer(self); err != nil {
		t.Fatal(err)
	}

	payload := encodeAttrs(t, func(ae *netlink.AttributeEncoder) {
		ae.Bytes(DeviceAPrivateKey, sk[:])
	})
	if err := d.ApplyConfig(payload); err != nil {
		t.Fatalf("ApplyConfig: %v", err)
	}
	if d.LookupPeer(self) != nil {
		t.Fatal("device still carries a peer for its own key")
	}
	pub, ok := d.PublicKey()
	if !ok || !pub.Equals(self) {
		t.Fatal("identity not installed")
	}
}

func TestApplyKeepaliveTransitionSendsKeepalive(t *testing.T) {
	bind := bindtest.New()
	d := NewDevice("wg0", 1, bind, nil)
	if err := d.Up(); err != nil {
		t.Fatal(err)
	}
	peer := newTestPeer(t, d)
	peer.SetEndpoint(&conn.NetEndpoint{AddrPort: netip.MustParseAddrPort("203.0.113.5:51820")})
	pub := peer.PublicKey()

	payload := encodeAttrs(t, func(ae *netlink.AttributeEncoder) {
		encodePeerUpdates(ae, func(pae *netlink.AttributeEncoder) {
			pae.Bytes(PeerAPublicKey, pub[:])
			pae.Uint16(PeerAPersistentKeepaliveInterval, 25)
		})
	})
	if err := d.ApplyConfig(payload); err != nil {
		t.Fatalf("ApplyConfig: %v", err)
	}
	sent := bind.Sent()
	if len(sent) != 1 || len(sent[0].Data) != 0 {
		t.Fatalf("sent packets = %v, want one empty keepalive", sent)
	}
	if sent[0].Dst != "203.0.113.5:51820" {
		t.Fatalf("keepalive went to %s", sent[0].Dst)
	}
}

func TestApplyRemovePeerDropsRoutes(t *testing.T) {
	d := newTestDevice(t)
	peer := newTestPeer(t, d)
	d.AllowedIPs().Insert(mustPrefix(t, "10.0.0.0/24"), peer)
	pub := peer.PublicKey()

	payload := encodeAttrs(t, func(ae *netlink.AttributeEncoder) {
		encodePeerUpdates(ae, func(pae *netlink.AttributeEncoder) {
			pae.Bytes(PeerAPublicKey, pub[:])
			pae.Uint32(PeerAFlags, PeerFRemoveMe)
		})
	})
	if err := d.ApplyConfig(payload); err != nil {
		t.Fatalf("ApplyConfig: %v", err)
	}
	if d.LookupPeer(pub) != nil {
		t.Fatal("peer survived removal")
	}
	if got := d.AllowedIPs().Lookup(netip.MustParseAddr("10.0.0.1")); got != nil {
		t.Fatalf("removed peer still routable to %v", got)
	}
}

func TestApplyReplaceAllowedIPs(t *testing.T) {
	d := newTestDevice(t)
	peer := newTestPeer(t, d)
	d.AllowedIPs().Insert(mustPrefix(t, "10.0.0.0/24"), peer)
	pub := peer.PublicKey()

	payload := encodeAttrs(t, func(ae *netlink.AttributeEncoder) {
		encodePeerUpdates(ae, func(pae *netlink.AttributeEncoder) {
			pae.Bytes(PeerAPublicKey, pub[:])
			pae.Uint32(PeerAFlags, PeerFReplaceAllowedips)
			encodeAllowedIPAttr(pae, mustPrefix(t, "192.168.0.0/16"))
		})
	})
	if err := d.ApplyConfig(payload); err != nil {
		t.Fatalf("ApplyConfig: %v", err)
	}
	entries := d.AllowedIPs().EntriesForPeer(peer)
	if len(entries) != 1 || entries[0] != mustPrefix(t, "192.168.0.0/16") {
		t.Fatalf("entries after replace = %v", entries)
	}
}

func TestApplyScrubsRejectedPeerKey(t *testing.T) {
	var psk NoisePresharedKey
	psk[9] = 0xAB

	// A pre-shared key with no public key fails the update after the
	// key was already copied in; the copy must not survive.
	b := encodeAttrs(t, func(ae *netlink.AttributeEncoder) {
		ae.Bytes(PeerAPresharedKey, psk[:])
	})
	ad, err := netlink.NewAttributeDecoder(b)
	if err != nil {
		t.Fatal(err)
	}
	var pr setPeerRequest
	if err := parsePeerUpdate(&pr)(ad); !errors.Is(err, ErrSchema) {
		t.Fatalf("err = %v, want ErrSchema", err)
	}
	if !isZero(pr.presharedKey[:]) {
		t.Fatal("rejected peer update still holds the pre-shared key")
	}
}
