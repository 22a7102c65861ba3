package ctl

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/mdlayher/netlink"
	"golang.org/x/sys/unix"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/muhtutorials/wgconf/device"
)

// deviceParser accumulates a device across dump chunks. A peer whose
// allowed IP list spans a chunk boundary reappears at the start of
// the next chunk carrying only its public key and the remaining IPs;
// those entries are merged into the already parsed peer.
type deviceParser struct {
	dev wgtypes.Device
}

func (p *deviceParser) done() *wgtypes.Device {
	p.dev.Type = wgtypes.Userspace
	return &p.dev
}

func (p *deviceParser) parse(b []byte) error {
	ad, err := netlink.NewAttributeDecoder(b)
	if err != nil {
		return err
	}
	for ad.Next() {
		switch ad.Type() {
		case device.DeviceAIfname:
			p.dev.Name = ad.String()
		case device.DeviceAPrivateKey:
			parseKey(ad, &p.dev.PrivateKey)
		case device.DeviceAPublicKey:
			parseKey(ad, &p.dev.PublicKey)
		case device.DeviceAListenPort:
			p.dev.ListenPort = int(ad.Uint16())
		case device.DeviceAFwmark:
			p.dev.FirewallMark = int(ad.Uint32())
		case device.DeviceAPeers:
			ad.Nested(p.parsePeers)
		}
	}
	return ad.Err()
}

func (p *deviceParser) parsePeers(ad *netlink.AttributeDecoder) error {
	for ad.Next() {
		ad.Nested(func(nad *netlink.AttributeDecoder) error {
			var peer wgtypes.Peer
			if err := parsePeer(nad, &peer); err != nil {
				return err
			}
			if n := len(p.dev.Peers); n > 0 && p.dev.Peers[n-1].PublicKey == peer.PublicKey {
				// Continuation of the previous chunk's final peer.
				last := &p.dev.Peers[n-1]
				last.AllowedIPs = append(last.AllowedIPs, peer.AllowedIPs...)
				return nil
			}
			p.dev.Peers = append(p.dev.Peers, peer)
			return nil
		})
		if err := ad.Err(); err != nil {
			return err
		}
	}
	return nil
}

func parsePeer(ad *netlink.AttributeDecoder, peer *wgtypes.Peer) error {
	for ad.Next() {
		switch ad.Type() {
		case device.PeerAPublicKey:
			parseKey(ad, &peer.PublicKey)
		case device.PeerAPresharedKey:
			parseKey(ad, &peer.PresharedKey)
		case device.PeerAEndpoint:
			if ap, ok := device.ParseSockaddr(ad.Bytes()); ok {
				peer.Endpoint = net.UDPAddrFromAddrPort(ap)
			}
		case device.PeerAPersistentKeepaliveInterval:
			peer.PersistentKeepaliveInterval = time.Duration(ad.Uint16()) * time.Second
		case device.PeerALastHandshakeTime:
			parseTimespec(ad, &peer.LastHandshakeTime)
		case device.PeerARxBytes:
			peer.ReceiveBytes = int64(ad.Uint64())
		case device.PeerATxBytes:
			peer.TransmitBytes = int64(ad.Uint64())
		case device.PeerAAllowedips:
			ad.Nested(func(nad *netlink.AttributeDecoder) error {
				return parseAllowedIPs(nad, &peer.AllowedIPs)
			})
		case device.PeerAProtocolVersion:
			peer.ProtocolVersion = int(ad.Uint32())
		}
	}
	return ad.Err()
}

func parseAllowedIPs(ad *netlink.AttributeDecoder, ipns *[]net.IPNet) error {
	for ad.Next() {
		ad.Nested(func(nad *netlink.AttributeDecoder) error {
			var (
				ipn    net.IPNet
				family uint16
				cidr   int
			)
			for nad.Next() {
				switch nad.Type() {
				case device.AllowedipAFamily:
					family = nad.Uint16()
				case device.AllowedipAIpaddr:
					ipn.IP = net.IP(nad.Bytes())
				case device.AllowedipACidrMask:
					cidr = int(nad.Uint8())
				}
			}
			if err := nad.Err(); err != nil {
				return err
			}
			bits := net.IPv6len * 8
			if family == unix.AF_INET {
				bits = net.IPv4len * 8
			}
			if len(ipn.IP) != bits/8 {
				return fmt.Errorf("allowed IP address length %d does not match family %d", len(ipn.IP), family)
			}
			ipn.Mask = net.CIDRMask(cidr, bits)
			*ipns = append(*ipns, ipn)
			return nil
		})
		if err := ad.Err(); err != nil {
			return err
		}
	}
	return nil
}

func parseKey(ad *netlink.AttributeDecoder, key *wgtypes.Key) {
	ad.Do(func(b []byte) error {
		k, err := wgtypes.NewKey(b)
		if err != nil {
			return err
		}
		*key = k
		return nil
	})
}

// parseTimespec decodes a last-handshake timestamp: two little-endian
// 64-bit words, seconds then nanoseconds. All zeros means no
// handshake yet.
func parseTimespec(ad *netlink.AttributeDecoder, t *time.Time) {
	ad.Do(func(b []byte) error {
		if len(b) != 16 {
			return fmt.Errorf("timespec length %d", len(b))
		}
		sec := int64(binary.LittleEndian.Uint64(b[0:8]))
		nsec := int64(binary.LittleEndian.Uint64(b[8:16]))
		if sec != 0 || nsec != 0 {
			*t = time.Unix(sec, nsec)
		}
		return nil
	})
}
