// Package ctl is an in-process administrative client for a wgnl
// Service, speaking the typed wgtypes model. It hides the attribute
// encoding, splits large configurations into batches and drives
// multi-chunk dumps to completion, restarting when the configuration
// changes underneath.
package ctl

import (
	"errors"
	"net"

	"github.com/hashicorp/go-hclog"
	"github.com/mdlayher/genetlink"
	"github.com/mdlayher/netlink"
	"golang.org/x/sys/unix"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/muhtutorials/wgconf/device"
	"github.com/muhtutorials/wgconf/wgnl"
)

// peerBatchChunk specifies the number of peers that can appear in a
// configuration before we start splitting it into batches.
const peerBatchChunk = 32

// ipBatchChunk is a tunable allowed IP batch limit per peer. We don't
// know up front how much space a given peer will occupy, so play it
// safe with a reasonably small value. Used by tests as well.
const ipBatchChunk = 256

// dumpChunkBytes bounds the size of one dump message.
const dumpChunkBytes = 4096

// dumpRetries bounds dump restarts when the configuration keeps
// changing under the reader.
const dumpRetries = 10

// ErrDumpUnstable means every dump attempt raced with a concurrent
// configuration change.
var ErrDumpUnstable = errors.New("configuration kept changing during dump")

type Client struct {
	svc *wgnl.Service
	log hclog.Logger
}

func New(svc *wgnl.Service, logger hclog.Logger) *Client {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Client{svc: svc, log: logger}
}

// Devices dumps every registered device.
func (c *Client) Devices() ([]*wgtypes.Device, error) {
	names := c.svc.DeviceNames()
	out := make([]*wgtypes.Device, 0, len(names))
	for _, name := range names {
		d, err := c.Device(name)
		if err != nil {
			// Deleted between listing and dumping.
			if errors.Is(err, wgnl.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// Device dumps the configuration of the named device.
func (c *Client) Device(name string) (*wgtypes.Device, error) {
	for attempt := 0; attempt < dumpRetries; attempt++ {
		d, stable, err := c.dumpDevice(name)
		if err != nil {
			return nil, err
		}
		if stable {
			return d, nil
		}
		c.log.Debug("dump raced with a configuration change, restarting", "device", name)
	}
	return nil, ErrDumpUnstable
}

// dumpDevice runs one full dump. stable is false when the generation
// changed between chunks, in which case the result is discarded.
func (c *Client) dumpDevice(name string) (dev *wgtypes.Device, stable bool, err error) {
	sel, err := selectorAttrs(name)
	if err != nil {
		return nil, false, err
	}
	dump, err := c.svc.DumpStart(genetlink.Message{
		Header: genetlink.Header{
			Command: device.CmdGetDevice,
			Version: device.GenlVersion,
		},
		Data: sel,
	})
	if err != nil {
		return nil, false, err
	}
	defer dump.Close()

	var (
		p     deviceParser
		first = true
		seq   uint32
	)
	for {
		chunk, err := dump.Next(dumpChunkBytes)
		if err != nil {
			return nil, false, err
		}
		if first {
			seq = chunk.Seq
			first = false
		} else if chunk.Seq != seq {
			return nil, false, nil
		}
		if err := p.parse(chunk.Message.Data); err != nil {
			return nil, false, err
		}
		if chunk.Done {
			break
		}
	}
	return p.done(), true, nil
}

// ConfigureDevice applies cfg to the named device. Large
// configurations are split into batches; an error in a later batch
// leaves earlier batches applied.
func (c *Client) ConfigureDevice(name string, cfg wgtypes.Config) error {
	for _, b := range buildBatches(cfg) {
		attrs, err := configAttrs(name, b)
		if err != nil {
			return err
		}
		err = c.svc.ApplyConfig(genetlink.Message{
			Header: genetlink.Header{
				Command: device.CmdSetDevice,
				Version: device.GenlVersion,
			},
			Data: attrs,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func selectorAttrs(name string) ([]byte, error) {
	ae := netlink.NewAttributeEncoder()
	ae.String(device.DeviceAIfname, name)
	return ae.Encode()
}

// configAttrs creates the encoded netlink attributes to configure the
// device specified by name using the non-nil fields in cfg.
func configAttrs(name string, cfg wgtypes.Config) ([]byte, error) {
	ae := netlink.NewAttributeEncoder()
	ae.String(device.DeviceAIfname, name)
	if cfg.PrivateKey != nil {
		ae.Bytes(device.DeviceAPrivateKey, (*cfg.PrivateKey)[:])
	}
	if cfg.ListenPort != nil {
		ae.Uint16(device.DeviceAListenPort, uint16(*cfg.ListenPort))
	}
	if cfg.FirewallMark != nil {
		ae.Uint32(device.DeviceAFwmark, uint32(*cfg.FirewallMark))
	}
	if cfg.ReplacePeers {
		ae.Uint32(device.DeviceAFlags, device.DeviceFReplacePeers)
	}
	if len(cfg.Peers) > 0 {
		ae.Nested(device.DeviceAPeers, func(nae *netlink.AttributeEncoder) error {
			// Netlink arrays use type as an array index.
			for i, p := range cfg.Peers {
				nae.Nested(uint16(i), func(nnae *netlink.AttributeEncoder) error {
					return encodePeer(nnae, p)
				})
			}
			return nil
		})
	}
	return ae.Encode()
}

// encodePeer converts a PeerConfig into netlink attribute encoder
// bytes.
func encodePeer(ae *netlink.AttributeEncoder, p wgtypes.PeerConfig) error {
	ae.Bytes(device.PeerAPublicKey, p.PublicKey[:])

	// Flags are stored in a single attribute.
	var flags uint32
	if p.Remove {
		flags |= device.PeerFRemoveMe
	}
	if p.ReplaceAllowedIPs {
		flags |= device.PeerFReplaceAllowedips
	}
	if p.UpdateOnly {
		flags |= device.PeerFUpdateOnly
	}
	if flags != 0 {
		ae.Uint32(device.PeerAFlags, flags)
	}

	if p.PresharedKey != nil {
		ae.Bytes(device.PeerAPresharedKey, (*p.PresharedKey)[:])
	}
	if p.Endpoint != nil {
		ap := p.Endpoint.AddrPort()
		if !ap.IsValid() {
			return errors.New("invalid endpoint address: " + p.Endpoint.String())
		}
		ae.Bytes(device.PeerAEndpoint, device.SockaddrBytes(ap))
	}
	if p.PersistentKeepaliveInterval != nil {
		ae.Uint16(device.PeerAPersistentKeepaliveInterval, uint16(p.PersistentKeepaliveInterval.Seconds()))
	}

	// Only apply allowed IPs if necessary.
	if len(p.AllowedIPs) > 0 {
		ae.Nested(device.PeerAAllowedips, func(nae *netlink.AttributeEncoder) error {
			return encodeAllowedIPs(nae, p.AllowedIPs)
		})
	}
	return nil
}

func encodeAllowedIPs(ae *netlink.AttributeEncoder, ipns []net.IPNet) error {
	for i, ipn := range ipns {
		ipn := ipn
		ae.Nested(uint16(i), func(nae *netlink.AttributeEncoder) error {
			family := uint16(unix.AF_INET6)
			ip := ipn.IP.To4()
			if ip != nil {
				family = unix.AF_INET
			} else {
				ip = ipn.IP.To16()
			}
			if ip == nil {
				return errors.New("invalid allowed IP address: " + ipn.String())
			}
			ones, _ := ipn.Mask.Size()
			nae.Uint16(device.AllowedipAFamily, family)
			nae.Bytes(device.AllowedipAIpaddr, ip)
			nae.Uint8(device.AllowedipACidrMask, uint8(ones))
			return nil
		})
	}
	return nil
}

// buildBatches produces a batch of configs from a single config, if
// needed.
func buildBatches(cfg wgtypes.Config) []wgtypes.Config {
	// Is this a small configuration; no need to batch?
	if !shouldBatch(cfg) {
		return []wgtypes.Config{cfg}
	}

	// Use most fields of cfg for our "base" configuration, and only
	// differ peers in each batch.
	base := cfg
	base.Peers = nil

	// Track the known peers so that peer IPs are not replaced if a
	// single peer has its allowed IPs split into multiple batches.
	knownPeers := make(map[wgtypes.Key]struct{})

	batches := make([]wgtypes.Config, 0)
	for _, p := range cfg.Peers {
		batch := base

		// Iterate until no more allowed IPs.
		var done bool
		for !done {
			var tmp []net.IPNet
			if len(p.AllowedIPs) < ipBatchChunk {
				// IPs all fit within a batch; we are done.
				tmp = make([]net.IPNet, len(p.AllowedIPs))
				copy(tmp, p.AllowedIPs)
				done = true
			} else {
				// IPs are larger than a single batch, copy a batch
				// out and advance the cursor.
				tmp = make([]net.IPNet, ipBatchChunk)
				copy(tmp, p.AllowedIPs[:ipBatchChunk])

				p.AllowedIPs = p.AllowedIPs[ipBatchChunk:]

				if len(p.AllowedIPs) == 0 {
					// IPs ended on a batch boundary; no more IPs left
					// so end iteration after this loop.
					done = true
				}
			}

			pcfg := wgtypes.PeerConfig{
				// PublicKey denotes the peer and must be present.
				PublicKey: p.PublicKey,

				// Apply the update only flag to every chunk to ensure
				// consistency between batches when the device
				// processes them.
				UpdateOnly: p.UpdateOnly,

				// It'd be a bit weird to have a remove peer message
				// with many IPs, but just in case, add this to every
				// peer's message.
				Remove: p.Remove,

				// The IPs for this chunk.
				AllowedIPs: tmp,
			}

			// Only pass certain fields on the first occurrence of a
			// peer, so that subsequent IPs won't be wiped out and
			// space isn't wasted.
			if _, ok := knownPeers[p.PublicKey]; !ok {
				knownPeers[p.PublicKey] = struct{}{}

				pcfg.PresharedKey = p.PresharedKey
				pcfg.Endpoint = p.Endpoint
				pcfg.PersistentKeepaliveInterval = p.PersistentKeepaliveInterval

				// Important: do not move or appending peers won't
				// work.
				pcfg.ReplaceAllowedIPs = p.ReplaceAllowedIPs
			}

			// Add a peer configuration to this batch and keep going.
			batch.Peers = []wgtypes.PeerConfig{pcfg}
			batches = append(batches, batch)
		}
	}

	// Do not allow peer replacement beyond the first message in a
	// batch, so we don't overwrite our previous batch work.
	for i := range batches {
		if i > 0 {
			batches[i].ReplacePeers = false
		}
	}

	return batches
}

// shouldBatch determines if a configuration is sufficiently complex
// that it should be split into batches.
func shouldBatch(cfg wgtypes.Config) bool {
	if len(cfg.Peers) > peerBatchChunk {
		return true
	}

	var ips int
	for _, p := range cfg.Peers {
		ips += len(p.AllowedIPs)
	}

	return ips > ipBatchChunk
}
