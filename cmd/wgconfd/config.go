package main

import (
	"fmt"
	"net"
	"os"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
	"gopkg.in/yaml.v3"
)

// fileConfig is the daemon's YAML configuration: the devices to
// create and their initial peer sets.
type fileConfig struct {
	Devices []deviceConfig `yaml:"devices"`
}

type deviceConfig struct {
	Name       string       `yaml:"name"`
	PrivateKey string       `yaml:"private_key"`
	ListenPort int          `yaml:"listen_port"`
	Fwmark     int          `yaml:"fwmark"`
	Peers      []peerConfig `yaml:"peers"`
}

type peerConfig struct {
	PublicKey           string   `yaml:"public_key"`
	PresharedKey        string   `yaml:"preshared_key"`
	Endpoint            string   `yaml:"endpoint"`
	PersistentKeepalive int      `yaml:"persistent_keepalive"`
	AllowedIPs          []string `yaml:"allowed_ips"`
}

func loadConfig(path string) (*fileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(cfg.Devices) == 0 {
		return nil, fmt.Errorf("%s: no devices configured", path)
	}
	return &cfg, nil
}

// wgConfig converts one YAML device entry into the typed model the
// admin client applies.
func (dc *deviceConfig) wgConfig() (wgtypes.Config, error) {
	cfg := wgtypes.Config{ReplacePeers: true}

	if dc.PrivateKey != "" {
		key, err := wgtypes.ParseKey(dc.PrivateKey)
		if err != nil {
			return cfg, fmt.Errorf("device %s: private key: %w", dc.Name, err)
		}
		cfg.PrivateKey = &key
	}
	if dc.ListenPort != 0 {
		port := dc.ListenPort
		cfg.ListenPort = &port
	}
	if dc.Fwmark != 0 {
		mark := dc.Fwmark
		cfg.FirewallMark = &mark
	}

	for _, pc := range dc.Peers {
		peer, err := pc.wgPeer()
		if err != nil {
			return cfg, fmt.Errorf("device %s: %w", dc.Name, err)
		}
		cfg.Peers = append(cfg.Peers, peer)
	}
	return cfg, nil
}

func (pc *peerConfig) wgPeer() (wgtypes.PeerConfig, error) {
	var peer wgtypes.PeerConfig

	key, err := wgtypes.ParseKey(pc.PublicKey)
	if err != nil {
		return peer, fmt.Errorf("peer public key: %w", err)
	}
	peer.PublicKey = key

	if pc.PresharedKey != "" {
		psk, err := wgtypes.ParseKey(pc.PresharedKey)
		if err != nil {
			return peer, fmt.Errorf("peer %s: preshared key: %w", key, err)
		}
		peer.PresharedKey = &psk
	}
	if pc.Endpoint != "" {
		ep, err := net.ResolveUDPAddr("udp", pc.Endpoint)
		if err != nil {
			return peer, fmt.Errorf("peer %s: endpoint: %w", key, err)
		}
		peer.Endpoint = ep
	}
	if pc.PersistentKeepalive != 0 {
		interval := time.Duration(pc.PersistentKeepalive) * time.Second
		peer.PersistentKeepaliveInterval = &interval
	}
	for _, s := range pc.AllowedIPs {
		_, ipn, err := net.ParseCIDR(s)
		if err != nil {
			return peer, fmt.Errorf("peer %s: allowed IP %q: %w", key, s, err)
		}
		peer.AllowedIPs = append(peer.AllowedIPs, *ipn)
	}
	return peer, nil
}
