// Package wgnl is the configuration service: a registry of devices
// addressed by name or index, accepting generic-netlink-framed dump
// and apply requests whose payloads are netlink attribute trees.
package wgnl

import (
	"fmt"
	"sort"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/mdlayher/genetlink"
	"github.com/mdlayher/netlink"

	"github.com/muhtutorials/wgconf/conn"
	"github.com/muhtutorials/wgconf/device"
)

type Service struct {
	log hclog.Logger

	mu        sync.RWMutex
	byName    map[string]*device.Device
	byIndex   map[uint32]*device.Device
	nextIndex uint32
}

func NewService(logger hclog.Logger) *Service {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Service{
		log:     logger,
		byName:  make(map[string]*device.Device),
		byIndex: make(map[uint32]*device.Device),
	}
}

// CreateDevice registers a new device under name and assigns it the
// next interface index.
func (s *Service) CreateDevice(name string, bind conn.Bind) (*device.Device, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty device name", ErrInvalidSelector)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byName[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDeviceExists, name)
	}
	s.nextIndex++
	d := device.NewDevice(name, s.nextIndex, bind, s.log.Named(name))
	s.byName[name] = d
	s.byIndex[s.nextIndex] = d
	s.log.Debug("device created", "name", name, "ifindex", s.nextIndex)
	return d, nil
}

// DeleteDevice closes the device and removes it from the registry.
func (s *Service) DeleteDevice(name string) error {
	s.mu.Lock()
	d, ok := s.byName[name]
	if ok {
		delete(s.byName, name)
		delete(s.byIndex, d.Ifindex())
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	d.Close()
	s.log.Debug("device deleted", "name", name)
	return nil
}

// Device returns the registered device with the given name.
func (s *Service) Device(name string) (*device.Device, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.byName[name]
	return d, ok
}

// Devices returns all registered devices in interface index order.
func (s *Service) Devices() []*device.Device {
	s.mu.RLock()
	out := make([]*device.Device, 0, len(s.byIndex))
	for _, d := range s.byIndex {
		out = append(out, d)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Ifindex() < out[j].Ifindex() })
	return out
}

// DeviceNames returns the registered device names in index order.
func (s *Service) DeviceNames() []string {
	devs := s.Devices()
	names := make([]string, len(devs))
	for i, d := range devs {
		names[i] = d.Name()
	}
	return names
}

// resolveSelector finds the device a request payload addresses.
// Exactly one of ifindex and ifname must be present.
func (s *Service) resolveSelector(payload []byte) (*device.Device, error) {
	ad, err := netlink.NewAttributeDecoder(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchema, err)
	}
	var (
		name      string
		haveName  bool
		index     uint32
		haveIndex bool
	)
	for ad.Next() {
		switch ad.Type() {
		case device.DeviceAIfname:
			name = ad.String()
			haveName = true
		case device.DeviceAIfindex:
			index = ad.Uint32()
			haveIndex = true
		}
	}
	if err := ad.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchema, err)
	}
	if haveName == haveIndex {
		return nil, ErrInvalidSelector
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if haveName {
		if d, ok := s.byName[name]; ok {
			return d, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if d, ok := s.byIndex[index]; ok {
		return d, nil
	}
	return nil, fmt.Errorf("%w: ifindex %d", ErrNotFound, index)
}

// ApplyConfig resolves the request's selector and applies its
// configuration update to that device. The payload may carry key
// material; it is zeroed before returning on every path, including
// selector failures.
func (s *Service) ApplyConfig(req genetlink.Message) error {
	if req.Header.Command != device.CmdSetDevice {
		scrub(req.Data)
		return fmt.Errorf("%w: unexpected command %d", ErrSchema, req.Header.Command)
	}
	d, err := s.resolveSelector(req.Data)
	if err != nil {
		scrub(req.Data)
		return err
	}
	if err := d.ApplyConfig(req.Data); err != nil {
		s.log.Error("apply failed", "device", d.Name(), "error", err)
		return err
	}
	return nil
}

func scrub(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
