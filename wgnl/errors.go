package wgnl

import (
	"errors"

	"github.com/muhtutorials/wgconf/device"
)

var (
	// ErrInvalidSelector means a request named neither or both of
	// ifindex and ifname.
	ErrInvalidSelector = errors.New("selector must carry exactly one of ifindex or ifname")

	// ErrNotFound means the selector named a device the registry
	// does not have.
	ErrNotFound = errors.New("no such device")

	// ErrDeviceExists means a device with that name is already
	// registered.
	ErrDeviceExists = errors.New("device already exists")
)

// Error kinds raised inside the device engines, re-exported so callers
// can match them without importing device.
var (
	ErrSchema            = device.ErrSchema
	ErrResourceExhausted = device.ErrMessageTooSmall
	ErrTransportReinit   = device.ErrTransportRebind
)
