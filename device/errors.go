package device

import "errors"

var (
	// ErrPeerNotFound is returned when an update explicitly removes
	// a peer the device does not have.
	ErrPeerNotFound = errors.New("peer not found")

	// ErrSchema covers malformed configuration attributes: wrong
	// length, wrong type, out-of-range prefix.
	ErrSchema = errors.New("malformed configuration attribute")

	// ErrMessageTooSmall means the requested chunk size cannot fit
	// any further content, so a dump would make no progress.
	ErrMessageTooSmall = errors.New("message size cannot fit any content")

	// ErrTransportRebind wraps a failure to reopen the transport
	// after a listen port change.
	ErrTransportRebind = errors.New("transport rebind failed")

	// ErrCursorClosed is returned by Next on a closed dump cursor.
	ErrCursorClosed = errors.New("dump cursor closed")
)
