package wgnl

import (
	"fmt"

	"github.com/mdlayher/genetlink"

	"github.com/muhtutorials/wgconf/device"
)

// genlHeaderLen is the generic netlink header a chunk's framing adds
// on top of its attribute payload.
const genlHeaderLen = 4

// A Chunk is one bounded-size piece of a configuration dump. Seq is
// the device generation the chunk was cut from; a Seq change across
// chunks of one dump means the configuration mutated and the dump
// should be restarted.
type Chunk struct {
	Message genetlink.Message
	Seq     uint32
	Done    bool
}

// A Dump drives one multi-chunk configuration export. Abandoning it
// at any point only requires Close.
type Dump struct {
	cursor *device.DumpCursor
	dev    *device.Device
}

// DumpStart resolves the request's selector and opens a dump of that
// device.
func (s *Service) DumpStart(req genetlink.Message) (*Dump, error) {
	if req.Header.Command != device.CmdGetDevice {
		return nil, fmt.Errorf("%w: unexpected command %d", ErrSchema, req.Header.Command)
	}
	d, err := s.resolveSelector(req.Data)
	if err != nil {
		return nil, err
	}
	return &Dump{cursor: d.NewDumpCursor(), dev: d}, nil
}

// Next cuts the next chunk. The whole framed message, header
// included, fits in maxMessageBytes.
func (dm *Dump) Next(maxMessageBytes int) (Chunk, error) {
	payload, seq, done, err := dm.cursor.Next(maxMessageBytes - genlHeaderLen)
	if err != nil {
		return Chunk{}, err
	}
	return Chunk{
		Message: genetlink.Message{
			Header: genetlink.Header{
				Command: device.CmdGetDevice,
				Version: device.GenlVersion,
			},
			Data: payload,
		},
		Seq:  seq,
		Done: done,
	}, nil
}

// Close releases the dump's pinned device references.
func (dm *Dump) Close() {
	dm.cursor.Close()
	dm.dev = nil
}
