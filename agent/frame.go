// Package agent implements the host side of the guest agent transport: a
// single framed, length-prefixed binary channel multiplexing a control
// stream and per-exec stdio channels over one bidirectional pipe.
package agent

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/boxlite/boxlite/types"
)

// headerSize is the fixed-width frame header: u32 len | u32 channel | u8 kind
// | u8 flags | u16 reserved.
const headerSize = 4 + 4 + 1 + 1 + 2

// maxFramePayload bounds a single frame's payload to guard against a
// corrupt or hostile length field forcing an unbounded allocation.
const maxFramePayload = 32 << 20

const (
	flagNone  uint8 = 0
	flagPause uint8 = 1 << 0
)

// frame is one length-prefixed message on the wire.
type frame struct {
	channel uint32
	kind    types.FrameKind
	flags   uint8
	payload []byte
}

func writeFrame(w io.Writer, f frame) error {
	var header [headerSize]byte
	binary.BigEndian.PutUint32(header[0:4], uint32(len(f.payload)))
	binary.BigEndian.PutUint32(header[4:8], f.channel)
	header[8] = byte(f.kind)
	header[9] = f.flags
	binary.BigEndian.PutUint16(header[10:12], 0)

	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("agent: write frame header: %w", err)
	}
	if len(f.payload) > 0 {
		if _, err := w.Write(f.payload); err != nil {
			return fmt.Errorf("agent: write frame payload: %w", err)
		}
	}
	return nil
}

func readFrame(r io.Reader) (frame, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return frame{}, err
	}

	length := binary.BigEndian.Uint32(header[0:4])
	if length > maxFramePayload {
		return frame{}, fmt.Errorf("agent: frame payload %d exceeds max %d", length, maxFramePayload)
	}
	channel := binary.BigEndian.Uint32(header[4:8])
	kind := types.FrameKind(header[8])
	flags := header[9]

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return frame{}, fmt.Errorf("agent: read frame payload: %w", err)
		}
	}

	return frame{channel: channel, kind: kind, flags: flags, payload: payload}, nil
}
