package network

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrFrameTooLarge means a peer declared an outer frame beyond any valid
// message. The stream cannot be resynchronised past it, so the owning
// connection is torn down.
var ErrFrameTooLarge = errors.New("network: declared frame exceeds maximum size")

// Framer reassembles discrete protocol frames from a TCP byte stream that
// may arrive fragmented or batched. Each connection owns exactly one.
//
// The outer framing is a 4-byte big-endian length prefix followed by that
// many bytes holding one encoded message. The outer length is the
// authoritative stream boundary; the codec's inner payloadLength field is
// only consulted after a complete frame has been isolated.
type Framer struct {
	buf []byte
}

// Feed appends incoming bytes and extracts every complete frame the
// buffer now holds, leaving any remainder buffered for the next call. It
// never blocks: fewer than 4 buffered bytes, or fewer than the declared
// frame length, simply yields nothing yet.
func (f *Framer) Feed(p []byte) ([][]byte, error) {
	f.buf = append(f.buf, p...)

	var frames [][]byte
	for {
		if len(f.buf) < 4 {
			return frames, nil
		}
		declared := binary.BigEndian.Uint32(f.buf[:4])
		if declared > maxFrameSize {
			return frames, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, declared)
		}
		total := 4 + int(declared)
		if len(f.buf) < total {
			return frames, nil
		}
		frame := make([]byte, declared)
		copy(frame, f.buf[4:total])
		frames = append(frames, frame)
		f.buf = append(f.buf[:0], f.buf[total:]...)
	}
}

// Buffered returns the number of bytes waiting for frame completion.
func (f *Framer) Buffered() int {
	return len(f.buf)
}
