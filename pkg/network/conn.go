package network

import (
	"encoding/binary"
	"net"
	"sync"
)

// conn is one live peer connection: the socket, its framer, and a write
// lock so concurrent sends do not interleave frames.
type conn struct {
	key      string
	c        net.Conn
	framer   Framer
	outbound bool

	writeMu sync.Mutex
}

// writeFrame sends one outer frame: 4-byte big-endian length, then the
// encoded message.
func (cn *conn) writeFrame(data []byte) error {
	cn.writeMu.Lock()
	defer cn.writeMu.Unlock()

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(data)))
	if _, err := cn.c.Write(hdr[:]); err != nil {
		return err
	}
	_, err := cn.c.Write(data)
	return err
}
