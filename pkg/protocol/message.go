// Package protocol defines the meshchat wire format.
//
// Every message travels as a fixed 8-byte header followed by the payload,
// all multi-byte integers big-endian:
//
//	[type:1][ttl:1][id:4][payloadLength:2][payload:payloadLength]
//
// The format must stay bit-exact across implementations; there is no
// compression and no checksum.
package protocol

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

type MessageType uint8

const (
	Ping             MessageType = 0x01
	Pong             MessageType = 0x02
	PeerDiscovery    MessageType = 0x03
	PeerAnnouncement MessageType = 0x04
	ChatMessage      MessageType = 0x05
	// Reserved in the format: forwarded by the router but otherwise inert.
	PrivateMessage MessageType = 0x06
	RoutingUpdate  MessageType = 0x07
	Ack            MessageType = 0x08
)

func (t MessageType) String() string {
	switch t {
	case Ping:
		return "PING"
	case Pong:
		return "PONG"
	case PeerDiscovery:
		return "PEER_DISCOVERY"
	case PeerAnnouncement:
		return "PEER_ANNOUNCEMENT"
	case ChatMessage:
		return "CHAT_MESSAGE"
	case PrivateMessage:
		return "PRIVATE_MESSAGE"
	case RoutingUpdate:
		return "ROUTING_UPDATE"
	case Ack:
		return "ACK"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(t))
	}
}

const (
	// HeaderSize is the fixed inner header length.
	HeaderSize = 8
	// MaxTTL is the highest hop budget a message may carry.
	MaxTTL = 7
	// MaxPayload is the largest payload the 2-byte length field can frame.
	MaxPayload = 65535
)

var (
	ErrTTLRange    = errors.New("protocol: ttl out of range")
	ErrPayloadSize = errors.New("protocol: payload exceeds 65535 bytes")
	ErrShortBuffer = errors.New("protocol: buffer too short")
)

// Message is one unit of mesh traffic. Treat it as immutable after
// construction; forwarding goes through Forwarded, which copies.
type Message struct {
	Type    MessageType
	TTL     uint8
	ID      uint32
	Payload []byte
}

// NewMessage validates ttl and payload length and builds a Message.
// The valid ttl range is 0..MaxTTL inclusive; zero means "deliver locally,
// never forward".
func NewMessage(msgType MessageType, ttl int, id uint32, payload []byte) (*Message, error) {
	if ttl < 0 || ttl > MaxTTL {
		return nil, fmt.Errorf("%w: %d", ErrTTLRange, ttl)
	}
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("%w: %d", ErrPayloadSize, len(payload))
	}
	return &Message{
		Type:    msgType,
		TTL:     uint8(ttl),
		ID:      id,
		Payload: payload,
	}, nil
}

// Encode serialises the message. Total for any Message that passed
// construction validation.
func (m *Message) Encode() []byte {
	buf := make([]byte, HeaderSize+len(m.Payload))
	buf[0] = uint8(m.Type)
	buf[1] = m.TTL
	binary.BigEndian.PutUint32(buf[2:6], m.ID)
	binary.BigEndian.PutUint16(buf[6:8], uint16(len(m.Payload)))
	copy(buf[HeaderSize:], m.Payload)
	return buf
}

// Decode parses one message from the front of data. It needs at least
// HeaderSize bytes, then HeaderSize+payloadLength bytes; anything short
// returns ErrShortBuffer so the caller can keep buffering. Header values
// that would fail construction validation return the matching sentinel
// error; callers drop such messages silently rather than closing the
// connection. Trailing bytes beyond the declared payload length are
// ignored; the outer frame, not this field, is the authoritative stream
// boundary.
func Decode(data []byte) (*Message, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrShortBuffer, len(data), HeaderSize)
	}
	payloadLen := int(binary.BigEndian.Uint16(data[6:8]))
	if len(data) < HeaderSize+payloadLen {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrShortBuffer, len(data), HeaderSize+payloadLen)
	}
	ttl := data[1]
	if ttl > MaxTTL {
		return nil, fmt.Errorf("%w: %d", ErrTTLRange, ttl)
	}
	payload := make([]byte, payloadLen)
	copy(payload, data[HeaderSize:HeaderSize+payloadLen])
	return &Message{
		Type:    MessageType(data[0]),
		TTL:     ttl,
		ID:      binary.BigEndian.Uint32(data[2:6]),
		Payload: payload,
	}, nil
}

// Forwarded returns a copy with the ttl decremented, leaving the original
// untouched so local handlers never observe the relayed value. Callers
// must check TTL > 0 first; a zero ttl is terminal and is never forwarded.
func (m *Message) Forwarded() *Message {
	c := *m
	if c.TTL > 0 {
		c.TTL--
	}
	return &c
}

// NewMessageID derives a 32-bit id for a locally originated message: the
// low 16 bits of the current time in the high half, and in the low half a
// random 16-bit value XORed with a rolling hash of the textual content
// when one is supplied. Probably unique, weakly content-derived, not
// cryptographic; collisions are possible at scale and the dedup cache
// absorbs them.
func NewMessageID(text string) uint32 {
	var rb [2]byte
	rand.Read(rb[:])
	low := uint32(binary.BigEndian.Uint16(rb[:]))
	if text != "" {
		low ^= uint32(rollingHash16(text))
	}
	return uint32(time.Now().Unix()&0xFFFF)<<16 | low
}

func rollingHash16(s string) uint16 {
	var h uint16
	for i := 0; i < len(s); i++ {
		h = h*31 + uint16(s[i])
	}
	return h
}
