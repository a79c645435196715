package network

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"meshchat/pkg/protocol"
)

func frame(inner []byte) []byte {
	out := make([]byte, 4+len(inner))
	binary.BigEndian.PutUint32(out, uint32(len(inner)))
	copy(out[4:], inner)
	return out
}

func TestFeedWholeFrame(t *testing.T) {
	var f Framer

	msg, err := protocol.NewMessage(protocol.ChatMessage, 3, 1, []byte("hi"))
	require.NoError(t, err)

	frames, err := f.Feed(frame(msg.Encode()))
	require.NoError(t, err)
	require.Len(t, frames, 1)
	require.Equal(t, msg.Encode(), frames[0])
	require.Zero(t, f.Buffered())
}

func TestFeedSplitAcrossChunks(t *testing.T) {
	msg, err := protocol.NewMessage(protocol.ChatMessage, 3, 0xAABBCCDD, []byte("hi"))
	require.NoError(t, err)
	wire := frame(msg.Encode()) // 12 bytes inner, 16 total

	// Every possible split point must yield exactly one frame, no
	// duplicates, no losses.
	for cut := 1; cut < len(wire); cut++ {
		var f Framer

		frames, err := f.Feed(wire[:cut])
		require.NoError(t, err)
		require.Empty(t, frames, "cut=%d: no frame before all bytes arrive", cut)

		frames, err = f.Feed(wire[cut:])
		require.NoError(t, err)
		require.Len(t, frames, 1, "cut=%d", cut)
		require.Equal(t, msg.Encode(), frames[0], "cut=%d", cut)
		require.Zero(t, f.Buffered(), "cut=%d", cut)
	}
}

func TestFeedBatchedFrames(t *testing.T) {
	var f Framer

	a, _ := protocol.NewMessage(protocol.Ping, 0, 1, nil)
	b, _ := protocol.NewMessage(protocol.ChatMessage, 2, 2, []byte("two"))
	c, _ := protocol.NewMessage(protocol.Pong, 0, 3, nil)

	wire := append(frame(a.Encode()), frame(b.Encode())...)
	wire = append(wire, frame(c.Encode())...)
	// Hold back the last byte so the third frame stays incomplete.
	frames, err := f.Feed(wire[:len(wire)-1])
	require.NoError(t, err)
	require.Len(t, frames, 2)
	require.Equal(t, a.Encode(), frames[0])
	require.Equal(t, b.Encode(), frames[1])

	frames, err = f.Feed(wire[len(wire)-1:])
	require.NoError(t, err)
	require.Len(t, frames, 1)
	require.Equal(t, c.Encode(), frames[0])
}

func TestFeedOversizeFrame(t *testing.T) {
	var f Framer

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], maxFrameSize+1)
	_, err := f.Feed(hdr[:])
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestFeedExtractsBeforeOversize(t *testing.T) {
	var f Framer

	msg, _ := protocol.NewMessage(protocol.Ping, 0, 9, nil)
	wire := frame(msg.Encode())
	var bad [4]byte
	binary.BigEndian.PutUint32(bad[:], maxFrameSize+1)

	frames, err := f.Feed(append(wire, bad[:]...))
	require.ErrorIs(t, err, ErrFrameTooLarge)
	require.Len(t, frames, 1, "complete frames before the bad one are still delivered")
}
