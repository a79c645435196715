package node

import (
	"encoding/binary"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"meshchat/pkg/protocol"
)

func startNode(t *testing.T, nickname string) *Node {
	t.Helper()
	n := New(Config{Nickname: nickname})
	require.NoError(t, n.Start(0))
	t.Cleanup(n.Stop)
	return n
}

func nodePort(t *testing.T, n *Node) int {
	t.Helper()
	return n.Addr().(*net.TCPAddr).Port
}

func waitFor(t *testing.T, n *Node, kind EventKind) Event {
	t.Helper()
	for {
		select {
		case ev := <-n.Events():
			if ev.Kind == kind {
				return ev
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timeout waiting for %s event", kind)
		}
	}
}

func expectNoEvent(t *testing.T, n *Node, kind EventKind, wait time.Duration) {
	t.Helper()
	deadline := time.After(wait)
	for {
		select {
		case ev := <-n.Events():
			if ev.Kind == kind {
				t.Fatalf("unexpected %s event: %+v", kind, ev)
			}
		case <-deadline:
			return
		}
	}
}

func TestTwoNodeChat(t *testing.T) {
	a := startNode(t, "A")
	b := startNode(t, "B")

	require.NoError(t, a.ConnectToPeer("127.0.0.1", nodePort(t, b)))
	waitFor(t, a, EventPeerJoined)
	waitFor(t, b, EventPeerJoined)

	// Give B's router the announcement so it knows A's nickname.
	require.Eventually(t, func() bool {
		for _, p := range b.Peers() {
			if p.Nickname == "A" {
				return true
			}
		}
		return false
	}, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, a.SendMessageTTL("hi", 3))

	// A sees its own message with the own flag set.
	own := waitFor(t, a, EventMessage)
	require.True(t, own.Own)
	require.Equal(t, "A", own.Sender)

	// B receives (A, hi, false) exactly once.
	got := waitFor(t, b, EventMessage)
	require.Equal(t, "A", got.Sender)
	require.Equal(t, "hi", got.Text)
	require.False(t, got.Own)

	// B rebroadcasts with ttl 2, but its only peer is the sender, so
	// nothing loops back to A and B delivers nothing twice.
	expectNoEvent(t, a, EventMessage, 300*time.Millisecond)
	expectNoEvent(t, b, EventMessage, 300*time.Millisecond)
}

func TestDuplicateFromTwoRelayPathsDeliveredOnce(t *testing.T) {
	b := startNode(t, "B")
	addr := fmt.Sprintf("127.0.0.1:%d", nodePort(t, b))

	// Two independent links into B, simulating two relay paths.
	c1, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer c1.Close()
	c2, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer c2.Close()
	waitFor(t, b, EventPeerJoined)
	waitFor(t, b, EventPeerJoined)

	msg, err := protocol.NewMessage(protocol.ChatMessage, 2, 0xAABBCCDD, []byte("hi"))
	require.NoError(t, err)
	writeFrame(t, c1, msg)
	writeFrame(t, c2, msg)

	got := waitFor(t, b, EventMessage)
	require.Equal(t, "hi", got.Text)
	expectNoEvent(t, b, EventMessage, 300*time.Millisecond)
}

func TestForwardReachesThirdNode(t *testing.T) {
	a := startNode(t, "A")
	b := startNode(t, "B")
	c := startNode(t, "C")

	// Chain A - B - C: A and C are not directly connected.
	require.NoError(t, a.ConnectToPeer("127.0.0.1", nodePort(t, b)))
	require.NoError(t, c.ConnectToPeer("127.0.0.1", nodePort(t, b)))
	waitFor(t, b, EventPeerJoined)
	waitFor(t, b, EventPeerJoined)

	require.NoError(t, a.SendMessageTTL("relay me", 3))

	got := waitFor(t, c, EventMessage)
	require.Equal(t, "relay me", got.Text)
	require.False(t, got.Own)
}

func TestTTLExhaustionStopsFlood(t *testing.T) {
	a := startNode(t, "A")
	b := startNode(t, "B")
	c := startNode(t, "C")
	d := startNode(t, "D")

	// Chain A - B - C - D.
	require.NoError(t, a.ConnectToPeer("127.0.0.1", nodePort(t, b)))
	require.NoError(t, c.ConnectToPeer("127.0.0.1", nodePort(t, b)))
	require.NoError(t, d.ConnectToPeer("127.0.0.1", nodePort(t, c)))
	waitFor(t, b, EventPeerJoined)
	waitFor(t, b, EventPeerJoined)
	waitFor(t, c, EventPeerJoined)

	// ttl=1: B delivers and relays a ttl=0 copy, C delivers that copy,
	// and the flood is exhausted before reaching D.
	require.NoError(t, a.SendMessageTTL("one hop only", 1))

	require.Equal(t, "one hop only", waitFor(t, b, EventMessage).Text)
	require.Equal(t, "one hop only", waitFor(t, c, EventMessage).Text)
	expectNoEvent(t, d, EventMessage, 500*time.Millisecond)
}

func TestSendMessageTTLValidation(t *testing.T) {
	n := New(Config{Nickname: "A"})
	require.ErrorIs(t, n.SendMessageTTL("x", 9), protocol.ErrTTLRange)
}

func TestConnectFailureSurfacesEvent(t *testing.T) {
	n := startNode(t, "A")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadPort := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	require.Error(t, n.ConnectToPeer("127.0.0.1", deadPort))
	ev := waitFor(t, n, EventConnFailed)
	require.Error(t, ev.Err)
}

func TestHistoryRecordsBothDirections(t *testing.T) {
	a := startNode(t, "A")
	b := startNode(t, "B")

	require.NoError(t, a.ConnectToPeer("127.0.0.1", nodePort(t, b)))
	waitFor(t, b, EventPeerJoined)

	require.NoError(t, a.SendMessage("hello"))
	waitFor(t, b, EventMessage)

	aHist := a.History()
	require.Len(t, aHist, 1)
	require.True(t, aHist[0].Own)
	require.Equal(t, "hello", aHist[0].Text)

	bHist := b.History()
	require.Len(t, bHist, 1)
	require.False(t, bHist[0].Own)
	require.Equal(t, "hello", bHist[0].Text)
}

func writeFrame(t *testing.T, c net.Conn, msg *protocol.Message) {
	t.Helper()
	inner := msg.Encode()
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(inner)))
	_, err := c.Write(append(hdr[:], inner...))
	require.NoError(t, err)
}
