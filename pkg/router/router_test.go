package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"meshchat/pkg/dedup"
	"meshchat/pkg/peers"
	"meshchat/pkg/protocol"
)

type sentMsg struct {
	msg *protocol.Message
	to  string
}

type broadcastMsg struct {
	msg    *protocol.Message
	except string
}

// fakeSender records what the router asks the connection manager to do.
type fakeSender struct {
	sent      []sentMsg
	broadcast []broadcastMsg
}

func (f *fakeSender) Send(msg *protocol.Message, toKey string) error {
	f.sent = append(f.sent, sentMsg{msg, toKey})
	return nil
}

func (f *fakeSender) Broadcast(msg *protocol.Message, exceptKey string) {
	f.broadcast = append(f.broadcast, broadcastMsg{msg, exceptKey})
}

type chatLine struct {
	sender string
	text   string
}

func newTestRouter(t *testing.T) (*Router, *fakeSender, *peers.Registry, *[]chatLine) {
	t.Helper()
	reg := peers.NewRegistry()
	out := &fakeSender{}
	var chats []chatLine
	r := New(Config{
		Registry: reg,
		Cache:    dedup.New(),
		Sender:   out,
		OnChat: func(sender, text string) {
			chats = append(chats, chatLine{sender, text})
		},
	})
	return r, out, reg, &chats
}

func mustMsg(t *testing.T, typ protocol.MessageType, ttl int, id uint32, payload []byte) *protocol.Message {
	t.Helper()
	msg, err := protocol.NewMessage(typ, ttl, id, payload)
	require.NoError(t, err)
	return msg
}

func TestChatDeliveredAndForwarded(t *testing.T) {
	r, out, reg, chats := newTestRouter(t)
	reg.Add("10.0.0.1", 9000)

	msg := mustMsg(t, protocol.ChatMessage, 3, 0x01020304, []byte("hi"))
	r.Route(msg, "10.0.0.1:9000")

	require.Equal(t, []chatLine{{"10.0.0.1:9000", "hi"}}, *chats)

	require.Len(t, out.broadcast, 1)
	require.Equal(t, "10.0.0.1:9000", out.broadcast[0].except, "sender must be excluded")
	require.EqualValues(t, 2, out.broadcast[0].msg.TTL, "forwarded copy carries ttl-1")
	require.EqualValues(t, 3, msg.TTL, "original message must not be mutated")
}

func TestTTLZeroNeverForwarded(t *testing.T) {
	r, out, _, chats := newTestRouter(t)

	r.Route(mustMsg(t, protocol.ChatMessage, 0, 5, []byte("last hop")), "a:1")

	require.Len(t, *chats, 1, "ttl=0 still delivers locally")
	require.Empty(t, out.broadcast, "ttl=0 is terminal")
}

func TestDuplicateSuppressedEntirely(t *testing.T) {
	r, out, _, chats := newTestRouter(t)

	first := mustMsg(t, protocol.ChatMessage, 3, 0xAABBCCDD, []byte("hi"))
	r.Route(first, "a:1")

	// Same id from a different relay path.
	second := mustMsg(t, protocol.ChatMessage, 2, 0xAABBCCDD, []byte("hi"))
	r.Route(second, "b:2")

	require.Len(t, *chats, 1, "handler must run exactly once per id")
	require.Len(t, out.broadcast, 1, "forwarding must happen exactly once per id")
}

func TestPingAnsweredNotForwarded(t *testing.T) {
	r, out, reg, _ := newTestRouter(t)
	reg.Add("10.0.0.1", 9000)

	// Even a ping with remaining ttl is never relayed.
	r.Route(mustMsg(t, protocol.Ping, 5, 77, nil), "10.0.0.1:9000")

	require.Len(t, out.sent, 1)
	require.Equal(t, "10.0.0.1:9000", out.sent[0].to)
	require.Equal(t, protocol.Pong, out.sent[0].msg.Type)
	require.EqualValues(t, 0, out.sent[0].msg.TTL, "pong must not flood")
	require.Empty(t, out.broadcast)
}

func TestPongTouchesSender(t *testing.T) {
	r, _, reg, _ := newTestRouter(t)
	clock := int64(1000)
	reg.SetClock(fakeClock(&clock))
	reg.Add("10.0.0.1", 9000)
	before, _ := reg.Get("10.0.0.1:9000")

	clock += 60
	r.Route(mustMsg(t, protocol.Pong, 0, 78, nil), "10.0.0.1:9000")

	after, _ := reg.Get("10.0.0.1:9000")
	require.True(t, after.LastSeen.After(before.LastSeen))
}

func TestAnnouncementSetsNickname(t *testing.T) {
	r, _, reg, _ := newTestRouter(t)
	reg.Add("10.0.0.1", 9000)

	ann := protocol.Announcement{Nickname: "alice", Timestamp: 1}
	payload, err := ann.Marshal()
	require.NoError(t, err)

	r.Route(mustMsg(t, protocol.PeerAnnouncement, 1, 79, payload), "10.0.0.1:9000")

	got, ok := reg.Get("10.0.0.1:9000")
	require.True(t, ok)
	require.Equal(t, "alice", got.Nickname)
}

func TestChatUsesAnnouncedNickname(t *testing.T) {
	r, _, reg, chats := newTestRouter(t)
	reg.Add("10.0.0.1", 9000)
	reg.SetNickname("10.0.0.1:9000", "alice")

	r.Route(mustMsg(t, protocol.ChatMessage, 1, 80, []byte("hey")), "10.0.0.1:9000")

	require.Equal(t, []chatLine{{"alice", "hey"}}, *chats)
}

func TestDiscoverySurfacedWithoutRegistryMutation(t *testing.T) {
	reg := peers.NewRegistry()
	out := &fakeSender{}
	var got []protocol.Announcement
	r := New(Config{
		Registry: reg,
		Cache:    dedup.New(),
		Sender:   out,
		OnDiscovery: func(fromKey string, ann protocol.Announcement) {
			got = append(got, ann)
		},
	})

	payload, err := protocol.Announcement{Nickname: "carol", Timestamp: 3}.Marshal()
	require.NoError(t, err)
	r.Route(mustMsg(t, protocol.PeerDiscovery, 2, 81, payload), "10.0.0.9:9000")

	require.Equal(t, []protocol.Announcement{{Nickname: "carol", Timestamp: 3}}, got)
	require.Zero(t, reg.Len(), "discovery is informational only")
	require.Len(t, out.broadcast, 1, "discovery still floods onward")
}

func TestMalformedAnnouncementDropped(t *testing.T) {
	r, out, reg, _ := newTestRouter(t)
	reg.Add("10.0.0.1", 9000)

	r.Route(mustMsg(t, protocol.PeerAnnouncement, 1, 82, []byte("not json")), "10.0.0.1:9000")

	got, _ := reg.Get("10.0.0.1:9000")
	require.Empty(t, got.Nickname)
	require.Len(t, out.broadcast, 1, "handler failure does not stop forwarding")
}

func TestReservedTypeForwardedInert(t *testing.T) {
	r, out, _, chats := newTestRouter(t)

	r.Route(mustMsg(t, protocol.PrivateMessage, 4, 83, []byte("opaque")), "a:1")

	require.Empty(t, *chats)
	require.Len(t, out.broadcast, 1)
	require.EqualValues(t, 3, out.broadcast[0].msg.TTL)
}

func fakeClock(sec *int64) func() time.Time {
	return func() time.Time { return time.Unix(*sec, 0) }
}
