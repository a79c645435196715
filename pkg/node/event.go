package node

import "meshchat/pkg/peers"

// EventKind discriminates the typed events a Node emits instead of
// per-callback fields; the UI collaborator consumes one channel and gets
// at-most-one-event-at-a-time ordering for free.
type EventKind int

const (
	// EventMessage carries a delivered chat line.
	EventMessage EventKind = iota
	// EventPeerJoined fires when a connection and registry entry are
	// created.
	EventPeerJoined
	// EventPeerLeft fires when a connection is torn down or a stale
	// peer is evicted.
	EventPeerLeft
	// EventConnFailed reports a dial failure for an explicit connect.
	EventConnFailed
)

func (k EventKind) String() string {
	switch k {
	case EventMessage:
		return "message"
	case EventPeerJoined:
		return "peer-joined"
	case EventPeerLeft:
		return "peer-left"
	case EventConnFailed:
		return "conn-failed"
	default:
		return "unknown"
	}
}

// Event is one node-level occurrence. Which fields are set depends on
// Kind: Sender/Text/Own for EventMessage, Peer for the peer events, Err
// for EventConnFailed.
type Event struct {
	Kind   EventKind
	Sender string
	Text   string
	Own    bool
	Peer   peers.PeerInfo
	Err    error
}
