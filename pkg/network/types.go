package network

import (
	"fmt"
	"net"

	"meshchat/pkg/peers"
	"meshchat/pkg/protocol"
)

// DialFunc opens an outbound stream to address ("host:port"). The default
// is a plain TCP dial with a bounded timeout; the tor package substitutes
// a SOCKS5 dial for .onion peers.
type DialFunc func(address string) (net.Conn, error)

// ListenFunc opens the listening socket for Start. The default listens on
// all interfaces; the tor package substitutes a hidden-service listener.
type ListenFunc func(port int) (net.Listener, error)

// Inbound pairs a decoded message with the key of the connection it
// arrived on.
type Inbound struct {
	From string
	Msg  *protocol.Message
}

// PeerEventKind discriminates connection lifecycle events.
type PeerEventKind int

const (
	PeerJoined PeerEventKind = iota
	PeerLeft
)

// PeerEvent reports a peer entering or leaving the connection table.
type PeerEvent struct {
	Kind PeerEventKind
	Peer peers.PeerInfo
}

// ConnError reports a dial failure or socket-level fault for one peer.
// Other connections are unaffected.
type ConnError struct {
	Addr string
	Err  error
}

func (e *ConnError) Error() string {
	return fmt.Sprintf("network: connection to %s failed: %v", e.Addr, e.Err)
}

func (e *ConnError) Unwrap() error { return e.Err }
