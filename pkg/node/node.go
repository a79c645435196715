// Package node assembles the codec, dedup cache, peer registry,
// connection manager, and router into one mesh node and exposes the API
// surface a user interface consumes.
package node

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"meshchat/internal/history"
	"meshchat/pkg/dedup"
	"meshchat/pkg/network"
	"meshchat/pkg/peers"
	"meshchat/pkg/protocol"
	"meshchat/pkg/router"
)

// DefaultTTL is the hop budget for locally originated chat messages when
// the caller does not choose one.
const DefaultTTL = 3

// Config configures a Node. Zero values get working defaults.
type Config struct {
	Nickname   string
	DefaultTTL int
	Logger     *logrus.Logger

	// Dial and Listen override the manager's transport, e.g. to route
	// through Tor. Leave nil for plain TCP.
	Dial   network.DialFunc
	Listen network.ListenFunc
}

// Node is one running mesh participant. All router dispatch, registry
// mutation from handlers, and dedup updates happen on a single event
// loop; mutual exclusion for those paths is structural.
type Node struct {
	cfg   Config
	log   *logrus.Logger
	reg   *peers.Registry
	cache *dedup.Cache
	mgr   *network.Manager
	rt    *router.Router
	hist  *history.Ring

	events chan Event

	mu       sync.Mutex
	started  bool
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a Node. Call Start to bring it onto the network.
func New(cfg Config) *Node {
	if cfg.DefaultTTL <= 0 || cfg.DefaultTTL > protocol.MaxTTL {
		cfg.DefaultTTL = DefaultTTL
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	n := &Node{
		cfg:    cfg,
		log:    log,
		reg:    peers.NewRegistry(),
		cache:  dedup.New(),
		hist:   history.New(0),
		events: make(chan Event, 64),
		stopCh: make(chan struct{}),
	}
	n.mgr = network.NewManager(network.Config{
		Nickname: cfg.Nickname,
		Registry: n.reg,
		Logger:   log,
		Dial:     cfg.Dial,
		Listen:   cfg.Listen,
	})
	n.rt = router.New(router.Config{
		Registry:    n.reg,
		Cache:       n.cache,
		Sender:      n.mgr,
		Logger:      log,
		OnChat:      n.deliverChat,
		OnDiscovery: n.deliverDiscovery,
	})
	return n
}

// Start opens the listener on port and begins processing. It returns
// once the node is accepting connections.
func (n *Node) Start(port int) error {
	n.mu.Lock()
	if n.started {
		n.mu.Unlock()
		return fmt.Errorf("node: already started")
	}
	n.started = true
	n.mu.Unlock()

	if err := n.mgr.Start(port); err != nil {
		return err
	}
	go n.loop()
	return nil
}

// Stop tears the node down immediately: listener and connections close,
// unsent bytes are discarded, and no events fire afterwards.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		n.mgr.Stop()
		close(n.stopCh)
	})
}

// ConnectToPeer dials a peer. Failures surface both as the returned error
// and as an EventConnFailed for the UI. No automatic retry is performed.
func (n *Node) ConnectToPeer(address string, port int) error {
	if err := n.mgr.ConnectTo(address, port); err != nil {
		n.emit(Event{Kind: EventConnFailed, Err: err})
		return err
	}
	return nil
}

// SendMessage floods a chat line to the mesh with the default ttl.
func (n *Node) SendMessage(text string) error {
	return n.SendMessageTTL(text, n.cfg.DefaultTTL)
}

// SendMessageTTL floods a chat line with an explicit hop budget. The
// message id is marked seen locally first so relayed copies are never
// delivered back to this node.
func (n *Node) SendMessageTTL(text string, ttl int) error {
	msg, err := protocol.NewMessage(protocol.ChatMessage, ttl, protocol.NewMessageID(text), []byte(text))
	if err != nil {
		return err
	}
	n.cache.Check(msg.ID)
	n.mgr.Broadcast(msg, "")

	n.hist.Append(history.Record{From: n.cfg.Nickname, Text: text, Own: true, At: time.Now()})
	n.emit(Event{Kind: EventMessage, Sender: n.cfg.Nickname, Text: text, Own: true})
	return nil
}

// Addr returns the listening address, or nil before Start.
func (n *Node) Addr() net.Addr {
	return n.mgr.Addr()
}

// Peers returns a snapshot of the known peer list.
func (n *Node) Peers() []peers.PeerInfo {
	return n.reg.List()
}

// Events returns the node's typed event stream. Consume it promptly; the
// channel is buffered and overflow is dropped with a warning rather than
// blocking the mesh.
func (n *Node) Events() <-chan Event {
	return n.events
}

// History returns the recent delivered chat backlog, oldest first.
func (n *Node) History() []history.Record {
	return n.hist.Recent()
}

// Nickname returns the node's configured nickname.
func (n *Node) Nickname() string {
	return n.cfg.Nickname
}

// loop is the single control flow that serialises router dispatch and
// handler-driven registry mutation.
func (n *Node) loop() {
	for {
		select {
		case <-n.stopCh:
			return
		case in := <-n.mgr.Inbound():
			n.rt.Route(in.Msg, in.From)
		case pe := <-n.mgr.PeerEvents():
			switch pe.Kind {
			case network.PeerJoined:
				n.emit(Event{Kind: EventPeerJoined, Peer: pe.Peer})
			case network.PeerLeft:
				n.emit(Event{Kind: EventPeerLeft, Peer: pe.Peer})
			}
		}
	}
}

func (n *Node) deliverChat(sender, text string) {
	n.hist.Append(history.Record{From: sender, Text: text, At: time.Now()})
	n.emit(Event{Kind: EventMessage, Sender: sender, Text: text, Own: false})
}

func (n *Node) deliverDiscovery(fromKey string, ann protocol.Announcement) {
	// Informational only; the registry is not mutated for discovery
	// messages.
	n.log.Debugf("discovery from %s: %q at %d", fromKey, ann.Nickname, ann.Timestamp)
}

func (n *Node) emit(ev Event) {
	select {
	case <-n.stopCh:
	default:
		select {
		case n.events <- ev:
		default:
			n.log.Warnf("event channel full, dropping %s", ev.Kind)
		}
	}
}
