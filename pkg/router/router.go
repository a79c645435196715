// Package router consumes decoded messages, dispatches per-type handlers,
// and performs TTL-bounded flood re-forwarding.
package router

import (
	"github.com/sirupsen/logrus"

	"meshchat/pkg/dedup"
	"meshchat/pkg/peers"
	"meshchat/pkg/protocol"
)

// Sender is the slice of the connection manager the router needs for
// replies and re-forwarding.
type Sender interface {
	Send(msg *protocol.Message, toKey string) error
	Broadcast(msg *protocol.Message, exceptKey string)
}

// ChatFunc receives a delivered chat line: the sender's nickname (or peer
// key when no nickname is known) and the UTF-8 text.
type ChatFunc func(sender, text string)

// DiscoveryFunc receives decoded PEER_DISCOVERY payloads. Informational
// only; the router does not mutate the registry for discovery messages.
type DiscoveryFunc func(fromKey string, ann protocol.Announcement)

// Config assembles a Router.
type Config struct {
	Registry *peers.Registry
	Cache    *dedup.Cache
	Sender   Sender
	Logger   *logrus.Logger

	OnChat      ChatFunc
	OnDiscovery DiscoveryFunc
}

// Router dispatches inbound messages and floods them onward while their
// ttl lasts. Route is driven by the node's single event loop, so handler
// execution is serialised by construction.
type Router struct {
	log   *logrus.Logger
	reg   *peers.Registry
	cache *dedup.Cache
	out   Sender

	onChat      ChatFunc
	onDiscovery DiscoveryFunc
}

// New creates a Router.
func New(cfg Config) *Router {
	r := &Router{
		log:         cfg.Logger,
		reg:         cfg.Registry,
		cache:       cfg.Cache,
		out:         cfg.Sender,
		onChat:      cfg.OnChat,
		onDiscovery: cfg.OnDiscovery,
	}
	if r.log == nil {
		r.log = logrus.StandardLogger()
	}
	return r
}

// Route processes one decoded message from fromKey.
//
// Order matters: the dedup check runs first, and a duplicate is dropped
// entirely. Otherwise the per-type handler runs, and then, independent of
// the handler outcome (pings excepted), a message with ttl > 0 is
// re-broadcast with ttl-1 to every peer except the one it came from.
// Decrement-to-zero is the sole loop-termination bound.
func (r *Router) Route(msg *protocol.Message, fromKey string) {
	if r.cache.Check(msg.ID) {
		// Already handled and forwarded; invisible to the application.
		return
	}

	forward := true
	switch msg.Type {
	case protocol.Ping:
		r.handlePing(fromKey)
		// Pings are answered, never relayed, regardless of ttl.
		forward = false

	case protocol.Pong:
		r.reg.Touch(fromKey)

	case protocol.PeerDiscovery:
		ann, err := protocol.ParseAnnouncement(msg.Payload)
		if err != nil {
			r.log.Debugf("bad discovery payload from %s: %v", fromKey, err)
			break
		}
		if r.onDiscovery != nil {
			r.onDiscovery(fromKey, ann)
		}

	case protocol.PeerAnnouncement:
		ann, err := protocol.ParseAnnouncement(msg.Payload)
		if err != nil {
			r.log.Debugf("bad announcement payload from %s: %v", fromKey, err)
			break
		}
		if ann.Nickname != "" {
			r.reg.SetNickname(fromKey, ann.Nickname)
		} else {
			r.reg.Touch(fromKey)
		}

	case protocol.ChatMessage:
		if r.onChat != nil {
			r.onChat(r.senderName(fromKey), string(msg.Payload))
		}

	default:
		// Reserved or unrecognised type: no handler, but still
		// eligible for forwarding below.
	}

	if forward && msg.TTL > 0 {
		r.out.Broadcast(msg.Forwarded(), fromKey)
	}
}

func (r *Router) handlePing(fromKey string) {
	r.reg.Touch(fromKey)
	pong, err := protocol.NewMessage(protocol.Pong, 0, protocol.NewMessageID(""), nil)
	if err != nil {
		return
	}
	if err := r.out.Send(pong, fromKey); err != nil {
		r.log.Debugf("pong to %s: %v", fromKey, err)
	}
}

func (r *Router) senderName(fromKey string) string {
	if p, ok := r.reg.Get(fromKey); ok {
		return p.DisplayName()
	}
	return fromKey
}
