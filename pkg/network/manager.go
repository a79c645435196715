// Package network owns the listening socket and every active peer
// connection. It reconstructs frames from each stream, hands decoded
// messages to a single consumer, and writes outbound frames on behalf of
// the router and the node.
package network

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"meshchat/pkg/peers"
	"meshchat/pkg/protocol"
)

// Config assembles a Manager. Registry is required; everything else has a
// working default.
type Config struct {
	Nickname string
	Registry *peers.Registry
	Logger   *logrus.Logger
	Dial     DialFunc
	Listen   ListenFunc
}

// Manager is the connection/peer lifecycle manager. The connection table
// and the peer registry are kept in lockstep: an entry in one always has
// a matching entry in the other for the lifetime of the connection.
//
// A slow peer has no backpressure applied to it; its socket buffer can
// grow without bound. That limitation is deliberate and observable
// behavior, not an oversight to patch with flow control.
type Manager struct {
	log      *logrus.Logger
	reg      *peers.Registry
	nickname string
	dial     DialFunc
	listen   ListenFunc

	mu      sync.Mutex
	ln      net.Listener
	conns   map[string]*conn
	stopped bool

	inbound    chan Inbound
	peerEvents chan PeerEvent
	stopCh     chan struct{}
	stopOnce   sync.Once
}

// NewManager creates a Manager around the given registry.
func NewManager(cfg Config) *Manager {
	m := &Manager{
		log:        cfg.Logger,
		reg:        cfg.Registry,
		nickname:   cfg.Nickname,
		dial:       cfg.Dial,
		listen:     cfg.Listen,
		conns:      make(map[string]*conn),
		inbound:    make(chan Inbound, inboundDepth),
		peerEvents: make(chan PeerEvent, eventDepth),
		stopCh:     make(chan struct{}),
	}
	if m.log == nil {
		m.log = logrus.StandardLogger()
	}
	if m.dial == nil {
		m.dial = func(address string) (net.Conn, error) {
			return net.DialTimeout("tcp", address, dialTimeout)
		}
	}
	if m.listen == nil {
		m.listen = func(port int) (net.Listener, error) {
			return net.Listen("tcp", fmt.Sprintf(":%d", port))
		}
	}
	return m
}

// Inbound returns the channel of decoded messages. Messages from the same
// connection arrive in order; messages from different connections may
// interleave arbitrarily.
func (m *Manager) Inbound() <-chan Inbound { return m.inbound }

// PeerEvents returns the channel of peer joined/left events.
func (m *Manager) PeerEvents() <-chan PeerEvent { return m.peerEvents }

// Start opens the listening socket on all interfaces at port and begins
// accepting, sweeping stale peers, and sending keepalive pings.
func (m *Manager) Start(port int) error {
	ln, err := m.listen(port)
	if err != nil {
		return fmt.Errorf("network: listen on %d: %w", port, err)
	}

	m.mu.Lock()
	m.ln = ln
	m.mu.Unlock()

	m.log.Infof("listening on %s", ln.Addr())
	go m.acceptLoop(ln)
	go m.sweepLoop()
	go m.keepaliveLoop()
	return nil
}

// ConnectTo dials a peer by address and listening port. Idempotent: if a
// connection for that key already exists it succeeds immediately. On
// success the connection and its registry entry are created together, an
// announcement is sent, and a peer-joined event fires. On failure nothing
// is registered and the caller gets a ConnError.
func (m *Manager) ConnectTo(address string, port int) error {
	key := peers.Key(address, port)

	m.mu.Lock()
	_, already := m.conns[key]
	m.mu.Unlock()
	if already {
		return nil
	}

	c, err := m.dial(key)
	if err != nil {
		return &ConnError{Addr: key, Err: err}
	}

	if !m.register(key, address, port, c, true) {
		// Lost a race with another connect for the same key; the
		// existing connection stands and this attempt is a no-op.
		c.Close()
		return nil
	}
	m.sendAnnouncement(key)
	return nil
}

// Send encodes msg, wraps it in an outer frame, and writes it to the
// single peer identified by key.
func (m *Manager) Send(msg *protocol.Message, toKey string) error {
	m.mu.Lock()
	cn, ok := m.conns[toKey]
	m.mu.Unlock()
	if !ok {
		return &ConnError{Addr: toKey, Err: fmt.Errorf("not connected")}
	}
	if err := cn.writeFrame(msg.Encode()); err != nil {
		m.log.Warnf("send %s to %s: %v", msg.Type, toKey, err)
		return &ConnError{Addr: toKey, Err: err}
	}
	return nil
}

// Broadcast sends msg to every connected peer except exceptKey (empty
// string excludes nobody). A failed write is logged and does not affect
// the other peers' sends.
func (m *Manager) Broadcast(msg *protocol.Message, exceptKey string) {
	m.mu.Lock()
	targets := make([]*conn, 0, len(m.conns))
	for key, cn := range m.conns {
		if key == exceptKey {
			continue
		}
		targets = append(targets, cn)
	}
	m.mu.Unlock()

	data := msg.Encode()
	for _, cn := range targets {
		if err := cn.writeFrame(data); err != nil {
			m.log.Warnf("broadcast %s to %s: %v", msg.Type, cn.key, err)
		}
	}
}

// Addr returns the listening address, or nil before Start.
func (m *Manager) Addr() net.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ln == nil {
		return nil
	}
	return m.ln.Addr()
}

// IsConnected reports whether a live connection exists for key.
func (m *Manager) IsConnected(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.conns[key]
	return ok
}

// ConnCount returns the number of live connections.
func (m *Manager) ConnCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Stop forcibly closes the listener and every connection. Unsent bytes
// are discarded and no further events fire once Stop returns.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		m.stopped = true
		ln := m.ln
		conns := m.conns
		m.conns = make(map[string]*conn)
		m.mu.Unlock()

		close(m.stopCh)
		if ln != nil {
			ln.Close()
		}
		for key, cn := range conns {
			cn.c.Close()
			m.reg.Remove(key)
		}
	})
}

func (m *Manager) acceptLoop(ln net.Listener) {
	for {
		c, err := ln.Accept()
		if err != nil {
			select {
			case <-m.stopCh:
			default:
				m.log.Errorf("accept: %v", err)
			}
			return
		}

		// Inbound connections are keyed by the remote address and
		// ephemeral port, not the peer's advertised listening port.
		// The key is provisional: it cannot be re-dialed later.
		host, portStr, err := net.SplitHostPort(c.RemoteAddr().String())
		if err != nil {
			c.Close()
			continue
		}
		port, _ := strconv.Atoi(portStr)
		if !m.register(peers.Key(host, port), host, port, c, false) {
			c.Close()
		}
	}
}

// register installs a connection and its registry entry together and
// emits peer-joined. Returns false when the key is already connected or
// the manager has stopped.
func (m *Manager) register(key, address string, port int, c net.Conn, outbound bool) bool {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return false
	}
	if _, ok := m.conns[key]; ok {
		m.mu.Unlock()
		return false
	}
	cn := &conn{key: key, c: c, outbound: outbound}
	m.conns[key] = cn
	m.mu.Unlock()

	info := m.reg.Add(address, port)
	m.log.Infof("peer connected: %s (outbound=%v)", key, outbound)
	m.emit(PeerEvent{Kind: PeerJoined, Peer: info})

	go m.readLoop(cn)
	return true
}

// teardown removes the connection and registry entry together and emits
// peer-left exactly once per connection lifetime.
func (m *Manager) teardown(key string) {
	m.mu.Lock()
	cn, ok := m.conns[key]
	if ok {
		delete(m.conns, key)
	}
	stopped := m.stopped
	m.mu.Unlock()
	if !ok {
		return
	}

	cn.c.Close()
	info, known := m.reg.Remove(key)
	if known && !stopped {
		m.log.Infof("peer disconnected: %s", key)
		m.emit(PeerEvent{Kind: PeerLeft, Peer: info})
	}
}

func (m *Manager) readLoop(cn *conn) {
	defer m.teardown(cn.key)

	buf := make([]byte, readBufSize)
	for {
		n, err := cn.c.Read(buf)
		if n > 0 {
			frames, ferr := cn.framer.Feed(buf[:n])
			for _, frame := range frames {
				msg, derr := protocol.Decode(frame)
				if derr != nil {
					// Malformed inner message: drop it, keep
					// the connection.
					m.log.Debugf("drop malformed frame from %s: %v", cn.key, derr)
					continue
				}
				m.reg.Touch(cn.key)
				select {
				case m.inbound <- Inbound{From: cn.key, Msg: msg}:
				case <-m.stopCh:
					return
				}
			}
			if ferr != nil {
				m.log.Warnf("framing error from %s: %v", cn.key, ferr)
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// sweepLoop evicts peers that went silent without closing their socket.
// It is the only mechanism that reclaims those resources.
func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweepStale()
		}
	}
}

func (m *Manager) sweepStale() {
	for _, key := range m.reg.Stale(staleAfter) {
		m.log.Infof("evicting stale peer %s", key)
		m.teardown(key)
	}
}

// keepaliveLoop pings every peer so healthy-but-quiet links keep their
// LastSeen fresh ahead of the stale sweep. Pings carry ttl 0 and are
// never forwarded.
func (m *Manager) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			ping, err := protocol.NewMessage(protocol.Ping, 0, protocol.NewMessageID(""), nil)
			if err != nil {
				continue
			}
			m.Broadcast(ping, "")
		}
	}
}

func (m *Manager) sendAnnouncement(key string) {
	payload, err := protocol.NewAnnouncement(m.nickname).Marshal()
	if err != nil {
		m.log.Warnf("announcement payload: %v", err)
		return
	}
	msg, err := protocol.NewMessage(protocol.PeerAnnouncement, 1, protocol.NewMessageID(m.nickname), payload)
	if err != nil {
		m.log.Warnf("announcement message: %v", err)
		return
	}
	if err := m.Send(msg, key); err != nil {
		m.log.Warnf("announce to %s: %v", key, err)
	}
}

func (m *Manager) emit(ev PeerEvent) {
	select {
	case m.peerEvents <- ev:
	default:
		m.log.Warnf("peer event channel full, dropping %v for %s", ev.Kind, ev.Peer.Key())
	}
}
