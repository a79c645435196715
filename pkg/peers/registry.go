// Package peers tracks metadata for every peer this node knows about.
package peers

import (
	"net"
	"strconv"
	"sync"
	"time"
)

// Key builds the registry key for an address/port pair. The key is the
// peer's identity within this node's view.
func Key(address string, port int) string {
	return net.JoinHostPort(address, strconv.Itoa(port))
}

// PeerInfo is the per-peer record owned by the Registry.
//
// HopCount is informational only: it is initialised to 1 on first contact
// and never adjusted by routing depth. Tracking it properly would need
// hop accounting the flood router does not do.
type PeerInfo struct {
	Address  string
	Port     int
	Nickname string
	LastSeen time.Time
	HopCount int
}

// Key returns the peer's registry key.
func (p PeerInfo) Key() string {
	return Key(p.Address, p.Port)
}

// DisplayName returns the nickname when the peer has announced one,
// otherwise the peer key.
func (p PeerInfo) DisplayName() string {
	if p.Nickname != "" {
		return p.Nickname
	}
	return p.Key()
}

// Registry is the authoritative store of known peers. Entries are created
// on first contact, updated by router handlers, and removed on connection
// teardown or staleness eviction; the connection manager keeps the
// registry and its connection table in lockstep.
type Registry struct {
	mu    sync.RWMutex
	peers map[string]*PeerInfo
	now   func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		peers: make(map[string]*PeerInfo),
		now:   time.Now,
	}
}

// SetClock replaces the registry's time source. Tests use this to drive
// staleness without waiting on a wall clock.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// Add registers a peer on first contact, or refreshes LastSeen if the key
// is already present. The returned value is a snapshot copy.
func (r *Registry) Add(address string, port int) PeerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := Key(address, port)
	p, ok := r.peers[key]
	if !ok {
		p = &PeerInfo{
			Address:  address,
			Port:     port,
			HopCount: 1,
		}
		r.peers[key] = p
	}
	p.LastSeen = r.now()
	return *p
}

// Remove deletes the peer and returns its final snapshot, or false if the
// key was unknown.
func (r *Registry) Remove(key string) (PeerInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[key]
	if !ok {
		return PeerInfo{}, false
	}
	delete(r.peers, key)
	return *p, true
}

// Get returns a snapshot of the peer for key.
func (r *Registry) Get(key string) (PeerInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.peers[key]
	if !ok {
		return PeerInfo{}, false
	}
	return *p, true
}

// Touch refreshes the peer's LastSeen. Called for any received traffic.
func (r *Registry) Touch(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.peers[key]; ok {
		p.LastSeen = r.now()
	}
}

// SetNickname records the nickname a peer announced and refreshes
// LastSeen.
func (r *Registry) SetNickname(key, nickname string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.peers[key]; ok {
		p.Nickname = nickname
		p.LastSeen = r.now()
	}
}

// List returns snapshots of all known peers.
func (r *Registry) List() []PeerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]PeerInfo, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, *p)
	}
	return out
}

// Len returns the number of known peers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// Stale returns the keys of peers whose LastSeen is older than threshold.
func (r *Registry) Stale(threshold time.Duration) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cutoff := r.now().Add(-threshold)
	var keys []string
	for key, p := range r.peers {
		if p.LastSeen.Before(cutoff) {
			keys = append(keys, key)
		}
	}
	return keys
}
