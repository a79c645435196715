// Package dedup implements the bounded seen-message-ID cache that keeps
// flooded messages from being handled or forwarded twice.
package dedup

import "sync"

// DefaultCapacity bounds the cache at ten thousand ids before eviction.
const DefaultCapacity = 10000

// Cache is a membership set of recently seen message ids, scoped to one
// node instance. When the capacity is exceeded it discards the older half
// of the insertion order and keeps the newer half in one sweep; there is
// no per-entry LRU bookkeeping. Evicted ids can therefore look "new"
// again and briefly re-propagate, which is an accepted trade-off for O(1)
// upkeep.
type Cache struct {
	mu       sync.Mutex
	seen     map[uint32]struct{}
	order    []uint32
	capacity int
}

// New creates a Cache with DefaultCapacity.
func New() *Cache {
	return NewWithCapacity(DefaultCapacity)
}

// NewWithCapacity creates a Cache holding at most capacity ids.
func NewWithCapacity(capacity int) *Cache {
	if capacity < 2 {
		capacity = 2
	}
	return &Cache{
		seen:     make(map[uint32]struct{}, capacity),
		order:    make([]uint32, 0, capacity),
		capacity: capacity,
	}
}

// Check reports whether id was already seen, recording it as a side
// effect when it was not. True means drop: do not handle, do not forward.
func (c *Cache) Check(id uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.seen[id]; ok {
		return true
	}
	c.seen[id] = struct{}{}
	c.order = append(c.order, id)
	if len(c.order) > c.capacity {
		c.evictOlderHalf()
	}
	return false
}

// Len returns the number of ids currently remembered.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order)
}

func (c *Cache) evictOlderHalf() {
	cut := len(c.order) / 2
	for _, id := range c.order[:cut] {
		delete(c.seen, id)
	}
	remain := make([]uint32, len(c.order)-cut, c.capacity)
	copy(remain, c.order[cut:])
	c.order = remain
}
