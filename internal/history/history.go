// Package history keeps a bounded in-memory backlog of delivered chat
// lines so a UI attaching late can render recent context. It lives and
// dies with the process; the mesh itself has no persistence.
package history

import (
	"sync"
	"time"
)

// DefaultLimit is how many records a Ring keeps by default.
const DefaultLimit = 256

// Record is one delivered chat line.
type Record struct {
	From string
	Text string
	Own  bool
	At   time.Time
}

// Ring holds the most recent records, oldest first.
type Ring struct {
	mu    sync.Mutex
	recs  []Record
	limit int
}

// New creates a Ring keeping at most limit records; limit <= 0 uses
// DefaultLimit.
func New(limit int) *Ring {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Ring{limit: limit}
}

// Append records one delivered line, evicting the oldest past the limit.
func (r *Ring) Append(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.recs = append(r.recs, rec)
	if len(r.recs) > r.limit {
		r.recs = append(r.recs[:0:0], r.recs[len(r.recs)-r.limit:]...)
	}
}

// Recent returns a copy of the kept records, oldest first.
func (r *Ring) Recent() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Record, len(r.recs))
	copy(out, r.recs)
	return out
}

// Len returns the number of kept records.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.recs)
}
