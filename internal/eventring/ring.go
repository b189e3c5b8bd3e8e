// Package eventring is an in-memory ring buffer of the most recent audit
// events, exposed by the HTTP surface's /status endpoint. Adapted from the
// teacher's internal/logbuf.Ring (fixed-capacity slice, wraparound index,
// oldest-first Lines()), retargeted from log lines to audit.Entry values.
package eventring

import (
	"sync"

	"github.com/styxy-dev/styxy/internal/audit"
)

// Ring is a thread-safe fixed-capacity buffer of the most recent events.
type Ring struct {
	mu     sync.Mutex
	events []audit.Entry
	size   int
	pos    int
	full   bool
}

// New creates a Ring that retains the last n events.
func New(n int) *Ring {
	return &Ring{
		events: make([]audit.Entry, n),
		size:   n,
	}
}

// Add appends an event, evicting the oldest if the ring is full.
func (r *Ring) Add(e audit.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events[r.pos] = e
	r.pos = (r.pos + 1) % r.size
	if r.pos == 0 {
		r.full = true
	}
}

// Recent returns the stored events oldest first.
func (r *Ring) Recent() []audit.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		result := make([]audit.Entry, r.pos)
		copy(result, r.events[:r.pos])
		return result
	}

	result := make([]audit.Entry, r.size)
	copy(result, r.events[r.pos:])
	copy(result[r.size-r.pos:], r.events[:r.pos])
	return result
}

// Last returns the last n events. If fewer exist, returns all of them.
func (r *Ring) Last(n int) []audit.Entry {
	all := r.Recent()
	if n >= len(all) {
		return all
	}
	return all[len(all)-n:]
}
