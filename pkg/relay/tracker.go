// Copyright 2024-2026 Aiku AI

package relay

import "sync"

// Tracker is the in-memory correspondence table mapping (origin message
// id, destination channel id) to the delivered copy's message id. It is
// the single synchronization point for racing create/edit/delete events:
// every read-modify-write on an origin's entries runs inside Update's
// critical section. Contention is low (one origin message at a time), so
// a single table mutex is used rather than per-origin locks.
//
// The table is volatile by contract. A restart simply stops edit/delete
// cascading for prior messages.
type Tracker struct {
	mu      sync.Mutex
	origins map[string]map[string]string // origin id -> destination channel -> copy id
}

// NewTracker creates an empty correspondence table.
func NewTracker() *Tracker {
	return &Tracker{origins: make(map[string]map[string]string)}
}

// Update runs fn inside the origin's critical section. fn receives the
// live copies map (destination channel id -> copy id) and may mutate it
// freely; an emptied map drops the origin from the table. Check-then-
// delete-then-insert sequences must happen entirely inside fn.
func (t *Tracker) Update(originID string, fn func(copies map[string]string)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	copies := t.origins[originID]
	if copies == nil {
		copies = make(map[string]string)
		t.origins[originID] = copies
	}
	fn(copies)
	if len(copies) == 0 {
		delete(t.origins, originID)
	}
}

// Record stores one delivered copy.
func (t *Tracker) Record(originID, destChannelID, copyID string) {
	t.Update(originID, func(copies map[string]string) {
		copies[destChannelID] = copyID
	})
}

// Copies returns a snapshot of the origin's entries. The snapshot is
// only suitable for reads; cascades must use Update.
func (t *Tracker) Copies(originID string) map[string]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	copies := t.origins[originID]
	snapshot := make(map[string]string, len(copies))
	for dest, copyID := range copies {
		snapshot[dest] = copyID
	}
	return snapshot
}

// Len returns the number of tracked origin messages.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.origins)
}
