package audit

import (
	"sync"
	"time"
)

// DefaultRingCapacity bounds the agent-side audit ring.
const DefaultRingCapacity = 1000

// Ring is the agent's bounded FIFO audit buffer. It shares the Entry shape
// and hashing with the hub chain. After eviction the buffer no longer
// starts at the genesis entry, so verification is link-relative
// (VerifyLinks): the chain is checked from the oldest entry still present.
type Ring struct {
	mu      sync.Mutex
	entries []Entry
	cap     int
	nextID  int64
	last    string // hash of the most recently appended entry
}

// NewRing creates a ring with the given capacity (DefaultRingCapacity if
// capacity <= 0).
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultRingCapacity
	}
	return &Ring{cap: capacity, nextID: 1}
}

// Append records one probe execution. ID, timestamp, and PrevHash are
// assigned here; the caller fills the remaining fields.
func (r *Ring) Append(e Entry) Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	e.ID = r.nextID
	r.nextID++
	if e.Timestamp == "" {
		e.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	e.PrevHash = r.last
	r.last = Hash(&e)

	r.entries = append(r.entries, e)
	if len(r.entries) > r.cap {
		// Strict FIFO eviction. The evicted entry's hash stays embedded in
		// its successor's PrevHash, so the remaining links still verify.
		r.entries = r.entries[1:]
	}
	return e
}

// Entries returns a copy of the buffered entries, oldest first.
func (r *Ring) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Len returns the number of buffered entries.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Verify checks the links between the buffered entries. If no eviction has
// occurred the check is equivalent to a full chain walk.
func (r *Ring) Verify() VerifyResult {
	entries := r.Entries()
	if len(entries) > 0 && entries[0].ID == 1 {
		return VerifyChain(entries)
	}
	return VerifyLinks(entries)
}
