package bridge

import (
	"github.com/pdHaku0/gemini-cli-agent-sdk/internal/wire"
)

// defaultRingCapacity bounds the replay history (~2000 events).
const defaultRingCapacity = 2000

// Entry is one stored protocol event, tagged with its turn and the hidden
// mode of the turn that produced it.
type Entry struct {
	Timestamp int64 // unix milliseconds
	Turn      int64
	Hidden    wire.HiddenMode
	Frame     wire.Frame
}

// Ring is a bounded first-in-first-evicted event buffer. It is not
// self-locking; all access goes through the server mutex.
type Ring struct {
	capacity int
	entries  []Entry
}

// NewRing creates a ring with the given capacity (default when <= 0).
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = defaultRingCapacity
	}
	return &Ring{capacity: capacity}
}

// Append stores an entry, evicting the oldest when over capacity.
func (r *Ring) Append(e Entry) {
	r.entries = append(r.entries, e)
	if len(r.entries) > r.capacity {
		// Shift instead of re-slice so the backing array does not pin
		// evicted frames.
		copy(r.entries, r.entries[1:])
		r.entries = r.entries[:r.capacity]
	}
}

// Len returns the number of retained entries.
func (r *Ring) Len() int { return len(r.entries) }

// OldestTurn returns the smallest turn id still retained, or 0 when empty.
func (r *Ring) OldestTurn() int64 {
	if len(r.entries) == 0 {
		return 0
	}
	return r.entries[0].Turn
}

// Snapshot returns a copy of the retained entries in order.
func (r *Ring) Snapshot() []Entry {
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// ReplayQuery are the connection-URL replay parameters. Limit counts
// distinct turns, not frames; Since and Before are exclusive millisecond
// bounds.
type ReplayQuery struct {
	Limit     uint64
	HasLimit  bool
	Since     uint64
	HasSince  bool
	Before    uint64
	HasBefore bool
}

// Slice computes the replay slice for a query, in stored order:
// time-window filters first, then the last Limit distinct turns.
func Slice(entries []Entry, q ReplayQuery) []Entry {
	filtered := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if q.HasSince && e.Timestamp <= int64(q.Since) {
			continue
		}
		if q.HasBefore && e.Timestamp >= int64(q.Before) {
			continue
		}
		filtered = append(filtered, e)
	}
	if !q.HasLimit {
		return filtered
	}

	// Walk in order, collect the distinct turn-id sequence, keep only
	// entries whose turn is among the last Limit distinct turns.
	var turns []int64
	seen := make(map[int64]struct{})
	for _, e := range filtered {
		if _, ok := seen[e.Turn]; !ok {
			seen[e.Turn] = struct{}{}
			turns = append(turns, e.Turn)
		}
	}
	if uint64(len(turns)) > q.Limit {
		turns = turns[uint64(len(turns))-q.Limit:]
	}
	keep := make(map[int64]struct{}, len(turns))
	for _, t := range turns {
		keep[t] = struct{}{}
	}
	out := filtered[:0]
	for _, e := range filtered {
		if _, ok := keep[e.Turn]; ok {
			out = append(out, e)
		}
	}
	return out
}
