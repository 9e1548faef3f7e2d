// Package refresh coalesces session "last refreshed" updates and ships
// them to remote sites in batches.
//
// A Tracker accumulates refreshes per session id (last write wins) and
// flushes the accumulated set when it holds MaxBatchSize sessions or when
// MaxIntervalSeconds have passed since the previous flush. A flush detaches
// the live accumulator and publishes it to every site except the local
// one; peers merge it through a MergeHandler.
package refresh

import "sort"

// Entry is the refresh state of one session.
type Entry struct {
	SessionID   string `codec:"session_id"`
	RealmID     string `codec:"realm_id"`
	LastRefresh int64  `codec:"last_refresh"`
}

// Batch is an immutable set of entries keyed by session id, produced by
// detaching an accumulator.
type Batch struct {
	entries map[string]Entry
}

// NewBatch builds a batch from entries. Later entries for the same session
// replace earlier ones.
func NewBatch(entries ...Entry) *Batch {
	m := make(map[string]Entry, len(entries))
	for _, e := range entries {
		m[e.SessionID] = e
	}
	return &Batch{entries: m}
}

// Len returns the number of sessions in the batch.
func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.entries)
}

// Get returns the entry for sessionID.
func (b *Batch) Get(sessionID string) (Entry, bool) {
	if b == nil {
		return Entry{}, false
	}
	e, ok := b.entries[sessionID]
	return e, ok
}

// Entries returns the entries sorted by session id.
func (b *Batch) Entries() []Entry {
	if b == nil {
		return nil
	}
	out := make([]Entry, 0, len(b.entries))
	for _, e := range b.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}
