package shadow

import (
	"sort"
	"time"
)

// Retention bounds the history window of a shadow. A zero value on either
// field disables that bound.
type Retention struct {
	// MaxEntries is the maximum number of history entries kept per device.
	MaxEntries int
	// MaxAge is the maximum age of a history entry.
	MaxAge time.Duration
}

// DefaultRetention is used when a store builder does not specify a policy.
var DefaultRetention = Retention{MaxEntries: 100}

// insertHistory inserts an entry into a chronologically sorted history and
// returns the resulting slice, still sorted by timestamp. The common case,
// appending the newest entry, is O(1); late arrivals are placed where they
// belong.
func insertHistory(entries []HistoryEntry, e HistoryEntry) []HistoryEntry {
	n := len(entries)
	if n == 0 || !e.Timestamp.Before(entries[n-1].Timestamp) {
		return append(entries, e)
	}
	i := sort.Search(n, func(i int) bool {
		return entries[i].Timestamp.After(e.Timestamp)
	})
	entries = append(entries, HistoryEntry{})
	copy(entries[i+1:], entries[i:])
	entries[i] = e
	return entries
}

// applyRetention drops entries outside the retention window. It returns the
// surviving entries and the evicted ones, both in chronological order.
// Entries are only ever dropped, never mutated.
func applyRetention(entries []HistoryEntry, policy Retention, now time.Time) (kept, evicted []HistoryEntry) {
	cut := 0
	if policy.MaxAge > 0 {
		deadline := now.Add(-policy.MaxAge)
		for cut < len(entries) && entries[cut].Timestamp.Before(deadline) {
			cut++
		}
	}
	if policy.MaxEntries > 0 && len(entries)-cut > policy.MaxEntries {
		cut = len(entries) - policy.MaxEntries
	}
	if cut == 0 {
		return entries, nil
	}
	evicted = entries[:cut:cut]
	kept = entries[cut:]
	return kept, evicted
}
