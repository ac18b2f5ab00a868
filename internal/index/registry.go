package index

import (
	"sort"
	"sync"

	"github.com/dreamware/subdb/internal/cluster"
)

// Entry is one registry record: the stable outer reference and the inner
// reference it currently resolves to.
//
// Entries are values. The registry never hands out pointers into its own
// storage, so a caller holding an Entry cannot race a concurrent flip.
type Entry struct {
	// Outer never changes for the life of the sub-database.
	Outer cluster.OuterRef `msgpack:"outer"`

	// Inner changes only when a migration flips the entry.
	Inner cluster.InnerRef `msgpack:"inner"`
}

// Registry maps outer keys to their current location. It is the index's
// authoritative view of where every sub-database lives.
//
// Architecture:
//
//	┌──────────────────────────────────────────┐
//	│               Registry                    │
//	├──────────────────────────────────────────┤
//	│  entries: map[outerKey] → Entry           │
//	│  mu: RWMutex                              │
//	├──────────────────────────────────────────┤
//	│  outer 17 → {p-a/17} → {p-c/4}            │
//	│             (stable)   (moves on migrate) │
//	└──────────────────────────────────────────┘
//
// Concurrency Model:
//   - Lookups take the read lock and run in parallel
//   - Put, Flip and Remove take the write lock
//   - No lock is held while the index relays to a partition
//
// Flip is a compare-and-swap: it succeeds only if the entry still points
// where the caller last saw it. Together with the per-key latch this keeps
// two migrations from ever both committing.
type Registry struct {
	mu      sync.RWMutex
	entries map[cluster.OuterKey]Entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[cluster.OuterKey]Entry)}
}

// Put records a new entry, replacing any entry with the same outer key.
func (r *Registry) Put(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[e.Outer.Key] = e
}

// Get returns the entry for an outer key.
func (r *Registry) Get(key cluster.OuterKey) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[key]
	return e, ok
}

// Flip moves key from one inner reference to another.
//
// Returns false, leaving the registry untouched, if the entry is gone or no
// longer points at from.
func (r *Registry) Flip(key cluster.OuterKey, from, to cluster.InnerRef) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok || e.Inner != from {
		return false
	}
	e.Inner = to
	r.entries[key] = e
	return true
}

// Remove deletes the entry for key. Removing an absent key is a no-op.
func (r *Registry) Remove(key cluster.OuterKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, key)
}

// Len returns the number of entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// All returns every entry in outer key order.
func (r *Registry) All() []Entry {
	r.mu.RLock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Outer.Key < out[j].Outer.Key })
	return out
}

// OnPartition returns the entries whose sub-database currently lives on id.
// MarkUnavailable uses it to log what an outage affects. O(n) in the
// registry size.
func (r *Registry) OnPartition(id cluster.PartitionID) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Entry
	for _, e := range r.entries {
		if e.Inner.Partition == id {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Outer.Key < out[j].Outer.Key })
	return out
}
