// Package exchange implements the block exchange engine: wantlist
// propagation, single-flight download sessions with rebroadcast backoff,
// and per-peer accounting with a soft debt throttle.
package exchange

import (
	"sort"
	"sync"

	"github.com/weavemesh/weavenet/pkg/content"
	"github.com/weavemesh/weavenet/pkg/wire"
)

// Wantlist is a thread-safe set of outstanding wants keyed by CID.
type Wantlist struct {
	mu      sync.RWMutex
	entries map[string]wire.WantEntry
}

// NewWantlist creates an empty wantlist.
func NewWantlist() *Wantlist {
	return &Wantlist{entries: make(map[string]wire.WantEntry)}
}

// Add inserts or updates a want. A later add for the same CID overwrites
// priority and kind.
func (w *Wantlist) Add(id content.CID, priority int32, kind wire.WantKind) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries[id.String] = wire.WantEntry{CID: id, Priority: priority, Kind: kind}
}

// Remove drops a want. Removing an absent CID is a no-op.
func (w *Wantlist) Remove(id content.CID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.entries, id.String)
}

// Contains reports whether the CID is wanted and returns its entry.
func (w *Wantlist) Contains(id content.CID) (wire.WantEntry, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	e, ok := w.entries[id.String]
	return e, ok
}

// Entries returns all wants sorted by descending priority.
func (w *Wantlist) Entries() []wire.WantEntry {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make([]wire.WantEntry, 0, len(w.entries))
	for _, e := range w.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Priority > out[j].Priority
	})
	return out
}

// Len returns the number of outstanding wants.
func (w *Wantlist) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.entries)
}

// ReplaceAll swaps the whole wantlist, used when applying a peer's full
// wantlist snapshot.
func (w *Wantlist) ReplaceAll(entries []wire.WantEntry) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries = make(map[string]wire.WantEntry, len(entries))
	for _, e := range entries {
		if e.Cancel {
			continue
		}
		w.entries[e.CID.String] = e
	}
}

// Apply merges an incremental wantlist message: cancel entries remove,
// others upsert.
func (w *Wantlist) Apply(entries []wire.WantEntry) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, e := range entries {
		if e.Cancel {
			delete(w.entries, e.CID.String)
			continue
		}
		w.entries[e.CID.String] = e
	}
}
