package exchange

import (
	"testing"

	"github.com/weavemesh/weavenet/pkg/content"
	"github.com/weavemesh/weavenet/pkg/wire"
)

func TestWantlistAddRemove(t *testing.T) {
	wl := NewWantlist()
	id := content.NewCID([]byte("wanted"))

	wl.Add(id, 5, wire.WantBlock)
	entry, ok := wl.Contains(id)
	if !ok {
		t.Fatal("added want not found")
	}
	if entry.Priority != 5 || entry.Kind != wire.WantBlock {
		t.Errorf("entry = %+v, want priority 5 want-block", entry)
	}

	// A later add overwrites priority and kind.
	wl.Add(id, 9, wire.WantHave)
	entry, _ = wl.Contains(id)
	if entry.Priority != 9 || entry.Kind != wire.WantHave {
		t.Errorf("entry after overwrite = %+v", entry)
	}
	if wl.Len() != 1 {
		t.Errorf("Len = %d, want 1", wl.Len())
	}

	wl.Remove(id)
	if _, ok := wl.Contains(id); ok {
		t.Error("removed want still present")
	}
	wl.Remove(id) // absent remove is a no-op
}

func TestWantlistEntriesSorted(t *testing.T) {
	wl := NewWantlist()
	low := content.NewCID([]byte("low"))
	high := content.NewCID([]byte("high"))
	wl.Add(low, 1, wire.WantBlock)
	wl.Add(high, 10, wire.WantBlock)

	entries := wl.Entries()
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Priority < entries[1].Priority {
		t.Error("entries not sorted by descending priority")
	}
}

func TestWantlistReplaceAll(t *testing.T) {
	wl := NewWantlist()
	old := content.NewCID([]byte("old"))
	wl.Add(old, 1, wire.WantBlock)

	kept := content.NewCID([]byte("kept"))
	cancelled := content.NewCID([]byte("cancelled"))
	wl.ReplaceAll([]wire.WantEntry{
		{CID: kept, Priority: 2, Kind: wire.WantBlock},
		{CID: cancelled, Cancel: true},
	})

	if _, ok := wl.Contains(old); ok {
		t.Error("ReplaceAll kept an entry not in the snapshot")
	}
	if _, ok := wl.Contains(kept); !ok {
		t.Error("ReplaceAll dropped a snapshot entry")
	}
	if _, ok := wl.Contains(cancelled); ok {
		t.Error("ReplaceAll stored a cancel entry")
	}
}

func TestWantlistApply(t *testing.T) {
	wl := NewWantlist()
	stays := content.NewCID([]byte("stays"))
	goes := content.NewCID([]byte("goes"))
	wl.Add(stays, 1, wire.WantBlock)
	wl.Add(goes, 1, wire.WantBlock)

	added := content.NewCID([]byte("added"))
	wl.Apply([]wire.WantEntry{
		{CID: goes, Cancel: true},
		{CID: added, Priority: 3, Kind: wire.WantHave},
	})

	if _, ok := wl.Contains(stays); !ok {
		t.Error("Apply removed an untouched entry")
	}
	if _, ok := wl.Contains(goes); ok {
		t.Error("Apply kept a cancelled entry")
	}
	if entry, ok := wl.Contains(added); !ok || entry.Kind != wire.WantHave {
		t.Error("Apply missed an upsert")
	}
}
