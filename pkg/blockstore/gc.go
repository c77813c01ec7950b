package blockstore

import (
	"fmt"
	"sort"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/weavemesh/weavenet/pkg/codec/cborcanon"
	"github.com/weavemesh/weavenet/pkg/constants"
	"github.com/weavemesh/weavenet/pkg/content"
)

// GCPolicy controls eviction. Unpinned blocks are evicted least-recently-
// accessed first until total size falls under SizeCap. Pinned blocks are
// never candidates.
type GCPolicy struct {
	SizeCap uint64
}

// DefaultGCPolicy returns the default retention policy.
func DefaultGCPolicy() GCPolicy {
	return GCPolicy{SizeCap: constants.DefaultStoreSizeCap}
}

// GCStats summarizes one collection pass.
type GCStats struct {
	Evicted    int
	BytesFreed uint64
}

type gcCandidate struct {
	id         content.CID
	size       uint64
	accessedAt int64
}

// GC evicts unpinned blocks under the given policy.
func (s *Store) GC(policy GCPolicy) (GCStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats GCStats
	var total uint64
	var candidates []gcCandidate

	iter := s.db.NewIterator(util.BytesPrefix(metaPrefix), nil)
	for iter.Next() {
		id, err := content.NewCIDFromHash(iter.Key()[len(metaPrefix):])
		if err != nil {
			continue
		}
		var meta blockMeta
		if err := cborcanon.Unmarshal(iter.Value(), &meta); err != nil {
			continue
		}
		total += meta.Size

		pinned, err := s.isPinned(id)
		if err != nil {
			iter.Release()
			return stats, err
		}
		if pinned {
			continue
		}
		candidates = append(candidates, gcCandidate{id: id, size: meta.Size, accessedAt: meta.AccessedAt})
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return stats, fmt.Errorf("store iteration failed: %w", err)
	}

	if total <= policy.SizeCap {
		return stats, nil
	}

	// Oldest access first.
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].accessedAt < candidates[j].accessedAt
	})

	for _, c := range candidates {
		if total <= policy.SizeCap {
			break
		}
		batch := newDeleteBatch(c.id)
		if err := s.db.Write(batch, nil); err != nil {
			return stats, fmt.Errorf("store write failed: %w", err)
		}
		total -= c.size
		stats.Evicted++
		stats.BytesFreed += c.size
	}

	return stats, nil
}

func newDeleteBatch(id content.CID) *leveldb.Batch {
	batch := new(leveldb.Batch)
	batch.Delete(blockKey(id))
	batch.Delete(metaKey(id))
	return batch
}
