// Package blockstore implements the local content-addressed block store:
// durable storage keyed by CID with the identity invariant checked at the
// boundary, an explicit pin set, and size-capped LRU garbage collection.
package blockstore

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/weavemesh/weavenet/pkg/codec/cborcanon"
	"github.com/weavemesh/weavenet/pkg/content"
)

// Sentinel errors. Store I/O failures are returned wrapped and are never
// collapsed into ErrNotFound: callers must be able to tell "nobody has
// this" from "the disk is failing".
var (
	ErrNotFound     = errors.New("block not found")
	ErrCorruptBlock = errors.New("block failed integrity check")
	ErrPinned       = errors.New("block is pinned")
)

// Key prefixes inside the LevelDB keyspace.
var (
	blockPrefix = []byte("b:")
	pinPrefix   = []byte("p:")
	metaPrefix  = []byte("m:")
)

// blockMeta is per-block bookkeeping used by garbage collection.
type blockMeta struct {
	Size       uint64 `cbor:"size"`
	StoredAt   int64  `cbor:"stored_at"`   // Unix milliseconds
	AccessedAt int64  `cbor:"accessed_at"` // Unix milliseconds
}

// Store is a LevelDB-backed content-addressed block store.
type Store struct {
	mu sync.Mutex // serializes Put/Delete/GC; reads go straight to the db
	db *leveldb.DB
}

// Open opens (or creates) a store rooted at path.
func Open(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, &opt.Options{
		WriteBuffer:            16 * 1024 * 1024,
		OpenFilesCacheCapacity: 200,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open block store at %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close block store: %w", err)
	}
	return nil
}

// Put computes the CID for data and stores the block if absent. Re-putting
// identical bytes is a no-op success returning the same CID.
func (s *Store) Put(data []byte) (content.CID, error) {
	b := content.NewBlock(data)
	if err := s.PutBlock(b); err != nil {
		return content.CID{}, err
	}
	return b.CID, nil
}

// PutBlock stores an already-verified block. The identity invariant is
// re-checked here so no caller path can write unverified bytes.
func (s *Store) PutBlock(b *content.Block) error {
	if err := content.Verify(b.CID, b.Data); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptBlock, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := blockKey(b.CID)
	if has, err := s.db.Has(key, nil); err != nil {
		return fmt.Errorf("store read failed: %w", err)
	} else if has {
		return nil
	}

	now := time.Now().UnixMilli()
	meta, err := cborcanon.Marshal(&blockMeta{Size: b.Size(), StoredAt: now, AccessedAt: now})
	if err != nil {
		return fmt.Errorf("failed to encode block metadata: %w", err)
	}

	batch := new(leveldb.Batch)
	batch.Put(key, b.Data)
	batch.Put(metaKey(b.CID), meta)
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("store write failed: %w", err)
	}
	return nil
}

// Get returns the stored block, verifying its bytes against the CID first.
// On-disk corruption surfaces as ErrCorruptBlock, never as corrupted data.
func (s *Store) Get(id content.CID) (*content.Block, error) {
	data, err := s.db.Get(blockKey(id), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store read failed: %w", err)
	}

	if err := content.Verify(id, data); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCorruptBlock, id.String)
	}

	s.touch(id, uint64(len(data)))
	return &content.Block{CID: id, Data: data}, nil
}

// Has reports whether a block is present. It does not verify the bytes.
func (s *Store) Has(id content.CID) (bool, error) {
	has, err := s.db.Has(blockKey(id), nil)
	if err != nil {
		return false, fmt.Errorf("store read failed: %w", err)
	}
	return has, nil
}

// Delete removes an unpinned block. Deleting a pinned block is a no-op
// returning ErrPinned; deleting an absent block is a no-op success.
func (s *Store) Delete(id content.CID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pinned, err := s.isPinned(id)
	if err != nil {
		return err
	}
	if pinned {
		return ErrPinned
	}

	batch := new(leveldb.Batch)
	batch.Delete(blockKey(id))
	batch.Delete(metaKey(id))
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("store write failed: %w", err)
	}
	return nil
}

// Size returns the total payload bytes of all stored blocks.
func (s *Store) Size() (uint64, error) {
	var total uint64
	iter := s.db.NewIterator(util.BytesPrefix(metaPrefix), nil)
	defer iter.Release()
	for iter.Next() {
		var meta blockMeta
		if err := cborcanon.Unmarshal(iter.Value(), &meta); err != nil {
			continue
		}
		total += meta.Size
	}
	if err := iter.Error(); err != nil {
		return 0, fmt.Errorf("store iteration failed: %w", err)
	}
	return total, nil
}

// List returns the CIDs of all stored blocks.
func (s *Store) List() ([]content.CID, error) {
	var ids []content.CID
	iter := s.db.NewIterator(util.BytesPrefix(blockPrefix), nil)
	defer iter.Release()
	for iter.Next() {
		id, err := content.NewCIDFromHash(iter.Key()[len(blockPrefix):])
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("store iteration failed: %w", err)
	}
	return ids, nil
}

// touch refreshes the access timestamp used by LRU eviction, leaving the
// stored-at time untouched. Failures are ignored: access metadata is
// advisory.
func (s *Store) touch(id content.CID, size uint64) {
	now := time.Now().UnixMilli()
	meta := blockMeta{Size: size, StoredAt: now, AccessedAt: now}
	if existing, err := s.db.Get(metaKey(id), nil); err == nil {
		var prev blockMeta
		if err := cborcanon.Unmarshal(existing, &prev); err == nil {
			meta.StoredAt = prev.StoredAt
		}
	}
	encoded, err := cborcanon.Marshal(&meta)
	if err != nil {
		return
	}
	_ = s.db.Put(metaKey(id), encoded, nil)
}

func blockKey(id content.CID) []byte {
	return append(append([]byte{}, blockPrefix...), id.Hash...)
}

func metaKey(id content.CID) []byte {
	return append(append([]byte{}, metaPrefix...), id.Hash...)
}

func pinKey(id content.CID) []byte {
	return append(append([]byte{}, pinPrefix...), id.Hash...)
}
