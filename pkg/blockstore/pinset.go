package blockstore

import (
	"fmt"

	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/weavemesh/weavenet/pkg/content"
)

// Pin marks a block for unconditional retention. The block must already be
// present; pinning an absent id returns ErrNotFound.
func (s *Store) Pin(id content.CID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	has, err := s.db.Has(blockKey(id), nil)
	if err != nil {
		return fmt.Errorf("store read failed: %w", err)
	}
	if !has {
		return ErrNotFound
	}

	if err := s.db.Put(pinKey(id), []byte{1}, nil); err != nil {
		return fmt.Errorf("store write failed: %w", err)
	}
	return nil
}

// Unpin removes the retention guarantee. Unpinning an unpinned id is a
// no-op success.
func (s *Store) Unpin(id content.CID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.Delete(pinKey(id), nil); err != nil {
		return fmt.Errorf("store write failed: %w", err)
	}
	return nil
}

// IsPinned reports whether an id is in the pin set.
func (s *Store) IsPinned(id content.CID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isPinned(id)
}

func (s *Store) isPinned(id content.CID) (bool, error) {
	pinned, err := s.db.Has(pinKey(id), nil)
	if err != nil {
		return false, fmt.Errorf("store read failed: %w", err)
	}
	return pinned, nil
}

// Pins returns all pinned CIDs.
func (s *Store) Pins() ([]content.CID, error) {
	var ids []content.CID
	iter := s.db.NewIterator(util.BytesPrefix(pinPrefix), nil)
	defer iter.Release()
	for iter.Next() {
		id, err := content.NewCIDFromHash(iter.Key()[len(pinPrefix):])
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
