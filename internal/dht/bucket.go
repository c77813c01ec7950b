package dht

import (
	"sort"
	"sync"
	"time"

	"github.com/weavemesh/weavenet/pkg/constants"
)

// bucket is a k-bucket: up to K peers ordered oldest first, plus a
// replacement cache consulted when an entry is evicted.
type bucket struct {
	mu           sync.RWMutex
	peers        []*Peer
	maxSize      int
	replacements []*Peer
}

func newBucket() *bucket {
	return &bucket{
		peers:   make([]*Peer, 0, constants.DHTBucketSize),
		maxSize: constants.DHTBucketSize,
	}
}

// add inserts or refreshes a peer. When the bucket is full the newcomer
// goes to the replacement cache and the oldest live entry is returned so
// the caller can probe it; a nil return means the peer was accepted.
func (b *bucket) add(p *Peer) *Peer {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, existing := range b.peers {
		if existing.ID == p.ID {
			p.LastSeen = time.Now()
			b.peers[i] = p
			b.moveToEnd(i)
			return nil
		}
	}

	if len(b.peers) < b.maxSize {
		b.peers = append(b.peers, p)
		return nil
	}

	b.addReplacement(p)
	return b.peers[0].Copy()
}

// remove drops a peer from the bucket or its replacement cache and
// promotes a replacement into any freed slot.
func (b *bucket) remove(id NodeID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, p := range b.peers {
		if p.ID == id {
			b.peers = append(b.peers[:i], b.peers[i+1:]...)
			b.promoteReplacement()
			return true
		}
	}
	for i, p := range b.replacements {
		if p.ID == id {
			b.replacements = append(b.replacements[:i], b.replacements[i+1:]...)
			return true
		}
	}
	return false
}

func (b *bucket) get(id NodeID) *Peer {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, p := range b.peers {
		if p.ID == id {
			return p.Copy()
		}
	}
	return nil
}

func (b *bucket) all() []*Peer {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Peer, len(b.peers))
	for i, p := range b.peers {
		out[i] = p.Copy()
	}
	return out
}

func (b *bucket) size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.peers)
}

// touch refreshes a peer's last-seen time and recency position.
func (b *bucket) touch(id NodeID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, p := range b.peers {
		if p.ID == id {
			p.Touch()
			b.moveToEnd(i)
			return true
		}
	}
	return false
}

// removeStale drops peers unseen for longer than timeout and refills from
// the replacement cache.
func (b *bucket) removeStale(timeout time.Duration) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	i := 0
	for i < len(b.peers) {
		if b.peers[i].IsStale(timeout) {
			b.peers = append(b.peers[:i], b.peers[i+1:]...)
			removed++
		} else {
			i++
		}
	}
	for n := removed; n > 0 && len(b.replacements) > 0; n-- {
		b.promoteReplacement()
	}
	return removed
}

// closest returns up to k peers from this bucket sorted by distance to
// target.
func (b *bucket) closest(target NodeID, k int) []*Peer {
	peers := b.all()
	sort.Slice(peers, func(i, j int) bool {
		return peers[i].ID.Distance(target).Less(peers[j].ID.Distance(target))
	})
	if k < len(peers) {
		peers = peers[:k]
	}
	return peers
}

func (b *bucket) moveToEnd(i int) {
	if i == len(b.peers)-1 {
		return
	}
	p := b.peers[i]
	copy(b.peers[i:], b.peers[i+1:])
	b.peers[len(b.peers)-1] = p
}

func (b *bucket) addReplacement(p *Peer) {
	for i, existing := range b.replacements {
		if existing.ID == p.ID {
			b.replacements[i] = p
			return
		}
	}
	if len(b.replacements) < b.maxSize {
		b.replacements = append(b.replacements, p)
		return
	}
	copy(b.replacements, b.replacements[1:])
	b.replacements[len(b.replacements)-1] = p
}

func (b *bucket) promoteReplacement() {
	if len(b.replacements) == 0 || len(b.peers) >= b.maxSize {
		return
	}
	p := b.replacements[len(b.replacements)-1]
	b.replacements = b.replacements[:len(b.replacements)-1]
	b.peers = append(b.peers, p)
}
