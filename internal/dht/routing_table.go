package dht

import (
	"sort"
	"time"
)

// RoutingTable is a Kademlia routing table: 256 k-buckets indexed by the
// XOR distance between the local node and the entry.
type RoutingTable struct {
	localID NodeID
	buckets [256]*bucket
}

// NewRoutingTable creates a routing table centered on the local node id.
func NewRoutingTable(localID NodeID) *RoutingTable {
	rt := &RoutingTable{localID: localID}
	for i := range rt.buckets {
		rt.buckets[i] = newBucket()
	}
	return rt
}

// LocalID returns the local node's keyspace position.
func (rt *RoutingTable) LocalID() NodeID {
	return rt.localID
}

// Add inserts or refreshes a peer. When the target bucket is full the
// returned peer is the eviction candidate to probe; nil means accepted.
// Adding the local node is a no-op.
func (rt *RoutingTable) Add(p *Peer) *Peer {
	if p.ID == rt.localID {
		return nil
	}
	return rt.buckets[rt.bucketIndex(p.ID)].add(p)
}

// Remove drops a peer from the table.
func (rt *RoutingTable) Remove(id NodeID) bool {
	if id == rt.localID {
		return false
	}
	return rt.buckets[rt.bucketIndex(id)].remove(id)
}

// Get retrieves a peer by keyspace position.
func (rt *RoutingTable) Get(id NodeID) *Peer {
	if id == rt.localID {
		return nil
	}
	return rt.buckets[rt.bucketIndex(id)].get(id)
}

// Touch refreshes a peer's recency after any authenticated traffic.
func (rt *RoutingTable) Touch(id NodeID) bool {
	if id == rt.localID {
		return false
	}
	return rt.buckets[rt.bucketIndex(id)].touch(id)
}

// GetClosest returns the k known peers closest to target, searching
// outward from the target's home bucket.
func (rt *RoutingTable) GetClosest(target NodeID, k int) []*Peer {
	home := rt.bucketIndex(target)

	var candidates []*Peer
	candidates = append(candidates, rt.buckets[home].all()...)
	for d := 1; len(candidates) < k && d < 256; d++ {
		if home+d < 256 {
			candidates = append(candidates, rt.buckets[home+d].all()...)
		}
		if home-d >= 0 {
			candidates = append(candidates, rt.buckets[home-d].all()...)
		}
	}
	if len(candidates) < k {
		candidates = rt.AllPeers()
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].ID.Distance(target).Less(candidates[j].ID.Distance(target))
	})
	if k < len(candidates) {
		candidates = candidates[:k]
	}
	return candidates
}

// AllPeers returns every peer in the table.
func (rt *RoutingTable) AllPeers() []*Peer {
	var peers []*Peer
	for _, b := range rt.buckets {
		peers = append(peers, b.all()...)
	}
	return peers
}

// Size returns the number of peers in the table.
func (rt *RoutingTable) Size() int {
	total := 0
	for _, b := range rt.buckets {
		total += b.size()
	}
	return total
}

// RemoveStale evicts peers unseen for longer than timeout across all
// buckets and returns the eviction count.
func (rt *RoutingTable) RemoveStale(timeout time.Duration) int {
	total := 0
	for _, b := range rt.buckets {
		total += b.removeStale(timeout)
	}
	return total
}

// bucketIndex maps a keyspace position to its bucket: 255 for the most
// distant half of the keyspace down to 0 for the nearest.
func (rt *RoutingTable) bucketIndex(id NodeID) int {
	prefix := rt.localID.CommonPrefixLen(id)
	if prefix >= 256 {
		return 0
	}
	return 255 - prefix
}
