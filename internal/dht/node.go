// Package dht implements the Kademlia routing and provider-record layer:
// a 256-bucket XOR-metric routing table, iterative lookups, and signed
// provider records with expiry and periodic republish.
package dht

import (
	"fmt"
	"time"

	"lukechampine.com/blake3"

	"github.com/weavemesh/weavenet/pkg/content"
	"github.com/weavemesh/weavenet/pkg/identity"
)

// NodeID is a 256-bit position in the DHT keyspace.
type NodeID [32]byte

// NodeIDForPeer derives a peer's keyspace position from the Ed25519 key
// embedded in its peer id.
func NodeIDForPeer(peerID string) (NodeID, error) {
	pub, err := identity.DecodePeerID(peerID)
	if err != nil {
		return NodeID{}, fmt.Errorf("cannot derive node id: %w", err)
	}
	return NodeID(blake3.Sum256(pub)), nil
}

// KeyForCID maps a content id onto the keyspace. CIDs are already 256-bit
// BLAKE3 digests, so the hash is the key.
func KeyForCID(id content.CID) NodeID {
	var key NodeID
	copy(key[:], id.Hash)
	return key
}

// KeyFromBytes converts raw key bytes from the wire into a NodeID.
func KeyFromBytes(b []byte) (NodeID, error) {
	if len(b) != len(NodeID{}) {
		return NodeID{}, fmt.Errorf("invalid key length: got %d, want %d", len(b), len(NodeID{}))
	}
	var key NodeID
	copy(key[:], b)
	return key, nil
}

// Distance calculates the XOR distance between two keyspace positions.
func (n NodeID) Distance(other NodeID) NodeID {
	var result NodeID
	for i := range n {
		result[i] = n[i] ^ other[i]
	}
	return result
}

// Less compares two distances as big-endian integers.
func (n NodeID) Less(other NodeID) bool {
	for i := range n {
		if n[i] < other[i] {
			return true
		}
		if n[i] > other[i] {
			return false
		}
	}
	return false
}

// IsZero reports whether the id is all zeros.
func (n NodeID) IsZero() bool {
	for _, b := range n {
		if b != 0 {
			return false
		}
	}
	return true
}

// CommonPrefixLen returns the number of leading bits shared with other.
func (n NodeID) CommonPrefixLen(other NodeID) int {
	for i := range n {
		xor := n[i] ^ other[i]
		if xor == 0 {
			continue
		}
		for j := 7; j >= 0; j-- {
			if (xor>>j)&1 == 1 {
				return i*8 + (7 - j)
			}
		}
	}
	return 256
}

// String returns the hex form of the id.
func (n NodeID) String() string {
	return fmt.Sprintf("%x", n[:])
}

// Bytes returns the id as a byte slice.
func (n NodeID) Bytes() []byte {
	return n[:]
}

// Peer is a routing-table entry: a remote peer's keyspace position, its
// identity, and the addresses it was last reachable on.
type Peer struct {
	ID       NodeID
	PeerID   string
	Addrs    []string
	LastSeen time.Time
}

// NewPeer builds a routing-table entry for a peer id. It fails when the
// peer id does not decode to a valid key.
func NewPeer(peerID string, addrs []string) (*Peer, error) {
	id, err := NodeIDForPeer(peerID)
	if err != nil {
		return nil, err
	}
	return &Peer{
		ID:       id,
		PeerID:   peerID,
		Addrs:    addrs,
		LastSeen: time.Now(),
	}, nil
}

// Touch updates the last-seen timestamp.
func (p *Peer) Touch() {
	p.LastSeen = time.Now()
}

// IsStale reports whether the peer has not been heard from within timeout.
func (p *Peer) IsStale(timeout time.Duration) bool {
	return time.Since(p.LastSeen) > timeout
}

// Copy returns a deep copy of the entry.
func (p *Peer) Copy() *Peer {
	addrs := make([]string, len(p.Addrs))
	copy(addrs, p.Addrs)
	return &Peer{
		ID:       p.ID,
		PeerID:   p.PeerID,
		Addrs:    addrs,
		LastSeen: p.LastSeen,
	}
}
