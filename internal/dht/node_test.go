package dht

import (
	"testing"

	"github.com/weavemesh/weavenet/pkg/content"
	"github.com/weavemesh/weavenet/pkg/identity"
)

func testPeerID(t *testing.T) string {
	t.Helper()
	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("failed to generate identity: %v", err)
	}
	return id.PeerID()
}

func TestNodeIDForPeer(t *testing.T) {
	peerID := testPeerID(t)

	first, err := NodeIDForPeer(peerID)
	if err != nil {
		t.Fatalf("NodeIDForPeer failed: %v", err)
	}
	second, err := NodeIDForPeer(peerID)
	if err != nil {
		t.Fatalf("NodeIDForPeer failed: %v", err)
	}
	if first != second {
		t.Error("node id is not stable for the same peer id")
	}
	if first.IsZero() {
		t.Error("node id is zero")
	}

	if _, err := NodeIDForPeer("not-a-peer-id"); err == nil {
		t.Error("NodeIDForPeer accepted garbage")
	}
}

func TestKeyForCID(t *testing.T) {
	id := content.NewCID([]byte("some content"))
	key := KeyForCID(id)
	if key.IsZero() {
		t.Error("key is zero")
	}
	if key.String() != id.HexString() {
		t.Errorf("key must be the CID digest itself: got %s, want %s", key.String(), id.HexString())
	}
}

func TestDistance(t *testing.T) {
	var a, b NodeID
	a[0] = 0xF0
	b[0] = 0x0F

	d := a.Distance(b)
	if d[0] != 0xFF {
		t.Errorf("distance byte = %x, want ff", d[0])
	}
	if !a.Distance(a).IsZero() {
		t.Error("distance to self is not zero")
	}
	if a.Distance(b) != b.Distance(a) {
		t.Error("distance is not symmetric")
	}
}

func TestLess(t *testing.T) {
	var small, big NodeID
	small[31] = 1
	big[0] = 1

	if !small.Less(big) {
		t.Error("small !< big")
	}
	if big.Less(small) {
		t.Error("big < small")
	}
	if small.Less(small) {
		t.Error("id < itself")
	}
}

func TestCommonPrefixLen(t *testing.T) {
	var a, b NodeID
	if a.CommonPrefixLen(b) != 256 {
		t.Errorf("identical ids share %d bits, want 256", a.CommonPrefixLen(b))
	}

	b[0] = 0x80
	if got := a.CommonPrefixLen(b); got != 0 {
		t.Errorf("ids differing in the top bit share %d bits, want 0", got)
	}

	b[0] = 0x01
	if got := a.CommonPrefixLen(b); got != 7 {
		t.Errorf("got %d common bits, want 7", got)
	}
}

func TestNewPeer(t *testing.T) {
	peerID := testPeerID(t)
	p, err := NewPeer(peerID, []string{"/ip4/127.0.0.1/tcp/1"})
	if err != nil {
		t.Fatalf("NewPeer failed: %v", err)
	}
	if p.PeerID != peerID {
		t.Error("peer id not preserved")
	}
	if p.ID.IsZero() {
		t.Error("derived node id is zero")
	}

	if _, err := NewPeer("garbage", nil); err == nil {
		t.Error("NewPeer accepted an invalid peer id")
	}
}
