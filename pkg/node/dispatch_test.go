package node

import (
	"testing"

	"github.com/weavemesh/weavenet/pkg/constants"
	"github.com/weavemesh/weavenet/pkg/wire"
)

func TestRequestCorrelation(t *testing.T) {
	tests := []struct {
		name     string
		kind     uint16
		body     interface{}
		wantKind uint16
		wantErr  bool
	}{
		{"ping", constants.KindPing, &wire.PingBody{Token: []byte{1, 2}}, constants.KindPong, false},
		{"find-node", constants.KindFindNode, &wire.FindNodeBody{Key: []byte{3}}, constants.KindFindNodeResp, false},
		{"get-providers", constants.KindGetProviders, &wire.GetProvidersBody{Key: []byte{4}}, constants.KindProvidersResp, false},
		{"wrong body", constants.KindPing, &wire.FindNodeBody{}, 0, true},
		{"not a request", constants.KindBlock, &wire.BlockBody{}, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			respKind, corr, err := requestCorrelation(tt.kind, tt.body)
			if tt.wantErr {
				if err == nil {
					t.Error("expected an error")
				}
				return
			}
			if err != nil {
				t.Fatalf("requestCorrelation failed: %v", err)
			}
			if respKind != tt.wantKind {
				t.Errorf("response kind = %d, want %d", respKind, tt.wantKind)
			}
			if corr == "" {
				t.Error("empty correlation token")
			}
		})
	}
}

func TestResponseCorrelationMatchesRequest(t *testing.T) {
	token := []byte{0xAA, 0xBB}
	_, want, err := requestCorrelation(constants.KindPing, &wire.PingBody{Token: token})
	if err != nil {
		t.Fatalf("requestCorrelation failed: %v", err)
	}

	f, err := wire.NewFrame(constants.KindPong, "wv:key:peer", 1, &wire.PongBody{Token: token})
	if err != nil {
		t.Fatalf("NewFrame failed: %v", err)
	}
	got, ok := responseCorrelation(f)
	if !ok {
		t.Fatal("responseCorrelation rejected a pong")
	}
	if got != want {
		t.Errorf("correlation mismatch: request %q, response %q", want, got)
	}

	// Non-response kinds carry no correlation.
	f2, err := wire.NewFrame(constants.KindPing, "wv:key:peer", 2, &wire.PingBody{Token: token})
	if err != nil {
		t.Fatalf("NewFrame failed: %v", err)
	}
	if _, ok := responseCorrelation(f2); ok {
		t.Error("responseCorrelation accepted a request kind")
	}
}

func TestPendingTableDeliver(t *testing.T) {
	pt := newPendingTable()
	key := pendingKey{peerID: "wv:key:p", kind: constants.KindPong, corr: "abcd"}

	ch, cleanup := pt.register(key)
	defer cleanup()

	f := &wire.Frame{Kind: constants.KindPong}
	if !pt.deliver(key, f) {
		t.Fatal("deliver found no waiter")
	}
	select {
	case got := <-ch:
		if got != f {
			t.Error("waiter received a different frame")
		}
	default:
		t.Fatal("waiter channel empty after deliver")
	}

	// The waiter is consumed; a second response has nowhere to go.
	if pt.deliver(key, f) {
		t.Error("deliver matched a consumed waiter")
	}
	if pt.deliver(pendingKey{peerID: "wv:key:p", kind: constants.KindPong, corr: "other"}, f) {
		t.Error("deliver matched a different correlation token")
	}
}

func TestPendingTableOldestWaiterFirst(t *testing.T) {
	pt := newPendingTable()
	key := pendingKey{peerID: "wv:key:p", kind: constants.KindPong, corr: "abcd"}

	first, cleanup1 := pt.register(key)
	defer cleanup1()
	second, cleanup2 := pt.register(key)
	defer cleanup2()

	f := &wire.Frame{Kind: constants.KindPong}
	pt.deliver(key, f)

	select {
	case <-first:
	default:
		t.Error("first waiter did not get the response")
	}
	select {
	case <-second:
		t.Error("second waiter got the first response")
	default:
	}
}

func TestPendingTableCleanup(t *testing.T) {
	pt := newPendingTable()
	key := pendingKey{peerID: "wv:key:p", kind: constants.KindPong, corr: "abcd"}

	_, cleanup := pt.register(key)
	cleanup()

	if pt.deliver(key, &wire.Frame{}) {
		t.Error("deliver matched a cancelled waiter")
	}
}

func TestPeerSet(t *testing.T) {
	ps := newPeerSet()
	if ps.size() != 0 {
		t.Errorf("fresh set size = %d", ps.size())
	}
	if ps.get("wv:key:absent") != nil {
		t.Error("get on empty set returned a connection")
	}
	if got := ps.peers(); len(got) != 0 {
		t.Errorf("peers on empty set = %v", got)
	}
}
