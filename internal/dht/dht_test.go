package dht

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/weavemesh/weavenet/pkg/constants"
	"github.com/weavemesh/weavenet/pkg/content"
	"github.com/weavemesh/weavenet/pkg/identity"
	"github.com/weavemesh/weavenet/pkg/wire"
)

// mockRemote scripts one simulated peer's answers.
type mockRemote struct {
	hints     []wire.PeerHint
	providers []wire.ProviderRecord
	pongToken func([]byte) []byte // nil echoes the ping token
	down      bool
}

// mockNetwork answers DHT queries from a scripted topology instead of real
// connections.
type mockNetwork struct {
	mu      sync.Mutex
	remotes map[string]*mockRemote
	sends   map[string][]uint16
}

func newMockNetwork() *mockNetwork {
	return &mockNetwork{
		remotes: make(map[string]*mockRemote),
		sends:   make(map[string][]uint16),
	}
}

func (m *mockNetwork) addRemote(peerID string, r *mockRemote) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remotes[peerID] = r
}

func (m *mockNetwork) sentKinds(peerID string) []uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uint16(nil), m.sends[peerID]...)
}

func (m *mockNetwork) Request(ctx context.Context, peerID string, addrs []string, kind uint16, body interface{}) (*wire.Frame, error) {
	m.mu.Lock()
	r := m.remotes[peerID]
	m.mu.Unlock()
	if r == nil || r.down {
		return nil, fmt.Errorf("peer %s unreachable", peerID)
	}

	switch req := body.(type) {
	case *wire.PingBody:
		token := req.Token
		if r.pongToken != nil {
			token = r.pongToken(token)
		}
		return wire.NewFrame(constants.KindPong, peerID, 1, &wire.PongBody{Token: token})
	case *wire.FindNodeBody:
		return wire.NewFrame(constants.KindFindNodeResp, peerID, 1,
			&wire.FindNodeRespBody{Key: req.Key, Closer: r.hints})
	case *wire.GetProvidersBody:
		return wire.NewFrame(constants.KindProvidersResp, peerID, 1,
			&wire.ProvidersRespBody{Key: req.Key, Providers: r.providers, Closer: r.hints})
	}
	return nil, fmt.Errorf("unexpected request kind %d", kind)
}

func (m *mockNetwork) Send(ctx context.Context, peerID string, addrs []string, kind uint16, body interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r := m.remotes[peerID]; r == nil || r.down {
		return fmt.Errorf("peer %s unreachable", peerID)
	}
	m.sends[peerID] = append(m.sends[peerID], kind)
	return nil
}

func newTestDHT(t *testing.T, network Network) (*DHT, *identity.Identity) {
	t.Helper()
	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("failed to generate identity: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	selfAddrs := func() []string { return []string{"/ip4/127.0.0.1/tcp/29415"} }
	return New(id, network, selfAddrs, logger), id
}

func addKnownPeer(t *testing.T, d *DHT, net *mockNetwork, r *mockRemote) *Peer {
	t.Helper()
	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("failed to generate identity: %v", err)
	}
	p, err := NewPeer(id.PeerID(), []string{"/ip4/127.0.0.1/tcp/1"})
	if err != nil {
		t.Fatalf("NewPeer failed: %v", err)
	}
	net.addRemote(p.PeerID, r)
	d.RoutingTable().Add(p)
	return p
}

func TestPing(t *testing.T) {
	net := newMockNetwork()
	d, _ := newTestDHT(t, net)
	p := addKnownPeer(t, d, net, &mockRemote{})

	if err := d.Ping(context.Background(), p.PeerID, p.Addrs); err != nil {
		t.Errorf("ping failed: %v", err)
	}
}

func TestPingRejectsWrongToken(t *testing.T) {
	net := newMockNetwork()
	d, _ := newTestDHT(t, net)
	p := addKnownPeer(t, d, net, &mockRemote{
		pongToken: func([]byte) []byte { return []byte("wrong") },
	})

	if err := d.Ping(context.Background(), p.PeerID, p.Addrs); err == nil {
		t.Error("ping accepted a pong with the wrong token")
	}
}

func TestLookupFollowsHints(t *testing.T) {
	net := newMockNetwork()
	d, _ := newTestDHT(t, net)

	// A chain of referrals: the local table knows only the first hop, each
	// hop points at the next.
	ids := make([]*identity.Identity, 3)
	for i := range ids {
		id, err := identity.Generate()
		if err != nil {
			t.Fatalf("failed to generate identity: %v", err)
		}
		ids[i] = id
	}
	addrs := []string{"/ip4/127.0.0.1/tcp/1"}
	net.addRemote(ids[2].PeerID(), &mockRemote{})
	net.addRemote(ids[1].PeerID(), &mockRemote{
		hints: []wire.PeerHint{{PeerID: ids[2].PeerID(), Addrs: addrs}},
	})
	net.addRemote(ids[0].PeerID(), &mockRemote{
		hints: []wire.PeerHint{{PeerID: ids[1].PeerID(), Addrs: addrs}},
	})

	seed, err := NewPeer(ids[0].PeerID(), addrs)
	if err != nil {
		t.Fatalf("NewPeer failed: %v", err)
	}
	d.RoutingTable().Add(seed)

	target, err := NodeIDForPeer(ids[2].PeerID())
	if err != nil {
		t.Fatalf("NodeIDForPeer failed: %v", err)
	}
	closest, err := d.Lookup(context.Background(), target)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}

	seen := make(map[string]bool)
	for _, p := range closest {
		seen[p.PeerID] = true
	}
	for _, id := range ids {
		if !seen[id.PeerID()] {
			t.Errorf("lookup never discovered %s", id.PeerID())
		}
	}
}

func TestLookupEmptyTable(t *testing.T) {
	d, _ := newTestDHT(t, newMockNetwork())

	if _, err := d.Lookup(context.Background(), NodeID{}); !errors.Is(err, ErrNoRoute) {
		t.Errorf("Lookup on empty table returned %v, want ErrNoRoute", err)
	}
}

func TestFindProviders(t *testing.T) {
	net := newMockNetwork()
	d, _ := newTestDHT(t, net)

	provider, err := identity.Generate()
	if err != nil {
		t.Fatalf("failed to generate identity: %v", err)
	}
	rec := signedRecord(t, provider, []byte("wanted content"), 3600)
	key := KeyForCID(rec.CID)

	addKnownPeer(t, d, net, &mockRemote{providers: []wire.ProviderRecord{rec}})

	records, err := d.FindProviders(context.Background(), key, 1)
	if err != nil {
		t.Fatalf("FindProviders failed: %v", err)
	}
	if len(records) != 1 || records[0].Provider != provider.PeerID() {
		t.Errorf("got records %+v, want the one from %s", records, provider.PeerID())
	}
}

func TestFindProvidersRejectsForgedRecords(t *testing.T) {
	net := newMockNetwork()
	d, _ := newTestDHT(t, net)

	provider, err := identity.Generate()
	if err != nil {
		t.Fatalf("failed to generate identity: %v", err)
	}
	rec := signedRecord(t, provider, []byte("wanted content"), 3600)
	key := KeyForCID(rec.CID)
	rec.Addrs = []string{"/ip4/6.6.6.6/tcp/1"} // breaks the signature

	addKnownPeer(t, d, net, &mockRemote{providers: []wire.ProviderRecord{rec}})

	if _, err := d.FindProviders(context.Background(), key, 1); !errors.Is(err, ErrNoProviders) {
		t.Errorf("got %v, want ErrNoProviders when every record is forged", err)
	}
}

func TestFindProvidersPrefersLocalRecords(t *testing.T) {
	net := newMockNetwork()
	d, self := newTestDHT(t, net)

	rec := signedRecord(t, self, []byte("local content"), 3600)
	key := KeyForCID(rec.CID)
	d.records.put(key, rec)

	// No peers at all: the local record must still be found.
	records, err := d.FindProviders(context.Background(), key, 1)
	if err != nil {
		t.Fatalf("FindProviders failed: %v", err)
	}
	if len(records) != 1 {
		t.Errorf("got %d records, want the local one", len(records))
	}
}

func TestProvideAnnouncesToClosestPeers(t *testing.T) {
	net := newMockNetwork()
	d, _ := newTestDHT(t, net)
	p := addKnownPeer(t, d, net, &mockRemote{})

	id := content.NewCID([]byte("announced content"))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Provide(ctx, id); err != nil {
		t.Fatalf("Provide failed: %v", err)
	}

	kinds := net.sentKinds(p.PeerID)
	if len(kinds) != 1 || kinds[0] != constants.KindAddProvider {
		t.Errorf("sent kinds %v, want one AddProvider", kinds)
	}

	// The record must also be queryable locally.
	if got := d.records.get(KeyForCID(id)); len(got) != 1 {
		t.Errorf("got %d local records, want 1", len(got))
	}
}

func TestProvideWithoutPeers(t *testing.T) {
	net := newMockNetwork()
	d, _ := newTestDHT(t, net)

	// A lone node keeps the record locally and registers it for republish,
	// but the caller learns nobody else heard the announcement.
	id := content.NewCID([]byte("lonely content"))
	err := d.Provide(context.Background(), id)
	if !errors.Is(err, ErrNoRoute) {
		t.Fatalf("Provide on a lone node returned %v, want ErrNoRoute", err)
	}
	if got := d.records.get(KeyForCID(id)); len(got) != 1 {
		t.Errorf("got %d local records, want 1", len(got))
	}
	d.providedMu.Lock()
	_, registered := d.provided[id.String]
	d.providedMu.Unlock()
	if !registered {
		t.Error("lone-node Provide did not register the CID for republish")
	}
}

func TestBootstrap(t *testing.T) {
	net := newMockNetwork()
	d, _ := newTestDHT(t, net)

	up, err := identity.Generate()
	if err != nil {
		t.Fatalf("failed to generate identity: %v", err)
	}
	down, err := identity.Generate()
	if err != nil {
		t.Fatalf("failed to generate identity: %v", err)
	}
	addrs := []string{"/ip4/127.0.0.1/tcp/1"}
	net.addRemote(up.PeerID(), &mockRemote{})
	net.addRemote(down.PeerID(), &mockRemote{down: true})

	seeds := []wire.PeerHint{
		{PeerID: down.PeerID(), Addrs: addrs},
		{PeerID: up.PeerID(), Addrs: addrs},
	}
	if err := d.Bootstrap(context.Background(), seeds); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	if d.rt.Size() == 0 {
		t.Error("routing table empty after bootstrap")
	}
}

func TestBootstrapFailsWhenNoSeedReachable(t *testing.T) {
	net := newMockNetwork()
	d, _ := newTestDHT(t, net)

	dead, err := identity.Generate()
	if err != nil {
		t.Fatalf("failed to generate identity: %v", err)
	}
	net.addRemote(dead.PeerID(), &mockRemote{down: true})

	seeds := []wire.PeerHint{{PeerID: dead.PeerID(), Addrs: []string{"/ip4/127.0.0.1/tcp/1"}}}
	if err := d.Bootstrap(context.Background(), seeds); err == nil {
		t.Error("Bootstrap succeeded with every seed unreachable")
	}
	if err := d.Bootstrap(context.Background(), nil); err == nil {
		t.Error("Bootstrap succeeded with no seeds")
	}
}

func TestHandleAddProvider(t *testing.T) {
	d, _ := newTestDHT(t, newMockNetwork())

	provider, err := identity.Generate()
	if err != nil {
		t.Fatalf("failed to generate identity: %v", err)
	}
	rec := signedRecord(t, provider, []byte("pushed content"), 3600)

	if err := d.HandleAddProvider(&wire.AddProviderBody{Record: rec}); err != nil {
		t.Fatalf("HandleAddProvider rejected a valid record: %v", err)
	}
	if got := d.records.get(KeyForCID(rec.CID)); len(got) != 1 {
		t.Errorf("got %d stored records, want 1", len(got))
	}

	rec.TTL *= 2
	if err := d.HandleAddProvider(&wire.AddProviderBody{Record: rec}); err == nil {
		t.Error("HandleAddProvider accepted a record with a broken signature")
	}
}

func TestHandleGetProviders(t *testing.T) {
	net := newMockNetwork()
	d, self := newTestDHT(t, net)
	addKnownPeer(t, d, net, &mockRemote{})

	rec := signedRecord(t, self, []byte("served content"), 3600)
	key := KeyForCID(rec.CID)
	d.records.put(key, rec)

	resp, err := d.HandleGetProviders(&wire.GetProvidersBody{Key: key.Bytes()})
	if err != nil {
		t.Fatalf("HandleGetProviders failed: %v", err)
	}
	if len(resp.Providers) != 1 {
		t.Errorf("got %d providers, want 1", len(resp.Providers))
	}
	if len(resp.Closer) == 0 {
		t.Error("response carries no closer peers")
	}

	if _, err := d.HandleGetProviders(&wire.GetProvidersBody{Key: []byte("short")}); err == nil {
		t.Error("HandleGetProviders accepted a malformed key")
	}
}

func TestHandlePing(t *testing.T) {
	d, _ := newTestDHT(t, newMockNetwork())

	pong := d.HandlePing(&wire.PingBody{Token: []byte("abc")})
	if string(pong.Token) != "abc" {
		t.Errorf("pong token = %q, want the echoed ping token", pong.Token)
	}
}
