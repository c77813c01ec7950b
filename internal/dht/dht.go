package dht

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/weavemesh/weavenet/pkg/constants"
	"github.com/weavemesh/weavenet/pkg/content"
	"github.com/weavemesh/weavenet/pkg/identity"
	"github.com/weavemesh/weavenet/pkg/wire"
)

// Lookup failure modes. ErrNoRoute means the routing table gave the lookup
// nothing to start from; ErrNoProviders means the lookup ran but nobody
// advertises the key.
var (
	ErrNoRoute     = errors.New("no route: routing table is empty")
	ErrNoProviders = errors.New("no providers found")
)

// Network carries DHT traffic to peers. Implementations own connection
// reuse, frame signing, and response correlation.
type Network interface {
	// Request sends a query frame and returns the matching response.
	Request(ctx context.Context, peerID string, addrs []string, kind uint16, body interface{}) (*wire.Frame, error)
	// Send ships a one-way frame with no response expected.
	Send(ctx context.Context, peerID string, addrs []string, kind uint16, body interface{}) error
}

// DHT is the Kademlia routing and provider-record subsystem of one node.
type DHT struct {
	identity *identity.Identity
	localID  NodeID
	rt       *RoutingTable
	records  *recordStore
	network  Network
	logger   *slog.Logger

	// Addresses announced inside provider records, supplied by the node
	// layer once listeners are up.
	selfAddrs func() []string

	providedMu sync.Mutex
	provided   map[string]content.CID

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// New creates a DHT for the given identity. selfAddrs supplies the node's
// current listen addresses for provider announcements.
func New(id *identity.Identity, network Network, selfAddrs func() []string, logger *slog.Logger) *DHT {
	if logger == nil {
		logger = slog.Default()
	}
	localID := NodeID(id.Fingerprint())
	return &DHT{
		identity:  id,
		localID:   localID,
		rt:        NewRoutingTable(localID),
		records:   newRecordStore(),
		network:   network,
		logger:    logger.With("component", "dht"),
		selfAddrs: selfAddrs,
		provided:  make(map[string]content.CID),
		stopCh:    make(chan struct{}),
	}
}

// LocalID returns this node's keyspace position.
func (d *DHT) LocalID() NodeID {
	return d.localID
}

// RoutingTable exposes the routing table for inspection.
func (d *DHT) RoutingTable() *RoutingTable {
	return d.rt
}

// Start launches the background republish and maintenance loop.
func (d *DHT) Start() {
	d.wg.Add(1)
	go d.maintenanceLoop()
}

// Stop terminates background work and waits for it to finish.
func (d *DHT) Stop() {
	d.once.Do(func() { close(d.stopCh) })
	d.wg.Wait()
}

// Observe records evidence that a peer is alive at the given addresses.
// Called on every authenticated inbound frame and successful query. When
// the peer's bucket is full the oldest entry is probed first and only
// evicted if the probe fails.
func (d *DHT) Observe(peerID string, addrs []string) {
	p, err := NewPeer(peerID, addrs)
	if err != nil {
		return
	}
	if d.rt.Touch(p.ID) {
		return
	}

	candidate := d.rt.Add(p)
	if candidate == nil {
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.probeForEviction(candidate, p)
	}()
}

// probeForEviction pings the eviction candidate; if it fails to answer it
// is removed and the newcomer takes its place.
func (d *DHT) probeForEviction(candidate, newcomer *Peer) {
	ctx, cancel := context.WithTimeout(context.Background(), constants.DHTQueryTimeout)
	defer cancel()

	if err := d.Ping(ctx, candidate.PeerID, candidate.Addrs); err != nil {
		d.rt.Remove(candidate.ID)
		d.rt.Add(newcomer)
		d.logger.Debug("evicted unresponsive peer", "peer", candidate.PeerID)
		return
	}
	d.rt.Touch(candidate.ID)
}

// Ping sends a ping and checks the echoed token.
func (d *DHT) Ping(ctx context.Context, peerID string, addrs []string) error {
	token := make([]byte, 16)
	rand.Read(token)

	resp, err := d.network.Request(ctx, peerID, addrs, constants.KindPing, &wire.PingBody{Token: token})
	if err != nil {
		return err
	}
	var body wire.PongBody
	if err := resp.DecodeBody(&body); err != nil {
		return err
	}
	if !bytesEqual(body.Token, token) {
		return fmt.Errorf("pong token mismatch from %s", peerID)
	}
	return nil
}

// FindPeer locates a peer's current addresses via iterative lookup.
func (d *DHT) FindPeer(ctx context.Context, peerID string) (*Peer, error) {
	target, err := NodeIDForPeer(peerID)
	if err != nil {
		return nil, err
	}
	if known := d.rt.Get(target); known != nil && len(known.Addrs) > 0 {
		return known, nil
	}

	closest, err := d.Lookup(ctx, target)
	if err != nil {
		return nil, err
	}
	for _, p := range closest {
		if p.PeerID == peerID {
			return p, nil
		}
	}
	return nil, fmt.Errorf("peer %s not found", peerID)
}

// Provide announces this node as a provider for id: the record is stored
// locally, registered for republish, and pushed to the K closest peers.
// With an empty routing table the local record and republish registration
// still happen, but ErrNoRoute is returned so the caller knows nobody else
// heard the announcement yet.
func (d *DHT) Provide(ctx context.Context, id content.CID) error {
	d.providedMu.Lock()
	d.provided[id.String] = id
	d.providedMu.Unlock()

	return d.announce(ctx, id)
}

// StopProviding removes id from the republish set. Remote records age out
// on their own TTL.
func (d *DHT) StopProviding(id content.CID) {
	d.providedMu.Lock()
	delete(d.provided, id.String)
	d.providedMu.Unlock()
}

// announce builds, stores, and distributes one provider record.
func (d *DHT) announce(ctx context.Context, id content.CID) error {
	rec := wire.ProviderRecord{
		CID:       id,
		Provider:  d.identity.PeerID(),
		Addrs:     d.selfAddrs(),
		Timestamp: uint64(time.Now().UnixMilli()),
		TTL:       uint32(constants.ProviderTTL.Seconds()),
	}
	if err := SignProviderRecord(&rec, d.identity.SigningPrivateKey); err != nil {
		return err
	}

	key := KeyForCID(id)
	d.records.put(key, rec)

	targets, err := d.Lookup(ctx, key)
	if errors.Is(err, ErrNoRoute) {
		// A lone node keeps the local record and the republish
		// registration; the republisher spreads it once peers appear.
		return fmt.Errorf("%w: provider record for %s stored locally only", ErrNoRoute, id.String)
	}
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for _, p := range targets {
		wg.Add(1)
		go func(p *Peer) {
			defer wg.Done()

			sendCtx, cancel := context.WithTimeout(ctx, constants.DHTQueryTimeout)
			defer cancel()

			if err := d.network.Send(sendCtx, p.PeerID, p.Addrs, constants.KindAddProvider,
				&wire.AddProviderBody{Record: rec}); err != nil {
				d.logger.Debug("provider announce failed", "peer", p.PeerID, "error", err)
			}
		}(p)
	}
	wg.Wait()

	return nil
}

// HandlePing answers a ping by echoing its token.
func (d *DHT) HandlePing(body *wire.PingBody) *wire.PongBody {
	return &wire.PongBody{Token: body.Token}
}

// HandleFindNode answers with the closest known peers to the requested key.
func (d *DHT) HandleFindNode(body *wire.FindNodeBody) (*wire.FindNodeRespBody, error) {
	key, err := KeyFromBytes(body.Key)
	if err != nil {
		return nil, err
	}
	return &wire.FindNodeRespBody{
		Key:    body.Key,
		Closer: d.peerHints(key),
	}, nil
}

// HandleGetProviders answers with any live records for the key plus closer
// peers for the querier to continue with.
func (d *DHT) HandleGetProviders(body *wire.GetProvidersBody) (*wire.ProvidersRespBody, error) {
	key, err := KeyFromBytes(body.Key)
	if err != nil {
		return nil, err
	}
	return &wire.ProvidersRespBody{
		Key:       body.Key,
		Providers: d.records.get(key),
		Closer:    d.peerHints(key),
	}, nil
}

// HandleAddProvider stores a provider record after verifying its signature
// and TTL.
func (d *DHT) HandleAddProvider(body *wire.AddProviderBody) error {
	rec := body.Record
	if err := VerifyProviderRecord(&rec); err != nil {
		return err
	}
	d.records.put(KeyForCID(rec.CID), rec)
	return nil
}

// peerHints converts the closest known peers into wire hints.
func (d *DHT) peerHints(key NodeID) []wire.PeerHint {
	closest := d.rt.GetClosest(key, constants.DHTBucketSize)
	hints := make([]wire.PeerHint, 0, len(closest))
	for _, p := range closest {
		hints = append(hints, wire.PeerHint{PeerID: p.PeerID, Addrs: p.Addrs})
	}
	return hints
}

// maintenanceLoop republishes provider records and prunes state on a
// fixed cadence.
func (d *DHT) maintenanceLoop() {
	defer d.wg.Done()

	republish := time.NewTicker(constants.ProvideInterval)
	defer republish.Stop()
	prune := time.NewTicker(constants.PeerStaleTimeout)
	defer prune.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-republish.C:
			d.republishAll()
		case <-prune.C:
			if n := d.records.sweep(); n > 0 {
				d.logger.Debug("swept expired provider records", "count", n)
			}
			if n := d.rt.RemoveStale(constants.PeerStaleTimeout * 3); n > 0 {
				d.logger.Debug("removed stale routing entries", "count", n)
			}
		}
	}
}

// republishAll re-announces every locally provided content id.
func (d *DHT) republishAll() {
	d.providedMu.Lock()
	ids := make([]content.CID, 0, len(d.provided))
	for _, id := range d.provided {
		ids = append(ids, id)
	}
	d.providedMu.Unlock()

	for _, id := range ids {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		if err := d.announce(ctx, id); err != nil && !errors.Is(err, ErrNoRoute) {
			d.logger.Warn("republish failed", "cid", id.String, "error", err)
		}
		cancel()
	}
	if len(ids) > 0 {
		d.logger.Debug("republished provider records", "count", len(ids))
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
