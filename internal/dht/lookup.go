package dht

import (
	"context"
	"sort"
	"sync"

	"github.com/weavemesh/weavenet/pkg/constants"
	"github.com/weavemesh/weavenet/pkg/wire"
)

// lookupState tracks the shortlist of an iterative lookup.
type lookupState struct {
	target  NodeID
	seen    map[NodeID]*Peer
	queried map[NodeID]bool
}

func newLookupState(target NodeID, seeds []*Peer) *lookupState {
	st := &lookupState{
		target:  target,
		seen:    make(map[NodeID]*Peer),
		queried: make(map[NodeID]bool),
	}
	for _, p := range seeds {
		st.seen[p.ID] = p
	}
	return st
}

// addHints merges peer hints from a response into the shortlist.
func (st *lookupState) addHints(hints []wire.PeerHint, localID NodeID) {
	for _, hint := range hints {
		p, err := NewPeer(hint.PeerID, hint.Addrs)
		if err != nil {
			continue
		}
		if p.ID == localID {
			continue
		}
		if existing, ok := st.seen[p.ID]; ok {
			if len(existing.Addrs) == 0 {
				existing.Addrs = p.Addrs
			}
			continue
		}
		st.seen[p.ID] = p
	}
}

// nextBatch returns up to alpha unqueried peers closest to the target,
// marking them queried.
func (st *lookupState) nextBatch(alpha int) []*Peer {
	var candidates []*Peer
	for id, p := range st.seen {
		if !st.queried[id] {
			candidates = append(candidates, p)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].ID.Distance(st.target).Less(candidates[j].ID.Distance(st.target))
	})
	if alpha < len(candidates) {
		candidates = candidates[:alpha]
	}
	for _, p := range candidates {
		st.queried[p.ID] = true
	}
	return candidates
}

// closest returns the k closest peers seen so far.
func (st *lookupState) closest(k int) []*Peer {
	peers := make([]*Peer, 0, len(st.seen))
	for _, p := range st.seen {
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool {
		return peers[i].ID.Distance(st.target).Less(peers[j].ID.Distance(st.target))
	})
	if k < len(peers) {
		peers = peers[:k]
	}
	return peers
}

// bestDistance returns the distance of the closest seen peer, or the
// maximum distance when nothing has been seen.
func (st *lookupState) bestDistance() NodeID {
	var best NodeID
	for i := range best {
		best[i] = 0xff
	}
	for _, p := range st.seen {
		if d := p.ID.Distance(st.target); d.Less(best) {
			best = d
		}
	}
	return best
}

// Lookup runs an iterative FindNode toward target and returns the closest
// peers found. It returns ErrNoRoute when the routing table holds nothing
// to start from.
func (d *DHT) Lookup(ctx context.Context, target NodeID) ([]*Peer, error) {
	seeds := d.rt.GetClosest(target, constants.DHTBucketSize)
	if len(seeds) == 0 {
		return nil, ErrNoRoute
	}

	st := newLookupState(target, seeds)
	for round := 0; round < constants.DHTMaxLookupRounds; round++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		batch := st.nextBatch(constants.DHTAlpha)
		if len(batch) == 0 {
			break
		}

		before := st.bestDistance()
		d.queryFindNode(ctx, st, batch)
		if !st.bestDistance().Less(before) && round > 0 {
			break
		}
	}

	return st.closest(constants.DHTBucketSize), nil
}

// queryFindNode queries one batch of peers concurrently and merges their
// answers into the shortlist.
func (d *DHT) queryFindNode(ctx context.Context, st *lookupState, batch []*Peer) {
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, p := range batch {
		wg.Add(1)
		go func(p *Peer) {
			defer wg.Done()

			queryCtx, cancel := context.WithTimeout(ctx, constants.DHTQueryTimeout)
			defer cancel()

			resp, err := d.network.Request(queryCtx, p.PeerID, p.Addrs, constants.KindFindNode,
				&wire.FindNodeBody{Key: st.target.Bytes()})
			if err != nil {
				d.rt.Remove(p.ID)
				return
			}

			var body wire.FindNodeRespBody
			if err := resp.DecodeBody(&body); err != nil {
				return
			}

			d.Observe(p.PeerID, p.Addrs)
			mu.Lock()
			st.addHints(body.Closer, d.localID)
			mu.Unlock()
		}(p)
	}
	wg.Wait()
}

// FindProviders runs an iterative GetProviders toward the key of id and
// returns the verified provider records discovered. The lookup stops once
// enough providers are found or the shortlist converges.
func (d *DHT) FindProviders(ctx context.Context, key NodeID, limit int) ([]wire.ProviderRecord, error) {
	if local := d.records.get(key); len(local) > 0 {
		return local, nil
	}

	seeds := d.rt.GetClosest(key, constants.DHTBucketSize)
	if len(seeds) == 0 {
		return nil, ErrNoRoute
	}

	st := newLookupState(key, seeds)
	found := make(map[string]wire.ProviderRecord)
	var mu sync.Mutex

	for round := 0; round < constants.DHTMaxLookupRounds; round++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		batch := st.nextBatch(constants.DHTAlpha)
		if len(batch) == 0 {
			break
		}

		before := st.bestDistance()

		var wg sync.WaitGroup
		for _, p := range batch {
			wg.Add(1)
			go func(p *Peer) {
				defer wg.Done()

				queryCtx, cancel := context.WithTimeout(ctx, constants.DHTQueryTimeout)
				defer cancel()

				resp, err := d.network.Request(queryCtx, p.PeerID, p.Addrs, constants.KindGetProviders,
					&wire.GetProvidersBody{Key: key.Bytes()})
				if err != nil {
					d.rt.Remove(p.ID)
					return
				}

				var body wire.ProvidersRespBody
				if err := resp.DecodeBody(&body); err != nil {
					return
				}

				d.Observe(p.PeerID, p.Addrs)
				mu.Lock()
				defer mu.Unlock()
				st.addHints(body.Closer, d.localID)
				for _, rec := range body.Providers {
					if err := VerifyProviderRecord(&rec); err != nil {
						continue
					}
					found[rec.Provider] = rec
				}
			}(p)
		}
		wg.Wait()

		mu.Lock()
		enough := limit > 0 && len(found) >= limit
		mu.Unlock()
		if enough {
			break
		}
		if !st.bestDistance().Less(before) && round > 0 {
			break
		}
	}

	if len(found) == 0 {
		return nil, ErrNoProviders
	}
	records := make([]wire.ProviderRecord, 0, len(found))
	for _, rec := range found {
		records = append(records, rec)
	}
	return records, nil
}
