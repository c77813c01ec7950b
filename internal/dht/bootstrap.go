package dht

import (
	"context"
	"fmt"

	"github.com/weavemesh/weavenet/pkg/wire"
)

// Bootstrap seeds the routing table from the given peers and then runs a
// self-lookup to populate nearby buckets. At least one seed must answer.
func (d *DHT) Bootstrap(ctx context.Context, seeds []wire.PeerHint) error {
	if len(seeds) == 0 {
		return fmt.Errorf("no bootstrap peers given")
	}

	reachable := 0
	for _, seed := range seeds {
		p, err := NewPeer(seed.PeerID, seed.Addrs)
		if err != nil {
			d.logger.Warn("invalid bootstrap peer", "peer", seed.PeerID, "error", err)
			continue
		}
		if err := d.Ping(ctx, p.PeerID, p.Addrs); err != nil {
			d.logger.Warn("bootstrap peer unreachable", "peer", seed.PeerID, "error", err)
			continue
		}
		d.rt.Add(p)
		reachable++
	}
	if reachable == 0 {
		return fmt.Errorf("no bootstrap peer reachable")
	}

	if _, err := d.Lookup(ctx, d.localID); err != nil {
		return fmt.Errorf("bootstrap self-lookup failed: %w", err)
	}

	d.logger.Info("bootstrap complete", "peers", d.rt.Size())
	return nil
}
