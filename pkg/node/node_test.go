package node

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/weavemesh/weavenet/pkg/exchange"
	"github.com/weavemesh/weavenet/pkg/identity"
)

func newTestNode(t *testing.T, bootstrap []string) *Node {
	t.Helper()

	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("failed to generate identity: %v", err)
	}
	config := &Config{
		DataDir:        t.TempDir(),
		ListenAddrs:    []string{"/ip4/127.0.0.1/tcp/0"},
		BootstrapPeers: bootstrap,
		Exchange: exchange.Config{
			RebroadcastBase: 50 * time.Millisecond,
			SessionTimeout:  10 * time.Second,
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	n, err := New(config, id, logger)
	if err != nil {
		t.Fatalf("failed to create node: %v", err)
	}
	return n
}

func startTestNode(t *testing.T, n *Node) {
	t.Helper()
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("failed to start node: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if n.State() == StateRunning {
			n.Shutdown(ctx)
		}
	})
}

// Two nodes on loopback: content added to the first is found through its
// provider record and fetched over the wire by the second.
func TestTwoNodeFetch(t *testing.T) {
	provider := newTestNode(t, nil)
	startTestNode(t, provider)

	addrs := provider.ListenAddrs()
	if len(addrs) == 0 {
		t.Fatal("provider node reports no listen addresses")
	}

	data := []byte("block crossing the wire")
	putCtx, putCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer putCancel()
	id, err := provider.Put(putCtx, data)
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	fetcher := newTestNode(t, []string{provider.Identity().PeerID() + "@" + addrs[0]})
	startTestNode(t, fetcher)

	if fetcher.dht.RoutingTable().Size() == 0 {
		t.Fatal("bootstrap left the routing table empty")
	}

	getCtx, getCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer getCancel()
	b, err := fetcher.Get(getCtx, id)
	if err != nil {
		t.Fatalf("Get over the network failed: %v", err)
	}
	if !bytes.Equal(b.Data, data) {
		t.Errorf("fetched data mismatch: got %q, want %q", b.Data, data)
	}

	// The fetched block is persisted locally.
	if has, err := fetcher.Store().Has(id); err != nil || !has {
		t.Errorf("fetched block not in local store (has=%v, err=%v)", has, err)
	}
}

func TestShutdownStopsNode(t *testing.T) {
	n := newTestNode(t, nil)
	startTestNode(t, n)

	if n.State() != StateRunning {
		t.Fatalf("state after Start = %s, want running", n.State())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := n.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if n.State() != StateStopped {
		t.Errorf("state after Shutdown = %s, want stopped", n.State())
	}

	// A second shutdown is rejected rather than hanging.
	if err := n.Shutdown(ctx); err == nil {
		t.Error("second Shutdown succeeded")
	}
}
