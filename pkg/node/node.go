// Package node wires the subsystems into a running weavenet node: block
// store, transports, DHT, and exchange engine, plus the public operations
// the CLI and control API call.
package node

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/weavemesh/weavenet/internal/dht"
	"github.com/weavemesh/weavenet/pkg/blockstore"
	"github.com/weavemesh/weavenet/pkg/content"
	"github.com/weavemesh/weavenet/pkg/exchange"
	"github.com/weavemesh/weavenet/pkg/identity"
	"github.com/weavemesh/weavenet/pkg/transport"
	"github.com/weavemesh/weavenet/pkg/transport/quic"
	"github.com/weavemesh/weavenet/pkg/transport/tcp"
)

// State is the node lifecycle state.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Node is one running weavenet participant.
type Node struct {
	config   *Config
	identity *identity.Identity
	logger   *slog.Logger

	store    *blockstore.Store
	registry *transport.Registry
	addrBook *transport.AddrBook
	dialer   *transport.Dialer

	peers   *peerSet
	pending *pendingTable
	dht     *dht.DHT
	engine  *exchange.Engine

	serverTLS *tls.Config
	listeners []transport.Listener

	mu          sync.Mutex
	state       State
	listenAddrs []string

	seq    atomic.Uint64
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New assembles a node from its configuration. The identity must already
// be loaded or generated by the caller.
func New(config *Config, id *identity.Identity, logger *slog.Logger) (*Node, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("peer", shortPeerID(id.PeerID()))

	store, err := blockstore.Open(filepath.Join(config.DataDir, "blocks"))
	if err != nil {
		return nil, err
	}

	registry := transport.NewRegistry()
	registry.Register(quic.New())
	registry.Register(tcp.New())

	addrBook := transport.NewAddrBook()

	n := &Node{
		config:   config,
		identity: id,
		logger:   logger,
		store:    store,
		registry: registry,
		addrBook: addrBook,
		dialer:   transport.NewDialer(id, registry, addrBook, nil),
		peers:    newPeerSet(),
		pending:  newPendingTable(),
		state:    StateStopped,
		stopCh:   make(chan struct{}),
	}

	n.dht = dht.New(id, dhtNetwork{n}, n.AnnounceAddrs, logger)
	n.engine = exchange.New(store, exchangeNetwork{n}, providerFinder{n.dht}, config.Exchange, logger)

	return n, nil
}

// Identity returns the node's identity.
func (n *Node) Identity() *identity.Identity {
	return n.identity
}

// State returns the current lifecycle state.
func (n *Node) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Start brings up listeners, the DHT, and bootstrap. It fails if the node
// is not stopped.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.state != StateStopped {
		n.mu.Unlock()
		return fmt.Errorf("cannot start node in state %s", n.state)
	}
	n.state = StateStarting
	n.mu.Unlock()

	serverTLS, err := transport.GenerateTLSConfig()
	if err != nil {
		n.setState(StateStopped)
		return err
	}
	n.serverTLS = serverTLS

	if err := n.startListeners(ctx); err != nil {
		n.closeListeners()
		n.setState(StateStopped)
		return err
	}

	n.dht.Start()
	n.setState(StateRunning)
	n.logger.Info("node started", "addrs", n.ListenAddrs())

	if len(n.config.BootstrapPeers) > 0 {
		hints, err := n.config.bootstrapHints()
		if err != nil {
			return err
		}
		if err := n.dht.Bootstrap(ctx, hints); err != nil {
			// A node that cannot bootstrap still serves local content and
			// accepts inbound peers.
			n.logger.Warn("bootstrap failed", "error", err)
		}
	}

	return nil
}

// startListeners opens one listener per configured address and launches
// its accept loop.
func (n *Node) startListeners(ctx context.Context) error {
	addrs := n.config.ListenAddrs
	if len(addrs) == 0 {
		addrs = DefaultConfig().ListenAddrs
	}

	parsed, err := transport.ParseAddrs(addrs)
	if err != nil {
		return err
	}

	for _, addr := range parsed {
		t, ok := n.registry.Get(addr.Network)
		if !ok {
			return fmt.Errorf("%w: no transport for %q", transport.ErrUnsupported, addr.Network)
		}

		ln, err := t.Listen(ctx, addr.HostPort(), n.serverTLS)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", addr.String(), err)
		}
		n.listeners = append(n.listeners, ln)

		// Resolve the actual port for :0 listeners.
		bound := addr
		if _, port, err := resolveBoundPort(ln); err == nil {
			bound.Port = port
		}
		n.mu.Lock()
		n.listenAddrs = append(n.listenAddrs, bound.String())
		n.mu.Unlock()

		n.wg.Add(1)
		go n.acceptLoop(ln)
	}

	return nil
}

// acceptLoop upgrades inbound connections and hands them to the dispatcher.
func (n *Node) acceptLoop(ln transport.Listener) {
	defer n.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-n.stopCh
		cancel()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			select {
			case <-n.stopCh:
				return
			default:
			}
			if errors.Is(err, context.Canceled) {
				return
			}
			n.logger.Warn("accept failed", "error", err)
			continue
		}

		n.wg.Add(1)
		go func() {
			defer n.wg.Done()

			pc, err := n.dialer.Upgrade(conn)
			if err != nil {
				n.logger.Debug("inbound handshake failed", "error", err)
				return
			}
			n.adoptConn(pc)
		}()
	}
}

// adoptConn registers a new authenticated connection and starts reading
// from it. Duplicate connections to the same peer are closed.
func (n *Node) adoptConn(pc *transport.PeerConn) {
	if !n.peers.add(pc) {
		pc.Close()
		return
	}
	n.logger.Debug("peer connected", "remote", shortPeerID(pc.PeerID()))
	n.dht.Observe(pc.PeerID(), []string{pc.Addr().String()})

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.readLoop(pc)
	}()
}

// Shutdown stops the node: sessions drain, background loops stop, and all
// connections and the store close.
func (n *Node) Shutdown(ctx context.Context) error {
	n.mu.Lock()
	if n.state != StateRunning && n.state != StateStarting {
		n.mu.Unlock()
		return fmt.Errorf("cannot stop node in state %s", n.state)
	}
	n.state = StateStopping
	n.mu.Unlock()

	n.engine.Shutdown()
	n.dht.Stop()

	close(n.stopCh)
	n.closeListeners()
	n.peers.closeAll()

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		n.logger.Warn("shutdown timed out waiting for workers")
	}

	err := n.store.Close()
	n.setState(StateStopped)
	n.logger.Info("node stopped")
	return err
}

func (n *Node) closeListeners() {
	for _, ln := range n.listeners {
		ln.Close()
	}
	n.listeners = nil
}

func (n *Node) setState(s State) {
	n.mu.Lock()
	n.state = s
	n.mu.Unlock()
}

// Get retrieves a block locally or from the network.
func (n *Node) Get(ctx context.Context, id content.CID) (*content.Block, error) {
	return n.engine.Get(ctx, id)
}

// Put stores data locally and announces this node as its provider.
func (n *Node) Put(ctx context.Context, data []byte) (content.CID, error) {
	id, err := n.store.Put(data)
	if err != nil {
		return content.CID{}, err
	}
	if err := n.dht.Provide(ctx, id); err != nil {
		if errors.Is(err, dht.ErrNoRoute) {
			n.logger.Debug("provider record stored locally only", "cid", id.String)
		} else {
			n.logger.Warn("provide after put failed", "cid", id.String, "error", err)
		}
	}
	return id, nil
}

// Pin marks a block for unconditional retention.
func (n *Node) Pin(id content.CID) error {
	return n.store.Pin(id)
}

// Unpin removes the retention guarantee.
func (n *Node) Unpin(id content.CID) error {
	return n.store.Unpin(id)
}

// Provide announces this node as a provider for already stored content.
func (n *Node) Provide(ctx context.Context, id content.CID) error {
	has, err := n.store.Has(id)
	if err != nil {
		return err
	}
	if !has {
		return blockstore.ErrNotFound
	}
	return n.dht.Provide(ctx, id)
}

// Store exposes the block store for inspection.
func (n *Node) Store() *blockstore.Store {
	return n.store
}

// ListenAddrs returns the addresses the node is listening on.
func (n *Node) ListenAddrs() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.listenAddrs))
	copy(out, n.listenAddrs)
	return out
}

// AnnounceAddrs returns the addresses advertised in provider records.
func (n *Node) AnnounceAddrs() []string {
	if len(n.config.AnnounceAddrs) > 0 {
		return n.config.AnnounceAddrs
	}
	return n.ListenAddrs()
}

// Info is a status snapshot for the control API and CLI.
type Info struct {
	PeerID      string                    `json:"peer_id"`
	Name        string                    `json:"name,omitempty"`
	State       string                    `json:"state"`
	ListenAddrs []string                  `json:"listen_addrs"`
	Peers       []string                  `json:"peers"`
	RoutingSize int                       `json:"routing_size"`
	StoreBytes  uint64                    `json:"store_bytes"`
	Sessions    int                       `json:"sessions"`
	Ledgers     []exchange.LedgerSnapshot `json:"ledgers,omitempty"`
}

// Info returns a status snapshot.
func (n *Node) Info() (*Info, error) {
	size, err := n.store.Size()
	if err != nil {
		return nil, err
	}
	return &Info{
		PeerID:      n.identity.PeerID(),
		Name:        n.config.Name,
		State:       n.State().String(),
		ListenAddrs: n.ListenAddrs(),
		Peers:       n.peers.peers(),
		RoutingSize: n.dht.RoutingTable().Size(),
		StoreBytes:  size,
		Sessions:    n.engine.ActiveSessions(),
		Ledgers:     n.engine.LedgerSnapshots(),
	}, nil
}

func shortPeerID(peerID string) string {
	if len(peerID) > 19 {
		return peerID[:19] + "..."
	}
	return peerID
}
