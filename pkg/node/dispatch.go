package node

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/weavemesh/weavenet/internal/dht"
	"github.com/weavemesh/weavenet/pkg/constants"
	"github.com/weavemesh/weavenet/pkg/content"
	"github.com/weavemesh/weavenet/pkg/transport"
	"github.com/weavemesh/weavenet/pkg/wire"
)

// pendingKey identifies one outstanding request: responses are matched by
// sender, response kind, and a correlation token derived from the payload
// (ping token or lookup key).
type pendingKey struct {
	peerID string
	kind   uint16
	corr   string
}

// pendingTable holds channels for outstanding requests.
type pendingTable struct {
	mu      sync.Mutex
	waiting map[pendingKey][]chan *wire.Frame
}

func newPendingTable() *pendingTable {
	return &pendingTable{waiting: make(map[pendingKey][]chan *wire.Frame)}
}

// register parks a waiter for the given key and returns its channel plus a
// cleanup func the caller must invoke.
func (pt *pendingTable) register(key pendingKey) (chan *wire.Frame, func()) {
	ch := make(chan *wire.Frame, 1)
	pt.mu.Lock()
	pt.waiting[key] = append(pt.waiting[key], ch)
	pt.mu.Unlock()

	return ch, func() {
		pt.mu.Lock()
		defer pt.mu.Unlock()
		waiters := pt.waiting[key]
		for i, w := range waiters {
			if w == ch {
				pt.waiting[key] = append(waiters[:i], waiters[i+1:]...)
				break
			}
		}
		if len(pt.waiting[key]) == 0 {
			delete(pt.waiting, key)
		}
	}
}

// deliver hands a response frame to the oldest waiter for its key.
func (pt *pendingTable) deliver(key pendingKey, f *wire.Frame) bool {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	waiters := pt.waiting[key]
	if len(waiters) == 0 {
		return false
	}
	ch := waiters[0]
	pt.waiting[key] = waiters[1:]
	if len(pt.waiting[key]) == 0 {
		delete(pt.waiting, key)
	}
	ch <- f
	return true
}

// requestCorrelation derives the expected response kind and correlation
// token for a request body.
func requestCorrelation(kind uint16, body interface{}) (uint16, string, error) {
	switch kind {
	case constants.KindPing:
		b, ok := body.(*wire.PingBody)
		if !ok {
			return 0, "", fmt.Errorf("ping request with wrong body type")
		}
		return constants.KindPong, hex.EncodeToString(b.Token), nil
	case constants.KindFindNode:
		b, ok := body.(*wire.FindNodeBody)
		if !ok {
			return 0, "", fmt.Errorf("find-node request with wrong body type")
		}
		return constants.KindFindNodeResp, hex.EncodeToString(b.Key), nil
	case constants.KindGetProviders:
		b, ok := body.(*wire.GetProvidersBody)
		if !ok {
			return 0, "", fmt.Errorf("get-providers request with wrong body type")
		}
		return constants.KindProvidersResp, hex.EncodeToString(b.Key), nil
	default:
		return 0, "", fmt.Errorf("kind %d is not a request", kind)
	}
}

// responseCorrelation derives the correlation token of a response frame.
func responseCorrelation(f *wire.Frame) (string, bool) {
	switch f.Kind {
	case constants.KindPong:
		var b wire.PongBody
		if f.DecodeBody(&b) != nil {
			return "", false
		}
		return hex.EncodeToString(b.Token), true
	case constants.KindFindNodeResp:
		var b wire.FindNodeRespBody
		if f.DecodeBody(&b) != nil {
			return "", false
		}
		return hex.EncodeToString(b.Key), true
	case constants.KindProvidersResp:
		var b wire.ProvidersRespBody
		if f.DecodeBody(&b) != nil {
			return "", false
		}
		return hex.EncodeToString(b.Key), true
	default:
		return "", false
	}
}

// connect returns the live connection to a peer, dialing it first when
// needed. Known addresses from the address book are tried after the given
// ones.
func (n *Node) connect(ctx context.Context, peerID string, addrs []string) (*transport.PeerConn, error) {
	if pc := n.peers.get(peerID); pc != nil {
		return pc, nil
	}
	if peerID == n.identity.PeerID() {
		return nil, fmt.Errorf("refusing to dial self")
	}

	parsed, err := transport.ParseAddrs(addrs)
	if err != nil {
		return nil, err
	}
	n.addrBook.Add(peerID, parsed...)

	pc, err := n.dialer.Dial(ctx, peerID, n.addrBook.Addrs(peerID))
	if err != nil {
		return nil, err
	}

	if !n.peers.add(pc) {
		// Lost the race against an inbound connection from the same peer.
		pc.Close()
		return n.peers.get(peerID), nil
	}
	n.logger.Debug("peer connected", "remote", shortPeerID(peerID))
	n.dht.Observe(peerID, addrs)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.readLoop(pc)
	}()
	return pc, nil
}

// writeFrame signs and sends one frame on a connection.
func (n *Node) writeFrame(pc *transport.PeerConn, kind uint16, body interface{}) error {
	f, err := wire.NewFrame(kind, n.identity.PeerID(), n.seq.Add(1), body)
	if err != nil {
		return err
	}
	if err := f.Sign(n.identity.SigningPrivateKey); err != nil {
		return err
	}
	return pc.WriteFrame(f)
}

// readLoop dispatches inbound frames from one connection until it fails.
func (n *Node) readLoop(pc *transport.PeerConn) {
	defer func() {
		pc.Close()
		if n.peers.remove(pc) {
			n.engine.PeerDisconnected(pc.PeerID())
			n.logger.Debug("peer disconnected", "remote", shortPeerID(pc.PeerID()))
		}
	}()

	for {
		f, err := pc.ReadFrame()
		if err != nil {
			return
		}

		if err := f.Validate(); err != nil {
			n.engine.Violation(pc.PeerID(), fmt.Sprintf("invalid frame: %v", err))
			continue
		}
		if err := f.Verify(); err != nil {
			n.engine.Violation(pc.PeerID(), fmt.Sprintf("bad frame signature: %v", err))
			continue
		}

		n.dht.Observe(f.From, []string{pc.Addr().String()})
		n.dispatch(pc, f)
	}
}

// dispatch routes one verified frame to its subsystem: routing queries and
// provider records to the DHT, block traffic to the exchange engine.
func (n *Node) dispatch(pc *transport.PeerConn, f *wire.Frame) {
	switch f.Kind {
	case constants.KindPong, constants.KindFindNodeResp, constants.KindProvidersResp:
		corr, ok := responseCorrelation(f)
		if !ok {
			n.engine.Violation(f.From, "undecodable response body")
			return
		}
		if !n.pending.deliver(pendingKey{peerID: f.From, kind: f.Kind, corr: corr}, f) {
			n.logger.Debug("unmatched response", "kind", f.Kind, "peer", shortPeerID(f.From))
		}

	case constants.KindPing:
		var body wire.PingBody
		if f.DecodeBody(&body) != nil {
			n.engine.Violation(f.From, "undecodable ping")
			return
		}
		n.reply(pc, constants.KindPong, n.dht.HandlePing(&body))

	case constants.KindFindNode:
		var body wire.FindNodeBody
		if f.DecodeBody(&body) != nil {
			n.engine.Violation(f.From, "undecodable find-node")
			return
		}
		resp, err := n.dht.HandleFindNode(&body)
		if err != nil {
			n.engine.Violation(f.From, fmt.Sprintf("bad find-node: %v", err))
			return
		}
		n.reply(pc, constants.KindFindNodeResp, resp)

	case constants.KindGetProviders:
		var body wire.GetProvidersBody
		if f.DecodeBody(&body) != nil {
			n.engine.Violation(f.From, "undecodable get-providers")
			return
		}
		resp, err := n.dht.HandleGetProviders(&body)
		if err != nil {
			n.engine.Violation(f.From, fmt.Sprintf("bad get-providers: %v", err))
			return
		}
		n.reply(pc, constants.KindProvidersResp, resp)

	case constants.KindAddProvider:
		var body wire.AddProviderBody
		if f.DecodeBody(&body) != nil {
			n.engine.Violation(f.From, "undecodable add-provider")
			return
		}
		if err := n.dht.HandleAddProvider(&body); err != nil {
			n.engine.Violation(f.From, fmt.Sprintf("bad provider record: %v", err))
		}

	case constants.KindWantList:
		var body wire.WantListBody
		if f.DecodeBody(&body) != nil {
			n.engine.Violation(f.From, "undecodable wantlist")
			return
		}
		n.engine.HandleWantList(f.From, &body)

	case constants.KindBlock:
		var body wire.BlockBody
		if f.DecodeBody(&body) != nil {
			n.engine.Violation(f.From, "undecodable block")
			return
		}
		if err := n.engine.HandleBlock(f.From, &body); err != nil {
			n.logger.Debug("block rejected", "peer", shortPeerID(f.From), "error", err)
		}

	case constants.KindHave:
		var body wire.PresenceBody
		if f.DecodeBody(&body) != nil {
			n.engine.Violation(f.From, "undecodable presence")
			return
		}
		n.engine.HandleHave(f.From, &body)

	case constants.KindDontHave:
		var body wire.PresenceBody
		if f.DecodeBody(&body) != nil {
			n.engine.Violation(f.From, "undecodable presence")
			return
		}
		n.engine.HandleDontHave(f.From, &body)

	default:
		n.engine.Violation(f.From, fmt.Sprintf("unknown message kind %d", f.Kind))
	}
}

// reply sends a response frame, logging failures instead of surfacing
// them: the requester just times out.
func (n *Node) reply(pc *transport.PeerConn, kind uint16, body interface{}) {
	if err := n.writeFrame(pc, kind, body); err != nil {
		n.logger.Debug("reply failed", "kind", kind, "peer", shortPeerID(pc.PeerID()), "error", err)
	}
}

// dhtNetwork adapts the node to the DHT's network interface.
type dhtNetwork struct{ n *Node }

// Request sends a query and waits for the correlated response.
func (dn dhtNetwork) Request(ctx context.Context, peerID string, addrs []string, kind uint16, body interface{}) (*wire.Frame, error) {
	respKind, corr, err := requestCorrelation(kind, body)
	if err != nil {
		return nil, err
	}

	pc, err := dn.n.connect(ctx, peerID, addrs)
	if err != nil {
		return nil, err
	}

	key := pendingKey{peerID: peerID, kind: respKind, corr: corr}
	ch, cleanup := dn.n.pending.register(key)
	defer cleanup()

	if err := dn.n.writeFrame(pc, kind, body); err != nil {
		return nil, err
	}

	select {
	case f := <-ch:
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-dn.n.stopCh:
		return nil, errors.New("node shutting down")
	}
}

// Send ships a one-way frame.
func (dn dhtNetwork) Send(ctx context.Context, peerID string, addrs []string, kind uint16, body interface{}) error {
	pc, err := dn.n.connect(ctx, peerID, addrs)
	if err != nil {
		return err
	}
	return dn.n.writeFrame(pc, kind, body)
}

// exchangeNetwork adapts the node to the exchange engine's network
// interface.
type exchangeNetwork struct{ n *Node }

func (en exchangeNetwork) Peers() []string {
	return en.n.peers.peers()
}

func (en exchangeNetwork) Send(ctx context.Context, peerID string, kind uint16, body interface{}) error {
	pc := en.n.peers.get(peerID)
	if pc == nil {
		return fmt.Errorf("peer %s is not connected", peerID)
	}
	return en.n.writeFrame(pc, kind, body)
}

func (en exchangeNetwork) Connect(ctx context.Context, peerID string, addrs []string) error {
	_, err := en.n.connect(ctx, peerID, addrs)
	return err
}

func (en exchangeNetwork) Disconnect(peerID string) {
	if pc := en.n.peers.get(peerID); pc != nil {
		pc.Close()
	}
}

// providerFinder adapts the DHT's keyspace lookup to the engine's
// CID-based interface.
type providerFinder struct{ d *dht.DHT }

func (pf providerFinder) FindProviders(ctx context.Context, id content.CID, limit int) ([]wire.ProviderRecord, error) {
	return pf.d.FindProviders(ctx, dht.KeyForCID(id), limit)
}

// resolveBoundPort extracts the port a listener actually bound to.
func resolveBoundPort(ln transport.Listener) (string, int, error) {
	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, err
	}
	return host, port, nil
}
