package node

import (
	"sync"

	"github.com/weavemesh/weavenet/pkg/transport"
)

// peerSet tracks live authenticated connections, one per peer.
type peerSet struct {
	mu    sync.RWMutex
	conns map[string]*transport.PeerConn
}

func newPeerSet() *peerSet {
	return &peerSet{conns: make(map[string]*transport.PeerConn)}
}

// add registers a connection. When a connection to the same peer already
// exists the newcomer is rejected and the existing one kept, so both sides
// converge on a single connection.
func (ps *peerSet) add(pc *transport.PeerConn) bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if _, ok := ps.conns[pc.PeerID()]; ok {
		return false
	}
	ps.conns[pc.PeerID()] = pc
	return true
}

// get returns the live connection for a peer, if any.
func (ps *peerSet) get(peerID string) *transport.PeerConn {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.conns[peerID]
}

// remove drops a connection from the set if it is still the registered one.
func (ps *peerSet) remove(pc *transport.PeerConn) bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.conns[pc.PeerID()] != pc {
		return false
	}
	delete(ps.conns, pc.PeerID())
	return true
}

// peers returns the connected peer ids.
func (ps *peerSet) peers() []string {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	out := make([]string, 0, len(ps.conns))
	for peerID := range ps.conns {
		out = append(out, peerID)
	}
	return out
}

// size returns the number of live connections.
func (ps *peerSet) size() int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return len(ps.conns)
}

// closeAll closes every connection and empties the set.
func (ps *peerSet) closeAll() {
	ps.mu.Lock()
	conns := make([]*transport.PeerConn, 0, len(ps.conns))
	for _, pc := range ps.conns {
		conns = append(conns, pc)
	}
	ps.conns = make(map[string]*transport.PeerConn)
	ps.mu.Unlock()

	for _, pc := range conns {
		pc.Close()
	}
}
