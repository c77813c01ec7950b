package exchange

import (
	"sync"
	"time"
)

// Ledger tracks byte flow and protocol violations for one peer. Accounting
// survives reconnects for the process lifetime.
type Ledger struct {
	mu         sync.Mutex
	peerID     string
	bytesSent  uint64
	bytesRecv  uint64
	blocksSent uint64
	blocksRecv uint64
	violations int
	firstSeen  time.Time
	lastSeen   time.Time
}

// NewLedger creates a ledger for a peer.
func NewLedger(peerID string) *Ledger {
	now := time.Now()
	return &Ledger{peerID: peerID, firstSeen: now, lastSeen: now}
}

// RecordSent accounts bytes served to the peer.
func (l *Ledger) RecordSent(n uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.bytesSent += n
	l.blocksSent++
	l.lastSeen = time.Now()
}

// RecordReceived accounts bytes received from the peer.
func (l *Ledger) RecordReceived(n uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.bytesRecv += n
	l.blocksRecv++
	l.lastSeen = time.Now()
}

// RecordViolation counts one protocol violation and returns the running
// total.
func (l *Ledger) RecordViolation() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.violations++
	return l.violations
}

// DebtRatio returns bytes sent over bytes received. The +1 keeps fresh
// peers from dividing by zero and gives newcomers benefit of the doubt.
func (l *Ledger) DebtRatio() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return float64(l.bytesSent) / float64(l.bytesRecv+1)
}

// Snapshot returns the current accounting for status reporting.
func (l *Ledger) Snapshot() LedgerSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return LedgerSnapshot{
		PeerID:     l.peerID,
		BytesSent:  l.bytesSent,
		BytesRecv:  l.bytesRecv,
		BlocksSent: l.blocksSent,
		BlocksRecv: l.blocksRecv,
		Violations: l.violations,
	}
}

// LedgerSnapshot is a point-in-time copy of one peer's accounting.
type LedgerSnapshot struct {
	PeerID     string `json:"peer_id"`
	BytesSent  uint64 `json:"bytes_sent"`
	BytesRecv  uint64 `json:"bytes_recv"`
	BlocksSent uint64 `json:"blocks_sent"`
	BlocksRecv uint64 `json:"blocks_recv"`
	Violations int    `json:"violations"`
}

// ledgerBook holds ledgers for all peers ever exchanged with.
type ledgerBook struct {
	mu      sync.Mutex
	ledgers map[string]*Ledger
}

func newLedgerBook() *ledgerBook {
	return &ledgerBook{ledgers: make(map[string]*Ledger)}
}

// get returns the ledger for a peer, creating it on first contact.
func (lb *ledgerBook) get(peerID string) *Ledger {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	l, ok := lb.ledgers[peerID]
	if !ok {
		l = NewLedger(peerID)
		lb.ledgers[peerID] = l
	}
	return l
}

// snapshots returns accounting for every known peer.
func (lb *ledgerBook) snapshots() []LedgerSnapshot {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	out := make([]LedgerSnapshot, 0, len(lb.ledgers))
	for _, l := range lb.ledgers {
		out = append(out, l.Snapshot())
	}
	return out
}
