package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/weavemesh/weavenet/pkg/blockstore"
	"github.com/weavemesh/weavenet/pkg/constants"
	"github.com/weavemesh/weavenet/pkg/content"
	"github.com/weavemesh/weavenet/pkg/wire"
)

// Get failure modes.
var (
	// ErrTimeout: the session deadline passed without a verified block.
	ErrTimeout = errors.New("block retrieval timed out")
	// ErrShutdown: the engine stopped while the session was in flight.
	ErrShutdown = errors.New("exchange engine shut down")
)

// errAbandoned resolves a session whose last waiter gave up before the
// deadline. Callers that left never see it; they return their own ctx error.
var errAbandoned = errors.New("all requesters gave up")

// Network is the connection surface the engine drives: the node layer owns
// the actual peer connections.
type Network interface {
	// Peers returns the currently connected peer ids.
	Peers() []string
	// Send writes one signed frame to a connected peer.
	Send(ctx context.Context, peerID string, kind uint16, body interface{}) error
	// Connect ensures a connection to the peer, dialing if needed.
	Connect(ctx context.Context, peerID string, addrs []string) error
	// Disconnect drops the peer's connection.
	Disconnect(peerID string)
}

// ProviderFinder locates peers advertising a content id.
type ProviderFinder interface {
	FindProviders(ctx context.Context, id content.CID, limit int) ([]wire.ProviderRecord, error)
}

// Config tunes the engine. Zero values fall back to protocol defaults.
type Config struct {
	RebroadcastBase time.Duration
	MaxRebroadcasts int
	SessionTimeout  time.Duration
	ThrottleRatio   float64
	ThrottleDelay   time.Duration
	MaxViolations   int
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		RebroadcastBase: constants.ExchangeRebroadcastBase,
		MaxRebroadcasts: constants.ExchangeMaxRebroadcasts,
		SessionTimeout:  constants.ExchangeSessionTimeout,
		ThrottleRatio:   constants.LedgerThrottleRatio,
		ThrottleDelay:   constants.LedgerThrottleDelay,
		MaxViolations:   constants.MaxPeerViolations,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RebroadcastBase <= 0 {
		c.RebroadcastBase = d.RebroadcastBase
	}
	if c.MaxRebroadcasts <= 0 {
		c.MaxRebroadcasts = d.MaxRebroadcasts
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = d.SessionTimeout
	}
	if c.ThrottleRatio <= 0 {
		c.ThrottleRatio = d.ThrottleRatio
	}
	if c.ThrottleDelay <= 0 {
		c.ThrottleDelay = d.ThrottleDelay
	}
	if c.MaxViolations <= 0 {
		c.MaxViolations = d.MaxViolations
	}
	return c
}

// Engine is the block exchange engine of one node.
type Engine struct {
	store   *blockstore.Store
	network Network
	finder  ProviderFinder
	config  Config
	logger  *slog.Logger

	wants    *Wantlist
	sessions *sessionTable
	ledgers  *ledgerBook

	peerWantsMu sync.Mutex
	peerWants   map[string]*Wantlist

	stopCh chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// New creates an exchange engine over the given store, network, and
// provider finder.
func New(store *blockstore.Store, network Network, finder ProviderFinder, config Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:     store,
		network:   network,
		finder:    finder,
		config:    config.withDefaults(),
		logger:    logger.With("component", "exchange"),
		wants:     NewWantlist(),
		sessions:  newSessionTable(),
		ledgers:   newLedgerBook(),
		peerWants: make(map[string]*Wantlist),
		stopCh:    make(chan struct{}),
	}
}

// Get retrieves a block, serving from the local store when possible and
// otherwise running a download session. Concurrent Gets for the same CID
// share one session.
func (e *Engine) Get(ctx context.Context, id content.CID) (*content.Block, error) {
	if b, err := e.store.Get(id); err == nil {
		return b, nil
	} else if !errors.Is(err, blockstore.ErrNotFound) {
		return nil, err
	}

	s, leader := e.sessions.getOrCreate(id)
	if leader {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.runSession(s)
		}()
	}

	select {
	case <-s.done:
		return s.result()
	case <-ctx.Done():
		e.abandon(s)
		return nil, ctx.Err()
	case <-e.stopCh:
		return nil, ErrShutdown
	}
}

// abandon drops one waiter from a session. When the last waiter leaves an
// unresolved session, the session resolves immediately so peers receive
// their cancels without waiting out the deadline.
func (e *Engine) abandon(s *session) {
	if s.release() {
		s.complete(nil, errAbandoned)
	}
}

// runSession drives one download to completion or timeout.
func (e *Engine) runSession(s *session) {
	defer e.finishSession(s)

	ctx, cancel := context.WithTimeout(context.Background(), e.config.SessionTimeout)
	defer cancel()

	e.wants.Add(s.id, 1, wire.WantBlock)

	// Targeted phase: chase providers the DHT knows about.
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.seekProviders(ctx, s)
	}()

	// Broadcast phase: connected peers see the want immediately, then again
	// with exponential backoff.
	delay := e.config.RebroadcastBase
	for round := 0; round <= e.config.MaxRebroadcasts; round++ {
		if round > 0 {
			s.setState(StateBroadcasting)
		}
		e.broadcastWant(ctx, s.id)

		select {
		case <-s.done:
			return
		case <-ctx.Done():
			s.complete(nil, ErrTimeout)
			return
		case <-e.stopCh:
			s.complete(nil, ErrShutdown)
			return
		case <-time.After(delay):
			delay *= 2
		}
	}

	select {
	case <-s.done:
	case <-ctx.Done():
		s.complete(nil, ErrTimeout)
	case <-e.stopCh:
		s.complete(nil, ErrShutdown)
	}
}

// seekProviders discovers providers and sends them targeted wants.
func (e *Engine) seekProviders(ctx context.Context, s *session) {
	records, err := e.finder.FindProviders(ctx, s.id, constants.DHTAlpha)
	if err != nil {
		e.logger.Debug("provider discovery failed", "cid", s.id.String, "error", err)
		return
	}

	entry := wire.WantEntry{CID: s.id, Priority: 1, Kind: wire.WantBlock}
	for _, rec := range records {
		if s.currentState() == StateSatisfied {
			return
		}
		if err := e.network.Connect(ctx, rec.Provider, rec.Addrs); err != nil {
			e.logger.Debug("provider dial failed", "peer", rec.Provider, "error", err)
			continue
		}
		if err := e.network.Send(ctx, rec.Provider, constants.KindWantList,
			&wire.WantListBody{Entries: []wire.WantEntry{entry}}); err != nil {
			e.logger.Debug("targeted want failed", "peer", rec.Provider, "error", err)
		}
	}
}

// broadcastWant sends the want to every connected peer.
func (e *Engine) broadcastWant(ctx context.Context, id content.CID) {
	body := &wire.WantListBody{Entries: []wire.WantEntry{{CID: id, Priority: 1, Kind: wire.WantBlock}}}
	for _, peerID := range e.network.Peers() {
		if err := e.network.Send(ctx, peerID, constants.KindWantList, body); err != nil {
			e.logger.Debug("want broadcast failed", "peer", peerID, "error", err)
		}
	}
}

// finishSession retracts the want, notifies peers, and retires the session.
// Cancels are sent only after the session resolved, so a received block is
// always accepted and stored before its want is withdrawn.
func (e *Engine) finishSession(s *session) {
	e.wants.Remove(s.id)
	e.sessions.drop(s.id)

	cancel := &wire.WantListBody{Entries: []wire.WantEntry{{CID: s.id, Kind: wire.WantBlock, Cancel: true}}}
	ctx, cancelFn := context.WithTimeout(context.Background(), constants.DHTQueryTimeout)
	defer cancelFn()
	for _, peerID := range e.network.Peers() {
		if err := e.network.Send(ctx, peerID, constants.KindWantList, cancel); err != nil {
			e.logger.Debug("want cancel failed", "peer", peerID, "error", err)
		}
	}
}

// HandleBlock processes an inbound block. The payload must hash to the
// claimed CID; a mismatch counts as a violation against the sender and the
// block is discarded.
func (e *Engine) HandleBlock(from string, body *wire.BlockBody) error {
	if err := content.Verify(body.CID, body.Data); err != nil {
		e.violation(from, fmt.Sprintf("block %s failed verification", body.CID.String))
		return fmt.Errorf("rejected block from %s: %w", from, err)
	}

	ledger := e.ledgers.get(from)
	ledger.RecordReceived(uint64(len(body.Data)))

	_, wanted := e.wants.Contains(body.CID)
	s := e.sessions.lookup(body.CID)
	if !wanted && s == nil {
		// Unsolicited block. Verified but unasked-for data is dropped, not
		// stored, so peers cannot fill the store unprompted.
		e.logger.Debug("dropping unsolicited block", "peer", from, "cid", body.CID.String)
		return nil
	}

	b := &content.Block{CID: body.CID, Data: body.Data}
	if err := e.store.PutBlock(b); err != nil {
		if s != nil {
			s.complete(nil, err)
		}
		return err
	}

	if s != nil {
		s.complete(b, nil)
	}

	// A freshly stored block may satisfy remote wants that arrived first.
	e.serveStoredBlock(b)
	return nil
}

// HandleWantList applies a peer's wantlist message and serves whatever can
// be served immediately.
func (e *Engine) HandleWantList(from string, body *wire.WantListBody) {
	wl := e.wantlistFor(from)
	if body.Full {
		wl.ReplaceAll(body.Entries)
	} else {
		wl.Apply(body.Entries)
	}

	for _, entry := range body.Entries {
		if entry.Cancel {
			continue
		}
		e.serveWant(from, entry)
	}
}

// serveWant answers one want entry from a peer.
func (e *Engine) serveWant(from string, entry wire.WantEntry) {
	has, err := e.store.Has(entry.CID)
	if err != nil {
		e.logger.Warn("store probe failed", "cid", entry.CID.String, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), constants.DHTQueryTimeout)
	defer cancel()

	if entry.Kind == wire.WantHave {
		kind := uint16(constants.KindHave)
		if !has {
			kind = constants.KindDontHave
		}
		if err := e.network.Send(ctx, from, kind, &wire.PresenceBody{CID: entry.CID}); err != nil {
			e.logger.Debug("presence reply failed", "peer", from, "error", err)
		}
		return
	}

	// Want-block with nothing to give stays on the remote wantlist and is
	// served if the block arrives later.
	if !has {
		return
	}
	e.sendBlock(ctx, from, entry.CID)
}

// sendBlock ships one block to a peer, applying the debt throttle.
func (e *Engine) sendBlock(ctx context.Context, to string, id content.CID) {
	b, err := e.store.Get(id)
	if err != nil {
		e.logger.Warn("failed to load block for peer", "cid", id.String, "error", err)
		return
	}

	ledger := e.ledgers.get(to)
	if ledger.DebtRatio() > e.config.ThrottleRatio {
		select {
		case <-time.After(e.config.ThrottleDelay):
		case <-ctx.Done():
			return
		}
	}

	if err := e.network.Send(ctx, to, constants.KindBlock,
		&wire.BlockBody{CID: b.CID, Data: b.Data}); err != nil {
		e.logger.Debug("block send failed", "peer", to, "error", err)
		return
	}
	ledger.RecordSent(b.Size())
	e.wantlistFor(to).Remove(id)
}

// serveStoredBlock pushes a newly stored block to every peer whose
// wantlist asks for it.
func (e *Engine) serveStoredBlock(b *content.Block) {
	e.peerWantsMu.Lock()
	var waiting []string
	for peerID, wl := range e.peerWants {
		if entry, ok := wl.Contains(b.CID); ok && entry.Kind == wire.WantBlock {
			waiting = append(waiting, peerID)
		}
	}
	e.peerWantsMu.Unlock()

	for _, peerID := range waiting {
		ctx, cancel := context.WithTimeout(context.Background(), constants.DHTQueryTimeout)
		e.sendBlock(ctx, peerID, b.CID)
		cancel()
	}
}

// HandleHave reacts to an availability answer: a live session sends a
// targeted want to the peer that has the block.
func (e *Engine) HandleHave(from string, body *wire.PresenceBody) {
	s := e.sessions.lookup(body.CID)
	if s == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), constants.DHTQueryTimeout)
	defer cancel()
	if err := e.network.Send(ctx, from, constants.KindWantList, &wire.WantListBody{
		Entries: []wire.WantEntry{{CID: body.CID, Priority: 1, Kind: wire.WantBlock}},
	}); err != nil {
		e.logger.Debug("targeted want after have failed", "peer", from, "error", err)
	}
}

// HandleDontHave records a negative availability answer. Sessions keep
// waiting on other peers.
func (e *Engine) HandleDontHave(from string, body *wire.PresenceBody) {
	e.logger.Debug("peer lacks block", "peer", from, "cid", body.CID.String)
}

// PeerDisconnected drops per-connection state for a peer. Its ledger is
// kept so accounting survives reconnects.
func (e *Engine) PeerDisconnected(peerID string) {
	e.peerWantsMu.Lock()
	delete(e.peerWants, peerID)
	e.peerWantsMu.Unlock()
}

// Violation records a protocol violation observed outside the engine, such
// as a malformed or missigned frame.
func (e *Engine) Violation(peerID, reason string) {
	e.violation(peerID, reason)
}

func (e *Engine) violation(peerID, reason string) {
	count := e.ledgers.get(peerID).RecordViolation()
	e.logger.Warn("peer violation", "peer", peerID, "reason", reason, "count", count)
	if count >= e.config.MaxViolations {
		e.logger.Warn("dropping misbehaving peer", "peer", peerID)
		e.network.Disconnect(peerID)
	}
}

// WantlistSnapshot returns this node's outstanding wants.
func (e *Engine) WantlistSnapshot() []wire.WantEntry {
	return e.wants.Entries()
}

// LedgerSnapshots returns accounting for every peer exchanged with.
func (e *Engine) LedgerSnapshots() []LedgerSnapshot {
	return e.ledgers.snapshots()
}

// ActiveSessions returns the number of in-flight downloads.
func (e *Engine) ActiveSessions() int {
	return len(e.sessions.active())
}

// Shutdown resolves all in-flight sessions with ErrShutdown and waits for
// session goroutines to drain.
func (e *Engine) Shutdown() {
	e.once.Do(func() { close(e.stopCh) })
	for _, s := range e.sessions.active() {
		s.complete(nil, ErrShutdown)
	}
	e.wg.Wait()
}

// wantlistFor returns the tracked wantlist of a remote peer.
func (e *Engine) wantlistFor(peerID string) *Wantlist {
	e.peerWantsMu.Lock()
	defer e.peerWantsMu.Unlock()
	wl, ok := e.peerWants[peerID]
	if !ok {
		wl = NewWantlist()
		e.peerWants[peerID] = wl
	}
	return wl
}
