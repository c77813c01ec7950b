// Package constants defines cross-cutting protocol defaults and encodings.
package constants

import "time"

// DHT configuration.
const (
	// Bucket size K=20, lookup concurrency alpha=3.
	DHTBucketSize = 20
	DHTAlpha      = 3

	// Iterative lookups give up after this many query rounds even if the
	// best-known distance keeps improving.
	DHTMaxLookupRounds = 16

	// Per-peer query timeout inside a lookup round.
	DHTQueryTimeout = 5 * time.Second
)

// Timing configuration.
const (
	// Provider records expire after ProviderTTL; the republisher re-announces
	// all locally provided content every ProvideInterval.
	ProviderTTL     = 24 * time.Hour
	ProvideInterval = 4 * time.Hour

	// Routing-table entries unseen for this long are probed and, on probe
	// failure, evicted.
	PeerStaleTimeout = 10 * time.Minute

	// Max tolerated clock skew on signed frames.
	MaxClockSkew = 120 * time.Second
)

// Exchange configuration.
const (
	// Initial wantlist rebroadcast delay; doubles each round up to
	// ExchangeMaxRebroadcasts rounds before a session times out.
	ExchangeRebroadcastBase = 2 * time.Second
	ExchangeMaxRebroadcasts = 5

	// Default deadline for a Get that has to reach the network.
	ExchangeSessionTimeout = 60 * time.Second

	// Ledger debt ratio (bytes sent / bytes received) above which block
	// sends to a peer are delayed. Soft policy, tunable via exchange.Config.
	LedgerThrottleRatio = 8.0
	LedgerThrottleDelay = 500 * time.Millisecond

	// Protocol violations (bad blocks, malformed frames) tolerated from a
	// peer before its connection is dropped.
	MaxPeerViolations = 8
)

// Store configuration.
const (
	// Default GC size cap: unpinned blocks are evicted least-recently-used
	// once the store exceeds this many bytes.
	DefaultStoreSizeCap = 1 << 30 // 1 GiB
)

// Protocol configuration.
const (
	ProtocolVersion = 1

	// Default listen ports.
	DefaultQUICPort = 29414
	DefaultTCPPort  = 29415

	// Default local control API address.
	DefaultControlAddr = "127.0.0.1:29417"

	// ALPN identifier negotiated on TLS-backed transports.
	ALPNProtocol = "weavenet/1"

	// Hash algorithm for content ids and DHT keys.
	HashAlgorithm = "blake3-256"
)

// Wire error codes.
const (
	ErrorInvalidSig      = 1
	ErrorVersionMismatch = 2
	ErrorNoProvider      = 3
	ErrorRateLimit       = 4
	ErrorMalformed       = 5
	ErrorNotFound        = 6
)

// Message kinds.
const (
	KindPing          = 1
	KindPong          = 2
	KindFindNode      = 10
	KindFindNodeResp  = 11
	KindGetProviders  = 12
	KindProvidersResp = 13
	KindAddProvider   = 14
	KindWantList      = 20
	KindBlock         = 21
	KindHave          = 22
	KindDontHave      = 23
)
