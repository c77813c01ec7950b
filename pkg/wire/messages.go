package wire

import "github.com/weavemesh/weavenet/pkg/content"

// WantKind distinguishes a request for the block payload from a cheap
// availability probe.
type WantKind uint8

const (
	// WantBlock asks the peer to send the block itself.
	WantBlock WantKind = iota
	// WantHave asks only for a Have/DontHave answer.
	WantHave
)

// WantEntry is one entry in a wantlist message. Cancel entries retract a
// previously sent want.
type WantEntry struct {
	CID      content.CID `cbor:"cid"`
	Priority int32       `cbor:"priority"`
	Kind     WantKind    `cbor:"kind"`
	Cancel   bool        `cbor:"cancel"`
}

// WantListBody adds or cancels want entries. Full marks the message as the
// sender's complete wantlist, replacing whatever the receiver held.
type WantListBody struct {
	Entries []WantEntry `cbor:"entries"`
	Full    bool        `cbor:"full"`
}

// BlockBody carries a block payload. The receiver must verify the payload
// hashes to the claimed CID before accepting it.
type BlockBody struct {
	CID  content.CID `cbor:"cid"`
	Data []byte      `cbor:"data"`
}

// PresenceBody answers a WantHave probe; used for both Have and DontHave
// kinds.
type PresenceBody struct {
	CID content.CID `cbor:"cid"`
}

// PingBody carries a random token echoed by the matching pong.
type PingBody struct {
	Token []byte `cbor:"token"`
}

// PongBody echoes a ping token.
type PongBody struct {
	Token []byte `cbor:"token"`
}

// PeerHint describes a peer another node told us about: identity plus the
// addresses it was last reachable on.
type PeerHint struct {
	PeerID string   `cbor:"peer"`
	Addrs  []string `cbor:"addrs"`
}

// FindNodeBody asks for the peers closest to Key in XOR space.
type FindNodeBody struct {
	Key []byte `cbor:"key"`
}

// FindNodeRespBody lists the closest peers the responder knows of.
type FindNodeRespBody struct {
	Key    []byte     `cbor:"key"`
	Closer []PeerHint `cbor:"closer"`
}

// GetProvidersBody asks for provider records for a content id.
type GetProvidersBody struct {
	Key []byte `cbor:"key"`
}

// ProviderRecord advertises that a peer claims to hold a piece of content.
// It is signed by the provider and expires after TTL seconds.
type ProviderRecord struct {
	CID       content.CID `cbor:"cid"`
	Provider  string      `cbor:"provider"`
	Addrs     []string    `cbor:"addrs"`
	Timestamp uint64      `cbor:"timestamp"` // Unix milliseconds
	TTL       uint32      `cbor:"ttl"`       // seconds
	Signature []byte      `cbor:"signature"`
}

// ProvidersRespBody answers GetProviders with any known records plus closer
// peers for the iterative lookup to continue with.
type ProvidersRespBody struct {
	Key       []byte           `cbor:"key"`
	Providers []ProviderRecord `cbor:"providers"`
	Closer    []PeerHint       `cbor:"closer"`
}

// AddProviderBody stores a provider record on the receiving peer.
type AddProviderBody struct {
	Record ProviderRecord `cbor:"record"`
}
