package node

import (
	"fmt"
	"strings"

	"github.com/weavemesh/weavenet/pkg/constants"
	"github.com/weavemesh/weavenet/pkg/exchange"
	"github.com/weavemesh/weavenet/pkg/wire"
)

// Config holds node configuration.
type Config struct {
	// DataDir is the root for the block store and identity file.
	DataDir string

	// ListenAddrs are the textual addresses to listen on. Empty means the
	// default QUIC and TCP ports on all interfaces.
	ListenAddrs []string

	// AnnounceAddrs overrides the addresses advertised in provider
	// records. Empty means the listen addresses are announced.
	AnnounceAddrs []string

	// BootstrapPeers seed the routing table, each in the form
	// <peer-id>@<addr>.
	BootstrapPeers []string

	// ControlAddr is the local control API listen address. Empty disables
	// the control server.
	ControlAddr string

	// Name is an optional human-readable node name.
	Name string

	// Exchange tunes the block exchange engine.
	Exchange exchange.Config
}

// DefaultConfig returns a node configuration with default listeners.
func DefaultConfig() *Config {
	return &Config{
		ListenAddrs: []string{
			fmt.Sprintf("/ip4/0.0.0.0/udp/%d/quic", constants.DefaultQUICPort),
			fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", constants.DefaultTCPPort),
		},
		ControlAddr: constants.DefaultControlAddr,
	}
}

// ParseBootstrapPeer splits a <peer-id>@<addr> bootstrap entry.
func ParseBootstrapPeer(s string) (wire.PeerHint, error) {
	peerID, addr, ok := strings.Cut(s, "@")
	if !ok || peerID == "" || addr == "" {
		return wire.PeerHint{}, fmt.Errorf("invalid bootstrap peer %q: want <peer-id>@<addr>", s)
	}
	return wire.PeerHint{PeerID: peerID, Addrs: []string{addr}}, nil
}

// bootstrapHints parses all configured bootstrap peers, grouping addresses
// by peer id.
func (c *Config) bootstrapHints() ([]wire.PeerHint, error) {
	byPeer := make(map[string][]string)
	var order []string
	for _, s := range c.BootstrapPeers {
		hint, err := ParseBootstrapPeer(s)
		if err != nil {
			return nil, err
		}
		if _, ok := byPeer[hint.PeerID]; !ok {
			order = append(order, hint.PeerID)
		}
		byPeer[hint.PeerID] = append(byPeer[hint.PeerID], hint.Addrs...)
	}

	hints := make([]wire.PeerHint, 0, len(order))
	for _, peerID := range order {
		hints = append(hints, wire.PeerHint{PeerID: peerID, Addrs: byPeer[peerID]})
	}
	return hints, nil
}
