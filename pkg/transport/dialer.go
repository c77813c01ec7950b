package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"

	"github.com/weavemesh/weavenet/pkg/identity"
	"github.com/weavemesh/weavenet/pkg/security/noisexx"
)

// Dialer establishes authenticated peer connections over the registered
// raw transports and keeps the address book current with dial outcomes.
type Dialer struct {
	identity  *identity.Identity
	registry  *Registry
	addrBook  *AddrBook
	config    *Config
	clientTLS *tls.Config
}

// NewDialer creates a dialer using the given transports and address book.
func NewDialer(id *identity.Identity, registry *Registry, addrBook *AddrBook, config *Config) *Dialer {
	if config == nil {
		config = DefaultConfig()
	}
	return &Dialer{
		identity:  id,
		registry:  registry,
		addrBook:  addrBook,
		config:    config,
		clientTLS: ClientTLSConfig(),
	}
}

// Dial connects to a peer, trying the given addresses in order and
// upgrading the first raw connection that completes the handshake. The
// remote must prove it is peerID or the attempt fails. When every address
// fails, the returned error wraps ErrAllAddressesExhausted together with
// the last underlying failure.
func (d *Dialer) Dial(ctx context.Context, peerID string, addrs []Addr) (*PeerConn, error) {
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: no addresses for %s", ErrAllAddressesExhausted, peerID)
	}

	var lastErr error
	for _, addr := range addrs {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		pc, err := d.dialOne(ctx, peerID, addr)
		if err != nil {
			lastErr = err
			d.addrBook.MarkFailure(peerID, addr)
			continue
		}
		d.addrBook.MarkSuccess(peerID, addr)
		return pc, nil
	}

	return nil, fmt.Errorf("%w: dialing %s: %w", ErrAllAddressesExhausted, peerID, lastErr)
}

func (d *Dialer) dialOne(ctx context.Context, peerID string, addr Addr) (*PeerConn, error) {
	t, ok := d.registry.Get(addr.Network)
	if !ok {
		return nil, fmt.Errorf("%w: no transport for %q", ErrUnsupported, addr.Network)
	}

	dialCtx, cancel := context.WithTimeout(ctx, d.config.ConnectTimeout)
	defer cancel()

	conn, err := t.Dial(dialCtx, addr.HostPort(), d.clientTLS)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s: %v", ErrDialTimeout, addr.String(), err)
		}
		return nil, fmt.Errorf("failed to dial %s: %w", addr.String(), err)
	}

	reader := bufio.NewReader(conn)
	hs, err := noisexx.NewClientHandshake(d.identity, peerID)
	if err != nil {
		conn.Close()
		return nil, err
	}

	result, err := noisexx.RunClient(reader, conn, hs)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	return NewPeerConn(conn, reader, result.PeerID, addr), nil
}

// Upgrade authenticates an inbound raw connection and returns the peer
// connection for it. The remote's identity is learned from the handshake.
func (d *Dialer) Upgrade(conn Conn) (*PeerConn, error) {
	reader := bufio.NewReader(conn)
	hs, err := noisexx.NewServerHandshake(d.identity)
	if err != nil {
		conn.Close()
		return nil, err
	}

	result, err := noisexx.RunServer(reader, conn, hs)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	addr, _ := remoteAddrOf(conn)
	d.addrBook.MarkSuccess(result.PeerID, addr)
	return NewPeerConn(conn, reader, result.PeerID, addr), nil
}

// remoteAddrOf derives a best-effort protocol-annotated address from a raw
// connection's remote endpoint.
func remoteAddrOf(conn Conn) (Addr, error) {
	ra := conn.RemoteAddr()
	network := "tcp"
	if ra.Network() == "udp" {
		network = "quic"
	}
	host, port, err := splitHostPort(ra.String())
	if err != nil {
		return Addr{}, err
	}
	return Addr{Network: network, Host: host, Port: port}, nil
}
