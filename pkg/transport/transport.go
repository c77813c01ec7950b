// Package transport provides the peer transport layer: protocol-annotated
// addresses, raw QUIC and TCP+TLS transports, and the dialer that upgrades
// raw connections into authenticated peer connections.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"time"

	"github.com/weavemesh/weavenet/pkg/constants"
)

// Transport errors surfaced to the dial layer and upward.
var (
	ErrUnsupported           = errors.New("unsupported address")
	ErrAddressInUse          = errors.New("address already in use")
	ErrHandshakeFailed       = errors.New("handshake failed")
	ErrDialTimeout           = errors.New("dial timed out")
	ErrAllAddressesExhausted = errors.New("all addresses exhausted")
)

// Transport is a physical transport protocol (QUIC or TCP+TLS).
type Transport interface {
	// Listen starts listening for incoming connections on the given
	// host:port address.
	Listen(ctx context.Context, addr string, tlsConfig *tls.Config) (Listener, error)

	// Dial establishes a raw connection to the given host:port address.
	Dial(ctx context.Context, addr string, tlsConfig *tls.Config) (Conn, error)

	// Name returns the transport name ("quic" or "tcp").
	Name() string

	// DefaultPort returns the default port for this transport.
	DefaultPort() int
}

// Listener accepts raw transport connections.
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Close() error
	Addr() net.Addr
}

// Conn is a raw bidirectional byte stream over an encrypted transport.
// Authentication of the remote peer happens above this layer.
type Conn interface {
	Read(b []byte) (n int, err error)
	Write(b []byte) (n int, err error)
	Close() error
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	SetDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// Config holds transport configuration.
type Config struct {
	TLSConfig      *tls.Config
	ConnectTimeout time.Duration
	KeepAlive      time.Duration
	MaxIdleTimeout time.Duration
}

// DefaultConfig returns the default transport configuration.
func DefaultConfig() *Config {
	return &Config{
		ConnectTimeout: 30 * time.Second,
		KeepAlive:      30 * time.Second,
		MaxIdleTimeout: 5 * time.Minute,
	}
}

// Registry maps transport names to implementations.
type Registry struct {
	transports map[string]Transport
}

// NewRegistry creates an empty transport registry.
func NewRegistry() *Registry {
	return &Registry{transports: make(map[string]Transport)}
}

// Register registers a transport under its name.
func (r *Registry) Register(t Transport) {
	r.transports[t.Name()] = t
}

// Get returns the transport with the given name.
func (r *Registry) Get(name string) (Transport, bool) {
	t, ok := r.transports[name]
	return t, ok
}

// List returns all registered transport names.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.transports))
	for name := range r.transports {
		names = append(names, name)
	}
	return names
}

// ALPNProtocols returns the ALPN identifiers negotiated on TLS-backed
// transports.
func ALPNProtocols() []string {
	return []string{constants.ALPNProtocol}
}
