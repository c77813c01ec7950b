package transport_test

import (
	"context"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/weavemesh/weavenet/pkg/identity"
	"github.com/weavemesh/weavenet/pkg/transport"
	"github.com/weavemesh/weavenet/pkg/transport/tcp"
)

func TestDialTimeoutSurfaces(t *testing.T) {
	// A raw TCP listener that is never served: the kernel completes the
	// connection but the TLS handshake hangs until the dial deadline.
	raw, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	defer raw.Close()

	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("failed to generate identity: %v", err)
	}
	registry := transport.NewRegistry()
	registry.Register(tcp.New())
	config := transport.DefaultConfig()
	config.ConnectTimeout = 50 * time.Millisecond
	d := transport.NewDialer(id, registry, transport.NewAddrBook(), config)

	host, portStr, err := net.SplitHostPort(raw.Addr().String())
	if err != nil {
		t.Fatalf("failed to split listener address: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("failed to parse port: %v", err)
	}
	addr := transport.Addr{Network: "tcp", Host: host, Port: port}

	_, err = d.Dial(context.Background(), "wv:key:unreachable", []transport.Addr{addr})
	if !errors.Is(err, transport.ErrDialTimeout) {
		t.Errorf("got %v, want ErrDialTimeout", err)
	}
	// The per-address cause stays visible through the exhaustion wrapper.
	if !errors.Is(err, transport.ErrAllAddressesExhausted) {
		t.Errorf("got %v, want ErrAllAddressesExhausted", err)
	}
}
