package quic

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/weavemesh/weavenet/pkg/transport"
)

func TestListenAddressInUse(t *testing.T) {
	tlsConfig, err := transport.GenerateTLSConfig()
	if err != nil {
		t.Fatalf("failed to generate TLS config: %v", err)
	}

	first, err := New().Listen(context.Background(), "127.0.0.1:0", tlsConfig)
	if err != nil {
		t.Fatalf("first Listen failed: %v", err)
	}
	defer first.Close()

	_, port, err := net.SplitHostPort(first.Addr().String())
	if err != nil {
		t.Fatalf("failed to split listener address: %v", err)
	}

	_, err = New().Listen(context.Background(), net.JoinHostPort("127.0.0.1", port), tlsConfig)
	if !errors.Is(err, transport.ErrAddressInUse) {
		t.Errorf("Listen on an occupied port: got %v, want ErrAddressInUse", err)
	}
}

func TestListenNilTLSConfig(t *testing.T) {
	// A missing TLS config must surface as an error, not a panic.
	ln, err := New().Listen(context.Background(), "127.0.0.1:0", nil)
	if err == nil {
		ln.Close()
	}
}
