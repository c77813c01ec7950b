package noisexx

import (
	"bufio"
	"net"
	"testing"

	"github.com/weavemesh/weavenet/pkg/identity"
)

func newTestIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("failed to generate identity: %v", err)
	}
	return id
}

// runHandshake performs a full handshake over an in-memory pipe and
// returns both results.
func runHandshake(t *testing.T, client, server *identity.Identity, expectedPeer string) (*Result, *Result, error, error) {
	t.Helper()

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	type outcome struct {
		res *Result
		err error
	}
	serverCh := make(chan outcome, 1)
	go func() {
		hs, err := NewServerHandshake(server)
		if err != nil {
			serverCh <- outcome{nil, err}
			return
		}
		res, err := RunServer(bufio.NewReader(serverConn), serverConn, hs)
		serverCh <- outcome{res, err}
	}()

	hs, err := NewClientHandshake(client, expectedPeer)
	if err != nil {
		t.Fatalf("failed to create client handshake: %v", err)
	}
	clientRes, clientErr := RunClient(bufio.NewReader(clientConn), clientConn, hs)
	// Close the client end before waiting on the server goroutine: if the
	// client aborted mid-handshake, the server is still blocked reading the
	// next message and would otherwise never return. net.Pipe writes only
	// complete once read, so on success the server already has every message.
	clientConn.Close()
	serverOut := <-serverCh

	return clientRes, serverOut.res, clientErr, serverOut.err
}

func TestHandshakeSuccess(t *testing.T) {
	client := newTestIdentity(t)
	server := newTestIdentity(t)

	clientRes, serverRes, clientErr, serverErr := runHandshake(t, client, server, server.PeerID())
	if clientErr != nil {
		t.Fatalf("client handshake failed: %v", clientErr)
	}
	if serverErr != nil {
		t.Fatalf("server handshake failed: %v", serverErr)
	}

	if clientRes.PeerID != server.PeerID() {
		t.Errorf("client learned wrong peer: got %s, want %s", clientRes.PeerID, server.PeerID())
	}
	if serverRes.PeerID != client.PeerID() {
		t.Errorf("server learned wrong peer: got %s, want %s", serverRes.PeerID, client.PeerID())
	}
}

func TestHandshakeAcceptsUnpinnedResponder(t *testing.T) {
	client := newTestIdentity(t)
	server := newTestIdentity(t)

	// An empty expected peer means the dialer takes whoever answers, as
	// when following a fresh provider record.
	clientRes, _, clientErr, serverErr := runHandshake(t, client, server, "")
	if clientErr != nil {
		t.Fatalf("client handshake failed: %v", clientErr)
	}
	if serverErr != nil {
		t.Fatalf("server handshake failed: %v", serverErr)
	}
	if clientRes.PeerID != server.PeerID() {
		t.Errorf("client learned wrong peer: got %s", clientRes.PeerID)
	}
}

func TestHandshakeRejectsWrongResponder(t *testing.T) {
	client := newTestIdentity(t)
	server := newTestIdentity(t)
	someoneElse := newTestIdentity(t)

	_, _, clientErr, _ := runHandshake(t, client, server, someoneElse.PeerID())
	if clientErr == nil {
		t.Fatal("client accepted a responder with the wrong identity")
	}
}

func TestClientHelloSignature(t *testing.T) {
	id := newTestIdentity(t)

	hs, err := NewClientHandshake(id, "")
	if err != nil {
		t.Fatalf("failed to create handshake: %v", err)
	}
	hello, err := hs.CreateClientHello()
	if err != nil {
		t.Fatalf("CreateClientHello failed: %v", err)
	}

	if err := hello.Verify(); err != nil {
		t.Errorf("valid ClientHello failed verification: %v", err)
	}

	hello.Nonce++
	if err := hello.Verify(); err == nil {
		t.Error("tampered ClientHello passed verification")
	}
}

func TestProcessClientHelloRejectsForgedIdentity(t *testing.T) {
	client := newTestIdentity(t)
	impostor := newTestIdentity(t)
	server := newTestIdentity(t)

	clientHS, err := NewClientHandshake(client, "")
	if err != nil {
		t.Fatalf("failed to create handshake: %v", err)
	}
	hello, err := clientHS.CreateClientHello()
	if err != nil {
		t.Fatalf("CreateClientHello failed: %v", err)
	}

	// Claiming someone else's identity breaks the signature.
	hello.From = impostor.PeerID()

	serverHS, err := NewServerHandshake(server)
	if err != nil {
		t.Fatalf("failed to create handshake: %v", err)
	}
	if _, err := serverHS.ProcessClientHello(hello); err == nil {
		t.Error("server accepted a hello claiming a foreign identity")
	}
}
