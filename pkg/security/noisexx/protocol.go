// Package noisexx implements the session handshake that upgrades a raw
// transport connection into an authenticated peer connection. It runs the
// Noise XX pattern (X25519, ChaCha20-Poly1305, BLAKE2b) and binds the Noise
// static keys to Ed25519 peer identities with signed hello messages, so
// either side learns and verifies the other's peer id without knowing it in
// advance.
package noisexx

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"github.com/flynn/noise"

	"github.com/weavemesh/weavenet/pkg/codec/cborcanon"
	"github.com/weavemesh/weavenet/pkg/constants"
	"github.com/weavemesh/weavenet/pkg/identity"
)

// ClientHello is the initiator's first handshake message.
type ClientHello struct {
	Version  uint16 `cbor:"v"`        // Protocol version
	From     string `cbor:"from"`     // Initiator peer id
	Nonce    uint64 `cbor:"nonce"`    // Replay protection nonce
	NoiseKey []byte `cbor:"noisekey"` // Initiator's X25519 static public key
	NoiseMsg []byte `cbor:"noisemsg"` // Noise XX message 1 (e)
	Proof    []byte `cbor:"proof"`    // Ed25519 signature over canonical fields
}

// ServerHello is the responder's handshake message.
type ServerHello struct {
	Version  uint16 `cbor:"v"`        // Protocol version
	From     string `cbor:"from"`     // Responder peer id
	Nonce    uint64 `cbor:"nonce"`    // Responder nonce
	NoiseKey []byte `cbor:"noisekey"` // Responder's X25519 static public key
	NoiseMsg []byte `cbor:"noisemsg"` // Noise XX message 2 (e, ee, s, es)
	Proof    []byte `cbor:"proof"`    // Ed25519 signature over canonical fields
}

// ClientFinish is the initiator's final handshake message.
type ClientFinish struct {
	From     string `cbor:"from"`     // Initiator peer id, repeated for binding
	NoiseMsg []byte `cbor:"noisemsg"` // Noise XX message 3 (s, se)
	Proof    []byte `cbor:"proof"`    // Ed25519 signature over canonical fields
}

// Sign signs the ClientHello with the initiator's Ed25519 private key.
func (ch *ClientHello) Sign(privateKey ed25519.PrivateKey) error {
	sigData, err := cborcanon.EncodeForSigning(ch, "proof")
	if err != nil {
		return fmt.Errorf("failed to encode ClientHello for signing: %w", err)
	}
	ch.Proof = ed25519.Sign(privateKey, sigData)
	return nil
}

// Verify checks the ClientHello signature against the key embedded in From.
func (ch *ClientHello) Verify() error {
	if len(ch.Proof) == 0 {
		return fmt.Errorf("ClientHello has no proof")
	}
	publicKey, err := identity.DecodePeerID(ch.From)
	if err != nil {
		return fmt.Errorf("cannot resolve initiator key: %w", err)
	}
	sigData, err := cborcanon.EncodeForSigning(ch, "proof")
	if err != nil {
		return fmt.Errorf("failed to encode ClientHello for verification: %w", err)
	}
	if !ed25519.Verify(publicKey, sigData, ch.Proof) {
		return fmt.Errorf("ClientHello signature verification failed")
	}
	return nil
}

// Sign signs the ServerHello with the responder's Ed25519 private key.
func (sh *ServerHello) Sign(privateKey ed25519.PrivateKey) error {
	sigData, err := cborcanon.EncodeForSigning(sh, "proof")
	if err != nil {
		return fmt.Errorf("failed to encode ServerHello for signing: %w", err)
	}
	sh.Proof = ed25519.Sign(privateKey, sigData)
	return nil
}

// Verify checks the ServerHello signature against the key embedded in From.
func (sh *ServerHello) Verify() error {
	if len(sh.Proof) == 0 {
		return fmt.Errorf("ServerHello has no proof")
	}
	publicKey, err := identity.DecodePeerID(sh.From)
	if err != nil {
		return fmt.Errorf("cannot resolve responder key: %w", err)
	}
	sigData, err := cborcanon.EncodeForSigning(sh, "proof")
	if err != nil {
		return fmt.Errorf("failed to encode ServerHello for verification: %w", err)
	}
	if !ed25519.Verify(publicKey, sigData, sh.Proof) {
		return fmt.Errorf("ServerHello signature verification failed")
	}
	return nil
}

// Sign signs the ClientFinish with the initiator's Ed25519 private key.
func (cf *ClientFinish) Sign(privateKey ed25519.PrivateKey) error {
	sigData, err := cborcanon.EncodeForSigning(cf, "proof")
	if err != nil {
		return fmt.Errorf("failed to encode ClientFinish for signing: %w", err)
	}
	cf.Proof = ed25519.Sign(privateKey, sigData)
	return nil
}

// Verify checks the ClientFinish signature against the key embedded in From.
func (cf *ClientFinish) Verify() error {
	if len(cf.Proof) == 0 {
		return fmt.Errorf("ClientFinish has no proof")
	}
	publicKey, err := identity.DecodePeerID(cf.From)
	if err != nil {
		return fmt.Errorf("cannot resolve initiator key: %w", err)
	}
	sigData, err := cborcanon.EncodeForSigning(cf, "proof")
	if err != nil {
		return fmt.Errorf("failed to encode ClientFinish for verification: %w", err)
	}
	if !ed25519.Verify(publicKey, sigData, cf.Proof) {
		return fmt.Errorf("ClientFinish signature verification failed")
	}
	return nil
}

// Result is the outcome of a completed handshake.
type Result struct {
	PeerID       string // Verified remote peer id
	RemoteStatic []byte // Remote Noise static public key
}

// Handshake holds the Noise XX state for one connection upgrade.
type Handshake struct {
	identity     *identity.Identity
	expectedPeer string
	isInitiator  bool
	nonce        uint64
	noiseState   *noise.HandshakeState
	remotePeer   string
	complete     bool
}

func cipherSuite() noise.CipherSuite {
	return noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2b)
}

func randomNonce() uint64 {
	var b [8]byte
	rand.Read(b[:])
	var n uint64
	for _, v := range b {
		n = n<<8 | uint64(v)
	}
	return n
}

// NewClientHandshake creates the initiator-side handshake. expectedPeer, if
// non-empty, pins the responder identity: a responder presenting any other
// peer id fails the handshake.
func NewClientHandshake(id *identity.Identity, expectedPeer string) (*Handshake, error) {
	h := &Handshake{
		identity:     id,
		expectedPeer: expectedPeer,
		isInitiator:  true,
		nonce:        randomNonce(),
	}

	state, err := noise.NewHandshakeState(noise.Config{
		CipherSuite: cipherSuite(),
		Random:      rand.Reader,
		Pattern:     noise.HandshakeXX,
		Initiator:   true,
		StaticKeypair: noise.DHKey{
			Private: id.KeyAgreementPrivateKey[:],
			Public:  id.KeyAgreementPublicKey[:],
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create client handshake state: %w", err)
	}
	h.noiseState = state

	return h, nil
}

// NewServerHandshake creates the responder-side handshake. The responder
// learns the initiator's identity from the hello messages.
func NewServerHandshake(id *identity.Identity) (*Handshake, error) {
	h := &Handshake{
		identity:    id,
		isInitiator: false,
		nonce:       randomNonce(),
	}

	state, err := noise.NewHandshakeState(noise.Config{
		CipherSuite: cipherSuite(),
		Random:      rand.Reader,
		Pattern:     noise.HandshakeXX,
		Initiator:   false,
		StaticKeypair: noise.DHKey{
			Private: id.KeyAgreementPrivateKey[:],
			Public:  id.KeyAgreementPublicKey[:],
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create server handshake state: %w", err)
	}
	h.noiseState = state

	return h, nil
}

// CreateClientHello produces the initiator's first message.
func (h *Handshake) CreateClientHello() (*ClientHello, error) {
	msg, _, _, err := h.noiseState.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("handshake step failed: %w", err)
	}

	hello := &ClientHello{
		Version:  constants.ProtocolVersion,
		From:     h.identity.PeerID(),
		Nonce:    h.nonce,
		NoiseKey: h.identity.KeyAgreementPublicKey[:],
		NoiseMsg: msg,
	}
	if err := hello.Sign(h.identity.SigningPrivateKey); err != nil {
		return nil, err
	}
	return hello, nil
}

// ProcessClientHello validates the initiator's first message and produces
// the responder's reply.
func (h *Handshake) ProcessClientHello(hello *ClientHello) (*ServerHello, error) {
	if hello.Version != constants.ProtocolVersion {
		return nil, fmt.Errorf("unsupported protocol version: %d", hello.Version)
	}
	if err := hello.Verify(); err != nil {
		return nil, err
	}

	if _, _, _, err := h.noiseState.ReadMessage(nil, hello.NoiseMsg); err != nil {
		return nil, fmt.Errorf("failed to read handshake message: %w", err)
	}
	h.remotePeer = hello.From

	msg, _, _, err := h.noiseState.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("handshake step failed: %w", err)
	}

	reply := &ServerHello{
		Version:  constants.ProtocolVersion,
		From:     h.identity.PeerID(),
		Nonce:    h.nonce,
		NoiseKey: h.identity.KeyAgreementPublicKey[:],
		NoiseMsg: msg,
	}
	if err := reply.Sign(h.identity.SigningPrivateKey); err != nil {
		return nil, err
	}
	return reply, nil
}

// ProcessServerHello validates the responder's reply and produces the
// initiator's final message.
func (h *Handshake) ProcessServerHello(hello *ServerHello) (*ClientFinish, error) {
	if hello.Version != constants.ProtocolVersion {
		return nil, fmt.Errorf("unsupported protocol version: %d", hello.Version)
	}
	if err := hello.Verify(); err != nil {
		return nil, err
	}
	if h.expectedPeer != "" && hello.From != h.expectedPeer {
		return nil, fmt.Errorf("responder identity mismatch: expected %s, got %s", h.expectedPeer, hello.From)
	}

	if _, _, _, err := h.noiseState.ReadMessage(nil, hello.NoiseMsg); err != nil {
		return nil, fmt.Errorf("failed to read handshake message: %w", err)
	}

	// The Noise static key revealed inside message 2 must be the key the
	// responder signed over, otherwise the channel is not bound to the
	// claimed identity.
	if !bytesEqual(h.noiseState.PeerStatic(), hello.NoiseKey) {
		return nil, fmt.Errorf("responder noise key does not match signed hello")
	}
	h.remotePeer = hello.From

	msg, cs1, cs2, err := h.noiseState.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("handshake step failed: %w", err)
	}
	if cs1 == nil || cs2 == nil {
		return nil, fmt.Errorf("handshake did not complete after final message")
	}
	h.complete = true

	finish := &ClientFinish{
		From:     h.identity.PeerID(),
		NoiseMsg: msg,
	}
	if err := finish.Sign(h.identity.SigningPrivateKey); err != nil {
		return nil, err
	}
	return finish, nil
}

// ProcessClientFinish validates the initiator's final message and completes
// the responder side.
func (h *Handshake) ProcessClientFinish(finish *ClientFinish, hello *ClientHello) error {
	if err := finish.Verify(); err != nil {
		return err
	}
	if finish.From != hello.From {
		return fmt.Errorf("initiator identity changed mid-handshake: %s then %s", hello.From, finish.From)
	}

	_, cs1, cs2, err := h.noiseState.ReadMessage(nil, finish.NoiseMsg)
	if err != nil {
		return fmt.Errorf("failed to read handshake message: %w", err)
	}
	if cs1 == nil || cs2 == nil {
		return fmt.Errorf("handshake did not complete after final message")
	}

	if !bytesEqual(h.noiseState.PeerStatic(), hello.NoiseKey) {
		return fmt.Errorf("initiator noise key does not match signed hello")
	}
	h.complete = true
	return nil
}

// Result returns the verified remote identity. It fails before completion.
func (h *Handshake) Result() (*Result, error) {
	if !h.complete {
		return nil, fmt.Errorf("handshake not complete")
	}
	return &Result{
		PeerID:       h.remotePeer,
		RemoteStatic: h.noiseState.PeerStatic(),
	}, nil
}

// IsComplete reports whether the handshake has finished.
func (h *Handshake) IsComplete() bool {
	return h.complete
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
