// Package identity implements weavenet node identity: Ed25519 signing and
// X25519 key-agreement key pairs, the stable peer id derived from the signing
// key, and on-disk persistence.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base32"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/text/unicode/norm"
	"lukechampine.com/blake3"
)

// PeerIDPrefix prefixes the textual form of every peer id.
const PeerIDPrefix = "wv:key:"

var peerIDEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Identity holds a node's long-lived key material. The peer id is derived
// from the Ed25519 public key and is immutable for the process lifetime.
type Identity struct {
	SigningPublicKey  ed25519.PublicKey  `json:"signing_public_key"`
	SigningPrivateKey ed25519.PrivateKey `json:"signing_private_key"`

	// X25519 key pair used as the Noise static key in session handshakes.
	KeyAgreementPublicKey  [32]byte `json:"key_agreement_public_key"`
	KeyAgreementPrivateKey [32]byte `json:"key_agreement_private_key"`

	peerID string
}

// Generate creates a new identity with fresh key pairs. It fails only on
// RNG error, which is fatal at startup.
func Generate() (*Identity, error) {
	sigPub, sigPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate Ed25519 key pair: %w", err)
	}

	var kaPriv, kaPub [32]byte
	if _, err := rand.Read(kaPriv[:]); err != nil {
		return nil, fmt.Errorf("failed to generate X25519 private key: %w", err)
	}
	curve25519.ScalarBaseMult(&kaPub, &kaPriv)

	id := &Identity{
		SigningPublicKey:       sigPub,
		SigningPrivateKey:      sigPriv,
		KeyAgreementPublicKey:  kaPub,
		KeyAgreementPrivateKey: kaPriv,
	}
	id.peerID = EncodePeerID(sigPub)

	return id, nil
}

// PeerID returns the canonical textual peer id.
func (id *Identity) PeerID() string {
	if id.peerID == "" {
		id.peerID = EncodePeerID(id.SigningPublicKey)
	}
	return id.peerID
}

// Fingerprint returns the 256-bit BLAKE3 digest of the signing public key,
// used as the node's DHT keyspace position.
func (id *Identity) Fingerprint() [32]byte {
	return blake3.Sum256(id.SigningPublicKey)
}

// EncodePeerID derives the textual peer id from an Ed25519 public key.
func EncodePeerID(pub ed25519.PublicKey) string {
	return PeerIDPrefix + strings.ToLower(peerIDEncoding.EncodeToString(pub))
}

// DecodePeerID recovers the Ed25519 public key embedded in a peer id, so
// signatures can be verified against the claimed sender.
func DecodePeerID(peerID string) (ed25519.PublicKey, error) {
	if !strings.HasPrefix(peerID, PeerIDPrefix) {
		return nil, fmt.Errorf("invalid peer id prefix: %q", peerID)
	}
	raw, err := peerIDEncoding.DecodeString(strings.ToUpper(strings.TrimPrefix(peerID, PeerIDPrefix)))
	if err != nil {
		return nil, fmt.Errorf("failed to decode peer id: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid peer id key size: got %d, want %d", len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// NormalizeName normalizes an optional human-readable node name to NFKC and
// rejects empty or oversized names.
func NormalizeName(name string) (string, error) {
	normalized := norm.NFKC.String(strings.TrimSpace(name))
	if normalized == "" {
		return "", fmt.Errorf("node name is empty")
	}
	if len(normalized) > 64 {
		return "", fmt.Errorf("node name too long: %d bytes", len(normalized))
	}
	return normalized, nil
}

// SaveToFile persists the identity as JSON with restricted permissions.
func (id *Identity) SaveToFile(filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0700); err != nil {
		return fmt.Errorf("failed to create identity directory: %w", err)
	}

	data, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal identity: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write identity file: %w", err)
	}

	return nil
}

// LoadFromFile loads a previously saved identity.
func LoadFromFile(filename string) (*Identity, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read identity file: %w", err)
	}

	var id Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, fmt.Errorf("failed to unmarshal identity: %w", err)
	}
	if len(id.SigningPublicKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("identity file holds invalid signing key")
	}
	id.peerID = EncodePeerID(id.SigningPublicKey)

	return &id, nil
}
