// Package content defines content identifiers and blocks. A CID is the
// BLAKE3-256 digest of a block's bytes in a self-describing textual form;
// the equality CID(block.Data) == block.CID is the store's core integrity
// guarantee and is checked on every write and every inbound block.
package content

import (
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"lukechampine.com/blake3"
)

const (
	// CIDPrefix is the prefix for weavenet content identifiers.
	CIDPrefix = "wv"

	// HashSize is the size of a BLAKE3-256 hash in bytes.
	HashSize = 32
)

var cidEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// CID is a content identifier: the BLAKE3-256 hash of a block's bytes.
type CID struct {
	Hash   []byte `cbor:"hash"`
	String string `cbor:"string"`
}

// NewCID computes the CID of data.
func NewCID(data []byte) CID {
	hash := blake3.Sum256(data)
	return CID{
		Hash:   hash[:],
		String: encodeCIDString(hash[:]),
	}
}

// NewCIDFromHash builds a CID from an existing BLAKE3-256 digest.
func NewCIDFromHash(hash []byte) (CID, error) {
	if len(hash) != HashSize {
		return CID{}, fmt.Errorf("invalid hash size: got %d, want %d", len(hash), HashSize)
	}

	hashCopy := make([]byte, HashSize)
	copy(hashCopy, hash)

	return CID{
		Hash:   hashCopy,
		String: encodeCIDString(hashCopy),
	}, nil
}

// ParseCID parses the textual form of a CID.
func ParseCID(s string) (CID, error) {
	if s == "" {
		return CID{}, fmt.Errorf("empty CID string")
	}

	if !strings.HasPrefix(s, CIDPrefix+":") {
		return CID{}, fmt.Errorf("invalid CID prefix: expected %s:", CIDPrefix)
	}

	hash, err := cidEncoding.DecodeString(strings.ToUpper(strings.TrimPrefix(s, CIDPrefix+":")))
	if err != nil {
		return CID{}, fmt.Errorf("failed to decode CID hash: %w", err)
	}

	if len(hash) != HashSize {
		return CID{}, fmt.Errorf("invalid hash size in CID: got %d, want %d", len(hash), HashSize)
	}

	return CID{Hash: hash, String: s}, nil
}

// UnmarshalCBOR decodes a CID, validating the hash and recomputing the
// textual form from it. The encoded string field is ignored, so a sender
// cannot ship a hash paired with someone else's textual form.
func (c *CID) UnmarshalCBOR(data []byte) error {
	var raw struct {
		Hash []byte `cbor:"hash"`
	}
	if err := cbor.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to decode CID: %w", err)
	}
	id, err := NewCIDFromHash(raw.Hash)
	if err != nil {
		return fmt.Errorf("failed to decode CID: %w", err)
	}
	*c = id
	return nil
}

// IsValid reports whether the CID is structurally sound and its string form
// matches its hash.
func (c CID) IsValid() bool {
	if len(c.Hash) != HashSize || c.String == "" {
		return false
	}
	return c.String == encodeCIDString(c.Hash)
}

// Equals reports whether two CIDs identify the same content.
func (c CID) Equals(other CID) bool {
	if len(c.Hash) != len(other.Hash) {
		return false
	}
	for i, b := range c.Hash {
		if other.Hash[i] != b {
			return false
		}
	}
	return true
}

// Bytes returns a copy of the raw hash.
func (c CID) Bytes() []byte {
	out := make([]byte, len(c.Hash))
	copy(out, c.Hash)
	return out
}

// HexString returns the hash as hex, for diagnostics.
func (c CID) HexString() string {
	return hex.EncodeToString(c.Hash)
}

func encodeCIDString(hash []byte) string {
	return fmt.Sprintf("%s:%s", CIDPrefix, strings.ToLower(cidEncoding.EncodeToString(hash)))
}
