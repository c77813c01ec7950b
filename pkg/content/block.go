package content

import "fmt"

// Block is an immutable (CID, bytes) pair. Blocks are created on Put or on
// verified receipt from a peer and are never mutated.
type Block struct {
	CID  CID    `cbor:"cid"`
	Data []byte `cbor:"data"`
}

// NewBlock computes the CID for data and wraps both in a Block. The data
// slice is copied so later caller mutation cannot break the identity
// invariant.
func NewBlock(data []byte) *Block {
	buf := make([]byte, len(data))
	copy(buf, data)
	return &Block{
		CID:  NewCID(buf),
		Data: buf,
	}
}

// NewBlockWithCID wraps data under a claimed CID, verifying the identity
// invariant first. Used for inbound blocks where the id was requested.
func NewBlockWithCID(id CID, data []byte) (*Block, error) {
	if err := Verify(id, data); err != nil {
		return nil, err
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	return &Block{CID: id, Data: buf}, nil
}

// Verify checks data against a claimed CID.
func Verify(id CID, data []byte) error {
	computed := NewCID(data)
	if !computed.Equals(id) {
		return fmt.Errorf("content hash mismatch: claimed %s, computed %s", id.String, computed.String)
	}
	return nil
}

// Size returns the payload length in bytes.
func (b *Block) Size() uint64 {
	return uint64(len(b.Data))
}
