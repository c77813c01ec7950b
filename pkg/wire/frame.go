// Package wire implements the weavenet framing protocol. Every message is a
// canonical-CBOR envelope signed with the sender's Ed25519 key and carried
// on the stream behind a uvarint length prefix.
package wire

import (
	"bufio"
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/weavemesh/weavenet/pkg/codec/cborcanon"
	"github.com/weavemesh/weavenet/pkg/constants"
	"github.com/weavemesh/weavenet/pkg/identity"
)

// MaxFrameSize bounds a single frame on the wire. Blocks larger than this
// cannot be exchanged.
const MaxFrameSize = 4 << 20 // 4 MiB

// Frame is the common envelope for all protocol messages.
type Frame struct {
	V    uint16          `cbor:"v"`    // Protocol version
	Kind uint16          `cbor:"kind"` // Message kind
	From string          `cbor:"from"` // Sender peer id
	Seq  uint64          `cbor:"seq"`  // Sender-local sequence number
	TS   uint64          `cbor:"ts"`   // Timestamp (ms since Unix epoch)
	Body cbor.RawMessage `cbor:"body"` // Kind-specific payload
	Sig  []byte          `cbor:"sig"`  // Ed25519 signature over the canonical envelope
}

// NewFrame builds an unsigned frame around the given body.
func NewFrame(kind uint16, from string, seq uint64, body interface{}) (*Frame, error) {
	raw, err := cborcanon.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame body: %w", err)
	}
	return &Frame{
		V:    constants.ProtocolVersion,
		Kind: kind,
		From: from,
		Seq:  seq,
		TS:   uint64(time.Now().UnixMilli()),
		Body: raw,
	}, nil
}

// Sign signs the frame with the sender's Ed25519 private key.
func (f *Frame) Sign(privateKey ed25519.PrivateKey) error {
	sigData, err := cborcanon.EncodeForSigning(f, "sig")
	if err != nil {
		return fmt.Errorf("failed to encode frame for signing: %w", err)
	}
	f.Sig = ed25519.Sign(privateKey, sigData)
	return nil
}

// Verify checks the frame signature against the public key embedded in the
// sender's peer id.
func (f *Frame) Verify() error {
	if len(f.Sig) == 0 {
		return fmt.Errorf("frame has no signature")
	}

	publicKey, err := identity.DecodePeerID(f.From)
	if err != nil {
		return fmt.Errorf("cannot resolve sender key: %w", err)
	}

	sigData, err := cborcanon.EncodeForSigning(f, "sig")
	if err != nil {
		return fmt.Errorf("failed to encode frame for verification: %w", err)
	}

	if !ed25519.Verify(publicKey, sigData, f.Sig) {
		return fmt.Errorf("frame signature verification failed")
	}

	return nil
}

// Validate performs structural checks before the frame is dispatched.
func (f *Frame) Validate() error {
	if f.V != constants.ProtocolVersion {
		return NewError(constants.ErrorVersionMismatch,
			fmt.Sprintf("unsupported protocol version: %d", f.V))
	}
	if f.From == "" {
		return NewError(constants.ErrorMalformed, "missing sender peer id")
	}
	if len(f.Sig) == 0 {
		return NewError(constants.ErrorInvalidSig, "missing signature")
	}

	now := uint64(time.Now().UnixMilli())
	maxSkew := uint64(constants.MaxClockSkew.Milliseconds())
	if f.TS > now+maxSkew {
		return NewError(constants.ErrorMalformed, "timestamp too far in future")
	}
	if now > f.TS+maxSkew {
		return NewError(constants.ErrorMalformed, "timestamp too far in past")
	}

	return nil
}

// DecodeBody decodes the kind-specific payload into v.
func (f *Frame) DecodeBody(v interface{}) error {
	if err := cborcanon.Unmarshal(f.Body, v); err != nil {
		return NewError(constants.ErrorMalformed, fmt.Sprintf("undecodable body for kind %d: %v", f.Kind, err))
	}
	return nil
}

// Marshal encodes the frame to canonical CBOR.
func (f *Frame) Marshal() ([]byte, error) {
	return cborcanon.Marshal(f)
}

// Unmarshal decodes CBOR data into the frame.
func (f *Frame) Unmarshal(data []byte) error {
	return cborcanon.Unmarshal(data, f)
}

// WriteFrame writes one length-prefixed frame to w.
func WriteFrame(w io.Writer, f *Frame) error {
	data, err := f.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	if len(data) > MaxFrameSize {
		return fmt.Errorf("frame exceeds maximum size: %d bytes", len(data))
	}

	lenBuf := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(lenBuf, uint64(len(data)))
	if _, err := w.Write(lenBuf[:n]); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r.
func ReadFrame(r *bufio.Reader) (*Frame, error) {
	size, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if size > MaxFrameSize {
		return nil, NewError(constants.ErrorMalformed,
			fmt.Sprintf("frame length %d exceeds maximum", size))
	}

	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	var f Frame
	if err := f.Unmarshal(buf); err != nil {
		return nil, NewError(constants.ErrorMalformed, fmt.Sprintf("undecodable frame: %v", err))
	}
	return &f, nil
}
