package cborcanon

import (
	"bytes"
	"testing"
)

type sample struct {
	Name  string `cbor:"name"`
	Count int    `cbor:"count"`
	Sig   []byte `cbor:"sig,omitempty"`
}

func TestMarshalDeterministic(t *testing.T) {
	v := sample{Name: "alpha", Count: 7}

	first, err := Marshal(v)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	second, err := Marshal(v)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Error("two encodings of the same value differ")
	}
}

func TestRoundTrip(t *testing.T) {
	in := sample{Name: "beta", Count: -3, Sig: []byte{1, 2, 3}}

	data, err := Marshal(in)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var out sample
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if out.Name != in.Name || out.Count != in.Count || !bytes.Equal(out.Sig, in.Sig) {
		t.Errorf("round trip mismatch: got %+v, want %+v", out, in)
	}
}

func TestIsCanonical(t *testing.T) {
	data, err := Marshal(sample{Name: "gamma", Count: 1})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if !IsCanonical(data) {
		t.Error("canonical encoding not recognized as canonical")
	}
}

func TestEncodeForSigningExcludesFields(t *testing.T) {
	signed := sample{Name: "delta", Count: 42, Sig: []byte("signature bytes")}
	unsigned := sample{Name: "delta", Count: 42}

	withSig, err := EncodeForSigning(signed, "sig")
	if err != nil {
		t.Fatalf("EncodeForSigning failed: %v", err)
	}
	withoutSig, err := EncodeForSigning(unsigned, "sig")
	if err != nil {
		t.Fatalf("EncodeForSigning failed: %v", err)
	}

	// The signature bytes must not influence the signing input, otherwise
	// sign-then-verify can never agree.
	if !bytes.Equal(withSig, withoutSig) {
		t.Error("signing input depends on the excluded signature field")
	}
}

func TestEncodeForSigningSensitiveToContent(t *testing.T) {
	a, err := EncodeForSigning(sample{Name: "x", Count: 1}, "sig")
	if err != nil {
		t.Fatalf("EncodeForSigning failed: %v", err)
	}
	b, err := EncodeForSigning(sample{Name: "x", Count: 2}, "sig")
	if err != nil {
		t.Fatalf("EncodeForSigning failed: %v", err)
	}
	if bytes.Equal(a, b) {
		t.Error("different payloads produced identical signing input")
	}
}
