// Package cborcanon provides canonical CBOR encoding for the weavenet wire
// protocol: deterministic key order, no floating types, integer timestamps.
// Every signed structure is encoded through this package so that signatures
// verify across implementations.
package cborcanon

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/fxamacker/cbor/v2"
)

// CanonicalMode is the shared encoder with canonical settings.
var CanonicalMode cbor.EncMode

func init() {
	var err error
	CanonicalMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create canonical CBOR mode: %v", err))
	}
}

// Marshal encodes v into canonical CBOR.
func Marshal(v interface{}) ([]byte, error) {
	return CanonicalMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v interface{}) error {
	return cbor.Unmarshal(data, v)
}

// IsCanonical reports whether data round-trips unchanged through the
// canonical encoder.
func IsCanonical(data []byte) bool {
	var v interface{}
	if err := Unmarshal(data, &v); err != nil {
		return false
	}
	canonical, err := Marshal(v)
	if err != nil {
		return false
	}
	return bytes.Equal(data, canonical)
}

// sortedMap encodes a map with deterministic key order.
type sortedMap struct {
	keys   []string
	values map[string]interface{}
}

// MarshalCBOR implements deterministic map encoding.
func (sm *sortedMap) MarshalCBOR() ([]byte, error) {
	ordered := make(map[string]interface{}, len(sm.keys))
	for _, key := range sm.keys {
		ordered[key] = sm.values[key]
	}
	return CanonicalMode.Marshal(ordered)
}

// EncodeForSigning encodes v canonically with the named fields removed.
// Used to produce the byte string a signature covers (the signature field
// itself must be excluded).
func EncodeForSigning(v interface{}, excludeFields ...string) ([]byte, error) {
	data, err := Marshal(v)
	if err != nil {
		return nil, err
	}

	var m map[string]interface{}
	if err := Unmarshal(data, &m); err != nil {
		return nil, err
	}

	for _, field := range excludeFields {
		delete(m, field)
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	return Marshal(&sortedMap{keys: keys, values: m})
}
