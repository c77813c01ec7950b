package dht

import (
	"crypto/ed25519"
	"fmt"
	"sync"
	"time"

	"github.com/weavemesh/weavenet/pkg/codec/cborcanon"
	"github.com/weavemesh/weavenet/pkg/identity"
	"github.com/weavemesh/weavenet/pkg/wire"
)

// SignProviderRecord signs a provider record with the provider's Ed25519
// private key.
func SignProviderRecord(rec *wire.ProviderRecord, privateKey ed25519.PrivateKey) error {
	sigData, err := cborcanon.EncodeForSigning(rec, "signature")
	if err != nil {
		return fmt.Errorf("failed to encode provider record for signing: %w", err)
	}
	rec.Signature = ed25519.Sign(privateKey, sigData)
	return nil
}

// VerifyProviderRecord checks a record's signature against the key embedded
// in its provider peer id and rejects expired records.
func VerifyProviderRecord(rec *wire.ProviderRecord) error {
	if len(rec.Signature) == 0 {
		return fmt.Errorf("provider record has no signature")
	}

	publicKey, err := identity.DecodePeerID(rec.Provider)
	if err != nil {
		return fmt.Errorf("cannot resolve provider key: %w", err)
	}

	sigData, err := cborcanon.EncodeForSigning(rec, "signature")
	if err != nil {
		return fmt.Errorf("failed to encode provider record for verification: %w", err)
	}
	if !ed25519.Verify(publicKey, sigData, rec.Signature) {
		return fmt.Errorf("provider record signature verification failed")
	}

	if recordExpired(rec, time.Now()) {
		return fmt.Errorf("provider record expired")
	}
	return nil
}

func recordExpired(rec *wire.ProviderRecord, now time.Time) bool {
	expiry := time.UnixMilli(int64(rec.Timestamp)).Add(time.Duration(rec.TTL) * time.Second)
	return now.After(expiry)
}

// recordStore holds provider records this node is responsible for, keyed by
// content key then provider. Expired records are dropped lazily on read and
// by the sweep the republisher drives.
type recordStore struct {
	mu      sync.RWMutex
	records map[NodeID]map[string]wire.ProviderRecord
}

func newRecordStore() *recordStore {
	return &recordStore{records: make(map[NodeID]map[string]wire.ProviderRecord)}
}

// put stores a verified record, replacing any older record from the same
// provider. Records never go backward in time.
func (rs *recordStore) put(key NodeID, rec wire.ProviderRecord) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	byProvider := rs.records[key]
	if byProvider == nil {
		byProvider = make(map[string]wire.ProviderRecord)
		rs.records[key] = byProvider
	}
	if existing, ok := byProvider[rec.Provider]; ok && existing.Timestamp >= rec.Timestamp {
		return
	}
	byProvider[rec.Provider] = rec
}

// get returns the live records for a key.
func (rs *recordStore) get(key NodeID) []wire.ProviderRecord {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	now := time.Now()
	var out []wire.ProviderRecord
	for _, rec := range rs.records[key] {
		if recordExpired(&rec, now) {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// sweep removes expired records and empty keys.
func (rs *recordStore) sweep() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	now := time.Now()
	removed := 0
	for key, byProvider := range rs.records {
		for provider, rec := range byProvider {
			if recordExpired(&rec, now) {
				delete(byProvider, provider)
				removed++
			}
		}
		if len(byProvider) == 0 {
			delete(rs.records, key)
		}
	}
	return removed
}

// size returns the number of live records.
func (rs *recordStore) size() int {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	total := 0
	for _, byProvider := range rs.records {
		total += len(byProvider)
	}
	return total
}
