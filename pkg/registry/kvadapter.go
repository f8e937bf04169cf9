// Copyright 2025 Certen Protocol
//
// KVAdapter wraps a CometBFT dbm.DB so Registry can run against a real
// on-disk store (goleveldb, badgerdb, ...). Lifted directly from the
// validator's pkg/kvdb.KVAdapter — same Get/SetSync shape — re-targeted
// at registry.KV instead of ledger.KV.

package registry

import (
	dbm "github.com/cometbft/cometbft-db"
)

// KVAdapter adapts a dbm.DB to the registry.KV interface.
type KVAdapter struct {
	db dbm.DB
}

// NewKVAdapter wraps db for use as a Registry's backing store.
func NewKVAdapter(db dbm.DB) *KVAdapter {
	return &KVAdapter{db: db}
}

// Get implements KV.Get; a missing key returns (nil, nil).
func (a *KVAdapter) Get(key []byte) ([]byte, error) {
	if a.db == nil {
		return nil, nil
	}
	return a.db.Get(key)
}

// Set implements KV.Set via SetSync, so a write is durable before the
// call returns — the registry has the same single-writer, commit-before-
// acknowledge requirement as the checkpoint counter store.
func (a *KVAdapter) Set(key, value []byte) error {
	if a.db == nil {
		return nil
	}
	return a.db.SetSync(key, value)
}
