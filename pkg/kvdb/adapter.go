// Copyright 2025 Certen Protocol
//
// KV Adapter for CometBFT Database Integration
// Wraps CometBFT's dbm.DB interface for pkg/nodestate's persisted
// consensus/attestation state (nullifier registry, reputation ledger).

package kvdb

import (
	dbm "github.com/cometbft/cometbft-db"
)

// KVAdapter wraps a CometBFT dbm.DB with the narrow get/set surface
// pkg/nodestate.Store needs to persist its snapshot across restarts. A nil
// db makes every call a no-op, so a node can run purely in-memory by simply
// not opening a backing dbm.DB.
type KVAdapter struct {
	db dbm.DB
}

// NewKVAdapter wraps db. Passing a nil db yields an adapter that silently
// discards writes and returns no results. pkg/nodestate.Open always passes
// an opened database.
func NewKVAdapter(db dbm.DB) *KVAdapter {
	return &KVAdapter{db: db}
}

// Get returns the stored value for key, or (nil, nil) if absent or if the
// adapter has no backing db.
func (a *KVAdapter) Get(key []byte) ([]byte, error) {
	if a.db == nil {
		return nil, nil
	}

	if v, err := a.db.Get(key); err != nil {
		return nil, err
	} else {
		// v may be nil if key not found – nodestate treats nil as "not present".
		return v, nil
	}
}

// Set durably writes key/value, using SetSync so a commit is on disk before
// Set returns — nodestate relies on this to survive a crash right after a
// consensus round commits.
func (a *KVAdapter) Set(key, value []byte) error {
	if a.db == nil {
		return nil
	}

	if err := a.db.SetSync(key, value); err != nil {
		return err
	}
	return nil
}