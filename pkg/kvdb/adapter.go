// Copyright 2025 Certen Protocol
//
// Package kvdb adapts a cometbft-db dbm.DB to pkg/ledger's KV interface,
// so the ledger's entry_hash -> entry_id lookup index can be backed by
// goleveldb instead of scanning ledger.ndjson on every query. The index
// is a rebuildable cache, never the source of truth for the chain.

package kvdb

import (
	dbm "github.com/cometbft/cometbft-db"
)

// KVAdapter wraps a cometbft-db dbm.DB and exposes the ledger.KV interface
// autocapturectl opens at cfg.IndexDBDir() and passes to ledger.Open.
type KVAdapter struct {
	db dbm.DB
}

// NewKVAdapter creates a new KVAdapter for the given underlying DB.
func NewKVAdapter(db dbm.DB) *KVAdapter {
	return &KVAdapter{db: db}
}

// Get implements ledger.KV.Get
func (a *KVAdapter) Get(key []byte) ([]byte, error) {
	if a.db == nil {
		return nil, nil
	}

	// CometBFT DB returns (val, error)
	if v, err := a.db.Get(key); err != nil {
		return nil, err
	} else {
		// v may be nil if key not found – that's fine, ledger treats nil as "not present".
		return v, nil
	}
}

// Set implements ledger.KV.Set
func (a *KVAdapter) Set(key, value []byte) error {
	if a.db == nil {
		return nil
	}

	// Use SetSync for durable writes at commit time
	if err := a.db.SetSync(key, value); err != nil {
		return err
	}
	return nil
}