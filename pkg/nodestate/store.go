package nodestate

import (
	"encoding/json"
	"fmt"
	"sync"

	dbm "github.com/cometbft/cometbft-db"

	"github.com/soulprint-network/validator/pkg/attestation"
	"github.com/soulprint-network/validator/pkg/consensus"
	"github.com/soulprint-network/validator/pkg/kvdb"
	"github.com/soulprint-network/validator/pkg/ledgeranchor"
)

// KV key layout, one flat namespace per concern, mirroring pkg/ledger's
// prefix-key convention.
var (
	keyCommittedNullifiers = []byte("nodestate:consensus:committed")
	keyAttestationHistory  = []byte("nodestate:attestation:history")
	keyReputation          = []byte("nodestate:attestation:reputation")
	keyAnchorQueue         = []byte("nodestate:ledgeranchor:queue")
)

// Store is the node's single on-disk state home: a goleveldb-backed KV
// store (via pkg/kvdb's cometbft-db adapter) holding the consensus
// committed-nullifier set, attestation history, reputation snapshots, and
// the ledger-anchor durable queue.
//
// CONCURRENCY: per pkg/ledger's single-writer convention, Store serializes
// every Save* call behind one mutex; callers may call it from multiple
// goroutines freely.
type Store struct {
	mu  sync.Mutex
	kv  *kvdb.KVAdapter
	db  dbm.DB
}

// Open opens (creating if absent) a goleveldb database at dir/name.
func Open(dir, name string) (*Store, error) {
	db, err := dbm.NewGoLevelDB(name, dir)
	if err != nil {
		return nil, fmt.Errorf("open nodestate db at %s/%s: %w", dir, name, err)
	}
	return &Store{kv: kvdb.NewKVAdapter(db), db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) getJSON(key []byte, out any) (bool, error) {
	raw, err := s.kv.Get(key)
	if err != nil {
		return false, err
	}
	if raw == nil {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return true, nil
}

func (s *Store) setJSON(key []byte, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kv.Set(key, raw)
}

// SaveCommitted implements consensus.Store.
func (s *Store) SaveCommitted(entries map[string]*consensus.CommitEntry) error {
	return s.setJSON(keyCommittedNullifiers, entries)
}

// LoadCommitted implements consensus.Store.
func (s *Store) LoadCommitted() (map[string]*consensus.CommitEntry, error) {
	out := make(map[string]*consensus.CommitEntry)
	found, err := s.getJSON(keyCommittedNullifiers, &out)
	if err != nil {
		return nil, err
	}
	if !found {
		return make(map[string]*consensus.CommitEntry), nil
	}
	return out, nil
}

// SaveAttestationState persists the full attestation engine snapshot.
func (s *Store) SaveAttestationState(eng *attestation.Engine) error {
	attestations, reputation, err := eng.MarshalState()
	if err != nil {
		return fmt.Errorf("marshal attestation state: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.kv.Set(keyAttestationHistory, attestations); err != nil {
		return err
	}
	return s.kv.Set(keyReputation, reputation)
}

// LoadAttestationState restores a previously-persisted attestation engine
// snapshot into eng.
func (s *Store) LoadAttestationState(eng *attestation.Engine) error {
	attestations, err := s.kv.Get(keyAttestationHistory)
	if err != nil {
		return err
	}
	reputation, err := s.kv.Get(keyReputation)
	if err != nil {
		return err
	}
	return eng.LoadState(attestations, reputation)
}

// AnchorQueueEntry is one durable ledger-anchor work item awaiting
// confirmation, persisted across restarts. It is ledgeranchor's own
// QueueEntry, so Store satisfies ledgeranchor.QueueStore.
type AnchorQueueEntry = ledgeranchor.QueueEntry

// SaveAnchorQueue persists the full pending ledger-anchor queue.
func (s *Store) SaveAnchorQueue(entries []AnchorQueueEntry) error {
	return s.setJSON(keyAnchorQueue, entries)
}

// LoadAnchorQueue restores the pending ledger-anchor queue, returning an
// empty slice if none was persisted.
func (s *Store) LoadAnchorQueue() ([]AnchorQueueEntry, error) {
	var out []AnchorQueueEntry
	found, err := s.getJSON(keyAnchorQueue, &out)
	if err != nil {
		return nil, err
	}
	if !found {
		return []AnchorQueueEntry{}, nil
	}
	return out, nil
}
