package nodestate

import (
	"testing"

	"github.com/soulprint-network/validator/pkg/attestation"
	"github.com/soulprint-network/validator/pkg/consensus"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), "nodestate_test")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSaveLoadCommittedRoundTrip(t *testing.T) {
	s := newTestStore(t)
	entries := map[string]*consensus.CommitEntry{
		"0xaa": {Nullifier: "0xaa", DID: "did:key:zA", CommittedMs: 100, CommitDID: "did:key:zA"},
	}
	if err := s.SaveCommitted(entries); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.LoadCommitted()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 1 || got["0xaa"].DID != "did:key:zA" {
		t.Fatalf("unexpected round trip result: %+v", got)
	}
}

func TestLoadCommittedEmptyByDefault(t *testing.T) {
	s := newTestStore(t)
	got, err := s.LoadCommitted()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty map, got %v", got)
	}
}

func TestAttestationStateRoundTrip(t *testing.T) {
	s := newTestStore(t)
	eng := attestation.NewEngine(nil)
	if err := s.SaveAttestationState(eng); err != nil {
		t.Fatalf("save: %v", err)
	}

	restored := attestation.NewEngine(nil)
	if err := s.LoadAttestationState(restored); err != nil {
		t.Fatalf("load: %v", err)
	}
}

func TestAnchorQueueRoundTrip(t *testing.T) {
	s := newTestStore(t)
	entries := []AnchorQueueEntry{
		{ID: "1", Op: "anchor_nullifier", Attempts: 0, EnqueuedAt: 1000},
	}
	if err := s.SaveAnchorQueue(entries); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.LoadAnchorQueue()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 1 || got[0].ID != "1" {
		t.Fatalf("unexpected round trip result: %+v", got)
	}
}
