package mirror

import (
	"context"
	"testing"

	"github.com/soulprint-network/validator/pkg/consensus"
)

func TestNewDisabledIsNoOp(t *testing.T) {
	m, err := New(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if m.IsEnabled() {
		t.Fatal("expected disabled mirror")
	}
	// Must not panic even though no Firestore client was ever dialed.
	m.MirrorCommit(&consensus.CommitEntry{Nullifier: "0xaa"})
	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestNewEnabledRequiresProjectID(t *testing.T) {
	_, err := New(context.Background(), Config{Enabled: true})
	if err == nil {
		t.Fatal("expected an error when enabled without a project id")
	}
}
