package ledgeranchor

import (
	"context"
	"errors"
	"testing"
)

var errAlways = errors.New("ledger unavailable")

type fakeLedger struct {
	registerResults []string
	registerErrs    []error
	registerCalls   int
	attestResult    string
	attestErr       error
}

func (f *fakeLedger) RegisterIdentity(ctx context.Context, nullifier [32]byte, did string, documentVerified, faceVerified bool, zkProof []byte) (string, error) {
	idx := f.registerCalls
	f.registerCalls++
	if idx < len(f.registerErrs) && f.registerErrs[idx] != nil {
		return "", f.registerErrs[idx]
	}
	if idx < len(f.registerResults) {
		return f.registerResults[idx], nil
	}
	return "ok", nil
}

func (f *fakeLedger) Attest(ctx context.Context, issuer, target string, value int8, context_ string, signature []byte) (string, error) {
	return f.attestResult, f.attestErr
}

type fakeQueueStore struct {
	saved []QueueEntry
}

func (f *fakeQueueStore) LoadAnchorQueue() ([]QueueEntry, error) { return nil, nil }
func (f *fakeQueueStore) SaveAnchorQueue(entries []QueueEntry) error {
	f.saved = append([]QueueEntry(nil), entries...)
	return nil
}

func TestAnchorNullifierSyncSucceeds(t *testing.T) {
	ledger := &fakeLedger{registerResults: []string{"ok"}}
	a, err := New(ledger, nil, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	result := a.AnchorNullifierSync(context.Background(), NullifierAnchorRequest{Nullifier: "0xaa"})
	if result != "ok" {
		t.Fatalf("got %q want ok", result)
	}
	if a.QueueDepth() != 0 {
		t.Fatalf("expected empty queue, got depth %d", a.QueueDepth())
	}
}

func TestAnchorNullifierTreatsAlreadyUsedAsSuccess(t *testing.T) {
	ledger := &fakeLedger{registerResults: []string{"NullifierAlreadyUsed"}}
	a, err := New(ledger, nil, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	result := a.AnchorNullifierSync(context.Background(), NullifierAnchorRequest{Nullifier: "0xaa"})
	if result != "NullifierAlreadyUsed" {
		t.Fatalf("got %q want NullifierAlreadyUsed", result)
	}
	if a.QueueDepth() != 0 {
		t.Fatal("expected idempotent result to not be queued")
	}
}

func TestAnchorNullifierQueuesOnNoLedger(t *testing.T) {
	store := &fakeQueueStore{}
	a, err := New(nil, store, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	result := a.AnchorNullifierSync(context.Background(), NullifierAnchorRequest{Nullifier: "0xaa"})
	if result != "" {
		t.Fatalf("expected no-backup mode to return empty result, got %q", result)
	}
	if a.QueueDepth() != 1 {
		t.Fatalf("expected one queued entry, got %d", a.QueueDepth())
	}
	if len(store.saved) != 1 {
		t.Fatalf("expected queue to be persisted, got %d entries", len(store.saved))
	}
}

func TestFlushDrainsQueueOnceLedgerSucceeds(t *testing.T) {
	store := &fakeQueueStore{}
	a, err := New(nil, store, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	a.AnchorNullifierSync(context.Background(), NullifierAnchorRequest{Nullifier: "0xaa"})
	if a.QueueDepth() != 1 {
		t.Fatalf("expected one queued entry, got %d", a.QueueDepth())
	}

	a.ledger = &fakeLedger{registerResults: []string{"ok"}}
	a.Flush(context.Background())
	if a.QueueDepth() != 0 {
		t.Fatalf("expected flush to drain the queue, got depth %d", a.QueueDepth())
	}
}

func TestFlushSetsLastFlushRootOnSuccess(t *testing.T) {
	store := &fakeQueueStore{}
	a, err := New(nil, store, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	a.AnchorNullifierSync(context.Background(), NullifierAnchorRequest{Nullifier: "0xaa"})
	a.AnchorNullifierSync(context.Background(), NullifierAnchorRequest{Nullifier: "0xbb"})

	if a.LastFlushRoot() != "" {
		t.Fatal("expected no flush root before any flush has run")
	}

	a.ledger = &fakeLedger{registerResults: []string{"ok", "ok"}}
	a.Flush(context.Background())

	if a.QueueDepth() != 0 {
		t.Fatalf("expected flush to drain the queue, got depth %d", a.QueueDepth())
	}
	if a.LastFlushRoot() == "" {
		t.Fatal("expected a non-empty batch root after a successful flush")
	}
}

func TestFlushLeavesLastFlushRootUnchangedWhenNothingDrains(t *testing.T) {
	store := &fakeQueueStore{}
	a, err := New(&fakeLedger{registerErrs: []error{errAlways, errAlways, errAlways, errAlways, errAlways, errAlways}}, store, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	a.AnchorNullifierSync(context.Background(), NullifierAnchorRequest{Nullifier: "0xaa"})
	a.Flush(context.Background())
	if a.LastFlushRoot() != "" {
		t.Fatal("expected no batch root when every queued item fails to flush")
	}
}

func TestIsSuccessRecognizesIdempotentReasons(t *testing.T) {
	cases := map[string]bool{
		"ok":                   true,
		"NullifierAlreadyUsed": true,
		"CooldownActive":       true,
		"some other error":     false,
	}
	for result, want := range cases {
		if got := isSuccess(result); got != want {
			t.Errorf("isSuccess(%q) = %v, want %v", result, got, want)
		}
	}
}
