// Package ledgeranchor implements Soulprint's LedgerAnchor component:
// fire-and-forget, retry-backed backup of committed nullifiers and
// attestations to an external ledger, with a durable on-disk queue for
// items that exhaust their retries. The retry/backoff and queue-drain shape
// follows pkg/anchor/scheduler.go's AnchorSchedulerService.
package ledgeranchor

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/soulprint-network/validator/pkg/merkle"
)

// RetryBackoff is §4.8's fixed retry schedule: up to 3 attempts at
// [0s, 2s, 8s].
var RetryBackoff = []time.Duration{0, 2 * time.Second, 8 * time.Second}

const FlushInterval = 60 * time.Second

// idempotentResults are ledger result strings treated as success because
// the ledger already reflects the fact.
var idempotentResults = map[string]bool{
	"NullifierAlreadyUsed": true,
	"CooldownActive":       true,
}

// NullifierAnchorRequest is the anchor_nullifier operation's payload.
type NullifierAnchorRequest struct {
	Nullifier        string `json:"nullifier"`
	DID              string `json:"did"`
	DocumentVerified bool   `json:"document_verified"`
	FaceVerified     bool   `json:"face_verified"`
	ZKProof          string `json:"zk_proof"`
}

// AttestationAnchorRequest is the anchor_attestation operation's payload.
type AttestationAnchorRequest struct {
	Issuer    string `json:"issuer"`
	Target    string `json:"target"`
	Value     int    `json:"value"`
	Context   string `json:"context"`
	Signature string `json:"signature"`
}

// Ledger is the RPC surface LedgerAnchor drives. Implemented by
// evmledger.Client in production; tests supply a fake.
type Ledger interface {
	RegisterIdentity(ctx context.Context, nullifier [32]byte, did string, documentVerified, faceVerified bool, zkProof []byte) (string, error)
	Attest(ctx context.Context, issuer, target string, value int8, context_ string, signature []byte) (string, error)
}

// QueueEntry is one durable, retryable anchor work item.
type QueueEntry struct {
	ID         string          `json:"id"`
	Op         string          `json:"op"` // "anchor_nullifier" | "anchor_attestation"
	Payload    json.RawMessage `json:"payload"`
	Attempts   int             `json:"attempts"`
	EnqueuedAt int64           `json:"enqueued_at"`
}

// QueueStore persists the pending queue across restarts.
type QueueStore interface {
	LoadAnchorQueue() ([]QueueEntry, error)
	SaveAnchorQueue([]QueueEntry) error
}

// Anchor is one node's LedgerAnchor instance. If ledger is nil, the anchor
// runs in "no-backup mode": every call is journaled straight to the queue
// and only drained once a ledger is later configured.
type Anchor struct {
	mu            sync.Mutex
	ledger        Ledger
	store         QueueStore
	queue         []QueueEntry
	lastFlushRoot string
	logger        *log.Logger
}

// New constructs an Anchor, restoring any previously-persisted queue from
// store.
func New(ledger Ledger, store QueueStore, logger *log.Logger) (*Anchor, error) {
	if logger == nil {
		logger = log.Default()
	}
	a := &Anchor{ledger: ledger, store: store, logger: logger}
	if store != nil {
		queue, err := store.LoadAnchorQueue()
		if err != nil {
			return nil, fmt.Errorf("load anchor queue: %w", err)
		}
		a.queue = queue
	}
	return a, nil
}

// AnchorNullifier enqueues and attempts req, fire-and-forget: it never
// blocks the caller's commit path. Use AnchorNullifierSync in tests that
// need to observe the outcome directly.
func (a *Anchor) AnchorNullifier(req NullifierAnchorRequest) {
	go a.AnchorNullifierSync(context.Background(), req)
}

// AnchorNullifierSync runs the attempt loop for req synchronously,
// returning the final ledger result string (or "" if queued for later).
func (a *Anchor) AnchorNullifierSync(ctx context.Context, req NullifierAnchorRequest) string {
	payload, _ := json.Marshal(req)
	do := func(c context.Context) (string, error) {
		if a.ledger == nil {
			return "", fmt.Errorf("no ledger configured")
		}
		var nullifier [32]byte
		copy(nullifier[:], []byte(req.Nullifier))
		return a.ledger.RegisterIdentity(c, nullifier, req.DID, req.DocumentVerified, req.FaceVerified, []byte(req.ZKProof))
	}
	return a.attempt(ctx, "anchor_nullifier", payload, do)
}

// AnchorAttestation enqueues and attempts req, fire-and-forget.
func (a *Anchor) AnchorAttestation(req AttestationAnchorRequest) {
	go a.AnchorAttestationSync(context.Background(), req)
}

// AnchorAttestationSync runs the attempt loop for req synchronously.
func (a *Anchor) AnchorAttestationSync(ctx context.Context, req AttestationAnchorRequest) string {
	payload, _ := json.Marshal(req)
	do := func(c context.Context) (string, error) {
		if a.ledger == nil {
			return "", fmt.Errorf("no ledger configured")
		}
		return a.ledger.Attest(c, req.Issuer, req.Target, int8(req.Value), req.Context, []byte(req.Signature))
	}
	return a.attempt(ctx, "anchor_attestation", payload, do)
}

// attempt runs do up to len(RetryBackoff) times with the fixed backoff
// schedule, enqueueing the item on exhaustion. With no ledger configured it
// enqueues the item at once.
func (a *Anchor) attempt(ctx context.Context, op string, payload json.RawMessage, do func(context.Context) (string, error)) string {
	if a.ledger == nil {
		a.enqueue(op, payload, 0)
		return ""
	}
	var lastErr error
	for attempt, delay := range RetryBackoff {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				a.enqueue(op, payload, attempt)
				return ""
			}
		}
		result, err := do(ctx)
		if err == nil {
			if isSuccess(result) {
				return result
			}
			lastErr = fmt.Errorf("ledger rejected %s: %s", op, result)
			continue
		}
		lastErr = err
	}
	a.logger.Printf("ledgeranchor: %s exhausted retries, queuing: %v", op, lastErr)
	a.enqueue(op, payload, len(RetryBackoff))
	return ""
}

// isSuccess treats ledger results that indicate the fact is already
// reflected on-chain as success, per §4.8.
func isSuccess(result string) bool {
	for reason := range idempotentResults {
		if strings.Contains(result, reason) {
			return true
		}
	}
	return result == "ok"
}

func (a *Anchor) enqueue(op string, payload json.RawMessage, attempts int) {
	entry := QueueEntry{
		ID:         uuid.NewString(),
		Op:         op,
		Payload:    payload,
		Attempts:   attempts,
		EnqueuedAt: time.Now().Unix(),
	}
	a.mu.Lock()
	a.queue = append(a.queue, entry)
	queueCopy := append([]QueueEntry(nil), a.queue...)
	a.mu.Unlock()
	if a.store != nil {
		if err := a.store.SaveAnchorQueue(queueCopy); err != nil {
			a.logger.Printf("ledgeranchor: persist queue: %v", err)
		}
	}
}

// QueueDepth returns the number of items awaiting drain.
func (a *Anchor) QueueDepth() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queue)
}

// Flush runs every queued item through the attempt loop again (up to
// len(RetryBackoff) attempts each), removing any that succeed. Intended to
// be called on a FlushInterval ticker.
func (a *Anchor) Flush(ctx context.Context) {
	if a.ledger == nil {
		return
	}
	a.mu.Lock()
	pending := append([]QueueEntry(nil), a.queue...)
	a.mu.Unlock()

	remaining := make([]QueueEntry, 0, len(pending))
	flushed := make([]QueueEntry, 0, len(pending))
	for _, entry := range pending {
		if a.flushOne(ctx, entry) {
			flushed = append(flushed, entry)
			continue
		}
		remaining = append(remaining, entry)
	}

	a.mu.Lock()
	a.queue = remaining
	if root, err := batchRoot(flushed); err == nil {
		a.lastFlushRoot = root
	} else if len(flushed) > 0 {
		a.logger.Printf("ledgeranchor: batch root for flushed entries: %v", err)
	}
	queueCopy := append([]QueueEntry(nil), a.queue...)
	a.mu.Unlock()
	if a.store != nil {
		if err := a.store.SaveAnchorQueue(queueCopy); err != nil {
			a.logger.Printf("ledgeranchor: persist queue after flush: %v", err)
		}
	}
}

// batchRoot hashes each flushed entry's ID+payload into a merkle leaf and
// returns the tree's root, giving an operator a single hex value to audit
// "this flush batch anchored exactly these items" against, without
// replaying every individual ledger transaction.
func batchRoot(flushed []QueueEntry) (string, error) {
	if len(flushed) == 0 {
		return "", nil
	}
	leaves := make([][]byte, len(flushed))
	for i, entry := range flushed {
		leaves[i] = merkle.HashData(append([]byte(entry.ID), entry.Payload...))
	}
	tree, err := merkle.BuildTree(leaves)
	if err != nil {
		return "", fmt.Errorf("build flush batch tree: %w", err)
	}
	return tree.RootHex(), nil
}

// LastFlushRoot returns the merkle root of the most recent flush's
// successfully-anchored entries, or "" if nothing has flushed yet.
func (a *Anchor) LastFlushRoot() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastFlushRoot
}

func (a *Anchor) flushOne(ctx context.Context, entry QueueEntry) bool {
	switch entry.Op {
	case "anchor_nullifier":
		var req NullifierAnchorRequest
		if err := json.Unmarshal(entry.Payload, &req); err != nil {
			return true // corrupt entry, drop it
		}
		result := a.AnchorNullifierSync(ctx, req)
		return result != ""
	case "anchor_attestation":
		var req AttestationAnchorRequest
		if err := json.Unmarshal(entry.Payload, &req); err != nil {
			return true
		}
		result := a.AnchorAttestationSync(ctx, req)
		return result != ""
	default:
		return true
	}
}

// Run starts the periodic flusher, blocking until ctx is cancelled.
func (a *Anchor) Run(ctx context.Context) {
	ticker := time.NewTicker(FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Flush(ctx)
		}
	}
}
