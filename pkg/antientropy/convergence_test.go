package antientropy

import (
	"context"
	"crypto/ed25519"
	"log"
	"testing"
	"time"

	"github.com/soulprint-network/validator/pkg/attestation"
	"github.com/soulprint-network/validator/pkg/consensus"
	"github.com/soulprint-network/validator/pkg/zkverify"
)

// inProcessPeer satisfies Peer by reading a node's engines directly,
// skipping HTTP — it stands in for HTTPPeer in a test exercising the
// convergence behavior the pull loop exists for, not the transport.
type inProcessPeer struct {
	consensus    *consensus.Engine
	attestations *attestation.Engine
	protocolHash string
}

func (p *inProcessPeer) FetchStateHash(ctx context.Context) (*StateHash, error) {
	return &StateHash{Hash: ComputeStateHash(p.consensus.CommittedKeys())}, nil
}

func (p *inProcessPeer) FetchStateInfo(ctx context.Context) (*StateInfo, error) {
	return &StateInfo{
		NullifierCount: len(p.consensus.CommittedKeys()),
		ProtocolHash:   p.protocolHash,
	}, nil
}

func (p *inProcessPeer) FetchStatePage(ctx context.Context, page, limit int, since int64) (*StatePage, error) {
	entries := p.consensus.Snapshot()
	attestationsByTarget := make(map[string][]attestation.Entry)
	for _, entry := range p.attestations.AllEntries() {
		attestationsByTarget[entry.TargetDID] = append(attestationsByTarget[entry.TargetDID], entry)
	}
	return &StatePage{
		Nullifiers:   entries,
		Attestations: attestationsByTarget,
		Page:         1,
		TotalPages:   1,
		ProtocolHash: p.protocolHash,
	}, nil
}

func newConvergenceEngine(t *testing.T, did string) *consensus.Engine {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	e, err := consensus.New(consensus.Config{SelfDID: did, SelfPriv: priv, MinPeers: 0})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return e
}

// TestSyncerConvergesNullifierFromPeer commits a nullifier on node A (which
// never talks to node B directly) and verifies a single Syncer.Tick against
// A pulls node B up to the same committed state.
func TestSyncerConvergesNullifierFromPeer(t *testing.T) {
	nodeA := newConvergenceEngine(t, "did:key:zNodeA")
	if _, err := nodeA.Propose(context.Background(), "0xaa", "did:key:zHolder", nil, zkverify.PublicSignals{}); err != nil {
		t.Fatalf("propose on node A: %v", err)
	}
	if _, err := nodeA.Propose(context.Background(), "0xbb", "did:key:zIssuer", nil, zkverify.PublicSignals{}); err != nil {
		t.Fatalf("propose issuer identity on node A: %v", err)
	}

	attestA := attestation.NewEngine(nodeA)
	_, privIssuer, _ := ed25519.GenerateKey(nil)
	if _, err := attestA.Attest(privIssuer, "did:key:zIssuer", "did:key:zHolder", 1, "kyc", time.Now()); err != nil {
		t.Fatalf("attest on node A: %v", err)
	}

	nodeB := newConvergenceEngine(t, "did:key:zNodeB")
	attestB := attestation.NewEngine(nodeB)

	peer := &inProcessPeer{consensus: nodeA, attestations: attestA, protocolHash: "shared-hash"}
	syncer := New(Config{
		ProtocolHash: "shared-hash",
		Peers:        map[string]Peer{"did:key:zNodeA": peer},
		Consensus:    nodeB,
		Attestations: attestB,
		Logger:       log.Default(),
	})

	importedN, importedA := syncer.Tick(context.Background())
	if importedN != 2 {
		t.Fatalf("imported nullifiers: got %d want 2", importedN)
	}
	if importedA != 1 {
		t.Fatalf("imported attestations: got %d want 1", importedA)
	}

	got, ok := nodeB.Get("0xaa")
	if !ok {
		t.Fatal("expected node B to have converged the nullifier committed on node A")
	}
	if got.DID != "did:key:zHolder" {
		t.Fatalf("converged entry DID: got %s want did:key:zHolder", got.DID)
	}

	rep := attestB.GetReputation("did:key:zHolder")
	if rep.PositiveCount == 0 {
		t.Fatalf("expected node B's reputation to reflect the converged attestation, got %+v", rep)
	}

	// A second tick against an unchanged peer should be a no-op: the state
	// hashes now match, so syncWithPeer never reaches the page fetch.
	importedN2, importedA2 := syncer.Tick(context.Background())
	if importedN2 != 0 || importedA2 != 0 {
		t.Fatalf("expected second tick to import nothing once converged, got n=%d a=%d", importedN2, importedA2)
	}
}
