package antientropy

import (
	"context"
	"errors"
	"testing"

	"github.com/soulprint-network/validator/pkg/attestation"
	"github.com/soulprint-network/validator/pkg/consensus"
)

type fakeConsensus struct {
	keys     []string
	imported []*consensus.CommitEntry
}

func (f *fakeConsensus) CommittedKeys() []string { return f.keys }
func (f *fakeConsensus) ImportState(entries []*consensus.CommitEntry) int {
	f.imported = append(f.imported, entries...)
	return len(entries)
}

type fakeAttestations struct {
	imported []attestation.Entry
}

func (f *fakeAttestations) ImportState(entries []attestation.Entry) int {
	f.imported = append(f.imported, entries...)
	return len(entries)
}

type fakePeer struct {
	hash         string
	info         StateInfo
	pages        []*StatePage
	hashErr      error
	callsToHash  int
}

func (p *fakePeer) FetchStateHash(ctx context.Context) (*StateHash, error) {
	p.callsToHash++
	if p.hashErr != nil {
		return nil, p.hashErr
	}
	return &StateHash{Hash: p.hash}, nil
}

func (p *fakePeer) FetchStateInfo(ctx context.Context) (*StateInfo, error) {
	info := p.info
	return &info, nil
}

func (p *fakePeer) FetchStatePage(ctx context.Context, page, limit int, since int64) (*StatePage, error) {
	if page-1 >= len(p.pages) {
		return nil, errors.New("no such page")
	}
	return p.pages[page-1], nil
}

func TestTickSkipsWhenHashesMatch(t *testing.T) {
	cons := &fakeConsensus{keys: []string{"0xaa"}}
	s := New(Config{
		ProtocolHash: "ph",
		Peers: map[string]Peer{
			"did:key:zPeer": &fakePeer{hash: s_localHash(cons)},
		},
		Consensus:    cons,
		Attestations: &fakeAttestations{},
	})
	n, a := s.Tick(context.Background())
	if n != 0 || a != 0 {
		t.Fatalf("expected no imports when hashes match, got n=%d a=%d", n, a)
	}
}

func s_localHash(c Consensus) string {
	s := &Syncer{consensus: c}
	return s.localHash()
}

func TestTickImportsOnMismatch(t *testing.T) {
	cons := &fakeConsensus{keys: []string{"0xaa"}}
	atts := &fakeAttestations{}
	peer := &fakePeer{
		hash: "different-hash",
		info: StateInfo{ProtocolHash: "ph"},
		pages: []*StatePage{
			{
				Nullifiers:   []*consensus.CommitEntry{{Nullifier: "0xbb", DID: "did:key:zB"}},
				Attestations: map[string][]attestation.Entry{"did:key:zB": {{IssuerDID: "did:key:zI", TargetDID: "did:key:zB", Value: 1, TS: 1}}},
				Page:         1,
				TotalPages:   1,
				ProtocolHash: "ph",
			},
		},
	}
	s := New(Config{
		ProtocolHash: "ph",
		Peers:        map[string]Peer{"did:key:zPeer": peer},
		Consensus:    cons,
		Attestations: atts,
	})
	n, a := s.Tick(context.Background())
	if n != 1 {
		t.Fatalf("expected 1 imported nullifier, got %d", n)
	}
	if a != 1 {
		t.Fatalf("expected 1 imported attestation, got %d", a)
	}
}

func TestTickRejectsMismatchedProtocolHash(t *testing.T) {
	cons := &fakeConsensus{keys: []string{"0xaa"}}
	peer := &fakePeer{hash: "different-hash", info: StateInfo{ProtocolHash: "other"}}
	s := New(Config{
		ProtocolHash: "ph",
		Peers:        map[string]Peer{"did:key:zPeer": peer},
		Consensus:    cons,
		Attestations: &fakeAttestations{},
	})
	n, a := s.Tick(context.Background())
	if n != 0 || a != 0 {
		t.Fatalf("expected no imports on protocol hash mismatch, got n=%d a=%d", n, a)
	}
}

func TestTickSingleFlight(t *testing.T) {
	cons := &fakeConsensus{keys: []string{"0xaa"}}
	s := New(Config{
		ProtocolHash: "ph",
		Peers:        map[string]Peer{},
		Consensus:    cons,
		Attestations: &fakeAttestations{},
	})
	s.inFlight = 1 // simulate a tick already running
	n, a := s.Tick(context.Background())
	if n != 0 || a != 0 {
		t.Fatalf("expected single-flight short-circuit to return (0,0), got n=%d a=%d", n, a)
	}
}
