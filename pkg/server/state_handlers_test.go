package server

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/soulprint-network/validator/pkg/antientropy"
	"github.com/soulprint-network/validator/pkg/consensus"
)

func TestHandleStateHashEmptyState(t *testing.T) {
	h, _ := newTestHandlers(t)
	req := httptest.NewRequest(http.MethodGet, "/state/hash", nil)
	rr := httptest.NewRecorder()
	h.HandleStateHash(rr, req)

	var resp antientropy.StateHash
	json.NewDecoder(rr.Body).Decode(&resp)
	if resp.Hash != antientropy.ComputeStateHash(nil) {
		t.Fatalf("got hash %q, want the empty-set hash", resp.Hash)
	}
}

func TestHandleStateInfoReportsProtocolHash(t *testing.T) {
	h, _ := newTestHandlers(t)
	h.ProtocolHash = [32]byte{0xde, 0xad}
	req := httptest.NewRequest(http.MethodGet, "/state/info", nil)
	rr := httptest.NewRecorder()
	h.HandleStateInfo(rr, req)

	var resp antientropy.StateInfo
	json.NewDecoder(rr.Body).Decode(&resp)
	if resp.ProtocolHash != hex.EncodeToString(h.ProtocolHash[:]) {
		t.Fatalf("got protocol hash %q", resp.ProtocolHash)
	}
}

func TestHandleStateMergeRejectsProtocolMismatch(t *testing.T) {
	h, _ := newTestHandlers(t)
	h.ProtocolHash = [32]byte{0x01}

	body, _ := json.Marshal(stateMergeRequest{ProtocolHash: "wrong"})
	req := httptest.NewRequest(http.MethodPost, "/state/merge", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	h.HandleStateMerge(rr, req)

	if rr.Code == http.StatusOK {
		t.Fatal("expected protocol hash mismatch to be rejected")
	}
}

func TestHandleStateMergeImportsNullifiers(t *testing.T) {
	h, _ := newTestHandlers(t)
	h.ProtocolHash = [32]byte{0x01}

	entry := &consensus.CommitEntry{
		Nullifier:   "0xaa",
		DID:         "did:key:zSomePeer",
		CommittedMs: 1000,
		CommitDID:   "did:key:zSomePeer",
		VoteCount:   1,
	}
	req := httptest.NewRequest(http.MethodPost, "/state/merge", bytes.NewReader(mustJSON(t, stateMergeRequest{
		Nullifiers:   []*consensus.CommitEntry{entry},
		ProtocolHash: hex.EncodeToString(h.ProtocolHash[:]),
	})))
	rr := httptest.NewRecorder()
	h.HandleStateMerge(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("got status %d body=%s", rr.Code, rr.Body.String())
	}
	var resp stateMergeResponse
	json.NewDecoder(rr.Body).Decode(&resp)
	if resp.ImportedNullifiers != 1 {
		t.Fatalf("got imported nullifiers %d want 1", resp.ImportedNullifiers)
	}

	got, ok := h.Consensus.Get("0xaa")
	if !ok || got.DID != "did:key:zSomePeer" {
		t.Fatalf("expected nullifier imported into consensus, got %+v ok=%v", got, ok)
	}
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}
