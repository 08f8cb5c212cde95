package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/soulprint-network/validator/pkg/consensus"
	"github.com/soulprint-network/validator/pkg/gossip"
)

func TestHandleGossipNoCipherConfiguredIsNoOp(t *testing.T) {
	h, _ := newTestHandlers(t)
	req := httptest.NewRequest(http.MethodPost, "/internal/gossip", bytes.NewReader([]byte(`{}`)))
	rr := httptest.NewRecorder()
	h.HandleGossip(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("got status %d want 202", rr.Code)
	}
}

func TestHandleGossipImportsNullifierEntry(t *testing.T) {
	h, _ := newTestHandlers(t)
	protocolHash := [32]byte{9}
	h.Gossip = gossip.New(protocolHash)

	entry := consensus.CommitEntry{Nullifier: "0xbb", DID: "did:key:zPeer", CommittedMs: 1000, CommitDID: "did:key:zPeer", VoteCount: 1}
	raw, _ := json.Marshal(entry)
	env, err := h.Gossip.Encrypt(gossip.CommitGossip{Kind: "nullifier", Entry: raw}, time.Now().UnixMilli())
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	body, _ := json.Marshal(env)

	req := httptest.NewRequest(http.MethodPost, "/internal/gossip", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	h.HandleGossip(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("got status %d body=%s", rr.Code, rr.Body.String())
	}
	got, ok := h.Consensus.Get("0xbb")
	if !ok || got.DID != "did:key:zPeer" {
		t.Fatalf("expected nullifier imported, got %+v ok=%v", got, ok)
	}
}

func TestHandleGossipRejectsWrongProtocolHash(t *testing.T) {
	h, _ := newTestHandlers(t)
	h.Gossip = gossip.New([32]byte{9})
	other := gossip.New([32]byte{8})

	raw, _ := json.Marshal(consensus.CommitEntry{Nullifier: "0xcc", DID: "did:key:zPeer"})
	env, err := other.Encrypt(gossip.CommitGossip{Kind: "nullifier", Entry: raw}, time.Now().UnixMilli())
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	body, _ := json.Marshal(env)

	req := httptest.NewRequest(http.MethodPost, "/internal/gossip", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	h.HandleGossip(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("got status %d want 202 (rejected envelope)", rr.Code)
	}
	if _, ok := h.Consensus.Get("0xcc"); ok {
		t.Fatal("expected nullifier NOT to be imported under a mismatched protocol hash")
	}
}
