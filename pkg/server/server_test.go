package server

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/soulprint-network/validator/pkg/attestation"
	"github.com/soulprint-network/validator/pkg/consensus"
	"github.com/soulprint-network/validator/pkg/dpop"
	"github.com/soulprint-network/validator/pkg/soulcrypto"
	"github.com/soulprint-network/validator/pkg/token"
)

func newTestHandlers(t *testing.T) (*Handlers, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	did, err := soulcrypto.DIDFromPubkey(pub)
	if err != nil {
		t.Fatalf("did from pubkey: %v", err)
	}
	engine, err := consensus.New(consensus.Config{SelfDID: did, SelfPriv: priv})
	if err != nil {
		t.Fatalf("new consensus engine: %v", err)
	}
	h := New(Handlers{
		SelfDID:  did,
		SelfPriv: priv,
		Protocol: "soulprint-v1",

		Consensus:   engine,
		Attestation: attestation.NewEngine(nil),
	}, nil)
	return h, priv
}

func issueTestSPT(t *testing.T, priv ed25519.PrivateKey, did, nullifier string) string {
	t.Helper()
	spt, err := token.Issue(priv, did, nullifier, nil, token.Reputation{Score: attestation.DefaultReputation}, token.IssueOptions{})
	if err != nil {
		t.Fatalf("issue spt: %v", err)
	}
	return spt
}

func dpopHeader(t *testing.T, priv ed25519.PrivateKey, did, method, url, spt string) string {
	t.Helper()
	sptHash := soulcrypto.SHA256([]byte(spt))
	nonce, err := soulcrypto.RandomBytes(16)
	if err != nil {
		t.Fatalf("random nonce: %v", err)
	}
	payload := dpop.Payload{
		Typ:     "soulprint-dpop",
		Method:  method,
		URL:     url,
		Nonce:   hex.EncodeToString(nonce),
		IAT:     time.Now().Unix(),
		SPTHash: hex.EncodeToString(sptHash[:]),
	}
	sig, err := dpop.Sign(priv, payload)
	if err != nil {
		t.Fatalf("sign dpop: %v", err)
	}
	proof := dpop.Proof{Payload: payload, Signature: sig, DID: did}
	raw, err := json.Marshal(proof)
	if err != nil {
		t.Fatalf("marshal proof: %v", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw)
}

func TestHandleInfo(t *testing.T) {
	h, _ := newTestHandlers(t)
	req := httptest.NewRequest(http.MethodGet, "/info", nil)
	rr := httptest.NewRecorder()
	h.HandleInfo(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("got status %d", rr.Code)
	}
	var resp infoResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.NodeDID != h.SelfDID {
		t.Fatalf("got node_did %q want %q", resp.NodeDID, h.SelfDID)
	}
	if resp.Protocol != "soulprint-v1" {
		t.Fatalf("got protocol %q", resp.Protocol)
	}
}

func TestHandleVerifyRequiresDPoP(t *testing.T) {
	h, _ := newTestHandlers(t)
	pub, priv, _ := ed25519.GenerateKey(nil)
	did, _ := soulcrypto.DIDFromPubkey(pub)
	spt := issueTestSPT(t, priv, did, hex.EncodeToString(soulcrypto.SHA256([]byte("nullifier-a"))[:]))

	body, _ := json.Marshal(verifyRequest{SPT: spt, ZKP: "00"})
	req := httptest.NewRequest(http.MethodPost, "/verify", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	h.HandleVerify(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("got status %d want 401", rr.Code)
	}
	var resp map[string]string
	json.NewDecoder(rr.Body).Decode(&resp)
	if resp["error"] != "dpop_required" {
		t.Fatalf("got error %q want dpop_required", resp["error"])
	}
}

func TestHandleVerifyAcceptsWithoutZKPool(t *testing.T) {
	h, _ := newTestHandlers(t)
	pub, priv, _ := ed25519.GenerateKey(nil)
	did, _ := soulcrypto.DIDFromPubkey(pub)
	nullifierBytes := soulcrypto.SHA256([]byte("nullifier-b"))
	nullifier := hex.EncodeToString(nullifierBytes[:])
	spt := issueTestSPT(t, priv, did, nullifier)

	url := "/verify"
	proof := dpopHeader(t, priv, did, http.MethodPost, url, spt)

	body, _ := json.Marshal(verifyRequest{SPT: spt, ZKP: "00"})
	req := httptest.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	req.Header.Set("X-Soulprint-Proof", proof)
	rr := httptest.NewRecorder()
	h.HandleVerify(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("got status %d body=%s", rr.Code, rr.Body.String())
	}
	var resp verifyResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Valid || resp.AntiSybil != "new" {
		t.Fatalf("got resp %+v", resp)
	}
}

func TestHandleNullifierUnregistered(t *testing.T) {
	h, _ := newTestHandlers(t)
	req := httptest.NewRequest(http.MethodGet, "/nullifier/deadbeef", nil)
	req.SetPathValue("n", "deadbeef")
	rr := httptest.NewRecorder()
	h.HandleNullifier(rr, req)

	var resp nullifierResponse
	json.NewDecoder(rr.Body).Decode(&resp)
	if resp.Registered {
		t.Fatal("expected unregistered")
	}
}

func TestHandleTokenRenewOutsideWindowFails(t *testing.T) {
	h, priv := newTestHandlers(t)
	pub := priv.Public().(ed25519.PublicKey)
	did, _ := soulcrypto.DIDFromPubkey(pub)
	spt, err := token.Issue(priv, did, "dead", nil, token.Reputation{Score: 10}, token.IssueOptions{
		LifetimeSeconds: 10,
		Now:             time.Now().Add(-10 * 24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	proof := dpopHeader(t, priv, did, http.MethodPost, "/token/renew", spt)
	body, _ := json.Marshal(tokenRenewRequest{SPT: spt})
	req := httptest.NewRequest(http.MethodPost, "/token/renew", bytes.NewReader(body))
	req.Header.Set("X-Soulprint-Proof", proof)
	rr := httptest.NewRecorder()
	h.HandleTokenRenew(rr, req)

	if rr.Code == http.StatusOK {
		t.Fatal("expected renewal to fail outside preemptive/grace windows")
	}
}
