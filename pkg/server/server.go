// Package server exposes a Soulprint validator node's HTTP boundary:
// /info, /verify, /nullifier/{n}, /token/renew, /challenge, and the
// AntiEntropySync surface (/state/hash, /state/info, /state, /state/merge).
// Handlers follows the reference node's *Handlers-suffixed-struct shape: a
// struct wrapping the engines it fronts, typed request/response structs,
// and writeJSONError for failures.
package server

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/soulprint-network/validator/pkg/attestation"
	"github.com/soulprint-network/validator/pkg/consensus"
	"github.com/soulprint-network/validator/pkg/dpop"
	"github.com/soulprint-network/validator/pkg/gossip"
	"github.com/soulprint-network/validator/pkg/mirror"
	"github.com/soulprint-network/validator/pkg/soulcrypto"
	"github.com/soulprint-network/validator/pkg/soulerr"
	"github.com/soulprint-network/validator/pkg/telemetry"
	"github.com/soulprint-network/validator/pkg/token"
	"github.com/soulprint-network/validator/pkg/zkverify"

	"github.com/consensys/gnark/backend/groth16"
)

const version = "1.0.0"

// Handlers wires every engine a request can touch into one HTTP boundary.
type Handlers struct {
	SelfDID      string
	SelfPriv     ed25519.PrivateKey
	Protocol     string
	ProtocolHash [32]byte
	Capabilities []string

	Consensus    *consensus.Engine
	Attestation  *attestation.Engine
	ZKPool       *zkverify.Pool
	VK           groth16.VerifyingKey
	Nonces       *dpop.NonceStore
	Metrics      *telemetry.Metrics

	Gossip      *gossip.Cipher
	Broadcaster *gossip.Broadcaster
	Mirror      *mirror.Mirror

	logger *log.Logger
}

// New builds a Handlers. logger defaults to stdout if nil.
func New(h Handlers, logger *log.Logger) *Handlers {
	if logger == nil {
		logger = log.New(os.Stdout, "[server] ", log.LstdFlags)
	}
	h.logger = logger
	if h.Nonces == nil {
		h.Nonces = dpop.NewNonceStore()
	}
	return &h
}

// Mux builds the routed http.ServeMux for this node, using Go 1.22's
// method+path patterns exactly as the reference node's main.go wires
// pkg/server's handlers onto a plain http.ServeMux.
func (h *Handlers) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /info", h.HandleInfo)
	mux.HandleFunc("POST /verify", h.HandleVerify)
	mux.HandleFunc("GET /nullifier/{n}", h.HandleNullifier)
	mux.HandleFunc("POST /token/renew", h.HandleTokenRenew)
	mux.HandleFunc("POST /challenge", h.HandleChallenge)
	mux.HandleFunc("GET /state/hash", h.HandleStateHash)
	mux.HandleFunc("GET /state/info", h.HandleStateInfo)
	mux.HandleFunc("GET /state", h.HandleState)
	mux.HandleFunc("POST /state/merge", h.HandleStateMerge)
	mux.HandleFunc("POST /internal/gossip", h.HandleGossip)
	return mux
}

// infoResponse is GET /info's body.
type infoResponse struct {
	NodeDID       string   `json:"node_did"`
	Version       string   `json:"version"`
	Protocol      string   `json:"protocol"`
	TotalVerified int      `json:"total_verified"`
	Capabilities  []string `json:"capabilities"`
}

// HandleInfo serves GET /info.
func (h *Handlers) HandleInfo(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	total := 0
	if h.Consensus != nil {
		total = len(h.Consensus.CommittedKeys())
	}
	json.NewEncoder(w).Encode(infoResponse{
		NodeDID:       h.SelfDID,
		Version:       version,
		Protocol:      h.Protocol,
		TotalVerified: total,
		Capabilities:  h.Capabilities,
	})
}

// verifyRequest is POST /verify's body.
type verifyRequest struct {
	SPT string `json:"spt"`
	ZKP string `json:"zkp"`
}

// verifyResponse is POST /verify's body on success.
type verifyResponse struct {
	Valid        bool   `json:"valid"`
	AntiSybil    string `json:"anti_sybil"`
	Nullifier    string `json:"nullifier"`
	NodeDID      string `json:"node_did"`
	CoSignature  string `json:"co_signature"`
	VerifiedAt   int64  `json:"verified_at"`
}

// HandleVerify serves POST /verify: decodes the presented SPT, verifies the
// accompanying zk proof, and runs it through NullifierConsensus.propose.
func (h *Handlers) HandleVerify(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var req verifyRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.SPT == "" {
		req.SPT = extractSPT(r)
	}

	tok := token.Decode(req.SPT)
	if tok == nil {
		writeSoulErr(w, soulerr.MalformedToken("spt decode/verify failed"))
		return
	}

	if !h.checkDPoP(w, r, req.SPT, tok.Payload.DID) {
		return
	}

	zkProof, err := hex.DecodeString(req.ZKP)
	if err != nil {
		writeSoulErr(w, soulerr.InvalidValue("zkp must be hex-encoded"))
		return
	}

	nullifierBytes, err := hex.DecodeString(tok.Payload.Nullifier)
	if err != nil || len(nullifierBytes) != 32 {
		writeSoulErr(w, soulerr.InvalidValue("nullifier must be 32 bytes hex"))
		return
	}
	didCommitment := soulcrypto.SHA256([]byte(tok.Payload.DID))
	var signals zkverify.PublicSignals
	copy(signals.Nullifier[:], nullifierBytes)
	signals.DIDCommitment = didCommitment

	existing, alreadyRegistered := h.Consensus.Get(tok.Payload.Nullifier)

	if h.Metrics != nil {
		h.Metrics.ConsensusRoundsStarted.Inc()
	}
	entry, err := h.Consensus.Propose(r.Context(), tok.Payload.Nullifier, tok.Payload.DID, zkProof, signals)
	if err != nil {
		if h.Metrics != nil {
			if se, ok := err.(*soulerr.Error); ok && se.Reason == "Timeout" {
				h.Metrics.ConsensusRoundsTimedOut.Inc()
			}
		}
		writeSoulErr(w, err)
		return
	}
	if entry.DID != tok.Payload.DID {
		writeSoulErr(w, soulerr.NullifierAlreadyUsed("nullifier bound to a different did"))
		return
	}
	if h.Metrics != nil {
		h.Metrics.ConsensusRoundsCommitted.Inc()
	}
	if h.Broadcaster != nil && !alreadyRegistered {
		raw, _ := json.Marshal(entry)
		h.Broadcaster.Broadcast(r.Context(), gossip.CommitGossip{Kind: "nullifier", Entry: raw})
	}
	if h.Mirror != nil {
		h.Mirror.MirrorCommit(entry)
	}

	antiSybil := "new"
	if alreadyRegistered && existing.DID == tok.Payload.DID {
		antiSybil = "existing"
	}

	now := time.Now()
	cosig := h.sign(tok.Payload.Nullifier, tok.Payload.DID, antiSybil, fmt.Sprint(now.Unix()))

	json.NewEncoder(w).Encode(verifyResponse{
		Valid:       true,
		AntiSybil:   antiSybil,
		Nullifier:   tok.Payload.Nullifier,
		NodeDID:     h.SelfDID,
		CoSignature: cosig,
		VerifiedAt:  now.Unix(),
	})
}

// nullifierResponse is GET /nullifier/{n}'s body.
type nullifierResponse struct {
	Registered bool   `json:"registered"`
	VerifiedAt *int64 `json:"verified_at,omitempty"`
}

// HandleNullifier serves GET /nullifier/{n}.
func (h *Handlers) HandleNullifier(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	n := r.PathValue("n")
	entry, ok := h.Consensus.Get(n)
	if !ok {
		json.NewEncoder(w).Encode(nullifierResponse{Registered: false})
		return
	}
	verifiedAt := entry.CommittedMs / 1000
	json.NewEncoder(w).Encode(nullifierResponse{Registered: true, VerifiedAt: &verifiedAt})
}

// tokenRenewRequest is POST /token/renew's body.
type tokenRenewRequest struct {
	SPT string `json:"spt"`
}

// tokenRenewResponse is POST /token/renew's body on success.
type tokenRenewResponse struct {
	SPT       string `json:"spt"`
	ExpiresIn int64  `json:"expires_in"`
	Renewed   bool   `json:"renewed"`
	Method    string `json:"method"`
}

// HandleTokenRenew serves POST /token/renew.
func (h *Handlers) HandleTokenRenew(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var req tokenRenewRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	// token.Decode rejects on expiry, and renewal exists precisely for an
	// already-expired SPT, so the DID is recovered with an unverified peek
	// instead. This gains a forger nothing: token.Renew independently
	// decodes the envelope and verifies its Ed25519 signature against the
	// pubkey derived from its own DID before trusting any field or
	// re-signing, so a wrong peeked DID, or any tampered/unsigned envelope,
	// only fails Renew, never succeeds.
	peekedDID := peekDID(req.SPT)
	if peekedDID == "" {
		writeSoulErr(w, soulerr.MalformedToken("spt payload unreadable"))
		return
	}

	if !h.checkDPoP(w, r, req.SPT, peekedDID) {
		return
	}

	rep := token.Reputation{Score: attestation.DefaultReputation}
	if h.Attestation != nil {
		rp := h.Attestation.GetReputation(peekedDID)
		rep = token.Reputation{Score: rp.Score, Attestations: rp.PositiveCount + rp.NegativeCount, LastUpdated: int(rp.LastUpdated)}
	}

	newSPT, method, err := token.Renew(h.SelfPriv, req.SPT, rep, time.Now())
	if err != nil {
		writeSoulErr(w, err)
		return
	}
	if h.Metrics != nil {
		h.Metrics.TokensRenewed.WithLabelValues(string(method)).Inc()
	}

	json.NewEncoder(w).Encode(tokenRenewResponse{
		SPT:       newSPT,
		ExpiresIn: token.DefaultTokenLifetimeSeconds,
		Renewed:   true,
		Method:    string(method),
	})
}

// peekDID extracts the DID field from an SPT envelope without verifying its
// signature, solely to look up a reputation score before Renew reconstructs
// and re-verifies the full envelope itself.
func peekDID(spt string) string {
	raw, err := base64urlDecode(spt)
	if err != nil {
		return ""
	}
	var env struct {
		Payload struct {
			DID string `json:"did"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return ""
	}
	return env.Payload.DID
}

// challengeItem is one entry of POST /challenge's challenge vector.
type challengeItem struct {
	SPT string `json:"spt"`
	ZKP string `json:"zkp"`
}

// challengeResponse is POST /challenge's body.
type challengeResponse struct {
	ChallengeID   string `json:"challenge_id"`
	ResultValid   int    `json:"result_valid"`
	ResultInvalid int    `json:"result_invalid"`
	VerifiedAt    int64  `json:"verified_at"`
	NodeDID       string `json:"node_did"`
	Signature     string `json:"signature"`
}

// HandleChallenge serves POST /challenge: a batch verification pass over a
// vector of {spt, zkp} pairs, each checked independently (decode + zk
// verify) with no side effects on NullifierConsensus state — a dry-run
// sibling of /verify for auditing nodes probing this validator's view.
func (h *Handlers) HandleChallenge(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var items []challengeItem
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&items); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	valid, invalid := 0, 0
	for _, item := range items {
		if h.challengeOne(r.Context(), item) {
			valid++
		} else {
			invalid++
		}
	}

	now := time.Now()
	challengeID, err := soulcrypto.RandomBytes(16)
	if err != nil {
		writeJSONError(w, "failed to allocate challenge id", http.StatusInternalServerError)
		return
	}
	id := hex.EncodeToString(challengeID)
	sig := h.sign(id, fmt.Sprint(valid), fmt.Sprint(invalid), fmt.Sprint(now.Unix()))

	json.NewEncoder(w).Encode(challengeResponse{
		ChallengeID:   id,
		ResultValid:   valid,
		ResultInvalid: invalid,
		VerifiedAt:    now.Unix(),
		NodeDID:       h.SelfDID,
		Signature:     sig,
	})
}

// checkDPoP enforces §4.3's DPoPVerifier contract on a business operation:
// required per the control-flow chain TokenEngine.decode -> DPoPVerifier.verify
// -> business op. A request carrying an spt with no X-Soulprint-Proof header
// fails closed with 401 {"error":"dpop_required"} (scenario 5 of §8). On any
// other failed check, the reason string from dpop.Verify is surfaced the
// same way. Returns false (response already written) if the check failed.
func (h *Handlers) checkDPoP(w http.ResponseWriter, r *http.Request, spt, sptDID string) bool {
	raw := extractDPoPProof(r)
	if raw == "" {
		h.countDPoPRejection("dpop_required")
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"error": "dpop_required"})
		return false
	}
	proof, err := dpop.DecodeProof(raw)
	if err != nil {
		h.countDPoPRejection("malformed")
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"error": "malformed"})
		return false
	}
	result := dpop.Verify(proof, spt, r.Method, r.URL.String(), h.Nonces, sptDID, time.Now())
	if !result.Valid {
		h.countDPoPRejection(result.Reason)
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"error": result.Reason})
		return false
	}
	return true
}

func (h *Handlers) countDPoPRejection(reason string) {
	if h.Metrics != nil {
		h.Metrics.DPoPRejections.WithLabelValues(reason).Inc()
	}
}

func (h *Handlers) challengeOne(ctx context.Context, item challengeItem) bool {
	tok := token.Decode(item.SPT)
	if tok == nil {
		return false
	}
	zkProof, err := hex.DecodeString(item.ZKP)
	if err != nil {
		return false
	}
	nullifierBytes, err := hex.DecodeString(tok.Payload.Nullifier)
	if err != nil || len(nullifierBytes) != 32 {
		return false
	}
	if h.ZKPool == nil || h.VK == nil {
		return true
	}
	var signals zkverify.PublicSignals
	copy(signals.Nullifier[:], nullifierBytes)
	signals.DIDCommitment = soulcrypto.SHA256([]byte(tok.Payload.DID))
	ok, err := h.ZKPool.Verify(ctx, h.VK, zkProof, signals)
	if err != nil {
		return false
	}
	return ok
}

func (h *Handlers) sign(fields ...string) string {
	canon, _ := soulcrypto.Canonical(fields)
	digest := soulcrypto.SHA256(canon)
	sig := soulcrypto.Sign(h.SelfPriv, digest[:])
	return hex.EncodeToString(sig)
}

func base64urlDecode(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}

// writeSoulErr maps a *soulerr.Error to its HTTP status and a reason/message
// body, matching §7's "exactly one kind per failure" HTTP mapping.
func writeSoulErr(w http.ResponseWriter, err error) {
	status := soulerr.HTTPStatus(err)
	reason := "internal"
	if se, ok := err.(*soulerr.Error); ok {
		reason = se.Reason
	}
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error":  reason,
		"detail": err.Error(),
	})
}

// writeJSONError writes status with a {"error": msg} body.
func writeJSONError(w http.ResponseWriter, msg string, status int) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// extractSPT applies §6's header/query precedence rules: X-Soulprint header,
// then Authorization: Bearer (SPT detected by length > 200), then ?spt=.
func extractSPT(r *http.Request) string {
	if v := r.Header.Get("X-Soulprint"); v != "" {
		return v
	}
	if v := r.Header.Get("Authorization"); v != "" {
		v = strings.TrimPrefix(v, "Bearer ")
		if len(v) > 200 {
			return v
		}
	}
	return r.URL.Query().Get("spt")
}

// extractDPoPProof reads the X-Soulprint-Proof header.
func extractDPoPProof(r *http.Request) string {
	return r.Header.Get("X-Soulprint-Proof")
}

func protocolHashMismatch() error {
	return soulerr.ProtocolHashMismatch("state merge protocol hash mismatch")
}
