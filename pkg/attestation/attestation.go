// Package attestation implements Soulprint's AttestationEngine component:
// signed ±1 reputation events between agents, with per-pair cooldown and
// anti-farming demotion. The sign/verify shape generalizes
// pkg/anchor_proof's AttestationSigner (there, N validators sign off on one
// merkle root; here, one issuer signs a reputation delta about a target).
package attestation

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/soulprint-network/validator/pkg/soulcrypto"
	"github.com/soulprint-network/validator/pkg/soulerr"
	"github.com/soulprint-network/validator/pkg/token"
)

const (
	MinAttesterScore    = token.ScoreFloor
	CooldownDuration    = 24 * time.Hour
	AntiFarmingWindow   = 7 * 24 * time.Hour
	AntiFarmingThreshold = 7
	DefaultReputation   = 10
)

// Entry is a single signed attestation, identified by MsgHash.
type Entry struct {
	IssuerDID string `json:"issuer_did"`
	TargetDID string `json:"target_did"`
	Value     int    `json:"value"`
	Context   string `json:"context"`
	TS        int64  `json:"timestamp_seconds"`
	Signature string `json:"signature"`
}

// MsgHash returns sha256(issuer:target:value:context:ts) hex-encoded, the
// dedup key for both local and imported attestations.
func (e Entry) MsgHash() string {
	raw := fmt.Sprintf("%s:%s:%d:%s:%d", e.IssuerDID, e.TargetDID, e.Value, e.Context, e.TS)
	h := soulcrypto.SHA256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// signable is the struct signed over. It is independent of the
// message-hash string format above: signatures cover the canonical JSON of
// these fields, while MsgHash dedup hashes the colon-joined string.
type signable struct {
	IssuerDID string `json:"issuer_did"`
	TargetDID string `json:"target_did"`
	Value     int    `json:"value"`
	Context   string `json:"context"`
	TS        int64  `json:"timestamp_seconds"`
}

func (e Entry) digest() ([32]byte, error) {
	canon, err := soulcrypto.Canonical(signable{e.IssuerDID, e.TargetDID, e.Value, e.Context, e.TS})
	if err != nil {
		return [32]byte{}, err
	}
	return soulcrypto.SHA256(canon), nil
}

// Rep is a DID's reputation snapshot.
type Rep struct {
	Score        int   `json:"score"`
	PositiveCount int  `json:"positive_count"`
	NegativeCount int  `json:"negative_count"`
	LastUpdated  int64 `json:"last_updated"`
}

func defaultRep() Rep { return Rep{Score: DefaultReputation} }

// ScoreProvider resolves a DID's current identity score, used to check the
// MIN_ATTESTER_SCORE precondition. Implemented by consensus.Engine (a DID
// with a committed nullifier scores 100, any other 0); kept as a narrow
// interface here so this package never imports the HTTP/token-issuance
// machinery.
type ScoreProvider interface {
	IdentityScoreOf(did string) int
}

// Engine is one node's AttestationEngine state.
type Engine struct {
	mu sync.Mutex

	history  map[string]Entry // msg_hash -> entry
	rep      map[string]*Rep  // did -> reputation
	cooldown map[string]int64 // "issuer|target" -> last_ts_ms

	scores ScoreProvider
}

// NewEngine constructs an empty Engine.
func NewEngine(scores ScoreProvider) *Engine {
	return &Engine{
		history:  make(map[string]Entry),
		rep:      make(map[string]*Rep),
		cooldown: make(map[string]int64),
		scores:   scores,
	}
}

func cooldownKey(issuer, target string) string { return issuer + "|" + target }

// GetReputation returns the caller-visible reputation for did, defaulting
// to {10, 0, 0, 0} for an unknown DID.
func (e *Engine) GetReputation(did string) Rep {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r, ok := e.rep[did]; ok {
		return *r
	}
	return defaultRep()
}

// Attest runs §4.5's preconditions in order, signs and records the event on
// success, and returns the stored entry.
func (e *Engine) Attest(priv ed25519.PrivateKey, issuerDID, targetDID string, value int, context string, now time.Time) (*Entry, error) {
	if issuerDID == targetDID {
		return nil, soulerr.SameIssuerTarget("issuer and target must differ")
	}
	if e.scores != nil && e.scores.IdentityScoreOf(issuerDID) < MinAttesterScore {
		return nil, soulerr.IssuerNotAuthorized(fmt.Sprintf("issuer score below %d", MinAttesterScore))
	}
	if value != 1 && value != -1 {
		return nil, soulerr.InvalidValue("value must be +1 or -1")
	}

	e.mu.Lock()
	key := cooldownKey(issuerDID, targetDID)
	lastMs, hasCooldown := e.cooldown[key]
	if hasCooldown && now.UnixMilli()-lastMs < CooldownDuration.Milliseconds() {
		e.mu.Unlock()
		return nil, soulerr.CooldownActive("cooldown has not elapsed for this issuer/target pair")
	}

	effectiveValue := value
	if value == 1 && e.countRecentLocked(issuerDID, targetDID, now) >= AntiFarmingThreshold {
		effectiveValue = -1
	}
	e.mu.Unlock()

	entry := Entry{
		IssuerDID: issuerDID,
		TargetDID: targetDID,
		Value:     effectiveValue,
		Context:   context,
		TS:        now.Unix(),
	}
	digest, err := entry.digest()
	if err != nil {
		return nil, err
	}
	sig := soulcrypto.Sign(priv, digest[:])
	entry.Signature = hex.EncodeToString(sig)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.applyLocked(entry)
	return &entry, nil
}

// countRecentLocked counts attestations from issuer to target with
// ts ∈ (now − 7·86400·1000 ms, now], per §9's resolved anti-farming window.
// Callers must hold e.mu.
func (e *Engine) countRecentLocked(issuer, target string, now time.Time) int {
	cutoffMs := now.UnixMilli() - AntiFarmingWindow.Milliseconds()
	count := 0
	for _, entry := range e.history {
		if entry.IssuerDID != issuer || entry.TargetDID != target {
			continue
		}
		tsMs := entry.TS * 1000
		if tsMs > cutoffMs && tsMs <= now.UnixMilli() {
			count++
		}
	}
	return count
}

// applyLocked appends entry to history, updates cooldown, and applies the
// clamped reputation delta. Callers must hold e.mu.
func (e *Engine) applyLocked(entry Entry) {
	hash := entry.MsgHash()
	if _, dup := e.history[hash]; dup {
		return
	}
	e.history[hash] = entry
	e.cooldown[cooldownKey(entry.IssuerDID, entry.TargetDID)] = entry.TS * 1000

	r, ok := e.rep[entry.TargetDID]
	if !ok {
		v := defaultRep()
		r = &v
		e.rep[entry.TargetDID] = r
	}
	r.Score = clamp(r.Score+entry.Value, 0, 20)
	if entry.Value > 0 {
		r.PositiveCount++
	} else {
		r.NegativeCount++
	}
	r.LastUpdated = entry.TS
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// HandleRemote applies an ATTEST message received from a peer. Signature
// verification happens at the HTTP boundary before this is called, per
// §4.5's scheduling note, so HandleRemote itself never blocks on crypto.
func (e *Engine) HandleRemote(entry Entry, localProtocolHash, msgProtocolHash string) {
	if msgProtocolHash != localProtocolHash {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, dup := e.history[entry.MsgHash()]; dup {
		return
	}
	key := cooldownKey(entry.IssuerDID, entry.TargetDID)
	if lastMs, ok := e.cooldown[key]; ok && lastMs > 0 {
		if entry.TS*1000 < lastMs+CooldownDuration.Milliseconds() {
			return
		}
	}
	e.applyLocked(entry)
}

// VerifySignature checks entry's signature against the issuer's own DID
// key, the check the HTTP boundary performs before HandleRemote.
func VerifySignature(entry Entry) bool {
	pub, err := soulcrypto.PubkeyFromDID(entry.IssuerDID)
	if err != nil {
		return false
	}
	sig, err := hex.DecodeString(entry.Signature)
	if err != nil {
		return false
	}
	digest, err := entry.digest()
	if err != nil {
		return false
	}
	return soulcrypto.Verify(pub, digest[:], sig)
}

// ImportState merges remote entries by msg_hash union, returning the count
// of newly-applied entries. It is idempotent.
func (e *Engine) ImportState(entries []Entry) int {
	imported := 0
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, entry := range entries {
		if _, dup := e.history[entry.MsgHash()]; dup {
			continue
		}
		e.applyLocked(entry)
		imported++
	}
	return imported
}

// History returns every stored entry for a target DID, newest last.
func (e *Engine) History(targetDID string) []Entry {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Entry, 0)
	for _, entry := range e.history {
		if entry.TargetDID == targetDID {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TS < out[j].TS })
	return out
}

// AllEntries returns every stored attestation, for persistence and
// AntiEntropySync paging.
func (e *Engine) AllEntries() []Entry {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Entry, 0, len(e.history))
	for _, entry := range e.history {
		out = append(out, entry)
	}
	return out
}

// MarshalState serializes the full engine state for pkg/nodestate to
// persist to attestations.json/rep.json.
func (e *Engine) MarshalState() (attestations, reputation []byte, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entries := make([]Entry, 0, len(e.history))
	for _, v := range e.history {
		entries = append(entries, v)
	}
	attestations, err = json.Marshal(entries)
	if err != nil {
		return nil, nil, err
	}
	reputation, err = json.Marshal(e.rep)
	if err != nil {
		return nil, nil, err
	}
	return attestations, reputation, nil
}

// LoadState restores engine state from previously marshaled bytes.
func (e *Engine) LoadState(attestationsJSON, reputationJSON []byte) error {
	var entries []Entry
	if len(attestationsJSON) > 0 {
		if err := json.Unmarshal(attestationsJSON, &entries); err != nil {
			return fmt.Errorf("load attestations: %w", err)
		}
	}
	var reps map[string]*Rep
	if len(reputationJSON) > 0 {
		if err := json.Unmarshal(reputationJSON, &reps); err != nil {
			return fmt.Errorf("load reputation: %w", err)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, entry := range entries {
		e.history[entry.MsgHash()] = entry
		e.cooldown[cooldownKey(entry.IssuerDID, entry.TargetDID)] = entry.TS * 1000
	}
	if reps != nil {
		e.rep = reps
	}
	return nil
}
