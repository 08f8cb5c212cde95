// Package dpop implements Soulprint's DPoPVerifier component: binding a
// request to the bearer token holder's private key via a signed, single-use
// proof. The eight checks run in order and fail closed on the first
// mismatch, mirroring the ordered timestamp/replay/binding validation in
// the corpus's HPKE handshake servers.
package dpop

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/soulprint-network/validator/pkg/soulcrypto"
)

// MaxAgeSeconds is both the maximum proof age and how long a seen nonce is
// retained, per §6's protocol constants table.
const MaxAgeSeconds = 300

// Payload is the signed body of a DPoP proof.
type Payload struct {
	Typ    string `json:"typ"`
	Method string `json:"method"`
	URL    string `json:"url"`
	Nonce  string `json:"nonce"`
	IAT    int64  `json:"iat"`
	SPTHash string `json:"spt_hash"`
}

// Proof is the full wire shape: a signed Payload plus the signer's DID.
type Proof struct {
	Payload   Payload `json:"payload"`
	Signature string  `json:"signature"`
	DID       string  `json:"did"`
}

// DecodeProof base64url-decodes and JSON-parses a raw DPoP header value.
func DecodeProof(raw string) (*Proof, error) {
	b, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return nil, err
	}
	var p Proof
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// NonceStore is the in-memory replay guard. A single mutex serializes every
// access; reads are exclusive too, since each one also sweeps.
// Entries older than MaxAgeSeconds are dropped lazily on every Has call,
// per §4.3.
type NonceStore struct {
	mu      sync.Mutex
	seenAt  map[string]time.Time
}

// NewNonceStore returns an empty store.
func NewNonceStore() *NonceStore {
	return &NonceStore{seenAt: make(map[string]time.Time)}
}

// Has reports whether nonce has already been recorded, sweeping expired
// entries first.
func (s *NonceStore) Has(nonce string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked(time.Now())
	_, ok := s.seenAt[nonce]
	return ok
}

// insert records nonce at ts. Callers must hold the lock.
func (s *NonceStore) insert(nonce string, ts time.Time) {
	s.seenAt[nonce] = ts
}

func (s *NonceStore) sweepLocked(now time.Time) {
	cutoff := now.Add(-MaxAgeSeconds * time.Second)
	for n, t := range s.seenAt {
		if t.Before(cutoff) {
			delete(s.seenAt, n)
		}
	}
}

// Result is the outcome of Verify.
type Result struct {
	Valid  bool
	Reason string
}

func fail(reason string) Result { return Result{Valid: false, Reason: reason} }

// Verify runs the eight ordered checks of §4.3 against proof. On success it
// atomically inserts the nonce into store with the current time. On
// failure it returns the first violated check's reason and does NOT
// consume the nonce.
func Verify(proof *Proof, spt, method, requestURL string, store *NonceStore, sptDID string, now time.Time) Result {
	if proof == nil || proof.Payload.Typ != "soulprint-dpop" {
		return fail("malformed")
	}

	age := now.Unix() - proof.Payload.IAT
	if proof.Payload.IAT > now.Unix() || age > MaxAgeSeconds {
		return fail("expired")
	}

	store.mu.Lock()
	store.sweepLocked(now)
	if _, seen := store.seenAt[proof.Payload.Nonce]; seen {
		store.mu.Unlock()
		return fail("replay")
	}
	store.mu.Unlock()

	if !strings.EqualFold(proof.Payload.Method, method) {
		return fail("method_mismatch")
	}

	proofURL, err := url.Parse(proof.Payload.URL)
	if err != nil {
		return fail("url_mismatch")
	}
	reqURL, err := url.Parse(requestURL)
	if err != nil {
		return fail("url_mismatch")
	}
	if proofURL.Path != reqURL.Path {
		return fail("url_mismatch")
	}

	sptHash := soulcrypto.SHA256([]byte(spt))
	if proof.Payload.SPTHash != hex.EncodeToString(sptHash[:]) {
		return fail("spt_hash_mismatch")
	}

	if proof.DID != sptDID {
		return fail("did_mismatch")
	}

	pub, err := soulcrypto.PubkeyFromDID(proof.DID)
	if err != nil {
		return fail("did_mismatch")
	}
	sig, err := hex.DecodeString(proof.Signature)
	if err != nil {
		return fail("bad_signature")
	}
	canon, err := soulcrypto.Canonical(proof.Payload)
	if err != nil {
		return fail("bad_signature")
	}
	digest := soulcrypto.SHA256(canon)
	if !soulcrypto.Verify(pub, digest[:], sig) {
		return fail("bad_signature")
	}

	store.mu.Lock()
	if _, seen := store.seenAt[proof.Payload.Nonce]; seen {
		store.mu.Unlock()
		return fail("replay")
	}
	store.insert(proof.Payload.Nonce, now)
	store.mu.Unlock()

	return Result{Valid: true}
}

// Sign produces the Signature field over sha256(canonical_json(payload)),
// for callers building a proof (tests, and any in-process client).
func Sign(priv ed25519.PrivateKey, payload Payload) (string, error) {
	canon, err := soulcrypto.Canonical(payload)
	if err != nil {
		return "", err
	}
	digest := soulcrypto.SHA256(canon)
	sig := soulcrypto.Sign(priv, digest[:])
	return hex.EncodeToString(sig), nil
}
