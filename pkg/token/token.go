// Package token implements Soulprint's TokenEngine component: issuing,
// decoding, and renewing the bearer credential (SPT) that every other
// component consumes, plus the identity/reputation score and clamping
// rules applied wherever a score is reported.
package token

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/soulprint-network/validator/pkg/soulcrypto"
	"github.com/soulprint-network/validator/pkg/soulerr"
)

// Protocol constants, fixed per §6 of the node's wire-format contract.
const (
	ScoreFloor                  = 65
	VerifiedScoreFloor          = 52
	IdentityMax                 = 80
	ReputationMax               = 20
	DefaultTokenLifetimeSeconds = 180 * 86400
	RenewPreemptiveWindow       = time.Hour
	RenewGraceWindow            = 7 * 24 * time.Hour
)

// Credential weights, fixed per §4.2.
const (
	WeightEmailVerified    = 8
	WeightPhoneVerified    = 12
	WeightGitHubLinked     = 16
	WeightDocumentVerified = 20
	WeightFaceMatch        = 16
	WeightBiometricBound   = 8
)

var credentialWeight = map[string]int{
	"EmailVerified":    WeightEmailVerified,
	"PhoneVerified":    WeightPhoneVerified,
	"GitHubLinked":     WeightGitHubLinked,
	"DocumentVerified": WeightDocumentVerified,
	"FaceMatch":        WeightFaceMatch,
	"BiometricBound":   WeightBiometricBound,
}

// Level is the verification tier derived from a credential set.
type Level string

const (
	LevelUnverified     Level = "Unverified"
	LevelEmailVerified  Level = "EmailVerified"
	LevelPhoneVerified  Level = "PhoneVerified"
	LevelKYCLite        Level = "KYCLite"
	LevelKYCFull        Level = "KYCFull"
)

// Reputation is the snapshot an issuer pulls from AttestationEngine to
// compute the reputation half of a score.
type Reputation struct {
	Score        int `json:"score"`
	Attestations int `json:"attestations"`
	LastUpdated  int `json:"last_updated"`
}

// Payload is the exact struct signed and verified. Its field order is part
// of the wire contract: encoding/json emits exported fields in this
// declaration order, which is what producer and verifier must agree on byte
// for byte (see soulcrypto.Canonical).
type Payload struct {
	SIP            string     `json:"sip"`
	DID            string     `json:"did"`
	Score          int        `json:"score"`
	IdentityScore  int        `json:"identity_score"`
	BotRep         Reputation `json:"bot_rep"`
	Level          Level      `json:"level"`
	Country        string     `json:"country,omitempty"`
	Credentials    []string   `json:"credentials"`
	Nullifier      string     `json:"nullifier"`
	ZKP            string     `json:"zkp,omitempty"`
	Issued         int64      `json:"issued"`
	Expires        int64      `json:"expires"`
	NetworkSig     string     `json:"network_sig,omitempty"`
}

// Envelope is the wire shape: base64url(json{payload, sig}).
type Envelope struct {
	Payload Payload `json:"payload"`
	Sig     string  `json:"sig"`
}

// Token is the decoded, verified result handed to callers.
type Token struct {
	Payload Payload
}

// IssueOptions overrides Issue's defaults.
type IssueOptions struct {
	LifetimeSeconds int64  // 0 means DefaultTokenLifetimeSeconds
	Country         string
	ZKP             string
	Now             time.Time // zero means time.Now()
}

// IdentityScore sums the fixed weights of the given credential tags,
// ignoring unknown tags.
func IdentityScore(credentials []string) int {
	total := 0
	for _, c := range credentials {
		total += credentialWeight[c]
	}
	if total > IdentityMax {
		total = IdentityMax
	}
	return total
}

// TotalScore applies the clamp/floor rules of §4.2, uniformly, wherever a
// total score is reported.
func TotalScore(identity, reputation int, credentials []string) int {
	sum := identity + reputation
	hasDoc := false
	for _, c := range credentials {
		if c == "DocumentVerified" {
			hasDoc = true
			break
		}
	}
	var total int
	if hasDoc {
		total = clamp(sum, VerifiedScoreFloor, 100)
	} else {
		total = min(sum, 100)
	}
	if total < ScoreFloor {
		total = ScoreFloor
	}
	return total
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

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// DeriveLevel computes the verification tier from a credential set.
func DeriveLevel(credentials []string) Level {
	has := func(tag string) bool {
		for _, c := range credentials {
			if c == tag {
				return true
			}
		}
		return false
	}
	doc := has("DocumentVerified")
	face := has("FaceMatch")
	switch {
	case doc && face:
		return LevelKYCFull
	case doc || face:
		return LevelKYCLite
	case has("PhoneVerified"):
		return LevelPhoneVerified
	case has("EmailVerified"):
		return LevelEmailVerified
	default:
		return LevelUnverified
	}
}

// Issue builds, signs, and encodes a new SPT for did/nullifier/credentials.
func Issue(priv ed25519.PrivateKey, did, nullifier string, credentials []string, rep Reputation, opts IssueOptions) (string, error) {
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	lifetime := opts.LifetimeSeconds
	if lifetime == 0 {
		lifetime = DefaultTokenLifetimeSeconds
	}
	identity := IdentityScore(credentials)
	total := TotalScore(identity, rep.Score, credentials)

	payload := Payload{
		SIP:           "1",
		DID:           did,
		Score:         total,
		IdentityScore: identity,
		BotRep:        rep,
		Level:         DeriveLevel(credentials),
		Country:       opts.Country,
		Credentials:   credentials,
		Nullifier:     nullifier,
		ZKP:           opts.ZKP,
		Issued:        now.Unix(),
		Expires:       now.Unix() + lifetime,
	}
	return signAndEncode(priv, payload)
}

func signAndEncode(priv ed25519.PrivateKey, payload Payload) (string, error) {
	canon, err := soulcrypto.Canonical(payload)
	if err != nil {
		return "", err
	}
	digest := soulcrypto.SHA256(canon)
	sig := soulcrypto.Sign(priv, digest[:])

	env := Envelope{Payload: payload, Sig: hex.EncodeToString(sig)}
	raw, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// decodeAndVerify base64url-decodes and JSON-parses spt, and verifies its
// signature against the public key derived from its own DID. It never
// trusts a single field of the decoded payload until the signature check
// below has passed. Shared by Decode (which additionally rejects an expired
// token) and Renew (which must not re-sign an envelope it hasn't verified).
func decodeAndVerify(spt string) (Envelope, error) {
	raw, err := base64.RawURLEncoding.DecodeString(spt)
	if err != nil {
		return Envelope{}, soulerr.MalformedToken("bad base64url")
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, soulerr.MalformedToken("bad json")
	}
	sig, err := hex.DecodeString(env.Sig)
	if err != nil {
		return Envelope{}, soulerr.MalformedToken("bad sig hex")
	}
	pub, err := soulcrypto.PubkeyFromDID(env.Payload.DID)
	if err != nil {
		return Envelope{}, soulerr.InvalidSignature("cannot derive pubkey from did")
	}
	canon, err := soulcrypto.Canonical(env.Payload)
	if err != nil {
		return Envelope{}, soulerr.MalformedToken("non-canonical payload")
	}
	digest := soulcrypto.SHA256(canon)
	if !soulcrypto.Verify(pub, digest[:], sig) {
		return Envelope{}, soulerr.InvalidSignature("signature does not match payload")
	}
	return env, nil
}

// Decode base64url-decodes and JSON-parses spt, verifies its signature
// against the public key derived from its own DID, and rejects an expired
// token. It returns nil on any failure rather than an error, matching
// §4.2's "returns null on any failure (never throws)" contract.
func Decode(spt string) *Token {
	env, err := decodeAndVerify(spt)
	if err != nil {
		return nil
	}
	if env.Payload.Expires <= time.Now().Unix() {
		return nil
	}
	return &Token{Payload: env.Payload}
}

// RenewMethod names which rule allowed a renewal.
type RenewMethod string

const (
	RenewPreemptive  RenewMethod = "preemptive"
	RenewGrace RenewMethod = "grace_window"
)

// Renew re-signs spt with a fresh issued/expires window, preserving DID,
// nullifier, and credentials, and recomputing score from the given current
// reputation. The incoming envelope's signature is verified exactly like
// Decode before any of its fields are trusted — Renew must never re-sign a
// payload whose signature doesn't match the DID it claims, since that
// signature is the only thing standing between a caller and an arbitrary
// forged score/credential set getting the node's signature on it. It
// returns ("", "", err) if spt fails that verification, or if it's outside
// both the preemptive and grace windows.
func Renew(priv ed25519.PrivateKey, spt string, rep Reputation, now time.Time) (string, RenewMethod, error) {
	env, err := decodeAndVerify(spt)
	if err != nil {
		return "", "", err
	}

	expires := time.Unix(env.Payload.Expires, 0)
	var method RenewMethod
	switch {
	case !now.Before(expires.Add(-RenewPreemptiveWindow)) && now.Before(expires):
		method = RenewPreemptive
	case !now.Before(expires) && !now.After(expires.Add(RenewGraceWindow)):
		method = RenewGrace
	default:
		return "", "", soulerr.RenewNotPermitted("outside preemptive and grace windows")
	}

	identity := IdentityScore(env.Payload.Credentials)
	total := TotalScore(identity, rep.Score, env.Payload.Credentials)

	next := env.Payload
	next.Score = total
	next.IdentityScore = identity
	next.BotRep = rep
	next.Level = DeriveLevel(env.Payload.Credentials)
	next.Issued = now.Unix()
	next.Expires = now.Unix() + DefaultTokenLifetimeSeconds

	newSPT, err := signAndEncode(priv, next)
	if err != nil {
		return "", "", err
	}
	return newSPT, method, nil
}
