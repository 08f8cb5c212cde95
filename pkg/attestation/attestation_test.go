package attestation

import (
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/soulprint-network/validator/pkg/soulcrypto"
	"github.com/soulprint-network/validator/pkg/soulerr"
)

type fixedScores struct{ score int }

func (f fixedScores) IdentityScoreOf(string) int { return f.score }

func newTestEngine(t *testing.T, score int) (*Engine, ed25519.PrivateKey) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return NewEngine(fixedScores{score}), priv
}

func TestAttestRejectsSameIssuerTarget(t *testing.T) {
	e, priv := newTestEngine(t, 80)
	_, err := e.Attest(priv, "did:key:zA", "did:key:zA", 1, "ctx", time.Unix(1000, 0))
	if err == nil {
		t.Fatal("expected an error")
	}
	if soulerr.HTTPStatus(err) != 403 {
		t.Fatalf("expected a policy-kind status, got %d", soulerr.HTTPStatus(err))
	}
}

func TestAttestRejectsLowIssuerScore(t *testing.T) {
	e, priv := newTestEngine(t, 40)
	_, err := e.Attest(priv, "did:key:zA", "did:key:zB", 1, "ctx", time.Unix(1000, 0))
	if err == nil {
		t.Fatal("expected IssuerNotAuthorized")
	}
}

func TestAttestRejectsInvalidValue(t *testing.T) {
	e, priv := newTestEngine(t, 80)
	_, err := e.Attest(priv, "did:key:zA", "did:key:zB", 2, "ctx", time.Unix(1000, 0))
	if err == nil {
		t.Fatal("expected InvalidValue")
	}
}

// TestCooldownThenAcceptedScenario reproduces the spec's scenario 4: a
// score-80 issuer attests +1 at t, a second attempt 23h later hits the
// cooldown, and a third 25h later succeeds, leaving reputation at 12.
func TestCooldownThenAcceptedScenario(t *testing.T) {
	e, priv := newTestEngine(t, 80)
	t0 := time.Unix(1_700_000_000, 0)

	if _, err := e.Attest(priv, "did:key:zIssuer", "did:key:zTarget", 1, "ctx", t0); err != nil {
		t.Fatalf("first attest: %v", err)
	}
	if rep := e.GetReputation("did:key:zTarget"); rep.Score != 11 {
		t.Fatalf("after first attest: got score %d want 11", rep.Score)
	}

	t23h := t0.Add(23 * time.Hour)
	if _, err := e.Attest(priv, "did:key:zIssuer", "did:key:zTarget", 1, "ctx", t23h); err == nil {
		t.Fatal("expected CooldownActive at t+23h")
	}

	t25h := t0.Add(25 * time.Hour)
	if _, err := e.Attest(priv, "did:key:zIssuer", "did:key:zTarget", 1, "ctx", t25h); err != nil {
		t.Fatalf("attest at t+25h: %v", err)
	}
	if rep := e.GetReputation("did:key:zTarget"); rep.Score != 12 {
		t.Fatalf("after second attest: got score %d want 12", rep.Score)
	}
}

// TestAntiFarmingDemotesAfterSevenEvents reproduces §4.5's anti-farming
// rule: once an issuer already has 7 attestations against the same target
// inside the 7-day window, its next +1 is silently flipped to -1. The 7
// earlier events are imported rather than attested, since the 24h cooldown
// alone keeps a single issuer/target pair below 7 events in any 7-day
// window. A different issuer has no history against the target, so its +1
// stands.
func TestAntiFarmingDemotesAfterSevenEvents(t *testing.T) {
	e, priv := newTestEngine(t, 80)
	base := time.Unix(1_700_000_000, 0)

	prior := make([]Entry, 0, 7)
	for i := 0; i < 7; i++ {
		prior = append(prior, Entry{
			IssuerDID: "did:key:zIssuer",
			TargetDID: "did:key:zTarget",
			Value:     1,
			Context:   "ctx",
			TS:        base.Add(time.Duration(i) * time.Hour).Unix(),
		})
	}
	if got := e.ImportState(prior); got != 7 {
		t.Fatalf("import prior events: got %d want 7", got)
	}

	now := base.Add(72 * time.Hour)
	entry, err := e.Attest(priv, "did:key:zIssuer", "did:key:zTarget", 1, "ctx", now)
	if err != nil {
		t.Fatalf("attest after 7 prior events: %v", err)
	}
	if entry.Value != -1 {
		t.Fatalf("expected anti-farming demotion to -1, got %d", entry.Value)
	}

	_, otherPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	other, err := e.Attest(otherPriv, "did:key:zOther", "did:key:zTarget", 1, "ctx", now)
	if err != nil {
		t.Fatalf("attest from other issuer: %v", err)
	}
	if other.Value != 1 {
		t.Fatalf("other issuer: expected +1, got %d", other.Value)
	}

	lastRep := e.GetReputation("did:key:zTarget")
	// seven imported +1s, one demoted -1, one more +1: 10 + 7 - 1 + 1 = 17
	if lastRep.Score != 17 {
		t.Fatalf("final score: got %d want 17", lastRep.Score)
	}
	if lastRep.NegativeCount != 1 {
		t.Fatalf("negative count: got %d want 1", lastRep.NegativeCount)
	}
}

func TestGetReputationDefaultsForUnknownDID(t *testing.T) {
	e := NewEngine(nil)
	rep := e.GetReputation("did:key:zNobody")
	if rep.Score != DefaultReputation || rep.PositiveCount != 0 || rep.NegativeCount != 0 {
		t.Fatalf("unexpected default reputation: %+v", rep)
	}
}

func TestImportStateIdempotent(t *testing.T) {
	e, priv := newTestEngine(t, 80)
	entry, err := e.Attest(priv, "did:key:zA", "did:key:zB", 1, "ctx", time.Unix(1000, 0))
	if err != nil {
		t.Fatalf("attest: %v", err)
	}

	other := NewEngine(nil)
	first := other.ImportState([]Entry{*entry})
	if first != 1 {
		t.Fatalf("first import: got %d want 1", first)
	}
	second := other.ImportState([]Entry{*entry})
	if second != 0 {
		t.Fatalf("second import should be a no-op: got %d want 0", second)
	}
}

func TestVerifySignatureRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	e := NewEngine(fixedScores{80})
	did, err := soulcrypto.DIDFromPubkey(pub)
	if err != nil {
		t.Fatalf("did from key: %v", err)
	}
	entry, err := e.Attest(priv, did, "did:key:zTarget", 1, "ctx", time.Unix(1000, 0))
	if err != nil {
		t.Fatalf("attest: %v", err)
	}
	if !VerifySignature(*entry) {
		t.Fatal("expected signature to verify")
	}
	tampered := *entry
	tampered.Value = -1
	if VerifySignature(tampered) {
		t.Fatal("expected tampered entry to fail verification")
	}
}
