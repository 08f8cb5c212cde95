package gossip

import "testing"

type testPayload struct {
	Nullifier string `json:"nullifier"`
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c := New([32]byte{1, 2, 3})
	now := int64(1_700_000_000_000)

	env, err := c.Encrypt(testPayload{Nullifier: "0xaa"}, now)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	var got testPayload
	ok, err := c.Decrypt(env, now, &got)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !ok {
		t.Fatal("expected decrypt to succeed")
	}
	if got.Nullifier != "0xaa" {
		t.Fatalf("got %q want 0xaa", got.Nullifier)
	}
}

func TestDecryptRejectsDifferentProtocolHash(t *testing.T) {
	c1 := New([32]byte{1})
	c2 := New([32]byte{2})
	now := int64(1_700_000_000_000)

	env, err := c1.Encrypt(testPayload{Nullifier: "0xaa"}, now)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	ok, err := c2.Decrypt(env, now, &testPayload{})
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if ok {
		t.Fatal("expected decrypt under a different protocol hash to fail")
	}
}

func TestDecryptRejectsStaleEpoch(t *testing.T) {
	c := New([32]byte{1})
	now := int64(1_700_000_000_000)

	env, err := c.Encrypt(testPayload{Nullifier: "0xaa"}, now)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	farFuture := now + 10*EpochWindowMs
	ok, err := c.Decrypt(env, farFuture, &testPayload{})
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if ok {
		t.Fatal("expected decrypt to reject an epoch far outside the acceptance window")
	}
}

func TestDecryptAcceptsAdjacentEpoch(t *testing.T) {
	c := New([32]byte{1})
	now := int64(1_700_000_000_000)

	env, err := c.Encrypt(testPayload{Nullifier: "0xaa"}, now)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	nextEpoch := now + EpochWindowMs
	var got testPayload
	ok, err := c.Decrypt(env, nextEpoch, &got)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !ok {
		t.Fatal("expected decrypt to accept the adjacent epoch")
	}
}

func TestDecryptRejectsUnknownVersion(t *testing.T) {
	c := New([32]byte{1})
	now := int64(1_700_000_000_000)

	env, err := c.Encrypt(testPayload{Nullifier: "0xaa"}, now)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	env.V = 2
	ok, err := c.Decrypt(env, now, &testPayload{})
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if ok {
		t.Fatal("expected decrypt to reject an unknown wire version")
	}
}
