package nodestate

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOrCreateKeypairPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.key")

	pub1, priv1, err := LoadOrCreateKeypair(path)
	if err != nil {
		t.Fatalf("first load: %v", err)
	}
	pub2, priv2, err := LoadOrCreateKeypair(path)
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if string(pub1) != string(pub2) {
		t.Fatal("expected the same public key across reloads")
	}
	if string(priv1) != string(priv2) {
		t.Fatal("expected the same private key across reloads")
	}
}

func TestLoadOrCreateKeypairRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.key")
	if err := os.WriteFile(path, []byte("not-hex-and-wrong-length"), 0600); err != nil {
		t.Fatalf("seed corrupt file: %v", err)
	}
	if _, _, err := LoadOrCreateKeypair(path); err == nil {
		t.Fatal("expected an error decoding a corrupt keypair file")
	}
}
