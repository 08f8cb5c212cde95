// Package nodestate implements each node's on-disk ownership boundary: the
// node keypair file, the cometbft-db-backed KV store for nullifier/
// attestation/anchor-queue state, and the single mutex that serializes
// writes to it. Each Save* call writes through to disk at once; writes are
// not debounced. No component outside a node ever opens another node's
// files; replication across nodes happens only through AntiEntropySync.
package nodestate

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// LoadOrCreateKeypair reads a hex-encoded Ed25519 private key from path, or
// generates and persists a fresh one if the file does not exist. The file
// is written with 0600 permissions; the private key never leaves the
// owning process beyond this file.
func LoadOrCreateKeypair(path string) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		priv, decodeErr := decodePrivateKey(raw)
		if decodeErr != nil {
			return nil, nil, fmt.Errorf("decode keypair at %s: %w", path, decodeErr)
		}
		pub := priv.Public().(ed25519.PublicKey)
		return pub, priv, nil
	}
	if !os.IsNotExist(err) {
		return nil, nil, fmt.Errorf("read keypair at %s: %w", path, err)
	}

	pub, priv, genErr := ed25519.GenerateKey(nil)
	if genErr != nil {
		return nil, nil, fmt.Errorf("generate keypair: %w", genErr)
	}
	if mkErr := os.MkdirAll(filepath.Dir(path), 0700); mkErr != nil {
		return nil, nil, fmt.Errorf("create keypair dir: %w", mkErr)
	}
	encoded := []byte(hex.EncodeToString(priv))
	if writeErr := os.WriteFile(path, encoded, 0600); writeErr != nil {
		return nil, nil, fmt.Errorf("write keypair at %s: %w", path, writeErr)
	}
	return pub, priv, nil
}

func decodePrivateKey(raw []byte) (ed25519.PrivateKey, error) {
	decoded, err := hex.DecodeString(string(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	if len(decoded) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("expected %d bytes, got %d", ed25519.PrivateKeySize, len(decoded))
	}
	return ed25519.PrivateKey(decoded), nil
}
