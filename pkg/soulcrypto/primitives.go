// Package soulcrypto implements Soulprint's CryptoPrimitives component: the
// Ed25519/SHA-256/HMAC/AES-GCM envelope every higher-level component signs
// and verifies through, plus the DID codec and a Poseidon-style field hash.
package soulcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
)

// Sign produces a 64-byte Ed25519 signature over msg using priv.
func Sign(priv ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(priv, msg)
}

// Verify reports whether sig is a valid Ed25519 signature over msg by pub.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// SHA256 returns the 32-byte SHA-256 digest of b.
func SHA256(b []byte) [32]byte {
	return sha256.Sum256(b)
}

// HMACSHA256 returns the 32-byte HMAC-SHA256 of msg keyed by key.
func HMACSHA256(key, msg []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(msg)
	return mac.Sum(nil)
}

// AEADSeal encrypts plaintext with AES-256-GCM under key32/nonce12,
// authenticating aad. The returned ciphertext has the 16-byte tag appended,
// matching the wire shape GossipCipher expects to concatenate and transmit.
func AEADSeal(key32, nonce12, aad, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key32)
	if err != nil {
		return nil, fmt.Errorf("aead seal: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("aead seal: new gcm: %w", err)
	}
	if len(nonce12) != gcm.NonceSize() {
		return nil, fmt.Errorf("aead seal: nonce must be %d bytes", gcm.NonceSize())
	}
	return gcm.Seal(nil, nonce12, plaintext, aad), nil
}

// AEADOpen decrypts ciphertext (tag appended, as produced by AEADSeal)
// authenticating aad. It returns an error on any authentication failure
// without distinguishing a wrong key from a tampered message.
func AEADOpen(key32, nonce12, aad, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key32)
	if err != nil {
		return nil, fmt.Errorf("aead open: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("aead open: new gcm: %w", err)
	}
	if len(nonce12) != gcm.NonceSize() {
		return nil, fmt.Errorf("aead open: nonce must be %d bytes", gcm.NonceSize())
	}
	return gcm.Open(nil, nonce12, ciphertext, aad)
}

// RandomNonce12 returns 12 cryptographically random bytes for AES-GCM.
func RandomNonce12() ([]byte, error) {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("random nonce: %w", err)
	}
	return b, nil
}

// RandomBytes returns n cryptographically random bytes, used for DPoP nonces
// and similar single-use tokens.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("random bytes: %w", err)
	}
	return b, nil
}
