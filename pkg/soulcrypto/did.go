package soulcrypto

import (
	"crypto/ed25519"
	"fmt"

	"github.com/mr-tron/base58"

	"github.com/soulprint-network/validator/pkg/soulerr"
)

// multicodecEd25519Pub is the two-byte multicodec prefix (0xED 0x01) for an
// Ed25519 public key, per the did:key method.
var multicodecEd25519Pub = [2]byte{0xED, 0x01}

// DIDFromPubkey renders a 32-byte Ed25519 public key as a did:key string.
func DIDFromPubkey(pub ed25519.PublicKey) (string, error) {
	if len(pub) != ed25519.PublicKeySize {
		return "", fmt.Errorf("did_from_pubkey: public key must be %d bytes", ed25519.PublicKeySize)
	}
	buf := make([]byte, 0, 2+ed25519.PublicKeySize)
	buf = append(buf, multicodecEd25519Pub[:]...)
	buf = append(buf, pub...)
	return "did:key:z" + base58.Encode(buf), nil
}

// PubkeyFromDID recovers the 32-byte Ed25519 public key from a did:key
// string, failing with InvalidDID on malformed input or an unsupported
// multicodec prefix.
func PubkeyFromDID(did string) (ed25519.PublicKey, error) {
	const prefix = "did:key:z"
	if len(did) <= len(prefix) || did[:len(prefix)] != prefix {
		return nil, soulerr.InvalidDID("missing did:key:z prefix")
	}
	decoded, err := base58.Decode(did[len(prefix):])
	if err != nil {
		return nil, soulerr.InvalidDID("bad base58 encoding")
	}
	if len(decoded) != 2+ed25519.PublicKeySize {
		return nil, soulerr.InvalidDID("unexpected decoded length")
	}
	if decoded[0] != multicodecEd25519Pub[0] || decoded[1] != multicodecEd25519Pub[1] {
		return nil, soulerr.InvalidDID("unsupported multicodec prefix")
	}
	pub := make([]byte, ed25519.PublicKeySize)
	copy(pub, decoded[2:])
	return ed25519.PublicKey(pub), nil
}
