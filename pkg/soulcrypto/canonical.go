package soulcrypto

import "encoding/json"

// Canonical serializes v to the bytes that are signed and verified
// throughout Soulprint. Unlike the reference node's commitment package,
// which decodes to a map and re-sorts keys alphabetically, this preserves
// the producer's own field order: encoding/json already emits a struct's
// exported fields in declaration order, and the spec requires exactly that
// order to be reproduced byte-for-byte by both signer and verifier. Callers
// MUST pass the same concrete struct type on both sides; marshaling a
// map[string]any here would silently sort keys and break that symmetry.
func Canonical(v any) ([]byte, error) {
	return json.Marshal(v)
}

// CanonicalHash returns sha256(canonical_json(v)), the digest every
// signature in Soulprint is computed and verified over.
func CanonicalHash(v any) ([32]byte, error) {
	b, err := Canonical(v)
	if err != nil {
		return [32]byte{}, err
	}
	return SHA256(b), nil
}
