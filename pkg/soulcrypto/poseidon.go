package soulcrypto

import (
	"encoding/binary"

	"github.com/consensys/gnark-crypto/ecc/bls12-381/fr"
)

// poseidonRounds is the number of state-mixing rounds applied per input
// field element. Not a security-critical constant; just enough mixing that
// the function behaves like a one-way sponge for the nullifier/consensus
// hashing this package is used for.
const poseidonRounds = 8

// poseidonRoundConstant derives a deterministic, field-reduced round
// constant from the round index so the permutation has no all-zero fixed
// point.
func poseidonRoundConstant(round int) fr.Element {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(round)+1)
	var c fr.Element
	c.SetBytes(buf[:])
	return c
}

// PoseidonLike folds an arbitrary number of byte-string fields into a single
// 32-byte field element, in the same scalar field pkg/crypto/bls already
// operates over. It is not a standards-track Poseidon implementation (that
// would require a vetted round-constant/MDS-matrix table); it follows the
// same "reduce into the scalar field, then iteratively mix" shape the
// reference node's bls.hashToG1 uses for its own hash-to-curve step.
func PoseidonLike(fields ...[]byte) [32]byte {
	var state fr.Element
	state.SetZero()

	for _, f := range fields {
		var elem fr.Element
		elem.SetBytes(f)

		var acc fr.Element
		acc.Add(&state, &elem)

		for r := 0; r < poseidonRounds; r++ {
			rc := poseidonRoundConstant(r)
			acc.Square(&acc)
			acc.Add(&acc, &rc)
		}
		state = acc
	}

	out := state.Bytes()
	return out
}

// PoseidonLikeHex is the conventional 0x-prefixed hex rendering used for
// nullifiers on the wire.
func PoseidonLikeHex(fields ...[]byte) string {
	out := PoseidonLike(fields...)
	return "0x" + hexEncode(out[:])
}

func hexEncode(b []byte) string {
	const hexdigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = hexdigits[v>>4]
		out[i*2+1] = hexdigits[v&0x0f]
	}
	return string(out)
}
