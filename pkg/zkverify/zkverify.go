// Package zkverify wraps gnark's groth16 verifier behind the opaque
// verifyProof(proof, public_signals) → bool hook NullifierConsensus calls.
// The circuit itself is out of scope per the core's scope boundary; this
// package only needs a frontend.Circuit shape to type-check a witness
// against, the way the reference node's BLSZKProver.VerifyProofLocally
// builds a SimpleBLSCircuit assignment purely to construct a public
// witness before calling groth16.Verify.
package zkverify

import (
	"bytes"
	"fmt"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/frontend"
)

// Curve is the scalar field the nullifier-registration circuit is compiled
// over, matching the reference node's own ZK prover.
const Curve = ecc.BN254

// NullifierProofCircuit is a minimal placeholder satisfying frontend.Circuit
// so a public witness can be constructed from a proof's public signals. The
// real circuit (proving a valid biometric+document derivation without
// revealing the inputs) is provisioned out-of-band as a VerifyingKey; this
// package never compiles or proves a circuit, only verifies against one.
type NullifierProofCircuit struct {
	Nullifier      frontend.Variable `gnark:",public"`
	DIDCommitment  frontend.Variable `gnark:",public"`
}

// Define is required to satisfy frontend.Circuit; it is never compiled by
// this package (no Setup/Prove path exists here), only used to shape a
// PublicOnly witness.
func (c *NullifierProofCircuit) Define(api frontend.API) error {
	return nil
}

// PublicSignals is the pair of public inputs a nullifier-registration proof
// commits to.
type PublicSignals struct {
	Nullifier     [32]byte
	DIDCommitment [32]byte
}

// LoadVerifyingKey deserializes a groth16 verifying key from its canonical
// binary encoding (as produced by gnark's setup tooling).
func LoadVerifyingKey(raw []byte) (groth16.VerifyingKey, error) {
	vk := groth16.NewVerifyingKey(Curve)
	if _, err := vk.ReadFrom(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("load verifying key: %w", err)
	}
	return vk, nil
}

// VerifyProof verifies a serialized groth16 proof against vk and the given
// public signals. It returns (false, nil) — not an error — when the proof
// is simply invalid, matching the reference prover's
// "verification failed, but not an error" convention; err is reserved for
// malformed input (bad encoding, wrong curve).
func VerifyProof(vk groth16.VerifyingKey, proofBytes []byte, signals PublicSignals) (bool, error) {
	proof := groth16.NewProof(Curve)
	if _, err := proof.ReadFrom(bytes.NewReader(proofBytes)); err != nil {
		return false, fmt.Errorf("decode proof: %w", err)
	}

	assignment := &NullifierProofCircuit{
		Nullifier:     new(big.Int).SetBytes(signals.Nullifier[:]),
		DIDCommitment: new(big.Int).SetBytes(signals.DIDCommitment[:]),
	}
	publicWitness, err := frontend.NewWitness(assignment, Curve.ScalarField(), frontend.PublicOnly())
	if err != nil {
		return false, fmt.Errorf("build public witness: %w", err)
	}

	if err := groth16.Verify(proof, vk, publicWitness); err != nil {
		return false, nil
	}
	return true, nil
}
