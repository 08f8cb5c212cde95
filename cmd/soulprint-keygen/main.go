// Command soulprint-keygen generates and persists a validator node's
// Ed25519 identity keypair, the same minimal-CLI shape as
// cmd/bls-zk-setup's thin wrapper around its setup routine.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/soulprint-network/validator/pkg/nodestate"
	"github.com/soulprint-network/validator/pkg/soulcrypto"
)

func main() {
	path := flag.String("out", "./data/ed25519_key.hex", "Path to write the node's hex-encoded Ed25519 keypair")
	flag.Parse()

	pub, _, err := nodestate.LoadOrCreateKeypair(*path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	did, err := soulcrypto.DIDFromPubkey(pub)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("keypair: %s\n", *path)
	fmt.Printf("did:     %s\n", did)
}
