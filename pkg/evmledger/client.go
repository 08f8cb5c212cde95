// Package evmledger adapts pkg/ethereum's generic ABI-call helpers into the
// pkg/ledgeranchor.Ledger interface: an EVM-backed backup ledger for
// committed nullifiers and attestations. Grounded on
// pkg/ethereum/client.go's CallContract/SendContractTransaction pattern,
// which already does ABI packing, nonce lookup, gas pricing and signing
// generically — this package only supplies the two method signatures and
// the minimal ABI fragment LedgerAnchor needs.
package evmledger

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/soulprint-network/validator/pkg/ethereum"
)

// registryABI is the minimal ABI fragment for the two methods LedgerAnchor
// drives. A production deployment points this at its own deployed
// contract; the method names and argument order are Soulprint's, not an
// existing standard.
const registryABI = `[
	{"type":"function","name":"registerIdentity","stateMutability":"nonpayable",
	 "inputs":[{"name":"nullifier","type":"bytes32"},{"name":"did","type":"string"},
	           {"name":"documentVerified","type":"bool"},{"name":"faceVerified","type":"bool"},
	           {"name":"zkProof","type":"bytes"}],
	 "outputs":[]},
	{"type":"function","name":"attest","stateMutability":"nonpayable",
	 "inputs":[{"name":"issuer","type":"string"},{"name":"target","type":"string"},
	           {"name":"value","type":"int8"},{"name":"context","type":"string"},
	           {"name":"signature","type":"bytes"}],
	 "outputs":[]}
]`

const defaultGasLimit = 300000

// Client anchors nullifier registrations and attestations to a Soulprint
// registry contract on an EVM chain. Satisfies pkg/ledgeranchor.Ledger.
type Client struct {
	eth          *ethereum.Client
	contractAddr common.Address
	signerKeyHex string
}

// New dials rpcURL and returns a Client ready to anchor against
// contractAddr, signing transactions with signerKeyHex.
func New(rpcURL string, chainID int64, contractAddr, signerKeyHex string) (*Client, error) {
	eth, err := ethereum.NewClient(rpcURL, chainID)
	if err != nil {
		return nil, fmt.Errorf("dial evm ledger: %w", err)
	}
	return &Client{
		eth:          eth,
		contractAddr: common.HexToAddress(contractAddr),
		signerKeyHex: signerKeyHex,
	}, nil
}

// RegisterIdentity anchors a committed nullifier. Returns the transaction
// hash on success, or a known idempotent reason string
// ("NullifierAlreadyUsed") if the chain reports the nullifier as already
// registered — pkg/ledgeranchor treats that as success, not failure.
func (c *Client) RegisterIdentity(ctx context.Context, nullifier [32]byte, did string, documentVerified, faceVerified bool, zkProof []byte) (string, error) {
	result, err := c.eth.SendContractTransaction(ctx, c.contractAddr, registryABI, c.signerKeyHex,
		"registerIdentity", defaultGasLimit, nullifier, did, documentVerified, faceVerified, zkProof)
	if err != nil {
		if isAlreadyRegistered(err) {
			return "NullifierAlreadyUsed", nil
		}
		return "", fmt.Errorf("register identity: %w", err)
	}
	return result.TransactionHash, nil
}

// Attest anchors a committed attestation entry.
func (c *Client) Attest(ctx context.Context, issuer, target string, value int8, context_ string, signature []byte) (string, error) {
	result, err := c.eth.SendContractTransaction(ctx, c.contractAddr, registryABI, c.signerKeyHex,
		"attest", defaultGasLimit, issuer, target, value, context_, signature)
	if err != nil {
		return "", fmt.Errorf("attest: %w", err)
	}
	return result.TransactionHash, nil
}

// Balance reports the signer address's native-token balance, used by
// operational health checks to warn before a node runs out of gas.
func (c *Client) Balance(ctx context.Context) (*big.Int, error) {
	addr, err := ethereum.GetPublicAddress(c.signerKeyHex)
	if err != nil {
		return nil, err
	}
	return c.eth.GetBalance(ctx, addr)
}

// Health delegates to the underlying ethclient's chain-head check.
func (c *Client) Health(ctx context.Context) error {
	return c.eth.Health(ctx)
}

func isAlreadyRegistered(err error) bool {
	// Revert reason strings aren't part of go-ethereum's typed errors;
	// matching substrings against the contract's require() message is the
	// idiomatic way CallContract/SendContractTransaction callers recover
	// known revert reasons.
	msg := err.Error()
	return strings.Contains(msg, "already") && (strings.Contains(msg, "register") || strings.Contains(msg, "used"))
}
