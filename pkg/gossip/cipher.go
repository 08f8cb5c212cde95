// Package gossip implements Soulprint's GossipCipher component: epoch-keyed
// AEAD framing for inter-node broadcast, so only nodes running the same
// protocol version can read or inject gossip traffic. The seal/open shape
// follows pkg/soulcrypto's AEADSeal/AEADOpen helpers; this package adds the
// epoch key schedule and wire envelope on top.
package gossip

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/soulprint-network/validator/pkg/soulcrypto"
)

const (
	EpochWindowMs = 300_000
	wireVersion   = 1
)

// Cipher seals and opens gossip payloads under a fixed protocol hash.
type Cipher struct {
	protocolHash []byte
}

// New builds a Cipher bound to protocolHash, the 32-byte hash identifying
// this node's protocol/constants version.
func New(protocolHash [32]byte) *Cipher {
	h := make([]byte, 32)
	copy(h, protocolHash[:])
	return &Cipher{protocolHash: h}
}

// Envelope is the wire shape produced by Encrypt and consumed by Decrypt.
type Envelope struct {
	CT string `json:"ct"`
	IV string `json:"iv"`
	EP int64  `json:"ep"`
	V  int    `json:"v"`
}

func epochNum(nowMs int64) int64 { return nowMs / EpochWindowMs }

func aad(epoch int64) []byte {
	return []byte(fmt.Sprintf("epoch:%d", epoch))
}

// epochKey derives K_epoch = HMAC_SHA256(protocolHash, "soulprint-gossip-v1:"+protocolHash+":epoch:"+epoch).
func (c *Cipher) epochKey(epoch int64) []byte {
	msg := fmt.Sprintf("soulprint-gossip-v1:%x:epoch:%d", c.protocolHash, epoch)
	return soulcrypto.HMACSHA256(c.protocolHash, []byte(msg))
}

// Encrypt seals payload under the key for the current epoch (derived from
// nowMs), returning the wire envelope.
func (c *Cipher) Encrypt(payload any, nowMs int64) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal gossip payload: %w", err)
	}
	epoch := epochNum(nowMs)
	key := c.epochKey(epoch)
	nonce, err := soulcrypto.RandomNonce12()
	if err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	ct, err := soulcrypto.AEADSeal(key, nonce, aad(epoch), raw)
	if err != nil {
		return nil, fmt.Errorf("seal: %w", err)
	}
	return &Envelope{
		CT: base64.StdEncoding.EncodeToString(ct),
		IV: base64.StdEncoding.EncodeToString(nonce),
		EP: epoch,
		V:  wireVersion,
	}, nil
}

// Decrypt opens env against the key for env.EP, accepting epochs within
// [current-1, current+1] of nowMs's epoch, and never distinguishing a bad
// key from a tampered ciphertext in its error.
func (c *Cipher) Decrypt(env *Envelope, nowMs int64, out any) (bool, error) {
	if env.V != wireVersion {
		return false, nil
	}
	current := epochNum(nowMs)
	if env.EP < current-1 || env.EP > current+1 {
		return false, nil
	}
	ct, err := base64.StdEncoding.DecodeString(env.CT)
	if err != nil {
		return false, nil
	}
	nonce, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil {
		return false, nil
	}
	key := c.epochKey(env.EP)
	plaintext, err := soulcrypto.AEADOpen(key, nonce, aad(env.EP), ct)
	if err != nil {
		return false, nil
	}
	if out != nil {
		if err := json.Unmarshal(plaintext, out); err != nil {
			return false, nil
		}
	}
	return true, nil
}
