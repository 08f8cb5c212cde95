package gossip

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"
)

// CommitGossip is the payload the /verify handler broadcasts the moment a
// nullifier commits, so peers can adopt the commit
// before the next AntiEntropySync tick rather than waiting out
// antientropy.DefaultPeriod.
type CommitGossip struct {
	Kind  string          `json:"kind"` // "nullifier" | "attestation"
	Entry json.RawMessage `json:"entry"`
}

// Broadcaster pushes sealed gossip envelopes to every known peer,
// fire-and-forget. The one-POST-per-peer fan-out mirrors
// pkg/consensus/transport.go's HTTPTransport.post, encrypted under Cipher
// instead of sent as signed plaintext.
type Broadcaster struct {
	cipher  *Cipher
	selfDID string
	peers   map[string]string // DID -> base URL
	client  *http.Client
	logger  *log.Logger
}

// NewBroadcaster builds a Broadcaster over the given peer set.
func NewBroadcaster(cipher *Cipher, selfDID string, peers map[string]string, logger *log.Logger) *Broadcaster {
	if logger == nil {
		logger = log.Default()
	}
	return &Broadcaster{
		cipher:  cipher,
		selfDID: selfDID,
		peers:   peers,
		client:  &http.Client{Timeout: 5 * time.Second},
		logger:  logger,
	}
}

// Broadcast seals payload and POSTs it to every peer's /internal/gossip.
// Each peer send runs in its own goroutine; failures are logged and never
// returned, since a dropped gossip message is recovered by the next
// AntiEntropySync tick.
func (b *Broadcaster) Broadcast(ctx context.Context, payload any) {
	env, err := b.cipher.Encrypt(payload, time.Now().UnixMilli())
	if err != nil {
		b.logger.Printf("gossip: seal failed: %v", err)
		return
	}
	raw, err := json.Marshal(env)
	if err != nil {
		b.logger.Printf("gossip: marshal envelope failed: %v", err)
		return
	}
	for did, base := range b.peers {
		go b.send(ctx, did, base, raw)
	}
}

func (b *Broadcaster) send(ctx context.Context, peerDID, base string, envelope []byte) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/internal/gossip", bytes.NewReader(envelope))
	if err != nil {
		b.logger.Printf("gossip: build request to %s: %v", peerDID, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Soulprint-Node-DID", b.selfDID)
	resp, err := b.client.Do(req)
	if err != nil {
		b.logger.Printf("gossip: send to %s failed: %v", peerDID, err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b.logger.Printf("gossip: peer %s returned status %d", peerDID, resp.StatusCode)
		return
	}
}
