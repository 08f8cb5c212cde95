package consensus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPTransport sends PROPOSE/VOTE/COMMIT messages to peer nodes over
// plain JSON POST requests, mirroring pkg/attestation/service.go's
// requestFromPeer (marshal JSON, POST with a validator-identifying header,
// short client timeout).
type HTTPTransport struct {
	// endpoints maps a peer DID to its base URL, e.g.
	// "did:key:z6Mk..." -> "https://peer-2.soulprint.example".
	endpoints map[string]string
	selfDID   string
	client    *http.Client
}

// NewHTTPTransport builds a transport over the given DID→base-URL peer set.
func NewHTTPTransport(selfDID string, endpoints map[string]string) *HTTPTransport {
	return &HTTPTransport{
		endpoints: endpoints,
		selfDID:   selfDID,
		client:    &http.Client{Timeout: 5 * time.Second},
	}
}

func (t *HTTPTransport) Peers() []string {
	peers := make([]string, 0, len(t.endpoints))
	for did := range t.endpoints {
		peers = append(peers, did)
	}
	return peers
}

func (t *HTTPTransport) post(ctx context.Context, peerDID, path string, body any) error {
	base, ok := t.endpoints[peerDID]
	if !ok {
		return fmt.Errorf("unknown peer %s", peerDID)
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Soulprint-Node-DID", t.selfDID)

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s: %w", peerDID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("peer %s returned status %d", peerDID, resp.StatusCode)
	}
	return nil
}

func (t *HTTPTransport) SendPropose(ctx context.Context, peerDID string, msg Propose) error {
	return t.post(ctx, peerDID, "/internal/consensus/propose", msg)
}

func (t *HTTPTransport) SendVote(ctx context.Context, peerDID string, msg Vote) error {
	return t.post(ctx, peerDID, "/internal/consensus/vote", msg)
}

func (t *HTTPTransport) SendCommit(ctx context.Context, peerDID string, msg Commit) error {
	return t.post(ctx, peerDID, "/internal/consensus/commit", msg)
}
