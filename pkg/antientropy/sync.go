// Package antientropy implements Soulprint's AntiEntropySync component: a
// periodic pull loop that reconciles the local nullifier/attestation state
// against known peers. The ticker loop (Run, stopped by cancelling its
// context) follows pkg/anchor/scheduler.go's AnchorSchedulerService; the single-flight guard
// follows pkg/attestation/service.go's peer-fan-out pattern.
package antientropy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"sort"
	"sync/atomic"
	"time"

	"github.com/soulprint-network/validator/pkg/attestation"
	"github.com/soulprint-network/validator/pkg/consensus"
)

const (
	DefaultPeriod  = 60 * time.Second
	BackoffBase    = 1 * time.Second
	BackoffCap     = 8 * time.Second
	PageLimit      = 500
	HashFetchTimeout = 5 * time.Second
	PageFetchTimeout = 10 * time.Second
)

// StateHash is the response shape of GET /state/hash.
type StateHash struct {
	Hash string `json:"hash"`
}

// StateInfo is the response shape of GET /state/info.
type StateInfo struct {
	NullifierCount   int    `json:"nullifier_count"`
	AttestationCount int    `json:"attestation_count"`
	LatestTS         int64  `json:"latest_ts"`
	ProtocolHash     string `json:"protocol_hash"`
	NodeVersion      string `json:"node_version"`
}

// StatePage is one page of GET /state?page&limit&since.
type StatePage struct {
	Nullifiers   []*consensus.CommitEntry      `json:"nullifiers"`
	Attestations map[string][]attestation.Entry `json:"attestations"`
	Reps         map[string]attestation.Rep     `json:"reps"`
	Page         int                            `json:"page"`
	TotalPages   int                            `json:"total_pages"`
	ProtocolHash string                         `json:"protocol_hash"`
}

// Peer is the HTTP surface anti-entropy fetches from a remote node.
type Peer interface {
	FetchStateHash(ctx context.Context) (*StateHash, error)
	FetchStateInfo(ctx context.Context) (*StateInfo, error)
	FetchStatePage(ctx context.Context, page, limit int, since int64) (*StatePage, error)
}

// Consensus is the subset of consensus.Engine anti-entropy drives.
type Consensus interface {
	CommittedKeys() []string
	ImportState(entries []*consensus.CommitEntry) int
}

// Attestations is the subset of attestation.Engine anti-entropy drives.
type Attestations interface {
	ImportState(entries []attestation.Entry) int
}

// Syncer runs the periodic pull loop against a fixed peer set.
type Syncer struct {
	period       time.Duration
	protocolHash string
	peers        map[string]Peer
	consensus    Consensus
	attestations Attestations
	logger       *log.Logger

	lastSyncTS int64
	inFlight   int32 // single-flight guard, CAS'd
}

// Config configures a Syncer.
type Config struct {
	Period       time.Duration
	ProtocolHash string
	Peers        map[string]Peer
	Consensus    Consensus
	Attestations Attestations
	Logger       *log.Logger
}

// New builds a Syncer from cfg, applying DefaultPeriod if unset.
func New(cfg Config) *Syncer {
	period := cfg.Period
	if period <= 0 {
		period = DefaultPeriod
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Syncer{
		period:       period,
		protocolHash: cfg.ProtocolHash,
		peers:        cfg.Peers,
		consensus:    cfg.Consensus,
		attestations: cfg.Attestations,
		logger:       logger,
	}
}

// Run blocks, ticking every s.period until ctx is cancelled.
func (s *Syncer) Run(ctx context.Context) {
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			imported, attested := s.Tick(ctx)
			if imported > 0 || attested > 0 {
				s.logger.Printf("antientropy: imported %d nullifiers, %d attestations", imported, attested)
			}
		}
	}
}

// Tick runs one sync pass across all peers, stopping after the first peer
// that succeeds. It is single-flighted: a concurrent call while one is
// already running short-circuits and returns (0, 0).
func (s *Syncer) Tick(ctx context.Context) (importedNullifiers, importedAttestations int) {
	if !atomic.CompareAndSwapInt32(&s.inFlight, 0, 1) {
		return 0, 0
	}
	defer atomic.StoreInt32(&s.inFlight, 0)

	localHash := s.localHash()
	for did, peer := range s.peers {
		n, a, err := s.syncWithPeer(ctx, did, peer, localHash)
		if err != nil {
			s.logger.Printf("antientropy: sync with %s failed: %v", did, err)
			continue
		}
		if n > 0 || a > 0 {
			s.lastSyncTS = time.Now().Unix()
		}
		return n, a
	}
	return 0, 0
}

func (s *Syncer) localHash() string {
	return ComputeStateHash(s.consensus.CommittedKeys())
}

// ComputeStateHash hashes a sorted nullifier-key set the same way a
// GET /state/hash handler must, so a server's response stays consistent
// with what a Syncer compares it against.
func ComputeStateHash(keys []string) string {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	joined := ""
	for _, k := range sorted {
		joined += k
	}
	sum := sha256.Sum256([]byte(joined))
	return hex.EncodeToString(sum[:])
}

func (s *Syncer) syncWithPeer(ctx context.Context, did string, peer Peer, localHash string) (int, int, error) {
	hashCtx, cancel := context.WithTimeout(ctx, HashFetchTimeout)
	defer cancel()
	remoteHash, err := retry(hashCtx, func(c context.Context) (*StateHash, error) {
		return peer.FetchStateHash(c)
	})
	if err != nil {
		return 0, 0, fmt.Errorf("fetch state hash: %w", err)
	}
	if remoteHash.Hash == localHash {
		return 0, 0, nil
	}

	info, err := retry(hashCtx, func(c context.Context) (*StateInfo, error) {
		return peer.FetchStateInfo(c)
	})
	if err != nil {
		return 0, 0, fmt.Errorf("fetch state info: %w", err)
	}
	if info.ProtocolHash != s.protocolHash {
		return 0, 0, fmt.Errorf("peer %s runs a different protocol hash", did)
	}

	pageCtx, pageCancel := context.WithTimeout(ctx, PageFetchTimeout)
	defer pageCancel()

	importedN, importedA := 0, 0
	page := 1
	for {
		result, err := retry(pageCtx, func(c context.Context) (*StatePage, error) {
			return peer.FetchStatePage(c, page, PageLimit, s.lastSyncTS)
		})
		if err != nil {
			return importedN, importedA, fmt.Errorf("fetch state page %d: %w", page, err)
		}
		if result.ProtocolHash != s.protocolHash {
			return importedN, importedA, fmt.Errorf("peer %s runs a different protocol hash mid-page", did)
		}

		importedN += s.consensus.ImportState(result.Nullifiers)
		flat := make([]attestation.Entry, 0)
		for _, entries := range result.Attestations {
			flat = append(flat, entries...)
		}
		importedA += s.attestations.ImportState(flat)

		if result.Page >= result.TotalPages {
			break
		}
		page++
	}
	return importedN, importedA, nil
}

// retry runs fn with exponential backoff+jitter, capped at BackoffCap, up to
// 3 attempts.
func retry[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			backoff := BackoffBase * time.Duration(1<<uint(attempt-1))
			if backoff > BackoffCap {
				backoff = BackoffCap
			}
			jitter := time.Duration(rand.Int63n(int64(backoff) / 2))
			select {
			case <-time.After(backoff + jitter):
			case <-ctx.Done():
				return zero, ctx.Err()
			}
		}
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err
	}
	return zero, lastErr
}

// HTTPPeer is the default Peer implementation, speaking plain JSON GET
// requests to a peer's base URL.
type HTTPPeer struct {
	BaseURL string
	Client  *http.Client
}

func (p *HTTPPeer) httpClient() *http.Client {
	if p.Client != nil {
		return p.Client
	}
	return http.DefaultClient
}

func (p *HTTPPeer) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.BaseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := p.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s returned status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (p *HTTPPeer) FetchStateHash(ctx context.Context) (*StateHash, error) {
	var out StateHash
	if err := p.getJSON(ctx, "/state/hash", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (p *HTTPPeer) FetchStateInfo(ctx context.Context) (*StateInfo, error) {
	var out StateInfo
	if err := p.getJSON(ctx, "/state/info", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (p *HTTPPeer) FetchStatePage(ctx context.Context, page, limit int, since int64) (*StatePage, error) {
	path := fmt.Sprintf("/state?page=%d&limit=%d&since=%d", page, limit, since)
	var out StatePage
	if err := p.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
