// Package mirror implements an optional, disabled-by-default, fire-and-
// forget replica of committed nullifiers and reputation into Firestore, for
// dashboard consumption. Adapted from pkg/firestore/client.go: same
// Enabled-flag no-op pattern and the same credentials-file option, but
// talking to cloud.google.com/go/firestore directly instead of through the
// Firebase Admin SDK wrapper (see DESIGN.md for why that wrapper was
// dropped).
package mirror

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/option"

	"github.com/soulprint-network/validator/pkg/attestation"
	"github.com/soulprint-network/validator/pkg/consensus"
)

// Config configures a Mirror.
type Config struct {
	ProjectID       string
	CredentialsFile string
	Enabled         bool
	Logger          *log.Logger
}

// DefaultConfig reads mirror settings from the environment, following
// pkg/firestore/client.go's DefaultConfig idiom.
func DefaultConfig() Config {
	return Config{
		ProjectID:       os.Getenv("SOULPRINT_MIRROR_PROJECT_ID"),
		CredentialsFile: os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"),
		Enabled:         os.Getenv("SOULPRINT_MIRROR_ENABLED") == "true",
		Logger:          log.New(os.Stdout, "[mirror] ", log.LstdFlags),
	}
}

// Mirror writes committed nullifiers and reputation snapshots to Firestore.
// When disabled, every method is a no-op.
type Mirror struct {
	client  *firestore.Client
	enabled bool
	logger  *log.Logger
	mu      sync.RWMutex
}

// New builds a Mirror. If cfg.Enabled is false, returns a no-op Mirror
// without dialing Firestore at all.
func New(ctx context.Context, cfg Config) (*Mirror, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "[mirror] ", log.LstdFlags)
	}
	if !cfg.Enabled {
		logger.Println("state mirror is disabled - running in no-op mode")
		return &Mirror{enabled: false, logger: logger}, nil
	}
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("mirror: project id is required when enabled")
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := firestore.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("mirror: dial firestore: %w", err)
	}
	logger.Printf("state mirror enabled for project %s", cfg.ProjectID)
	return &Mirror{client: client, enabled: true, logger: logger}, nil
}

// IsEnabled reports whether this Mirror actually talks to Firestore.
func (m *Mirror) IsEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}

// Close releases the underlying Firestore client, if any.
func (m *Mirror) Close() error {
	if m.client == nil {
		return nil
	}
	return m.client.Close()
}

// MirrorCommit writes one committed nullifier entry, fire-and-forget. Errors
// are logged, never surfaced to the caller, since the mirror is a
// best-effort dashboard aid and must never affect the commit path.
func (m *Mirror) MirrorCommit(entry *consensus.CommitEntry) {
	if !m.IsEnabled() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		doc := m.client.Collection("nullifiers").Doc(entry.Nullifier)
		if _, err := doc.Set(ctx, map[string]any{
			"did":          entry.DID,
			"committed_ms": entry.CommittedMs,
			"commit_did":   entry.CommitDID,
			"vote_count":   entry.VoteCount,
			"mirrored_at":  time.Now().Unix(),
		}); err != nil {
			m.logger.Printf("mirror: write nullifier %s: %v", entry.Nullifier, err)
		}
	}()
}

// MirrorReputation writes a DID's reputation snapshot, fire-and-forget.
func (m *Mirror) MirrorReputation(did string, rep attestation.Rep) {
	if !m.IsEnabled() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		doc := m.client.Collection("reputation").Doc(did)
		if _, err := doc.Set(ctx, map[string]any{
			"score":          rep.Score,
			"positive_count": rep.PositiveCount,
			"negative_count": rep.NegativeCount,
			"last_updated":   rep.LastUpdated,
			"mirrored_at":    time.Now().Unix(),
		}); err != nil {
			m.logger.Printf("mirror: write reputation %s: %v", did, err)
		}
	}()
}
