// Command validator runs a single Soulprint validator node: it loads this
// node's Ed25519 identity, wires NullifierConsensus, AttestationEngine,
// GossipCipher, AntiEntropySync, LedgerAnchor and the HTTP boundary
// together, and serves them until a termination signal arrives. The
// startup/shutdown shape follows the reference node's main.go: flag
// parsing, a HealthStatus struct updated as each optional component comes
// up, a single shared http.ServeMux, goroutine-launched background tasks
// under a cancelable context, and signal-driven graceful shutdown.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/soulprint-network/validator/pkg/antientropy"
	"github.com/soulprint-network/validator/pkg/attestation"
	"github.com/soulprint-network/validator/pkg/config"
	"github.com/soulprint-network/validator/pkg/consensus"
	"github.com/soulprint-network/validator/pkg/crypto/bls"
	"github.com/soulprint-network/validator/pkg/evmledger"
	"github.com/soulprint-network/validator/pkg/gossip"
	"github.com/soulprint-network/validator/pkg/ledgeranchor"
	"github.com/soulprint-network/validator/pkg/mirror"
	"github.com/soulprint-network/validator/pkg/nodestate"
	"github.com/soulprint-network/validator/pkg/server"
	"github.com/soulprint-network/validator/pkg/soulcrypto"
	"github.com/soulprint-network/validator/pkg/telemetry"
	"github.com/soulprint-network/validator/pkg/zkverify"

	"github.com/consensys/gnark/backend/groth16"
)

// HealthStatus tracks the health of optional components for the /health
// endpoint, the same explicit-degradation shape the reference node uses.
type HealthStatus struct {
	Status     string `json:"status"` // "starting", "ok", "degraded"
	Ledger     string `json:"ledger"` // "connected", "disconnected", "disabled"
	Mirror     string `json:"mirror"` // "connected", "disconnected", "disabled"
	ZKProof    string `json:"zk_proof"`
	UptimeSecs int64  `json:"uptime_seconds"`
	startTime  time.Time
	mu         sync.RWMutex
}

var healthStatus = &HealthStatus{
	Status:    "starting",
	Ledger:    "unknown",
	Mirror:    "unknown",
	ZKProof:   "unknown",
	startTime: time.Now(),
}

func (h *HealthStatus) SetLedger(status string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Ledger = status
	h.updateOverallLocked()
}

func (h *HealthStatus) SetMirror(status string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Mirror = status
	h.updateOverallLocked()
}

func (h *HealthStatus) SetZKProof(status string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ZKProof = status
	h.updateOverallLocked()
}

func (h *HealthStatus) updateOverallLocked() {
	if h.Ledger == "disconnected" {
		h.Status = "degraded"
		return
	}
	h.Status = "ok"
}

func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	h.UptimeSecs = int64(time.Since(h.startTime).Seconds())
	h.mu.Unlock()

	h.mu.RLock()
	defer h.mu.RUnlock()
	w.Header().Set("Content-Type", "application/json")
	json := fmt.Sprintf(`{"status":%q,"ledger":%q,"mirror":%q,"zk_proof":%q,"uptime_seconds":%d}`,
		h.Status, h.Ledger, h.Mirror, h.ZKProof, h.UptimeSecs)
	_, _ = w.Write([]byte(json))
}

func main() {
	log.SetOutput(os.Stdout)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.Printf("🚀 Starting Soulprint validator node")

	var (
		configPath = flag.String("config", "", "Path to soulprint.yaml overlay (peers, protocol constants)")
		showHelp   = flag.Bool("help", false, "Show help message")
	)
	flag.Parse()

	if *showHelp {
		printHelp()
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("❌ Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("❌ Invalid configuration: %v", err)
	}
	log.Printf("📋 Config loaded: data_dir=%s listen=%s min_peers=%d peers=%d",
		cfg.DataDir, cfg.ListenAddr, cfg.MinPeers, len(cfg.Peers))

	keyPath := cfg.Ed25519KeyPath
	if keyPath == "" {
		keyPath = filepath.Join(cfg.DataDir, "ed25519_key.hex")
	}
	pub, priv, err := nodestate.LoadOrCreateKeypair(keyPath)
	if err != nil {
		log.Fatalf("❌ Failed to load/generate node keypair: %v", err)
	}
	selfDID, err := soulcrypto.DIDFromPubkey(pub)
	if err != nil {
		log.Fatalf("❌ Failed to derive DID from node key: %v", err)
	}
	log.Printf("🔑 Node identity: %s", selfDID)

	protocolHash, err := resolveProtocolHash(cfg.ProtocolHash)
	if err != nil {
		log.Fatalf("❌ Invalid SOULPRINT_PROTOCOL_HASH: %v", err)
	}

	log.Println("🗄️ Opening node state store...")
	store, err := nodestate.Open(cfg.DataDir, "soulprint")
	if err != nil {
		log.Fatalf("❌ Failed to open node state store: %v", err)
	}
	defer store.Close()

	metrics := telemetry.New()

	zkPool := zkverify.NewPool()
	defer zkPool.Stop()
	verifyingKey := loadVerifyingKey(cfg.ZKVerifyingKeyPath)
	if verifyingKey != nil {
		healthStatus.SetZKProof("enabled")
	} else {
		healthStatus.SetZKProof("disabled")
		log.Printf("⚠️ ZK_VERIFYING_KEY_PATH not set - /verify will skip zk proof checks")
	}

	// A node's BLS co-signing key is deterministic from its Ed25519 seed, so
	// there's nothing extra to persist or back up: restarting with the same
	// ed25519_key.hex regenerates the same BLS key.
	blsPriv, _, blsErr := bls.GenerateKeyPairFromSeed(priv.Seed())
	if blsErr != nil {
		log.Printf("⚠️ BLS co-signing disabled: %v", blsErr)
		blsPriv = nil
	}

	consensusEngine, err := consensus.New(consensus.Config{
		SelfDID:      selfDID,
		SelfPriv:     priv,
		MinPeers:     cfg.MinPeers,
		RoundTimeout: cfg.RoundTimeout,
		ProtocolHash: protocolHash,
		Transport:    consensus.NewHTTPTransport(selfDID, cfg.Peers),
		Store:        store,
		ZKPool:       zkPool,
		VerifyingKey: verifyingKey,
		BLSPriv:      blsPriv,
	})
	if err != nil {
		log.Fatalf("❌ Failed to start consensus engine: %v", err)
	}
	log.Printf("✅ Restored %d committed nullifiers from disk", len(consensusEngine.CommittedKeys()))

	// did:key self-describes its Ed25519 public key, so every peer's VOTE/
	// COMMIT signature can be verified without a separate key-exchange step.
	for peerDID := range cfg.Peers {
		peerPub, pkErr := soulcrypto.PubkeyFromDID(peerDID)
		if pkErr != nil {
			log.Printf("⚠️ Skipping peer %s: %v", peerDID, pkErr)
			continue
		}
		consensusEngine.RegisterPeer(peerDID, peerPub)
	}

	attestationEngine := attestation.NewEngine(consensusEngine)
	if loadErr := store.LoadAttestationState(attestationEngine); loadErr != nil {
		log.Printf("⚠️ No prior attestation state to restore: %v", loadErr)
	}

	gossipCipher := gossip.New(protocolHash)
	broadcaster := gossip.NewBroadcaster(gossipCipher, selfDID, cfg.Peers, log.New(os.Stdout, "[gossip] ", log.LstdFlags))

	var anchor *ledgeranchor.Anchor
	if cfg.LedgerEnabled {
		log.Println("🌐 [LedgerAnchor] Connecting to EVM ledger...")
		ledgerClient, ledgerErr := evmledger.New(cfg.LedgerRPCURL, cfg.LedgerChainID, cfg.LedgerContractAddr, cfg.LedgerSignerKeyHex)
		if ledgerErr != nil {
			log.Printf("⚠️ [LedgerAnchor] Failed to connect - running in DEGRADED mode (queue-only): %v", ledgerErr)
			healthStatus.SetLedger("disconnected")
			anchor, err = ledgeranchor.New(nil, store, log.New(os.Stdout, "[anchor] ", log.LstdFlags))
		} else {
			log.Println("✅ [LedgerAnchor] Connected to EVM ledger")
			healthStatus.SetLedger("connected")
			anchor, err = ledgeranchor.New(ledgerClient, store, log.New(os.Stdout, "[anchor] ", log.LstdFlags))
		}
	} else {
		healthStatus.SetLedger("disabled")
		anchor, err = ledgeranchor.New(nil, store, log.New(os.Stdout, "[anchor] ", log.LstdFlags))
	}
	if err != nil {
		log.Fatalf("❌ Failed to start LedgerAnchor: %v", err)
	}

	mirrorCfg := mirror.Config{
		ProjectID:       cfg.MirrorProjectID,
		CredentialsFile: cfg.MirrorCredentialsFile,
		Enabled:         cfg.MirrorEnabled,
		Logger:          log.New(os.Stdout, "[mirror] ", log.LstdFlags),
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dashboardMirror, err := mirror.New(ctx, mirrorCfg)
	if err != nil {
		log.Printf("⚠️ [Mirror] Failed to connect - dashboard replication DISABLED: %v", err)
		healthStatus.SetMirror("disconnected")
	} else if cfg.MirrorEnabled {
		log.Println("✅ [Mirror] Connected to Firestore")
		healthStatus.SetMirror("connected")
	} else {
		healthStatus.SetMirror("disabled")
	}
	if dashboardMirror != nil {
		defer dashboardMirror.Close()
	}

	syncer := antientropy.New(antientropy.Config{
		Consensus:    consensusEngine,
		Attestations: attestationEngine,
		Peers:        buildPeerMap(cfg.Peers),
		Period:       cfg.SyncPeriod,
		ProtocolHash: hex.EncodeToString(protocolHash[:]),
	})

	handlers := server.New(server.Handlers{
		SelfDID:      selfDID,
		SelfPriv:     priv,
		Protocol:     "soulprint-v1",
		ProtocolHash: protocolHash,
		Capabilities: []string{"verify", "nullifier", "token-renew", "challenge", "anti-entropy"},

		Consensus:   consensusEngine,
		Attestation: attestationEngine,
		ZKPool:      zkPool,
		VK:          verifyingKey,
		Metrics:     metrics,

		Gossip:      gossipCipher,
		Broadcaster: broadcaster,
		Mirror:      dashboardMirror,
	}, log.New(os.Stdout, "[server] ", log.LstdFlags))

	mux := handlers.Mux()
	mux.Handle("GET /health", healthStatus)
	mux.Handle("GET /metrics", metrics.Handler())

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}

	go syncer.Run(ctx)
	go anchor.Run(ctx)

	go func() {
		log.Printf("🌐 Soulprint validator API listening on %s", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ Failed to start HTTP server: %v", err)
		}
	}()

	log.Printf("✅ Soulprint validator node ready")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Printf("🛑 Shutting down Soulprint validator node...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	anchor.Flush(shutdownCtx)
	if err := store.SaveCommitted(toCommittedMap(consensusEngine.Snapshot())); err != nil {
		log.Printf("save committed state error: %v", err)
	}

	log.Printf("✅ Soulprint validator node stopped")
}

func resolveProtocolHash(hexHash string) ([32]byte, error) {
	var out [32]byte
	if hexHash == "" {
		h, err := soulcrypto.CanonicalHash(struct{ Version string }{Version: "soulprint-v1"})
		return h, err
	}
	decoded, err := hex.DecodeString(hexHash)
	if err != nil || len(decoded) != 32 {
		return out, fmt.Errorf("expected 32-byte hex string, got %q", hexHash)
	}
	copy(out[:], decoded)
	return out, nil
}

func buildPeerMap(peers map[string]string) map[string]antientropy.Peer {
	out := make(map[string]antientropy.Peer, len(peers))
	for did, base := range peers {
		out[did] = &antientropy.HTTPPeer{BaseURL: base}
	}
	return out
}

func toCommittedMap(entries []*consensus.CommitEntry) map[string]*consensus.CommitEntry {
	out := make(map[string]*consensus.CommitEntry, len(entries))
	for _, e := range entries {
		out[e.Nullifier] = e
	}
	return out
}

func loadVerifyingKey(path string) groth16.VerifyingKey {
	if path == "" {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		log.Printf("⚠️ Failed to read ZK_VERIFYING_KEY_PATH %s: %v", path, err)
		return nil
	}
	loaded, err := zkverify.LoadVerifyingKey(raw)
	if err != nil {
		log.Printf("⚠️ Failed to parse zk verifying key at %s: %v", path, err)
		return nil
	}
	return loaded
}

func printHelp() {
	fmt.Println("Soulprint validator node")
	fmt.Println()
	fmt.Println("Usage: validator [flags]")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
}
