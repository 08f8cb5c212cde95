package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for a Soulprint validator node.
type Config struct {
	// Node identity
	DataDir        string // base directory for keypair, nodestate db, queues
	Ed25519KeyPath string // path to this node's Ed25519 keypair file

	// HTTP surface
	ListenAddr  string
	MetricsAddr string

	// NullifierConsensus
	MinPeers           int
	RoundTimeout       time.Duration
	ProtocolHash       string // hex; empty means derive from the built-in protocol version at startup
	ZKVerifyingKeyPath string // path to a serialized groth16 verifying key; empty skips zk proof verification

	// AntiEntropySync
	SyncPeriod time.Duration

	// LedgerAnchor / evmledger
	LedgerRPCURL         string
	LedgerChainID        int64
	LedgerContractAddr   string
	LedgerSignerKeyHex   string
	LedgerEnabled        bool

	// Mirror (optional Firestore dashboard replica)
	MirrorEnabled         bool
	MirrorProjectID       string
	MirrorCredentialsFile string

	// Peer set: DID -> base URL, loaded from the YAML overlay only (the
	// peer set is topology, not a secret, so it lives in a versioned file
	// rather than the environment).
	Peers map[string]string

	LogLevel string
}

// Load reads base configuration from the environment, following
// pkg/config/config.go's getEnv* idiom, then applies an optional YAML
// overlay (peer set and protocol constants) if yamlPath is non-empty.
func Load(yamlPath string) (*Config, error) {
	cfg := &Config{
		DataDir:        getEnv("SOULPRINT_DATA_DIR", "./data"),
		Ed25519KeyPath: getEnv("SOULPRINT_KEY_PATH", ""),

		ListenAddr:  getEnv("API_HOST", "0.0.0.0") + ":" + getEnv("API_PORT", "8080"),
		MetricsAddr: getEnv("API_HOST", "0.0.0.0") + ":" + getEnv("METRICS_PORT", "9090"),

		MinPeers:           getEnvInt("SOULPRINT_MIN_PEERS", 0),
		RoundTimeout:       getEnvDuration("SOULPRINT_ROUND_TIMEOUT", 3*time.Second),
		ProtocolHash:       getEnv("SOULPRINT_PROTOCOL_HASH", ""),
		ZKVerifyingKeyPath: getEnv("ZK_VERIFYING_KEY_PATH", ""),

		SyncPeriod: getEnvDuration("SOULPRINT_SYNC_PERIOD", 60*time.Second),

		LedgerRPCURL:       getEnv("LEDGER_RPC_URL", ""),
		LedgerChainID:      getEnvInt64("LEDGER_CHAIN_ID", 11155111),
		LedgerContractAddr: getEnv("LEDGER_CONTRACT_ADDRESS", ""),
		LedgerSignerKeyHex: getEnv("LEDGER_SIGNER_KEY", ""),
		LedgerEnabled:      getEnvBool("LEDGER_ENABLED", false),

		MirrorEnabled:         getEnvBool("SOULPRINT_MIRROR_ENABLED", false),
		MirrorProjectID:       getEnv("SOULPRINT_MIRROR_PROJECT_ID", ""),
		MirrorCredentialsFile: getEnv("GOOGLE_APPLICATION_CREDENTIALS", ""),

		Peers: make(map[string]string),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	if yamlPath != "" {
		if err := cfg.applyYAMLOverlay(yamlPath); err != nil {
			return nil, fmt.Errorf("apply yaml overlay %s: %w", yamlPath, err)
		}
	}

	return cfg, nil
}

// overlay is the subset of Config that may be set via soulprint.yaml: the
// static peer set and protocol constants that operators version-control
// rather than pass as environment variables.
type overlay struct {
	Peers        map[string]string `yaml:"peers"`
	ProtocolHash string            `yaml:"protocol_hash"`
	MinPeers     *int              `yaml:"min_peers"`
	RoundTimeout string            `yaml:"round_timeout"`
	SyncPeriod   string            `yaml:"sync_period"`
}

func (c *Config) applyYAMLOverlay(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}
	var ov overlay
	if err := yaml.Unmarshal(raw, &ov); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}

	if len(ov.Peers) > 0 {
		c.Peers = ov.Peers
	}
	if ov.ProtocolHash != "" {
		c.ProtocolHash = ov.ProtocolHash
	}
	if ov.MinPeers != nil {
		c.MinPeers = *ov.MinPeers
	}
	if ov.RoundTimeout != "" {
		d, err := time.ParseDuration(ov.RoundTimeout)
		if err != nil {
			return fmt.Errorf("round_timeout: %w", err)
		}
		c.RoundTimeout = d
	}
	if ov.SyncPeriod != "" {
		d, err := time.ParseDuration(ov.SyncPeriod)
		if err != nil {
			return fmt.Errorf("sync_period: %w", err)
		}
		c.SyncPeriod = d
	}
	return nil
}

// Validate checks that configuration required to run a node is present.
func (c *Config) Validate() error {
	var errs []string
	if c.DataDir == "" {
		errs = append(errs, "SOULPRINT_DATA_DIR must not be empty")
	}
	if c.LedgerEnabled {
		if c.LedgerRPCURL == "" {
			errs = append(errs, "LEDGER_RPC_URL is required when LEDGER_ENABLED=true")
		}
		if c.LedgerContractAddr == "" {
			errs = append(errs, "LEDGER_CONTRACT_ADDRESS is required when LEDGER_ENABLED=true")
		}
		if c.LedgerSignerKeyHex == "" {
			errs = append(errs, "LEDGER_SIGNER_KEY is required when LEDGER_ENABLED=true")
		}
	}
	if c.MirrorEnabled && c.MirrorProjectID == "" {
		errs = append(errs, "SOULPRINT_MIRROR_PROJECT_ID is required when SOULPRINT_MIRROR_ENABLED=true")
	}
	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
