// Package config assembles the immutable ConsensusConfig value that is
// threaded into every component at construction (Design Note §9 — no
// process-wide mutable state, epoch parameters never change within a run).
//
// Precedence, lowest to highest: compiled-in defaults, an optional YAML
// file, environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConsensusConfig carries every tunable named in spec.md §6, plus the
// binding decisions for the Open Questions of §9 and the per-run genesis
// proposer identity used by the epoch manager (§4.7 step 4).
type ConsensusConfig struct {
	// Network identity, bound into every epoch-data leaf (§4.8) so proofs
	// from different deployments can never be confused for one another.
	ChainID    uint32 `yaml:"chain_id"`
	ProtocolID uint16 `yaml:"protocol_id"`

	// Indexing activation / reindex controls.
	EnabledAtBlock    uint64 `yaml:"enabled_at_block"`
	Reindex           bool   `yaml:"reindex"`
	ReindexFromBlock  uint64 `yaml:"reindex_from_block"`

	// Epoch parameters.
	BlocksPerEpoch         uint64 `yaml:"blocks_per_epoch"`
	MinDifficulty          int    `yaml:"min_difficulty"`           // minimum matching bits
	GraffitiLength         int    `yaml:"graffiti_length"`          // max graffiti bytes
	MaxAttestationPerBlock int    `yaml:"max_attestation_per_block"`

	// Contract execution host limits.
	CallDepthMax   int   `yaml:"call_depth_max"`
	DeployDepthMax int   `yaml:"deploy_depth_max"`
	GasLimitPerTx  int64 `yaml:"gas_limit_per_tx"`
	SatToGas       int64 `yaml:"sat_to_gas"` // gas units per satoshi of burned_fee

	// Bulk-sync / IBD controller.
	IBDThreshold        uint64 `yaml:"ibd_threshold"`
	CheckpointInterval  uint64 `yaml:"checkpoint_interval"`
	WorkerCount         int    `yaml:"worker_count"`
	HeaderBatchSize     int    `yaml:"header_batch_size"`
	TransactionBatchSize int   `yaml:"transaction_batch_size"`

	// Reorg watchdog.
	ReorgFastPathDepth uint64 `yaml:"reorg_fast_path_depth"`

	// Contract execution worker pool (§5), default 10.
	ExecutionPoolSize int `yaml:"execution_pool_size"`

	// Execution wall-clock cap, paired with the gas cap (§5).
	ExecutionWallClock time.Duration `yaml:"execution_wall_clock"`

	// Genesis proposer used as the epoch winner when no submission is
	// valid (§4.7 step 4). 32-byte public key, hex-encoded in YAML/env.
	GenesisProposerPublicKeyHex string `yaml:"genesis_proposer_public_key"`

	// Storage / RPC endpoints — collaborator wiring, not core logic.
	DatabaseURL      string `yaml:"database_url"`
	DatabaseMaxConns int    `yaml:"database_max_conns"`
	DatabaseMinConns int    `yaml:"database_min_conns"`
	PointerStoreDir  string `yaml:"pointer_store_dir"` // cometbft-db backend directory

	BaseChainRPCURL string `yaml:"base_chain_rpc_url"`

	ListenAddr  string `yaml:"listen_addr"`
	MetricsAddr string `yaml:"metrics_addr"`

	LogLevel string `yaml:"log_level"`
}

// Defaults returns the compiled-in baseline configuration.
func Defaults() *ConsensusConfig {
	return &ConsensusConfig{
		ChainID:    1,
		ProtocolID: 1,

		BlocksPerEpoch:         2016,
		MinDifficulty:          20,
		GraffitiLength:         32,
		MaxAttestationPerBlock: 8,

		CallDepthMax:   16,
		DeployDepthMax: 4,
		GasLimitPerTx:  10_000_000,
		SatToGas:       1000,

		IBDThreshold:         100,
		CheckpointInterval:   1000,
		WorkerCount:          8,
		HeaderBatchSize:      2000,
		TransactionBatchSize: 500,

		ReorgFastPathDepth: 100,
		ExecutionPoolSize:  10,
		ExecutionWallClock: 5 * time.Second,

		GenesisProposerPublicKeyHex: strings.Repeat("0", 64),

		DatabaseMaxConns: 25,
		DatabaseMinConns: 5,
		PointerStoreDir:  "./data/pointers",

		ListenAddr:  "0.0.0.0:8080",
		MetricsAddr: "0.0.0.0:9090",
		LogLevel:    "info",
	}
}

// Load builds a ConsensusConfig from defaults, an optional YAML file at
// path (ignored if empty or missing), and environment variable overrides.
func Load(yamlPath string) (*ConsensusConfig, error) {
	cfg := Defaults()

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file %s: %w", yamlPath, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", yamlPath, err)
		}
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

func applyEnvOverrides(cfg *ConsensusConfig) {
	cfg.EnabledAtBlock = getEnvUint64("ENABLED_AT_BLOCK", cfg.EnabledAtBlock)
	cfg.Reindex = getEnvBool("REINDEX", cfg.Reindex)
	cfg.ReindexFromBlock = getEnvUint64("REINDEX_FROM_BLOCK", cfg.ReindexFromBlock)

	cfg.BlocksPerEpoch = getEnvUint64("BLOCKS_PER_EPOCH", cfg.BlocksPerEpoch)
	cfg.MinDifficulty = getEnvInt("MIN_DIFFICULTY", cfg.MinDifficulty)
	cfg.GraffitiLength = getEnvInt("GRAFFITI_LENGTH", cfg.GraffitiLength)
	cfg.MaxAttestationPerBlock = getEnvInt("MAX_ATTESTATION_PER_BLOCK", cfg.MaxAttestationPerBlock)

	cfg.CallDepthMax = getEnvInt("CALL_DEPTH_MAX", cfg.CallDepthMax)
	cfg.DeployDepthMax = getEnvInt("DEPLOY_DEPTH_MAX", cfg.DeployDepthMax)
	cfg.GasLimitPerTx = getEnvInt64("GAS_LIMIT_PER_TX", cfg.GasLimitPerTx)
	cfg.SatToGas = getEnvInt64("SAT_TO_GAS", cfg.SatToGas)

	cfg.IBDThreshold = getEnvUint64("IBD_THRESHOLD", cfg.IBDThreshold)
	cfg.CheckpointInterval = getEnvUint64("CHECKPOINT_INTERVAL", cfg.CheckpointInterval)
	cfg.WorkerCount = getEnvInt("WORKER_COUNT", cfg.WorkerCount)
	cfg.HeaderBatchSize = getEnvInt("HEADER_BATCH_SIZE", cfg.HeaderBatchSize)
	cfg.TransactionBatchSize = getEnvInt("TRANSACTION_BATCH_SIZE", cfg.TransactionBatchSize)

	cfg.GenesisProposerPublicKeyHex = getEnv("GENESIS_PROPOSER_PUBLIC_KEY", cfg.GenesisProposerPublicKeyHex)

	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.DatabaseMaxConns = getEnvInt("DATABASE_MAX_CONNS", cfg.DatabaseMaxConns)
	cfg.DatabaseMinConns = getEnvInt("DATABASE_MIN_CONNS", cfg.DatabaseMinConns)
	cfg.PointerStoreDir = getEnv("POINTER_STORE_DIR", cfg.PointerStoreDir)

	cfg.BaseChainRPCURL = getEnv("BASE_CHAIN_RPC_URL", cfg.BaseChainRPCURL)

	cfg.ListenAddr = getEnv("LISTEN_ADDR", cfg.ListenAddr)
	cfg.MetricsAddr = getEnv("METRICS_ADDR", cfg.MetricsAddr)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
}

// Validate checks invariants that must hold before the node starts, the
// way the teacher's Config.Validate() refuses weak/missing production
// settings.
func (c *ConsensusConfig) Validate() error {
	var errs []string

	if c.BlocksPerEpoch == 0 {
		errs = append(errs, "BLOCKS_PER_EPOCH must be > 0")
	}
	if c.GraffitiLength < 0 {
		errs = append(errs, "GRAFFITI_LENGTH must be >= 0")
	}
	if c.MinDifficulty < 0 || c.MinDifficulty > 160 {
		errs = append(errs, "MIN_DIFFICULTY must be within [0, 160] (SHA-1 has 160 bits)")
	}
	if c.CallDepthMax <= 0 {
		errs = append(errs, "CALL_DEPTH_MAX must be > 0")
	}
	if c.DeployDepthMax <= 0 {
		errs = append(errs, "DEPLOY_DEPTH_MAX must be > 0")
	}
	if c.GasLimitPerTx <= 0 {
		errs = append(errs, "GAS_LIMIT_PER_TX must be > 0")
	}
	if c.WorkerCount <= 0 {
		errs = append(errs, "WORKER_COUNT must be > 0")
	}
	if c.CheckpointInterval == 0 {
		errs = append(errs, "CHECKPOINT_INTERVAL must be > 0")
	}
	if c.DatabaseURL == "" {
		errs = append(errs, "DATABASE_URL is required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func getEnvUint64(key string, def uint64) uint64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
