// Package config loads node configuration from the environment, with an
// optional .env file for development.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config is the full node configuration.
type Config struct {
	// Node identity: hex-encoded 32-byte Ed25519 seed. Empty generates an
	// ephemeral key, which is only useful for local experiments.
	NodeKeySeed string

	// ValidatorKeys are the hex-encoded Ed25519 public keys of the validator
	// set, this node included when it validates.
	ValidatorKeys []string

	// Role is "validator" or "observer".
	Role string

	// P2P settings.
	ListenAddr string
	Peers      []string
	TopicName  string

	// Consensus tuning.
	BatchSize      int
	BatchTimeout   time.Duration
	PipelineDepth  int
	BaseTimeout    time.Duration
	MaxTimeoutMult int

	// Logging.
	LogLevel  string
	LogOutput string

	// Metrics HTTP endpoint; empty disables it.
	MetricsAddr string

	// PostgresDSN enables the slashing and certificate archive when set.
	PostgresDSN string

	// KafkaBrokers enables commit/slash event export when non-empty.
	KafkaBrokers []string
	KafkaTopic   string
}

// Load reads configuration from the environment. When envFile is non-empty
// it is loaded first; a missing file is not an error so production can rely
// on real environment variables.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: load %s: %w", envFile, err)
		}
	}

	cfg := &Config{
		NodeKeySeed:    getString("NODE_KEY_SEED", ""),
		ValidatorKeys:  getList("VALIDATOR_KEYS"),
		Role:           getString("NODE_ROLE", "validator"),
		ListenAddr:     getString("P2P_LISTEN_ADDR", "/ip4/0.0.0.0/tcp/9000"),
		Peers:          getList("P2P_PEERS"),
		TopicName:      getString("P2P_TOPIC", "consensus/v1"),
		BatchSize:      getInt("CONSENSUS_BATCH_SIZE", 100),
		BatchTimeout:   getDuration("CONSENSUS_BATCH_TIMEOUT", 50*time.Millisecond),
		PipelineDepth:  getInt("CONSENSUS_PIPELINE_DEPTH", 4),
		BaseTimeout:    getDuration("CONSENSUS_BASE_TIMEOUT", 500*time.Millisecond),
		MaxTimeoutMult: getInt("CONSENSUS_MAX_TIMEOUT_MULT", 8),
		LogLevel:       getString("LOG_LEVEL", "info"),
		LogOutput:      getString("LOG_OUTPUT", "stdout"),
		MetricsAddr:    getString("METRICS_ADDR", ""),
		PostgresDSN:    getString("POSTGRES_DSN", ""),
		KafkaBrokers:   getList("KAFKA_BROKERS"),
		KafkaTopic:     getString("KAFKA_TOPIC", "consensus-events"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the node cannot start with.
func (c *Config) Validate() error {
	if c.Role != "validator" && c.Role != "observer" {
		return fmt.Errorf("%w: role %q", ErrInvalidConfig, c.Role)
	}
	if len(c.ValidatorKeys) < 4 {
		return fmt.Errorf("%w: %d validator keys, need at least 4", ErrInvalidConfig, len(c.ValidatorKeys))
	}
	for i, k := range c.ValidatorKeys {
		raw, err := hex.DecodeString(k)
		if err != nil || len(raw) != 32 {
			return fmt.Errorf("%w: validator key %d is not 32 hex bytes", ErrInvalidConfig, i)
		}
	}
	if c.NodeKeySeed != "" {
		raw, err := hex.DecodeString(c.NodeKeySeed)
		if err != nil || len(raw) != 32 {
			return fmt.Errorf("%w: node key seed is not 32 hex bytes", ErrInvalidConfig)
		}
	}
	if c.BatchSize <= 0 || c.PipelineDepth <= 0 {
		return fmt.Errorf("%w: batch size and pipeline depth must be positive", ErrInvalidConfig)
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaTopic == "" {
		return fmt.Errorf("%w: kafka brokers set without a topic", ErrInvalidConfig)
	}
	return nil
}

func getString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func getList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
