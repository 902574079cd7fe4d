package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/screa/blockfeed-miner/internal/crypto"
	"github.com/screa/blockfeed-miner/pkg/target"
)

// Errors
var (
	ErrNoHeaderSpecified = errors.New("must specify --prev-hash (and optionally --merkle-root)")
	ErrNoFeedURL         = errors.New("must specify --feed-url")
	ErrNoRPCURL          = errors.New("must specify --rpc-url")
	ErrNoStateFile       = errors.New("must specify --state-file")
	ErrInvalidWorkers    = errors.New("workers must be at least 1")
	ErrUnknownFileFormat = errors.New("config file must be .toml, .yaml or .yml")
)

// Environment variables consulted by ApplyEnv.
const (
	EnvRPCURL      = "BLOCKFEED_RPC_URL"
	EnvRPCUser     = "BLOCKFEED_RPC_USER"
	EnvRPCPassword = "BLOCKFEED_RPC_PASSWORD"
	EnvFeedURL     = "BLOCKFEED_FEED_URL"
	EnvLogLevel    = "BLOCKFEED_LOG_LEVEL"
)

// Reconnect configures the feed's reconnect backoff.
type Reconnect struct {
	Initial     time.Duration `toml:"initial" yaml:"initial"`
	Max         time.Duration `toml:"max" yaml:"max"`
	Multiplier  float64       `toml:"multiplier" yaml:"multiplier"`
	Jitter      float64       `toml:"jitter" yaml:"jitter"`
	MaxAttempts int           `toml:"max_attempts" yaml:"max_attempts"` // 0 retries forever
}

// Config holds the application configuration
type Config struct {
	// Search
	Workers          int    `toml:"workers" yaml:"workers"`
	Difficulty       string `toml:"difficulty" yaml:"difficulty"`
	Algorithm        string `toml:"algorithm" yaml:"algorithm"`
	StartNonce       uint64 `toml:"start_nonce" yaml:"start_nonce"`
	MaxAttempts      uint64 `toml:"max_attempts" yaml:"max_attempts"`
	ProgressInterval uint64 `toml:"progress_interval" yaml:"progress_interval"`
	CheckInterval    uint64 `toml:"check_interval" yaml:"check_interval"`

	// Header, for one-off searches
	PrevHash   string `toml:"prev_hash" yaml:"prev_hash"`
	MerkleRoot string `toml:"merkle_root" yaml:"merkle_root"`

	// Logging
	Verbose     bool   `toml:"verbose" yaml:"verbose"`
	LogFile     string `toml:"log_file" yaml:"log_file"`
	LogLevel    string `toml:"log_level" yaml:"log_level"`
	LogInterval int    `toml:"log_interval" yaml:"log_interval"` // Logging interval in seconds

	// Block feed
	FeedURL   string    `toml:"feed_url" yaml:"feed_url"`
	Reconnect Reconnect `toml:"reconnect" yaml:"reconnect"`

	// Node RPC
	RPCURL       string        `toml:"rpc_url" yaml:"rpc_url"`
	RPCUser      string        `toml:"rpc_user" yaml:"rpc_user"`
	RPCPassword  string        `toml:"rpc_password" yaml:"rpc_password"`
	RPCTimeout   time.Duration `toml:"rpc_timeout" yaml:"rpc_timeout"`
	Submit       bool          `toml:"submit" yaml:"submit"`
	SubmitPerMin float64       `toml:"submit_per_minute" yaml:"submit_per_minute"`
	SubmitBurst  int           `toml:"submit_burst" yaml:"submit_burst"`

	// Persistence and observability
	StateFile   string `toml:"state_file" yaml:"state_file"`
	MetricsAddr string `toml:"metrics_addr" yaml:"metrics_addr"`
}

// NewConfig creates a new configuration with default values
func NewConfig() *Config {
	return &Config{
		Workers:          runtime.NumCPU(),
		Difficulty:       "0000",
		Algorithm:        string(crypto.SHA256),
		ProgressInterval: 1_000_000,
		CheckInterval:    1000,
		LogLevel:         "info",
		LogInterval:      5, // Default 5 seconds
		FeedURL:          "wss://ws.blockchain.info/inv",
		Reconnect: Reconnect{
			Initial:    time.Second,
			Max:        time.Minute,
			Multiplier: 2,
			Jitter:     0.2,
		},
		RPCURL:       "http://127.0.0.1:8332",
		RPCTimeout:   30 * time.Second,
		SubmitPerMin: 30,
		SubmitBurst:  1,
	}
}

// LoadFile decodes a TOML or YAML file over the values already in c.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), c); err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnknownFileFormat, path)
	}
	return nil
}

// ApplyEnv overrides fields from BLOCKFEED_* environment variables, so
// credentials never need to live in a file or on the command line.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvRPCURL); v != "" {
		c.RPCURL = v
	}
	if v := os.Getenv(EnvRPCUser); v != "" {
		c.RPCUser = v
	}
	if v := os.Getenv(EnvRPCPassword); v != "" {
		c.RPCPassword = v
	}
	if v := os.Getenv(EnvFeedURL); v != "" {
		c.FeedURL = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.LogLevel = v
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Workers < 1 {
		return ErrInvalidWorkers
	}
	if _, err := c.Target(); err != nil {
		return err
	}
	if _, err := c.DigestAlgorithm(); err != nil {
		return err
	}
	if c.Reconnect.Multiplier < 1 {
		return fmt.Errorf("reconnect multiplier must be >= 1, got %v", c.Reconnect.Multiplier)
	}
	if c.Reconnect.Jitter < 0 || c.Reconnect.Jitter > 1 {
		return fmt.Errorf("reconnect jitter must be within 0..1, got %v", c.Reconnect.Jitter)
	}
	return nil
}

// RequireHeader checks the fields a one-off search needs.
func (c *Config) RequireHeader() error {
	if strings.TrimSpace(c.PrevHash) == "" {
		return ErrNoHeaderSpecified
	}
	return nil
}

// RequireFeed checks the fields a feed subscription needs.
func (c *Config) RequireFeed() error {
	if strings.TrimSpace(c.FeedURL) == "" {
		return ErrNoFeedURL
	}
	return nil
}

// RequireRPC checks the fields node RPC calls need.
func (c *Config) RequireRPC() error {
	if strings.TrimSpace(c.RPCURL) == "" {
		return ErrNoRPCURL
	}
	return nil
}

// RequireStateFile checks that a state store is configured.
func (c *Config) RequireStateFile() error {
	if strings.TrimSpace(c.StateFile) == "" {
		return ErrNoStateFile
	}
	return nil
}

// Target parses Difficulty.
func (c *Config) Target() (target.Target, error) {
	return target.Parse(c.Difficulty)
}

// DigestAlgorithm parses Algorithm.
func (c *Config) DigestAlgorithm() (crypto.Algorithm, error) {
	return crypto.ParseAlgorithm(c.Algorithm)
}

// GetTargetDescription returns a human-readable description of the target
func (c *Config) GetTargetDescription() string {
	t, err := c.Target()
	if err != nil {
		return "invalid: " + c.Difficulty
	}
	desc := t.String()
	if c.MaxAttempts > 0 {
		desc += ", at most " + strconv.FormatUint(c.MaxAttempts, 10) + " attempts"
	}
	return desc
}
