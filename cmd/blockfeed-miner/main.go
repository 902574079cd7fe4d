package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/screa/blockfeed-miner/internal/config"
	"github.com/screa/blockfeed-miner/internal/crypto"
	logpkg "github.com/screa/blockfeed-miner/internal/logger"
	"github.com/screa/blockfeed-miner/internal/metrics"
	"github.com/screa/blockfeed-miner/internal/rpc"
	minerpkg "github.com/screa/blockfeed-miner/pkg/miner"
	"github.com/screa/blockfeed-miner/pkg/types"
)

var (
	cfg        *config.Config
	configPath string
	logger     *logpkg.Logger
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg = config.NewConfig()
	configPath = ""

	var rootCmd = &cobra.Command{
		Use:   "blockfeed-miner",
		Short: "Proof-of-work nonce search over live block headers",
		Long: `A command line miner that searches for a nonce whose digest of
prevHash || merkleRoot || decimal(nonce) meets a difficulty target.
Headers come from the command line, a public WebSocket block feed, or a
node's getblocktemplate; results can be submitted back over JSON-RPC.`,
		PersistentPreRunE: setup,
		SilenceUsage:      true,
		SilenceErrors:     true,
	}

	f := rootCmd.PersistentFlags()
	f.StringVarP(&configPath, "config", "c", "", "Config file (.toml, .yaml or .yml)")
	f.IntVarP(&cfg.Workers, "workers", "w", cfg.Workers, "Number of worker goroutines")
	f.StringVarP(&cfg.Difficulty, "difficulty", "d", cfg.Difficulty, `Target: "0000", "zeros:N", or "max:0x<hex>" on the leading 16 digest bytes`)
	f.StringVarP(&cfg.Algorithm, "algorithm", "a", cfg.Algorithm, "Digest algorithm (sha256, sha256d, keccak256, blake3)")
	f.Uint64Var(&cfg.StartNonce, "start-nonce", cfg.StartNonce, "First nonce to try")
	f.Uint64VarP(&cfg.MaxAttempts, "max-attempts", "m", cfg.MaxAttempts, "Give up after this many attempts (0: unbounded)")
	f.Uint64Var(&cfg.ProgressInterval, "progress-interval", cfg.ProgressInterval, "Report progress every N attempts (0: off)")
	f.Uint64Var(&cfg.CheckInterval, "check-interval", cfg.CheckInterval, "Attempts between cancellation checks per worker")
	f.BoolVarP(&cfg.Verbose, "verbose", "v", false, "Verbose output")
	f.StringVarP(&cfg.LogFile, "log-file", "l", "", "Log file for progress tracking (default: stdout)")
	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	f.IntVarP(&cfg.LogInterval, "log-interval", "i", cfg.LogInterval, "Logging interval in seconds when verbose")
	f.StringVar(&cfg.StateFile, "state-file", "", "bbolt file for checkpoints and found solutions")
	f.StringVar(&cfg.MetricsAddr, "metrics-addr", "", "Serve prometheus metrics on this address (e.g. :9100)")
	f.StringVar(&cfg.RPCURL, "rpc-url", cfg.RPCURL, "Node JSON-RPC URL")
	f.StringVar(&cfg.RPCUser, "rpc-user", "", "Node RPC user (or "+config.EnvRPCUser+")")
	f.StringVar(&cfg.RPCPassword, "rpc-password", "", "Node RPC password (or "+config.EnvRPCPassword+")")
	f.DurationVar(&cfg.RPCTimeout, "rpc-timeout", cfg.RPCTimeout, "Node RPC timeout")
	f.BoolVar(&cfg.Submit, "submit", false, "Submit found results to the node")

	rootCmd.AddCommand(newSearchCmd(), newWatchCmd(), newTemplateCmd(), newVerifyCmd(), newSolutionsCmd())
	return rootCmd
}

// setup resolves configuration (defaults < file < environment < flags) and logging.
func setup(cmd *cobra.Command, args []string) error {
	// Flags write straight into cfg, so remember what was given on the command
	// line before the file and environment overwrite it.
	explicit := make(map[string]string)
	cmd.Flags().Visit(func(f *pflag.Flag) {
		explicit[f.Name] = f.Value.String()
	})

	if configPath != "" {
		if err := cfg.LoadFile(configPath); err != nil {
			return err
		}
	}
	cfg.ApplyEnv()

	for name, value := range explicit {
		if err := cmd.Flags().Set(name, value); err != nil {
			return fmt.Errorf("--%s: %w", name, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	setupLogging(cmd)
	return nil
}

func setupLogging(cmd *cobra.Command) {
	level := cfg.LogLevel
	if cfg.Verbose && !cmd.Flags().Changed("log-level") {
		level = "debug"
	}
	if cfg.LogFile != "" {
		logger = logpkg.NewFile(cfg.LogFile, level)
	} else {
		logger = logpkg.New(level)
	}
}

// searchParams builds the search for one header from the resolved config.
func searchParams(prevHash, merkleRoot string) (types.SearchParams, error) {
	prefix, err := crypto.HeaderPrefix(prevHash, merkleRoot)
	if err != nil {
		return types.SearchParams{}, err
	}
	tgt, err := cfg.Target()
	if err != nil {
		return types.SearchParams{}, err
	}
	alg, err := cfg.DigestAlgorithm()
	if err != nil {
		return types.SearchParams{}, err
	}
	return types.SearchParams{
		Prefix:           prefix,
		Target:           tgt,
		Algorithm:        alg,
		StartNonce:       cfg.StartNonce,
		MaxAttempts:      cfg.MaxAttempts,
		ProgressInterval: cfg.ProgressInterval,
		OnProgress: func(attempts uint64, lastHash []byte) {
			logger.Infof("Attempts: %d | Last hash: %x", attempts, lastHash)
		},
	}, nil
}

func minerOptions() minerpkg.Options {
	opts := minerpkg.Options{Workers: cfg.Workers, CheckInterval: cfg.CheckInterval}
	if cfg.Verbose {
		opts.LogInterval = time.Duration(cfg.LogInterval) * time.Second
	}
	return opts
}

// startMetrics serves metrics when --metrics-addr is set; otherwise it returns nil,
// which every metrics call accepts.
func startMetrics(ctx context.Context) *metrics.Metrics {
	if cfg.MetricsAddr == "" {
		return nil
	}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	go func() {
		if err := metrics.Serve(ctx, cfg.MetricsAddr, reg, logger.Named("metrics")); err != nil {
			logger.Errorw("metrics server stopped", "error", err)
		}
	}()
	return m
}

func newRPCClient() *rpc.Client {
	return rpc.NewClient(rpc.Options{
		URL:      cfg.RPCURL,
		User:     cfg.RPCUser,
		Password: cfg.RPCPassword,
		Timeout:  cfg.RPCTimeout,
	})
}

func newSubmitter(m *metrics.Metrics) *rpc.Submitter {
	return rpc.NewSubmitter(newRPCClient(), rpc.SubmitterOptions{
		PerMinute: cfg.SubmitPerMin,
		Burst:     cfg.SubmitBurst,
		Timeout:   cfg.RPCTimeout,
		Metrics:   m,
	}, logger.Named("submit"))
}

func reportOutcome(out types.Outcome) {
	switch out.Status {
	case types.StatusFound:
		logger.Infof("✅ Block Mined! Nonce: %d", out.Nonce)
		logger.Infof("Hash: %s", out.Hash)
	case types.StatusExhausted:
		logger.Infof("No match within bound. Last nonce: %d, last hash: %s", out.Nonce, out.Hash)
	case types.StatusCancelled:
		logger.Infof("Mining stopped. Last nonce: %d, last hash: %s", out.Nonce, out.Hash)
	}
	logger.Infof("Attempts: %d", out.Attempts)
	logger.Infof("Duration: %v", out.Duration)
	logger.Infof("Rate: %.2f hashes/sec", out.Rate())
}
