package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/screa/blockfeed-miner/internal/config"
	"github.com/screa/blockfeed-miner/internal/feed"
	"github.com/screa/blockfeed-miner/internal/store"
	"github.com/screa/blockfeed-miner/internal/watcher"
)

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Mine each new block announced on the WebSocket feed",
		Long: `Subscribe to the block feed and search every announced header. A new
block cancels the search in progress. With --submit, found results are
sent to the node with submitblock.`,
		RunE: runWatch,
	}
	f := cmd.Flags()
	f.StringVar(&cfg.FeedURL, "feed-url", cfg.FeedURL, "Block feed WebSocket URL (or "+config.EnvFeedURL+")")
	f.DurationVar(&cfg.Reconnect.Initial, "reconnect-initial", cfg.Reconnect.Initial, "First reconnect delay")
	f.DurationVar(&cfg.Reconnect.Max, "reconnect-max", cfg.Reconnect.Max, "Longest reconnect delay")
	f.IntVar(&cfg.Reconnect.MaxAttempts, "reconnect-attempts", cfg.Reconnect.MaxAttempts, "Give up after this many failed reconnects (0: never)")
	return cmd
}

func runWatch(cmd *cobra.Command, args []string) error {
	defer logger.Sync()

	if err := cfg.RequireFeed(); err != nil {
		return err
	}
	if cfg.Submit {
		if err := cfg.RequireRPC(); err != nil {
			return err
		}
	}
	tgt, err := cfg.Target()
	if err != nil {
		return err
	}
	alg, err := cfg.DigestAlgorithm()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	m := startMetrics(ctx)

	opts := watcher.Options{
		Target:           tgt,
		Algorithm:        alg,
		MaxAttempts:      cfg.MaxAttempts,
		ProgressInterval: cfg.ProgressInterval,
		Miner:            minerOptions(),
		Metrics:          m,
	}
	if cfg.StateFile != "" {
		st, err := store.Open(cfg.StateFile)
		if err != nil {
			return err
		}
		defer st.Close()
		opts.Store = st
	}
	if cfg.Submit {
		sub := newSubmitter(m)
		defer sub.Wait()
		opts.Submitter = sub
	}

	source := feed.NewSubscriber(feed.Options{
		URL: cfg.FeedURL,
		Backoff: feed.Backoff{
			Initial:     cfg.Reconnect.Initial,
			Max:         cfg.Reconnect.Max,
			Multiplier:  cfg.Reconnect.Multiplier,
			Jitter:      cfg.Reconnect.Jitter,
			MaxAttempts: cfg.Reconnect.MaxAttempts,
		},
		Metrics: m,
	}, logger.Named("feed"))

	logger.Infof("Watching %s with %d workers, target %s (%s)", cfg.FeedURL, cfg.Workers, cfg.GetTargetDescription(), alg)
	if err := watcher.New(source, opts, logger.Named("watcher")).Run(ctx); err != nil {
		return err
	}
	logger.Info("Received shutdown signal, stopped watching")
	return nil
}
