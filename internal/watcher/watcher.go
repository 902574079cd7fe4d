// Package watcher mines every block the feed announces, dropping stale work
// as soon as a newer block arrives.
package watcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/screa/blockfeed-miner/internal/crypto"
	"github.com/screa/blockfeed-miner/internal/feed"
	"github.com/screa/blockfeed-miner/internal/logger"
	"github.com/screa/blockfeed-miner/internal/metrics"
	"github.com/screa/blockfeed-miner/internal/store"
	"github.com/screa/blockfeed-miner/pkg/miner"
	"github.com/screa/blockfeed-miner/pkg/target"
	"github.com/screa/blockfeed-miner/pkg/types"
)

// BlockSource delivers new blocks until ctx ends or it fails for good.
type BlockSource interface {
	Run(ctx context.Context, out chan<- feed.Block) error
}

// Submitter takes found solutions; it must not block.
type Submitter interface {
	Submit(sol types.Solution)
}

// SolutionStore records found solutions.
type SolutionStore interface {
	SaveSolution(key string, sol types.Solution) error
}

// Options configures a Watcher. Submitter and Store are optional.
type Options struct {
	Target           target.Target
	Algorithm        crypto.Algorithm
	MaxAttempts      uint64
	ProgressInterval uint64
	Miner            miner.Options
	Submitter        Submitter
	Store            SolutionStore
	Metrics          *metrics.Metrics
}

// Watcher runs one search per block, newest block first.
type Watcher struct {
	source    BlockSource
	opts      Options
	logger    *logger.Logger
	onOutcome func(feed.Block, types.Outcome)
}

type job struct {
	block  feed.Block
	params types.SearchParams
	cancel context.CancelFunc
}

type result struct {
	job     *job
	outcome types.Outcome
}

// New creates a watcher reading blocks from source.
func New(source BlockSource, opts Options, log *logger.Logger) *Watcher {
	if log == nil {
		log = logger.Nop()
	}
	return &Watcher{source: source, opts: opts, logger: log}
}

// Run returns nil when ctx ends, or the source's error if it stops on its own.
func (w *Watcher) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	blocks := make(chan feed.Block, 1)
	srcErr := make(chan error, 1)
	go func() { srcErr <- w.source.Run(ctx, blocks) }()

	results := make(chan result)
	var current *job

	for {
		select {
		case <-ctx.Done():
			return nil

		case err := <-srcErr:
			if err != nil {
				return fmt.Errorf("block feed: %w", err)
			}
			return nil

		case b := <-blocks:
			params, err := w.params(b)
			if err != nil {
				w.logger.Warnw("skipping block", "hash", b.Hash, "error", err)
				continue
			}
			if current != nil {
				w.logger.Infow("new block, abandoning stale search", "stale", current.block.Hash, "next", b.Hash)
				current.cancel()
			}

			jobCtx, jobCancel := context.WithCancel(ctx)
			current = &job{block: b, params: params, cancel: jobCancel}
			wg.Add(1)
			go func(j *job) {
				defer wg.Done()
				out := miner.NewMiner(j.params, w.opts.Miner, w.logger).Mine(jobCtx)
				select {
				case results <- result{job: j, outcome: out}:
				case <-ctx.Done():
				}
			}(current)
			w.logger.Infow("mining block", "hash", b.Hash, "height", b.Height, "target", params.Target.String())

		case r := <-results:
			r.job.cancel()
			if r.job == current {
				current = nil
			}
			w.handle(r)
		}
	}
}

func (w *Watcher) params(b feed.Block) (types.SearchParams, error) {
	prefix, err := crypto.HeaderPrefix(b.Hash, b.MerkleRoot)
	if err != nil {
		return types.SearchParams{}, err
	}
	params := types.SearchParams{
		Prefix:           prefix,
		Target:           w.opts.Target,
		Algorithm:        w.opts.Algorithm,
		MaxAttempts:      w.opts.MaxAttempts,
		ProgressInterval: w.opts.ProgressInterval,
	}
	if params.ProgressInterval > 0 {
		hash := b.Hash
		params.OnProgress = func(attempts uint64, lastHash []byte) {
			w.logger.Infof("Attempts: %d | Last hash: %x | Block: %s", attempts, lastHash, hash)
		}
	}
	return params, nil
}

func (w *Watcher) handle(r result) {
	out := r.outcome
	w.opts.Metrics.ObserveSearch(out)
	if w.onOutcome != nil {
		w.onOutcome(r.job.block, out)
	}

	if !out.Found() {
		w.logger.Infow("search ended without a match",
			"block", r.job.block.Hash,
			"status", out.Status.String(),
			"attempts", out.Attempts,
			"last_nonce", out.Nonce,
		)
		return
	}

	w.logger.Infow("block mined",
		"block", r.job.block.Hash,
		"nonce", out.Nonce,
		"hash", out.Hash,
		"attempts", out.Attempts,
		"duration", out.Duration,
		"rate", fmt.Sprintf("%.2f hashes/sec", out.Rate()),
	)

	sol := types.Solution{
		PrevHash:   r.job.block.Hash,
		MerkleRoot: r.job.block.MerkleRoot,
		Height:     r.job.block.Height,
		Algorithm:  r.job.params.Algorithm.String(),
		Target:     r.job.params.Target.String(),
		StartNonce: r.job.params.StartNonce,
		Nonce:      out.Nonce,
		Hash:       out.Hash,
		Attempts:   out.Attempts,
		Duration:   out.Duration,
		FoundAt:    time.Now().UTC(),
	}
	if w.opts.Store != nil {
		if err := w.opts.Store.SaveSolution(store.Key(r.job.params), sol); err != nil {
			w.logger.Errorw("failed to record solution", "error", err)
		}
	}
	if w.opts.Submitter != nil {
		w.opts.Submitter.Submit(sol)
	}
}
