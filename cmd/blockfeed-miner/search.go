package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/screa/blockfeed-miner/internal/store"
	minerpkg "github.com/screa/blockfeed-miner/pkg/miner"
	"github.com/screa/blockfeed-miner/pkg/types"
)

func newSearchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search",
		Short: "Search for a nonce over one block header",
		Example: `  blockfeed-miner search --prev-hash 00000000000000000002a7c4 --merkle-root 4a5e1e4b -d 00000
  blockfeed-miner search -p abc123 -r def456 -d max:0x0000ffff --state-file miner.db`,
		RunE: runSearch,
	}
	cmd.Flags().StringVarP(&cfg.PrevHash, "prev-hash", "p", "", "Previous block hash (hex)")
	cmd.Flags().StringVarP(&cfg.MerkleRoot, "merkle-root", "r", "", "Merkle root (hex)")
	return cmd
}

func runSearch(cmd *cobra.Command, args []string) error {
	defer logger.Sync()

	if err := cfg.RequireHeader(); err != nil {
		return err
	}
	params, err := searchParams(cfg.PrevHash, cfg.MerkleRoot)
	if err != nil {
		return err
	}

	var st *store.Store
	var covered uint64 // every nonce below it was evaluated by earlier runs
	key := store.Key(params)
	if cfg.StateFile != "" {
		if st, err = store.Open(cfg.StateFile); err != nil {
			return err
		}
		defer st.Close()

		sol, err := st.Solution(key)
		if err != nil {
			return err
		}
		// A stored solution is only the answer if its search started at or
		// before ours; otherwise a lower nonce may still qualify.
		if sol != nil && sol.StartNonce <= params.StartNonce && params.StartNonce <= sol.Nonce {
			logger.Infof("Already solved at %s. Nonce: %d", sol.FoundAt.Format(time.RFC3339), sol.Nonce)
			logger.Infof("Hash: %s", sol.Hash)
			return nil
		}
		next, ok, err := st.Checkpoint(key)
		if err != nil {
			return err
		}
		if ok {
			covered = next
			if next > params.StartNonce && !cmd.Flags().Changed("start-nonce") {
				logger.Infof("Resuming from nonce %d", next)
				params.StartNonce = next
			}
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := startMetrics(ctx)

	logger.Infof("Starting block miner with %d workers", cfg.Workers)
	logger.Infof("Header: prev=%s merkle=%s", cfg.PrevHash, cfg.MerkleRoot)
	logger.Infof("Target: %s (%s)", cfg.GetTargetDescription(), params.Algorithm)

	miner := minerpkg.NewMiner(params, minerOptions(), logger.Named("miner"))

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	resultChan := make(chan types.Outcome, 1)
	go func() {
		resultChan <- miner.Mine(ctx)
	}()

	var out types.Outcome
	select {
	case out = <-resultChan:
	case <-sigChan:
		logger.Info("Received shutdown signal, stopping miner...")
		miner.Stop()
		out = <-resultChan
	}
	reportOutcome(out)
	m.ObserveSearch(out)

	sol := newSolution(cfg.PrevHash, cfg.MerkleRoot, 0, params, out)
	if st != nil {
		if err := persist(st, key, sol, out, covered, miner.Resume()); err != nil {
			return err
		}
	}

	if !out.Found() {
		if out.Status == types.StatusExhausted {
			return fmt.Errorf("no nonce met %s within %d attempts", cfg.GetTargetDescription(), out.Attempts)
		}
		return nil
	}
	if cfg.Submit {
		if err := cfg.RequireRPC(); err != nil {
			return err
		}
		sub := newSubmitter(m)
		sub.Submit(sol)
		sub.Wait()
	}
	return nil
}

// persist records the solution, or how far the contiguous run of evaluated
// nonces from zero now reaches. A run that started past covered leaves a gap,
// so it cannot move the checkpoint.
func persist(st *store.Store, key string, sol types.Solution, out types.Outcome, covered, resume uint64) error {
	switch out.Status {
	case types.StatusFound:
		return st.SaveSolution(key, sol)
	case types.StatusExhausted:
		if out.Attempts == 0 || out.Nonce == math.MaxUint64 {
			return nil
		}
		resume = out.Nonce + 1
	}
	if sol.StartNonce > covered || resume <= covered {
		return nil
	}
	logger.Infof("Checkpoint saved, next run resumes at nonce %d", resume)
	return st.SaveCheckpoint(key, resume)
}

func newSolution(prevHash, merkleRoot string, height uint64, params types.SearchParams, out types.Outcome) types.Solution {
	return types.Solution{
		PrevHash:   prevHash,
		MerkleRoot: merkleRoot,
		Height:     height,
		Algorithm:  params.Algorithm.String(),
		Target:     params.Target.String(),
		StartNonce: params.StartNonce,
		Nonce:      out.Nonce,
		Hash:       out.Hash,
		Attempts:   out.Attempts,
		Duration:   out.Duration,
		FoundAt:    time.Now().UTC(),
	}
}
