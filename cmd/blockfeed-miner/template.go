package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	minerpkg "github.com/screa/blockfeed-miner/pkg/miner"
)

func newTemplateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "template",
		Short: "Mine over the previous block hash from the node's getblocktemplate",
		RunE:  runTemplate,
	}
}

func runTemplate(cmd *cobra.Command, args []string) error {
	defer logger.Sync()

	if err := cfg.RequireRPC(); err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	m := startMetrics(ctx)

	tmpl, err := newRPCClient().GetBlockTemplate(ctx)
	if err != nil {
		return err
	}
	logger.Infof("Block template: height %d, previous block %s", tmpl.Height, tmpl.PreviousBlockHash)

	params, err := searchParams(tmpl.PreviousBlockHash, "")
	if err != nil {
		return err
	}
	out := minerpkg.NewMiner(params, minerOptions(), logger.Named("miner")).Mine(ctx)
	reportOutcome(out)
	m.ObserveSearch(out)

	if out.Found() && cfg.Submit {
		sub := newSubmitter(m)
		sub.Submit(newSolution(tmpl.PreviousBlockHash, "", tmpl.Height, params, out))
		sub.Wait()
	}
	return nil
}
