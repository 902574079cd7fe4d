package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/screa/blockfeed-miner/internal/crypto"
)

func newVerifyCmd() *cobra.Command {
	var nonce uint64
	cmd := &cobra.Command{
		Use:     "verify",
		Short:   "Check a nonce against the target",
		Example: `  blockfeed-miner verify -p abc123 -r def456 --nonce 185 -d 00`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(cmd, nonce)
		},
	}
	cmd.Flags().StringVarP(&cfg.PrevHash, "prev-hash", "p", "", "Previous block hash (hex)")
	cmd.Flags().StringVarP(&cfg.MerkleRoot, "merkle-root", "r", "", "Merkle root (hex)")
	cmd.Flags().Uint64VarP(&nonce, "nonce", "n", 0, "Nonce to check")
	return cmd
}

func runVerify(cmd *cobra.Command, nonce uint64) error {
	if err := cfg.RequireHeader(); err != nil {
		return err
	}
	prefix, err := crypto.HeaderPrefix(cfg.PrevHash, cfg.MerkleRoot)
	if err != nil {
		return err
	}
	tgt, err := cfg.Target()
	if err != nil {
		return err
	}
	alg, err := cfg.DigestAlgorithm()
	if err != nil {
		return err
	}

	digest := crypto.Digest(alg, prefix, nonce)
	fmt.Fprintf(cmd.OutOrStdout(), "Nonce: %d\nHash: %x\n", nonce, digest)
	if !tgt.Met(digest) {
		return fmt.Errorf("nonce %d does not meet %s", nonce, tgt)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Meets %s\n", tgt)
	return nil
}
