package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/screa/blockfeed-miner/internal/store"
)

func newSolutionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "solutions",
		Short: "Print the solutions recorded in --state-file as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.RequireStateFile(); err != nil {
				return err
			}
			st, err := store.Open(cfg.StateFile)
			if err != nil {
				return err
			}
			defer st.Close()

			sols, err := st.Solutions()
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, sol := range sols {
				if err := enc.Encode(sol); err != nil {
					return err
				}
			}
			return nil
		},
	}
}
