// Copyright 2025 Certen Protocol

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/certen/autocapture-kernel/pkg/kerr"
)

func newLedgerCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "ledger", Short: "Inspect the hash-chained ledger"}
	cmd.AddCommand(newLedgerLookupCmd())
	return cmd
}

// newLedgerLookupCmd resolves an entry_hash to its entry_id via the
// ledger's KVAdapter-backed index instead of scanning ledger.ndjson.
func newLedgerLookupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lookup <entry-hash>",
		Short: "Resolve an entry_hash to its entry_id using the ledger index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			id, ok := a.ledger.LookupEntryID(args[0])
			if !ok {
				return kerr.New(kerr.Validation, "ledger lookup: entry_hash not found in index")
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
}
