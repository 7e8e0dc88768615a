// Copyright 2025 Certen Protocol

package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/certen/autocapture-kernel/pkg/kerr"
	"github.com/certen/autocapture-kernel/pkg/proofbundle"
)

func newReplayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay <bundle.zip>",
		Short: "Replay a proof bundle offline, including citation resolution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			report, err := proofbundle.ReplayBundle(args[0], a.keyring)
			if err != nil {
				return kerr.Wrap(kerr.IO, "replay bundle", err)
			}
			raw, _ := json.MarshalIndent(report, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(raw))
			if !report.OK {
				return kerr.New(kerr.Integrity, "replay failed")
			}
			return nil
		},
	}
}
