// Copyright 2025 Certen Protocol

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/certen/autocapture-kernel/pkg/kerr"
	"github.com/certen/autocapture-kernel/pkg/proofbundle"
)

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <bundle.zip>",
		Short: "Verify a proof bundle's manifest signature and file integrity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			result := proofbundle.Verify(args[0], a.keyring)
			if a.metrics != nil {
				a.metrics.RecordProofBundleVerify(result.OK)
			}
			if !result.OK {
				fmt.Fprintln(cmd.ErrOrStderr(), result.Error)
				return kerr.New(kerr.Integrity, result.Error)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
}
