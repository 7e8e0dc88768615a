// Copyright 2025 Certen Protocol

package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/certen/autocapture-kernel/pkg/kerr"
	"github.com/certen/autocapture-kernel/pkg/keyring"
)

func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "keys", Short: "Export or import the keyring's passphrase-wrapped key material"}
	cmd.AddCommand(newKeysExportCmd(), newKeysImportCmd())
	return cmd
}

func newKeysExportCmd() *cobra.Command {
	var outPath string
	var passphrase string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write a passphrase-wrapped export of every purpose's active and retired keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			if passphrase == "" {
				return kerr.New(kerr.Validation, "keys export: --passphrase is required")
			}
			bundle, err := a.keyring.ExportBundle(passphrase)
			if err != nil {
				return kerr.Wrap(kerr.Crypto, "export keyring bundle", err)
			}
			raw, err := json.MarshalIndent(bundle, "", "  ")
			if err != nil {
				return kerr.Wrap(kerr.IO, "marshal keyring bundle", err)
			}
			if err := os.WriteFile(outPath, raw, 0o600); err != nil {
				return kerr.Wrap(kerr.IO, "write keyring bundle", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "", "output bundle path")
	cmd.Flags().StringVar(&passphrase, "passphrase", "", "passphrase wrapping the exported key material")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}

func newKeysImportCmd() *cobra.Command {
	var bundlePath string
	var passphrase string

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Unwrap a keyring export and merge its keys into the active vault",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			if passphrase == "" {
				return kerr.New(kerr.Validation, "keys import: --passphrase is required")
			}
			raw, err := os.ReadFile(bundlePath)
			if err != nil {
				return kerr.Wrap(kerr.IO, "read keyring bundle", err)
			}
			var bundle keyring.Bundle
			if err := json.Unmarshal(raw, &bundle); err != nil {
				return kerr.Wrap(kerr.Validation, "parse keyring bundle", err)
			}
			if err := a.keyring.ImportBundle(&bundle, passphrase); err != nil {
				return kerr.Wrap(kerr.Crypto, "import keyring bundle", err)
			}
			if err := a.keyring.Save(); err != nil {
				return kerr.Wrap(kerr.IO, "save keyring", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&bundlePath, "bundle", "", "keyring bundle to import")
	cmd.Flags().StringVar(&passphrase, "passphrase", "", "passphrase unwrapping the bundle")
	_ = cmd.MarkFlagRequired("bundle")
	return cmd
}
