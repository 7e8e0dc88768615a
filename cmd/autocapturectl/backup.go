// Copyright 2025 Certen Protocol

package main

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/certen/autocapture-kernel/pkg/compaction"
	"github.com/certen/autocapture-kernel/pkg/kerr"
)

func newBackupCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "backup", Short: "Create or restore a portable operator backup bundle"}
	cmd.AddCommand(newBackupCreateCmd(), newBackupRestoreCmd())
	return cmd
}

func newBackupCreateCmd() *cobra.Command {
	var outPath string
	var includeData bool
	var includeKeyring bool
	var passphrase string
	var overwrite bool

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Write the ledger, journal, anchor log, and configured state into a single recovery archive",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			if outPath == "" {
				outPath = defaultBundlePath(a.cfg.BundleDir, "backup_bundle.zip")
			}

			result, err := compaction.CreateBackupBundle(compaction.CreateBackupOptions{
				OutputPath:              outPath,
				RepoDir:                 a.cfg.Root,
				ConfigDir:               a.cfg.ConfigDir,
				DataDir:                 a.cfg.DataDir,
				DataFiles:               []string{a.cfg.LedgerPath(), filepath.Join(a.cfg.JournalDir(), "journal.ndjson"), a.cfg.AnchorsPath()},
				IncludeData:             includeData,
				DataRoot:                a.cfg.DataDir,
				IncludeKeyringBundle:    includeKeyring,
				KeyRing:                 a.keyring,
				KeyringBundlePassphrase: passphrase,
				Overwrite:               overwrite,
			})
			if err != nil {
				return kerr.Wrap(kerr.IO, "create backup bundle", err)
			}
			raw, _ := json.MarshalIndent(result, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(raw))
			if !result.OK {
				return kerr.New(kerr.Validation, result.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "", "output archive path")
	cmd.Flags().BoolVar(&includeData, "include-data", false, "walk and include the entire data directory, not just the ledger, journal, and anchor log")
	cmd.Flags().BoolVar(&includeKeyring, "include-keyring", false, "include a passphrase-wrapped keyring export")
	cmd.Flags().StringVar(&passphrase, "passphrase", "", "passphrase wrapping the keyring export (required with --include-keyring)")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "overwrite an existing archive at --out")
	return cmd
}

func newBackupRestoreCmd() *cobra.Command {
	var bundlePath string
	var restoreKeyring bool
	var passphrase string
	var overwrite bool

	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Verify and extract a backup bundle, archiving any conflicting files",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			result, err := compaction.RestoreBackupBundle(compaction.RestoreBackupOptions{
				BundlePath:              bundlePath,
				RepoDir:                 a.cfg.Root,
				ConfigDir:               a.cfg.ConfigDir,
				DataDir:                 a.cfg.DataDir,
				KeyringBundlePassphrase: passphrase,
				RestoreKeyringBundle:    restoreKeyring,
				KeyringDestPath:         a.cfg.VaultPath(),
				Overwrite:               overwrite,
			})
			if err != nil {
				return kerr.Wrap(kerr.IO, "restore backup bundle", err)
			}
			raw, _ := json.MarshalIndent(result, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(raw))
			if !result.OK {
				return kerr.New(kerr.Integrity, result.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&bundlePath, "bundle", "", "backup archive to restore")
	cmd.Flags().BoolVar(&restoreKeyring, "restore-keyring", false, "restore the archive's wrapped keyring export")
	cmd.Flags().StringVar(&passphrase, "passphrase", "", "passphrase unwrapping the keyring export (required with --restore-keyring)")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "overwrite conflicting files instead of archiving them")
	_ = cmd.MarkFlagRequired("bundle")
	return cmd
}
