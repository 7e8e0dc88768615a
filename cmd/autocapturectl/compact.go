// Copyright 2025 Certen Protocol

package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/certen/autocapture-kernel/pkg/compaction"
	"github.com/certen/autocapture-kernel/pkg/kerr"
)

func newCompactCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "compact", Short: "Reclaim storage by deleting rebuildable derived state"}
	cmd.AddCommand(newCompactDerivedCmd())
	return cmd
}

func newCompactDerivedCmd() *cobra.Command {
	var dryRun bool
	var lexicalIndexPath, vectorIndexPath string

	cmd := &cobra.Command{
		Use:   "derived",
		Short: "Delete derived.* metadata records, their media, and the search indexes that cover them",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			result, err := compaction.CompactDerived(compaction.Options{
				Metadata:         a.metadata,
				Media:            a.media,
				LexicalIndexPath: lexicalIndexPath,
				VectorIndexPath:  vectorIndexPath,
				DryRun:           dryRun,
				Events:           a.builder,
				Metrics:          a.metrics,
			})
			if err != nil {
				return kerr.Wrap(kerr.IO, "compact derived state", err)
			}
			raw, _ := json.MarshalIndent(result, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(raw))
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would be deleted without deleting anything")
	cmd.Flags().StringVar(&lexicalIndexPath, "lexical-index", "", "path to the lexical search index file to remove")
	cmd.Flags().StringVar(&vectorIndexPath, "vector-index", "", "path to the vector search index file to remove")
	return cmd
}
