// Copyright 2025 Certen Protocol

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/certen/autocapture-kernel/pkg/exportchatgpt"
	"github.com/certen/autocapture-kernel/pkg/kerr"
	"github.com/certen/autocapture-kernel/pkg/proofbundle"
)

func newExportCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "export", Short: "Export a proof bundle or a ChatGPT transcript"}
	cmd.AddCommand(newExportProofCmd(), newExportChatGPTCmd())
	return cmd
}

func newExportProofCmd() *cobra.Command {
	var evidenceIDs []string
	var citationsPath string
	var outPath string

	cmd := &cobra.Command{
		Use:   "proof",
		Short: "Write a signed proof bundle for one or more evidence IDs",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			var citations []proofbundle.Citation
			if citationsPath != "" {
				raw, err := os.ReadFile(citationsPath)
				if err != nil {
					return kerr.Wrap(kerr.IO, "read citations file", err)
				}
				if err := json.Unmarshal(raw, &citations); err != nil {
					return kerr.Wrap(kerr.Validation, "parse citations file", err)
				}
			}

			if outPath == "" {
				outPath = defaultBundlePath(a.cfg.BundleDir, "proof_bundle.zip")
			}

			report, err := proofbundle.Export(proofbundle.ExportOptions{
				Metadata:    a.metadata,
				Media:       a.media,
				KeyRing:     a.keyring,
				LedgerPath:  a.cfg.LedgerPath(),
				AnchorPath:  a.cfg.AnchorsPath(),
				OutputPath:  outPath,
				EvidenceIDs: evidenceIDs,
				Citations:   citations,
			})
			if err != nil {
				return kerr.Wrap(kerr.IO, "export proof bundle", err)
			}
			if a.metrics != nil {
				a.metrics.RecordProofBundleExport(report.OK)
			}
			raw, _ := json.MarshalIndent(report, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(raw))
			if !report.OK {
				return kerr.New(kerr.Validation, "export failed")
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&evidenceIDs, "evidence-id", nil, "evidence record ID to include (repeatable)")
	cmd.Flags().StringVar(&citationsPath, "citations", "", "path to a JSON array of citations to include")
	cmd.Flags().StringVar(&outPath, "out", "", "output bundle path")
	return cmd
}

func newExportChatGPTCmd() *cobra.Command {
	var maxSegments int
	var sinceTS string

	cmd := &cobra.Command{
		Use:   "chatgpt",
		Short: "Append newly captured ChatGPT segments to the hash-chained transcript export",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			exportPath := filepath.Join(a.cfg.ExportRoot, "chatgpt_transcripts.ndjson")
			result, err := exportchatgpt.Run(exportchatgpt.Options{
				JournalPath: filepath.Join(a.cfg.JournalDir(), "journal.ndjson"),
				ExportPath:  exportPath,
				Metadata:    a.metadata,
				SinceTS:     sinceTS,
				MaxSegments: maxSegments,
			})
			if err != nil {
				return kerr.Wrap(kerr.IO, "export chatgpt transcripts", err)
			}
			raw, _ := json.MarshalIndent(result, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(raw))
			return nil
		},
	}
	cmd.Flags().IntVar(&maxSegments, "max-segments", 0, "maximum number of segments to scan (0 = unlimited)")
	cmd.Flags().StringVar(&sinceTS, "since-ts", "", "only export segments at or after this ISO8601 timestamp")
	return cmd
}
