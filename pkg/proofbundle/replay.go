// Copyright 2025 Certen Protocol

package proofbundle

import (
	"archive/zip"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/certen/autocapture-kernel/pkg/integrity"
	"github.com/certen/autocapture-kernel/pkg/keyring"
	"github.com/certen/autocapture-kernel/pkg/ledger"
)

// ReplayReport is the outcome of ReplayBundle: a proof bundle re-verified
// entirely offline, no model or network calls, against its own embedded
// ledger/anchor/citation evidence.
type ReplayReport struct {
	OK             bool                         `json:"ok"`
	Errors         []string                     `json:"errors"`
	Warnings       []string                     `json:"warnings"`
	LedgerErrors   []string                     `json:"ledger_errors,omitempty"`
	IndexErrors    []string                     `json:"index_errors,omitempty"`
	CitationErrors []integrity.CitationError    `json:"citation_errors,omitempty"`
	ResolvedSpans  []integrity.ResolvedCitation `json:"resolved_spans,omitempty"`
}

// bundleStore answers Get/Keys against the decoded metadata.jsonl records,
// mirroring replay.py's _BundleStore: a stand-in MetadataStore scoped to
// exactly what shipped in the bundle, never touching the live store.
type bundleStore struct {
	records map[string]map[string]any
}

func (b *bundleStore) Get(recordID string) (map[string]any, error) {
	return b.records[recordID], nil
}

func (b *bundleStore) Keys() ([]string, error) {
	out := make([]string, 0, len(b.records))
	for id := range b.records {
		out = append(out, id)
	}
	return out, nil
}

// ReplayBundle verifies a proof bundle's ledger chain, checks that every
// retrieval-trace step in a query.execute ledger entry carries an index
// version/digest, and resolves every embedded citation against the
// bundle's own metadata/ledger/anchor files extracted to a scratch
// directory — never the live store. Grounded on
// original_source/autocapture_nx/kernel/replay.py's replay_bundle.
func ReplayBundle(bundlePath string, kr *keyring.KeyRing) (ReplayReport, error) {
	report := ReplayReport{OK: true}

	if _, err := os.Stat(bundlePath); err != nil {
		report.OK = false
		report.Errors = append(report.Errors, "bundle_missing:"+bundlePath)
		return report, nil
	}

	zr, err := zip.OpenReader(bundlePath)
	if err != nil {
		report.OK = false
		report.Errors = append(report.Errors, "bundle_read_failed")
		return report, nil
	}
	defer zr.Close()

	metadataRaw, _ := readZipFile(zr, "metadata.jsonl")
	ledgerRaw, _ := readZipFile(zr, "ledger.ndjson")
	anchorRaw, _ := readZipFile(zr, "anchors.ndjson")
	citationsRaw, _ := readZipFile(zr, "citations.json")

	records := map[string]map[string]any{}
	for _, line := range splitNonEmptyLines(metadataRaw) {
		var row struct {
			RecordID string         `json:"record_id"`
			Record   map[string]any `json:"record"`
		}
		if err := json.Unmarshal(line, &row); err != nil {
			report.Warnings = append(report.Warnings, "metadata_line_invalid")
			continue
		}
		if row.RecordID != "" && row.Record != nil {
			records[row.RecordID] = row.Record
		}
	}

	var ledgerEntries []ledger.Entry
	for _, line := range splitNonEmptyLines(ledgerRaw) {
		var e ledger.Entry
		if err := json.Unmarshal(line, &e); err != nil {
			report.LedgerErrors = append(report.LedgerErrors, "ledger_line_invalid")
			continue
		}
		ledgerEntries = append(ledgerEntries, e)
	}
	if len(ledgerEntries) == 0 {
		report.Errors = append(report.Errors, "ledger_empty")
	}

	report.IndexErrors = checkIndexVersions(ledgerEntries)
	if len(report.IndexErrors) > 0 {
		report.Errors = append(report.Errors, report.IndexErrors...)
	}

	scratch, err := os.MkdirTemp("", "autocapture-replay-*")
	if err != nil {
		report.OK = false
		report.Errors = append(report.Errors, "scratch_dir_failed")
		return report, nil
	}
	defer os.RemoveAll(scratch)

	ledgerPath := filepath.Join(scratch, "ledger.ndjson")
	anchorPath := filepath.Join(scratch, "anchors.ndjson")
	if err := os.WriteFile(ledgerPath, ledgerRaw, 0o600); err != nil {
		report.OK = false
		report.Errors = append(report.Errors, "scratch_write_failed")
		return report, nil
	}
	if err := os.WriteFile(anchorPath, anchorRaw, 0o600); err != nil {
		report.OK = false
		report.Errors = append(report.Errors, "scratch_write_failed")
		return report, nil
	}

	verifyReport, err := ledger.Verify(ledgerPath, true)
	if err != nil {
		report.OK = false
		report.Errors = append(report.Errors, "ledger_verify_failed")
	} else if !verifyReport.OK {
		for _, id := range verifyReport.MismatchAt {
			report.LedgerErrors = append(report.LedgerErrors, "ledger_hash_mismatch:"+id)
		}
		for _, id := range verifyReport.BrokenAt {
			report.LedgerErrors = append(report.LedgerErrors, "ledger_chain_gap:"+id)
		}
		report.Errors = append(report.Errors, report.LedgerErrors...)
	}

	store := &bundleStore{records: records}
	var citations []integrity.Citation
	if len(citationsRaw) > 0 {
		_ = json.Unmarshal(citationsRaw, &citations)
	}
	if len(citations) > 0 {
		resolved := integrity.ResolveCitations(store, ledgerPath, anchorPath, kr, citations)
		if !resolved.OK {
			report.CitationErrors = resolved.Errors
			report.Errors = append(report.Errors, "citations_invalid")
		}
		report.ResolvedSpans = resolved.Resolved
	} else {
		report.Errors = append(report.Errors, "citations_missing")
	}

	report.OK = len(report.Errors) == 0
	return report, nil
}

// checkIndexVersions walks every query.execute ledger entry's
// retrieval_trace and requires each LEXICAL/VECTOR tier step to carry an
// index version and digest, so a replayed bundle can detect a citation
// that was backed by an index rebuilt (and therefore possibly reordered)
// since the original capture. Grounded on replay.py's _check_index_versions.
func checkIndexVersions(entries []ledger.Entry) []string {
	var errs []string
	for _, e := range entries {
		if e.Payload == nil {
			continue
		}
		if event, _ := e.Payload["event"].(string); event != "query.execute" {
			continue
		}
		trace, ok := e.Payload["retrieval_trace"].([]any)
		if !ok || len(trace) == 0 {
			errs = append(errs, "retrieval_trace_missing")
			continue
		}
		for _, rawStep := range trace {
			step, ok := rawStep.(map[string]any)
			if !ok {
				continue
			}
			tier, _ := step["tier"].(string)
			tier = strings.ToUpper(tier)
			if tier != "LEXICAL" && tier != "VECTOR" {
				continue
			}
			indexMeta, ok := step["index"].(map[string]any)
			if !ok {
				errs = append(errs, "index_meta_missing")
				continue
			}
			if v, _ := indexMeta["version"].(string); v == "" {
				errs = append(errs, "index_version_missing")
			}
			if d, _ := indexMeta["digest"].(string); d == "" {
				errs = append(errs, "index_digest_missing")
			}
		}
	}
	return errs
}
