// Copyright 2025 Certen Protocol
//
// Package integrity resolves citation locators against the ledger/anchor
// chain and metadata store, and runs the whole-store integrity scan
// (ledger hash chain, anchor HMAC, evidence content hashes, internal
// metadata reference integrity) used by gates and operator tooling.
package integrity

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/certen/autocapture-kernel/pkg/canon"
	"github.com/certen/autocapture-kernel/pkg/keyring"
	"github.com/certen/autocapture-kernel/pkg/ledger"
	"github.com/certen/autocapture-kernel/pkg/metadatastore"
)

// MetadataStore is the narrow read surface this package needs.
type MetadataStore interface {
	Get(recordID string) (map[string]any, error)
	Keys() ([]string, error)
}

// BlobStore is the narrow read surface this package needs from media.
type BlobStore interface {
	Get(recordID string) ([]byte, error)
}

// Citation is a resolver-supplied record locator.
type Citation map[string]any

// CitationError reports why one citation at Index failed to resolve.
type CitationError struct {
	Index int    `json:"index"`
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// ResolvedCitation is a citation that passed every structural and
// cryptographic check.
type ResolvedCitation struct {
	SchemaVersion int            `json:"schema_version"`
	SpanID        string         `json:"span_id"`
	EvidenceID    string         `json:"evidence_id"`
	EvidenceHash  string         `json:"evidence_hash"`
	DerivedID     string         `json:"derived_id,omitempty"`
	DerivedHash   string         `json:"derived_hash,omitempty"`
	SpanKind      string         `json:"span_kind"`
	SpanRef       map[string]any `json:"span_ref,omitempty"`
	LedgerHead    string         `json:"ledger_head"`
	AnchorRef     map[string]any `json:"anchor_ref"`
	Source        any            `json:"source"`
	OffsetStart   int            `json:"offset_start"`
	OffsetEnd     int            `json:"offset_end"`
}

// ResolveResult is the outcome of ResolveCitations.
type ResolveResult struct {
	OK       bool               `json:"ok"`
	Resolved []ResolvedCitation `json:"resolved"`
	Errors   []CitationError    `json:"errors"`
}

// ResolveCitations structurally validates each citation, checks its
// evidence/derived record hashes against the live metadata store, and
// cryptographically verifies its ledger_head/anchor_ref against the
// ledger and anchor log on disk. Grounded on
// plugins/builtin/citation_basic/plugin.py's CitationValidator.resolve;
// the Python version caches the ledger scan by file mtime across calls on
// one long-lived plugin instance, a micro-optimization this stateless
// function skips (every call re-scans the ledger file once).
func ResolveCitations(metadata MetadataStore, ledgerPath, anchorPath string, kr *keyring.KeyRing, citations []Citation) ResolveResult {
	if metadata == nil {
		return ResolveResult{OK: false, Errors: []CitationError{{Error: "missing_metadata"}}}
	}

	var resolved []ResolvedCitation
	var errs []CitationError
	fail := func(idx int, reason string) {
		errs = append(errs, CitationError{Index: idx, Error: reason})
	}

	for idx, citation := range citations {
		evidenceID, _ := stringField(citation, "evidence_id")
		if evidenceID == "" {
			evidenceID, _ = stringField(citation, "span_id")
		}
		if evidenceID == "" {
			fail(idx, "missing_evidence_id")
			continue
		}
		spanID, _ := stringField(citation, "span_id")
		if spanID == "" {
			spanID = evidenceID
		}
		derivedID, _ := stringField(citation, "derived_id")
		if spanID != evidenceID && spanID != derivedID {
			fail(idx, "span_id_mismatch")
			continue
		}
		source, hasSource := citation["source"]
		if !hasSource || source == nil {
			fail(idx, "missing_source")
			continue
		}
		spanKind, _ := stringField(citation, "span_kind")
		if spanKind == "" {
			fail(idx, "missing_span_kind")
			continue
		}
		schemaVersion, ok := toInt(citation["schema_version"])
		if !ok {
			fail(idx, "missing_schema_version")
			continue
		}
		ledgerHead, _ := stringField(citation, "ledger_head")
		if ledgerHead == "" {
			fail(idx, "missing_ledger_head")
			continue
		}
		anchorRef, _ := citation["anchor_ref"].(map[string]any)
		if anchorRef == nil {
			fail(idx, "missing_anchor_ref")
			continue
		}
		offsetStart, okStart := toInt(citation["offset_start"])
		offsetEnd, okEnd := toInt(citation["offset_end"])
		if !okStart || !okEnd || offsetStart < 0 || offsetEnd < offsetStart {
			fail(idx, "invalid_offsets")
			continue
		}

		evidenceRecord, err := metadata.Get(evidenceID)
		if err != nil || evidenceRecord == nil {
			fail(idx, "evidence_not_found")
			continue
		}
		if !metadatastore.IsEvidenceRecord(evidenceRecord) {
			fail(idx, "evidence_wrong_type")
			continue
		}
		evidenceHash, _ := stringField(citation, "evidence_hash")
		if evidenceHash == "" {
			fail(idx, "missing_evidence_hash")
			continue
		}
		if expected := recordHash(evidenceRecord); expected != "" && evidenceHash != expected {
			fail(idx, "evidence_hash_mismatch")
			continue
		}

		var derivedRecord map[string]any
		var derivedHash string
		if derivedID != "" {
			derivedRecord, err = metadata.Get(derivedID)
			if err != nil || derivedRecord == nil {
				fail(idx, "derived_not_found")
				continue
			}
			if !metadatastore.IsDerivedRecord(derivedRecord) {
				fail(idx, "derived_wrong_type")
				continue
			}
			if sourceID, _ := derivedRecord["source_id"].(string); sourceID != "" && sourceID != evidenceID {
				fail(idx, "derived_source_mismatch")
				continue
			}
			derivedHash, _ = stringField(citation, "derived_hash")
			if derivedHash == "" {
				fail(idx, "missing_derived_hash")
				continue
			}
			if expected := recordHash(derivedRecord); expected != "" && derivedHash != expected {
				fail(idx, "derived_hash_mismatch")
				continue
			}
		}

		spanRef, hasSpanRef := citation["span_ref"].(map[string]any)
		if raw, present := citation["span_ref"]; present && raw != nil && !hasSpanRef {
			fail(idx, "span_ref_invalid")
			continue
		}
		if hasSpanRef {
			targetRecord := evidenceRecord
			if derivedID != "" {
				targetRecord = derivedRecord
			}
			if expectedSpan, ok := targetRecord["span_ref"].(map[string]any); ok && expectedSpan != nil {
				mismatch := false
				for k, v := range spanRef {
					if expectedSpan[k] != v {
						mismatch = true
						break
					}
				}
				if mismatch {
					fail(idx, "span_ref_mismatch")
					continue
				}
			} else if kind, _ := spanRef["kind"].(string); kind == "time" {
				if !spanWithinRecord(targetRecord, spanRef) {
					fail(idx, "span_ref_out_of_bounds")
					continue
				}
			} else {
				fail(idx, "span_ref_missing")
				continue
			}
			if spanSource, _ := spanRef["source_id"].(string); spanSource != "" && spanSource != evidenceID {
				fail(idx, "span_source_mismatch")
				continue
			}
		}

		if spanKind == "text" {
			sourceRecord := evidenceRecord
			if derivedID != "" {
				sourceRecord = derivedRecord
			}
			sourceText, _ := sourceRecord["text"].(string)
			if sourceText == "" {
				fail(idx, "missing_text_for_span")
				continue
			}
			if offsetEnd > len(sourceText) {
				fail(idx, "span_out_of_bounds")
				continue
			}
		}

		if !verifyLedgerHead(ledgerPath, ledgerHead) {
			fail(idx, "ledger_head_invalid")
			continue
		}
		if !verifyAnchorRef(anchorPath, anchorRef, kr) {
			fail(idx, "anchor_invalid")
			continue
		}

		resolved = append(resolved, ResolvedCitation{
			SchemaVersion: schemaVersion,
			SpanID:        spanID,
			EvidenceID:    evidenceID,
			EvidenceHash:  evidenceHash,
			DerivedID:     derivedID,
			DerivedHash:   derivedHash,
			SpanKind:      spanKind,
			SpanRef:       spanRef,
			LedgerHead:    ledgerHead,
			AnchorRef:     anchorRef,
			Source:        source,
			OffsetStart:   offsetStart,
			OffsetEnd:     offsetEnd,
		})
	}

	return ResolveResult{OK: len(errs) == 0, Resolved: resolved, Errors: errs}
}

func stringField(m map[string]any, key string) (string, bool) {
	v, ok := m[key]
	if !ok || v == nil {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func toInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			return 0, false
		}
		return int(n), true
	case string:
		n, err := strconv.Atoi(t)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

func toInt64(v any) (int64, bool) {
	n, ok := toInt(v)
	return int64(n), ok
}

// recordHash mirrors citation_basic's _record_hash: content_hash, then
// payload_hash, then a text hash, first one present wins.
func recordHash(record map[string]any) string {
	if v, _ := record["content_hash"].(string); v != "" {
		return v
	}
	if v, _ := record["payload_hash"].(string); v != "" {
		return v
	}
	if v, _ := record["text"].(string); v != "" {
		return canon.Sha256TextNormalized(v)
	}
	return ""
}

func spanWithinRecord(record map[string]any, spanRef map[string]any) bool {
	if record == nil {
		return false
	}
	startTs := parseTs(spanRef["start_ts_utc"])
	endTs := parseTs(spanRef["end_ts_utc"])
	recStart := parseTs(record["ts_start_utc"])
	if recStart == nil {
		recStart = parseTs(record["ts_utc"])
	}
	if recStart == nil {
		return false
	}
	recEnd := parseTs(record["ts_end_utc"])
	if recEnd == nil {
		recEnd = parseTs(record["ts_utc"])
	}
	if recEnd == nil {
		recEnd = recStart
	}
	if startTs != nil && startTs.Before(*recStart) {
		return false
	}
	if endTs != nil && endTs.After(*recEnd) {
		return false
	}
	return true
}

func parseTs(v any) *time.Time {
	s, _ := v.(string)
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t, err = time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil
		}
	}
	return &t
}

// verifyLedgerHead re-validates the whole ledger's hash chain and confirms
// its current head matches expectedHead.
func verifyLedgerHead(path, expectedHead string) bool {
	report, err := ledger.Verify(path, true)
	if err != nil || !report.OK {
		return false
	}
	head, ok := readLedgerHeadHash(path)
	return ok && head == expectedHead
}

func readLedgerHeadHash(path string) (string, bool) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	lines := splitNonEmptyLines(raw)
	if len(lines) == 0 {
		return "", false
	}
	var e ledger.Entry
	if err := json.Unmarshal(lines[len(lines)-1], &e); err != nil {
		return "", false
	}
	return e.EntryHash, true
}

// verifyAnchorRef scans the anchor log for an entry matching anchorRef's
// anchor_seq/ledger_head_hash pair, and, if that entry carries an HMAC,
// re-derives it against the keyring before accepting the match.
func verifyAnchorRef(path string, anchorRef map[string]any, kr *keyring.KeyRing) bool {
	seq, seqOK := toInt64(anchorRef["anchor_seq"])
	head, _ := anchorRef["ledger_head_hash"].(string)
	if !seqOK || head == "" {
		return false
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	for _, line := range splitNonEmptyLines(raw) {
		var rec ledger.AnchorRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		if rec.AnchorSeq != seq {
			continue
		}
		if rec.LedgerHeadHash != head {
			return false
		}
		if rec.AnchorHMAC == "" {
			return true
		}
		if kr == nil {
			return false
		}
		key, err := kr.KeyFor(keyring.PurposeAnchor, rec.AnchorKeyID)
		if err != nil {
			return false
		}
		payload, err := canon.CanonicalJSON(rec.ToCanonical())
		if err != nil {
			return false
		}
		mac := hmac.New(sha256.New, key)
		mac.Write(payload)
		expected := hex.EncodeToString(mac.Sum(nil))
		return expected == rec.AnchorHMAC
	}
	return false
}

func splitNonEmptyLines(raw []byte) [][]byte {
	var out [][]byte
	for _, line := range bytes.Split(raw, []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		out = append(out, line)
	}
	return out
}

// VerifyLedger re-validates the ledger's hash chain top to bottom, grounded
// on autocapture/pillars/citable.py's verify_ledger; pkg/ledger.Verify
// already implements the recomputation, this just reshapes its report into
// the scanner's (ok, errors) contract.
func VerifyLedger(path string) (bool, []string) {
	report, err := ledger.Verify(path, true)
	if err != nil {
		return false, []string{"ledger_read_failed"}
	}
	var errs []string
	errs = append(errs, prefixEach("chain_gap", report.BrokenAt)...)
	errs = append(errs, prefixEach("hash_mismatch", report.MismatchAt)...)
	return len(errs) == 0, errs
}

func prefixEach(prefix string, ids []string) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = prefix + ":" + id
	}
	return out
}

// VerifyAnchors re-derives every anchor's HMAC against the keyring,
// treating a missing anchor file as a hard failure (the scanner assumes an
// anchor log is always present, unlike pkg/ledger.VerifyAnchors which
// treats "never anchored yet" as fine for a fresh store).
func VerifyAnchors(path string, kr *keyring.KeyRing) (bool, []string) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, []string{"anchor_missing"}
		}
		return false, []string{"anchor_read_failed"}
	}
	candidatesFor := func(keyID string) ([]byte, bool) {
		if kr == nil {
			return nil, false
		}
		key, err := kr.KeyFor(keyring.PurposeAnchor, keyID)
		if err != nil {
			return nil, false
		}
		return key, true
	}
	report, err := ledger.VerifyAnchors(path, nil, candidatesFor, true)
	if err != nil {
		return false, []string{"anchor_read_failed"}
	}
	var errs []string
	for _, seq := range report.MismatchAt {
		errs = append(errs, fmt.Sprintf("anchor_hmac_mismatch:%d", seq))
	}
	for _, seq := range report.UnknownKeyAt {
		errs = append(errs, fmt.Sprintf("anchor_key_missing:%d", seq))
	}
	return len(errs) == 0, errs
}

// VerifyEvidence checks every evidence.* record's payload_hash (against a
// canonical re-hash of the record minus that field) and content_hash
// (against the sha256 of its blob), grounded on
// autocapture/pillars/citable.py's verify_evidence.
func VerifyEvidence(metadata MetadataStore, media BlobStore) (bool, []string) {
	if metadata == nil {
		return false, []string{"metadata_missing"}
	}
	if media == nil {
		return false, []string{"media_missing"}
	}
	keys, err := metadata.Keys()
	if err != nil {
		return false, []string{"metadata_keys_failed"}
	}
	var errs []string
	for _, id := range keys {
		record, err := metadata.Get(id)
		if err != nil || record == nil {
			continue
		}
		recordType, _ := record["record_type"].(string)
		if !strings.HasPrefix(recordType, "evidence.") {
			continue
		}
		if payloadHash, _ := record["payload_hash"].(string); payloadHash != "" {
			withoutHash := make(map[string]any, len(record))
			for k, v := range record {
				if k != "payload_hash" {
					withoutHash[k] = v
				}
			}
			expected, err := canon.HashCanonical(withoutHash)
			if err != nil || payloadHash != expected {
				errs = append(errs, "payload_hash_mismatch:"+id)
			}
		}
		if contentHash, _ := record["content_hash"].(string); contentHash != "" {
			mediaID := id
			if sourceID, _ := record["source_id"].(string); sourceID != "" {
				mediaID = sourceID
			} else if artifactID, _ := record["artifact_id"].(string); artifactID != "" {
				mediaID = artifactID
			}
			data, err := media.Get(mediaID)
			if err != nil || len(data) == 0 {
				errs = append(errs, "evidence_missing:"+mediaID)
				continue
			}
			if actual := canon.Sha256Hex(data); contentHash != actual {
				errs = append(errs, "content_hash_mismatch:"+mediaID)
			}
		}
	}
	return len(errs) == 0, errs
}

// VerifyMetadataRefs checks that every source_id/parent_evidence_id/
// span_ref.source_id a derived record declares points at a real
// evidence.* record, grounded on
// autocapture/pillars/citable.py's verify_metadata_refs.
func VerifyMetadataRefs(metadata MetadataStore) (bool, []string) {
	if metadata == nil {
		return false, []string{"metadata_missing"}
	}
	keys, err := metadata.Keys()
	if err != nil {
		return false, []string{"metadata_keys_failed"}
	}

	evidenceLike := map[string]bool{}
	for _, id := range keys {
		record, err := metadata.Get(id)
		if err != nil || record == nil {
			continue
		}
		if recordType, _ := record["record_type"].(string); strings.HasPrefix(recordType, "evidence.") {
			evidenceLike[id] = true
		}
	}

	var errs []string
	for _, id := range keys {
		record, err := metadata.Get(id)
		if err != nil || record == nil {
			continue
		}
		if sourceID, ok := record["source_id"].(string); ok && sourceID != "" && !evidenceLike[sourceID] {
			errs = append(errs, "source_id_missing:"+id)
		}
		if parentID, ok := record["parent_evidence_id"].(string); ok && parentID != "" && !evidenceLike[parentID] {
			errs = append(errs, "parent_evidence_id_missing:"+id)
		}
		if spanRef, ok := record["span_ref"].(map[string]any); ok {
			if spanSource, ok := spanRef["source_id"].(string); ok && spanSource != "" && !evidenceLike[spanSource] {
				errs = append(errs, "span_ref_source_missing:"+id)
			}
		}
	}
	return len(errs) == 0, errs
}

// Check is one named component of a Scan.
type Check struct {
	Name   string   `json:"name"`
	OK     bool     `json:"ok"`
	Errors []string `json:"errors,omitempty"`
	Path   string   `json:"path,omitempty"`
}

// ScanReport is the result of a full integrity Scan.
type ScanReport struct {
	OK     bool    `json:"ok"`
	Checks []Check `json:"checks"`
}

// Scan runs every check (ledger, anchors, evidence, metadata_refs) and
// rolls them up, grounded on autocapture/pillars/citable.py's
// integrity_scan — the entry point gates and operator tooling call.
func Scan(ledgerPath, anchorPath string, metadata MetadataStore, media BlobStore, kr *keyring.KeyRing) ScanReport {
	ledgerOK, ledgerErrors := VerifyLedger(ledgerPath)
	anchorsOK, anchorErrors := VerifyAnchors(anchorPath, kr)
	evidenceOK, evidenceErrors := VerifyEvidence(metadata, media)
	refsOK, refsErrors := VerifyMetadataRefs(metadata)

	checks := []Check{
		{Name: "ledger", OK: ledgerOK, Errors: ledgerErrors, Path: ledgerPath},
		{Name: "anchors", OK: anchorsOK, Errors: anchorErrors, Path: anchorPath},
		{Name: "evidence", OK: evidenceOK, Errors: evidenceErrors},
		{Name: "metadata_refs", OK: refsOK, Errors: refsErrors},
	}
	return ScanReport{
		OK:     ledgerOK && anchorsOK && evidenceOK && refsOK,
		Checks: checks,
	}
}
