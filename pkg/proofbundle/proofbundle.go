// Copyright 2025 Certen Protocol
//
// Package proofbundle exports and verifies self-contained, signed proof
// bundles: a ZIP of the metadata records, ledger entries, and anchors that
// back a set of evidence/derived record IDs (or a set of citations), plus a
// verification report and an HMAC-signed file manifest for tamper detection.
package proofbundle

import (
	"archive/zip"
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/certen/autocapture-kernel/pkg/canon"
	"github.com/certen/autocapture-kernel/pkg/keyring"
	"github.com/certen/autocapture-kernel/pkg/kerr"
	"github.com/certen/autocapture-kernel/pkg/ledger"
	"github.com/certen/autocapture-kernel/pkg/merkle"
)

const schemaVersion = 1

// MetadataStore is the narrow read surface proofbundle needs from
// pkg/metadatastore.Store: looking up a record by ID and enumerating every
// known ID, so derived/edge records referencing the requested evidence can
// be discovered without a dedicated index.
type MetadataStore interface {
	Get(recordID string) (map[string]any, error)
	Keys() ([]string, error)
}

// BlobStore is the narrow read surface proofbundle needs from a media/blob
// store to attach evidence payloads to the bundle.
type BlobStore interface {
	Get(recordID string) ([]byte, error)
}

// Citation is a resolver-supplied record locator: at minimum an
// evidence_id/span_id plus optionally a ledger_head or anchor_ref used to
// pull in exactly the ledger/anchor entries that back it.
type Citation map[string]any

// Report summarizes one export run.
type Report struct {
	OK            bool     `json:"ok"`
	OutputPath    string   `json:"output_path"`
	EvidenceIDs   []string `json:"evidence_ids"`
	DerivedIDs    []string `json:"derived_ids"`
	EdgeIDs       []string `json:"edge_ids"`
	LedgerEntries int      `json:"ledger_entries"`
	Anchors       int      `json:"anchors"`
	Blobs         int      `json:"blobs"`
	Errors        []string `json:"errors"`
	Warnings      []string `json:"warnings"`
}

// ExportOptions parameterizes Export.
type ExportOptions struct {
	Metadata    MetadataStore
	Media       BlobStore
	KeyRing     *keyring.KeyRing
	LedgerPath  string
	AnchorPath  string
	OutputPath  string
	EvidenceIDs []string
	Citations   []Citation
}

// Export collects every metadata record, ledger entry, and anchor that
// touches evidenceIDs (or the citations' evidence_id/span_id/ledger_head/
// anchor_ref locators), plus full policy snapshots referenced by the
// collected ledger entries, into a single ZIP at opts.OutputPath. The
// manifest is HMAC-signed with the keyring's active anchor key when a
// keyring is supplied.
func Export(opts ExportOptions) (Report, error) {
	evidenceSet := map[string]bool{}
	for _, id := range opts.EvidenceIDs {
		if id != "" {
			evidenceSet[id] = true
		}
	}
	if len(evidenceSet) == 0 && len(opts.Citations) == 0 {
		return Report{OK: false, OutputPath: opts.OutputPath, Errors: []string{"missing_evidence_ids"}}, nil
	}
	for _, c := range opts.Citations {
		if eid, ok := stringField(c, "evidence_id"); ok {
			evidenceSet[eid] = true
		} else if eid, ok := stringField(c, "span_id"); ok {
			evidenceSet[eid] = true
		}
	}
	evidenceList := sortedKeys(evidenceSet)

	var errorsOut, warnings []string

	records, derivedIDs, edgeIDs, missing := collectRecords(opts.Metadata, evidenceList)
	if len(missing) > 0 {
		warnings = append(warnings, fmt.Sprintf("missing_evidence:%d", len(missing)))
	}

	allRecordIDs := map[string]bool{}
	for _, id := range evidenceList {
		allRecordIDs[id] = true
	}
	for id := range derivedIDs {
		allRecordIDs[id] = true
	}
	for id := range edgeIDs {
		allRecordIDs[id] = true
	}

	ledgerEntries, ledgerHashes, ledgerErrs := collectLedgerEntries(opts.LedgerPath, allRecordIDs, opts.Citations)
	for _, e := range ledgerErrs {
		if strings.HasPrefix(e, "ledger_missing") || e == "ledger_read_failed" {
			errorsOut = append(errorsOut, e)
		} else {
			warnings = append(warnings, e)
		}
	}

	anchors, anchorErrs := collectAnchorEntries(opts.AnchorPath, ledgerHashes, opts.Citations)
	for _, e := range anchorErrs {
		if strings.HasPrefix(e, "anchor_missing") && len(opts.Citations) > 0 {
			errorsOut = append(errorsOut, e)
		} else {
			warnings = append(warnings, e)
		}
	}

	buf := &bytes.Buffer{}
	zw := zip.NewWriter(buf)
	fileBytes := map[string][]byte{}

	blobManifest := map[string]map[string]any{}
	blobCount := 0
	for _, recordID := range evidenceList {
		data, err := blobGet(opts.Media, recordID)
		if err != nil || len(data) == 0 {
			warnings = append(warnings, "blob_missing:"+recordID)
			continue
		}
		blobName := canon.EncodeID(recordID) + ".bin"
		rel := "blobs/" + blobName
		fileBytes[rel] = data
		blobManifest[recordID] = map[string]any{"file": rel, "sha256": canon.Sha256Hex(data)}
		blobCount++
	}

	fileBytes["metadata.jsonl"] = writeMetadataJSONL(records)
	fileBytes["ledger.ndjson"] = writeJSONL(ledgerEntries)
	fileBytes["anchors.ndjson"] = writeJSONL(anchors)

	policyHashes := collectPolicyHashes(ledgerEntries)
	for _, ph := range policyHashes {
		record, err := opts.Metadata.Get("policy_snapshot/" + ph)
		if err != nil || record == nil {
			warnings = append(warnings, "policy_snapshot_missing:"+ph)
			continue
		}
		payload, ok := record["payload"].(map[string]any)
		if !ok {
			warnings = append(warnings, "policy_snapshot_invalid:"+ph)
			continue
		}
		indented, err := json.MarshalIndent(payload, "", "  ")
		if err != nil {
			warnings = append(warnings, "policy_snapshot_invalid:"+ph)
			continue
		}
		fileBytes["policy_snapshots/"+ph+".json"] = indented
	}

	if len(blobManifest) > 0 {
		indented, _ := json.MarshalIndent(map[string]any{"schema_version": 1, "files": blobManifest}, "", "  ")
		fileBytes["blobs/manifest.json"] = indented
	}

	citationsIncluded := opts.Citations != nil
	if citationsIncluded {
		indented, _ := json.MarshalIndent(citationsAsAny(opts.Citations), "", "  ")
		fileBytes["citations.json"] = indented
	}

	verification := buildVerificationReport(opts.Metadata, opts.LedgerPath, opts.AnchorPath, ledgerEntries)
	verificationJSON, _ := json.MarshalIndent(verification, "", "  ")
	fileBytes["verification.json"] = verificationJSON

	bundleFiles := bundleFilesManifest(fileBytes)
	merkleRoot, err := merkleRootForFiles(bundleFiles)
	if err != nil {
		return Report{}, kerr.Wrap(kerr.Integrity, "compute bundle merkle root", err)
	}
	manifest := map[string]any{
		"schema_version":        schemaVersion,
		"created_at":            time.Now().UTC().Format(time.RFC3339Nano),
		"evidence_ids":          evidenceList,
		"derived_ids":           sortedKeys(derivedIDs),
		"edge_ids":              sortedKeys(edgeIDs),
		"record_count":          len(records),
		"ledger_entries":        len(ledgerEntries),
		"anchors":               len(anchors),
		"blobs":                 blobCount,
		"policy_snapshot_hashes": policyHashes,
		"bundle_files":          bundleFiles,
		"merkle_root":           merkleRoot,
		"files": map[string]any{
			"metadata":            "metadata.jsonl",
			"ledger":              "ledger.ndjson",
			"anchors":             "anchors.ndjson",
			"verification":        "verification.json",
			"blobs_manifest":      nonEmptyOrNil(len(blobManifest) > 0, "blobs/manifest.json"),
			"citations":           nonEmptyOrNil(citationsIncluded, "citations.json"),
			"policy_snapshots_dir": nonEmptyOrNil(len(policyHashes) > 0, "policy_snapshots"),
		},
	}
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return Report{}, kerr.Wrap(kerr.IO, "marshal proof bundle manifest", err)
	}
	fileBytes["manifest.json"] = manifestJSON

	if sig := signManifest(manifestJSON, opts.KeyRing); sig != nil {
		sigJSON, _ := json.MarshalIndent(sig, "", "  ")
		fileBytes["manifest.sig.json"] = sigJSON
	}

	for _, rel := range sortedFileNames(fileBytes) {
		w, err := zw.Create(rel)
		if err != nil {
			return Report{}, kerr.Wrap(kerr.IO, "create zip entry "+rel, err)
		}
		if _, err := w.Write(fileBytes[rel]); err != nil {
			return Report{}, kerr.Wrap(kerr.IO, "write zip entry "+rel, err)
		}
	}
	if err := zw.Close(); err != nil {
		return Report{}, kerr.Wrap(kerr.IO, "close proof bundle zip", err)
	}
	if err := os.WriteFile(opts.OutputPath, buf.Bytes(), 0o600); err != nil {
		return Report{}, kerr.Wrap(kerr.IO, "write proof bundle file", err)
	}

	return Report{
		OK:            len(errorsOut) == 0,
		OutputPath:    opts.OutputPath,
		EvidenceIDs:   evidenceList,
		DerivedIDs:    sortedKeys(derivedIDs),
		EdgeIDs:       sortedKeys(edgeIDs),
		LedgerEntries: len(ledgerEntries),
		Anchors:       len(anchors),
		Blobs:         blobCount,
		Errors:        errorsOut,
		Warnings:      warnings,
	}, nil
}

func blobGet(media BlobStore, recordID string) ([]byte, error) {
	if media == nil {
		return nil, nil
	}
	return media.Get(recordID)
}

func stringField(m map[string]any, key string) (string, bool) {
	v, ok := m[key]
	if !ok || v == nil {
		return "", false
	}
	s, ok := v.(string)
	return s, ok && s != ""
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func citationsAsAny(cs []Citation) []map[string]any {
	out := make([]map[string]any, len(cs))
	for i, c := range cs {
		out[i] = map[string]any(c)
	}
	return out
}

func nonEmptyOrNil(cond bool, value string) any {
	if !cond {
		return nil
	}
	return value
}

// collectRecords mirrors _collect_records: evidence records plus any
// derived.* record whose source_id/parent_evidence_id is one of the
// requested evidence IDs, plus derived.graph.edge records whose parent/child
// touch either the evidence set or the derived set just collected.
func collectRecords(store MetadataStore, evidenceIDs []string) (map[string]map[string]any, map[string]bool, map[string]bool, []string) {
	records := map[string]map[string]any{}
	derivedIDs := map[string]bool{}
	edgeIDs := map[string]bool{}
	var missing []string

	evidenceSet := map[string]bool{}
	for _, id := range evidenceIDs {
		evidenceSet[id] = true
	}

	for _, id := range evidenceIDs {
		record, err := store.Get(id)
		if err != nil || record == nil {
			missing = append(missing, id)
			continue
		}
		records[id] = record
	}

	keys, _ := store.Keys()
	for _, id := range keys {
		record, err := store.Get(id)
		if err != nil || record == nil {
			continue
		}
		recordType, _ := record["record_type"].(string)
		if strings.HasPrefix(recordType, "derived.") {
			sourceID, _ := record["source_id"].(string)
			if sourceID == "" {
				sourceID, _ = record["parent_evidence_id"].(string)
			}
			if evidenceSet[sourceID] {
				records[id] = record
				derivedIDs[id] = true
			}
		}
		if recordType == "derived.graph.edge" {
			parentID, _ := record["parent_id"].(string)
			childID, _ := record["child_id"].(string)
			if evidenceSet[parentID] || evidenceSet[childID] {
				records[id] = record
				edgeIDs[id] = true
			}
		}
	}

	if len(derivedIDs) > 0 {
		for _, id := range keys {
			record, err := store.Get(id)
			if err != nil || record == nil {
				continue
			}
			if rt, _ := record["record_type"].(string); rt != "derived.graph.edge" {
				continue
			}
			parentID, _ := record["parent_id"].(string)
			childID, _ := record["child_id"].(string)
			if derivedIDs[parentID] || derivedIDs[childID] {
				records[id] = record
				edgeIDs[id] = true
			}
		}
	}

	return records, derivedIDs, edgeIDs, missing
}

// collectLedgerEntries mirrors _collect_ledger_entries: every ledger line
// whose entry_hash is a cited ledger_head, or whose inputs/outputs intersect
// recordIDs, is included.
func collectLedgerEntries(ledgerPath string, recordIDs map[string]bool, citations []Citation) ([]ledger.Entry, map[string]bool, []string) {
	entryHashes := map[string]bool{}
	var entries []ledger.Entry
	raw, err := os.ReadFile(ledgerPath)
	if err != nil {
		if os.IsNotExist(err) {
			return entries, entryHashes, []string{"ledger_missing:" + ledgerPath}
		}
		return entries, entryHashes, []string{"ledger_read_failed"}
	}

	heads := map[string]bool{}
	for _, c := range citations {
		if head, ok := stringField(c, "ledger_head"); ok {
			heads[head] = true
		}
	}

	var errs []string
	for _, line := range splitNonEmptyLines(raw) {
		var entry ledger.Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			errs = append(errs, "ledger_line_invalid")
			continue
		}
		if entry.EntryHash != "" && heads[entry.EntryHash] {
			entries = append(entries, entry)
			entryHashes[entry.EntryHash] = true
			continue
		}
		if intersects(recordIDs, entry.Inputs) || intersects(recordIDs, entry.Outputs) {
			entries = append(entries, entry)
			if entry.EntryHash != "" {
				entryHashes[entry.EntryHash] = true
			}
		}
	}
	return entries, entryHashes, errs
}

func intersects(set map[string]bool, values []string) bool {
	if len(set) == 0 || len(values) == 0 {
		return false
	}
	for _, v := range values {
		if set[v] {
			return true
		}
	}
	return false
}

// collectAnchorEntries mirrors _collect_anchor_entries: anchors referenced
// by a citation's anchor_ref, or whose ledger_head_hash is one of the
// collected ledger entries' hashes, are included with anchor_hmac/
// anchor_key_id stripped.
func collectAnchorEntries(anchorPath string, ledgerHashes map[string]bool, citations []Citation) ([]ledger.AnchorRecord, []string) {
	var anchors []ledger.AnchorRecord
	raw, err := os.ReadFile(anchorPath)
	if err != nil {
		if os.IsNotExist(err) {
			return anchors, []string{"anchor_missing:" + anchorPath}
		}
		return anchors, []string{"anchor_read_failed"}
	}

	type anchorRef struct {
		seq  int64
		head string
	}
	refs := map[anchorRef]bool{}
	for _, c := range citations {
		raw, ok := c["anchor_ref"].(map[string]any)
		if !ok {
			continue
		}
		var seq int64
		switch v := raw["anchor_seq"].(type) {
		case float64:
			seq = int64(v)
		case json.Number:
			n, _ := v.Int64()
			seq = n
		}
		head, _ := raw["ledger_head_hash"].(string)
		refs[anchorRef{seq, head}] = true
	}

	for _, line := range splitNonEmptyLines(raw) {
		var record ledger.AnchorRecord
		if err := json.Unmarshal(line, &record); err != nil {
			continue
		}
		if refs[anchorRef{record.AnchorSeq, record.LedgerHeadHash}] || ledgerHashes[record.LedgerHeadHash] {
			sanitized := record
			sanitized.AnchorHMAC = ""
			sanitized.AnchorKeyID = ""
			anchors = append(anchors, sanitized)
		}
	}
	return anchors, nil
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

func collectPolicyHashes(entries []ledger.Entry) []string {
	set := map[string]bool{}
	for _, e := range entries {
		if e.PolicySnapshotHash != "" {
			set[e.PolicySnapshotHash] = true
		}
	}
	return sortedKeys(set)
}

func writeMetadataJSONL(records map[string]map[string]any) []byte {
	ids := make([]string, 0, len(records))
	for id := range records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var buf bytes.Buffer
	for _, id := range ids {
		row := map[string]any{"record_id": id, "record": records[id]}
		raw, err := json.Marshal(row)
		if err != nil {
			continue
		}
		buf.Write(raw)
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

func writeJSONL[T any](rows []T) []byte {
	var buf bytes.Buffer
	for _, row := range rows {
		raw, err := json.Marshal(row)
		if err != nil {
			continue
		}
		buf.Write(raw)
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// merkleRootForFiles builds a Merkle tree over the bundle's own per-file
// sha256 leaves (in the same sorted order as bundle_files) and returns its
// hex root, so a verifier holding only the manifest and a single file can
// check that one file's inclusion without re-hashing the rest of the
// bundle. Grounded on pkg/merkle's tree, originally built for anchor batch
// commitments; the leaf shape here is per-file sha256, not per-transaction.
func merkleRootForFiles(files []map[string]any) (string, error) {
	if len(files) == 0 {
		return "", nil
	}
	leaves := make([][]byte, 0, len(files))
	for _, f := range files {
		sha, _ := f["sha256"].(string)
		leaf, err := hex.DecodeString(sha)
		if err != nil || len(leaf) != 32 {
			return "", fmt.Errorf("invalid bundle file sha256 for merkle leaf")
		}
		leaves = append(leaves, leaf)
	}
	tree, err := merkle.BuildTree(leaves)
	if err != nil {
		return "", err
	}
	return tree.RootHex(), nil
}

// InclusionProofForFile returns a Merkle inclusion proof for the file at
// index fileIndex in bundleFiles (manifest.json's "bundle_files" array, in
// its on-disk order), letting a caller with just one extracted file and the
// manifest's merkle_root confirm that file was part of the exported bundle
// without re-deriving every other file's hash.
func InclusionProofForFile(bundleFiles []map[string]any, fileIndex int) (*merkle.InclusionProof, error) {
	if fileIndex < 0 || fileIndex >= len(bundleFiles) {
		return nil, fmt.Errorf("file index %d out of range [0, %d)", fileIndex, len(bundleFiles))
	}
	leaves := make([][]byte, 0, len(bundleFiles))
	for _, f := range bundleFiles {
		sha, _ := f["sha256"].(string)
		leaf, err := hex.DecodeString(sha)
		if err != nil || len(leaf) != 32 {
			return nil, fmt.Errorf("invalid bundle file sha256 for merkle leaf")
		}
		leaves = append(leaves, leaf)
	}
	tree, err := merkle.BuildTree(leaves)
	if err != nil {
		return nil, err
	}
	return tree.GenerateProof(fileIndex)
}

func bundleFilesManifest(files map[string][]byte) []map[string]any {
	rels := sortedFileNames(files)
	out := make([]map[string]any, 0, len(rels))
	for _, rel := range rels {
		data := files[rel]
		out = append(out, map[string]any{
			"path":   rel,
			"sha256": canon.Sha256Hex(data),
			"bytes":  len(data),
		})
	}
	return out
}

func sortedFileNames(files map[string][]byte) []string {
	out := make([]string, 0, len(files))
	for rel := range files {
		out = append(out, rel)
	}
	sort.Strings(out)
	return out
}

// signManifest HMAC-SHA256-signs manifestJSON with a key derived from the
// keyring's active anchor-purpose key, mirroring Python's _sign_manifest. A
// nil keyring yields a nil signature (an unsigned bundle), never an error.
func signManifest(manifestJSON []byte, kr *keyring.KeyRing) map[string]any {
	if kr == nil {
		return nil
	}
	keyID, root, err := kr.ActiveAnchorKey()
	if err != nil {
		return nil
	}
	key, err := keyring.DeriveKey(root, "proof_bundle_manifest", 32)
	if err != nil {
		return nil
	}
	manifestSha := canon.Sha256Hex(manifestJSON)
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(manifestSha))
	signature := fmt.Sprintf("%x", mac.Sum(nil))
	return map[string]any{
		"schema_version": 1,
		"algo":           "hmac-sha256",
		"key_id":         keyID,
		"manifest_sha256": manifestSha,
		"signature_hex":  signature,
	}
}

// buildVerificationReport mirrors _build_verification_report's ledger/
// anchor self-check and policy-snapshot cross-check. It does not validate
// citations; ReplayBundle resolves citations through pkg/integrity.
func buildVerificationReport(store MetadataStore, ledgerPath, anchorPath string, entries []ledger.Entry) map[string]any {
	ledgerReport, err := ledger.Verify(ledgerPath, false)
	ledgerOK := err == nil && ledgerReport.OK
	var ledgerErrors []string
	if err != nil {
		ledgerErrors = append(ledgerErrors, "ledger_read_failed")
	} else {
		ledgerErrors = append(ledgerErrors, ledgerReport.BrokenAt...)
		ledgerErrors = append(ledgerErrors, ledgerReport.MismatchAt...)
	}

	anchorOK, anchorErrors := verifyAnchorFile(anchorPath)

	var missing, mismatched []string
	for _, e := range entries {
		if e.PolicySnapshotHash == "" {
			continue
		}
		record, err := store.Get("policy_snapshot/" + e.PolicySnapshotHash)
		if err != nil || record == nil {
			missing = append(missing, e.PolicySnapshotHash)
			continue
		}
		payload, ok := record["payload"].(map[string]any)
		if !ok {
			missing = append(missing, e.PolicySnapshotHash)
			continue
		}
		expected, err := canon.HashCanonical(payload)
		if err != nil || expected != e.PolicySnapshotHash {
			mismatched = append(mismatched, e.PolicySnapshotHash)
		}
	}

	return map[string]any{
		"ledger_ok":     ledgerOK,
		"ledger_errors": ledgerErrors,
		"anchor_ok":     anchorOK,
		"anchor_errors": anchorErrors,
		"policy_snapshot": map[string]any{
			"ok":        len(missing) == 0 && len(mismatched) == 0,
			"missing":   dedupeSorted(missing),
			"mismatched": dedupeSorted(mismatched),
		},
	}
}

func verifyAnchorFile(path string) (bool, []string) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, []string{"anchor_missing"}
		}
		return false, []string{"anchor_read_failed"}
	}
	var errs []string
	for _, line := range splitNonEmptyLines(raw) {
		var m map[string]any
		if err := json.Unmarshal(line, &m); err != nil {
			errs = append(errs, "anchor_decode_failed")
			continue
		}
		if _, ok := m["anchor_seq"]; !ok {
			errs = append(errs, "anchor_missing_fields")
			continue
		}
		if _, ok := m["ledger_head_hash"]; !ok {
			errs = append(errs, "anchor_missing_fields")
		}
	}
	return len(errs) == 0, errs
}

func dedupeSorted(values []string) []string {
	set := map[string]bool{}
	for _, v := range values {
		set[v] = true
	}
	return sortedKeys(set)
}

// VerifyResult is the outcome of Verify.
type VerifyResult struct {
	OK             bool   `json:"ok"`
	Error          string `json:"error,omitempty"`
	ManifestSha256 string `json:"manifest_sha256,omitempty"`
	KeyID          string `json:"key_id,omitempty"`
}

// Verify re-derives manifest.json's sha256, checks it against
// manifest.sig.json's HMAC signature using the keyring, then recomputes the
// sha256 and byte length of every file the manifest's bundle_files lists,
// failing on the first mismatch or missing entry. This is the full
// tamper-detection check, independent of the ledger/anchor self-consistency
// check already baked into the bundle's verification.json at export time.
func Verify(bundlePath string, kr *keyring.KeyRing) VerifyResult {
	if _, err := os.Stat(bundlePath); err != nil {
		return VerifyResult{OK: false, Error: "bundle_missing"}
	}
	zr, err := zip.OpenReader(bundlePath)
	if err != nil {
		return VerifyResult{OK: false, Error: "bundle_read_failed"}
	}
	defer zr.Close()

	manifestBytes, err := readZipFile(zr, "manifest.json")
	if err != nil {
		return VerifyResult{OK: false, Error: "bundle_read_failed"}
	}
	sigBytes, err := readZipFile(zr, "manifest.sig.json")
	if err != nil {
		return VerifyResult{OK: false, Error: "signature_missing"}
	}

	var manifest map[string]any
	if err := json.Unmarshal(manifestBytes, &manifest); err != nil {
		return VerifyResult{OK: false, Error: "manifest_invalid_json"}
	}
	var sig map[string]any
	if err := json.Unmarshal(sigBytes, &sig); err != nil {
		return VerifyResult{OK: false, Error: "signature_invalid_json"}
	}
	if algo, _ := sig["algo"].(string); algo != "hmac-sha256" {
		return VerifyResult{OK: false, Error: "signature_algo_unsupported"}
	}

	manifestSha := canon.Sha256Hex(manifestBytes)
	if sha, _ := sig["manifest_sha256"].(string); sha != manifestSha {
		return VerifyResult{OK: false, Error: "manifest_sha256_mismatch"}
	}
	if kr == nil {
		return VerifyResult{OK: false, Error: "keyring_missing"}
	}
	keyID, _ := sig["key_id"].(string)
	signatureHex, _ := sig["signature_hex"].(string)
	if keyID == "" || signatureHex == "" {
		return VerifyResult{OK: false, Error: "signature_missing_fields"}
	}
	root, err := kr.KeyFor(keyring.CanonicalPurpose("anchor"), keyID)
	if err != nil {
		return VerifyResult{OK: false, Error: "signature_key_unavailable"}
	}
	key, err := keyring.DeriveKey(root, "proof_bundle_manifest", 32)
	if err != nil {
		return VerifyResult{OK: false, Error: "signature_key_unavailable"}
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(manifestSha))
	expected := fmt.Sprintf("%x", mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(signatureHex)) {
		return VerifyResult{OK: false, Error: "signature_mismatch"}
	}

	expectedFiles, _ := manifest["bundle_files"].([]any)
	if expectedFiles == nil {
		return VerifyResult{OK: false, Error: "bundle_files_missing"}
	}
	for _, row := range expectedFiles {
		m, ok := row.(map[string]any)
		if !ok {
			continue
		}
		rel, _ := m["path"].(string)
		if rel == "" {
			continue
		}
		data, err := readZipFile(zr, rel)
		if err != nil {
			return VerifyResult{OK: false, Error: "bundle_file_missing:" + rel}
		}
		sha := canon.Sha256Hex(data)
		wantSha, _ := m["sha256"].(string)
		if sha != wantSha {
			return VerifyResult{OK: false, Error: "bundle_file_sha256_mismatch:" + rel}
		}
		wantBytes, _ := m["bytes"].(float64)
		if int(wantBytes) != len(data) {
			return VerifyResult{OK: false, Error: "bundle_file_size_mismatch:" + rel}
		}
	}

	if wantRoot, ok := manifest["merkle_root"].(string); ok && wantRoot != "" {
		rows := make([]map[string]any, 0, len(expectedFiles))
		for _, row := range expectedFiles {
			if m, ok := row.(map[string]any); ok {
				rows = append(rows, m)
			}
		}
		gotRoot, err := merkleRootForFiles(rows)
		if err != nil || gotRoot != wantRoot {
			return VerifyResult{OK: false, Error: "merkle_root_mismatch"}
		}
	}

	return VerifyResult{OK: true, ManifestSha256: manifestSha, KeyID: keyID}
}

func readZipFile(zr *zip.ReadCloser, name string) ([]byte, error) {
	for _, f := range zr.File {
		if f.Name == name {
			rc, err := f.Open()
			if err != nil {
				return nil, err
			}
			defer rc.Close()
			return io.ReadAll(rc)
		}
	}
	return nil, fmt.Errorf("not found: %s", name)
}
