// Copyright 2025 Certen Protocol

package proofbundle

import (
	"archive/zip"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/certen/autocapture-kernel/pkg/canon"
	"github.com/certen/autocapture-kernel/pkg/keyring"
	"github.com/certen/autocapture-kernel/pkg/ledger"
	"github.com/certen/autocapture-kernel/pkg/merkle"
)

type memMetadata struct {
	records map[string]map[string]any
}

func (m *memMetadata) Get(recordID string) (map[string]any, error) {
	return m.records[recordID], nil
}

func (m *memMetadata) Keys() ([]string, error) {
	out := make([]string, 0, len(m.records))
	for id := range m.records {
		out = append(out, id)
	}
	return out, nil
}

type memBlobs struct {
	blobs map[string][]byte
}

func (m *memBlobs) Get(recordID string) ([]byte, error) {
	return m.blobs[recordID], nil
}

func writeLedgerFile(t *testing.T, path string, entries []ledger.Entry) {
	t.Helper()
	l, err := ledger.Open(path, nil)
	require.NoError(t, err)
	defer l.Close()
	for _, e := range entries {
		_, err := l.Append(e)
		require.NoError(t, err)
	}
}

func testKeyRing(t *testing.T) *keyring.KeyRing {
	t.Helper()
	kr, err := keyring.Load(filepath.Join(t.TempDir(), "keyring.json"), nil, false)
	require.NoError(t, err)
	_, err = kr.Rotate(keyring.PurposeAnchor)
	require.NoError(t, err)
	return kr
}

func TestExportMissingEvidenceIDsFails(t *testing.T) {
	metadata := &memMetadata{records: map[string]map[string]any{}}
	report, err := Export(ExportOptions{
		Metadata:   metadata,
		Media:      &memBlobs{},
		LedgerPath: filepath.Join(t.TempDir(), "ledger.ndjson"),
		AnchorPath: filepath.Join(t.TempDir(), "anchors.ndjson"),
		OutputPath: filepath.Join(t.TempDir(), "out.zip"),
	})
	require.NoError(t, err)
	require.False(t, report.OK)
	require.Contains(t, report.Errors, "missing_evidence_ids")
}

func TestExportCollectsDerivedRecordsAndWritesZip(t *testing.T) {
	dir := t.TempDir()
	ledgerPath := filepath.Join(dir, "ledger.ndjson")
	anchorPath := filepath.Join(dir, "anchors.ndjson")
	outputPath := filepath.Join(dir, "bundle.zip")

	evidenceRecord := map[string]any{"record_type": "evidence.capture.frame"}
	derivedRecord := map[string]any{"record_type": "derived.sst.state", "source_id": "ev1"}
	metadata := &memMetadata{records: map[string]map[string]any{
		"ev1":  evidenceRecord,
		"der1": derivedRecord,
	}}
	media := &memBlobs{blobs: map[string][]byte{"ev1": []byte("frame-bytes")}}

	writeLedgerFile(t, ledgerPath, []ledger.Entry{
		{RecordType: "ledger.entry", SchemaVersion: 1, EntryID: "e1", TsUTC: "2026-01-01T00:00:00Z", Stage: "capture", Inputs: []string{"ev1"}, Outputs: []string{"der1"}},
	})
	require.NoError(t, os.WriteFile(anchorPath, nil, 0o600))

	kr := testKeyRing(t)
	report, err := Export(ExportOptions{
		Metadata:    metadata,
		Media:       media,
		KeyRing:     kr,
		LedgerPath:  ledgerPath,
		AnchorPath:  anchorPath,
		OutputPath:  outputPath,
		EvidenceIDs: []string{"ev1"},
	})
	require.NoError(t, err)
	require.True(t, report.OK)
	require.Equal(t, []string{"ev1"}, report.EvidenceIDs)
	require.Equal(t, []string{"der1"}, report.DerivedIDs)
	require.Equal(t, 1, report.LedgerEntries)
	require.Equal(t, 1, report.Blobs)

	zr, err := zip.OpenReader(outputPath)
	require.NoError(t, err)
	defer zr.Close()
	names := map[string]bool{}
	for _, f := range zr.File {
		names[f.Name] = true
	}
	require.True(t, names["metadata.jsonl"])
	require.True(t, names["ledger.ndjson"])
	require.True(t, names["manifest.json"])
	require.True(t, names["manifest.sig.json"])
	require.True(t, names["blobs/manifest.json"])
}

func TestVerifyRoundTripSucceeds(t *testing.T) {
	dir := t.TempDir()
	ledgerPath := filepath.Join(dir, "ledger.ndjson")
	anchorPath := filepath.Join(dir, "anchors.ndjson")
	outputPath := filepath.Join(dir, "bundle.zip")

	metadata := &memMetadata{records: map[string]map[string]any{
		"ev1": {"record_type": "evidence.capture.frame"},
	}}
	writeLedgerFile(t, ledgerPath, []ledger.Entry{
		{RecordType: "ledger.entry", SchemaVersion: 1, EntryID: "e1", TsUTC: "2026-01-01T00:00:00Z", Stage: "capture", Inputs: []string{"ev1"}, Outputs: nil},
	})
	require.NoError(t, os.WriteFile(anchorPath, nil, 0o600))

	kr := testKeyRing(t)
	_, err := Export(ExportOptions{
		Metadata:    metadata,
		Media:       &memBlobs{},
		KeyRing:     kr,
		LedgerPath:  ledgerPath,
		AnchorPath:  anchorPath,
		OutputPath:  outputPath,
		EvidenceIDs: []string{"ev1"},
	})
	require.NoError(t, err)

	result := Verify(outputPath, kr)
	require.True(t, result.OK, result.Error)
}

func TestExportRecordsMerkleRootAndInclusionProofVerifies(t *testing.T) {
	dir := t.TempDir()
	ledgerPath := filepath.Join(dir, "ledger.ndjson")
	anchorPath := filepath.Join(dir, "anchors.ndjson")
	outputPath := filepath.Join(dir, "bundle.zip")

	metadata := &memMetadata{records: map[string]map[string]any{
		"ev1": {"record_type": "evidence.capture.frame"},
	}}
	writeLedgerFile(t, ledgerPath, []ledger.Entry{
		{RecordType: "ledger.entry", SchemaVersion: 1, EntryID: "e1", TsUTC: "2026-01-01T00:00:00Z", Stage: "capture", Inputs: []string{"ev1"}},
	})
	require.NoError(t, os.WriteFile(anchorPath, nil, 0o600))

	kr := testKeyRing(t)
	_, err := Export(ExportOptions{
		Metadata:    metadata,
		Media:       &memBlobs{},
		KeyRing:     kr,
		LedgerPath:  ledgerPath,
		AnchorPath:  anchorPath,
		OutputPath:  outputPath,
		EvidenceIDs: []string{"ev1"},
	})
	require.NoError(t, err)

	result := Verify(outputPath, kr)
	require.True(t, result.OK, result.Error)

	zr, err := zip.OpenReader(outputPath)
	require.NoError(t, err)
	defer zr.Close()
	manifestBytes, err := readZipFile(zr, "manifest.json")
	require.NoError(t, err)
	var manifest map[string]any
	require.NoError(t, json.Unmarshal(manifestBytes, &manifest))
	root, _ := manifest["merkle_root"].(string)
	require.NotEmpty(t, root)

	bundleFiles, ok := manifest["bundle_files"].([]any)
	require.True(t, ok)
	require.NotEmpty(t, bundleFiles)
	rows := make([]map[string]any, 0, len(bundleFiles))
	for _, row := range bundleFiles {
		rows = append(rows, row.(map[string]any))
	}

	proof, err := InclusionProofForFile(rows, 0)
	require.NoError(t, err)
	leafSha, _ := rows[0]["sha256"].(string)
	leafBytes, err := hex.DecodeString(leafSha)
	require.NoError(t, err)
	rootBytes, err := hex.DecodeString(root)
	require.NoError(t, err)
	ok2, err := merkle.VerifyProof(leafBytes, proof, rootBytes)
	require.NoError(t, err)
	require.True(t, ok2)
}

func TestVerifyDetectsTamperedBundleFile(t *testing.T) {
	dir := t.TempDir()
	ledgerPath := filepath.Join(dir, "ledger.ndjson")
	anchorPath := filepath.Join(dir, "anchors.ndjson")
	outputPath := filepath.Join(dir, "bundle.zip")

	metadata := &memMetadata{records: map[string]map[string]any{
		"ev1": {"record_type": "evidence.capture.frame"},
	}}
	writeLedgerFile(t, ledgerPath, []ledger.Entry{
		{RecordType: "ledger.entry", SchemaVersion: 1, EntryID: "e1", TsUTC: "2026-01-01T00:00:00Z", Stage: "capture", Inputs: []string{"ev1"}},
	})
	require.NoError(t, os.WriteFile(anchorPath, nil, 0o600))

	kr := testKeyRing(t)
	_, err := Export(ExportOptions{
		Metadata:    metadata,
		Media:       &memBlobs{},
		KeyRing:     kr,
		LedgerPath:  ledgerPath,
		AnchorPath:  anchorPath,
		OutputPath:  outputPath,
		EvidenceIDs: []string{"ev1"},
	})
	require.NoError(t, err)

	tamperZipEntry(t, outputPath, "metadata.jsonl", []byte(`{"record_id":"tampered","record":{}}`+"\n"))

	result := Verify(outputPath, kr)
	require.False(t, result.OK)
	require.Contains(t, result.Error, "bundle_file_sha256_mismatch")
}

func TestVerifyFailsWithoutKeyring(t *testing.T) {
	dir := t.TempDir()
	ledgerPath := filepath.Join(dir, "ledger.ndjson")
	anchorPath := filepath.Join(dir, "anchors.ndjson")
	outputPath := filepath.Join(dir, "bundle.zip")

	metadata := &memMetadata{records: map[string]map[string]any{
		"ev1": {"record_type": "evidence.capture.frame"},
	}}
	writeLedgerFile(t, ledgerPath, []ledger.Entry{
		{RecordType: "ledger.entry", SchemaVersion: 1, EntryID: "e1", TsUTC: "2026-01-01T00:00:00Z", Stage: "capture", Inputs: []string{"ev1"}},
	})
	require.NoError(t, os.WriteFile(anchorPath, nil, 0o600))

	kr := testKeyRing(t)
	_, err := Export(ExportOptions{
		Metadata:    metadata,
		Media:       &memBlobs{},
		KeyRing:     kr,
		LedgerPath:  ledgerPath,
		AnchorPath:  anchorPath,
		OutputPath:  outputPath,
		EvidenceIDs: []string{"ev1"},
	})
	require.NoError(t, err)

	result := Verify(outputPath, nil)
	require.False(t, result.OK)
	require.Equal(t, "keyring_missing", result.Error)
}

func TestCollectPolicyHashesDeduplicates(t *testing.T) {
	entries := []ledger.Entry{
		{PolicySnapshotHash: "abc"},
		{PolicySnapshotHash: "abc"},
		{PolicySnapshotHash: "def"},
		{PolicySnapshotHash: ""},
	}
	require.Equal(t, []string{"abc", "def"}, collectPolicyHashes(entries))
}

func TestBundleFilesManifestIsDeterministicallyOrdered(t *testing.T) {
	files := map[string][]byte{
		"b.json": []byte("2"),
		"a.json": []byte("1"),
	}
	manifest := bundleFilesManifest(files)
	require.Len(t, manifest, 2)
	require.Equal(t, "a.json", manifest[0]["path"])
	require.Equal(t, "b.json", manifest[1]["path"])
	require.Equal(t, canon.Sha256Hex([]byte("1")), manifest[0]["sha256"])
}

func tamperZipEntry(t *testing.T, zipPath, name string, newContent []byte) {
	t.Helper()
	zr, err := zip.OpenReader(zipPath)
	require.NoError(t, err)
	defer zr.Close()

	rewritten, err := os.Create(zipPath + ".tmp")
	require.NoError(t, err)
	zw := zip.NewWriter(rewritten)
	for _, f := range zr.File {
		w, err := zw.Create(f.Name)
		require.NoError(t, err)
		rc, err := f.Open()
		require.NoError(t, err)
		var data []byte
		if f.Name == name {
			data = newContent
		} else {
			data = readAll(t, rc)
		}
		_, err = w.Write(data)
		require.NoError(t, err)
		rc.Close()
	}
	require.NoError(t, zw.Close())
	require.NoError(t, rewritten.Close())
	require.NoError(t, os.Rename(zipPath+".tmp", zipPath))
}

func readAll(t *testing.T, r interface{ Read([]byte) (int, error) }) []byte {
	t.Helper()
	var buf []byte
	chunk := make([]byte, 4096)
	for {
		n, err := r.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if err != nil {
			break
		}
	}
	return buf
}
