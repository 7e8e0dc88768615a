// Copyright 2025 Certen Protocol

package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecordMethodsUpdateExposedMetrics(t *testing.T) {
	r := New()
	r.RecordJournalEvent("capture.begin")
	r.RecordLedgerEntry("capture", 3)
	r.RecordAnchor(true)
	r.RecordAnchor(false)
	r.RecordEvidenceWrite("committed", 128)
	r.RecordCompaction(false, 4096)
	r.RecordProofBundleExport(true)
	r.RecordProofBundleVerify(false)
	r.RecordIntegrityScan(true)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, req)
	require.Equal(t, 200, rec.Code)

	body := rec.Body.String()
	require.Contains(t, body, `autocapture_journal_events_total{event_type="capture.begin"} 1`)
	require.Contains(t, body, "autocapture_ledger_height 3")
	require.Contains(t, body, "autocapture_anchors_committed_total 1")
	require.Contains(t, body, "autocapture_anchor_failures_total 1")
	require.Contains(t, body, `autocapture_evidence_writes_total{outcome="committed"} 1`)
	require.Contains(t, body, "autocapture_evidence_bytes_total 128")
	require.Contains(t, body, `autocapture_compaction_runs_total{mode="applied"} 1`)
	require.Contains(t, body, "autocapture_compaction_freed_bytes_total 4096")
	require.Contains(t, body, `autocapture_proof_bundle_exports_total{outcome="ok"} 1`)
	require.Contains(t, body, `autocapture_proof_bundle_verifications_total{outcome="failed"} 1`)
	require.Contains(t, body, `autocapture_integrity_scans_total{outcome="ok"} 1`)
}

func TestNilRegistryRecordMethodsAreNoops(t *testing.T) {
	var r *Registry
	require.NotPanics(t, func() {
		r.RecordJournalEvent("x")
		r.RecordLedgerEntry("x", 1)
		r.RecordAnchor(true)
		r.RecordEvidenceWrite("committed", 10)
		r.RecordCompaction(true, 0)
		r.RecordProofBundleExport(true)
		r.RecordProofBundleVerify(true)
		r.RecordIntegrityScan(true)
	})
}
