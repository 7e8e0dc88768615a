// Copyright 2025 Certen Protocol
//
// Package metrics is the kernel's Prometheus registry: one counter/gauge
// set per subsystem (journal, ledger, anchors, evidence writes, compaction,
// proof bundles, integrity scans), exposed over HTTP the same way
// system_health_logging.go does for its own registry.
package metrics

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Registry owns every counter/gauge the kernel exposes and the HTTP handler
// that serves them. A nil *Registry is a valid, inert no-op: every Record*
// method on it is safe to call and does nothing, so callers never need to
// guard metrics calls behind a "is metrics enabled" check.
type Registry struct {
	reg *prometheus.Registry

	journalEvents      *prometheus.CounterVec
	ledgerEntries      *prometheus.CounterVec
	ledgerHeight       prometheus.Gauge
	anchorsCommitted   prometheus.Counter
	anchorFailures     prometheus.Counter
	evidenceWrites     *prometheus.CounterVec
	evidenceBytes      prometheus.Counter
	compactionRuns     *prometheus.CounterVec
	compactionFreed    prometheus.Counter
	proofBundleExports *prometheus.CounterVec
	proofBundleVerify  *prometheus.CounterVec
	integrityScans     *prometheus.CounterVec
}

// New builds a Registry with every metric registered, ready to serve.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		journalEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autocapture_journal_events_total",
			Help: "Total journal events appended, by event type.",
		}, []string{"event_type"}),
		ledgerEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autocapture_ledger_entries_total",
			Help: "Total hash-chained ledger entries appended, by stage.",
		}, []string{"stage"}),
		ledgerHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "autocapture_ledger_height",
			Help: "Current number of entries in the ledger.",
		}),
		anchorsCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "autocapture_anchors_committed_total",
			Help: "Total anchor records committed to the anchor log.",
		}),
		anchorFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "autocapture_anchor_failures_total",
			Help: "Total anchor commit attempts that failed.",
		}),
		evidenceWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autocapture_evidence_writes_total",
			Help: "Total staged evidence writes, by outcome (committed|rolled_back|failed).",
		}, []string{"outcome"}),
		evidenceBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "autocapture_evidence_bytes_total",
			Help: "Total bytes written to the evidence blob store.",
		}),
		compactionRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autocapture_compaction_runs_total",
			Help: "Total compact_derived runs, by mode (dry_run|applied).",
		}, []string{"mode"}),
		compactionFreed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "autocapture_compaction_freed_bytes_total",
			Help: "Total bytes freed by applied compaction runs.",
		}),
		proofBundleExports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autocapture_proof_bundle_exports_total",
			Help: "Total proof bundle exports, by outcome (ok|error).",
		}, []string{"outcome"}),
		proofBundleVerify: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autocapture_proof_bundle_verifications_total",
			Help: "Total proof bundle verifications, by outcome (ok|failed).",
		}, []string{"outcome"}),
		integrityScans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autocapture_integrity_scans_total",
			Help: "Total integrity scans run, by outcome (ok|failed).",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		r.journalEvents,
		r.ledgerEntries,
		r.ledgerHeight,
		r.anchorsCommitted,
		r.anchorFailures,
		r.evidenceWrites,
		r.evidenceBytes,
		r.compactionRuns,
		r.compactionFreed,
		r.proofBundleExports,
		r.proofBundleVerify,
		r.integrityScans,
	)
	return r
}

// Handler returns the http.Handler serving this registry's metrics.
func (r *Registry) Handler() http.Handler {
	if r == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Serve starts a metrics HTTP server on addr, matching
// system_health_logging.go's StartMetricsServer/ShutdownMetricsServer shape.
func (r *Registry) Serve(addr string, logger *logrus.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			if logger != nil {
				logger.WithError(err).Error("metrics server stopped")
			}
		}
	}()
	return srv
}

// Shutdown gracefully stops a server returned by Serve.
func (r *Registry) Shutdown(ctx context.Context, srv *http.Server) error {
	return srv.Shutdown(ctx)
}

// RecordJournalEvent increments the per-event-type journal counter.
func (r *Registry) RecordJournalEvent(eventType string) {
	if r == nil {
		return
	}
	r.journalEvents.WithLabelValues(eventType).Inc()
}

// RecordLedgerEntry increments the per-stage ledger counter and sets the
// current ledger height.
func (r *Registry) RecordLedgerEntry(stage string, height int64) {
	if r == nil {
		return
	}
	r.ledgerEntries.WithLabelValues(stage).Inc()
	r.ledgerHeight.Set(float64(height))
}

// RecordAnchor increments the anchor-committed or anchor-failure counter.
func (r *Registry) RecordAnchor(ok bool) {
	if r == nil {
		return
	}
	if ok {
		r.anchorsCommitted.Inc()
	} else {
		r.anchorFailures.Inc()
	}
}

// RecordEvidenceWrite increments the evidence-write outcome counter and
// tallies bytes written.
func (r *Registry) RecordEvidenceWrite(outcome string, bytesWritten int) {
	if r == nil {
		return
	}
	r.evidenceWrites.WithLabelValues(outcome).Inc()
	if bytesWritten > 0 {
		r.evidenceBytes.Add(float64(bytesWritten))
	}
}

// RecordCompaction increments the compaction-run counter and, for applied
// (non-dry-run) runs, tallies freed bytes.
func (r *Registry) RecordCompaction(dryRun bool, freedBytes int64) {
	if r == nil {
		return
	}
	mode := "applied"
	if dryRun {
		mode = "dry_run"
	}
	r.compactionRuns.WithLabelValues(mode).Inc()
	if !dryRun && freedBytes > 0 {
		r.compactionFreed.Add(float64(freedBytes))
	}
}

// RecordProofBundleExport increments the export outcome counter.
func (r *Registry) RecordProofBundleExport(ok bool) {
	if r == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	r.proofBundleExports.WithLabelValues(outcome).Inc()
}

// RecordProofBundleVerify increments the verification outcome counter.
func (r *Registry) RecordProofBundleVerify(ok bool) {
	if r == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "failed"
	}
	r.proofBundleVerify.WithLabelValues(outcome).Inc()
}

// RecordIntegrityScan increments the integrity-scan outcome counter.
func (r *Registry) RecordIntegrityScan(ok bool) {
	if r == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "failed"
	}
	r.integrityScans.WithLabelValues(outcome).Inc()
}
