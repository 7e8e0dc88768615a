// Copyright 2025 Certen Protocol
//
// Package eventbuilder is the funnel every kernel operation writes
// through: every state change becomes one journal event plus one
// hash-chained ledger entry, with a cached policy snapshot hash attached
// to every ledger entry and an anchor scheduler that commits the ledger
// head on a first-entry/every-N-entries/every-N-minutes trigger.
package eventbuilder

import (
	"fmt"
	"sync"
	"time"

	"github.com/certen/autocapture-kernel/pkg/canon"
	"github.com/certen/autocapture-kernel/pkg/journal"
	"github.com/certen/autocapture-kernel/pkg/kerr"
	"github.com/certen/autocapture-kernel/pkg/ledger"
)

// Anchorer is the subset of pkg/ledger.AnchorLog the builder drives.
type Anchorer interface {
	Anchor(ledgerHeadHash string) (ledger.AnchorRecord, error)
}

// LedgerAppender is the subset of pkg/ledger.Ledger the builder drives.
type LedgerAppender interface {
	Append(entry ledger.Entry) (string, error)
	HeadHash() string
}

// AnchorSchedule controls when Builder triggers an anchor commitment.
// A zero value anchors on the very first ledger entry only.
type AnchorSchedule struct {
	EveryEntries int
	EveryMinutes float64
}

// MetricsRecorder is the narrow subset of pkg/metrics.Registry the builder
// reports through. A nil value (the zero Builder) records nothing.
type MetricsRecorder interface {
	RecordJournalEvent(eventType string)
	RecordLedgerEntry(stage string, height int64)
	RecordAnchor(ok bool)
}

// Builder is the journal+ledger funnel. One Builder exists per run.
type Builder struct {
	runID    string
	journal  *journal.Writer
	ledger   LedgerAppender
	anchor   Anchorer
	schedule AnchorSchedule
	metrics  MetricsRecorder

	mu              sync.Mutex
	policyHash      string
	policySnapshot  map[string]any
	ledgerSeq       int64
	anchorEntries   int
	lastAnchor      *ledger.AnchorRecord
	lastAnchorTS    time.Time
}

// WithMetrics attaches a metrics recorder. Safe to call with nil.
func (b *Builder) WithMetrics(m MetricsRecorder) *Builder {
	b.metrics = m
	return b
}

// New constructs a Builder. policySnapshot is the narrow policy projection
// whose canonical-JSON hash is cached and attached to every ledger entry
// (see pkg/config.PolicySnapshotHash for how the projection is built).
// anchor may be nil, in which case no anchoring ever happens.
func New(runID string, j *journal.Writer, l LedgerAppender, anchor Anchorer, policySnapshot map[string]any, schedule AnchorSchedule) *Builder {
	return &Builder{
		runID:          runID,
		journal:        j,
		ledger:         l,
		anchor:         anchor,
		schedule:       schedule,
		policySnapshot: policySnapshot,
	}
}

// RunID returns the run this builder is scoped to.
func (b *Builder) RunID() string {
	return b.runID
}

// LedgerHead returns the ledger's current head hash, or "" if empty.
func (b *Builder) LedgerHead() string {
	if b.ledger == nil {
		return ""
	}
	return b.ledger.HeadHash()
}

// LastAnchor returns the most recently committed anchor record, if any.
func (b *Builder) LastAnchor() *ledger.AnchorRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lastAnchor == nil {
		return nil
	}
	cp := *b.lastAnchor
	return &cp
}

// PolicySnapshotHash returns the cached canonical-JSON hash of the policy
// snapshot, computing it once on first use.
func (b *Builder) PolicySnapshotHash() (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.policyHash == "" {
		hash, err := canon.HashCanonical(b.policySnapshot)
		if err != nil {
			return "", kerr.Wrap(kerr.Validation, "hash policy snapshot", err)
		}
		b.policyHash = hash
	}
	return b.policyHash, nil
}

// JournalEvent appends a plain journal entry and returns its event_id.
func (b *Builder) JournalEvent(eventType string, payload map[string]any, eventID, tsUTC string) (string, error) {
	if b.journal == nil {
		return "", kerr.New(kerr.IO, "no journal configured")
	}
	id, err := b.journal.AppendEvent(eventType, payload, eventID, tsUTC, 0)
	if err == nil && b.metrics != nil {
		b.metrics.RecordJournalEvent(eventType)
	}
	return id, err
}

// LedgerEntry appends a hash-chained ledger entry carrying the cached
// policy snapshot hash, then evaluates the anchor schedule.
func (b *Builder) LedgerEntry(stage string, inputs, outputs []string, payload map[string]any, entryID, tsUTC string) (string, error) {
	if b.ledger == nil {
		return "", kerr.New(kerr.IO, "no ledger configured")
	}

	b.mu.Lock()
	seq := b.ledgerSeq
	b.ledgerSeq++
	b.mu.Unlock()

	if tsUTC == "" {
		tsUTC = time.Now().UTC().Format(time.RFC3339)
	}
	if entryID == "" {
		entryID = canon.PrefixedID(b.runID, fmt.Sprintf("ledger.%s", stage), seq)
	}

	policyHash, err := b.PolicySnapshotHash()
	if err != nil {
		return "", err
	}

	entry := ledger.Entry{
		RecordType:         "ledger.entry",
		SchemaVersion:      1,
		EntryID:            entryID,
		TsUTC:              tsUTC,
		Stage:              stage,
		Inputs:             inputs,
		Outputs:            outputs,
		PolicySnapshotHash: policyHash,
		Payload:            payload,
	}
	ledgerHash, err := b.ledger.Append(entry)
	if err != nil {
		return "", err
	}
	if b.metrics != nil {
		b.metrics.RecordLedgerEntry(stage, seq+1)
	}

	if b.anchor != nil {
		if err := b.maybeAnchor(ledgerHash, tsUTC); err != nil {
			return "", err
		}
	}
	return ledgerHash, nil
}

// maybeAnchor implements the first-entry-always-anchors OR every_entries OR
// every_minutes trigger: any one condition being true commits an anchor.
func (b *Builder) maybeAnchor(ledgerHash, tsUTC string) error {
	now, err := time.Parse(time.RFC3339, tsUTC)
	if err != nil {
		now = time.Now().UTC()
	}

	b.mu.Lock()
	b.anchorEntries++
	shouldAnchor := b.lastAnchor == nil
	if b.schedule.EveryEntries > 0 && b.anchorEntries >= b.schedule.EveryEntries {
		shouldAnchor = true
	}
	if b.schedule.EveryMinutes > 0 {
		if b.lastAnchorTS.IsZero() {
			shouldAnchor = true
		} else if now.Sub(b.lastAnchorTS).Seconds() >= b.schedule.EveryMinutes*60.0 {
			shouldAnchor = true
		}
	}
	b.mu.Unlock()

	if !shouldAnchor {
		return nil
	}

	rec, err := b.anchor.Anchor(ledgerHash)
	if b.metrics != nil {
		b.metrics.RecordAnchor(err == nil)
	}
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.lastAnchor = &rec
	b.lastAnchorTS = now
	b.anchorEntries = 0
	b.mu.Unlock()
	return nil
}

// FailureEvent records an operation failure as both a journal event and a
// ledger entry, folding the error's message and class into the payload.
func (b *Builder) FailureEvent(eventType, stage string, cause error, inputs, outputs []string, payload map[string]any, tsUTC string, retryable bool) (string, error) {
	if tsUTC == "" {
		tsUTC = time.Now().UTC().Format(time.RFC3339)
	}
	failurePayload := map[string]any{
		"event":      eventType,
		"stage":      stage,
		"error":      cause.Error(),
		"error_kind": fmt.Sprintf("%T", cause),
		"retryable":  retryable,
	}
	for k, v := range payload {
		failurePayload[k] = v
	}
	eventID, err := b.JournalEvent(eventType, failurePayload, "", tsUTC)
	if err != nil {
		return "", err
	}
	if _, err := b.LedgerEntry(eventType, inputs, outputs, failurePayload, "", tsUTC); err != nil {
		return "", err
	}
	return eventID, nil
}

// RecordOperatorAction journals and ledgers an operator-initiated command
// (rotate, revoke, backup, restore) as a first-class auditable event. Every
// operator command is itself recorded exactly like a capture-path
// operation — there is no separate, unaudited admin path.
func (b *Builder) RecordOperatorAction(action string, payload map[string]any, entryID string) (map[string]any, error) {
	full := map[string]any{"schema_version": int64(1), "action": action}
	for k, v := range payload {
		full[k] = v
	}
	eventID, err := b.JournalEvent("operator."+action, full, entryID, "")
	if err != nil {
		return nil, err
	}
	ledgerHash, err := b.LedgerEntry("operator."+action, nil, nil, full, entryID, "")
	if err != nil {
		return nil, err
	}
	return map[string]any{"ok": true, "event_id": eventID, "ledger_hash": ledgerHash}, nil
}
