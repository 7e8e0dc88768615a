// Copyright 2025 Certen Protocol
//
// Package evidence implements the staged, raw-first evidence write: blob,
// then metadata, then a journal begin marker, then a ledger commit marker.
// A fault mid-flight never deletes what was already written; instead a
// best-effort rollback marker is journaled/ledgered, and a later recovery
// pass can complete any write whose journal begin marker has no matching
// ledger commit marker.
package evidence

import (
	"github.com/certen/autocapture-kernel/pkg/canon"
	"github.com/certen/autocapture-kernel/pkg/kerr"
)

// BlobStore is the subset of pkg/store.BlobStore a staged write needs.
type BlobStore interface {
	PutNew(recordID string, data []byte) error
	Has(recordID string) bool
}

// MetadataStore is the subset of pkg/metadatastore.Store a staged write needs.
type MetadataStore interface {
	PutNew(runID, recordID string, value map[string]any) error
	Has(recordID string) bool
}

// EventSink is the subset of pkg/eventbuilder.Builder a staged write drives.
type EventSink interface {
	JournalEvent(eventType string, payload map[string]any, eventID, tsUTC string) (string, error)
	LedgerEntry(stage string, inputs, outputs []string, payload map[string]any, entryID, tsUTC string) (string, error)
}

// WriteReport describes the outcome of a staged evidence write.
type WriteReport struct {
	OK               bool
	EvidenceID       string
	StagesCompleted  []string
	TxID             string
	Err              error
	RollbackRecorded bool
}

// TxID computes the deterministic transaction id for a staged write:
// sha256(canonical_json({evidence_id, blob_sha256, record})).
func TxID(evidenceID, blobSha256 string, record map[string]any) (string, error) {
	payload := map[string]any{
		"evidence_id": evidenceID,
		"blob_sha256": blobSha256,
		"record":      record,
	}
	hash, err := canon.HashCanonical(payload)
	if err != nil {
		return "", kerr.Wrap(kerr.Validation, "hash tx_id payload", err)
	}
	return hash, nil
}

// The four write stage names, in order, also used as WriteStaged's
// faultAfterStage values for deterministic fault-injection testing.
const (
	StageBlob     = "blob"
	StageMetadata = "metadata"
	StageJournal  = "journal"
	StageLedger   = "ledger"
)

// WriteStaged writes blob then record then journal-begin then ledger-commit,
// in that order. faultAfterStage, when non-empty, forces a failure
// immediately after the named stage completes — test-only fault injection,
// never used in production call sites.
func WriteStaged(evidenceID string, runID string, blob []byte, record map[string]any, media BlobStore, metadata MetadataStore, events EventSink, faultAfterStage string) WriteReport {
	var stages []string
	rollbackRecorded := false

	rollback := func(reason, stage string) {
		if events == nil {
			return
		}
		payload := map[string]any{
			"schema_version":   int64(1),
			"event":            "evidence.write.rollback",
			"evidence_id":      evidenceID,
			"stage":            stage,
			"reason":           reason,
			"stages_completed": append([]string{}, stages...),
		}
		_, _ = events.JournalEvent("evidence.write.rollback", payload, evidenceID, "")
		_, _ = events.LedgerEntry("evidence.write.rollback", nil, []string{evidenceID}, payload, evidenceID, "")
		rollbackRecorded = true
	}

	blobSha := canon.Sha256Hex(blob)
	txID, err := TxID(evidenceID, blobSha, record)
	if err != nil {
		return WriteReport{OK: false, EvidenceID: evidenceID, Err: err}
	}

	fail := func(stage string, cause error) WriteReport {
		rollback(cause.Error(), stage)
		return WriteReport{
			OK:               false,
			EvidenceID:       evidenceID,
			StagesCompleted:  stages,
			TxID:             txID,
			Err:              cause,
			RollbackRecorded: rollbackRecorded,
		}
	}

	if err := media.PutNew(evidenceID, blob); err != nil {
		return fail(lastStageOr(stages, "start"), err)
	}
	stages = append(stages, StageBlob)
	if faultAfterStage == StageBlob {
		return fail(StageBlob, kerr.New(kerr.IO, "fault injected after blob"))
	}

	if err := metadata.PutNew(runID, evidenceID, record); err != nil {
		return fail(StageBlob, err)
	}
	stages = append(stages, StageMetadata)
	if faultAfterStage == StageMetadata {
		return fail(StageMetadata, kerr.New(kerr.IO, "fault injected after metadata"))
	}

	if events != nil {
		beginPayload := map[string]any{
			"schema_version":   int64(1),
			"event":            "evidence.write.begin",
			"tx_id":            txID,
			"evidence_id":      evidenceID,
			"blob_sha256":      blobSha,
			"record":           record,
			"stages_completed": append([]string{}, stages...),
		}
		if _, err := events.JournalEvent("evidence.write.begin", beginPayload, txID, ""); err != nil {
			return fail(StageMetadata, err)
		}
	}
	stages = append(stages, StageJournal)
	if faultAfterStage == StageJournal {
		return fail(StageJournal, kerr.New(kerr.IO, "fault injected after journal"))
	}

	if events != nil {
		commitPayload := map[string]any{
			"schema_version": int64(1),
			"event":          "evidence.write.commit",
			"tx_id":          txID,
			"evidence_id":    evidenceID,
			"blob_sha256":    blobSha,
		}
		if _, err := events.LedgerEntry("evidence.write.commit", nil, []string{evidenceID}, commitPayload, txID, ""); err != nil {
			return fail(StageJournal, err)
		}
	}
	stages = append(stages, StageLedger)

	return WriteReport{OK: true, EvidenceID: evidenceID, StagesCompleted: stages, TxID: txID, RollbackRecorded: rollbackRecorded}
}

func lastStageOr(stages []string, fallback string) string {
	if len(stages) == 0 {
		return fallback
	}
	return stages[len(stages)-1]
}
