// Copyright 2025 Certen Protocol

package sst

import (
	"fmt"
	"sort"
	"time"

	"github.com/certen/autocapture-kernel/pkg/canon"
	"github.com/certen/autocapture-kernel/pkg/eventbuilder"
	"github.com/certen/autocapture-kernel/pkg/metadatastore"
)

// IndexText is the free-text search sink: every persisted text document is
// handed to it after being written, so search stays in step with storage
// without persist.go needing to know which index backend is behind it.
type IndexText interface {
	IndexText(docID, text string) error
}

// PersistStats tallies what one persist call wrote and indexed.
type PersistStats struct {
	DerivedRecords int
	IndexedDocs    int
	DerivedIDs     []string
	IndexedIDs     []string
}

// ExtraDoc is an additional free-text document a caller wants persisted
// alongside a state bundle (OCR provider diagnostics, provider errors, a
// stage's own notes) beyond the text docs BuildState's output already
// implies.
type ExtraDoc struct {
	DocID        string
	Text         string
	DocKind      string
	ProviderID   string
	Stage        string
	ConfidenceBP int
	BBoxes       []BBox
	Meta         map[string]any
}

// ExtractorInfo identifies the extractor pipeline that produced the
// artifacts being persisted, attached to every envelope.
type ExtractorInfo struct {
	ID         string
	Version    string
	ConfigHash string
}

// Persistence writes SST artifacts through the metadata store's
// immutability gate (evidence.*/derived.* records are write-once) and
// mirrors each new frame, state, extra doc, delta and action record as a
// journal event plus a hash-chained ledger entry via eventbuilder.Builder.
// The per-state text docs (derived.sst.text) are written and indexed
// without a journal event or ledger entry.
type Persistence struct {
	store         *metadatastore.Store
	events        *eventbuilder.Builder
	indexText     IndexText
	extractor     ExtractorInfo
	schemaVersion int
	lastError     string
}

// NewPersistence builds a Persistence. events may be nil to skip journal
// and ledger emission (e.g. a dry-run pass).
func NewPersistence(store *metadatastore.Store, events *eventbuilder.Builder, indexText IndexText, extractor ExtractorInfo, schemaVersion int) *Persistence {
	return &Persistence{store: store, events: events, indexText: indexText, extractor: extractor, schemaVersion: schemaVersion}
}

// PersistFrame writes the per-frame segmentation trace (derived.sst.frame):
// one record per processed frame regardless of whether it opened a new
// temporal segment, so a run's frame history is fully reconstructible.
func (p *Persistence) PersistFrame(runID, recordID string, tsMS int64, width, height int, imageSha256, phash string, boundary bool, boundaryReason string, phashDistance, diffScoreBP int) (PersistStats, error) {
	derivedID := runID + "/derived.sst.frame/" + canon.EncodeID(recordID)
	payload := p.envelope(derivedID, "FrameTrace", tsMS, recordID, nil, []BBox{{0, 0, width, height}}, imageSha256, 10000, map[string]any{
		"record_type":     "derived.sst.frame",
		"frame_id":        recordID,
		"width":           width,
		"height":          height,
		"phash":           phash,
		"state_boundary":  boundary,
		"boundary_reason": boundaryReason,
		"phash_distance":  phashDistance,
		"diff_score_bp":   diffScoreBP,
	})
	created := p.putNew(runID, derivedID, payload)
	if created {
		p.emitEvent("sst.frame", derivedID, payload, []string{recordID}, []string{derivedID})
		return PersistStats{DerivedRecords: 1, DerivedIDs: []string{derivedID}}, nil
	}
	return PersistStats{}, nil
}

// PersistStateBundle writes the ScreenState record, its derived text
// documents, the delta event (if a previous state exists), and the action
// event (if one was inferred) for one frame. Every successful write except
// the text documents is mirrored through the event builder; the metadata
// store's immutability
// gate makes every write here idempotent — re-persisting the same frame
// after a crash never double-writes.
func (p *Persistence) PersistStateBundle(runID, recordID string, state State, frameBBox BBox, prevRecordID string, delta *Delta, action *ActionEvent, extraDocs []ExtraDoc) (PersistStats, error) {
	var derivedIDs, indexedIDs []string
	var derivedRecords, indexedDocs int

	stateComponent := canon.IDPrefix + canon.Sha256TextNormalized(recordID)
	stateRecordID := runID + "/derived.sst.state/" + stateComponent
	statePayload := p.envelope(stateRecordID, "ScreenState", state.TsMS, recordID, []string{state.StateID}, []BBox{frameBBox}, state.ImageSha256, state.ConfidenceBP, map[string]any{
		"record_type": "derived.sst.state",
		"state_id":    state.StateID,
		"frame_id":    recordID,
		"phash":       state.PHash,
		"screen_state": state,
		"summary": map[string]any{
			"visible_apps":      state.VisibleApps,
			"focus_element_id":  state.FocusElementID,
			"token_count":       len(state.Tokens),
			"table_count":       len(state.Tables),
			"spreadsheet_count": len(state.Spreadsheets),
			"code_count":        len(state.CodeBlocks),
			"chart_count":       len(state.Charts),
		},
	})
	if p.putNew(runID, stateRecordID, statePayload) {
		derivedRecords++
		derivedIDs = append(derivedIDs, stateRecordID)
		p.emitEvent("sst.state", stateRecordID, statePayload, []string{recordID}, []string{stateRecordID})
	}

	for _, doc := range stateDocs(runID, state) {
		payload := p.envelope(doc.id, "TextDoc", state.TsMS, recordID, []string{state.StateID}, []BBox{frameBBox}, state.ImageSha256, state.ConfidenceBP, map[string]any{
			"record_type": "derived.sst.text",
			"state_id":    state.StateID,
			"text":        doc.text,
			"doc_kind":    doc.kind,
		})
		if p.putNew(runID, doc.id, payload) {
			derivedRecords++
			derivedIDs = append(derivedIDs, doc.id)
		}
		if p.indexText != nil {
			_ = p.indexText.IndexText(doc.id, doc.text)
		}
		indexedDocs++
		indexedIDs = append(indexedIDs, doc.id)
	}

	for _, doc := range extraDocs {
		text := doc.Text
		if text == "" {
			continue
		}
		docID := doc.DocID
		if docID == "" {
			digest := canon.Sha256TextNormalized(text)
			if len(digest) > 16 {
				digest = digest[:16]
			}
			docID = runID + "/derived.sst.text/extra/" + canon.EncodeID("extra-"+state.StateID+"-"+digest)
		}
		kind := doc.DocKind
		if kind == "" {
			kind = "extra"
		}
		confidenceBP := doc.ConfidenceBP
		if confidenceBP == 0 {
			confidenceBP = 8000
		}
		bboxes := doc.BBoxes
		if len(bboxes) == 0 {
			bboxes = []BBox{frameBBox}
		}
		payload := map[string]any{
			"record_type": "derived.sst.text.extra",
			"state_id":    state.StateID,
			"doc_kind":    kind,
			"text":        text,
		}
		for k, v := range doc.Meta {
			payload[k] = v
		}
		if doc.ProviderID != "" {
			payload["provider_id"] = doc.ProviderID
		}
		if doc.Stage != "" {
			payload["stage"] = doc.Stage
		}
		envelope := p.envelope(docID, "TextDoc", state.TsMS, recordID, []string{state.StateID}, bboxes, state.ImageSha256, confidenceBP, payload)
		if p.putNew(runID, docID, envelope) {
			derivedRecords++
			derivedIDs = append(derivedIDs, docID)
			p.emitEvent("sst.extra_doc", docID, envelope, []string{recordID}, []string{docID})
		}
		if p.indexText != nil {
			_ = p.indexText.IndexText(docID, text)
		}
		indexedDocs++
		indexedIDs = append(indexedIDs, docID)
	}

	if delta != nil {
		deltaRecordID := runID + "/derived.sst.delta/" + canon.EncodeID(delta.DeltaID)
		payload := p.envelope(deltaRecordID, "DeltaEvent", state.TsMS, recordID, []string{delta.FromStateID, delta.ToStateID}, []BBox{frameBBox}, state.ImageSha256, 9000, map[string]any{
			"record_type":   "derived.sst.delta",
			"delta_id":      delta.DeltaID,
			"from_state_id": delta.FromStateID,
			"to_state_id":   delta.ToStateID,
			"delta_event":   delta,
			"summary":       delta.Summary,
			"change_count":  len(delta.Changes),
		})
		if p.putNew(runID, deltaRecordID, payload) {
			derivedRecords++
			derivedIDs = append(derivedIDs, deltaRecordID)
			inputs := []string{recordID}
			if prevRecordID != "" {
				inputs = []string{prevRecordID, recordID}
			}
			p.emitEvent("sst.delta", deltaRecordID, payload, inputs, []string{deltaRecordID})
		}
	}

	if action != nil {
		actionRecordID := runID + "/derived.sst.action/" + canon.EncodeID(action.ActionID)
		payload := p.envelope(actionRecordID, "ActionEvent", state.TsMS, recordID, []string{action.FromStateID, action.ToStateID}, []BBox{frameBBox}, state.ImageSha256, action.Primary.ConfidenceBP, map[string]any{
			"record_type":   "derived.sst.action",
			"action_id":     action.ActionID,
			"from_state_id": action.FromStateID,
			"to_state_id":   action.ToStateID,
			"primary":       action.Primary,
			"alternatives":  action.Alternatives,
			"impact":        action.Impact,
		})
		if p.putNew(runID, actionRecordID, payload) {
			derivedRecords++
			derivedIDs = append(derivedIDs, actionRecordID)
			p.emitEvent("sst.action", actionRecordID, payload, []string{recordID}, []string{actionRecordID})
		}
	}

	return PersistStats{DerivedRecords: derivedRecords, IndexedDocs: indexedDocs, DerivedIDs: derivedIDs, IndexedIDs: indexedIDs}, nil
}

// envelope wraps a record payload with the common provenance fields every
// derived record carries: run_id, artifact_id, kind, schema_version,
// creation timestamp, extractor identity, and input/state provenance.
func (p *Persistence) envelope(artifactID, kind string, tsMS int64, recordID string, stateIDs []string, bboxes []BBox, imageSha256 string, confidenceBP int, payload map[string]any) map[string]any {
	runID := artifactID
	if idx := indexOfSlash(artifactID); idx >= 0 {
		runID = artifactID[:idx]
	}
	envelope := map[string]any{}
	for k, v := range payload {
		envelope[k] = v
	}
	envelope["run_id"] = runID
	envelope["artifact_id"] = artifactID
	envelope["kind"] = kind
	envelope["schema_version"] = p.schemaVersion
	envelope["created_ts_ms"] = tsMS
	envelope["ts_utc"] = TsMSToUTC(tsMS)
	envelope["extractor"] = map[string]any{
		"id":          p.extractor.ID,
		"version":     p.extractor.Version,
		"config_hash": p.extractor.ConfigHash,
	}
	boxes := make([][4]int, len(bboxes))
	for i, b := range bboxes {
		boxes[i] = [4]int(b)
	}
	envelope["provenance"] = map[string]any{
		"frame_ids":         []string{recordID},
		"state_ids":         stateIDs,
		"bboxes":            boxes,
		"input_image_sha256": []string{imageSha256},
	}
	envelope["confidence_bp"] = confidenceBP
	envelope["source_id"] = recordID
	if contentHash, err := canon.HashCanonical(envelope); err == nil {
		envelope["content_hash"] = contentHash
	}
	return envelope
}

func indexOfSlash(s string) int {
	for i, c := range s {
		if c == '/' {
			return i
		}
	}
	return -1
}

// putNew writes a brand-new record, recording the failure reason (exists,
// or the store's own error) for diagnostics. Returns false on any failure.
func (p *Persistence) putNew(runID, recordID string, payload map[string]any) bool {
	p.lastError = ""
	if p.store.Has(recordID) {
		p.lastError = "exists"
		return false
	}
	if err := p.store.PutNew(runID, recordID, payload); err != nil {
		p.lastError = fmt.Sprintf("put_new_failed:%v", err)
		return false
	}
	return true
}

func (p *Persistence) emitEvent(eventType, artifactID string, payload map[string]any, inputs, outputs []string) {
	if p.events == nil {
		return
	}
	if _, err := p.events.JournalEvent(eventType, payload, artifactID, ""); err != nil {
		return
	}
	_, _ = p.events.LedgerEntry(eventType, inputs, outputs, payload, artifactID, "")
}

type textDoc struct {
	id, text, kind string
}

// stateDocs derives the free-text documents implied by one state: the
// state's full OCR/table/code text as one searchable blob, plus one
// document per table and one per code block so a search hit can point
// straight at the artifact that produced it.
func stateDocs(runID string, state State) []textDoc {
	var docs []textDoc
	stateComponent := canon.EncodeID(state.StateID)

	var parts []string
	for _, line := range state.Lines {
		if line.Text != "" {
			parts = append(parts, line.Text)
		}
	}
	for _, t := range state.Tables {
		if t.CSV != "" {
			parts = append(parts, t.CSV)
		}
	}
	for _, c := range state.CodeBlocks {
		if c.Text != "" {
			parts = append(parts, c.Text)
		}
	}
	if fullText := joinLines(parts); fullText != "" {
		docs = append(docs, textDoc{id: runID + "/derived.sst.text/state/" + stateComponent, text: fullText, kind: "state"})
	}

	sortedTables := append([]Table(nil), state.Tables...)
	sort.Slice(sortedTables, func(i, j int) bool { return sortedTables[i].TableID < sortedTables[j].TableID })
	for _, t := range sortedTables {
		var lines []string
		for _, cell := range t.Cells {
			lines = append(lines, fmt.Sprintf("R%dC%d: %s", cell.Row, cell.Col, cell.Text))
		}
		text := joinLines(lines)
		if text == "" {
			continue
		}
		docs = append(docs, textDoc{id: runID + "/derived.sst.text/table/" + canon.EncodeID(t.TableID), text: text, kind: "table"})
	}

	sortedCode := append([]CodeBlock(nil), state.CodeBlocks...)
	sort.Slice(sortedCode, func(i, j int) bool { return sortedCode[i].BlockID < sortedCode[j].BlockID })
	for _, c := range sortedCode {
		if c.Text == "" {
			continue
		}
		docs = append(docs, textDoc{id: runID + "/derived.sst.text/code/" + canon.EncodeID(c.BlockID), text: c.Text, kind: "code"})
	}
	return docs
}

func joinLines(lines []string) string {
	out := ""
	for i, l := range lines {
		if i > 0 {
			out += "\n"
		}
		out += l
	}
	return out
}

// TsMSToUTC formats a millisecond epoch timestamp as RFC3339 UTC.
func TsMSToUTC(tsMS int64) string {
	return time.UnixMilli(tsMS).UTC().Format(time.RFC3339Nano)
}

// ConfigHash returns a stable hash for an SST config block, used as the
// extractor identity's config_hash so two runs with different tuning
// parameters never collapse onto the same derived records.
func ConfigHash(config map[string]any) string {
	hash, err := canon.HashCanonical(config)
	if err != nil {
		return canon.Sha256TextNormalized(fmt.Sprintf("%v", config))
	}
	return hash
}
