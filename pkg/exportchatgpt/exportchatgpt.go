// Copyright 2025 Certen Protocol
//
// Package exportchatgpt writes a hash-chained export of ChatGPT-related
// capture segments, the narrow §6 "export chatgpt" operation: scan the
// journal for capture.segment events, keep the ones whose matching window
// title/process looks like a ChatGPT session in Microsoft Edge, and append each
// as its own hash-chained line to exports/chatgpt_transcripts.ndjson.
// Grounded on original_source/autocapture_nx/kernel/export_chatgpt.py, with
// its OCR-text-extraction and privacy-sanitizer steps left out: those are
// plugin-system capabilities this kernel does not carry (no plugin host is
// in scope here), so the export line carries the segment/window metadata
// the journal and metadata store already hold rather than re-derived OCR
// text.
package exportchatgpt

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/certen/autocapture-kernel/pkg/canon"
	"github.com/certen/autocapture-kernel/pkg/kerr"
)

var (
	chatgptTitleRe = regexp.MustCompile(`(?i)(chatgpt|openai)`)
	edgeProcessRe  = regexp.MustCompile(`(?i)msedge`)
)

// MetadataStore is the narrow read surface the export needs to match
// capture segments to their window title/process.
type MetadataStore interface {
	Get(recordID string) (map[string]any, error)
	Keys() ([]string, error)
}

// Options parameterizes Run.
type Options struct {
	JournalPath string
	ExportPath  string
	Metadata    MetadataStore
	SinceTS     string
	MaxSegments int
}

// Result reports what an export pass did.
type Result struct {
	SegmentsScanned  int      `json:"segments_scanned"`
	SegmentsExported int      `json:"segments_exported"`
	SegmentsSkipped  int      `json:"segments_skipped"`
	LinesAppended    int      `json:"lines_appended"`
	Errors           []string `json:"errors"`
}

type windowRow struct {
	recordID    string
	ts          time.Time
	windowTitle string
	processPath string
}

// Run scans opts.JournalPath for capture.segment events since opts.SinceTS
// (inclusive), matches each against the nearest preceding
// evidence.window.meta record in opts.Metadata within a 10s lookback, keeps
// the ones running in an Edge-hosted ChatGPT/OpenAI window, and appends
// each as a hash-chained line to opts.ExportPath.
func Run(opts Options) (Result, error) {
	result := Result{}
	if opts.Metadata == nil {
		return result, kerr.New(kerr.Validation, "exportchatgpt: metadata store is required")
	}

	windows, err := loadWindowIndex(opts.Metadata)
	if err != nil {
		return result, err
	}

	segments, err := scanJournalSegments(opts.JournalPath, opts.SinceTS, opts.MaxSegments)
	if err != nil {
		return result, err
	}

	if err := os.MkdirAll(filepath.Dir(opts.ExportPath), 0o700); err != nil {
		return result, kerr.Wrap(kerr.IO, "create export directory", err)
	}
	prevHash, err := readPrevHash(opts.ExportPath)
	if err != nil {
		return result, err
	}

	for _, seg := range segments {
		result.SegmentsScanned++
		window := matchWindow(windows, seg.tsUTC, 10*time.Second)
		if window == nil {
			result.SegmentsSkipped++
			continue
		}
		if !edgeProcessRe.MatchString(window.processPath) {
			result.SegmentsSkipped++
			continue
		}
		if !chatgptTitleRe.MatchString(window.windowTitle) {
			result.SegmentsSkipped++
			continue
		}

		payload := map[string]any{
			"schema_version": 1,
			"entry_id":       fmt.Sprintf("chatgpt:edge:session:%s", sessionID(window.windowTitle, window.processPath)),
			"ts_utc":         seg.tsUTC.UTC().Format(time.RFC3339),
			"source": map[string]any{
				"browser":      "msedge",
				"app":          "chatgpt",
				"window_title": window.windowTitle,
				"process_path": window.processPath,
			},
			"segment_id": seg.segmentID,
		}
		hash, err := appendExportLine(opts.ExportPath, payload, prevHash)
		if err != nil {
			result.Errors = append(result.Errors, err.Error())
			continue
		}
		prevHash = hash
		result.LinesAppended++
		result.SegmentsExported++
	}

	return result, nil
}

type journalSegment struct {
	segmentID string
	tsUTC     time.Time
}

func scanJournalSegments(journalPath, sinceTS string, maxSegments int) ([]journalSegment, error) {
	raw, err := os.ReadFile(journalPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, kerr.Wrap(kerr.IO, "read journal", err)
	}

	var sinceDT *time.Time
	if sinceTS != "" {
		if t, err := time.Parse(time.RFC3339, sinceTS); err == nil {
			sinceDT = &t
		}
	}

	var out []journalSegment
	for _, line := range strings.Split(string(raw), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var entry struct {
			EventType string         `json:"event_type"`
			TsUTC     string         `json:"ts_utc"`
			Payload   map[string]any `json:"payload"`
		}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		if entry.EventType != "capture.segment" {
			continue
		}
		segmentID, _ := entry.Payload["segment_id"].(string)
		if segmentID == "" {
			continue
		}
		tsField, _ := entry.Payload["ts_utc"].(string)
		if tsField == "" {
			tsField = entry.TsUTC
		}
		ts, err := time.Parse(time.RFC3339, tsField)
		if err != nil {
			continue
		}
		if sinceDT != nil && ts.Before(*sinceDT) {
			continue
		}
		out = append(out, journalSegment{segmentID: segmentID, tsUTC: ts})
		if maxSegments > 0 && len(out) >= maxSegments {
			break
		}
	}
	return out, nil
}

func loadWindowIndex(metadata MetadataStore) ([]windowRow, error) {
	keys, err := metadata.Keys()
	if err != nil {
		return nil, err
	}
	var rows []windowRow
	for _, id := range keys {
		record, err := metadata.Get(id)
		if err != nil || record == nil {
			continue
		}
		if rt, _ := record["record_type"].(string); rt != "evidence.window.meta" {
			continue
		}
		window, _ := record["window"].(map[string]any)
		tsUTC, _ := record["ts_utc"].(string)
		ts, err := time.Parse(time.RFC3339, tsUTC)
		if err != nil {
			continue
		}
		var title, process string
		if window != nil {
			title, _ = window["title"].(string)
			process, _ = window["process_path"].(string)
		}
		rows = append(rows, windowRow{recordID: id, ts: ts, windowTitle: title, processPath: process})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].ts.Equal(rows[j].ts) {
			return rows[i].recordID < rows[j].recordID
		}
		return rows[i].ts.Before(rows[j].ts)
	})
	return rows, nil
}

func matchWindow(rows []windowRow, segmentTS time.Time, lookback time.Duration) *windowRow {
	var best *windowRow
	for i := range rows {
		if rows[i].ts.After(segmentTS) {
			break
		}
		r := rows[i]
		best = &r
	}
	if best == nil {
		return nil
	}
	delta := segmentTS.Sub(best.ts)
	if delta < 0 || delta > lookback {
		return nil
	}
	return best
}

func sessionID(windowTitle, processPath string) string {
	return canon.Sha256Hex([]byte(windowTitle + "\n" + processPath))[:16]
}

func readPrevHash(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", kerr.Wrap(kerr.IO, "read export file", err)
	}
	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) == "" {
			continue
		}
		var row map[string]any
		if err := json.Unmarshal([]byte(lines[i]), &row); err != nil {
			continue
		}
		if h, _ := row["entry_hash"].(string); h != "" {
			return h, nil
		}
	}
	return "", nil
}

// appendExportLine hashes payload (plus the incoming prev_hash) into
// entry_hash and appends the line, mirroring pkg/ledger's hash-chaining so
// the export file is independently tamper-evident even without a ledger
// entry per line.
func appendExportLine(path string, payload map[string]any, prevHash string) (string, error) {
	row := make(map[string]any, len(payload)+2)
	for k, v := range payload {
		row[k] = v
	}
	row["prev_hash"] = prevHash
	canonicalBytes, err := canon.CanonicalJSON(row)
	if err != nil {
		return "", kerr.Wrap(kerr.Integrity, "canonicalize export line", err)
	}
	entryHash := canon.Sha256Hex(append(canonicalBytes, []byte(prevHash)...))
	row["entry_hash"] = entryHash

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return "", kerr.Wrap(kerr.IO, "open export file", err)
	}
	defer f.Close()
	raw, err := json.Marshal(row)
	if err != nil {
		return "", kerr.Wrap(kerr.Integrity, "marshal export line", err)
	}
	if _, err := f.Write(append(raw, '\n')); err != nil {
		return "", kerr.Wrap(kerr.IO, "write export line", err)
	}
	return entryHash, nil
}
