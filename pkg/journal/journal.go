// Copyright 2025 Certen Protocol
//
// Package journal implements the append-only, human-debuggable NDJSON event
// log every kernel operation writes alongside its hash-chained ledger
// entry. Unlike the ledger, journal entries are not hash-chained — they
// exist for operational visibility, not tamper evidence.
package journal

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/certen/autocapture-kernel/pkg/canon"
	"github.com/certen/autocapture-kernel/pkg/kerr"
)

// Entry is one journal record.
type Entry struct {
	SchemaVersion  int            `json:"schema_version"`
	EventID        string         `json:"event_id"`
	RunID          string         `json:"run_id"`
	Sequence       int64          `json:"sequence"`
	TsUTC          string         `json:"ts_utc"`
	TzID           string         `json:"tzid,omitempty"`
	OffsetMinutes  int            `json:"offset_minutes"`
	EventType      string         `json:"event_type"`
	Payload        map[string]any `json:"payload"`
}

// Writer appends events to a single NDJSON file under data_dir/journal.ndjson.
type Writer struct {
	mu       sync.Mutex
	f        *os.File
	runID    string
	tzid     string
	seq      int64
}

// New opens (creating if necessary) the journal file under dataDir.
func New(dataDir, runID, tzid string) (*Writer, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, kerr.Wrap(kerr.IO, "create journal directory", err)
	}
	path := filepath.Join(dataDir, "journal.ndjson")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, kerr.Wrap(kerr.IO, "open journal file", err)
	}
	w := &Writer{f: f, runID: runID, tzid: tzid}
	if err := w.restoreSequence(path); err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

func (w *Writer) restoreSequence(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return kerr.Wrap(kerr.IO, "read journal file", err)
	}
	count := int64(0)
	start := 0
	for i, b := range raw {
		if b == '\n' {
			if i > start {
				count++
			}
			start = i + 1
		}
	}
	w.seq = count
	return nil
}

// AppendEvent writes a new journal entry, assigning event_id, sequence, and
// ts_utc/tzid/offset_minutes if not supplied, and returns the event_id.
func (w *Writer) AppendEvent(eventType string, payload map[string]any, eventID, tsUTC string, offsetMinutes int) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	seq := w.seq
	w.seq++

	if tsUTC == "" {
		tsUTC = time.Now().UTC().Format(time.RFC3339)
	}
	if eventID == "" {
		eventID = canon.PrefixedID(w.runID, eventType, seq)
	}

	entry := Entry{
		SchemaVersion: 1,
		EventID:       eventID,
		RunID:         w.runID,
		Sequence:      seq,
		TsUTC:         tsUTC,
		TzID:          w.tzid,
		OffsetMinutes: offsetMinutes,
		EventType:     eventType,
		Payload:       payload,
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return "", kerr.Wrap(kerr.IO, "marshal journal entry", err)
	}
	raw = append(raw, '\n')
	if _, err := w.f.Write(raw); err != nil {
		return "", kerr.Wrap(kerr.IO, "write journal entry", err)
	}
	if err := w.f.Sync(); err != nil {
		return "", kerr.Wrap(kerr.IO, "fsync journal file", err)
	}
	return eventID, nil
}

// Close closes the underlying file handle.
func (w *Writer) Close() error {
	return w.f.Close()
}
