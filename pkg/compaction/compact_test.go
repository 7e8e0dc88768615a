// Copyright 2025 Certen Protocol

package compaction

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type memMetadata struct {
	records map[string]map[string]any
	deleted []string
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

func (m *memMetadata) Delete(recordID string) (bool, error) {
	if _, ok := m.records[recordID]; !ok {
		return false, nil
	}
	delete(m.records, recordID)
	m.deleted = append(m.deleted, recordID)
	return true, nil
}

type memBlobs struct {
	blobs   map[string][]byte
	deleted []string
}

func (m *memBlobs) Keys() ([]string, error) {
	out := make([]string, 0, len(m.blobs))
	for id := range m.blobs {
		out = append(out, id)
	}
	return out, nil
}

func (m *memBlobs) Delete(recordID string) (bool, error) {
	if _, ok := m.blobs[recordID]; !ok {
		return false, nil
	}
	delete(m.blobs, recordID)
	m.deleted = append(m.deleted, recordID)
	return true, nil
}

type recordingEvents struct {
	journalEvents []string
	ledgerEntries []string
}

func (r *recordingEvents) JournalEvent(eventType string, payload map[string]any, eventID, tsUTC string) (string, error) {
	r.journalEvents = append(r.journalEvents, eventType)
	return "evt1", nil
}

func (r *recordingEvents) LedgerEntry(stage string, inputs, outputs []string, payload map[string]any, entryID, tsUTC string) (string, error) {
	r.ledgerEntries = append(r.ledgerEntries, stage)
	return "hash1", nil
}

func TestCompactDerivedDeletesOnlyDerivedRecords(t *testing.T) {
	metadata := &memMetadata{records: map[string]map[string]any{
		"ev1":  {"record_type": "evidence.capture.frame"},
		"der1": {"record_type": "derived.sst.state"},
		"der2": {"record_type": "derived.sst.delta"},
	}}
	media := &memBlobs{blobs: map[string][]byte{
		"ev1":           []byte("frame"),
		"derived.thumb": []byte("thumb"),
	}}
	events := &recordingEvents{}

	result, err := CompactDerived(Options{Metadata: metadata, Media: media, Events: events})
	require.NoError(t, err)
	require.Equal(t, 2, result.DerivedMetadata)
	require.Equal(t, 1, result.DerivedMedia)
	require.False(t, result.DryRun)

	_, evOK := metadata.records["ev1"]
	require.True(t, evOK)
	_, derOK := metadata.records["der1"]
	require.False(t, derOK)
	_, blobOK := media.blobs["derived.thumb"]
	require.False(t, blobOK)
	_, frameOK := media.blobs["ev1"]
	require.True(t, frameOK)

	require.Contains(t, events.journalEvents, "storage.compact_derived")
	require.Contains(t, events.ledgerEntries, "storage.compact_derived")
}

type recordingMetrics struct {
	dryRun     []bool
	freedBytes []int64
}

func (m *recordingMetrics) RecordCompaction(dryRun bool, freedBytes int64) {
	m.dryRun = append(m.dryRun, dryRun)
	m.freedBytes = append(m.freedBytes, freedBytes)
}

func TestCompactDerivedReportsMetrics(t *testing.T) {
	metadata := &memMetadata{records: map[string]map[string]any{
		"der1": {"record_type": "derived.sst.state"},
	}}
	metrics := &recordingMetrics{}

	_, err := CompactDerived(Options{Metadata: metadata, Metrics: metrics})
	require.NoError(t, err)
	require.Equal(t, []bool{false}, metrics.dryRun)
}

func TestCompactDerivedDryRunDeletesNothing(t *testing.T) {
	metadata := &memMetadata{records: map[string]map[string]any{
		"der1": {"record_type": "derived.sst.state"},
	}}
	result, err := CompactDerived(Options{Metadata: metadata, DryRun: true})
	require.NoError(t, err)
	require.True(t, result.DryRun)
	require.Equal(t, 1, result.DerivedMetadata)
	_, stillThere := metadata.records["der1"]
	require.True(t, stillThere)
}

func TestCompactDerivedRemovesIndexFiles(t *testing.T) {
	dir := t.TempDir()
	lexical := filepath.Join(dir, "lexical.db")
	vector := filepath.Join(dir, "vector.db")
	require.NoError(t, os.WriteFile(lexical, []byte("12345"), 0o600))
	require.NoError(t, os.WriteFile(vector, []byte("123"), 0o600))

	metadata := &memMetadata{records: map[string]map[string]any{}}
	result, err := CompactDerived(Options{Metadata: metadata, LexicalIndexPath: lexical, VectorIndexPath: vector})
	require.NoError(t, err)
	require.Equal(t, 2, result.RemovedIndexFiles)
	require.Equal(t, int64(8), result.FreedBytes)

	_, err = os.Stat(lexical)
	require.True(t, os.IsNotExist(err))
}
