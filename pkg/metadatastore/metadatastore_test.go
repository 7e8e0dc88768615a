package metadatastore

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type memStore struct {
	records map[string]map[string]any
}

func newMemStore() *memStore {
	return &memStore{records: map[string]map[string]any{}}
}

func (m *memStore) Get(recordID string) (map[string]any, error) {
	return m.records[recordID], nil
}

func (m *memStore) Has(recordID string) bool {
	_, ok := m.records[recordID]
	return ok
}

func (m *memStore) PutNew(runID, recordID string, value map[string]any) error {
	if _, ok := m.records[recordID]; ok {
		return errors.New("record already exists")
	}
	m.records[recordID] = value
	return nil
}

func (m *memStore) Put(runID, recordID string, value map[string]any) error {
	m.records[recordID] = value
	return nil
}

func (m *memStore) PutReplace(runID, recordID string, value map[string]any) error {
	m.records[recordID] = value
	return nil
}

func (m *memStore) Delete(recordID string) (bool, error) {
	if _, ok := m.records[recordID]; !ok {
		return false, nil
	}
	delete(m.records, recordID)
	return true, nil
}

func (m *memStore) Keys() ([]string, error) {
	keys := make([]string, 0, len(m.records))
	for k := range m.records {
		keys = append(keys, k)
	}
	return keys, nil
}

func TestPutRefusesOverwriteOfEvidenceRecord(t *testing.T) {
	raw := newMemStore()
	s := New(raw)
	require.NoError(t, s.PutNew("run1", "rec-1", map[string]any{"record_type": "evidence.capture.frame"}))
	err := s.Put("run1", "rec-1", map[string]any{"record_type": "evidence.capture.frame", "extra": "x"})
	require.Error(t, err)
}

func TestPutRefusesDerivedPayloadOverAnyExisting(t *testing.T) {
	raw := newMemStore()
	s := New(raw)
	require.NoError(t, s.PutNew("run1", "rec-1", map[string]any{"record_type": "run.state"}))
	err := s.Put("run1", "rec-1", map[string]any{"record_type": "derived.ocr"})
	require.Error(t, err)
}

func TestPutAllowsMutableRecordOverwrite(t *testing.T) {
	raw := newMemStore()
	s := New(raw)
	require.NoError(t, s.PutNew("run1", "rec-1", map[string]any{"record_type": "run.state", "v": int64(1)}))
	require.NoError(t, s.Put("run1", "rec-1", map[string]any{"record_type": "run.state", "v": int64(2)}))
}

func TestDeleteOnlyAllowedForDerived(t *testing.T) {
	raw := newMemStore()
	s := New(raw)
	require.NoError(t, s.PutNew("run1", "rec-1", map[string]any{"record_type": "evidence.capture.frame"}))
	_, err := s.Delete("rec-1")
	require.Error(t, err)

	require.NoError(t, s.PutNew("run1", "rec-2", map[string]any{"record_type": "derived.ocr"}))
	ok, err := s.Delete("rec-2")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestBuildUnavailableRecordHashesPayload(t *testing.T) {
	rec, err := BuildUnavailableRecord("run1", "2026-01-01T00:00:00Z", "device_busy", "", "", nil)
	require.NoError(t, err)
	require.Equal(t, "evidence.capture.unavailable", rec["record_type"])
	require.NotEmpty(t, rec["payload_hash"])
}

func TestPersistUnavailableRecord(t *testing.T) {
	raw := newMemStore()
	s := New(raw)
	id, err := PersistUnavailableRecord(s, "run1", "2026-01-01T00:00:00Z", "permission_denied", "", "", nil)
	require.NoError(t, err)
	require.NotEmpty(t, id)
	got, err := s.Get(id)
	require.NoError(t, err)
	require.Equal(t, "evidence.capture.unavailable", got["record_type"])
}
