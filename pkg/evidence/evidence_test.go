package evidence

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/certen/autocapture-kernel/pkg/eventbuilder"
	"github.com/certen/autocapture-kernel/pkg/journal"
	"github.com/certen/autocapture-kernel/pkg/keyring"
	"github.com/certen/autocapture-kernel/pkg/ledger"
	"github.com/certen/autocapture-kernel/pkg/metadatastore"
	"github.com/certen/autocapture-kernel/pkg/store"
)

type harness struct {
	dir      string
	media    *store.BlobStore
	metadata *metadatastore.Store
	builder  *eventbuilder.Builder
}

func newHarness(t *testing.T) harness {
	t.Helper()
	dir := t.TempDir()
	kr, err := keyring.Load(filepath.Join(dir, "keyring.json"), nil, false)
	require.NoError(t, err)

	media := store.NewBlobStore(filepath.Join(dir, "blobs"), kr)
	raw := store.NewMetadataStore(filepath.Join(dir, "metadata"), kr)
	metadata := metadatastore.New(raw)

	j, err := journal.New(dir, "run1", "UTC")
	require.NoError(t, err)
	l, err := ledger.Open(filepath.Join(dir, "ledger.ndjson"), nil)
	require.NoError(t, err)
	builder := eventbuilder.New("run1", j, l, nil, map[string]any{"policy": "v1"}, eventbuilder.AnchorSchedule{})

	return harness{dir: dir, media: media, metadata: metadata, builder: builder}
}

func sampleRecord() map[string]any {
	return map[string]any{
		"record_type": "evidence.capture.frame",
		"run_id":      "run1",
		"ts_utc":      "2026-01-01T00:00:00Z",
	}
}

func TestWriteStagedHappyPath(t *testing.T) {
	h := newHarness(t)
	report := WriteStaged("rec-1", "run1", []byte("raw bytes"), sampleRecord(), h.media, h.metadata, h.builder, "")
	require.True(t, report.OK)
	require.Equal(t, []string{StageBlob, StageMetadata, StageJournal, StageLedger}, report.StagesCompleted)
	require.NotEmpty(t, report.TxID)

	data, err := h.media.Get("rec-1")
	require.NoError(t, err)
	require.Equal(t, "raw bytes", string(data))

	got, err := h.metadata.Get("rec-1")
	require.NoError(t, err)
	require.Equal(t, "evidence.capture.frame", got["record_type"])
}

func TestWriteStagedFaultAfterMetadataRollsBack(t *testing.T) {
	h := newHarness(t)
	report := WriteStaged("rec-2", "run1", []byte("raw bytes"), sampleRecord(), h.media, h.metadata, h.builder, StageMetadata)
	require.False(t, report.OK)
	require.True(t, report.RollbackRecorded)
	require.Equal(t, []string{StageBlob, StageMetadata}, report.StagesCompleted)

	require.True(t, h.media.Has("rec-2"))
	require.True(t, h.metadata.Has("rec-2"))
}

func TestTxIDDeterministic(t *testing.T) {
	record := sampleRecord()
	id1, err := TxID("rec-1", "abc", record)
	require.NoError(t, err)
	id2, err := TxID("rec-1", "abc", record)
	require.NoError(t, err)
	require.Equal(t, id1, id2)
}

func TestRecoverIncompleteWritesCompletesMissingCommit(t *testing.T) {
	h := newHarness(t)
	report := WriteStaged("rec-3", "run1", []byte("raw bytes"), sampleRecord(), h.media, h.metadata, h.builder, StageJournal)
	require.False(t, report.OK)
	require.NotEmpty(t, report.TxID)

	rr, err := RecoverIncompleteWrites(h.dir, h.media, h.metadata, h.builder)
	require.NoError(t, err)
	require.Equal(t, 1, rr.Recovered)
	require.Equal(t, 1, rr.Candidates)
}
