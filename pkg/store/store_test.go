package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/certen/autocapture-kernel/pkg/keyring"
)

func newTestKeyring(t *testing.T) *keyring.KeyRing {
	t.Helper()
	kr, err := keyring.Load(filepath.Join(t.TempDir(), "keyring.json"), nil, false)
	require.NoError(t, err)
	return kr
}

func TestMetadataPutNewAndGet(t *testing.T) {
	kr := newTestKeyring(t)
	s := NewMetadataStore(t.TempDir(), kr)

	record := map[string]any{
		"record_type": "evidence.capture.frame",
		"run_id":      "run1",
		"ts_utc":      "2026-01-01T00:00:00Z",
		"content_hash": "abc",
	}
	require.NoError(t, s.PutNew("run1", "rec-1", record))

	got, err := s.Get("rec-1")
	require.NoError(t, err)
	require.Equal(t, "evidence.capture.frame", got["record_type"])
}

func TestMetadataPutNewConflict(t *testing.T) {
	kr := newTestKeyring(t)
	s := NewMetadataStore(t.TempDir(), kr)
	record := map[string]any{"record_type": "derived.ocr", "run_id": "run1", "ts_utc": "2026-01-01T00:00:00Z"}
	require.NoError(t, s.PutNew("run1", "rec-1", record))
	err := s.PutNew("run1", "rec-1", record)
	require.Error(t, err)
}

func TestMetadataPutIdempotentOnIdenticalPayload(t *testing.T) {
	kr := newTestKeyring(t)
	s := NewMetadataStore(t.TempDir(), kr)
	record := map[string]any{"record_type": "derived.ocr", "run_id": "run1", "ts_utc": "2026-01-01T00:00:00Z"}
	require.NoError(t, s.PutNew("run1", "rec-1", record))
	require.NoError(t, s.Put("run1", "rec-1", record))

	different := map[string]any{"record_type": "derived.ocr", "run_id": "run1", "ts_utc": "2026-01-01T00:00:00Z", "extra": "x"}
	require.Error(t, s.Put("run1", "rec-1", different))
}

func TestBlobPutNewAndGet(t *testing.T) {
	kr := newTestKeyring(t)
	s := NewBlobStore(t.TempDir(), kr)
	require.NoError(t, s.PutNew("blob-1", []byte("raw bytes")))
	require.True(t, s.Has("blob-1"))

	data, err := s.Get("blob-1")
	require.NoError(t, err)
	require.Equal(t, "raw bytes", string(data))
}

func TestBlobStreamRoundTrip(t *testing.T) {
	kr := newTestKeyring(t)
	s := NewBlobStore(t.TempDir(), kr)
	w, err := s.NewStream("stream-1", 0)
	require.NoError(t, err)
	require.NoError(t, w.WriteChunk([]byte("chunk-a")))
	require.NoError(t, w.WriteChunk([]byte("chunk-b")))
	require.NoError(t, w.Close())

	chunks, err := s.ReadStream("stream-1")
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	require.Equal(t, "chunk-a", string(chunks[0]))
	require.Equal(t, "chunk-b", string(chunks[1]))
}

func TestEntityTokenStorePutGet(t *testing.T) {
	kr := newTestKeyring(t)
	s := NewEntityTokenStore(filepath.Join(t.TempDir(), "tokens.json"), kr)
	require.NoError(t, s.Put("tok-1", EntityToken{Value: "alice@example.com", Kind: "email"}))

	v, ok, err := s.Get("tok-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "alice@example.com", v.Value)

	_, ok, err = s.Get("missing")
	require.NoError(t, err)
	require.False(t, ok)
}
