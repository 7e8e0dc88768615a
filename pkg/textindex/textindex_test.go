// Copyright 2025 Certen Protocol
//
// Exercises textindex.Store against a real Postgres instance. Uses a test
// database or skips: set CERTEN_TEST_DB to a postgres:// DSN to run these.

package textindex

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("CERTEN_TEST_DB")
	if dsn == "" {
		t.Skip("CERTEN_TEST_DB not configured")
	}
	store, err := Open(dsn)
	require.NoError(t, err)
	require.NoError(t, store.Reset(context.Background()))
	t.Cleanup(func() { store.Close() })
	return store
}

func TestIndexTextAndSearch(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.IndexText("doc1", "quarterly revenue grew sharply"))
	require.NoError(t, store.IndexText("doc2", "the weather today is mild and sunny"))

	results, err := store.Search(context.Background(), "revenue", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "doc1", results[0].DocID)
}

func TestIndexTextUpsertReplacesBody(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.IndexText("doc1", "original body text"))
	require.NoError(t, store.IndexText("doc1", "updated body about oranges"))

	results, err := store.Search(context.Background(), "oranges", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "updated body about oranges", results[0].Body)
}

func TestDeleteRemovesDocFromIndex(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.IndexText("doc1", "ephemeral derived content"))
	require.NoError(t, store.Delete("doc1"))

	results, err := store.Search(context.Background(), "ephemeral", 10)
	require.NoError(t, err)
	require.Len(t, results, 0)
}
