// Copyright 2025 Certen Protocol
//
// Package textindex provides a Postgres-backed implementation of the
// pkg/sst.IndexText collaborator: every free-text document the pipeline
// persists (whole-state, per-table and per-code-block text docs, plus extra
// docs from upstream stages) gets upserted into a
// tsvector-indexed table, rebuildable in full from metadata at any time,
// so it carries no authoritative state of its own.
package textindex

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// Store is a Postgres-backed free-text index. It satisfies pkg/sst.IndexText.
type Store struct {
	db     *sql.DB
	logger *log.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger overrides the default logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// Open connects to Postgres at dsn and ensures the index table/GIN index
// exist. Grounded on pkg/database/client.go's NewClient connection-pool and
// ping-on-open shape.
func Open(dsn string, opts ...Option) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("textindex: dsn cannot be empty")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("textindex: open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)

	store := &Store{
		db:     db,
		logger: log.New(log.Writer(), "[textindex] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(store)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("textindex: ping database: %w", err)
	}
	if err := store.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS text_index_docs (
	doc_id TEXT PRIMARY KEY,
	body TEXT NOT NULL,
	body_tsv TSVECTOR NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS text_index_docs_tsv_idx ON text_index_docs USING GIN (body_tsv);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("textindex: migrate schema: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// IndexText upserts one document's body, regenerating its tsvector.
// Re-indexing the same doc_id replaces the prior body: the index is a
// rebuildable cache, not a log.
func (s *Store) IndexText(docID, text string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	const stmt = `
INSERT INTO text_index_docs (doc_id, body, body_tsv, updated_at)
VALUES ($1, $2, to_tsvector('english', $2), now())
ON CONFLICT (doc_id) DO UPDATE SET
	body = EXCLUDED.body,
	body_tsv = EXCLUDED.body_tsv,
	updated_at = EXCLUDED.updated_at
`
	if _, err := s.db.ExecContext(ctx, stmt, docID, text); err != nil {
		return fmt.Errorf("textindex: index doc %s: %w", docID, err)
	}
	return nil
}

// Delete removes one document from the index, e.g. when its backing
// derived.* metadata record is compacted away.
func (s *Store) Delete(docID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM text_index_docs WHERE doc_id = $1`, docID); err != nil {
		return fmt.Errorf("textindex: delete doc %s: %w", docID, err)
	}
	return nil
}

// SearchResult is one match from Search, ranked by Postgres's ts_rank.
type SearchResult struct {
	DocID string
	Body  string
	Rank  float64
}

// Search runs a plainto_tsquery full-text match, ranked best-first.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 20
	}
	const stmt = `
SELECT doc_id, body, ts_rank(body_tsv, plainto_tsquery('english', $1)) AS rank
FROM text_index_docs
WHERE body_tsv @@ plainto_tsquery('english', $1)
ORDER BY rank DESC
LIMIT $2
`
	rows, err := s.db.QueryContext(ctx, stmt, query, limit)
	if err != nil {
		return nil, fmt.Errorf("textindex: search: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		if err := rows.Scan(&r.DocID, &r.Body, &r.Rank); err != nil {
			return nil, fmt.Errorf("textindex: scan search row: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// Reset truncates the index. Safe at any time: the index is fully
// rebuildable from the persisted text documents it was fed from.
func (s *Store) Reset(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `TRUNCATE TABLE text_index_docs`); err != nil {
		return fmt.Errorf("textindex: reset: %w", err)
	}
	return nil
}
