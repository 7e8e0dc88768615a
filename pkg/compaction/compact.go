// Copyright 2025 Certen Protocol
//
// Package compaction reclaims storage by deleting derived.* records and
// their index files, and packages/restores portable operator backup
// bundles. Compaction never touches evidence.* records: the immutability
// gate in pkg/metadatastore already refuses to delete them, this package
// only ever enumerates and deletes records it has first classified as
// derived.
package compaction

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/certen/autocapture-kernel/pkg/metadatastore"
)

// MetadataStore is the narrow read/delete surface CompactDerived needs.
type MetadataStore interface {
	Get(recordID string) (map[string]any, error)
	Keys() ([]string, error)
	Delete(recordID string) (bool, error)
}

// BlobStore is the narrow read/delete surface CompactDerived needs.
type BlobStore interface {
	Keys() ([]string, error)
	Delete(recordID string) (bool, error)
}

// EventSink is the narrow subset of pkg/eventbuilder.Builder CompactDerived
// reports through, when operator auditing is wired in.
type EventSink interface {
	JournalEvent(eventType string, payload map[string]any, eventID, tsUTC string) (string, error)
	LedgerEntry(stage string, inputs, outputs []string, payload map[string]any, entryID, tsUTC string) (string, error)
}

// Result reports what a CompactDerived run did (or would do, for a dry run).
type Result struct {
	DerivedMetadata   int   `json:"derived_metadata"`
	DerivedMedia      int   `json:"derived_media"`
	RemovedIndexFiles int   `json:"removed_index_files"`
	FreedBytes        int64 `json:"freed_bytes"`
	DryRun            bool  `json:"dry_run"`
}

// MetricsRecorder is the narrow subset of pkg/metrics.Registry
// CompactDerived reports through. Nil disables reporting.
type MetricsRecorder interface {
	RecordCompaction(dryRun bool, freedBytes int64)
}

// Options configures a CompactDerived run.
type Options struct {
	Metadata         MetadataStore
	Media            BlobStore
	LexicalIndexPath string
	VectorIndexPath  string
	DryRun           bool
	Events           EventSink
	Metrics          MetricsRecorder
}

// CompactDerived deletes every derived.* metadata record and every
// derived-addressed media blob, then removes the lexical/vector index
// files (both are fully rebuildable from what survives). Grounded on
// original_source/autocapture/storage/compaction.py's compact_derived.
func CompactDerived(opts Options) (Result, error) {
	if opts.Metadata == nil {
		return Result{}, fmt.Errorf("compaction: metadata store is required")
	}

	beforeIndexBytes := pathSize(opts.LexicalIndexPath) + pathSize(opts.VectorIndexPath)

	metaKeys, err := opts.Metadata.Keys()
	if err != nil {
		return Result{}, err
	}
	var derivedMetaIDs []string
	for _, recordID := range metaKeys {
		record, err := opts.Metadata.Get(recordID)
		if err != nil || record == nil {
			continue
		}
		if isDerivedRecord(recordID, record) {
			derivedMetaIDs = append(derivedMetaIDs, recordID)
		}
	}

	var derivedMediaIDs []string
	if opts.Media != nil {
		mediaKeys, err := opts.Media.Keys()
		if err != nil {
			return Result{}, err
		}
		for _, recordID := range mediaKeys {
			if isDerivedID(recordID) {
				derivedMediaIDs = append(derivedMediaIDs, recordID)
			}
		}
	}

	removedIndexFiles := 0
	if !opts.DryRun {
		for _, recordID := range derivedMetaIDs {
			_, _ = opts.Metadata.Delete(recordID)
		}
		if opts.Media != nil {
			for _, recordID := range derivedMediaIDs {
				_, _ = opts.Media.Delete(recordID)
			}
		}
		for _, path := range []string{opts.LexicalIndexPath, opts.VectorIndexPath} {
			if path == "" {
				continue
			}
			if _, err := os.Stat(path); err == nil {
				if err := os.RemoveAll(path); err == nil {
					removedIndexFiles++
				}
			}
		}
	} else {
		if opts.LexicalIndexPath != "" {
			if _, err := os.Stat(opts.LexicalIndexPath); err == nil {
				removedIndexFiles++
			}
		}
		if opts.VectorIndexPath != "" {
			if _, err := os.Stat(opts.VectorIndexPath); err == nil {
				removedIndexFiles++
			}
		}
	}

	afterIndexBytes := beforeIndexBytes
	if !opts.DryRun {
		afterIndexBytes = pathSize(opts.LexicalIndexPath) + pathSize(opts.VectorIndexPath)
	}
	freed := beforeIndexBytes - afterIndexBytes
	if freed < 0 {
		freed = 0
	}

	result := Result{
		DerivedMetadata:   len(derivedMetaIDs),
		DerivedMedia:      len(derivedMediaIDs),
		RemovedIndexFiles: removedIndexFiles,
		FreedBytes:        freed,
		DryRun:            opts.DryRun,
	}

	if opts.Metrics != nil {
		opts.Metrics.RecordCompaction(result.DryRun, result.FreedBytes)
	}

	if opts.Events != nil {
		tsUTC := time.Now().UTC().Format(time.RFC3339)
		payload := map[string]any{
			"derived_metadata":    result.DerivedMetadata,
			"derived_media":       result.DerivedMedia,
			"removed_index_files": result.RemovedIndexFiles,
			"freed_bytes":         result.FreedBytes,
			"dry_run":             result.DryRun,
		}
		_, _ = opts.Events.JournalEvent("storage.compact_derived", payload, "", tsUTC)
		_, _ = opts.Events.LedgerEntry("storage.compact_derived", nil, nil, payload, "", tsUTC)
	}

	return result, nil
}

func isDerivedID(recordID string) bool {
	token := strings.ToLower(recordID)
	return strings.HasPrefix(token, "derived.") || strings.Contains(token, "/derived.") || strings.Contains(token, "/derived/")
}

func isDerivedRecord(recordID string, record map[string]any) bool {
	if metadatastore.IsDerivedRecord(record) {
		return true
	}
	return isDerivedID(recordID)
}

func pathSize(path string) int64 {
	if path == "" {
		return 0
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	if !info.IsDir() {
		return info.Size()
	}
	var total int64
	_ = filepath.Walk(path, func(p string, fi os.FileInfo, err error) error {
		if err != nil || fi.IsDir() {
			return nil
		}
		total += fi.Size()
		return nil
	})
	return total
}
