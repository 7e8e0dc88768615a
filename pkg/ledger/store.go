// Copyright 2025 Certen Protocol

package ledger

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/certen/autocapture-kernel/pkg/canon"
	"github.com/certen/autocapture-kernel/pkg/kerr"
)

// computeEntryHash implements entry_hash = SHA-256(canonical_json(entry
// minus entry_hash) || prev_hash_or_empty) — the canonical form already
// carries prev_hash as a field, and prev_hash is then appended again as
// raw bytes, matching the on-disk ledger writer's exact construction.
func computeEntryHash(e Entry) (string, error) {
	raw, err := canon.CanonicalJSON(e.ToCanonical())
	if err != nil {
		return "", kerr.Wrap(kerr.Validation, "canonicalize ledger entry", err)
	}
	raw = append(raw, []byte(e.PrevHash)...)
	sum := sha256.Sum256(raw)
	return fmt.Sprintf("%x", sum[:]), nil
}

// KV is an optional fast-lookup index a Ledger may use to answer
// entry-hash/entry-id queries without scanning the whole file. It is
// strictly a rebuildable cache, never authoritative — pkg/kvdb adapts
// cometbft-db to this interface.
type KV interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
}

// Ledger is a single-writer, append-only, hash-chained NDJSON file.
// Appends are serialized by mu; the current head is tracked in memory and
// reconstructed from the tail of the file on Open.
type Ledger struct {
	path string
	mu   sync.Mutex
	f    *os.File
	head string
	seq  int64
	index KV // optional
}

// Open opens (creating if necessary) the ledger file at path and
// reconstructs the in-memory head hash from its last line.
func Open(path string, index KV) (*Ledger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, kerr.Wrap(kerr.IO, "open ledger file", err)
	}
	l := &Ledger{path: path, f: f, index: index}
	if err := l.reconstructHead(); err != nil {
		f.Close()
		return nil, err
	}
	return l, nil
}

func (l *Ledger) reconstructHead() error {
	raw, err := os.ReadFile(l.path)
	if err != nil {
		return kerr.Wrap(kerr.IO, "read ledger file for head reconstruction", err)
	}
	var last Entry
	count := int64(0)
	lines := splitLines(raw)
	for _, line := range lines {
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return kerr.Wrap(kerr.Integrity, "decode ledger entry during head reconstruction", err)
		}
		last = e
		count++
	}
	if count > 0 {
		l.head = last.EntryHash
	}
	l.seq = count
	return nil
}

func splitLines(raw []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range raw {
		if b == '\n' {
			lines = append(lines, raw[start:i])
			start = i + 1
		}
	}
	if start < len(raw) {
		lines = append(lines, raw[start:])
	}
	return lines
}

// HeadHash returns the entry_hash of the most recently appended entry, or
// "" if the ledger is empty.
func (l *Ledger) HeadHash() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.head
}

// Append computes prev_hash/entry_hash for entry (any caller-supplied
// values for those fields are overwritten), writes one NDJSON line, fsyncs,
// and atomically updates the in-memory head. Returns the new entry_hash.
func (l *Ledger) Append(entry Entry) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry.PrevHash = l.head
	entryHash, err := computeEntryHash(entry)
	if err != nil {
		return "", err
	}
	entry.EntryHash = entryHash

	raw, err := json.Marshal(entry)
	if err != nil {
		return "", kerr.Wrap(kerr.IO, "marshal ledger entry", err)
	}
	raw = append(raw, '\n')
	if _, err := l.f.Write(raw); err != nil {
		return "", kerr.Wrap(kerr.IO, "write ledger entry", err)
	}
	if err := l.f.Sync(); err != nil {
		return "", kerr.Wrap(kerr.IO, "fsync ledger file", err)
	}

	l.head = entry.EntryHash
	l.seq++
	if l.index != nil {
		_ = l.index.Set([]byte("ledger:entry_hash:"+entry.EntryHash), []byte(entry.EntryID))
	}
	return entry.EntryHash, nil
}

// LookupEntryID resolves an entry_hash to its entry_id via the optional
// index, without scanning the ledger file. Returns ok=false if there is
// no index attached or the hash is unknown to it; callers needing a
// guaranteed answer should fall back to scanning Verify's decoded lines.
func (l *Ledger) LookupEntryID(entryHash string) (id string, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.index == nil {
		return "", false
	}
	v, err := l.index.Get([]byte("ledger:entry_hash:" + entryHash))
	if err != nil || len(v) == 0 {
		return "", false
	}
	return string(v), true
}

// NextSeq returns a monotonically increasing sequence number for
// deterministic entry_id generation, without mutating ledger state.
func (l *Ledger) NextSeq() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	seq := l.seq
	return seq
}

// Close closes the underlying file handle.
func (l *Ledger) Close() error {
	return l.f.Close()
}

// VerifyReport is the result of re-validating every entry's hash chain.
type VerifyReport struct {
	OK          bool     `json:"ok"`
	EntryCount  int      `json:"entry_count"`
	BrokenAt    []string `json:"broken_at,omitempty"`
	MismatchAt  []string `json:"mismatch_at,omitempty"`
}

// Verify recomputes every entry's hash in order and checks prev_hash
// linkage; a broken link sets OK to false in either mode. strict, when
// true, also sets OK to false for any entry whose stored entry_hash differs
// from the recomputed one; lenient mode (strict=false) still lists such
// entries in MismatchAt but leaves OK true, tolerating legacy chains.
func Verify(path string, strict bool) (VerifyReport, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return VerifyReport{OK: true}, nil
		}
		return VerifyReport{}, kerr.Wrap(kerr.IO, "read ledger file", err)
	}

	report := VerifyReport{OK: true}
	prevHash := ""
	for _, line := range splitLines(raw) {
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return VerifyReport{}, kerr.Wrap(kerr.Integrity, "decode ledger entry", err)
		}
		report.EntryCount++

		if e.PrevHash != prevHash {
			report.OK = false
			report.BrokenAt = append(report.BrokenAt, e.EntryID)
		}

		recomputed, err := computeEntryHash(e)
		if err != nil {
			return VerifyReport{}, err
		}
		if recomputed != e.EntryHash {
			if strict {
				report.OK = false
				report.MismatchAt = append(report.MismatchAt, e.EntryID)
			} else {
				report.MismatchAt = append(report.MismatchAt, e.EntryID)
			}
		}
		prevHash = e.EntryHash
	}
	return report, nil
}

// StrictModeFromEnv reports whether strict ledger verification is
// required, per the AUTOCAPTURE_CITATION_REQUIRE_STRICT_LEDGER env var.
func StrictModeFromEnv() bool {
	v := os.Getenv("AUTOCAPTURE_CITATION_REQUIRE_STRICT_LEDGER")
	return v == "1" || v == "true" || v == "TRUE"
}
