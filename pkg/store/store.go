// Copyright 2025 Certen Protocol
//
// Package store implements the AEAD-encrypted at-rest stores: metadata
// (one JSON record per file, path-bucketed by day), blobs (single-blob and
// framed-stream formats), and entity tokens. Every store derives its data
// key from a keyring purpose and never persists plaintext.
package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/certen/autocapture-kernel/pkg/canon"
	"github.com/certen/autocapture-kernel/pkg/keyring"
	"github.com/certen/autocapture-kernel/pkg/kerr"
)

// FsyncPolicy controls how aggressively a store flushes writes to disk.
type FsyncPolicy string

const (
	// FsyncCritical forces an fsync on every write. Metadata and ledger
	// writes default to this.
	FsyncCritical FsyncPolicy = "critical"
	// FsyncBulk does not force an fsync per write (fsyncIfNeeded treats it
	// like FsyncNone); suited to high-volume derived writes where losing the
	// last few records on a crash is acceptable.
	FsyncBulk FsyncPolicy = "bulk"
	// FsyncNone never forces a flush beyond what the OS does on its own.
	FsyncNone FsyncPolicy = "none"
)

func fsyncIfNeeded(f *os.File, policy FsyncPolicy) error {
	if policy == FsyncCritical {
		return f.Sync()
	}
	return nil
}

// KeySource resolves the active encryption key and candidate keys for a
// purpose; pkg/keyring.KeyRing satisfies this.
type KeySource interface {
	Active(purpose keyring.Purpose) (keyID string, key []byte, err error)
	Candidates(purpose keyring.Purpose, preferredKeyID string) []keyring.KeyCandidate
}

// MetadataStore persists JSON records encrypted under the metadata purpose,
// one file per record, path-bucketed by calendar day:
// {root}/{enc(run_id)}/{evidence|derived|other}/{YYYY}/{MM}/{DD}/{enc(record_id)}.json
type MetadataStore struct {
	root   string
	keys   KeySource
	mu     sync.Mutex
	policy FsyncPolicy
}

// NewMetadataStore creates a MetadataStore rooted at root.
func NewMetadataStore(root string, keys KeySource) *MetadataStore {
	return &MetadataStore{root: root, keys: keys, policy: FsyncCritical}
}

type metadataEnvelope struct {
	NonceB64      string `json:"nonce_b64"`
	CiphertextB64 string `json:"ciphertext_b64"`
	KeyID         string `json:"key_id"`
}

// bucket determines the {evidence|derived|other}/{YYYY}/{MM}/{DD} segment of the
// path layout for a record, inferred from record_type and ts_utc.
func bucket(recordType string, ts time.Time) (string, error) {
	var kind string
	switch {
	case len(recordType) >= len("evidence.") && recordType[:len("evidence.")] == "evidence.":
		kind = "evidence"
	case len(recordType) >= len("derived.") && recordType[:len("derived.")] == "derived.":
		kind = "derived"
	default:
		kind = "other"
	}
	return filepath.Join(kind, ts.Format("2006"), ts.Format("01"), ts.Format("02")), nil
}

func recordTimestamp(value map[string]any) time.Time {
	if raw, ok := value["ts_utc"].(string); ok {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			return t.UTC()
		}
	}
	return time.Now().UTC()
}

func (s *MetadataStore) pathFor(runID, recordID string, value map[string]any) (string, error) {
	recordType, _ := value["record_type"].(string)
	dir, err := bucket(recordType, recordTimestamp(value))
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, canon.EncodeID(runID), dir, canon.EncodeID(recordID)+".json"), nil
}

// locate finds a record's file by scanning the known day-bucket roots for
// any run prefix. Records are addressed by record_id alone from the
// caller's perspective (run scoping is an on-disk optimization), so get/has
// walk the tree; this keeps the public API anchored on record_id, matching
// the original kernel's store.get(record_id) contract.
func (s *MetadataStore) locate(recordID string) (string, bool) {
	var found string
	encoded := canon.EncodeID(recordID) + ".json"
	_ = filepath.Walk(s.root, func(path string, info os.FileInfo, err error) error {
		if err != nil || found != "" {
			return nil
		}
		if !info.IsDir() && filepath.Base(path) == encoded {
			found = path
		}
		return nil
	})
	return found, found != ""
}

// encryptRecord serializes value as canonical JSON and seals it under the
// metadata purpose's active key.
func (s *MetadataStore) encryptRecord(recordID string, value map[string]any) ([]byte, error) {
	plain, err := canon.CanonicalJSON(value)
	if err != nil {
		return nil, kerr.Wrap(kerr.Validation, "canonicalize metadata record", err)
	}
	keyID, key, err := s.keys.Active(keyring.PurposeMetadata)
	if err != nil {
		return nil, err
	}
	blob, err := keyring.Encrypt(key, plain, []byte(recordID), keyID)
	if err != nil {
		return nil, err
	}
	return json.Marshal(metadataEnvelope{NonceB64: blob.NonceB64, CiphertextB64: blob.CiphertextB64, KeyID: blob.KeyID})
}

func (s *MetadataStore) decryptFile(path, recordID string) (map[string]any, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, kerr.Wrap(kerr.IO, "read metadata file", err)
	}
	var env metadataEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, kerr.Wrap(kerr.Integrity, "decode metadata envelope", err)
	}
	candidates := s.keys.Candidates(keyring.PurposeMetadata, env.KeyID)
	plain, _, err := keyring.DecryptWithCandidates(candidates, keyring.EncryptedBlob{
		NonceB64: env.NonceB64, CiphertextB64: env.CiphertextB64, KeyID: env.KeyID,
	}, []byte(recordID))
	if err != nil {
		return nil, kerr.Wrap(kerr.Crypto, "decrypt metadata record", err)
	}
	var value map[string]any
	dec := json.NewDecoder(bytes.NewReader(plain))
	dec.UseNumber()
	if err := dec.Decode(&value); err != nil {
		return nil, kerr.Wrap(kerr.Integrity, "decode metadata payload", err)
	}
	return value, nil
}

// Get returns the decrypted record for recordID, or (nil, nil) if absent.
func (s *MetadataStore) Get(recordID string) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	path, ok := s.locate(recordID)
	if !ok {
		return nil, nil
	}
	return s.decryptFile(path, recordID)
}

// Has reports whether recordID exists.
func (s *MetadataStore) Has(recordID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.locate(recordID)
	return ok
}

// PutNew writes a brand-new record, failing with a ConflictError if one
// already exists under recordID.
func (s *MetadataStore) PutNew(runID, recordID string, value map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.locate(recordID); ok {
		return kerr.New(kerr.Conflict, fmt.Sprintf("metadata record already exists: %s", recordID))
	}
	return s.writeLocked(runID, recordID, value)
}

// Put writes value for recordID. An identical payload to an existing
// record is a no-op; any other payload over an existing record is rejected
// here with a ConflictError.
func (s *MetadataStore) Put(runID, recordID string, value map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if path, ok := s.locate(recordID); ok {
		existing, err := s.decryptFile(path, recordID)
		if err != nil {
			return err
		}
		existingHash, err1 := canon.HashCanonical(existing)
		newHash, err2 := canon.HashCanonical(value)
		if err1 == nil && err2 == nil && existingHash == newHash {
			return nil
		}
		return kerr.New(kerr.Conflict, fmt.Sprintf("metadata record already exists with different payload: %s", recordID))
	}
	return s.writeLocked(runID, recordID, value)
}

// PutReplace overwrites an existing (mutable, non-evidence/derived)
// record's payload in place.
func (s *MetadataStore) PutReplace(runID, recordID string, value map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(runID, recordID, value)
}

func (s *MetadataStore) writeLocked(runID, recordID string, value map[string]any) error {
	path, err := s.pathFor(runID, recordID, value)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return kerr.Wrap(kerr.IO, "create metadata directory", err)
	}
	envelope, err := s.encryptRecord(recordID, value)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return kerr.Wrap(kerr.IO, "open metadata file", err)
	}
	defer f.Close()
	if _, err := f.Write(envelope); err != nil {
		return kerr.Wrap(kerr.IO, "write metadata file", err)
	}
	return fsyncIfNeeded(f, s.policy)
}

// Delete removes a record file. Callers are responsible for enforcing the
// derived-only delete invariant (pkg/metadatastore).
func (s *MetadataStore) Delete(recordID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	path, ok := s.locate(recordID)
	if !ok {
		return false, nil
	}
	if err := os.Remove(path); err != nil {
		return false, kerr.Wrap(kerr.IO, "delete metadata file", err)
	}
	return true, nil
}

// Keys returns every record ID currently stored. O(n) in the number of
// files; intended for compaction/integrity scans, not hot paths.
func (s *MetadataStore) Keys() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	err := filepath.Walk(s.root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		base := filepath.Base(path)
		if filepath.Ext(base) != ".json" {
			return nil
		}
		encoded := base[:len(base)-len(".json")]
		ids = append(ids, canon.DecodeID(encoded))
		return nil
	})
	if err != nil {
		return nil, kerr.Wrap(kerr.IO, "walk metadata store", err)
	}
	return ids, nil
}

