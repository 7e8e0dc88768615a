// Copyright 2025 Certen Protocol
//
// Package metadatastore wraps pkg/store.MetadataStore with the evidence
// ledger's immutability gate: evidence.* and derived.* records, once
// written, can never be overwritten; only a derived.* record may later be
// deleted (compaction). Non-evidence, non-derived records (run metadata,
// scratch state) stay freely mutable.
package metadatastore

import (
	"fmt"
	"strings"
	"time"

	"github.com/certen/autocapture-kernel/pkg/canon"
	"github.com/certen/autocapture-kernel/pkg/kerr"
)

// RawStore is the subset of pkg/store.MetadataStore this package guards.
type RawStore interface {
	Get(recordID string) (map[string]any, error)
	Has(recordID string) bool
	PutNew(runID, recordID string, value map[string]any) error
	Put(runID, recordID string, value map[string]any) error
	PutReplace(runID, recordID string, value map[string]any) error
	Delete(recordID string) (bool, error)
	Keys() ([]string, error)
}

// Store enforces immutability around a RawStore.
type Store struct {
	raw RawStore
}

// New wraps raw with the immutability gate.
func New(raw RawStore) *Store {
	return &Store{raw: raw}
}

// IsEvidenceRecord reports whether record_type carries the evidence.* namespace.
func IsEvidenceRecord(value map[string]any) bool {
	return hasPrefix(value, "evidence.")
}

// IsDerivedRecord reports whether record_type carries the derived.* namespace.
func IsDerivedRecord(value map[string]any) bool {
	return hasPrefix(value, "derived.")
}

func hasPrefix(value map[string]any, prefix string) bool {
	rt, _ := value["record_type"].(string)
	return strings.HasPrefix(rt, prefix)
}

func validateRecord(value map[string]any, recordID string) error {
	rt, _ := value["record_type"].(string)
	if rt == "" {
		return kerr.New(kerr.Validation, fmt.Sprintf("metadata record %s missing record_type", recordID))
	}
	return nil
}

// Get returns the record for recordID, or (nil, nil) if absent.
func (s *Store) Get(recordID string) (map[string]any, error) {
	return s.raw.Get(recordID)
}

// Has reports whether recordID exists.
func (s *Store) Has(recordID string) bool {
	return s.raw.Has(recordID)
}

// Keys returns every record ID in the store.
func (s *Store) Keys() ([]string, error) {
	return s.raw.Keys()
}

// PutNew writes a brand-new record. Returns a Conflict error if one
// already exists (the underlying store enforces that), after validating
// the new record's shape.
func (s *Store) PutNew(runID, recordID string, value map[string]any) error {
	if err := validateRecord(value, recordID); err != nil {
		return err
	}
	return s.raw.PutNew(runID, recordID, value)
}

// Put writes value for recordID, refusing to overwrite an existing
// evidence.* or derived.* record, and refusing to write a derived.* payload
// over ANY existing record (derived records are write-once regardless of
// what they replace).
func (s *Store) Put(runID, recordID string, value map[string]any) error {
	if err := validateRecord(value, recordID); err != nil {
		return err
	}
	existing, err := s.raw.Get(recordID)
	if err != nil {
		return err
	}
	if existing != nil {
		if IsEvidenceRecord(existing) || IsDerivedRecord(existing) {
			return kerr.New(kerr.Policy, fmt.Sprintf("refusing to overwrite immutable record %s", recordID))
		}
		if IsDerivedRecord(value) {
			return kerr.New(kerr.Policy, fmt.Sprintf("refusing to overwrite immutable record %s", recordID))
		}
	}
	return s.raw.Put(runID, recordID, value)
}

// PutReplace overwrites an existing record's payload in place. Refuses
// when either the existing or the incoming record is evidence.* or
// derived.*.
func (s *Store) PutReplace(runID, recordID string, value map[string]any) error {
	if err := validateRecord(value, recordID); err != nil {
		return err
	}
	existing, err := s.raw.Get(recordID)
	if err != nil {
		return err
	}
	if existing != nil && (IsEvidenceRecord(existing) || IsDerivedRecord(existing)) {
		return kerr.New(kerr.Policy, fmt.Sprintf("refusing to overwrite immutable record %s", recordID))
	}
	if IsEvidenceRecord(value) || IsDerivedRecord(value) {
		return kerr.New(kerr.Policy, fmt.Sprintf("refusing to overwrite immutable record %s", recordID))
	}
	return s.raw.PutReplace(runID, recordID, value)
}

// Delete removes recordID. Only a derived.* record may be deleted;
// evidence.* and any other record type refuse.
func (s *Store) Delete(recordID string) (bool, error) {
	existing, err := s.raw.Get(recordID)
	if err != nil {
		return false, err
	}
	if existing == nil {
		return false, nil
	}
	if !IsDerivedRecord(existing) {
		return false, kerr.New(kerr.Policy, fmt.Sprintf("refusing to delete non-derived record %s", recordID))
	}
	return s.raw.Delete(recordID)
}

// BuildUnavailableRecord constructs the evidence.capture.unavailable
// sentinel record written in place of a capture that could not be taken
// (permission denied, device busy, policy-blocked source). Its
// payload_hash covers every other field so later integrity scans can
// detect tampering the same way they do for ordinary evidence.
func BuildUnavailableRecord(runID, tsUTC, reason, parentEvidenceID, sourceRecordType string, details map[string]any) (map[string]any, error) {
	payload := map[string]any{
		"schema_version": int64(1),
		"record_type":    "evidence.capture.unavailable",
		"run_id":         runID,
		"ts_utc":         tsUTC,
		"reason":         reason,
	}
	if parentEvidenceID != "" {
		payload["parent_evidence_id"] = parentEvidenceID
	}
	if sourceRecordType != "" {
		payload["source_record_type"] = sourceRecordType
	}
	for k, v := range details {
		payload[k] = v
	}
	hash, err := canon.HashCanonical(payload)
	if err != nil {
		return nil, kerr.Wrap(kerr.Validation, "hash unavailable record", err)
	}
	payload["payload_hash"] = hash
	return payload, nil
}

// PersistUnavailableRecord builds and writes an unavailable-capture
// sentinel record, returning its record_id.
func PersistUnavailableRecord(s *Store, runID, tsUTC, reason, parentEvidenceID, sourceRecordType string, details map[string]any) (string, error) {
	recordID := canon.PrefixedID(runID, "capture.unavailable", time.Now().UTC().UnixMilli())
	payload, err := BuildUnavailableRecord(runID, tsUTC, reason, parentEvidenceID, sourceRecordType, details)
	if err != nil {
		return "", err
	}
	if err := s.PutNew(runID, recordID, payload); err != nil {
		return "", err
	}
	return recordID, nil
}
