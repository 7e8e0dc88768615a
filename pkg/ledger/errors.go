// Copyright 2025 Certen Protocol
//
// Package ledger implements the hash-chained, append-only evidence ledger
// and its periodic HMAC-signed anchor log.
package ledger

import "errors"

// Sentinel errors naming ledger failure cases. Verify and VerifyAnchors do
// not return them: they report these cases in VerifyReport.BrokenAt/
// MismatchAt and AnchorVerifyReport.MismatchAt/UnknownKeyAt instead.
var (
	// ErrChainBroken names the case where an entry's prev_hash does not match
	// the entry_hash of the entry immediately before it.
	ErrChainBroken = errors.New("ledger: hash chain broken")

	// ErrEntryHashMismatch names the case where a stored entry_hash does not
	// match the recomputed hash of its own payload.
	ErrEntryHashMismatch = errors.New("ledger: entry hash mismatch")

	// ErrAnchorHMACMismatch names the case where a stored anchor's HMAC does
	// not verify under the anchor purpose key named by anchor_key_id.
	ErrAnchorHMACMismatch = errors.New("ledger: anchor HMAC mismatch")

	// ErrAnchorKeyUnknown names the case where an anchor references a
	// key_id the keyring no longer has a record for, and strict
	// verification is in effect.
	ErrAnchorKeyUnknown = errors.New("ledger: anchor signing key unknown")
)
