// Copyright 2025 Certen Protocol

package ledger

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/certen/autocapture-kernel/pkg/canon"
	"github.com/certen/autocapture-kernel/pkg/kerr"
)

// dpapiPrefix marks an anchor log line as OS-protected: the remainder of
// the line is base64url(OS-protected canonical JSON) rather than plain
// JSON. Readers must accept both forms; only Windows DPAPI is expected to
// ever actually protect, every other platform's NoopProtector passes
// through and the prefix is simply never written.
const dpapiPrefix = "DPAPI:"

// AnchorSigner resolves the active anchor-purpose signing key. pkg/keyring
// satisfies this via Active(keyring.PurposeAnchor).
type AnchorSigner interface {
	ActiveAnchorKey() (keyID string, key []byte, err error)
}

// AnchorProtector abstracts OS-level at-rest protection of an anchor
// record's bytes (DPAPI on Windows). It mirrors pkg/keyring.OSProtector's
// shape without importing keyring, keeping pkg/ledger a leaf package.
type AnchorProtector interface {
	Protect(plaintext []byte) (protected []byte, ok bool)
	Unprotect(data []byte, wasProtected bool) ([]byte, error)
}

// AnchorLog is the append-only, optionally HMAC-signed commitment log to
// ledger head hashes.
type AnchorLog struct {
	mu        sync.Mutex
	path      string
	seq       int64
	signer    AnchorSigner
	protector AnchorProtector
}

// OpenAnchorLog opens (creating if necessary) the anchor log at path and
// reconstructs the sequence counter from its line count. protector may be
// nil, in which case anchor records are written as plain canonical JSON
// lines.
func OpenAnchorLog(path string, signer AnchorSigner, protector AnchorProtector) (*AnchorLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, kerr.Wrap(kerr.IO, "create anchor directory", err)
	}
	a := &AnchorLog{path: path, signer: signer, protector: protector}
	raw, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, kerr.Wrap(kerr.IO, "read anchor log", err)
	}
	for _, line := range splitLines(raw) {
		if len(line) > 0 {
			a.seq++
		}
	}
	return a, nil
}

// decodeAnchorLine accepts either a plain JSON line or a DPAPI-prefixed
// protected line, per the on-disk contract in §6.
func decodeAnchorLine(line []byte, protector AnchorProtector) ([]byte, error) {
	s := string(line)
	if !strings.HasPrefix(s, dpapiPrefix) {
		return line, nil
	}
	encoded := strings.TrimPrefix(s, dpapiPrefix)
	protected, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(encoded)
	if err != nil {
		return nil, kerr.Wrap(kerr.Integrity, "decode DPAPI-prefixed anchor line", err)
	}
	if protector == nil {
		return nil, kerr.New(kerr.Crypto, "anchor line is OS-protected but no protector is configured")
	}
	return protector.Unprotect(protected, true)
}

// shadowPath deterministically relocates the anchor log under the system
// temp directory when the primary path is un-writable (disk full,
// permission denied), matching the IOError fallback contract in §7: the
// fallback path is a function of the original path, so repeated failures
// keep appending to the same shadow file instead of scattering records.
func (a *AnchorLog) shadowPath() string {
	sum := sha256.Sum256([]byte(a.path))
	digest := hex.EncodeToString(sum[:])[:16]
	return filepath.Join(os.TempDir(), "autocapture", "shadow_logs", digest+".anchors.ndjson")
}

// Anchor appends a new anchor record committing to ledgerHeadHash, signing
// it with the active anchor-purpose key if a signer is configured.
func (a *AnchorLog) Anchor(ledgerHeadHash string) (AnchorRecord, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	rec := AnchorRecord{
		AnchorSeq:      a.seq,
		TsUTC:          time.Now().UTC().Format(time.RFC3339),
		LedgerHeadHash: ledgerHeadHash,
	}

	if a.signer != nil {
		if keyID, key, err := a.signer.ActiveAnchorKey(); err == nil {
			payload, err := canon.CanonicalJSON(rec.ToCanonical())
			if err == nil {
				mac := hmac.New(sha256.New, key)
				mac.Write(payload)
				rec.AnchorKeyID = keyID
				rec.AnchorHMAC = hex.EncodeToString(mac.Sum(nil))
			}
		}
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return AnchorRecord{}, kerr.Wrap(kerr.IO, "marshal anchor record", err)
	}

	raw := line
	if a.protector != nil {
		if protected, ok := a.protector.Protect(line); ok {
			encoded := base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(protected)
			raw = []byte(dpapiPrefix + encoded)
		}
	}
	raw = append(raw, '\n')

	if err := a.appendWithFallback(raw); err != nil {
		return AnchorRecord{}, err
	}
	a.seq++
	return rec, nil
}

func (a *AnchorLog) appendWithFallback(raw []byte) error {
	f, err := os.OpenFile(a.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		if isPermissionError(err) {
			return a.appendToShadow(raw)
		}
		return kerr.Wrap(kerr.IO, "open anchor log", err)
	}
	defer f.Close()
	if _, err := f.Write(raw); err != nil {
		if isPermissionError(err) {
			return a.appendToShadow(raw)
		}
		return kerr.Wrap(kerr.IO, "write anchor log", err)
	}
	return f.Sync()
}

func (a *AnchorLog) appendToShadow(raw []byte) error {
	shadow := a.shadowPath()
	if shadow == a.path {
		return kerr.New(kerr.IO, "anchor log unwritable and shadow path coincides with primary path")
	}
	if err := os.MkdirAll(filepath.Dir(shadow), 0o700); err != nil {
		return kerr.Wrap(kerr.IO, "create anchor shadow directory", err)
	}
	a.path = shadow
	f, err := os.OpenFile(shadow, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return kerr.Wrap(kerr.IO, "open anchor shadow log", err)
	}
	defer f.Close()
	if _, err := f.Write(raw); err != nil {
		return kerr.Wrap(kerr.IO, "write anchor shadow log", err)
	}
	return f.Sync()
}

// VerifyAnchors recomputes every anchor's HMAC against the key that
// candidatesFor returns for its anchor_key_id. An anchor with no HMAC
// (signing was never configured) is not a failure. strict mode additionally
// fails closed when an anchor references a key_id the signer cannot
// resolve at all, rather than silently skipping the check.
func VerifyAnchors(path string, protector AnchorProtector, candidatesFor func(keyID string) ([]byte, bool), strict bool) (AnchorVerifyReport, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return AnchorVerifyReport{OK: true}, nil
		}
		return AnchorVerifyReport{}, kerr.Wrap(kerr.IO, "read anchor log", err)
	}
	report := AnchorVerifyReport{OK: true}
	for _, rawLine := range splitLines(raw) {
		if len(rawLine) == 0 {
			continue
		}
		line, err := decodeAnchorLine(rawLine, protector)
		if err != nil {
			return AnchorVerifyReport{}, err
		}
		var rec AnchorRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return AnchorVerifyReport{}, kerr.Wrap(kerr.Integrity, "decode anchor record", err)
		}
		report.Count++
		if rec.AnchorHMAC == "" {
			continue
		}
		key, ok := candidatesFor(rec.AnchorKeyID)
		if !ok {
			if strict {
				report.OK = false
				report.UnknownKeyAt = append(report.UnknownKeyAt, rec.AnchorSeq)
			}
			continue
		}
		payload, err := canon.CanonicalJSON(rec.ToCanonical())
		if err != nil {
			return AnchorVerifyReport{}, kerr.Wrap(kerr.Validation, "canonicalize anchor record", err)
		}
		mac := hmac.New(sha256.New, key)
		mac.Write(payload)
		expected := hex.EncodeToString(mac.Sum(nil))
		if expected != rec.AnchorHMAC {
			report.OK = false
			report.MismatchAt = append(report.MismatchAt, rec.AnchorSeq)
		}
	}
	return report, nil
}

// AnchorVerifyReport is the result of VerifyAnchors.
type AnchorVerifyReport struct {
	OK           bool    `json:"ok"`
	Count        int     `json:"count"`
	MismatchAt   []int64 `json:"mismatch_at,omitempty"`
	UnknownKeyAt []int64 `json:"unknown_key_at,omitempty"`
}

func isPermissionError(err error) bool {
	return os.IsPermission(err)
}
