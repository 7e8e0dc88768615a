// Copyright 2025 Certen Protocol
//
// Package canon implements canonical serialization and content-addressed
// identity: deterministic JSON, SHA-256 hashing, namespaced record IDs, and
// NFC text normalization. Every other kernel package depends on canon for
// identity — it has no dependencies of its own within this module.
package canon

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

// TEXT_NORM_VERSION is bumped whenever NormalizeText's algorithm changes, so
// derived text records can record which version produced their
// text_normalized field and downstream caches know to invalidate.
const TEXT_NORM_VERSION = 1

// IDPrefix marks a record ID component as a URL-safe base64 encoding of an
// arbitrary string, so path separators in the source string never leak into
// the on-disk path layout.
const IDPrefix = "rid_"

// ErrFloatNotAllowed is returned by CanonicalJSON whenever any float value
// (including NaN/Inf-producing ones) appears anywhere in the input tree.
// Canonical JSON has no float representation: every numeric field in this
// kernel is an integer, a string, or a fixed-point count in basis points.
var ErrFloatNotAllowed = fmt.Errorf("canon: float value not allowed in canonical JSON")

// CanonicalJSON renders v as deterministic JSON: map keys are sorted, every
// string is NFC-normalized, there is no inserted whitespace, non-ASCII bytes
// are preserved (not \u-escaped), and any float anywhere in the tree is a
// hard error. Two semantically-equal inputs that differ only by key order or
// Unicode normalization form MUST produce byte-identical output.
func CanonicalJSON(v any) ([]byte, error) {
	normalized, err := normalize(v)
	if err != nil {
		return nil, err
	}
	var buf strings.Builder
	if err := encodeValue(&buf, normalized); err != nil {
		return nil, err
	}
	return []byte(buf.String()), nil
}

// normalize walks a decoded-JSON-shaped value (map[string]any, []any,
// string, bool, nil, json.Number, or Go numeric types) and rejects floats
// while NFC-normalizing strings. It accepts arbitrary structs by round
// tripping them through encoding/json first.
func normalize(v any) (any, error) {
	switch t := v.(type) {
	case nil, bool, string:
		if s, ok := t.(string); ok {
			return norm.NFC.String(s), nil
		}
		return t, nil
	case float32, float64:
		return nil, ErrFloatNotAllowed
	case json.Number:
		if strings.ContainsAny(string(t), ".eE") {
			return nil, ErrFloatNotAllowed
		}
		return t, nil
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return t, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			nk := norm.NFC.String(k)
			nv, err := normalize(val)
			if err != nil {
				return nil, err
			}
			out[nk] = nv
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			nv, err := normalize(val)
			if err != nil {
				return nil, err
			}
			out[i] = nv
		}
		return out, nil
	default:
		// Struct or other concrete type: round-trip through json.Marshal
		// with UseNumber decoding so embedded floats are still caught.
		raw, err := json.Marshal(t)
		if err != nil {
			return nil, fmt.Errorf("canon: marshal %T: %w", t, err)
		}
		dec := json.NewDecoder(strings.NewReader(string(raw)))
		dec.UseNumber()
		var decoded any
		if err := dec.Decode(&decoded); err != nil {
			return nil, fmt.Errorf("canon: decode %T: %w", t, err)
		}
		return normalize(decoded)
	}
}

func encodeValue(buf *strings.Builder, v any) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		encodeString(buf, t)
	case json.Number:
		buf.WriteString(t.String())
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		fmt.Fprintf(buf, "%d", t)
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			encodeString(buf, k)
			buf.WriteByte(':')
			if err := encodeValue(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, item := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeValue(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		return fmt.Errorf("canon: unexpected normalized type %T", v)
	}
	return nil
}

// encodeString writes a JSON string literal without escaping non-ASCII
// bytes (ensure_ascii=False in the original), matching encoding/json's
// escaping rules for control characters, quotes, and backslashes only.
func encodeString(buf *strings.Builder, s string) {
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(buf, `\u%04x`, r)
			} else {
				buf.WriteRune(r)
			}
		}
	}
	buf.WriteByte('"')
}

// HashCanonical returns the lowercase-hex SHA-256 digest of v's canonical
// JSON form.
func HashCanonical(v any) (string, error) {
	b, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return fmt.Sprintf("%x", sum[:]), nil
}

// HashCanonicalExcluding hashes v's canonical JSON after removing the named
// top-level fields, the pattern used for payload_hash (hash of the record
// with payload_hash itself removed) and entry_hash/anchor_hmac (hash/sign of
// the record minus the field being computed).
func HashCanonicalExcluding(v map[string]any, exclude ...string) (string, error) {
	cp := make(map[string]any, len(v))
	skip := make(map[string]bool, len(exclude))
	for _, f := range exclude {
		skip[f] = true
	}
	for k, val := range v {
		if skip[k] {
			continue
		}
		cp[k] = val
	}
	return HashCanonical(cp)
}

// Sha256Hex returns the lowercase-hex SHA-256 digest of raw bytes.
func Sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return fmt.Sprintf("%x", sum[:])
}

// Sha256TextNormalized hashes the NFC-normalized, whitespace-collapsed UTF-8
// bytes of text, the contract used for text citation span hashes.
func Sha256TextNormalized(text string) string {
	return Sha256Hex([]byte(NormalizeText(text)))
}

// EncodeID encodes an arbitrary string as a path-safe record ID component:
// the rid_ prefix plus unpadded URL-safe base64 of its UTF-8 bytes.
func EncodeID(component string) string {
	return IDPrefix + base64.RawURLEncoding.EncodeToString([]byte(component))
}

// DecodeID reverses EncodeID. Per the original kernel's leniency contract,
// any value that lacks the rid_ prefix, or that fails to base64-decode once
// the prefix is stripped, is returned unchanged rather than as an error —
// callers may legitimately pass through plain sequence numbers or
// already-decoded strings.
func DecodeID(value string) string {
	trimmed, ok := strings.CutPrefix(value, IDPrefix)
	if !ok {
		return value
	}
	decoded, err := base64.RawURLEncoding.DecodeString(trimmed)
	if err != nil {
		return value
	}
	return string(decoded)
}

// PrefixedID formats a namespaced, capture-order record ID:
// {run_id}/{kind}/{seq}.
func PrefixedID(runID, kind string, seq int64) string {
	return fmt.Sprintf("%s/%s/%d", runID, kind, seq)
}

// EnsurePrefixed prepends "{run_id}/" to value if it is not already scoped
// under a run — content-addressed IDs (e.g. rid_... derived IDs) are often
// passed around without a run prefix and need one added for storage paths.
func EnsurePrefixed(runID, value string) string {
	if strings.HasPrefix(value, runID+"/") {
		return value
	}
	return runID + "/" + value
}

// NewRunID returns a fresh run identifier: a bare UUIDv4 in hex form with no
// dashes, matching uuid4().hex in the original kernel.
func NewRunID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

var whitespaceRun = func() func(string) string {
	return func(s string) string {
		var b strings.Builder
		lastSpace := false
		for _, r := range s {
			if r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f' {
				if !lastSpace {
					b.WriteByte(' ')
				}
				lastSpace = true
				continue
			}
			lastSpace = false
			b.WriteRune(r)
		}
		return b.String()
	}
}()

// NormalizeText applies the kernel's text normalization contract: NFC
// normalization, whitespace-run collapse to a single space, and trimming.
// Bump TEXT_NORM_VERSION whenever this algorithm changes.
func NormalizeText(s string) string {
	return strings.TrimSpace(whitespaceRun(norm.NFC.String(s)))
}
