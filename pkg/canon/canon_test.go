package canon

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalJSONKeyOrderIndependence(t *testing.T) {
	a := map[string]any{"b": "2", "a": "1"}
	b := map[string]any{"a": "1", "b": "2"}

	outA, err := CanonicalJSON(a)
	require.NoError(t, err)
	outB, err := CanonicalJSON(b)
	require.NoError(t, err)

	assert.Equal(t, outA, outB)
	assert.Equal(t, `{"a":"1","b":"2"}`, string(outA))
}

func TestCanonicalJSONUnicodeEquivalence(t *testing.T) {
	// "e" + combining acute vs precomposed e-acute must canonicalize
	// identically once NFC-normalized.
	decomposed := map[string]any{"text": "é"}
	precomposed := map[string]any{"text": "é"}

	outA, err := CanonicalJSON(decomposed)
	require.NoError(t, err)
	outB, err := CanonicalJSON(precomposed)
	require.NoError(t, err)

	assert.Equal(t, outA, outB)

	hashA, err := HashCanonical(decomposed)
	require.NoError(t, err)
	hashB, err := HashCanonical(precomposed)
	require.NoError(t, err)
	assert.Equal(t, hashA, hashB)
}

func TestCanonicalJSONRejectsFloat(t *testing.T) {
	_, err := CanonicalJSON(map[string]any{"x": 1.5})
	require.ErrorIs(t, err, ErrFloatNotAllowed)

	_, err = CanonicalJSON(map[string]any{"x": float64(0)})
	require.ErrorIs(t, err, ErrFloatNotAllowed)
}

func TestCanonicalJSONNoWhitespace(t *testing.T) {
	out, err := CanonicalJSON(map[string]any{"a": []any{int64(1), int64(2)}})
	require.NoError(t, err)
	assert.Equal(t, `{"a":[1,2]}`, string(out))
}

func TestEncodeDecodeIDRoundTrip(t *testing.T) {
	for _, s := range []string{"hello", "evidence/123", "weird chars éè", ""} {
		enc := EncodeID(s)
		assert.True(t, len(enc) == 0 || enc[:4] == IDPrefix)
		assert.Equal(t, s, DecodeID(enc))
	}
}

func TestDecodeIDPassesThroughUnprefixed(t *testing.T) {
	assert.Equal(t, "plain-value", DecodeID("plain-value"))
	assert.Equal(t, "rid_not-valid-base64!!", DecodeID("rid_not-valid-base64!!"))
}

func TestPrefixedID(t *testing.T) {
	assert.Equal(t, "run1/ledger.commit/3", PrefixedID("run1", "ledger.commit", 3))
}

func TestNormalizeTextCollapsesWhitespace(t *testing.T) {
	assert.Equal(t, "a b c", NormalizeText("  a\t b\n\nc  "))
}

func TestHashCanonicalExcluding(t *testing.T) {
	rec := map[string]any{"a": "1", "payload_hash": "should-not-matter"}
	h1, err := HashCanonicalExcluding(rec, "payload_hash")
	require.NoError(t, err)

	rec2 := map[string]any{"a": "1", "payload_hash": "different-value"}
	h2, err := HashCanonicalExcluding(rec2, "payload_hash")
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
}

func TestNewRunIDIsHexNoDashes(t *testing.T) {
	id := NewRunID()
	assert.Len(t, id, 32)
	for _, r := range id {
		assert.NotEqual(t, '-', r)
	}
}
