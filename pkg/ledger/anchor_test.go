package ledger

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeSigner struct {
	keyID string
	key   []byte
}

func (f fakeSigner) ActiveAnchorKey() (string, []byte, error) {
	return f.keyID, f.key, nil
}

func TestAnchorSeqReconstructionAndAppend(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "anchors.ndjson")

	log, err := OpenAnchorLog(path, nil, nil)
	require.NoError(t, err)

	rec1, err := log.Anchor("head-1")
	require.NoError(t, err)
	require.Equal(t, int64(0), rec1.AnchorSeq)

	rec2, err := log.Anchor("head-2")
	require.NoError(t, err)
	require.Equal(t, int64(1), rec2.AnchorSeq)

	reopened, err := OpenAnchorLog(path, nil, nil)
	require.NoError(t, err)
	rec3, err := reopened.Anchor("head-3")
	require.NoError(t, err)
	require.Equal(t, int64(2), rec3.AnchorSeq)
}

func TestAnchorSigningAndVerification(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "anchors.ndjson")
	signer := fakeSigner{keyID: "key-1", key: []byte("0123456789abcdef0123456789abcdef")}

	log, err := OpenAnchorLog(path, signer, nil)
	require.NoError(t, err)

	rec, err := log.Anchor("head-1")
	require.NoError(t, err)
	require.NotEmpty(t, rec.AnchorHMAC)
	require.Equal(t, "key-1", rec.AnchorKeyID)

	report, err := VerifyAnchors(path, nil, func(keyID string) ([]byte, bool) {
		if keyID == signer.keyID {
			return signer.key, true
		}
		return nil, false
	}, true)
	require.NoError(t, err)
	require.True(t, report.OK)
	require.Equal(t, 1, report.Count)
}

func TestAnchorVerificationDetectsTamperedHMAC(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "anchors.ndjson")
	signer := fakeSigner{keyID: "key-1", key: []byte("0123456789abcdef0123456789abcdef")}

	log, err := OpenAnchorLog(path, signer, nil)
	require.NoError(t, err)
	_, err = log.Anchor("head-1")
	require.NoError(t, err)

	report, err := VerifyAnchors(path, nil, func(keyID string) ([]byte, bool) {
		return []byte("wrong-key-wrong-key-wrong-key-32"), true
	}, true)
	require.NoError(t, err)
	require.False(t, report.OK)
	require.Len(t, report.MismatchAt, 1)
}

func TestAnchorVerificationUnknownKeyStrict(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "anchors.ndjson")
	signer := fakeSigner{keyID: "key-1", key: []byte("0123456789abcdef0123456789abcdef")}

	log, err := OpenAnchorLog(path, signer, nil)
	require.NoError(t, err)
	_, err = log.Anchor("head-1")
	require.NoError(t, err)

	noKey := func(string) ([]byte, bool) { return nil, false }

	strict, err := VerifyAnchors(path, nil, noKey, true)
	require.NoError(t, err)
	require.False(t, strict.OK)
	require.Len(t, strict.UnknownKeyAt, 1)

	lenient, err := VerifyAnchors(path, nil, noKey, false)
	require.NoError(t, err)
	require.True(t, lenient.OK)
}

type fakeProtector struct{}

func (fakeProtector) Protect(plaintext []byte) ([]byte, bool) {
	out := make([]byte, len(plaintext))
	for i, b := range plaintext {
		out[i] = b ^ 0x5a
	}
	return out, true
}

func (fakeProtector) Unprotect(data []byte, wasProtected bool) ([]byte, error) {
	if !wasProtected {
		return data, nil
	}
	out := make([]byte, len(data))
	for i, b := range data {
		out[i] = b ^ 0x5a
	}
	return out, nil
}

func TestAnchorDPAPIPrefixedRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "anchors.ndjson")
	protector := fakeProtector{}

	log, err := OpenAnchorLog(path, nil, protector)
	require.NoError(t, err)
	_, err = log.Anchor("head-1")
	require.NoError(t, err)

	reopened, err := OpenAnchorLog(path, nil, protector)
	require.NoError(t, err)
	require.Equal(t, int64(1), reopened.seq)

	report, err := VerifyAnchors(path, protector, func(string) ([]byte, bool) { return nil, false }, false)
	require.NoError(t, err)
	require.True(t, report.OK)
	require.Equal(t, 1, report.Count)
}
