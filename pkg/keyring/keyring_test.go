package keyring

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRotateAndActive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keyring.json")
	kr, err := Load(path, nil, false)
	require.NoError(t, err)

	keyID, err := kr.Rotate(PurposeMetadata)
	require.NoError(t, err)
	require.NotEmpty(t, keyID)

	activeID, key, err := kr.Active(PurposeMetadata)
	require.NoError(t, err)
	require.Equal(t, keyID, activeID)
	require.Len(t, key, 32)
}

func TestCandidatesOrderingAfterRotation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keyring.json")
	kr, err := Load(path, nil, false)
	require.NoError(t, err)

	oldID, err := kr.Rotate(PurposeMedia)
	require.NoError(t, err)
	newID, err := kr.Rotate(PurposeMedia)
	require.NoError(t, err)

	candidates := kr.Candidates(PurposeMedia, oldID)
	require.Len(t, candidates, 2)
	require.Equal(t, oldID, candidates[0].KeyID)
	require.Equal(t, newID, candidates[1].KeyID)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	blob, err := Encrypt(key, []byte("hello world"), []byte("aad"), "k1")
	require.NoError(t, err)

	pt, err := Decrypt(key, blob, []byte("aad"))
	require.NoError(t, err)
	require.Equal(t, "hello world", string(pt))

	_, err = Decrypt(key, blob, []byte("wrong-aad"))
	require.Error(t, err)
}

func TestMixedKeyDecryptAfterRotation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keyring.json")
	kr, err := Load(path, nil, false)
	require.NoError(t, err)

	oldID, oldKey, err := kr.Active(PurposeMetadata)
	require.NoError(t, err)
	blob, err := Encrypt(oldKey, []byte("secret"), nil, oldID)
	require.NoError(t, err)

	_, err = kr.Rotate(PurposeMetadata)
	require.NoError(t, err)

	candidates := kr.Candidates(PurposeMetadata, "")
	pt, usedKeyID, err := DecryptWithCandidates(candidates, blob, nil)
	require.NoError(t, err)
	require.Equal(t, "secret", string(pt))
	require.Equal(t, oldID, usedKeyID)
}

func TestBundleExportImportRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keyring.json")
	kr, err := Load(path, nil, false)
	require.NoError(t, err)
	_, err = kr.Rotate(PurposeAnchor)
	require.NoError(t, err)
	_, origKey, err := kr.Active(PurposeAnchor)
	require.NoError(t, err)

	bundle, err := kr.ExportBundle("correct horse battery staple")
	require.NoError(t, err)
	require.Equal(t, "scrypt", bundle.KDF.Type)

	path2 := filepath.Join(t.TempDir(), "keyring2.json")
	kr2, err := Load(path2, nil, false)
	require.NoError(t, err)
	require.NoError(t, kr2.ImportBundle(bundle, "correct horse battery staple"))

	_, importedKey, err := kr2.Active(PurposeAnchor)
	require.NoError(t, err)
	require.Equal(t, origKey, importedKey)
}

func TestBundleImportWrongPassphraseFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keyring.json")
	kr, err := Load(path, nil, false)
	require.NoError(t, err)
	_, err = kr.Rotate(PurposeAnchor)
	require.NoError(t, err)

	bundle, err := kr.ExportBundle("right-passphrase")
	require.NoError(t, err)

	kr2, err := Load(filepath.Join(t.TempDir(), "keyring2.json"), nil, false)
	require.NoError(t, err)
	err = kr2.ImportBundle(bundle, "wrong-passphrase")
	require.Error(t, err)
}

func TestDeriveKeyDeterministic(t *testing.T) {
	root := []byte("0123456789abcdef0123456789abcdef")
	a, err := DeriveKey(root, "metadata", 32)
	require.NoError(t, err)
	b, err := DeriveKey(root, "metadata", 32)
	require.NoError(t, err)
	require.Equal(t, a, b)

	c, err := DeriveKey(root, "media", 32)
	require.NoError(t, err)
	require.NotEqual(t, a, c)
}

func TestCanonicalPurposeAlias(t *testing.T) {
	require.Equal(t, PurposeEntityTokens, CanonicalPurpose("tokenization"))
	require.Equal(t, PurposeEntityTokens, CanonicalPurpose("tokens"))
	require.Equal(t, Purpose("metadata"), CanonicalPurpose("metadata"))
}
