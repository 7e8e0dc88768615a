// Copyright 2025 Certen Protocol

package compaction

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/certen/autocapture-kernel/pkg/keyring"
)

// tamperZipEntry rewrites one entry's contents inside an existing zip file
// in place, leaving the manifest (and its recorded sha256) untouched.
func tamperZipEntry(t *testing.T, zipPath, entryName string, newContents []byte) {
	t.Helper()
	zr, err := zip.OpenReader(zipPath)
	require.NoError(t, err)

	tmpPath := zipPath + ".tmp"
	out, err := os.Create(tmpPath)
	require.NoError(t, err)
	zw := zip.NewWriter(out)

	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		data := make([]byte, f.UncompressedSize64)
		_, err = io.ReadFull(rc, data)
		rc.Close()
		require.NoError(t, err)

		if f.Name == entryName {
			data = newContents
		}

		w, err := zw.CreateHeader(&zip.FileHeader{Name: f.Name, Method: zip.Deflate})
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
	}

	require.NoError(t, zw.Close())
	require.NoError(t, out.Close())
	require.NoError(t, zr.Close())
	require.NoError(t, os.Rename(tmpPath, zipPath))
}

func testKeyRing(t *testing.T) *keyring.KeyRing {
	t.Helper()
	kr, err := keyring.Load(filepath.Join(t.TempDir(), "keyring.json"), nil, false)
	require.NoError(t, err)
	_, err = kr.Rotate(keyring.PurposeAnchor)
	require.NoError(t, err)
	return kr
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o700))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestCreateAndRestoreBackupBundleRoundTrip(t *testing.T) {
	dir := t.TempDir()
	configDir := filepath.Join(dir, "config")
	dataDir := filepath.Join(dir, "data")
	repoDir := filepath.Join(dir, "repo")

	configFile := filepath.Join(configDir, "user.json")
	ledgerFile := filepath.Join(dataDir, "ledger.ndjson")
	writeFile(t, configFile, `{"setting":"value"}`)
	writeFile(t, ledgerFile, `{"entry_id":"e1"}`+"\n")

	outputPath := filepath.Join(dir, "backup.zip")
	result, err := CreateBackupBundle(CreateBackupOptions{
		OutputPath:  outputPath,
		RepoDir:     repoDir,
		ConfigDir:   configDir,
		DataDir:     dataDir,
		ConfigFiles: []string{configFile},
		DataFiles:   []string{ledgerFile},
	})
	require.NoError(t, err)
	require.True(t, result.OK, result.Error)
	require.Equal(t, 2, result.Entries)

	restoreDir := t.TempDir()
	restoreConfigDir := filepath.Join(restoreDir, "config")
	restoreDataDir := filepath.Join(restoreDir, "data")
	restoreRepoDir := filepath.Join(restoreDir, "repo")

	restoreResult, err := RestoreBackupBundle(RestoreBackupOptions{
		BundlePath: outputPath,
		RepoDir:    restoreRepoDir,
		ConfigDir:  restoreConfigDir,
		DataDir:    restoreDataDir,
	})
	require.NoError(t, err)
	require.True(t, restoreResult.OK, restoreResult.Error)
	require.Equal(t, 2, restoreResult.Extracted)

	restoredConfig, err := os.ReadFile(filepath.Join(restoreConfigDir, "user.json"))
	require.NoError(t, err)
	require.Equal(t, `{"setting":"value"}`, string(restoredConfig))
}

func TestCreateBackupBundleRefusesOverwriteWithoutFlag(t *testing.T) {
	dir := t.TempDir()
	outputPath := filepath.Join(dir, "backup.zip")
	require.NoError(t, os.WriteFile(outputPath, []byte("existing"), 0o600))

	result, err := CreateBackupBundle(CreateBackupOptions{OutputPath: outputPath})
	require.NoError(t, err)
	require.False(t, result.OK)
	require.Equal(t, "output_exists", result.Error)
}

func TestCreateBackupBundleIncludesKeyringBundle(t *testing.T) {
	dir := t.TempDir()
	outputPath := filepath.Join(dir, "backup.zip")
	kr := testKeyRing(t)

	result, err := CreateBackupBundle(CreateBackupOptions{
		OutputPath:              outputPath,
		IncludeKeyringBundle:    true,
		KeyRing:                 kr,
		KeyringBundlePassphrase: "correct-horse-battery-staple",
	})
	require.NoError(t, err)
	require.True(t, result.OK, result.Error)
	require.True(t, result.IncludesKeyringBundle)

	restoreDir := t.TempDir()
	restoreResult, err := RestoreBackupBundle(RestoreBackupOptions{
		BundlePath:              outputPath,
		RepoDir:                 filepath.Join(restoreDir, "repo"),
		ConfigDir:               filepath.Join(restoreDir, "config"),
		DataDir:                 filepath.Join(restoreDir, "data"),
		RestoreKeyringBundle:    true,
		KeyringBundlePassphrase: "correct-horse-battery-staple",
		KeyringDestPath:         filepath.Join(restoreDir, "vault", "keyring.json"),
	})
	require.NoError(t, err)
	require.True(t, restoreResult.OK, restoreResult.Error)

	restored, err := keyring.Load(filepath.Join(restoreDir, "vault", "keyring.json"), nil, false)
	require.NoError(t, err)
	_, restoredKey, err := restored.Active(keyring.PurposeAnchor)
	require.NoError(t, err)
	_, origKey, err := kr.Active(keyring.PurposeAnchor)
	require.NoError(t, err)
	require.Equal(t, origKey, restoredKey)
}

func TestRestoreBackupBundleDetectsTamperedEntry(t *testing.T) {
	dir := t.TempDir()
	configFile := filepath.Join(dir, "config", "user.json")
	writeFile(t, configFile, `{"setting":"value"}`)

	outputPath := filepath.Join(dir, "backup.zip")
	_, err := CreateBackupBundle(CreateBackupOptions{
		OutputPath:  outputPath,
		ConfigDir:   filepath.Join(dir, "config"),
		ConfigFiles: []string{configFile},
	})
	require.NoError(t, err)

	tamperZipEntry(t, outputPath, "config/user.json", []byte(`{"setting":"tampered"}`))

	result, err := RestoreBackupBundle(RestoreBackupOptions{
		BundlePath: outputPath,
		ConfigDir:  filepath.Join(t.TempDir(), "config"),
	})
	require.NoError(t, err)
	require.False(t, result.OK)
	require.Equal(t, "integrity_check_failed", result.Error)
}

func TestRestoreBackupBundleArchivesConflictingFile(t *testing.T) {
	dir := t.TempDir()
	configFile := filepath.Join(dir, "config", "user.json")
	writeFile(t, configFile, `{"setting":"value"}`)

	outputPath := filepath.Join(dir, "backup.zip")
	_, err := CreateBackupBundle(CreateBackupOptions{
		OutputPath:  outputPath,
		ConfigDir:   filepath.Join(dir, "config"),
		ConfigFiles: []string{configFile},
	})
	require.NoError(t, err)

	restoreDir := t.TempDir()
	restoreConfigDir := filepath.Join(restoreDir, "config")
	existingDest := filepath.Join(restoreConfigDir, "user.json")
	writeFile(t, existingDest, `{"setting":"pre-existing"}`)

	result, err := RestoreBackupBundle(RestoreBackupOptions{
		BundlePath: outputPath,
		ConfigDir:  restoreConfigDir,
	})
	require.NoError(t, err)
	require.True(t, result.OK, result.Error)
	require.Len(t, result.Archived, 1)

	restored, err := os.ReadFile(existingDest)
	require.NoError(t, err)
	require.Equal(t, `{"setting":"value"}`, string(restored))
}
