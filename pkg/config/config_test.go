// Copyright 2025 Certen Protocol

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsAreRootedUnderAutocaptureRoot(t *testing.T) {
	t.Setenv("AUTOCAPTURE_ROOT", "")
	t.Setenv("AUTOCAPTURE_DATA_DIR", "")
	t.Setenv("AUTOCAPTURE_CONFIG_DIR", "")
	t.Setenv("AUTOCAPTURE_BUNDLE_DIR", "")
	t.Setenv("KERNEL_AUTOCAPTURE_EXPORT_ROOT", "")
	t.Setenv("AUTOCAPTURE_CITATION_REQUIRE_STRICT_LEDGER", "")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, filepath.Join(cfg.Root, "data"), cfg.DataDir)
	require.Equal(t, filepath.Join(cfg.Root, "config"), cfg.ConfigDir)
	require.True(t, cfg.RequireStrictLedger)
}

func TestLoadHonorsExplicitEnvOverrides(t *testing.T) {
	t.Setenv("AUTOCAPTURE_DATA_DIR", "/tmp/custom-data")
	t.Setenv("AUTOCAPTURE_CONFIG_DIR", "/tmp/custom-config")
	t.Setenv("AUTOCAPTURE_CITATION_REQUIRE_STRICT_LEDGER", "false")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "/tmp/custom-data", cfg.DataDir)
	require.Equal(t, "/tmp/custom-config", cfg.ConfigDir)
	require.False(t, cfg.RequireStrictLedger)
}

func TestValidateCreatesConfiguredDirectories(t *testing.T) {
	root := t.TempDir()
	t.Setenv("AUTOCAPTURE_ROOT", root)
	t.Setenv("AUTOCAPTURE_DATA_DIR", filepath.Join(root, "data"))
	t.Setenv("AUTOCAPTURE_CONFIG_DIR", filepath.Join(root, "config"))
	t.Setenv("AUTOCAPTURE_BUNDLE_DIR", filepath.Join(root, "bundles"))
	t.Setenv("KERNEL_AUTOCAPTURE_EXPORT_ROOT", filepath.Join(root, "exports"))

	cfg, err := Load()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	for _, dir := range []string{cfg.DataDir, cfg.ConfigDir, cfg.BundleDir, cfg.ExportRoot} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		require.True(t, info.IsDir())
	}
}

func TestDerivedPathsAreRootedUnderDataDir(t *testing.T) {
	cfg := &Config{DataDir: "/data"}
	require.Equal(t, "/data/ledger.ndjson", cfg.LedgerPath())
	require.Equal(t, "/data/anchors.ndjson", cfg.AnchorsPath())
	require.Equal(t, "/data/vault/keyring.json", cfg.VaultPath())
	require.Equal(t, "/data/metadata", cfg.MetadataRoot())
	require.Equal(t, "/data/media", cfg.MediaRoot())
	require.Equal(t, "/data/policy_snapshots", cfg.PolicySnapshotsRoot())
}

func TestValidateRejectsEmptyDataDir(t *testing.T) {
	cfg := &Config{ConfigDir: "/tmp/x"}
	require.Error(t, cfg.Validate())
}
