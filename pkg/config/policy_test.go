// Copyright 2025 Certen Protocol

package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const samplePolicyYAML = `
schema_version: 1
privacy:
  blur_faces: true
  blur_screens: false
  capture_audio: false
  blocked_apps: ["banking-app"]
  retention_days: 30
plugins:
  permissions:
    ocr: ["read_screen"]
  filesystem_defaults: deny
  filesystem_policies:
    ocr: allow
  allowlist: ["ocr"]
  enabled: ["ocr"]
  locks: ["filesystem_defaults"]
`

func TestParsePolicyConfigDecodesAllSections(t *testing.T) {
	cfg, err := ParsePolicyConfig([]byte(samplePolicyYAML))
	require.NoError(t, err)
	require.Equal(t, 1, cfg.SchemaVersion)
	require.True(t, cfg.Privacy.BlurFaces)
	require.Equal(t, []string{"banking-app"}, cfg.Privacy.BlockedApps)
	require.Equal(t, 30, cfg.Privacy.RetentionDays)
	require.Equal(t, []string{"read_screen"}, cfg.Plugins.Permissions["ocr"])
	require.Equal(t, "deny", cfg.Plugins.FilesystemDefaults)
	require.Equal(t, []string{"ocr"}, cfg.Plugins.Allowlist)
}

func TestParsePolicyConfigDefaultsSchemaVersion(t *testing.T) {
	cfg, err := ParsePolicyConfig([]byte("privacy:\n  blur_faces: true\n"))
	require.NoError(t, err)
	require.Equal(t, DefaultSchemaVersion, cfg.SchemaVersion)
}

func TestPolicySnapshotHashIsStable(t *testing.T) {
	cfg, err := ParsePolicyConfig([]byte(samplePolicyYAML))
	require.NoError(t, err)

	h1, err := PolicySnapshotHash(cfg)
	require.NoError(t, err)
	h2, err := PolicySnapshotHash(cfg)
	require.NoError(t, err)
	require.Equal(t, h1, h2)
	require.Len(t, h1, 64)
}

func TestPolicySnapshotHashChangesWithPrivacySetting(t *testing.T) {
	cfg, err := ParsePolicyConfig([]byte(samplePolicyYAML))
	require.NoError(t, err)
	before, err := PolicySnapshotHash(cfg)
	require.NoError(t, err)

	cfg.Privacy.BlurFaces = false
	after, err := PolicySnapshotHash(cfg)
	require.NoError(t, err)
	require.NotEqual(t, before, after)
}

func TestPolicySnapshotRecordID(t *testing.T) {
	require.Equal(t, "policy_snapshot/abc123", PolicySnapshotRecordID("abc123"))
}

func TestProjectionRendersNilSlicesAsEmpty(t *testing.T) {
	cfg := PolicyConfig{}
	proj := cfg.Projection()
	privacy, ok := proj["privacy"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, []string{}, privacy["blocked_apps"])
}
