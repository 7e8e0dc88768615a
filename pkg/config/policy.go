// Copyright 2025 Certen Protocol

package config

import (
	"gopkg.in/yaml.v3"

	"github.com/certen/autocapture-kernel/pkg/canon"
)

// PolicyConfig is the narrow projection of the operator's full configuration
// that gets hashed and persisted as a policy snapshot: privacy settings and
// plugin permission/filesystem-scope policy, not the whole config tree.
// Grounded on original_source/autocapture_nx/kernel/policy_snapshot.py's
// policy_snapshot_payload, which extracts exactly this shape out of a much
// larger config dict. Loading the backing YAML file is out of scope for
// this kernel; an external collaborator does that and hands this package
// the decoded struct.
type PolicyConfig struct {
	SchemaVersion int           `yaml:"schema_version"`
	Privacy       PrivacyPolicy `yaml:"privacy"`
	Plugins       PluginsPolicy `yaml:"plugins"`
}

// PrivacyPolicy mirrors the privacy section of the operator config: what
// capture is allowed to record and for how long.
type PrivacyPolicy struct {
	BlurFaces     bool     `yaml:"blur_faces"`
	BlurScreens   bool     `yaml:"blur_screens"`
	CaptureAudio  bool     `yaml:"capture_audio"`
	BlockedApps   []string `yaml:"blocked_apps"`
	RetentionDays int      `yaml:"retention_days"`
}

// PluginsPolicy mirrors policy_snapshot_payload's plugins section: which
// plugins may run, what filesystem scope they default to or are explicitly
// granted, and which settings are locked against runtime override.
type PluginsPolicy struct {
	Permissions        map[string][]string `yaml:"permissions"`
	FilesystemDefaults string              `yaml:"filesystem_defaults"`
	FilesystemPolicies map[string]string   `yaml:"filesystem_policies"`
	Allowlist          []string            `yaml:"allowlist"`
	Enabled            []string            `yaml:"enabled"`
	Locks              []string            `yaml:"locks"`
}

// DefaultSchemaVersion is the PolicyConfig.SchemaVersion written when a
// caller builds a fresh snapshot rather than decoding one from YAML.
const DefaultSchemaVersion = 1

// ParsePolicyConfig decodes a PolicyConfig from its YAML representation.
// The kernel never reads the file off disk itself (that's the external
// "configuration loading" collaborator's job) but does own the decode step
// so every caller gets identical field validation.
func ParsePolicyConfig(yamlBytes []byte) (PolicyConfig, error) {
	var cfg PolicyConfig
	if err := yaml.Unmarshal(yamlBytes, &cfg); err != nil {
		return PolicyConfig{}, err
	}
	if cfg.SchemaVersion == 0 {
		cfg.SchemaVersion = DefaultSchemaVersion
	}
	return cfg, nil
}

// Projection returns the canonical-JSON-ready map form of cfg, the same
// shape PolicySnapshotHash hashes. pkg/eventbuilder.New takes this map
// directly as its policySnapshot argument.
func (cfg PolicyConfig) Projection() map[string]any {
	return map[string]any{
		"schema_version": cfg.SchemaVersion,
		"privacy": map[string]any{
			"blur_faces":     cfg.Privacy.BlurFaces,
			"blur_screens":   cfg.Privacy.BlurScreens,
			"capture_audio":  cfg.Privacy.CaptureAudio,
			"blocked_apps":   stringSliceOrEmpty(cfg.Privacy.BlockedApps),
			"retention_days": cfg.Privacy.RetentionDays,
		},
		"plugins": map[string]any{
			"permissions":         stringMapSliceOrEmpty(cfg.Plugins.Permissions),
			"filesystem_defaults": cfg.Plugins.FilesystemDefaults,
			"filesystem_policies": stringMapOrEmpty(cfg.Plugins.FilesystemPolicies),
			"allowlist":           stringSliceOrEmpty(cfg.Plugins.Allowlist),
			"enabled":             stringSliceOrEmpty(cfg.Plugins.Enabled),
			"locks":               stringSliceOrEmpty(cfg.Plugins.Locks),
		},
	}
}

// PolicySnapshotHash returns the lowercase-hex SHA-256 digest of cfg's
// canonical JSON projection, the content address a proof bundle's
// policy_snapshot_hash field carries. Grounded on policy_snapshot_hash's
// sha256_text(canonical_json.dumps(payload)).
func PolicySnapshotHash(cfg PolicyConfig) (string, error) {
	return canon.HashCanonical(cfg.Projection())
}

// PolicySnapshotRecordID returns the content-addressed record ID a policy
// snapshot is persisted under: "policy_snapshot/<hash>".
func PolicySnapshotRecordID(snapshotHash string) string {
	return "policy_snapshot/" + snapshotHash
}

func stringSliceOrEmpty(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func stringMapOrEmpty(v map[string]string) map[string]string {
	if v == nil {
		return map[string]string{}
	}
	return v
}

func stringMapSliceOrEmpty(v map[string][]string) map[string][]string {
	if v == nil {
		return map[string][]string{}
	}
	return v
}
