// Copyright 2025 Certen Protocol
//
// Package config resolves the kernel's env-driven runtime Config (data
// directory layout, bundle/export roots, ledger strictness) and defines the
// PolicyConfig projection that backs the content-addressed policy snapshot
// described in the design notes. Loading a PolicyConfig's backing YAML file
// off disk is an external collaborator's job; this package only defines the
// shape and hashes it.
package config

import (
	"os"
	"path/filepath"
)

// Config is the kernel's env-driven runtime configuration. Every directory
// field has an explicit default computed from Root when its own env var is
// unset,
// mirroring the teacher's config.Load: env vars are read once, required
// values are validated explicitly, nothing silently defaults for security
// material (AUTOCAPTURE_CITATION_REQUIRE_STRICT_LEDGER defaults to true).
type Config struct {
	// DataDir is the root of the on-disk layout: ledger.ndjson,
	// journal.ndjson, vault/, metadata/, media/, policy_snapshots/.
	DataDir string
	// ConfigDir holds the policy YAML and any operator-supplied config.
	ConfigDir string
	// Root overrides both DataDir and ConfigDir resolution when set and
	// either of the two is not independently set (AUTOCAPTURE_ROOT).
	Root string
	// BundleDir is where proof/backup bundles are written by default.
	BundleDir string
	// ExportRoot is where `export chatgpt` writes its transcript export.
	ExportRoot string
	// RequireStrictLedger records AUTOCAPTURE_CITATION_REQUIRE_STRICT_LEDGER
	// (default true). No package reads it: pkg/integrity and
	// proofbundle.ReplayBundle always verify the ledger strictly, and proof
	// bundle export's verification.json always verifies it leniently. Both
	// modes recompute every hash; lenient mode lists entry_hash mismatches
	// but leaves the report OK.
	RequireStrictLedger bool
}

// Load resolves Config from the environment. It never fails: every field
// has a workable default rooted at the process's current working directory,
// matching the teacher's Load pattern of explicit-but-defaulted env reads.
func Load() (*Config, error) {
	root := getEnv("AUTOCAPTURE_ROOT", "")
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			wd = "."
		}
		root = filepath.Join(wd, ".autocapture")
	}

	cfg := &Config{
		Root:                root,
		DataDir:             getEnv("AUTOCAPTURE_DATA_DIR", filepath.Join(root, "data")),
		ConfigDir:           getEnv("AUTOCAPTURE_CONFIG_DIR", filepath.Join(root, "config")),
		BundleDir:           getEnv("AUTOCAPTURE_BUNDLE_DIR", filepath.Join(root, "bundles")),
		ExportRoot:          getEnv("KERNEL_AUTOCAPTURE_EXPORT_ROOT", filepath.Join(root, "exports")),
		RequireStrictLedger: getEnvBool("AUTOCAPTURE_CITATION_REQUIRE_STRICT_LEDGER", true),
	}
	return cfg, nil
}

// Validate checks that DataDir and ConfigDir are non-empty and that every
// configured directory either exists or can be created. It does not check
// whether the paths are absolute. Mirrors the teacher's Validate: explicit
// field-by-field checks, no reflection-based validation tags.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errRequired("AUTOCAPTURE_DATA_DIR")
	}
	if c.ConfigDir == "" {
		return errRequired("AUTOCAPTURE_CONFIG_DIR")
	}
	for _, dir := range []string{c.DataDir, c.ConfigDir, c.BundleDir, c.ExportRoot} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}
	return nil
}

// LedgerPath returns the hash-chained ledger file's default location.
func (c *Config) LedgerPath() string {
	return filepath.Join(c.DataDir, "ledger.ndjson")
}

// JournalDir returns the journal's default location.
func (c *Config) JournalDir() string {
	return c.DataDir
}

// AnchorsPath returns the anchor log's default location.
func (c *Config) AnchorsPath() string {
	return filepath.Join(c.DataDir, "anchors.ndjson")
}

// VaultPath returns the encrypted keyring store's default location.
func (c *Config) VaultPath() string {
	return filepath.Join(c.DataDir, "vault", "keyring.json")
}

// MetadataRoot returns the bucketed metadata tree's root.
func (c *Config) MetadataRoot() string {
	return filepath.Join(c.DataDir, "metadata")
}

// MediaRoot returns the bucketed media/blob tree's root.
func (c *Config) MediaRoot() string {
	return filepath.Join(c.DataDir, "media")
}

// PolicySnapshotsRoot returns where content-addressed policy snapshots are
// persisted.
func (c *Config) PolicySnapshotsRoot() string {
	return filepath.Join(c.DataDir, "policy_snapshots")
}

// IndexDBDir returns where the ledger's rebuildable entry_hash -> entry_id
// lookup index is persisted. The directory, not a file, because
// cometbft-db's goleveldb backend manages its own files underneath it.
func (c *Config) IndexDBDir() string {
	return filepath.Join(c.DataDir, "index")
}

func errRequired(envVar string) error {
	return &requiredFieldError{envVar: envVar}
}

type requiredFieldError struct {
	envVar string
}

func (e *requiredFieldError) Error() string {
	return "config: " + e.envVar + " must resolve to a non-empty path"
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	switch v {
	case "1", "true", "TRUE", "True", "yes":
		return true
	case "0", "false", "FALSE", "False", "no":
		return false
	default:
		return defaultValue
	}
}
