// Copyright 2025 Certen Protocol

package compaction

import (
	"archive/zip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/certen/autocapture-kernel/pkg/keyring"
	"github.com/certen/autocapture-kernel/pkg/kerr"
)

const backupSchemaVersion = 1

// BackupEntry is one file captured (or restored) inside a backup bundle.
type BackupEntry struct {
	Kind     string `json:"kind"` // repo|config|data
	RelPath  string `json:"relpath"`
	ZipPath  string `json:"zip_path"`
	Sha256   string `json:"sha256"`
	SizeBytes int64 `json:"size_bytes"`
}

// BackupManifest is the bundle's internal table of contents, written as
// bundle_manifest.json inside the zip.
type BackupManifest struct {
	SchemaVersion         int           `json:"schema_version"`
	CreatedUTC            string        `json:"created_utc"`
	Entries               []BackupEntry `json:"entries"`
	IncludesData          bool          `json:"includes_data"`
	IncludesKeyringBundle bool          `json:"includes_keyring_bundle"`
}

// CreateBackupOptions configures CreateBackupBundle. RepoFiles/ConfigFiles
// are caller-supplied absolute paths rooted under RepoDir/ConfigDir; unlike
// the Python original (which hardcodes repo-relative filenames such as
// config/plugin_locks.json) this kernel has no plugin system, so the
// always-included set is the caller's responsibility — cmd/autocapturectl
// wires in the ledger, journal, and anchor log explicitly and passes no
// repo or config files.
type CreateBackupOptions struct {
	OutputPath  string
	RepoDir     string
	ConfigDir   string
	DataDir     string
	RepoFiles   []string
	ConfigFiles []string
	DataFiles   []string
	IncludeData bool
	DataRoot    string // walked in full when IncludeData is set

	IncludeKeyringBundle    bool
	KeyRing                 *keyring.KeyRing
	KeyringBundlePassphrase string

	Overwrite bool
}

// CreateResult is the outcome of CreateBackupBundle.
type CreateResult struct {
	OK                    bool   `json:"ok"`
	Error                 string `json:"error,omitempty"`
	Path                  string `json:"path,omitempty"`
	Entries               int    `json:"entries,omitempty"`
	IncludesData          bool   `json:"includes_data,omitempty"`
	IncludesKeyringBundle bool   `json:"includes_keyring_bundle,omitempty"`
}

// CreateBackupBundle writes a portable, raw-first recovery archive: every
// configured repo/config/data file plus, optionally, a passphrase-wrapped
// keyring export. Grounded on
// original_source/autocapture_nx/kernel/backup_bundle.py's
// create_backup_bundle.
func CreateBackupBundle(opts CreateBackupOptions) (CreateResult, error) {
	if _, err := os.Stat(opts.OutputPath); err == nil && !opts.Overwrite {
		return CreateResult{OK: false, Error: "output_exists", Path: opts.OutputPath}, nil
	}
	if err := os.MkdirAll(filepath.Dir(opts.OutputPath), 0o700); err != nil {
		return CreateResult{}, kerr.Wrap(kerr.IO, "create backup output directory", err)
	}

	var bundleBytes []byte
	if opts.IncludeKeyringBundle {
		if opts.KeyRing == nil || opts.KeyringBundlePassphrase == "" {
			return CreateResult{OK: false, Error: "missing_keyring_bundle_passphrase"}, nil
		}
		bundle, err := opts.KeyRing.ExportBundle(opts.KeyringBundlePassphrase)
		if err != nil {
			return CreateResult{}, err
		}
		bundleBytes, err = json.Marshal(bundle)
		if err != nil {
			return CreateResult{}, kerr.Wrap(kerr.IO, "marshal keyring bundle", err)
		}
	}

	type taggedFile struct {
		kind string
		root string
		path string
	}
	var files []taggedFile
	for _, p := range opts.RepoFiles {
		files = append(files, taggedFile{"repo", opts.RepoDir, p})
	}
	for _, p := range opts.ConfigFiles {
		files = append(files, taggedFile{"config", opts.ConfigDir, p})
	}
	for _, p := range opts.DataFiles {
		files = append(files, taggedFile{"data", opts.DataDir, p})
	}
	if opts.IncludeData && opts.DataRoot != "" {
		walked, err := listFiles(opts.DataRoot)
		if err != nil {
			return CreateResult{}, err
		}
		for _, p := range walked {
			files = append(files, taggedFile{"data", opts.DataDir, p})
		}
	}

	out, err := os.Create(opts.OutputPath)
	if err != nil {
		return CreateResult{}, kerr.Wrap(kerr.IO, "create backup archive", err)
	}
	defer out.Close()
	zw := zip.NewWriter(out)

	seen := map[string]bool{}
	var entries []BackupEntry
	for _, f := range files {
		if f.root == "" {
			continue
		}
		absPath, err := filepath.Abs(f.path)
		if err != nil {
			continue
		}
		if seen[absPath] {
			continue
		}
		seen[absPath] = true
		rel, err := filepath.Rel(f.root, absPath)
		if err != nil || strings.HasPrefix(rel, "..") {
			continue
		}
		rel = filepath.ToSlash(rel)
		zipPath := f.kind + "/" + rel

		data, err := os.ReadFile(absPath)
		if err != nil {
			continue
		}
		if err := writeZipEntry(zw, zipPath, data); err != nil {
			zw.Close()
			return CreateResult{}, err
		}
		entries = append(entries, BackupEntry{
			Kind:      f.kind,
			RelPath:   rel,
			ZipPath:   zipPath,
			Sha256:    sha256Hex(data),
			SizeBytes: int64(len(data)),
		})
	}

	if bundleBytes != nil {
		zipPath := "data/vault/keyring.bundle.json"
		if err := writeZipEntry(zw, zipPath, bundleBytes); err != nil {
			zw.Close()
			return CreateResult{}, err
		}
		entries = append(entries, BackupEntry{
			Kind:      "data",
			RelPath:   "vault/keyring.bundle.json",
			ZipPath:   zipPath,
			Sha256:    sha256Hex(bundleBytes),
			SizeBytes: int64(len(bundleBytes)),
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Kind != entries[j].Kind {
			return entries[i].Kind < entries[j].Kind
		}
		return entries[i].RelPath < entries[j].RelPath
	})

	manifest := BackupManifest{
		SchemaVersion:         backupSchemaVersion,
		CreatedUTC:            time.Now().UTC().Format(time.RFC3339),
		Entries:               entries,
		IncludesData:          opts.IncludeData,
		IncludesKeyringBundle: bundleBytes != nil,
	}
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		zw.Close()
		return CreateResult{}, kerr.Wrap(kerr.IO, "marshal backup manifest", err)
	}
	if err := writeZipEntry(zw, "bundle_manifest.json", manifestJSON); err != nil {
		zw.Close()
		return CreateResult{}, err
	}

	if err := zw.Close(); err != nil {
		return CreateResult{}, kerr.Wrap(kerr.IO, "finalize backup archive", err)
	}

	return CreateResult{
		OK:                    true,
		Path:                  opts.OutputPath,
		Entries:               len(entries),
		IncludesData:          opts.IncludeData,
		IncludesKeyringBundle: bundleBytes != nil,
	}, nil
}

// RestoreBackupOptions configures RestoreBackupBundle.
type RestoreBackupOptions struct {
	BundlePath              string
	RepoDir                 string
	ConfigDir               string
	DataDir                 string
	KeyringBundlePassphrase string
	RestoreKeyringBundle    bool
	KeyringDestPath         string
	Overwrite               bool
}

// RestoreResult is the outcome of RestoreBackupBundle.
type RestoreResult struct {
	OK        bool     `json:"ok"`
	Error     string   `json:"error,omitempty"`
	Issues    []string `json:"issues,omitempty"`
	Extracted int      `json:"extracted,omitempty"`
	Archived  []string `json:"archived,omitempty"`
}

// RestoreBackupBundle verifies every entry's sha256 before writing anything,
// archives (never deletes) any conflicting destination file, then extracts.
// Grounded on
// original_source/autocapture_nx/kernel/backup_bundle.py's
// restore_backup_bundle.
func RestoreBackupBundle(opts RestoreBackupOptions) (RestoreResult, error) {
	zr, err := zip.OpenReader(opts.BundlePath)
	if err != nil {
		return RestoreResult{OK: false, Error: "bundle_missing"}, nil
	}
	defer zr.Close()

	manifestRaw, err := readZipFile(zr, "bundle_manifest.json")
	if err != nil {
		return RestoreResult{OK: false, Error: "manifest_invalid"}, nil
	}
	var manifest BackupManifest
	if err := json.Unmarshal(manifestRaw, &manifest); err != nil {
		return RestoreResult{OK: false, Error: "manifest_invalid"}, nil
	}

	var issues []string
	for _, ent := range manifest.Entries {
		if ent.ZipPath == "" || ent.Sha256 == "" {
			continue
		}
		data, err := readZipFile(zr, ent.ZipPath)
		if err != nil {
			issues = append(issues, "missing_entry:"+ent.ZipPath)
			continue
		}
		if sha256Hex(data) != ent.Sha256 {
			issues = append(issues, "sha256_mismatch:"+ent.ZipPath)
		}
	}
	if len(issues) > 0 {
		return RestoreResult{OK: false, Error: "integrity_check_failed", Issues: issues}, nil
	}

	var archived []string
	extracted := 0
	var keyringBundleBytes []byte

	for _, ent := range manifest.Entries {
		if ent.Kind == "" || ent.RelPath == "" || ent.ZipPath == "" {
			continue
		}
		if ent.ZipPath == "data/vault/keyring.bundle.json" {
			keyringBundleBytes, err = readZipFile(zr, ent.ZipPath)
			if err != nil {
				return RestoreResult{}, err
			}
			continue
		}

		var root string
		switch ent.Kind {
		case "repo":
			root = opts.RepoDir
		case "config":
			root = opts.ConfigDir
		case "data":
			root = opts.DataDir
		default:
			continue
		}
		if root == "" {
			continue
		}
		dest := filepath.Join(root, filepath.FromSlash(ent.RelPath))

		if _, err := os.Stat(dest); err == nil && !opts.Overwrite {
			archivedPath, err := archiveExisting(dest)
			if err != nil {
				return RestoreResult{OK: false, Error: "cannot_archive_existing"}, nil
			}
			archived = append(archived, archivedPath)
		}

		if err := os.MkdirAll(filepath.Dir(dest), 0o700); err != nil {
			return RestoreResult{}, kerr.Wrap(kerr.IO, "create restore directory", err)
		}
		data, err := readZipFile(zr, ent.ZipPath)
		if err != nil {
			return RestoreResult{}, err
		}
		if err := atomicWriteFile(dest, data); err != nil {
			return RestoreResult{}, err
		}
		extracted++
	}

	if opts.RestoreKeyringBundle && keyringBundleBytes != nil {
		if opts.KeyringBundlePassphrase == "" {
			return RestoreResult{OK: false, Error: "missing_keyring_bundle_passphrase"}, nil
		}
		if opts.KeyringDestPath == "" {
			return RestoreResult{OK: false, Error: "missing_keyring_dest_path"}, nil
		}
		if _, err := os.Stat(opts.KeyringDestPath); err == nil && !opts.Overwrite {
			archivedPath, err := archiveExisting(opts.KeyringDestPath)
			if err != nil {
				return RestoreResult{OK: false, Error: "cannot_archive_existing"}, nil
			}
			archived = append(archived, archivedPath)
		}
		var bundle keyring.Bundle
		if err := json.Unmarshal(keyringBundleBytes, &bundle); err != nil {
			return RestoreResult{OK: false, Error: "keyring_bundle_invalid"}, nil
		}
		kr, err := keyring.Load(opts.KeyringDestPath, nil, false)
		if err != nil {
			return RestoreResult{}, err
		}
		if err := kr.ImportBundle(&bundle, opts.KeyringBundlePassphrase); err != nil {
			return RestoreResult{OK: false, Error: "keyring_bundle_invalid"}, nil
		}
		if err := kr.Save(); err != nil {
			return RestoreResult{}, err
		}
	}

	return RestoreResult{OK: true, Extracted: extracted, Archived: archived}, nil
}

func writeZipEntry(zw *zip.Writer, name string, data []byte) error {
	header := &zip.FileHeader{Name: name, Method: zip.Deflate}
	header.SetModTime(time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC))
	w, err := zw.CreateHeader(header)
	if err != nil {
		return kerr.Wrap(kerr.IO, fmt.Sprintf("create zip entry %s", name), err)
	}
	if _, err := w.Write(data); err != nil {
		return kerr.Wrap(kerr.IO, fmt.Sprintf("write zip entry %s", name), err)
	}
	return nil
}

func readZipFile(zr *zip.ReadCloser, name string) ([]byte, error) {
	for _, f := range zr.File {
		if f.Name == name {
			rc, err := f.Open()
			if err != nil {
				return nil, kerr.Wrap(kerr.IO, fmt.Sprintf("open zip entry %s", name), err)
			}
			defer rc.Close()
			return io.ReadAll(rc)
		}
	}
	return nil, kerr.New(kerr.NotFound, fmt.Sprintf("zip entry %s not found", name))
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func listFiles(root string) ([]string, error) {
	var out []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		out = append(out, path)
		return nil
	})
	if err != nil {
		return nil, kerr.Wrap(kerr.IO, "walk data directory", err)
	}
	sort.Strings(out)
	return out, nil
}

// archiveExisting renames dest to a timestamped .bak sibling, matching the
// no-deletion restore policy.
func archiveExisting(dest string) (string, error) {
	ts := time.Now().UTC().Format("20060102T150405Z")
	archived := dest + ".bak." + ts
	if err := os.Rename(dest, archived); err != nil {
		return "", kerr.Wrap(kerr.IO, "archive existing file", err)
	}
	return archived, nil
}

func atomicWriteFile(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".")
	if err != nil {
		return kerr.Wrap(kerr.IO, "create temp restore file", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return kerr.Wrap(kerr.IO, "write temp restore file", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return kerr.Wrap(kerr.IO, "sync temp restore file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return kerr.Wrap(kerr.IO, "close temp restore file", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return kerr.Wrap(kerr.IO, "rename temp restore file", err)
	}
	return nil
}
