// Copyright 2025 Certen Protocol
//
// Binary autocapturectl is the operator-facing entry point: verify and
// replay proof bundles, export them, compact derived state, and roll
// backup bundles and keyring material — the §6 CLI surface. Every
// subcommand wires the same handful of collaborators (keyring, stores,
// ledger, anchor log, event builder, metrics, ledger index) from
// pkg/config so none of them carry their own ad hoc bootstrapping.
package main

import (
	"os"
	"path/filepath"

	dbm "github.com/cometbft/cometbft-db"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/certen/autocapture-kernel/pkg/config"
	"github.com/certen/autocapture-kernel/pkg/eventbuilder"
	"github.com/certen/autocapture-kernel/pkg/journal"
	"github.com/certen/autocapture-kernel/pkg/kerr"
	"github.com/certen/autocapture-kernel/pkg/keyring"
	"github.com/certen/autocapture-kernel/pkg/kvdb"
	"github.com/certen/autocapture-kernel/pkg/ledger"
	"github.com/certen/autocapture-kernel/pkg/metadatastore"
	"github.com/certen/autocapture-kernel/pkg/metrics"
	"github.com/certen/autocapture-kernel/pkg/store"
)

var log = logrus.New()

// app bundles every collaborator a subcommand might need. Not every
// subcommand uses every field; verify/replay only need a keyring, compact
// needs the stores, export needs almost all of it.
type app struct {
	cfg      *config.Config
	keyring  *keyring.KeyRing
	media    *store.BlobStore
	metadata *metadatastore.Store
	ledger   *ledger.Ledger
	anchor   *ledger.AnchorLog
	builder  *eventbuilder.Builder
	metrics  *metrics.Registry
	indexDB  dbm.DB
}

// newApp loads config and opens every on-disk collaborator it describes.
// runID defaults to "operator" for CLI-driven runs, since nothing here is
// tied to a single capture session's run_id the way the capture pipeline
// is.
func newApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, kerr.Wrap(kerr.IO, "load config", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, kerr.Wrap(kerr.Validation, "validate config", err)
	}

	kr, err := keyring.Load(cfg.VaultPath(), keyring.NoopProtector{}, false)
	if err != nil {
		return nil, kerr.Wrap(kerr.Crypto, "load keyring", err)
	}

	media := store.NewBlobStore(cfg.MediaRoot(), kr)
	raw := store.NewMetadataStore(cfg.MetadataRoot(), kr)
	metadataStore := metadatastore.New(raw)

	indexDB, err := dbm.NewDB("ledger_index", dbm.GoLevelDBBackend, cfg.IndexDBDir())
	if err != nil {
		return nil, kerr.Wrap(kerr.IO, "open ledger index db", err)
	}
	l, err := ledger.Open(cfg.LedgerPath(), kvdb.NewKVAdapter(indexDB))
	if err != nil {
		indexDB.Close()
		return nil, kerr.Wrap(kerr.IO, "open ledger", err)
	}
	anchorLog, err := ledger.OpenAnchorLog(cfg.AnchorsPath(), kr, keyring.NoopProtector{})
	if err != nil {
		return nil, kerr.Wrap(kerr.IO, "open anchor log", err)
	}

	j, err := journal.New(cfg.JournalDir(), "operator", "UTC")
	if err != nil {
		return nil, kerr.Wrap(kerr.IO, "open journal", err)
	}

	reg := metrics.New()
	builder := eventbuilder.New("operator", j, l, anchorLog, map[string]any{}, eventbuilder.AnchorSchedule{})
	builder.WithMetrics(reg)

	return &app{
		cfg:      cfg,
		keyring:  kr,
		media:    media,
		metadata: metadataStore,
		ledger:   l,
		anchor:   anchorLog,
		builder:  builder,
		metrics:  reg,
		indexDB:  indexDB,
	}, nil
}

func (a *app) close() {
	if a.ledger != nil {
		_ = a.ledger.Close()
	}
	if a.indexDB != nil {
		_ = a.indexDB.Close()
	}
}

func main() {
	root := &cobra.Command{
		Use:           "autocapturectl",
		Short:         "Operator CLI for the autocapture kernel",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newVerifyCmd(),
		newReplayCmd(),
		newExportCmd(),
		newCompactCmd(),
		newBackupCmd(),
		newKeysCmd(),
		newLedgerCmd(),
	)

	if err := root.Execute(); err != nil {
		log.WithError(err).Error("command failed")
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps a kerr.Kind to the §6 exit code convention: 2 invalid
// arguments, 3 integrity/verification failure, 4 I/O failure, else 1.
func exitCodeFor(err error) int {
	kind := kerr.KindOf(err)
	switch kind {
	case kerr.Validation:
		return 2
	case kerr.Integrity, kerr.Crypto:
		return 3
	case kerr.IO:
		return 4
	default:
		return 1
	}
}

func defaultBundlePath(dir, name string) string {
	if dir == "" {
		dir = "."
	}
	return filepath.Join(dir, name)
}
