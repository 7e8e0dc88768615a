// Copyright 2025 Certen Protocol

package evidence

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"github.com/certen/autocapture-kernel/pkg/kerr"
)

// RecoveryReport summarizes a recovery pass over incomplete staged writes.
type RecoveryReport struct {
	OK         bool `json:"ok"`
	Recovered  int  `json:"recovered"`
	Skipped    int  `json:"skipped"`
	Candidates int  `json:"candidates"`
}

type journalRow struct {
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload"`
}

type ledgerRow struct {
	EntryID string `json:"entry_id"`
}

// RecoverIncompleteWrites scans dataDir/journal.ndjson for
// evidence.write.begin markers lacking a matching entry_id in
// dataDir/ledger.ndjson, and deterministically completes each: ensure the
// blob exists (never re-creating one that is missing — that is a hard
// failure, not recoverable), ensure metadata exists (re-written from the
// journal's embedded record snapshot if missing), then append the missing
// ledger commit marker.
func RecoverIncompleteWrites(dataDir string, media BlobStore, metadata MetadataStore, events EventSink) (RecoveryReport, error) {
	journalPath := filepath.Join(dataDir, "journal.ndjson")
	ledgerPath := filepath.Join(dataDir, "ledger.ndjson")

	journalRaw, err := os.ReadFile(journalPath)
	if err != nil {
		if os.IsNotExist(err) {
			return RecoveryReport{OK: true}, nil
		}
		return RecoveryReport{}, kerr.Wrap(kerr.IO, "read journal for recovery scan", err)
	}

	begin := map[string]map[string]any{}
	for _, line := range splitNonEmptyLines(journalRaw) {
		var row journalRow
		if err := json.Unmarshal(line, &row); err != nil {
			continue
		}
		if row.EventType != "evidence.write.begin" || row.Payload == nil {
			continue
		}
		txID, _ := row.Payload["tx_id"].(string)
		if txID == "" {
			continue
		}
		begin[txID] = row.Payload
	}

	committed := map[string]bool{}
	if ledgerRaw, err := os.ReadFile(ledgerPath); err == nil {
		for _, line := range splitNonEmptyLines(ledgerRaw) {
			var row ledgerRow
			if err := json.Unmarshal(line, &row); err != nil {
				continue
			}
			if row.EntryID != "" {
				committed[row.EntryID] = true
			}
		}
	} else if !os.IsNotExist(err) {
		return RecoveryReport{}, kerr.Wrap(kerr.IO, "read ledger for recovery scan", err)
	}

	txIDs := make([]string, 0, len(begin))
	for txID := range begin {
		txIDs = append(txIDs, txID)
	}
	sort.Strings(txIDs)

	recovered, skipped := 0, 0
	for _, txID := range txIDs {
		payload := begin[txID]
		if committed[txID] {
			skipped++
			continue
		}
		evidenceID, _ := payload["evidence_id"].(string)
		record, _ := payload["record"].(map[string]any)
		blobSha, _ := payload["blob_sha256"].(string)
		if evidenceID == "" || record == nil {
			skipped++
			continue
		}

		if !media.Has(evidenceID) {
			if events != nil {
				_, _ = events.LedgerEntry("evidence.write.recovery_failed", nil, []string{evidenceID}, map[string]any{
					"tx_id":       txID,
					"blob_sha256": blobSha,
					"reason":      "blob_missing",
				}, "", "")
			}
			skipped++
			continue
		}

		if !metadata.Has(evidenceID) {
			runID, _ := record["run_id"].(string)
			if err := metadata.PutNew(runID, evidenceID, record); err != nil {
				skipped++
				continue
			}
		}

		if events == nil {
			skipped++
			continue
		}
		if _, err := events.LedgerEntry("evidence.write.commit", nil, []string{evidenceID}, map[string]any{
			"schema_version": int64(1),
			"event":          "evidence.write.commit",
			"tx_id":          txID,
			"evidence_id":    evidenceID,
			"blob_sha256":    blobSha,
			"recovered":      true,
		}, txID, ""); err != nil {
			skipped++
			continue
		}
		recovered++
		_, _ = events.JournalEvent("evidence.write.recovered", map[string]any{
			"schema_version": int64(1),
			"event":          "evidence.write.recovered",
			"tx_id":          txID,
			"evidence_id":    evidenceID,
		}, txID, "")
	}

	return RecoveryReport{OK: true, Recovered: recovered, Skipped: skipped, Candidates: len(begin)}, nil
}

func splitNonEmptyLines(raw []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range raw {
		if b == '\n' {
			if i > start {
				lines = append(lines, raw[start:i])
			}
			start = i + 1
		}
	}
	if start < len(raw) {
		lines = append(lines, raw[start:])
	}
	return lines
}
