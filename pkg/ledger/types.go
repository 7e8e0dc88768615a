// Copyright 2025 Certen Protocol

package ledger

// Entry is one hash-chained ledger entry. entry_hash is computed over the
// canonical JSON of every other field plus the previous entry's hash, so
// flipping any field, or splicing entries, breaks the chain at that point.
type Entry struct {
	RecordType         string         `json:"record_type"`
	SchemaVersion      int            `json:"schema_version"`
	EntryID            string         `json:"entry_id"`
	TsUTC              string         `json:"ts_utc"`
	Stage              string         `json:"stage"`
	Inputs             []string       `json:"inputs"`
	Outputs            []string       `json:"outputs"`
	PolicySnapshotHash string         `json:"policy_snapshot_hash"`
	Payload            map[string]any `json:"payload,omitempty"`
	PrevHash           string         `json:"prev_hash"`
	EntryHash          string         `json:"entry_hash"`
}

// ToCanonical returns the map form used for canonical JSON hashing, with
// entry_hash already excluded (it is the hash being computed).
func (e Entry) ToCanonical() map[string]any {
	m := map[string]any{
		"record_type":          e.RecordType,
		"schema_version":       int64(e.SchemaVersion),
		"entry_id":             e.EntryID,
		"ts_utc":               e.TsUTC,
		"stage":                e.Stage,
		"inputs":               toAnySlice(e.Inputs),
		"outputs":              toAnySlice(e.Outputs),
		"policy_snapshot_hash": e.PolicySnapshotHash,
		"prev_hash":            e.PrevHash,
	}
	if e.Payload != nil {
		m["payload"] = e.Payload
	}
	return m
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// AnchorRecord is a periodic signed commitment to the ledger's current head
// hash.
type AnchorRecord struct {
	AnchorSeq      int64     `json:"anchor_seq"`
	TsUTC          string    `json:"ts_utc"`
	LedgerHeadHash string    `json:"ledger_head_hash"`
	AnchorKeyID    string    `json:"anchor_key_id,omitempty"`
	AnchorHMAC     string    `json:"anchor_hmac,omitempty"`
}

// ToCanonical returns the map form used to compute/verify anchor_hmac, with
// anchor_hmac and anchor_key_id excluded.
func (a AnchorRecord) ToCanonical() map[string]any {
	return map[string]any{
		"anchor_seq":       a.AnchorSeq,
		"ts_utc":           a.TsUTC,
		"ledger_head_hash": a.LedgerHeadHash,
	}
}
