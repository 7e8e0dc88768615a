// Copyright 2025 Certen Protocol

package sst

import (
	"sort"
	"unicode"

	"github.com/certen/autocapture-kernel/pkg/canon"
)

// BuildStateInput carries every extracted artifact for one normalized
// frame, ready to be stitched into a content-addressed State.
type BuildStateInput struct {
	RunID        string
	FrameID      string
	TsMS         int64
	PHash        string
	ImageSha256  string
	Width        int
	Height       int
	Tokens       []Token
	ElementGraph ElementGraph
	Lines        []Line
	Blocks       []Block
	Tables       []Table
	Spreadsheets []Table
	CodeBlocks   []CodeBlock
	Charts       []Chart
	Cursor       *Cursor
	WindowTitle  string
}

// BuildState stitches extraction output into one content-addressed State.
// The state_id is derived from the run, phash, and a hash of the tokens'
// stable fields (text, bbox, confidence) — two frames with the same visual
// content and the same OCR output collapse onto the same state_id even if
// token ordering or diagnostics differ between runs.
func BuildState(in BuildStateInput) State {
	type tokenKey struct {
		NormText     string `json:"norm_text"`
		BBox         BBox   `json:"bbox"`
		ConfidenceBP int    `json:"confidence_bp"`
	}
	tokensKey := make([]tokenKey, len(in.Tokens))
	for i, t := range in.Tokens {
		tokensKey[i] = tokenKey{NormText: t.NormText, BBox: t.BBox, ConfidenceBP: t.ConfidenceBP}
	}
	sort.Slice(tokensKey, func(i, j int) bool {
		a, b := tokensKey[i], tokensKey[j]
		for k := 0; k < 4; k++ {
			if a.BBox[k] != b.BBox[k] {
				return a.BBox[k] < b.BBox[k]
			}
		}
		if a.NormText != b.NormText {
			return a.NormText < b.NormText
		}
		return a.ConfidenceBP < b.ConfidenceBP
	})
	tokensHash := "empty"
	if len(tokensKey) > 0 {
		h := HashCanonical(tokensKey)
		if len(h) > 16 {
			h = h[:16]
		}
		tokensHash = h
	}
	stateID := canon.EncodeID("state-" + in.RunID + "-" + in.PHash + "-" + tokensHash)

	visibleApps := visibleAppsFor(in.Tokens, in.WindowTitle)
	focusElementID := focusElementFor(in.ElementGraph, in.Cursor)
	confidence := stateConfidence(in.Tokens, in.Tables, in.Spreadsheets, in.CodeBlocks, in.Charts)

	return State{
		StateID:        stateID,
		RunID:          in.RunID,
		TsMS:           in.TsMS,
		ImageSha256:    in.ImageSha256,
		PHash:          in.PHash,
		Width:          in.Width,
		Height:         in.Height,
		WindowTitle:    in.WindowTitle,
		VisibleApps:    visibleApps,
		Tokens:         in.Tokens,
		Lines:          in.Lines,
		Blocks:         in.Blocks,
		Tables:         in.Tables,
		Spreadsheets:   in.Spreadsheets,
		CodeBlocks:     in.CodeBlocks,
		Charts:         in.Charts,
		ElementGraph:   in.ElementGraph,
		Cursor:         in.Cursor,
		FocusElementID: focusElementID,
		ConfidenceBP:   confidence,
	}
}

func visibleAppsFor(tokens []Token, windowTitle string) []string {
	var apps []string
	if windowTitle != "" {
		apps = append(apps, NormText(windowTitle))
	}
	top := append([]Token(nil), tokens...)
	sort.Slice(top, func(i, j int) bool {
		if top[i].BBox[1] != top[j].BBox[1] {
			return top[i].BBox[1] < top[j].BBox[1]
		}
		if top[i].BBox[0] != top[j].BBox[0] {
			return top[i].BBox[0] < top[j].BBox[0]
		}
		return top[i].TokenID < top[j].TokenID
	})
	if len(top) > 12 {
		top = top[:12]
	}
	for _, t := range top {
		text := NormText(t.Text)
		if text == "" || len(text) > 64 || isAllDigits(text) {
			continue
		}
		apps = append(apps, text)
	}
	seen := map[string]bool{}
	var uniq []string
	for _, a := range apps {
		if seen[a] {
			continue
		}
		seen[a] = true
		uniq = append(uniq, a)
		if len(uniq) == 8 {
			break
		}
	}
	return uniq
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

func focusElementFor(graph ElementGraph, cursor *Cursor) string {
	if cursor == nil {
		return ""
	}
	cb := cursor.BBox
	cx := (cb[0] + cb[2]) / 2
	cy := (cb[1] + cb[3]) / 2
	var candidates []Element
	for _, el := range graph.Elements {
		if el.BBox[0] <= cx && cx < el.BBox[2] && el.BBox[1] <= cy && cy < el.BBox[3] && el.Interactable {
			candidates = append(candidates, el)
		}
	}
	if len(candidates) == 0 {
		return ""
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Z != candidates[j].Z {
			return candidates[i].Z < candidates[j].Z
		}
		if candidates[i].BBox[1] != candidates[j].BBox[1] {
			return candidates[i].BBox[1] < candidates[j].BBox[1]
		}
		if candidates[i].BBox[0] != candidates[j].BBox[0] {
			return candidates[i].BBox[0] < candidates[j].BBox[0]
		}
		return candidates[i].ElementID < candidates[j].ElementID
	})
	return candidates[0].ElementID
}

func stateConfidence(tokens []Token, tables, spreadsheets []Table, codeBlocks []CodeBlock, charts []Chart) int {
	var base int
	if len(tokens) == 0 {
		base = 4000
	} else {
		total := 0
		for _, t := range tokens {
			total += t.ConfidenceBP
		}
		avg := total / maxInt(1, len(tokens))
		base = maxInt(3000, minInt(9500, avg))
	}
	boost := 0
	if len(tables) > 0 {
		boost += 400
	}
	if len(spreadsheets) > 0 {
		boost += 300
	}
	if len(codeBlocks) > 0 {
		boost += 300
	}
	if len(charts) > 0 {
		boost += 200
	}
	return BP(float64(base+boost) / 10000.0)
}
