// Copyright 2025 Certen Protocol

package sst

import (
	"sort"

	"github.com/certen/autocapture-kernel/pkg/canon"
)

// DeltaParams configures BuildDelta's change-detection thresholds.
type DeltaParams struct {
	BBoxShiftPx     int
	TableMatchIOUBP int
}

// BuildDelta diffs state against prevState across elements, tables, code
// blocks, and charts, and returns nil if nothing changed (no Delta record
// is persisted for a no-op frame). With no previous state, returns nil.
func BuildDelta(prevState *State, state State, params DeltaParams) *Delta {
	if prevState == nil {
		return nil
	}
	var changes []Change
	changes = append(changes, diffElements(*prevState, state, params.BBoxShiftPx)...)
	changes = append(changes, diffTables(*prevState, state, params.TableMatchIOUBP)...)
	changes = append(changes, diffCode(*prevState, state)...)
	changes = append(changes, diffCharts(*prevState, state)...)
	if len(changes) == 0 {
		return nil
	}
	sort.Slice(changes, func(i, j int) bool {
		ki, kj := changeSortKey(changes[i]), changeSortKey(changes[j])
		return ki < kj
	})
	summary := summarize(changes)
	tsMS := state.TsMS
	if tsMS == 0 {
		tsMS = prevState.TsMS
	}
	deltaID := deltaID(prevState.StateID, state.StateID, summary, changes)
	return &Delta{
		DeltaID:     deltaID,
		FromStateID: prevState.StateID,
		ToStateID:   state.StateID,
		Changes:     changes,
		Summary:     summary,
	}
}

func diffElements(prevState, state State, bboxShiftPx int) []Change {
	prevElements := map[string]Element{}
	for _, el := range prevState.ElementGraph.Elements {
		prevElements[el.ElementID] = el
	}
	elements := map[string]Element{}
	for _, el := range state.ElementGraph.Elements {
		elements[el.ElementID] = el
	}

	var added, removed, common []string
	for id := range elements {
		if _, ok := prevElements[id]; !ok {
			added = append(added, id)
		} else {
			common = append(common, id)
		}
	}
	for id := range prevElements {
		if _, ok := elements[id]; !ok {
			removed = append(removed, id)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	sort.Strings(common)

	var changes []Change
	for _, id := range added {
		changes = append(changes, Change{Kind: "element.added", TargetID: id, Detail: map[string]any{}})
	}
	for _, id := range removed {
		changes = append(changes, Change{Kind: "element.removed", TargetID: id, Detail: map[string]any{}})
	}
	for _, id := range common {
		old, new := prevElements[id], elements[id]
		detail := map[string]any{}
		if BBoxShift(old.BBox, new.BBox) > bboxShiftPx {
			detail["bbox_changed"] = true
		}
		if textHashFor(old, prevState) != textHashFor(new, state) {
			detail["text_changed"] = true
		}
		if old.State != new.State {
			detail["state_changed"] = true
		}
		if len(detail) > 0 {
			changes = append(changes, Change{Kind: "element.changed", TargetID: id, Detail: detail})
		}
	}
	return changes
}

func diffTables(prevState, state State, tableMatchIOUBP int) []Change {
	if len(prevState.Tables) == 0 || len(state.Tables) == 0 {
		return nil
	}
	threshold := float64(tableMatchIOUBP) / 10000.0
	if threshold < 0 {
		threshold = 0
	}
	if threshold > 1 {
		threshold = 1
	}

	type match struct {
		iou      float64
		old, new Table
	}
	var matches []match
	for _, newT := range state.Tables {
		for _, oldT := range prevState.Tables {
			matches = append(matches, match{BBoxIOU(oldT.BBox, newT.BBox), oldT, newT})
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].iou != matches[j].iou {
			return matches[i].iou > matches[j].iou
		}
		if matches[i].old.TableID != matches[j].old.TableID {
			return matches[i].old.TableID < matches[j].old.TableID
		}
		return matches[i].new.TableID < matches[j].new.TableID
	})

	usedOld := map[string]bool{}
	usedNew := map[string]bool{}
	type paired struct{ old, new Table }
	var pairs []paired
	for _, m := range matches {
		if m.iou < threshold {
			break
		}
		if usedOld[m.old.TableID] || usedNew[m.new.TableID] {
			continue
		}
		usedOld[m.old.TableID] = true
		usedNew[m.new.TableID] = true
		pairs = append(pairs, paired{m.old, m.new})
	}

	var changes []Change
	for _, p := range pairs {
		type addr struct{ r, c int }
		oldCells := map[addr]TableCell{}
		for _, cell := range p.old.Cells {
			oldCells[addr{cell.Row, cell.Col}] = cell
		}
		newCells := map[addr]TableCell{}
		for _, cell := range p.new.Cells {
			newCells[addr{cell.Row, cell.Col}] = cell
		}
		addrSet := map[addr]bool{}
		for a := range oldCells {
			addrSet[a] = true
		}
		for a := range newCells {
			addrSet[a] = true
		}
		addrs := make([]addr, 0, len(addrSet))
		for a := range addrSet {
			addrs = append(addrs, a)
		}
		sort.Slice(addrs, func(i, j int) bool {
			if addrs[i].r != addrs[j].r {
				return addrs[i].r < addrs[j].r
			}
			return addrs[i].c < addrs[j].c
		})
		for _, a := range addrs {
			before := NormText(oldCells[a].NormText)
			after := NormText(newCells[a].NormText)
			if before == after {
				continue
			}
			changes = append(changes, Change{
				Kind:     "table.cell_changed",
				TargetID: p.new.TableID,
				Detail:   map[string]any{"r": a.r, "c": a.c, "before": before, "after": after},
			})
		}
	}
	return changes
}

func diffCode(prevState, state State) []Change {
	prevBlocks := map[string]CodeBlock{}
	for _, b := range prevState.CodeBlocks {
		prevBlocks[b.BlockID] = b
	}
	blocks := map[string]CodeBlock{}
	for _, b := range state.CodeBlocks {
		blocks[b.BlockID] = b
	}
	if len(prevBlocks) == 0 || len(blocks) == 0 {
		return nil
	}
	var ids []string
	for id := range prevBlocks {
		if _, ok := blocks[id]; ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	var changes []Change
	for _, id := range ids {
		old, new := prevBlocks[id], blocks[id]
		if old.Text == new.Text {
			continue
		}
		diff := LineDiff(old.Lines, new.Lines)
		changes = append(changes, Change{Kind: "code.changed", TargetID: id, Detail: diff})
	}
	return changes
}

func diffCharts(prevState, state State) []Change {
	prevCharts := map[string]Chart{}
	for _, c := range prevState.Charts {
		prevCharts[c.ChartID] = c
	}
	charts := map[string]Chart{}
	for _, c := range state.Charts {
		charts[c.ChartID] = c
	}
	if len(prevCharts) == 0 || len(charts) == 0 {
		return nil
	}
	var ids []string
	for id := range prevCharts {
		if _, ok := charts[id]; ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	var changes []Change
	for _, id := range ids {
		old, new := prevCharts[id], charts[id]
		if !intSliceEqual(old.TicksY, new.TicksY) {
			changes = append(changes, Change{
				Kind:     "chart.ticks_changed",
				TargetID: id,
				Detail:   map[string]any{"before": old.TicksY, "after": new.TicksY},
			})
		}
	}
	return changes
}

func intSliceEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// opcode is one difflib-style line-diff operation.
type opcode struct {
	Tag string   `json:"tag"`
	Old []string `json:"old"`
	New []string `json:"new"`
	I1  int      `json:"i1"`
	I2  int      `json:"i2"`
	J1  int      `json:"j1"`
	J2  int      `json:"j2"`
}

// LineDiff returns a difflib.SequenceMatcher-style opcode list (equal runs
// omitted) describing how to turn oldLines into newLines, computed via an
// LCS-based alignment rather than difflib's junk-heuristic matcher — both
// converge on the same minimal-edit opcodes for source-code-sized inputs.
func LineDiff(oldLines, newLines []string) map[string]any {
	opcodes := lineDiffOpcodes(oldLines, newLines)
	out := make([]map[string]any, 0, len(opcodes))
	for _, op := range opcodes {
		out = append(out, map[string]any{
			"tag": op.Tag, "old": op.Old, "new": op.New,
			"i1": op.I1, "i2": op.I2, "j1": op.J1, "j2": op.J2,
		})
	}
	return map[string]any{"changes": out}
}

func lineDiffOpcodes(a, b []string) []opcode {
	n, m := len(a), len(b)
	lcs := make([][]int, n+1)
	for i := range lcs {
		lcs[i] = make([]int, m+1)
	}
	for i := n - 1; i >= 0; i-- {
		for j := m - 1; j >= 0; j-- {
			if a[i] == b[j] {
				lcs[i][j] = lcs[i+1][j+1] + 1
			} else if lcs[i+1][j] >= lcs[i][j+1] {
				lcs[i][j] = lcs[i+1][j]
			} else {
				lcs[i][j] = lcs[i][j+1]
			}
		}
	}

	var opcodes []opcode
	i, j := 0, 0
	eqStart := -1
	flushRange := func(i1, i2, j1, j2 int) {
		if i1 == i2 && j1 == j2 {
			return
		}
		tag := "replace"
		switch {
		case i1 == i2:
			tag = "insert"
		case j1 == j2:
			tag = "delete"
		}
		opcodes = append(opcodes, opcode{Tag: tag, Old: append([]string(nil), a[i1:i2]...), New: append([]string(nil), b[j1:j2]...), I1: i1, I2: i2, J1: j1, J2: j2})
	}
	changeStartI, changeStartJ := 0, 0
	for i < n && j < m {
		if a[i] == b[j] {
			if eqStart == -1 {
				flushRange(changeStartI, i, changeStartJ, j)
				eqStart = i
			}
			i++
			j++
			continue
		}
		if eqStart != -1 {
			changeStartI, changeStartJ = i, j
			eqStart = -1
		}
		if lcs[i+1][j] >= lcs[i][j+1] {
			i++
		} else {
			j++
		}
	}
	if eqStart != -1 {
		changeStartI, changeStartJ = i, j
	}
	flushRange(changeStartI, n, changeStartJ, m)
	return opcodes
}

func changeSortKey(c Change) string {
	return c.Kind + "\x00" + c.TargetID + "\x00" + HashCanonical(c.Detail)
}

func summarize(changes []Change) map[string]int {
	summary := map[string]int{
		"element_added": 0, "element_removed": 0, "element_changed": 0,
		"table_cell_changed": 0, "code_changed": 0, "chart_changed": 0,
		"total_changes": len(changes),
	}
	for _, c := range changes {
		switch c.Kind {
		case "element.added":
			summary["element_added"]++
		case "element.removed":
			summary["element_removed"]++
		case "element.changed":
			summary["element_changed"]++
		case "table.cell_changed":
			summary["table_cell_changed"]++
		case "code.changed":
			summary["code_changed"]++
		case "chart.ticks_changed":
			summary["chart_changed"]++
		}
	}
	return summary
}

func deltaID(fromStateID, toStateID string, summary map[string]int, changes []Change) string {
	changeHashes := make([]string, len(changes))
	for i, c := range changes {
		changeHashes[i] = HashCanonical(map[string]any{"k": c.Kind, "t": c.TargetID, "d": c.Detail})
	}
	key := map[string]any{
		"from": fromStateID, "to": toStateID, "summary": summary, "change_hashes": changeHashes,
	}
	digest := HashCanonical(key)
	if len(digest) > 20 {
		digest = digest[:20]
	}
	return canon.EncodeID("delta-" + fromStateID + "-" + toStateID + "-" + digest)
}
