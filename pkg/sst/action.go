// Copyright 2025 Certen Protocol

package sst

import (
	"sort"

	"github.com/certen/autocapture-kernel/pkg/canon"
)

var actionKinds = map[string]bool{
	"click": true, "double_click": true, "right_click": true, "type": true,
	"scroll": true, "drag": true, "key_shortcut": true, "unknown": true,
}

// InferAction scores a handful of candidate interpretations of what the
// user did between prevState and state (typing, clicking, scrolling,
// dragging) against the delta that separates them, and returns the
// highest-confidence one plus up to two differing alternatives. Returns
// nil if there is no delta or no previous state to compare against.
func InferAction(delta *Delta, cursorPrev, cursorCurr *Cursor, prevState *State, state State) *ActionEvent {
	if delta == nil || prevState == nil {
		return nil
	}
	candidates := []ActionCandidate{
		candType(*delta, *prevState, state),
		candClick(*delta, *prevState, cursorPrev, cursorCurr),
		candScroll(*delta, *prevState, state),
		candDrag(*delta, *prevState, cursorPrev, cursorCurr),
	}
	var scored []ActionCandidate
	for _, c := range candidates {
		if c.ConfidenceBP > 0 {
			scored = append(scored, c)
		}
	}

	var primary ActionCandidate
	var alternatives []ActionCandidate
	if len(scored) == 0 {
		primary = unknownCandidate(*delta)
	} else {
		sort.Slice(scored, func(i, j int) bool {
			if scored[i].ConfidenceBP != scored[j].ConfidenceBP {
				return scored[i].ConfidenceBP > scored[j].ConfidenceBP
			}
			if scored[i].Kind != scored[j].Kind {
				return scored[i].Kind < scored[j].Kind
			}
			return scored[i].TargetElementID < scored[j].TargetElementID
		})
		primary = scored[0]
		for _, c := range scored[1:] {
			if len(alternatives) >= 2 {
				break
			}
			if c.Kind != primary.Kind {
				alternatives = append(alternatives, c)
			}
		}
		if primary.ConfidenceBP < 5000 && len(alternatives) == 0 {
			alternatives = []ActionCandidate{unknownCandidate(*delta)}
		}
	}

	impact := impactFor(*delta)
	actionID := actionID(*delta, primary, alternatives, impact)
	tsMS := state.TsMS
	if tsMS == 0 {
		tsMS = prevState.TsMS
	}
	return &ActionEvent{
		ActionID:     actionID,
		FromStateID:  prevState.StateID,
		ToStateID:    state.StateID,
		TsMS:         tsMS,
		Primary:      primary,
		Alternatives: alternatives,
		Impact:       impact,
	}
}

func candType(delta Delta, prevState State, state State) ActionCandidate {
	focus := state.FocusElementID
	if focus == "" {
		focus = prevState.FocusElementID
	}
	if focus == "" {
		return cand("type", "", 0, map[string]any{"reason": "no_focus"})
	}
	textChanges := 0
	for _, c := range delta.Changes {
		if c.Kind == "element.changed" && boolDetail(c.Detail, "text_changed") {
			textChanges++
		}
	}
	if textChanges <= 0 {
		return cand("type", focus, 0, map[string]any{"reason": "no_text_change"})
	}
	conf := minInt(9800, 5500+500*textChanges)
	return cand("type", focus, conf, map[string]any{"text_changes": textChanges})
}

func candClick(delta Delta, prevState State, cursorPrev, cursorCurr *Cursor) ActionCandidate {
	cursor := cursorCurr
	if cursor == nil {
		cursor = cursorPrev
	}
	if cursor == nil {
		return cand("click", "", 0, map[string]any{"reason": "no_cursor"})
	}
	target := cursorTarget(prevState, *cursor)
	if target == "" {
		return cand("click", "", 0, map[string]any{"reason": "no_target"})
	}
	stateChanges := 0
	for _, c := range delta.Changes {
		if c.Kind == "element.changed" || c.Kind == "element.added" {
			stateChanges++
		}
	}
	if stateChanges <= 0 {
		return cand("click", target, 0, map[string]any{"reason": "no_state_change"})
	}
	conf := minInt(9600, 5200+400*stateChanges)
	return cand("click", target, conf, map[string]any{"state_changes": stateChanges})
}

func candScroll(delta Delta, prevState State, state State) ActionCandidate {
	prevElements := map[string]Element{}
	for _, e := range prevState.ElementGraph.Elements {
		prevElements[e.ElementID] = e
	}
	elements := map[string]Element{}
	for _, e := range state.ElementGraph.Elements {
		elements[e.ElementID] = e
	}
	var ids []string
	for id := range prevElements {
		if _, ok := elements[id]; ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	var shifts []int
	for _, id := range ids {
		old, new := prevElements[id], elements[id]
		dy := (new.BBox[1] - old.BBox[1]) + (new.BBox[3] - old.BBox[3])
		if dy != 0 {
			shifts = append(shifts, dy)
		}
	}
	if len(shifts) == 0 {
		return cand("scroll", "", 0, map[string]any{"reason": "no_shift"})
	}
	total := 0
	for _, s := range shifts {
		total += s
	}
	avgShift := total / maxInt(1, len(shifts))
	magnitude := absInt(avgShift)
	if magnitude < 20 {
		return cand("scroll", "", 0, map[string]any{"reason": "small_shift", "avg_shift": avgShift})
	}
	conf := minInt(9300, 5000+minInt(3000, magnitude*40))
	return cand("scroll", "", conf, map[string]any{"avg_shift": avgShift, "shift_count": len(shifts)})
}

func candDrag(delta Delta, prevState State, cursorPrev, cursorCurr *Cursor) ActionCandidate {
	if cursorCurr == nil {
		return cand("drag", "", 0, map[string]any{"reason": "no_cursor"})
	}
	var changed []Change
	for _, c := range delta.Changes {
		if c.Kind == "element.changed" && boolDetail(c.Detail, "bbox_changed") {
			changed = append(changed, c)
		}
	}
	if len(changed) == 0 {
		return cand("drag", "", 0, map[string]any{"reason": "no_bbox_change"})
	}
	target := cursorTarget(prevState, *cursorCurr)
	if target == "" {
		target = changed[0].TargetID
	}
	moveConf := 0
	if cursorPrev != nil && cursorCurr != nil {
		dx := absInt(cursorCurr.BBox[0] - cursorPrev.BBox[0])
		dy := absInt(cursorCurr.BBox[1] - cursorPrev.BBox[1])
		moveConf = minInt(2000, (dx+dy)*20)
	}
	conf := minInt(9100, 5200+300*len(changed)+moveConf)
	return cand("drag", target, conf, map[string]any{"changed": len(changed)})
}

func cursorTarget(state State, cursor Cursor) string {
	type scored struct {
		iou float64
		el  Element
	}
	var candidates []scored
	for _, el := range state.ElementGraph.Elements {
		if !el.Interactable {
			continue
		}
		iou := BBoxIOU(cursor.BBox, el.BBox)
		if iou <= 0 {
			continue
		}
		candidates = append(candidates, scored{iou, el})
	}
	if len(candidates) == 0 {
		return ""
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].iou != candidates[j].iou {
			return candidates[i].iou > candidates[j].iou
		}
		if candidates[i].el.BBox[1] != candidates[j].el.BBox[1] {
			return candidates[i].el.BBox[1] < candidates[j].el.BBox[1]
		}
		if candidates[i].el.BBox[0] != candidates[j].el.BBox[0] {
			return candidates[i].el.BBox[0] < candidates[j].el.BBox[0]
		}
		return candidates[i].el.ElementID < candidates[j].el.ElementID
	})
	return candidates[0].el.ElementID
}

func impactFor(delta Delta) map[string]bool {
	removed := delta.Summary["element_removed"]
	added := delta.Summary["element_added"]
	tableChanges := delta.Summary["table_cell_changed"]
	return map[string]bool{
		"created":  added > 0 && removed == 0,
		"modified": delta.Summary["total_changes"] > 0,
		"deleted":  removed >= 3 || tableChanges >= 12,
	}
}

func actionID(delta Delta, primary ActionCandidate, alternatives []ActionCandidate, impact map[string]bool) string {
	alts := make([]map[string]any, len(alternatives))
	for i, a := range alternatives {
		alts[i] = map[string]any{"k": a.Kind, "t": a.TargetElementID, "c": a.ConfidenceBP}
	}
	key := map[string]any{
		"delta": delta.DeltaID,
		"primary": map[string]any{
			"kind": primary.Kind, "target": primary.TargetElementID, "conf": primary.ConfidenceBP,
		},
		"alts":   alts,
		"impact": impact,
	}
	digest := HashCanonical(key)
	if len(digest) > 20 {
		digest = digest[:20]
	}
	return canon.EncodeID("action-" + delta.DeltaID + "-" + primary.Kind + "-" + digest)
}

func unknownCandidate(delta Delta) ActionCandidate {
	return cand("unknown", "", 4000, map[string]any{"delta_id": delta.DeltaID})
}

func cand(kind, target string, confidenceBP int, evidence map[string]any) ActionCandidate {
	if !actionKinds[kind] {
		kind = "unknown"
	}
	return ActionCandidate{Kind: kind, TargetElementID: target, ConfidenceBP: BPInt(confidenceBP), Evidence: evidence}
}

func boolDetail(detail map[string]any, key string) bool {
	v, ok := detail[key].(bool)
	return ok && v
}
