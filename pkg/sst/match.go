// Copyright 2025 Certen Protocol

package sst

import (
	"sort"

	"github.com/certen/autocapture-kernel/pkg/canon"
)

type elementSignature struct {
	Type      string
	RelBBox   [4]int
	TextHash  string
	ParentSig *[3]any
}

// MatchIDs assigns stable element IDs to state's element graph by matching
// against prevState's element graph: signature-based cost (1-IOU plus
// type/text/parent-mismatch penalties), greedy lowest-cost-first
// assignment, cost <= 0.7 to accept a match. Unmatched new elements keep
// their own ID unless it collides with a previously-used ID that was not
// reassigned this round, in which case it gets a deterministic
// state-scoped suffix. With no previous state, or either graph being
// empty, state is returned unchanged.
func MatchIDs(prevState *State, state State) State {
	if prevState == nil {
		return state
	}
	prevElements := prevState.ElementGraph.Elements
	elements := state.ElementGraph.Elements
	if len(prevElements) == 0 || len(elements) == 0 {
		return state
	}

	width := maxInt(1, state.Width)
	height := maxInt(1, state.Height)
	prevSig := make(map[string]elementSignature, len(prevElements))
	for _, el := range prevElements {
		prevSig[el.ElementID] = signatureFor(el, *prevState, width, height)
	}
	sig := make(map[string]elementSignature, len(elements))
	for _, el := range elements {
		sig[el.ElementID] = signatureFor(el, state, width, height)
	}
	prevByID := make(map[string]Element, len(prevElements))
	for _, el := range prevElements {
		prevByID[el.ElementID] = el
	}
	newByID := make(map[string]Element, len(elements))
	for _, el := range elements {
		newByID[el.ElementID] = el
	}

	type pair struct {
		cost         float64
		oldID, newID string
	}
	var pairs []pair
	for _, newEl := range elements {
		for _, oldEl := range prevElements {
			cost := matchCost(oldEl, newEl, prevSig[oldEl.ElementID], sig[newEl.ElementID])
			pairs = append(pairs, pair{cost, oldEl.ElementID, newEl.ElementID})
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].cost != pairs[j].cost {
			return pairs[i].cost < pairs[j].cost
		}
		if pairs[i].oldID != pairs[j].oldID {
			return pairs[i].oldID < pairs[j].oldID
		}
		return pairs[i].newID < pairs[j].newID
	})

	assignedOld := map[string]bool{}
	assignedNew := map[string]bool{}
	mapping := map[string]string{}
	reverseMapped := map[string]bool{}
	for _, p := range pairs {
		if p.cost > 0.7 {
			break
		}
		if assignedOld[p.oldID] || assignedNew[p.newID] {
			continue
		}
		assignedOld[p.oldID] = true
		assignedNew[p.newID] = true
		mapping[p.newID] = p.oldID
		reverseMapped[p.oldID] = true
	}

	usedIDs := map[string]bool{}
	for _, el := range prevElements {
		usedIDs[el.ElementID] = true
	}

	tracked := make([]Element, len(elements))
	for i, el := range elements {
		elementID, ok := mapping[el.ElementID]
		if !ok {
			elementID = el.ElementID
		}
		if usedIDs[elementID] && !reverseMapped[elementID] {
			elementID = canon.EncodeID(elementID + "-" + state.StateID)
		}
		usedIDs[elementID] = true
		el.ElementID = elementID
		tracked[i] = el
	}

	sort.SliceStable(tracked, func(i, j int) bool {
		if tracked[i].Z != tracked[j].Z {
			return tracked[i].Z < tracked[j].Z
		}
		if tracked[i].BBox[1] != tracked[j].BBox[1] {
			return tracked[i].BBox[1] < tracked[j].BBox[1]
		}
		if tracked[i].BBox[0] != tracked[j].BBox[0] {
			return tracked[i].BBox[0] < tracked[j].BBox[0]
		}
		return tracked[i].ElementID < tracked[j].ElementID
	})

	state.ElementGraph = ElementGraph{Elements: tracked}
	return state
}

func signatureFor(el Element, state State, width, height int) elementSignature {
	rel := [4]int{
		round10000(el.BBox[0], width),
		round10000(el.BBox[1], height),
		round10000(el.BBox[2], width),
		round10000(el.BBox[3], height),
	}
	textHash := textHashFor(el, state)
	var parentSig *[3]any
	if el.ParentID != "" {
		if parent, ok := elementByID(state, el.ParentID); ok {
			parentSig = &[3]any{parent.Type, round10000(parent.BBox[0], width), round10000(parent.BBox[1], height)}
		}
	}
	typ := el.Type
	if typ == "" {
		typ = "unknown"
	}
	return elementSignature{Type: typ, RelBBox: rel, TextHash: textHash, ParentSig: parentSig}
}

func round10000(v, scale int) int {
	return int(float64(v)*10000/float64(scale) + 0.5)
}

func textHashFor(el Element, state State) string {
	if len(el.TextRefs) == 0 {
		return "empty"
	}
	tokenByID := map[string]Token{}
	for _, t := range state.Tokens {
		tokenByID[t.TokenID] = t
	}
	var texts []string
	for _, ref := range el.TextRefs {
		t := NormText(tokenByID[ref].NormText)
		if t != "" {
			texts = append(texts, t)
		}
	}
	if len(texts) == 0 {
		return "empty"
	}
	return HashCanonical(texts)[:16]
}

func elementByID(state State, id string) (Element, bool) {
	for _, el := range state.ElementGraph.Elements {
		if el.ElementID == id {
			return el, true
		}
	}
	return Element{}, false
}

func matchCost(oldEl, newEl Element, oldSig, newSig elementSignature) float64 {
	iou := BBoxIOU(oldEl.BBox, newEl.BBox)
	cost := 1.0 - iou
	if oldSig.Type != newSig.Type {
		cost += 0.5
	}
	cost += 0.3 * textDistance(oldSig.TextHash, newSig.TextHash)
	if !sameParentSig(oldSig.ParentSig, newSig.ParentSig) {
		cost += 0.2
	}
	return cost
}

func sameParentSig(a, b *[3]any) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	return *a == *b
}

func textDistance(a, b string) float64 {
	if a == b {
		return 0
	}
	if a == "" || b == "" || a == "empty" || b == "empty" {
		return 1
	}
	n := minInt(len(a), len(b))
	shared := 0
	for i := 0; i < n; i++ {
		if a[i] == b[i] {
			shared++
		}
	}
	d := 1 - float64(shared)/float64(maxInt(1, n))
	if d < 0 {
		return 0
	}
	return d
}
