// Copyright 2025 Certen Protocol

package sst

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildDeltaNilWithoutPrevState(t *testing.T) {
	state := State{StateID: "s1"}
	require.Nil(t, BuildDelta(nil, state, DeltaParams{}))
}

func TestBuildDeltaNilWhenNothingChanged(t *testing.T) {
	prev := State{StateID: "s1", ElementGraph: ElementGraph{Elements: []Element{
		{ElementID: "e1", Type: "button", BBox: BBox{0, 0, 10, 10}},
	}}}
	state := prev
	state.StateID = "s1"
	require.Nil(t, BuildDelta(&prev, state, DeltaParams{}))
}

func TestBuildDeltaDetectsAddedElement(t *testing.T) {
	prev := State{StateID: "s1"}
	state := State{StateID: "s2", ElementGraph: ElementGraph{Elements: []Element{
		{ElementID: "e1", Type: "button", BBox: BBox{0, 0, 10, 10}},
	}}}
	delta := BuildDelta(&prev, state, DeltaParams{})
	require.NotNil(t, delta)
	require.Equal(t, "s1", delta.FromStateID)
	require.Equal(t, "s2", delta.ToStateID)
	require.Equal(t, 1, delta.Summary["element_added"])
	require.NotEmpty(t, delta.DeltaID)
}

func TestBuildDeltaDetectsTableCellChange(t *testing.T) {
	prev := State{StateID: "s1", Tables: []Table{{
		TableID: "t1", BBox: BBox{0, 0, 100, 100},
		Cells: []TableCell{{Row: 0, Col: 0, Text: "a", NormText: "a"}},
	}}}
	state := State{StateID: "s2", Tables: []Table{{
		TableID: "t1", BBox: BBox{0, 0, 100, 100},
		Cells: []TableCell{{Row: 0, Col: 0, Text: "b", NormText: "b"}},
	}}}
	delta := BuildDelta(&prev, state, DeltaParams{TableMatchIOUBP: 5000})
	require.NotNil(t, delta)
	require.Equal(t, 1, delta.Summary["table_cell_changed"])
}

func TestLineDiffDetectsReplace(t *testing.T) {
	out := LineDiff([]string{"a", "b", "c"}, []string{"a", "x", "c"})
	changes, ok := out["changes"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, changes, 1)
	require.Equal(t, "replace", changes[0]["tag"])
}

func TestLineDiffDetectsInsertAndDelete(t *testing.T) {
	out := LineDiff([]string{"a", "b"}, []string{"a", "b", "c"})
	changes := out["changes"].([]map[string]any)
	require.Len(t, changes, 1)
	require.Equal(t, "insert", changes[0]["tag"])

	out2 := LineDiff([]string{"a", "b", "c"}, []string{"a", "b"})
	changes2 := out2["changes"].([]map[string]any)
	require.Len(t, changes2, 1)
	require.Equal(t, "delete", changes2[0]["tag"])
}

func TestDeltaIDDeterministic(t *testing.T) {
	summary := map[string]int{"total_changes": 1}
	changes := []Change{{Kind: "element.added", TargetID: "e1", Detail: map[string]any{}}}
	id1 := deltaID("s1", "s2", summary, changes)
	id2 := deltaID("s1", "s2", summary, changes)
	require.Equal(t, id1, id2)
}
