// Copyright 2025 Certen Protocol

package sst

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMatchIDsNoPreviousStateReturnsUnchanged(t *testing.T) {
	state := State{StateID: "s1", Width: 100, Height: 100, ElementGraph: ElementGraph{Elements: []Element{
		{ElementID: "e1", Type: "button", BBox: BBox{0, 0, 10, 10}},
	}}}
	got := MatchIDs(nil, state)
	require.Equal(t, "e1", got.ElementGraph.Elements[0].ElementID)
}

func TestMatchIDsStableIDAcrossFrames(t *testing.T) {
	prev := State{
		StateID: "s1", Width: 200, Height: 200,
		ElementGraph: ElementGraph{Elements: []Element{
			{ElementID: "btn-old", Type: "button", BBox: BBox{10, 10, 60, 40}},
		}},
	}
	state := State{
		StateID: "s2", Width: 200, Height: 200,
		ElementGraph: ElementGraph{Elements: []Element{
			{ElementID: "btn-new-detection", Type: "button", BBox: BBox{11, 10, 61, 41}},
		}},
	}
	got := MatchIDs(&prev, state)
	require.Equal(t, "btn-old", got.ElementGraph.Elements[0].ElementID)
}

func TestMatchIDsDifferentTypeDoesNotMatch(t *testing.T) {
	prev := State{
		StateID: "s1", Width: 200, Height: 200,
		ElementGraph: ElementGraph{Elements: []Element{
			{ElementID: "old-1", Type: "button", BBox: BBox{10, 10, 60, 40}},
		}},
	}
	state := State{
		StateID: "s2", Width: 200, Height: 200,
		ElementGraph: ElementGraph{Elements: []Element{
			{ElementID: "new-1", Type: "checkbox", BBox: BBox{500, 500, 520, 520}},
		}},
	}
	got := MatchIDs(&prev, state)
	require.Equal(t, "new-1", got.ElementGraph.Elements[0].ElementID)
}

func TestMatchIDsCollisionGetsReassignedSuffix(t *testing.T) {
	prev := State{
		StateID: "s1", Width: 200, Height: 200,
		ElementGraph: ElementGraph{Elements: []Element{
			{ElementID: "shared-id", Type: "button", BBox: BBox{10, 10, 60, 40}},
		}},
	}
	state := State{
		StateID: "s2", Width: 200, Height: 200,
		ElementGraph: ElementGraph{Elements: []Element{
			{ElementID: "shared-id", Type: "checkbox", BBox: BBox{500, 500, 520, 520}},
		}},
	}
	got := MatchIDs(&prev, state)
	require.NotEqual(t, "shared-id", got.ElementGraph.Elements[0].ElementID)
}
