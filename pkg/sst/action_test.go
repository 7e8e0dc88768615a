// Copyright 2025 Certen Protocol

package sst

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInferActionNilWithoutDelta(t *testing.T) {
	state := State{StateID: "s2"}
	require.Nil(t, InferAction(nil, nil, nil, &State{StateID: "s1"}, state))
}

func TestInferActionNilWithoutPrevState(t *testing.T) {
	delta := &Delta{DeltaID: "d1"}
	require.Nil(t, InferAction(delta, nil, nil, nil, State{StateID: "s2"}))
}

func TestInferActionClickWhenCursorOverInteractableElement(t *testing.T) {
	prev := State{
		StateID: "s1",
		ElementGraph: ElementGraph{Elements: []Element{
			{ElementID: "btn", Type: "button", BBox: BBox{0, 0, 50, 50}, Interactable: true},
		}},
	}
	state := State{StateID: "s2"}
	delta := &Delta{
		DeltaID: "d1", FromStateID: "s1", ToStateID: "s2",
		Changes: []Change{{Kind: "element.changed", TargetID: "btn", Detail: map[string]any{"bbox_changed": true}}},
		Summary: map[string]int{"element_changed": 1, "total_changes": 1},
	}
	cursor := &Cursor{BBox: BBox{10, 10, 20, 20}}
	action := InferAction(delta, cursor, cursor, &prev, state)
	require.NotNil(t, action)
	require.Equal(t, "click", action.Primary.Kind)
	require.Equal(t, "btn", action.Primary.TargetElementID)
}

func TestInferActionFallsBackToUnknown(t *testing.T) {
	prev := State{StateID: "s1"}
	state := State{StateID: "s2"}
	delta := &Delta{DeltaID: "d1", FromStateID: "s1", ToStateID: "s2", Summary: map[string]int{"total_changes": 0}}
	action := InferAction(delta, nil, nil, &prev, state)
	require.NotNil(t, action)
	require.Equal(t, "unknown", action.Primary.Kind)
}

func TestInferActionScrollFromUniformShift(t *testing.T) {
	prev := State{
		StateID: "s1",
		ElementGraph: ElementGraph{Elements: []Element{
			{ElementID: "row1", Type: "text", BBox: BBox{0, 0, 100, 20}},
		}},
	}
	state := State{
		StateID: "s2",
		ElementGraph: ElementGraph{Elements: []Element{
			{ElementID: "row1", Type: "text", BBox: BBox{0, 100, 100, 120}},
		}},
	}
	delta := &Delta{
		DeltaID: "d1", FromStateID: "s1", ToStateID: "s2",
		Changes: []Change{{Kind: "element.changed", TargetID: "row1", Detail: map[string]any{"bbox_changed": true}}},
		Summary: map[string]int{"element_changed": 1, "total_changes": 1},
	}
	action := InferAction(delta, nil, nil, &prev, state)
	require.NotNil(t, action)
	require.Equal(t, "scroll", action.Primary.Kind)
}

func TestImpactForDeletedWhenManyRemoved(t *testing.T) {
	delta := Delta{Summary: map[string]int{"element_removed": 3, "total_changes": 3}}
	impact := impactFor(delta)
	require.True(t, impact["deleted"])
}
