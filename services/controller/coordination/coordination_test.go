// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package coordination

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/aegislights/services/controller/graph"
)

// arterial builds a one-way corridor A -> B -> C with 30s and 25s
// free-flow segments.
func arterial(t *testing.T) *graph.TrafficGraph {
	t.Helper()
	specs := []graph.EdgeSpec{
		{ID: "A_B", From: "A", To: "B", Capacity: 40, FreeFlowTime: 30},
		{ID: "B_C", From: "B", To: "C", Capacity: 40, FreeFlowTime: 25},
	}
	g, err := graph.New(specs, []string{"A", "B", "C"})
	require.NoError(t, err)
	return g
}

func TestAnchor_HighestOutgoingCost(t *testing.T) {
	g := arterial(t)
	g.Edge("A_B").Cost = 50
	g.Edge("B_C").Cost = 10

	assert.Equal(t, "A", Anchor(g, []string{"A", "B", "C"}))
}

func TestAnchor_TieBreaksLowestID(t *testing.T) {
	g := arterial(t)
	// All outgoing cost sums are zero; lowest id wins.
	assert.Equal(t, "A", Anchor(g, []string{"C", "B", "A"}))
	assert.Empty(t, Anchor(g, nil))
}

func TestOffsets_CumulativeFreeFlowFromAnchor(t *testing.T) {
	g := arterial(t)
	g.Edge("A_B").Cost = 50 // anchor A

	offsets := Offsets(g, []string{"A", "B", "C"}, 100*time.Second)

	assert.Equal(t, time.Duration(0), offsets["A"])
	assert.Equal(t, 30*time.Second, offsets["B"])
	assert.Equal(t, 55*time.Second, offsets["C"])
}

func TestOffsets_WrapAtCycleLength(t *testing.T) {
	g := arterial(t)
	g.Edge("A_B").Cost = 50

	offsets := Offsets(g, []string{"A", "B", "C"}, 40*time.Second)

	// 30 mod 40 = 30; 55 mod 40 = 15.
	assert.Equal(t, 30*time.Second, offsets["B"])
	assert.Equal(t, 15*time.Second, offsets["C"])
}

func TestOffsets_TraversesUnsignalizedIntermediates(t *testing.T) {
	specs := []graph.EdgeSpec{
		{ID: "A_X", From: "A", To: "X", Capacity: 40, FreeFlowTime: 10},
		{ID: "X_B", From: "X", To: "B", Capacity: 40, FreeFlowTime: 15},
	}
	g, err := graph.New(specs, []string{"A", "B"})
	require.NoError(t, err)
	g.Edge("A_X").Cost = 5

	offsets := Offsets(g, []string{"A", "B"}, 100*time.Second)

	require.Len(t, offsets, 2)
	assert.Equal(t, 25*time.Second, offsets["B"])
	_, hasX := offsets["X"]
	assert.False(t, hasX)
}

func TestOffsets_AgainstEdgeDirection(t *testing.T) {
	// Anchor downstream of A; A is still reachable against the flow
	// direction of A_B.
	specs := []graph.EdgeSpec{
		{ID: "A_B", From: "A", To: "B", Capacity: 40, FreeFlowTime: 30},
		{ID: "B_C", From: "B", To: "C", Capacity: 40, FreeFlowTime: 20},
	}
	g, err := graph.New(specs, []string{"A", "B"})
	require.NoError(t, err)
	g.Edge("B_C").Cost = 99 // B anchors

	offsets := Offsets(g, []string{"A", "B"}, 100*time.Second)

	assert.Equal(t, time.Duration(0), offsets["B"])
	assert.Equal(t, 30*time.Second, offsets["A"])
}

func TestOffsets_EmptyAndInvalidCycle(t *testing.T) {
	g := arterial(t)
	assert.Empty(t, Offsets(g, nil, 100*time.Second))
	assert.Empty(t, Offsets(g, []string{"A"}, 0))
}
