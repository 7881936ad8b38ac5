// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package analysis

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/aegislights/services/controller/graph"
)

func lineSpecs() []graph.EdgeSpec {
	return []graph.EdgeSpec{
		{ID: "A_B", From: "A", To: "B", Capacity: 40, FreeFlowTime: 30},
		{ID: "B_C", From: "B", To: "C", Capacity: 40, FreeFlowTime: 25},
	}
}

func TestEdgeCost_WeightedSum(t *testing.T) {
	w := CostWeights{Delay: 1.0, Queue: 0.5, Spillback: 10.0, Incident: 20.0}

	tests := []struct {
		name string
		edge graph.Edge
		want float64
	}{
		{"free flowing", graph.Edge{Delay: 0, Queue: 0}, 0},
		{"delay and queue", graph.Edge{Delay: 12, Queue: 8}, 16},
		{"spillback penalty", graph.Edge{Delay: 5, Queue: 2, Spillback: true}, 16},
		{"incident penalty", graph.Edge{Delay: 5, Queue: 2, Incident: true}, 26},
		{"both penalties", graph.Edge{Delay: 0, Queue: 0, Spillback: true, Incident: true}, 30},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, EdgeCost(&tt.edge, w), 1e-9)
		})
	}
}

func TestEdgeCost_MonotoneInInputs(t *testing.T) {
	w := DefaultCostWeights()
	base := graph.Edge{Delay: 4, Queue: 6}
	worse := graph.Edge{Delay: 5, Queue: 6}

	assert.Greater(t, EdgeCost(&worse, w), EdgeCost(&base, w))

	worse = graph.Edge{Delay: 4, Queue: 7}
	assert.Greater(t, EdgeCost(&worse, w), EdgeCost(&base, w))

	worse = graph.Edge{Delay: 4, Queue: 6, Spillback: true}
	assert.Greater(t, EdgeCost(&worse, w), EdgeCost(&base, w))
}

func TestBreakdown_SumsToTotal(t *testing.T) {
	w := DefaultCostWeights()
	e := graph.Edge{ID: "A_B", Delay: 7, Queue: 3, Spillback: true}

	b := Breakdown(&e, w)

	assert.Equal(t, "A_B", b.EdgeID)
	assert.InDelta(t, 7.0, b.DelayComponent, 1e-9)
	assert.InDelta(t, 1.5, b.QueueComponent, 1e-9)
	assert.InDelta(t, 10.0, b.SpillbackComponent, 1e-9)
	assert.Zero(t, b.IncidentComponent)
	assert.InDelta(t, EdgeCost(&e, w), b.Total, 1e-9)
}

func TestPercentile_LinearInterpolation(t *testing.T) {
	values := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}

	// rank = 0.70 * 9 = 6.3, between 7 and 8.
	assert.InDelta(t, 7.3, Percentile(values, 70), 1e-9)
	assert.InDelta(t, 1, Percentile(values, 0), 1e-9)
	assert.InDelta(t, 10, Percentile(values, 100), 1e-9)
	assert.InDelta(t, 5.5, Percentile(values, 50), 1e-9)
}

func TestPercentile_EdgeCases(t *testing.T) {
	assert.True(t, math.IsNaN(Percentile(nil, 70)))
	assert.InDelta(t, 42, Percentile([]float64{42}, 70), 1e-9)
	// Out-of-range p clamps to the extremes.
	assert.InDelta(t, 1, Percentile([]float64{1, 2, 3}, -5), 1e-9)
	assert.InDelta(t, 3, Percentile([]float64{1, 2, 3}, 150), 1e-9)
}

func TestHotspots_InclusiveThreshold(t *testing.T) {
	costs := make(map[string]float64, 10)
	for i := 1; i <= 10; i++ {
		costs[fmt.Sprintf("e%02d", i)] = float64(i)
	}

	hot, threshold := Hotspots(costs, 70)

	require.InDelta(t, 7.3, threshold, 1e-9)
	assert.Equal(t, []string{"e08", "e09", "e10"}, hot)
}

func TestHotspots_HigherPercentileNeverAddsEdges(t *testing.T) {
	costs := map[string]float64{
		"a": 2, "b": 11, "c": 5, "d": 30, "e": 5, "f": 19, "g": 0,
	}

	low, _ := Hotspots(costs, 50)
	high, _ := Hotspots(costs, 90)

	lowSet := make(map[string]bool, len(low))
	for _, id := range low {
		lowSet[id] = true
	}
	for _, id := range high {
		assert.True(t, lowSet[id], "edge %s hot at P90 but not at P50", id)
	}
}

func TestHotspots_UniformCostsAreAllHot(t *testing.T) {
	costs := map[string]float64{"a": 4, "b": 4, "c": 4}

	hot, threshold := Hotspots(costs, 70)

	assert.InDelta(t, 4, threshold, 1e-9)
	assert.Equal(t, []string{"a", "b", "c"}, hot)
}

func TestComputeCosts_StoresOnEdges(t *testing.T) {
	g, err := graph.New(lineSpecs(), []string{"B"})
	require.NoError(t, err)
	require.NoError(t, g.ApplySnapshot([]graph.EdgeUpdate{
		{EdgeID: "A_B", Queue: 10, Delay: 6},
	}))

	costs := ComputeCosts(g, DefaultCostWeights())

	assert.InDelta(t, 11, costs["A_B"], 1e-9)
	assert.InDelta(t, 11, g.Edge("A_B").Cost, 1e-9)
	assert.Zero(t, costs["B_C"])
}
