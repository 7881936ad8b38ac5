// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package incident

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/aegislights/services/controller/analysis"
	"github.com/AleutianAI/aegislights/services/controller/graph"
	"github.com/AleutianAI/aegislights/services/controller/phaselib"
)

// testNetwork builds S -> A -> B -> T with a detour A -> C -> B.
func testNetwork(t *testing.T) (*graph.TrafficGraph, *phaselib.Library) {
	t.Helper()
	specs := []graph.EdgeSpec{
		{ID: "S_A", From: "S", To: "A", Capacity: 40, FreeFlowTime: 20},
		{ID: "A_B", From: "A", To: "B", Capacity: 40, FreeFlowTime: 20},
		{ID: "A_C", From: "A", To: "C", Capacity: 30, FreeFlowTime: 25},
		{ID: "C_B", From: "C", To: "B", Capacity: 30, FreeFlowTime: 25},
		{ID: "B_T", From: "B", To: "T", Capacity: 40, FreeFlowTime: 20},
	}
	g, err := graph.New(specs, []string{"A", "B", "C"})
	require.NoError(t, err)
	return g, phaselib.New([]string{"A", "B", "C"})
}

func bypassAroundAB() []analysis.Bypass {
	return []analysis.Bypass{{
		HotspotEdgeID: "A_B",
		Nodes:         []string{"S", "A", "C", "B", "T"},
		Edges:         []string{"S_A", "A_C", "C_B", "B_T"},
	}}
}

func TestAffectedEdges_MediumSeverity(t *testing.T) {
	g, lib := testNetwork(t)
	h := NewHandler(DefaultConfig(), lib, nil)

	resp := h.Respond(g, []analysis.Incident{
		{EdgeID: "A_B", From: "A", To: "B", Severity: analysis.SeverityMedium},
	}, nil)

	// Primary plus outgoing of B; upstream of A excluded at medium.
	assert.Equal(t, []string{"A_B", "B_T"}, resp.AffectedEdges)
}

func TestAffectedEdges_HighSeverityIncludesUpstream(t *testing.T) {
	g, lib := testNetwork(t)
	h := NewHandler(DefaultConfig(), lib, nil)

	resp := h.Respond(g, []analysis.Incident{
		{EdgeID: "A_B", From: "A", To: "B", Severity: analysis.SeverityHigh},
	}, nil)

	assert.Equal(t, []string{"A_B", "B_T", "S_A"}, resp.AffectedEdges)
}

func TestRespond_BypassModeWhenSpareCapacity(t *testing.T) {
	g, lib := testNetwork(t)
	h := NewHandler(DefaultConfig(), lib, nil)

	resp := h.Respond(g, []analysis.Incident{
		{EdgeID: "A_B", From: "A", To: "B", Severity: analysis.SeverityHigh},
	}, bypassAroundAB())

	assert.Equal(t, ModeBypass, resp.Modes["A_B"])
	// Long-cycle plans bonused on the route's signalized nodes.
	for _, node := range []string{"A", "C", "B"} {
		assert.Positive(t, resp.Biases.Bias(node, phaselib.PlanNSPriority), "node %s", node)
		assert.Positive(t, resp.Biases.Bias(node, phaselib.PlanEWPriority), "node %s", node)
		assert.Zero(t, resp.Biases.Bias(node, phaselib.PlanIncidentClearing), "node %s", node)
	}
}

func TestRespond_ClearingModeWhenBypassSaturated(t *testing.T) {
	g, lib := testNetwork(t)
	// Saturate the detour: C_B queue at capacity.
	require.NoError(t, g.ApplySnapshot([]graph.EdgeUpdate{
		{EdgeID: "C_B", Queue: 30, Delay: 10},
	}))
	h := NewHandler(DefaultConfig(), lib, nil)

	resp := h.Respond(g, []analysis.Incident{
		{EdgeID: "A_B", From: "A", To: "B", Severity: analysis.SeverityMedium},
	}, bypassAroundAB())

	assert.Equal(t, ModeClearing, resp.Modes["A_B"])
	// Short-cycle plan bonused on the nodes touching affected edges.
	assert.Positive(t, resp.Biases.Bias("A", phaselib.PlanIncidentClearing))
	assert.Positive(t, resp.Biases.Bias("B", phaselib.PlanIncidentClearing))
	assert.Zero(t, resp.Biases.Bias("A", phaselib.PlanNSPriority))
	// C is not near the incident.
	assert.Zero(t, resp.Biases.Bias("C", phaselib.PlanIncidentClearing))
}

func TestRespond_ClearingModeWhenNoBypassExists(t *testing.T) {
	g, lib := testNetwork(t)
	h := NewHandler(DefaultConfig(), lib, nil)

	resp := h.Respond(g, []analysis.Incident{
		{EdgeID: "B_T", From: "B", To: "T", Severity: analysis.SeverityMedium},
	}, nil)

	assert.Equal(t, ModeClearing, resp.Modes["B_T"])
	assert.Positive(t, resp.Biases.Bias("B", phaselib.PlanIncidentClearing))
}

func TestRespond_NoIncidents(t *testing.T) {
	g, lib := testNetwork(t)
	h := NewHandler(DefaultConfig(), lib, nil)

	resp := h.Respond(g, nil, nil)

	assert.Empty(t, resp.Modes)
	assert.Empty(t, resp.AffectedEdges)
	assert.Empty(t, resp.Biases)
}
