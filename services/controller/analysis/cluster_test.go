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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/aegislights/services/controller/graph"
)

func chainGraph(t *testing.T, signalized []string, edges ...[2]string) *graph.TrafficGraph {
	t.Helper()
	specs := make([]graph.EdgeSpec, 0, len(edges))
	for _, e := range edges {
		specs = append(specs, graph.EdgeSpec{
			ID: e[0] + "_" + e[1], From: e[0], To: e[1], Capacity: 40, FreeFlowTime: 20,
		})
	}
	g, err := graph.New(specs, signalized)
	require.NoError(t, err)
	return g
}

func TestClusterIntersections_AdjacentSignalsGroup(t *testing.T) {
	g := chainGraph(t, []string{"A", "B", "C"},
		[2]string{"A", "B"}, [2]string{"B", "C"})

	clusters := ClusterIntersections(g)

	require.Len(t, clusters, 1)
	assert.Equal(t, []string{"A", "B", "C"}, clusters[0])
}

func TestClusterIntersections_SplitBeyondHopLimit(t *testing.T) {
	// A and E are both signalized but four unsignalized hops apart.
	g := chainGraph(t, []string{"A", "E"},
		[2]string{"A", "B"}, [2]string{"B", "C"},
		[2]string{"C", "D"}, [2]string{"D", "E"})

	clusters := ClusterIntersections(g)

	require.Len(t, clusters, 2)
	assert.Equal(t, []string{"A"}, clusters[0])
	assert.Equal(t, []string{"E"}, clusters[1])
}

func TestClusterIntersections_ExactlyThreeHopsConnects(t *testing.T) {
	g := chainGraph(t, []string{"A", "D"},
		[2]string{"A", "B"}, [2]string{"B", "C"}, [2]string{"C", "D"})

	clusters := ClusterIntersections(g)

	require.Len(t, clusters, 1)
	assert.Equal(t, []string{"A", "D"}, clusters[0])
}

func TestClusterIntersections_DirectionIgnored(t *testing.T) {
	// Only an edge from B back to A; adjacency must still link them.
	g := chainGraph(t, []string{"A", "B"}, [2]string{"B", "A"})

	clusters := ClusterIntersections(g)

	require.Len(t, clusters, 1)
	assert.Equal(t, []string{"A", "B"}, clusters[0])
}

func TestClusterIntersections_EveryNodeInExactlyOneCluster(t *testing.T) {
	g := chainGraph(t, []string{"A", "B", "X", "Y"},
		[2]string{"A", "B"},
		[2]string{"X", "Y"})

	clusters := ClusterIntersections(g)

	seen := make(map[string]int)
	for _, c := range clusters {
		for _, id := range c {
			seen[id]++
		}
	}
	assert.Equal(t, map[string]int{"A": 1, "B": 1, "X": 1, "Y": 1}, seen)
	require.Len(t, clusters, 2)
}

func TestClusterIntersections_NoSignals(t *testing.T) {
	g := chainGraph(t, nil, [2]string{"A", "B"})
	assert.Empty(t, ClusterIntersections(g))
}
