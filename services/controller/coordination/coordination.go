// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package coordination computes green-wave phase offsets within a
// coordination cluster so a platoon released at the anchor meets green
// at each downstream signal.
package coordination

import (
	"math"
	"time"

	"github.com/AleutianAI/aegislights/services/controller/graph"
)

// Anchor picks the cluster's reference intersection: the member whose
// outgoing edges carry the highest summed cost, ties broken by lowest
// node id. The heaviest producer of downstream traffic sets the wave.
//
// Inputs:
//   - g: The traffic graph with costs from the current Analyze pass.
//   - cluster: Member node ids. Must be non-empty.
//
// Outputs:
//   - string: The anchor node id, empty for an empty cluster.
func Anchor(g *graph.TrafficGraph, cluster []string) string {
	best := ""
	bestCost := math.Inf(-1)
	for _, id := range cluster {
		var cost float64
		for _, e := range g.Outgoing(id) {
			cost += e.Cost
		}
		if cost > bestCost || (cost == bestCost && (best == "" || id < best)) {
			best = id
			bestCost = cost
		}
	}
	return best
}

// Offsets assigns each cluster member a phase offset: the cumulative
// free-flow travel time from the anchor along the breadth-first tree,
// taken modulo the cycle length. The anchor's offset is zero. Edge
// direction is ignored when walking the tree; free-flow time is the
// same either way on a street segment.
//
// Unreachable members (possible on a disconnected snapshot) fall back
// to offset zero.
//
// Inputs:
//   - g: The traffic graph.
//   - cluster: Member node ids.
//   - cycle: The cycle length of the adaptation being coordinated.
//     Must be positive.
//
// Outputs:
//   - map[string]time.Duration: Offset per cluster member.
func Offsets(g *graph.TrafficGraph, cluster []string, cycle time.Duration) map[string]time.Duration {
	out := make(map[string]time.Duration, len(cluster))
	if len(cluster) == 0 || cycle <= 0 {
		return out
	}

	anchor := Anchor(g, cluster)
	members := make(map[string]bool, len(cluster))
	for _, id := range cluster {
		members[id] = true
		out[id] = 0
	}

	// Breadth-first walk from the anchor accumulating free-flow time.
	// Intermediate unsignalized nodes are traversed but get no offset.
	type item struct {
		node string
		secs float64
	}
	visited := map[string]bool{anchor: true}
	queue := []item{{node: anchor}}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		if members[cur.node] {
			mod := math.Mod(cur.secs, cycle.Seconds())
			out[cur.node] = time.Duration(mod * float64(time.Second))
		}

		for _, e := range g.Outgoing(cur.node) {
			if !visited[e.To] {
				visited[e.To] = true
				queue = append(queue, item{node: e.To, secs: cur.secs + e.FreeFlowTime})
			}
		}
		for _, e := range g.Incoming(cur.node) {
			if !visited[e.From] {
				visited[e.From] = true
				queue = append(queue, item{node: e.From, secs: cur.secs + e.FreeFlowTime})
			}
		}
	}
	return out
}
