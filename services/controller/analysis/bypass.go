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
	"slices"
	"sort"

	"github.com/AleutianAI/aegislights/services/controller/graph"
)

// DefaultMaxBypassHops bounds the depth of the bypass path search.
// Traffic networks are shallow; six hops covers any realistic detour.
const DefaultMaxBypassHops = 6

// Bypass is one alternate route around a hotspot edge.
type Bypass struct {
	// HotspotEdgeID is the edge this route avoids.
	HotspotEdgeID string `json:"hotspot_edge_id"`

	// Nodes is the node-id sequence of the route.
	Nodes []string `json:"nodes"`

	// Edges is the edge-id sequence of the route.
	Edges []string `json:"edges"`

	// Cost is the summed edge cost along the route.
	Cost float64 `json:"cost"`
}

// Hops returns the number of edges in the route.
func (b Bypass) Hops() int { return len(b.Edges) }

// FindBypasses searches loop-free alternate routes around a hotspot edge
// u→v. Candidate routes start at a predecessor of u and end at a
// successor of v, never traverse the hotspot edge itself, and never
// revisit a node. Routes are ranked ascending by total path cost, ties
// broken by fewer hops, then by lexicographic node-id sequence; at most
// k routes are returned.
//
// The search is an explicit-stack bounded-depth DFS with a visited set,
// so cyclic networks cannot recurse unboundedly.
//
// Inputs:
//   - g: The traffic graph (read-only).
//   - hotspotEdgeID: The edge to route around.
//   - k: Maximum number of routes to return.
//   - maxHops: Depth bound for the search (≤0 uses DefaultMaxBypassHops).
//
// Outputs:
//   - []Bypass: Up to k ranked routes. Empty when the network offers none.
func FindBypasses(g *graph.TrafficGraph, hotspotEdgeID string, k, maxHops int) []Bypass {
	hot := g.Edge(hotspotEdgeID)
	if hot == nil || k <= 0 {
		return nil
	}
	if maxHops <= 0 {
		maxHops = DefaultMaxBypassHops
	}

	// Route endpoints: predecessors of u, successors of v.
	var starts, goals []string
	for _, e := range g.Incoming(hot.From) {
		starts = append(starts, e.From)
	}
	goalSet := make(map[string]bool)
	for _, e := range g.Outgoing(hot.To) {
		goalSet[e.To] = true
		goals = append(goals, e.To)
	}
	if len(starts) == 0 || len(goals) == 0 {
		return nil
	}

	var found []Bypass
	for _, start := range starts {
		found = append(found, dfsBypass(g, start, goalSet, hot.ID, maxHops)...)
	}

	sort.Slice(found, func(i, j int) bool {
		if found[i].Cost != found[j].Cost {
			return found[i].Cost < found[j].Cost
		}
		if found[i].Hops() != found[j].Hops() {
			return found[i].Hops() < found[j].Hops()
		}
		return slices.Compare(found[i].Nodes, found[j].Nodes) < 0
	})

	if len(found) > k {
		found = found[:k]
	}
	for i := range found {
		found[i].HotspotEdgeID = hotspotEdgeID
	}
	return found
}

// dfsBypass enumerates loop-free paths from start to any goal node,
// excluding the hotspot edge, up to maxHops deep.
func dfsBypass(g *graph.TrafficGraph, start string, goals map[string]bool, excludeEdge string, maxHops int) []Bypass {
	type frame struct {
		node  string
		nodes []string
		edges []string
		cost  float64
	}

	var out []Bypass
	stack := []frame{{node: start, nodes: []string{start}}}

	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if goals[f.node] && len(f.edges) > 0 {
			out = append(out, Bypass{Nodes: f.nodes, Edges: f.edges, Cost: f.cost})
			// A goal can still be an interior node of a longer route,
			// but longer routes through a goal are never cheaper in
			// hops, so stop here.
			continue
		}
		if len(f.edges) >= maxHops {
			continue
		}

		for _, e := range g.Outgoing(f.node) {
			if e.ID == excludeEdge {
				continue
			}
			if slices.Contains(f.nodes, e.To) {
				continue // loop-free
			}
			nodes := append(slices.Clone(f.nodes), e.To)
			edges := append(slices.Clone(f.edges), e.ID)
			stack = append(stack, frame{node: e.To, nodes: nodes, edges: edges, cost: f.cost + e.Cost})
		}
	}
	return out
}

// Targets are the adaptation targets produced by the Analyze stage.
type Targets struct {
	// Throttle lists hotspot edge ids whose inflow should be restrained.
	Throttle []string `json:"throttle"`

	// Favor lists bypass edge ids whose throughput should be promoted.
	Favor []string `json:"favor"`

	// Intersections lists the signalized node ids touched by either set.
	Intersections []string `json:"intersections"`
}

// BuildTargets derives throttle and favor targets from the hotspot set
// and the discovered bypasses. A bypass edge that is itself a hotspot is
// never favored.
func BuildTargets(g *graph.TrafficGraph, hotspots []string, bypasses []Bypass) Targets {
	hotSet := make(map[string]bool, len(hotspots))
	for _, id := range hotspots {
		hotSet[id] = true
	}

	t := Targets{Throttle: slices.Clone(hotspots)}
	nodeSet := make(map[string]bool)

	for _, id := range hotspots {
		if e := g.Edge(id); e != nil {
			nodeSet[e.From] = true
		}
	}

	favorSet := make(map[string]bool)
	for _, b := range bypasses {
		for _, id := range b.Edges {
			if hotSet[id] || favorSet[id] {
				continue
			}
			favorSet[id] = true
			t.Favor = append(t.Favor, id)
			if e := g.Edge(id); e != nil {
				nodeSet[e.From] = true
			}
		}
	}
	sort.Strings(t.Favor)

	for id := range nodeSet {
		if n := g.Node(id); n != nil && n.Signalized {
			t.Intersections = append(t.Intersections, id)
		}
	}
	sort.Strings(t.Intersections)
	return t
}
