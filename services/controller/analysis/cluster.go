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
	"sort"

	"github.com/AleutianAI/aegislights/services/controller/graph"
)

// coordinationHopLimit is the maximum number of edges between two
// signalized nodes for them to be considered coordination neighbours.
const coordinationHopLimit = 3

// ClusterIntersections partitions the signalized nodes into coordination
// clusters. Two signalized nodes are adjacent when one is reachable from
// the other within coordinationHopLimit edges (direction ignored);
// clusters are the connected components of that adjacency graph, so each
// signalized node belongs to exactly one cluster.
//
// Outputs:
//   - [][]string: Clusters of node ids. Each cluster and the cluster list
//     are sorted for deterministic output.
func ClusterIntersections(g *graph.TrafficGraph) [][]string {
	signalized := g.SignalizedNodes()
	if len(signalized) == 0 {
		return nil
	}

	// Adjacency over signalized nodes via bounded undirected BFS.
	adj := make(map[string][]string, len(signalized))
	for _, n := range signalized {
		for _, m := range signalizedWithinHops(g, n.ID, coordinationHopLimit) {
			adj[n.ID] = append(adj[n.ID], m)
		}
	}

	// Connected components.
	visited := make(map[string]bool)
	var clusters [][]string
	for _, n := range signalized {
		if visited[n.ID] {
			continue
		}
		var cluster []string
		queue := []string{n.ID}
		visited[n.ID] = true
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			cluster = append(cluster, cur)
			for _, next := range adj[cur] {
				if !visited[next] {
					visited[next] = true
					queue = append(queue, next)
				}
			}
		}
		sort.Strings(cluster)
		clusters = append(clusters, cluster)
	}

	sort.Slice(clusters, func(i, j int) bool { return clusters[i][0] < clusters[j][0] })
	return clusters
}

// signalizedWithinHops returns the other signalized nodes reachable from
// start within the hop limit, ignoring edge direction.
func signalizedWithinHops(g *graph.TrafficGraph, start string, limit int) []string {
	type item struct {
		node string
		hops int
	}
	visited := map[string]bool{start: true}
	queue := []item{{node: start}}
	var out []string

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.hops >= limit {
			continue
		}
		var neighbours []string
		for _, e := range g.Outgoing(cur.node) {
			neighbours = append(neighbours, e.To)
		}
		for _, e := range g.Incoming(cur.node) {
			neighbours = append(neighbours, e.From)
		}
		for _, next := range neighbours {
			if visited[next] {
				continue
			}
			visited[next] = true
			if n := g.Node(next); n != nil && n.Signalized {
				out = append(out, next)
			}
			queue = append(queue, item{node: next, hops: cur.hops + 1})
		}
	}
	return out
}
