// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package graph implements the in-memory traffic network model.
//
// The TrafficGraph owns every node (intersection) and edge (road segment)
// of the controlled network. Topology is fixed at construction time from
// the network description; per-edge traffic state is replaced once per
// control cycle by the Monitor stage via ApplySnapshot. All other stages
// read the graph without mutating it.
//
// # Thread Safety
//
// TrafficGraph is NOT internally synchronized. The control loop confines
// writes to the Monitor and Execute stages and never overlaps cycles, so
// reads during Analyze and Plan observe a stable snapshot. Callers outside
// the loop (the status API) must go through the knowledge base facade,
// which serializes access.
package graph

import (
	"fmt"
	"sort"
)

// DefaultHistoryWindow is the number of cycles retained per edge for
// rolling averages.
const DefaultHistoryWindow = 10

// Node is a network junction. Signalized nodes are controllable
// intersections; the rest are boundary or virtual nodes that only route
// flow.
type Node struct {
	ID         string
	Signalized bool

	// CurrentPlanID is the signal plan applied most recently by the
	// Execute stage. Empty until the first accepted adaptation.
	CurrentPlanID string

	// Congested and Spillback are derived flags, recomputed on every
	// ApplySnapshot from the node's outgoing edges.
	Congested bool
	Spillback bool
}

// sample is one cycle's observation for an edge.
type sample struct {
	queue      float64
	delay      float64
	throughput float64
}

// Edge is a directed road segment between two nodes. Every Edge belongs
// to exactly one TrafficGraph.
type Edge struct {
	ID           string
	From         string
	To           string
	Capacity     float64
	FreeFlowTime float64 // seconds

	// Current-cycle traffic state, replaced by ApplySnapshot.
	Queue      float64
	Delay      float64
	Throughput float64
	Spillback  bool
	Incident   bool

	// Cost is the weighted congestion cost computed by the Analyze
	// stage. Zero until the first analysis.
	Cost float64

	// Rolling history ring buffer.
	history []sample
	head    int
	filled  int

	// Rolling averages over the history window.
	AvgQueue float64
	AvgDelay float64
}

// record appends one observation to the edge's ring buffer and
// recomputes the rolling averages.
func (e *Edge) record(s sample) {
	if len(e.history) == 0 {
		return
	}
	e.history[e.head] = s
	e.head = (e.head + 1) % len(e.history)
	if e.filled < len(e.history) {
		e.filled++
	}

	var q, d float64
	for i := 0; i < e.filled; i++ {
		q += e.history[i].queue
		d += e.history[i].delay
	}
	e.AvgQueue = q / float64(e.filled)
	e.AvgDelay = d / float64(e.filled)
}

// HistoryLen returns the number of observations currently held in the
// edge's rolling window.
func (e *Edge) HistoryLen() int { return e.filled }

// EdgeSpec describes one edge of the static network topology.
type EdgeSpec struct {
	ID           string  `json:"id" yaml:"id"`
	From         string  `json:"from" yaml:"from"`
	To           string  `json:"to" yaml:"to"`
	Capacity     float64 `json:"capacity" yaml:"capacity"`
	FreeFlowTime float64 `json:"free_flow_seconds" yaml:"free_flow_seconds"`
}

// EdgeUpdate carries one edge's traffic state from a validated simulator
// snapshot into the graph.
type EdgeUpdate struct {
	EdgeID     string
	Queue      float64
	Delay      float64
	Throughput float64
	Spillback  bool
	Incident   bool
}

// TrafficGraph is the runtime network model.
type TrafficGraph struct {
	nodes map[string]*Node
	edges map[string]*Edge
	out   map[string][]*Edge
	in    map[string][]*Edge

	historyWindow int

	// congestionQueueThreshold marks a node congested when any outgoing
	// edge's queue reaches it.
	congestionQueueThreshold float64
}

// Option configures a TrafficGraph at construction time.
type Option func(*TrafficGraph)

// WithHistoryWindow overrides the rolling-average window size.
func WithHistoryWindow(n int) Option {
	return func(g *TrafficGraph) {
		if n > 0 {
			g.historyWindow = n
		}
	}
}

// WithCongestionQueueThreshold overrides the queue length at which a
// node is flagged congested.
func WithCongestionQueueThreshold(q float64) Option {
	return func(g *TrafficGraph) {
		if q > 0 {
			g.congestionQueueThreshold = q
		}
	}
}

// New builds a TrafficGraph from the static network description.
//
// Inputs:
//   - specs: Edge topology. Nodes are created implicitly from endpoints.
//   - signalized: IDs of controllable intersections.
//   - opts: Optional overrides.
//
// Outputs:
//   - *TrafficGraph: The constructed graph.
//   - error: Non-nil on duplicate edge IDs or invalid capacities.
func New(specs []EdgeSpec, signalized []string, opts ...Option) (*TrafficGraph, error) {
	g := &TrafficGraph{
		nodes:                    make(map[string]*Node),
		edges:                    make(map[string]*Edge),
		out:                      make(map[string][]*Edge),
		in:                       make(map[string][]*Edge),
		historyWindow:            DefaultHistoryWindow,
		congestionQueueThreshold: 20,
	}
	for _, o := range opts {
		o(g)
	}

	sig := make(map[string]bool, len(signalized))
	for _, id := range signalized {
		sig[id] = true
	}

	for _, s := range specs {
		if s.ID == "" || s.From == "" || s.To == "" {
			return nil, &ValidationError{Field: "edge", Reason: fmt.Sprintf("incomplete edge spec %+v", s)}
		}
		if _, dup := g.edges[s.ID]; dup {
			return nil, &ValidationError{Field: "edge", Reason: fmt.Sprintf("duplicate edge id %q", s.ID)}
		}
		if s.Capacity <= 0 {
			return nil, &ValidationError{Field: "capacity", Reason: fmt.Sprintf("edge %q capacity must be positive", s.ID)}
		}
		if s.FreeFlowTime < 0 {
			return nil, &ValidationError{Field: "free_flow_seconds", Reason: fmt.Sprintf("edge %q free-flow time must be non-negative", s.ID)}
		}

		for _, nid := range []string{s.From, s.To} {
			if _, ok := g.nodes[nid]; !ok {
				g.nodes[nid] = &Node{ID: nid, Signalized: sig[nid]}
			}
		}

		e := &Edge{
			ID:           s.ID,
			From:         s.From,
			To:           s.To,
			Capacity:     s.Capacity,
			FreeFlowTime: s.FreeFlowTime,
			history:      make([]sample, g.historyWindow),
		}
		g.edges[s.ID] = e
		g.out[s.From] = append(g.out[s.From], e)
		g.in[s.To] = append(g.in[s.To], e)
	}

	return g, nil
}

// ApplySnapshot replaces the traffic state of every referenced edge.
//
// The batch is atomic: if any update references an unknown edge or
// carries a negative queue, delay, or throughput, the entire batch is
// rejected with a ValidationError and no edge is touched.
//
// Inputs:
//   - updates: One entry per edge to refresh.
//
// Outputs:
//   - error: Non-nil (*ValidationError) if the batch was rejected.
func (g *TrafficGraph) ApplySnapshot(updates []EdgeUpdate) error {
	for _, u := range updates {
		if _, ok := g.edges[u.EdgeID]; !ok {
			return &ValidationError{Field: "edge_id", Reason: fmt.Sprintf("unknown edge %q", u.EdgeID)}
		}
		if u.Queue < 0 {
			return &ValidationError{Field: "queue", Reason: fmt.Sprintf("edge %q queue is negative", u.EdgeID)}
		}
		if u.Delay < 0 {
			return &ValidationError{Field: "delay", Reason: fmt.Sprintf("edge %q delay is negative", u.EdgeID)}
		}
		if u.Throughput < 0 {
			return &ValidationError{Field: "throughput", Reason: fmt.Sprintf("edge %q throughput is negative", u.EdgeID)}
		}
	}

	for _, u := range updates {
		e := g.edges[u.EdgeID]
		e.Queue = u.Queue
		e.Delay = u.Delay
		e.Throughput = u.Throughput
		e.Spillback = u.Spillback
		e.Incident = u.Incident
		e.record(sample{queue: u.Queue, delay: u.Delay, throughput: u.Throughput})
	}

	g.refreshNodeFlags()
	return nil
}

// refreshNodeFlags recomputes the derived congestion and spillback flags
// from each node's outgoing edges.
func (g *TrafficGraph) refreshNodeFlags() {
	for _, n := range g.nodes {
		n.Congested = false
		n.Spillback = false
		for _, e := range g.out[n.ID] {
			if e.Queue >= g.congestionQueueThreshold {
				n.Congested = true
			}
			if e.Spillback {
				n.Spillback = true
			}
		}
	}
}

// Node returns a node by id, or nil.
func (g *TrafficGraph) Node(id string) *Node { return g.nodes[id] }

// Edge returns an edge by id, or nil.
func (g *TrafficGraph) Edge(id string) *Edge { return g.edges[id] }

// Edges returns all edges in deterministic (id-sorted) order.
func (g *TrafficGraph) Edges() []*Edge {
	out := make([]*Edge, 0, len(g.edges))
	for _, e := range g.edges {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Nodes returns all nodes in deterministic (id-sorted) order.
func (g *TrafficGraph) Nodes() []*Node {
	out := make([]*Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SignalizedNodes returns all controllable intersections, id-sorted.
func (g *TrafficGraph) SignalizedNodes() []*Node {
	var out []*Node
	for _, n := range g.Nodes() {
		if n.Signalized {
			out = append(out, n)
		}
	}
	return out
}

// Outgoing returns the edges leaving a node.
func (g *TrafficGraph) Outgoing(nodeID string) []*Edge { return g.out[nodeID] }

// Incoming returns the edges entering a node.
func (g *TrafficGraph) Incoming(nodeID string) []*Edge { return g.in[nodeID] }

// CongestedNodes returns nodes currently flagged congested, id-sorted.
func (g *TrafficGraph) CongestedNodes() []*Node {
	var out []*Node
	for _, n := range g.Nodes() {
		if n.Congested {
			out = append(out, n)
		}
	}
	return out
}

// SpillbackEdges returns edges with an active spillback, id-sorted.
func (g *TrafficGraph) SpillbackEdges() []*Edge {
	var out []*Edge
	for _, e := range g.Edges() {
		if e.Spillback {
			out = append(out, e)
		}
	}
	return out
}

// IncidentEdges returns edges with an active incident, id-sorted.
func (g *TrafficGraph) IncidentEdges() []*Edge {
	var out []*Edge
	for _, e := range g.Edges() {
		if e.Incident {
			out = append(out, e)
		}
	}
	return out
}

// EdgeCount returns the number of edges.
func (g *TrafficGraph) EdgeCount() int { return len(g.edges) }
