// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package analysis implements the Analyze stage of the control loop:
// per-edge congestion costing, percentile-based hotspot detection,
// alternate-route (bypass) search, exponential trend smoothing, and
// coordination clustering.
package analysis

import (
	"math"
	"sort"

	"github.com/AleutianAI/aegislights/services/controller/graph"
)

// CostWeights are the coefficients of the edge cost function
//
//	cost(e) = Delay·delay + Queue·queue + Spillback·[spillback] + Incident·[incident]
type CostWeights struct {
	Delay     float64 `json:"delay" yaml:"delay"`
	Queue     float64 `json:"queue" yaml:"queue"`
	Spillback float64 `json:"spillback" yaml:"spillback"`
	Incident  float64 `json:"incident" yaml:"incident"`
}

// DefaultCostWeights returns the standard coefficients (1.0, 0.5, 10.0, 20.0).
func DefaultCostWeights() CostWeights {
	return CostWeights{Delay: 1.0, Queue: 0.5, Spillback: 10.0, Incident: 20.0}
}

// EdgeCost computes the congestion cost of a single edge.
func EdgeCost(e *graph.Edge, w CostWeights) float64 {
	c := w.Delay*e.Delay + w.Queue*e.Queue
	if e.Spillback {
		c += w.Spillback
	}
	if e.Incident {
		c += w.Incident
	}
	return c
}

// CostBreakdown is the per-component decomposition of one edge's cost,
// exposed over the status API for explainability.
type CostBreakdown struct {
	EdgeID             string  `json:"edge_id"`
	Total              float64 `json:"total"`
	DelayComponent     float64 `json:"delay_component"`
	QueueComponent     float64 `json:"queue_component"`
	SpillbackComponent float64 `json:"spillback_component"`
	IncidentComponent  float64 `json:"incident_component"`
}

// Breakdown decomposes an edge's cost into its weighted components.
func Breakdown(e *graph.Edge, w CostWeights) CostBreakdown {
	b := CostBreakdown{
		EdgeID:         e.ID,
		DelayComponent: w.Delay * e.Delay,
		QueueComponent: w.Queue * e.Queue,
	}
	if e.Spillback {
		b.SpillbackComponent = w.Spillback
	}
	if e.Incident {
		b.IncidentComponent = w.Incident
	}
	b.Total = b.DelayComponent + b.QueueComponent + b.SpillbackComponent + b.IncidentComponent
	return b
}

// ComputeCosts evaluates the cost function for every edge, stores the
// result on each edge, and returns the costs keyed by edge id.
func ComputeCosts(g *graph.TrafficGraph, w CostWeights) map[string]float64 {
	costs := make(map[string]float64, g.EdgeCount())
	for _, e := range g.Edges() {
		c := EdgeCost(e, w)
		e.Cost = c
		costs[e.ID] = c
	}
	return costs
}

// Percentile returns the p-th percentile of values using linear
// interpolation between closest ranks:
//
//	rank = p/100 · (n-1)
//
// over the ascending-sorted values. This is the same method NumPy calls
// "linear". The interpolation choice moves hotspot-set boundaries, so it
// is fixed here and must not vary between call sites.
//
// Inputs:
//   - values: Sample set. Must be non-empty.
//   - p: Percentile in [0,100].
//
// Outputs:
//   - float64: The interpolated percentile, NaN for an empty sample set.
func Percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[len(sorted)-1]
	}

	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	frac := rank - float64(lo)
	if lo+1 >= len(sorted) {
		return sorted[lo]
	}
	return sorted[lo] + frac*(sorted[lo+1]-sorted[lo])
}

// Hotspots returns the ids of edges whose cost is greater than or equal
// to the p-th percentile of the current cost distribution. The
// comparison is inclusive: an edge tied with the threshold is a hotspot.
//
// Inputs:
//   - costs: Edge costs keyed by edge id.
//   - p: Hotspot percentile in [0,100].
//
// Outputs:
//   - []string: Hotspot edge ids, sorted.
//   - float64: The threshold used.
func Hotspots(costs map[string]float64, p float64) ([]string, float64) {
	if len(costs) == 0 {
		return nil, math.NaN()
	}
	values := make([]float64, 0, len(costs))
	for _, c := range costs {
		values = append(values, c)
	}
	threshold := Percentile(values, p)

	var hot []string
	for id, c := range costs {
		if c >= threshold {
			hot = append(hot, id)
		}
	}
	sort.Strings(hot)
	return hot, threshold
}
