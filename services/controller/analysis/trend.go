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

import "sort"

// DefaultTrendAlpha is the standard smoothing factor.
const DefaultTrendAlpha = 0.3

// DefaultApproachFraction flags an edge as rising once its smoothed cost
// reaches this fraction of the hotspot threshold.
const DefaultApproachFraction = 0.8

// TrendSmoother tracks an exponentially smoothed cost per edge:
//
//	s_t = α·x_t + (1-α)·s_{t-1}
//
// seeded with the first observation. It is used to flag edges that are
// approaching the hotspot threshold before they cross it.
//
// Thread Safety: Not safe for concurrent use; owned by the Analyze stage.
type TrendSmoother struct {
	alpha    float64
	smoothed map[string]float64
}

// NewTrendSmoother creates a smoother with the given α. Values outside
// (0,1] fall back to DefaultTrendAlpha.
func NewTrendSmoother(alpha float64) *TrendSmoother {
	if alpha <= 0 || alpha > 1 {
		alpha = DefaultTrendAlpha
	}
	return &TrendSmoother{alpha: alpha, smoothed: make(map[string]float64)}
}

// Update folds the current cycle's edge costs into the smoothed series
// and returns the smoothed value per edge id.
func (t *TrendSmoother) Update(costs map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(costs))
	for id, x := range costs {
		s, seen := t.smoothed[id]
		if !seen {
			s = x // seed with the first observation
		} else {
			s = t.alpha*x + (1-t.alpha)*s
		}
		t.smoothed[id] = s
		out[id] = s
	}
	return out
}

// Smoothed returns the current smoothed value for an edge and whether
// the edge has been observed at all.
func (t *TrendSmoother) Smoothed(edgeID string) (float64, bool) {
	s, ok := t.smoothed[edgeID]
	return s, ok
}

// Rising returns the ids of edges whose smoothed cost has reached
// approachFraction·threshold but is still below the threshold itself,
// sorted. These are the edges predicted to become hotspots soon.
func (t *TrendSmoother) Rising(threshold, approachFraction float64) []string {
	if approachFraction <= 0 || approachFraction >= 1 {
		approachFraction = DefaultApproachFraction
	}
	var out []string
	for id, s := range t.smoothed {
		if s >= approachFraction*threshold && s < threshold {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
