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
	"context"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/aegislights/services/controller/graph"
)

// Severity grades an active incident.
type Severity string

const (
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Incident describes one active incident observed this cycle.
type Incident struct {
	EdgeID   string   `json:"edge_id"`
	From     string   `json:"from"`
	To       string   `json:"to"`
	Delay    float64  `json:"delay"`
	Queue    float64  `json:"queue"`
	Severity Severity `json:"severity"`
}

// Config tunes the Analyze stage.
type Config struct {
	// HotspotPercentile is P: edges at or above the P-th cost percentile
	// are hotspots.
	HotspotPercentile float64 `json:"hotspot_percentile" yaml:"hotspot_percentile"`

	// BypassCount is k, the number of alternate routes kept per hotspot.
	BypassCount int `json:"bypass_count" yaml:"bypass_count"`

	// MaxBypassHops bounds the bypass path search depth.
	MaxBypassHops int `json:"max_bypass_hops" yaml:"max_bypass_hops"`

	// TrendAlpha is the exponential smoothing factor.
	TrendAlpha float64 `json:"trend_alpha" yaml:"trend_alpha"`

	// ApproachFraction of the hotspot threshold at which an edge is
	// flagged as rising.
	ApproachFraction float64 `json:"approach_fraction" yaml:"approach_fraction"`

	// HighSeverityDelay is the per-edge delay in seconds above which an
	// incident is graded high severity.
	HighSeverityDelay float64 `json:"high_severity_delay" yaml:"high_severity_delay"`
}

// DefaultConfig returns the standard Analyze tuning.
func DefaultConfig() Config {
	return Config{
		HotspotPercentile: 70,
		BypassCount:       3,
		MaxBypassHops:     DefaultMaxBypassHops,
		TrendAlpha:        DefaultTrendAlpha,
		ApproachFraction:  DefaultApproachFraction,
		HighSeverityDelay: 15,
	}
}

// Result is the full output of one Analyze pass, consumed by the Plan
// stage and logged to the knowledge base.
type Result struct {
	Cycle     int                `json:"cycle"`
	Costs     map[string]float64 `json:"costs"`
	Threshold float64            `json:"threshold"`
	Hotspots  []string           `json:"hotspots"`
	Bypasses  []Bypass           `json:"bypasses"`
	Smoothed  map[string]float64 `json:"smoothed"`
	Rising    []string           `json:"rising"`
	Incidents []Incident         `json:"incidents"`
	Targets   Targets            `json:"targets"`
	Clusters  [][]string         `json:"clusters"`
	AvgCost   float64            `json:"avg_cost"`
	MaxCost   float64            `json:"max_cost"`
}

// IncidentMode reports whether any incident is active this cycle.
func (r *Result) IncidentMode() bool { return len(r.Incidents) > 0 }

// Analyzer runs the Analyze stage. It owns the trend smoother, which
// carries state across cycles; everything else is recomputed per cycle.
//
// Thread Safety: Not safe for concurrent use. The loop controller runs
// exactly one Analyze at a time.
type Analyzer struct {
	cfg     Config
	weights CostWeights
	trend   *TrendSmoother
	logger  *slog.Logger

	mu sync.Mutex // guards weights against cycle-boundary reconfiguration
}

// NewAnalyzer creates an Analyzer.
func NewAnalyzer(cfg Config, weights CostWeights, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{
		cfg:     cfg,
		weights: weights,
		trend:   NewTrendSmoother(cfg.TrendAlpha),
		logger:  logger,
	}
}

// SetWeights replaces the cost weights. Called by the loop controller at
// cycle boundaries when the configuration file changes.
func (a *Analyzer) SetWeights(w CostWeights) {
	a.mu.Lock()
	a.weights = w
	a.mu.Unlock()
}

// Weights returns the active cost weights.
func (a *Analyzer) Weights() CostWeights {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.weights
}

// Analyze executes one full Analyze pass over the graph.
//
// Per-hotspot bypass searches are independent and run in parallel; the
// graph is only read.
//
// Inputs:
//   - ctx: Cancellation context, checked between parallel searches.
//   - g: The traffic graph, already refreshed by Monitor.
//   - cycle: Current cycle number, carried into the result for logging.
//
// Outputs:
//   - *Result: The analysis result.
//   - error: Non-nil only when ctx is cancelled mid-search.
func (a *Analyzer) Analyze(ctx context.Context, g *graph.TrafficGraph, cycle int) (*Result, error) {
	weights := a.Weights()
	costs := ComputeCosts(g, weights)
	hotspots, threshold := Hotspots(costs, a.cfg.HotspotPercentile)
	smoothed := a.trend.Update(costs)
	rising := a.trend.Rising(threshold, a.cfg.ApproachFraction)

	// Independent per-hotspot searches; read-only on the graph.
	byHotspot := make([][]Bypass, len(hotspots))
	eg, egCtx := errgroup.WithContext(ctx)
	for i, id := range hotspots {
		eg.Go(func() error {
			if err := egCtx.Err(); err != nil {
				return err
			}
			byHotspot[i] = FindBypasses(g, id, a.cfg.BypassCount, a.cfg.MaxBypassHops)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	var bypasses []Bypass
	for _, bs := range byHotspot {
		bypasses = append(bypasses, bs...)
	}

	incidents := a.detectIncidents(g)
	targets := BuildTargets(g, hotspots, bypasses)
	clusters := ClusterIntersections(g)

	var avg, maxC float64
	for _, c := range costs {
		avg += c
		if c > maxC {
			maxC = c
		}
	}
	if len(costs) > 0 {
		avg /= float64(len(costs))
	}

	a.logger.Info("analysis complete",
		"cycle", cycle,
		"hotspots", len(hotspots),
		"bypasses", len(bypasses),
		"incidents", len(incidents),
		"rising", len(rising),
		"avg_cost", avg,
	)

	return &Result{
		Cycle:     cycle,
		Costs:     costs,
		Threshold: threshold,
		Hotspots:  hotspots,
		Bypasses:  bypasses,
		Smoothed:  smoothed,
		Rising:    rising,
		Incidents: incidents,
		Targets:   targets,
		Clusters:  clusters,
		AvgCost:   avg,
		MaxCost:   maxC,
	}, nil
}

// detectIncidents collects active incidents and grades their severity.
func (a *Analyzer) detectIncidents(g *graph.TrafficGraph) []Incident {
	var out []Incident
	for _, e := range g.IncidentEdges() {
		sev := SeverityMedium
		if e.Delay > a.cfg.HighSeverityDelay {
			sev = SeverityHigh
		}
		out = append(out, Incident{
			EdgeID:   e.ID,
			From:     e.From,
			To:       e.To,
			Delay:    e.Delay,
			Queue:    e.Queue,
			Severity: sev,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EdgeID < out[j].EdgeID })
	return out
}
