// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package incident turns active incidents into plan-selection bias.
// The handler never picks plans itself; it computes additive score
// bonuses that are fed into the bandit's candidate arms, so incident
// response and learned preference go through one selection path.
package incident

import (
	"log/slog"
	"sort"
	"time"

	"github.com/AleutianAI/aegislights/services/controller/analysis"
	"github.com/AleutianAI/aegislights/services/controller/graph"
	"github.com/AleutianAI/aegislights/services/controller/phaselib"
)

// Mode is the response strategy chosen for one incident.
type Mode string

const (
	// ModeBypass routes traffic around the incident: long-cycle plans on
	// the bypass-route intersections move platoons through.
	ModeBypass Mode = "bypass"

	// ModeClearing flushes queues near the incident with short-cycle
	// plans when no bypass has spare capacity.
	ModeClearing Mode = "clearing"
)

// Config tunes the incident handler.
type Config struct {
	// BiasMagnitude is the additive score bonus applied to preferred
	// plans. It must be large against typical reward gaps to matter,
	// and bounded so learned statistics still break ties.
	BiasMagnitude float64 `json:"bias_magnitude" yaml:"bias_magnitude"`

	// SpareCapacityFraction is the queue/capacity ratio below which a
	// bypass edge still counts as having spare capacity.
	SpareCapacityFraction float64 `json:"spare_capacity_fraction" yaml:"spare_capacity_fraction"`

	// LongCycle is the cycle length at or above which a plan counts as
	// long-cycle; ShortCycle the length at or below which it counts as
	// short-cycle.
	LongCycle  time.Duration `json:"long_cycle" yaml:"long_cycle"`
	ShortCycle time.Duration `json:"short_cycle" yaml:"short_cycle"`
}

// DefaultConfig returns the standard incident tuning.
func DefaultConfig() Config {
	return Config{
		BiasMagnitude:         25,
		SpareCapacityFraction: 0.8,
		LongCycle:             100 * time.Second,
		ShortCycle:            60 * time.Second,
	}
}

// BiasSet maps intersection id -> plan id -> additive score bonus.
type BiasSet map[string]map[string]float64

// Bias returns the bonus for one (intersection, plan), zero when unset.
func (b BiasSet) Bias(intersectionID, planID string) float64 {
	return b[intersectionID][planID]
}

func (b BiasSet) add(intersectionID, planID string, bonus float64) {
	plans, ok := b[intersectionID]
	if !ok {
		plans = make(map[string]float64)
		b[intersectionID] = plans
	}
	if bonus > plans[planID] {
		plans[planID] = bonus
	}
}

// Response is the handler's output for one cycle.
type Response struct {
	// Modes records the strategy chosen per incident edge.
	Modes map[string]Mode `json:"modes"`

	// AffectedEdges is the union of edges affected by all incidents,
	// sorted.
	AffectedEdges []string `json:"affected_edges"`

	// Biases are the additive plan bonuses fed to the bandit.
	Biases BiasSet `json:"biases"`
}

// Handler computes incident responses.
//
// Thread Safety: Stateless apart from config; safe for concurrent use.
type Handler struct {
	cfg    Config
	lib    *phaselib.Library
	logger *slog.Logger
}

// NewHandler creates a Handler over the given plan library.
func NewHandler(cfg Config, lib *phaselib.Library, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{cfg: cfg, lib: lib, logger: logger}
}

// Respond computes the response to this cycle's incidents.
//
// Per incident: the affected set is the primary edge, the outgoing
// edges of its head node, and additionally the incoming edges of its
// tail node when severity is high. If any discovered bypass around the
// incident edge has spare capacity on its whole route, the incident is
// handled in bypass mode; otherwise in clearing mode.
//
// Inputs:
//   - g: The traffic graph (read-only).
//   - incidents: Active incidents from the Analyze stage.
//   - bypasses: Discovered bypass routes from the Analyze stage.
//
// Outputs:
//   - Response: Modes, affected edges, and plan biases. Empty (non-nil
//     maps) when there are no incidents.
func (h *Handler) Respond(g *graph.TrafficGraph, incidents []analysis.Incident, bypasses []analysis.Bypass) Response {
	resp := Response{
		Modes:  make(map[string]Mode, len(incidents)),
		Biases: make(BiasSet),
	}

	affected := make(map[string]bool)
	for _, inc := range incidents {
		for _, id := range h.affectedEdges(g, inc) {
			affected[id] = true
		}

		usable := usableBypasses(g, inc.EdgeID, bypasses, h.cfg.SpareCapacityFraction)
		if len(usable) > 0 {
			resp.Modes[inc.EdgeID] = ModeBypass
			h.biasBypassRoutes(g, usable, resp.Biases)
		} else {
			resp.Modes[inc.EdgeID] = ModeClearing
			h.biasClearing(g, inc, resp.Biases)
		}
		h.logger.Info("incident response",
			"edge", inc.EdgeID,
			"severity", inc.Severity,
			"mode", resp.Modes[inc.EdgeID],
			"usable_bypasses", len(usable),
		)
	}

	resp.AffectedEdges = make([]string, 0, len(affected))
	for id := range affected {
		resp.AffectedEdges = append(resp.AffectedEdges, id)
	}
	sort.Strings(resp.AffectedEdges)
	return resp
}

// affectedEdges computes the affected set of one incident.
func (h *Handler) affectedEdges(g *graph.TrafficGraph, inc analysis.Incident) []string {
	out := []string{inc.EdgeID}
	e := g.Edge(inc.EdgeID)
	if e == nil {
		return out
	}
	for _, o := range g.Outgoing(e.To) {
		out = append(out, o.ID)
	}
	if inc.Severity == analysis.SeverityHigh {
		for _, u := range g.Incoming(e.From) {
			out = append(out, u.ID)
		}
	}
	return out
}

// usableBypasses filters the Analyze-stage bypasses down to those around
// the given edge whose entire route keeps spare capacity.
func usableBypasses(g *graph.TrafficGraph, edgeID string, bypasses []analysis.Bypass, spareFraction float64) []analysis.Bypass {
	var out []analysis.Bypass
	for _, b := range bypasses {
		if b.HotspotEdgeID != edgeID {
			continue
		}
		ok := true
		for _, id := range b.Edges {
			e := g.Edge(id)
			if e == nil || e.Capacity <= 0 || e.Queue >= spareFraction*e.Capacity {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, b)
		}
	}
	return out
}

// biasBypassRoutes bonuses long-cycle plans on the signalized
// intersections of the usable bypass routes.
func (h *Handler) biasBypassRoutes(g *graph.TrafficGraph, routes []analysis.Bypass, biases BiasSet) {
	for _, b := range routes {
		for _, nodeID := range b.Nodes {
			n := g.Node(nodeID)
			if n == nil || !n.Signalized {
				continue
			}
			h.biasByCycle(nodeID, biases, func(cycle time.Duration) bool {
				return cycle >= h.cfg.LongCycle
			})
		}
	}
}

// biasClearing bonuses short-cycle plans on the signalized nodes
// touching the incident's affected edges.
func (h *Handler) biasClearing(g *graph.TrafficGraph, inc analysis.Incident, biases BiasSet) {
	for _, edgeID := range h.affectedEdges(g, inc) {
		e := g.Edge(edgeID)
		if e == nil {
			continue
		}
		for _, nodeID := range []string{e.From, e.To} {
			n := g.Node(nodeID)
			if n == nil || !n.Signalized {
				continue
			}
			h.biasByCycle(nodeID, biases, func(cycle time.Duration) bool {
				return cycle <= h.cfg.ShortCycle
			})
		}
	}
}

func (h *Handler) biasByCycle(intersectionID string, biases BiasSet, match func(time.Duration) bool) {
	plans, err := h.lib.ValidPlans(intersectionID)
	if err != nil {
		return // unseeded intersections get no bias
	}
	for _, p := range plans {
		if match(p.CycleLength) {
			biases.add(intersectionID, p.ID, h.cfg.BiasMagnitude)
		}
	}
}
