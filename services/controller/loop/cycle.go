// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package loop

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/AleutianAI/aegislights/services/controller/analysis"
	"github.com/AleutianAI/aegislights/services/controller/bandit"
	"github.com/AleutianAI/aegislights/services/controller/coordination"
	"github.com/AleutianAI/aegislights/services/controller/graph"
	"github.com/AleutianAI/aegislights/services/controller/incident"
	"github.com/AleutianAI/aegislights/services/controller/knowledge"
	"github.com/AleutianAI/aegislights/services/controller/phaselib"
	"github.com/AleutianAI/aegislights/services/controller/safety"
	"github.com/AleutianAI/aegislights/services/controller/simclient"
)

// proposal is one intersection's ranked plan candidates.
type proposal struct {
	intersectionID string
	bucket         string
	ranked         []string
}

// selection is a proposal that survived safety validation.
type selection struct {
	intersectionID string
	bucket         string
	plan           phaselib.SignalPlan
	rejected       int
}

// runCycle executes one full adaptation cycle.
func (c *Controller) runCycle(ctx context.Context) {
	started := c.now()
	c.mu.Lock()
	c.cycle++
	cycle := c.cycle
	c.cycleStarted = started
	c.mu.Unlock()

	c.metrics.CyclesTotal.Inc()
	log := c.logger.With("cycle", cycle)

	// Monitor.
	c.setState(StateMonitoring)
	t0 := time.Now()
	snap, ok := c.monitor(ctx, cycle, log)
	c.metrics.ObserveStage(knowledge.StageMonitor, time.Since(t0))
	if !ok {
		c.metrics.CyclesSkipped.Inc()
		c.setState(StateIdle)
		return
	}

	// Outcomes of the previous cycle's adaptations.
	triggered := c.settle(cycle, snap, log)

	// Analyze.
	c.setState(StateAnalyzing)
	t0 = time.Now()
	res, resp, err := c.analyze(ctx, cycle)
	c.metrics.ObserveStage(knowledge.StageAnalyze, time.Since(t0))
	if err != nil {
		log.Error("analysis aborted", "error", err)
		c.setState(StateIdle)
		return
	}

	c.mu.Lock()
	c.lastResult = res
	c.mu.Unlock()
	c.metrics.Hotspots.Set(float64(len(res.Hotspots)))
	c.metrics.ActiveIncidents.Set(float64(len(res.Incidents)))

	rec := knowledge.NewDecision(cycle, knowledge.StageAnalyze, "network analyzed")
	rec.Detail = map[string]any{
		"hotspots":  len(res.Hotspots),
		"incidents": len(res.Incidents),
		"threshold": res.Threshold,
		"avg_cost":  res.AvgCost,
	}
	c.kb.LogDecision(rec)

	// Plan.
	c.setState(StatePlanning)
	t0 = time.Now()
	proposals := c.plan(cycle, res, resp, triggered, log)
	c.metrics.ObserveStage(knowledge.StagePlan, time.Since(t0))

	// Execute.
	c.setState(StateExecuting)
	t0 = time.Now()
	c.rollbacks(ctx, cycle, triggered, log)
	c.execute(ctx, cycle, res, proposals, log)
	c.metrics.ObserveStage(knowledge.StageExecute, time.Since(t0))

	c.setState(StateIdle)

	if d := c.now().Sub(started); d > c.cyclePeriod() {
		c.metrics.CycleOverruns.Inc()
		log.Warn("cycle overran its period", "duration", d, "period", c.cyclePeriod())
	}
}

// monitor fetches a snapshot into the knowledge base. A false return
// skips this cycle.
func (c *Controller) monitor(ctx context.Context, cycle int, log *slog.Logger) (*simclient.Snapshot, bool) {
	snap, raw, err := c.sim.Snapshot(ctx)
	if err != nil {
		c.metrics.SimulatorFailures.Inc()
		c.kb.RecordMonitorFailure()
		log.Warn("snapshot collection failed, skipping cycle", "error", err)

		rec := knowledge.NewDecision(cycle, knowledge.StageMonitor, "cycle skipped: snapshot unavailable")
		rec.Detail = map[string]any{"error": err.Error()}
		c.kb.LogDecision(rec)
		return nil, false
	}

	if err := c.kb.ApplySnapshot(cycle, snap.GraphUpdates(), raw); err != nil {
		c.metrics.SimulatorFailures.Inc()
		log.Warn("snapshot rejected, skipping cycle", "error", err)

		rec := knowledge.NewDecision(cycle, knowledge.StageMonitor, "cycle skipped: snapshot rejected")
		rec.Detail = map[string]any{"error": err.Error()}
		c.kb.LogDecision(rec)
		return nil, false
	}
	return snap, true
}

// settle applies the previous cycle's observed outcome to the bandit
// state and the rollback watchdog. Returns the intersections whose
// degradation is sustained enough to roll back now.
func (c *Controller) settle(cycle int, snap *simclient.Snapshot, log *slog.Logger) map[string]bool {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]pendingSelection)
	c.mu.Unlock()

	triggered := make(map[string]bool)
	if len(pending) == 0 {
		return triggered
	}
	if snap.Globals == nil {
		log.Warn("snapshot carried no global metrics, dropping pending rewards",
			"pending", len(pending))
		return triggered
	}

	spillbacks := 0
	c.kb.WithGraph(func(g *graph.TrafficGraph) {
		spillbacks = len(g.SpillbackEdges())
	})

	m := bandit.CycleMetrics{
		AvgTripTime: snap.Globals.AvgTripTime,
		P95TripTime: snap.Globals.P95TripTime,
		Spillbacks:  spillbacks,
		Stops:       snap.Globals.TotalStops,
		Incidents:   snap.Globals.ActiveIncidents,
	}
	reward := bandit.Reward(m, c.rewards())

	ids := make([]string, 0, len(pending))
	for id := range pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		p := pending[id]
		c.kb.UpdateArm(p.key, reward)
		c.kb.ObserveUtility(knowledge.UtilitySample{
			IntersectionID: id,
			Cycle:          cycle,
			Utility:        reward,
			Timestamp:      c.now().UTC(),
		})

		d := c.watchdog.Observe(id, reward)
		switch {
		case d.Trigger:
			triggered[id] = true
			log.Warn("sustained utility degradation, rollback scheduled",
				"intersection", id, "utility", reward,
				"baseline", d.Baseline, "threshold", d.Threshold)
		case !d.Degraded:
			// The adaptation survived a full cycle: it becomes the
			// restore point.
			c.kb.PromoteLastKnownGood(p.adaptation)
		}
	}
	return triggered
}

// analyze runs congestion analysis and, when incidents are active, the
// incident response, under one graph lock.
func (c *Controller) analyze(ctx context.Context, cycle int) (*analysis.Result, incident.Response, error) {
	var (
		res  *analysis.Result
		resp incident.Response
		err  error
	)
	c.kb.WithGraph(func(g *graph.TrafficGraph) {
		res, err = c.analyzer.Analyze(ctx, g, cycle)
		if err != nil {
			return
		}
		if res.IncidentMode() {
			resp = c.inc.Respond(g, res.Incidents, res.Bypasses)
		}
	})
	return res, resp, err
}

// plan ranks candidate plans for every intersection the analysis or an
// incident response touched. Intersections about to roll back are left
// alone this cycle.
func (c *Controller) plan(cycle int, res *analysis.Result, resp incident.Response, skip map[string]bool, log *slog.Logger) []proposal {
	targets := make(map[string]bool)
	for _, id := range res.Targets.Intersections {
		targets[id] = true
	}
	for id := range resp.Biases {
		targets[id] = true
	}

	ids := make([]string, 0, len(targets))
	for id := range targets {
		if !skip[id] {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	contexts := c.banditContexts(ids, res.IncidentMode())

	proposals := make([]proposal, 0, len(ids))
	for _, id := range ids {
		plans, err := c.kb.Plans().ValidPlans(id)
		if err != nil {
			log.Warn("no plan library entry, skipping intersection",
				"intersection", id, "error", err)
			continue
		}
		planIDs := make([]string, len(plans))
		for i, p := range plans {
			planIDs[i] = p.ID
		}

		bucket := contexts[id].Bucket()
		arms := c.kb.Arms(id, bucket, planIDs, func(planID string) float64 {
			return resp.Biases.Bias(id, planID)
		})
		ranked := c.strategy.Rank(arms)
		if len(ranked) == 0 {
			continue
		}
		proposals = append(proposals, proposal{intersectionID: id, bucket: bucket, ranked: ranked})

		rec := knowledge.NewDecision(cycle, knowledge.StagePlan, "plan ranked")
		rec.IntersectionID = id
		rec.PlanID = ranked[0]
		rec.Strategy = c.strategy.Name()
		rec.Detail = map[string]any{"bucket": bucket, "candidates": len(ranked)}
		c.kb.LogDecision(rec)
	}
	return proposals
}

// banditContexts derives each target intersection's traffic context
// from its incoming edges.
func (c *Controller) banditContexts(ids []string, incidentActive bool) map[string]bandit.Context {
	out := make(map[string]bandit.Context, len(ids))
	hour := float64(c.now().Hour()) + float64(c.now().Minute())/60

	c.kb.WithGraph(func(g *graph.TrafficGraph) {
		for _, id := range ids {
			var queue, capacity, delay float64
			in := g.Incoming(id)
			for _, e := range in {
				queue += e.Queue
				capacity += e.Capacity
				delay += e.Delay
			}
			bc := bandit.Context{HourOfDay: hour, Incident: incidentActive}
			if capacity > 0 {
				bc.QueueRatio = queue / capacity
			}
			if len(in) > 0 {
				bc.AvgDelay = delay / float64(len(in))
			}
			out[id] = bc
		}
	})
	return out
}

// rollbacks restores last-known-good plans where degradation was
// sustained. An unsafe or missing restore point holds the current plan.
func (c *Controller) rollbacks(ctx context.Context, cycle int, triggered map[string]bool, log *slog.Logger) {
	ids := make([]string, 0, len(triggered))
	for id := range triggered {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if ctx.Err() != nil {
			log.Warn("stop requested, holding remaining rollbacks", "intersection", id)
			return
		}
		lkg, err := c.kb.LastKnownGood(id)
		if err != nil {
			log.Warn("no restore point, holding current plan", "intersection", id, "error", err)
			continue
		}
		plan, err := c.kb.Plans().Plan(id, lkg.PlanID)
		if err != nil {
			log.Warn("restore point names an unknown plan, holding current plan",
				"intersection", id, "plan", lkg.PlanID, "error", err)
			continue
		}

		current := c.currentPlan(id)
		if violations := safety.Validate(plan, current, c.limits); len(violations) > 0 {
			c.metrics.UnsafeRollbacks.Inc()
			uerr := &UnsafeRollbackTargetError{IntersectionID: id, PlanID: plan.ID, Violations: violations}
			log.Error("rollback target is unsafe, holding current plan", "error", uerr)

			rec := knowledge.NewDecision(cycle, knowledge.StageExecute, "rollback refused: target unsafe")
			rec.IntersectionID = id
			rec.PlanID = plan.ID
			rec.Detail = map[string]any{"violations": len(violations)}
			c.kb.LogDecision(rec)
			continue
		}

		cmd := simclient.PlanCommand{
			PlanID:       plan.ID,
			OffsetSecs:   lkg.Offset.Seconds(),
			CycleSecs:    plan.CycleLength.Seconds(),
			SourceCycle:  cycle,
			RollbackFlag: true,
		}
		// A started actuation runs to completion; the stop signal is
		// honored between intersections, and the client's request
		// timeout bounds each attempt.
		if err := c.sim.ApplyPlan(context.WithoutCancel(ctx), id, cmd); err != nil {
			c.metrics.SimulatorFailures.Inc()
			log.Error("rollback actuation failed", "intersection", id, "error", err)
			continue
		}

		restored := lkg
		restored.Cycle = cycle
		restored.Timestamp = c.now().UTC()
		c.kb.SetCurrent(restored)
		c.watchdog.Reset(id)
		c.metrics.RollbacksTotal.Inc()

		log.Info("rolled back to last known good plan", "intersection", id, "plan", plan.ID)
		rec := knowledge.NewDecision(cycle, knowledge.StageExecute, "rolled back to last known good plan")
		rec.IntersectionID = id
		rec.PlanID = plan.ID
		c.kb.LogDecision(rec)
	}
}

// execute validates the proposals, computes green-wave offsets, and
// actuates. A failure at one intersection never blocks the others.
func (c *Controller) execute(ctx context.Context, cycle int, res *analysis.Result, proposals []proposal, log *slog.Logger) {
	selections := make(map[string]selection, len(proposals))
	for _, p := range proposals {
		sel, ok := c.resolve(cycle, p, log)
		if !ok {
			continue
		}
		selections[p.intersectionID] = sel
	}
	if len(selections) == 0 {
		return
	}

	offsets := c.offsets(res.Clusters, selections)

	ids := make([]string, 0, len(selections))
	for id := range selections {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if ctx.Err() != nil {
			log.Warn("stop requested, holding remaining actuations", "intersection", id)
			return
		}
		sel := selections[id]
		offset := offsets[id]

		current, hasCurrent := c.kb.CurrentAdaptation(id)
		if hasCurrent && current.PlanID == sel.plan.ID && current.Offset == offset {
			// Plan unchanged; keep learning on the active arm without
			// re-actuating.
			c.recordPending(sel, current)
			continue
		}

		cmd := simclient.PlanCommand{
			PlanID:      sel.plan.ID,
			OffsetSecs:  offset.Seconds(),
			CycleSecs:   sel.plan.CycleLength.Seconds(),
			SourceCycle: cycle,
		}
		// A started actuation runs to completion so the recorded state
		// never diverges from what the simulator received.
		if err := c.sim.ApplyPlan(context.WithoutCancel(ctx), id, cmd); err != nil {
			if errors.Is(err, simclient.ErrPlanRejected) {
				log.Warn("simulator rejected plan", "intersection", id, "plan", sel.plan.ID, "error", err)
			} else {
				c.metrics.SimulatorFailures.Inc()
				log.Error("plan actuation failed", "intersection", id, "plan", sel.plan.ID, "error", err)
			}
			continue
		}

		adaptation := knowledge.Adaptation{
			IntersectionID: id,
			PlanID:         sel.plan.ID,
			Offset:         offset,
			CycleLength:    sel.plan.CycleLength,
			Cycle:          cycle,
			Timestamp:      c.now().UTC(),
		}
		c.kb.SetCurrent(adaptation)
		c.recordPending(sel, adaptation)
		c.metrics.AdaptationsTotal.Inc()

		log.Info("plan applied", "intersection", id, "plan", sel.plan.ID,
			"offset", offset, "rejected_candidates", sel.rejected)
		rec := knowledge.NewDecision(cycle, knowledge.StageExecute, "plan applied")
		rec.IntersectionID = id
		rec.PlanID = sel.plan.ID
		rec.Strategy = c.strategy.Name()
		rec.Detail = map[string]any{
			"offset_seconds":      offset.Seconds(),
			"rejected_candidates": sel.rejected,
		}
		c.kb.LogDecision(rec)
	}
}

// resolve walks a proposal's ranking until a candidate passes safety
// validation against the currently active plan.
func (c *Controller) resolve(cycle int, p proposal, log *slog.Logger) (selection, bool) {
	current := c.currentPlan(p.intersectionID)

	for i, planID := range p.ranked {
		candidate, err := c.kb.Plans().Plan(p.intersectionID, planID)
		if err != nil {
			continue
		}
		violations := safety.Validate(candidate, current, c.limits)
		if len(violations) == 0 {
			return selection{
				intersectionID: p.intersectionID,
				bucket:         p.bucket,
				plan:           candidate,
				rejected:       i,
			}, true
		}

		c.metrics.SafetyRejections.Inc()
		log.Warn("candidate rejected by safety validation",
			"intersection", p.intersectionID, "plan", planID,
			"violations", len(violations))

		rec := knowledge.NewDecision(cycle, knowledge.StageExecute, "candidate rejected by safety validation")
		rec.IntersectionID = p.intersectionID
		rec.PlanID = planID
		rec.Detail = map[string]any{"violations": violationStrings(violations)}
		c.kb.LogDecision(rec)
	}

	log.Warn("all candidates rejected, holding current plan", "intersection", p.intersectionID)
	return selection{}, false
}

// offsets computes green-wave offsets per coordination cluster, using
// each cluster anchor's target cycle length.
func (c *Controller) offsets(clusters [][]string, selections map[string]selection) map[string]time.Duration {
	out := make(map[string]time.Duration)
	// Snapshot outside WithGraph: the knowledge mutex is not reentrant.
	current := c.kb.CurrentAdaptations()

	c.kb.WithGraph(func(g *graph.TrafficGraph) {
		for _, cluster := range clusters {
			anchor := coordination.Anchor(g, cluster)
			if anchor == "" {
				continue
			}

			var cycleLen time.Duration
			if sel, ok := selections[anchor]; ok {
				cycleLen = sel.plan.CycleLength
			} else if cur, ok := current[anchor]; ok {
				cycleLen = cur.CycleLength
			}
			if cycleLen <= 0 {
				continue
			}

			for id, off := range coordination.Offsets(g, cluster, cycleLen) {
				out[id] = off
			}
		}
	})
	return out
}

func (c *Controller) recordPending(sel selection, a knowledge.Adaptation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[sel.intersectionID] = pendingSelection{
		key: bandit.ArmKey{
			IntersectionID: sel.intersectionID,
			PlanID:         sel.plan.ID,
			Bucket:         sel.bucket,
		},
		adaptation: a,
	}
}

// currentPlan resolves the active plan for cycle-delta validation. Nil
// when the intersection has never been adapted.
func (c *Controller) currentPlan(intersectionID string) *phaselib.SignalPlan {
	cur, ok := c.kb.CurrentAdaptation(intersectionID)
	if !ok {
		return nil
	}
	plan, err := c.kb.Plans().Plan(intersectionID, cur.PlanID)
	if err != nil {
		return nil
	}
	return &plan
}

func violationStrings(vs []safety.Violation) []string {
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = v.String()
	}
	return out
}
