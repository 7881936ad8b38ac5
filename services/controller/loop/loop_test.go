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
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/aegislights/services/controller/analysis"
	"github.com/AleutianAI/aegislights/services/controller/bandit"
	"github.com/AleutianAI/aegislights/services/controller/graph"
	"github.com/AleutianAI/aegislights/services/controller/incident"
	"github.com/AleutianAI/aegislights/services/controller/knowledge"
	"github.com/AleutianAI/aegislights/services/controller/observability"
	"github.com/AleutianAI/aegislights/services/controller/phaselib"
	"github.com/AleutianAI/aegislights/services/controller/rollback"
	"github.com/AleutianAI/aegislights/services/controller/safety"
	"github.com/AleutianAI/aegislights/services/controller/simclient"
)

// scriptedStrategy ranks plans in a fixed order, making cycle outcomes
// deterministic.
type scriptedStrategy struct {
	order []string
}

func (s scriptedStrategy) Name() string { return "scripted" }

func (s scriptedStrategy) Rank(arms []bandit.Arm) []string {
	present := make(map[string]bool, len(arms))
	for _, a := range arms {
		present[a.PlanID] = true
	}
	var out []string
	for _, id := range s.order {
		if present[id] {
			out = append(out, id)
		}
	}
	return out
}

type appliedCmd struct {
	intersectionID string
	cmd            simclient.PlanCommand
}

type fakeSim struct {
	mu      sync.Mutex
	snap    *simclient.Snapshot
	snapErr error
	applied []appliedCmd

	// applyStarted is closed when the first ApplyPlan begins;
	// applyGate, when set, blocks ApplyPlan until closed.
	applyStarted chan struct{}
	applyGate    chan struct{}
	applyCtxErrs []error
}

func (f *fakeSim) Snapshot(context.Context) (*simclient.Snapshot, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.snapErr != nil {
		return nil, nil, f.snapErr
	}
	return f.snap, []byte(`{}`), nil
}

func (f *fakeSim) ApplyPlan(ctx context.Context, id string, cmd simclient.PlanCommand) error {
	f.mu.Lock()
	started := f.applyStarted
	f.applyStarted = nil
	gate := f.applyGate
	f.mu.Unlock()

	if started != nil {
		close(started)
	}
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, appliedCmd{intersectionID: id, cmd: cmd})
	f.applyCtxErrs = append(f.applyCtxErrs, ctx.Err())
	return nil
}

func (f *fakeSim) appliedCmds() []appliedCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.applied)
}

func (f *fakeSim) applyContextErrs() []error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.applyCtxErrs)
}

type fixture struct {
	kb      *knowledge.Base
	sim     *fakeSim
	ctrl    *Controller
	metrics *observability.Metrics
}

// newFixture wires a controller around a two-edge network with one
// signalized intersection A: S -> A -> T. Congestion on the outgoing
// edge makes A a planning target.
func newFixture(t *testing.T, strategy bandit.Strategy, wcfg rollback.Config) *fixture {
	t.Helper()

	specs := []graph.EdgeSpec{
		{ID: "in1", From: "S", To: "A", Capacity: 40, FreeFlowTime: 20},
		{ID: "out1", From: "A", To: "T", Capacity: 40, FreeFlowTime: 25},
	}
	g, err := graph.New(specs, []string{"A"})
	require.NoError(t, err)

	lib := phaselib.New([]string{"A"})
	store, err := knowledge.OpenStore(knowledge.InMemoryStoreConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	kb := knowledge.NewBase(g, lib, store, logger)
	metrics := observability.New(prometheus.NewRegistry())
	sim := &fakeSim{}

	ctrl, err := New(Config{CyclePeriod: time.Hour}, Deps{
		Knowledge:     kb,
		Simulator:     sim,
		Analyzer:      analysis.NewAnalyzer(analysis.DefaultConfig(), analysis.DefaultCostWeights(), logger),
		Incidents:     incident.NewHandler(incident.DefaultConfig(), lib, logger),
		Strategy:      strategy,
		Limits:        safety.DefaultLimits(),
		Watchdog:      rollback.New(wcfg),
		Metrics:       metrics,
		RewardWeights: bandit.DefaultRewardWeights(),
		Logger:        logger,
	})
	require.NoError(t, err)

	// Fixed clock keeps the context bucket stable across cycles.
	ctrl.now = func() time.Time {
		return time.Date(2026, 3, 2, 8, 30, 0, 0, time.UTC)
	}

	return &fixture{kb: kb, sim: sim, ctrl: ctrl, metrics: metrics}
}

// congestedSnapshot loads the outgoing edge heavily enough to make it
// a hotspot.
func congestedSnapshot(avgTrip float64) *simclient.Snapshot {
	return &simclient.Snapshot{
		Timestamp: time.Date(2026, 3, 2, 8, 30, 0, 0, time.UTC),
		Edges: []simclient.EdgeMetrics{
			{EdgeID: "in1", Queue: 2, Delay: 1, Throughput: 10},
			{EdgeID: "out1", Queue: 30, Delay: 40, Throughput: 5},
		},
		Globals: &simclient.GlobalMetrics{AvgTripTime: avgTrip},
	}
}

func (f *fixture) bucket() string {
	// Incoming edge of A after congestedSnapshot: queue 2 of capacity
	// 40, delay 1s, at 08:30.
	return bandit.Context{QueueRatio: 2.0 / 40, AvgDelay: 1, HourOfDay: 8.5}.Bucket()
}

func TestRunCycle_AppliesPlanAtCongestedIntersection(t *testing.T) {
	f := newFixture(t, scriptedStrategy{order: []string{phaselib.PlanBalanced}}, rollback.DefaultConfig())
	f.sim.snap = congestedSnapshot(100)

	f.ctrl.runCycle(t.Context())

	applied := f.sim.appliedCmds()
	require.Len(t, applied, 1)
	assert.Equal(t, "A", applied[0].intersectionID)
	assert.Equal(t, phaselib.PlanBalanced, applied[0].cmd.PlanID)
	assert.Equal(t, 80.0, applied[0].cmd.CycleSecs)
	assert.False(t, applied[0].cmd.RollbackFlag)

	cur, ok := f.kb.CurrentAdaptation("A")
	require.True(t, ok)
	assert.Equal(t, phaselib.PlanBalanced, cur.PlanID)
	assert.Equal(t, 1, cur.Cycle)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.AdaptationsTotal))
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.CyclesSkipped))

	st := f.ctrl.Status()
	assert.Equal(t, 1, st.Cycle)
	assert.Equal(t, "idle", st.State)
	assert.Contains(t, st.Hotspots, "out1")
}

func TestRunCycle_SkipsWhenSimulatorUnavailable(t *testing.T) {
	f := newFixture(t, scriptedStrategy{order: []string{phaselib.PlanBalanced}}, rollback.DefaultConfig())
	f.sim.snapErr = simclient.ErrUnavailable

	f.ctrl.runCycle(t.Context())

	assert.Empty(t, f.sim.appliedCmds())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.CyclesSkipped))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SimulatorFailures))
	assert.Equal(t, 1, f.kb.Stats().FailedCollections)
}

func TestRunCycle_HoldsUnchangedPlanAndSettlesReward(t *testing.T) {
	f := newFixture(t, scriptedStrategy{order: []string{phaselib.PlanBalanced}}, rollback.DefaultConfig())
	f.sim.snap = congestedSnapshot(100)

	f.ctrl.runCycle(t.Context())
	f.ctrl.runCycle(t.Context())

	// The second cycle keeps the same plan without re-actuating.
	assert.Len(t, f.sim.appliedCmds(), 1)

	key := bandit.ArmKey{
		IntersectionID: "A",
		PlanID:         phaselib.PlanBalanced,
		Bucket:         f.bucket(),
	}
	state := f.kb.ArmState(key)
	assert.Equal(t, 1, state.Pulls)
	assert.InDelta(t, -100, state.MeanReward, 1e-9)

	hist, err := f.kb.UtilityHistory("A", 10)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.InDelta(t, -100, hist[0].Utility, 1e-9)
}

func TestRunCycle_StopDuringActuationLetsItComplete(t *testing.T) {
	f := newFixture(t, scriptedStrategy{order: []string{phaselib.PlanBalanced}}, rollback.DefaultConfig())
	f.sim.snap = congestedSnapshot(100)

	started := make(chan struct{})
	gate := make(chan struct{})
	f.sim.applyStarted = started
	f.sim.applyGate = gate

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.ctrl.runCycle(ctx)
		close(done)
	}()

	// Stop mid-actuation, then let the simulator respond.
	<-started
	cancel()
	close(gate)

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("cycle never finished")
	}

	applied := f.sim.appliedCmds()
	require.Len(t, applied, 1)
	assert.Equal(t, phaselib.PlanBalanced, applied[0].cmd.PlanID)

	// The actuation request itself never saw the stop signal, and the
	// recorded state matches what the simulator received.
	ctxErrs := f.sim.applyContextErrs()
	require.Len(t, ctxErrs, 1)
	assert.NoError(t, ctxErrs[0])

	cur, ok := f.kb.CurrentAdaptation("A")
	require.True(t, ok)
	assert.Equal(t, phaselib.PlanBalanced, cur.PlanID)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.AdaptationsTotal))
}

func TestRunCycle_SafetyFallbackSkipsLargeCycleJump(t *testing.T) {
	f := newFixture(t, scriptedStrategy{
		order: []string{phaselib.PlanNSPriority, phaselib.PlanBalanced},
	}, rollback.DefaultConfig())
	f.sim.snap = congestedSnapshot(100)

	// Active plan is the 60s clearing plan; the 100s candidate exceeds
	// the allowed cycle change, the 80s one does not.
	f.kb.SetCurrent(knowledge.Adaptation{
		IntersectionID: "A",
		PlanID:         phaselib.PlanIncidentClearing,
		CycleLength:    60 * time.Second,
	})

	f.ctrl.runCycle(t.Context())

	applied := f.sim.appliedCmds()
	require.Len(t, applied, 1)
	assert.Equal(t, phaselib.PlanBalanced, applied[0].cmd.PlanID)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SafetyRejections))
}

func TestRunCycle_RollbackAfterSustainedDegradation(t *testing.T) {
	f := newFixture(t, scriptedStrategy{order: []string{phaselib.PlanBalanced}}, rollback.Config{
		WindowSize:        1,
		ThresholdFraction: 0.15,
		ConsecutiveCycles: 1,
	})

	// Cycle 1: plan applied. Cycle 2: reward -100 observed (warmup),
	// plan survives and becomes the restore point.
	f.sim.snap = congestedSnapshot(100)
	f.ctrl.runCycle(t.Context())
	f.ctrl.runCycle(t.Context())

	lkg, err := f.kb.LastKnownGood("A")
	require.NoError(t, err)
	assert.Equal(t, phaselib.PlanBalanced, lkg.PlanID)

	// Cycle 3: reward -300 against baseline -100 is a sustained drop.
	f.sim.snap = congestedSnapshot(300)
	f.ctrl.runCycle(t.Context())

	applied := f.sim.appliedCmds()
	require.NotEmpty(t, applied)
	last := applied[len(applied)-1]
	assert.True(t, last.cmd.RollbackFlag)
	assert.Equal(t, phaselib.PlanBalanced, last.cmd.PlanID)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.RollbacksTotal))

	cur, ok := f.kb.CurrentAdaptation("A")
	require.True(t, ok)
	assert.Equal(t, 3, cur.Cycle)
}

func TestRollbacks_UnsafeTargetHoldsCurrentPlan(t *testing.T) {
	f := newFixture(t, scriptedStrategy{order: []string{phaselib.PlanBalanced}}, rollback.DefaultConfig())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	// Restoring the 100s plan over the active 60s plan would jump the
	// cycle length past the safety limit.
	f.kb.SetCurrent(knowledge.Adaptation{
		IntersectionID: "A",
		PlanID:         phaselib.PlanIncidentClearing,
		CycleLength:    60 * time.Second,
	})
	f.kb.PromoteLastKnownGood(knowledge.Adaptation{
		IntersectionID: "A",
		PlanID:         phaselib.PlanNSPriority,
		CycleLength:    100 * time.Second,
	})

	f.ctrl.rollbacks(t.Context(), 7, map[string]bool{"A": true}, logger)

	assert.Empty(t, f.sim.appliedCmds())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.UnsafeRollbacks))
	cur, ok := f.kb.CurrentAdaptation("A")
	require.True(t, ok)
	assert.Equal(t, phaselib.PlanIncidentClearing, cur.PlanID)
}

func TestRollbacks_StopRequestedHoldsRestore(t *testing.T) {
	f := newFixture(t, scriptedStrategy{order: []string{phaselib.PlanBalanced}}, rollback.DefaultConfig())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	f.kb.SetCurrent(knowledge.Adaptation{
		IntersectionID: "A",
		PlanID:         phaselib.PlanIncidentClearing,
		CycleLength:    60 * time.Second,
	})
	f.kb.PromoteLastKnownGood(knowledge.Adaptation{
		IntersectionID: "A",
		PlanID:         phaselib.PlanBalanced,
		CycleLength:    80 * time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f.ctrl.rollbacks(ctx, 7, map[string]bool{"A": true}, logger)

	assert.Empty(t, f.sim.appliedCmds())
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.RollbacksTotal))
	cur, ok := f.kb.CurrentAdaptation("A")
	require.True(t, ok)
	assert.Equal(t, phaselib.PlanIncidentClearing, cur.PlanID)
}

func TestRunCycle_RewardUsesReportedIncidentCount(t *testing.T) {
	f := newFixture(t, scriptedStrategy{order: []string{phaselib.PlanBalanced}}, rollback.DefaultConfig())
	f.sim.snap = congestedSnapshot(100)
	f.ctrl.runCycle(t.Context())

	// No edge carries an incident flag; the count comes from the
	// simulator's global figure alone.
	snap := congestedSnapshot(100)
	snap.Globals.ActiveIncidents = 2
	f.sim.snap = snap
	f.ctrl.runCycle(t.Context())

	state := f.kb.ArmState(bandit.ArmKey{
		IntersectionID: "A",
		PlanID:         phaselib.PlanBalanced,
		Bucket:         f.bucket(),
	})
	require.Equal(t, 1, state.Pulls)
	assert.InDelta(t, -110, state.MeanReward, 1e-9)
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	f := newFixture(t, scriptedStrategy{order: []string{phaselib.PlanBalanced}}, rollback.DefaultConfig())
	f.sim.snap = congestedSnapshot(100)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.ctrl.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(f.sim.appliedCmds()) >= 1
	}, 3*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("Run never returned")
	}
	assert.Equal(t, "stopped", f.ctrl.Status().State)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "monitoring", StateMonitoring.String())
	assert.Equal(t, "analyzing", StateAnalyzing.String())
	assert.Equal(t, "planning", StatePlanning.String())
	assert.Equal(t, "executing", StateExecuting.String())
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "unknown", State(99).String())
}
