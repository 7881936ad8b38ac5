// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package knowledge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/aegislights/services/controller/bandit"
	"github.com/AleutianAI/aegislights/services/controller/graph"
	"github.com/AleutianAI/aegislights/services/controller/phaselib"
)

func openTestStore(t *testing.T) *BadgerStore {
	t.Helper()
	store, err := OpenStore(InMemoryStoreConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testBase(t *testing.T) (*Base, *BadgerStore) {
	t.Helper()
	specs := []graph.EdgeSpec{
		{ID: "A_B", From: "A", To: "B", Capacity: 40, FreeFlowTime: 30},
	}
	g, err := graph.New(specs, []string{"A", "B"})
	require.NoError(t, err)
	store := openTestStore(t)
	return NewBase(g, phaselib.New([]string{"A", "B"}), store, nil), store
}

func TestStore_AdaptationRoundTrip(t *testing.T) {
	store := openTestStore(t)
	want := Adaptation{
		IntersectionID: "A",
		PlanID:         "balanced",
		Offset:         17 * time.Second,
		CycleLength:    80 * time.Second,
		Cycle:          42,
		Timestamp:      time.Date(2026, 3, 1, 8, 30, 0, 0, time.UTC),
	}

	require.NoError(t, store.PutLastKnownGood(want))
	got, err := store.LastKnownGood("A")
	require.NoError(t, err)

	assert.Equal(t, want, got)
}

func TestStore_LastKnownGoodNotFound(t *testing.T) {
	store := openTestStore(t)

	_, err := store.LastKnownGood("nowhere")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_BanditStateRoundTrip(t *testing.T) {
	store := openTestStore(t)
	key := bandit.ArmKey{IntersectionID: "A", PlanID: "balanced", Bucket: "q1|d0|t2|i0"}
	want := bandit.ArmState{Pulls: 7, CumulativeReward: -420, MeanReward: -60, M2: 12.5}

	require.NoError(t, store.PutBanditState(key, want))
	got, err := store.BanditState(key)
	require.NoError(t, err)

	assert.Equal(t, want, got)

	_, err = store.BanditState(bandit.ArmKey{IntersectionID: "Z", PlanID: "x", Bucket: "y"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_RecentDecisionsNewestFirst(t *testing.T) {
	store := openTestStore(t)
	for cycle := 1; cycle <= 3; cycle++ {
		rec := NewDecision(cycle, StagePlan, "selected")
		require.NoError(t, store.PersistDecision(rec))
	}

	recs, err := store.RecentDecisions(2)
	require.NoError(t, err)

	require.Len(t, recs, 2)
	assert.Equal(t, 3, recs[0].Cycle)
	assert.Equal(t, 2, recs[1].Cycle)
}

func TestStore_UtilityHistory(t *testing.T) {
	store := openTestStore(t)
	for cycle := 1; cycle <= 4; cycle++ {
		require.NoError(t, store.AppendUtility(UtilitySample{
			IntersectionID: "A", Cycle: cycle, Utility: float64(-10 * cycle),
		}))
	}
	require.NoError(t, store.AppendUtility(UtilitySample{
		IntersectionID: "B", Cycle: 1, Utility: -1,
	}))

	samples, err := store.UtilityHistory("A", 3)
	require.NoError(t, err)

	require.Len(t, samples, 3)
	assert.Equal(t, 4, samples[0].Cycle)
	assert.Equal(t, 2, samples[2].Cycle)
	for _, s := range samples {
		assert.Equal(t, "A", s.IntersectionID)
	}
}

func TestBase_ArmsColdStartAndUpdate(t *testing.T) {
	b, _ := testBase(t)
	key := bandit.ArmKey{IntersectionID: "A", PlanID: "balanced", Bucket: "q0|d0|t0|i0"}

	arms := b.Arms("A", "q0|d0|t0|i0", []string{"balanced", "ns_priority"}, nil)
	require.Len(t, arms, 2)
	assert.Zero(t, arms[0].State.Pulls)

	st := b.UpdateArm(key, -50)
	assert.Equal(t, 1, st.Pulls)
	assert.InDelta(t, -50, st.MeanReward, 1e-9)

	arms = b.Arms("A", "q0|d0|t0|i0", []string{"balanced"}, nil)
	assert.Equal(t, 1, arms[0].State.Pulls)
}

func TestBase_ArmStateSurvivesStoreReload(t *testing.T) {
	b, store := testBase(t)
	key := bandit.ArmKey{IntersectionID: "A", PlanID: "balanced", Bucket: "q0|d0|t0|i0"}
	b.UpdateArm(key, -50)
	b.UpdateArm(key, -70)

	// A fresh facade over the same store must see the learned state.
	specs := []graph.EdgeSpec{{ID: "A_B", From: "A", To: "B", Capacity: 40, FreeFlowTime: 30}}
	g, err := graph.New(specs, []string{"A"})
	require.NoError(t, err)
	fresh := NewBase(g, phaselib.New([]string{"A"}), store, nil)

	st := fresh.ArmState(key)
	assert.Equal(t, 2, st.Pulls)
	assert.InDelta(t, -60, st.MeanReward, 1e-9)
}

func TestBase_ArmsApplyBias(t *testing.T) {
	b, _ := testBase(t)

	arms := b.Arms("A", "q0|d0|t0|i0", []string{"balanced", "incident_clearing"}, func(planID string) float64 {
		if planID == "incident_clearing" {
			return 25
		}
		return 0
	})

	assert.Zero(t, arms[0].Bias)
	assert.InDelta(t, 25, arms[1].Bias, 1e-9)
}

func TestBase_SetCurrentMirrorsPlanOnNode(t *testing.T) {
	b, _ := testBase(t)

	b.SetCurrent(Adaptation{IntersectionID: "A", PlanID: "balanced", Cycle: 1})

	var planID string
	b.WithGraph(func(g *graph.TrafficGraph) {
		planID = g.Node("A").CurrentPlanID
	})
	assert.Equal(t, "balanced", planID)

	// Unknown intersections are still recorded without touching the graph.
	b.SetCurrent(Adaptation{IntersectionID: "ghost", PlanID: "balanced", Cycle: 1})
	_, ok := b.CurrentAdaptation("ghost")
	assert.True(t, ok)
}

func TestBase_DecisionRing(t *testing.T) {
	b, _ := testBase(t)
	for cycle := 1; cycle <= 5; cycle++ {
		b.LogDecision(NewDecision(cycle, StageExecute, "applied"))
	}

	recs := b.Decisions(3)
	require.Len(t, recs, 3)
	assert.Equal(t, 5, recs[0].Cycle)
	assert.Equal(t, 3, recs[2].Cycle)

	assert.Len(t, b.Decisions(0), 5)
}

func TestBase_SnapshotStats(t *testing.T) {
	b, _ := testBase(t)

	require.NoError(t, b.ApplySnapshot(1, []graph.EdgeUpdate{
		{EdgeID: "A_B", Queue: 5, Delay: 2},
	}, []byte(`{}`)))
	b.RecordMonitorFailure()

	stats := b.Stats()
	assert.Equal(t, 1, stats.TotalSnapshots)
	assert.Equal(t, 1, stats.FailedCollections)
	assert.InDelta(t, 0.5, stats.SuccessRate(), 1e-9)
}

func TestBase_ApplySnapshotRejectsInvalidBatch(t *testing.T) {
	b, _ := testBase(t)

	err := b.ApplySnapshot(1, []graph.EdgeUpdate{
		{EdgeID: "A_B", Queue: -1},
	}, nil)

	var verr *graph.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, 1, b.Stats().FailedCollections)
}

func TestBase_LastKnownGoodPromoteAndRead(t *testing.T) {
	b, _ := testBase(t)
	a := Adaptation{IntersectionID: "A", PlanID: "balanced", CycleLength: 80 * time.Second, Cycle: 3}

	_, err := b.LastKnownGood("A")
	assert.ErrorIs(t, err, ErrNotFound)

	b.PromoteLastKnownGood(a)
	got, err := b.LastKnownGood("A")
	require.NoError(t, err)
	assert.Equal(t, a, got)
}
