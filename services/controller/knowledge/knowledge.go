// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package knowledge is the K of the control loop: one facade over the
// traffic graph, the plan library, learned bandit statistics, utility
// history, last-known-good plans, and the decision log. All shared
// state mutation goes through it.
package knowledge

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/AleutianAI/aegislights/services/controller/bandit"
	"github.com/AleutianAI/aegislights/services/controller/graph"
	"github.com/AleutianAI/aegislights/services/controller/phaselib"
)

// decisionRingCap bounds the in-memory decision log served by the
// status API. The full log lives in the store.
const decisionRingCap = 256

// MonitorStats are the running collection statistics.
type MonitorStats struct {
	TotalSnapshots    int `json:"total_snapshots"`
	FailedCollections int `json:"failed_collections"`
}

// SuccessRate is successful collections over attempts, 1 when nothing
// has been attempted yet.
func (m MonitorStats) SuccessRate() float64 {
	attempts := m.TotalSnapshots + m.FailedCollections
	if attempts == 0 {
		return 1
	}
	return float64(m.TotalSnapshots) / float64(attempts)
}

// Base is the knowledge base facade.
//
// Thread Safety: Safe for concurrent use. One mutex serializes all
// access; the loop holds it per stage call, the status API per read.
type Base struct {
	mu     sync.Mutex
	graph  *graph.TrafficGraph
	plans  *phaselib.Library
	store  Store
	logger *slog.Logger

	current map[string]Adaptation
	lkg     map[string]Adaptation
	arms    map[bandit.ArmKey]bandit.ArmState

	decisions []DecisionRecord // ring, newest appended
	stats     MonitorStats

	onPersistFailure func()
}

// NewBase creates the facade. The store may not be nil; use an
// in-memory store when durability is not wanted.
func NewBase(g *graph.TrafficGraph, plans *phaselib.Library, store Store, logger *slog.Logger) *Base {
	if logger == nil {
		logger = slog.Default()
	}
	return &Base{
		graph:   g,
		plans:   plans,
		store:   store,
		logger:  logger,
		current: make(map[string]Adaptation),
		lkg:     make(map[string]Adaptation),
		arms:    make(map[bandit.ArmKey]bandit.ArmState),
	}
}

// OnPersistFailure installs a callback invoked whenever a store write
// fails and is continued past. Used to feed the persistence failure
// counter. Call before the loop starts.
func (b *Base) OnPersistFailure(fn func()) { b.onPersistFailure = fn }

func (b *Base) persistFailed() {
	if b.onPersistFailure != nil {
		b.onPersistFailure()
	}
}

// WithGraph runs fn with exclusive access to the traffic graph. Stage
// code that reads or mutates the graph goes through here.
func (b *Base) WithGraph(fn func(*graph.TrafficGraph)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(b.graph)
}

// Plans returns the immutable plan library.
func (b *Base) Plans() *phaselib.Library { return b.plans }

// ---------------------------------------------------------------------------
// Monitor
// ---------------------------------------------------------------------------

// ApplySnapshot applies one validated snapshot batch to the graph and
// archives the raw payload. A persistence failure is logged and
// swallowed; a graph validation failure is returned and nothing is
// applied.
func (b *Base) ApplySnapshot(cycle int, updates []graph.EdgeUpdate, raw []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.graph.ApplySnapshot(updates); err != nil {
		b.stats.FailedCollections++
		return err
	}
	b.stats.TotalSnapshots++

	if err := b.store.PersistSnapshot(cycle, raw); err != nil {
		b.logger.Warn("snapshot not archived", "cycle", cycle, "error", err)
		b.persistFailed()
	}
	return nil
}

// RecordMonitorFailure counts a failed collection attempt.
func (b *Base) RecordMonitorFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stats.FailedCollections++
}

// Stats returns the monitor statistics.
func (b *Base) Stats() MonitorStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// ---------------------------------------------------------------------------
// Bandit state
// ---------------------------------------------------------------------------

// ArmState returns the statistics of one arm, loading from the store on
// first touch. Unknown arms return the zero state.
func (b *Base) ArmState(key bandit.ArmKey) bandit.ArmState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.armStateLocked(key)
}

func (b *Base) armStateLocked(key bandit.ArmKey) bandit.ArmState {
	if st, ok := b.arms[key]; ok {
		return st
	}
	st, err := b.store.BanditState(key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			b.logger.Warn("bandit state unreadable, starting cold", "key", key.String(), "error", err)
		}
		st = bandit.ArmState{}
	}
	b.arms[key] = st
	return st
}

// Arms builds the candidate arm list for one intersection and context
// bucket, one arm per plan id, with the given biases applied.
func (b *Base) Arms(intersectionID, bucket string, planIDs []string, bias func(planID string) float64) []bandit.Arm {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]bandit.Arm, 0, len(planIDs))
	for _, planID := range planIDs {
		key := bandit.ArmKey{IntersectionID: intersectionID, PlanID: planID, Bucket: bucket}
		arm := bandit.Arm{PlanID: planID, State: b.armStateLocked(key)}
		if bias != nil {
			arm.Bias = bias(planID)
		}
		out = append(out, arm)
	}
	return out
}

// UpdateArm folds one observed reward into the arm and writes it
// through to the store. Persistence failures are logged; the in-memory
// statistics stay authoritative for this process.
func (b *Base) UpdateArm(key bandit.ArmKey, reward float64) bandit.ArmState {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.armStateLocked(key)
	st.Update(reward)
	b.arms[key] = st

	if err := b.store.PutBanditState(key, st); err != nil {
		b.logger.Warn("bandit state not persisted", "key", key.String(), "error", err)
		b.persistFailed()
	}
	return st
}

// ---------------------------------------------------------------------------
// Adaptations
// ---------------------------------------------------------------------------

// CurrentAdaptation returns the adaptation actuated at the intersection,
// if any has been applied this run.
func (b *Base) CurrentAdaptation(intersectionID string) (Adaptation, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, ok := b.current[intersectionID]
	return a, ok
}

// CurrentAdaptations returns a copy of all actuated adaptations.
func (b *Base) CurrentAdaptations() map[string]Adaptation {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]Adaptation, len(b.current))
	for k, v := range b.current {
		out[k] = v
	}
	return out
}

// SetCurrent records that an adaptation was actuated and mirrors the
// plan id onto the graph node.
func (b *Base) SetCurrent(a Adaptation) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current[a.IntersectionID] = a
	if n := b.graph.Node(a.IntersectionID); n != nil {
		n.CurrentPlanID = a.PlanID
	}
}

// LastKnownGood returns the rollback target for an intersection,
// preferring the cache and falling back to the store. ErrNotFound when
// no adaptation has ever been promoted.
func (b *Base) LastKnownGood(intersectionID string) (Adaptation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if a, ok := b.lkg[intersectionID]; ok {
		return a, nil
	}
	a, err := b.store.LastKnownGood(intersectionID)
	if err != nil {
		return Adaptation{}, err
	}
	b.lkg[intersectionID] = a
	return a, nil
}

// PromoteLastKnownGood marks an adaptation as the rollback target.
// Persistence failures are logged; the cache stays authoritative.
func (b *Base) PromoteLastKnownGood(a Adaptation) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lkg[a.IntersectionID] = a
	if err := b.store.PutLastKnownGood(a); err != nil {
		b.logger.Warn("last known good not persisted",
			"intersection", a.IntersectionID, "error", err)
		b.persistFailed()
	}
}

// ---------------------------------------------------------------------------
// Utilities and decisions
// ---------------------------------------------------------------------------

// ObserveUtility archives one utility sample.
func (b *Base) ObserveUtility(sample UtilitySample) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.store.AppendUtility(sample); err != nil {
		b.logger.Warn("utility not persisted",
			"intersection", sample.IntersectionID, "error", err)
		b.persistFailed()
	}
}

// UtilityHistory returns up to limit archived samples for one
// intersection, newest first.
func (b *Base) UtilityHistory(intersectionID string, limit int) ([]UtilitySample, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.store.UtilityHistory(intersectionID, limit)
}

// LogDecision appends a record to the in-memory ring and the store.
func (b *Base) LogDecision(rec DecisionRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.decisions = append(b.decisions, rec)
	if len(b.decisions) > decisionRingCap {
		b.decisions = b.decisions[len(b.decisions)-decisionRingCap:]
	}
	if err := b.store.PersistDecision(rec); err != nil {
		b.logger.Warn("decision not persisted", "id", rec.ID, "error", err)
		b.persistFailed()
	}
}

// Decisions returns up to limit records from the in-memory ring, newest
// first.
func (b *Base) Decisions(limit int) []DecisionRecord {
	b.mu.Lock()
	defer b.mu.Unlock()

	if limit <= 0 || limit > len(b.decisions) {
		limit = len(b.decisions)
	}
	out := make([]DecisionRecord, 0, limit)
	for i := len(b.decisions) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, b.decisions[i])
	}
	return out
}
