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
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/aegislights/services/controller/analysis"
	"github.com/AleutianAI/aegislights/services/controller/bandit"
	"github.com/AleutianAI/aegislights/services/controller/httpapi"
	"github.com/AleutianAI/aegislights/services/controller/incident"
	"github.com/AleutianAI/aegislights/services/controller/knowledge"
	"github.com/AleutianAI/aegislights/services/controller/observability"
	"github.com/AleutianAI/aegislights/services/controller/rollback"
	"github.com/AleutianAI/aegislights/services/controller/safety"
	"github.com/AleutianAI/aegislights/services/controller/simclient"
)

// Simulator is the actuation surface the loop needs from the traffic
// simulator client.
type Simulator interface {
	Snapshot(ctx context.Context) (*simclient.Snapshot, []byte, error)
	ApplyPlan(ctx context.Context, intersectionID string, cmd simclient.PlanCommand) error
}

// UnsafeRollbackTargetError reports a last-known-good plan that no
// longer passes safety validation and therefore cannot be restored.
type UnsafeRollbackTargetError struct {
	IntersectionID string
	PlanID         string
	Violations     []safety.Violation
}

// Error implements the error interface.
func (e *UnsafeRollbackTargetError) Error() string {
	return fmt.Sprintf("rollback target %s for %s failed safety validation (%d violations)",
		e.PlanID, e.IntersectionID, len(e.Violations))
}

// Config tunes the loop controller.
type Config struct {
	// CyclePeriod is the wall-clock interval between adaptation cycles.
	CyclePeriod time.Duration `json:"cycle_period" yaml:"cycle_period"`
}

// DefaultConfig returns the standard loop settings.
func DefaultConfig() Config {
	return Config{CyclePeriod: 90 * time.Second}
}

// Deps are the collaborators the controller drives. All fields are
// required except Logger.
type Deps struct {
	Knowledge     *knowledge.Base
	Simulator     Simulator
	Analyzer      *analysis.Analyzer
	Incidents     *incident.Handler
	Strategy      bandit.Strategy
	Limits        safety.Limits
	Watchdog      *rollback.Watchdog
	Metrics       *observability.Metrics
	RewardWeights bandit.RewardWeights
	Logger        *slog.Logger
}

// pendingSelection is an adaptation whose outcome has not been
// observed yet. Rewards arrive one cycle after actuation.
type pendingSelection struct {
	key        bandit.ArmKey
	adaptation knowledge.Adaptation
}

// Controller runs the adaptation cycle.
//
// # Description
//
// Each cycle: fetch a simulator snapshot into the knowledge base,
// settle the rewards of the previous cycle's adaptations, analyze the
// network, select plans for the affected intersections, validate them,
// and actuate. A failed snapshot skips the whole cycle; the network
// keeps its current plans.
//
// # Thread Safety
//
// Run executes cycles sequentially. Status, SetRewardWeights, and
// SetCyclePeriod may be called concurrently with Run.
type Controller struct {
	kb       *knowledge.Base
	sim      Simulator
	analyzer *analysis.Analyzer
	inc      *incident.Handler
	strategy bandit.Strategy
	limits   safety.Limits
	watchdog *rollback.Watchdog
	metrics  *observability.Metrics
	logger   *slog.Logger

	now func() time.Time

	mu            sync.Mutex
	cfg           Config
	rewardWeights bandit.RewardWeights
	state         State
	cycle         int
	cycleStarted  time.Time
	lastResult    *analysis.Result
	pending       map[string]pendingSelection
}

// New creates a controller. Returns an error if a required dependency
// is missing.
func New(cfg Config, d Deps) (*Controller, error) {
	if cfg.CyclePeriod <= 0 {
		cfg = DefaultConfig()
	}
	if d.Knowledge == nil || d.Simulator == nil || d.Analyzer == nil ||
		d.Incidents == nil || d.Strategy == nil || d.Watchdog == nil || d.Metrics == nil {
		return nil, errors.New("loop: missing required dependency")
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Controller{
		kb:            d.Knowledge,
		sim:           d.Simulator,
		analyzer:      d.Analyzer,
		inc:           d.Incidents,
		strategy:      d.Strategy,
		limits:        d.Limits,
		watchdog:      d.Watchdog,
		metrics:       d.Metrics,
		logger:        d.Logger,
		now:           time.Now,
		cfg:           cfg,
		rewardWeights: d.RewardWeights,
		state:         StateIdle,
		pending:       make(map[string]pendingSelection),
	}, nil
}

// Run executes adaptation cycles until the context is canceled. The
// first cycle starts immediately.
func (c *Controller) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cyclePeriod())
	defer ticker.Stop()

	c.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			c.setState(StateStopped)
			return ctx.Err()
		case <-ticker.C:
			c.runCycle(ctx)
			ticker.Reset(c.cyclePeriod())
		}
	}
}

// SetRewardWeights replaces the reward coefficients. Takes effect at
// the next reward settlement.
func (c *Controller) SetRewardWeights(w bandit.RewardWeights) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rewardWeights = w
}

// SetCyclePeriod replaces the cycle interval. Takes effect after the
// cycle currently being waited on.
func (c *Controller) SetCyclePeriod(p time.Duration) {
	if p <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.CyclePeriod = p
}

func (c *Controller) cyclePeriod() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.CyclePeriod
}

func (c *Controller) rewards() bandit.RewardWeights {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rewardWeights
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

// Status implements httpapi.StatusProvider.
func (c *Controller) Status() httpapi.Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := httpapi.Status{
		State:            c.state.String(),
		Cycle:            c.cycle,
		LastCycleStarted: c.cycleStarted,
		Monitor:          c.kb.Stats(),
		Adaptations:      c.kb.CurrentAdaptations(),
	}
	if c.lastResult != nil {
		st.Hotspots = c.lastResult.Hotspots
		st.ActiveIncidents = len(c.lastResult.Incidents)
	}
	return st
}
