// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package bandit

import (
	"math"
	"math/rand"
	"sort"
	"sync"
)

// Strategy ranks the candidate arms of one intersection, best first.
//
// Rank rather than a bare Select so the Execute stage can fall back to
// the next candidate when the safety validator rejects the first.
//
// Thread Safety: Implementations must be safe for concurrent use; the
// Plan stage ranks intersections in parallel.
type Strategy interface {
	// Name identifies the strategy in logs and decision records.
	Name() string

	// Rank orders the arms by preference, best first. An empty input
	// returns an empty ranking.
	Rank(arms []Arm) []string
}

// UCBPolicy ranks arms by the Upper Confidence Bound:
//
//	score(arm) = mean + bias + C * sqrt(ln(N) / n)
//
// where N is the pull total across the context's arms and n the arm's
// own pulls. Unpulled arms score +Inf, so every plan is tried once
// before any statistics drive the choice. Ties break on plan id for
// deterministic output.
//
// Thread Safety: Safe for concurrent use.
type UCBPolicy struct {
	// ExplorationConstant (C) controls exploration vs exploitation.
	// Typical values: 1.41 (sqrt(2)), 2.0 (more exploration).
	ExplorationConstant float64
}

// NewUCBPolicy creates a UCB ranking policy.
func NewUCBPolicy(explorationConstant float64) *UCBPolicy {
	if explorationConstant <= 0 {
		explorationConstant = math.Sqrt2
	}
	return &UCBPolicy{ExplorationConstant: explorationConstant}
}

// Name implements Strategy.
func (p *UCBPolicy) Name() string { return "ucb" }

// Rank implements Strategy.
func (p *UCBPolicy) Rank(arms []Arm) []string {
	if len(arms) == 0 {
		return nil
	}
	total := totalPulls(arms)

	type scored struct {
		planID string
		score  float64
	}
	scores := make([]scored, len(arms))
	for i, a := range arms {
		scores[i] = scored{planID: a.PlanID, score: ucbScore(a, total, p.ExplorationConstant)}
	}
	sort.Slice(scores, func(i, j int) bool {
		if scores[i].score != scores[j].score {
			return scores[i].score > scores[j].score
		}
		return scores[i].planID < scores[j].planID
	})

	out := make([]string, len(scores))
	for i, s := range scores {
		out[i] = s.planID
	}
	return out
}

// ThompsonPolicy ranks arms by sampling each arm's Gaussian posterior.
//
// Rewards here are unbounded negative magnitudes, so the usual Beta
// posterior over [0,1] rewards does not apply; a
// normal-with-known-noise conjugate model does:
//
//	postMean = (k0*prior + n*mean) / (k0 + n)
//	postStd  = noise / sqrt(k0 + n)
//
// Each Rank draws one sample per arm and orders by sample descending.
//
// Thread Safety: Safe for concurrent use; the sampler is locked.
type ThompsonPolicy struct {
	// PriorMean is the assumed reward before any pulls. Pessimistic
	// priors make unexplored arms attractive sooner than they should
	// be; keep it near a typical observed reward.
	PriorMean float64

	// PriorWeight (k0) is the prior's strength in pseudo-pulls.
	PriorWeight float64

	// NoiseStd is the assumed reward noise scale.
	NoiseStd float64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewThompsonPolicy creates a Thompson sampling policy with a seeded
// source so runs are reproducible.
func NewThompsonPolicy(priorMean, priorWeight, noiseStd float64, seed int64) *ThompsonPolicy {
	if priorWeight <= 0 {
		priorWeight = 1
	}
	if noiseStd <= 0 {
		noiseStd = 10
	}
	return &ThompsonPolicy{
		PriorMean:   priorMean,
		PriorWeight: priorWeight,
		NoiseStd:    noiseStd,
		rng:         rand.New(rand.NewSource(seed)),
	}
}

// Name implements Strategy.
func (p *ThompsonPolicy) Name() string { return "thompson" }

// Rank implements Strategy.
func (p *ThompsonPolicy) Rank(arms []Arm) []string {
	if len(arms) == 0 {
		return nil
	}

	type scored struct {
		planID string
		sample float64
	}
	scores := make([]scored, len(arms))

	p.mu.Lock()
	for i, a := range arms {
		n := float64(a.State.Pulls)
		postMean := (p.PriorWeight*p.PriorMean + n*a.State.MeanReward) / (p.PriorWeight + n)
		postStd := p.NoiseStd / math.Sqrt(p.PriorWeight+n)
		scores[i] = scored{
			planID: a.PlanID,
			sample: postMean + a.Bias + p.rng.NormFloat64()*postStd,
		}
	}
	p.mu.Unlock()

	sort.Slice(scores, func(i, j int) bool {
		if scores[i].sample != scores[j].sample {
			return scores[i].sample > scores[j].sample
		}
		return scores[i].planID < scores[j].planID
	})

	out := make([]string, len(scores))
	for i, s := range scores {
		out[i] = s.planID
	}
	return out
}
