// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package bandit implements contextual multi-armed bandit plan
// selection. Each (intersection, plan, context-bucket) triple is one
// arm; rewards arrive one control cycle after the pull.
package bandit

import (
	"fmt"
	"math"
)

// Context is the observed traffic context for one intersection at
// selection time. It is discretized into a bucket; arms are tracked per
// bucket so a plan can be good at peak and bad at night.
type Context struct {
	// QueueRatio is total queue over total capacity on incoming edges,
	// in [0,1] (clamped).
	QueueRatio float64

	// AvgDelay is the mean delay in seconds on incoming edges.
	AvgDelay float64

	// HourOfDay in [0,24).
	HourOfDay float64

	// Incident reports whether any incident is active network-wide.
	Incident bool
}

// Bucket discretizes the context into a stable key.
//
// Queue ratio quartiles, delay bands at 5s and 15s, and four day
// segments (night, morning peak, midday, evening peak). The bucket
// string is part of persisted arm keys, so bin boundaries must not
// change between releases.
func (c Context) Bucket() string {
	q := 0
	switch {
	case c.QueueRatio >= 0.75:
		q = 3
	case c.QueueRatio >= 0.5:
		q = 2
	case c.QueueRatio >= 0.25:
		q = 1
	}

	d := 0
	switch {
	case c.AvgDelay >= 15:
		d = 2
	case c.AvgDelay >= 5:
		d = 1
	}

	t := 0 // night
	switch {
	case c.HourOfDay >= 16 && c.HourOfDay < 19:
		t = 3 // evening peak
	case c.HourOfDay >= 9 && c.HourOfDay < 16:
		t = 2 // midday
	case c.HourOfDay >= 6 && c.HourOfDay < 9:
		t = 1 // morning peak
	}

	i := 0
	if c.Incident {
		i = 1
	}
	return fmt.Sprintf("q%d|d%d|t%d|i%d", q, d, t, i)
}

// ArmKey identifies one bandit arm.
type ArmKey struct {
	IntersectionID string `json:"intersection_id"`
	PlanID         string `json:"plan_id"`
	Bucket         string `json:"bucket"`
}

// String renders the key in the form used for persistence.
func (k ArmKey) String() string {
	return k.IntersectionID + "/" + k.PlanID + "/" + k.Bucket
}

// ArmState is the persisted statistics of one arm.
type ArmState struct {
	Pulls            int     `json:"pulls"`
	CumulativeReward float64 `json:"cumulative_reward"`
	MeanReward       float64 `json:"mean_reward"`

	// M2 is the running sum of squared deviations (Welford), kept so
	// the reward variance survives restarts.
	M2 float64 `json:"m2"`
}

// Update folds one observed reward into the arm statistics.
func (s *ArmState) Update(reward float64) {
	s.Pulls++
	s.CumulativeReward += reward
	delta := reward - s.MeanReward
	s.MeanReward += delta / float64(s.Pulls)
	s.M2 += delta * (reward - s.MeanReward)
}

// Variance returns the sample variance of observed rewards, zero until
// two pulls exist.
func (s ArmState) Variance() float64 {
	if s.Pulls < 2 {
		return 0
	}
	return s.M2 / float64(s.Pulls-1)
}

// Arm is one selectable plan with its statistics and any incident bias
// applied this cycle. Bias is an additive score bonus; additive rather
// than multiplicative so negative mean rewards keep their ordering.
type Arm struct {
	PlanID string
	State  ArmState
	Bias   float64
}

// CycleMetrics are the per-intersection outcome measurements of one
// control cycle, used to compute the reward for the previous selection.
type CycleMetrics struct {
	AvgTripTime float64 `json:"avg_trip_seconds"`
	P95TripTime float64 `json:"p95_trip_seconds"`
	Spillbacks  int     `json:"spillbacks"`
	Stops       float64 `json:"stops"`
	Incidents   int     `json:"incidents"`
}

// RewardWeights are the coefficients of the (negated) cost-of-outcome
// reward function.
type RewardWeights struct {
	AvgTrip   float64 `json:"avg_trip" yaml:"avg_trip"`
	P95Trip   float64 `json:"p95_trip" yaml:"p95_trip"`
	Spillback float64 `json:"spillback" yaml:"spillback"`
	Stops     float64 `json:"stops" yaml:"stops"`
	Incident  float64 `json:"incident" yaml:"incident"`
}

// DefaultRewardWeights returns the standard coefficients.
func DefaultRewardWeights() RewardWeights {
	return RewardWeights{AvgTrip: 1.0, P95Trip: 0.5, Spillback: 20.0, Stops: 0.1, Incident: 5.0}
}

// Reward computes the reward for one cycle's outcome. Lower trip times
// and fewer disruptions give rewards closer to zero; rewards are never
// positive.
func Reward(m CycleMetrics, w RewardWeights) float64 {
	cost := w.AvgTrip*m.AvgTripTime +
		w.P95Trip*m.P95TripTime +
		w.Spillback*float64(m.Spillbacks) +
		w.Stops*m.Stops +
		w.Incident*float64(m.Incidents)
	return -cost
}

// totalPulls sums pulls across arms; the context-level N of the UCB
// exploration term.
func totalPulls(arms []Arm) float64 {
	var n float64
	for _, a := range arms {
		n += float64(a.State.Pulls)
	}
	if n < 1 {
		return 1 // avoid log(0)
	}
	return n
}

// ucbScore is the UCB value of one arm given the context total.
// Unpulled arms score +Inf so every arm is tried before any is re-tried.
func ucbScore(a Arm, total, c float64) float64 {
	if a.State.Pulls == 0 {
		return math.Inf(1)
	}
	return a.State.MeanReward + a.Bias + c*math.Sqrt(math.Log(total)/float64(a.State.Pulls))
}
