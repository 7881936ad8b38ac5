// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package safety validates candidate signal plans against hard traffic
// engineering constraints. Validation is pure: no plan is ever mutated
// and no state is kept, so the same checks guard both new adaptations
// and rollback targets.
package safety

import (
	"fmt"
	"strings"
	"time"

	"github.com/AleutianAI/aegislights/services/controller/phaselib"
)

// Rule identifies which constraint a violation broke.
type Rule string

const (
	RuleConflict   Rule = "conflicting_movements"
	RuleAmber      Rule = "amber_out_of_range"
	RuleAllRed     Rule = "all_red_too_short"
	RulePedWalk    Rule = "walk_too_short"
	RulePedClear   Rule = "ped_clearance_too_short"
	RuleCycleDelta Rule = "cycle_delta_exceeded"
	RuleEmptyPlan  Rule = "no_phases"
)

// Violation is one broken constraint. PhaseIndex is -1 for plan-level
// rules.
type Violation struct {
	Rule       Rule   `json:"rule"`
	PhaseIndex int    `json:"phase_index"`
	Detail     string `json:"detail"`
}

func (v Violation) String() string {
	if v.PhaseIndex < 0 {
		return fmt.Sprintf("%s: %s", v.Rule, v.Detail)
	}
	return fmt.Sprintf("%s (phase %d): %s", v.Rule, v.PhaseIndex, v.Detail)
}

// ViolationError wraps a non-empty violation list as an error for the
// Execute stage.
type ViolationError struct {
	IntersectionID string
	PlanID         string
	Violations     []Violation
}

func (e *ViolationError) Error() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = v.String()
	}
	return fmt.Sprintf("plan %s rejected for %s: %s",
		e.PlanID, e.IntersectionID, strings.Join(parts, "; "))
}

// Limits are the hard bounds enforced by Validate.
type Limits struct {
	MinAmber      time.Duration `json:"min_amber" yaml:"min_amber"`
	MaxAmber      time.Duration `json:"max_amber" yaml:"max_amber"`
	MinAllRed     time.Duration `json:"min_all_red" yaml:"min_all_red"`
	MinWalk       time.Duration `json:"min_walk" yaml:"min_walk"`
	MinPedClear   time.Duration `json:"min_ped_clear" yaml:"min_ped_clear"`
	MaxCycleDelta time.Duration `json:"max_cycle_delta" yaml:"max_cycle_delta"`
}

// DefaultLimits returns the standard bounds: amber within [3s,6s]
// inclusive, at least 1s all-red, 7s walk, 5s pedestrian clearance, and
// at most 30s cycle-length change per adaptation.
func DefaultLimits() Limits {
	return Limits{
		MinAmber:      3 * time.Second,
		MaxAmber:      6 * time.Second,
		MinAllRed:     1 * time.Second,
		MinWalk:       7 * time.Second,
		MinPedClear:   5 * time.Second,
		MaxCycleDelta: 30 * time.Second,
	}
}

// conflicts lists movement pairs that must never share a phase.
// Same-street pairs (NS-through with NS-left, and the pedestrian
// crossing walking parallel) are compatible.
var conflicts = map[phaselib.Movement][]phaselib.Movement{
	phaselib.MovementNSThrough: {phaselib.MovementEWThrough, phaselib.MovementEWLeft, phaselib.MovementPedEW},
	phaselib.MovementNSLeft:    {phaselib.MovementEWThrough, phaselib.MovementEWLeft, phaselib.MovementPedEW},
	phaselib.MovementEWThrough: {phaselib.MovementNSThrough, phaselib.MovementNSLeft, phaselib.MovementPedNS},
	phaselib.MovementEWLeft:    {phaselib.MovementNSThrough, phaselib.MovementNSLeft, phaselib.MovementPedNS},
	phaselib.MovementPedNS:     {phaselib.MovementEWThrough, phaselib.MovementEWLeft},
	phaselib.MovementPedEW:     {phaselib.MovementNSThrough, phaselib.MovementNSLeft},
}

// Compatible reports whether two movements may run in the same phase.
func Compatible(a, b phaselib.Movement) bool {
	for _, c := range conflicts[a] {
		if c == b {
			return false
		}
	}
	return true
}

// Validate checks a candidate plan against the limits. An empty result
// means the candidate is acceptable; any violation rejects the whole
// plan, there is no partial acceptance.
//
// Inputs:
//   - candidate: The plan to validate.
//   - current: The plan currently actuated at the intersection, nil
//     when unknown (startup). The cycle-delta rule is skipped then.
//   - limits: Hard bounds.
//
// Outputs:
//   - []Violation: Every violated constraint, not just the first.
func Validate(candidate phaselib.SignalPlan, current *phaselib.SignalPlan, limits Limits) []Violation {
	var out []Violation

	if len(candidate.Phases) == 0 {
		out = append(out, Violation{
			Rule: RuleEmptyPlan, PhaseIndex: -1,
			Detail: "plan has no phases",
		})
		return out
	}

	for i, ph := range candidate.Phases {
		// Conflicting movements sharing a phase.
		for a := 0; a < len(ph.Movements); a++ {
			for b := a + 1; b < len(ph.Movements); b++ {
				if !Compatible(ph.Movements[a], ph.Movements[b]) {
					out = append(out, Violation{
						Rule: RuleConflict, PhaseIndex: i,
						Detail: fmt.Sprintf("%s conflicts with %s", ph.Movements[a], ph.Movements[b]),
					})
				}
			}
		}

		if ph.Amber < limits.MinAmber || ph.Amber > limits.MaxAmber {
			out = append(out, Violation{
				Rule: RuleAmber, PhaseIndex: i,
				Detail: fmt.Sprintf("amber %s outside [%s,%s]", ph.Amber, limits.MinAmber, limits.MaxAmber),
			})
		}
		if ph.AllRed < limits.MinAllRed {
			out = append(out, Violation{
				Rule: RuleAllRed, PhaseIndex: i,
				Detail: fmt.Sprintf("all-red %s below %s", ph.AllRed, limits.MinAllRed),
			})
		}

		if ph.ServesPedestrians() {
			if ph.Walk < limits.MinWalk {
				out = append(out, Violation{
					Rule: RulePedWalk, PhaseIndex: i,
					Detail: fmt.Sprintf("walk %s below %s", ph.Walk, limits.MinWalk),
				})
			}
			if ph.PedClear < limits.MinPedClear {
				out = append(out, Violation{
					Rule: RulePedClear, PhaseIndex: i,
					Detail: fmt.Sprintf("clearance %s below %s", ph.PedClear, limits.MinPedClear),
				})
			}
		}
	}

	if current != nil {
		delta := candidate.CycleLength - current.CycleLength
		if delta < 0 {
			delta = -delta
		}
		if delta > limits.MaxCycleDelta {
			out = append(out, Violation{
				Rule: RuleCycleDelta, PhaseIndex: -1,
				Detail: fmt.Sprintf("cycle change %s exceeds %s", delta, limits.MaxCycleDelta),
			})
		}
	}

	return out
}
