// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package phaselib holds the per-intersection library of candidate
// signal plans. Plans are seeded at startup and immutable afterwards;
// the Plan stage only ever chooses among them.
package phaselib

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"
)

// ErrUnknownIntersection is returned when a lookup names an intersection
// the library was never seeded for.
var ErrUnknownIntersection = errors.New("intersection not in phase library")

// ErrUnknownPlan is returned when a plan id does not exist for an
// intersection.
var ErrUnknownPlan = errors.New("plan not in phase library")

// Movement identifies one signal movement controlled by a phase.
type Movement string

const (
	MovementNSThrough Movement = "ns_through"
	MovementNSLeft    Movement = "ns_left"
	MovementEWThrough Movement = "ew_through"
	MovementEWLeft    Movement = "ew_left"
	MovementPedNS     Movement = "ped_ns"
	MovementPedEW     Movement = "ped_ew"
)

// IsPedestrian reports whether the movement is a pedestrian crossing.
func (m Movement) IsPedestrian() bool {
	return m == MovementPedNS || m == MovementPedEW
}

// Phase is one timing stage of a signal plan.
type Phase struct {
	// Movements served concurrently during this phase.
	Movements []Movement `json:"movements"`

	// MinGreen and MaxGreen bound the green interval.
	MinGreen time.Duration `json:"min_green"`
	MaxGreen time.Duration `json:"max_green"`

	// Amber is the change interval following green.
	Amber time.Duration `json:"amber"`

	// AllRed is the clearance interval after amber.
	AllRed time.Duration `json:"all_red"`

	// Walk and PedClear time the pedestrian crossing when the phase
	// serves one; zero otherwise.
	Walk     time.Duration `json:"walk,omitempty"`
	PedClear time.Duration `json:"ped_clear,omitempty"`

	// CycleShare is this phase's fraction of the cycle length.
	CycleShare float64 `json:"cycle_share"`
}

// ServesPedestrians reports whether any movement in the phase is a
// pedestrian crossing.
func (p Phase) ServesPedestrians() bool {
	for _, m := range p.Movements {
		if m.IsPedestrian() {
			return true
		}
	}
	return false
}

// SignalPlan is one candidate timing plan for an intersection.
type SignalPlan struct {
	ID             string        `json:"id"`
	IntersectionID string        `json:"intersection_id"`
	CycleLength    time.Duration `json:"cycle_length"`
	Phases         []Phase       `json:"phases"`
	PedCompliant   bool          `json:"ped_compliant"`
}

// Plan archetype ids. Every signalized intersection gets one plan of
// each archetype.
const (
	PlanNSPriority       = "ns_priority"
	PlanEWPriority       = "ew_priority"
	PlanBalanced         = "balanced"
	PlanIncidentClearing = "incident_clearing"
)

// Library is the seeded plan library.
//
// Thread Safety: Immutable after New; safe for concurrent reads.
type Library struct {
	plans map[string][]SignalPlan // intersection id -> plans, id-sorted
}

// New seeds the library with the four archetype plans for every given
// intersection.
//
// Inputs:
//   - intersectionIDs: Signalized intersection ids.
//
// Outputs:
//   - *Library: The seeded library.
func New(intersectionIDs []string) *Library {
	lib := &Library{plans: make(map[string][]SignalPlan, len(intersectionIDs))}
	for _, id := range intersectionIDs {
		plans := []SignalPlan{
			nsPriorityPlan(id),
			ewPriorityPlan(id),
			balancedPlan(id),
			clearingPlan(id),
		}
		sort.Slice(plans, func(i, j int) bool { return plans[i].ID < plans[j].ID })
		lib.plans[id] = plans
	}
	return lib
}

// ValidPlans returns the candidate plans for an intersection.
//
// Outputs:
//   - []SignalPlan: Deep copies, id-sorted. Callers may mutate freely.
//   - error: ErrUnknownIntersection when the id was never seeded.
func (l *Library) ValidPlans(intersectionID string) ([]SignalPlan, error) {
	plans, ok := l.plans[intersectionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownIntersection, intersectionID)
	}
	out := make([]SignalPlan, len(plans))
	for i, p := range plans {
		out[i] = clonePlan(p)
	}
	return out, nil
}

// Plan returns one plan by intersection and plan id.
func (l *Library) Plan(intersectionID, planID string) (SignalPlan, error) {
	plans, ok := l.plans[intersectionID]
	if !ok {
		return SignalPlan{}, fmt.Errorf("%w: %s", ErrUnknownIntersection, intersectionID)
	}
	for _, p := range plans {
		if p.ID == planID {
			return clonePlan(p), nil
		}
	}
	return SignalPlan{}, fmt.Errorf("%w: %s/%s", ErrUnknownPlan, intersectionID, planID)
}

// Intersections returns the seeded intersection ids, sorted.
func (l *Library) Intersections() []string {
	out := make([]string, 0, len(l.plans))
	for id := range l.plans {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func clonePlan(p SignalPlan) SignalPlan {
	out := p
	out.Phases = make([]Phase, len(p.Phases))
	for i, ph := range p.Phases {
		out.Phases[i] = ph
		out.Phases[i].Movements = slices.Clone(ph.Movements)
	}
	return out
}

// ---------------------------------------------------------------------------
// Archetype seeding
// ---------------------------------------------------------------------------

// Long-cycle plan favoring north-south movements.
func nsPriorityPlan(intersectionID string) SignalPlan {
	return SignalPlan{
		ID:             PlanNSPriority,
		IntersectionID: intersectionID,
		CycleLength:    100 * time.Second,
		PedCompliant:   true,
		Phases: []Phase{
			{
				Movements:  []Movement{MovementNSThrough, MovementNSLeft, MovementPedNS},
				MinGreen:   15 * time.Second,
				MaxGreen:   55 * time.Second,
				Amber:      4 * time.Second,
				AllRed:     2 * time.Second,
				Walk:       8 * time.Second,
				PedClear:   6 * time.Second,
				CycleShare: 0.6,
			},
			{
				Movements:  []Movement{MovementEWThrough, MovementEWLeft, MovementPedEW},
				MinGreen:   10 * time.Second,
				MaxGreen:   30 * time.Second,
				Amber:      4 * time.Second,
				AllRed:     2 * time.Second,
				Walk:       7 * time.Second,
				PedClear:   5 * time.Second,
				CycleShare: 0.4,
			},
		},
	}
}

// Long-cycle plan favoring east-west movements.
func ewPriorityPlan(intersectionID string) SignalPlan {
	p := nsPriorityPlan(intersectionID)
	p.ID = PlanEWPriority
	p.Phases[0], p.Phases[1] = p.Phases[1], p.Phases[0]
	p.Phases[0].Movements = []Movement{MovementEWThrough, MovementEWLeft, MovementPedEW}
	p.Phases[0].MinGreen = 15 * time.Second
	p.Phases[0].MaxGreen = 55 * time.Second
	p.Phases[0].Walk = 8 * time.Second
	p.Phases[0].PedClear = 6 * time.Second
	p.Phases[0].CycleShare = 0.6
	p.Phases[1].Movements = []Movement{MovementNSThrough, MovementNSLeft, MovementPedNS}
	p.Phases[1].MinGreen = 10 * time.Second
	p.Phases[1].MaxGreen = 30 * time.Second
	p.Phases[1].Walk = 7 * time.Second
	p.Phases[1].PedClear = 5 * time.Second
	p.Phases[1].CycleShare = 0.4
	return p
}

// Mid-cycle plan splitting green evenly.
func balancedPlan(intersectionID string) SignalPlan {
	return SignalPlan{
		ID:             PlanBalanced,
		IntersectionID: intersectionID,
		CycleLength:    80 * time.Second,
		PedCompliant:   true,
		Phases: []Phase{
			{
				Movements:  []Movement{MovementNSThrough, MovementNSLeft, MovementPedNS},
				MinGreen:   12 * time.Second,
				MaxGreen:   34 * time.Second,
				Amber:      4 * time.Second,
				AllRed:     2 * time.Second,
				Walk:       7 * time.Second,
				PedClear:   5 * time.Second,
				CycleShare: 0.5,
			},
			{
				Movements:  []Movement{MovementEWThrough, MovementEWLeft, MovementPedEW},
				MinGreen:   12 * time.Second,
				MaxGreen:   34 * time.Second,
				Amber:      4 * time.Second,
				AllRed:     2 * time.Second,
				Walk:       7 * time.Second,
				PedClear:   5 * time.Second,
				CycleShare: 0.5,
			},
		},
	}
}

// Short-cycle plan for flushing queues during incident clearing. No
// pedestrian service; vehicle movements only, short greens, fast turnover.
func clearingPlan(intersectionID string) SignalPlan {
	return SignalPlan{
		ID:             PlanIncidentClearing,
		IntersectionID: intersectionID,
		CycleLength:    60 * time.Second,
		PedCompliant:   false,
		Phases: []Phase{
			{
				Movements:  []Movement{MovementNSThrough, MovementNSLeft},
				MinGreen:   8 * time.Second,
				MaxGreen:   24 * time.Second,
				Amber:      3 * time.Second,
				AllRed:     1 * time.Second,
				CycleShare: 0.5,
			},
			{
				Movements:  []Movement{MovementEWThrough, MovementEWLeft},
				MinGreen:   8 * time.Second,
				MaxGreen:   24 * time.Second,
				Amber:      3 * time.Second,
				AllRed:     1 * time.Second,
				CycleShare: 0.5,
			},
		},
	}
}
