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
	"time"

	"github.com/google/uuid"
)

// Adaptation is one actuated signal change: the plan applied to an
// intersection together with its coordination offset.
type Adaptation struct {
	IntersectionID string        `json:"intersection_id"`
	PlanID         string        `json:"plan_id"`
	Offset         time.Duration `json:"offset"`
	CycleLength    time.Duration `json:"cycle_length"`
	Cycle          int           `json:"cycle"`
	Timestamp      time.Time     `json:"timestamp"`
}

// Stage names used in decision records.
const (
	StageMonitor = "monitor"
	StageAnalyze = "analyze"
	StagePlan    = "plan"
	StageExecute = "execute"
)

// DecisionRecord is one explainability entry: what the controller
// decided, where, and why. Appended per stage and exposed over the
// status API.
type DecisionRecord struct {
	ID             uuid.UUID      `json:"id"`
	Cycle          int            `json:"cycle"`
	Stage          string         `json:"stage"`
	IntersectionID string         `json:"intersection_id,omitempty"`
	PlanID         string         `json:"plan_id,omitempty"`
	Strategy       string         `json:"strategy,omitempty"`
	Reason         string         `json:"reason"`
	Timestamp      time.Time      `json:"timestamp"`
	Detail         map[string]any `json:"detail,omitempty"`
}

// NewDecision creates a record with a fresh id and timestamp.
func NewDecision(cycle int, stage, reason string) DecisionRecord {
	return DecisionRecord{
		ID:        uuid.New(),
		Cycle:     cycle,
		Stage:     stage,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	}
}

// UtilitySample is one persisted per-intersection utility observation.
type UtilitySample struct {
	IntersectionID string    `json:"intersection_id"`
	Cycle          int       `json:"cycle"`
	Utility        float64   `json:"utility"`
	Timestamp      time.Time `json:"timestamp"`
}
