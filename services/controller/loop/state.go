// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package loop runs the adaptation cycle: monitor the simulator,
// analyze the network, plan signal changes, and execute them, all over
// the shared knowledge base.
package loop

// State is the controller's position in the adaptation cycle.
type State int

const (
	// StateIdle means the controller is between cycles.
	StateIdle State = iota

	// StateMonitoring means a snapshot is being collected.
	StateMonitoring

	// StateAnalyzing means congestion analysis is running.
	StateAnalyzing

	// StatePlanning means plan selection is running.
	StatePlanning

	// StateExecuting means plans are being validated and applied.
	StateExecuting

	// StateStopped means the controller has shut down.
	StateStopped
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateMonitoring:
		return "monitoring"
	case StateAnalyzing:
		return "analyzing"
	case StatePlanning:
		return "planning"
	case StateExecuting:
		return "executing"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
