// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package rollback watches per-intersection utility and decides when an
// adaptation has made things worse enough to restore the last known
// good plan.
package rollback

import (
	"math"
	"sync"
)

// DefaultWindowSize is the utility history length compared against.
const DefaultWindowSize = 5

// Config tunes the watchdog.
type Config struct {
	// WindowSize is the number of prior utility samples forming the
	// baseline.
	WindowSize int `json:"window_size" yaml:"window_size"`

	// ThresholdFraction is the relative drop below the baseline mean
	// that counts as degradation.
	ThresholdFraction float64 `json:"threshold_fraction" yaml:"threshold_fraction"`

	// ConsecutiveCycles is how many degraded cycles in a row trigger a
	// rollback. A single bad cycle is noise.
	ConsecutiveCycles int `json:"consecutive_cycles" yaml:"consecutive_cycles"`
}

// DefaultConfig returns the standard watchdog tuning.
func DefaultConfig() Config {
	return Config{
		WindowSize:        DefaultWindowSize,
		ThresholdFraction: 0.15,
		ConsecutiveCycles: 2,
	}
}

// Decision is the watchdog's verdict for one observation.
type Decision struct {
	// Degraded reports whether this cycle's utility fell below the
	// threshold.
	Degraded bool `json:"degraded"`

	// Trigger reports that degradation has been sustained and a
	// rollback should be attempted now.
	Trigger bool `json:"trigger"`

	// Baseline is the mean utility of the prior window; Threshold the
	// degradation bound derived from it. Both are NaN during warmup.
	Baseline  float64 `json:"baseline"`
	Threshold float64 `json:"threshold"`

	// Streak is the current count of consecutive degraded cycles.
	Streak int `json:"streak"`
}

// utilityWindow is a fixed-capacity ring buffer of utility samples.
type utilityWindow struct {
	buf    []float64
	head   int
	filled int
}

func newUtilityWindow(size int) *utilityWindow {
	return &utilityWindow{buf: make([]float64, size)}
}

func (w *utilityWindow) push(v float64) {
	w.buf[w.head] = v
	w.head = (w.head + 1) % len(w.buf)
	if w.filled < len(w.buf) {
		w.filled++
	}
}

func (w *utilityWindow) full() bool { return w.filled == len(w.buf) }

func (w *utilityWindow) mean() float64 {
	if w.filled == 0 {
		return math.NaN()
	}
	var sum float64
	for i := 0; i < w.filled; i++ {
		sum += w.buf[i]
	}
	return sum / float64(w.filled)
}

// intersectionState is the watchdog's per-intersection memory.
type intersectionState struct {
	window *utilityWindow
	streak int

	// fired marks that a rollback already happened during the current
	// degradation episode; the watchdog stays quiet until utility
	// recovers once.
	fired bool
}

// Watchdog tracks utility per intersection and raises rollback triggers.
//
// Thread Safety: Safe for concurrent use; per-intersection state is
// guarded by one mutex, Observe is cheap.
type Watchdog struct {
	cfg Config

	mu    sync.Mutex
	state map[string]*intersectionState
}

// New creates a Watchdog. Non-positive config fields fall back to the
// defaults.
func New(cfg Config) *Watchdog {
	def := DefaultConfig()
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.ThresholdFraction <= 0 {
		cfg.ThresholdFraction = def.ThresholdFraction
	}
	if cfg.ConsecutiveCycles <= 0 {
		cfg.ConsecutiveCycles = def.ConsecutiveCycles
	}
	return &Watchdog{cfg: cfg, state: make(map[string]*intersectionState)}
}

// threshold derives the degradation bound from the baseline mean.
// Utilities here are negative (negated congestion cost), so a plain
// mean·(1−f) would move the bound the wrong way; the bound is instead
// mean minus f·|mean|, with a floor on the magnitude so a near-zero
// baseline still tolerates some noise.
func (w *Watchdog) threshold(baseline float64) float64 {
	mag := math.Abs(baseline)
	if mag < 1 {
		mag = 1
	}
	return baseline - w.cfg.ThresholdFraction*mag
}

// Observe folds one cycle's utility into the intersection's history and
// returns the rollback verdict. The sample joins the baseline window
// only after the verdict, so each cycle is judged against its
// predecessors.
//
// Inputs:
//   - intersectionID: The intersection observed.
//   - utility: This cycle's utility (higher is better).
//
// Outputs:
//   - Decision: Verdict for this cycle. Trigger is true at most once per
//     degradation episode.
func (w *Watchdog) Observe(intersectionID string, utility float64) Decision {
	w.mu.Lock()
	defer w.mu.Unlock()

	st, ok := w.state[intersectionID]
	if !ok {
		st = &intersectionState{window: newUtilityWindow(w.cfg.WindowSize)}
		w.state[intersectionID] = st
	}

	d := Decision{Baseline: math.NaN(), Threshold: math.NaN()}

	if st.window.full() {
		d.Baseline = st.window.mean()
		d.Threshold = w.threshold(d.Baseline)
		if utility < d.Threshold {
			d.Degraded = true
			st.streak++
			if st.streak >= w.cfg.ConsecutiveCycles && !st.fired {
				d.Trigger = true
				st.fired = true
				st.streak = 0
			}
		} else {
			// Recovery ends the episode and re-arms the watchdog.
			st.streak = 0
			st.fired = false
		}
	}
	d.Streak = st.streak

	st.window.push(utility)
	return d
}

// Reset clears an intersection's history. Called after a rollback is
// actuated so the restored plan builds a fresh baseline instead of
// being judged against the degraded window.
func (w *Watchdog) Reset(intersectionID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.state, intersectionID)
}
