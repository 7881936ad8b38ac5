// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability holds the controller's Prometheus metrics.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the control loop's instruments. One instance per process.
type Metrics struct {
	CyclesTotal       prometheus.Counter
	CyclesSkipped     prometheus.Counter
	CycleOverruns     prometheus.Counter
	StageDuration     *prometheus.HistogramVec
	AdaptationsTotal  prometheus.Counter
	RollbacksTotal    prometheus.Counter
	UnsafeRollbacks   prometheus.Counter
	SafetyRejections  prometheus.Counter
	SimulatorFailures prometheus.Counter
	PersistFailures   prometheus.Counter
	Hotspots          prometheus.Gauge
	ActiveIncidents   prometheus.Gauge
}

// New registers the controller metrics on the given registerer. Pass
// prometheus.DefaultRegisterer in production and a fresh
// prometheus.NewRegistry in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		CyclesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "aegis_cycles_total",
			Help: "Completed control cycles.",
		}),
		CyclesSkipped: factory.NewCounter(prometheus.CounterOpts{
			Name: "aegis_cycles_skipped_total",
			Help: "Cycles skipped because no valid snapshot was available.",
		}),
		CycleOverruns: factory.NewCounter(prometheus.CounterOpts{
			Name: "aegis_cycle_overruns_total",
			Help: "Cycles that ran longer than the configured period.",
		}),
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aegis_stage_duration_seconds",
			Help:    "Wall time per control loop stage.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"stage"}),
		AdaptationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "aegis_adaptations_total",
			Help: "Signal plan adaptations actuated.",
		}),
		RollbacksTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "aegis_rollbacks_total",
			Help: "Rollbacks to the last known good plan.",
		}),
		UnsafeRollbacks: factory.NewCounter(prometheus.CounterOpts{
			Name: "aegis_unsafe_rollback_targets_total",
			Help: "Rollbacks refused because the stored target failed safety validation.",
		}),
		SafetyRejections: factory.NewCounter(prometheus.CounterOpts{
			Name: "aegis_safety_rejections_total",
			Help: "Candidate plans rejected by the safety validator.",
		}),
		SimulatorFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "aegis_simulator_failures_total",
			Help: "Simulator requests that exhausted their retries.",
		}),
		PersistFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "aegis_persistence_failures_total",
			Help: "Knowledge store writes that failed and were continued past.",
		}),
		Hotspots: factory.NewGauge(prometheus.GaugeOpts{
			Name: "aegis_hotspots",
			Help: "Hotspot edges detected in the latest analysis.",
		}),
		ActiveIncidents: factory.NewGauge(prometheus.GaugeOpts{
			Name: "aegis_active_incidents",
			Help: "Incidents active in the latest analysis.",
		}),
	}
}

// ObserveStage records one stage's duration.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}
