// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads and validates the controller configuration and
// watches the file for tunable changes.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/aegislights/services/controller/analysis"
	"github.com/AleutianAI/aegislights/services/controller/bandit"
	"github.com/AleutianAI/aegislights/services/controller/graph"
	"github.com/AleutianAI/aegislights/services/controller/httpapi"
	"github.com/AleutianAI/aegislights/services/controller/incident"
	"github.com/AleutianAI/aegislights/services/controller/knowledge"
	"github.com/AleutianAI/aegislights/services/controller/rollback"
	"github.com/AleutianAI/aegislights/services/controller/safety"
	"github.com/AleutianAI/aegislights/services/controller/simclient"
)

// Seconds is a duration written in the configuration file either as a
// number of seconds or as a Go duration string ("90s", "2m").
type Seconds time.Duration

// Duration converts to time.Duration.
func (s Seconds) Duration() time.Duration { return time.Duration(s) }

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *Seconds) UnmarshalYAML(value *yaml.Node) error {
	var f float64
	if err := value.Decode(&f); err == nil {
		*s = Seconds(time.Duration(f * float64(time.Second)))
		return nil
	}
	var str string
	if err := value.Decode(&str); err != nil {
		return fmt.Errorf("duration must be seconds or a duration string: %w", err)
	}
	d, err := time.ParseDuration(str)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", str, err)
	}
	*s = Seconds(d)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (s Seconds) MarshalYAML() (any, error) {
	return time.Duration(s).Seconds(), nil
}

// Strategy names accepted in the loop section.
const (
	StrategyUCB      = "ucb"
	StrategyThompson = "thompson"
)

// NetworkConfig describes the road network topology.
type NetworkConfig struct {
	Edges      []graph.EdgeSpec `yaml:"edges"`
	Signalized []string         `yaml:"signalized"`
}

// LoopConfig tunes the control loop itself.
type LoopConfig struct {
	CyclePeriod         Seconds `yaml:"cycle_period"`
	Strategy            string  `yaml:"strategy"`
	ExplorationConstant float64 `yaml:"exploration_constant"`
	ThompsonPriorMean   float64 `yaml:"thompson_prior_mean"`
	ThompsonPriorWeight float64 `yaml:"thompson_prior_weight"`
	ThompsonNoiseStd    float64 `yaml:"thompson_noise_std"`
	Seed                int64   `yaml:"seed"`
}

// SimulatorConfig is the file schema for the simulator client.
type SimulatorConfig struct {
	BaseURL        string  `yaml:"base_url"`
	RequestTimeout Seconds `yaml:"request_timeout"`
	MaxRetries     uint64  `yaml:"max_retries"`
	InitialBackoff Seconds `yaml:"initial_backoff"`
}

// SafetyConfig is the file schema for the safety limits.
type SafetyConfig struct {
	MinAmber      Seconds `yaml:"min_amber"`
	MaxAmber      Seconds `yaml:"max_amber"`
	MinAllRed     Seconds `yaml:"min_all_red"`
	MinWalk       Seconds `yaml:"min_walk"`
	MinPedClear   Seconds `yaml:"min_ped_clear"`
	MaxCycleDelta Seconds `yaml:"max_cycle_delta"`
}

// IncidentConfig is the file schema for the incident handler.
type IncidentConfig struct {
	BiasMagnitude         float64 `yaml:"bias_magnitude"`
	SpareCapacityFraction float64 `yaml:"spare_capacity_fraction"`
	LongCycle             Seconds `yaml:"long_cycle"`
	ShortCycle            Seconds `yaml:"short_cycle"`
}

// StoreConfig is the file schema for the knowledge store.
type StoreConfig struct {
	Path       string `yaml:"path"`
	InMemory   bool   `yaml:"in_memory"`
	SyncWrites bool   `yaml:"sync_writes"`
}

// APIConfig is the file schema for the status API.
type APIConfig struct {
	Addr string `yaml:"addr"`
}

// Config is the full controller configuration.
type Config struct {
	LogLevel  string          `yaml:"log_level"`
	Simulator SimulatorConfig `yaml:"simulator"`
	Network   NetworkConfig   `yaml:"network"`

	Analysis      analysis.Config       `yaml:"analysis"`
	CostWeights   analysis.CostWeights  `yaml:"cost_weights"`
	RewardWeights bandit.RewardWeights  `yaml:"reward_weights"`
	Incident      IncidentConfig        `yaml:"incident"`
	Safety        SafetyConfig          `yaml:"safety"`
	Rollback      rollback.Config       `yaml:"rollback"`
	Store         StoreConfig           `yaml:"store"`
	API           APIConfig             `yaml:"api"`
	Loop          LoopConfig            `yaml:"loop"`
}

// Default returns the full default configuration. The network section
// has no default; a real deployment must describe its streets.
func Default() Config {
	return Config{
		LogLevel: "info",
		Simulator: SimulatorConfig{
			BaseURL:        "http://localhost:8080",
			RequestTimeout: Seconds(5 * time.Second),
			MaxRetries:     3,
			InitialBackoff: Seconds(200 * time.Millisecond),
		},
		Analysis:      analysis.DefaultConfig(),
		CostWeights:   analysis.DefaultCostWeights(),
		RewardWeights: bandit.DefaultRewardWeights(),
		Incident: IncidentConfig{
			BiasMagnitude:         25,
			SpareCapacityFraction: 0.8,
			LongCycle:             Seconds(100 * time.Second),
			ShortCycle:            Seconds(60 * time.Second),
		},
		Safety: SafetyConfig{
			MinAmber:      Seconds(3 * time.Second),
			MaxAmber:      Seconds(6 * time.Second),
			MinAllRed:     Seconds(time.Second),
			MinWalk:       Seconds(7 * time.Second),
			MinPedClear:   Seconds(5 * time.Second),
			MaxCycleDelta: Seconds(30 * time.Second),
		},
		Rollback: rollback.DefaultConfig(),
		Store:    StoreConfig{Path: "data/knowledge", SyncWrites: true},
		API:      APIConfig{Addr: ":9090"},
		Loop: LoopConfig{
			CyclePeriod:         Seconds(90 * time.Second),
			Strategy:            StrategyUCB,
			ExplorationConstant: 1.41,
			ThompsonPriorMean:   -100,
			ThompsonPriorWeight: 1,
			ThompsonNoiseStd:    20,
			Seed:                1,
		},
	}
}

// Load reads a YAML file over the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects configurations the controller cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Simulator.BaseURL == "" {
		errs = append(errs, errors.New("simulator.base_url is required"))
	}
	if len(c.Network.Edges) == 0 {
		errs = append(errs, errors.New("network.edges must not be empty"))
	}
	if len(c.Network.Signalized) == 0 {
		errs = append(errs, errors.New("network.signalized must not be empty"))
	}
	if c.Analysis.HotspotPercentile <= 0 || c.Analysis.HotspotPercentile > 100 {
		errs = append(errs, errors.New("analysis.hotspot_percentile must be in (0,100]"))
	}
	if c.Analysis.TrendAlpha <= 0 || c.Analysis.TrendAlpha > 1 {
		errs = append(errs, errors.New("analysis.trend_alpha must be in (0,1]"))
	}
	if c.Loop.CyclePeriod.Duration() <= 0 {
		errs = append(errs, errors.New("loop.cycle_period must be positive"))
	}
	switch c.Loop.Strategy {
	case StrategyUCB, StrategyThompson:
	default:
		errs = append(errs, fmt.Errorf("loop.strategy must be %q or %q", StrategyUCB, StrategyThompson))
	}
	if c.Safety.MinAmber.Duration() > c.Safety.MaxAmber.Duration() {
		errs = append(errs, errors.New("safety.min_amber must not exceed safety.max_amber"))
	}
	if !c.Store.InMemory && c.Store.Path == "" {
		errs = append(errs, errors.New("store.path is required unless store.in_memory"))
	}
	if c.Rollback.ThresholdFraction <= 0 || c.Rollback.ThresholdFraction >= 1 {
		errs = append(errs, errors.New("rollback.threshold_fraction must be in (0,1)"))
	}

	return errors.Join(errs...)
}

// ---------------------------------------------------------------------------
// Runtime conversions
// ---------------------------------------------------------------------------

// SimclientConfig builds the simulator client configuration.
func (c *Config) SimclientConfig() simclient.Config {
	return simclient.Config{
		BaseURL:        c.Simulator.BaseURL,
		RequestTimeout: c.Simulator.RequestTimeout.Duration(),
		MaxRetries:     c.Simulator.MaxRetries,
		InitialBackoff: c.Simulator.InitialBackoff.Duration(),
	}
}

// SafetyLimits builds the safety validator limits.
func (c *Config) SafetyLimits() safety.Limits {
	return safety.Limits{
		MinAmber:      c.Safety.MinAmber.Duration(),
		MaxAmber:      c.Safety.MaxAmber.Duration(),
		MinAllRed:     c.Safety.MinAllRed.Duration(),
		MinWalk:       c.Safety.MinWalk.Duration(),
		MinPedClear:   c.Safety.MinPedClear.Duration(),
		MaxCycleDelta: c.Safety.MaxCycleDelta.Duration(),
	}
}

// IncidentHandlerConfig builds the incident handler configuration.
func (c *Config) IncidentHandlerConfig() incident.Config {
	return incident.Config{
		BiasMagnitude:         c.Incident.BiasMagnitude,
		SpareCapacityFraction: c.Incident.SpareCapacityFraction,
		LongCycle:             c.Incident.LongCycle.Duration(),
		ShortCycle:            c.Incident.ShortCycle.Duration(),
	}
}

// KnowledgeStoreConfig builds the store configuration.
func (c *Config) KnowledgeStoreConfig() knowledge.StoreConfig {
	return knowledge.StoreConfig{
		Path:       c.Store.Path,
		InMemory:   c.Store.InMemory,
		SyncWrites: c.Store.SyncWrites,
	}
}

// APIServerConfig builds the status API configuration.
func (c *Config) APIServerConfig() httpapi.Config {
	out := httpapi.DefaultConfig()
	if c.API.Addr != "" {
		out.Addr = c.API.Addr
	}
	return out
}

// BanditStrategy builds the configured selection strategy.
func (c *Config) BanditStrategy() bandit.Strategy {
	if c.Loop.Strategy == StrategyThompson {
		return bandit.NewThompsonPolicy(
			c.Loop.ThompsonPriorMean,
			c.Loop.ThompsonPriorWeight,
			c.Loop.ThompsonNoiseStd,
			c.Loop.Seed,
		)
	}
	return bandit.NewUCBPolicy(c.Loop.ExplorationConstant)
}
