// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/aegislights/pkg/logging"
	"github.com/AleutianAI/aegislights/services/controller/analysis"
	"github.com/AleutianAI/aegislights/services/controller/config"
	"github.com/AleutianAI/aegislights/services/controller/graph"
	"github.com/AleutianAI/aegislights/services/controller/httpapi"
	"github.com/AleutianAI/aegislights/services/controller/incident"
	"github.com/AleutianAI/aegislights/services/controller/knowledge"
	"github.com/AleutianAI/aegislights/services/controller/loop"
	"github.com/AleutianAI/aegislights/services/controller/observability"
	"github.com/AleutianAI/aegislights/services/controller/phaselib"
	"github.com/AleutianAI/aegislights/services/controller/rollback"
	"github.com/AleutianAI/aegislights/services/controller/simclient"
)

// runController wires the whole controller together and runs it until
// SIGINT or SIGTERM.
func runController(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.LogLevel),
		LogDir:  logDir,
		Service: "controller",
		JSON:    jsonLogs,
	})
	defer logger.Close()
	slogger := logger.Slog()

	tg, err := graph.New(cfg.Network.Edges, cfg.Network.Signalized)
	if err != nil {
		return fmt.Errorf("building road network: %w", err)
	}
	lib := phaselib.New(cfg.Network.Signalized)

	storeCfg := cfg.KnowledgeStoreConfig()
	storeCfg.Logger = slogger
	store, err := knowledge.OpenStore(storeCfg)
	if err != nil {
		return fmt.Errorf("opening knowledge store: %w", err)
	}
	defer store.Close()

	kb := knowledge.NewBase(tg, lib, store, slogger)
	metrics := observability.New(prometheus.DefaultRegisterer)
	kb.OnPersistFailure(metrics.PersistFailures.Inc)

	analyzer := analysis.NewAnalyzer(cfg.Analysis, cfg.CostWeights, slogger)

	controller, err := loop.New(loop.Config{CyclePeriod: cfg.Loop.CyclePeriod.Duration()}, loop.Deps{
		Knowledge:     kb,
		Simulator:     simclient.New(cfg.SimclientConfig(), slogger),
		Analyzer:      analyzer,
		Incidents:     incident.NewHandler(cfg.IncidentHandlerConfig(), lib, slogger),
		Strategy:      cfg.BanditStrategy(),
		Limits:        cfg.SafetyLimits(),
		Watchdog:      rollback.New(cfg.Rollback),
		Metrics:       metrics,
		RewardWeights: cfg.RewardWeights,
		Logger:        slogger,
	})
	if err != nil {
		return err
	}

	api := httpapi.New(cfg.APIServerConfig(), kb, controller, analyzer.Weights,
		prometheus.DefaultGatherer, slogger)

	// Tunables follow the config file; topology changes need a restart.
	watcher, err := config.NewWatcher(configPath, func(next config.Config) {
		analyzer.SetWeights(next.CostWeights)
		controller.SetRewardWeights(next.RewardWeights)
		controller.SetCyclePeriod(next.Loop.CyclePeriod.Duration())
	}, &config.WatcherOptions{Logger: slogger})
	if err != nil {
		return fmt.Errorf("watching config: %w", err)
	}
	defer watcher.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := watcher.Start(ctx); err != nil {
		slogger.Warn("config hot reload disabled", "error", err)
	}

	slogger.Info("controller starting",
		"simulator", cfg.Simulator.BaseURL,
		"api", cfg.API.Addr,
		"cycle_period", cfg.Loop.CyclePeriod.Duration(),
		"strategy", cfg.Loop.Strategy,
		"edges", len(cfg.Network.Edges),
		"intersections", len(cfg.Network.Signalized),
	)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error { return api.Run(egCtx) })
	eg.Go(func() error { return controller.Run(egCtx) })

	err = eg.Wait()
	if errors.Is(err, context.Canceled) {
		slogger.Info("controller stopped")
		return nil
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "controller exited: %v\n", err)
	}
	return err
}
