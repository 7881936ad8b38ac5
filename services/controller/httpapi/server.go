// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package httpapi serves the controller's read-only status surface:
// health, loop status, the decision log, and per-edge cost breakdowns.
// It never mutates controller state.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/aegislights/services/controller/analysis"
	"github.com/AleutianAI/aegislights/services/controller/graph"
	"github.com/AleutianAI/aegislights/services/controller/knowledge"
)

// Status is the loop state reported by /api/v1/status.
type Status struct {
	State            string                          `json:"state"`
	Cycle            int                             `json:"cycle"`
	LastCycleStarted time.Time                       `json:"last_cycle_started"`
	Monitor          knowledge.MonitorStats          `json:"monitor"`
	Adaptations      map[string]knowledge.Adaptation `json:"adaptations"`
	Hotspots         []string                        `json:"hotspots"`
	ActiveIncidents  int                             `json:"active_incidents"`
}

// StatusProvider supplies the current loop status.
type StatusProvider interface {
	Status() Status
}

// Config tunes the API server.
type Config struct {
	// Addr is the listen address, e.g. ":9090".
	Addr string `json:"addr" yaml:"addr"`

	// ShutdownGrace bounds graceful shutdown.
	ShutdownGrace time.Duration `json:"shutdown_grace" yaml:"shutdown_grace"`
}

// DefaultConfig returns the standard API tuning.
func DefaultConfig() Config {
	return Config{Addr: ":9090", ShutdownGrace: 5 * time.Second}
}

// Server is the HTTP status server.
type Server struct {
	cfg     Config
	kb      *knowledge.Base
	status  StatusProvider
	weights func() analysis.CostWeights
	logger  *slog.Logger
	engine  *gin.Engine
}

// New builds the server and its routes.
//
// Inputs:
//   - cfg: Listen configuration.
//   - kb: The knowledge base, read under its own lock.
//   - status: Loop status provider.
//   - weights: Supplies the active cost weights for breakdowns.
//   - gatherer: Prometheus gatherer backing /metrics.
//   - logger: Structured logger; nil uses the default.
func New(cfg Config, kb *knowledge.Base, status StatusProvider, weights func() analysis.CostWeights, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		cfg:     cfg,
		kb:      kb,
		status:  status,
		weights: weights,
		logger:  logger,
		engine:  engine,
	}

	engine.GET("/health", s.handleHealth)
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	v1 := engine.Group("/api/v1")
	v1.GET("/status", s.handleStatus)
	v1.GET("/decisions", s.handleDecisions)
	v1.GET("/graph/costs", s.handleGraphCosts)

	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("status api listening", "addr", s.cfg.Addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	grace := s.cfg.ShutdownGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.status.Status())
}

func (s *Server) handleDecisions(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	c.JSON(http.StatusOK, gin.H{"decisions": s.kb.Decisions(limit)})
}

func (s *Server) handleGraphCosts(c *gin.Context) {
	w := s.weights()
	var breakdowns []analysis.CostBreakdown
	s.kb.WithGraph(func(g *graph.TrafficGraph) {
		for _, e := range g.Edges() {
			breakdowns = append(breakdowns, analysis.Breakdown(e, w))
		}
	})
	c.JSON(http.StatusOK, gin.H{"weights": w, "edges": breakdowns})
}
