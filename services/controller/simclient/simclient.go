// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package simclient talks to the traffic simulator over HTTP: snapshot
// collection, plan actuation, and health probing. Malformed snapshots
// are rejected here, before the Monitor stage ever sees them.
package simclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/aegislights/services/controller/graph"
)

// ErrUnavailable is returned once all retries against the simulator are
// exhausted. The loop controller skips the whole cycle on it.
var ErrUnavailable = errors.New("simulator unavailable")

// ErrPlanRejected is returned when the simulator refuses an actuation
// with a 4xx status. Retrying the same command cannot help.
var ErrPlanRejected = errors.New("plan rejected by simulator")

// InvalidSnapshotError marks a snapshot the simulator produced but the
// controller refuses to ingest. Not retryable.
type InvalidSnapshotError struct {
	Reason string
}

func (e *InvalidSnapshotError) Error() string {
	return "invalid snapshot: " + e.Reason
}

// EdgeMetrics is one edge's state in a simulator snapshot.
type EdgeMetrics struct {
	EdgeID     string  `json:"edge_id" validate:"required"`
	Queue      float64 `json:"queue_length" validate:"gte=0"`
	Delay      float64 `json:"avg_delay_seconds" validate:"gte=0"`
	Throughput float64 `json:"throughput" validate:"gte=0"`
	Spillback  bool    `json:"spillback"`
	Incident   bool    `json:"incident"`
}

// GlobalMetrics are network-wide outcome measurements, used for reward
// computation.
type GlobalMetrics struct {
	AvgTripTime     float64 `json:"avg_trip_seconds" validate:"gte=0"`
	P95TripTime     float64 `json:"p95_trip_seconds" validate:"gte=0"`
	TotalStops      float64 `json:"total_stops" validate:"gte=0"`
	ActiveIncidents int     `json:"active_incidents" validate:"gte=0"`
}

// Snapshot is the simulator's full state dump for one instant.
type Snapshot struct {
	Timestamp time.Time      `json:"timestamp"`
	Edges     []EdgeMetrics  `json:"edges" validate:"required,min=1,dive"`
	Globals   *GlobalMetrics `json:"globals,omitempty"`
}

// PlanCommand is the actuation request for one intersection.
type PlanCommand struct {
	PlanID       string  `json:"plan_id"`
	OffsetSecs   float64 `json:"offset_seconds"`
	CycleSecs    float64 `json:"cycle_seconds"`
	SourceCycle  int     `json:"source_cycle"`
	RollbackFlag bool    `json:"rollback,omitempty"`
}

// Config tunes the client.
type Config struct {
	// BaseURL of the simulator, e.g. http://localhost:8080.
	BaseURL string `json:"base_url" yaml:"base_url"`

	// RequestTimeout bounds each individual HTTP attempt.
	RequestTimeout time.Duration `json:"request_timeout" yaml:"request_timeout"`

	// MaxRetries bounds the retry attempts after the first try.
	MaxRetries uint64 `json:"max_retries" yaml:"max_retries"`

	// InitialBackoff is the first retry delay; it grows exponentially.
	InitialBackoff time.Duration `json:"initial_backoff" yaml:"initial_backoff"`
}

// DefaultConfig returns the standard client tuning.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:        baseURL,
		RequestTimeout: 5 * time.Second,
		MaxRetries:     3,
		InitialBackoff: 200 * time.Millisecond,
	}
}

// Client is the simulator HTTP client.
//
// Thread Safety: Safe for concurrent use.
type Client struct {
	cfg      Config
	http     *http.Client
	validate *validator.Validate
	logger   *slog.Logger
}

// New creates a Client.
func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	return &Client{
		cfg:      cfg,
		http:     &http.Client{Timeout: cfg.RequestTimeout},
		validate: validator.New(),
		logger:   logger,
	}
}

func (c *Client) retryPolicy(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	if c.cfg.InitialBackoff > 0 {
		bo.InitialInterval = c.cfg.InitialBackoff
	}
	return backoff.WithContext(backoff.WithMaxRetries(bo, c.cfg.MaxRetries), ctx)
}

// Snapshot fetches and validates the latest simulator snapshot.
//
// Transport and 5xx failures are retried with exponential backoff; a
// snapshot that parses but fails validation is permanent, the simulator
// will not produce a different answer for the same instant.
//
// Inputs:
//   - ctx: Cancellation context; also bounds the retry loop.
//
// Outputs:
//   - *Snapshot: The validated snapshot.
//   - []byte: The raw response body, for archiving.
//   - error: *InvalidSnapshotError for rejected payloads,
//     ErrUnavailable (wrapped) when retries are exhausted.
func (c *Client) Snapshot(ctx context.Context) (*Snapshot, []byte, error) {
	var snap *Snapshot
	var raw []byte

	op := func() error {
		body, err := c.get(ctx, c.cfg.BaseURL+"/api/v1/snapshots/latest")
		if err != nil {
			return err
		}

		var s Snapshot
		if err := json.Unmarshal(body, &s); err != nil {
			return backoff.Permanent(&InvalidSnapshotError{Reason: "malformed json: " + err.Error()})
		}
		if err := c.validate.Struct(&s); err != nil {
			return backoff.Permanent(&InvalidSnapshotError{Reason: err.Error()})
		}

		snap = &s
		raw = body
		return nil
	}

	if err := backoff.Retry(op, c.retryPolicy(ctx)); err != nil {
		var inv *InvalidSnapshotError
		if errors.As(err, &inv) {
			return nil, nil, inv
		}
		return nil, nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return snap, raw, nil
}

// ApplyPlan actuates a plan at an intersection. Any 2xx response counts
// as applied.
func (c *Client) ApplyPlan(ctx context.Context, intersectionID string, cmd PlanCommand) error {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encode plan command: %w", err)
	}
	url := fmt.Sprintf("%s/api/v1/intersections/%s/plan", c.cfg.BaseURL, intersectionID)

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return backoff.Permanent(fmt.Errorf("%w: status %d", ErrPlanRejected, resp.StatusCode))
		}
		return fmt.Errorf("status %d", resp.StatusCode)
	}

	if err := backoff.Retry(op, c.retryPolicy(ctx)); err != nil {
		if errors.Is(err, ErrPlanRejected) {
			return fmt.Errorf("apply %s at %s: %w", cmd.PlanID, intersectionID, err)
		}
		return fmt.Errorf("%w: apply %s at %s: %v", ErrUnavailable, cmd.PlanID, intersectionID, err)
	}
	return nil
}

// Health probes the simulator's health endpoint once, without retries.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health status %d", ErrUnavailable, resp.StatusCode)
	}
	return nil
}

// get performs one GET attempt, classifying failures for the retry
// policy. 4xx responses are permanent; transport errors and 5xx retry.
func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return nil, backoff.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return body, nil
}

// GraphUpdates converts a validated snapshot into graph update form.
// Kept here so the wire schema has exactly one mapping into the model.
func (s *Snapshot) GraphUpdates() []graph.EdgeUpdate {
	out := make([]graph.EdgeUpdate, len(s.Edges))
	for i, e := range s.Edges {
		out[i] = graph.EdgeUpdate{
			EdgeID:     e.EdgeID,
			Queue:      e.Queue,
			Delay:      e.Delay,
			Throughput: e.Throughput,
			Spillback:  e.Spillback,
			Incident:   e.Incident,
		}
	}
	return out
}
