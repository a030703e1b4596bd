// Copyright (C) 2024 right-sizer contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package resourcemanager is the gateway to the cluster resource
// manager (Mesos): cluster-wide free CPU/memory, and per-agent task
// statistics used by the Sampler to derive per-task utilization.
package resourcemanager

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"marathon-autoscaler/internal/apperrors"
	"marathon-autoscaler/internal/httpclient"
	"marathon-autoscaler/internal/model"
	"marathon-autoscaler/internal/retry"
	"marathon-autoscaler/internal/telemetry"
)

// agentStatisticsPort is the fixed port every agent exposes its local
// per-executor statistics endpoint on.
const agentStatisticsPort = 5051

// RawStats is one executor's raw counters as reported by an agent's
// statistics.json endpoint.
type RawStats struct {
	CpusSystemTimeSecs float64  `json:"cpus_system_time_secs"`
	CpusUserTimeSecs   float64  `json:"cpus_user_time_secs"`
	MemRSSBytes        int64    `json:"mem_rss_bytes"`
	MemLimitBytes      int64    `json:"mem_limit_bytes"`
	Timestamp          *float64 `json:"timestamp,omitempty"`
}

type agentStatisticsEntry struct {
	ExecutorID string   `json:"executor_id"`
	Statistics RawStats `json:"statistics"`
}

type snapshotResponse map[string]float64

// Config configures a Gateway.
type Config struct {
	URL                string
	User               string
	Pass               string
	InsecureSkipVerify bool
	RequestTimeout     time.Duration
	// AgentPort is the port each agent's statistics.json endpoint
	// listens on. Defaults to 5051; overridable for tests.
	AgentPort int
}

// Gateway talks to Mesos over HTTP+JSON. Calls flow through a retryer
// and a circuit breaker so a flapping master or agent fails fast
// instead of stalling every tick on its retry budget. The master and
// the agent statistics endpoints get separate breakers: one dead agent
// must not block the free-resource reads the admission checks need.
type Gateway struct {
	cfg           Config
	client        *http.Client
	masterRetryer *retry.RetryWithCircuitBreaker
	agentRetryer  *retry.RetryWithCircuitBreaker
	metrics       *telemetry.Metrics
}

// New builds a Gateway. metrics may be nil to skip instrumentation.
func New(cfg Config, metrics *telemetry.Metrics) *Gateway {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	if cfg.AgentPort == 0 {
		cfg.AgentPort = agentStatisticsPort
	}
	return &Gateway{
		cfg:           cfg,
		client:        httpclient.New(cfg.InsecureSkipVerify, cfg.RequestTimeout),
		masterRetryer: retry.NewRetryWithCircuitBreaker("mesos-master", retry.DefaultConfig(), retry.DefaultCircuitBreakerConfig(), metrics),
		agentRetryer:  retry.NewRetryWithCircuitBreaker("mesos-agent", retry.DefaultConfig(), retry.DefaultCircuitBreakerConfig(), metrics),
		metrics:       metrics,
	}
}

// FreeCPUs returns cluster-wide cpus_total - cpus_used.
func (g *Gateway) FreeCPUs(ctx context.Context) (float64, error) {
	snap, err := g.snapshot(ctx)
	if err != nil {
		return 0, err
	}
	return snap["master/cpus_total"] - snap["master/cpus_used"], nil
}

// FreeMemMB returns cluster-wide mem_total - mem_used, in MiB.
func (g *Gateway) FreeMemMB(ctx context.Context) (float64, error) {
	snap, err := g.snapshot(ctx)
	if err != nil {
		return 0, err
	}
	return snap["master/mem_total"] - snap["master/mem_used"], nil
}

func (g *Gateway) snapshot(ctx context.Context) (snapshotResponse, error) {
	var snap snapshotResponse
	url := fmt.Sprintf("%s/metrics/snapshot", g.cfg.URL)

	op := "resourcemanager.snapshot"
	err := g.masterRetryer.ExecuteWithContext(ctx, op, func(ctx context.Context) error {
		start := time.Now()
		var reqErr error
		snap, reqErr = g.getSnapshot(ctx, url)
		if g.metrics != nil {
			g.metrics.RecordGatewayCall("mesos", "snapshot", time.Since(start), reqErr)
		}
		if reqErr != nil {
			return retry.WrapGatewayError(reqErr)
		}
		return nil
	})
	if err != nil {
		return nil, apperrors.TransientFetchError(op, err)
	}
	return snap, nil
}

func (g *Gateway) getSnapshot(ctx context.Context, url string) (snapshotResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	g.applyAuth(req)

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("mesos snapshot request returned status %d", resp.StatusCode)
	}

	var snap snapshotResponse
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, fmt.Errorf("failed to decode mesos snapshot: %w", err)
	}
	return snap, nil
}

// AgentTaskStats fetches per-executor statistics for the agent running
// at host, on Config.AgentPort (5051 unless overridden). Returns
// apperrors.TransientFetchError on any I/O or decode failure; the
// Sampler treats that as "no sample this tick" for every task on host.
func (g *Gateway) AgentTaskStats(ctx context.Context, host string) (map[model.TaskId]RawStats, error) {
	url := fmt.Sprintf("http://%s:%d/monitor/statistics.json", host, g.cfg.AgentPort)

	op := "resourcemanager.agent_task_stats"
	var entries []agentStatisticsEntry
	err := g.agentRetryer.ExecuteWithContext(ctx, op, func(ctx context.Context) error {
		start := time.Now()
		var reqErr error
		entries, reqErr = g.getAgentStats(ctx, url)
		if g.metrics != nil {
			g.metrics.RecordGatewayCall("mesos", "agent_task_stats", time.Since(start), reqErr)
		}
		if reqErr != nil {
			return retry.WrapGatewayError(reqErr)
		}
		return nil
	})
	if err != nil {
		return nil, apperrors.TransientFetchError(op, err)
	}

	out := make(map[model.TaskId]RawStats, len(entries))
	for _, e := range entries {
		out[model.TaskId(e.ExecutorID)] = e.Statistics
	}
	return out, nil
}

func (g *Gateway) getAgentStats(ctx context.Context, url string) ([]agentStatisticsEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	g.applyAuth(req)

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("agent statistics request to %s returned status %d", url, resp.StatusCode)
	}

	var entries []agentStatisticsEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("failed to decode agent statistics from %s: %w", url, err)
	}
	return entries, nil
}

func (g *Gateway) applyAuth(req *http.Request) {
	if g.cfg.User != "" {
		req.SetBasicAuth(g.cfg.User, g.cfg.Pass)
	}
}
