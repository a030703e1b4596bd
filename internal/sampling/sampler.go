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

// Package sampling turns raw per-task counters into the per-tick,
// per-app snapshots the sample ring stores: CPU utilization derived
// from a counter delta, a memory ratio, and a sample-count-capped
// running average of both.
package sampling

import (
	"context"
	"time"

	"marathon-autoscaler/internal/logger"
	"marathon-autoscaler/internal/model"
	"marathon-autoscaler/internal/resourcemanager"
	"marathon-autoscaler/internal/samplering"
	"marathon-autoscaler/internal/telemetry"
)

// OrchestratorGateway is the subset of the orchestrator gateway the
// Sampler consumes.
type OrchestratorGateway interface {
	AppDefinition(ctx context.Context, app model.AppId) (*model.AppDefinition, error)
}

// ResourceManagerGateway is the subset of the resource-manager gateway
// the Sampler consumes.
type ResourceManagerGateway interface {
	AgentTaskStats(ctx context.Context, host string) (map[model.TaskId]resourcemanager.RawStats, error)
}

// Clock supplies the local wall clock used when a RawStats record has
// no timestamp of its own. A field, not time.Now directly, so tests
// can hold it fixed.
type Clock func() float64

// Sampler computes one tick's AppSnapshot set from the orchestrator's
// current app list and the resource manager's per-agent statistics.
type Sampler struct {
	orchestrator OrchestratorGateway
	resources    ResourceManagerGateway
	ring         *samplering.Ring
	clock        Clock
	metrics      *telemetry.Metrics

	// agentStatsCache avoids refetching the same agent host's
	// statistics.json more than once per tick when several tasks of
	// different apps share a host.
	agentStatsCache map[string]map[model.TaskId]resourcemanager.RawStats
}

// New builds a Sampler. clock may be nil to use time.Now-equivalent
// wall-clock seconds; metrics may be nil to skip instrumentation.
func New(orch OrchestratorGateway, res ResourceManagerGateway, ring *samplering.Ring, clock Clock, metrics *telemetry.Metrics) *Sampler {
	if clock == nil {
		clock = wallClockSeconds
	}
	return &Sampler{orchestrator: orch, resources: res, ring: ring, clock: clock, metrics: metrics}
}

// Tick samples every app in apps and returns the tick's snapshot set.
// An app with no current definition is recorded with Tasks == nil
// rather than omitted, so the policy engine and stats line still see
// it.
func (s *Sampler) Tick(ctx context.Context, apps []model.AppId) map[model.AppId]*model.AppSnapshot {
	s.agentStatsCache = make(map[string]map[model.TaskId]resourcemanager.RawStats)
	defer func() { s.agentStatsCache = nil }()

	out := make(map[model.AppId]*model.AppSnapshot, len(apps))
	for _, app := range apps {
		out[app] = s.sampleApp(ctx, app)
	}
	return out
}

func (s *Sampler) sampleApp(ctx context.Context, app model.AppId) *model.AppSnapshot {
	def, err := s.orchestrator.AppDefinition(ctx, app)
	if err != nil {
		logger.Warn("app_definition fetch failed for %s: %v", app, err)
		return &model.AppSnapshot{Tasks: nil}
	}
	if def == nil {
		return &model.AppSnapshot{Tasks: nil}
	}

	snap := &model.AppSnapshot{
		TaskCount: len(def.Tasks),
		Cpus:      def.Cpus,
		MemMB:     def.MemMB,
		Tasks:     make(map[model.TaskId]*model.TaskRecord, len(def.Tasks)),
	}

	validTasks := 0
	for taskID, loc := range def.Tasks {
		rec := s.sampleTask(ctx, app, taskID, loc.Host)
		snap.Tasks[taskID] = rec
		if rec == nil {
			continue
		}
		validTasks++
		snap.CPUUtil += rec.CPUUtil
		snap.MemUtil += rec.MemUtil
		if rec.SampleCount > snap.MaxSamplesInApp {
			snap.MaxSamplesInApp = rec.SampleCount
		}
	}

	if validTasks > 0 {
		snap.CPUUtil /= float64(validTasks)
		snap.MemUtil /= float64(validTasks)
	}
	return snap
}

func (s *Sampler) sampleTask(ctx context.Context, app model.AppId, taskID model.TaskId, host string) *model.TaskRecord {
	stats, ok := s.agentStatsCache[host]
	if !ok {
		fetched, err := s.resources.AgentTaskStats(ctx, host)
		if err != nil {
			logger.Warn("agent_task_stats fetch failed for host %s (app %s): %v", host, app, err)
			s.agentStatsCache[host] = nil
			return nil
		}
		s.agentStatsCache[host] = fetched
		stats = fetched
	}
	if stats == nil {
		return nil
	}

	raw, ok := stats[taskID]
	if !ok {
		return nil
	}

	timestamp := s.clock()
	if raw.Timestamp != nil {
		timestamp = *raw.Timestamp
	}
	cpusTime := raw.CpusSystemTimeSecs + raw.CpusUserTimeSecs

	prior := s.ring.PriorTask(app, taskID)

	rec := &model.TaskRecord{
		Timestamp:     timestamp,
		CpusTime:      cpusTime,
		MemRSSBytes:   raw.MemRSSBytes,
		MemLimitBytes: raw.MemLimitBytes,
	}

	if prior != nil && cpusTime < prior.CpusTime {
		logger.Debug("cpu counter for %s/%s went backwards (%.2f -> %.2f), task restarted", app, taskID, prior.CpusTime, cpusTime)
		if s.metrics != nil {
			s.metrics.RecordStaleSample(string(app))
		}
	}

	rec.CPUUtil = deriveCPUUtil(prior, cpusTime, timestamp)
	rec.MemUtil = deriveMemUtil(raw.MemRSSBytes, raw.MemLimitBytes)
	rec.SampleCount = nextSampleCount(prior)
	rec.AvgCPUUtil = runningAverage(rec.SampleCount, rec.CPUUtil, priorAvgCPU(prior))
	rec.AvgMemUtil = runningAverage(rec.SampleCount, rec.MemUtil, priorAvgMem(prior))

	return rec
}

// deriveCPUUtil turns the cumulative CPU-seconds counter into a rate
// in cores, clamped to 0 on the first observation, a non-positive
// elapsed time, or a negative delta (the counter reset because the
// task restarted).
func deriveCPUUtil(prior *model.TaskRecord, cpusTime, timestamp float64) float64 {
	if prior == nil {
		return 0
	}
	elapsed := timestamp - prior.Timestamp
	delta := cpusTime - prior.CpusTime
	if elapsed <= 0 || delta < 0 {
		return 0
	}
	return delta / elapsed
}

func deriveMemUtil(rssBytes, limitBytes int64) float64 {
	if limitBytes <= 0 {
		return 0
	}
	util := float64(rssBytes) / float64(limitBytes)
	if util < 0 {
		return 0
	}
	if util > 1 {
		return 1
	}
	return util
}

func nextSampleCount(prior *model.TaskRecord) int {
	if prior == nil {
		return 1
	}
	n := prior.SampleCount + 1
	if n > samplering.WindowSize {
		n = samplering.WindowSize
	}
	return n
}

func priorAvgCPU(prior *model.TaskRecord) float64 {
	if prior == nil {
		return 0
	}
	return prior.AvgCPUUtil
}

func priorAvgMem(prior *model.TaskRecord) float64 {
	if prior == nil {
		return 0
	}
	return prior.AvgMemUtil
}

// runningAverage is the incremental mean with n capped at WindowSize:
// avg_new = current/n + prior_avg*(n-1)/n. Once n saturates it becomes
// a first-order filter weighting each new sample 1/WindowSize.
func runningAverage(n int, current, priorAvg float64) float64 {
	if n <= 0 {
		return current
	}
	fn := float64(n)
	return current/fn + priorAvg*(fn-1)/fn
}

func wallClockSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
