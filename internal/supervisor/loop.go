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

// Package supervisor drives the tick: list apps, sample, aggregate,
// print stats, write to the sample ring, decide, advance the ring.
// It never terminates on a transient per-tick error; only a canceled
// context stops the loop.
package supervisor

import (
	"context"
	"fmt"
	"time"

	"marathon-autoscaler/internal/apperrors"
	"marathon-autoscaler/internal/health"
	"marathon-autoscaler/internal/logger"
	"marathon-autoscaler/internal/model"
	"marathon-autoscaler/internal/policy"
	"marathon-autoscaler/internal/samplering"
	"marathon-autoscaler/internal/sampling"
	"marathon-autoscaler/internal/telemetry"
)

// PollInterval is the fixed tick period.
const PollInterval = 5 * time.Second

// OrchestratorGateway is the subset of the orchestrator gateway the
// supervisor consumes directly (app enumeration); the Sampler and
// Policy engine hold their own narrower views of the same gateway.
type OrchestratorGateway interface {
	ListApps(ctx context.Context) ([]model.AppId, error)
}

// Loop owns the sample ring and drives one tick per iteration.
type Loop struct {
	orchestrator OrchestratorGateway
	sampler      *sampling.Sampler
	policy       *policy.Engine
	ring         *samplering.Ring
	checker      *health.Checker
	metrics      *telemetry.Metrics
}

// New builds a Loop.
func New(orch OrchestratorGateway, sampler *sampling.Sampler, eng *policy.Engine, ring *samplering.Ring, checker *health.Checker, metrics *telemetry.Metrics) *Loop {
	return &Loop{
		orchestrator: orch,
		sampler:      sampler,
		policy:       eng,
		ring:         ring,
		checker:      checker,
		metrics:      metrics,
	}
}

// Run blocks, executing one tick every PollInterval until ctx is
// canceled by a shutdown signal. Any uncaught per-tick error is logged
// and the loop sleeps one more PollInterval before continuing; it
// never terminates on a transient failure.
func (l *Loop) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			logger.Info("supervisor: shutdown signal received, stopping loop")
			return
		case <-time.After(PollInterval):
		}

		if err := l.tick(ctx); err != nil {
			logger.Error("supervisor: tick failed: %v", err)
			if l.checker != nil {
				l.checker.UpdateComponentStatus("supervisor", false, err.Error())
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(PollInterval):
			}
			continue
		}

		if l.checker != nil {
			l.checker.UpdateComponentStatus("supervisor", true, "tick completed")
		}
	}
}

// tick runs one iteration in order: list apps, sample, aggregate,
// print stats, write to the ring, decide, advance.
func (l *Loop) tick(ctx context.Context) error {
	start := time.Now()

	apps, err := l.orchestrator.ListApps(ctx)
	if err != nil {
		if l.metrics != nil {
			category := apperrors.GetCategory(err)
			if category == "" {
				category = apperrors.CategoryInternal
			}
			l.metrics.RecordTick(time.Since(start), category)
		}
		return fmt.Errorf("list_apps: %w", err)
	}

	snapshots := l.sampler.Tick(ctx, apps)
	sampling.Aggregate(snapshots)

	l.printStats(snapshots)
	l.recordMetrics(snapshots)

	l.ring.Write(snapshots)

	decisions := l.policy.Evaluate(ctx, snapshots)
	l.logDecisions(decisions)

	l.ring.Advance()

	if l.metrics != nil {
		l.metrics.RecordTick(time.Since(start), "")
	}
	return nil
}

// printStats emits an "App count: <n>" header, then one line per app, to
// standard output:
// "Name: <app>  Instances: <n>  CPU: <p%>  Avg CPU: <p%>  Mem: <p%>  Avg Mem: <p%>".
func (l *Loop) printStats(snapshots map[model.AppId]*model.AppSnapshot) {
	fmt.Printf("\nApp count: %d\n", len(snapshots))
	for app, snap := range snapshots {
		if snap == nil || snap.Tasks == nil {
			fmt.Printf("Name: %-24s Instances: %-5d (no running tasks)\n", app, 0)
			continue
		}
		fmt.Printf(
			"Name: %-24s Instances: %-5d CPU: %-10.2f%% Avg CPU: %-10.2f%% Mem: %-10.2f%% Avg Mem: %-10.2f%%\n",
			app, snap.TaskCount,
			snap.CPUUtil*100, snap.AppAvgCPUUtil*100,
			snap.MemUtil*100, snap.AppAvgMemUtil*100,
		)
	}
}

func (l *Loop) recordMetrics(snapshots map[model.AppId]*model.AppSnapshot) {
	if l.metrics == nil {
		return
	}
	l.metrics.AppsObserved.Set(float64(len(snapshots)))
	for app, snap := range snapshots {
		if snap == nil || snap.Tasks == nil {
			continue
		}
		validTasks := 0
		for _, t := range snap.Tasks {
			if t != nil {
				validTasks++
			}
		}
		l.metrics.RecordAppUtilization(string(app), snap.AppAvgCPUUtil, snap.AppAvgMemUtil, snap.TaskCount)
		l.metrics.TasksSampled.WithLabelValues(string(app)).Set(float64(validTasks))
	}
}

func (l *Loop) logDecisions(decisions []policy.Decision) {
	for _, d := range decisions {
		if d.Action == policy.ActionNone {
			continue
		}
		logger.Info("scaling %s: action=%s value=%.2f reason=%q", d.App, d.Action, d.Value, d.Reason)
	}
}
