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

// Package policy maps per-app aggregates to scale-up/scale-down
// directives: memory pressure dominates CPU saturation,
// admission checks guard against claiming more than half of cluster-
// wide free resource in one action, and a successful action resets the
// app's sample counts so the next window starts clean.
package policy

import (
	"context"
	"math"

	"marathon-autoscaler/internal/apperrors"
	"marathon-autoscaler/internal/audit"
	"marathon-autoscaler/internal/logger"
	"marathon-autoscaler/internal/model"
	"marathon-autoscaler/internal/samplering"
	"marathon-autoscaler/internal/sampling"
	"marathon-autoscaler/internal/telemetry"
)

// Thresholds and limits of the decision policy.
const (
	MinTaskCount    = 2
	MinCPUThreshold = 0.10
	MinMemThreshold = 0.10
	MaxCPUThreshold = 0.90
	MaxMemThreshold = 0.75
	AppMemScaleDown = 0.5
	MaxCPUAlloc     = 0.5
	MaxMemAlloc     = 0.5
)

// Action identifies which directive, if any, Evaluate issued for an app.
type Action string

const (
	ActionNone              Action = "none"
	ActionScaleUpMemory     Action = "scale_up_memory"
	ActionScaleUpReplicas   Action = "scale_up_replicas"
	ActionScaleDownMemory   Action = "scale_down_memory"
	ActionScaleDownReplicas Action = "scale_down_replicas"
)

// Decision is the outcome of evaluating one app for one tick.
type Decision struct {
	App    model.AppId
	Action Action
	// Value is the new mem_mb or the new replica count, meaningful only
	// when Action is a scale action.
	Value  float64
	Reason string
}

// OrchestratorGateway is the subset of the orchestrator gateway the
// policy engine issues mutations against.
type OrchestratorGateway interface {
	SetReplicas(ctx context.Context, app model.AppId, n int) (bool, error)
	SetMemory(ctx context.Context, app model.AppId, memMB float64) (bool, error)
}

// ResourceManagerGateway is the subset of the resource-manager gateway
// the policy engine consults for admission checks.
type ResourceManagerGateway interface {
	FreeCPUs(ctx context.Context) (float64, error)
	FreeMemMB(ctx context.Context) (float64, error)
}

// Engine evaluates per-app snapshots and issues scaling directives.
type Engine struct {
	orchestrator OrchestratorGateway
	resources    ResourceManagerGateway
	metrics      *telemetry.Metrics
	audit        *audit.Logger
}

// New builds an Engine. metrics and auditLog may both be nil to skip
// instrumentation and durable audit recording respectively.
func New(orch OrchestratorGateway, res ResourceManagerGateway, metrics *telemetry.Metrics, auditLog *audit.Logger) *Engine {
	return &Engine{orchestrator: orch, resources: res, metrics: metrics, audit: auditLog}
}

// Evaluate walks every app in snapshots and returns one Decision per
// app, in the iteration order of the map. At most one directive is
// issued per app per tick.
func (e *Engine) Evaluate(ctx context.Context, snapshots map[model.AppId]*model.AppSnapshot) []Decision {
	decisions := make([]Decision, 0, len(snapshots))
	for app, snap := range snapshots {
		decisions = append(decisions, e.evaluateApp(ctx, app, snap))
	}
	return decisions
}

func (e *Engine) evaluateApp(ctx context.Context, app model.AppId, snap *model.AppSnapshot) Decision {
	if snap == nil || snap.Tasks == nil {
		return Decision{App: app, Action: ActionNone, Reason: "no app definition this tick"}
	}
	if snap.MaxSamplesInApp < samplering.WindowSize {
		return Decision{App: app, Action: ActionNone, Reason: "warm-up: window not yet full"}
	}

	if d := e.scaleUp(ctx, app, snap); d.Action != ActionNone {
		return d
	}
	return e.scaleDown(ctx, app, snap)
}

// scaleUp checks memory pressure first; if it fires, CPU is not also
// evaluated this tick.
func (e *Engine) scaleUp(ctx context.Context, app model.AppId, snap *model.AppSnapshot) Decision {
	if snap.AppAvgMemUtil >= MaxMemThreshold {
		return e.scaleUpMemory(ctx, app, snap)
	}
	if cpuSaturated(snap.AppAvgCPUUtil) {
		return e.scaleUpReplicas(ctx, app, snap)
	}
	return Decision{App: app, Action: ActionNone}
}

func (e *Engine) scaleUpMemory(ctx context.Context, app model.AppId, snap *model.AppSnapshot) Decision {
	freeMem, err := e.resources.FreeMemMB(ctx)
	if err != nil {
		logger.Warn("free_mem_mb fetch failed evaluating %s: %v", app, err)
		return Decision{App: app, Action: ActionNone, Reason: "free_mem_mb unavailable"}
	}

	totalAppMem := snap.MemMB * float64(snap.TaskCount)
	if freeMem <= 0 || totalAppMem/freeMem >= MaxMemAlloc {
		e.recordAdmissionRejected(app, "memory")
		return Decision{App: app, Action: ActionNone, Reason: "memory admission check failed"}
	}

	newMem := snap.MemMB * 2
	ok, err := e.orchestrator.SetMemory(ctx, app, newMem)
	if err != nil {
		logger.Warn("set_memory failed for %s: %v", app, err)
		return Decision{App: app, Action: ActionNone, Reason: "set_memory error"}
	}
	if !ok {
		e.recordMutationRejected(app, "memory", snap.MemMB, newMem, "scale_up")
		return Decision{App: app, Action: ActionNone, Reason: "orchestrator rejected set_memory"}
	}

	sampling.ResetSampleCounts(snap)
	e.recordScaleUp(app, "memory", snap.MemMB, newMem)
	return Decision{App: app, Action: ActionScaleUpMemory, Value: newMem, Reason: "mem_util above max threshold"}
}

func (e *Engine) scaleUpReplicas(ctx context.Context, app model.AppId, snap *model.AppSnapshot) Decision {
	freeCPUs, err := e.resources.FreeCPUs(ctx)
	if err != nil {
		logger.Warn("free_cpus fetch failed evaluating %s: %v", app, err)
		return Decision{App: app, Action: ActionNone, Reason: "free_cpus unavailable"}
	}

	if freeCPUs <= 0 || snap.Cpus/freeCPUs >= MaxCPUAlloc {
		e.recordAdmissionRejected(app, "cpu")
		return Decision{App: app, Action: ActionNone, Reason: "cpu admission check failed"}
	}

	newReplicas := snap.TaskCount + 1
	ok, err := e.orchestrator.SetReplicas(ctx, app, newReplicas)
	if err != nil {
		logger.Warn("set_replicas failed for %s: %v", app, err)
		return Decision{App: app, Action: ActionNone, Reason: "set_replicas error"}
	}
	if !ok {
		e.recordMutationRejected(app, "replicas", float64(snap.TaskCount), float64(newReplicas), "scale_up")
		return Decision{App: app, Action: ActionNone, Reason: "orchestrator rejected set_replicas"}
	}

	sampling.ResetSampleCounts(snap)
	e.recordScaleUp(app, "replicas", float64(snap.TaskCount), float64(newReplicas))
	return Decision{App: app, Action: ActionScaleUpReplicas, Value: float64(newReplicas), Reason: "cpu saturated"}
}

// scaleDown is evaluated only when scale-up did not trigger for this
// app this tick; the caller enforces that ordering.
func (e *Engine) scaleDown(ctx context.Context, app model.AppId, snap *model.AppSnapshot) Decision {
	if snap.AppAvgMemUtil <= MinMemThreshold && snap.TaskCount > MinTaskCount {
		return e.scaleDownMemory(ctx, app, snap)
	}
	if snap.AppAvgCPUUtil <= MinCPUThreshold && snap.TaskCount > MinTaskCount {
		return e.scaleDownReplicas(ctx, app, snap)
	}
	return Decision{App: app, Action: ActionNone}
}

func (e *Engine) scaleDownMemory(ctx context.Context, app model.AppId, snap *model.AppSnapshot) Decision {
	newMem := math.Floor(snap.MemMB * AppMemScaleDown)
	ok, err := e.orchestrator.SetMemory(ctx, app, newMem)
	if err != nil {
		logger.Warn("set_memory failed for %s: %v", app, err)
		return Decision{App: app, Action: ActionNone, Reason: "set_memory error"}
	}
	if !ok {
		e.recordMutationRejected(app, "memory", snap.MemMB, newMem, "scale_down")
		return Decision{App: app, Action: ActionNone, Reason: "orchestrator rejected set_memory"}
	}

	sampling.ResetSampleCounts(snap)
	e.recordScaleDown(app, "memory", snap.MemMB, newMem)
	return Decision{App: app, Action: ActionScaleDownMemory, Value: newMem, Reason: "mem_util below min threshold"}
}

func (e *Engine) scaleDownReplicas(ctx context.Context, app model.AppId, snap *model.AppSnapshot) Decision {
	newReplicas := snap.TaskCount - 1
	ok, err := e.orchestrator.SetReplicas(ctx, app, newReplicas)
	if err != nil {
		logger.Warn("set_replicas failed for %s: %v", app, err)
		return Decision{App: app, Action: ActionNone, Reason: "set_replicas error"}
	}
	if !ok {
		e.recordMutationRejected(app, "replicas", float64(snap.TaskCount), float64(newReplicas), "scale_down")
		return Decision{App: app, Action: ActionNone, Reason: "orchestrator rejected set_replicas"}
	}

	sampling.ResetSampleCounts(snap)
	e.recordScaleDown(app, "replicas", float64(snap.TaskCount), float64(newReplicas))
	return Decision{App: app, Action: ActionScaleDownReplicas, Value: float64(newReplicas), Reason: "cpu_util below min threshold"}
}

// cpuSaturated is the cores-aware saturation test: the per-core
// remainder must be within 10% of a whole core in either direction,
// and overall utilization must be more than half a core. The modulus
// fires both when an app nears its next whole core and when it has
// just crossed one.
func cpuSaturated(avgCPUUtil float64) bool {
	if avgCPUUtil <= 0.5 {
		return false
	}
	remainder := math.Mod(avgCPUUtil, 1.0)
	return remainder >= MaxCPUThreshold || remainder <= 1-MaxCPUThreshold
}

func (e *Engine) recordScaleUp(app model.AppId, dimension string, before, after float64) {
	if e.metrics != nil {
		e.metrics.RecordScaleUp(string(app), dimension)
	}
	if e.audit != nil {
		e.audit.LogScaleUp(string(app), dimension, before, after, "threshold exceeded", nil)
	}
}

func (e *Engine) recordScaleDown(app model.AppId, dimension string, before, after float64) {
	if e.metrics != nil {
		e.metrics.RecordScaleDown(string(app), dimension)
	}
	if e.audit != nil {
		e.audit.LogScaleDown(string(app), dimension, before, after, "idle threshold", nil)
	}
}

func (e *Engine) recordMutationRejected(app model.AppId, dimension string, before, after float64, direction string) {
	err := apperrors.MutationRejectedError("policy."+direction, 0)
	if e.metrics != nil {
		e.metrics.RecordScaleRejected(string(app), dimension)
	}
	if e.audit != nil {
		if direction == "scale_up" {
			e.audit.LogScaleUp(string(app), dimension, before, after, "orchestrator rejected mutation", err)
		} else {
			e.audit.LogScaleDown(string(app), dimension, before, after, "orchestrator rejected mutation", err)
		}
	}
}

func (e *Engine) recordAdmissionRejected(app model.AppId, reason string) {
	if e.metrics != nil {
		e.metrics.RecordAdmissionRejected(string(app), reason)
	}
	if e.audit != nil {
		e.audit.LogAdmissionRejected(string(app), reason, nil)
	}
}
