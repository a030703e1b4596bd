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

package policy_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marathon-autoscaler/internal/model"
	"marathon-autoscaler/internal/policy"
)

type fakeOrchestrator struct {
	replicasCalls []int
	memoryCalls   []float64
	replicasOK    bool
	memoryOK      bool
	err           error
}

func (f *fakeOrchestrator) SetReplicas(_ context.Context, _ model.AppId, n int) (bool, error) {
	f.replicasCalls = append(f.replicasCalls, n)
	return f.replicasOK, f.err
}

func (f *fakeOrchestrator) SetMemory(_ context.Context, _ model.AppId, memMB float64) (bool, error) {
	f.memoryCalls = append(f.memoryCalls, memMB)
	return f.memoryOK, f.err
}

type fakeResources struct {
	freeCPUs float64
	freeMem  float64
	err      error
}

func (f *fakeResources) FreeCPUs(_ context.Context) (float64, error)  { return f.freeCPUs, f.err }
func (f *fakeResources) FreeMemMB(_ context.Context) (float64, error) { return f.freeMem, f.err }

func warmSnapshot(taskCount int, cpus, memMB, avgCPU, avgMem float64) *model.AppSnapshot {
	tasks := make(map[model.TaskId]*model.TaskRecord, taskCount)
	for i := 0; i < taskCount; i++ {
		tasks[model.TaskId(fmt.Sprintf("task.%d", i))] = &model.TaskRecord{SampleCount: 4, AvgCPUUtil: avgCPU, AvgMemUtil: avgMem}
	}
	return &model.AppSnapshot{
		TaskCount:       taskCount,
		Cpus:            cpus,
		MemMB:           memMB,
		Tasks:           tasks,
		AppAvgCPUUtil:   avgCPU,
		AppAvgMemUtil:   avgMem,
		MaxSamplesInApp: 4,
	}
}

func TestWarmUpGateBlocksDecisionBelowWindow(t *testing.T) {
	snap := warmSnapshot(2, 1, 512, 0.95, 0.0)
	snap.MaxSamplesInApp = 3

	orch := &fakeOrchestrator{}
	res := &fakeResources{freeCPUs: 10, freeMem: 10000}
	eng := policy.New(orch, res, nil, nil)

	decisions := eng.Evaluate(context.Background(), map[model.AppId]*model.AppSnapshot{"app": snap})

	require.Len(t, decisions, 1)
	assert.Equal(t, policy.ActionNone, decisions[0].Action)
	assert.Empty(t, orch.replicasCalls)
	assert.Empty(t, orch.memoryCalls)
}

// Warm saturation: free_cpus=10, app.cpus=1, avg cpu = 0.95 -> set_replicas(app, task_count+1).
func TestScaleUpReplicasOnCPUSaturation(t *testing.T) {
	snap := warmSnapshot(2, 1, 512, 0.95, 0.0)

	orch := &fakeOrchestrator{replicasOK: true}
	res := &fakeResources{freeCPUs: 10, freeMem: 10000}
	eng := policy.New(orch, res, nil, nil)

	decisions := eng.Evaluate(context.Background(), map[model.AppId]*model.AppSnapshot{"app": snap})

	require.Len(t, decisions, 1)
	assert.Equal(t, policy.ActionScaleUpReplicas, decisions[0].Action)
	assert.Equal(t, float64(3), decisions[0].Value)
	require.Len(t, orch.replicasCalls, 1)
	assert.Equal(t, 3, orch.replicasCalls[0])
	for _, task := range snap.Tasks {
		assert.Equal(t, 0, task.SampleCount)
	}
}

// Memory pressure: mem_util=0.80, free_mem=10000, app.mem_mb=512, task_count=2 -> set_memory(app, 1024).
func TestScaleUpMemoryOnPressure(t *testing.T) {
	snap := warmSnapshot(2, 1, 512, 0.0, 0.80)

	orch := &fakeOrchestrator{memoryOK: true}
	res := &fakeResources{freeCPUs: 10, freeMem: 10000}
	eng := policy.New(orch, res, nil, nil)

	decisions := eng.Evaluate(context.Background(), map[model.AppId]*model.AppSnapshot{"app": snap})

	require.Len(t, decisions, 1)
	assert.Equal(t, policy.ActionScaleUpMemory, decisions[0].Action)
	assert.Equal(t, 1024.0, decisions[0].Value)
	require.Len(t, orch.memoryCalls, 1)
	assert.Equal(t, 1024.0, orch.memoryCalls[0])
}

// Memory scale-up precedes CPU scale-up in the same tick.
func TestMemoryScaleUpPrecedesCPU(t *testing.T) {
	snap := warmSnapshot(2, 1, 512, 0.95, 0.80)

	orch := &fakeOrchestrator{memoryOK: true, replicasOK: true}
	res := &fakeResources{freeCPUs: 10, freeMem: 10000}
	eng := policy.New(orch, res, nil, nil)

	eng.Evaluate(context.Background(), map[model.AppId]*model.AppSnapshot{"app": snap})

	assert.Len(t, orch.memoryCalls, 1)
	assert.Empty(t, orch.replicasCalls)
}

// Idle shrink: cpu_util=0.02, task_count=3 -> set_replicas(app, 2).
func TestScaleDownReplicasOnIdle(t *testing.T) {
	snap := warmSnapshot(3, 1, 512, 0.02, 0.50)

	orch := &fakeOrchestrator{replicasOK: true}
	res := &fakeResources{freeCPUs: 10, freeMem: 10000}
	eng := policy.New(orch, res, nil, nil)

	decisions := eng.Evaluate(context.Background(), map[model.AppId]*model.AppSnapshot{"app": snap})

	require.Len(t, decisions, 1)
	assert.Equal(t, policy.ActionScaleDownReplicas, decisions[0].Action)
	require.Len(t, orch.replicasCalls, 1)
	assert.Equal(t, 2, orch.replicasCalls[0])
}

// Floor: same idle shrink with task_count=2 -> no action.
func TestScaleDownFloorBlocksAtMinTaskCount(t *testing.T) {
	snap := warmSnapshot(2, 1, 512, 0.02, 0.50)

	orch := &fakeOrchestrator{replicasOK: true}
	res := &fakeResources{freeCPUs: 10, freeMem: 10000}
	eng := policy.New(orch, res, nil, nil)

	decisions := eng.Evaluate(context.Background(), map[model.AppId]*model.AppSnapshot{"app": snap})

	require.Len(t, decisions, 1)
	assert.Equal(t, policy.ActionNone, decisions[0].Action)
	assert.Empty(t, orch.replicasCalls)
}

func TestScaleDownMemoryWhenIdleAboveMinTaskCount(t *testing.T) {
	snap := warmSnapshot(3, 1, 512, 0.50, 0.02)

	orch := &fakeOrchestrator{memoryOK: true}
	res := &fakeResources{freeCPUs: 10, freeMem: 10000}
	eng := policy.New(orch, res, nil, nil)

	decisions := eng.Evaluate(context.Background(), map[model.AppId]*model.AppSnapshot{"app": snap})

	require.Len(t, decisions, 1)
	assert.Equal(t, policy.ActionScaleDownMemory, decisions[0].Action)
	assert.Equal(t, 256.0, decisions[0].Value)
}

// Admission: free_cpus=10, app.cpus=6, ratio=0.6 >= MAX_CPU_ALLOC=0.5 -> no replica scale-up.
func TestCPUAdmissionRejectsOvercommit(t *testing.T) {
	snap := warmSnapshot(2, 6, 512, 0.95, 0.0)

	orch := &fakeOrchestrator{replicasOK: true}
	res := &fakeResources{freeCPUs: 10, freeMem: 10000}
	eng := policy.New(orch, res, nil, nil)

	decisions := eng.Evaluate(context.Background(), map[model.AppId]*model.AppSnapshot{"app": snap})

	require.Len(t, decisions, 1)
	assert.Equal(t, policy.ActionNone, decisions[0].Action)
	assert.Empty(t, orch.replicasCalls)
}

// Mem admission: app.mem_mb=100, task_count=3, free_mem_mb=1000, ratio=0.3 < 0.5 -> scale-up to 200.
func TestMemAdmissionAllowsWithinBudget(t *testing.T) {
	snap := warmSnapshot(3, 1, 100, 0.0, 0.80)

	orch := &fakeOrchestrator{memoryOK: true}
	res := &fakeResources{freeCPUs: 10, freeMem: 1000}
	eng := policy.New(orch, res, nil, nil)

	decisions := eng.Evaluate(context.Background(), map[model.AppId]*model.AppSnapshot{"app": snap})

	require.Len(t, decisions, 1)
	assert.Equal(t, policy.ActionScaleUpMemory, decisions[0].Action)
	assert.Equal(t, 200.0, decisions[0].Value)
}

func TestMutationRejectedDoesNotResetSampleCounts(t *testing.T) {
	snap := warmSnapshot(2, 1, 512, 0.95, 0.0)

	orch := &fakeOrchestrator{replicasOK: false}
	res := &fakeResources{freeCPUs: 10, freeMem: 10000}
	eng := policy.New(orch, res, nil, nil)

	decisions := eng.Evaluate(context.Background(), map[model.AppId]*model.AppSnapshot{"app": snap})

	require.Len(t, decisions, 1)
	assert.Equal(t, policy.ActionNone, decisions[0].Action)
	for _, task := range snap.Tasks {
		assert.Equal(t, 4, task.SampleCount)
	}
}

func TestNoAppDefinitionSkipsEvaluation(t *testing.T) {
	snap := &model.AppSnapshot{Tasks: nil}

	orch := &fakeOrchestrator{}
	res := &fakeResources{freeCPUs: 10, freeMem: 10000}
	eng := policy.New(orch, res, nil, nil)

	decisions := eng.Evaluate(context.Background(), map[model.AppId]*model.AppSnapshot{"app": snap})

	require.Len(t, decisions, 1)
	assert.Equal(t, policy.ActionNone, decisions[0].Action)
}
