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

package sampling_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marathon-autoscaler/internal/model"
	"marathon-autoscaler/internal/resourcemanager"
	"marathon-autoscaler/internal/samplering"
	"marathon-autoscaler/internal/sampling"
)

type fakeOrchestrator struct {
	defs map[model.AppId]*model.AppDefinition
}

func (f *fakeOrchestrator) AppDefinition(_ context.Context, app model.AppId) (*model.AppDefinition, error) {
	return f.defs[app], nil
}

type fakeResources struct {
	byHost map[string]map[model.TaskId]resourcemanager.RawStats
}

func (f *fakeResources) AgentTaskStats(_ context.Context, host string) (map[model.TaskId]resourcemanager.RawStats, error) {
	return f.byHost[host], nil
}

func ts(v float64) *float64 { return &v }

func TestSamplerColdStartFirstTickNoPriorRecord(t *testing.T) {
	orch := &fakeOrchestrator{defs: map[model.AppId]*model.AppDefinition{
		"webapp": {Cpus: 1, MemMB: 256, Tasks: map[model.TaskId]model.TaskLocation{
			"webapp.1": {Host: "agent-1"},
		}},
	}}
	res := &fakeResources{byHost: map[string]map[model.TaskId]resourcemanager.RawStats{
		"agent-1": {"webapp.1": {CpusSystemTimeSecs: 5, CpusUserTimeSecs: 5, MemRSSBytes: 100, MemLimitBytes: 200, Timestamp: ts(100)}},
	}}
	ring := samplering.NewRing()
	s := sampling.New(orch, res, ring, nil, nil)

	snap := s.Tick(context.Background(), []model.AppId{"webapp"})["webapp"]
	require.NotNil(t, snap)
	rec := snap.Tasks["webapp.1"]
	require.NotNil(t, rec)
	assert.Equal(t, 0.0, rec.CPUUtil, "first observation has no prior, cpu_util must be 0")
	assert.Equal(t, 1, rec.SampleCount)
	assert.Equal(t, 0.5, rec.MemUtil)
}

func TestSamplerDerivesCPUUtilFromCounterDelta(t *testing.T) {
	ring := samplering.NewRing()
	ring.Write(map[model.AppId]*model.AppSnapshot{
		"webapp": {Tasks: map[model.TaskId]*model.TaskRecord{
			"webapp.1": {CpusTime: 10, Timestamp: 100, SampleCount: 1},
		}},
	})
	ring.Advance()

	orch := &fakeOrchestrator{defs: map[model.AppId]*model.AppDefinition{
		"webapp": {Tasks: map[model.TaskId]model.TaskLocation{"webapp.1": {Host: "agent-1"}}},
	}}
	res := &fakeResources{byHost: map[string]map[model.TaskId]resourcemanager.RawStats{
		"agent-1": {"webapp.1": {CpusSystemTimeSecs: 10, CpusUserTimeSecs: 3.5, MemRSSBytes: 0, MemLimitBytes: 1, Timestamp: ts(105)}},
	}}
	s := sampling.New(orch, res, ring, nil, nil)

	snap := s.Tick(context.Background(), []model.AppId{"webapp"})["webapp"]
	rec := snap.Tasks["webapp.1"]
	assert.InDelta(t, 0.7, rec.CPUUtil, 1e-9)
	assert.Equal(t, 2, rec.SampleCount)
}

func TestSamplerCounterResetClampsToZero(t *testing.T) {
	ring := samplering.NewRing()
	ring.Write(map[model.AppId]*model.AppSnapshot{
		"webapp": {Tasks: map[model.TaskId]*model.TaskRecord{
			"webapp.1": {CpusTime: 500, Timestamp: 100, SampleCount: 1},
		}},
	})
	ring.Advance()

	orch := &fakeOrchestrator{defs: map[model.AppId]*model.AppDefinition{
		"webapp": {Tasks: map[model.TaskId]model.TaskLocation{"webapp.1": {Host: "agent-1"}}},
	}}
	res := &fakeResources{byHost: map[string]map[model.TaskId]resourcemanager.RawStats{
		"agent-1": {"webapp.1": {CpusSystemTimeSecs: 2, CpusUserTimeSecs: 3, MemRSSBytes: 0, MemLimitBytes: 1, Timestamp: ts(105)}},
	}}
	s := sampling.New(orch, res, ring, nil, nil)

	snap := s.Tick(context.Background(), []model.AppId{"webapp"})["webapp"]
	rec := snap.Tasks["webapp.1"]
	assert.Equal(t, 0.0, rec.CPUUtil, "a counter reset must clamp cpu_util to 0")
	assert.Equal(t, 2, rec.SampleCount, "sample_count still advances on a counter reset")
}

func TestSamplerRunningAverageHoldsConstantInput(t *testing.T) {
	// Feeding a constant per-tick memory ratio through the Sampler's
	// running average must hold at that value, within epsilon, for
	// every k <= WindowSize.
	const x = 0.42
	orch := &fakeOrchestrator{defs: map[model.AppId]*model.AppDefinition{
		"webapp": {Tasks: map[model.TaskId]model.TaskLocation{"webapp.1": {Host: "agent-1"}}},
	}}
	res := &fakeResources{byHost: map[string]map[model.TaskId]resourcemanager.RawStats{
		"agent-1": {"webapp.1": {MemRSSBytes: 42, MemLimitBytes: 100, Timestamp: ts(100)}},
	}}
	ring := samplering.NewRing()
	s := sampling.New(orch, res, ring, nil, nil)

	var rec *model.TaskRecord
	for k := 1; k <= samplering.WindowSize; k++ {
		snaps := s.Tick(context.Background(), []model.AppId{"webapp"})
		rec = snaps["webapp"].Tasks["webapp.1"]
		require.NotNil(t, rec)
		assert.InDelta(t, x, rec.AvgMemUtil, 1e-9)
		ring.Write(snaps)
		ring.Advance()
	}
	assert.Equal(t, samplering.WindowSize, rec.SampleCount)
}

func TestSamplerAppWithNoDefinitionRecordsNilTasks(t *testing.T) {
	orch := &fakeOrchestrator{defs: map[model.AppId]*model.AppDefinition{}}
	res := &fakeResources{}
	ring := samplering.NewRing()
	s := sampling.New(orch, res, ring, nil, nil)

	snap := s.Tick(context.Background(), []model.AppId{"missing"})["missing"]
	require.NotNil(t, snap)
	assert.Nil(t, snap.Tasks)
}

func TestSamplerTaskWithUnavailableAgentIsNilInSnapshot(t *testing.T) {
	orch := &fakeOrchestrator{defs: map[model.AppId]*model.AppDefinition{
		"webapp": {Tasks: map[model.TaskId]model.TaskLocation{"webapp.1": {Host: "agent-down"}}},
	}}
	res := &fakeResources{byHost: map[string]map[model.TaskId]resourcemanager.RawStats{}}
	ring := samplering.NewRing()
	s := sampling.New(orch, res, ring, nil, nil)

	snap := s.Tick(context.Background(), []model.AppId{"webapp"})["webapp"]
	require.NotNil(t, snap)
	require.Contains(t, snap.Tasks, model.TaskId("webapp.1"))
	assert.Nil(t, snap.Tasks["webapp.1"])
}
