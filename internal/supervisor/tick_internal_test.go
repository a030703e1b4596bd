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

package supervisor

import (
	"context"
	"testing"

	"marathon-autoscaler/internal/model"
	"marathon-autoscaler/internal/policy"
	"marathon-autoscaler/internal/resourcemanager"
	"marathon-autoscaler/internal/samplering"
	"marathon-autoscaler/internal/sampling"
)

type tickFakeGateway struct {
	apps      []model.AppId
	defs      map[model.AppId]*model.AppDefinition
	stats     map[string]map[model.TaskId]resourcemanager.RawStats
	freeCPUs  float64
	freeMem   float64
	mutations int
}

func (f *tickFakeGateway) ListApps(_ context.Context) ([]model.AppId, error) { return f.apps, nil }
func (f *tickFakeGateway) AppDefinition(_ context.Context, app model.AppId) (*model.AppDefinition, error) {
	return f.defs[app], nil
}
func (f *tickFakeGateway) AgentTaskStats(_ context.Context, host string) (map[model.TaskId]resourcemanager.RawStats, error) {
	return f.stats[host], nil
}
func (f *tickFakeGateway) FreeCPUs(_ context.Context) (float64, error)  { return f.freeCPUs, nil }
func (f *tickFakeGateway) FreeMemMB(_ context.Context) (float64, error) { return f.freeMem, nil }
func (f *tickFakeGateway) SetReplicas(_ context.Context, _ model.AppId, n int) (bool, error) {
	f.mutations++
	return true, nil
}
func (f *tickFakeGateway) SetMemory(_ context.Context, _ model.AppId, _ float64) (bool, error) {
	f.mutations++
	return true, nil
}

// TestTickFirstRunLeavesSampleCountAtOne covers a cold start: a single
// tick with one app of two fully loaded tasks leaves sample count 1
// and issues no scaling decision (the warm-up gate blocks it).
func TestTickFirstRunLeavesSampleCountAtOne(t *testing.T) {
	gw := &tickFakeGateway{
		apps: []model.AppId{"webapp"},
		defs: map[model.AppId]*model.AppDefinition{
			"webapp": {
				Cpus:  1,
				MemMB: 512,
				Tasks: map[model.TaskId]model.TaskLocation{
					"t1": {Host: "agent1"}, "t2": {Host: "agent1"},
				},
			},
		},
		stats: map[string]map[model.TaskId]resourcemanager.RawStats{
			"agent1": {
				"t1": {CpusSystemTimeSecs: 1, CpusUserTimeSecs: 1, MemRSSBytes: 990, MemLimitBytes: 1000},
				"t2": {CpusSystemTimeSecs: 1, CpusUserTimeSecs: 1, MemRSSBytes: 990, MemLimitBytes: 1000},
			},
		},
		freeCPUs: 10,
		freeMem:  10000,
	}

	ring := samplering.NewRing()
	sampler := sampling.New(gw, gw, ring, func() float64 { return 100 }, nil)
	eng := policy.New(gw, gw, nil, nil)
	loop := New(gw, sampler, eng, ring, nil, nil)

	if err := loop.tick(context.Background()); err != nil {
		t.Fatalf("tick returned error: %v", err)
	}

	snap := ring.PriorTask("webapp", "t1")
	if snap == nil {
		t.Fatal("expected task record for t1 after first tick")
	}
	if snap.SampleCount != 1 {
		t.Fatalf("expected sample_count 1 on first tick, got %d", snap.SampleCount)
	}
	if snap.CPUUtil != 0 {
		t.Fatalf("expected cpu_util 0 on first observation, got %f", snap.CPUUtil)
	}
	if gw.mutations != 0 {
		t.Fatalf("expected no scaling mutation during warm-up, got %d", gw.mutations)
	}
}
