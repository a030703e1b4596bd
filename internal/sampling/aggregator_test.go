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
	"testing"

	"github.com/stretchr/testify/assert"

	"marathon-autoscaler/internal/model"
	"marathon-autoscaler/internal/sampling"
)

func TestAggregateWeightsBySampleCount(t *testing.T) {
	snap := &model.AppSnapshot{
		Tasks: map[model.TaskId]*model.TaskRecord{
			"t1": {AvgCPUUtil: 1.0, AvgMemUtil: 0.5, SampleCount: 4},
			"t2": {AvgCPUUtil: 0.0, AvgMemUtil: 0.5, SampleCount: 2},
		},
	}

	sampling.Aggregate(map[model.AppId]*model.AppSnapshot{"webapp": snap})

	assert.InDelta(t, 4.0/6.0, snap.AppAvgCPUUtil, 1e-9)
	assert.InDelta(t, 0.5, snap.AppAvgMemUtil, 1e-9)
}

func TestAggregateZeroSampleCountsYieldsZero(t *testing.T) {
	snap := &model.AppSnapshot{
		Tasks: map[model.TaskId]*model.TaskRecord{
			"t1": {AvgCPUUtil: 1.0, AvgMemUtil: 1.0, SampleCount: 0},
		},
	}

	sampling.Aggregate(map[model.AppId]*model.AppSnapshot{"webapp": snap})

	assert.Equal(t, 0.0, snap.AppAvgCPUUtil)
	assert.Equal(t, 0.0, snap.AppAvgMemUtil)
}

func TestAggregateSkipsAppsWithNilTasks(t *testing.T) {
	snap := &model.AppSnapshot{Tasks: nil}
	sampling.Aggregate(map[model.AppId]*model.AppSnapshot{"webapp": snap})
	assert.Equal(t, 0.0, snap.AppAvgCPUUtil)
}

func TestResetSampleCountsZeroesEveryTask(t *testing.T) {
	snap := &model.AppSnapshot{
		Tasks: map[model.TaskId]*model.TaskRecord{
			"t1": {SampleCount: 4},
			"t2": {SampleCount: 3},
		},
	}
	sampling.ResetSampleCounts(snap)
	assert.Equal(t, 0, snap.Tasks["t1"].SampleCount)
	assert.Equal(t, 0, snap.Tasks["t2"].SampleCount)
}
