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

package sampling

import "marathon-autoscaler/internal/model"

// Aggregate rolls each app's per-task running averages up to a
// sample-count-weighted app-level average, writing
// AppAvgCPUUtil/AppAvgMemUtil back onto the snapshot in place.
func Aggregate(snapshots map[model.AppId]*model.AppSnapshot) {
	for _, snap := range snapshots {
		aggregateApp(snap)
	}
}

func aggregateApp(snap *model.AppSnapshot) {
	if snap == nil || snap.Tasks == nil {
		return
	}

	var numCPU, numMem float64
	var den int
	for _, task := range snap.Tasks {
		if task == nil {
			continue
		}
		numCPU += float64(task.SampleCount) * task.AvgCPUUtil
		numMem += float64(task.SampleCount) * task.AvgMemUtil
		den += task.SampleCount
	}

	if den > 0 {
		snap.AppAvgCPUUtil = numCPU / float64(den)
		snap.AppAvgMemUtil = numMem / float64(den)
	} else {
		snap.AppAvgCPUUtil = 0
		snap.AppAvgMemUtil = 0
	}
}

// ResetSampleCounts zeroes every task's SampleCount in snap: a
// successful scaling action invalidates the window that produced it,
// so the running averages restart from the next tick.
func ResetSampleCounts(snap *model.AppSnapshot) {
	if snap == nil {
		return
	}
	for _, task := range snap.Tasks {
		if task != nil {
			task.SampleCount = 0
		}
	}
}
