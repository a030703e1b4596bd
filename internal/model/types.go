// Package model holds the data types shared by the sampling, policy, and
// gateway layers: application and task identifiers, the per-tick task
// record, and the per-app snapshot that the sample ring stores.
package model

import "strings"

// AppId is the opaque identifier of an application, normalized to strip
// a leading path separator (Marathon ids are reported as "/name").
type AppId string

// NormalizeAppId strips a leading "/" from a raw orchestrator app id.
func NormalizeAppId(raw string) AppId {
	return AppId(strings.TrimPrefix(raw, "/"))
}

// TaskId is the opaque identifier of an executor/task within an app.
type TaskId string

// AppDefinition is the orchestrator's view of a running application,
// fetched fresh every tick.
type AppDefinition struct {
	Cpus  float64
	MemMB float64
	Tasks map[TaskId]TaskLocation
}

// TaskLocation is the agent host a task currently runs on.
type TaskLocation struct {
	Host string
}

// TaskRecord is produced per tick for each live task. A nil *TaskRecord in
// an AppSnapshot.Tasks map means the task's sample was unavailable this
// tick (TransientFetchError) or the app itself has zero running tasks.
type TaskRecord struct {
	Timestamp     float64 // seconds, resource-manager clock or local wall clock
	CpusTime      float64 // cumulative CPU-seconds (user+system), monotonic per task
	CPUUtil       float64 // instantaneous utilization this tick, in cores
	MemRSSBytes   int64
	MemLimitBytes int64
	MemUtil       float64 // mem_rss_bytes / mem_limit_bytes, clamped to [0,1]
	SampleCount   int     // ticks contributed to the running average, capped at WindowSize
	AvgCPUUtil    float64 // running average of CPUUtil
	AvgMemUtil    float64 // running average of MemUtil
}

// AppSnapshot is the per-app, per-tick aggregate. Tasks is nil when the
// orchestrator reports zero running tasks for the app (AppDefinition was
// absent); otherwise it has one entry per task in the app definition,
// with a nil value for tasks whose sample was unavailable this tick.
type AppSnapshot struct {
	TaskCount       int
	Cpus            float64
	MemMB           float64
	Tasks           map[TaskId]*TaskRecord
	CPUUtil         float64 // mean instantaneous CPU util across valid tasks
	MemUtil         float64 // mean instantaneous mem util across valid tasks
	AppAvgCPUUtil   float64 // sample_count-weighted average, see Aggregator
	AppAvgMemUtil   float64
	MaxSamplesInApp int
}
