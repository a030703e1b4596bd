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

// Package telemetry exposes the autoscaler's Prometheus metrics.
package telemetry

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the autoscaler.
type Metrics struct {
	TicksTotal      prometheus.Counter
	TickDuration    prometheus.Histogram
	TickErrorsTotal *prometheus.CounterVec

	AppsObserved prometheus.Gauge
	TasksSampled *prometheus.GaugeVec
	SamplesStale *prometheus.CounterVec

	GatewayRequestsTotal   *prometheus.CounterVec
	GatewayRequestDuration *prometheus.HistogramVec
	GatewayErrorsTotal     *prometheus.CounterVec

	ScaleUpTotal           *prometheus.CounterVec
	ScaleDownTotal         *prometheus.CounterVec
	ScaleRejectedTotal     *prometheus.CounterVec
	AdmissionRejectedTotal *prometheus.CounterVec

	AppAvgCPUUtil *prometheus.GaugeVec
	AppAvgMemUtil *prometheus.GaugeVec

	DeploymentWaitSeconds *prometheus.HistogramVec

	RetryAttemptsTotal  *prometheus.CounterVec
	RetrySuccessTotal   *prometheus.CounterVec
	CircuitBreakerState *prometheus.GaugeVec
}

var (
	instance *Metrics
	once     sync.Once
)

// Get returns the process-wide Metrics singleton, registering its
// collectors on first use.
func Get() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

func newMetrics() *Metrics {
	m := &Metrics{
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "autoscaler_ticks_total",
			Help: "Total number of poll/sample/scale ticks completed",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "autoscaler_tick_duration_seconds",
			Help:    "Wall-clock duration of a full tick (sample, aggregate, decide)",
			Buckets: prometheus.DefBuckets,
		}),
		TickErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autoscaler_tick_errors_total",
			Help: "Total number of ticks that returned an error",
		}, []string{"category"}),

		AppsObserved: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "autoscaler_apps_observed",
			Help: "Number of applications currently tracked",
		}),
		TasksSampled: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "autoscaler_tasks_sampled",
			Help: "Number of tasks sampled in the most recent tick, per app",
		}, []string{"app_id"}),
		SamplesStale: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autoscaler_samples_stale_total",
			Help: "Total number of task samples whose cpu counter went backwards (cpu_util clamped to 0)",
		}, []string{"app_id"}),

		GatewayRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autoscaler_gateway_requests_total",
			Help: "Total number of requests issued to orchestrator/resource-manager gateways",
		}, []string{"gateway", "operation"}),
		GatewayRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "autoscaler_gateway_request_duration_seconds",
			Help:    "Duration of gateway HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"gateway", "operation"}),
		GatewayErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autoscaler_gateway_errors_total",
			Help: "Total number of gateway request failures",
		}, []string{"gateway", "operation"}),

		ScaleUpTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autoscaler_scale_up_total",
			Help: "Total number of scale-up directives issued",
		}, []string{"app_id", "dimension"}),
		ScaleDownTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autoscaler_scale_down_total",
			Help: "Total number of scale-down directives issued",
		}, []string{"app_id", "dimension"}),
		ScaleRejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autoscaler_scale_rejected_total",
			Help: "Total number of scale directives rejected by the orchestrator",
		}, []string{"app_id", "dimension"}),
		AdmissionRejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autoscaler_admission_rejected_total",
			Help: "Total number of scale-up decisions blocked by cluster admission checks",
		}, []string{"app_id", "reason"}),

		AppAvgCPUUtil: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "autoscaler_app_avg_cpu_util",
			Help: "Most recent per-app average CPU utilization",
		}, []string{"app_id"}),
		AppAvgMemUtil: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "autoscaler_app_avg_mem_util",
			Help: "Most recent per-app average memory utilization",
		}, []string{"app_id"}),

		DeploymentWaitSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "autoscaler_deployment_wait_seconds",
			Help:    "Time spent waiting for a deployment to clear after a mutation",
			Buckets: prometheus.DefBuckets,
		}, []string{"app_id"}),

		RetryAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autoscaler_retry_attempts_total",
			Help: "Total number of retry attempts for gateway operations",
		}, []string{"operation"}),
		RetrySuccessTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autoscaler_retry_success_total",
			Help: "Total number of operations that succeeded after at least one retry",
		}, []string{"operation"}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "autoscaler_circuit_breaker_state",
			Help: "Circuit breaker state per name (0=closed, 1=open, 2=half_open)",
		}, []string{"name"}),
	}

	safeRegister(
		m.TicksTotal, m.TickDuration, m.TickErrorsTotal,
		m.AppsObserved, m.TasksSampled, m.SamplesStale,
		m.GatewayRequestsTotal, m.GatewayRequestDuration, m.GatewayErrorsTotal,
		m.ScaleUpTotal, m.ScaleDownTotal, m.ScaleRejectedTotal, m.AdmissionRejectedTotal,
		m.AppAvgCPUUtil, m.AppAvgMemUtil, m.DeploymentWaitSeconds,
		m.RetryAttemptsTotal, m.RetrySuccessTotal, m.CircuitBreakerState,
	)

	return m
}

// safeRegister tolerates duplicate registration so tests can rebuild
// the singleton without panicking.
func safeRegister(collectors ...prometheus.Collector) {
	for _, c := range collectors {
		_ = prometheus.Register(c)
	}
}

// RecordTick records the outcome of one supervisor tick.
func (m *Metrics) RecordTick(d time.Duration, errCategory string) {
	m.TicksTotal.Inc()
	m.TickDuration.Observe(d.Seconds())
	if errCategory != "" {
		m.TickErrorsTotal.WithLabelValues(errCategory).Inc()
	}
}

// RecordGatewayCall records a gateway HTTP call's outcome.
func (m *Metrics) RecordGatewayCall(gateway, operation string, d time.Duration, err error) {
	m.GatewayRequestsTotal.WithLabelValues(gateway, operation).Inc()
	m.GatewayRequestDuration.WithLabelValues(gateway, operation).Observe(d.Seconds())
	if err != nil {
		m.GatewayErrorsTotal.WithLabelValues(gateway, operation).Inc()
	}
}

// RecordAppUtilization publishes the per-app averages computed this tick.
func (m *Metrics) RecordAppUtilization(appID string, avgCPU, avgMem float64, taskCount int) {
	m.AppAvgCPUUtil.WithLabelValues(appID).Set(avgCPU)
	m.AppAvgMemUtil.WithLabelValues(appID).Set(avgMem)
	m.TasksSampled.WithLabelValues(appID).Set(float64(taskCount))
}

// RecordScaleUp records a successful scale-up directive.
func (m *Metrics) RecordScaleUp(appID, dimension string) {
	m.ScaleUpTotal.WithLabelValues(appID, dimension).Inc()
}

// RecordScaleDown records a successful scale-down directive.
func (m *Metrics) RecordScaleDown(appID, dimension string) {
	m.ScaleDownTotal.WithLabelValues(appID, dimension).Inc()
}

// RecordScaleRejected records an orchestrator-rejected mutation.
func (m *Metrics) RecordScaleRejected(appID, dimension string) {
	m.ScaleRejectedTotal.WithLabelValues(appID, dimension).Inc()
}

// RecordAdmissionRejected records a scale-up blocked at admission.
func (m *Metrics) RecordAdmissionRejected(appID, reason string) {
	m.AdmissionRejectedTotal.WithLabelValues(appID, reason).Inc()
}

// RecordStaleSample records a sample whose cpu counter went backwards.
func (m *Metrics) RecordStaleSample(appID string) {
	m.SamplesStale.WithLabelValues(appID).Inc()
}

// RecordDeploymentWait records the observed wait for a deployment to clear.
func (m *Metrics) RecordDeploymentWait(appID string, d time.Duration) {
	m.DeploymentWaitSeconds.WithLabelValues(appID).Observe(d.Seconds())
}

// RecordRetryAttempt records one retry attempt for operation.
func (m *Metrics) RecordRetryAttempt(operation string, attempt int) {
	m.RetryAttemptsTotal.WithLabelValues(operation).Inc()
}

// RecordRetrySuccess records that operation succeeded after retrying.
func (m *Metrics) RecordRetrySuccess(operation string) {
	m.RetrySuccessTotal.WithLabelValues(operation).Inc()
}

// RecordCircuitBreakerState publishes the current state of the named
// circuit breaker (0=closed, 1=open, 2=half_open).
func (m *Metrics) RecordCircuitBreakerState(name string, state int) {
	m.CircuitBreakerState.WithLabelValues(name).Set(float64(state))
}

// Handler returns the promhttp handler for mounting on a mux; the
// health server serves it on the PORT0 listener.
func Handler() http.Handler {
	return promhttp.Handler()
}
