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

// Package retry provides exponential-backoff retry and a circuit
// breaker for the HTTP gateway calls made against Marathon and Mesos.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"marathon-autoscaler/internal/logger"
	"marathon-autoscaler/internal/telemetry"
)

// RetryableError marks an error as retryable or terminal, letting a
// caller force a circuit breaker to fail fast on errors it knows are
// not worth retrying (e.g. a 422 from a malformed mutation).
type RetryableError struct {
	Err       error
	Retryable bool
}

func (r *RetryableError) Error() string { return r.Err.Error() }

// IsRetryable reports whether the wrapped error should be retried.
func (r *RetryableError) IsRetryable() bool { return r.Retryable }

// NewRetryableError wraps err with an explicit retryable flag.
func NewRetryableError(err error, retryable bool) *RetryableError {
	return &RetryableError{Err: err, Retryable: retryable}
}

// Config holds retry configuration.
type Config struct {
	MaxRetries          int
	InitialDelay        time.Duration
	MaxDelay            time.Duration
	BackoffFactor       float64
	RandomizationFactor float64
	Timeout             time.Duration
}

// DefaultConfig returns a default retry configuration sized for a
// gateway call that should not stall the 5-second tick loop for long.
func DefaultConfig() Config {
	return Config{
		MaxRetries:          3,
		InitialDelay:        100 * time.Millisecond,
		MaxDelay:            2 * time.Second,
		BackoffFactor:       2.0,
		RandomizationFactor: 0.1,
		Timeout:             4 * time.Second,
	}
}

// Func is a retryable operation.
type Func func() error

// FuncWithContext is a retryable operation that honors cancellation.
type FuncWithContext func(ctx context.Context) error

// Retryer executes operations with exponential backoff and jitter.
type Retryer struct {
	config  Config
	metrics *telemetry.Metrics
}

// New creates a Retryer. metrics may be nil to skip instrumentation.
func New(config Config, metrics *telemetry.Metrics) *Retryer {
	return &Retryer{config: config, metrics: metrics}
}

// Do executes fn with retry logic.
func (r *Retryer) Do(operation string, fn Func) error {
	return r.DoWithContext(context.Background(), operation, func(ctx context.Context) error {
		return fn()
	})
}

// DoWithContext executes fn with retry logic, honoring ctx cancellation.
func (r *Retryer) DoWithContext(ctx context.Context, operation string, fn FuncWithContext) error {
	if r.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.Timeout)
		defer cancel()
	}

	delay := r.config.InitialDelay
	var lastErr error

	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		if r.metrics != nil {
			r.metrics.RecordRetryAttempt(operation, attempt+1)
		}

		err := fn(ctx)
		if err == nil {
			if attempt > 0 && r.metrics != nil {
				r.metrics.RecordRetrySuccess(operation)
				logger.Info("operation %s succeeded after %d retries", operation, attempt)
			}
			return nil
		}

		lastErr = err

		if retryableErr, ok := err.(*RetryableError); ok && !retryableErr.IsRetryable() {
			logger.Warn("operation %s failed with non-retryable error: %v", operation, err)
			return err
		}

		if attempt >= r.config.MaxRetries {
			logger.Error("operation %s failed after %d attempts: %v", operation, attempt+1, err)
			break
		}

		select {
		case <-ctx.Done():
			logger.Warn("operation %s canceled during retry attempt %d", operation, attempt+1)
			return ctx.Err()
		default:
		}

		nextDelay := r.calculateDelay(delay, attempt)
		logger.Debug("operation %s failed (attempt %d/%d), retrying in %v: %v",
			operation, attempt+1, r.config.MaxRetries+1, nextDelay, err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(nextDelay):
		}

		delay = time.Duration(float64(delay) * r.config.BackoffFactor)
		if delay > r.config.MaxDelay {
			delay = r.config.MaxDelay
		}
	}

	return fmt.Errorf("operation %s failed after %d attempts: %w", operation, r.config.MaxRetries+1, lastErr)
}

func (r *Retryer) calculateDelay(baseDelay time.Duration, attempt int) time.Duration {
	delay := time.Duration(float64(baseDelay) * math.Pow(r.config.BackoffFactor, float64(attempt)))
	if delay > r.config.MaxDelay {
		delay = r.config.MaxDelay
	}

	if r.config.RandomizationFactor > 0 {
		jitter := float64(delay) * r.config.RandomizationFactor * (rand.Float64()*2 - 1)
		delay = time.Duration(float64(delay) + jitter)
	}

	if delay < time.Millisecond {
		delay = time.Millisecond
	}
	return delay
}

// State represents the state of a circuit breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitBreakerConfig holds circuit breaker configuration.
type CircuitBreakerConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	SuccessThreshold int
}

// DefaultCircuitBreakerConfig trips after 5 consecutive gateway
// failures and waits 30s (six 5-second ticks) before probing again.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		SuccessThreshold: 2,
	}
}

// CircuitBreaker implements the circuit breaker pattern around a named
// dependency (an orchestrator or resource-manager gateway).
type CircuitBreaker struct {
	config          CircuitBreakerConfig
	state           State
	failureCount    int
	successCount    int
	lastFailureTime time.Time
	mutex           sync.RWMutex
	metrics         *telemetry.Metrics
	name            string
}

// NewCircuitBreaker creates a CircuitBreaker named name.
func NewCircuitBreaker(name string, config CircuitBreakerConfig, metrics *telemetry.Metrics) *CircuitBreaker {
	return &CircuitBreaker{config: config, state: StateClosed, metrics: metrics, name: name}
}

// Execute runs fn through the circuit breaker.
func (cb *CircuitBreaker) Execute(fn Func) error {
	return cb.ExecuteWithContext(context.Background(), func(ctx context.Context) error {
		return fn()
	})
}

// ExecuteWithContext runs fn through the circuit breaker, honoring ctx.
func (cb *CircuitBreaker) ExecuteWithContext(ctx context.Context, fn FuncWithContext) error {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if cb.state == StateOpen && time.Since(cb.lastFailureTime) >= cb.config.RecoveryTimeout {
		cb.state = StateHalfOpen
		cb.successCount = 0
		logger.Info("circuit breaker %s transitioned to HALF_OPEN", cb.name)
		cb.recordState()
	}

	if cb.state == StateOpen {
		return NewRetryableError(fmt.Errorf("circuit breaker %s is OPEN", cb.name), false)
	}

	err := fn(ctx)
	if err != nil {
		cb.onFailure()
		return err
	}

	cb.onSuccess()
	return nil
}

func (cb *CircuitBreaker) onSuccess() {
	cb.failureCount = 0

	if cb.state == StateHalfOpen {
		cb.successCount++
		if cb.successCount >= cb.config.SuccessThreshold {
			cb.state = StateClosed
			cb.successCount = 0
			logger.Info("circuit breaker %s transitioned to CLOSED", cb.name)
			cb.recordState()
		}
	}
}

func (cb *CircuitBreaker) onFailure() {
	cb.failureCount++
	cb.lastFailureTime = time.Now()

	if cb.state == StateClosed && cb.failureCount >= cb.config.FailureThreshold {
		cb.state = StateOpen
		logger.Warn("circuit breaker %s transitioned to OPEN after %d failures", cb.name, cb.failureCount)
		cb.recordState()
	} else if cb.state == StateHalfOpen {
		cb.state = StateOpen
		logger.Warn("circuit breaker %s transitioned back to OPEN from HALF_OPEN", cb.name)
		cb.recordState()
	}
}

func (cb *CircuitBreaker) recordState() {
	if cb.metrics != nil {
		cb.metrics.RecordCircuitBreakerState(cb.name, int(cb.state))
	}
}

// GetState returns the current circuit breaker state.
func (cb *CircuitBreaker) GetState() State {
	cb.mutex.RLock()
	defer cb.mutex.RUnlock()
	return cb.state
}

// GetStats returns circuit breaker statistics.
func (cb *CircuitBreaker) GetStats() (state State, failures int, successes int) {
	cb.mutex.RLock()
	defer cb.mutex.RUnlock()
	return cb.state, cb.failureCount, cb.successCount
}

// RetryWithCircuitBreaker combines retry logic with a circuit breaker:
// the breaker short-circuits before a retry budget is even spent.
type RetryWithCircuitBreaker struct {
	retryer        *Retryer
	circuitBreaker *CircuitBreaker
}

// NewRetryWithCircuitBreaker creates a combined retry+breaker handler.
func NewRetryWithCircuitBreaker(name string, retryConfig Config, cbConfig CircuitBreakerConfig, metrics *telemetry.Metrics) *RetryWithCircuitBreaker {
	return &RetryWithCircuitBreaker{
		retryer:        New(retryConfig, metrics),
		circuitBreaker: NewCircuitBreaker(name, cbConfig, metrics),
	}
}

// Execute runs fn with both retry and circuit-breaker protection.
func (r *RetryWithCircuitBreaker) Execute(operation string, fn Func) error {
	return r.ExecuteWithContext(context.Background(), operation, func(ctx context.Context) error {
		return fn()
	})
}

// ExecuteWithContext runs fn with both retry and circuit-breaker
// protection, honoring ctx.
func (r *RetryWithCircuitBreaker) ExecuteWithContext(ctx context.Context, operation string, fn FuncWithContext) error {
	return r.retryer.DoWithContext(ctx, operation, func(ctx context.Context) error {
		return r.circuitBreaker.ExecuteWithContext(ctx, fn)
	})
}

// GetCircuitBreakerState returns the current circuit breaker state.
func (r *RetryWithCircuitBreaker) GetCircuitBreakerState() State {
	return r.circuitBreaker.GetState()
}

// IsRetryableGatewayError reports whether err looks like a transient
// HTTP/network failure against Marathon or Mesos, as opposed to a
// permanent rejection (bad request, auth failure, not found).
func IsRetryableGatewayError(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection refused",
		"timeout",
		"context deadline exceeded",
		"temporary failure",
		"server is currently unavailable",
		"too many requests",
		"service unavailable",
		"internal server error",
		"bad gateway",
		"gateway timeout",
		"connection reset",
		"eof",
		"i/o timeout",
	}

	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

// WrapGatewayError wraps err as retryable or terminal per
// IsRetryableGatewayError.
func WrapGatewayError(err error) error {
	if err == nil {
		return nil
	}
	return NewRetryableError(err, IsRetryableGatewayError(err))
}
