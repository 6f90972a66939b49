// circuit_breaker.go: Per-operation circuit breaker with independent call timeouts
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package goresilience

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/go-timecache"
)

// CircuitState represents the current operational state of a circuit breaker.
//
// The circuit breaker pattern prevents cascading failures by monitoring the
// failure pattern of an operation and temporarily blocking requests when
// consecutive failures exceed a threshold, so callers fail fast instead of
// stacking timeouts against an unhealthy upstream.
//
// State behaviors:
//   - StateClosed: Normal operation, all requests are allowed through
//   - StateOpen: Circuit is tripped, requests fail immediately without execution
//   - StateHalfOpen: Testing phase, limited probing calls test recovery
//
// Transitions: closed opens after FailureThreshold consecutive failures;
// open becomes half-open once OpenTimeout has elapsed since the last
// failure; half-open closes after SuccessThreshold consecutive successes
// and reopens on any failure.
type CircuitState int32

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Operation is one protected call against the upstream service.
type Operation func(ctx context.Context) (map[string]any, error)

// CircuitBreaker guards a single named operation.
//
// Each call runs under an independent CallTimeout so a slow-but-alive
// service surfaces as a distinct timeout failure rather than wedging the
// breaker's accounting. Rolling response-time samples are kept in a bounded
// ring buffer for p95/p99 reporting, and typed events (state_change,
// request_success, request_failure) are emitted for observers; listener
// panics never propagate to the caller.
//
// Usage example:
//
//	cb := NewCircuitBreaker("engagement_metrics", DefaultCircuitBreakerConfig(), events)
//	result, err := cb.Execute(ctx, func(ctx context.Context) (map[string]any, error) {
//	    return fetch(ctx, "/api/metrics/engagement", nil)
//	})
//	if IsCircuitOpen(err) {
//	    // serve degraded data instead
//	}
type CircuitBreaker struct {
	name   string
	config CircuitBreakerConfig
	events *EventBus

	// Atomic counters for thread safety
	state               atomic.Int32 // CircuitState
	consecutiveFailures atomic.Int64
	halfOpenAdmitted    atomic.Int64
	halfOpenSuccesses   atomic.Int64
	lastFailureTime     atomic.Int64 // Unix nanoseconds

	totalRequests  atomic.Int64
	totalSuccesses atomic.Int64
	totalFailures  atomic.Int64

	// Mutex for state transitions
	mu sync.Mutex

	latencies *latencyRing
}

// NewCircuitBreaker creates a breaker for one named operation.
//
// The breaker starts closed. The events bus is optional; pass nil to
// disable event emission.
func NewCircuitBreaker(name string, config CircuitBreakerConfig, events *EventBus) *CircuitBreaker {
	sampleSize := config.SampleSize
	if sampleSize <= 0 {
		sampleSize = 1000
	}
	cb := &CircuitBreaker{
		name:      name,
		config:    config,
		events:    events,
		latencies: newLatencyRing(sampleSize),
	}
	cb.state.Store(int32(StateClosed))
	return cb
}

// Execute runs the operation through the breaker.
//
// In open state, if OpenTimeout has not elapsed since the last failure the
// call is rejected immediately with a circuit-open error and no upstream
// timeout is incurred. Otherwise the breaker transitions to half-open and
// admits probing calls up to SuccessThreshold. Every admitted call runs
// under an independent CallTimeout; exceeding it produces a call-timeout
// failure distinct from upstream-reported errors.
func (cb *CircuitBreaker) Execute(ctx context.Context, op Operation) (map[string]any, error) {
	if !cb.config.Enabled {
		return op(ctx)
	}

	if err := cb.allowRequest(); err != nil {
		return nil, err
	}

	cb.totalRequests.Add(1)
	start := timecache.CachedTime()
	result, err := cb.runWithTimeout(ctx, op)
	cb.latencies.record(time.Since(start))

	if err != nil {
		cb.recordFailure(err)
		return nil, err
	}

	cb.recordSuccess()
	return result, nil
}

// allowRequest applies the state machine's admission rules, transitioning
// open to half-open when the cool-down period has elapsed.
func (cb *CircuitBreaker) allowRequest() error {
	switch CircuitState(cb.state.Load()) {
	case StateClosed:
		return nil

	case StateOpen:
		if !cb.openTimeoutElapsed() {
			return NewCircuitOpenError(cb.name)
		}
		cb.mu.Lock()
		// Double-check state after acquiring lock
		if CircuitState(cb.state.Load()) == StateOpen && cb.openTimeoutElapsed() {
			cb.transitionTo(StateHalfOpen, "open timeout elapsed, probing recovery")
			cb.halfOpenAdmitted.Store(0)
			cb.halfOpenSuccesses.Store(0)
		}
		cb.mu.Unlock()
		return cb.admitHalfOpen()

	case StateHalfOpen:
		return cb.admitHalfOpen()

	default:
		return NewCircuitOpenError(cb.name)
	}
}

// admitHalfOpen admits probing calls up to SuccessThreshold.
func (cb *CircuitBreaker) admitHalfOpen() error {
	if CircuitState(cb.state.Load()) != StateHalfOpen {
		// Lost the race to another transition; fall back to admission
		// rules for the current state.
		if CircuitState(cb.state.Load()) == StateClosed {
			return nil
		}
		return NewCircuitOpenError(cb.name)
	}
	if cb.halfOpenAdmitted.Add(1) > int64(cb.config.SuccessThreshold) {
		cb.halfOpenAdmitted.Add(-1)
		return NewCircuitOpenError(cb.name)
	}
	return nil
}

// runWithTimeout executes the operation under the breaker's independent
// call timeout. The operation's goroutine is left to drain into a buffered
// channel if it outlives the deadline.
func (cb *CircuitBreaker) runWithTimeout(ctx context.Context, op Operation) (map[string]any, error) {
	callCtx := ctx
	var cancel context.CancelFunc
	if cb.config.CallTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, cb.config.CallTimeout)
		defer cancel()
	}

	type outcome struct {
		result map[string]any
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		result, err := op(callCtx)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			// Caller cancellation, not the breaker's deadline.
			return nil, ctx.Err()
		}
		return nil, NewCircuitCallTimeoutError(cb.name, cb.config.CallTimeout)
	}
}

// recordSuccess updates counters and may close a half-open circuit.
func (cb *CircuitBreaker) recordSuccess() {
	cb.totalSuccesses.Add(1)
	cb.consecutiveFailures.Store(0)

	if CircuitState(cb.state.Load()) == StateHalfOpen {
		cb.mu.Lock()
		defer cb.mu.Unlock()
		if CircuitState(cb.state.Load()) == StateHalfOpen &&
			cb.halfOpenSuccesses.Add(1) >= int64(cb.config.SuccessThreshold) {
			cb.transitionTo(StateClosed, "recovery confirmed")
		}
	}

	cb.emit(EventRequestSuccess, "", nil)
}

// recordFailure updates counters and may open the circuit. Any failure in
// half-open state reopens immediately.
func (cb *CircuitBreaker) recordFailure(err error) {
	cb.totalFailures.Add(1)
	failures := cb.consecutiveFailures.Add(1)
	cb.lastFailureTime.Store(timecache.CachedTimeNano())

	currentState := CircuitState(cb.state.Load())
	if currentState == StateHalfOpen {
		cb.mu.Lock()
		if CircuitState(cb.state.Load()) == StateHalfOpen {
			cb.transitionTo(StateOpen, "probe failed during recovery")
		}
		cb.mu.Unlock()
	} else if currentState == StateClosed && failures >= int64(cb.config.FailureThreshold) {
		cb.mu.Lock()
		if CircuitState(cb.state.Load()) == StateClosed &&
			cb.consecutiveFailures.Load() >= int64(cb.config.FailureThreshold) {
			cb.transitionTo(StateOpen, "consecutive failure threshold reached")
		}
		cb.mu.Unlock()
	}

	cb.emit(EventRequestFailure, "", map[string]any{"error": err.Error()})
}

// transitionTo changes state and emits a state_change event. Must be called
// with cb.mu held.
func (cb *CircuitBreaker) transitionTo(next CircuitState, reason string) {
	prev := CircuitState(cb.state.Load())
	if prev == next {
		return
	}
	cb.state.Store(int32(next))
	cb.emit(EventStateChange, reason, map[string]any{
		"from": prev.String(),
		"to":   next.String(),
	})
}

// openTimeoutElapsed checks if the cool-down period since the last failure
// has passed.
func (cb *CircuitBreaker) openTimeoutElapsed() bool {
	lastFailure := cb.lastFailureTime.Load()
	if lastFailure == 0 {
		return true
	}
	return time.Since(time.Unix(0, lastFailure)) > cb.config.OpenTimeout
}

func (cb *CircuitBreaker) emit(eventType EventType, reason string, payload map[string]any) {
	if cb.events == nil {
		return
	}
	if payload == nil {
		payload = map[string]any{}
	}
	payload["operation"] = cb.name
	cb.events.Emit(Event{
		Type:    eventType,
		Source:  "circuit_breaker:" + cb.name,
		Reason:  reason,
		Payload: payload,
	})
}

// GetState returns the current state of the circuit breaker.
func (cb *CircuitBreaker) GetState() CircuitState {
	return CircuitState(cb.state.Load())
}

// Name returns the operation name this breaker guards.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Reset forcibly resets the circuit breaker to the closed state and clears
// the failure accounting. Intended for administrative recovery; it bypasses
// the normal half-open probing.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.transitionTo(StateClosed, "administrative reset")
	cb.consecutiveFailures.Store(0)
	cb.halfOpenAdmitted.Store(0)
	cb.halfOpenSuccesses.Store(0)
	cb.lastFailureTime.Store(0)
}

// CircuitBreakerStats is a snapshot of one breaker's accounting for
// monitoring and health scoring.
type CircuitBreakerStats struct {
	Operation           string        `json:"operation"`
	State               CircuitState  `json:"state"`
	ConsecutiveFailures int64         `json:"consecutive_failures"`
	TotalRequests       int64         `json:"total_requests"`
	TotalSuccesses      int64         `json:"total_successes"`
	TotalFailures       int64         `json:"total_failures"`
	LastFailure         time.Time     `json:"last_failure"`
	P95Latency          time.Duration `json:"p95_latency"`
	P99Latency          time.Duration `json:"p99_latency"`
}

// GetStats returns a consistent snapshot of the breaker's accounting.
func (cb *CircuitBreaker) GetStats() CircuitBreakerStats {
	var lastFailure time.Time
	if ts := cb.lastFailureTime.Load(); ts != 0 {
		lastFailure = time.Unix(0, ts)
	}
	return CircuitBreakerStats{
		Operation:           cb.name,
		State:               cb.GetState(),
		ConsecutiveFailures: cb.consecutiveFailures.Load(),
		TotalRequests:       cb.totalRequests.Load(),
		TotalSuccesses:      cb.totalSuccesses.Load(),
		TotalFailures:       cb.totalFailures.Load(),
		LastFailure:         lastFailure,
		P95Latency:          cb.latencies.percentile(0.95),
		P99Latency:          cb.latencies.percentile(0.99),
	}
}

// latencyRing is a bounded ring buffer of response-time samples.
type latencyRing struct {
	mu      sync.Mutex
	samples []time.Duration
	next    int
	filled  bool
}

func newLatencyRing(size int) *latencyRing {
	return &latencyRing{samples: make([]time.Duration, size)}
}

func (r *latencyRing) record(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples[r.next] = d
	r.next++
	if r.next == len(r.samples) {
		r.next = 0
		r.filled = true
	}
}

// percentile returns the given percentile over the recorded window, or 0
// when no samples exist.
func (r *latencyRing) percentile(p float64) time.Duration {
	r.mu.Lock()
	n := r.next
	if r.filled {
		n = len(r.samples)
	}
	if n == 0 {
		r.mu.Unlock()
		return 0
	}
	window := make([]time.Duration, n)
	copy(window, r.samples[:n])
	r.mu.Unlock()

	sort.Slice(window, func(i, j int) bool { return window[i] < window[j] })
	idx := int(float64(n)*p) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return window[idx]
}
