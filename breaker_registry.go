// breaker_registry.go: Lazy per-operation circuit breaker registry
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package goresilience

import "sync"

// BreakerRegistry owns one circuit breaker per named operation.
//
// Breakers are created lazily on first use so operation names never need
// pre-registration, and failures in one operation never affect the
// admission decisions of another. All breakers share a single
// configuration and event bus.
type BreakerRegistry struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	config   CircuitBreakerConfig
	events   *EventBus
}

// NewBreakerRegistry creates an empty registry.
func NewBreakerRegistry(config CircuitBreakerConfig, events *EventBus) *BreakerRegistry {
	return &BreakerRegistry{
		breakers: make(map[string]*CircuitBreaker),
		config:   config,
		events:   events,
	}
}

// Get returns the breaker for the named operation, creating it on first
// use.
func (r *BreakerRegistry) Get(operation string) *CircuitBreaker {
	r.mu.RLock()
	cb, exists := r.breakers[operation]
	r.mu.RUnlock()
	if exists {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, exists = r.breakers[operation]; exists {
		return cb
	}
	cb = NewCircuitBreaker(operation, r.config, r.events)
	r.breakers[operation] = cb
	return cb
}

// Stats returns a snapshot per registered operation.
func (r *BreakerRegistry) Stats() map[string]CircuitBreakerStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := make(map[string]CircuitBreakerStats, len(r.breakers))
	for name, cb := range r.breakers {
		stats[name] = cb.GetStats()
	}
	return stats
}

// OpenCount returns how many breakers are currently not closed.
func (r *BreakerRegistry) OpenCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, cb := range r.breakers {
		if cb.GetState() != StateClosed {
			count++
		}
	}
	return count
}

// Len returns the number of registered breakers.
func (r *BreakerRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.breakers)
}

// ResetAll resets every registered breaker to the closed state.
func (r *BreakerRegistry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, cb := range r.breakers {
		cb.Reset()
	}
}
