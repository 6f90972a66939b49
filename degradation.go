// degradation.go: Five-level degradation manager with per-level data policies
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package goresilience

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// DegradationLevel is the ordered health scale driving data-retrieval
// policy. Levels only escalate on observed errors and only de-escalate on
// a confirmed healthy check, never on a timer alone.
type DegradationLevel int32

const (
	LevelOptimal DegradationLevel = iota
	LevelPartial
	LevelSignificant
	LevelCritical
	LevelComplete
)

func (l DegradationLevel) String() string {
	switch l {
	case LevelOptimal:
		return "optimal"
	case LevelPartial:
		return "partial"
	case LevelSignificant:
		return "significant"
	case LevelCritical:
		return "critical"
	case LevelComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// featuresByLevel maps each degradation level to the dashboard features
// still trustworthy at that level.
var featuresByLevel = map[DegradationLevel][]Feature{
	LevelOptimal:     {FeatureRealtimeUpdates, FeatureLiveMetrics, FeatureHistoricalTrends, FeatureExports, FeatureCachedMetrics},
	LevelPartial:     {FeatureLiveMetrics, FeatureHistoricalTrends, FeatureExports, FeatureCachedMetrics},
	LevelSignificant: {FeatureHistoricalTrends, FeatureCachedMetrics},
	LevelCritical:    {FeatureCachedMetrics},
	LevelComplete:    {},
}

// DegradationManager selects a data-retrieval strategy per request based
// on the current level:
//
//   - optimal: live fetch; on success cache as live; on failure fall
//     through to cache-then-fallback
//   - partial: fresh cache preferred; else live fetch under a short
//     timeout; on failure fall through
//   - significant: cache at any servable age, else fallback, else error
//   - critical: cache allowing staleness, else fallback, else a
//     synthesized placeholder when enabled, else error
//   - complete: fallback or placeholder only; live fetch never attempted
//
// Authentication, authorization, and validation errors from the fetcher
// never fall through to cache or fallback: they return to the caller
// unchanged, since no degraded answer can substitute for a request the
// upstream rejected as wrong.
//
// Escalation moves one level at a time on consecutive-failure thresholds,
// capped by error class: network and timeout errors escalate at most to
// significant, service errors at most to critical, and authentication or
// authorization errors never escalate. Recovery is one-step: a single
// healthy report from the injected health check resets the level straight
// to optimal.
type DegradationManager struct {
	config      DegradationConfig
	cache       *DataCache
	healthCheck HealthCheckFunc
	logger      Logger
	events      *EventBus
	metrics     MetricsCollector

	level               atomic.Int32
	consecutiveFailures atomic.Int64

	mu       sync.Mutex
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewDegradationManager creates a manager starting at the optimal level.
// The health check is optional; without it recovery only happens through
// ForceLevel.
func NewDegradationManager(config DegradationConfig, cache *DataCache, healthCheck HealthCheckFunc, logger Logger, events *EventBus, metrics MetricsCollector) *DegradationManager {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = NewInMemoryMetricsCollector()
	}
	return &DegradationManager{
		config:      config,
		cache:       cache,
		healthCheck: healthCheck,
		logger:      logger,
		events:      events,
		metrics:     metrics,
		stopCh:      make(chan struct{}),
	}
}

// Start launches the periodic health check loop.
func (d *DegradationManager) Start() {
	if d.healthCheck == nil {
		return
	}
	d.wg.Add(1)
	go d.healthLoop()
}

// Stop halts the health check loop. No recovery check runs after Stop
// returns.
func (d *DegradationManager) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	d.wg.Wait()
}

func (d *DegradationManager) healthLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.runHealthCheck()
		case <-d.stopCh:
			return
		}
	}
}

// runHealthCheck invokes the injected health check under its own timeout.
// A single healthy report resets the level straight to optimal.
func (d *DegradationManager) runHealthCheck() {
	ctx, cancel := context.WithTimeout(context.Background(), d.config.HealthCheckTimeout)
	defer cancel()

	if d.healthCheck(ctx) == HealthHealthy && d.Level() != LevelOptimal {
		d.consecutiveFailures.Store(0)
		d.setLevel(LevelOptimal, "health check reported healthy")
	}
}

// Level returns the current degradation level.
func (d *DegradationManager) Level() DegradationLevel {
	return DegradationLevel(d.level.Load())
}

// ConsecutiveFailures returns the current consecutive-failure count.
func (d *DegradationManager) ConsecutiveFailures() int64 {
	return d.consecutiveFailures.Load()
}

// AvailableFeatures returns the feature set trustworthy at the current
// level.
func (d *DegradationManager) AvailableFeatures() []Feature {
	return featuresByLevel[d.Level()]
}

// IsFeatureAvailable reports whether a feature is trustworthy at the
// current level.
func (d *DegradationManager) IsFeatureAvailable(feature Feature) bool {
	for _, f := range d.AvailableFeatures() {
		if f == feature {
			return true
		}
	}
	return false
}

// GetData fetches or serves the value for a key according to the current
// level's policy. Every returned result carries its source and degraded
// flags; an error is returned when the upstream rejects the request as the
// caller's fault (authentication, authorization, validation) or when every
// permitted strategy for the current level is exhausted.
func (d *DegradationManager) GetData(ctx context.Context, key string, fetcher KeyedFetchFunc, fallback map[string]any) (DataResult, error) {
	level := d.Level()
	switch level {
	case LevelOptimal:
		result, ok, err := d.tryFetch(ctx, key, fetcher, 0)
		if err != nil {
			return DataResult{}, err
		}
		if ok {
			return result, nil
		}
		return d.cacheThenFallback(key, fallback, false)

	case LevelPartial:
		if result, freshness := d.cache.Get(key); freshness == FreshnessFresh {
			return result, nil
		}
		result, ok, err := d.tryFetch(ctx, key, fetcher, d.config.ShortFetchTimeout)
		if err != nil {
			return DataResult{}, err
		}
		if ok {
			return result, nil
		}
		return d.cacheThenFallback(key, fallback, false)

	case LevelSignificant:
		return d.cacheThenFallback(key, fallback, false)

	case LevelCritical:
		return d.cacheThenFallback(key, fallback, d.config.EnablePlaceholders)

	default: // LevelComplete
		return d.fallbackThenPlaceholder(key, fallback, d.config.EnablePlaceholders)
	}
}

// tryFetch runs the fetcher, optionally under a shortened timeout, caching
// successes as live data and feeding failures into the escalation policy.
// Network, timeout, and service failures are absorbed (ok=false) so the
// caller can fall through to cache and fallback; authentication,
// authorization, and validation failures are the caller's to handle and
// return as a pass-through error instead.
func (d *DegradationManager) tryFetch(ctx context.Context, key string, fetcher KeyedFetchFunc, timeout time.Duration) (DataResult, bool, error) {
	if fetcher == nil {
		return DataResult{}, false, nil
	}
	fetchCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	data, err := fetcher(fetchCtx, key)
	if err != nil {
		d.RecordFailure(err)
		switch ClassifyError(err) {
		case ClassAuthentication, ClassAuthorization, ClassValidation:
			return DataResult{}, false, err
		}
		return DataResult{}, false, nil
	}

	d.RecordSuccess()
	level := d.Level()
	d.cache.Set(key, data, SourceLive, level)
	return DataResult{
		Data:     data,
		Source:   SourceLive,
		Degraded: level != LevelOptimal,
		Level:    level,
	}, true, nil
}

// cacheThenFallback serves cache at any servable age, then the fallback,
// then optionally a placeholder.
func (d *DegradationManager) cacheThenFallback(key string, fallback map[string]any, allowPlaceholder bool) (DataResult, error) {
	if result, freshness := d.cache.Get(key); freshness == FreshnessFresh || freshness == FreshnessStale {
		result.Degraded = true
		result.Source = SourceCache
		return result, nil
	}
	return d.fallbackThenPlaceholder(key, fallback, allowPlaceholder)
}

func (d *DegradationManager) fallbackThenPlaceholder(key string, fallback map[string]any, allowPlaceholder bool) (DataResult, error) {
	level := d.Level()
	if fallback != nil {
		return DataResult{
			Data:     fallback,
			Source:   SourceFallback,
			Degraded: true,
			Level:    level,
		}, nil
	}
	if allowPlaceholder {
		return DataResult{
			Data:     synthesizePlaceholder(fallback),
			Source:   SourcePlaceholder,
			Degraded: true,
			Level:    level,
		}, nil
	}
	return DataResult{}, NewDataUnavailableError(key, level)
}

// synthesizePlaceholder produces a record shaped like the template with
// every numeric field zeroed. With no template it returns an empty record.
func synthesizePlaceholder(template map[string]any) map[string]any {
	placeholder := make(map[string]any, len(template))
	for k, v := range template {
		switch v.(type) {
		case int, int32, int64, float32, float64:
			placeholder[k] = 0
		default:
			placeholder[k] = v
		}
	}
	return placeholder
}

// RecordSuccess resets the consecutive-failure counter. The level itself
// only recovers through the health check.
func (d *DegradationManager) RecordSuccess() {
	d.consecutiveFailures.Store(0)
}

// RecordFailure feeds one failure into the escalation policy. The level
// moves at most one step per call, gated by the consecutive-failure
// thresholds and capped by the error's class.
func (d *DegradationManager) RecordFailure(err error) {
	if IsCircuitOpen(err) {
		// A fail-fast rejection repeats evidence the breaker already
		// counted; only the underlying failures drive escalation.
		return
	}
	class := ClassifyError(err)
	var ceiling DegradationLevel
	switch class {
	case ClassNetwork, ClassTimeout:
		ceiling = LevelSignificant
	case ClassService, ClassUnknown:
		ceiling = LevelCritical
	default:
		// Authentication, authorization and validation failures are the
		// caller's problem, not evidence of upstream degradation.
		return
	}

	failures := d.consecutiveFailures.Add(1)
	target := d.thresholdLevel(failures)
	if target > ceiling {
		target = ceiling
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	current := d.Level()
	if target <= current {
		return
	}
	// One step at a time, even if the counter jumped past a threshold.
	next := current + 1
	if next > target {
		next = target
	}
	d.setLevelLocked(next, "consecutive "+class.String()+" failures")
}

// thresholdLevel maps a consecutive-failure count to its target level.
func (d *DegradationManager) thresholdLevel(failures int64) DegradationLevel {
	switch {
	case failures >= int64(d.config.CriticalThreshold):
		return LevelCritical
	case failures >= int64(d.config.SignificantThreshold):
		return LevelSignificant
	case failures >= int64(d.config.PartialThreshold):
		return LevelPartial
	default:
		return LevelOptimal
	}
}

// ForceLevel sets the level directly. Intended for administrative use and
// the resilience manager's own policies.
func (d *DegradationManager) ForceLevel(level DegradationLevel, reason string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.setLevelLocked(level, reason)
}

func (d *DegradationManager) setLevel(level DegradationLevel, reason string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.setLevelLocked(level, reason)
}

// setLevelLocked changes the level and announces it. Must be called with
// d.mu held.
func (d *DegradationManager) setLevelLocked(level DegradationLevel, reason string) {
	prev := d.Level()
	if prev == level {
		return
	}
	d.level.Store(int32(level))
	d.metrics.SetGauge("degradation_level", float64(level), nil)
	d.logger.Info("degradation level changed",
		"from", prev.String(), "to", level.String(), "reason", reason)
	if d.events != nil {
		d.events.Emit(Event{
			Type:   EventDegradationChange,
			Source: "degradation_manager",
			Reason: reason,
			Payload: map[string]any{
				"from": prev.String(),
				"to":   level.String(),
			},
		})
	}
}
