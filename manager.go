// manager.go: Resilience manager facade composing the delivery pipeline
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

	"github.com/agilira/go-timecache"
)

// Capabilities are the injected external functions the pipeline runs on.
// Fetch is required; everything else degrades gracefully when absent.
type Capabilities struct {
	// Fetch performs one upstream call against an endpoint.
	Fetch FetchFunc

	// KeyedFetch resolves a cache key to its value, used by cache warmup
	// and background refresh. When nil those refresh modes are disabled.
	KeyedFetch KeyedFetchFunc

	// BatchFetch executes a server-side batch; nil means batches always
	// run as parallel singles.
	BatchFetch BatchFetchFunc

	// HealthCheck reports upstream health for degradation recovery.
	HealthCheck HealthCheckFunc

	// TokenRefresh renews the auth token after an authentication error;
	// at most one refresh-and-retry happens per request.
	TokenRefresh TokenRefreshFunc

	// AuthToken supplies the current token for transports.
	AuthToken func() string

	// ChannelFactory builds live channels; defaults to WebSocket when a
	// connection URL is configured.
	ChannelFactory ChannelFactory

	// Push is the one-way fallback stream, optional.
	Push PushChannel

	// PollSources are the endpoints polled in polling mode.
	PollSources []PollSource

	// Hub connects this instance to its cross-instance peers, optional.
	Hub *BroadcastHub
}

// ExecuteRequest describes one data retrieval through the pipeline.
type ExecuteRequest struct {
	// Key is the cache key the result lives under.
	Key string

	// Endpoint is the upstream operation; it also names the circuit
	// breaker guarding it. Defaults to Key when empty.
	Endpoint string

	// Params are the upstream call parameters.
	Params map[string]any

	// Priority selects the batching flush window.
	Priority RequestPriority

	// Fallback is served when every retrieval strategy fails.
	Fallback map[string]any
}

// ResilienceManager is the single entry point of the delivery pipeline.
//
// Execute routes a request through the circuit breaker for its endpoint,
// the request batcher, and the degradation manager, so callers get the
// best data currently obtainable together with honest source and
// degraded flags. The manager also owns the transport cascade feeding
// the cache with pushed updates, tracks performance budgets, computes an
// overall health score, and coordinates cache invalidation across
// instances.
type ResilienceManager struct {
	config ResilienceConfig

	logger  Logger
	events  *EventBus
	metrics MetricsCollector

	cache       *DataCache
	degradation *DegradationManager
	breakers    *BreakerRegistry
	batcher     *RequestBatcher
	conn        *ConnectionManager
	cascade     *TransportCascade
	performance *PerformanceMonitor
	signal      *CrossInstanceSignal

	caps Capabilities

	totalRequests atomic.Int64
	totalErrors   atomic.Int64

	started  atomic.Bool
	stopOnce sync.Once
}

// NewResilienceManager validates the configuration and wires the full
// pipeline. The returned manager is idle until Start.
func NewResilienceManager(config ResilienceConfig, caps Capabilities, logger Logger) (*ResilienceManager, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if caps.Fetch == nil {
		return nil, NewConfigValidationError("a fetch capability is required", nil)
	}
	if logger == nil {
		logger = &NoOpLogger{}
	}

	events := NewEventBus(logger)
	performance := NewPerformanceMonitor(config.Budgets, logger, events, NewInMemoryMetricsCollector())
	metrics := &budgetedMetrics{MetricsCollector: NewInMemoryMetricsCollector(), monitor: performance}

	m := &ResilienceManager{
		config:      config,
		logger:      logger,
		events:      events,
		metrics:     metrics,
		performance: performance,
		caps:        caps,
	}

	cache, err := NewDataCache(config.Cache, caps.KeyedFetch, logger, events, metrics)
	if err != nil {
		return nil, err
	}
	m.cache = cache

	m.degradation = NewDegradationManager(config.Degradation, cache, caps.HealthCheck, logger, events, metrics)
	m.breakers = NewBreakerRegistry(config.CircuitBreaker, events)
	m.batcher = NewRequestBatcher(config.Batcher, caps.BatchFetch, caps.Fetch, logger, metrics)

	if config.Connection.URL != "" {
		factory := caps.ChannelFactory
		if factory == nil {
			factory = NewWebSocketChannelFactory()
		}
		m.conn = NewConnectionManager(config.Connection, factory, caps.AuthToken, m.handleLiveMessage, logger, events, metrics)
		m.cascade = NewTransportCascade(config.Cascade, m.conn, caps.Push, caps.Fetch, caps.PollSources, caps.AuthToken, cache, logger, events, metrics)
	}

	if caps.Hub != nil {
		m.signal = NewCrossInstanceSignal(caps.Hub, m.handleBroadcast)
	}

	return m, nil
}

// Start launches the background machinery: cache refresh, the
// degradation health loop, and the transport cascade when configured.
func (m *ResilienceManager) Start(ctx context.Context) {
	if !m.started.CompareAndSwap(false, true) {
		return
	}
	m.cache.Start()
	m.degradation.Start()
	if m.cascade != nil {
		m.cascade.Start(ctx)
	}
	m.logger.Info("resilience manager started")
}

// Shutdown stops every component. Queued batches flush before the
// batcher stops; no timer fires after Shutdown returns.
func (m *ResilienceManager) Shutdown() {
	m.stopOnce.Do(func() {
		if m.cascade != nil {
			m.cascade.Stop()
		}
		if m.conn != nil {
			m.conn.Stop()
		}
		m.batcher.Stop()
		m.degradation.Stop()
		m.cache.Stop()
		if m.signal != nil {
			m.signal.Close()
		}
		m.logger.Info("resilience manager stopped")
	})
}

// Execute runs one retrieval through the full pipeline and reports the
// result with its source and degraded flags. Authentication errors are
// retried once after a token refresh; authorization and validation
// errors pass straight through.
func (m *ResilienceManager) Execute(ctx context.Context, req ExecuteRequest) (DataResult, error) {
	endpoint := req.Endpoint
	if endpoint == "" {
		endpoint = req.Key
	}

	m.totalRequests.Add(1)
	start := timecache.CachedTime()

	fetcher := func(ctx context.Context, _ string) (map[string]any, error) {
		return m.fetchThroughBreaker(ctx, endpoint, req.Params, req.Priority)
	}

	result, err := m.degradation.GetData(ctx, req.Key, fetcher, req.Fallback)

	latencyMS := float64(time.Since(start).Milliseconds())
	m.metrics.RecordHistogram("execute_latency_ms", latencyMS, map[string]string{"endpoint": endpoint})

	if err != nil {
		m.totalErrors.Add(1)
	}
	if total := m.totalRequests.Load(); total > 0 {
		m.performance.Record("error_rate_percent", 100*float64(m.totalErrors.Load())/float64(total))
	}
	return result, err
}

// fetchThroughBreaker funnels one upstream call through the endpoint's
// circuit breaker and the batcher, with the single authentication retry.
func (m *ResilienceManager) fetchThroughBreaker(ctx context.Context, endpoint string, params map[string]any, priority RequestPriority) (map[string]any, error) {
	breaker := m.breakers.Get(endpoint)
	result, err := breaker.Execute(ctx, func(ctx context.Context) (map[string]any, error) {
		return m.batcher.Submit(ctx, endpoint, params, priority)
	})
	if err == nil {
		return result, nil
	}

	if ClassifyError(err) == ClassAuthentication && m.caps.TokenRefresh != nil {
		if _, refreshErr := m.caps.TokenRefresh(ctx); refreshErr != nil {
			return nil, NewTokenRefreshError(refreshErr)
		}
		m.logger.Debug("token refreshed, retrying request", "endpoint", endpoint)
		return breaker.Execute(ctx, func(ctx context.Context) (map[string]any, error) {
			return m.batcher.Submit(ctx, endpoint, params, priority)
		})
	}
	return nil, err
}

// handleLiveMessage ingests live channel messages into the cascade's
// update path.
func (m *ResilienceManager) handleLiveMessage(data []byte) {
	if m.cascade != nil {
		m.cascade.HandleUpdate(data)
	}
}

// handleBroadcast reacts to coordination messages from peer instances.
// Cache invalidations are applied locally; view-state changes are
// re-announced on the event bus for the presentation layer.
func (m *ResilienceManager) handleBroadcast(msg BroadcastMessage) {
	switch msg.Type {
	case BroadcastInvalidateCache:
		if pattern, ok := msg.Payload["pattern"].(string); ok && pattern != "" {
			m.cache.InvalidateByPattern(pattern)
		}
	case BroadcastFilterChange, BroadcastTimeRangeChange, BroadcastOptimisticUpdate:
		if m.events != nil {
			m.events.Emit(Event{
				Type:    EventType(string(msg.Type)),
				Source:  "cross_instance",
				Payload: msg.Payload,
			})
		}
	}
}

// InvalidateCache removes matching entries locally and tells peer
// instances to do the same.
func (m *ResilienceManager) InvalidateCache(pattern string) int {
	removed := m.cache.InvalidateByPattern(pattern)
	if m.signal != nil {
		m.signal.Publish(BroadcastInvalidateCache, map[string]any{"pattern": pattern})
	}
	return removed
}

// Warmup pre-populates the cache, dependencies first. A non-empty trigger
// warms only the keys whose strategy lists it.
func (m *ResilienceManager) Warmup(ctx context.Context, keys []string, trigger string) error {
	return m.cache.Warmup(ctx, keys, trigger)
}

// Events returns the manager's event bus for observer registration.
func (m *ResilienceManager) Events() *EventBus {
	return m.events
}

// Level returns the current degradation level.
func (m *ResilienceManager) Level() DegradationLevel {
	return m.degradation.Level()
}

// TransportMode returns the active transport, or offline when no live
// connection is configured.
func (m *ResilienceManager) TransportMode() TransportMode {
	if m.cascade == nil {
		return TransportOffline
	}
	return m.cascade.Mode()
}

// HealthScore folds the pipeline's state into a 0-100 score: degradation
// level, open breakers, live channel health, and violated budgets each
// subtract from a healthy 100.
func (m *ResilienceManager) HealthScore() float64 {
	score := 100.0

	score -= 15 * float64(m.degradation.Level())

	if total := m.breakers.Len(); total > 0 {
		score -= 30 * float64(m.breakers.OpenCount()) / float64(total)
	}
	if m.conn != nil && !m.conn.Healthy() {
		score -= 10
	}
	score -= 5 * float64(m.performance.ViolatedCount())

	if score < 0 {
		score = 0
	}
	return score
}

// Status is a full observability snapshot of the pipeline.
type Status struct {
	HealthScore float64                        `json:"health_score"`
	Level       string                         `json:"level"`
	Transport   string                         `json:"transport"`
	Connection  string                         `json:"connection"`
	Breakers    map[string]CircuitBreakerStats `json:"breakers"`
	Cache       CacheStats                     `json:"cache"`
	Batcher     BatcherStats                   `json:"batcher"`
	Budgets     []PerformanceBudget            `json:"budgets"`
	Features    []Feature                      `json:"features"`
}

// GetStatus returns a consistent snapshot for dashboards and debugging.
func (m *ResilienceManager) GetStatus() Status {
	connState := ConnDisconnected
	if m.conn != nil {
		connState = m.conn.State()
	}
	return Status{
		HealthScore: m.HealthScore(),
		Level:       m.degradation.Level().String(),
		Transport:   m.TransportMode().String(),
		Connection:  connState.String(),
		Breakers:    m.breakers.Stats(),
		Cache:       m.cache.GetStats(),
		Batcher:     m.batcher.GetStats(),
		Budgets:     m.performance.Snapshot(),
		Features:    m.degradation.AvailableFeatures(),
	}
}
