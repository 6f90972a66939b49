// types.go: Common data types and structures for the resilience pipeline
//
// This file contains all shared data type definitions used throughout the
// resilience layer. These types represent the common data models and
// enumerations used by the circuit breaker, degradation manager, transport
// cascade, and cache. Component-specific types live next to their component.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package goresilience

import (
	"context"
	"time"
)

// DataSource identifies where a delivered value came from.
//
// Every response produced by the degradation manager carries its source so
// callers can render staleness indicators instead of silently trusting data:
//   - SourceLive: Fetched from the upstream service on this request
//   - SourceCache: Served from the local cache (possibly stale)
//   - SourceFallback: The caller-provided fallback value
//   - SourcePlaceholder: A synthesized record with zeroed numeric fields
type DataSource int

const (
	SourceLive DataSource = iota
	SourceCache
	SourceFallback
	SourcePlaceholder
)

// String returns a human-readable representation of the data source.
func (s DataSource) String() string {
	switch s {
	case SourceLive:
		return "live"
	case SourceCache:
		return "cache"
	case SourceFallback:
		return "fallback"
	case SourcePlaceholder:
		return "placeholder"
	default:
		return "unknown"
	}
}

// ServiceHealth represents the upstream service health as reported by the
// injected health-check capability.
type ServiceHealth int

const (
	HealthUnknown ServiceHealth = iota
	HealthHealthy
	HealthDegraded
	HealthUnhealthy
)

// String returns a human-readable representation of the service health.
func (h ServiceHealth) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthDegraded:
		return "degraded"
	case HealthUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// DataResult is the envelope returned by every data-retrieval path.
//
// The Degraded flag is true whenever the value did not come from a live
// fetch at the optimal degradation level. Age is zero for live data and the
// time since capture for cached data.
type DataResult struct {
	Data     map[string]any   `json:"data"`
	Source   DataSource       `json:"source"`
	Degraded bool             `json:"degraded"`
	Age      time.Duration    `json:"age"`
	Level    DegradationLevel `json:"level"`
}

// FetchFunc is the injected upstream fetch capability: one RPC/HTTP call
// against a named endpoint. Implementations must honor ctx cancellation and
// deadlines; the library wraps calls in its own timeouts.
type FetchFunc func(ctx context.Context, endpoint string, params map[string]any) (map[string]any, error)

// KeyedFetchFunc fetches the value for a single cache key. Used by cache
// warmup and background refresh, where the key itself identifies the data.
type KeyedFetchFunc func(ctx context.Context, key string) (map[string]any, error)

// HealthCheckFunc is the injected health-check capability. It must return
// the current upstream health and should complete quickly; the degradation
// manager invokes it on a fixed interval under its own timeout.
type HealthCheckFunc func(ctx context.Context) ServiceHealth

// TokenRefreshFunc is the injected token-refresh capability. It is invoked
// at most once per request when an authentication error is observed, and
// must return a fresh token or an error.
type TokenRefreshFunc func(ctx context.Context) (string, error)

// Feature names a unit of dashboard functionality whose availability
// depends on the current degradation level.
type Feature string

const (
	FeatureRealtimeUpdates  Feature = "realtime_updates"
	FeatureLiveMetrics      Feature = "live_metrics"
	FeatureHistoricalTrends Feature = "historical_trends"
	FeatureExports          Feature = "exports"
	FeatureCachedMetrics    Feature = "cached_metrics"
)

// RequestPriority orders batched requests and selects their flush window.
type RequestPriority int

const (
	PriorityLow RequestPriority = iota
	PriorityNormal
	PriorityHigh
)

// String returns a human-readable representation of the priority.
func (p RequestPriority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}
