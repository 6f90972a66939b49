// Package goresilience provides a production-ready, client-side resilience
// and delivery pipeline that keeps dashboard-style applications fed with
// near-real-time metrics from a remote analytics service that may be slow,
// overloaded, or unreachable. It combines circuit breaking, graceful
// degradation, multi-transport connection management, request batching,
// and a dependency-aware cache into a single composable layer.
//
// Key Features:
//   - Per-operation circuit breakers with independent call timeouts
//   - Five-level graceful degradation with policy-driven data retrieval
//   - Transport fallback cascade (live stream, push channel, polling, offline)
//   - Persistent connection management with heartbeat and jittered reconnection
//   - Request batching and deduplication with priority-aware flushing
//   - Strategy-driven cache with staleness tiers and dependency warmup
//   - Comprehensive metrics, structured logging, and typed events
//   - Hot-reloading of resilience configuration
//
// Basic Usage:
//
//	// Wire the upstream fetch capability
//	fetch := func(ctx context.Context, endpoint string, params map[string]any) (map[string]any, error) {
//		return apiClient.Call(ctx, endpoint, params)
//	}
//
//	// Create the resilience manager
//	manager, err := goresilience.NewResilienceManager(
//		goresilience.DefaultResilienceConfig(),
//		goresilience.Capabilities{Fetch: fetch},
//		nil)
//	if err != nil {
//		log.Fatal(err)
//	}
//	manager.Start(ctx)
//	defer manager.Shutdown()
//
//	// Execute a named operation with a fallback value
//	result, err := manager.Execute(ctx, goresilience.ExecuteRequest{
//		Key:      "metrics:engagement",
//		Endpoint: "/api/metrics/engagement",
//		Fallback: map[string]any{"active_users": 0},
//	})
//
// Degraded, cached, and placeholder responses always carry their source and
// a degraded flag so callers can render staleness indicators; the library
// never silently substitutes wrong data for live data.
//
// Resilience:
// Failures escalate the degradation level on evidence only, and the level is
// restored to optimal only by a confirmed healthy check. Reconnection storms
// are avoided through exponential backoff with jitter, and an open circuit
// fails fast without incurring upstream timeouts.
//
// Copyright (c) 2025 AGILira - A. Giordano
// SPDX-License-Identifier: MPL-2.0
package goresilience
