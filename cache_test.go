// cache_test.go: Cache freshness tiers, strategies, and dependency tests
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package goresilience

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, config CacheConfig, fetcher KeyedFetchFunc) *DataCache {
	t.Helper()
	cache, err := NewDataCache(config, fetcher, NewTestLogger(), nil, nil)
	require.NoError(t, err)
	t.Cleanup(cache.Stop)
	return cache
}

func TestCacheRoundTrip(t *testing.T) {
	cache := newTestCache(t, DefaultCacheConfig(), nil)

	data := map[string]any{"active_users": 42}
	cache.Set("metrics:engagement", data, SourceLive, LevelOptimal)

	result, freshness := cache.Get("metrics:engagement")
	assert.Equal(t, FreshnessFresh, freshness)
	assert.Equal(t, data, result.Data)
	assert.Equal(t, SourceLive, result.Source)
	assert.False(t, result.Degraded)
	assert.GreaterOrEqual(t, result.Age, time.Duration(0))
}

func TestCacheMiss(t *testing.T) {
	cache := newTestCache(t, DefaultCacheConfig(), nil)

	_, freshness := cache.Get("never:set")
	assert.Equal(t, FreshnessMiss, freshness)
}

func TestCacheStalenessTiers(t *testing.T) {
	config := DefaultCacheConfig()
	config.DefaultStrategy = CacheStrategy{
		TTL:         40 * time.Millisecond,
		StaleTime:   40 * time.Millisecond,
		RefreshMode: RefreshOnDemand,
	}
	cache := newTestCache(t, config, nil)

	cache.Set("k", map[string]any{"v": 1}, SourceLive, LevelOptimal)

	time.Sleep(55 * time.Millisecond)
	result, freshness := cache.Get("k")
	assert.Equal(t, FreshnessStale, freshness, "past TTL but within the stale window")
	assert.True(t, result.Degraded, "stale data is always flagged degraded")
	assert.NotNil(t, result.Data)

	time.Sleep(45 * time.Millisecond)
	_, freshness = cache.Get("k")
	assert.Equal(t, FreshnessExpired, freshness)

	_, freshness = cache.Get("k")
	assert.Equal(t, FreshnessMiss, freshness, "expired entries are removed on read")
}

func TestCacheHardMaxAge(t *testing.T) {
	config := DefaultCacheConfig()
	config.MaxAge = 40 * time.Millisecond
	config.DefaultStrategy = CacheStrategy{
		TTL:         time.Hour,
		StaleTime:   time.Hour,
		RefreshMode: RefreshOnDemand,
	}
	cache := newTestCache(t, config, nil)

	cache.Set("k", map[string]any{"v": 1}, SourceLive, LevelOptimal)
	time.Sleep(60 * time.Millisecond)

	_, freshness := cache.Get("k")
	assert.Equal(t, FreshnessExpired, freshness, "hard max age trumps the staleness tier")
}

func TestCacheStrategyResolution(t *testing.T) {
	config := DefaultCacheConfig()
	config.Strategies = []CacheStrategy{
		{Pattern: "metrics:", TTL: time.Minute, StaleTime: time.Second},
		{Pattern: "metrics:special", TTL: time.Hour, StaleTime: time.Second},
	}
	cache := newTestCache(t, config, nil)

	assert.Equal(t, time.Hour, cache.StrategyFor("metrics:special").TTL, "exact match wins")
	assert.Equal(t, time.Minute, cache.StrategyFor("metrics:engagement").TTL, "longest prefix wins")
	assert.Equal(t, config.DefaultStrategy.TTL, cache.StrategyFor("other:thing").TTL)
}

func TestCacheInvalidateByPattern(t *testing.T) {
	cache := newTestCache(t, DefaultCacheConfig(), nil)

	cache.Set("metrics:a", map[string]any{}, SourceLive, LevelOptimal)
	cache.Set("metrics:b", map[string]any{}, SourceLive, LevelOptimal)
	cache.Set("other:c", map[string]any{}, SourceLive, LevelOptimal)

	removed := cache.InvalidateByPattern("metrics:")
	assert.Equal(t, 2, removed)

	_, freshness := cache.Get("metrics:a")
	assert.Equal(t, FreshnessMiss, freshness)
	_, freshness = cache.Get("other:c")
	assert.Equal(t, FreshnessFresh, freshness)
}

func TestCacheInvalidateDependents(t *testing.T) {
	config := DefaultCacheConfig()
	config.Strategies = []CacheStrategy{
		{Pattern: "base", TTL: time.Minute, StaleTime: time.Second},
		{Pattern: "derived", TTL: time.Minute, StaleTime: time.Second, Dependencies: []string{"base"}},
		{Pattern: "doubly_derived", TTL: time.Minute, StaleTime: time.Second, Dependencies: []string{"derived"}},
	}
	cache := newTestCache(t, config, nil)

	cache.Set("base", map[string]any{}, SourceLive, LevelOptimal)
	cache.Set("derived", map[string]any{}, SourceLive, LevelOptimal)
	cache.Set("doubly_derived", map[string]any{}, SourceLive, LevelOptimal)

	cache.InvalidateByPattern("base")

	for _, key := range []string{"base", "derived", "doubly_derived"} {
		_, freshness := cache.Get(key)
		assert.Equal(t, FreshnessMiss, freshness, "key %s should be invalidated transitively", key)
	}
}

func TestCacheDependencyCycleRejected(t *testing.T) {
	config := DefaultCacheConfig()
	config.Strategies = []CacheStrategy{
		{Pattern: "a", TTL: time.Minute, StaleTime: time.Second, Dependencies: []string{"b"}},
		{Pattern: "b", TTL: time.Minute, StaleTime: time.Second, Dependencies: []string{"a"}},
	}

	_, err := NewDataCache(config, nil, nil, nil, nil)
	require.Error(t, err)
}

func TestCacheWarmupDependenciesFirst(t *testing.T) {
	var mu sync.Mutex
	var order []string
	fetcher := func(ctx context.Context, key string) (map[string]any, error) {
		mu.Lock()
		order = append(order, key)
		mu.Unlock()
		return map[string]any{"key": key}, nil
	}

	config := DefaultCacheConfig()
	config.Strategies = []CacheStrategy{
		{Pattern: "base", TTL: time.Minute, StaleTime: time.Second},
		{Pattern: "derived", TTL: time.Minute, StaleTime: time.Second, Dependencies: []string{"base"}},
	}
	cache := newTestCache(t, config, fetcher)

	require.NoError(t, cache.Warmup(context.Background(), []string{"derived"}, ""))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"base", "derived"}, order)

	for _, key := range []string{"base", "derived"} {
		_, freshness := cache.Get(key)
		assert.Equal(t, FreshnessFresh, freshness)
	}
}

func TestCacheWarmupTriggerFiltersKeys(t *testing.T) {
	var mu sync.Mutex
	var fetched []string
	fetcher := func(ctx context.Context, key string) (map[string]any, error) {
		mu.Lock()
		fetched = append(fetched, key)
		mu.Unlock()
		return map[string]any{"key": key}, nil
	}

	config := DefaultCacheConfig()
	config.Strategies = []CacheStrategy{
		{Pattern: "metrics:", TTL: time.Minute, StaleTime: time.Second, WarmupTriggers: []string{"login"}},
		{Pattern: "reports:", TTL: time.Minute, StaleTime: time.Second, WarmupTriggers: []string{"export"}},
	}
	cache := newTestCache(t, config, fetcher)

	keys := []string{"metrics:engagement", "reports:weekly"}
	require.NoError(t, cache.Warmup(context.Background(), keys, "login"))

	mu.Lock()
	assert.Equal(t, []string{"metrics:engagement"}, fetched, "only keys whose strategy lists the trigger are warmed")
	fetched = nil
	mu.Unlock()

	// An empty trigger warms everything, as before.
	require.NoError(t, cache.Warmup(context.Background(), keys, ""))
	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"metrics:engagement", "reports:weekly"}, fetched)
}

func TestCacheWarmupFetchErrorAborts(t *testing.T) {
	fetcher := func(ctx context.Context, key string) (map[string]any, error) {
		return nil, stderrors.New("upstream down")
	}
	cache := newTestCache(t, DefaultCacheConfig(), fetcher)

	err := cache.Warmup(context.Background(), []string{"k"}, "")
	require.Error(t, err)
}

func TestCacheWarmupWithoutFetcher(t *testing.T) {
	cache := newTestCache(t, DefaultCacheConfig(), nil)
	require.Error(t, cache.Warmup(context.Background(), []string{"k"}, ""))
}

func TestCacheLRUBound(t *testing.T) {
	config := DefaultCacheConfig()
	config.MaxEntries = 3
	cache := newTestCache(t, config, nil)

	for _, key := range []string{"a", "b", "c", "d"} {
		cache.Set(key, map[string]any{}, SourceLive, LevelOptimal)
	}
	assert.Equal(t, 3, cache.Len())

	_, freshness := cache.Get("a")
	assert.Equal(t, FreshnessMiss, freshness, "least recently used entry is evicted")
}

func TestCacheBackgroundRefresh(t *testing.T) {
	var mu sync.Mutex
	refreshed := 0
	fetcher := func(ctx context.Context, key string) (map[string]any, error) {
		mu.Lock()
		refreshed++
		mu.Unlock()
		return map[string]any{"fresh": true}, nil
	}

	config := DefaultCacheConfig()
	config.Strategies = []CacheStrategy{
		{Pattern: "bg", TTL: 20 * time.Millisecond, StaleTime: time.Millisecond, RefreshMode: RefreshBackground},
	}
	cache := newTestCache(t, config, fetcher)

	cache.Set("bg", map[string]any{"fresh": false}, SourceLive, LevelOptimal)
	time.Sleep(80 * time.Millisecond)

	mu.Lock()
	count := refreshed
	mu.Unlock()
	assert.GreaterOrEqual(t, count, 1, "TTL expiry should have triggered a background refresh")

	result, freshness := cache.Get("bg")
	require.NotEqual(t, FreshnessMiss, freshness)
	assert.Equal(t, true, result.Data["fresh"])
}

func TestCacheEmitsInvalidationEvents(t *testing.T) {
	bus := NewEventBus(nil)
	var patterns []string
	bus.Subscribe(EventCacheInvalidation, func(e Event) {
		patterns = append(patterns, e.Payload["pattern"].(string))
	})

	cache, err := NewDataCache(DefaultCacheConfig(), nil, nil, bus, nil)
	require.NoError(t, err)
	defer cache.Stop()

	cache.Set("metrics:a", map[string]any{}, SourceLive, LevelOptimal)
	cache.InvalidateByPattern("metrics:")

	require.Equal(t, []string{"metrics:"}, patterns)
}

func TestCacheStampsDegradationLevel(t *testing.T) {
	cache := newTestCache(t, DefaultCacheConfig(), nil)

	cache.Set("k", map[string]any{}, SourceLive, LevelSignificant)
	result, _ := cache.Get("k")
	assert.Equal(t, LevelSignificant, result.Level)
	assert.True(t, result.Degraded, "data captured under degradation stays flagged")
}
