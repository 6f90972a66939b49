// cache.go: Strategy-driven data cache with freshness tiers and dependencies
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
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/robfig/cron/v3"
)

// CacheFreshness classifies how usable a cached entry is at read time.
//
//   - FreshnessFresh: within the strategy's TTL, servable as-is
//   - FreshnessStale: past TTL but within the stale window, servable
//     while a refresh happens elsewhere
//   - FreshnessExpired: past the stale window or the hard maximum age,
//     never served
//   - FreshnessMiss: no entry for the key
type CacheFreshness int

const (
	FreshnessMiss CacheFreshness = iota
	FreshnessFresh
	FreshnessStale
	FreshnessExpired
)

func (f CacheFreshness) String() string {
	switch f {
	case FreshnessFresh:
		return "fresh"
	case FreshnessStale:
		return "stale"
	case FreshnessExpired:
		return "expired"
	default:
		return "miss"
	}
}

// cacheEntry is one stored record with its capture metadata.
type cacheEntry struct {
	key        string
	data       map[string]any
	source     DataSource
	level      DegradationLevel
	capturedAt time.Time
	strategy   CacheStrategy

	// refreshTimer drives background refresh; canceled on eviction,
	// invalidation, and Stop.
	refreshTimer *time.Timer
}

// DataCache stores fetched payloads under per-key-family strategies.
//
// Strategy resolution for a key is exact pattern match first, then the
// longest matching prefix, then the default strategy. Each strategy
// carries its own TTL, stale window, refresh mode, and declared
// dependencies on other key families; dependency cycles are rejected at
// construction time.
//
// The store is LRU-bounded. Every read stamps the returned DataResult
// with its source, age, and the degradation level active at capture time,
// so consumers can always distinguish live data from aged fallbacks.
type DataCache struct {
	config  CacheConfig
	fetcher KeyedFetchFunc
	logger  Logger
	events  *EventBus
	metrics MetricsCollector

	mu    sync.Mutex
	store *lru.Cache[string, *cacheEntry]

	// strategies holds the configured non-default strategies; exact
	// lookups use the map, prefix lookups scan the slice.
	strategyByPattern map[string]CacheStrategy
	strategies        []CacheStrategy

	// dependents is the reverse edge set of strategy dependencies:
	// dependents[p] lists patterns that declared p as a dependency.
	dependents map[string][]string

	scheduler *cron.Cron
	warmupSem chan struct{}
	stopped   atomic.Bool

	hits   atomic.Int64
	misses atomic.Int64
}

// NewDataCache builds the cache, validates the strategy set, and rejects
// dependency cycles. The fetcher is used for background refresh,
// scheduled refresh, and warmup; pass nil to disable those modes.
func NewDataCache(config CacheConfig, fetcher KeyedFetchFunc, logger Logger, events *EventBus, metrics MetricsCollector) (*DataCache, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = NewInMemoryMetricsCollector()
	}

	c := &DataCache{
		config:            config,
		fetcher:           fetcher,
		logger:            logger,
		events:            events,
		metrics:           metrics,
		strategyByPattern: make(map[string]CacheStrategy, len(config.Strategies)),
		strategies:        config.Strategies,
		dependents:        make(map[string][]string),
		warmupSem:         make(chan struct{}, config.MaxConcurrentWarmups),
	}

	for _, s := range config.Strategies {
		c.strategyByPattern[s.Pattern] = s
		for _, dep := range s.Dependencies {
			c.dependents[dep] = append(c.dependents[dep], s.Pattern)
		}
	}
	if err := c.checkDependencyCycles(); err != nil {
		return nil, err
	}

	store, err := lru.NewWithEvict[string, *cacheEntry](config.MaxEntries, func(_ string, entry *cacheEntry) {
		if entry.refreshTimer != nil {
			entry.refreshTimer.Stop()
		}
	})
	if err != nil {
		return nil, NewConfigValidationError("cache store initialization failed", err)
	}
	c.store = store

	c.scheduler = cron.New()
	for _, s := range config.Strategies {
		if s.RefreshMode == RefreshScheduled && s.CronSpec != "" {
			pattern := s.Pattern
			if _, err := c.scheduler.AddFunc(s.CronSpec, func() { c.refreshPattern(pattern) }); err != nil {
				return nil, NewConfigValidationError("invalid cron spec for pattern "+pattern, err)
			}
		}
	}

	return c, nil
}

// Start begins scheduled refresh processing.
func (c *DataCache) Start() {
	c.scheduler.Start()
}

// Stop halts scheduled refresh and cancels every pending refresh timer.
// No refresh fires after Stop returns.
func (c *DataCache) Stop() {
	if !c.stopped.CompareAndSwap(false, true) {
		return
	}
	ctx := c.scheduler.Stop()
	<-ctx.Done()

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range c.store.Keys() {
		if entry, ok := c.store.Peek(key); ok && entry.refreshTimer != nil {
			entry.refreshTimer.Stop()
		}
	}
}

// StrategyFor resolves the strategy governing a key: exact pattern match,
// then the longest matching prefix, then the default strategy.
func (c *DataCache) StrategyFor(key string) CacheStrategy {
	if s, ok := c.strategyByPattern[key]; ok {
		return s
	}
	best := c.config.DefaultStrategy
	bestLen := -1
	for _, s := range c.strategies {
		if matchesPrefix(key, s.Pattern) && len(s.Pattern) > bestLen {
			best = s
			bestLen = len(s.Pattern)
		}
	}
	return best
}

// Get returns the entry for a key together with its freshness tier.
// Entries past the stale window or the cache-wide hard maximum age are
// removed and reported as expired. The returned result is stamped with
// the entry's source, age, and capture-time degradation level.
func (c *DataCache) Get(key string) (DataResult, CacheFreshness) {
	c.mu.Lock()
	entry, ok := c.store.Get(key)
	c.mu.Unlock()

	if !ok {
		c.misses.Add(1)
		c.metrics.IncrementCounter("cache_misses", map[string]string{"key": key})
		return DataResult{}, FreshnessMiss
	}

	age := time.Since(entry.capturedAt)
	freshness := c.classify(entry, age)
	if freshness == FreshnessExpired {
		c.mu.Lock()
		c.store.Remove(key)
		c.mu.Unlock()
		c.misses.Add(1)
		return DataResult{}, FreshnessExpired
	}

	c.hits.Add(1)
	c.metrics.IncrementCounter("cache_hits", map[string]string{"key": key})
	return DataResult{
		Data:     entry.data,
		Source:   entry.source,
		Degraded: entry.source != SourceLive || entry.level != LevelOptimal || freshness == FreshnessStale,
		Age:      age,
		Level:    entry.level,
	}, freshness
}

func (c *DataCache) classify(entry *cacheEntry, age time.Duration) CacheFreshness {
	if c.config.MaxAge > 0 && age > c.config.MaxAge {
		return FreshnessExpired
	}
	if age <= entry.strategy.TTL {
		return FreshnessFresh
	}
	if age <= entry.strategy.TTL+entry.strategy.StaleTime {
		return FreshnessStale
	}
	return FreshnessExpired
}

// Set stores data under the key's resolved strategy, stamping the capture
// time, source, and active degradation level. Background-refresh
// strategies get a timer that re-fetches the key when its TTL lapses.
func (c *DataCache) Set(key string, data map[string]any, source DataSource, level DegradationLevel) {
	strategy := c.StrategyFor(key)
	entry := &cacheEntry{
		key:        key,
		data:       data,
		source:     source,
		level:      level,
		capturedAt: timecache.CachedTime(),
		strategy:   strategy,
	}

	if strategy.RefreshMode == RefreshBackground && c.fetcher != nil && !c.stopped.Load() {
		entry.refreshTimer = time.AfterFunc(strategy.TTL, func() { c.refreshKey(key) })
	}

	c.mu.Lock()
	if prev, ok := c.store.Peek(key); ok && prev.refreshTimer != nil {
		prev.refreshTimer.Stop()
	}
	c.store.Add(key, entry)
	c.mu.Unlock()
}

// refreshKey re-fetches one key through the fetcher and stores the result
// as live data. Failures leave the existing entry in place to age through
// its stale window.
func (c *DataCache) refreshKey(key string) {
	if c.stopped.Load() || c.fetcher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	data, err := c.fetcher(ctx, key)
	if err != nil {
		c.logger.Debug("background refresh failed", "key", key, "error", err)
		return
	}
	c.Set(key, data, SourceLive, LevelOptimal)
}

// refreshPattern re-fetches every currently cached key governed by the
// given strategy pattern.
func (c *DataCache) refreshPattern(pattern string) {
	if c.stopped.Load() {
		return
	}
	c.mu.Lock()
	keys := make([]string, 0)
	for _, key := range c.store.Keys() {
		if key == pattern || matchesPrefix(key, pattern) {
			keys = append(keys, key)
		}
	}
	c.mu.Unlock()

	for _, key := range keys {
		c.refreshKey(key)
	}
}

// InvalidateByPattern removes every entry whose key exactly matches or is
// prefixed by the pattern, then cascades to dependent key families.
// Returns the number of entries removed directly.
func (c *DataCache) InvalidateByPattern(pattern string) int {
	removed := c.removeMatching(pattern)
	c.emitInvalidation(pattern, removed)
	c.InvalidateDependents(pattern)
	return removed
}

// InvalidateDependents transitively invalidates every key family that
// declared a dependency on the given pattern.
func (c *DataCache) InvalidateDependents(pattern string) {
	visited := map[string]bool{pattern: true}
	queue := append([]string(nil), c.dependents[pattern]...)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if visited[next] {
			continue
		}
		visited[next] = true
		removed := c.removeMatching(next)
		c.emitInvalidation(next, removed)
		queue = append(queue, c.dependents[next]...)
	}
}

func (c *DataCache) removeMatching(pattern string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, key := range c.store.Keys() {
		if key == pattern || matchesPrefix(key, pattern) {
			c.store.Remove(key)
			removed++
		}
	}
	return removed
}

func (c *DataCache) emitInvalidation(pattern string, removed int) {
	if c.events == nil || removed == 0 {
		return
	}
	c.events.Emit(Event{
		Type:   EventCacheInvalidation,
		Source: "cache",
		Payload: map[string]any{
			"pattern": pattern,
			"removed": removed,
		},
	})
}

// Warmup pre-populates the given keys through the fetcher, fetching each
// key's declared dependencies before the key itself. A non-empty trigger
// restricts the pass to keys whose strategy lists that trigger; an empty
// trigger warms every given key. Fetches within one stage run with bounded
// concurrency. The first fetch error aborts remaining stages; keys already
// fetched stay cached.
func (c *DataCache) Warmup(ctx context.Context, keys []string, trigger string) error {
	if c.fetcher == nil {
		return NewValidationError("cache warmup requires a fetcher")
	}

	if trigger != "" {
		selected := keys[:0:0]
		for _, key := range keys {
			for _, t := range c.StrategyFor(key).WarmupTriggers {
				if t == trigger {
					selected = append(selected, key)
					break
				}
			}
		}
		keys = selected
	}

	stages := c.warmupStages(keys)
	for _, stage := range stages {
		var wg sync.WaitGroup
		errCh := make(chan error, len(stage))
		for _, key := range stage {
			select {
			case c.warmupSem <- struct{}{}:
			case <-ctx.Done():
				return ctx.Err()
			}
			wg.Add(1)
			go func(key string) {
				defer wg.Done()
				defer func() { <-c.warmupSem }()
				data, err := c.fetcher(ctx, key)
				if err != nil {
					errCh <- NewWarmupFailedError(key, err)
					return
				}
				c.Set(key, data, SourceLive, LevelOptimal)
			}(key)
		}
		wg.Wait()
		close(errCh)
		if err := <-errCh; err != nil {
			return err
		}
	}
	return nil
}

// warmupStages orders keys so every key's dependencies land in an earlier
// stage than the key itself.
func (c *DataCache) warmupStages(keys []string) [][]string {
	depth := make(map[string]int)
	var depthOf func(pattern string, seen map[string]bool) int
	depthOf = func(pattern string, seen map[string]bool) int {
		if d, ok := depth[pattern]; ok {
			return d
		}
		if seen[pattern] {
			return 0
		}
		seen[pattern] = true
		max := 0
		for _, dep := range c.StrategyFor(pattern).Dependencies {
			if d := depthOf(dep, seen) + 1; d > max {
				max = d
			}
		}
		depth[pattern] = max
		return max
	}

	expanded := make(map[string]bool)
	var expand func(key string)
	expand = func(key string) {
		if expanded[key] {
			return
		}
		expanded[key] = true
		for _, dep := range c.StrategyFor(key).Dependencies {
			expand(dep)
		}
	}
	for _, key := range keys {
		expand(key)
	}

	maxDepth := 0
	for key := range expanded {
		if d := depthOf(key, map[string]bool{}); d > maxDepth {
			maxDepth = d
		}
	}
	stages := make([][]string, maxDepth+1)
	for key := range expanded {
		d := depth[key]
		stages[d] = append(stages[d], key)
	}
	return stages
}

// checkDependencyCycles rejects strategy sets whose dependency edges form
// a cycle.
func (c *DataCache) checkDependencyCycles() error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int)

	var visit func(pattern string) bool
	visit = func(pattern string) bool {
		switch color[pattern] {
		case gray:
			return false
		case black:
			return true
		}
		color[pattern] = gray
		if s, ok := c.strategyByPattern[pattern]; ok {
			for _, dep := range s.Dependencies {
				if !visit(dep) {
					return false
				}
			}
		}
		color[pattern] = black
		return true
	}

	for pattern := range c.strategyByPattern {
		if !visit(pattern) {
			return NewDependencyCycleError(pattern)
		}
	}
	return nil
}

// CacheStats is a snapshot of cache accounting.
type CacheStats struct {
	Entries int   `json:"entries"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}

// GetStats returns current cache accounting.
func (c *DataCache) GetStats() CacheStats {
	c.mu.Lock()
	entries := c.store.Len()
	c.mu.Unlock()
	return CacheStats{
		Entries: entries,
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
	}
}

// Len returns the number of cached entries.
func (c *DataCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Len()
}
