// degradation_test.go: escalation, recovery, and per-level data policy tests
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package goresilience

import (
	"context"
	stderrors "errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDegradation(t *testing.T, config DegradationConfig, healthCheck HealthCheckFunc) *DegradationManager {
	t.Helper()
	cache, err := NewDataCache(DefaultCacheConfig(), nil, nil, nil, nil)
	require.NoError(t, err)
	t.Cleanup(cache.Stop)

	d := NewDegradationManager(config, cache, healthCheck, NewTestLogger(), nil, nil)
	t.Cleanup(d.Stop)
	return d
}

func TestDegradationEscalatesOnThresholds(t *testing.T) {
	d := newTestDegradation(t, DefaultDegradationConfig(), nil)

	// Unclassified errors may escalate up to critical.
	err := stderrors.New("something broke")

	for i := 0; i < 2; i++ {
		d.RecordFailure(err)
	}
	assert.Equal(t, LevelOptimal, d.Level(), "below the partial threshold")

	d.RecordFailure(err) // 3rd
	assert.Equal(t, LevelPartial, d.Level())

	for i := 0; i < 3; i++ {
		d.RecordFailure(err) // 4..6
	}
	assert.Equal(t, LevelPartial, d.Level(), "below the significant threshold")

	d.RecordFailure(err) // 7th
	assert.Equal(t, LevelSignificant, d.Level())

	for i := 0; i < 7; i++ {
		d.RecordFailure(err) // 8..14
	}
	assert.Equal(t, LevelSignificant, d.Level())

	d.RecordFailure(err) // 15th
	assert.Equal(t, LevelCritical, d.Level())
}

func TestDegradationNeverSkipsLevels(t *testing.T) {
	d := newTestDegradation(t, DefaultDegradationConfig(), nil)
	err := stderrors.New("boom")

	// Inflate the counter far past the critical threshold before any level
	// change could happen, then verify each failure still moves one step.
	for i := 0; i < 20; i++ {
		d.consecutiveFailures.Add(1)
	}

	d.RecordFailure(err)
	assert.Equal(t, LevelPartial, d.Level(), "one step from optimal even with a huge counter")
	d.RecordFailure(err)
	assert.Equal(t, LevelSignificant, d.Level())
	d.RecordFailure(err)
	assert.Equal(t, LevelCritical, d.Level())
}

func TestDegradationNetworkErrorsCapAtSignificant(t *testing.T) {
	d := newTestDegradation(t, DefaultDegradationConfig(), nil)

	for i := 0; i < 30; i++ {
		d.RecordFailure(NewNetworkError(stderrors.New("dial tcp: connection refused")))
	}
	assert.Equal(t, LevelSignificant, d.Level(), "network failures alone never reach critical")
}

func TestDegradationAuthErrorsNeverEscalate(t *testing.T) {
	d := newTestDegradation(t, DefaultDegradationConfig(), nil)

	for i := 0; i < 30; i++ {
		d.RecordFailure(NewAuthenticationError(stderrors.New("token expired")))
	}
	assert.Equal(t, LevelOptimal, d.Level())
	assert.Equal(t, int64(0), d.ConsecutiveFailures())
}

func TestDegradationSuccessResetsCounterNotLevel(t *testing.T) {
	d := newTestDegradation(t, DefaultDegradationConfig(), nil)
	err := stderrors.New("boom")

	for i := 0; i < 3; i++ {
		d.RecordFailure(err)
	}
	require.Equal(t, LevelPartial, d.Level())

	d.RecordSuccess()
	assert.Equal(t, int64(0), d.ConsecutiveFailures())
	assert.Equal(t, LevelPartial, d.Level(), "only a healthy check restores the level")
}

func TestDegradationHealthCheckRecovery(t *testing.T) {
	var healthy atomic.Bool
	healthCheck := func(ctx context.Context) ServiceHealth {
		if healthy.Load() {
			return HealthHealthy
		}
		return HealthUnhealthy
	}

	config := DefaultDegradationConfig()
	config.HealthCheckInterval = 20 * time.Millisecond
	d := newTestDegradation(t, config, healthCheck)
	d.Start()

	d.ForceLevel(LevelCritical, "test setup")

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, LevelCritical, d.Level(), "unhealthy checks never recover the level")

	healthy.Store(true)
	require.Eventually(t, func() bool {
		return d.Level() == LevelOptimal
	}, time.Second, 10*time.Millisecond, "a single healthy check resets straight to optimal")
	assert.Equal(t, int64(0), d.ConsecutiveFailures())
}

func TestDegradationOptimalFetchesLive(t *testing.T) {
	d := newTestDegradation(t, DefaultDegradationConfig(), nil)

	fetcher := func(ctx context.Context, key string) (map[string]any, error) {
		return map[string]any{"active_users": 42}, nil
	}

	result, err := d.GetData(context.Background(), "metrics:engagement", fetcher, nil)
	require.NoError(t, err)
	assert.Equal(t, SourceLive, result.Source)
	assert.False(t, result.Degraded)

	// The live result is also cached for later degraded service.
	cached, freshness := d.cache.Get("metrics:engagement")
	assert.Equal(t, FreshnessFresh, freshness)
	assert.Equal(t, result.Data, cached.Data)
}

func TestDegradationSignificantNeverFetches(t *testing.T) {
	d := newTestDegradation(t, DefaultDegradationConfig(), nil)
	d.ForceLevel(LevelSignificant, "test setup")

	var calls atomic.Int64
	fetcher := func(ctx context.Context, key string) (map[string]any, error) {
		calls.Add(1)
		return map[string]any{}, nil
	}

	fallback := map[string]any{"a": 1}
	result, err := d.GetData(context.Background(), "metrics:engagement", fetcher, fallback)
	require.NoError(t, err)
	assert.Equal(t, int64(0), calls.Load(), "significant level must not touch the upstream")
	assert.Equal(t, SourceFallback, result.Source)
	assert.Equal(t, fallback, result.Data)
	assert.True(t, result.Degraded)
}

func TestDegradationSignificantPrefersCache(t *testing.T) {
	d := newTestDegradation(t, DefaultDegradationConfig(), nil)
	d.cache.Set("k", map[string]any{"cached": true}, SourceLive, LevelOptimal)
	d.ForceLevel(LevelSignificant, "test setup")

	result, err := d.GetData(context.Background(), "k", nil, map[string]any{"fallback": true})
	require.NoError(t, err)
	assert.Equal(t, SourceCache, result.Source)
	assert.Equal(t, true, result.Data["cached"])
	assert.True(t, result.Degraded)
}

func TestDegradationPartialPrefersFreshCache(t *testing.T) {
	d := newTestDegradation(t, DefaultDegradationConfig(), nil)
	d.cache.Set("k", map[string]any{"cached": true}, SourceLive, LevelOptimal)
	d.ForceLevel(LevelPartial, "test setup")

	var calls atomic.Int64
	fetcher := func(ctx context.Context, key string) (map[string]any, error) {
		calls.Add(1)
		return map[string]any{"live": true}, nil
	}

	result, err := d.GetData(context.Background(), "k", fetcher, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), calls.Load(), "fresh cache short-circuits the fetch at partial")
	assert.Equal(t, true, result.Data["cached"])
}

func TestDegradationCriticalSynthesizesPlaceholder(t *testing.T) {
	config := DefaultDegradationConfig()
	config.EnablePlaceholders = true
	d := newTestDegradation(t, config, nil)
	d.ForceLevel(LevelCritical, "test setup")

	result, err := d.GetData(context.Background(), "k", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, SourcePlaceholder, result.Source)
	assert.True(t, result.Degraded)
}

func TestDegradationCompleteWithoutFallbackErrors(t *testing.T) {
	d := newTestDegradation(t, DefaultDegradationConfig(), nil)
	d.ForceLevel(LevelComplete, "test setup")

	var calls atomic.Int64
	fetcher := func(ctx context.Context, key string) (map[string]any, error) {
		calls.Add(1)
		return map[string]any{}, nil
	}

	_, err := d.GetData(context.Background(), "k", fetcher, nil)
	require.Error(t, err)
	assert.Equal(t, int64(0), calls.Load(), "complete level never attempts a fetch")
}

func TestDegradationFeatureGating(t *testing.T) {
	d := newTestDegradation(t, DefaultDegradationConfig(), nil)

	assert.True(t, d.IsFeatureAvailable(FeatureRealtimeUpdates))

	d.ForceLevel(LevelSignificant, "test setup")
	assert.False(t, d.IsFeatureAvailable(FeatureRealtimeUpdates))
	assert.False(t, d.IsFeatureAvailable(FeatureExports))
	assert.True(t, d.IsFeatureAvailable(FeatureHistoricalTrends))
	assert.True(t, d.IsFeatureAvailable(FeatureCachedMetrics))

	d.ForceLevel(LevelComplete, "test setup")
	assert.Empty(t, d.AvailableFeatures())
}

func TestDegradationEmitsLevelChangeEvents(t *testing.T) {
	bus := NewEventBus(nil)
	var changes []string
	bus.Subscribe(EventDegradationChange, func(e Event) {
		changes = append(changes, e.Payload["from"].(string)+"->"+e.Payload["to"].(string))
	})

	cache, err := NewDataCache(DefaultCacheConfig(), nil, nil, nil, nil)
	require.NoError(t, err)
	defer cache.Stop()

	d := NewDegradationManager(DefaultDegradationConfig(), cache, nil, nil, bus, nil)
	for i := 0; i < 3; i++ {
		d.RecordFailure(stderrors.New("boom"))
	}

	require.Equal(t, []string{"optimal->partial"}, changes)
}

func TestSynthesizePlaceholderZeroesNumericFields(t *testing.T) {
	template := map[string]any{
		"count":   42,
		"rate":    3.14,
		"label":   "engagement",
		"enabled": true,
	}
	placeholder := synthesizePlaceholder(template)
	assert.Equal(t, 0, placeholder["count"])
	assert.Equal(t, 0, placeholder["rate"])
	assert.Equal(t, "engagement", placeholder["label"])
	assert.Equal(t, true, placeholder["enabled"])
}

func TestDegradationCallerErrorsPassThrough(t *testing.T) {
	d := newTestDegradation(t, DefaultDegradationConfig(), nil)
	d.cache.Set("metrics:secure", map[string]any{"cached": true}, SourceLive, LevelOptimal)

	fallback := map[string]any{"a": 1}
	for _, fetchErr := range []error{
		NewAuthenticationError(stderrors.New("token expired")),
		NewAuthorizationError("metrics:secure"),
		NewValidationError("malformed time range"),
	} {
		fetcher := func(ctx context.Context, key string) (map[string]any, error) {
			return nil, fetchErr
		}
		result, err := d.GetData(context.Background(), "metrics:secure", fetcher, fallback)
		require.ErrorIs(t, err, fetchErr, "neither cache nor fallback may answer a rejected request")
		assert.Nil(t, result.Data)
	}
	assert.Equal(t, LevelOptimal, d.Level(), "caller errors are not degradation evidence")
}

func TestDegradationPartialPassesCallerErrorsThrough(t *testing.T) {
	d := newTestDegradation(t, DefaultDegradationConfig(), nil)
	d.ForceLevel(LevelPartial, "test setup")

	authErr := NewAuthorizationError("metrics:secure")
	fetcher := func(ctx context.Context, key string) (map[string]any, error) {
		return nil, authErr
	}

	// No fresh cache, so partial falls to the fetch; its rejection must
	// surface instead of the fallback.
	_, err := d.GetData(context.Background(), "metrics:secure", fetcher, map[string]any{"a": 1})
	require.ErrorIs(t, err, authErr)
}

func TestDegradationUpstreamErrorsStillFallThrough(t *testing.T) {
	d := newTestDegradation(t, DefaultDegradationConfig(), nil)

	fetcher := func(ctx context.Context, key string) (map[string]any, error) {
		return nil, NewServiceError(503, stderrors.New("service unavailable"))
	}

	fallback := map[string]any{"a": 1}
	result, err := d.GetData(context.Background(), "metrics:engagement", fetcher, fallback)
	require.NoError(t, err)
	assert.Equal(t, SourceFallback, result.Source)
	assert.Equal(t, fallback, result.Data)
}

func TestDegradationIgnoresCircuitOpenRejections(t *testing.T) {
	d := newTestDegradation(t, DefaultDegradationConfig(), nil)

	for i := 0; i < 20; i++ {
		d.RecordFailure(NewCircuitOpenError("metrics"))
	}
	assert.Equal(t, LevelOptimal, d.Level(), "fail-fast rejections carry no new upstream evidence")
	assert.Equal(t, int64(0), d.ConsecutiveFailures())
}
