// config_test.go: configuration default and validation tests
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package goresilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	require.NoError(t, DefaultResilienceConfig().Validate())
}

func TestCircuitBreakerConfigValidation(t *testing.T) {
	config := DefaultCircuitBreakerConfig()
	config.FailureThreshold = 0
	assert.Error(t, config.Validate())

	config = DefaultCircuitBreakerConfig()
	config.SuccessThreshold = -1
	assert.Error(t, config.Validate())

	config = DefaultCircuitBreakerConfig()
	config.OpenTimeout = 0
	assert.Error(t, config.Validate())
}

func TestDegradationConfigValidation(t *testing.T) {
	config := DefaultDegradationConfig()
	require.NoError(t, config.Validate())

	// Thresholds must be strictly increasing.
	config.SignificantThreshold = config.PartialThreshold
	assert.Error(t, config.Validate())

	config = DefaultDegradationConfig()
	config.CriticalThreshold = config.SignificantThreshold - 1
	assert.Error(t, config.Validate())
}

func TestCacheConfigValidation(t *testing.T) {
	config := DefaultCacheConfig()
	config.MaxEntries = 0
	assert.Error(t, config.Validate())

	config = DefaultCacheConfig()
	config.Strategies = []CacheStrategy{{Pattern: "", TTL: time.Minute}}
	assert.Error(t, config.Validate(), "strategy patterns cannot be empty")

	config = DefaultCacheConfig()
	config.Strategies = []CacheStrategy{{Pattern: "k", TTL: time.Second, StaleTime: time.Minute}}
	assert.Error(t, config.Validate(), "ttl below stale_time is inconsistent")

	config = DefaultCacheConfig()
	config.Strategies = []CacheStrategy{{Pattern: "k", TTL: time.Minute, RefreshMode: RefreshScheduled}}
	assert.Error(t, config.Validate(), "scheduled refresh needs a cron spec")

	config = DefaultCacheConfig()
	config.Strategies = []CacheStrategy{{Pattern: "k", TTL: time.Minute, RefreshMode: RefreshScheduled, CronSpec: "@every 5m"}}
	assert.NoError(t, config.Validate())
}

func TestBatcherConfigValidation(t *testing.T) {
	config := DefaultBatcherConfig()
	config.MaxBatchSize = 0
	assert.Error(t, config.Validate())
}

func TestConnectionConfigValidation(t *testing.T) {
	config := DefaultConnectionConfig()
	require.NoError(t, config.Validate())

	config.HeartbeatTimeout = config.HeartbeatInterval
	assert.Error(t, config.Validate(), "heartbeat timeout must stay below the interval")

	config = DefaultConnectionConfig()
	config.ReconnectMultiplier = 0.5
	assert.Error(t, config.Validate())

	config = DefaultConnectionConfig()
	config.ReconnectJitter = 1.5
	assert.Error(t, config.Validate())
}

func TestCascadeConfigValidation(t *testing.T) {
	config := DefaultCascadeConfig()
	config.PollInterval = 0
	assert.Error(t, config.Validate())

	config = DefaultCascadeConfig()
	config.PollBackoffRatio = 0.5
	assert.Error(t, config.Validate())
}

func TestResilienceConfigValidationCoversComponents(t *testing.T) {
	config := DefaultResilienceConfig()
	config.Connection.ConnectionTimeout = 0
	assert.Error(t, config.Validate())
}
