// config.go: configuration structures, defaults, and validation
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package goresilience

import (
	"time"
)

// CircuitBreakerConfig configures a per-operation circuit breaker.
//
// The breaker opens after FailureThreshold consecutive failures, stays open
// for OpenTimeout since the last failure, then admits probing calls in
// half-open state until SuccessThreshold consecutive successes close it.
// Every call runs under CallTimeout independently of upstream behavior so a
// slow-but-alive service cannot wedge the accounting.
type CircuitBreakerConfig struct {
	Enabled          bool          `json:"enabled" yaml:"enabled"`
	FailureThreshold int           `json:"failure_threshold" yaml:"failure_threshold"`
	SuccessThreshold int           `json:"success_threshold" yaml:"success_threshold"`
	OpenTimeout      time.Duration `json:"open_timeout" yaml:"open_timeout"`
	CallTimeout      time.Duration `json:"call_timeout" yaml:"call_timeout"`

	// SampleSize bounds the rolling response-time buffer used for
	// p95/p99 reporting.
	SampleSize int `json:"sample_size" yaml:"sample_size"`
}

// DefaultCircuitBreakerConfig returns production-ready breaker defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Enabled:          true,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenTimeout:      30 * time.Second,
		CallTimeout:      10 * time.Second,
		SampleSize:       1000,
	}
}

// Validate checks the breaker configuration for consistency.
func (c CircuitBreakerConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.FailureThreshold <= 0 {
		return NewConfigValidationError("circuit breaker failure_threshold must be positive", nil)
	}
	if c.SuccessThreshold <= 0 {
		return NewConfigValidationError("circuit breaker success_threshold must be positive", nil)
	}
	if c.OpenTimeout <= 0 {
		return NewConfigValidationError("circuit breaker open_timeout must be positive", nil)
	}
	if c.CallTimeout <= 0 {
		return NewConfigValidationError("circuit breaker call_timeout must be positive", nil)
	}
	return nil
}

// DegradationConfig configures the degradation state machine.
//
// Thresholds are cumulative consecutive-failure counts: reaching
// PartialThreshold moves to partial, SignificantThreshold to significant,
// CriticalThreshold to critical (service errors only). A single healthy
// check restores optimal; recovery is deliberately one-step.
type DegradationConfig struct {
	PartialThreshold     int           `json:"partial_threshold" yaml:"partial_threshold"`
	SignificantThreshold int           `json:"significant_threshold" yaml:"significant_threshold"`
	CriticalThreshold    int           `json:"critical_threshold" yaml:"critical_threshold"`
	HealthCheckInterval  time.Duration `json:"health_check_interval" yaml:"health_check_interval"`
	HealthCheckTimeout   time.Duration `json:"health_check_timeout" yaml:"health_check_timeout"`

	// ShortFetchTimeout bounds live fetches attempted at the partial level.
	ShortFetchTimeout time.Duration `json:"short_fetch_timeout" yaml:"short_fetch_timeout"`

	// EnablePlaceholders allows synthesizing zeroed records at critical
	// and complete levels when no cache or fallback exists.
	EnablePlaceholders bool `json:"enable_placeholders" yaml:"enable_placeholders"`
}

// DefaultDegradationConfig returns the default escalation thresholds.
func DefaultDegradationConfig() DegradationConfig {
	return DegradationConfig{
		PartialThreshold:     3,
		SignificantThreshold: 7,
		CriticalThreshold:    15,
		HealthCheckInterval:  60 * time.Second,
		HealthCheckTimeout:   5 * time.Second,
		ShortFetchTimeout:    3 * time.Second,
		EnablePlaceholders:   true,
	}
}

// Validate checks the degradation configuration for consistency.
func (c DegradationConfig) Validate() error {
	if c.PartialThreshold <= 0 {
		return NewConfigValidationError("degradation partial_threshold must be positive", nil)
	}
	if c.SignificantThreshold <= c.PartialThreshold {
		return NewConfigValidationError("degradation significant_threshold must exceed partial_threshold", nil)
	}
	if c.CriticalThreshold <= c.SignificantThreshold {
		return NewConfigValidationError("degradation critical_threshold must exceed significant_threshold", nil)
	}
	if c.HealthCheckInterval <= 0 {
		return NewConfigValidationError("degradation health_check_interval must be positive", nil)
	}
	return nil
}

// RefreshMode selects how a cached key is kept fresh.
type RefreshMode string

const (
	// RefreshOnDemand refreshes only when a caller fetches the key.
	RefreshOnDemand RefreshMode = "on-demand"

	// RefreshBackground schedules a refresh when the entry's TTL elapses.
	RefreshBackground RefreshMode = "background"

	// RefreshScheduled refreshes on a cron schedule ("@every 5m" syntax).
	RefreshScheduled RefreshMode = "scheduled"
)

// CacheStrategy describes the freshness policy for a key or key prefix.
//
// Strategies are looked up by exact key first, then by the longest
// registered prefix. Dependencies name keys that must be fresh before this
// key is warmed; WarmupTriggers name the events that select this key during
// a triggered warmup pass.
type CacheStrategy struct {
	Pattern        string        `json:"pattern" yaml:"pattern"`
	TTL            time.Duration `json:"ttl" yaml:"ttl"`
	StaleTime      time.Duration `json:"stale_time" yaml:"stale_time"`
	Priority       int           `json:"priority" yaml:"priority"`
	RefreshMode    RefreshMode   `json:"refresh_mode" yaml:"refresh_mode"`
	CronSpec       string        `json:"cron_spec,omitempty" yaml:"cron_spec,omitempty"`
	Dependencies   []string      `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	WarmupTriggers []string      `json:"warmup_triggers,omitempty" yaml:"warmup_triggers,omitempty"`
}

// CacheConfig configures the metrics cache.
type CacheConfig struct {
	// MaxEntries bounds the number of cached keys; the least recently
	// used entry is evicted beyond this.
	MaxEntries int `json:"max_entries" yaml:"max_entries"`

	// MaxAge is the hard expiry: entries older than this are removed on
	// read regardless of staleness tier.
	MaxAge time.Duration `json:"max_age" yaml:"max_age"`

	// MaxConcurrentWarmups bounds parallel warmup fetches.
	MaxConcurrentWarmups int `json:"max_concurrent_warmups" yaml:"max_concurrent_warmups"`

	// DefaultStrategy applies to keys without a registered strategy.
	DefaultStrategy CacheStrategy `json:"default_strategy" yaml:"default_strategy"`

	Strategies []CacheStrategy `json:"strategies,omitempty" yaml:"strategies,omitempty"`
}

// DefaultCacheConfig returns production-ready cache defaults.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		MaxEntries:           1024,
		MaxAge:               30 * time.Minute,
		MaxConcurrentWarmups: 4,
		DefaultStrategy: CacheStrategy{
			TTL:         60 * time.Second,
			StaleTime:   30 * time.Second,
			RefreshMode: RefreshOnDemand,
		},
	}
}

// Validate checks the cache configuration for consistency.
func (c CacheConfig) Validate() error {
	if c.MaxEntries <= 0 {
		return NewConfigValidationError("cache max_entries must be positive", nil)
	}
	if c.MaxAge <= 0 {
		return NewConfigValidationError("cache max_age must be positive", nil)
	}
	if c.MaxConcurrentWarmups <= 0 {
		return NewConfigValidationError("cache max_concurrent_warmups must be positive", nil)
	}
	for _, s := range c.Strategies {
		if s.Pattern == "" {
			return NewConfigValidationError("cache strategy pattern cannot be empty", nil)
		}
		if s.TTL < s.StaleTime {
			return NewConfigValidationError("cache strategy ttl must be >= stale_time for pattern "+s.Pattern, nil)
		}
		if s.RefreshMode == RefreshScheduled && s.CronSpec == "" {
			return NewConfigValidationError("cache strategy with scheduled refresh needs cron_spec for pattern "+s.Pattern, nil)
		}
	}
	return nil
}

// BatcherConfig configures request batching and deduplication.
type BatcherConfig struct {
	MaxBatchSize int `json:"max_batch_size" yaml:"max_batch_size"`

	// Per-priority flush windows; high flushes immediately regardless.
	HighWait   time.Duration `json:"high_wait" yaml:"high_wait"`
	NormalWait time.Duration `json:"normal_wait" yaml:"normal_wait"`
	LowWait    time.Duration `json:"low_wait" yaml:"low_wait"`
}

// DefaultBatcherConfig returns production-ready batching defaults.
func DefaultBatcherConfig() BatcherConfig {
	return BatcherConfig{
		MaxBatchSize: 10,
		HighWait:     0,
		NormalWait:   50 * time.Millisecond,
		LowWait:      200 * time.Millisecond,
	}
}

// Validate checks the batcher configuration for consistency.
func (c BatcherConfig) Validate() error {
	if c.MaxBatchSize <= 0 {
		return NewConfigValidationError("batcher max_batch_size must be positive", nil)
	}
	if c.NormalWait < 0 || c.LowWait < 0 || c.HighWait < 0 {
		return NewConfigValidationError("batcher wait windows cannot be negative", nil)
	}
	if c.LowWait < c.NormalWait {
		return NewConfigValidationError("batcher low_wait must be >= normal_wait", nil)
	}
	return nil
}

// ConnectionConfig configures the live-channel connection manager.
type ConnectionConfig struct {
	URL               string        `json:"url" yaml:"url"`
	ConnectionTimeout time.Duration `json:"connection_timeout" yaml:"connection_timeout"`

	// Heartbeat: a ping is sent HeartbeatInterval after the last pong and
	// a pong is expected within HeartbeatTimeout.
	HeartbeatInterval   time.Duration `json:"heartbeat_interval" yaml:"heartbeat_interval"`
	HeartbeatTimeout    time.Duration `json:"heartbeat_timeout" yaml:"heartbeat_timeout"`
	MaxMissedHeartbeats int           `json:"max_missed_heartbeats" yaml:"max_missed_heartbeats"`

	// Reconnection backoff
	ReconnectInitialDelay time.Duration `json:"reconnect_initial_delay" yaml:"reconnect_initial_delay"`
	ReconnectMaxDelay     time.Duration `json:"reconnect_max_delay" yaml:"reconnect_max_delay"`
	ReconnectMultiplier   float64       `json:"reconnect_multiplier" yaml:"reconnect_multiplier"`
	ReconnectJitter       float64       `json:"reconnect_jitter" yaml:"reconnect_jitter"`
	MaxReconnectAttempts  int           `json:"max_reconnect_attempts" yaml:"max_reconnect_attempts"`

	// Outbound queue for messages sent while disconnected
	MaxQueuedMessages int           `json:"max_queued_messages" yaml:"max_queued_messages"`
	MaxQueuedAge      time.Duration `json:"max_queued_age" yaml:"max_queued_age"`
}

// DefaultConnectionConfig returns production-ready connection defaults.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		ConnectionTimeout:     10 * time.Second,
		HeartbeatInterval:     30 * time.Second,
		HeartbeatTimeout:      10 * time.Second,
		MaxMissedHeartbeats:   3,
		ReconnectInitialDelay: 1 * time.Second,
		ReconnectMaxDelay:     60 * time.Second,
		ReconnectMultiplier:   2.0,
		ReconnectJitter:       0.25,
		MaxReconnectAttempts:  10,
		MaxQueuedMessages:     100,
		MaxQueuedAge:          2 * time.Minute,
	}
}

// Validate checks the connection configuration for consistency.
func (c ConnectionConfig) Validate() error {
	if c.ConnectionTimeout <= 0 {
		return NewConfigValidationError("connection connection_timeout must be positive", nil)
	}
	if c.HeartbeatInterval <= 0 || c.HeartbeatTimeout <= 0 {
		return NewConfigValidationError("connection heartbeat settings must be positive", nil)
	}
	if c.HeartbeatTimeout >= c.HeartbeatInterval {
		return NewConfigValidationError("connection heartbeat_timeout must be shorter than heartbeat_interval", nil)
	}
	if c.MaxMissedHeartbeats <= 0 {
		return NewConfigValidationError("connection max_missed_heartbeats must be positive", nil)
	}
	if c.ReconnectInitialDelay <= 0 || c.ReconnectMaxDelay < c.ReconnectInitialDelay {
		return NewConfigValidationError("connection reconnect delays are inconsistent", nil)
	}
	if c.ReconnectMultiplier < 1 {
		return NewConfigValidationError("connection reconnect_multiplier must be >= 1", nil)
	}
	if c.ReconnectJitter < 0 || c.ReconnectJitter > 1 {
		return NewConfigValidationError("connection reconnect_jitter must be in [0, 1]", nil)
	}
	if c.MaxQueuedMessages < 0 {
		return NewConfigValidationError("connection max_queued_messages cannot be negative", nil)
	}
	return nil
}

// CascadeConfig configures the transport fallback cascade.
type CascadeConfig struct {
	// PushURL is the push-only fallback subscription endpoint.
	PushURL string `json:"push_url" yaml:"push_url"`

	// Polling behavior while in polling mode.
	PollInterval     time.Duration `json:"poll_interval" yaml:"poll_interval"`
	PollMaxInterval  time.Duration `json:"poll_max_interval" yaml:"poll_max_interval"`
	PollBackoffRatio float64       `json:"poll_backoff_ratio" yaml:"poll_backoff_ratio"`

	// MaxPollErrors consecutive polling failures trip offline mode.
	MaxPollErrors int `json:"max_poll_errors" yaml:"max_poll_errors"`

	// HealthProbeInterval is how often the cascade inspects the live
	// channel's health flag to drive downgrades.
	HealthProbeInterval time.Duration `json:"health_probe_interval" yaml:"health_probe_interval"`
}

// DefaultCascadeConfig returns production-ready cascade defaults.
func DefaultCascadeConfig() CascadeConfig {
	return CascadeConfig{
		PollInterval:        15 * time.Second,
		PollMaxInterval:     2 * time.Minute,
		PollBackoffRatio:    2.0,
		MaxPollErrors:       5,
		HealthProbeInterval: 5 * time.Second,
	}
}

// Validate checks the cascade configuration for consistency.
func (c CascadeConfig) Validate() error {
	if c.PollInterval <= 0 {
		return NewConfigValidationError("cascade poll_interval must be positive", nil)
	}
	if c.PollMaxInterval < c.PollInterval {
		return NewConfigValidationError("cascade poll_max_interval must be >= poll_interval", nil)
	}
	if c.PollBackoffRatio < 1 {
		return NewConfigValidationError("cascade poll_backoff_ratio must be >= 1", nil)
	}
	if c.MaxPollErrors <= 0 {
		return NewConfigValidationError("cascade max_poll_errors must be positive", nil)
	}
	return nil
}

// PerformanceBudgetConfig declares one tracked budget.
type PerformanceBudgetConfig struct {
	Name      string  `json:"name" yaml:"name"`
	Metric    string  `json:"metric" yaml:"metric"`
	Threshold float64 `json:"threshold" yaml:"threshold"`
}

// ResilienceConfig aggregates the configuration of every component managed
// by the ResilienceManager. Zero values are replaced by the component
// defaults during construction.
type ResilienceConfig struct {
	CircuitBreaker CircuitBreakerConfig      `json:"circuit_breaker" yaml:"circuit_breaker"`
	Degradation    DegradationConfig         `json:"degradation" yaml:"degradation"`
	Cache          CacheConfig               `json:"cache" yaml:"cache"`
	Batcher        BatcherConfig             `json:"batcher" yaml:"batcher"`
	Connection     ConnectionConfig          `json:"connection" yaml:"connection"`
	Cascade        CascadeConfig             `json:"cascade" yaml:"cascade"`
	Budgets        []PerformanceBudgetConfig `json:"budgets,omitempty" yaml:"budgets,omitempty"`
}

// DefaultResilienceConfig returns the full default configuration.
func DefaultResilienceConfig() ResilienceConfig {
	return ResilienceConfig{
		CircuitBreaker: DefaultCircuitBreakerConfig(),
		Degradation:    DefaultDegradationConfig(),
		Cache:          DefaultCacheConfig(),
		Batcher:        DefaultBatcherConfig(),
		Connection:     DefaultConnectionConfig(),
		Cascade:        DefaultCascadeConfig(),
		Budgets: []PerformanceBudgetConfig{
			{Name: "request_latency", Metric: "execute_latency_ms", Threshold: 2000},
			{Name: "connection_setup", Metric: "connection_setup_ms", Threshold: 5000},
			{Name: "error_rate", Metric: "error_rate_percent", Threshold: 30},
		},
	}
}

// Validate checks every component configuration.
func (c ResilienceConfig) Validate() error {
	if err := c.CircuitBreaker.Validate(); err != nil {
		return err
	}
	if err := c.Degradation.Validate(); err != nil {
		return err
	}
	if err := c.Cache.Validate(); err != nil {
		return err
	}
	if err := c.Batcher.Validate(); err != nil {
		return err
	}
	if err := c.Connection.Validate(); err != nil {
		return err
	}
	if err := c.Cascade.Validate(); err != nil {
		return err
	}
	for _, b := range c.Budgets {
		if b.Name == "" || b.Metric == "" {
			return NewConfigValidationError("performance budget needs name and metric", nil)
		}
		if b.Threshold <= 0 {
			return NewConfigValidationError("performance budget threshold must be positive for "+b.Name, nil)
		}
	}
	return nil
}
