// cascade.go: Transport fallback cascade across live, push, polling and offline
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package goresilience

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// TransportMode identifies which delivery path is currently active.
// Exactly one mode is active at any time; the others are standby.
type TransportMode int32

const (
	TransportLive TransportMode = iota
	TransportPush
	TransportPolling
	TransportOffline
)

func (m TransportMode) String() string {
	switch m {
	case TransportLive:
		return "live"
	case TransportPush:
		return "push"
	case TransportPolling:
		return "polling"
	case TransportOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// PushChannel is the injected one-way push subscription capability used
// when the bidirectional live channel is unavailable.
type PushChannel interface {
	// Subscribe opens the one-way stream; events arrive through onEvent
	// until Close.
	Subscribe(ctx context.Context, url string, authToken string, onEvent func(event string, data []byte)) error

	Close() error
}

// PollSource is one pollable endpoint and the cache key its payload lands
// under.
type PollSource struct {
	Key      string
	Endpoint string
	Params   map[string]any
}

// updateEnvelope is the wire shape of a pushed data update.
type updateEnvelope struct {
	Key  string         `json:"key"`
	Data map[string]any `json:"data"`
}

// TransportCascade keeps data flowing over the best available transport.
//
// It starts on the live channel and downgrades one step at a time: live
// to push-only when the live channel's health flag drops, push-only to
// polling when the subscription cannot be established. Polling does not
// downgrade further on errors; instead its interval grows
// multiplicatively up to a cap, stretched further by any server-provided
// retry-after hint, until maxPollErrors consecutive failures trip
// offline mode. Whenever the live channel reports healthy again the
// cascade upgrades straight back to live, from any mode.
//
// Every transport writes received payloads into the shared cache, so
// consumers reading through the degradation manager always see the
// freshest value regardless of which transport produced it.
type TransportCascade struct {
	config      CascadeConfig
	conn        *ConnectionManager
	push        PushChannel
	pollFn      FetchFunc
	pollSources []PollSource
	authToken   func() string
	cache       *DataCache
	logger      Logger
	events      *EventBus
	metrics     MetricsCollector

	mode       atomic.Int32
	pollErrors atomic.Int32

	mu           sync.Mutex
	pollInterval time.Duration
	pollTimer    *time.Timer
	pushActive   bool
	stopped      bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewTransportCascade wires the cascade over its transports. push and
// pollFn may be nil; missing capabilities are skipped during downgrade.
func NewTransportCascade(config CascadeConfig, conn *ConnectionManager, push PushChannel, pollFn FetchFunc, pollSources []PollSource, authToken func() string, cache *DataCache, logger Logger, events *EventBus, metrics MetricsCollector) *TransportCascade {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = NewInMemoryMetricsCollector()
	}
	if authToken == nil {
		authToken = func() string { return "" }
	}
	return &TransportCascade{
		config:       config,
		conn:         conn,
		push:         push,
		pollFn:       pollFn,
		pollSources:  pollSources,
		authToken:    authToken,
		cache:        cache,
		logger:       logger,
		events:       events,
		metrics:      metrics,
		pollInterval: config.PollInterval,
		stopCh:       make(chan struct{}),
	}
}

// Mode returns the currently active transport mode.
func (t *TransportCascade) Mode() TransportMode {
	return TransportMode(t.mode.Load())
}

// Start connects the live channel and launches the health probe loop.
// A failed initial connection immediately walks the downgrade chain.
func (t *TransportCascade) Start(ctx context.Context) {
	if err := t.conn.Connect(ctx); err != nil {
		t.logger.Warn("live channel unavailable at startup", "error", err)
		t.downgradeFromLive()
	}

	t.wg.Add(1)
	go t.probeLoop()
}

// Stop shuts the cascade down: probe loop, poll timer, push subscription.
func (t *TransportCascade) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })

	t.mu.Lock()
	t.stopped = true
	if t.pollTimer != nil {
		t.pollTimer.Stop()
		t.pollTimer = nil
	}
	pushActive := t.pushActive
	t.pushActive = false
	t.mu.Unlock()

	if pushActive && t.push != nil {
		_ = t.push.Close()
	}
	t.wg.Wait()
}

// HandleUpdate ingests one pushed data update, from any transport, into
// the cache. Malformed envelopes are dropped.
func (t *TransportCascade) HandleUpdate(data []byte) {
	var envelope updateEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil || envelope.Key == "" {
		t.logger.Debug("dropping malformed update", "error", err)
		return
	}
	t.cache.Set(envelope.Key, envelope.Data, SourceLive, LevelOptimal)
	t.metrics.IncrementCounter("cascade_updates_received", map[string]string{"mode": t.Mode().String()})
}

// probeLoop inspects the live channel's health flag on a fixed interval,
// downgrading away from an unhealthy live channel and upgrading straight
// back when it recovers.
func (t *TransportCascade) probeLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.config.HealthProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
		}

		healthy := t.conn.Healthy()
		mode := t.Mode()
		switch {
		case mode == TransportLive && !healthy:
			t.downgradeFromLive()
		case mode != TransportLive && healthy:
			t.upgradeToLive()
		case mode != TransportLive && t.conn.State() == ConnDisconnected:
			// The live channel is down and not retrying on its own, so the
			// probe re-dials it. Heartbeat-unhealthy-but-connected sessions
			// are left to recover through their own pongs instead.
			ctx, cancel := context.WithTimeout(context.Background(), t.config.HealthProbeInterval)
			if err := t.conn.Connect(ctx); err == nil && t.conn.Healthy() {
				t.upgradeToLive()
			}
			cancel()
		}
	}
}

// downgradeFromLive steps down to push-only, or to polling when the push
// subscription cannot be established.
func (t *TransportCascade) downgradeFromLive() {
	if t.push != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := t.push.Subscribe(ctx, t.config.PushURL, t.authToken(), t.onPushEvent)
		cancel()
		if err == nil {
			t.mu.Lock()
			t.pushActive = true
			t.mu.Unlock()
			t.setMode(TransportPush, "live channel unhealthy")
			return
		}
		t.logger.Warn("push subscription failed", "error", NewPushSubscribeError(err))
	}
	t.startPolling("live channel unhealthy, push unavailable")
}

// upgradeToLive restores the live transport from any degraded mode.
func (t *TransportCascade) upgradeToLive() {
	t.mu.Lock()
	if t.pollTimer != nil {
		t.pollTimer.Stop()
		t.pollTimer = nil
	}
	t.pollInterval = t.config.PollInterval
	pushActive := t.pushActive
	t.pushActive = false
	t.mu.Unlock()

	t.pollErrors.Store(0)
	if pushActive && t.push != nil {
		_ = t.push.Close()
	}
	t.setMode(TransportLive, "live channel recovered")
}

// onPushEvent ingests push-only stream events. A terminal stream error
// downgrades to polling.
func (t *TransportCascade) onPushEvent(event string, data []byte) {
	switch event {
	case "error", "closed":
		t.mu.Lock()
		wasActive := t.pushActive
		t.pushActive = false
		t.mu.Unlock()
		if wasActive && t.Mode() == TransportPush {
			t.startPolling("push stream terminated")
		}
	default:
		t.HandleUpdate(data)
	}
}

// startPolling activates polling mode at the base interval.
func (t *TransportCascade) startPolling(reason string) {
	if t.pollFn == nil || len(t.pollSources) == 0 {
		t.setMode(TransportOffline, reason+", no polling capability")
		return
	}

	t.pollErrors.Store(0)
	t.mu.Lock()
	t.pollInterval = t.config.PollInterval
	t.mu.Unlock()
	t.setMode(TransportPolling, reason)
	t.schedulePoll()
}

// schedulePoll arms the next poll tick at the current interval.
func (t *TransportCascade) schedulePoll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || t.Mode() != TransportPolling {
		return
	}
	interval := t.pollInterval
	t.pollTimer = time.AfterFunc(interval, t.pollOnce)
}

// pollOnce polls every source. Any failure counts once against the
// consecutive-error budget and stretches the interval; full success
// restores the base interval.
func (t *TransportCascade) pollOnce() {
	if t.Mode() != TransportPolling {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	failed := false
	var retryAfter time.Duration
	for _, source := range t.pollSources {
		data, err := t.pollFn(ctx, source.Endpoint, source.Params)
		if err != nil {
			failed = true
			if hint, ok := RetryAfterHint(err); ok && hint > retryAfter {
				retryAfter = hint
			}
			t.logger.Debug("poll failed", "endpoint", source.Endpoint, "error", err)
			continue
		}
		t.cache.Set(source.Key, data, SourceLive, LevelOptimal)
	}

	if failed {
		errors := t.pollErrors.Add(1)
		if int(errors) >= t.config.MaxPollErrors {
			t.setMode(TransportOffline, "consecutive polling failures")
			return
		}
		t.mu.Lock()
		next := time.Duration(float64(t.pollInterval) * t.config.PollBackoffRatio)
		if next > t.config.PollMaxInterval {
			next = t.config.PollMaxInterval
		}
		// A server-provided retry-after overrides the computed delay when
		// it asks for more patience.
		if retryAfter > next {
			next = retryAfter
		}
		t.pollInterval = next
		t.mu.Unlock()
	} else {
		t.pollErrors.Store(0)
		t.mu.Lock()
		t.pollInterval = t.config.PollInterval
		t.mu.Unlock()
	}

	t.schedulePoll()
}

// setMode transitions the active transport and announces it.
func (t *TransportCascade) setMode(next TransportMode, reason string) {
	prev := TransportMode(t.mode.Swap(int32(next)))
	if prev == next {
		return
	}
	t.logger.Info("transport changed", "from", prev.String(), "to", next.String(), "reason", reason)
	t.metrics.SetGauge("transport_mode", float64(next), nil)
	if t.events != nil {
		t.events.Emit(Event{
			Type:   EventTransportChange,
			Source: "transport_cascade",
			Reason: reason,
			Payload: map[string]any{
				"from": prev.String(),
				"to":   next.String(),
			},
		})
	}
}
