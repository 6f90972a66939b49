// connection.go: Live channel connection manager with heartbeat and reconnection
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

// ConnectionState tracks the lifecycle of the live channel.
type ConnectionState int32

const (
	ConnDisconnected ConnectionState = iota
	ConnConnecting
	ConnConnected
	ConnReconnecting
	ConnError
)

func (s ConnectionState) String() string {
	switch s {
	case ConnDisconnected:
		return "disconnected"
	case ConnConnecting:
		return "connecting"
	case ConnConnected:
		return "connected"
	case ConnReconnecting:
		return "reconnecting"
	case ConnError:
		return "error"
	default:
		return "unknown"
	}
}

// ChannelHandler receives channel callbacks for one connection session.
type ChannelHandler interface {
	OnMessage(data []byte)
	OnPong()
	OnClose(code int, reason string)
}

// LiveChannel is the injected bidirectional stream capability. One
// LiveChannel value represents one connection attempt; the manager asks
// its factory for a fresh channel per attempt.
type LiveChannel interface {
	// Open dials and authenticates the channel, delivering callbacks to
	// the handler until Close. It must respect ctx for dial timeout.
	Open(ctx context.Context, url string, authToken string, handler ChannelHandler) error

	// Send writes one outbound message.
	Send(data []byte) error

	// Ping sends a heartbeat probe; the peer's reply surfaces as OnPong.
	Ping() error

	// Close closes the channel with a close code and reason.
	Close(code int, reason string) error
}

// ChannelFactory produces a fresh channel per connection attempt.
type ChannelFactory func() LiveChannel

// CloseCodeNormal is the close code treated as a clean shutdown; any
// other code triggers reconnection.
const CloseCodeNormal = 1000

// queuedMessage is one outbound message held while disconnected.
type queuedMessage struct {
	data       []byte
	enqueuedAt time.Time
}

// ConnectionManager owns the live channel lifecycle.
//
// While connected it sends heartbeat pings strictly periodically relative
// to the last pong, so a stall never causes ping pile-up. Missing
// maxMissedHeartbeats consecutive pongs flips the health flag without
// closing the socket; the transport cascade polls that flag to decide on
// downgrade. On an unclean close the manager self-schedules reconnection
// with exponential backoff, a hard delay cap, and jitter, up to
// maxReconnectAttempts before reporting permanent disconnection.
//
// Outbound messages sent while disconnected are queued, bounded with
// oldest-dropped overflow, and flushed in order on reconnection subject
// to a maximum queued age. Stop cancels every pending timer; no heartbeat
// or reconnection fires after Stop returns.
type ConnectionManager struct {
	config    ConnectionConfig
	factory   ChannelFactory
	authToken func() string
	onMessage func(data []byte)
	logger    Logger
	events    *EventBus
	metrics   MetricsCollector

	state             atomic.Int32
	heartbeatHealthy  atomic.Bool
	missedHeartbeats  atomic.Int32
	failedConnections atomic.Int64
	reconnectAttempts atomic.Int32
	lastPongTime      atomic.Int64

	mu             sync.Mutex
	channel        LiveChannel
	generation     uint64
	reconnectTimer *time.Timer
	queue          []queuedMessage
	stopped        bool

	heartbeatStop chan struct{}
	pongCh        chan struct{}
	wg            sync.WaitGroup
}

// NewConnectionManager creates a manager in the disconnected state.
// authToken is called per connection attempt so refreshed tokens are
// picked up; onMessage receives every inbound message.
func NewConnectionManager(config ConnectionConfig, factory ChannelFactory, authToken func() string, onMessage func(data []byte), logger Logger, events *EventBus, metrics MetricsCollector) *ConnectionManager {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = NewInMemoryMetricsCollector()
	}
	if authToken == nil {
		authToken = func() string { return "" }
	}
	m := &ConnectionManager{
		config:    config,
		factory:   factory,
		authToken: authToken,
		onMessage: onMessage,
		logger:    logger,
		events:    events,
		metrics:   metrics,
	}
	m.heartbeatHealthy.Store(true)
	return m
}

// State returns the current connection state.
func (m *ConnectionManager) State() ConnectionState {
	return ConnectionState(m.state.Load())
}

// Healthy reports whether the channel is connected and the heartbeat has
// not flagged it unhealthy.
func (m *ConnectionManager) Healthy() bool {
	return m.State() == ConnConnected && m.heartbeatHealthy.Load()
}

// FailedConnections returns the count of failed connection attempts.
func (m *ConnectionManager) FailedConnections() int64 {
	return m.failedConnections.Load()
}

// Connect opens and authenticates the channel, waiting up to the
// configured connection timeout. On success the heartbeat starts and any
// queued outbound messages are flushed in order.
func (m *ConnectionManager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return NewConnectionManagerStoppedError()
	}
	if m.State() == ConnConnected || m.State() == ConnConnecting {
		m.mu.Unlock()
		return nil
	}
	m.setState(ConnConnecting, "connection attempt started")
	m.generation++
	gen := m.generation
	channel := m.factory()
	m.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, m.config.ConnectionTimeout)
	defer cancel()

	start := timecache.CachedTime()
	err := channel.Open(dialCtx, m.config.URL, m.authToken(), &sessionHandler{manager: m, gen: gen})
	m.metrics.RecordHistogram("connection_setup_ms", float64(time.Since(start).Milliseconds()), nil)

	if err != nil {
		m.failedConnections.Add(1)
		m.setState(ConnDisconnected, "connection attempt failed")
		if dialCtx.Err() != nil && ctx.Err() == nil {
			return NewConnectionTimeoutError(m.config.ConnectionTimeout)
		}
		return NewConnectionFailedError(err)
	}

	m.mu.Lock()
	if m.stopped || gen != m.generation {
		m.mu.Unlock()
		_ = channel.Close(CloseCodeNormal, "superseded")
		return NewConnectionManagerStoppedError()
	}
	m.channel = channel
	m.reconnectAttempts.Store(0)
	m.missedHeartbeats.Store(0)
	m.heartbeatHealthy.Store(true)
	m.lastPongTime.Store(timecache.CachedTimeNano())
	m.setState(ConnConnected, "channel established")
	m.startHeartbeatLocked()
	queued := m.drainQueueLocked()
	m.mu.Unlock()

	m.flushQueued(channel, queued)
	return nil
}

// Send writes a message to the channel, or queues it while disconnected.
func (m *ConnectionManager) Send(data []byte) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return NewSendWhileDisconnectedError()
	}
	if m.State() != ConnConnected || m.channel == nil {
		m.enqueueLocked(data)
		m.mu.Unlock()
		return nil
	}
	channel := m.channel
	m.mu.Unlock()

	if err := channel.Send(data); err != nil {
		m.mu.Lock()
		m.enqueueLocked(data)
		m.mu.Unlock()
		return nil
	}
	return nil
}

// enqueueLocked appends to the bounded outbound queue, dropping the
// oldest message on overflow. Must be called with m.mu held.
func (m *ConnectionManager) enqueueLocked(data []byte) {
	if len(m.queue) >= m.config.MaxQueuedMessages {
		m.queue = m.queue[1:]
		m.metrics.IncrementCounter("connection_queue_drops", nil)
	}
	m.queue = append(m.queue, queuedMessage{data: data, enqueuedAt: timecache.CachedTime()})
}

// drainQueueLocked removes and returns every queued message still within
// the maximum queued age. Must be called with m.mu held.
func (m *ConnectionManager) drainQueueLocked() []queuedMessage {
	queued := m.queue
	m.queue = nil
	if m.config.MaxQueuedAge <= 0 {
		return queued
	}
	kept := queued[:0]
	for _, msg := range queued {
		if time.Since(msg.enqueuedAt) <= m.config.MaxQueuedAge {
			kept = append(kept, msg)
		}
	}
	return kept
}

func (m *ConnectionManager) flushQueued(channel LiveChannel, queued []queuedMessage) {
	for _, msg := range queued {
		if err := channel.Send(msg.data); err != nil {
			m.logger.Warn("queued message flush failed", "error", err)
			return
		}
	}
}

// Disconnect closes the channel cleanly and cancels every pending timer.
func (m *ConnectionManager) Disconnect() {
	m.mu.Lock()
	m.generation++
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.stopHeartbeatLocked()
	channel := m.channel
	m.channel = nil
	m.setState(ConnDisconnected, "disconnect requested")
	m.mu.Unlock()

	if channel != nil {
		_ = channel.Close(CloseCodeNormal, "client disconnect")
	}
	m.wg.Wait()
}

// Stop permanently shuts the manager down. No timer fires after Stop
// returns.
func (m *ConnectionManager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()
	m.Disconnect()
}

// handleClose reacts to the channel closing. Clean closes settle into
// disconnected; unclean closes schedule reconnection.
func (m *ConnectionManager) handleClose(gen uint64, code int, reason string) {
	m.mu.Lock()
	if gen != m.generation || m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopHeartbeatLocked()
	m.channel = nil

	if code == CloseCodeNormal {
		m.setState(ConnDisconnected, "channel closed cleanly")
		m.mu.Unlock()
		return
	}

	m.logger.Warn("channel closed uncleanly", "code", code, "reason", reason)
	m.scheduleReconnectLocked()
	m.mu.Unlock()
}

// scheduleReconnectLocked arms the backoff timer for the next attempt.
// Must be called with m.mu held.
func (m *ConnectionManager) scheduleReconnectLocked() {
	attempt := int(m.reconnectAttempts.Add(1))
	if m.config.MaxReconnectAttempts > 0 && attempt > m.config.MaxReconnectAttempts {
		m.setState(ConnError, "reconnect attempts exhausted")
		m.emitAlert("error", "live channel permanently disconnected")
		return
	}

	m.setState(ConnReconnecting, "reconnection scheduled")
	delay := calculateBackoffWithJitter(attempt,
		m.config.ReconnectInitialDelay,
		m.config.ReconnectMaxDelay,
		m.config.ReconnectMultiplier,
		m.config.ReconnectJitter)
	m.logger.Debug("reconnect scheduled", "attempt", attempt, "delay", delay)

	gen := m.generation
	m.reconnectTimer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		stale := gen != m.generation || m.stopped
		m.reconnectTimer = nil
		if !stale {
			// Leave reconnecting state so Connect proceeds.
			m.state.Store(int32(ConnDisconnected))
		}
		m.mu.Unlock()
		if stale {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), m.config.ConnectionTimeout)
		defer cancel()
		if err := m.Connect(ctx); err != nil {
			m.mu.Lock()
			if !m.stopped && m.State() == ConnDisconnected {
				m.scheduleReconnectLocked()
			}
			m.mu.Unlock()
		}
	})
}

// startHeartbeatLocked launches the heartbeat loop for the current
// session. Must be called with m.mu held.
func (m *ConnectionManager) startHeartbeatLocked() {
	m.heartbeatStop = make(chan struct{})
	m.pongCh = make(chan struct{}, 1)
	channel := m.channel
	stop := m.heartbeatStop
	pong := m.pongCh

	m.wg.Add(1)
	go m.heartbeatLoop(channel, stop, pong)
}

// stopHeartbeatLocked signals the heartbeat loop to exit. Must be called
// with m.mu held.
func (m *ConnectionManager) stopHeartbeatLocked() {
	if m.heartbeatStop != nil {
		close(m.heartbeatStop)
		m.heartbeatStop = nil
	}
}

// heartbeatLoop pings on a fixed interval measured from the last pong and
// expects each pong within the heartbeat timeout. Missing too many
// consecutive pongs flips the health flag without closing the socket; a
// later pong restores it.
func (m *ConnectionManager) heartbeatLoop(channel LiveChannel, stop <-chan struct{}, pong <-chan struct{}) {
	defer m.wg.Done()

	interval := time.NewTimer(m.config.HeartbeatInterval)
	defer interval.Stop()

	for {
		select {
		case <-stop:
			return
		case <-interval.C:
		}

		if err := channel.Ping(); err != nil {
			m.recordMissedHeartbeat()
			interval.Reset(m.config.HeartbeatInterval)
			continue
		}

		timeout := time.NewTimer(m.config.HeartbeatTimeout)
		select {
		case <-stop:
			timeout.Stop()
			return
		case <-pong:
			timeout.Stop()
			m.missedHeartbeats.Store(0)
			if !m.heartbeatHealthy.Swap(true) {
				m.logger.Info("heartbeat recovered")
			}
			// Next ping is periodic relative to this pong.
			interval.Reset(m.config.HeartbeatInterval)
		case <-timeout.C:
			m.recordMissedHeartbeat()
			interval.Reset(m.config.HeartbeatInterval)
		}
	}
}

func (m *ConnectionManager) recordMissedHeartbeat() {
	missed := m.missedHeartbeats.Add(1)
	if int(missed) >= m.config.MaxMissedHeartbeats && m.heartbeatHealthy.Swap(false) {
		m.logger.Warn("heartbeat unhealthy", "missed", missed)
		m.emitAlert("warning", "live channel heartbeat missing")
	}
}

// setState transitions the state and announces it. Callers hold m.mu or
// are on a path where racing announcements are acceptable.
func (m *ConnectionManager) setState(next ConnectionState, reason string) {
	prev := ConnectionState(m.state.Swap(int32(next)))
	if prev == next {
		return
	}
	if m.events != nil {
		m.events.Emit(Event{
			Type:   EventConnectionStatus,
			Source: "connection_manager",
			Reason: reason,
			Payload: map[string]any{
				"from": prev.String(),
				"to":   next.String(),
			},
		})
	}
}

func (m *ConnectionManager) emitAlert(severity, message string) {
	if m.events == nil {
		return
	}
	m.events.Emit(Event{
		Type:   EventAlert,
		Source: "connection_manager",
		Reason: message,
		Payload: map[string]any{
			"severity": severity,
			"message":  message,
		},
	})
}

// sessionHandler routes channel callbacks for one connection generation,
// so a stale channel's close can never trigger reconnection of a newer
// session.
type sessionHandler struct {
	manager *ConnectionManager
	gen     uint64
}

func (h *sessionHandler) OnMessage(data []byte) {
	if h.manager.onMessage != nil {
		h.manager.onMessage(data)
	}
}

func (h *sessionHandler) OnPong() {
	h.manager.lastPongTime.Store(timecache.CachedTimeNano())
	h.manager.mu.Lock()
	pong := h.manager.pongCh
	h.manager.mu.Unlock()
	if pong != nil {
		select {
		case pong <- struct{}{}:
		default:
		}
	}
}

func (h *sessionHandler) OnClose(code int, reason string) {
	h.manager.handleClose(h.gen, code, reason)
}
