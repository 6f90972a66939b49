// events.go: Typed event system with listener isolation
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package goresilience

import (
	"sort"
	"sync"
	"time"

	"github.com/agilira/go-timecache"
)

// EventType identifies the kind of event emitted by a component.
type EventType string

const (
	// Circuit breaker events
	EventStateChange    EventType = "state_change"
	EventRequestSuccess EventType = "request_success"
	EventRequestFailure EventType = "request_failure"

	// Connection and transport events
	EventConnectionStatus EventType = "connection_status"
	EventTransportChange  EventType = "transport_change"

	// Degradation events
	EventDegradationChange EventType = "degradation_change"

	// Performance and alerting events
	EventBudgetViolation EventType = "budget_violation"
	EventAlert           EventType = "alert"

	// Cache events
	EventCacheInvalidation EventType = "cache_invalidation"
)

// Event is the envelope delivered to registered listeners.
//
// Payload contents depend on the event type; listeners should treat unknown
// fields as optional. Reason carries a human-readable explanation for events
// that surface to the presentation layer (degradation changes, alerts).
type Event struct {
	Type      EventType      `json:"type"`
	Source    string         `json:"source"`
	Reason    string         `json:"reason,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// EventListener receives events. Listeners run synchronously on the
// emitting goroutine; panics are recovered and isolated so one failing
// listener cannot break emission to the remaining listeners.
type EventListener func(Event)

// defaultMaxListeners bounds fan-out per event type.
const defaultMaxListeners = 64

// EventBus is an observer registry with bounded fan-out and listener
// exception isolation.
//
// Components embed or hold an EventBus and emit typed events through it;
// the presentation layer subscribes to the subset it renders. Subscription
// returns an ID used for unsubscription, so multiple anonymous listeners of
// the same type can coexist.
type EventBus struct {
	mu         sync.RWMutex
	listeners  map[EventType]map[int]EventListener
	nextID     int
	maxPerType int
	logger     Logger
}

// NewEventBus creates an event bus with the default fan-out bound.
func NewEventBus(logger Logger) *EventBus {
	return &EventBus{
		listeners:  make(map[EventType]map[int]EventListener),
		maxPerType: defaultMaxListeners,
		logger:     NewLogger(logger),
	}
}

// Subscribe registers a listener for an event type and returns its
// subscription ID. Registration beyond the fan-out bound is rejected with
// a negative ID; callers that legitimately need more listeners should
// multiplex on their side.
func (b *EventBus) Subscribe(eventType EventType, listener EventListener) int {
	if listener == nil {
		return -1
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	byID, ok := b.listeners[eventType]
	if !ok {
		byID = make(map[int]EventListener)
		b.listeners[eventType] = byID
	}
	if len(byID) >= b.maxPerType {
		b.logger.Warn("Event listener limit reached, subscription rejected",
			"event_type", string(eventType),
			"limit", b.maxPerType)
		return -1
	}

	b.nextID++
	id := b.nextID
	byID[id] = listener
	return id
}

// Unsubscribe removes a listener by subscription ID. Unknown IDs are ignored.
func (b *EventBus) Unsubscribe(eventType EventType, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if byID, ok := b.listeners[eventType]; ok {
		delete(byID, id)
	}
}

// Emit delivers an event to every listener registered for its type.
//
// Delivery is synchronous and ordered by subscription ID. A panicking
// listener is logged and skipped; it does not propagate to the caller or
// prevent delivery to the remaining listeners.
func (b *EventBus) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = timecache.CachedTime()
	}

	b.mu.RLock()
	byID := b.listeners[event.Type]
	ids := make([]int, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	snapshot := make([]EventListener, 0, len(ids))
	for _, id := range ids {
		snapshot = append(snapshot, byID[id])
	}
	b.mu.RUnlock()

	for _, listener := range snapshot {
		b.safeInvoke(listener, event)
	}
}

// safeInvoke runs a single listener with panic recovery.
func (b *EventBus) safeInvoke(listener EventListener, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event listener panicked",
				"event_type", string(event.Type),
				"panic", r)
		}
	}()
	listener(event)
}

// ListenerCount returns the number of listeners registered for a type.
func (b *EventBus) ListenerCount(eventType EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners[eventType])
}

// Clear removes all listeners. Used during shutdown.
func (b *EventBus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = make(map[EventType]map[int]EventListener)
}
