// broadcast.go: Cross-instance signaling for cache and view coordination
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package goresilience

import (
	"sync"
	"time"

	"github.com/agilira/go-timecache"
	"github.com/google/uuid"
)

// BroadcastType names the coordination messages exchanged between
// instances of the same client.
type BroadcastType string

const (
	BroadcastFilterChange     BroadcastType = "filter_change"
	BroadcastTimeRangeChange  BroadcastType = "time_range_change"
	BroadcastInvalidateCache  BroadcastType = "invalidate_cache"
	BroadcastOptimisticUpdate BroadcastType = "optimistic_update"
)

// BroadcastMessage is one cross-instance coordination message.
type BroadcastMessage struct {
	Type      BroadcastType  `json:"type"`
	Payload   map[string]any `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
	SenderID  string         `json:"sender_id"`
}

// BroadcastHub fans messages out to every attached signal. One hub is
// shared by all client instances in the process; out-of-process variants
// implement the same publish contract over a shared medium.
type BroadcastHub struct {
	mu          sync.RWMutex
	subscribers map[int]func(BroadcastMessage)
	nextID      int
	closed      bool
}

// NewBroadcastHub creates an empty hub.
func NewBroadcastHub() *BroadcastHub {
	return &BroadcastHub{subscribers: make(map[int]func(BroadcastMessage))}
}

// Publish delivers the message to every subscriber, including the
// sender's own subscription; self-filtering happens at the signal layer.
func (h *BroadcastHub) Publish(msg BroadcastMessage) {
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return
	}
	subs := make([]func(BroadcastMessage), 0, len(h.subscribers))
	for _, fn := range h.subscribers {
		subs = append(subs, fn)
	}
	h.mu.RUnlock()

	for _, fn := range subs {
		fn(msg)
	}
}

// Subscribe attaches a delivery callback and returns its subscription ID.
func (h *BroadcastHub) Subscribe(fn func(BroadcastMessage)) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	h.subscribers[h.nextID] = fn
	return h.nextID
}

// Unsubscribe detaches a subscription.
func (h *BroadcastHub) Unsubscribe(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subscribers, id)
}

// Close detaches every subscription and rejects further publishes.
func (h *BroadcastHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	h.subscribers = make(map[int]func(BroadcastMessage))
}

// CrossInstanceSignal is one instance's endpoint on the hub. Every signal
// gets a unique sender ID and never delivers its own broadcasts back to
// itself.
type CrossInstanceSignal struct {
	hub      *BroadcastHub
	senderID string
	subID    int
	once     sync.Once
}

// NewCrossInstanceSignal attaches to the hub. onMessage receives every
// broadcast from other instances; it is never invoked for this signal's
// own publishes.
func NewCrossInstanceSignal(hub *BroadcastHub, onMessage func(BroadcastMessage)) *CrossInstanceSignal {
	s := &CrossInstanceSignal{
		hub:      hub,
		senderID: uuid.NewString(),
	}
	s.subID = hub.Subscribe(func(msg BroadcastMessage) {
		if msg.SenderID == s.senderID {
			return
		}
		if onMessage != nil {
			onMessage(msg)
		}
	})
	return s
}

// SenderID returns this instance's unique sender identity.
func (s *CrossInstanceSignal) SenderID() string {
	return s.senderID
}

// Publish stamps and broadcasts a message to every other instance.
func (s *CrossInstanceSignal) Publish(msgType BroadcastType, payload map[string]any) {
	s.hub.Publish(BroadcastMessage{
		Type:      msgType,
		Payload:   payload,
		Timestamp: timecache.CachedTime(),
		SenderID:  s.senderID,
	})
}

// Close detaches from the hub.
func (s *CrossInstanceSignal) Close() {
	s.once.Do(func() { s.hub.Unsubscribe(s.subID) })
}
