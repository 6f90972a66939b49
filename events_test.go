// events_test.go: event bus fan-out, isolation, and bound tests
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package goresilience

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBusDeliversToSubscribers(t *testing.T) {
	bus := NewEventBus(nil)

	var got []Event
	bus.Subscribe(EventAlert, func(e Event) { got = append(got, e) })
	bus.Subscribe(EventAlert, func(e Event) { got = append(got, e) })
	bus.Subscribe(EventStateChange, func(e Event) { t.Error("wrong type delivered") })

	bus.Emit(Event{Type: EventAlert, Source: "test"})

	require.Len(t, got, 2)
	assert.Equal(t, "test", got[0].Source)
}

func TestEventBusUnsubscribe(t *testing.T) {
	bus := NewEventBus(nil)

	calls := 0
	id := bus.Subscribe(EventAlert, func(e Event) { calls++ })
	bus.Emit(Event{Type: EventAlert})
	bus.Unsubscribe(EventAlert, id)
	bus.Emit(Event{Type: EventAlert})

	assert.Equal(t, 1, calls)
}

func TestEventBusPanicIsolation(t *testing.T) {
	bus := NewEventBus(NewTestLogger())

	delivered := false
	bus.Subscribe(EventAlert, func(e Event) { panic("listener bug") })
	bus.Subscribe(EventAlert, func(e Event) { delivered = true })

	assert.NotPanics(t, func() { bus.Emit(Event{Type: EventAlert}) })
	assert.True(t, delivered, "a panicking listener must not sink its peers")
}

func TestEventBusListenerBound(t *testing.T) {
	bus := NewEventBus(nil)

	for i := 0; i < 64; i++ {
		id := bus.Subscribe(EventAlert, func(e Event) {})
		require.NotEqual(t, -1, id)
	}
	assert.Equal(t, -1, bus.Subscribe(EventAlert, func(e Event) {}),
		"subscriptions beyond the fan-out bound are rejected")
	assert.Equal(t, 64, bus.ListenerCount(EventAlert))
}

func TestEventBusNilListenerRejected(t *testing.T) {
	bus := NewEventBus(nil)
	assert.Equal(t, -1, bus.Subscribe(EventAlert, nil))
}

func TestEventBusClear(t *testing.T) {
	bus := NewEventBus(nil)
	bus.Subscribe(EventAlert, func(e Event) { t.Error("cleared listener invoked") })
	bus.Clear()
	bus.Emit(Event{Type: EventAlert})
	assert.Equal(t, 0, bus.ListenerCount(EventAlert))
}
