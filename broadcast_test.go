// broadcast_test.go: cross-instance hub and self-filtering signal tests
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

func TestSignalNeverReceivesOwnBroadcasts(t *testing.T) {
	hub := NewBroadcastHub()
	defer hub.Close()

	var aGot, bGot []BroadcastMessage
	a := NewCrossInstanceSignal(hub, func(m BroadcastMessage) { aGot = append(aGot, m) })
	b := NewCrossInstanceSignal(hub, func(m BroadcastMessage) { bGot = append(bGot, m) })
	defer a.Close()
	defer b.Close()

	a.Publish(BroadcastFilterChange, map[string]any{"country": "IT"})

	assert.Empty(t, aGot, "the sender must not hear its own broadcast")
	require.Len(t, bGot, 1)
	assert.Equal(t, BroadcastFilterChange, bGot[0].Type)
	assert.Equal(t, "IT", bGot[0].Payload["country"])
	assert.Equal(t, a.SenderID(), bGot[0].SenderID)
	assert.False(t, bGot[0].Timestamp.IsZero())
}

func TestSignalSenderIDsUnique(t *testing.T) {
	hub := NewBroadcastHub()
	defer hub.Close()

	a := NewCrossInstanceSignal(hub, nil)
	b := NewCrossInstanceSignal(hub, nil)
	defer a.Close()
	defer b.Close()

	assert.NotEqual(t, a.SenderID(), b.SenderID())
}

func TestSignalCloseDetaches(t *testing.T) {
	hub := NewBroadcastHub()
	defer hub.Close()

	var got []BroadcastMessage
	a := NewCrossInstanceSignal(hub, func(m BroadcastMessage) { got = append(got, m) })
	b := NewCrossInstanceSignal(hub, nil)
	defer b.Close()

	a.Close()
	a.Close() // idempotent
	b.Publish(BroadcastTimeRangeChange, nil)

	assert.Empty(t, got)
}

func TestHubClosedRejectsPublish(t *testing.T) {
	hub := NewBroadcastHub()

	var got []BroadcastMessage
	hub.Subscribe(func(m BroadcastMessage) { got = append(got, m) })
	hub.Close()
	hub.Publish(BroadcastMessage{Type: BroadcastInvalidateCache})

	assert.Empty(t, got)
}
