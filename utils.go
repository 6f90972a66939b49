// utils.go: shared helpers for backoff, identifiers, and parameter keys
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package goresilience

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"
)

// generateRequestID returns a unique identifier for request correlation.
func generateRequestID() string {
	return "req_" + uuid.NewString()
}

// calculateBackoff computes the delay before a retry attempt using
// exponential growth capped at maxDuration. Attempt numbering starts at 1.
func calculateBackoff(attempt int, initial, maxDuration time.Duration, multiplier float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	duration := time.Duration(float64(initial) * pow(multiplier, float64(attempt-1)))
	if duration > maxDuration || duration <= 0 {
		duration = maxDuration
	}
	return duration
}

// calculateBackoffWithJitter applies a symmetric random jitter fraction to
// the exponential delay so reconnection attempts across clients do not
// synchronize. jitter of 0.25 yields delays in [0.75x, 1.25x].
func calculateBackoffWithJitter(attempt int, initial, maxDuration time.Duration, multiplier, jitter float64) time.Duration {
	base := calculateBackoff(attempt, initial, maxDuration, multiplier)
	if jitter <= 0 {
		return base
	}
	// Random factor in [1-jitter, 1+jitter]
	factor := 1 + jitter*(2*rand.Float64()-1)
	return time.Duration(float64(base) * factor)
}

// pow is a simple float power function for small integer exponents
func pow(base, exp float64) float64 {
	result := 1.0
	for i := 0; i < int(exp); i++ {
		result *= base
	}
	return result
}

// canonicalizeParams produces a stable string key for a parameter map so
// identical requests deduplicate regardless of map iteration order. Nested
// maps and slices are serialized through encoding/json after key sorting at
// the top level; deeper maps rely on encoding/json's own key ordering.
func canonicalizeParams(endpoint string, params map[string]any) string {
	if len(params) == 0 {
		return endpoint
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf := make([]byte, 0, 64)
	buf = append(buf, endpoint...)
	for _, k := range keys {
		buf = append(buf, '|')
		buf = append(buf, k...)
		buf = append(buf, '=')
		if encoded, err := json.Marshal(params[k]); err == nil {
			buf = append(buf, encoded...)
		} else {
			buf = append(buf, fmt.Sprintf("%v", params[k])...)
		}
	}
	return string(buf)
}

// matchesPrefix reports whether key falls under a strategy pattern: an
// exact match or a prefix match for patterns registered as prefixes.
func matchesPrefix(key, prefix string) bool {
	if key == prefix {
		return true
	}
	return len(key) > len(prefix) && key[:len(prefix)] == prefix
}
