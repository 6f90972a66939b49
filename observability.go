// observability.go: Metrics collection interfaces and in-memory collector
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package goresilience

import (
	"sort"
	"strings"
	"sync"
)

// MetricsCollector receives operational metrics from every component.
//
// Implementations must be safe for concurrent use and must never block:
// metric recording sits on request hot paths. The in-memory collector is
// the default; adapters for external metrics systems implement the same
// interface.
type MetricsCollector interface {
	// IncrementCounter adds one to a monotonic counter.
	IncrementCounter(name string, labels map[string]string)

	// SetGauge records the current value of a gauge.
	SetGauge(name string, value float64, labels map[string]string)

	// RecordHistogram records one observation of a distribution.
	RecordHistogram(name string, value float64, labels map[string]string)

	// GetMetrics returns a snapshot of all recorded metrics.
	GetMetrics() map[string]any
}

// histogramSummary aggregates observations of one histogram series.
type histogramSummary struct {
	Count int64   `json:"count"`
	Sum   float64 `json:"sum"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
}

// InMemoryMetricsCollector is the default collector: plain maps behind a
// mutex, suitable for tests and for exposing snapshots over a debug
// endpoint.
type InMemoryMetricsCollector struct {
	mu         sync.RWMutex
	counters   map[string]int64
	gauges     map[string]float64
	histograms map[string]*histogramSummary
}

// NewInMemoryMetricsCollector creates an empty collector.
func NewInMemoryMetricsCollector() *InMemoryMetricsCollector {
	return &InMemoryMetricsCollector{
		counters:   make(map[string]int64),
		gauges:     make(map[string]float64),
		histograms: make(map[string]*histogramSummary),
	}
}

// IncrementCounter adds one to the named counter series.
func (c *InMemoryMetricsCollector) IncrementCounter(name string, labels map[string]string) {
	key := metricKey(name, labels)
	c.mu.Lock()
	c.counters[key]++
	c.mu.Unlock()
}

// SetGauge records the current value of the named gauge series.
func (c *InMemoryMetricsCollector) SetGauge(name string, value float64, labels map[string]string) {
	key := metricKey(name, labels)
	c.mu.Lock()
	c.gauges[key] = value
	c.mu.Unlock()
}

// RecordHistogram folds one observation into the named histogram series.
func (c *InMemoryMetricsCollector) RecordHistogram(name string, value float64, labels map[string]string) {
	key := metricKey(name, labels)
	c.mu.Lock()
	h, ok := c.histograms[key]
	if !ok {
		h = &histogramSummary{Min: value, Max: value}
		c.histograms[key] = h
	}
	h.Count++
	h.Sum += value
	if value < h.Min {
		h.Min = value
	}
	if value > h.Max {
		h.Max = value
	}
	c.mu.Unlock()
}

// GetMetrics returns a snapshot of every recorded series.
func (c *InMemoryMetricsCollector) GetMetrics() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snapshot := make(map[string]any, len(c.counters)+len(c.gauges)+len(c.histograms))
	for k, v := range c.counters {
		snapshot[k] = v
	}
	for k, v := range c.gauges {
		snapshot[k] = v
	}
	for k, h := range c.histograms {
		snapshot[k] = *h
	}
	return snapshot
}

// CounterValue returns the current value of one counter series.
func (c *InMemoryMetricsCollector) CounterValue(name string, labels map[string]string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.counters[metricKey(name, labels)]
}

// GaugeValue returns the current value of one gauge series.
func (c *InMemoryMetricsCollector) GaugeValue(name string, labels map[string]string) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gauges[metricKey(name, labels)]
}

// metricKey builds a stable series key from a metric name and its labels.
func metricKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		b.WriteByte('{')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
		b.WriteByte('}')
	}
	return b.String()
}
