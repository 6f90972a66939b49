// performance.go: Performance budget tracking and violation reporting
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package goresilience

import "sync"

// PerformanceBudget tracks one named budget over a metric. Budgets are
// evaluated after every tracked request or connection event and are never
// persisted.
type PerformanceBudget struct {
	Name           string  `json:"name"`
	Metric         string  `json:"metric"`
	Threshold      float64 `json:"threshold"`
	Current        float64 `json:"current"`
	Violated       bool    `json:"violated"`
	ViolationCount int64   `json:"violation_count"`
}

// PerformanceMonitor evaluates recorded metric values against configured
// budgets and announces violations.
//
// A budget flips to violated when its metric exceeds the threshold and
// recovers on the next in-budget observation; each flip into violation
// increments the violation count and emits a budget_violation event.
type PerformanceMonitor struct {
	mu       sync.Mutex
	byMetric map[string][]*PerformanceBudget
	logger   Logger
	events   *EventBus
	metrics  MetricsCollector
}

// NewPerformanceMonitor creates a monitor over the configured budgets.
func NewPerformanceMonitor(budgets []PerformanceBudgetConfig, logger Logger, events *EventBus, metrics MetricsCollector) *PerformanceMonitor {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = NewInMemoryMetricsCollector()
	}
	m := &PerformanceMonitor{
		byMetric: make(map[string][]*PerformanceBudget),
		logger:   logger,
		events:   events,
		metrics:  metrics,
	}
	for _, b := range budgets {
		m.byMetric[b.Metric] = append(m.byMetric[b.Metric], &PerformanceBudget{
			Name:      b.Name,
			Metric:    b.Metric,
			Threshold: b.Threshold,
		})
	}
	return m
}

// Record evaluates one observation against every budget on the metric.
func (m *PerformanceMonitor) Record(metric string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, budget := range m.byMetric[metric] {
		budget.Current = value
		if value <= budget.Threshold {
			budget.Violated = false
			continue
		}
		if !budget.Violated {
			budget.Violated = true
			budget.ViolationCount++
			m.metrics.IncrementCounter("budget_violations", map[string]string{"budget": budget.Name})
			m.logger.Warn("performance budget violated",
				"budget", budget.Name, "metric", metric,
				"value", value, "threshold", budget.Threshold)
			if m.events != nil {
				m.events.Emit(Event{
					Type:   EventBudgetViolation,
					Source: "performance_monitor",
					Reason: "budget " + budget.Name + " exceeded",
					Payload: map[string]any{
						"budget":    budget.Name,
						"metric":    metric,
						"value":     value,
						"threshold": budget.Threshold,
					},
				})
			}
		}
	}
}

// Snapshot returns a copy of every budget's current status.
func (m *PerformanceMonitor) Snapshot() []PerformanceBudget {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]PerformanceBudget, 0, len(m.byMetric))
	for _, budgets := range m.byMetric {
		for _, b := range budgets {
			out = append(out, *b)
		}
	}
	return out
}

// budgetedMetrics decorates a collector so every histogram observation is
// also evaluated against the configured performance budgets.
type budgetedMetrics struct {
	MetricsCollector
	monitor *PerformanceMonitor
}

func (b *budgetedMetrics) RecordHistogram(name string, value float64, labels map[string]string) {
	b.MetricsCollector.RecordHistogram(name, value, labels)
	b.monitor.Record(name, value)
}

// ViolatedCount returns how many budgets are currently violated.
func (m *PerformanceMonitor) ViolatedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, budgets := range m.byMetric {
		for _, b := range budgets {
			if b.Violated {
				count++
			}
		}
	}
	return count
}
