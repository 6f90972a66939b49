// batcher.go: Request batching with deduplication and priority flush windows
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package goresilience

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// BatchRequest is one member of a batch call against an endpoint.
type BatchRequest struct {
	ID       string          `json:"id"`
	Endpoint string          `json:"endpoint"`
	Params   map[string]any  `json:"params"`
	Priority RequestPriority `json:"priority"`
}

// BatchFetchFunc is the injected batch capability: it executes a set of
// requests against one endpoint in a single upstream call and returns the
// per-request payloads keyed by request ID. Members missing from the map
// are retried individually by the batcher.
type BatchFetchFunc func(ctx context.Context, endpoint string, requests []BatchRequest) (map[string]map[string]any, error)

// pendingRequest is a queued request plus the completion channel shared by
// every deduplicated submitter.
type pendingRequest struct {
	id       string
	endpoint string
	params   map[string]any
	priority RequestPriority
	dedupKey string

	done   chan struct{}
	result map[string]any
	err    error
}

// endpointQueue collects pending requests for a single endpoint between
// flushes.
type endpointQueue struct {
	requests []*pendingRequest
	byDedup  map[string]*pendingRequest
	timer    *time.Timer
	deadline time.Time
}

// RequestBatcher coalesces concurrent requests per endpoint.
//
// Submissions with identical canonicalized parameters within one flush
// window share a single in-flight request and all receive the same result.
// A queue flushes when it reaches the maximum batch size, immediately for
// high-priority members when the high-priority wait is zero, or when the
// shortest wait window among its queued priorities elapses.
//
// Batch execution demuxes the response by request ID; members the response
// does not cover, or an entire rejected batch, fall back to parallel
// individual fetches so one malformed member cannot sink its peers.
type RequestBatcher struct {
	config   BatcherConfig
	batchFn  BatchFetchFunc
	singleFn FetchFunc
	logger   Logger
	metrics  MetricsCollector

	mu      sync.Mutex
	queues  map[string]*endpointQueue
	stopped bool
	wg      sync.WaitGroup

	totalSubmitted  atomic.Int64
	dedupHits       atomic.Int64
	batchesExecuted atomic.Int64
	singleFallbacks atomic.Int64
}

// NewRequestBatcher creates a batcher. batchFn may be nil, in which case
// every flush runs its members as parallel individual fetches through
// singleFn.
func NewRequestBatcher(config BatcherConfig, batchFn BatchFetchFunc, singleFn FetchFunc, logger Logger, metrics MetricsCollector) *RequestBatcher {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = NewInMemoryMetricsCollector()
	}
	return &RequestBatcher{
		config:   config,
		batchFn:  batchFn,
		singleFn: singleFn,
		logger:   logger,
		metrics:  metrics,
		queues:   make(map[string]*endpointQueue),
	}
}

// Submit enqueues a request and blocks until its shared result is
// available or ctx is canceled. Caller cancellation abandons the wait
// without affecting other submitters of the same deduplicated request.
func (b *RequestBatcher) Submit(ctx context.Context, endpoint string, params map[string]any, priority RequestPriority) (map[string]any, error) {
	b.totalSubmitted.Add(1)
	dedupKey := canonicalizeParams(endpoint, params)

	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return nil, NewBatcherStoppedError()
	}

	q, ok := b.queues[endpoint]
	if !ok {
		q = &endpointQueue{byDedup: make(map[string]*pendingRequest)}
		b.queues[endpoint] = q
	}

	req, duplicate := q.byDedup[dedupKey]
	if duplicate {
		b.dedupHits.Add(1)
		b.metrics.IncrementCounter("batcher_dedup_hits", map[string]string{"endpoint": endpoint})
	} else {
		req = &pendingRequest{
			id:       generateRequestID(),
			endpoint: endpoint,
			params:   params,
			priority: priority,
			dedupKey: dedupKey,
			done:     make(chan struct{}),
		}
		q.requests = append(q.requests, req)
		q.byDedup[dedupKey] = req

		if len(q.requests) >= b.config.MaxBatchSize ||
			(priority == PriorityHigh && b.config.HighWait <= 0) {
			b.flushLocked(endpoint, q)
		} else {
			b.armTimerLocked(endpoint, q, b.waitFor(priority))
		}
	}
	b.mu.Unlock()

	select {
	case <-req.done:
		return req.result, req.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// waitFor maps a priority to its flush window.
func (b *RequestBatcher) waitFor(priority RequestPriority) time.Duration {
	switch priority {
	case PriorityHigh:
		return b.config.HighWait
	case PriorityLow:
		return b.config.LowWait
	default:
		return b.config.NormalWait
	}
}

// armTimerLocked schedules a flush, shortening any existing deadline when
// a higher-priority member arrives. Must be called with b.mu held.
func (b *RequestBatcher) armTimerLocked(endpoint string, q *endpointQueue, wait time.Duration) {
	deadline := time.Now().Add(wait)
	if q.timer != nil {
		if deadline.Before(q.deadline) {
			q.timer.Reset(wait)
			q.deadline = deadline
		}
		return
	}
	q.deadline = deadline
	q.timer = time.AfterFunc(wait, func() {
		b.mu.Lock()
		if current, ok := b.queues[endpoint]; ok && current == q {
			b.flushLocked(endpoint, q)
		}
		b.mu.Unlock()
	})
}

// flushLocked detaches the queue and executes it asynchronously. Must be
// called with b.mu held.
func (b *RequestBatcher) flushLocked(endpoint string, q *endpointQueue) {
	if q.timer != nil {
		q.timer.Stop()
	}
	batch := q.requests
	delete(b.queues, endpoint)
	if len(batch) == 0 {
		return
	}

	// Members dispatch highest priority first; arrival order breaks ties.
	sort.SliceStable(batch, func(i, j int) bool {
		return batch[i].priority > batch[j].priority
	})

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.execute(endpoint, batch)
	}()
}

// execute runs a detached batch: one upstream batch call when possible,
// parallel singles otherwise or on fallback.
func (b *RequestBatcher) execute(endpoint string, batch []*pendingRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if b.batchFn == nil || len(batch) == 1 {
		b.executeSingles(ctx, batch)
		return
	}

	requests := make([]BatchRequest, len(batch))
	for i, req := range batch {
		requests[i] = BatchRequest{
			ID:       req.id,
			Endpoint: req.endpoint,
			Params:   req.params,
			Priority: req.priority,
		}
	}

	b.batchesExecuted.Add(1)
	b.metrics.RecordHistogram("batcher_batch_size", float64(len(batch)), map[string]string{"endpoint": endpoint})

	results, err := b.batchFn(ctx, endpoint, requests)
	if err != nil {
		b.logger.Warn("batch call rejected, falling back to individual requests",
			"endpoint", endpoint, "size", len(batch), "error", err)
		b.executeSingles(ctx, batch)
		return
	}

	var missing []*pendingRequest
	for _, req := range batch {
		if result, ok := results[req.id]; ok {
			b.complete(req, result, nil)
		} else {
			missing = append(missing, req)
		}
	}
	if len(missing) > 0 {
		b.logger.Debug("batch response missing members, retrying individually",
			"endpoint", endpoint, "missing", len(missing))
		b.executeSingles(ctx, missing)
	}
}

// executeSingles runs the members as parallel individual fetches.
func (b *RequestBatcher) executeSingles(ctx context.Context, batch []*pendingRequest) {
	if b.singleFn == nil {
		err := NewBatchFailedError(batch[0].endpoint, len(batch), nil)
		for _, req := range batch {
			b.complete(req, nil, err)
		}
		return
	}

	var wg sync.WaitGroup
	for _, req := range batch {
		wg.Add(1)
		go func(req *pendingRequest) {
			defer wg.Done()
			b.singleFallbacks.Add(1)
			result, err := b.singleFn(ctx, req.endpoint, req.params)
			b.complete(req, result, err)
		}(req)
	}
	wg.Wait()
}

func (b *RequestBatcher) complete(req *pendingRequest, result map[string]any, err error) {
	req.result = result
	req.err = err
	close(req.done)
}

// Stop flushes every queued request and waits for in-flight executions to
// finish. Submissions after Stop fail fast.
func (b *RequestBatcher) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	for endpoint, q := range b.queues {
		b.flushLocked(endpoint, q)
	}
	b.mu.Unlock()

	b.wg.Wait()
}

// BatcherStats is a snapshot of batcher accounting.
type BatcherStats struct {
	TotalSubmitted  int64 `json:"total_submitted"`
	DedupHits       int64 `json:"dedup_hits"`
	BatchesExecuted int64 `json:"batches_executed"`
	SingleFallbacks int64 `json:"single_fallbacks"`
}

// GetStats returns current batcher accounting.
func (b *RequestBatcher) GetStats() BatcherStats {
	return BatcherStats{
		TotalSubmitted:  b.totalSubmitted.Load(),
		DedupHits:       b.dedupHits.Load(),
		BatchesExecuted: b.batchesExecuted.Load(),
		SingleFallbacks: b.singleFallbacks.Load(),
	}
}
