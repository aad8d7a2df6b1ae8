// Copyright 2026 MarketMate
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Handler executes one job and returns its textual output.
type Handler func(ctx context.Context, args string) (string, error)

// WorkerQueue is the in-process JobQueue: a bounded pool of execution slots
// with registered per-job handlers. When every slot is busy, Execute reports
// backpressure instead of queueing unboundedly; the orchestrator surfaces
// that to the client rather than retrying.
type WorkerQueue struct {
	slots      chan struct{}
	jobTimeout time.Duration
	retryHint  time.Duration

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewWorkerQueue creates a pool with the given number of concurrent slots.
func NewWorkerQueue(concurrency int, jobTimeout time.Duration) *WorkerQueue {
	if concurrency < 1 {
		concurrency = 1
	}
	return &WorkerQueue{
		slots:      make(chan struct{}, concurrency),
		jobTimeout: jobTimeout,
		retryHint:  2 * time.Second,
		handlers:   make(map[string]Handler),
	}
}

// Register installs the handler for jobs named name, replacing any prior one.
func (q *WorkerQueue) Register(name string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[name] = h
}

// Execute runs one job synchronously. Saturation and handler failures come
// back as JobResult outcomes, not errors; the error return is reserved for
// context cancellation.
func (q *WorkerQueue) Execute(ctx context.Context, toolName, args string) (JobResult, error) {
	q.mu.RLock()
	h, ok := q.handlers[toolName]
	q.mu.RUnlock()
	if !ok {
		return JobResult{
			Outcome: JobFailed,
			Reason:  fmt.Sprintf("no handler registered for %s", toolName),
		}, nil
	}

	select {
	case q.slots <- struct{}{}:
	default:
		return JobResult{
			Outcome:    JobBackpressure,
			Reason:     "worker pool saturated",
			Retryable:  true,
			RetryAfter: q.retryHint,
		}, nil
	}
	defer func() { <-q.slots }()

	jobCtx := ctx
	var cancel context.CancelFunc
	if q.jobTimeout > 0 {
		jobCtx, cancel = context.WithTimeout(ctx, q.jobTimeout)
		defer cancel()
	}

	output, err := h(jobCtx, args)
	if err != nil {
		if ctx.Err() != nil {
			return JobResult{}, ctx.Err()
		}
		return JobResult{Outcome: JobFailed, Reason: err.Error()}, nil
	}
	return JobResult{Outcome: JobCompleted, Output: output}, nil
}
