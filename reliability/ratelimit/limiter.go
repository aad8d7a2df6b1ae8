// Copyright 2026 MarketMate
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit implements fixed-window rate limiting over a shared
// Redis store, with an in-process fallback when Redis is not configured.
//
// Window counters are updated with optimistic concurrency: concurrent
// writers may conflict on the same window key, conflicts are retried a
// bounded number of times, and exhaustion is reported as ErrContention so
// callers can apply their documented fail-closed path instead of surfacing
// a bare error.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrContention is returned when the window counter could not be updated
// after the bounded number of optimistic-concurrency retries. Callers must
// treat this distinctly from a blocked decision and fail closed with a short
// retry hint.
var ErrContention = errors.New("ratelimit: window counter contention")

// occRetries bounds optimistic-concurrency retries on one window key.
const occRetries = 3

// Decision is the outcome of one CheckAndIncrement call.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter enforces fixed-window counters per key. Safe for concurrent use.
type Limiter struct {
	client *redis.Client
	clock  func() time.Time

	mu  sync.Mutex
	mem map[string]*memWindow
}

type memWindow struct {
	windowStart int64
	count       int
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(l *Limiter) {
		l.clock = clock
	}
}

// New creates a Limiter. A nil client selects the in-process fallback, which
// has the same window math but no cross-instance coordination.
func New(client *redis.Client, opts ...Option) *Limiter {
	l := &Limiter{
		client: client,
		clock:  time.Now,
		mem:    make(map[string]*memWindow),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CheckAndIncrement counts one hit against the fixed window for key. Calls
// past the cap return a blocked decision without writing, so sustained abuse
// does not amplify write load on the shared store.
func (l *Limiter) CheckAndIncrement(ctx context.Context, key string, max int, window time.Duration) (Decision, error) {
	if max <= 0 {
		return Decision{Allowed: false, RetryAfter: window}, nil
	}

	now := l.clock()
	windowStart := now.Truncate(window)
	retryAfter := windowStart.Add(window).Sub(now)

	if l.client == nil {
		return l.checkMem(key, max, windowStart, retryAfter), nil
	}

	windowKey := fmt.Sprintf("ratelimit:%s:%d", key, windowStart.UnixMilli())

	var decision Decision
	txn := func(tx *redis.Tx) error {
		count, err := tx.Get(ctx, windowKey).Int()
		if err != nil && err != redis.Nil {
			return err
		}

		if count >= max {
			decision = Decision{Allowed: false, Remaining: 0, RetryAfter: retryAfter}
			return nil // at the cap: decide without writing
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, windowKey, strconv.Itoa(count+1), 2*window)
			return nil
		})
		if err != nil {
			return err
		}

		decision = Decision{Allowed: true, Remaining: max - count - 1, RetryAfter: 0}
		return nil
	}

	for attempt := 0; attempt < occRetries; attempt++ {
		err := l.client.Watch(ctx, txn, windowKey)
		if err == nil {
			return decision, nil
		}
		if err == redis.TxFailedErr {
			// Conflicting writer hit the same window; back off and retry.
			sleepWithJitter(ctx, attempt)
			continue
		}
		return Decision{}, fmt.Errorf("ratelimit: window update failed: %w", err)
	}

	return Decision{}, ErrContention
}

func (l *Limiter) checkMem(key string, max int, windowStart time.Time, retryAfter time.Duration) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	start := windowStart.UnixMilli()
	w, ok := l.mem[key]
	if !ok || w.windowStart != start {
		w = &memWindow{windowStart: start}
		l.mem[key] = w
	}

	if w.count >= max {
		return Decision{Allowed: false, Remaining: 0, RetryAfter: retryAfter}
	}

	w.count++
	return Decision{Allowed: true, Remaining: max - w.count}
}

func sleepWithJitter(ctx context.Context, attempt int) {
	base := time.Duration(1<<uint(attempt)) * 10 * time.Millisecond
	jitter := time.Duration(rand.Int63n(int64(base) + 1))
	select {
	case <-time.After(base + jitter):
	case <-ctx.Done():
	}
}
