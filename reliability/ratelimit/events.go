// Copyright 2026 MarketMate
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// Outcome classifies one rate-limit decision for observability.
type Outcome string

const (
	OutcomeAllowed            Outcome = "allowed"
	OutcomeBlocked            Outcome = "blocked"
	OutcomeContentionFallback Outcome = "contention_fallback"
)

// Event is one observability record of a rate-limit decision.
type Event struct {
	Source       string
	Bucket       string
	Key          string
	Outcome      Outcome
	RetryAfterMs int64
	CreatedAt    time.Time
}

// EventSink persists rate-limit events. Implemented by the alerting store.
type EventSink interface {
	InsertRateLimitEvent(ctx context.Context, ev Event) error
}

// dedupeWindow suppresses duplicate events from one burst so a wave of
// blocks does not amplify downstream alerting.
const dedupeWindow = 5 * time.Second

// Recorder writes deduplicated rate-limit events to a sink.
type Recorder struct {
	client *redis.Client
	sink   EventSink
	clock  func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

// NewRecorder creates a Recorder. A nil Redis client uses an in-process
// dedupe map. A nil sink makes RecordEvent a no-op.
func NewRecorder(client *redis.Client, sink EventSink) *Recorder {
	return &Recorder{
		client: client,
		sink:   sink,
		clock:  time.Now,
		seen:   make(map[string]time.Time),
	}
}

// RecordEvent persists the event unless an identical one was recorded within
// the dedupe window. Persistence failures are returned but callers treat
// recording as best-effort.
func (r *Recorder) RecordEvent(ctx context.Context, ev Event) error {
	if r.sink == nil {
		return nil
	}

	now := r.clock()
	ev.CreatedAt = now

	slot := now.Truncate(dedupeWindow).UnixMilli()
	dedupeKey := fmt.Sprintf("rlevent:%s:%s:%s:%s:%d", ev.Source, ev.Bucket, ev.Key, ev.Outcome, slot)

	fresh, err := r.claimDedupe(ctx, dedupeKey, now)
	if err != nil {
		return err
	}
	if !fresh {
		return nil
	}

	return r.sink.InsertRateLimitEvent(ctx, ev)
}

func (r *Recorder) claimDedupe(ctx context.Context, key string, now time.Time) (bool, error) {
	if r.client != nil {
		return r.client.SetNX(ctx, key, "1", dedupeWindow).Result()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if at, ok := r.seen[key]; ok && now.Sub(at) < dedupeWindow {
		return false, nil
	}
	r.seen[key] = now
	// Drop stale entries opportunistically to bound the map.
	for k, at := range r.seen {
		if now.Sub(at) >= dedupeWindow {
			delete(r.seen, k)
		}
	}
	return true, nil
}
