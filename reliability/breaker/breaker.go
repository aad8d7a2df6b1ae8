// Copyright 2026 MarketMate
// SPDX-License-Identifier: Apache-2.0

// Package breaker implements per-dependency circuit breakers backed by a
// shared Redis store with an in-process fallback.
//
// State records are mutated read-decide-write. Counts are advisory: a lost
// update between two gateway instances may miscount by one, which is
// acceptable because the correctness requirement is "stop calling an
// unhealthy dependency", not exactly-once accounting.
package breaker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// State is the circuit state for one dependency.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Record is the persisted breaker state for one provider.
type Record struct {
	Provider      string     `json:"provider"`
	State         State      `json:"state"`
	FailureCount  int        `json:"failure_count"`
	SuccessCount  int        `json:"success_count"`
	LastFailureAt *time.Time `json:"last_failure_at,omitempty"`
	LastSuccessAt *time.Time `json:"last_success_at,omitempty"`
	CooldownUntil *time.Time `json:"cooldown_until,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Verdict is the outcome of a gate check.
type Verdict struct {
	Allowed    bool
	State      State
	RetryAfter time.Duration
}

// recordTTL bounds how long idle breaker records live in Redis.
const recordTTL = 24 * time.Hour

// Breaker manages circuit state per dependency name. Safe for concurrent use.
type Breaker struct {
	client *redis.Client
	clock  func() time.Time

	mu  sync.Mutex
	mem map[string]*Record
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock overrides the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(b *Breaker) {
		b.clock = clock
	}
}

// New creates a Breaker. A nil client selects the in-process fallback.
func New(client *redis.Client, opts ...Option) *Breaker {
	b := &Breaker{
		client: client,
		clock:  time.Now,
		mem:    make(map[string]*Record),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Allow gates one call to the provider. An absent record is created closed.
// An open breaker whose cooldown has elapsed transitions to half-open and
// admits exactly the probing call.
func (b *Breaker) Allow(ctx context.Context, provider string) (Verdict, error) {
	now := b.clock()

	rec, err := b.load(ctx, provider)
	if err != nil {
		return Verdict{}, err
	}
	if rec == nil {
		rec = &Record{Provider: provider, State: StateClosed, UpdatedAt: now}
		if err := b.store(ctx, rec); err != nil {
			return Verdict{}, err
		}
		return Verdict{Allowed: true, State: StateClosed}, nil
	}

	if rec.State == StateOpen {
		if rec.CooldownUntil != nil && now.Before(*rec.CooldownUntil) {
			return Verdict{
				Allowed:    false,
				State:      StateOpen,
				RetryAfter: rec.CooldownUntil.Sub(now),
			}, nil
		}

		// Cooldown elapsed: admit one probe.
		rec.State = StateHalfOpen
		rec.CooldownUntil = nil
		rec.UpdatedAt = now
		if err := b.store(ctx, rec); err != nil {
			return Verdict{}, err
		}
		return Verdict{Allowed: true, State: StateHalfOpen}, nil
	}

	return Verdict{Allowed: true, State: rec.State}, nil
}

// RecordSuccess resets the breaker to closed.
func (b *Breaker) RecordSuccess(ctx context.Context, provider string) error {
	now := b.clock()

	rec, err := b.load(ctx, provider)
	if err != nil {
		return err
	}
	if rec == nil {
		rec = &Record{Provider: provider}
	}

	rec.State = StateClosed
	rec.FailureCount = 0
	rec.SuccessCount++
	rec.LastSuccessAt = &now
	rec.CooldownUntil = nil
	rec.LastError = ""
	rec.UpdatedAt = now

	return b.store(ctx, rec)
}

// RecordFailure counts one qualifying failure. A half-open probe failure
// re-opens the breaker immediately. The returned bool reports whether this
// call newly opened the breaker, so callers can alert once per opening.
func (b *Breaker) RecordFailure(ctx context.Context, provider string, threshold int, cooldown time.Duration, cause error) (bool, error) {
	now := b.clock()

	rec, err := b.load(ctx, provider)
	if err != nil {
		return false, err
	}
	if rec == nil {
		rec = &Record{Provider: provider, State: StateClosed}
	}

	wasOpen := rec.State == StateOpen

	if rec.State == StateHalfOpen {
		// One bad probe re-opens the breaker.
		rec.FailureCount = threshold
	} else {
		rec.FailureCount++
	}
	rec.LastFailureAt = &now
	if cause != nil {
		rec.LastError = cause.Error()
	}
	rec.UpdatedAt = now

	opened := false
	if rec.FailureCount >= threshold {
		until := now.Add(cooldown)
		rec.State = StateOpen
		rec.CooldownUntil = &until
		opened = !wasOpen
	}

	if err := b.store(ctx, rec); err != nil {
		return false, err
	}
	return opened, nil
}

// Snapshot returns a copy of the current record, or nil when absent.
func (b *Breaker) Snapshot(ctx context.Context, provider string) (*Record, error) {
	rec, err := b.load(ctx, provider)
	if err != nil || rec == nil {
		return nil, err
	}
	cp := *rec
	return &cp, nil
}

func (b *Breaker) load(ctx context.Context, provider string) (*Record, error) {
	if b.client == nil {
		b.mu.Lock()
		defer b.mu.Unlock()
		if rec, ok := b.mem[provider]; ok {
			cp := *rec
			return &cp, nil
		}
		return nil, nil
	}

	raw, err := b.client.Get(ctx, recordKey(provider)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("breaker: load %s: %w", provider, err)
	}

	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("breaker: corrupt record for %s: %w", provider, err)
	}
	return &rec, nil
}

func (b *Breaker) store(ctx context.Context, rec *Record) error {
	if b.client == nil {
		b.mu.Lock()
		defer b.mu.Unlock()
		cp := *rec
		b.mem[rec.Provider] = &cp
		return nil
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("breaker: marshal record for %s: %w", rec.Provider, err)
	}
	if err := b.client.Set(ctx, recordKey(rec.Provider), raw, recordTTL).Err(); err != nil {
		return fmt.Errorf("breaker: store %s: %w", rec.Provider, err)
	}
	return nil
}

func recordKey(provider string) string {
	return "breaker:" + provider
}
