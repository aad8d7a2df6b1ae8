// Copyright 2026 MarketMate
// SPDX-License-Identifier: Apache-2.0

// Package bulkhead implements bounded per-dependency concurrency pools.
// Acquisitions are leases with a TTL so a crashed caller cannot starve a
// pool forever: expired leases are reclaimed on every acquire.
package bulkhead

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// SaturatedError reports that a provider's pool has no free slot.
type SaturatedError struct {
	Provider      string
	InFlight      int
	MaxConcurrent int
	RetryAfter    time.Duration
}

func (e *SaturatedError) Error() string {
	return fmt.Sprintf("bulkhead: %s saturated (%d/%d in flight)", e.Provider, e.InFlight, e.MaxConcurrent)
}

// Lease is one held concurrency slot. Release it exactly once.
type Lease struct {
	ID         string
	Provider   string
	AcquiredAt time.Time
}

// Pool manages per-provider concurrency leases. Safe for concurrent use.
type Pool struct {
	client        *redis.Client
	clock         func() time.Time
	maxConcurrent int
	leaseTTL      time.Duration

	mu  sync.Mutex
	mem map[string]map[string]time.Time // provider -> leaseID -> expiry
}

// Option configures a Pool.
type Option func(*Pool)

// WithClock overrides the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(p *Pool) {
		p.clock = clock
	}
}

// New creates a Pool. A nil client selects the in-process fallback.
func New(client *redis.Client, maxConcurrent int, leaseTTL time.Duration, opts ...Option) *Pool {
	p := &Pool{
		client:        client,
		clock:         time.Now,
		maxConcurrent: maxConcurrent,
		leaseTTL:      leaseTTL,
		mem:           make(map[string]map[string]time.Time),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Acquire takes one concurrency slot for provider, reclaiming expired leases
// first. Saturation returns *SaturatedError with a retry hint.
func (p *Pool) Acquire(ctx context.Context, provider string) (*Lease, error) {
	now := p.clock()
	lease := &Lease{
		ID:         uuid.New().String(),
		Provider:   provider,
		AcquiredAt: now,
	}

	if p.client == nil {
		return p.acquireMem(provider, lease, now)
	}

	key := poolKey(provider)
	expiry := now.Add(p.leaseTTL)

	// Reclaim leases whose TTL elapsed, then count what is left.
	pipe := p.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", now.UnixMilli()))
	countCmd := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("bulkhead: reclaim %s: %w", provider, err)
	}

	inFlight := int(countCmd.Val())
	if inFlight >= p.maxConcurrent {
		return nil, &SaturatedError{
			Provider:      provider,
			InFlight:      inFlight,
			MaxConcurrent: p.maxConcurrent,
			RetryAfter:    p.retryHint(),
		}
	}

	added := p.client.ZAdd(ctx, key, &redis.Z{
		Score:  float64(expiry.UnixMilli()),
		Member: lease.ID,
	})
	if err := added.Err(); err != nil {
		return nil, fmt.Errorf("bulkhead: acquire %s: %w", provider, err)
	}
	// Keep the set itself from leaking if every holder crashes.
	p.client.Expire(ctx, key, 2*p.leaseTTL)

	return lease, nil
}

// Release frees the slot held by lease. Releasing an already-reclaimed lease
// is a no-op.
func (p *Pool) Release(ctx context.Context, lease *Lease) error {
	if lease == nil {
		return nil
	}

	if p.client == nil {
		p.mu.Lock()
		defer p.mu.Unlock()
		if leases, ok := p.mem[lease.Provider]; ok {
			delete(leases, lease.ID)
		}
		return nil
	}

	if err := p.client.ZRem(ctx, poolKey(lease.Provider), lease.ID).Err(); err != nil {
		return fmt.Errorf("bulkhead: release %s: %w", lease.Provider, err)
	}
	return nil
}

// InFlight reports the current live lease count for provider.
func (p *Pool) InFlight(ctx context.Context, provider string) (int, error) {
	now := p.clock()

	if p.client == nil {
		p.mu.Lock()
		defer p.mu.Unlock()
		return len(p.liveMemLeases(provider, now)), nil
	}

	count, err := p.client.ZCount(ctx, poolKey(provider),
		fmt.Sprintf("(%d", now.UnixMilli()), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("bulkhead: count %s: %w", provider, err)
	}
	return int(count), nil
}

func (p *Pool) acquireMem(provider string, lease *Lease, now time.Time) (*Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	live := p.liveMemLeases(provider, now)
	if len(live) >= p.maxConcurrent {
		return nil, &SaturatedError{
			Provider:      provider,
			InFlight:      len(live),
			MaxConcurrent: p.maxConcurrent,
			RetryAfter:    p.retryHint(),
		}
	}

	live[lease.ID] = now.Add(p.leaseTTL)
	p.mem[provider] = live
	return lease, nil
}

// liveMemLeases prunes expired leases and returns the survivors.
// Callers must hold p.mu.
func (p *Pool) liveMemLeases(provider string, now time.Time) map[string]time.Time {
	leases, ok := p.mem[provider]
	if !ok {
		leases = make(map[string]time.Time)
		p.mem[provider] = leases
	}
	for id, expiry := range leases {
		if !now.After(expiry) {
			continue
		}
		delete(leases, id)
	}
	return leases
}

func (p *Pool) retryHint() time.Duration {
	// Saturation usually clears within a typical call duration, not a TTL.
	hint := p.leaseTTL / 10
	if hint < time.Second {
		hint = time.Second
	}
	return hint
}

func poolKey(provider string) string {
	return "bulkhead:" + provider
}
