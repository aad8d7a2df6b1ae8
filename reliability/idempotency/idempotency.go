// Copyright 2026 MarketMate
// SPDX-License-Identifier: Apache-2.0

// Package idempotency provides claim-once keys for webhook deduplication.
// The first claim of a key within its TTL wins; every later claim is
// reported as a duplicate without mutating the stored claim.
package idempotency

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// ClaimResult reports whether the caller won the claim for a key.
type ClaimResult struct {
	// Duplicate is true when another request already claimed this key.
	Duplicate bool
	// ClaimedAt is when the winning claim was made, when known.
	ClaimedAt time.Time
}

// Store claims idempotency keys atomically. Safe for concurrent use.
type Store struct {
	client *redis.Client
	clock  func() time.Time

	mu  sync.Mutex
	mem map[string]memClaim
}

type memClaim struct {
	claimedAt time.Time
	expiresAt time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		s.clock = clock
	}
}

// New creates a Store. A nil client selects the in-process fallback.
func New(client *redis.Client, opts ...Option) *Store {
	s := &Store{
		client: client,
		clock:  time.Now,
		mem:    make(map[string]memClaim),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Claim attempts to claim key within scope for ttl. Exactly one concurrent
// caller wins; everyone else sees Duplicate=true.
func (s *Store) Claim(ctx context.Context, scope, key string, ttl time.Duration) (ClaimResult, error) {
	now := s.clock()
	storageKey := claimKey(scope, key)

	if s.client == nil {
		return s.claimMem(storageKey, now, ttl), nil
	}

	won, err := s.client.SetNX(ctx, storageKey, now.UnixMilli(), ttl).Result()
	if err != nil {
		return ClaimResult{}, fmt.Errorf("idempotency: claim %s: %w", storageKey, err)
	}
	if won {
		return ClaimResult{Duplicate: false, ClaimedAt: now}, nil
	}

	res := ClaimResult{Duplicate: true}
	if ms, err := s.client.Get(ctx, storageKey).Int64(); err == nil {
		res.ClaimedAt = time.UnixMilli(ms)
	}
	return res, nil
}

func (s *Store) claimMem(storageKey string, now time.Time, ttl time.Duration) ClaimResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if claim, ok := s.mem[storageKey]; ok && now.Before(claim.expiresAt) {
		return ClaimResult{Duplicate: true, ClaimedAt: claim.claimedAt}
	}
	s.mem[storageKey] = memClaim{claimedAt: now, expiresAt: now.Add(ttl)}
	return ClaimResult{Duplicate: false, ClaimedAt: now}
}

// Release drops the claim on key so a later delivery can claim it again.
// Callers use it when the work a claim guarded was never scheduled.
func (s *Store) Release(ctx context.Context, scope, key string) error {
	storageKey := claimKey(scope, key)

	if s.client == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.mem, storageKey)
		return nil
	}

	if err := s.client.Del(ctx, storageKey).Err(); err != nil {
		return fmt.Errorf("idempotency: release %s: %w", storageKey, err)
	}
	return nil
}

func claimKey(scope, key string) string {
	return fmt.Sprintf("idem:%s:%s", scope, key)
}
