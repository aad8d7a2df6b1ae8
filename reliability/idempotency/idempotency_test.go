// Copyright 2026 MarketMate
// SPDX-License-Identifier: Apache-2.0

package idempotency

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, opts ...Option) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, opts...), mr
}

func TestStore_ClaimOnce(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	first, err := store.Claim(ctx, "gmail", "msg-123", time.Hour)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	second, err := store.Claim(ctx, "gmail", "msg-123", time.Hour)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.ClaimedAt.UnixMilli(), second.ClaimedAt.UnixMilli())
}

func TestStore_ScopesIsolated(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	first, err := store.Claim(ctx, "gmail", "msg-123", time.Hour)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	other, err := store.Claim(ctx, "whatsapp", "msg-123", time.Hour)
	require.NoError(t, err)
	assert.False(t, other.Duplicate)
}

func TestStore_ClaimExpires(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	_, err := store.Claim(ctx, "gmail", "msg-123", time.Minute)
	require.NoError(t, err)

	mr.FastForward(time.Minute + time.Second)

	again, err := store.Claim(ctx, "gmail", "msg-123", time.Minute)
	require.NoError(t, err)
	assert.False(t, again.Duplicate)
}

func TestStore_ReleaseReopensKey(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	first, err := store.Claim(ctx, "gmail", "msg-123", time.Hour)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	require.NoError(t, store.Release(ctx, "gmail", "msg-123"))

	again, err := store.Claim(ctx, "gmail", "msg-123", time.Hour)
	require.NoError(t, err)
	assert.False(t, again.Duplicate)
}

func TestStore_ReleaseMemoryFallback(t *testing.T) {
	store := New(nil)
	ctx := context.Background()

	_, err := store.Claim(ctx, "gmail", "msg-1", time.Hour)
	require.NoError(t, err)

	require.NoError(t, store.Release(ctx, "gmail", "msg-1"))

	res, err := store.Claim(ctx, "gmail", "msg-1", time.Hour)
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
}

func TestStore_MemoryFallbackConcurrent(t *testing.T) {
	store := New(nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := store.Claim(ctx, "gmail", "msg-race", time.Hour)
			if err == nil && !res.Duplicate {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
}

func TestStore_MemoryFallbackExpiry(t *testing.T) {
	now := time.Now()
	store := New(nil, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	res, err := store.Claim(ctx, "gmail", "msg-1", time.Minute)
	require.NoError(t, err)
	assert.False(t, res.Duplicate)

	now = now.Add(2 * time.Minute)
	res, err = store.Claim(ctx, "gmail", "msg-1", time.Minute)
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
}
