// Copyright 2026 MarketMate
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memorySink struct {
	events []Event
}

func (s *memorySink) InsertRateLimitEvent(ctx context.Context, ev Event) error {
	s.events = append(s.events, ev)
	return nil
}

func TestRecorder_DeduplicatesBursts(t *testing.T) {
	sink := &memorySink{}
	r := NewRecorder(nil, sink)
	now := time.Date(2026, 8, 27, 10, 0, 0, 0, time.UTC)
	r.clock = func() time.Time { return now }

	ev := Event{Source: "admission", Bucket: "message_rate", Key: "u1", Outcome: OutcomeBlocked}
	for i := 0; i < 5; i++ {
		require.NoError(t, r.RecordEvent(context.Background(), ev))
	}

	// One event per dedupe window for the same identity.
	assert.Len(t, sink.events, 1)
	assert.Equal(t, OutcomeBlocked, sink.events[0].Outcome)
	assert.False(t, sink.events[0].CreatedAt.IsZero())
}

func TestRecorder_DistinctIdentitiesAllRecorded(t *testing.T) {
	sink := &memorySink{}
	r := NewRecorder(nil, sink)

	require.NoError(t, r.RecordEvent(context.Background(), Event{Source: "admission", Bucket: "message_rate", Key: "u1", Outcome: OutcomeBlocked}))
	require.NoError(t, r.RecordEvent(context.Background(), Event{Source: "admission", Bucket: "message_rate", Key: "u2", Outcome: OutcomeBlocked}))
	require.NoError(t, r.RecordEvent(context.Background(), Event{Source: "admission", Bucket: "tool_rate", Key: "u1", Outcome: OutcomeBlocked}))
	require.NoError(t, r.RecordEvent(context.Background(), Event{Source: "admission", Bucket: "message_rate", Key: "u1", Outcome: OutcomeContentionFallback}))

	assert.Len(t, sink.events, 4)
}

func TestRecorder_RedisDedupe(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	sink := &memorySink{}
	r := NewRecorder(client, sink)
	now := time.Date(2026, 8, 27, 10, 0, 0, 0, time.UTC)
	r.clock = func() time.Time { return now }

	ev := Event{Source: "chat", Bucket: "message_rate", Key: "u1", Outcome: OutcomeAllowed}
	require.NoError(t, r.RecordEvent(context.Background(), ev))
	require.NoError(t, r.RecordEvent(context.Background(), ev))
	assert.Len(t, sink.events, 1)

	// Past the dedupe window the event is fresh again.
	mr.FastForward(6 * time.Second)
	require.NoError(t, r.RecordEvent(context.Background(), ev))
	assert.Len(t, sink.events, 2)
}

func TestRecorder_NilSinkIsNoop(t *testing.T) {
	r := NewRecorder(nil, nil)
	assert.NoError(t, r.RecordEvent(context.Background(), Event{Source: "chat"}))
}
