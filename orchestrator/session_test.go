// Copyright 2026 MarketMate
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sessionTestClient(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestSessionStore_BeginCreatesStreamingSession(t *testing.T) {
	store := NewSessionStore(sessionTestClient(t))

	_, cancel := context.WithCancel(context.Background())
	defer cancel()

	session, err := store.Begin(context.Background(), "thread-1", "msg-1", cancel)
	require.NoError(t, err)
	assert.Equal(t, SessionStreaming, session.Status)
	assert.Equal(t, "msg-1", session.MessageID)

	got, err := store.Get(context.Background(), "thread-1")
	require.NoError(t, err)
	assert.Equal(t, SessionStreaming, got.Status)
}

func TestSessionStore_BeginSupersedesPriorTurn(t *testing.T) {
	store := NewSessionStore(sessionTestClient(t))

	firstCtx, firstCancel := context.WithCancel(context.Background())
	_, err := store.Begin(context.Background(), "thread-1", "msg-1", firstCancel)
	require.NoError(t, err)

	_, secondCancel := context.WithCancel(context.Background())
	defer secondCancel()
	session, err := store.Begin(context.Background(), "thread-1", "msg-2", secondCancel)
	require.NoError(t, err)

	// The prior turn's context was canceled and the new turn owns the thread.
	select {
	case <-firstCtx.Done():
	default:
		t.Fatal("superseded turn was not canceled")
	}
	assert.Equal(t, "msg-2", session.MessageID)
	assert.Equal(t, SessionStreaming, session.Status)
}

func TestSessionStore_FinishKeepsFirstTerminalStatus(t *testing.T) {
	store := NewSessionStore(sessionTestClient(t))

	_, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := store.Begin(context.Background(), "thread-1", "msg-1", cancel)
	require.NoError(t, err)

	require.NoError(t, store.Finish(context.Background(), "thread-1", "msg-1", SessionAborted))
	require.NoError(t, store.Finish(context.Background(), "thread-1", "msg-1", SessionCompleted))

	got, err := store.Get(context.Background(), "thread-1")
	require.NoError(t, err)
	assert.Equal(t, SessionAborted, got.Status)
}

func TestSessionStore_SupersededFinishLeavesSuccessorAlone(t *testing.T) {
	store := NewSessionStore(sessionTestClient(t))

	_, firstCancel := context.WithCancel(context.Background())
	_, err := store.Begin(context.Background(), "thread-1", "msg-1", firstCancel)
	require.NoError(t, err)

	_, secondCancel := context.WithCancel(context.Background())
	defer secondCancel()
	_, err = store.Begin(context.Background(), "thread-1", "msg-2", secondCancel)
	require.NoError(t, err)

	// The superseded runner observes its cancel and finishes its own turn.
	// The newer turn must stay streaming.
	require.NoError(t, store.Finish(context.Background(), "thread-1", "msg-1", SessionAborted))

	got, err := store.Get(context.Background(), "thread-1")
	require.NoError(t, err)
	assert.Equal(t, "msg-2", got.MessageID)
	assert.Equal(t, SessionStreaming, got.Status)

	// And the newer turn can still reach its own terminal status.
	require.NoError(t, store.Finish(context.Background(), "thread-1", "msg-2", SessionCompleted))
	got, err = store.Get(context.Background(), "thread-1")
	require.NoError(t, err)
	assert.Equal(t, SessionCompleted, got.Status)
}

func TestSessionStore_GetUnknownThread(t *testing.T) {
	store := NewSessionStore(sessionTestClient(t))

	got, err := store.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSessionStore_MemoryFallback(t *testing.T) {
	now := time.Date(2026, 8, 27, 10, 0, 0, 0, time.UTC)
	store := NewSessionStore(nil, WithSessionClock(func() time.Time { return now }))

	_, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := store.Begin(context.Background(), "thread-1", "msg-1", cancel)
	require.NoError(t, err)

	require.NoError(t, store.Finish(context.Background(), "thread-1", "msg-1", SessionCompleted))

	got, err := store.Get(context.Background(), "thread-1")
	require.NoError(t, err)
	assert.Equal(t, SessionCompleted, got.Status)
	assert.Equal(t, now, got.StartedAt)
}
