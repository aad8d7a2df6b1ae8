// Copyright 2026 MarketMate
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// SessionStatus is the lifecycle state of one streaming session.
type SessionStatus string

const (
	SessionStreaming SessionStatus = "streaming"
	SessionCompleted SessionStatus = "completed"
	SessionAborted   SessionStatus = "aborted"
	SessionError     SessionStatus = "error"
)

// Session tracks one streamed message for a thread. At most one session per
// thread is streaming; beginning a new one supersedes the prior via abort.
type Session struct {
	ThreadID  string        `json:"thread_id"`
	MessageID string        `json:"message_id"`
	Status    SessionStatus `json:"status"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   *time.Time    `json:"ended_at,omitempty"`
}

// sessionTTL bounds how long finished session records linger.
const sessionTTL = time.Hour

// SessionStore persists sessions and owns the supersede discipline. The
// cancel functions live in process memory: a superseded stream is always
// canceled on the instance that runs it.
type SessionStore struct {
	client *redis.Client
	clock  func() time.Time

	mu      sync.Mutex
	mem     map[string]*Session
	cancels map[string]threadCancel
}

// threadCancel ties a thread's cancel function to the message that owns it,
// so a superseded runner cannot tear down its successor's entry.
type threadCancel struct {
	messageID string
	cancel    context.CancelFunc
}

// SessionOption configures a SessionStore.
type SessionOption func(*SessionStore)

// WithSessionClock overrides the time source, for tests.
func WithSessionClock(clock func() time.Time) SessionOption {
	return func(s *SessionStore) {
		s.clock = clock
	}
}

// NewSessionStore creates a SessionStore. A nil client keeps session records
// in process memory only.
func NewSessionStore(client *redis.Client, opts ...SessionOption) *SessionStore {
	s := &SessionStore{
		client:  client,
		clock:   time.Now,
		mem:     make(map[string]*Session),
		cancels: make(map[string]threadCancel),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Begin starts a streaming session for threadID, aborting any prior
// streaming session on the same thread first.
func (s *SessionStore) Begin(ctx context.Context, threadID, messageID string, cancel context.CancelFunc) (*Session, error) {
	s.mu.Lock()
	prev, hadPrev := s.cancels[threadID]
	s.cancels[threadID] = threadCancel{messageID: messageID, cancel: cancel}
	s.mu.Unlock()

	if hadPrev {
		prev.cancel()
		if err := s.terminate(ctx, threadID, prev.messageID, SessionAborted); err != nil {
			return nil, err
		}
	}

	session := &Session{
		ThreadID:  threadID,
		MessageID: messageID,
		Status:    SessionStreaming,
		StartedAt: s.clock(),
	}
	if err := s.save(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// Finish moves messageID's session on threadID to a terminal status.
// Finishing an already-terminal session keeps the first terminal status, and
// finishing after the thread moved on to a newer message is a no-op: a
// superseded runner must not disturb its successor.
func (s *SessionStore) Finish(ctx context.Context, threadID, messageID string, status SessionStatus) error {
	s.mu.Lock()
	if owned, ok := s.cancels[threadID]; ok && owned.messageID == messageID {
		delete(s.cancels, threadID)
	}
	s.mu.Unlock()
	return s.terminate(ctx, threadID, messageID, status)
}

// terminate writes the terminal status when the stored session is still
// streaming and belongs to messageID.
func (s *SessionStore) terminate(ctx context.Context, threadID, messageID string, status SessionStatus) error {
	session, err := s.Get(ctx, threadID)
	if err != nil {
		return err
	}
	if session == nil || session.Status != SessionStreaming || session.MessageID != messageID {
		return nil
	}
	now := s.clock()
	session.Status = status
	session.EndedAt = &now
	return s.save(ctx, session)
}

// Get returns the current session for threadID, nil when none exists.
func (s *SessionStore) Get(ctx context.Context, threadID string) (*Session, error) {
	if s.client == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		if session, ok := s.mem[threadID]; ok {
			copied := *session
			return &copied, nil
		}
		return nil, nil
	}

	data, err := s.client.Get(ctx, sessionKey(threadID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session: load %s: %w", threadID, err)
	}
	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("session: decode %s: %w", threadID, err)
	}
	return &session, nil
}

func (s *SessionStore) save(ctx context.Context, session *Session) error {
	if s.client == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		copied := *session
		s.mem[session.ThreadID] = &copied
		return nil
	}

	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("session: encode %s: %w", session.ThreadID, err)
	}
	if err := s.client.Set(ctx, sessionKey(session.ThreadID), data, sessionTTL).Err(); err != nil {
		return fmt.Errorf("session: store %s: %w", session.ThreadID, err)
	}
	return nil
}

func sessionKey(threadID string) string {
	return "session:" + threadID
}
