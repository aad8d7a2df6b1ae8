// Copyright 2026 MarketMate
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"marketmate/gateway/reliability/ratelimit"
	"marketmate/gateway/shared/config"
	"marketmate/gateway/shared/logger"
)

// Admission policy buckets, used as event bucket names and deny reasons.
const (
	bucketPerUserInFlight = "per_user_inflight"
	bucketGlobalInFlight  = "global_inflight"
	bucketMessageRate     = "message_rate"
	bucketToolRate        = "tool_rate"
	bucketStoreError      = "store_error"
	bucketAllowed         = "allowed"
)

// inFlightTTL bounds orphaned in-flight counters when a process dies without
// releasing its tickets.
const inFlightTTL = 10 * time.Minute

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	Mode       config.AdmissionMode
	WouldBlock bool
	Reason     string
	RetryAfter time.Duration
}

// Ticket is one granted admission. Release must be called exactly once on
// every exit path; extra calls are no-ops.
type Ticket struct {
	release func()
	once    sync.Once
}

// Release returns the ticket's in-flight slots.
func (t *Ticket) Release() {
	if t == nil {
		return
	}
	t.once.Do(func() {
		if t.release != nil {
			t.release()
		}
	})
}

// Admission composes rate limiting and concurrency ticketing into one
// allow/deny/shadow decision per principal.
type Admission struct {
	client   *redis.Client
	limiter  *ratelimit.Limiter
	fallback *ratelimit.Limiter
	recorder *ratelimit.Recorder
	cfg      config.AdmissionConfig
	rl       config.RateLimitConfig
	log      *logger.Logger
	sample   func() int

	mu  sync.Mutex
	mem map[string]int64
}

// AdmissionOption configures an Admission controller.
type AdmissionOption func(*Admission)

// WithSampler overrides the shadow sampling source, for tests. The function
// returns a value in [0, 100).
func WithSampler(sample func() int) AdmissionOption {
	return func(a *Admission) {
		a.sample = sample
	}
}

// NewAdmission creates the admission controller. A nil client keeps in-flight
// counters in process memory; the fail-open fallback limiter is always
// in-process so it keeps working when the shared store does not.
func NewAdmission(client *redis.Client, limiter *ratelimit.Limiter, recorder *ratelimit.Recorder, cfg config.AdmissionConfig, rl config.RateLimitConfig, log *logger.Logger, opts ...AdmissionOption) *Admission {
	registerGatewayMetrics()
	a := &Admission{
		client:   client,
		limiter:  limiter,
		fallback: ratelimit.New(nil),
		recorder: recorder,
		cfg:      cfg,
		rl:       rl,
		log:      log,
		sample:   func() int { return rand.Intn(100) },
		mem:      make(map[string]int64),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

type violation struct {
	bucket     string
	retryAfter time.Duration
}

// CheckAndAcquire evaluates the admission policy for principal and, when
// admitted, returns a Ticket holding the in-flight slots. In shadow mode the
// decision is always allowed; would-block outcomes are recorded, not
// enforced. Store failures follow the configured fail-closed or fail-open
// path.
func (a *Admission) CheckAndAcquire(ctx context.Context, principal Principal, estimatedToolCalls int) (*Ticket, Decision, error) {
	if estimatedToolCalls < 1 {
		estimatedToolCalls = 1
	}

	userKey := "admission:inflight:user:" + principal.Key()
	globalKey := "admission:inflight:global"

	userCount, err := a.incrBy(ctx, userKey, 1)
	if err != nil {
		return a.storeFailure(ctx, principal, err, nil)
	}
	globalCount, err := a.incrBy(ctx, globalKey, 1)
	if err != nil {
		a.decrBy(userKey, 1)
		return a.storeFailure(ctx, principal, err, nil)
	}

	ticket := &Ticket{release: func() {
		a.decrBy(userKey, 1)
		a.decrBy(globalKey, 1)
	}}

	var violations []violation
	if max := a.cfg.MaxPerUserInFlight; max > 0 && userCount > int64(max) {
		violations = append(violations, violation{bucketPerUserInFlight, time.Second})
	}
	if max := a.cfg.MaxGlobalInFlight; max > 0 && globalCount > int64(max) {
		violations = append(violations, violation{bucketGlobalInFlight, time.Second})
	}

	if a.cfg.MessageRateMax > 0 {
		decision, err := a.limiter.CheckAndIncrement(ctx, "admission:messages:global", a.cfg.MessageRateMax, a.cfg.MessageRateWindow)
		if err == ratelimit.ErrContention {
			a.recordEvent(ctx, bucketMessageRate, principal, ratelimit.OutcomeContentionFallback, time.Second)
			return a.contentionFailure(ctx, principal, ticket)
		}
		if err != nil {
			return a.storeFailure(ctx, principal, err, ticket)
		}
		if !decision.Allowed {
			violations = append(violations, violation{bucketMessageRate, decision.RetryAfter})
		}
	}

	if a.cfg.ToolRateMax > 0 {
		toolCount, retryAfter, err := a.countToolCalls(ctx, estimatedToolCalls)
		if err != nil {
			return a.storeFailure(ctx, principal, err, ticket)
		}
		if toolCount > int64(a.cfg.ToolRateMax) {
			violations = append(violations, violation{bucketToolRate, retryAfter})
		}
	}

	if len(violations) == 0 {
		a.recordAllowed(ctx, principal)
		return ticket, Decision{Allowed: true, Mode: a.cfg.Mode}, nil
	}

	// Blocked outcomes are always recorded, in both modes.
	worst := violations[0]
	for _, v := range violations[1:] {
		if v.retryAfter > worst.retryAfter {
			worst = v
		}
	}
	for _, v := range violations {
		a.recordEvent(ctx, v.bucket, principal, ratelimit.OutcomeBlocked, v.retryAfter)
	}

	if a.cfg.Mode == config.AdmissionShadow {
		admissionDecisions.WithLabelValues(string(a.cfg.Mode), "would_block").Inc()
		return ticket, Decision{
			Allowed:    true,
			Mode:       a.cfg.Mode,
			WouldBlock: true,
			Reason:     worst.bucket,
		}, nil
	}

	admissionDecisions.WithLabelValues(string(a.cfg.Mode), "denied").Inc()
	ticket.Release()
	return nil, Decision{
		Allowed:    false,
		Mode:       a.cfg.Mode,
		Reason:     worst.bucket,
		RetryAfter: worst.retryAfter,
	}, nil
}

// storeFailure applies the configured failure policy after a backing-store
// error: fail-closed denies with a short retry, fail-open falls back to the
// in-process rate limiter for this one request.
func (a *Admission) storeFailure(ctx context.Context, principal Principal, cause error, ticket *Ticket) (*Ticket, Decision, error) {
	a.log.ErrorWithErr("", "admission store unavailable", cause, map[string]interface{}{
		"principal": principal.Key(),
	})
	ticket.Release()

	if a.cfg.FailClosedOnError {
		admissionDecisions.WithLabelValues(string(a.cfg.Mode), "fail_closed").Inc()
		return nil, Decision{
			Allowed:    false,
			Mode:       a.cfg.Mode,
			Reason:     bucketStoreError,
			RetryAfter: time.Second,
		}, nil
	}

	return a.failOpen(ctx, principal)
}

// contentionFailure handles rate-limiter contention exhaustion; the policy
// mirrors storeFailure.
func (a *Admission) contentionFailure(ctx context.Context, principal Principal, ticket *Ticket) (*Ticket, Decision, error) {
	ticket.Release()
	if a.cfg.FailClosedOnError {
		admissionDecisions.WithLabelValues(string(a.cfg.Mode), "fail_closed").Inc()
		return nil, Decision{
			Allowed:    false,
			Mode:       a.cfg.Mode,
			Reason:     bucketMessageRate,
			RetryAfter: time.Second,
		}, nil
	}
	return a.failOpen(ctx, principal)
}

// failOpen admits via the in-process per-principal limiter, never
// unconditionally. The ticket carries no in-flight slots to return.
func (a *Admission) failOpen(ctx context.Context, principal Principal) (*Ticket, Decision, error) {
	decision, err := a.fallback.CheckAndIncrement(ctx, "fallback:"+principal.Key(), a.rl.MessagesMax, a.rl.Window)
	if err != nil {
		return nil, Decision{}, fmt.Errorf("admission: fallback limiter: %w", err)
	}
	if !decision.Allowed {
		admissionDecisions.WithLabelValues(string(a.cfg.Mode), "fail_open_denied").Inc()
		return nil, Decision{
			Allowed:    false,
			Mode:       a.cfg.Mode,
			Reason:     bucketMessageRate,
			RetryAfter: decision.RetryAfter,
		}, nil
	}
	admissionDecisions.WithLabelValues(string(a.cfg.Mode), "fail_open").Inc()
	return &Ticket{}, Decision{Allowed: true, Mode: a.cfg.Mode}, nil
}

// countToolCalls adds estimated tool calls to the global fixed-window counter
// and reports the running total.
func (a *Admission) countToolCalls(ctx context.Context, estimated int) (int64, time.Duration, error) {
	window := a.cfg.ToolRateWindow
	now := time.Now()
	windowStart := now.Truncate(window)
	retryAfter := windowStart.Add(window).Sub(now)

	key := fmt.Sprintf("admission:tools:global:%d", windowStart.UnixMilli())
	count, err := a.incrByTTL(ctx, key, int64(estimated), 2*window)
	if err != nil {
		return 0, 0, err
	}
	return count, retryAfter, nil
}

func (a *Admission) recordAllowed(ctx context.Context, principal Principal) {
	admissionDecisions.WithLabelValues(string(a.cfg.Mode), "allowed").Inc()
	if a.sample() >= a.cfg.ShadowSamplePercent {
		return
	}
	a.recordEvent(ctx, bucketAllowed, principal, ratelimit.OutcomeAllowed, 0)
}

func (a *Admission) recordEvent(ctx context.Context, bucket string, principal Principal, outcome ratelimit.Outcome, retryAfter time.Duration) {
	if a.recorder == nil {
		return
	}
	err := a.recorder.RecordEvent(ctx, ratelimit.Event{
		Source:       "admission",
		Bucket:       bucket,
		Key:          principal.Key(),
		Outcome:      outcome,
		RetryAfterMs: retryAfter.Milliseconds(),
	})
	if err != nil {
		a.log.Warn("", "admission event recording failed", map[string]interface{}{
			"bucket": bucket,
			"error":  err.Error(),
		})
	}
}

func (a *Admission) incrBy(ctx context.Context, key string, delta int64) (int64, error) {
	return a.incrByTTL(ctx, key, delta, inFlightTTL)
}

func (a *Admission) incrByTTL(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	if a.client == nil {
		a.mu.Lock()
		defer a.mu.Unlock()
		a.mem[key] += delta
		return a.mem[key], nil
	}

	pipe := a.client.TxPipeline()
	incr := pipe.IncrBy(ctx, key, delta)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("admission: counter %s: %w", key, err)
	}
	return incr.Val(), nil
}

// decrBy returns counter slots on ticket release. Best effort and detached
// from the request context: a ticket outlives an aborted request.
func (a *Admission) decrBy(key string, delta int64) {
	if a.client == nil {
		a.mu.Lock()
		defer a.mu.Unlock()
		a.mem[key] -= delta
		if a.mem[key] <= 0 {
			delete(a.mem, key)
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.client.DecrBy(ctx, key, delta).Err(); err != nil {
		a.log.Warn("", "in-flight counter release failed", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
	}
}
