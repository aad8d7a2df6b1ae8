// Copyright 2026 MarketMate
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketmate/gateway/llm"
	"marketmate/gateway/reliability/bulkhead"
	"marketmate/gateway/shared/config"
	"marketmate/gateway/shared/logger"
)

type routerStep func(req llm.ChatRequest, handler llm.StreamHandler) (*llm.Result, *llm.RouteInfo, error)

type scriptedRouter struct {
	requests []llm.ChatRequest
	script   []routerStep
}

func (r *scriptedRouter) ExecuteStream(ctx context.Context, modelClass string, req llm.ChatRequest, handler llm.StreamHandler) (*llm.Result, *llm.RouteInfo, error) {
	if ctx.Err() != nil {
		return nil, nil, ctx.Err()
	}
	idx := len(r.requests)
	r.requests = append(r.requests, req)
	if idx >= len(r.script) {
		idx = len(r.script) - 1
	}
	return r.script[idx](req, handler)
}

type fakeQueue struct {
	calls  []string
	result JobResult
	err    error
}

func (q *fakeQueue) Execute(ctx context.Context, toolName, args string) (JobResult, error) {
	q.calls = append(q.calls, toolName)
	if q.err != nil {
		return JobResult{}, q.err
	}
	return q.result, nil
}

func chatRoute() *llm.RouteInfo {
	return &llm.RouteInfo{ProviderID: "anthropic", RouteID: "primary", ModelClass: "chat"}
}

// contentStep streams the given text and finishes the turn without tools.
func contentStep(text string) routerStep {
	return func(req llm.ChatRequest, handler llm.StreamHandler) (*llm.Result, *llm.RouteInfo, error) {
		if err := handler(llm.StreamChunk{Type: llm.ChunkContent, Content: text}); err != nil {
			return nil, nil, err
		}
		if err := handler(llm.StreamChunk{Type: llm.ChunkDone}); err != nil {
			return nil, nil, err
		}
		return &llm.Result{
			Content:    text,
			StopReason: "end_turn",
			ModelID:    "model-a",
			Usage:      llm.UsageStats{InputTokens: 5, OutputTokens: 5, TotalTokens: 10},
		}, chatRoute(), nil
	}
}

// toolStep streams one tool_use block and returns the matching tool call.
func toolStep(callID, toolName, args string) routerStep {
	return func(req llm.ChatRequest, handler llm.StreamHandler) (*llm.Result, *llm.RouteInfo, error) {
		chunks := []llm.StreamChunk{
			{Type: llm.ChunkToolUseStart, ToolIndex: 0, ToolCallID: callID, ToolName: toolName},
			{Type: llm.ChunkToolInputDelta, ToolIndex: 0, ToolCallID: callID, ToolName: toolName, ArgsDelta: args},
			{Type: llm.ChunkToolUseStop, ToolIndex: 0, ToolCallID: callID, ToolName: toolName},
		}
		for _, chunk := range chunks {
			if err := handler(chunk); err != nil {
				return nil, nil, err
			}
		}
		return &llm.Result{
			StopReason: "tool_use",
			ToolCalls:  []llm.ToolCall{{ID: callID, Name: toolName, Arguments: args}},
		}, chatRoute(), nil
	}
}

func testOrchestratorConfig() config.OrchestratorConfig {
	return config.OrchestratorConfig{
		MaxCycles: 6,
		ToolQuotas: map[string]int{
			ToolWebSearch:     3,
			ToolProductSearch: 5,
			ToolCurrentTime:   1,
		},
		ToolCacheTTL:    time.Minute,
		ProviderTimeout: 10 * time.Second,
	}
}

func newTestOrchestrator(router ModelRouter, queue JobQueue) (*Orchestrator, *SessionStore, *Cache) {
	sessions := NewSessionStore(nil)
	cache := NewCache(nil, time.Minute)
	o := New(router, DefaultRegistry(), queue, cache, sessions, testOrchestratorConfig(), logger.New("orchestrator-test"))
	return o, sessions, cache
}

func drain(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("event stream did not terminate")
		}
	}
}

func eventTypes(events []Event) []string {
	types := make([]string, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	return types
}

func TestRun_ContentOnlyTurn(t *testing.T) {
	router := &scriptedRouter{script: []routerStep{contentStep("hello there")}}
	o, sessions, _ := newTestOrchestrator(router, &fakeQueue{})

	events := drain(t, o.Run(context.Background(), Turn{
		ThreadID:   "t1",
		MessageID:  "m1",
		ModelClass: "chat",
		Messages:   []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	}))

	assert.Equal(t, []string{
		EventStart, EventContent, EventProviderRoute, EventUsage, EventDone,
	}, eventTypes(events))
	assert.Equal(t, "m1", events[0].MessageID)
	assert.Equal(t, "hello there", events[1].Content)
	assert.Equal(t, "primary", events[2].RouteID)
	assert.Equal(t, 10, events[3].Usage.TotalTokens)
	assert.Equal(t, "end_turn", events[3].Metrics.FinishReason)

	session, err := sessions.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, SessionCompleted, session.Status)
}

func TestRun_ToolCycleFeedsResultsBack(t *testing.T) {
	router := &scriptedRouter{script: []routerStep{
		toolStep("call_1", ToolWebSearch, `{"query":"weather"}`),
		contentStep("it is sunny"),
	}}
	queue := &fakeQueue{result: JobResult{Outcome: JobCompleted, Output: "sunny, 22C"}}
	o, sessions, _ := newTestOrchestrator(router, queue)

	events := drain(t, o.Run(context.Background(), Turn{
		ThreadID:   "t1",
		MessageID:  "m1",
		ModelClass: "chat",
		Messages:   []llm.Message{{Role: llm.RoleUser, Content: "weather?"}},
	}))

	assert.Equal(t, []string{
		EventStart,
		EventToolInputStart, EventToolInputDelta, EventToolInputAvailable,
		EventProviderRoute,
		EventToolOutputPartial,
		EventContent, EventProviderRoute, EventUsage, EventDone,
	}, eventTypes(events))

	// The delta carries the accumulated snapshot and the available event the
	// parsed input.
	assert.Equal(t, `{"query":"weather"}`, events[2].ArgsSnapshot)
	assert.Equal(t, map[string]interface{}{"query": "weather"}, events[3].Input)
	assert.Equal(t, "sunny, 22C", events[5].Output)

	// The second model call saw the tool request and its result.
	require.Len(t, router.requests, 2)
	second := router.requests[1].Messages
	require.Len(t, second, 3)
	assert.Equal(t, llm.RoleAssistant, second[1].Role)
	require.Len(t, second[1].ToolCalls, 1)
	assert.Equal(t, llm.RoleTool, second[2].Role)
	require.Len(t, second[2].ToolResults, 1)
	assert.Equal(t, "sunny, 22C", second[2].ToolResults[0].Content)

	assert.Equal(t, []string{ToolWebSearch}, queue.calls)

	session, err := sessions.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, SessionCompleted, session.Status)
}

func TestRun_QuotaExhaustionForcesToolChoiceNone(t *testing.T) {
	// current_time has quota 1: the second request crosses it.
	router := &scriptedRouter{script: []routerStep{
		toolStep("call_1", ToolCurrentTime, `{}`),
		toolStep("call_2", ToolCurrentTime, `{}`),
		contentStep("done anyway"),
	}}
	queue := &fakeQueue{result: JobResult{Outcome: JobCompleted, Output: "2026-08-27T10:00:00Z"}}
	o, _, _ := newTestOrchestrator(router, queue)

	drain(t, o.Run(context.Background(), Turn{
		ThreadID: "t1", MessageID: "m1", ModelClass: "chat",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "time?"}},
	}))

	// Only the first call executed; the second got an injected result.
	assert.Equal(t, []string{ToolCurrentTime}, queue.calls)

	require.Len(t, router.requests, 3)
	assert.Equal(t, llm.ToolChoiceAuto, router.requests[1].ToolChoice)
	assert.Equal(t, llm.ToolChoiceNone, router.requests[2].ToolChoice)

	// The injected result tells the model to answer with what it has.
	last := router.requests[2].Messages
	injected := last[len(last)-1].ToolResults[0]
	assert.Contains(t, injected.Content, "limit")
	assert.False(t, injected.IsError)
}

func TestRun_BackpressureSurfacedNotRetried(t *testing.T) {
	router := &scriptedRouter{script: []routerStep{
		toolStep("call_1", ToolWebSearch, `{"query":"news"}`),
		contentStep("answering without search"),
	}}
	queue := &fakeQueue{result: JobResult{
		Outcome:    JobBackpressure,
		Reason:     "job queue saturated",
		Retryable:  true,
		RetryAfter: 2 * time.Second,
	}}
	o, _, _ := newTestOrchestrator(router, queue)

	events := drain(t, o.Run(context.Background(), Turn{
		ThreadID: "t1", MessageID: "m1", ModelClass: "chat",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "news?"}},
	}))

	var backpressure *Event
	for i := range events {
		if events[i].Type == EventToolBackpressure {
			backpressure = &events[i]
		}
	}
	require.NotNil(t, backpressure)
	assert.Equal(t, ToolWebSearch, backpressure.ToolName)
	assert.Equal(t, "job queue saturated", backpressure.Reason)
	assert.True(t, backpressure.Retryable)
	assert.Equal(t, int64(2000), backpressure.RetryAfterMs)

	// Executed once, never silently retried.
	assert.Equal(t, []string{ToolWebSearch}, queue.calls)

	// The injected result says the information is unavailable for now.
	injected := router.requests[1].Messages[2].ToolResults[0]
	assert.Contains(t, injected.Content, "unavailable for now")
}

func TestRun_CacheHitShortCircuitsQueue(t *testing.T) {
	router := &scriptedRouter{script: []routerStep{
		toolStep("call_1", ToolWebSearch, `{"query":"Weather"}`),
		contentStep("cached answer"),
	}}
	queue := &fakeQueue{result: JobResult{Outcome: JobCompleted, Output: "never used"}}
	o, _, cache := newTestOrchestrator(router, queue)

	// The fingerprint is case-folded, so the differently-cased key matches.
	cache.Set(context.Background(), ToolWebSearch, `{"query":"weather"}`, "sunny from cache")

	events := drain(t, o.Run(context.Background(), Turn{
		ThreadID: "t1", MessageID: "m1", ModelClass: "chat",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "weather?"}},
	}))

	assert.Empty(t, queue.calls)

	var output *Event
	for i := range events {
		if events[i].Type == EventToolOutputPartial {
			output = &events[i]
		}
	}
	require.NotNil(t, output)
	assert.Equal(t, "sunny from cache", output.Output)
}

func TestRun_FailedToolAbsorbedIntoResult(t *testing.T) {
	router := &scriptedRouter{script: []routerStep{
		toolStep("call_1", ToolProductSearch, `{"term":"mug"}`),
		contentStep("no products found"),
	}}
	queue := &fakeQueue{result: JobResult{Outcome: JobFailed, Reason: "catalog offline"}}
	o, _, _ := newTestOrchestrator(router, queue)

	events := drain(t, o.Run(context.Background(), Turn{
		ThreadID: "t1", MessageID: "m1", ModelClass: "chat",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "mugs?"}},
	}))

	// The turn still completes; the failure is a textual tool result.
	assert.Equal(t, EventDone, events[len(events)-1].Type)
	injected := router.requests[1].Messages[2].ToolResults[0]
	assert.True(t, injected.IsError)
	assert.Contains(t, injected.Content, "catalog offline")
}

func TestRun_CycleCeilingForcesFinalAnswer(t *testing.T) {
	// A model that always wants another tool call.
	router := &scriptedRouter{script: []routerStep{
		func(req llm.ChatRequest, handler llm.StreamHandler) (*llm.Result, *llm.RouteInfo, error) {
			if req.ToolChoice == llm.ToolChoiceNone {
				return contentStep("forced answer")(req, handler)
			}
			return toolStep("call_n", ToolWebSearch, `{"query":"more"}`)(req, handler)
		},
	}}
	queue := &fakeQueue{result: JobResult{Outcome: JobCompleted, Output: "result"}}

	cfg := testOrchestratorConfig()
	cfg.MaxCycles = 4
	cfg.ToolQuotas = map[string]int{ToolWebSearch: 10}
	sessions := NewSessionStore(nil)
	o := New(router, DefaultRegistry(), queue, NewCache(nil, time.Minute), sessions, cfg, logger.New("orchestrator-test"))

	events := drain(t, o.Run(context.Background(), Turn{
		ThreadID: "t1", MessageID: "m1", ModelClass: "chat",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "go"}},
	}))

	assert.Equal(t, EventDone, events[len(events)-1].Type)
	assert.Len(t, router.requests, cfg.MaxCycles)
	assert.Equal(t, llm.ToolChoiceNone, router.requests[len(router.requests)-1].ToolChoice)

	session, err := sessions.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, SessionCompleted, session.Status)
}

func TestRun_AbortStopsContentAndMarksSession(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	router := &scriptedRouter{script: []routerStep{
		func(req llm.ChatRequest, handler llm.StreamHandler) (*llm.Result, *llm.RouteInfo, error) {
			if err := handler(llm.StreamChunk{Type: llm.ChunkContent, Content: "first"}); err != nil {
				return nil, nil, err
			}
			cancel()
			if err := handler(llm.StreamChunk{Type: llm.ChunkContent, Content: "second"}); err != nil {
				return nil, nil, err
			}
			return contentStep("never")(req, handler)
		},
	}}
	o, sessions, _ := newTestOrchestrator(router, &fakeQueue{})

	events := drain(t, o.Run(ctx, Turn{
		ThreadID: "t1", MessageID: "m1", ModelClass: "chat",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	}))

	// No content after the abort was observed, and no terminal done event.
	for _, ev := range events {
		assert.NotEqual(t, "second", ev.Content)
		assert.NotEqual(t, EventDone, ev.Type)
	}

	session, err := sessions.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, SessionAborted, session.Status)
}

func TestRun_UpstreamErrorEmitsClassifiedEvent(t *testing.T) {
	router := &scriptedRouter{script: []routerStep{
		func(req llm.ChatRequest, handler llm.StreamHandler) (*llm.Result, *llm.RouteInfo, error) {
			return nil, nil, &llm.UpstreamError{
				Code:       llm.CodeUpstreamUnavailable,
				Provider:   "anthropic",
				StatusCode: 503,
				Retryable:  true,
				RetryAfter: 3 * time.Second,
			}
		},
	}}
	o, sessions, _ := newTestOrchestrator(router, &fakeQueue{})

	events := drain(t, o.Run(context.Background(), Turn{
		ThreadID: "t1", MessageID: "m1", ModelClass: "chat",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	}))

	last := events[len(events)-1]
	assert.Equal(t, EventError, last.Type)
	assert.Equal(t, llm.CodeUpstreamUnavailable, last.Code)
	assert.Equal(t, int64(3000), last.RetryAfterMs)
	assert.NotContains(t, last.Error, "503") // no internal detail

	session, err := sessions.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, SessionError, session.Status)
}

func TestRun_BulkheadSaturationEmitsRetryableError(t *testing.T) {
	router := &scriptedRouter{script: []routerStep{
		func(req llm.ChatRequest, handler llm.StreamHandler) (*llm.Result, *llm.RouteInfo, error) {
			return nil, nil, &bulkhead.SaturatedError{
				Provider:      "anthropic",
				InFlight:      10,
				MaxConcurrent: 10,
				RetryAfter:    time.Second,
			}
		},
	}}
	o, sessions, _ := newTestOrchestrator(router, &fakeQueue{})

	events := drain(t, o.Run(context.Background(), Turn{
		ThreadID: "t1", MessageID: "m1", ModelClass: "chat",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	}))

	last := events[len(events)-1]
	assert.Equal(t, EventError, last.Type)
	assert.Equal(t, llm.CodeUpstreamUnavailable, last.Code)
	assert.Equal(t, int64(1000), last.RetryAfterMs)
	assert.NotContains(t, last.Error, "saturated") // no internal detail

	session, err := sessions.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, SessionError, session.Status)
}

func TestRun_GeneratesMessageIDWhenAbsent(t *testing.T) {
	router := &scriptedRouter{script: []routerStep{contentStep("hi")}}
	o, _, _ := newTestOrchestrator(router, &fakeQueue{})

	events := drain(t, o.Run(context.Background(), Turn{
		ThreadID: "t1", ModelClass: "chat",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	}))
	require.NotEmpty(t, events)
	assert.NotEmpty(t, events[0].MessageID)
}
