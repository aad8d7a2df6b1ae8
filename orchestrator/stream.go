// Copyright 2026 MarketMate
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"marketmate/gateway/llm"
	"marketmate/gateway/reliability/bulkhead"
	"marketmate/gateway/shared/config"
	"marketmate/gateway/shared/logger"
)

var (
	turnCycles = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "gateway_turn_cycles",
		Help:    "Model-tool round trips per turn.",
		Buckets: []float64{1, 2, 3, 4, 5, 6, 8},
	})
	toolExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_tool_executions_total",
			Help: "Tool executions, by tool and outcome.",
		},
		[]string{"tool", "outcome"},
	)
	registerOrchestratorMetricsOnce sync.Once
)

func registerOrchestratorMetrics() {
	registerOrchestratorMetricsOnce.Do(func() {
		prometheus.MustRegister(turnCycles, toolExecutions)
	})
}

// ModelRouter is the slice of the provider router the orchestrator uses.
type ModelRouter interface {
	ExecuteStream(ctx context.Context, modelClass string, req llm.ChatRequest, handler llm.StreamHandler) (*llm.Result, *llm.RouteInfo, error)
}

// Turn is one inbound chat turn to stream.
type Turn struct {
	ThreadID   string
	MessageID  string
	RequestID  string
	ModelClass string
	System     string
	Messages   []llm.Message
}

// Orchestrator runs the per-turn streaming state machine.
type Orchestrator struct {
	router   ModelRouter
	tools    *Registry
	queue    JobQueue
	cache    *Cache
	sessions *SessionStore
	cfg      config.OrchestratorConfig
	log      *logger.Logger
}

// New builds an Orchestrator.
func New(router ModelRouter, tools *Registry, queue JobQueue, cache *Cache, sessions *SessionStore, cfg config.OrchestratorConfig, log *logger.Logger) *Orchestrator {
	registerOrchestratorMetrics()
	return &Orchestrator{
		router:   router,
		tools:    tools,
		queue:    queue,
		cache:    cache,
		sessions: sessions,
		cfg:      cfg,
		log:      log,
	}
}

// Run streams one turn. The returned channel is a lazy, finite sequence of
// events; it closes when the turn reaches a terminal state. Canceling ctx
// aborts the turn: upstream reads stop, in-flight calls are canceled, the
// session is marked aborted and no content events follow.
func (o *Orchestrator) Run(ctx context.Context, turn Turn) <-chan Event {
	events := make(chan Event, 64)
	go o.run(ctx, turn, events)
	return events
}

func (o *Orchestrator) run(ctx context.Context, turn Turn, events chan<- Event) {
	defer close(events)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if turn.MessageID == "" {
		turn.MessageID = uuid.New().String()
	}

	if _, err := o.sessions.Begin(ctx, turn.ThreadID, turn.MessageID, cancel); err != nil {
		o.log.ErrorWithErr(turn.RequestID, "session begin failed", err, map[string]interface{}{
			"thread_id": turn.ThreadID,
		})
	}

	emit := func(ev Event) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if !emit(Event{Type: EventStart, MessageID: turn.MessageID}) {
		o.finishSession(turn, SessionAborted)
		return
	}

	messages := make([]llm.Message, len(turn.Messages))
	copy(messages, turn.Messages)

	quotaUsed := make(map[string]int)
	forcedNone := false
	cyclesRun := 0

	for cycle := 1; cycle <= o.cfg.MaxCycles; cycle++ {
		cyclesRun = cycle

		req := llm.ChatRequest{
			System:     turn.System,
			Messages:   messages,
			Tools:      o.tools.Definitions(),
			ToolChoice: llm.ToolChoiceAuto,
		}
		// The final cycle must produce an answer, not another tool request.
		if forcedNone || cycle == o.cfg.MaxCycles {
			req.ToolChoice = llm.ToolChoiceNone
		}

		res, route, err := o.callModel(ctx, turn, req, emit)
		if err != nil {
			if ctx.Err() != nil {
				o.finishSession(turn, SessionAborted)
				return
			}
			o.emitErrorEvent(turn, err, emit)
			o.finishSession(turn, SessionError)
			return
		}

		if route != nil {
			if !emit(Event{
				Type:       EventProviderRoute,
				ProviderID: route.ProviderID,
				RouteID:    route.RouteID,
				ModelClass: route.ModelClass,
			}) {
				o.finishSession(turn, SessionAborted)
				return
			}
		}

		if len(res.ToolCalls) == 0 {
			turnCycles.Observe(float64(cyclesRun))
			o.finalize(turn, res, emit)
			return
		}

		// Record the assistant's tool request, execute, and go around again.
		messages = append(messages, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   res.Content,
			ToolCalls: res.ToolCalls,
		})

		results := make([]llm.ToolResult, 0, len(res.ToolCalls))
		for _, call := range res.ToolCalls {
			if ctx.Err() != nil {
				o.finishSession(turn, SessionAborted)
				return
			}
			results = append(results, o.executeTool(ctx, turn, call, quotaUsed, &forcedNone, emit))
		}
		messages = append(messages, llm.Message{Role: llm.RoleTool, ToolResults: results})
	}

	// Unreachable with a conforming provider: the last cycle forces
	// tool-choice none. Terminate the turn rather than loop forever.
	turnCycles.Observe(float64(cyclesRun))
	o.emitErrorEvent(turn, errors.New("turn exceeded cycle ceiling"), emit)
	o.finishSession(turn, SessionError)
}

// callModel runs one streamed model call, translating provider chunks into
// turn events. Tool argument fragments accumulate keyed by the provider call
// index.
func (o *Orchestrator) callModel(ctx context.Context, turn Turn, req llm.ChatRequest, emit func(Event) bool) (*llm.Result, *llm.RouteInfo, error) {
	callCtx := ctx
	var callCancel context.CancelFunc
	if o.cfg.ProviderTimeout > 0 {
		callCtx, callCancel = context.WithTimeout(ctx, o.cfg.ProviderTimeout)
		defer callCancel()
	}

	snapshots := make(map[int]*strings.Builder)

	return o.router.ExecuteStream(callCtx, turn.ModelClass, req, func(chunk llm.StreamChunk) error {
		if ctx.Err() != nil {
			// Abort observed: stop consuming the upstream stream.
			return ctx.Err()
		}

		switch chunk.Type {
		case llm.ChunkContent:
			if !emit(Event{Type: EventContent, Content: chunk.Content}) {
				return ctx.Err()
			}
		case llm.ChunkReasoning:
			if !emit(Event{Type: EventReasoning, Content: chunk.Content}) {
				return ctx.Err()
			}
		case llm.ChunkToolUseStart:
			snapshots[chunk.ToolIndex] = &strings.Builder{}
			if !emit(Event{
				Type:       EventToolInputStart,
				ToolCallID: chunk.ToolCallID,
				ToolName:   chunk.ToolName,
			}) {
				return ctx.Err()
			}
		case llm.ChunkToolInputDelta:
			snapshot, ok := snapshots[chunk.ToolIndex]
			if !ok {
				snapshot = &strings.Builder{}
				snapshots[chunk.ToolIndex] = snapshot
			}
			snapshot.WriteString(chunk.ArgsDelta)
			if !emit(Event{
				Type:           EventToolInputDelta,
				ToolCallID:     chunk.ToolCallID,
				InputTextDelta: chunk.ArgsDelta,
				ArgsSnapshot:   snapshot.String(),
			}) {
				return ctx.Err()
			}
		case llm.ChunkToolUseStop:
			var input map[string]interface{}
			if snapshot, ok := snapshots[chunk.ToolIndex]; ok {
				_ = json.Unmarshal([]byte(snapshot.String()), &input)
			}
			if !emit(Event{
				Type:       EventToolInputAvailable,
				ToolCallID: chunk.ToolCallID,
				ToolName:   chunk.ToolName,
				Input:      input,
			}) {
				return ctx.Err()
			}
		}
		return nil
	})
}

// executeTool resolves one tool call: quota gate, cache lookup, then the job
// queue. Local failures become textual results so the turn can still finish.
func (o *Orchestrator) executeTool(ctx context.Context, turn Turn, call llm.ToolCall, quotaUsed map[string]int, forcedNone *bool, emit func(Event) bool) llm.ToolResult {
	tool, known := o.tools.Get(call.Name)
	if !known {
		toolExecutions.WithLabelValues(call.Name, "unknown").Inc()
		return llm.ToolResult{
			ToolCallID: call.ID,
			Content:    fmt.Sprintf("Tool %q is not available.", call.Name),
			IsError:    true,
		}
	}

	quotaUsed[call.Name]++
	if quota, limited := o.cfg.ToolQuotas[call.Name]; limited && quotaUsed[call.Name] > quota {
		*forcedNone = true
		toolExecutions.WithLabelValues(call.Name, "quota_exhausted").Inc()
		return llm.ToolResult{
			ToolCallID: call.ID,
			Content: fmt.Sprintf("The %s tool has reached its limit of %d uses for this turn. Answer using the information already gathered.",
				call.Name, quota),
		}
	}

	if tool.Cacheable {
		if cached, hit := o.cache.Get(ctx, call.Name, call.Arguments); hit {
			toolExecutions.WithLabelValues(call.Name, "cache_hit").Inc()
			emit(Event{
				Type:       EventToolOutputPartial,
				ToolCallID: call.ID,
				ToolName:   call.Name,
				Output:     cached,
			})
			return llm.ToolResult{ToolCallID: call.ID, Content: cached}
		}
	}

	result, err := o.queue.Execute(ctx, call.Name, call.Arguments)
	if err != nil {
		toolExecutions.WithLabelValues(call.Name, "error").Inc()
		o.log.ErrorWithErr(turn.RequestID, "tool execution failed", err, map[string]interface{}{
			"tool": call.Name,
		})
		return llm.ToolResult{
			ToolCallID: call.ID,
			Content:    fmt.Sprintf("The %s tool failed and its result is unavailable.", call.Name),
			IsError:    true,
		}
	}

	switch result.Outcome {
	case JobCompleted:
		toolExecutions.WithLabelValues(call.Name, "completed").Inc()
		if tool.Cacheable {
			o.cache.Set(ctx, call.Name, call.Arguments, result.Output)
		}
		emit(Event{
			Type:       EventToolOutputPartial,
			ToolCallID: call.ID,
			ToolName:   call.Name,
			Output:     result.Output,
		})
		return llm.ToolResult{ToolCallID: call.ID, Content: result.Output}

	case JobBackpressure:
		toolExecutions.WithLabelValues(call.Name, "backpressure").Inc()
		emit(Event{
			Type:         EventToolBackpressure,
			ToolName:     call.Name,
			Reason:       result.Reason,
			Retryable:    result.Retryable,
			RetryAfterMs: result.RetryAfter.Milliseconds(),
		})
		return llm.ToolResult{
			ToolCallID: call.ID,
			Content:    fmt.Sprintf("The %s tool is saturated and its result is unavailable for now. Answer without it.", call.Name),
		}

	default: // JobFailed
		toolExecutions.WithLabelValues(call.Name, "failed").Inc()
		return llm.ToolResult{
			ToolCallID: call.ID,
			Content:    fmt.Sprintf("The %s tool failed: %s", call.Name, result.Reason),
			IsError:    true,
		}
	}
}

// finalize emits the terminal usage and done events for a completed turn.
func (o *Orchestrator) finalize(turn Turn, res *llm.Result, emit func(Event) bool) {
	usage := res.Usage
	emitted := emit(Event{
		Type:  EventUsage,
		Usage: &usage,
		Metrics: &TurnMetrics{
			LatencyMs:    res.Latency.Milliseconds(),
			TTFTMs:       res.TTFT.Milliseconds(),
			ModelID:      res.ModelID,
			FinishReason: res.StopReason,
		},
	})
	if emitted {
		emitted = emit(Event{Type: EventDone})
	}
	if !emitted {
		o.finishSession(turn, SessionAborted)
		return
	}
	o.finishSession(turn, SessionCompleted)
}

// emitErrorEvent classifies err into the terminal error event. Internal
// detail never reaches the client.
func (o *Orchestrator) emitErrorEvent(turn Turn, err error, emit func(Event) bool) {
	code := "internal_error"
	message := "The request could not be completed."
	var retryAfterMs int64

	var upstream *llm.UpstreamError
	var saturated *bulkhead.SaturatedError
	switch {
	case errors.As(err, &upstream):
		code = upstream.Code
		message = "The upstream model provider could not serve the request."
		if upstream.RetryAfter > 0 {
			retryAfterMs = upstream.RetryAfter.Milliseconds()
		}
	case errors.As(err, &saturated):
		code = llm.CodeUpstreamUnavailable
		message = "The upstream model provider could not serve the request."
		retryAfterMs = saturated.RetryAfter.Milliseconds()
	}

	o.log.ErrorWithErr(turn.RequestID, "turn failed", err, map[string]interface{}{
		"thread_id": turn.ThreadID,
		"code":      code,
	})
	emit(Event{Type: EventError, Error: message, Code: code, RetryAfterMs: retryAfterMs})
}

// finishSession moves the session to a terminal state, detached from the
// (possibly canceled) turn context.
func (o *Orchestrator) finishSession(turn Turn, status SessionStatus) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := o.sessions.Finish(ctx, turn.ThreadID, turn.MessageID, status); err != nil {
		o.log.ErrorWithErr(turn.RequestID, "session finish failed", err, map[string]interface{}{
			"thread_id": turn.ThreadID,
			"status":    string(status),
		})
	}
}
