// Copyright 2026 MarketMate
// SPDX-License-Identifier: Apache-2.0

// Package orchestrator drives one streamed chat turn: model calls through
// the provider router, tool execution with quotas, caching and job-queue
// backpressure, cancellation, and the event protocol the gateway serializes
// as Server-Sent Events.
package orchestrator

import (
	"marketmate/gateway/llm"
)

// Event type values, one per wire event.
const (
	EventStart              = "start"
	EventContent            = "content"
	EventReasoning          = "reasoning"
	EventProviderRoute      = "provider-route"
	EventToolInputStart     = "tool-input-start"
	EventToolInputDelta     = "tool-input-delta"
	EventToolInputAvailable = "tool-input-available"
	EventToolOutputPartial  = "tool-output-partially-available"
	EventToolBackpressure   = "tool-backpressure"
	EventUsage              = "usage"
	EventDone               = "done"
	EventError              = "error"
)

// Event is one unit of the streamed turn protocol. Fields are populated per
// type; unset fields are omitted on the wire.
type Event struct {
	Type string `json:"type"`

	// start
	MessageID string `json:"messageId,omitempty"`

	// content, reasoning
	Content string `json:"content,omitempty"`

	// provider-route
	ProviderID string `json:"providerId,omitempty"`
	RouteID    string `json:"routeId,omitempty"`
	ModelClass string `json:"modelClass,omitempty"`

	// tool-input-start, tool-input-delta, tool-input-available,
	// tool-output-partially-available
	ToolCallID     string                 `json:"toolCallId,omitempty"`
	ToolName       string                 `json:"toolName,omitempty"`
	InputTextDelta string                 `json:"inputTextDelta,omitempty"`
	ArgsSnapshot   string                 `json:"argsSnapshot,omitempty"`
	Input          map[string]interface{} `json:"input,omitempty"`
	Output         string                 `json:"output,omitempty"`

	// tool-backpressure
	Reason    string `json:"reason,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`

	// tool-backpressure, error
	RetryAfterMs int64 `json:"retryAfterMs,omitempty"`

	// usage
	Usage   *llm.UsageStats `json:"usage,omitempty"`
	Metrics *TurnMetrics    `json:"metrics,omitempty"`

	// error
	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`
}

// TurnMetrics summarizes the final model call of a turn.
type TurnMetrics struct {
	LatencyMs    int64  `json:"latencyMs"`
	TTFTMs       int64  `json:"ttftMs"`
	ModelID      string `json:"modelId"`
	FinishReason string `json:"finishReason"`
}
