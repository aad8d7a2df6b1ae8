// Copyright 2026 MarketMate
// SPDX-License-Identifier: Apache-2.0

// Package llm defines the provider abstraction for upstream model serving:
// the unified chat request/response types, the streaming chunk protocol, the
// route registry and the failover router.
package llm

import (
	"errors"
	"fmt"
	"time"
)

// Role values for chat messages.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Tool choice values.
const (
	ToolChoiceAuto = "auto"
	ToolChoiceNone = "none"
)

// Message is one turn of conversation history in provider-neutral form.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content,omitempty"`

	// ToolCalls holds tool invocations requested by an assistant message.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolResults holds results carried by a tool message.
	ToolResults []ToolResult `json:"tool_results,omitempty"`
}

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // raw JSON
}

// ToolResult is the outcome of executing one tool call.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// ToolDefinition describes one tool exposed to the model.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// ChatRequest is the unified request shape passed to every provider. The
// router fills Model from the selected route before the call.
type ChatRequest struct {
	Model       string           `json:"model,omitempty"`
	System      string           `json:"system,omitempty"`
	Messages    []Message        `json:"messages"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	ToolChoice  string           `json:"tool_choice,omitempty"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Temperature float64          `json:"temperature,omitempty"`
}

// UsageStats tracks token usage for one provider call.
type UsageStats struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Result is the aggregated outcome of one provider call.
type Result struct {
	Content    string
	Reasoning  string
	ToolCalls  []ToolCall
	StopReason string
	ModelID    string
	Usage      UsageStats
	Latency    time.Duration

	// TTFT is the time to the first streamed token, zero for non-streaming.
	TTFT time.Duration
}

// Stream chunk types emitted by streaming providers, in provider order.
const (
	ChunkContent        = "content"
	ChunkReasoning      = "reasoning"
	ChunkToolUseStart   = "tool_use_start"
	ChunkToolInputDelta = "tool_input_delta"
	ChunkToolUseStop    = "tool_use_stop"
	ChunkDone           = "done"
)

// StreamChunk is one unit of streamed provider output.
type StreamChunk struct {
	Type    string
	Content string

	// Tool fields, set for the tool_use_* chunk types. Index is the
	// provider-assigned call index; interleaved argument fragments for
	// different calls recombine by index.
	ToolIndex  int
	ToolCallID string
	ToolName   string
	ArgsDelta  string
}

// StreamHandler receives streamed chunks. Returning an error aborts the
// stream.
type StreamHandler func(chunk StreamChunk) error

// Upstream error codes, stable across providers.
const (
	CodeUpstreamUnavailable = "upstream_unavailable"
	CodeUpstreamTimeout     = "upstream_timeout"
	CodeUpstreamBadRequest  = "upstream_bad_request"
	CodeUpstreamRateLimited = "upstream_rate_limited"
)

// UpstreamError is the typed classification of a failed provider call.
// Retryable errors indicate the dependency itself is unhealthy and count
// against its circuit breaker; non-retryable errors do not.
type UpstreamError struct {
	Code       string
	Provider   string
	StatusCode int
	Message    string
	Retryable  bool
	RetryAfter time.Duration
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s: %s (status %d): %s", e.Provider, e.Code, e.StatusCode, e.Message)
}

// ClassifyStatus maps an upstream HTTP status to an UpstreamError.
// 5xx and 402 (quota exhaustion) mark the dependency unhealthy; 400, 401,
// 403 and 429 indicate a request or quota problem with a healthy dependency.
func ClassifyStatus(provider string, status int, message string) *UpstreamError {
	switch {
	case status >= 500 || status == 402:
		return &UpstreamError{
			Code:       CodeUpstreamUnavailable,
			Provider:   provider,
			StatusCode: status,
			Message:    message,
			Retryable:  true,
		}
	case status == 429:
		return &UpstreamError{
			Code:       CodeUpstreamRateLimited,
			Provider:   provider,
			StatusCode: status,
			Message:    message,
			Retryable:  false,
		}
	default:
		return &UpstreamError{
			Code:       CodeUpstreamBadRequest,
			Provider:   provider,
			StatusCode: status,
			Message:    message,
			Retryable:  false,
		}
	}
}

// ClassifyTransport maps a transport-level failure (network, timeout) to an
// UpstreamError. Context cancellation is not classified; callers must check
// ctx.Err() first.
func ClassifyTransport(provider string, err error) *UpstreamError {
	code := CodeUpstreamUnavailable
	if isTimeout(err) {
		code = CodeUpstreamTimeout
	}
	return &UpstreamError{
		Code:      code,
		Provider:  provider,
		Message:   err.Error(),
		Retryable: true,
	}
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
