// Copyright 2026 MarketMate
// SPDX-License-Identifier: Apache-2.0

package openai

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketmate/gateway/llm"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) *Provider {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	p, err := New(Config{APIKey: "test-key", BaseURL: server.URL})
	require.NoError(t, err)
	return p
}

func TestComplete_ToolCalls(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"model": "gpt-4o",
			"choices": [{
				"message": {
					"content": "",
					"tool_calls": [{
						"id": "call_1",
						"type": "function",
						"function": {"name": "product_search", "arguments": "{\"term\":\"mug\"}"}
					}]
				},
				"finish_reason": "tool_calls"
			}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 8, "total_tokens": 20}
		}`))
	})

	res, err := p.Complete(context.Background(), llm.ChatRequest{
		Model:    "gpt-4o",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "find mugs"}},
	})
	require.NoError(t, err)
	require.Len(t, res.ToolCalls, 1)
	assert.Equal(t, "call_1", res.ToolCalls[0].ID)
	assert.Equal(t, "product_search", res.ToolCalls[0].Name)
	assert.JSONEq(t, `{"term":"mug"}`, res.ToolCalls[0].Arguments)
	assert.Equal(t, "tool_calls", res.StopReason)
	assert.Equal(t, 20, res.Usage.TotalTokens)
}

func TestComplete_UpstreamErrorClassified(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error":{"message":"upstream exploded"}}`))
	})

	_, err := p.Complete(context.Background(), llm.ChatRequest{Model: "gpt-4o"})
	var upstream *llm.UpstreamError
	require.True(t, errors.As(err, &upstream))
	assert.Equal(t, llm.CodeUpstreamUnavailable, upstream.Code)
	assert.True(t, upstream.Retryable)
	assert.Equal(t, "upstream exploded", upstream.Message)
}

const toolStreamFixture = `data: {"model":"gpt-4o","choices":[{"delta":{"content":"Looking"}}]}

data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"web_search"}}]}}]}

data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"query\":"}}]}}]}

data: {"choices":[{"delta":{"tool_calls":[{"index":1,"id":"call_2","function":{"name":"current_time","arguments":"{}"}}]}}]}

data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"news\"}"}}]}}]}

data: {"choices":[{"delta":{},"finish_reason":"tool_calls"}],"usage":{"prompt_tokens":5,"completion_tokens":15,"total_tokens":20}}

data: [DONE]

`

func TestCompleteStream_InterleavedToolCalls(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(toolStreamFixture))
	})

	var chunks []llm.StreamChunk
	res, err := p.CompleteStream(context.Background(), llm.ChatRequest{Model: "gpt-4o"}, func(chunk llm.StreamChunk) error {
		chunks = append(chunks, chunk)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, "Looking", res.Content)
	assert.Equal(t, "tool_calls", res.StopReason)
	assert.Equal(t, 20, res.Usage.TotalTokens)

	require.Len(t, res.ToolCalls, 2)
	assert.Equal(t, "call_1", res.ToolCalls[0].ID)
	assert.JSONEq(t, `{"query":"news"}`, res.ToolCalls[0].Arguments)
	assert.Equal(t, "call_2", res.ToolCalls[1].ID)

	require.NotEmpty(t, chunks)
	assert.Equal(t, llm.ChunkDone, chunks[len(chunks)-1].Type)
}

func TestBuildRequest_ToolResultsExpand(t *testing.T) {
	req := buildRequest(llm.ChatRequest{
		Model:  "gpt-4o",
		System: "be helpful",
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: "hi"},
			{Role: llm.RoleTool, ToolResults: []llm.ToolResult{
				{ToolCallID: "call_1", Content: "a"},
				{ToolCallID: "call_2", Content: "b"},
			}},
		},
	}, false)

	require.Len(t, req.Messages, 4) // system + user + two tool results
	assert.Equal(t, "system", req.Messages[0].Role)
	assert.Equal(t, llm.RoleTool, req.Messages[2].Role)
	assert.Equal(t, "call_1", req.Messages[2].ToolCallID)
	assert.Equal(t, "call_2", req.Messages[3].ToolCallID)
}
