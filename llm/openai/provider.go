// Copyright 2026 MarketMate
// SPDX-License-Identifier: Apache-2.0

// Package openai implements the provider interface for the OpenAI chat
// completions API and compatible serving endpoints.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"marketmate/gateway/llm"
)

const (
	// DefaultBaseURL is the OpenAI API endpoint.
	DefaultBaseURL = "https://api.openai.com"

	// DefaultTimeout bounds one call including the full stream read.
	DefaultTimeout = 120 * time.Second
)

// Config configures the OpenAI provider.
type Config struct {
	APIKey  string        // required
	BaseURL string        // default DefaultBaseURL, any compatible endpoint
	Timeout time.Duration // default DefaultTimeout
	Client  llm.HTTPClient
}

// Provider calls the chat completions API.
type Provider struct {
	apiKey  string
	baseURL string
	client  llm.HTTPClient
}

// New creates the provider, applying config defaults.
func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai: API key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Provider{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		client:  cfg.Client,
	}, nil
}

// ID returns the provider identifier used for routing and breaker keys.
func (p *Provider) ID() string {
	return "openai"
}

// Complete performs one non-streaming chat completions call.
func (p *Provider) Complete(ctx context.Context, req llm.ChatRequest) (*llm.Result, error) {
	start := time.Now()

	resp, err := p.post(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, p.apiError(resp)
	}

	var apiResp completionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("openai: decode response: %w", err)
	}
	if len(apiResp.Choices) == 0 {
		return nil, fmt.Errorf("openai: response carried no choices")
	}

	choice := apiResp.Choices[0]
	result := &llm.Result{
		Content:    choice.Message.Content,
		StopReason: choice.FinishReason,
		ModelID:    apiResp.Model,
		Usage: llm.UsageStats{
			InputTokens:  apiResp.Usage.PromptTokens,
			OutputTokens: apiResp.Usage.CompletionTokens,
			TotalTokens:  apiResp.Usage.TotalTokens,
		},
		Latency: time.Since(start),
	}
	for _, call := range choice.Message.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, llm.ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: call.Function.Arguments,
		})
	}
	return result, nil
}

// CompleteStream performs one streaming chat completions call. Tool call
// argument fragments are forwarded keyed by the provider's call index.
func (p *Provider) CompleteStream(ctx context.Context, req llm.ChatRequest, handler llm.StreamHandler) (*llm.Result, error) {
	start := time.Now()

	resp, err := p.post(ctx, req, true)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, p.apiError(resp)
	}

	return p.readStream(resp.Body, handler, start)
}

func (p *Provider) post(ctx context.Context, req llm.ChatRequest, stream bool) (*http.Response, error) {
	body, err := json.Marshal(buildRequest(req, stream))
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, llm.ClassifyTransport(p.ID(), err)
	}
	return resp, nil
}

func (p *Provider) apiError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var errResp struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	message := string(body)
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
	}
	return llm.ClassifyStatus(p.ID(), resp.StatusCode, message)
}

type streamToolCall struct {
	id   string
	name string
	args strings.Builder
}

func (p *Provider) readStream(body io.Reader, handler llm.StreamHandler, start time.Time) (*llm.Result, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var content strings.Builder
	var usage llm.UsageStats
	var finishReason, model string
	var ttft time.Duration
	tools := make(map[int]*streamToolCall)

	emit := func(chunk llm.StreamChunk) error {
		if ttft == 0 {
			ttft = time.Since(start)
		}
		if handler == nil {
			return nil
		}
		return handler(chunk)
	}

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			if err := emit(llm.StreamChunk{Type: llm.ChunkDone}); err != nil {
				return nil, err
			}
			break
		}

		var event streamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			continue
		}
		if event.Model != "" {
			model = event.Model
		}
		if event.Usage != nil {
			usage.InputTokens = event.Usage.PromptTokens
			usage.OutputTokens = event.Usage.CompletionTokens
			usage.TotalTokens = event.Usage.TotalTokens
		}
		if len(event.Choices) == 0 {
			continue
		}

		choice := event.Choices[0]
		if choice.FinishReason != "" {
			finishReason = choice.FinishReason
		}
		if choice.Delta.Content != "" {
			content.WriteString(choice.Delta.Content)
			if err := emit(llm.StreamChunk{Type: llm.ChunkContent, Content: choice.Delta.Content}); err != nil {
				return nil, err
			}
		}

		for _, delta := range choice.Delta.ToolCalls {
			acc, ok := tools[delta.Index]
			if !ok {
				acc = &streamToolCall{}
				tools[delta.Index] = acc
			}
			if delta.ID != "" {
				acc.id = delta.ID
			}
			if delta.Function.Name != "" {
				acc.name = delta.Function.Name
				if err := emit(llm.StreamChunk{
					Type:       llm.ChunkToolUseStart,
					ToolIndex:  delta.Index,
					ToolCallID: acc.id,
					ToolName:   acc.name,
				}); err != nil {
					return nil, err
				}
			}
			if delta.Function.Arguments != "" {
				acc.args.WriteString(delta.Function.Arguments)
				if err := emit(llm.StreamChunk{
					Type:       llm.ChunkToolInputDelta,
					ToolIndex:  delta.Index,
					ToolCallID: acc.id,
					ToolName:   acc.name,
					ArgsDelta:  delta.Function.Arguments,
				}); err != nil {
					return nil, err
				}
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, llm.ClassifyTransport(p.ID(), err)
	}

	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.InputTokens + usage.OutputTokens
	}

	return &llm.Result{
		Content:    content.String(),
		ToolCalls:  collectToolCalls(tools),
		StopReason: finishReason,
		ModelID:    model,
		Usage:      usage,
		Latency:    time.Since(start),
		TTFT:       ttft,
	}, nil
}

func collectToolCalls(tools map[int]*streamToolCall) []llm.ToolCall {
	if len(tools) == 0 {
		return nil
	}
	indexes := make([]int, 0, len(tools))
	for idx := range tools {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	calls := make([]llm.ToolCall, 0, len(tools))
	for _, idx := range indexes {
		acc := tools[idx]
		args := acc.args.String()
		if args == "" {
			args = "{}"
		}
		calls = append(calls, llm.ToolCall{ID: acc.id, Name: acc.name, Arguments: args})
	}
	return calls
}

// Wire types for the chat completions API.

type completionsRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Tools       []wireTool    `json:"tools,omitempty"`
	ToolChoice  string        `json:"tool_choice,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content,omitempty"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type wireTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string                 `json:"name"`
		Description string                 `json:"description"`
		Parameters  map[string]interface{} `json:"parameters"`
	} `json:"function"`
}

func buildRequest(req llm.ChatRequest, stream bool) completionsRequest {
	out := completionsRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		ToolChoice:  req.ToolChoice,
		Stream:      stream,
	}
	if req.System != "" {
		out.Messages = append(out.Messages, wireMessage{Role: "system", Content: req.System})
	}
	for _, tool := range req.Tools {
		var wt wireTool
		wt.Type = "function"
		wt.Function.Name = tool.Name
		wt.Function.Description = tool.Description
		wt.Function.Parameters = tool.InputSchema
		out.Tools = append(out.Tools, wt)
	}
	for _, msg := range req.Messages {
		out.Messages = append(out.Messages, convertMessage(msg)...)
	}
	return out
}

// convertMessage maps one neutral message to wire messages. Tool results
// expand to one message per result on this API.
func convertMessage(msg llm.Message) []wireMessage {
	switch {
	case len(msg.ToolCalls) > 0:
		wire := wireMessage{Role: llm.RoleAssistant, Content: msg.Content}
		for _, call := range msg.ToolCalls {
			var wc wireToolCall
			wc.ID = call.ID
			wc.Type = "function"
			wc.Function.Name = call.Name
			wc.Function.Arguments = call.Arguments
			wire.ToolCalls = append(wire.ToolCalls, wc)
		}
		return []wireMessage{wire}

	case len(msg.ToolResults) > 0:
		out := make([]wireMessage, 0, len(msg.ToolResults))
		for _, res := range msg.ToolResults {
			out = append(out, wireMessage{
				Role:       llm.RoleTool,
				Content:    res.Content,
				ToolCallID: res.ToolCallID,
			})
		}
		return out

	default:
		return []wireMessage{{Role: msg.Role, Content: msg.Content}}
	}
}

type completionsResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content   string         `json:"content"`
			ToolCalls []wireToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type streamEvent struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}
