// Copyright 2026 MarketMate
// SPDX-License-Identifier: Apache-2.0

// Package anthropic implements the provider interface for the Anthropic
// Messages API, including streamed tool use.
package anthropic

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
	// DefaultBaseURL is the Anthropic API endpoint.
	DefaultBaseURL = "https://api.anthropic.com"

	// DefaultAPIVersion is the Messages API version header value.
	DefaultAPIVersion = "2023-06-01"

	// DefaultTimeout bounds one call including the full stream read.
	DefaultTimeout = 120 * time.Second

	// DefaultMaxTokens caps completions when the request does not.
	DefaultMaxTokens = 4096
)

// Config configures the Anthropic provider.
type Config struct {
	APIKey     string        // required
	BaseURL    string        // default DefaultBaseURL
	APIVersion string        // default DefaultAPIVersion
	Timeout    time.Duration // default DefaultTimeout
	Client     llm.HTTPClient
}

// Provider calls the Anthropic Messages API.
type Provider struct {
	apiKey     string
	baseURL    string
	apiVersion string
	client     llm.HTTPClient
}

// New creates the provider, applying config defaults.
func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic: API key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Provider{
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		apiVersion: cfg.APIVersion,
		client:     cfg.Client,
	}, nil
}

// ID returns the provider identifier used for routing and breaker keys.
func (p *Provider) ID() string {
	return "anthropic"
}

// Complete performs one non-streaming Messages call.
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

	var apiResp messagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("anthropic: decode response: %w", err)
	}

	result := &llm.Result{
		StopReason: apiResp.StopReason,
		ModelID:    apiResp.Model,
		Usage: llm.UsageStats{
			InputTokens:  apiResp.Usage.InputTokens,
			OutputTokens: apiResp.Usage.OutputTokens,
			TotalTokens:  apiResp.Usage.InputTokens + apiResp.Usage.OutputTokens,
		},
		Latency: time.Since(start),
	}

	var content strings.Builder
	for _, block := range apiResp.Content {
		switch block.Type {
		case "text":
			content.WriteString(block.Text)
		case "thinking":
			result.Reasoning += block.Thinking
		case "tool_use":
			args, _ := json.Marshal(block.Input)
			result.ToolCalls = append(result.ToolCalls, llm.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: string(args),
			})
		}
	}
	result.Content = content.String()
	return result, nil
}

// CompleteStream performs one streaming Messages call. Tool input deltas are
// forwarded keyed by the provider's content block index.
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
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("anthropic: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", p.apiVersion)

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
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	message := string(body)
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
	}
	return llm.ClassifyStatus(p.ID(), resp.StatusCode, message)
}

// toolAccumulator gathers the streamed fragments of one tool_use block.
type toolAccumulator struct {
	id   string
	name string
	args strings.Builder
}

func (p *Provider) readStream(body io.Reader, handler llm.StreamHandler, start time.Time) (*llm.Result, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var content, reasoning strings.Builder
	var usage llm.UsageStats
	var stopReason, model string
	var ttft time.Duration
	tools := make(map[int]*toolAccumulator)

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

		var event streamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
			continue // malformed events are skipped, not fatal
		}

		switch event.Type {
		case "message_start":
			if event.Message != nil {
				model = event.Message.Model
				if event.Message.Usage != nil {
					usage.InputTokens = event.Message.Usage.InputTokens
				}
			}

		case "content_block_start":
			if event.ContentBlock != nil && event.ContentBlock.Type == "tool_use" {
				tools[event.Index] = &toolAccumulator{
					id:   event.ContentBlock.ID,
					name: event.ContentBlock.Name,
				}
				if err := emit(llm.StreamChunk{
					Type:       llm.ChunkToolUseStart,
					ToolIndex:  event.Index,
					ToolCallID: event.ContentBlock.ID,
					ToolName:   event.ContentBlock.Name,
				}); err != nil {
					return nil, err
				}
			}

		case "content_block_delta":
			if event.Delta == nil {
				continue
			}
			switch event.Delta.Type {
			case "text_delta":
				content.WriteString(event.Delta.Text)
				if err := emit(llm.StreamChunk{Type: llm.ChunkContent, Content: event.Delta.Text}); err != nil {
					return nil, err
				}
			case "thinking_delta":
				reasoning.WriteString(event.Delta.Thinking)
				if err := emit(llm.StreamChunk{Type: llm.ChunkReasoning, Content: event.Delta.Thinking}); err != nil {
					return nil, err
				}
			case "input_json_delta":
				acc, ok := tools[event.Index]
				if !ok {
					continue
				}
				acc.args.WriteString(event.Delta.PartialJSON)
				if err := emit(llm.StreamChunk{
					Type:       llm.ChunkToolInputDelta,
					ToolIndex:  event.Index,
					ToolCallID: acc.id,
					ToolName:   acc.name,
					ArgsDelta:  event.Delta.PartialJSON,
				}); err != nil {
					return nil, err
				}
			}

		case "content_block_stop":
			if acc, ok := tools[event.Index]; ok {
				if err := emit(llm.StreamChunk{
					Type:       llm.ChunkToolUseStop,
					ToolIndex:  event.Index,
					ToolCallID: acc.id,
					ToolName:   acc.name,
				}); err != nil {
					return nil, err
				}
			}

		case "message_delta":
			if event.Delta != nil && event.Delta.StopReason != "" {
				stopReason = event.Delta.StopReason
			}
			if event.Usage != nil {
				usage.OutputTokens = event.Usage.OutputTokens
			}

		case "message_stop":
			if err := emit(llm.StreamChunk{Type: llm.ChunkDone}); err != nil {
				return nil, err
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, llm.ClassifyTransport(p.ID(), err)
	}

	usage.TotalTokens = usage.InputTokens + usage.OutputTokens

	result := &llm.Result{
		Content:    content.String(),
		Reasoning:  reasoning.String(),
		ToolCalls:  collectToolCalls(tools),
		StopReason: stopReason,
		ModelID:    model,
		Usage:      usage,
		Latency:    time.Since(start),
		TTFT:       ttft,
	}
	return result, nil
}

// collectToolCalls orders accumulated calls by their provider index.
func collectToolCalls(tools map[int]*toolAccumulator) []llm.ToolCall {
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

// Wire types for the Messages API.

type messagesRequest struct {
	Model      string          `json:"model"`
	MaxTokens  int             `json:"max_tokens"`
	System     string          `json:"system,omitempty"`
	Messages   []wireMessage   `json:"messages"`
	Tools      []wireTool      `json:"tools,omitempty"`
	ToolChoice *wireToolChoice `json:"tool_choice,omitempty"`
	Stream     bool            `json:"stream,omitempty"`
	Temp       *float64        `json:"temperature,omitempty"`
}

type wireMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

type wireBlock struct {
	Type      string                 `json:"type"`
	Text      string                 `json:"text,omitempty"`
	ID        string                 `json:"id,omitempty"`
	Name      string                 `json:"name,omitempty"`
	Input     map[string]interface{} `json:"input,omitempty"`
	ToolUseID string                 `json:"tool_use_id,omitempty"`
	Content   string                 `json:"content,omitempty"`
	IsError   bool                   `json:"is_error,omitempty"`
}

type wireTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

type wireToolChoice struct {
	Type string `json:"type"`
}

func buildRequest(req llm.ChatRequest, stream bool) messagesRequest {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	out := messagesRequest{
		Model:     req.Model,
		MaxTokens: maxTokens,
		System:    req.System,
		Stream:    stream,
	}
	if req.Temperature > 0 {
		temp := req.Temperature
		out.Temp = &temp
	}
	for _, tool := range req.Tools {
		out.Tools = append(out.Tools, wireTool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.InputSchema,
		})
	}
	if req.ToolChoice != "" {
		out.ToolChoice = &wireToolChoice{Type: req.ToolChoice}
	}
	for _, msg := range req.Messages {
		out.Messages = append(out.Messages, convertMessage(msg))
	}
	return out
}

func convertMessage(msg llm.Message) wireMessage {
	switch {
	case len(msg.ToolCalls) > 0:
		var blocks []wireBlock
		if msg.Content != "" {
			blocks = append(blocks, wireBlock{Type: "text", Text: msg.Content})
		}
		for _, call := range msg.ToolCalls {
			var input map[string]interface{}
			_ = json.Unmarshal([]byte(call.Arguments), &input)
			blocks = append(blocks, wireBlock{Type: "tool_use", ID: call.ID, Name: call.Name, Input: input})
		}
		return wireMessage{Role: llm.RoleAssistant, Content: blocks}

	case len(msg.ToolResults) > 0:
		blocks := make([]wireBlock, 0, len(msg.ToolResults))
		for _, res := range msg.ToolResults {
			blocks = append(blocks, wireBlock{
				Type:      "tool_result",
				ToolUseID: res.ToolCallID,
				Content:   res.Content,
				IsError:   res.IsError,
			})
		}
		// Tool results travel in a user-role message on this API.
		return wireMessage{Role: llm.RoleUser, Content: blocks}

	default:
		return wireMessage{Role: msg.Role, Content: msg.Content}
	}
}

type messagesResponse struct {
	ID         string `json:"id"`
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Content    []struct {
		Type     string                 `json:"type"`
		Text     string                 `json:"text"`
		Thinking string                 `json:"thinking"`
		ID       string                 `json:"id"`
		Name     string                 `json:"name"`
		Input    map[string]interface{} `json:"input"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type streamEvent struct {
	Type    string `json:"type"`
	Index   int    `json:"index,omitempty"`
	Message *struct {
		ID    string `json:"id"`
		Model string `json:"model"`
		Usage *struct {
			InputTokens int `json:"input_tokens"`
		} `json:"usage,omitempty"`
	} `json:"message,omitempty"`
	ContentBlock *struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block,omitempty"`
	Delta *struct {
		Type        string `json:"type,omitempty"`
		Text        string `json:"text,omitempty"`
		Thinking    string `json:"thinking,omitempty"`
		PartialJSON string `json:"partial_json,omitempty"`
		StopReason  string `json:"stop_reason,omitempty"`
	} `json:"delta,omitempty"`
	Usage *struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage,omitempty"`
}
