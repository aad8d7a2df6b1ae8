// Copyright 2026 MarketMate
// SPDX-License-Identifier: Apache-2.0

// Package bedrock implements a non-streaming provider backed by AWS Bedrock.
// It serves as the route of last resort when the direct API providers are
// unavailable; requests are signed with AWS Signature V4 via the SDK.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"marketmate/gateway/llm"
)

// DefaultRegion is used when no region is configured.
const DefaultRegion = "us-east-1"

// ModelInvoker is the subset of the Bedrock runtime client the provider
// needs. It exists so tests can substitute a fake.
type ModelInvoker interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// Config configures the Bedrock provider.
type Config struct {
	Region string
	Client ModelInvoker // optional, built from AWS config when nil
}

// Provider calls Bedrock's InvokeModel for Anthropic-family models.
type Provider struct {
	client ModelInvoker
	region string
}

// New creates the provider. When no client is injected the default AWS
// credential chain is loaded for the configured region.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.Region == "" {
		cfg.Region = DefaultRegion
	}
	if cfg.Client == nil {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
		if err != nil {
			return nil, fmt.Errorf("bedrock: load AWS config (region %s): %w", cfg.Region, err)
		}
		cfg.Client = bedrockruntime.NewFromConfig(awsCfg)
	}
	return &Provider{client: cfg.Client, region: cfg.Region}, nil
}

// ID returns the provider identifier used for routing and breaker keys.
func (p *Provider) ID() string {
	return "bedrock"
}

// Complete performs one InvokeModel call.
func (p *Provider) Complete(ctx context.Context, req llm.ChatRequest) (*llm.Result, error) {
	start := time.Now()

	body, err := json.Marshal(buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("bedrock: marshal request: %w", err)
	}

	output, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(req.Model),
		Body:        body,
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classifyInvokeError(p.ID(), err)
	}

	var apiResp invokeResponse
	if err := json.Unmarshal(output.Body, &apiResp); err != nil {
		return nil, fmt.Errorf("bedrock: decode response: %w", err)
	}

	result := &llm.Result{
		StopReason: apiResp.StopReason,
		ModelID:    req.Model,
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

// classifyInvokeError maps SDK failures onto the upstream taxonomy. Throttling
// maps to rate-limited (healthy dependency); everything else marks the
// dependency unavailable.
func classifyInvokeError(provider string, err error) error {
	var apiErr interface {
		ErrorCode() string
		ErrorMessage() string
	}
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return &llm.UpstreamError{
				Code:      llm.CodeUpstreamRateLimited,
				Provider:  provider,
				Message:   apiErr.ErrorMessage(),
				Retryable: false,
			}
		case "ValidationException", "AccessDeniedException":
			return &llm.UpstreamError{
				Code:      llm.CodeUpstreamBadRequest,
				Provider:  provider,
				Message:   apiErr.ErrorMessage(),
				Retryable: false,
			}
		}
	}
	return llm.ClassifyTransport(provider, err)
}

// Wire types for the Anthropic model family on Bedrock.

type invokeRequest struct {
	AnthropicVersion string        `json:"anthropic_version"`
	MaxTokens        int           `json:"max_tokens"`
	System           string        `json:"system,omitempty"`
	Messages         []wireMessage `json:"messages"`
	Tools            []wireTool    `json:"tools,omitempty"`
	Temperature      float64       `json:"temperature,omitempty"`
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

func buildRequest(req llm.ChatRequest) invokeRequest {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	out := invokeRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        maxTokens,
		System:           req.System,
		Temperature:      req.Temperature,
	}
	for _, tool := range req.Tools {
		out.Tools = append(out.Tools, wireTool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.InputSchema,
		})
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
		return wireMessage{Role: llm.RoleUser, Content: blocks}

	default:
		return wireMessage{Role: msg.Role, Content: msg.Content}
	}
}

type invokeResponse struct {
	StopReason string `json:"stop_reason"`
	Content    []struct {
		Type  string                 `json:"type"`
		Text  string                 `json:"text"`
		ID    string                 `json:"id"`
		Name  string                 `json:"name"`
		Input map[string]interface{} `json:"input"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}
