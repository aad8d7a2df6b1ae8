// Copyright 2026 MarketMate
// SPDX-License-Identifier: Apache-2.0

package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketmate/gateway/llm"
)

type fakeInvoker struct {
	input  *bedrockruntime.InvokeModelInput
	output *bedrockruntime.InvokeModelOutput
	err    error
}

func (f *fakeInvoker) InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error) {
	f.input = params
	if f.err != nil {
		return nil, f.err
	}
	return f.output, nil
}

type fakeAPIError struct {
	code    string
	message string
}

func (e *fakeAPIError) Error() string        { return e.message }
func (e *fakeAPIError) ErrorCode() string    { return e.code }
func (e *fakeAPIError) ErrorMessage() string { return e.message }

func TestComplete_InvokesModelAndParses(t *testing.T) {
	fake := &fakeInvoker{
		output: &bedrockruntime.InvokeModelOutput{
			Body: []byte(`{
				"stop_reason": "end_turn",
				"content": [{"type": "text", "text": "hello from bedrock"}],
				"usage": {"input_tokens": 7, "output_tokens": 3}
			}`),
		},
	}
	p, err := New(context.Background(), Config{Region: "eu-west-1", Client: fake})
	require.NoError(t, err)

	res, err := p.Complete(context.Background(), llm.ChatRequest{
		Model:    "anthropic.claude-3-5-sonnet-20241022-v2:0",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello from bedrock", res.Content)
	assert.Equal(t, "end_turn", res.StopReason)
	assert.Equal(t, 10, res.Usage.TotalTokens)

	require.NotNil(t, fake.input)
	assert.Equal(t, "anthropic.claude-3-5-sonnet-20241022-v2:0", *fake.input.ModelId)

	var sent invokeRequest
	require.NoError(t, json.Unmarshal(fake.input.Body, &sent))
	assert.Equal(t, "bedrock-2023-05-31", sent.AnthropicVersion)
	require.Len(t, sent.Messages, 1)
}

func TestComplete_ThrottlingNotBreakerRelevant(t *testing.T) {
	fake := &fakeInvoker{err: &fakeAPIError{code: "ThrottlingException", message: "slow down"}}
	p, err := New(context.Background(), Config{Client: fake})
	require.NoError(t, err)

	_, err = p.Complete(context.Background(), llm.ChatRequest{Model: "m"})
	var upstream *llm.UpstreamError
	require.True(t, errors.As(err, &upstream))
	assert.Equal(t, llm.CodeUpstreamRateLimited, upstream.Code)
	assert.False(t, upstream.Retryable)
}

func TestComplete_ServiceFaultRetryable(t *testing.T) {
	fake := &fakeInvoker{err: errors.New("connection reset by peer")}
	p, err := New(context.Background(), Config{Client: fake})
	require.NoError(t, err)

	_, err = p.Complete(context.Background(), llm.ChatRequest{Model: "m"})
	var upstream *llm.UpstreamError
	require.True(t, errors.As(err, &upstream))
	assert.True(t, upstream.Retryable)
}
