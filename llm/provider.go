// Copyright 2026 MarketMate
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"context"
	"net/http"
)

// HTTPClient is the subset of http.Client the providers need. It exists so
// tests can substitute a fake transport.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Provider is the unified interface for upstream model-serving integrations.
// Implementations must be safe for concurrent use.
type Provider interface {
	// ID returns the stable identifier used for routing, breaker and
	// bulkhead keys, logging and metrics.
	ID() string

	// Complete performs one non-streaming call. Failures are returned as
	// *UpstreamError when they originate upstream.
	Complete(ctx context.Context, req ChatRequest) (*Result, error)
}

// StreamingProvider extends Provider with streamed output. The handler is
// invoked for each chunk in provider order; the final aggregated result is
// returned when the stream ends.
type StreamingProvider interface {
	Provider

	CompleteStream(ctx context.Context, req ChatRequest, handler StreamHandler) (*Result, error)
}
