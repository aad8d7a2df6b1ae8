// Copyright 2026 MarketMate
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"marketmate/gateway/llm"
)

// Standard tool names.
const (
	ToolWebSearch     = "web_search"
	ToolProductSearch = "product_search"
	ToolCurrentTime   = "current_time"
)

// JobOutcome classifies one job-queue execution.
type JobOutcome string

const (
	JobCompleted    JobOutcome = "completed"
	JobFailed       JobOutcome = "failed"
	JobBackpressure JobOutcome = "queued-with-backpressure"
)

// JobResult is the outcome of delegating one tool call to the job queue.
type JobResult struct {
	Outcome    JobOutcome
	Output     string
	Reason     string // set for failed and backpressure outcomes
	Retryable  bool
	RetryAfter time.Duration
}

// JobQueue executes tool calls out of process. Implementations surface
// saturation as a JobBackpressure outcome rather than blocking or erroring.
type JobQueue interface {
	Execute(ctx context.Context, toolName, args string) (JobResult, error)
}

// Tool is one tool exposed to the model.
type Tool struct {
	Definition llm.ToolDefinition

	// Cacheable tools consult the result cache before the job queue.
	Cacheable bool
}

// Registry holds the tools available to a turn.
type Registry struct {
	tools map[string]Tool
	order []string
}

// NewRegistry builds a Registry preserving registration order.
func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool, len(tools))}
	for _, tool := range tools {
		r.tools[tool.Definition.Name] = tool
		r.order = append(r.order, tool.Definition.Name)
	}
	return r
}

// DefaultRegistry returns the standard tool set.
func DefaultRegistry() *Registry {
	return NewRegistry(
		Tool{
			Definition: llm.ToolDefinition{
				Name:        ToolWebSearch,
				Description: "Search the web for current information.",
				InputSchema: map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"query": map[string]interface{}{"type": "string"},
					},
					"required": []string{"query"},
				},
			},
			Cacheable: true,
		},
		Tool{
			Definition: llm.ToolDefinition{
				Name:        ToolProductSearch,
				Description: "Search the product catalog.",
				InputSchema: map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"term": map[string]interface{}{"type": "string"},
					},
					"required": []string{"term"},
				},
			},
			Cacheable: true,
		},
		Tool{
			Definition: llm.ToolDefinition{
				Name:        ToolCurrentTime,
				Description: "Get the current date and time.",
				InputSchema: map[string]interface{}{
					"type":       "object",
					"properties": map[string]interface{}{},
				},
			},
			Cacheable: false,
		},
	)
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Tool, bool) {
	tool, ok := r.tools[name]
	return tool, ok
}

// Definitions lists tool definitions in registration order.
func (r *Registry) Definitions() []llm.ToolDefinition {
	defs := make([]llm.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.tools[name].Definition)
	}
	return defs
}

// fingerprintMaxLen caps the cache key component derived from arguments.
const fingerprintMaxLen = 512

// Fingerprint normalizes raw tool arguments into a cache key component:
// lower-cased, trimmed, length-capped.
func Fingerprint(raw string) string {
	fp := strings.ToLower(strings.TrimSpace(raw))
	if len(fp) > fingerprintMaxLen {
		fp = fp[:fingerprintMaxLen]
	}
	return fp
}

// Cache is the short-TTL tool result cache. A hit short-circuits tool
// execution entirely.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	clock  func() time.Time

	mu  sync.Mutex
	mem map[string]memEntry
}

type memEntry struct {
	value     string
	expiresAt time.Time
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithCacheClock overrides the time source, for tests.
func WithCacheClock(clock func() time.Time) CacheOption {
	return func(c *Cache) {
		c.clock = clock
	}
}

// NewCache creates a Cache. A nil client selects the in-process fallback.
func NewCache(client *redis.Client, ttl time.Duration, opts ...CacheOption) *Cache {
	c := &Cache{
		client: client,
		ttl:    ttl,
		clock:  time.Now,
		mem:    make(map[string]memEntry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached value for (namespace, args) and whether it was
// present. Lookup failures count as misses.
func (c *Cache) Get(ctx context.Context, namespace, args string) (string, bool) {
	key := cacheKey(namespace, args)

	if c.client == nil {
		c.mu.Lock()
		defer c.mu.Unlock()
		entry, ok := c.mem[key]
		if !ok || c.clock().After(entry.expiresAt) {
			delete(c.mem, key)
			return "", false
		}
		return entry.value, true
	}

	value, err := c.client.Get(ctx, key).Result()
	if err != nil {
		return "", false
	}
	return value, true
}

// Set stores value for (namespace, args), overwriting any live entry.
func (c *Cache) Set(ctx context.Context, namespace, args, value string) {
	key := cacheKey(namespace, args)

	if c.client == nil {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.mem[key] = memEntry{value: value, expiresAt: c.clock().Add(c.ttl)}
		return
	}

	// Best effort: a failed write only costs a future cache miss.
	_ = c.client.Set(ctx, key, value, c.ttl).Err()
}

func cacheKey(namespace, args string) string {
	return fmt.Sprintf("toolcache:%s:%s", namespace, Fingerprint(args))
}
