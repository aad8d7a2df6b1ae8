// Copyright 2026 MarketMate
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"marketmate/gateway/reliability/breaker"
	"marketmate/gateway/reliability/bulkhead"
	"marketmate/gateway/shared/logger"
)

var (
	routerCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_provider_calls_total",
			Help: "Provider calls, by provider, route and outcome.",
		},
		[]string{"provider", "route", "outcome"},
	)
	routerFailovers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_provider_failovers_total",
			Help: "Failovers away from a route, by provider and route.",
		},
		[]string{"provider", "route"},
	)
	registerRouterMetricsOnce sync.Once
)

func registerRouterMetrics() {
	registerRouterMetricsOnce.Do(func() {
		prometheus.MustRegister(routerCalls, routerFailovers)
	})
}

// RouterConfig carries the breaker thresholds the router applies.
type RouterConfig struct {
	FailureThreshold int
	Cooldown         time.Duration
}

// Router selects and fails over between upstream routes for a model class.
// Every call is gated by the route provider's bulkhead and circuit breaker;
// only failures that indicate an unhealthy dependency count against the
// breaker.
type Router struct {
	registry  *Registry
	providers map[string]Provider
	breaker   *breaker.Breaker
	bulkhead  *bulkhead.Pool
	cfg       RouterConfig
	log       *logger.Logger
}

// NewRouter builds a Router over the given providers, keyed by Provider.ID().
func NewRouter(registry *Registry, providers []Provider, brk *breaker.Breaker, pool *bulkhead.Pool, cfg RouterConfig, log *logger.Logger) *Router {
	registerRouterMetrics()
	byID := make(map[string]Provider, len(providers))
	for _, p := range providers {
		byID[p.ID()] = p
	}
	return &Router{
		registry:  registry,
		providers: byID,
		breaker:   brk,
		bulkhead:  pool,
		cfg:       cfg,
		log:       log,
	}
}

// Execute performs one non-streaming call against the first healthy route
// for modelClass, failing over per route policy.
func (r *Router) Execute(ctx context.Context, modelClass string, req ChatRequest) (*Result, *RouteInfo, error) {
	return r.execute(ctx, modelClass, req, nil)
}

// ExecuteStream performs one streaming call. Failover applies only while no
// chunk has been delivered to the handler; once output reaches the caller
// the stream is committed to its route.
func (r *Router) ExecuteStream(ctx context.Context, modelClass string, req ChatRequest, handler StreamHandler) (*Result, *RouteInfo, error) {
	return r.execute(ctx, modelClass, req, handler)
}

func (r *Router) execute(ctx context.Context, modelClass string, req ChatRequest, handler StreamHandler) (*Result, *RouteInfo, error) {
	routes, err := r.registry.RoutesFor(modelClass)
	if err != nil {
		return nil, nil, err
	}

	var lastErr error
	for i, route := range routes {
		provider, ok := r.providers[route.Provider]
		if !ok {
			lastErr = fmt.Errorf("llm: no provider registered for route %s (%s)", route.ID, route.Provider)
			continue
		}

		res, committed, err := r.callRoute(ctx, route, provider, req, handler)
		if err == nil {
			info := &RouteInfo{ProviderID: route.Provider, RouteID: route.ID, ModelClass: modelClass}
			return res, info, nil
		}

		// Caller cancellation propagates untouched.
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}

		lastErr = err

		var upstream *UpstreamError
		if errors.As(err, &upstream) && !upstream.Retryable {
			// Request-shaped problem; the next route would fail the same way.
			return nil, nil, err
		}
		if committed {
			// Output already reached the caller, a retry would duplicate it.
			return nil, nil, err
		}
		if !route.Failover || i == len(routes)-1 {
			break
		}

		routerFailovers.WithLabelValues(route.Provider, route.ID).Inc()
		r.log.Warn("", "failing over to next route", map[string]interface{}{
			"model_class": modelClass,
			"from_route":  route.ID,
			"error":       err.Error(),
		})
	}

	return nil, nil, lastErr
}

// callRoute runs one gated provider call. committed reports whether any
// streamed chunk reached the handler before the failure.
func (r *Router) callRoute(ctx context.Context, route Route, provider Provider, req ChatRequest, handler StreamHandler) (res *Result, committed bool, err error) {
	lease, err := r.bulkhead.Acquire(ctx, route.Provider)
	if err != nil {
		routerCalls.WithLabelValues(route.Provider, route.ID, "saturated").Inc()
		return nil, false, err
	}
	defer func() {
		if relErr := r.bulkhead.Release(context.Background(), lease); relErr != nil {
			r.log.ErrorWithErr("", "bulkhead release failed", relErr, map[string]interface{}{
				"provider": route.Provider,
			})
		}
	}()

	verdict, err := r.breaker.Allow(ctx, route.Provider)
	if err != nil {
		return nil, false, err
	}
	if !verdict.Allowed {
		routerCalls.WithLabelValues(route.Provider, route.ID, "breaker_open").Inc()
		return nil, false, &UpstreamError{
			Code:       CodeUpstreamUnavailable,
			Provider:   route.Provider,
			Message:    "circuit breaker open",
			Retryable:  true,
			RetryAfter: verdict.RetryAfter,
		}
	}

	routed := req
	routed.Model = route.Model

	if handler != nil {
		streaming, ok := provider.(StreamingProvider)
		if ok {
			guarded := func(chunk StreamChunk) error {
				committed = true
				return handler(chunk)
			}
			res, err = streaming.CompleteStream(ctx, routed, guarded)
		} else {
			// Non-streaming route of last resort: one synthetic chunk.
			res, err = provider.Complete(ctx, routed)
			if err == nil && res.Content != "" {
				committed = true
				if herr := handler(StreamChunk{Type: ChunkContent, Content: res.Content}); herr != nil {
					return nil, committed, herr
				}
			}
		}
	} else {
		res, err = provider.Complete(ctx, routed)
	}

	if err == nil {
		routerCalls.WithLabelValues(route.Provider, route.ID, "success").Inc()
		if serr := r.breaker.RecordSuccess(ctx, route.Provider); serr != nil {
			r.log.ErrorWithErr("", "breaker success record failed", serr, nil)
		}
		return res, committed, nil
	}

	// Cancellation is the caller's doing, not the dependency's.
	if ctx.Err() != nil {
		routerCalls.WithLabelValues(route.Provider, route.ID, "canceled").Inc()
		return nil, committed, err
	}

	classified := classifyCallError(route.Provider, err)
	if classified.Retryable {
		routerCalls.WithLabelValues(route.Provider, route.ID, "failure").Inc()
		opened, ferr := r.breaker.RecordFailure(ctx, route.Provider, r.cfg.FailureThreshold, r.cfg.Cooldown, classified)
		if ferr != nil {
			r.log.ErrorWithErr("", "breaker failure record failed", ferr, nil)
		}
		if opened {
			r.log.Error("", "circuit breaker opened", map[string]interface{}{
				"provider": route.Provider,
				"route":    route.ID,
				"error":    classified.Message,
			})
		}
	} else {
		routerCalls.WithLabelValues(route.Provider, route.ID, "rejected").Inc()
	}

	return nil, committed, classified
}

// classifyCallError normalizes a provider failure into an UpstreamError.
// Providers already return *UpstreamError for HTTP-level failures; anything
// else is a transport problem.
func classifyCallError(provider string, err error) *UpstreamError {
	var upstream *UpstreamError
	if errors.As(err, &upstream) {
		return upstream
	}
	return ClassifyTransport(provider, err)
}
