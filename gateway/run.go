// Copyright 2026 MarketMate
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"marketmate/gateway/alerting"
	"marketmate/gateway/llm"
	"marketmate/gateway/llm/anthropic"
	"marketmate/gateway/llm/bedrock"
	"marketmate/gateway/llm/openai"
	"marketmate/gateway/orchestrator"
	"marketmate/gateway/reliability/breaker"
	"marketmate/gateway/reliability/bulkhead"
	"marketmate/gateway/reliability/idempotency"
	"marketmate/gateway/reliability/ratelimit"
	"marketmate/gateway/shared/config"
	"marketmate/gateway/shared/logger"
)

const (
	shutdownTimeout = 10 * time.Second
	jobConcurrency  = 16
	jobTimeout      = 30 * time.Second
)

// Run assembles the gateway from cfg and serves until SIGINT/SIGTERM.
func Run(cfg *config.Config) error {
	log := logger.New("gateway")
	registerGatewayMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := redisClient(cfg.RedisURL)
	if err != nil {
		return err
	}
	if client == nil {
		log.Warn("", "no REDIS_URL configured, reliability components run in-process", nil)
	}

	// Observability store and alert monitor are optional: without Postgres
	// the gateway serves traffic but records no rate-limit events.
	var sink ratelimit.EventSink
	var monitor *alerting.Monitor
	if cfg.DatabaseURL != "" {
		store, err := alerting.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("gateway: open event store: %w", err)
		}
		if err := store.Migrate(ctx); err != nil {
			return fmt.Errorf("gateway: migrate event store: %w", err)
		}
		sink = store
		monitor = alerting.NewMonitor(store, cfg.Alerting, log)
		monitor.Start(ctx)
		defer monitor.Stop()
	}

	limiter := ratelimit.New(client)
	recorder := ratelimit.NewRecorder(client, sink)
	admission := NewAdmission(client, limiter, recorder, cfg.Admission, cfg.RateLimit, log)

	providers, err := buildProviders(ctx, cfg.Providers)
	if err != nil {
		return err
	}
	registry, err := llm.LoadRegistry(cfg.Providers.RouteTablePath)
	if err != nil {
		return fmt.Errorf("gateway: load route table: %w", err)
	}
	router := llm.NewRouter(
		registry,
		providers,
		breaker.New(client),
		bulkhead.New(client, cfg.Bulkhead.MaxConcurrent, cfg.Bulkhead.LeaseTTL),
		llm.RouterConfig{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			Cooldown:         cfg.Breaker.Cooldown,
		},
		log,
	)

	queue := orchestrator.NewWorkerQueue(jobConcurrency, jobTimeout)
	registerBuiltinJobs(queue, log)

	orch := orchestrator.New(
		router,
		orchestrator.DefaultRegistry(),
		queue,
		orchestrator.NewCache(client, cfg.Orchestrator.ToolCacheTTL),
		orchestrator.NewSessionStore(client),
		cfg.Orchestrator,
		log,
	)

	auth := NewAuthenticator(cfg.JWTSecret)
	claims := idempotency.New(client)

	r := mux.NewRouter()
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "Method not allowed.")
	})
	r.Handle("/health", NewHealthHandler(cfg, client)).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.Handle("/api/chat", NewChatHandler(auth, admission, orch, cfg, log)).Methods(http.MethodPost)
	r.Handle("/api/webhooks/gmail", NewWebhookHandler("gmail", claims, queue, log)).Methods(http.MethodPost)
	r.Handle("/api/webhooks/whatsapp", NewWebhookHandler("whatsapp", claims, queue, log)).Methods(http.MethodPost)

	handler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(r)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("", "gateway listening", map[string]interface{}{
			"port": cfg.Port,
			"mode": cfg.GatewayMode,
		})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("gateway: serve: %w", err)
	case <-ctx.Done():
	}

	log.Info("", "shutting down", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func redisClient(redisURL string) (*redis.Client, error) {
	if redisURL == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("gateway: parse REDIS_URL: %w", err)
	}
	return redis.NewClient(opts), nil
}

// buildProviders instantiates every provider with a configured credential.
// The route table decides which of them actually serve traffic.
func buildProviders(ctx context.Context, cfg config.ProviderConfig) ([]llm.Provider, error) {
	var providers []llm.Provider

	if cfg.AnthropicAPIKey != "" {
		p, err := anthropic.New(anthropic.Config{
			APIKey:  cfg.AnthropicAPIKey,
			BaseURL: cfg.AnthropicBaseURL,
		})
		if err != nil {
			return nil, fmt.Errorf("gateway: anthropic provider: %w", err)
		}
		providers = append(providers, p)
	}

	if cfg.OpenAIAPIKey != "" {
		p, err := openai.New(openai.Config{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
		})
		if err != nil {
			return nil, fmt.Errorf("gateway: openai provider: %w", err)
		}
		providers = append(providers, p)
	}

	if cfg.BedrockRegion != "" {
		p, err := bedrock.New(ctx, bedrock.Config{Region: cfg.BedrockRegion})
		if err != nil {
			return nil, fmt.Errorf("gateway: bedrock provider: %w", err)
		}
		providers = append(providers, p)
	}

	if len(providers) == 0 {
		return nil, fmt.Errorf("gateway: no provider credentials configured")
	}
	return providers, nil
}

// registerBuiltinJobs installs handlers the gateway can serve locally.
// Search tools and webhook processing are fulfilled by downstream workers;
// until those are attached, their jobs report failure rather than hang.
func registerBuiltinJobs(queue *orchestrator.WorkerQueue, log *logger.Logger) {
	queue.Register(orchestrator.ToolCurrentTime, func(ctx context.Context, args string) (string, error) {
		return time.Now().UTC().Format(time.RFC3339), nil
	})
	for _, name := range []string{"webhook_gmail", "webhook_whatsapp"} {
		name := name
		queue.Register(name, func(ctx context.Context, args string) (string, error) {
			log.Info("", "webhook delivery accepted", map[string]interface{}{
				"job":  name,
				"size": len(args),
			})
			return "accepted", nil
		})
	}
}
