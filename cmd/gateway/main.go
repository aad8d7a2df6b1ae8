// Copyright 2026 MarketMate
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the MarketMate chat gateway.
//
// The gateway is the outbound reliability control plane for the chat
// product:
// - Admits requests under load (shadow or enforce mode)
// - Protects upstream model providers with breakers and bulkheads
// - Fails over between providers per the route table
// - Streams multi-cycle tool-using conversations over SSE
//
// Usage:
//
//	./gateway
//
// Environment Variables:
//
//	PORT - HTTP server port (default: 8080)
//	REDIS_URL - shared control-plane store (optional)
//	DATABASE_URL - PostgreSQL connection string (optional)
//	JWT_SECRET - secret for session token validation
//	ANTHROPIC_API_KEY / OPENAI_API_KEY / BEDROCK_REGION - provider credentials
package main

import (
	"log"

	"marketmate/gateway/gateway"
	"marketmate/gateway/shared/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("configuration error: %v", err)
	}
	if err := gateway.Run(cfg); err != nil {
		log.Fatalf("gateway error: %v", err)
	}
}
