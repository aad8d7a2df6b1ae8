// Copyright 2026 MarketMate
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_http_requests_total",
			Help: "HTTP requests, by route and status.",
		},
		[]string{"route", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_http_request_duration_seconds",
			Help:    "HTTP request latency, by route.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	admissionDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_admission_decisions_total",
			Help: "Admission decisions, by mode and outcome.",
		},
		[]string{"mode", "outcome"},
	)
	webhookClaims = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_webhook_claims_total",
			Help: "Webhook idempotency claims, by source and result.",
		},
		[]string{"source", "result"},
	)
	registerGatewayMetricsOnce sync.Once
)

func registerGatewayMetrics() {
	registerGatewayMetricsOnce.Do(func() {
		prometheus.MustRegister(httpRequests, httpDuration, admissionDecisions, webhookClaims)
	})
}
