// Copyright 2026 MarketMate
// SPDX-License-Identifier: Apache-2.0

package alerting

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"marketmate/gateway/shared/config"
	"marketmate/gateway/shared/logger"
)

var (
	alertsRaised = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_rate_limit_alerts_total",
			Help: "Rate limit alerts raised, by bucket and outcome.",
		},
		[]string{"bucket", "outcome"},
	)
	registerMetricsOnce sync.Once
)

func registerMetrics() {
	registerMetricsOnce.Do(func() {
		prometheus.MustRegister(alertsRaised)
	})
}

// Monitor periodically summarizes rate-limit events and raises alerts when
// blocked traffic for a bucket crosses the configured threshold. At most one
// alert is raised per (bucket, outcome) per cooldown slot.
type Monitor struct {
	store *Store
	cfg   config.AlertingConfig
	log   *logger.Logger
	clock func() time.Time

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithMonitorClock overrides the time source, for tests.
func WithMonitorClock(clock func() time.Time) MonitorOption {
	return func(m *Monitor) {
		m.clock = clock
	}
}

// NewMonitor creates a Monitor. Call Start to begin evaluation.
func NewMonitor(store *Store, cfg config.AlertingConfig, log *logger.Logger, opts ...MonitorOption) *Monitor {
	registerMetrics()
	m := &Monitor{
		store: store,
		cfg:   cfg,
		log:   log,
		clock: time.Now,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches the evaluation loop in its own goroutine.
func (m *Monitor) Start(ctx context.Context) {
	go m.run(ctx)
}

// Stop halts the loop and waits for the in-flight evaluation to finish.
func (m *Monitor) Stop() {
	m.once.Do(func() { close(m.stop) })
	<-m.done
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			if err := m.Evaluate(ctx); err != nil {
				m.log.ErrorWithErr("", "alert evaluation failed", err, nil)
			}
		}
	}
}

// Evaluate runs one summarize-alert-prune pass.
func (m *Monitor) Evaluate(ctx context.Context) error {
	now := m.clock()
	since := now.Add(-time.Duration(m.cfg.WindowMinutes) * time.Minute)

	counts, err := m.store.CountEventsSince(ctx, since)
	if err != nil {
		return err
	}

	slot := now.UnixMilli() / m.cfg.Cooldown.Milliseconds()
	for _, bc := range counts {
		if bc.Outcome == string(outcomeAllowed) {
			continue
		}
		if bc.Count < int64(m.cfg.BlockThreshold) {
			continue
		}

		raised, err := m.store.InsertAlert(ctx, bc.Bucket, bc.Outcome, slot, bc.Count)
		if err != nil {
			return err
		}
		if !raised {
			continue
		}

		alertsRaised.WithLabelValues(bc.Bucket, bc.Outcome).Inc()
		m.log.Warn("", "rate limit alert raised", map[string]interface{}{
			"bucket":         bc.Bucket,
			"outcome":        bc.Outcome,
			"event_count":    bc.Count,
			"window_minutes": m.cfg.WindowMinutes,
		})
	}

	return m.store.Prune(ctx)
}

const outcomeAllowed = "allowed"
