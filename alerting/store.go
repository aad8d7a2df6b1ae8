// Copyright 2026 MarketMate
// SPDX-License-Identifier: Apache-2.0

// Package alerting persists rate-limit observability events in Postgres and
// raises alerts when blocked traffic for a bucket crosses a threshold.
package alerting

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"marketmate/gateway/reliability/ratelimit"
)

const (
	eventRetention = 7 * 24 * time.Hour
	alertRetention = 14 * 24 * time.Hour
)

// Store is the Postgres-backed event and alert store.
type Store struct {
	db    *sql.DB
	clock func() time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithStoreClock overrides the time source, for tests.
func WithStoreClock(clock func() time.Time) StoreOption {
	return func(s *Store) {
		s.clock = clock
	}
}

// NewStore wraps an open database handle.
func NewStore(db *sql.DB, opts ...StoreOption) *Store {
	s := &Store{db: db, clock: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("alerting: open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("alerting: ping database: %w", err)
	}
	return NewStore(db), nil
}

// Migrate creates the event and alert tables when missing.
func (s *Store) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS rate_limit_events (
			id BIGSERIAL PRIMARY KEY,
			source TEXT NOT NULL,
			bucket TEXT NOT NULL,
			key TEXT NOT NULL,
			outcome TEXT NOT NULL,
			retry_after_ms BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_rle_bucket_outcome_created
			ON rate_limit_events (bucket, outcome, created_at)`,
		`CREATE TABLE IF NOT EXISTS rate_limit_alerts (
			id BIGSERIAL PRIMARY KEY,
			bucket TEXT NOT NULL,
			outcome TEXT NOT NULL,
			cooldown_slot BIGINT NOT NULL,
			event_count BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (bucket, outcome, cooldown_slot)
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("alerting: migrate: %w", err)
		}
	}
	return nil
}

// InsertRateLimitEvent persists one rate-limit decision event.
func (s *Store) InsertRateLimitEvent(ctx context.Context, ev ratelimit.Event) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rate_limit_events (source, bucket, key, outcome, retry_after_ms, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.Source, ev.Bucket, ev.Key, string(ev.Outcome), ev.RetryAfterMs, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("alerting: insert event: %w", err)
	}
	return nil
}

// BucketCount is an aggregated event count for one (bucket, outcome) pair.
type BucketCount struct {
	Bucket  string
	Outcome string
	Count   int64
}

// CountEventsSince aggregates event counts per (bucket, outcome) created at
// or after since.
func (s *Store) CountEventsSince(ctx context.Context, since time.Time) ([]BucketCount, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT bucket, outcome, COUNT(*) FROM rate_limit_events
		 WHERE created_at >= $1
		 GROUP BY bucket, outcome`, since)
	if err != nil {
		return nil, fmt.Errorf("alerting: count events: %w", err)
	}
	defer rows.Close()

	var counts []BucketCount
	for rows.Next() {
		var bc BucketCount
		if err := rows.Scan(&bc.Bucket, &bc.Outcome, &bc.Count); err != nil {
			return nil, fmt.Errorf("alerting: scan count: %w", err)
		}
		counts = append(counts, bc)
	}
	return counts, rows.Err()
}

// InsertAlert records one alert for a (bucket, outcome, cooldown slot).
// Returns false when that slot already alerted.
func (s *Store) InsertAlert(ctx context.Context, bucket, outcome string, slot int64, count int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO rate_limit_alerts (bucket, outcome, cooldown_slot, event_count, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (bucket, outcome, cooldown_slot) DO NOTHING`,
		bucket, outcome, slot, count, s.clock())
	if err != nil {
		return false, fmt.Errorf("alerting: insert alert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("alerting: insert alert: %w", err)
	}
	return n > 0, nil
}

// Prune deletes events and alerts past their retention windows.
func (s *Store) Prune(ctx context.Context) error {
	now := s.clock()
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM rate_limit_events WHERE created_at < $1`,
		now.Add(-eventRetention)); err != nil {
		return fmt.Errorf("alerting: prune events: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM rate_limit_alerts WHERE created_at < $1`,
		now.Add(-alertRetention)); err != nil {
		return fmt.Errorf("alerting: prune alerts: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
