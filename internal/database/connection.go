package database

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	applicationName = "forensixd"
	firstRetryDelay = 250 * time.Millisecond
	maxRetryDelay   = 5 * time.Second
)

// Config holds database connection configuration
type Config struct {
	URL      string
	MaxConns int32
	MinConns int32

	// ConnectTimeout bounds how long NewPool keeps retrying while the database comes up.
	// Zero means a single attempt.
	ConnectTimeout time.Duration
}

// NewPool creates a pgx pool for the evidence index and waits until the database answers.
func NewPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = cfg.MinConns
	}
	if _, ok := poolConfig.ConnConfig.RuntimeParams["application_name"]; !ok {
		poolConfig.ConnConfig.RuntimeParams["application_name"] = applicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := waitForDatabase(ctx, pool, cfg.ConnectTimeout); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}

type pinger interface {
	Ping(ctx context.Context) error
}

// waitForDatabase pings until it succeeds or timeout elapses, doubling the delay between
// attempts.
func waitForDatabase(ctx context.Context, db pinger, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	delay := firstRetryDelay

	for attempt := 1; ; attempt++ {
		err := db.Ping(ctx)
		if err == nil {
			return nil
		}
		if time.Now().Add(delay).After(deadline) {
			return err
		}
		log.Printf("Database not ready (attempt %d), retrying in %v: %v", attempt, delay, err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = min(delay*2, maxRetryDelay)
	}
}
