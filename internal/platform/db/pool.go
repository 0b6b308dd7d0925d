package db

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolConfig describes the connection pool shared by every repository.
type PoolConfig struct {
	URL      string
	MaxConns int32
	MinConns int32
	// ApplicationName shows up in pg_stat_activity.
	ApplicationName string
	// StatementTimeout is enforced server-side per statement. Zero keeps the
	// server default.
	StatementTimeout time.Duration
	// ConnectAttempts is how many pings to try before giving up. Values
	// below 1 mean one attempt.
	ConnectAttempts int
}

func (c PoolConfig) parse() (*pgxpool.Config, error) {
	cfg, err := pgxpool.ParseConfig(c.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if c.MaxConns > 0 {
		cfg.MaxConns = c.MaxConns
	}
	if c.MinConns > 0 {
		cfg.MinConns = c.MinConns
	}

	params := cfg.ConnConfig.RuntimeParams
	// Every timestamptz is read and written as UTC.
	params["timezone"] = "UTC"
	if c.ApplicationName != "" {
		params["application_name"] = c.ApplicationName
	}
	if c.StatementTimeout > 0 {
		params["statement_timeout"] = strconv.FormatInt(c.StatementTimeout.Milliseconds(), 10)
	}
	return cfg, nil
}

// NewPool opens the pool and waits until the database answers a ping.
func NewPool(ctx context.Context, c PoolConfig) (*pgxpool.Pool, error) {
	cfg, err := c.parse()
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	attempts := c.ConnectAttempts
	if attempts < 1 {
		attempts = 1
	}
	for i := 1; ; i++ {
		err = pool.Ping(ctx)
		if err == nil {
			return pool, nil
		}
		if i >= attempts {
			break
		}
		select {
		case <-ctx.Done():
			pool.Close()
			return nil, fmt.Errorf("ping database: %w", ctx.Err())
		case <-time.After(time.Duration(i) * 500 * time.Millisecond):
		}
	}
	pool.Close()
	return nil, fmt.Errorf("ping database after %d attempt(s): %w", attempts, err)
}
