package middleware

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hospital/backoffice/internal/platform/clock"
)

// PGIdempotencyStore keeps idempotency records in the idempotency_key table.
type PGIdempotencyStore struct {
	pool  *pgxpool.Pool
	clock clock.Clock
}

func NewPGIdempotencyStore(pool *pgxpool.Pool, clk clock.Clock) *PGIdempotencyStore {
	return &PGIdempotencyStore{pool: pool, clock: clk}
}

func (s *PGIdempotencyStore) Reserve(ctx context.Context, rec *IdempotencyRecord) (*IdempotencyRecord, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO idempotency_key (key, actor_id, request_hash, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key, actor_id) DO NOTHING`,
		rec.Key, rec.ActorID, rec.RequestHash, s.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("reserve idempotency key: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil, nil
	}

	existing := &IdempotencyRecord{Key: rec.Key, ActorID: rec.ActorID}
	err = s.pool.QueryRow(ctx, `
		SELECT request_hash, status_code, body, content_type
		FROM idempotency_key WHERE key = $1 AND actor_id = $2`,
		rec.Key, rec.ActorID,
	).Scan(&existing.RequestHash, &existing.StatusCode, &existing.Body, &existing.ContentType)
	if errors.Is(err, pgx.ErrNoRows) {
		// Released between our insert and read; treat as in flight.
		existing.RequestHash = rec.RequestHash
		return existing, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load idempotency key: %w", err)
	}
	return existing, nil
}

func (s *PGIdempotencyStore) Complete(ctx context.Context, rec *IdempotencyRecord) error {
	ctype := rec.ContentType
	if ctype == "" {
		ctype = "application/json"
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE idempotency_key SET status_code = $3, body = $4, content_type = $5
		WHERE key = $1 AND actor_id = $2`,
		rec.Key, rec.ActorID, rec.StatusCode, rec.Body, ctype)
	if err != nil {
		return fmt.Errorf("complete idempotency key: %w", err)
	}
	return nil
}

func (s *PGIdempotencyStore) Release(ctx context.Context, key, actorID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM idempotency_key WHERE key = $1 AND actor_id = $2 AND status_code = 0`, key, actorID)
	if err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}

// Purge deletes records older than maxAge and returns how many were removed.
func (s *PGIdempotencyStore) Purge(ctx context.Context, maxAge time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM idempotency_key WHERE created_at < $1`, s.clock.Now().Add(-maxAge))
	if err != nil {
		return 0, fmt.Errorf("purge idempotency keys: %w", err)
	}
	return tag.RowsAffected(), nil
}
