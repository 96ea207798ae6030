package ratelimit

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresStore keeps one fixed window per key in auth_rate_limits so that
// every instance shares the same counters.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Allow(ctx context.Context, key string, max int, window time.Duration, now time.Time) (bool, time.Duration, error) {
	threshold := now.UTC().Add(-window)

	var hits int
	var windowStartedAt time.Time
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO auth_rate_limits (bucket_key, window_started_at, hits, updated_at)
		VALUES ($1, $2, 1, $2)
		ON CONFLICT (bucket_key) DO UPDATE
		SET
			hits = CASE
				WHEN auth_rate_limits.window_started_at <= $3 THEN 1
				ELSE auth_rate_limits.hits + 1
			END,
			window_started_at = CASE
				WHEN auth_rate_limits.window_started_at <= $3 THEN $2
				ELSE auth_rate_limits.window_started_at
			END,
			updated_at = $2
		RETURNING hits, window_started_at
	`, key, now.UTC(), threshold).Scan(&hits, &windowStartedAt)
	if err != nil {
		return false, 0, fmt.Errorf("upsert rate limit window: %w", err)
	}

	if hits <= max {
		return true, 0, nil
	}

	retryAfter := windowStartedAt.Add(window).Sub(now.UTC())
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	return false, retryAfter, nil
}

func (s *PostgresStore) PurgeStale(ctx context.Context, before time.Time, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 500
	}

	var total int64
	for {
		res, err := s.db.ExecContext(ctx, `
			WITH stale AS (
				SELECT bucket_key
				FROM auth_rate_limits
				WHERE updated_at < $1
				ORDER BY updated_at ASC
				LIMIT $2
			)
			DELETE FROM auth_rate_limits t
			USING stale
			WHERE t.bucket_key = stale.bucket_key
		`, before.UTC(), batchSize)
		if err != nil {
			return total, fmt.Errorf("delete stale rate limits: %w", err)
		}

		affected, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("stale rate limits rows affected: %w", err)
		}
		total += affected
		if affected < int64(batchSize) {
			return total, nil
		}
	}
}
