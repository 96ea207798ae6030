// Package maintenance deletes expired authentication state.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tenant-auth/internal/observability"
	"tenant-auth/internal/passwordreset"
	"tenant-auth/internal/ratelimit"
	"tenant-auth/internal/tokenstore"
)

const (
	DefaultBatchSize          = 500
	DefaultRateLimitRetention = time.Hour
)

type Result struct {
	RefreshTokens    int64 `json:"deleted_refresh_tokens"`
	BlacklistEntries int64 `json:"deleted_blacklist_entries"`
	ResetTokens      int64 `json:"deleted_reset_tokens"`
	RateLimitWindows int64 `json:"deleted_rate_limit_windows"`
}

// Janitor runs every purge task. All deletes are by expiry predicate, so runs
// may overlap with each other and with live traffic.
type Janitor struct {
	tokens    tokenstore.Store
	resets    passwordreset.Store
	limits    ratelimit.Store
	logger    *observability.Logger
	batchSize int
	retention time.Duration
	now       func() time.Time
}

// NewJanitor accepts a nil limits store when rate limiting keeps no state
// worth purging.
func NewJanitor(tokens tokenstore.Store, resets passwordreset.Store, limits ratelimit.Store, logger *observability.Logger, batchSize int) *Janitor {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Janitor{
		tokens:    tokens,
		resets:    resets,
		limits:    limits,
		logger:    logger,
		batchSize: batchSize,
		retention: DefaultRateLimitRetention,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithRateLimitRetention sets how long an idle rate-limit window is kept. It
// must be at least the longest configured window.
func (j *Janitor) WithRateLimitRetention(d time.Duration) *Janitor {
	if d > 0 {
		j.retention = d
	}
	return j
}

func (j *Janitor) WithClock(now func() time.Time) *Janitor {
	if now != nil {
		j.now = now
	}
	return j
}

// RunOnce keeps going after a failed task and reports every failure.
func (j *Janitor) RunOnce(ctx context.Context) (Result, error) {
	now := j.now()
	var (
		result Result
		errs   []error
	)

	purged, err := j.tokens.PurgeExpired(ctx, now, j.batchSize)
	if err != nil {
		errs = append(errs, fmt.Errorf("purge refresh tokens: %w", err))
	}
	result.RefreshTokens = purged.RefreshTokens
	result.BlacklistEntries = purged.BlacklistEntries

	result.ResetTokens, err = j.resets.PurgeExpired(ctx, now, j.batchSize)
	if err != nil {
		errs = append(errs, fmt.Errorf("purge reset tokens: %w", err))
	}

	if j.limits != nil {
		result.RateLimitWindows, err = j.limits.PurgeStale(ctx, now.Add(-j.retention), j.batchSize)
		if err != nil {
			errs = append(errs, fmt.Errorf("purge rate limit windows: %w", err))
		}
	}

	observability.PurgedRowsTotal.WithLabelValues("refresh_tokens").Add(float64(result.RefreshTokens))
	observability.PurgedRowsTotal.WithLabelValues("token_blacklist").Add(float64(result.BlacklistEntries))
	observability.PurgedRowsTotal.WithLabelValues("password_reset_tokens").Add(float64(result.ResetTokens))
	observability.PurgedRowsTotal.WithLabelValues("auth_rate_limits").Add(float64(result.RateLimitWindows))

	return result, errors.Join(errs...)
}

// Run purges every interval until ctx is cancelled. A zero interval disables
// the loop.
func (j *Janitor) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.runAndLog(ctx)
		}
	}
}

func (j *Janitor) runAndLog(ctx context.Context) {
	result, err := j.RunOnce(ctx)
	fields := map[string]any{
		"deleted_refresh_tokens":     result.RefreshTokens,
		"deleted_blacklist_entries":  result.BlacklistEntries,
		"deleted_reset_tokens":       result.ResetTokens,
		"deleted_rate_limit_windows": result.RateLimitWindows,
	}
	if err != nil {
		fields["error"] = err
		j.logger.Error("auth_cleanup_failed", fields)
		return
	}
	j.logger.Info("auth_cleanup_completed", fields)
}
