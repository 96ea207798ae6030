// Package ratelimit throttles public endpoints per client IP.
package ratelimit

import (
	"context"
	"net/http"
	"time"

	"tenant-auth/internal/apperr"
	"tenant-auth/internal/observability"
)

type Store interface {
	// Allow records one hit for key and reports whether it fits in max hits
	// per window. When it does not, retryAfter says when it will.
	Allow(ctx context.Context, key string, max int, window time.Duration, now time.Time) (allowed bool, retryAfter time.Duration, err error)
	// PurgeStale forgets keys untouched since before.
	PurgeStale(ctx context.Context, before time.Time, batchSize int) (int64, error)
}

type Rule struct {
	Max    int
	Window time.Duration
}

type Limiter struct {
	store   Store
	bucket  string
	rule    Rule
	message string
	logger  *observability.Logger
	now     func() time.Time
}

func NewLimiter(store Store, bucket string, rule Rule, logger *observability.Logger) *Limiter {
	if rule.Max <= 0 {
		rule.Max = 10
	}
	if rule.Window <= 0 {
		rule.Window = time.Minute
	}

	return &Limiter{
		store:   store,
		bucket:  bucket,
		rule:    rule,
		message: "too many requests",
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (l *Limiter) WithMessage(message string) *Limiter {
	l.message = message
	return l
}

// Middleware rejects requests over the limit with 429 and Retry-After. Store
// failures let the request through.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := observability.ClientIP(r)

		allowed, retryAfter, err := l.store.Allow(r.Context(), l.bucket+":"+ip, l.rule.Max, l.rule.Window, l.now())
		if err != nil {
			l.logger.Error("rate_limit_check_failed", map[string]any{
				"bucket": l.bucket,
				"ip":     ip,
				"error":  err.Error(),
			})
			next.ServeHTTP(w, r)
			return
		}
		if !allowed {
			observability.RateLimitedTotal.WithLabelValues(l.bucket).Inc()
			l.logger.Warn("rate_limited", map[string]any{
				"bucket":         l.bucket,
				"ip":             ip,
				"retry_after_ms": retryAfter.Milliseconds(),
			})
			apperr.WriteError(w, apperr.RateLimited(l.message, retryAfter))
			return
		}

		next.ServeHTTP(w, r)
	})
}
