// Package passwordreset issues, validates and consumes one-time password
// reset tokens.
package passwordreset

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	DefaultTokenTTL      = time.Hour
	DefaultMaxIssue      = 3
	DefaultWindow        = 5 * time.Minute
	DefaultNotifyTimeout = 15 * time.Second

	TemplatePasswordReset = "password_reset"
)

var (
	ErrNotFound = errors.New("reset token not found")
	// ErrUnusable covers used and expired tokens.
	ErrUnusable = errors.New("reset token expired or already used")
)

// LimitExceededError is returned by Store.Issue when the user already has
// Max tokens inside the window.
type LimitExceededError struct {
	RetryAfter time.Duration
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("reset token limit exceeded, retry after %s", e.RetryAfter)
}

type Token struct {
	ID        string
	UserID    string
	TokenHash string
	CreatedAt time.Time
	ExpiresAt time.Time
	IsUsed    bool
	UsedAt    *time.Time
	RequestIP string
	UserAgent string
}

func (t Token) Usable(now time.Time) bool {
	return !t.IsUsed && now.Before(t.ExpiresAt)
}

type IssueLimit struct {
	Max    int
	Window time.Duration
}

type Store interface {
	// Issue checks the per-user limit, marks the user's unused tokens as used
	// and inserts token, all under the user's row lock.
	Issue(ctx context.Context, token Token, limit IssueLimit) error
	FindByHash(ctx context.Context, tokenHash string) (Token, error)
	// Consume sets the new password hash, clears the lockout state and marks
	// every token of the user as used. It fails with ErrUnusable when the
	// token was used or expired in the meantime.
	Consume(ctx context.Context, tokenHash, passwordHash string, now time.Time) (Token, error)
	PurgeExpired(ctx context.Context, now time.Time, batchSize int) (int64, error)
}
