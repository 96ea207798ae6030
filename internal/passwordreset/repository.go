package passwordreset

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Issue(ctx context.Context, token Token, limit IssueLimit) error {
	if token.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate reset token id: %w", err)
		}
		token.ID = id.String()
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reset issue tx: %w", err)
	}
	defer tx.Rollback()

	var userID string
	if err := tx.QueryRowContext(ctx, `SELECT id FROM users WHERE id = $1 FOR UPDATE`, token.UserID).Scan(&userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("lock user row: %w", err)
	}

	since := token.CreatedAt.UTC().Add(-limit.Window)
	var (
		recent int
		oldest sql.NullTime
	)
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*), MIN(created_at)
		FROM password_reset_tokens
		WHERE user_id = $1 AND created_at > $2
	`, token.UserID, since).Scan(&recent, &oldest); err != nil {
		return fmt.Errorf("count recent reset tokens: %w", err)
	}
	if limit.Max > 0 && recent >= limit.Max {
		retryAfter := limit.Window
		if oldest.Valid {
			retryAfter = oldest.Time.Add(limit.Window).Sub(token.CreatedAt)
		}
		return &LimitExceededError{RetryAfter: retryAfter}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE password_reset_tokens
		SET is_used = TRUE, used_at = $2
		WHERE user_id = $1 AND NOT is_used
	`, token.UserID, token.CreatedAt.UTC()); err != nil {
		return fmt.Errorf("invalidate previous reset tokens: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO password_reset_tokens (id, user_id, token_hash, created_at, expires_at, request_ip, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, token.ID, token.UserID, token.TokenHash, token.CreatedAt.UTC(), token.ExpiresAt.UTC(), token.RequestIP, token.UserAgent); err != nil {
		return fmt.Errorf("insert reset token: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reset issue tx: %w", err)
	}
	return nil
}

const selectToken = `
	SELECT id, user_id, token_hash, created_at, expires_at, is_used, used_at, request_ip, user_agent
	FROM password_reset_tokens
	WHERE token_hash = $1
`

func (r *Repository) FindByHash(ctx context.Context, tokenHash string) (Token, error) {
	token, err := scanToken(r.db.QueryRowContext(ctx, selectToken, tokenHash))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Token{}, ErrNotFound
		}
		return Token{}, fmt.Errorf("query reset token: %w", err)
	}
	return token, nil
}

func (r *Repository) Consume(ctx context.Context, tokenHash, passwordHash string, now time.Time) (Token, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Token{}, fmt.Errorf("begin reset consume tx: %w", err)
	}
	defer tx.Rollback()

	token, err := scanToken(tx.QueryRowContext(ctx, selectToken+` FOR UPDATE`, tokenHash))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Token{}, ErrNotFound
		}
		return Token{}, fmt.Errorf("lock reset token: %w", err)
	}
	if !token.Usable(now) {
		return Token{}, ErrUnusable
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE users
		SET password_hash = $2, failed_login_count = 0, locked_until = NULL,
			row_version = row_version + 1, updated_at = $3
		WHERE id = $1
	`, token.UserID, passwordHash, now.UTC())
	if err != nil {
		return Token{}, fmt.Errorf("update user password: %w", err)
	}
	if affected, err := res.RowsAffected(); err != nil {
		return Token{}, fmt.Errorf("update user password rows affected: %w", err)
	} else if affected == 0 {
		return Token{}, ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE password_reset_tokens
		SET is_used = TRUE, used_at = $2
		WHERE user_id = $1 AND NOT is_used
	`, token.UserID, now.UTC()); err != nil {
		return Token{}, fmt.Errorf("consume reset tokens: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Token{}, fmt.Errorf("commit reset consume tx: %w", err)
	}

	usedAt := now.UTC()
	token.IsUsed = true
	token.UsedAt = &usedAt
	return token, nil
}

func (r *Repository) PurgeExpired(ctx context.Context, now time.Time, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 500
	}

	var total int64
	for {
		res, err := r.db.ExecContext(ctx, `
			WITH expired AS (
				SELECT id FROM password_reset_tokens
				WHERE expires_at < $1
				ORDER BY expires_at ASC
				LIMIT $2
			)
			DELETE FROM password_reset_tokens t
			USING expired
			WHERE t.id = expired.id
		`, now.UTC(), batchSize)
		if err != nil {
			return total, fmt.Errorf("purge reset tokens: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("purge reset tokens rows affected: %w", err)
		}
		total += affected
		if affected < int64(batchSize) {
			return total, nil
		}
	}
}

func scanToken(row interface{ Scan(...any) error }) (Token, error) {
	var (
		t      Token
		usedAt sql.NullTime
	)
	if err := row.Scan(&t.ID, &t.UserID, &t.TokenHash, &t.CreatedAt, &t.ExpiresAt, &t.IsUsed, &usedAt, &t.RequestIP, &t.UserAgent); err != nil {
		return Token{}, err
	}
	t.CreatedAt = t.CreatedAt.UTC()
	t.ExpiresAt = t.ExpiresAt.UTC()
	if usedAt.Valid {
		value := usedAt.Time.UTC()
		t.UsedAt = &value
	}
	return t, nil
}
