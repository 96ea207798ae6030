package tokenstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	defaultPurgeBatch = 500
	uniqueViolation   = "23505"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r *Repository) PersistRefresh(ctx context.Context, record RefreshRecord) error {
	return insertRefresh(ctx, r.db, record)
}

func insertRefresh(ctx context.Context, db execer, record RefreshRecord) error {
	if record.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate refresh token id: %w", err)
		}
		record.ID = id.String()
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (
			id, user_id, tenant_id, token_hash, jti, ip, user_agent, platform,
			session_id, remember_me, created_at, expires_at, is_active
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, TRUE)
	`, record.ID, record.UserID, record.TenantID, record.TokenHash, record.JTI,
		record.Device.IP, record.Device.UserAgent, record.Device.Platform,
		record.SessionID, record.RememberMe, record.CreatedAt.UTC(), record.ExpiresAt.UTC())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrDuplicateJTI
		}
		return fmt.Errorf("insert refresh token: %w", err)
	}

	return nil
}

const selectRefresh = `
	SELECT id, user_id, tenant_id, token_hash, jti, ip, user_agent, platform,
		session_id, remember_me, created_at, last_used_at, expires_at, is_active, revoked_at, revoke_reason
	FROM refresh_tokens
`

func (r *Repository) FindByHash(ctx context.Context, tokenHash string) (RefreshRecord, error) {
	record, err := scanRefresh(r.db.QueryRowContext(ctx, selectRefresh+` WHERE token_hash = $1`, tokenHash))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RefreshRecord{}, ErrNotFound
		}
		return RefreshRecord{}, fmt.Errorf("query refresh token by hash: %w", err)
	}
	return record, nil
}

func (r *Repository) FindActiveByHash(ctx context.Context, tokenHash string, now time.Time) (RefreshRecord, error) {
	record, err := scanRefresh(r.db.QueryRowContext(ctx, selectRefresh+`
		WHERE token_hash = $1 AND is_active AND expires_at > $2
	`, tokenHash, now.UTC()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RefreshRecord{}, ErrNotFound
		}
		return RefreshRecord{}, fmt.Errorf("query active refresh token: %w", err)
	}
	return record, nil
}

func (r *Repository) Rotate(ctx context.Context, oldID string, next RefreshRecord, now time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin refresh rotation tx: %w", err)
	}
	defer tx.Rollback()

	// The row lock taken here serialises concurrent rotations of the same
	// token; the loser re-evaluates is_active and matches nothing.
	res, err := tx.ExecContext(ctx, `
		UPDATE refresh_tokens
		SET is_active = FALSE, revoked_at = $2, last_used_at = $2, revoke_reason = $3
		WHERE id = $1 AND is_active AND expires_at > $2
	`, oldID, now.UTC(), ReasonRotated)
	if err != nil {
		return fmt.Errorf("deactivate rotated refresh token: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rotated refresh token rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotActive
	}

	if err := insertRefresh(ctx, tx, next); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit refresh rotation tx: %w", err)
	}
	return nil
}

func (r *Repository) DeactivateByID(ctx context.Context, id, reason string, now time.Time) (bool, error) {
	return r.deactivateOne(ctx, "id", id, reason, now)
}

func (r *Repository) DeactivateByJTI(ctx context.Context, jti, reason string, now time.Time) (bool, error) {
	return r.deactivateOne(ctx, "jti", jti, reason, now)
}

func (r *Repository) deactivateOne(ctx context.Context, column, value, reason string, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE refresh_tokens
		SET is_active = FALSE, revoked_at = $2, revoke_reason = $3
		WHERE `+column+` = $1 AND is_active
	`, value, now.UTC(), reason)
	if err != nil {
		return false, fmt.Errorf("deactivate refresh token by %s: %w", column, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("deactivate refresh token rows affected: %w", err)
	}
	return affected > 0, nil
}

func (r *Repository) DeactivateSession(ctx context.Context, userID, sessionID, reason string, now time.Time) ([]RefreshRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		UPDATE refresh_tokens
		SET is_active = FALSE, revoked_at = $3, revoke_reason = $4
		WHERE user_id = $1 AND session_id = $2 AND is_active
		RETURNING id, user_id, jti, session_id, expires_at
	`, userID, sessionID, now.UTC(), reason)
	if err != nil {
		return nil, fmt.Errorf("deactivate session refresh tokens: %w", err)
	}
	return collectDeactivated(rows)
}

func (r *Repository) DeactivateForUser(ctx context.Context, userID, keepSessionID, reason string, now time.Time) ([]RefreshRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		UPDATE refresh_tokens
		SET is_active = FALSE, revoked_at = $3, revoke_reason = $4
		WHERE user_id = $1 AND is_active AND ($2 = '' OR session_id <> $2)
		RETURNING id, user_id, jti, session_id, expires_at
	`, userID, keepSessionID, now.UTC(), reason)
	if err != nil {
		return nil, fmt.Errorf("deactivate user refresh tokens: %w", err)
	}
	return collectDeactivated(rows)
}

func (r *Repository) Blacklist(ctx context.Context, entry BlacklistEntry) error {
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO token_blacklist (jti, token_type, expires_at, reason, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (jti) DO NOTHING
	`, entry.JTI, entry.Kind, entry.ExpiresAt.UTC(), entry.Reason, createdAt.UTC())
	if err != nil {
		return fmt.Errorf("insert blacklist entry: %w", err)
	}
	return nil
}

func (r *Repository) IsBlacklisted(ctx context.Context, jti string, now time.Time) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM token_blacklist WHERE jti = $1 AND expires_at > $2)
	`, jti, now.UTC()).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query blacklist: %w", err)
	}
	return exists, nil
}

func (r *Repository) PurgeExpired(ctx context.Context, now time.Time, batchSize int) (PurgeResult, error) {
	if batchSize <= 0 {
		batchSize = defaultPurgeBatch
	}

	refresh, err := deleteInBatches(ctx, r.db, `
		WITH expired AS (
			SELECT id FROM refresh_tokens
			WHERE expires_at < $1
			ORDER BY expires_at ASC
			LIMIT $2
		)
		DELETE FROM refresh_tokens t
		USING expired
		WHERE t.id = expired.id
	`, now.UTC(), batchSize)
	if err != nil {
		return PurgeResult{}, fmt.Errorf("purge refresh tokens: %w", err)
	}

	blacklist, err := deleteInBatches(ctx, r.db, `
		WITH expired AS (
			SELECT jti FROM token_blacklist
			WHERE expires_at < $1
			ORDER BY expires_at ASC
			LIMIT $2
		)
		DELETE FROM token_blacklist t
		USING expired
		WHERE t.jti = expired.jti
	`, now.UTC(), batchSize)
	if err != nil {
		return PurgeResult{RefreshTokens: refresh}, fmt.Errorf("purge blacklist: %w", err)
	}

	return PurgeResult{RefreshTokens: refresh, BlacklistEntries: blacklist}, nil
}

// deleteInBatches repeats query until a batch deletes fewer than batchSize
// rows. query must take the cutoff as $1 and the batch size as $2.
func deleteInBatches(ctx context.Context, db execer, query string, cutoff time.Time, batchSize int) (int64, error) {
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		res, err := db.ExecContext(ctx, query, cutoff, batchSize)
		if err != nil {
			return total, err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return total, err
		}

		total += affected
		if affected < int64(batchSize) {
			return total, nil
		}
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRefresh(row rowScanner) (RefreshRecord, error) {
	var (
		record     RefreshRecord
		lastUsedAt sql.NullTime
		revokedAt  sql.NullTime
		reason     sql.NullString
	)
	err := row.Scan(
		&record.ID, &record.UserID, &record.TenantID, &record.TokenHash, &record.JTI,
		&record.Device.IP, &record.Device.UserAgent, &record.Device.Platform,
		&record.SessionID, &record.RememberMe, &record.CreatedAt, &lastUsedAt, &record.ExpiresAt,
		&record.IsActive, &revokedAt, &reason,
	)
	if err != nil {
		return RefreshRecord{}, err
	}

	record.CreatedAt = record.CreatedAt.UTC()
	record.ExpiresAt = record.ExpiresAt.UTC()
	if lastUsedAt.Valid {
		value := lastUsedAt.Time.UTC()
		record.LastUsedAt = &value
	}
	if revokedAt.Valid {
		value := revokedAt.Time.UTC()
		record.RevokedAt = &value
	}
	record.RevokeReason = reason.String
	return record, nil
}

func collectDeactivated(rows *sql.Rows) ([]RefreshRecord, error) {
	defer rows.Close()

	var records []RefreshRecord
	for rows.Next() {
		var record RefreshRecord
		if err := rows.Scan(&record.ID, &record.UserID, &record.JTI, &record.SessionID, &record.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan deactivated refresh token: %w", err)
		}
		record.ExpiresAt = record.ExpiresAt.UTC()
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deactivated refresh tokens: %w", err)
	}
	return records, nil
}
