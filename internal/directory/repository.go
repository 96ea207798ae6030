package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) TenantByCode(ctx context.Context, code string) (Tenant, error) {
	return r.tenant(ctx, `WHERE code = $1`, strings.TrimSpace(code))
}

func (r *Repository) TenantByID(ctx context.Context, id string) (Tenant, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Tenant{}, ErrNotFound
	}
	return r.tenant(ctx, `WHERE id = $1`, id)
}

func (r *Repository) tenant(ctx context.Context, where string, arg any) (Tenant, error) {
	var t Tenant
	err := r.db.QueryRowContext(ctx, `SELECT id, code, name, is_active FROM tenants `+where, arg).
		Scan(&t.ID, &t.Code, &t.Name, &t.IsActive)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Tenant{}, ErrNotFound
		}
		return Tenant{}, fmt.Errorf("query tenant: %w", err)
	}
	return t, nil
}

const selectUser = `
	SELECT id, tenant_id, email, display_name, password_hash, is_active, is_service_account,
		failed_login_count, locked_until, last_login, login_count, row_version
	FROM users
`

func (r *Repository) UserByEmail(ctx context.Context, tenantID, email string) (User, error) {
	return r.user(ctx, selectUser+` WHERE tenant_id = $1 AND lower(email) = lower($2)`, tenantID, strings.TrimSpace(email))
}

func (r *Repository) UserByID(ctx context.Context, id string) (User, error) {
	if _, err := uuid.Parse(id); err != nil {
		return User{}, ErrNotFound
	}
	return r.user(ctx, selectUser+` WHERE id = $1`, id)
}

func (r *Repository) user(ctx context.Context, query string, args ...any) (User, error) {
	var (
		u           User
		lockedUntil sql.NullTime
		lastLogin   sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, query, args...).Scan(
		&u.ID, &u.TenantID, &u.Email, &u.DisplayName, &u.PasswordHash, &u.IsActive, &u.IsServiceAccount,
		&u.Login.FailedCount, &lockedUntil, &lastLogin, &u.Login.LoginCount, &u.Version,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, fmt.Errorf("query user: %w", err)
	}

	if lockedUntil.Valid {
		value := lockedUntil.Time.UTC()
		u.Login.LockedUntil = &value
	}
	if lastLogin.Valid {
		value := lastLogin.Time.UTC()
		u.Login.LastLogin = &value
	}
	return u, nil
}

func (r *Repository) CompareAndSwapLoginState(ctx context.Context, userID string, version int64, next LoginState) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET failed_login_count = $3, locked_until = $4, last_login = $5, login_count = $6,
			row_version = row_version + 1, updated_at = NOW()
		WHERE id = $1 AND row_version = $2
	`, userID, version, next.FailedCount, nullTime(next.LockedUntil), nullTime(next.LastLogin), next.LoginCount)
	if err != nil {
		return fmt.Errorf("update login state: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("login state rows affected: %w", err)
	}
	if affected == 0 {
		return ErrConflict
	}
	return nil
}

func (r *Repository) UpdatePasswordHash(ctx context.Context, userID, passwordHash string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE users SET password_hash = $2, updated_at = NOW() WHERE id = $1
	`, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("update password hash: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) ResolveScopes(ctx context.Context, userID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT scope FROM user_scopes WHERE user_id = $1 ORDER BY scope
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query user scopes: %w", err)
	}
	defer rows.Close()

	scopes := make([]string, 0)
	for rows.Next() {
		var scope string
		if err := rows.Scan(&scope); err != nil {
			return nil, fmt.Errorf("scan user scope: %w", err)
		}
		scopes = append(scopes, scope)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate user scopes: %w", err)
	}

	return scopes, nil
}

func (r *Repository) ServiceAccountByClientID(ctx context.Context, clientID string) (ServiceAccount, error) {
	var (
		sa     ServiceAccount
		scopes string
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, client_id, name, secret_hash, scopes, is_active
		FROM service_accounts
		WHERE client_id = $1
	`, strings.TrimSpace(clientID)).Scan(&sa.ID, &sa.TenantID, &sa.ClientID, &sa.Name, &sa.SecretHash, &scopes, &sa.IsActive)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ServiceAccount{}, ErrNotFound
		}
		return ServiceAccount{}, fmt.Errorf("query service account: %w", err)
	}

	sa.Scopes = strings.Fields(scopes)
	return sa, nil
}

func (r *Repository) TouchServiceAccount(ctx context.Context, id string, now time.Time) error {
	if _, err := r.db.ExecContext(ctx, `
		UPDATE service_accounts SET last_used_at = $2 WHERE id = $1
	`, id, now.UTC()); err != nil {
		return fmt.Errorf("touch service account: %w", err)
	}
	return nil
}

// SeedTenantAdmin creates the tenant and its administrator when missing. An
// existing administrator keeps its password; only missing scopes are added.
func (r *Repository) SeedTenantAdmin(ctx context.Context, seed SeedAdmin) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin seed transaction: %w", err)
	}
	defer tx.Rollback()

	tenantID, err := newID()
	if err != nil {
		return err
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO tenants (id, code, name, is_active)
		VALUES ($1, $2, $3, TRUE)
		ON CONFLICT (code) DO UPDATE SET code = EXCLUDED.code
		RETURNING id
	`, tenantID, seed.TenantCode, seed.TenantName).Scan(&tenantID)
	if err != nil {
		return fmt.Errorf("upsert seed tenant: %w", err)
	}

	var userID string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM users WHERE tenant_id = $1 AND lower(email) = lower($2)
	`, tenantID, seed.Email).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		if userID, err = newID(); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO users (id, tenant_id, email, display_name, password_hash)
			VALUES ($1, $2, $3, $4, $5)
		`, userID, tenantID, seed.Email, seed.DisplayName, seed.PasswordHash); err != nil {
			return fmt.Errorf("insert seed admin: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("select seed admin: %w", err)
	}

	for _, scope := range seed.Scopes {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO user_scopes (user_id, scope) VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, userID, scope); err != nil {
			return fmt.Errorf("insert seed scope: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit seed transaction: %w", err)
	}
	return nil
}

func newID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid v7: %w", err)
	}
	return id.String(), nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
