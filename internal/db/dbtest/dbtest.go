// Package dbtest opens a migrated Postgres database for integration tests.
package dbtest

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"tenant-auth/internal/db"
)

const EnvURL = "TEST_DATABASE_URL"

// Open skips the test unless TEST_DATABASE_URL is set. Tables touched by the
// auth packages are truncated before the test runs.
func Open(t *testing.T) *sql.DB {
	t.Helper()

	url := os.Getenv(EnvURL)
	if url == "" {
		t.Skipf("%s not set", EnvURL)
	}

	ctx := context.Background()
	database, err := db.Open(ctx, url, db.PoolOptions{MaxOpenConns: 10})
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	_, err = db.RunMigrations(ctx, database)
	require.NoError(t, err)

	_, err = database.ExecContext(ctx, `
		TRUNCATE refresh_tokens, token_blacklist, password_reset_tokens, auth_rate_limits,
			user_scopes, service_accounts, users, tenants
	`)
	require.NoError(t, err)

	return database
}
