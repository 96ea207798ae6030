package passwordreset_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tenant-auth/internal/db/dbtest"
	"tenant-auth/internal/directory"
	"tenant-auth/internal/passwordreset"
)

func TestRepository(t *testing.T) {
	db := dbtest.Open(t)
	ctx := context.Background()
	now := time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC)

	dir := directory.NewRepository(db)
	require.NoError(t, dir.SeedTenantAdmin(ctx, directory.SeedAdmin{
		TenantCode:   "acme",
		TenantName:   "Acme",
		Email:        "admin@acme.test",
		PasswordHash: "$2a$04$placeholderplaceholderplaceholderplaceholderplacehol",
	}))
	tenant, err := dir.TenantByCode(ctx, "acme")
	require.NoError(t, err)
	user, err := dir.UserByEmail(ctx, tenant.ID, "admin@acme.test")
	require.NoError(t, err)

	repo := passwordreset.NewRepository(db)
	limit := passwordreset.IssueLimit{Max: 3, Window: 5 * time.Minute}

	issue := func(hash string, at time.Time) error {
		return repo.Issue(ctx, passwordreset.Token{
			UserID:    user.ID,
			TokenHash: hash,
			CreatedAt: at,
			ExpiresAt: at.Add(time.Hour),
			RequestIP: "10.0.0.9",
		}, limit)
	}

	require.NoError(t, issue("hash-1", now))
	require.NoError(t, issue("hash-2", now.Add(time.Minute)))
	require.NoError(t, issue("hash-3", now.Add(2*time.Minute)))

	var limitErr *passwordreset.LimitExceededError
	err = issue("hash-4", now.Add(3*time.Minute))
	require.True(t, errors.As(err, &limitErr))
	assert.Equal(t, 2*time.Minute, limitErr.RetryAfter)

	first, err := repo.FindByHash(ctx, "hash-1")
	require.NoError(t, err)
	assert.True(t, first.IsUsed, "a newer token invalidates older ones")

	_, err = repo.Consume(ctx, "hash-1", "new-hash", now.Add(3*time.Minute))
	assert.ErrorIs(t, err, passwordreset.ErrUnusable)

	consumed, err := repo.Consume(ctx, "hash-3", "new-hash", now.Add(3*time.Minute))
	require.NoError(t, err)
	assert.True(t, consumed.IsUsed)

	updated, err := dir.UserByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "new-hash", updated.PasswordHash)
	assert.Greater(t, updated.Version, user.Version)

	_, err = repo.Consume(ctx, "hash-3", "other", now.Add(4*time.Minute))
	assert.ErrorIs(t, err, passwordreset.ErrUnusable)

	_, err = repo.FindByHash(ctx, "nope")
	assert.ErrorIs(t, err, passwordreset.ErrNotFound)

	deleted, err := repo.PurgeExpired(ctx, now.Add(2*time.Hour), 2)
	require.NoError(t, err)
	assert.EqualValues(t, 3, deleted)
}
