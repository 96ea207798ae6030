// Package storetest holds the behaviour every tokenstore.Store must have.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tenant-auth/internal/token"
	"tenant-auth/internal/tokenstore"
)

// Run exercises store. newStore must return an empty store each call.
func Run(t *testing.T, newStore func(t *testing.T) tokenstore.Store) {
	t.Run("persist and find", func(t *testing.T) { testPersistAndFind(t, newStore(t)) })
	t.Run("duplicate jti", func(t *testing.T) { testDuplicateJTI(t, newStore(t)) })
	t.Run("rotate once", func(t *testing.T) { testRotateOnce(t, newStore(t)) })
	t.Run("concurrent rotate", func(t *testing.T) { testConcurrentRotate(t, newStore(t)) })
	t.Run("deactivate", func(t *testing.T) { testDeactivate(t, newStore(t)) })
	t.Run("blacklist", func(t *testing.T) { testBlacklist(t, newStore(t)) })
	t.Run("purge", func(t *testing.T) { testPurge(t, newStore(t)) })
}

var base = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func record(userID, sessionID string) tokenstore.RefreshRecord {
	jti := uuid.NewString()
	return tokenstore.RefreshRecord{
		ID:        uuid.NewString(),
		UserID:    userID,
		TenantID:  uuid.NewString(),
		TokenHash: token.Hash("raw-" + jti),
		JTI:       jti,
		Device:    tokenstore.DeviceInfo{IP: "10.0.0.1", UserAgent: "test", Platform: "linux"},
		SessionID: sessionID,
		CreatedAt: base,
		ExpiresAt: base.Add(24 * time.Hour),
		IsActive:  true,
	}
}

func testPersistAndFind(t *testing.T, store tokenstore.Store) {
	ctx := context.Background()
	rec := record(uuid.NewString(), "s1")
	require.NoError(t, store.PersistRefresh(ctx, rec))

	found, err := store.FindActiveByHash(ctx, rec.TokenHash, base)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, found.ID)
	assert.Equal(t, rec.JTI, found.JTI)
	assert.Equal(t, "s1", found.SessionID)
	assert.Equal(t, "10.0.0.1", found.Device.IP)
	assert.True(t, found.IsActive)
	assert.False(t, found.RememberMe)

	long := record(rec.UserID, "s-long")
	long.RememberMe = true
	require.NoError(t, store.PersistRefresh(ctx, long))
	foundLong, err := store.FindByHash(ctx, long.TokenHash)
	require.NoError(t, err)
	assert.True(t, foundLong.RememberMe)

	_, err = store.FindActiveByHash(ctx, rec.TokenHash, base.Add(25*time.Hour))
	assert.ErrorIs(t, err, tokenstore.ErrNotFound)

	_, err = store.FindByHash(ctx, token.Hash("unknown"))
	assert.ErrorIs(t, err, tokenstore.ErrNotFound)
}

func testDuplicateJTI(t *testing.T, store tokenstore.Store) {
	ctx := context.Background()
	rec := record(uuid.NewString(), "s1")
	require.NoError(t, store.PersistRefresh(ctx, rec))

	dup := record(rec.UserID, "s2")
	dup.JTI = rec.JTI
	assert.ErrorIs(t, store.PersistRefresh(ctx, dup), tokenstore.ErrDuplicateJTI)
}

func testRotateOnce(t *testing.T, store tokenstore.Store) {
	ctx := context.Background()
	old := record(uuid.NewString(), "s1")
	require.NoError(t, store.PersistRefresh(ctx, old))

	next := record(old.UserID, "s1")
	now := base.Add(time.Minute)
	require.NoError(t, store.Rotate(ctx, old.ID, next, now))

	prev, err := store.FindByHash(ctx, old.TokenHash)
	require.NoError(t, err)
	assert.False(t, prev.IsActive)
	assert.Equal(t, tokenstore.ReasonRotated, prev.RevokeReason)
	require.NotNil(t, prev.RevokedAt)
	assert.True(t, prev.RevokedAt.Equal(now))

	_, err = store.FindActiveByHash(ctx, next.TokenHash, now)
	require.NoError(t, err)

	again := record(old.UserID, "s1")
	assert.ErrorIs(t, store.Rotate(ctx, old.ID, again, now), tokenstore.ErrNotActive)
	_, err = store.FindByHash(ctx, again.TokenHash)
	assert.ErrorIs(t, err, tokenstore.ErrNotFound, "failed rotation must not insert")
}

func testConcurrentRotate(t *testing.T, store tokenstore.Store) {
	ctx := context.Background()
	old := record(uuid.NewString(), "s1")
	require.NoError(t, store.PersistRefresh(ctx, old))

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.Rotate(ctx, old.ID, record(old.UserID, "s1"), base.Add(time.Minute))
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, tokenstore.ErrNotActive)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
}

func testDeactivate(t *testing.T, store tokenstore.Store) {
	ctx := context.Background()
	now := base.Add(time.Hour)
	userID := uuid.NewString()

	current := record(userID, "current")
	other := record(userID, "other")
	third := record(userID, "third")
	stranger := record(uuid.NewString(), "current")
	for _, rec := range []tokenstore.RefreshRecord{current, other, third, stranger} {
		require.NoError(t, store.PersistRefresh(ctx, rec))
	}

	ok, err := store.DeactivateByJTI(ctx, third.JTI, tokenstore.ReasonRevoked, now)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.DeactivateByJTI(ctx, third.JTI, tokenstore.ReasonRevoked, now)
	require.NoError(t, err)
	assert.False(t, ok, "second deactivation is a no-op")

	revoked, err := store.DeactivateForUser(ctx, userID, "current", tokenstore.ReasonLogout, now)
	require.NoError(t, err)
	require.Len(t, revoked, 1)
	assert.Equal(t, other.JTI, revoked[0].JTI)

	_, err = store.FindActiveByHash(ctx, current.TokenHash, now)
	require.NoError(t, err, "kept session stays active")

	session, err := store.DeactivateSession(ctx, userID, "current", tokenstore.ReasonLogout, now)
	require.NoError(t, err)
	require.Len(t, session, 1)
	assert.Equal(t, current.JTI, session[0].JTI)

	_, err = store.FindActiveByHash(ctx, stranger.TokenHash, now)
	require.NoError(t, err, "other users are untouched")

	ok, err = store.DeactivateByID(ctx, stranger.ID, tokenstore.ReasonRevoked, now)
	require.NoError(t, err)
	assert.True(t, ok)

	all, err := store.DeactivateForUser(ctx, stranger.UserID, "", tokenstore.ReasonLogout, now)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func testBlacklist(t *testing.T, store tokenstore.Store) {
	ctx := context.Background()
	entry := tokenstore.BlacklistEntry{
		JTI:       uuid.NewString(),
		Kind:      string(token.KindAccess),
		ExpiresAt: base.Add(time.Hour),
		Reason:    tokenstore.ReasonRevoked,
		CreatedAt: base,
	}

	require.NoError(t, store.Blacklist(ctx, entry))
	require.NoError(t, store.Blacklist(ctx, entry), "blacklisting twice is a no-op")

	listed, err := store.IsBlacklisted(ctx, entry.JTI, base.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, listed)

	listed, err = store.IsBlacklisted(ctx, entry.JTI, base.Add(2*time.Hour))
	require.NoError(t, err)
	assert.False(t, listed, "expired entries no longer count")

	listed, err = store.IsBlacklisted(ctx, uuid.NewString(), base)
	require.NoError(t, err)
	assert.False(t, listed)
}

func testPurge(t *testing.T, store tokenstore.Store) {
	ctx := context.Background()
	userID := uuid.NewString()

	var expired []tokenstore.RefreshRecord
	for i := 0; i < 5; i++ {
		rec := record(userID, "old")
		rec.ExpiresAt = base.Add(-time.Hour)
		expired = append(expired, rec)
		require.NoError(t, store.PersistRefresh(ctx, rec))
	}
	live := record(userID, "live")
	require.NoError(t, store.PersistRefresh(ctx, live))

	require.NoError(t, store.Blacklist(ctx, tokenstore.BlacklistEntry{JTI: uuid.NewString(), Kind: "access", ExpiresAt: base.Add(-time.Minute), CreatedAt: base}))
	keep := tokenstore.BlacklistEntry{JTI: uuid.NewString(), Kind: "access", ExpiresAt: base.Add(time.Hour), CreatedAt: base}
	require.NoError(t, store.Blacklist(ctx, keep))

	result, err := store.PurgeExpired(ctx, base, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 5, result.RefreshTokens)
	assert.EqualValues(t, 1, result.BlacklistEntries)

	_, err = store.FindByHash(ctx, expired[0].TokenHash)
	assert.ErrorIs(t, err, tokenstore.ErrNotFound)
	_, err = store.FindActiveByHash(ctx, live.TokenHash, base)
	assert.NoError(t, err)

	listed, err := store.IsBlacklisted(ctx, keep.JTI, base)
	require.NoError(t, err)
	assert.True(t, listed)

	again, err := store.PurgeExpired(ctx, base, 2)
	require.NoError(t, err)
	assert.Zero(t, again.RefreshTokens)
	assert.Zero(t, again.BlacklistEntries)
}
