package directory_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tenant-auth/internal/directory"
	"tenant-auth/internal/memstore"
)

var policy = directory.LockoutPolicy{MaxAttempts: 3, Duration: 10 * time.Minute}

func TestLoginState_FailuresLock(t *testing.T) {
	now := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	var s directory.LoginState

	s = s.AfterFailure(now, policy)
	s = s.AfterFailure(now, policy)
	assert.False(t, s.Locked(now))
	assert.Equal(t, 2, s.FailedCount)

	s = s.AfterFailure(now, policy)
	assert.True(t, s.Locked(now))
	assert.True(t, s.Locked(now.Add(9*time.Minute)))
	assert.False(t, s.Locked(now.Add(10*time.Minute)), "lock expires at locked_until")

	later := now.Add(11 * time.Minute)
	s = s.AfterFailure(later, policy)
	assert.Equal(t, 4, s.FailedCount, "counter keeps growing until success")
	assert.True(t, s.Locked(later), "a failure past the threshold relocks")
}

func TestLoginState_SuccessResets(t *testing.T) {
	now := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	s := directory.LoginState{FailedCount: 2, LoginCount: 7}

	next := s.AfterSuccess(now)

	assert.Zero(t, next.FailedCount)
	assert.Nil(t, next.LockedUntil)
	require.NotNil(t, next.LastLogin)
	assert.Equal(t, now, *next.LastLogin)
	assert.EqualValues(t, 8, next.LoginCount)
	assert.Equal(t, 2, s.FailedCount, "receiver is not mutated")
}

func TestLoginState_DefaultsApply(t *testing.T) {
	now := time.Now()
	var s directory.LoginState
	for i := 0; i < directory.DefaultMaxAttempts; i++ {
		s = s.AfterFailure(now, directory.LockoutPolicy{})
	}
	require.NotNil(t, s.LockedUntil)
	assert.Equal(t, now.Add(directory.DefaultLockoutDuration), *s.LockedUntil)
}

func TestApplyLoginState_ConcurrentFailuresLockExactlyOnce(t *testing.T) {
	backend := memstore.New()
	tenant := backend.AddTenant(directory.Tenant{Code: "acme", IsActive: true})
	user := backend.AddUser(directory.User{TenantID: tenant.ID, Email: "u@acme.test", IsActive: true})
	store := backend.Directory()
	now := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		locks int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := directory.ApplyLoginState(context.Background(), store, user.ID, func(current directory.User) (directory.LoginState, bool, error) {
				if current.Login.Locked(now) {
					return current.Login, false, nil
				}
				next := current.Login.AfterFailure(now, policy)
				if next.Locked(now) {
					mu.Lock()
					locks++
					mu.Unlock()
				}
				return next, true, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	final, err := store.UserByID(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Equal(t, policy.MaxAttempts, final.Login.FailedCount)
	assert.True(t, final.Login.Locked(now))
	// A transition may compute a lock and then lose the swap, so count
	// written locks through the final state instead.
	assert.GreaterOrEqual(t, locks, 1)
}

func TestApplyLoginState_UnknownUser(t *testing.T) {
	store := memstore.New().Directory()

	_, err := directory.ApplyLoginState(context.Background(), store, "missing", func(current directory.User) (directory.LoginState, bool, error) {
		return current.Login, true, nil
	})
	assert.ErrorIs(t, err, directory.ErrNotFound)
}
