package directory

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	DefaultMaxAttempts     = 5
	DefaultLockoutDuration = 30 * time.Minute

	maxSwapAttempts = 8
)

type LockoutPolicy struct {
	MaxAttempts int
	Duration    time.Duration
}

func (p LockoutPolicy) normalized() LockoutPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.Duration <= 0 {
		p.Duration = DefaultLockoutDuration
	}
	return p
}

// LoginState is the lockout-relevant part of a user row. Methods return new
// values and never mutate the receiver.
type LoginState struct {
	FailedCount int
	LockedUntil *time.Time
	LastLogin   *time.Time
	LoginCount  int64
}

func (s LoginState) Locked(now time.Time) bool {
	return s.LockedUntil != nil && now.Before(*s.LockedUntil)
}

// AfterFailure counts one more failed attempt. Once the count reaches the
// policy threshold every further failure locks the account again.
func (s LoginState) AfterFailure(now time.Time, policy LockoutPolicy) LoginState {
	policy = policy.normalized()

	next := s
	next.FailedCount++
	next.LockedUntil = nil
	if next.FailedCount >= policy.MaxAttempts {
		until := now.Add(policy.Duration)
		next.LockedUntil = &until
	}
	return next
}

func (s LoginState) AfterSuccess(now time.Time) LoginState {
	at := now
	return LoginState{
		FailedCount: 0,
		LockedUntil: nil,
		LastLogin:   &at,
		LoginCount:  s.LoginCount + 1,
	}
}

func (s LoginState) Unlocked() LoginState {
	next := s
	next.FailedCount = 0
	next.LockedUntil = nil
	return next
}

// Transition computes the next login state from a fresh snapshot. Returning
// write=false leaves the row untouched.
type Transition func(current User) (next LoginState, write bool, err error)

// ApplyLoginState reads the user, computes the transition and writes it with
// a compare-and-set on the row version, retrying on conflicts. It returns the
// user as written (or as read, when the transition declined to write).
func ApplyLoginState(ctx context.Context, store Store, userID string, transition Transition) (User, error) {
	for attempt := 0; attempt < maxSwapAttempts; attempt++ {
		current, err := store.UserByID(ctx, userID)
		if err != nil {
			return User{}, err
		}

		next, write, err := transition(current)
		if err != nil || !write {
			return current, err
		}

		err = store.CompareAndSwapLoginState(ctx, userID, current.Version, next)
		if err == nil {
			current.Login = next
			current.Version++
			return current, nil
		}
		if !errors.Is(err, ErrConflict) {
			return User{}, err
		}
		if err := ctx.Err(); err != nil {
			return User{}, err
		}
	}

	return User{}, fmt.Errorf("update login state for %s: %w", userID, ErrConflict)
}
