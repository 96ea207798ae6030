// Package directory is the tenant, user and service-account store the
// authentication flows read from, plus the lockout state they write.
package directory

import (
	"context"
	"errors"
	"time"
)

const ScopeAdmin = "auth:admin"

var (
	ErrNotFound = errors.New("directory record not found")
	// ErrConflict means the row version moved since the snapshot was read.
	ErrConflict = errors.New("directory record changed concurrently")
)

type Tenant struct {
	ID       string
	Code     string
	Name     string
	IsActive bool
}

type User struct {
	ID               string
	TenantID         string
	Email            string
	DisplayName      string
	PasswordHash     string
	IsActive         bool
	IsServiceAccount bool
	Login            LoginState
	Version          int64
}

type ServiceAccount struct {
	ID         string
	TenantID   string
	ClientID   string
	Name       string
	SecretHash string
	Scopes     []string
	IsActive   bool
}

// SeedAdmin describes the tenant administrator created at startup.
type SeedAdmin struct {
	TenantCode   string
	TenantName   string
	Email        string
	DisplayName  string
	PasswordHash string
	Scopes       []string
}

type Store interface {
	TenantByCode(ctx context.Context, code string) (Tenant, error)
	TenantByID(ctx context.Context, id string) (Tenant, error)
	UserByEmail(ctx context.Context, tenantID, email string) (User, error)
	UserByID(ctx context.Context, id string) (User, error)
	// CompareAndSwapLoginState writes next only if the user's row version is
	// still version, and bumps the version.
	CompareAndSwapLoginState(ctx context.Context, userID string, version int64, next LoginState) error
	UpdatePasswordHash(ctx context.Context, userID, passwordHash string) error
	ResolveScopes(ctx context.Context, userID string) ([]string, error)
	ServiceAccountByClientID(ctx context.Context, clientID string) (ServiceAccount, error)
	TouchServiceAccount(ctx context.Context, id string, now time.Time) error
	SeedTenantAdmin(ctx context.Context, seed SeedAdmin) error
}
