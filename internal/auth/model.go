package auth

import (
	"errors"
	"time"
)

// Every login failure reaches clients as this message. The wrapped cause
// below is for logs and tests only.
const (
	msgInvalidCredentials = "invalid credentials"
	msgInvalidClient      = "invalid client credentials"
	msgInvalidRefresh     = "invalid refresh token"
	msgInvalidToken       = "invalid or expired token"
)

var (
	ErrInvalidCredentials = errors.New("password mismatch")
	ErrAccountLocked      = errors.New("account locked")
	ErrTenantUnavailable  = errors.New("tenant missing or inactive")
	ErrUserUnavailable    = errors.New("user missing, inactive or not a person")
	ErrClientUnavailable  = errors.New("service account missing or inactive")
	ErrScopeNotGranted    = errors.New("requested scope not granted")
	ErrTokenRevoked       = errors.New("token revoked")
	ErrRefreshReplayed    = errors.New("rotated refresh token reused")
	ErrRefreshInactive    = errors.New("refresh token inactive or unknown")
)

type Credentials struct {
	Email      string
	Password   string
	TenantCode string
	RememberMe bool
}

type ValidationResult struct {
	Valid            bool       `json:"valid"`
	UserID           string     `json:"user_id,omitempty"`
	TenantID         string     `json:"tenant_id,omitempty"`
	Scopes           []string   `json:"scopes,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	IsServiceAccount bool       `json:"is_service_account"`
}
