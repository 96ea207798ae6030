// Package tokenstore persists refresh-token records and the jti blacklist.
package tokenstore

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

const (
	ReasonRotated       = "rotated"
	ReasonLogout        = "logout"
	ReasonRevoked       = "revoked"
	ReasonReplay        = "replay_detected"
	ReasonPasswordReset = "password_reset"
)

var (
	ErrNotFound     = errors.New("refresh token not found")
	ErrNotActive    = errors.New("refresh token is no longer active")
	ErrDuplicateJTI = errors.New("refresh token jti already exists")
)

type DeviceInfo struct {
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	Platform  string `json:"platform,omitempty"`
}

// MaxDeviceField bounds every stored device attribute, in bytes.
const MaxDeviceField = 512

// Clean returns d with every field passed through CleanText.
func (d DeviceInfo) Clean() DeviceInfo {
	return DeviceInfo{
		IP:        CleanText(d.IP, MaxDeviceField),
		UserAgent: CleanText(d.UserAgent, MaxDeviceField),
		Platform:  CleanText(d.Platform, MaxDeviceField),
	}
}

// CleanText makes client-supplied header text storable in a TEXT column:
// invalid UTF-8 and control characters are dropped and the result is cut on
// a rune boundary to at most max bytes.
func CleanText(s string, max int) string {
	s = strings.ToValidUTF8(s, "")
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

type RefreshRecord struct {
	ID           string
	UserID       string
	TenantID     string
	TokenHash    string
	JTI          string
	Device       DeviceInfo
	SessionID    string
	// RememberMe selects the long refresh lifetime and is carried across
	// rotations of the session.
	RememberMe   bool
	CreatedAt    time.Time
	LastUsedAt   *time.Time
	ExpiresAt    time.Time
	IsActive     bool
	RevokedAt    *time.Time
	RevokeReason string
}

func (r RefreshRecord) Usable(now time.Time) bool {
	return r.IsActive && now.Before(r.ExpiresAt)
}

type BlacklistEntry struct {
	JTI       string
	Kind      string
	ExpiresAt time.Time
	Reason    string
	CreatedAt time.Time
}

type PurgeResult struct {
	RefreshTokens    int64 `json:"deleted_refresh_tokens"`
	BlacklistEntries int64 `json:"deleted_blacklist_entries"`
}

// Store is the single writer of refresh records and blacklist entries.
type Store interface {
	PersistRefresh(ctx context.Context, record RefreshRecord) error
	// FindByHash returns the record whether or not it is still active.
	FindByHash(ctx context.Context, tokenHash string) (RefreshRecord, error)
	FindActiveByHash(ctx context.Context, tokenHash string, now time.Time) (RefreshRecord, error)
	// Rotate deactivates oldID and inserts next atomically. It fails with
	// ErrNotActive when oldID was already deactivated or has expired.
	Rotate(ctx context.Context, oldID string, next RefreshRecord, now time.Time) error
	DeactivateByID(ctx context.Context, id, reason string, now time.Time) (bool, error)
	DeactivateByJTI(ctx context.Context, jti, reason string, now time.Time) (bool, error)
	DeactivateSession(ctx context.Context, userID, sessionID, reason string, now time.Time) ([]RefreshRecord, error)
	// DeactivateForUser deactivates every active record of the user except
	// those of keepSessionID, when set.
	DeactivateForUser(ctx context.Context, userID, keepSessionID, reason string, now time.Time) ([]RefreshRecord, error)
	Blacklist(ctx context.Context, entry BlacklistEntry) error
	IsBlacklisted(ctx context.Context, jti string, now time.Time) (bool, error)
	PurgeExpired(ctx context.Context, now time.Time, batchSize int) (PurgeResult, error)
}
