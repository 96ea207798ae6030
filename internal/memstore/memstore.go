// Package memstore keeps the directory, token and reset stores in memory.
// It backs local development without DATABASE_URL and the service tests.
package memstore

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"tenant-auth/internal/directory"
	"tenant-auth/internal/passwordreset"
	"tenant-auth/internal/tokenstore"
)

// Backend shares one lock across all stores so that multi-table operations
// (reset consumption touches users and tokens) are atomic.
type Backend struct {
	mu sync.Mutex

	tenants         map[string]directory.Tenant
	users           map[string]directory.User
	scopes          map[string][]string
	serviceAccounts map[string]directory.ServiceAccount

	refresh   map[string]tokenstore.RefreshRecord
	blacklist map[string]tokenstore.BlacklistEntry
	resets    map[string]passwordreset.Token
}

func New() *Backend {
	return &Backend{
		tenants:         make(map[string]directory.Tenant),
		users:           make(map[string]directory.User),
		scopes:          make(map[string][]string),
		serviceAccounts: make(map[string]directory.ServiceAccount),
		refresh:         make(map[string]tokenstore.RefreshRecord),
		blacklist:       make(map[string]tokenstore.BlacklistEntry),
		resets:          make(map[string]passwordreset.Token),
	}
}

func (b *Backend) Directory() *Directory { return &Directory{b: b} }
func (b *Backend) Tokens() *Tokens       { return &Tokens{b: b} }
func (b *Backend) Resets() *Resets       { return &Resets{b: b} }

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// AddTenant inserts t, generating an id when empty.
func (b *Backend) AddTenant(t directory.Tenant) directory.Tenant {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t.ID == "" {
		t.ID = newID()
	}
	b.tenants[t.ID] = t
	return t
}

// AddUser inserts u with its scopes, generating an id when empty.
func (b *Backend) AddUser(u directory.User, scopes ...string) directory.User {
	b.mu.Lock()
	defer b.mu.Unlock()

	if u.ID == "" {
		u.ID = newID()
	}
	b.users[u.ID] = u
	b.scopes[u.ID] = slices.Clone(scopes)
	return u
}

func (b *Backend) AddServiceAccount(sa directory.ServiceAccount) directory.ServiceAccount {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sa.ID == "" {
		sa.ID = newID()
	}
	b.serviceAccounts[sa.ClientID] = sa
	return sa
}

func (b *Backend) SetTenantActive(id string, active bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.tenants[id]
	t.IsActive = active
	b.tenants[id] = t
}

func (b *Backend) SetUserActive(id string, active bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	u := b.users[id]
	u.IsActive = active
	b.users[id] = u
}

// RefreshRecords returns a snapshot of every refresh record of userID.
func (b *Backend) RefreshRecords(userID string) []tokenstore.RefreshRecord {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []tokenstore.RefreshRecord
	for _, rec := range b.refresh {
		if rec.UserID == userID {
			out = append(out, rec)
		}
	}
	return out
}

// ResetTokens returns a snapshot of every reset token of userID.
func (b *Backend) ResetTokens(userID string) []passwordreset.Token {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []passwordreset.Token
	for _, t := range b.resets {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	return out
}

type Directory struct{ b *Backend }

func (d *Directory) TenantByCode(_ context.Context, code string) (directory.Tenant, error) {
	d.b.mu.Lock()
	defer d.b.mu.Unlock()

	code = strings.TrimSpace(code)
	for _, t := range d.b.tenants {
		if t.Code == code {
			return t, nil
		}
	}
	return directory.Tenant{}, directory.ErrNotFound
}

func (d *Directory) TenantByID(_ context.Context, id string) (directory.Tenant, error) {
	d.b.mu.Lock()
	defer d.b.mu.Unlock()

	t, ok := d.b.tenants[id]
	if !ok {
		return directory.Tenant{}, directory.ErrNotFound
	}
	return t, nil
}

func (d *Directory) UserByEmail(_ context.Context, tenantID, email string) (directory.User, error) {
	d.b.mu.Lock()
	defer d.b.mu.Unlock()

	email = strings.TrimSpace(email)
	for _, u := range d.b.users {
		if u.TenantID == tenantID && strings.EqualFold(u.Email, email) {
			return u, nil
		}
	}
	return directory.User{}, directory.ErrNotFound
}

func (d *Directory) UserByID(_ context.Context, id string) (directory.User, error) {
	d.b.mu.Lock()
	defer d.b.mu.Unlock()

	u, ok := d.b.users[id]
	if !ok {
		return directory.User{}, directory.ErrNotFound
	}
	return u, nil
}

func (d *Directory) CompareAndSwapLoginState(_ context.Context, userID string, version int64, next directory.LoginState) error {
	d.b.mu.Lock()
	defer d.b.mu.Unlock()

	u, ok := d.b.users[userID]
	if !ok {
		return directory.ErrNotFound
	}
	if u.Version != version {
		return directory.ErrConflict
	}
	u.Login = next
	u.Version++
	d.b.users[userID] = u
	return nil
}

func (d *Directory) UpdatePasswordHash(_ context.Context, userID, passwordHash string) error {
	d.b.mu.Lock()
	defer d.b.mu.Unlock()

	u, ok := d.b.users[userID]
	if !ok {
		return directory.ErrNotFound
	}
	u.PasswordHash = passwordHash
	d.b.users[userID] = u
	return nil
}

func (d *Directory) ResolveScopes(_ context.Context, userID string) ([]string, error) {
	d.b.mu.Lock()
	defer d.b.mu.Unlock()

	scopes := slices.Clone(d.b.scopes[userID])
	slices.Sort(scopes)
	return scopes, nil
}

func (d *Directory) ServiceAccountByClientID(_ context.Context, clientID string) (directory.ServiceAccount, error) {
	d.b.mu.Lock()
	defer d.b.mu.Unlock()

	sa, ok := d.b.serviceAccounts[strings.TrimSpace(clientID)]
	if !ok {
		return directory.ServiceAccount{}, directory.ErrNotFound
	}
	return sa, nil
}

func (d *Directory) TouchServiceAccount(context.Context, string, time.Time) error {
	return nil
}

func (d *Directory) SeedTenantAdmin(_ context.Context, seed directory.SeedAdmin) error {
	d.b.mu.Lock()
	defer d.b.mu.Unlock()

	var tenant directory.Tenant
	for _, t := range d.b.tenants {
		if t.Code == seed.TenantCode {
			tenant = t
		}
	}
	if tenant.ID == "" {
		tenant = directory.Tenant{ID: newID(), Code: seed.TenantCode, Name: seed.TenantName, IsActive: true}
		d.b.tenants[tenant.ID] = tenant
	}

	userID := ""
	for _, u := range d.b.users {
		if u.TenantID == tenant.ID && strings.EqualFold(u.Email, seed.Email) {
			userID = u.ID
		}
	}
	if userID == "" {
		userID = newID()
		d.b.users[userID] = directory.User{
			ID:           userID,
			TenantID:     tenant.ID,
			Email:        seed.Email,
			DisplayName:  seed.DisplayName,
			PasswordHash: seed.PasswordHash,
			IsActive:     true,
		}
	}

	scopes := d.b.scopes[userID]
	for _, scope := range seed.Scopes {
		if !slices.Contains(scopes, scope) {
			scopes = append(scopes, scope)
		}
	}
	d.b.scopes[userID] = scopes
	return nil
}

type Tokens struct{ b *Backend }

func (s *Tokens) PersistRefresh(_ context.Context, record tokenstore.RefreshRecord) error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	return s.insertLocked(record)
}

func (s *Tokens) insertLocked(record tokenstore.RefreshRecord) error {
	for _, existing := range s.b.refresh {
		if existing.JTI == record.JTI || existing.TokenHash == record.TokenHash {
			return tokenstore.ErrDuplicateJTI
		}
	}
	if record.ID == "" {
		record.ID = newID()
	}
	record.IsActive = true
	record.RevokedAt = nil
	s.b.refresh[record.ID] = record
	return nil
}

func (s *Tokens) FindByHash(_ context.Context, tokenHash string) (tokenstore.RefreshRecord, error) {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()

	for _, rec := range s.b.refresh {
		if rec.TokenHash == tokenHash {
			return rec, nil
		}
	}
	return tokenstore.RefreshRecord{}, tokenstore.ErrNotFound
}

func (s *Tokens) FindActiveByHash(ctx context.Context, tokenHash string, now time.Time) (tokenstore.RefreshRecord, error) {
	rec, err := s.FindByHash(ctx, tokenHash)
	if err != nil {
		return tokenstore.RefreshRecord{}, err
	}
	if !rec.Usable(now) {
		return tokenstore.RefreshRecord{}, tokenstore.ErrNotFound
	}
	return rec, nil
}

func (s *Tokens) Rotate(_ context.Context, oldID string, next tokenstore.RefreshRecord, now time.Time) error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()

	old, ok := s.b.refresh[oldID]
	if !ok || !old.Usable(now) {
		return tokenstore.ErrNotActive
	}
	if err := s.insertLocked(next); err != nil {
		return err
	}

	at := now
	old.IsActive = false
	old.RevokedAt = &at
	old.LastUsedAt = &at
	old.RevokeReason = tokenstore.ReasonRotated
	s.b.refresh[oldID] = old
	return nil
}

func (s *Tokens) DeactivateByID(_ context.Context, id, reason string, now time.Time) (bool, error) {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()

	rec, ok := s.b.refresh[id]
	if !ok || !rec.IsActive {
		return false, nil
	}
	s.deactivateLocked(rec, reason, now)
	return true, nil
}

func (s *Tokens) DeactivateByJTI(_ context.Context, jti, reason string, now time.Time) (bool, error) {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()

	for _, rec := range s.b.refresh {
		if rec.JTI == jti && rec.IsActive {
			s.deactivateLocked(rec, reason, now)
			return true, nil
		}
	}
	return false, nil
}

func (s *Tokens) DeactivateSession(_ context.Context, userID, sessionID, reason string, now time.Time) ([]tokenstore.RefreshRecord, error) {
	return s.deactivateWhere(reason, now, func(rec tokenstore.RefreshRecord) bool {
		return rec.UserID == userID && rec.SessionID == sessionID
	}), nil
}

func (s *Tokens) DeactivateForUser(_ context.Context, userID, keepSessionID, reason string, now time.Time) ([]tokenstore.RefreshRecord, error) {
	return s.deactivateWhere(reason, now, func(rec tokenstore.RefreshRecord) bool {
		return rec.UserID == userID && (keepSessionID == "" || rec.SessionID != keepSessionID)
	}), nil
}

func (s *Tokens) deactivateWhere(reason string, now time.Time, match func(tokenstore.RefreshRecord) bool) []tokenstore.RefreshRecord {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()

	var out []tokenstore.RefreshRecord
	for _, rec := range s.b.refresh {
		if rec.IsActive && match(rec) {
			out = append(out, s.deactivateLocked(rec, reason, now))
		}
	}
	return out
}

func (s *Tokens) deactivateLocked(rec tokenstore.RefreshRecord, reason string, now time.Time) tokenstore.RefreshRecord {
	at := now
	rec.IsActive = false
	rec.RevokedAt = &at
	rec.RevokeReason = reason
	s.b.refresh[rec.ID] = rec
	return rec
}

func (s *Tokens) Blacklist(_ context.Context, entry tokenstore.BlacklistEntry) error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()

	if _, exists := s.b.blacklist[entry.JTI]; exists {
		return nil
	}
	s.b.blacklist[entry.JTI] = entry
	return nil
}

func (s *Tokens) IsBlacklisted(_ context.Context, jti string, now time.Time) (bool, error) {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()

	entry, ok := s.b.blacklist[jti]
	return ok && now.Before(entry.ExpiresAt), nil
}

func (s *Tokens) PurgeExpired(_ context.Context, now time.Time, _ int) (tokenstore.PurgeResult, error) {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()

	var result tokenstore.PurgeResult
	for id, rec := range s.b.refresh {
		if rec.ExpiresAt.Before(now) {
			delete(s.b.refresh, id)
			result.RefreshTokens++
		}
	}
	for jti, entry := range s.b.blacklist {
		if entry.ExpiresAt.Before(now) {
			delete(s.b.blacklist, jti)
			result.BlacklistEntries++
		}
	}
	return result, nil
}

type Resets struct{ b *Backend }

func (s *Resets) Issue(_ context.Context, token passwordreset.Token, limit passwordreset.IssueLimit) error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()

	if _, ok := s.b.users[token.UserID]; !ok {
		return passwordreset.ErrNotFound
	}

	since := token.CreatedAt.Add(-limit.Window)
	recent := 0
	var oldest time.Time
	for _, t := range s.b.resets {
		if t.UserID == token.UserID && t.CreatedAt.After(since) {
			recent++
			if oldest.IsZero() || t.CreatedAt.Before(oldest) {
				oldest = t.CreatedAt
			}
		}
	}
	if limit.Max > 0 && recent >= limit.Max {
		return &passwordreset.LimitExceededError{RetryAfter: oldest.Add(limit.Window).Sub(token.CreatedAt)}
	}

	s.consumeAllLocked(token.UserID, token.CreatedAt)
	if token.ID == "" {
		token.ID = newID()
	}
	s.b.resets[token.TokenHash] = token
	return nil
}

func (s *Resets) FindByHash(_ context.Context, tokenHash string) (passwordreset.Token, error) {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()

	t, ok := s.b.resets[tokenHash]
	if !ok {
		return passwordreset.Token{}, passwordreset.ErrNotFound
	}
	return t, nil
}

func (s *Resets) Consume(_ context.Context, tokenHash, passwordHash string, now time.Time) (passwordreset.Token, error) {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()

	t, ok := s.b.resets[tokenHash]
	if !ok {
		return passwordreset.Token{}, passwordreset.ErrNotFound
	}
	if !t.Usable(now) {
		return passwordreset.Token{}, passwordreset.ErrUnusable
	}

	u, ok := s.b.users[t.UserID]
	if !ok {
		return passwordreset.Token{}, passwordreset.ErrNotFound
	}
	u.PasswordHash = passwordHash
	u.Login = u.Login.Unlocked()
	u.Version++
	s.b.users[u.ID] = u

	s.consumeAllLocked(t.UserID, now)
	return s.b.resets[tokenHash], nil
}

func (s *Resets) consumeAllLocked(userID string, now time.Time) {
	at := now
	for hash, t := range s.b.resets {
		if t.UserID == userID && !t.IsUsed {
			t.IsUsed = true
			t.UsedAt = &at
			s.b.resets[hash] = t
		}
	}
}

func (s *Resets) PurgeExpired(_ context.Context, now time.Time, _ int) (int64, error) {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()

	var deleted int64
	for hash, t := range s.b.resets {
		if t.ExpiresAt.Before(now) {
			delete(s.b.resets, hash)
			deleted++
		}
	}
	return deleted, nil
}
