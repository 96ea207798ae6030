// Package auth implements password login, client-credentials login, refresh
// rotation, revocation and access-token validation.
package auth

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"tenant-auth/internal/apperr"
	"tenant-auth/internal/directory"
	"tenant-auth/internal/observability"
	"tenant-auth/internal/password"
	"tenant-auth/internal/token"
	"tenant-auth/internal/tokenstore"
)

const (
	flowPassword          = "password"
	flowClientCredentials = "client_credentials"

	timingPadPassword = "timing-pad-not-a-real-password"
)

type Service struct {
	directory directory.Store
	tokens    tokenstore.Store
	codec     *token.Codec
	passwords *password.Engine
	logger    *observability.Logger
	lockout   directory.LockoutPolicy
	now       func() time.Time

	dummyOnce sync.Once
	dummyHash string
}

func NewService(dir directory.Store, tokens tokenstore.Store, codec *token.Codec, passwords *password.Engine, logger *observability.Logger) *Service {
	return &Service{
		directory: dir,
		tokens:    tokens,
		codec:     codec,
		passwords: passwords,
		logger:    logger,
		lockout: directory.LockoutPolicy{
			MaxAttempts: directory.DefaultMaxAttempts,
			Duration:    directory.DefaultLockoutDuration,
		},
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) WithSecurityConfig(maxAttempts int, lockDuration time.Duration) *Service {
	if maxAttempts > 0 {
		s.lockout.MaxAttempts = maxAttempts
	}
	if lockDuration > 0 {
		s.lockout.Duration = lockDuration
	}
	return s
}

// WithClock replaces the clock used for lockout and record timestamps. The
// codec keeps its own clock.
func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

func (s *Service) Login(ctx context.Context, creds Credentials, device tokenstore.DeviceInfo) (token.Pair, error) {
	email := strings.ToLower(strings.TrimSpace(creds.Email))
	tenantCode := strings.TrimSpace(creds.TenantCode)
	now := s.now()
	fields := map[string]any{"tenant_code": tenantCode, "ip": device.IP}

	if email == "" || creds.Password == "" || tenantCode == "" {
		return token.Pair{}, s.loginFailure("invalid", ErrInvalidCredentials, fields)
	}

	tenant, err := s.directory.TenantByCode(ctx, tenantCode)
	switch {
	case errors.Is(err, directory.ErrNotFound):
		s.burnPasswordCheck(creds.Password)
		return token.Pair{}, s.loginFailure("unknown_tenant", ErrTenantUnavailable, fields)
	case err != nil:
		return token.Pair{}, apperr.Internal("resolve tenant", err)
	case !tenant.IsActive:
		s.burnPasswordCheck(creds.Password)
		return token.Pair{}, s.loginFailure("inactive_tenant", ErrTenantUnavailable, fields)
	}
	fields["tenant_id"] = tenant.ID

	user, err := s.directory.UserByEmail(ctx, tenant.ID, email)
	switch {
	case errors.Is(err, directory.ErrNotFound):
		s.burnPasswordCheck(creds.Password)
		return token.Pair{}, s.loginFailure("unknown_user", ErrUserUnavailable, fields)
	case err != nil:
		return token.Pair{}, apperr.Internal("resolve user", err)
	case !user.IsActive || user.IsServiceAccount:
		s.burnPasswordCheck(creds.Password)
		return token.Pair{}, s.loginFailure("inactive_user", ErrUserUnavailable, fields)
	}
	fields["user_id"] = user.ID

	if user.Login.Locked(now) {
		return token.Pair{}, s.loginFailure("locked", ErrAccountLocked, fields)
	}

	if !s.passwords.Verify(creds.Password, user.PasswordHash) {
		locked, err := s.recordFailure(ctx, user.ID, now)
		if err != nil {
			return token.Pair{}, apperr.Internal("record failed login", err)
		}
		if locked {
			observability.LockoutsTotal.Inc()
			s.logger.Warn("account_locked", fields)
		}
		return token.Pair{}, s.loginFailure("bad_password", ErrInvalidCredentials, fields)
	}

	user, err = directory.ApplyLoginState(ctx, s.directory, user.ID, func(current directory.User) (directory.LoginState, bool, error) {
		if current.Login.Locked(now) {
			return current.Login, false, ErrAccountLocked
		}
		return current.Login.AfterSuccess(now), true, nil
	})
	if errors.Is(err, ErrAccountLocked) {
		return token.Pair{}, s.loginFailure("locked", ErrAccountLocked, fields)
	}
	if err != nil {
		return token.Pair{}, apperr.Internal("record successful login", err)
	}

	s.upgradeHash(ctx, user, creds.Password)

	scopes, err := s.directory.ResolveScopes(ctx, user.ID)
	if err != nil {
		return token.Pair{}, apperr.Internal("resolve scopes", err)
	}

	pair, err := s.issueSession(ctx, token.Subject{
		UserID:     user.ID,
		TenantID:   tenant.ID,
		TenantCode: tenant.Code,
		Email:      user.Email,
		Scopes:     scopes,
		SessionID:  uuid.NewString(),
		RememberMe: creds.RememberMe,
	}, device, now)
	if err != nil {
		return token.Pair{}, err
	}

	observability.LoginTotal.WithLabelValues(flowPassword, "success").Inc()
	s.logger.Info("login_succeeded", fields)
	return pair, nil
}

// ServiceAccountLogin is the client-credentials grant. Service accounts never
// take part in lockout and only receive access tokens.
func (s *Service) ServiceAccountLogin(ctx context.Context, clientID, clientSecret, tenantID, scope string) (token.Pair, error) {
	clientID = strings.TrimSpace(clientID)
	tenantID = strings.TrimSpace(tenantID)
	fields := map[string]any{"client_id": clientID}

	fail := func(outcome string, cause error) error {
		observability.LoginTotal.WithLabelValues(flowClientCredentials, outcome).Inc()
		fields["outcome"] = outcome
		s.logger.Info("client_login_failed", fields)
		return apperr.Authentication(msgInvalidClient).Wrap(cause)
	}

	if clientID == "" || clientSecret == "" {
		return token.Pair{}, fail("invalid", ErrClientUnavailable)
	}

	account, err := s.directory.ServiceAccountByClientID(ctx, clientID)
	switch {
	case errors.Is(err, directory.ErrNotFound):
		s.burnPasswordCheck(clientSecret)
		return token.Pair{}, fail("unknown_client", ErrClientUnavailable)
	case err != nil:
		return token.Pair{}, apperr.Internal("resolve service account", err)
	case !account.IsActive:
		s.burnPasswordCheck(clientSecret)
		return token.Pair{}, fail("inactive_client", ErrClientUnavailable)
	}
	if tenantID != "" && tenantID != account.TenantID {
		s.burnPasswordCheck(clientSecret)
		return token.Pair{}, fail("tenant_mismatch", ErrTenantUnavailable)
	}

	tenant, err := s.directory.TenantByID(ctx, account.TenantID)
	switch {
	case errors.Is(err, directory.ErrNotFound):
		return token.Pair{}, fail("unknown_tenant", ErrTenantUnavailable)
	case err != nil:
		return token.Pair{}, apperr.Internal("resolve tenant", err)
	case !tenant.IsActive:
		return token.Pair{}, fail("inactive_tenant", ErrTenantUnavailable)
	}

	if !s.passwords.Verify(clientSecret, account.SecretHash) {
		return token.Pair{}, fail("bad_secret", ErrInvalidCredentials)
	}

	granted := account.Scopes
	if requested := strings.Fields(scope); len(requested) > 0 {
		for _, sc := range requested {
			if !slices.Contains(account.Scopes, sc) {
				return token.Pair{}, fail("scope_not_granted", ErrScopeNotGranted)
			}
		}
		granted = requested
	}

	pair, err := s.codec.MintAccess(token.Subject{
		UserID:           account.ID,
		TenantID:         tenant.ID,
		TenantCode:       tenant.Code,
		IsServiceAccount: true,
		Scopes:           granted,
		SessionID:        uuid.NewString(),
	})
	if err != nil {
		return token.Pair{}, err
	}
	pair.Scope = strings.Join(granted, " ")

	if err := s.directory.TouchServiceAccount(ctx, account.ID, s.now()); err != nil {
		s.logger.Error("service_account_touch_failed", map[string]any{"client_id": clientID, "error": err})
	}

	observability.LoginTotal.WithLabelValues(flowClientCredentials, "success").Inc()
	s.logger.Info("client_login_succeeded", map[string]any{"client_id": clientID, "tenant_id": tenant.ID})
	return pair, nil
}

// Refresh always rotates: the presented token is deactivated and a new pair
// for the same session is returned. Presenting a token that was already
// rotated deactivates the whole session.
func (s *Service) Refresh(ctx context.Context, refreshToken string, device tokenstore.DeviceInfo) (token.Pair, error) {
	now := s.now()

	claims, err := s.codec.ValidateRefresh(refreshToken)
	if err != nil {
		return token.Pair{}, s.refreshFailure("invalid", err)
	}

	blacklisted, err := s.tokens.IsBlacklisted(ctx, claims.ID, now)
	if err != nil {
		return token.Pair{}, apperr.Internal("check refresh blacklist", err)
	}
	if blacklisted {
		return token.Pair{}, s.refreshFailure("revoked", ErrTokenRevoked)
	}

	record, err := s.tokens.FindByHash(ctx, token.Hash(refreshToken))
	if errors.Is(err, tokenstore.ErrNotFound) {
		return token.Pair{}, s.refreshFailure("unknown", ErrRefreshInactive)
	}
	if err != nil {
		return token.Pair{}, apperr.Internal("find refresh token", err)
	}

	if !record.IsActive {
		if record.RevokeReason == tokenstore.ReasonRotated {
			s.revokeFamily(ctx, record, now)
			return token.Pair{}, s.refreshFailure("replayed", ErrRefreshReplayed)
		}
		return token.Pair{}, s.refreshFailure("inactive", ErrRefreshInactive)
	}
	if !record.Usable(now) || record.JTI != claims.ID || record.UserID != claims.Subject {
		return token.Pair{}, s.refreshFailure("inactive", ErrRefreshInactive)
	}

	user, err := s.directory.UserByID(ctx, record.UserID)
	switch {
	case errors.Is(err, directory.ErrNotFound):
		return token.Pair{}, s.refreshFailure("inactive_user", ErrUserUnavailable)
	case err != nil:
		return token.Pair{}, apperr.Internal("resolve user", err)
	case !user.IsActive || user.IsServiceAccount:
		return token.Pair{}, s.refreshFailure("inactive_user", ErrUserUnavailable)
	}

	tenant, err := s.directory.TenantByID(ctx, user.TenantID)
	switch {
	case errors.Is(err, directory.ErrNotFound):
		return token.Pair{}, s.refreshFailure("inactive_tenant", ErrTenantUnavailable)
	case err != nil:
		return token.Pair{}, apperr.Internal("resolve tenant", err)
	case !tenant.IsActive:
		return token.Pair{}, s.refreshFailure("inactive_tenant", ErrTenantUnavailable)
	}

	scopes, err := s.directory.ResolveScopes(ctx, user.ID)
	if err != nil {
		return token.Pair{}, apperr.Internal("resolve scopes", err)
	}

	pair, err := s.codec.Mint(token.Subject{
		UserID:     user.ID,
		TenantID:   tenant.ID,
		TenantCode: tenant.Code,
		Email:      user.Email,
		Scopes:     scopes,
		SessionID:  record.SessionID,
		RememberMe: record.RememberMe,
	})
	if err != nil {
		return token.Pair{}, err
	}

	next := newRecord(pair, user.ID, tenant.ID, record.SessionID, record.RememberMe, device, now)
	if err := s.tokens.Rotate(ctx, record.ID, next, now); err != nil {
		if errors.Is(err, tokenstore.ErrNotActive) {
			return token.Pair{}, s.refreshFailure("concurrent", ErrRefreshInactive)
		}
		return token.Pair{}, apperr.Internal("rotate refresh token", err)
	}

	observability.RefreshTotal.WithLabelValues("success").Inc()
	return pair, nil
}

// Revoke blacklists the token's jti. Tokens that do not verify are ignored:
// revocation always succeeds from the caller's point of view.
func (s *Service) Revoke(ctx context.Context, raw string, hint token.Kind) error {
	claims, err := s.codec.Decode(raw, false)
	if err != nil {
		s.logger.Debug("revoke_ignored", map[string]any{"error": err})
		return nil
	}

	kind := claims.Kind
	if kind == "" {
		kind = hint
	}
	now := s.now()

	if err := s.tokens.Blacklist(ctx, tokenstore.BlacklistEntry{
		JTI:       claims.ID,
		Kind:      string(kind),
		ExpiresAt: now.Add(s.codec.MaxTTL(kind)),
		Reason:    tokenstore.ReasonRevoked,
		CreatedAt: now,
	}); err != nil {
		return apperr.Internal("blacklist token", err)
	}

	if kind == token.KindRefresh {
		if _, err := s.tokens.DeactivateByJTI(ctx, claims.ID, tokenstore.ReasonRevoked, now); err != nil {
			return apperr.Internal("deactivate refresh token", err)
		}
	}

	observability.RevocationsTotal.WithLabelValues(tokenstore.ReasonRevoked).Inc()
	s.logger.Info("token_revoked", map[string]any{"jti": claims.ID, "kind": string(kind), "user_id": claims.Subject})
	return nil
}

// Logout blacklists the presented access token and ends the current session,
// or every session of the user when revokeAllDevices is set.
func (s *Service) Logout(ctx context.Context, accessToken string, revokeAllDevices bool) error {
	claims, err := s.Authenticate(ctx, accessToken)
	if err != nil {
		return err
	}
	now := s.now()

	if err := s.tokens.Blacklist(ctx, tokenstore.BlacklistEntry{
		JTI:       claims.ID,
		Kind:      string(token.KindAccess),
		ExpiresAt: now.Add(s.codec.MaxTTL(token.KindAccess)),
		Reason:    tokenstore.ReasonLogout,
		CreatedAt: now,
	}); err != nil {
		return apperr.Internal("blacklist access token", err)
	}

	var ended []tokenstore.RefreshRecord
	switch {
	case revokeAllDevices:
		ended, err = s.tokens.DeactivateForUser(ctx, claims.Subject, "", tokenstore.ReasonLogout, now)
	case claims.SessionID != "":
		ended, err = s.tokens.DeactivateSession(ctx, claims.Subject, claims.SessionID, tokenstore.ReasonLogout, now)
	}
	if err != nil {
		return apperr.Internal("deactivate sessions", err)
	}
	if err := s.blacklistRecords(ctx, ended, tokenstore.ReasonLogout, now); err != nil {
		return err
	}

	observability.RevocationsTotal.WithLabelValues(tokenstore.ReasonLogout).Add(float64(1 + len(ended)))
	s.logger.Info("logout", map[string]any{
		"user_id":         claims.Subject,
		"all_devices":     revokeAllDevices,
		"refresh_revoked": len(ended),
		"session_id":      claims.SessionID,
	})
	return nil
}

// RevokeAllSessions ends every refresh session of userID and blacklists the
// refresh jtis. Used after a password change.
func (s *Service) RevokeAllSessions(ctx context.Context, userID, reason string) (int, error) {
	now := s.now()
	ended, err := s.tokens.DeactivateForUser(ctx, userID, "", reason, now)
	if err != nil {
		return 0, apperr.Internal("deactivate sessions", err)
	}
	if err := s.blacklistRecords(ctx, ended, reason, now); err != nil {
		return 0, err
	}
	if len(ended) > 0 {
		observability.RevocationsTotal.WithLabelValues(reason).Add(float64(len(ended)))
	}
	return len(ended), nil
}

// Validate never fails; any problem yields Valid=false.
func (s *Service) Validate(ctx context.Context, accessToken string) ValidationResult {
	claims, err := s.Authenticate(ctx, accessToken)
	if err != nil {
		return ValidationResult{Valid: false}
	}

	result := ValidationResult{
		Valid:            true,
		UserID:           claims.Subject,
		TenantID:         claims.TenantID,
		Scopes:           claims.Scopes,
		IsServiceAccount: claims.IsServiceAccount,
	}
	if claims.ExpiresAt != nil {
		exp := claims.ExpiresAt.Time.UTC()
		result.ExpiresAt = &exp
	}
	return result
}

// Authenticate checks the blacklist before verifying the token, then
// requires a valid, unexpired access token.
func (s *Service) Authenticate(ctx context.Context, accessToken string) (*token.Claims, error) {
	jti := token.ExtractJTI(accessToken)
	if jti == "" {
		return nil, apperr.Authentication(msgInvalidToken).Wrap(token.ErrInvalidToken)
	}

	blacklisted, err := s.tokens.IsBlacklisted(ctx, jti, s.now())
	if err != nil {
		return nil, apperr.Internal("check access blacklist", err)
	}
	if blacklisted {
		return nil, apperr.Authentication(msgInvalidToken).Wrap(ErrTokenRevoked)
	}

	return s.codec.ValidateAccess(accessToken)
}

func (s *Service) issueSession(ctx context.Context, subject token.Subject, device tokenstore.DeviceInfo, now time.Time) (token.Pair, error) {
	pair, err := s.codec.Mint(subject)
	if err != nil {
		return token.Pair{}, err
	}

	record := newRecord(pair, subject.UserID, subject.TenantID, subject.SessionID, subject.RememberMe, device, now)
	if err := s.tokens.PersistRefresh(ctx, record); err != nil {
		return token.Pair{}, apperr.Internal("persist refresh token", err)
	}
	return pair, nil
}

func newRecord(pair token.Pair, userID, tenantID, sessionID string, rememberMe bool, device tokenstore.DeviceInfo, now time.Time) tokenstore.RefreshRecord {
	return tokenstore.RefreshRecord{
		UserID:     userID,
		TenantID:   tenantID,
		TokenHash:  token.Hash(pair.RefreshToken),
		JTI:        pair.RefreshJTI,
		Device:     device.Clean(),
		SessionID:  sessionID,
		RememberMe: rememberMe,
		CreatedAt:  now,
		ExpiresAt:  pair.RefreshExpiresAt,
		IsActive:   true,
	}
}

// recordFailure counts one failed attempt. An account that is already locked
// is left alone so the lock is not extended.
func (s *Service) recordFailure(ctx context.Context, userID string, now time.Time) (bool, error) {
	var lockedNow bool
	_, err := directory.ApplyLoginState(ctx, s.directory, userID, func(current directory.User) (directory.LoginState, bool, error) {
		if current.Login.Locked(now) {
			return current.Login, false, nil
		}
		next := current.Login.AfterFailure(now, s.lockout)
		lockedNow = next.Locked(now)
		return next, true, nil
	})
	return lockedNow, err
}

func (s *Service) revokeFamily(ctx context.Context, record tokenstore.RefreshRecord, now time.Time) {
	fields := map[string]any{"user_id": record.UserID, "session_id": record.SessionID}

	ended, err := s.tokens.DeactivateSession(ctx, record.UserID, record.SessionID, tokenstore.ReasonReplay, now)
	if err == nil {
		err = s.blacklistRecords(ctx, ended, tokenstore.ReasonReplay, now)
	}
	if err != nil {
		fields["error"] = err
		s.logger.Error("refresh_replay_revoke_failed", fields)
		return
	}

	fields["revoked"] = len(ended)
	observability.RevocationsTotal.WithLabelValues(tokenstore.ReasonReplay).Add(float64(len(ended)))
	s.logger.Warn("refresh_replay_detected", fields)
}

func (s *Service) blacklistRecords(ctx context.Context, records []tokenstore.RefreshRecord, reason string, now time.Time) error {
	for _, rec := range records {
		if err := s.tokens.Blacklist(ctx, tokenstore.BlacklistEntry{
			JTI:       rec.JTI,
			Kind:      string(token.KindRefresh),
			ExpiresAt: rec.ExpiresAt,
			Reason:    reason,
			CreatedAt: now,
		}); err != nil {
			return apperr.Internal("blacklist refresh token", err)
		}
	}
	return nil
}

func (s *Service) upgradeHash(ctx context.Context, user directory.User, plain string) {
	if !s.passwords.NeedsRehash(user.PasswordHash) {
		return
	}
	hash, err := s.passwords.Hash(plain)
	if err == nil {
		err = s.directory.UpdatePasswordHash(ctx, user.ID, hash)
	}
	if err != nil {
		s.logger.Error("password_rehash_failed", map[string]any{"user_id": user.ID, "error": err})
	}
}

// burnPasswordCheck spends one bcrypt comparison so that unknown accounts
// take as long to reject as wrong passwords.
func (s *Service) burnPasswordCheck(plain string) {
	s.dummyOnce.Do(func() {
		s.dummyHash, _ = s.passwords.Hash(timingPadPassword)
	})
	s.passwords.Verify(plain, s.dummyHash)
}

func (s *Service) loginFailure(outcome string, cause error, fields map[string]any) error {
	observability.LoginTotal.WithLabelValues(flowPassword, outcome).Inc()
	fields["outcome"] = outcome
	s.logger.Info("login_failed", fields)
	return apperr.Authentication(msgInvalidCredentials).Wrap(cause)
}

func (s *Service) refreshFailure(outcome string, cause error) error {
	observability.RefreshTotal.WithLabelValues(outcome).Inc()
	s.logger.Info("refresh_failed", map[string]any{"outcome": outcome})
	return apperr.Authentication(msgInvalidRefresh).Wrap(cause)
}
