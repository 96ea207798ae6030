package passwordreset

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"tenant-auth/internal/apperr"
	"tenant-auth/internal/directory"
	"tenant-auth/internal/notify"
	"tenant-auth/internal/observability"
	"tenant-auth/internal/password"
	"tenant-auth/internal/token"
	"tenant-auth/internal/tokenstore"
)

const (
	GenericRequestMessage = "if the email exists, a reset link has been sent"
	ConfirmedMessage      = "password has been reset"

	rawTokenBytes = 32
)

// SessionRevoker ends every refresh session of a user.
type SessionRevoker interface {
	RevokeAllSessions(ctx context.Context, userID, reason string) (int, error)
}

type Config struct {
	TokenTTL   time.Duration
	Limit      IssueLimit
	URLBase    string
	Production bool

	// NotifyTimeout bounds one background delivery of the reset message.
	NotifyTimeout time.Duration
}

type ValidationResult struct {
	Valid       bool      `json:"valid"`
	MaskedEmail string    `json:"masked_email"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type Service struct {
	store     Store
	directory directory.Store
	passwords *password.Engine
	notifier  notify.Notifier
	sessions  SessionRevoker
	logger    *observability.Logger
	cfg       Config
	now       func() time.Time

	deliveries sync.WaitGroup
}

func NewService(store Store, dir directory.Store, passwords *password.Engine, notifier notify.Notifier, sessions SessionRevoker, logger *observability.Logger, cfg Config) *Service {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = DefaultTokenTTL
	}
	if cfg.Limit.Max <= 0 {
		cfg.Limit.Max = DefaultMaxIssue
	}
	if cfg.Limit.Window <= 0 {
		cfg.Limit.Window = DefaultWindow
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = DefaultNotifyTimeout
	}
	return &Service{
		store:     store,
		directory: dir,
		passwords: passwords,
		notifier:  notifier,
		sessions:  sessions,
		logger:    logger,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// Request issues a reset token and sends the reset link. Unknown or inactive
// accounts get the same answer as real ones; only the per-user issue limit
// is reported.
func (s *Service) Request(ctx context.Context, email, tenantCode, requestIP, userAgent string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	tenantCode = strings.TrimSpace(tenantCode)
	fields := map[string]any{"tenant_code": tenantCode, "ip": requestIP}

	user, tenant, ok, err := s.resolveUser(ctx, email, tenantCode)
	if err != nil {
		return "", err
	}
	if !ok {
		observability.PasswordResetTotal.WithLabelValues("request", "unknown_account").Inc()
		s.logger.Info("password_reset_requested", fields)
		return GenericRequestMessage, nil
	}
	fields["user_id"] = user.ID

	raw, err := newRawToken()
	if err != nil {
		return "", apperr.Internal("generate reset token", err)
	}

	now := s.now()
	issued := Token{
		UserID:    user.ID,
		TokenHash: token.Hash(raw),
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.TokenTTL),
		RequestIP: tokenstore.CleanText(requestIP, tokenstore.MaxDeviceField),
		UserAgent: tokenstore.CleanText(userAgent, tokenstore.MaxDeviceField),
	}

	if err := s.store.Issue(ctx, issued, s.cfg.Limit); err != nil {
		var limitErr *LimitExceededError
		if errors.As(err, &limitErr) {
			observability.PasswordResetTotal.WithLabelValues("request", "limited").Inc()
			s.logger.Warn("password_reset_limited", fields)
			return "", apperr.RateLimited("too many reset requests", limitErr.RetryAfter).Wrap(err)
		}
		return "", apperr.Internal("issue reset token", err)
	}

	if !s.cfg.Production {
		s.logger.Debug("password_reset_token", map[string]any{"user_id": user.ID, "token": raw})
	}

	msg := notify.Message{
		Template: TemplatePasswordReset,
		To:       user.Email,
		TenantID: tenant.ID,
		Params: map[string]string{
			"reset_url":    s.resetURL(raw),
			"expires_at":   issued.ExpiresAt.Format(time.RFC3339),
			"display_name": user.DisplayName,
		},
	}
	s.deliver(ctx, msg, user.ID)

	observability.PasswordResetTotal.WithLabelValues("request", "issued").Inc()
	s.logger.Info("password_reset_requested", fields)
	return GenericRequestMessage, nil
}

// deliver sends msg off the request path, so answering for a real account
// takes as long as answering for an unknown one.
func (s *Service) deliver(ctx context.Context, msg notify.Message, userID string) {
	s.deliveries.Add(1)
	go func() {
		defer s.deliveries.Done()

		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.NotifyTimeout)
		defer cancel()

		if err := s.notifier.Send(sendCtx, msg); err != nil {
			observability.PasswordResetTotal.WithLabelValues("request", "notify_failed").Inc()
			s.logger.Error("password_reset_notify_failed", map[string]any{"user_id": userID, "error": err})
		}
	}()
}

// Wait blocks until every reset message handed to the notifier is delivered
// or has failed.
func (s *Service) Wait() {
	s.deliveries.Wait()
}

func (s *Service) Validate(ctx context.Context, raw string) (ValidationResult, error) {
	t, err := s.usableToken(ctx, raw)
	if err != nil {
		return ValidationResult{}, err
	}

	user, err := s.directory.UserByID(ctx, t.UserID)
	if errors.Is(err, directory.ErrNotFound) {
		return ValidationResult{}, apperr.NotFound("reset token not found").Wrap(err)
	}
	if err != nil {
		return ValidationResult{}, apperr.Internal("resolve reset token owner", err)
	}

	return ValidationResult{
		Valid:       true,
		MaskedEmail: MaskEmail(user.Email),
		ExpiresAt:   t.ExpiresAt,
	}, nil
}

// Confirm sets the new password, clears any lockout and consumes every
// outstanding token of the user in one step, then ends the user's sessions.
func (s *Service) Confirm(ctx context.Context, raw, newPassword, confirmPassword string) error {
	if newPassword != confirmPassword {
		return apperr.Validation("passwords do not match")
	}
	if err := s.checkPolicy(newPassword, password.UserContext{}); err != nil {
		return err
	}

	t, err := s.usableToken(ctx, raw)
	if err != nil {
		return err
	}

	user, err := s.directory.UserByID(ctx, t.UserID)
	if errors.Is(err, directory.ErrNotFound) {
		return apperr.NotFound("reset token not found").Wrap(err)
	}
	if err != nil {
		return apperr.Internal("resolve reset token owner", err)
	}

	// Owner-specific checks need the token's user, so they run second.
	if err := s.checkPolicy(newPassword, password.UserContext{Email: user.Email, Name: user.DisplayName}); err != nil {
		return err
	}

	hash, err := s.passwords.Hash(newPassword)
	if err != nil {
		return err
	}

	if _, err := s.store.Consume(ctx, t.TokenHash, hash, s.now()); err != nil {
		switch {
		case errors.Is(err, ErrUnusable):
			return apperr.Validation("reset token expired or already used").Wrap(err)
		case errors.Is(err, ErrNotFound):
			return apperr.NotFound("reset token not found").Wrap(err)
		default:
			return apperr.Internal("consume reset token", err)
		}
	}

	fields := map[string]any{"user_id": user.ID}
	revoked, err := s.sessions.RevokeAllSessions(ctx, user.ID, tokenstore.ReasonPasswordReset)
	if err != nil {
		fields["error"] = err
		s.logger.Error("password_reset_session_revoke_failed", fields)
		delete(fields, "error")
	}
	fields["sessions_revoked"] = revoked

	observability.PasswordResetTotal.WithLabelValues("confirm", "success").Inc()
	s.logger.Info("password_reset_confirmed", fields)
	return nil
}

func (s *Service) checkPolicy(newPassword string, owner password.UserContext) error {
	policy := s.passwords.EnforcePolicy(newPassword, owner)
	if !policy.Valid {
		observability.PasswordResetTotal.WithLabelValues("confirm", "weak_password").Inc()
		return apperr.Validation("password does not meet the policy", policy.Errors...)
	}
	return nil
}

func (s *Service) usableToken(ctx context.Context, raw string) (Token, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Token{}, apperr.Validation("token is required")
	}

	t, err := s.store.FindByHash(ctx, token.Hash(raw))
	if errors.Is(err, ErrNotFound) {
		return Token{}, apperr.NotFound("reset token not found").Wrap(err)
	}
	if err != nil {
		return Token{}, apperr.Internal("find reset token", err)
	}
	if !t.Usable(s.now()) {
		return Token{}, apperr.Validation("reset token expired or already used").Wrap(ErrUnusable)
	}
	return t, nil
}

func (s *Service) resolveUser(ctx context.Context, email, tenantCode string) (directory.User, directory.Tenant, bool, error) {
	if email == "" || tenantCode == "" {
		return directory.User{}, directory.Tenant{}, false, nil
	}

	tenant, err := s.directory.TenantByCode(ctx, tenantCode)
	if errors.Is(err, directory.ErrNotFound) {
		return directory.User{}, directory.Tenant{}, false, nil
	}
	if err != nil {
		return directory.User{}, directory.Tenant{}, false, apperr.Internal("resolve tenant", err)
	}
	if !tenant.IsActive {
		return directory.User{}, directory.Tenant{}, false, nil
	}

	user, err := s.directory.UserByEmail(ctx, tenant.ID, email)
	if errors.Is(err, directory.ErrNotFound) {
		return directory.User{}, directory.Tenant{}, false, nil
	}
	if err != nil {
		return directory.User{}, directory.Tenant{}, false, apperr.Internal("resolve user", err)
	}
	if !user.IsActive || user.IsServiceAccount {
		return directory.User{}, directory.Tenant{}, false, nil
	}
	return user, tenant, true, nil
}

func (s *Service) resetURL(raw string) string {
	base := strings.TrimSpace(s.cfg.URLBase)
	u, err := url.Parse(base)
	if base == "" || err != nil {
		return "?token=" + url.QueryEscape(raw)
	}
	q := u.Query()
	q.Set("token", raw)
	u.RawQuery = q.Encode()
	return u.String()
}

// MaskEmail keeps the first character of the local part and the domain.
func MaskEmail(email string) string {
	local, domain, ok := strings.Cut(email, "@")
	if !ok || local == "" {
		return "***"
	}
	first, size := utf8.DecodeRuneInString(local)
	rest := utf8.RuneCountInString(local[size:])
	if rest == 0 {
		return "*@" + domain
	}
	return string(first) + strings.Repeat("*", rest) + "@" + domain
}

func newRawToken() (string, error) {
	buf := make([]byte, rawTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
