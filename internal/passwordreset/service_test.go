package passwordreset_test

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"tenant-auth/internal/apperr"
	"tenant-auth/internal/auth"
	"tenant-auth/internal/directory"
	"tenant-auth/internal/memstore"
	"tenant-auth/internal/notify"
	"tenant-auth/internal/observability"
	"tenant-auth/internal/password"
	"tenant-auth/internal/passwordreset"
	"tenant-auth/internal/token"
	"tenant-auth/internal/tokenstore"
)

const (
	oldPassword = "Tq9#vL2$mXe8!Rb"
	newPassword = "Gk7!pW4@zRn2#Ls"
)

type outbox struct {
	mu       sync.Mutex
	messages []notify.Message
	err      error
}

func (o *outbox) Send(_ context.Context, msg notify.Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.messages = append(o.messages, msg)
	return o.err
}

func (o *outbox) lastToken(t *testing.T) string {
	t.Helper()
	o.mu.Lock()
	defer o.mu.Unlock()
	require.NotEmpty(t, o.messages)
	u, err := url.Parse(o.messages[len(o.messages)-1].Params["reset_url"])
	require.NoError(t, err)
	raw := u.Query().Get("token")
	require.NotEmpty(t, raw)
	return raw
}

type fixture struct {
	backend *memstore.Backend
	auth    *auth.Service
	resets  *passwordreset.Service
	outbox  *outbox
	now     time.Time
	user    directory.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		backend: memstore.New(),
		outbox:  &outbox{},
		now:     time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }

	passwords := password.NewEngine(bcrypt.MinCost, password.DefaultRequirements())
	hash, err := passwords.Hash(oldPassword)
	require.NoError(t, err)

	tenant := f.backend.AddTenant(directory.Tenant{Code: "acme", IsActive: true})
	f.user = f.backend.AddUser(directory.User{
		TenantID:     tenant.ID,
		Email:        "u1@acme.test",
		DisplayName:  "Uma One",
		PasswordHash: hash,
		IsActive:     true,
	})

	codec, err := token.NewCodec(token.Config{Secret: "reset-test-secret-0123456789abcdef", Issuer: "tenant-auth"})
	require.NoError(t, err)
	codec.WithClock(clock)

	logger := observability.NewNopLogger()
	f.auth = auth.NewService(f.backend.Directory(), f.backend.Tokens(), codec, passwords, logger).WithClock(clock)
	f.resets = passwordreset.NewService(
		f.backend.Resets(), f.backend.Directory(), passwords, f.outbox, f.auth, logger,
		passwordreset.Config{URLBase: "https://app.acme.test/reset"},
	).WithClock(clock)
	return f
}

func (f *fixture) request(t *testing.T) error {
	t.Helper()
	msg, err := f.resets.Request(context.Background(), "U1@acme.test", "acme", "10.1.1.1", "test-agent")
	if err == nil {
		assert.Equal(t, passwordreset.GenericRequestMessage, msg)
	}
	f.resets.Wait()
	return err
}

func (f *fixture) login(pass string) (token.Pair, error) {
	return f.auth.Login(context.Background(), auth.Credentials{
		Email: "u1@acme.test", Password: pass, TenantCode: "acme",
	}, tokenstore.DeviceInfo{})
}

func TestRequest_SendsResetLink(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.request(t))

	require.Len(t, f.outbox.messages, 1)
	msg := f.outbox.messages[0]
	assert.Equal(t, passwordreset.TemplatePasswordReset, msg.Template)
	assert.Equal(t, "u1@acme.test", msg.To)
	assert.Equal(t, "Uma One", msg.Params["display_name"])
	assert.Equal(t, f.now.Add(time.Hour).Format(time.RFC3339), msg.Params["expires_at"])

	raw := f.outbox.lastToken(t)
	tokens := f.backend.ResetTokens(f.user.ID)
	require.Len(t, tokens, 1)
	assert.Equal(t, token.Hash(raw), tokens[0].TokenHash)
	assert.NotEqual(t, raw, tokens[0].TokenHash)
	assert.Equal(t, "10.1.1.1", tokens[0].RequestIP)
}

func TestRequest_UnknownAccountsLookTheSame(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, tc := range []struct{ email, tenant string }{
		{"nobody@acme.test", "acme"},
		{"u1@acme.test", "missing-tenant"},
		{"", ""},
	} {
		msg, err := f.resets.Request(ctx, tc.email, tc.tenant, "", "")
		require.NoError(t, err)
		assert.Equal(t, passwordreset.GenericRequestMessage, msg)
	}

	f.backend.SetUserActive(f.user.ID, false)
	msg, err := f.resets.Request(ctx, "u1@acme.test", "acme", "", "")
	require.NoError(t, err)
	assert.Equal(t, passwordreset.GenericRequestMessage, msg)

	f.resets.Wait()
	assert.Empty(t, f.outbox.messages)
}

func TestRequest_FourthWithinWindowIsLimited(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, f.request(t), "request %d", i+1)
		f.now = f.now.Add(time.Minute)
	}

	err := f.request(t)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindRateLimited))
	var limitErr *passwordreset.LimitExceededError
	require.True(t, errors.As(err, &limitErr))
	assert.Equal(t, 2*time.Minute, limitErr.RetryAfter)

	f.now = f.now.Add(3 * time.Minute)
	require.NoError(t, f.request(t), "the window has moved on")
}

func TestRequest_InvalidatesEarlierTokens(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.request(t))
	first := f.outbox.lastToken(t)
	require.NoError(t, f.request(t))
	second := f.outbox.lastToken(t)

	_, err := f.resets.Validate(ctx, first)
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	result, err := f.resets.Validate(ctx, second)
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, "u*@acme.test", result.MaskedEmail)
	assert.True(t, f.now.Add(time.Hour).Equal(result.ExpiresAt))
}

func TestRequest_NotifierFailureStillAnswersGenerically(t *testing.T) {
	f := newFixture(t)
	f.outbox.err = errors.New("smtp relay down")

	require.NoError(t, f.request(t))
	assert.Len(t, f.backend.ResetTokens(f.user.ID), 1)
}

func TestRequest_StoresCleanUserAgent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, agent := range []string{strings.Repeat("a", 511) + "é", "bot\xff\xfe/1.0"} {
		msg, err := f.resets.Request(ctx, "u1@acme.test", "acme", "10.1.1.1", agent)
		require.NoError(t, err)
		assert.Equal(t, passwordreset.GenericRequestMessage, msg)
	}
	f.resets.Wait()

	stored := f.backend.ResetTokens(f.user.ID)
	require.Len(t, stored, 2)
	for _, tok := range stored {
		assert.True(t, utf8.ValidString(tok.UserAgent), "%q", tok.UserAgent)
		assert.LessOrEqual(t, len(tok.UserAgent), tokenstore.MaxDeviceField)
	}
}

type gatedOutbox struct {
	outbox
	release chan struct{}
	ctxErr  chan error
}

func (g *gatedOutbox) Send(ctx context.Context, msg notify.Message) error {
	<-g.release
	g.ctxErr <- ctx.Err()
	return g.outbox.Send(ctx, msg)
}

func TestRequest_DoesNotWaitForDelivery(t *testing.T) {
	f := newFixture(t)
	gate := &gatedOutbox{release: make(chan struct{}), ctxErr: make(chan error, 1)}
	resets := passwordreset.NewService(
		f.backend.Resets(), f.backend.Directory(), password.NewEngine(bcrypt.MinCost, password.DefaultRequirements()),
		gate, f.auth, observability.NewNopLogger(), passwordreset.Config{URLBase: "https://app.acme.test/reset"},
	).WithClock(func() time.Time { return f.now })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		msg, err := resets.Request(ctx, "u1@acme.test", "acme", "", "")
		assert.NoError(t, err)
		assert.Equal(t, passwordreset.GenericRequestMessage, msg)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("request blocked on the notifier")
	}

	// The request is over; delivery must not inherit its cancellation.
	cancel()
	close(gate.release)
	resets.Wait()

	assert.NoError(t, <-gate.ctxErr)
	assert.Len(t, gate.messages, 1)
}

func TestValidate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.resets.Validate(ctx, "no-such-token")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	_, err = f.resets.Validate(ctx, "  ")
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	require.NoError(t, f.request(t))
	raw := f.outbox.lastToken(t)

	f.now = f.now.Add(61 * time.Minute)
	_, err = f.resets.Validate(ctx, raw)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestConfirm_ChecksPolicyBeforeToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.resets.Confirm(ctx, "unknown", "short", "short")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	err = f.resets.Confirm(ctx, "", "Password123!", "Password123!")
	var appErr *apperr.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, apperr.KindValidation, appErr.Kind)
	assert.NotEmpty(t, appErr.Details)
}

func TestConfirm_IsSingleUse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.request(t))
	raw := f.outbox.lastToken(t)

	require.NoError(t, f.resets.Confirm(ctx, raw, newPassword, newPassword))

	err := f.resets.Confirm(ctx, raw, newPassword, newPassword)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	assert.ErrorIs(t, err, passwordreset.ErrUnusable)
}

func TestConfirm_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.request(t))
	raw := f.outbox.lastToken(t)

	err := f.resets.Confirm(ctx, raw, newPassword, newPassword+"x")
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	err = f.resets.Confirm(ctx, raw, "Password123!", "Password123!")
	require.Error(t, err)
	var appErr *apperr.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, apperr.KindValidation, appErr.Kind)
	assert.NotEmpty(t, appErr.Details)

	err = f.resets.Confirm(ctx, raw, "Kx#umaPl7!vQ29z", "Kx#umaPl7!vQ29z")
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, []string{"password must not contain your name"}, appErr.Details)

	err = f.resets.Confirm(ctx, "unknown", newPassword, newPassword)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	result, err := f.resets.Validate(ctx, raw)
	require.NoError(t, err)
	assert.True(t, result.Valid, "failed confirmations do not consume the token")
}

func TestLockedUserRecoversThroughReset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	session, err := f.login(oldPassword)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := f.login("Wrong#Pass9xyz")
		require.Error(t, err)
	}
	_, err = f.login(oldPassword)
	require.Error(t, err)
	assert.ErrorIs(t, err, auth.ErrAccountLocked)

	require.NoError(t, f.request(t))
	require.NoError(t, f.resets.Confirm(ctx, f.outbox.lastToken(t), newPassword, newPassword))

	_, err = f.auth.Refresh(ctx, session.RefreshToken, tokenstore.DeviceInfo{})
	assert.Error(t, err, "sessions end when the password changes")

	_, err = f.login(oldPassword)
	require.Error(t, err)

	_, err = f.login(newPassword)
	require.NoError(t, err)

	u, err := f.backend.Directory().UserByID(ctx, f.user.ID)
	require.NoError(t, err)
	assert.Zero(t, u.Login.FailedCount)
	assert.Nil(t, u.Login.LockedUntil)
}

func TestMaskEmail(t *testing.T) {
	assert.Equal(t, "a**@acme.test", passwordreset.MaskEmail("ana@acme.test"))
	assert.Equal(t, "*@x.io", passwordreset.MaskEmail("a@x.io"))
	assert.Equal(t, "é****@acme.test", passwordreset.MaskEmail("élise@acme.test"))
	assert.Equal(t, "*@acme.test", passwordreset.MaskEmail("ß@acme.test"))
	assert.Equal(t, "***", passwordreset.MaskEmail("broken"))
}
