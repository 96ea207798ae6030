package maintenance

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tenant-auth/internal/directory"
	"tenant-auth/internal/memstore"
	"tenant-auth/internal/observability"
	"tenant-auth/internal/passwordreset"
	"tenant-auth/internal/ratelimit"
	"tenant-auth/internal/tokenstore"
)

var base = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func seeded(t *testing.T) (*memstore.Backend, *ratelimit.MemoryStore) {
	t.Helper()
	ctx := context.Background()

	backend := memstore.New()
	tenant := backend.AddTenant(directory.Tenant{Code: "acme", IsActive: true})
	user := backend.AddUser(directory.User{TenantID: tenant.ID, Email: "a@acme.test", IsActive: true})

	tokens := backend.Tokens()
	require.NoError(t, tokens.PersistRefresh(ctx, tokenstore.RefreshRecord{
		UserID: user.ID, TokenHash: "h-old", JTI: "j-old", CreatedAt: base.Add(-48 * time.Hour), ExpiresAt: base.Add(-time.Hour),
	}))
	require.NoError(t, tokens.PersistRefresh(ctx, tokenstore.RefreshRecord{
		UserID: user.ID, TokenHash: "h-live", JTI: "j-live", CreatedAt: base, ExpiresAt: base.Add(time.Hour),
	}))
	require.NoError(t, tokens.Blacklist(ctx, tokenstore.BlacklistEntry{JTI: "b-old", ExpiresAt: base.Add(-time.Minute)}))
	require.NoError(t, tokens.Blacklist(ctx, tokenstore.BlacklistEntry{JTI: "b-live", ExpiresAt: base.Add(time.Minute)}))

	require.NoError(t, backend.Resets().Issue(ctx, passwordreset.Token{
		UserID: user.ID, TokenHash: "r-old", CreatedAt: base.Add(-2 * time.Hour), ExpiresAt: base.Add(-time.Hour),
	}, passwordreset.IssueLimit{Max: 3, Window: 5 * time.Minute}))

	limits := ratelimit.NewMemoryStore()
	_, _, err := limits.Allow(ctx, "login:1.1.1.1", 10, time.Minute, base.Add(-3*time.Hour))
	require.NoError(t, err)
	_, _, err = limits.Allow(ctx, "login:2.2.2.2", 10, time.Minute, base)
	require.NoError(t, err)

	return backend, limits
}

func TestJanitor_RunOnce(t *testing.T) {
	backend, limits := seeded(t)
	janitor := NewJanitor(backend.Tokens(), backend.Resets(), limits, observability.NewNopLogger(), 10).
		WithClock(func() time.Time { return base })

	result, err := janitor.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{RefreshTokens: 1, BlacklistEntries: 1, ResetTokens: 1, RateLimitWindows: 1}, result)

	again, err := janitor.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{}, again, "purging is idempotent")

	live, err := backend.Tokens().IsBlacklisted(context.Background(), "b-live", base)
	require.NoError(t, err)
	assert.True(t, live)
}

type brokenResets struct{ passwordreset.Store }

func (brokenResets) PurgeExpired(context.Context, time.Time, int) (int64, error) {
	return 0, errors.New("connection reset")
}

func TestJanitor_ContinuesAfterFailure(t *testing.T) {
	backend, _ := seeded(t)
	janitor := NewJanitor(backend.Tokens(), brokenResets{}, nil, observability.NewNopLogger(), 0).
		WithClock(func() time.Time { return base })

	result, err := janitor.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "purge reset tokens")
	assert.EqualValues(t, 1, result.RefreshTokens)
}

func TestJanitor_RunStopsWithContext(t *testing.T) {
	backend, limits := seeded(t)
	janitor := NewJanitor(backend.Tokens(), backend.Resets(), limits, observability.NewNopLogger(), 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		janitor.Run(ctx, 10*time.Millisecond)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop")
	}

	janitor.Run(context.Background(), 0)
}

func TestCleanupHandler(t *testing.T) {
	backend, limits := seeded(t)
	janitor := NewJanitor(backend.Tokens(), backend.Resets(), limits, observability.NewNopLogger(), 0).
		WithClock(func() time.Time { return base })

	call := func(h *CleanupHandler, method, authz string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, "/internal/maintenance/cleanup", nil)
		if authz != "" {
			req.Header.Set("Authorization", authz)
		}
		rec := httptest.NewRecorder()
		h.Handle(rec, req)
		return rec
	}

	disabled := NewCleanupHandler(janitor, observability.NewNopLogger(), "")
	assert.Equal(t, http.StatusNotFound, call(disabled, http.MethodPost, "Bearer x").Code)

	h := NewCleanupHandler(janitor, observability.NewNopLogger(), "cron-secret")
	assert.Equal(t, http.StatusUnauthorized, call(h, http.MethodPost, "").Code)
	assert.Equal(t, http.StatusUnauthorized, call(h, http.MethodPost, "Bearer wrong").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, call(h, http.MethodDelete, "Bearer cron-secret").Code)

	rec := call(h, http.MethodGet, "Bearer cron-secret")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status string `json:"status"`
		Result Result `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.EqualValues(t, 1, body.Result.RefreshTokens)
	assert.EqualValues(t, 1, body.Result.ResetTokens)
}
