package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "dev-secret")

	cfg, err := Load(false)
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.AppEnv)
	assert.Equal(t, "8080", cfg.Port)
	assert.False(t, cfg.UsesDatabase())
	assert.False(t, cfg.SharedRateLimits())
	assert.False(t, cfg.HasBootstrapAdmin())
	assert.False(t, cfg.TrustProxyHeaders)

	tok := cfg.Token()
	assert.Equal(t, "HS256", tok.Algorithm)
	assert.Equal(t, []string{"tenant-auth-api"}, tok.Audience)
	assert.Equal(t, 30*time.Minute, tok.AccessTTL)
	assert.Equal(t, 7*24*time.Hour, tok.RefreshTTL)
	assert.Equal(t, 30*24*time.Hour, tok.RememberMeTTL)

	assert.Equal(t, 30*time.Minute, cfg.LockDuration())
	assert.Equal(t, 5, cfg.LoginMaxAttempts)
	assert.Equal(t, 12, cfg.PasswordRequirements().MinLength)
	assert.Equal(t, time.Hour, cfg.PurgeInterval())
	assert.Equal(t, 5*time.Minute, cfg.ResetRequestRateWindow())
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "dev-secret")
	t.Setenv("JWT_AUDIENCE", "web, mobile ,")
	t.Setenv("ACCESS_TOKEN_TTL_MINUTES", "5")
	t.Setenv("DATABASE_URL", " postgres://localhost/auth ")
	t.Setenv("DB_MAX_OPEN_CONNS", "25")
	t.Setenv("RUN_MIGRATIONS_ON_STARTUP", "true")
	t.Setenv("TRUST_PROXY_HEADERS", "true")
	t.Setenv("PASSWORD_MIN_LENGTH", "16")
	t.Setenv("BOOTSTRAP_TENANT_CODE", "acme")
	t.Setenv("BOOTSTRAP_ADMIN_EMAIL", " Admin@Acme.Test ")
	t.Setenv("BOOTSTRAP_ADMIN_PASSWORD", "Correct-Horse-9")

	cfg, err := Load(false)
	require.NoError(t, err)

	assert.Equal(t, []string{"web", "mobile"}, cfg.Token().Audience)
	assert.Equal(t, 5*time.Minute, cfg.Token().AccessTTL)
	assert.Equal(t, "postgres://localhost/auth", cfg.DatabaseURL)
	assert.Equal(t, 25, cfg.Pool().MaxOpenConns)
	assert.True(t, cfg.RunMigrations)
	assert.True(t, cfg.TrustProxyHeaders)
	assert.True(t, cfg.SharedRateLimits())
	assert.Equal(t, 16, cfg.PasswordRequirements().MinLength)
	assert.True(t, cfg.HasBootstrapAdmin())
	assert.Equal(t, "admin@acme.test", cfg.BootstrapAdminEmail)
	assert.Equal(t, "acme", cfg.BootstrapTenantName)
}

func TestLoad_Invalid(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		want string
	}{
		{
			name: "missing secret",
			env:  map[string]string{},
			want: "JWT_SECRET is required",
		},
		{
			name: "short production secret",
			env:  map[string]string{"APP_ENV": "production", "JWT_SECRET": "short", "DATABASE_URL": "postgres://x"},
			want: "at least 32 characters",
		},
		{
			name: "production without database",
			env:  map[string]string{"APP_ENV": "Production", "JWT_SECRET": "0123456789abcdef0123456789abcdef"},
			want: "DATABASE_URL is required in production",
		},
		{
			name: "postgres limiter without database",
			env:  map[string]string{"JWT_SECRET": "s", "RATE_LIMIT_BACKEND": "postgres"},
			want: "requires DATABASE_URL",
		},
		{
			name: "unknown limiter backend",
			env:  map[string]string{"JWT_SECRET": "s", "RATE_LIMIT_BACKEND": "redis"},
			want: "RATE_LIMIT_BACKEND must be",
		},
		{
			name: "partial bootstrap",
			env:  map[string]string{"JWT_SECRET": "s", "BOOTSTRAP_ADMIN_EMAIL": "a@b.c"},
			want: "required together",
		},
		{
			name: "webhook without secret",
			env:  map[string]string{"JWT_SECRET": "s", "NOTIFY_WEBHOOK_URL": "https://hooks.test/reset"},
			want: "NOTIFY_WEBHOOK_SECRET",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("JWT_SECRET", "")
			for key, value := range tc.env {
				t.Setenv(key, value)
			}
			_, err := Load(false)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestSharedRateLimits(t *testing.T) {
	cfg := Config{RateLimitBackend: RateLimitMemory, DatabaseURL: "postgres://x"}
	assert.False(t, cfg.SharedRateLimits())

	cfg.RateLimitBackend = RateLimitAuto
	assert.True(t, cfg.SharedRateLimits())
}
