// Package config loads the service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"tenant-auth/internal/db"
	"tenant-auth/internal/observability"
	"tenant-auth/internal/password"
	"tenant-auth/internal/token"
)

const (
	EnvProduction = "production"

	RateLimitAuto     = "auto"
	RateLimitPostgres = "postgres"
	RateLimitMemory   = "memory"

	minProductionSecretLength = 32
)

type Config struct {
	AppEnv            string `mapstructure:"app_env"`
	Port              string `mapstructure:"port"`
	Release           string `mapstructure:"release"`
	RunMigrations     bool   `mapstructure:"run_migrations_on_startup"`
	TrustProxyHeaders bool   `mapstructure:"trust_proxy_headers"`

	DatabaseURL              string `mapstructure:"database_url"`
	DBMaxOpenConns           int    `mapstructure:"db_max_open_conns"`
	DBMaxIdleConns           int    `mapstructure:"db_max_idle_conns"`
	DBConnMaxLifetimeMinutes int    `mapstructure:"db_conn_max_lifetime_minutes"`
	DBConnMaxIdleTimeMinutes int    `mapstructure:"db_conn_max_idle_time_minutes"`

	JWTSecret             string `mapstructure:"jwt_secret"`
	JWTAlgorithm          string `mapstructure:"jwt_algorithm"`
	JWTIssuer             string `mapstructure:"jwt_issuer"`
	JWTAudience           string `mapstructure:"jwt_audience"`
	AccessTokenTTLMinutes int    `mapstructure:"access_token_ttl_minutes"`
	RefreshTokenTTLDays   int    `mapstructure:"refresh_token_ttl_days"`
	RememberMeTTLDays     int    `mapstructure:"remember_me_ttl_days"`

	BcryptCost        int `mapstructure:"bcrypt_cost"`
	PasswordMinLength int `mapstructure:"password_min_length"`
	LoginMaxAttempts  int `mapstructure:"login_max_attempts"`
	LoginLockMinutes  int `mapstructure:"login_lock_minutes"`

	RateLimitBackend                   string `mapstructure:"rate_limit_backend"`
	LoginRateLimitMax                  int    `mapstructure:"login_rate_limit_max"`
	LoginRateLimitWindowSeconds        int    `mapstructure:"login_rate_limit_window_seconds"`
	ResetRequestRateLimitMax           int    `mapstructure:"reset_request_rate_limit_max"`
	ResetRequestRateLimitWindowSeconds int    `mapstructure:"reset_request_rate_limit_window_seconds"`
	ResetConfirmRateLimitMax           int    `mapstructure:"reset_confirm_rate_limit_max"`
	ResetConfirmRateLimitWindowSeconds int    `mapstructure:"reset_confirm_rate_limit_window_seconds"`

	ResetTokenTTLMinutes int    `mapstructure:"reset_token_ttl_minutes"`
	ResetMaxPerWindow    int    `mapstructure:"reset_max_per_window"`
	ResetWindowMinutes   int    `mapstructure:"reset_window_minutes"`
	ResetURLBase         string `mapstructure:"reset_url_base"`
	NotifyWebhookURL     string `mapstructure:"notify_webhook_url"`
	NotifyWebhookSecret  string `mapstructure:"notify_webhook_secret"`
	CronSecret           string `mapstructure:"cron_secret"`
	PurgeIntervalMinutes int    `mapstructure:"purge_interval_minutes"`
	PurgeBatchSize       int    `mapstructure:"purge_batch_size"`

	SentryDSN     string `mapstructure:"sentry_dsn"`
	LogLevel      string `mapstructure:"log_level"`
	LogFile       string `mapstructure:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`
	LogMaxAgeDays int    `mapstructure:"log_max_age_days"`

	BootstrapTenantCode    string `mapstructure:"bootstrap_tenant_code"`
	BootstrapTenantName    string `mapstructure:"bootstrap_tenant_name"`
	BootstrapAdminEmail    string `mapstructure:"bootstrap_admin_email"`
	BootstrapAdminName     string `mapstructure:"bootstrap_admin_name"`
	BootstrapAdminPassword string `mapstructure:"bootstrap_admin_password"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app_env", "development")
	v.SetDefault("port", "8080")
	v.SetDefault("release", "")
	v.SetDefault("run_migrations_on_startup", false)
	v.SetDefault("trust_proxy_headers", false)

	v.SetDefault("database_url", "")
	v.SetDefault("db_max_open_conns", 10)
	v.SetDefault("db_max_idle_conns", 5)
	v.SetDefault("db_conn_max_lifetime_minutes", 30)
	v.SetDefault("db_conn_max_idle_time_minutes", 10)

	v.SetDefault("jwt_secret", "")
	v.SetDefault("jwt_algorithm", "HS256")
	v.SetDefault("jwt_issuer", "tenant-auth")
	v.SetDefault("jwt_audience", "tenant-auth-api")
	v.SetDefault("access_token_ttl_minutes", 30)
	v.SetDefault("refresh_token_ttl_days", 7)
	v.SetDefault("remember_me_ttl_days", 30)

	v.SetDefault("bcrypt_cost", password.DefaultCost)
	v.SetDefault("password_min_length", 12)
	v.SetDefault("login_max_attempts", 5)
	v.SetDefault("login_lock_minutes", 30)

	v.SetDefault("rate_limit_backend", RateLimitAuto)
	v.SetDefault("login_rate_limit_max", 10)
	v.SetDefault("login_rate_limit_window_seconds", 60)
	v.SetDefault("reset_request_rate_limit_max", 3)
	v.SetDefault("reset_request_rate_limit_window_seconds", 300)
	v.SetDefault("reset_confirm_rate_limit_max", 5)
	v.SetDefault("reset_confirm_rate_limit_window_seconds", 300)

	v.SetDefault("reset_token_ttl_minutes", 60)
	v.SetDefault("reset_max_per_window", 3)
	v.SetDefault("reset_window_minutes", 5)
	v.SetDefault("reset_url_base", "http://localhost:3000/reset-password")
	v.SetDefault("notify_webhook_url", "")
	v.SetDefault("notify_webhook_secret", "")
	v.SetDefault("cron_secret", "")
	v.SetDefault("purge_interval_minutes", 60)
	v.SetDefault("purge_batch_size", 500)

	v.SetDefault("sentry_dsn", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", "")
	v.SetDefault("log_max_size_mb", 100)
	v.SetDefault("log_max_backups", 5)
	v.SetDefault("log_max_age_days", 14)

	v.SetDefault("bootstrap_tenant_code", "")
	v.SetDefault("bootstrap_tenant_name", "")
	v.SetDefault("bootstrap_admin_email", "")
	v.SetDefault("bootstrap_admin_name", "Administrator")
	v.SetDefault("bootstrap_admin_password", "")
}

// Load reads .env (when asked), then the process environment.
func Load(loadDotEnv bool) (Config, error) {
	if loadDotEnv {
		_ = godotenv.Load()
	}

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.AppEnv = strings.ToLower(strings.TrimSpace(c.AppEnv))
	c.DatabaseURL = strings.TrimSpace(c.DatabaseURL)
	c.JWTSecret = strings.TrimSpace(c.JWTSecret)
	c.RateLimitBackend = strings.ToLower(strings.TrimSpace(c.RateLimitBackend))
	c.BootstrapTenantCode = strings.TrimSpace(c.BootstrapTenantCode)
	c.BootstrapAdminEmail = strings.ToLower(strings.TrimSpace(c.BootstrapAdminEmail))
	if c.BootstrapTenantName == "" {
		c.BootstrapTenantName = c.BootstrapTenantCode
	}
}

func (c Config) Validate() error {
	var errs []error

	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	} else if c.IsProduction() && len(c.JWTSecret) < minProductionSecretLength {
		errs = append(errs, fmt.Errorf("JWT_SECRET must be at least %d characters in production", minProductionSecretLength))
	}
	if c.IsProduction() && c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required in production"))
	}

	switch c.RateLimitBackend {
	case RateLimitAuto, RateLimitMemory:
	case RateLimitPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("RATE_LIMIT_BACKEND=postgres requires DATABASE_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("RATE_LIMIT_BACKEND must be auto, postgres or memory, got %q", c.RateLimitBackend))
	}

	bootstrap := []string{c.BootstrapTenantCode, c.BootstrapAdminEmail, c.BootstrapAdminPassword}
	set := 0
	for _, value := range bootstrap {
		if value != "" {
			set++
		}
	}
	if set != 0 && set != len(bootstrap) {
		errs = append(errs, errors.New("BOOTSTRAP_TENANT_CODE, BOOTSTRAP_ADMIN_EMAIL and BOOTSTRAP_ADMIN_PASSWORD are required together"))
	}

	if c.NotifyWebhookURL != "" && c.NotifyWebhookSecret == "" {
		errs = append(errs, errors.New("NOTIFY_WEBHOOK_SECRET is required with NOTIFY_WEBHOOK_URL"))
	}

	return errors.Join(errs...)
}

func (c Config) IsProduction() bool {
	return c.AppEnv == EnvProduction
}

func (c Config) UsesDatabase() bool {
	return c.DatabaseURL != ""
}

// SharedRateLimits reports whether limiter counters live in Postgres.
func (c Config) SharedRateLimits() bool {
	switch c.RateLimitBackend {
	case RateLimitPostgres:
		return true
	case RateLimitMemory:
		return false
	default:
		return c.UsesDatabase()
	}
}

func (c Config) HasBootstrapAdmin() bool {
	return c.BootstrapAdminEmail != ""
}

func (c Config) Token() token.Config {
	var audience []string
	for _, aud := range strings.Split(c.JWTAudience, ",") {
		if aud = strings.TrimSpace(aud); aud != "" {
			audience = append(audience, aud)
		}
	}
	return token.Config{
		Algorithm:     c.JWTAlgorithm,
		Secret:        c.JWTSecret,
		Issuer:        c.JWTIssuer,
		Audience:      audience,
		AccessTTL:     minutes(c.AccessTokenTTLMinutes),
		RefreshTTL:    days(c.RefreshTokenTTLDays),
		RememberMeTTL: days(c.RememberMeTTLDays),
	}
}

func (c Config) Pool() db.PoolOptions {
	return db.PoolOptions{
		MaxOpenConns:    c.DBMaxOpenConns,
		MaxIdleConns:    c.DBMaxIdleConns,
		ConnMaxLifetime: minutes(c.DBConnMaxLifetimeMinutes),
		ConnMaxIdleTime: minutes(c.DBConnMaxIdleTimeMinutes),
	}
}

func (c Config) Logger() observability.LoggerConfig {
	return observability.LoggerConfig{
		Level:      c.LogLevel,
		File:       c.LogFile,
		MaxSizeMB:  c.LogMaxSizeMB,
		MaxBackups: c.LogMaxBackups,
		MaxAgeDays: c.LogMaxAgeDays,
	}
}

func (c Config) PasswordRequirements() password.Requirements {
	req := password.DefaultRequirements()
	if c.PasswordMinLength > 0 {
		req.MinLength = c.PasswordMinLength
	}
	return req
}

func (c Config) LockDuration() time.Duration    { return minutes(c.LoginLockMinutes) }
func (c Config) ResetTokenTTL() time.Duration   { return minutes(c.ResetTokenTTLMinutes) }
func (c Config) ResetWindow() time.Duration     { return minutes(c.ResetWindowMinutes) }
func (c Config) PurgeInterval() time.Duration   { return minutes(c.PurgeIntervalMinutes) }
func (c Config) LoginRateWindow() time.Duration { return seconds(c.LoginRateLimitWindowSeconds) }

func (c Config) ResetRequestRateWindow() time.Duration {
	return seconds(c.ResetRequestRateLimitWindowSeconds)
}

func (c Config) ResetConfirmRateWindow() time.Duration {
	return seconds(c.ResetConfirmRateLimitWindowSeconds)
}

func minutes(n int) time.Duration { return time.Duration(max(n, 0)) * time.Minute }
func days(n int) time.Duration    { return time.Duration(max(n, 0)) * 24 * time.Hour }
func seconds(n int) time.Duration { return time.Duration(max(n, 0)) * time.Second }
