package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tenant-auth/internal/auth"
	"tenant-auth/internal/config"
	"tenant-auth/internal/db"
	"tenant-auth/internal/directory"
	"tenant-auth/internal/maintenance"
	"tenant-auth/internal/memstore"
	"tenant-auth/internal/notify"
	"tenant-auth/internal/observability"
	"tenant-auth/internal/password"
	"tenant-auth/internal/passwordreset"
	"tenant-auth/internal/ratelimit"
	"tenant-auth/internal/token"
	"tenant-auth/internal/tokenstore"
)

// ErrBootstrap is returned by serverless entry points when Build failed once.
var ErrBootstrap = errors.New("application bootstrap failed")

type Options struct {
	LoadDotEnv    bool
	RunMigrations bool
	// StartJanitor runs the purge loop in-process. Serverless deployments
	// leave it off and call the cleanup endpoint from a cron job.
	StartJanitor bool
}

type Runtime struct {
	Handler http.Handler
	Config  config.Config
	Logger  *observability.Logger
	Janitor *maintenance.Janitor
	// Drain waits for background work started by requests, such as reset
	// notifications. Serverless entry points call it before returning.
	Drain func()
	Close func() error
}

type stores struct {
	database  *sql.DB
	directory directory.Store
	tokens    tokenstore.Store
	resets    passwordreset.Store
	limits    ratelimit.Store
}

func Build(options Options) (*Runtime, error) {
	cfg, err := config.Load(options.LoadDotEnv)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger, err := observability.NewLogger(cfg.Logger())
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	if err := observability.InitSentry(cfg.SentryDSN, cfg.AppEnv, cfg.Release); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	ctx := context.Background()
	st, err := openStores(ctx, cfg, options.RunMigrations || cfg.RunMigrations, logger)
	if err != nil {
		return nil, err
	}
	closeDB := func() error {
		if st.database == nil {
			return nil
		}
		return st.database.Close()
	}

	codec, err := token.NewCodec(cfg.Token())
	if err != nil {
		_ = closeDB()
		return nil, fmt.Errorf("init token codec: %w", err)
	}
	passwords := password.NewEngine(cfg.BcryptCost, cfg.PasswordRequirements())

	if cfg.HasBootstrapAdmin() {
		if err := seedAdmin(ctx, cfg, st.directory, passwords); err != nil {
			_ = closeDB()
			return nil, fmt.Errorf("bootstrap admin: %w", err)
		}
		logger.Info("bootstrap_admin_ready", map[string]any{"tenant": cfg.BootstrapTenantCode})
	}

	notifier, err := buildNotifier(cfg, logger)
	if err != nil {
		_ = closeDB()
		return nil, fmt.Errorf("init notifier: %w", err)
	}

	authService := auth.NewService(st.directory, st.tokens, codec, passwords, logger).
		WithSecurityConfig(cfg.LoginMaxAttempts, cfg.LockDuration())
	resetService := passwordreset.NewService(st.resets, st.directory, passwords, notifier, authService, logger, passwordreset.Config{
		TokenTTL:   cfg.ResetTokenTTL(),
		Limit:      passwordreset.IssueLimit{Max: cfg.ResetMaxPerWindow, Window: cfg.ResetWindow()},
		URLBase:    cfg.ResetURLBase,
		Production: cfg.IsProduction(),
	})

	retention := max(cfg.LoginRateWindow(), cfg.ResetRequestRateWindow(), cfg.ResetConfirmRateWindow())
	janitor := maintenance.NewJanitor(st.tokens, st.resets, st.limits, logger, cfg.PurgeBatchSize)
	if retention > maintenance.DefaultRateLimitRetention {
		janitor.WithRateLimitRetention(retention)
	}

	authHandler := auth.NewHandler(authService)
	resetHandler := passwordreset.NewHandler(resetService)
	adminHandler := directory.NewHandler(directory.NewAdmin(st.directory, logger))
	cleanupHandler := maintenance.NewCleanupHandler(janitor, logger, cfg.CronSecret)

	loginRule := ratelimit.Rule{Max: cfg.LoginRateLimitMax, Window: cfg.LoginRateWindow()}
	loginLimiter := ratelimit.NewLimiter(st.limits, "login", loginRule, logger).
		WithMessage("too many login attempts")
	tokenLimiter := ratelimit.NewLimiter(st.limits, "client_credentials", loginRule, logger).
		WithMessage("too many token requests")
	resetRequestLimiter := ratelimit.NewLimiter(st.limits, "reset_request", ratelimit.Rule{
		Max:    cfg.ResetRequestRateLimitMax,
		Window: cfg.ResetRequestRateWindow(),
	}, logger).WithMessage("too many reset requests")
	resetConfirmLimiter := ratelimit.NewLimiter(st.limits, "reset_confirm", ratelimit.Rule{
		Max:    cfg.ResetConfirmRateLimitMax,
		Window: cfg.ResetConfirmRateWindow(),
	}, logger).WithMessage("too many reset attempts")

	mux := http.NewServeMux()
	mux.Handle("POST /auth/login", loginLimiter.Middleware(http.HandlerFunc(authHandler.Login)))
	mux.Handle("POST /auth/token", tokenLimiter.Middleware(http.HandlerFunc(authHandler.Token)))
	mux.HandleFunc("POST /auth/refresh", authHandler.Refresh)
	mux.HandleFunc("POST /auth/revoke", authHandler.Revoke)
	mux.HandleFunc("POST /auth/logout", authHandler.Logout)
	mux.HandleFunc("GET /auth/validate", authHandler.Validate)
	mux.Handle("POST /auth/password-reset/request", resetRequestLimiter.Middleware(http.HandlerFunc(resetHandler.Request)))
	mux.HandleFunc("GET /auth/password-reset/validate", resetHandler.Validate)
	mux.HandleFunc("POST /auth/password-reset/validate", resetHandler.Validate)
	mux.Handle("POST /auth/password-reset/confirm", resetConfirmLimiter.Middleware(http.HandlerFunc(resetHandler.Confirm)))
	mux.Handle("POST /admin/users/{id}/unlock", auth.Middleware(authService, http.HandlerFunc(adminHandler.Unlock)))
	mux.HandleFunc("GET /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("POST /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("GET /health", healthHandler(st.database))
	mux.Handle("GET /metrics", promhttp.Handler())

	handler := observability.ClientIPMiddleware(cfg.TrustProxyHeaders,
		observability.RecoverMiddleware(logger, observability.RequestLoggingMiddleware(logger, mux)))

	stopJanitor := func() {}
	if options.StartJanitor && cfg.PurgeInterval() > 0 {
		janitorCtx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			janitor.Run(janitorCtx, cfg.PurgeInterval())
		}()
		stopJanitor = func() {
			cancel()
			<-done
		}
	}

	return &Runtime{
		Handler: handler,
		Config:  cfg,
		Logger:  logger,
		Janitor: janitor,
		Drain:   resetService.Wait,
		Close: func() error {
			stopJanitor()
			resetService.Wait()
			observability.FlushSentry()
			_ = logger.Sync()
			return closeDB()
		},
	}, nil
}

func openStores(ctx context.Context, cfg config.Config, migrate bool, logger *observability.Logger) (stores, error) {
	if !cfg.UsesDatabase() {
		logger.Warn("memory_backend_enabled", map[string]any{
			"reason": "DATABASE_URL is not set; state is lost on restart",
		})
		backend := memstore.New()
		return stores{
			directory: backend.Directory(),
			tokens:    backend.Tokens(),
			resets:    backend.Resets(),
			limits:    ratelimit.NewMemoryStore(),
		}, nil
	}

	database, err := db.Open(ctx, cfg.DatabaseURL, cfg.Pool())
	if err != nil {
		return stores{}, err
	}

	if migrate {
		applied, err := db.RunMigrations(ctx, database)
		if err != nil {
			_ = database.Close()
			return stores{}, fmt.Errorf("run migrations: %w", err)
		}
		if len(applied) > 0 {
			logger.Info("migrations_applied", map[string]any{"versions": strings.Join(applied, ",")})
		}
	}

	var limits ratelimit.Store = ratelimit.NewMemoryStore()
	if cfg.SharedRateLimits() {
		limits = ratelimit.NewPostgresStore(database)
	}

	return stores{
		database:  database,
		directory: directory.NewRepository(database),
		tokens:    tokenstore.NewRepository(database),
		resets:    passwordreset.NewRepository(database),
		limits:    limits,
	}, nil
}

func seedAdmin(ctx context.Context, cfg config.Config, dir directory.Store, passwords *password.Engine) error {
	strength := passwords.EnforcePolicy(cfg.BootstrapAdminPassword, password.UserContext{
		Email: cfg.BootstrapAdminEmail,
		Name:  cfg.BootstrapAdminName,
	})
	if !strength.Valid {
		return fmt.Errorf("BOOTSTRAP_ADMIN_PASSWORD is too weak: %s", strings.Join(strength.Errors, "; "))
	}

	hash, err := passwords.Hash(cfg.BootstrapAdminPassword)
	if err != nil {
		return err
	}

	return dir.SeedTenantAdmin(ctx, directory.SeedAdmin{
		TenantCode:   cfg.BootstrapTenantCode,
		TenantName:   cfg.BootstrapTenantName,
		Email:        cfg.BootstrapAdminEmail,
		DisplayName:  cfg.BootstrapAdminName,
		PasswordHash: hash,
		Scopes:       []string{directory.ScopeAdmin},
	})
}

func buildNotifier(cfg config.Config, logger *observability.Logger) (notify.Notifier, error) {
	if cfg.NotifyWebhookURL == "" {
		if cfg.IsProduction() {
			logger.Warn("notify_webhook_missing", map[string]any{
				"reason": "reset links are only logged",
			})
		}
		return notify.NewLogNotifier(logger), nil
	}
	webhook, err := notify.NewWebhook(cfg.NotifyWebhookURL, cfg.NotifyWebhookSecret)
	if err != nil {
		return nil, err
	}
	return webhook, nil
}

func healthHandler(database *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
		if database == nil {
			body["storage"] = "memory"
		} else if err := database.PingContext(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body = map[string]any{"status": "degraded", "time": time.Now().UTC().Format(time.RFC3339)}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}
