package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"tenant-auth/internal/app"
	"tenant-auth/internal/config"
	"tenant-auth/internal/db"
	"tenant-auth/internal/password"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	serve := newServeCmd()
	root := &cobra.Command{
		Use:           "tenant-auth",
		Short:         "Multi-tenant authentication API",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serve.RunE,
	}
	root.Flags().AddFlagSet(serve.Flags())
	root.AddCommand(serve, newMigrateCmd(), newPurgeCmd(), newHashPasswordCmd(), newGeneratePasswordCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var (
		port          string
		migrate       bool
		shutdownGrace time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			runtime, err := app.Build(app.Options{
				LoadDotEnv:    true,
				RunMigrations: migrate,
				StartJanitor:  true,
			})
			if err != nil {
				return err
			}
			defer runtime.Close()

			if port == "" {
				port = runtime.Config.Port
			}
			server := &http.Server{
				Addr:              ":" + port,
				Handler:           runtime.Handler,
				ReadHeaderTimeout: 10 * time.Second,
				ReadTimeout:       30 * time.Second,
				WriteTimeout:      30 * time.Second,
				IdleTimeout:       2 * time.Minute,
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				runtime.Logger.Info("server_start", map[string]any{"addr": server.Addr, "env": runtime.Config.AppEnv})
				errCh <- server.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					runtime.Logger.Error("server_failed", map[string]any{"error": err.Error()})
					return err
				}
				return nil
			case <-ctx.Done():
			}

			runtime.Logger.Info("server_shutdown", nil)
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown server: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&port, "port", "", "listen port (defaults to PORT)")
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply pending migrations before serving")
	cmd.Flags().DurationVar(&shutdownGrace, "shutdown-grace", 15*time.Second, "time allowed for in-flight requests on shutdown")
	return cmd
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(true)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if !cfg.UsesDatabase() {
				return errors.New("DATABASE_URL is required to run migrations")
			}

			database, err := db.Open(cmd.Context(), cfg.DatabaseURL, cfg.Pool())
			if err != nil {
				return err
			}
			defer database.Close()

			applied, err := db.RunMigrations(cmd.Context(), database)
			if err != nil {
				return fmt.Errorf("run migrations: %w", err)
			}
			if len(applied) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
				return nil
			}
			for _, version := range applied {
				fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", version)
			}
			return nil
		},
	}
}

func newPurgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Delete expired tokens, reset links and rate-limit windows once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			runtime, err := app.Build(app.Options{LoadDotEnv: true})
			if err != nil {
				return err
			}
			defer runtime.Close()

			result, err := runtime.Janitor.RunOnce(cmd.Context())
			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			if encodeErr := encoder.Encode(result); encodeErr != nil {
				return encodeErr
			}
			return err
		},
	}
}

func newHashPasswordCmd() *cobra.Command {
	var cost int

	cmd := &cobra.Command{
		Use:   "hash-password",
		Short: "Print a bcrypt hash for a password read from stdin",
		RunE: func(cmd *cobra.Command, _ []string) error {
			engine := password.NewEngine(cost, password.DefaultRequirements())

			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("read password: %w", err)
			}
			plain := strings.TrimRight(line, "\r\n")

			if strength := engine.ValidateStrength(plain, engine.Requirements()); !strength.Valid {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", strings.Join(strength.Errors, "; "))
			}
			return printHash(cmd, engine, plain)
		},
	}

	cmd.Flags().IntVar(&cost, "cost", password.DefaultCost, "bcrypt cost")
	return cmd
}

func newGeneratePasswordCmd() *cobra.Command {
	var (
		cost     int
		length   int
		noSymbol bool
	)

	cmd := &cobra.Command{
		Use:   "generate-password",
		Short: "Generate a random password and its bcrypt hash",
		Long: `Prints a random password on the first line and its bcrypt hash on the
second, for seeding users or service accounts by hand.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			engine := password.NewEngine(cost, password.DefaultRequirements())
			plain, err := engine.Generate(length, !noSymbol)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), plain)
			return printHash(cmd, engine, plain)
		},
	}

	cmd.Flags().IntVar(&cost, "cost", password.DefaultCost, "bcrypt cost")
	cmd.Flags().IntVar(&length, "length", 16, "password length")
	cmd.Flags().BoolVar(&noSymbol, "no-symbols", false, "leave out symbol characters")
	return cmd
}

func printHash(cmd *cobra.Command, engine *password.Engine, plain string) error {
	hash, err := engine.Hash(plain)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), hash)
	return nil
}
