package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sandeepkv93/smart-session-gateway/internal/app"
	"github.com/sandeepkv93/smart-session-gateway/internal/config"
	"github.com/sandeepkv93/smart-session-gateway/internal/observability"
	"github.com/sandeepkv93/smart-session-gateway/internal/repository"
	"github.com/sandeepkv93/smart-session-gateway/internal/security"
)

type options struct {
	envFile string
}

func newRootCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "smart-session-gateway",
		Short:         "Smart session authorization and delegated agent access",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "optional KEY=value file loaded before the environment is read")
	cmd.AddCommand(newServeCommand(opts), newMigrateCommand(opts), newTokenCommand(opts))
	return cmd
}

func loadConfig(opts *options) (*config.Config, error) {
	if opts.envFile != "" {
		if err := config.LoadEnvFile(opts.envFile); err != nil {
			return nil, err
		}
	}
	return config.Load()
}

func newServeCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger, lp, err := observability.NewLogger(ctx, cfg, os.Stdout)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)
			runtime, err := observability.InitRuntime(ctx, cfg, logger, lp)
			if err != nil {
				return err
			}
			a, comps, err := app.Build(ctx, cfg, logger, runtime)
			if err != nil {
				_ = runtime.Shutdown(context.WithoutCancel(ctx))
				return err
			}
			go func() {
				warmCtx, cancel := context.WithTimeout(ctx, cfg.RPCTimeout)
				defer cancel()
				if err := comps.Registry.Warm(warmCtx); err != nil {
					logger.Warn("chain client warm-up failed", "error", err)
				}
			}()
			return a.Run(ctx)
		},
	}
}

func newMigrateCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database schema migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
			db, err := app.OpenDatabase(cfg, logger)
			if err != nil {
				return err
			}
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			defer func() { _ = sqlDB.Close() }()
			if err := repository.AutoMigrate(db.WithContext(cmd.Context())); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			logger.Info("migrations applied", "driver", cfg.DatabaseDriver)
			return nil
		},
	}
}

// newTokenCommand mints an owner API access token, for local use against a
// gateway that shares JWT_ACCESS_SECRET.
func newTokenCommand(opts *options) *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an owner API access token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(subject) == "" {
				return errors.New("--subject is required")
			}
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			token, err := security.NewJWTManager(cfg.JWTIssuer, cfg.JWTAudience, cfg.JWTAccessSecret).SignAccessToken(subject, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "owner subject to embed in the token")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}
