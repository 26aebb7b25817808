package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/okatech-org/sante-sub008/internal/config"
	"github.com/okatech-org/sante-sub008/internal/platform/db"
	"github.com/okatech-org/sante-sub008/internal/platform/events"
	"github.com/okatech-org/sante-sub008/migrations"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := &cobra.Command{
		Use:           "sante-server",
		Short:         "Establishment affiliation, admission and billing API server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), migrateCmd(), admissionsCmd())

	if err := root.ExecuteContext(ctx); err != nil {
		logCommandError(newLogger(nil), err)
		stop()
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg != nil && cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func logCommandError(logger zerolog.Logger, err error) {
	logger.Error().Err(err).Msg("command failed")
}

// openStore loads and validates configuration and connects to Postgres.
// Callers own the returned pool.
func openStore(ctx context.Context) (*config.Config, *pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	return cfg, pool, nil
}

// connectRedis returns nil, nil when REDIS_URL is unset.
func connectRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	if cfg.RedisURL == "" {
		return nil, nil
	}
	client, err := events.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServer(cmd.Context())
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, pool, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer pool.Close()

			n, err := db.NewMigrator(pool, migrations.FS).Up(cmd.Context())
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", n)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, pool, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrations.FS).Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("migration status: %w", err)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "VERSION\tNAME\tSTATE\tAPPLIED AT")
			for _, s := range statuses {
				state, at := "pending", "-"
				if s.Applied {
					state, at = "applied", s.AppliedAt.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%03d\t%s\t%s\t%s\n", s.Version, s.Name, state, at)
			}
			return w.Flush()
		},
	})
	return cmd
}

func admissionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admissions",
		Short: "Admission request maintenance",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "expire",
		Short: "Mark pending admission requests past their expiry as expired",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, pool, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			a := buildApp(cfg, pool, newLogger(cfg))
			client, err := connectRedis(ctx, cfg)
			if err != nil {
				return err
			}
			if client != nil {
				defer client.Close()
				a.admissions.SetPublisher(events.NewRedisPublisher(client, cfg.EventsChannelPrefix))
			}

			n, err := a.admissions.ExpireStale(ctx)
			if err != nil {
				return fmt.Errorf("expire admission requests: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "expired %d admission request(s)\n", n)
			return nil
		},
	})
	return cmd
}

func runServer(ctx context.Context) error {
	cfg, pool, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()
	logger := newLogger(cfg)

	a := buildApp(cfg, pool, logger)

	client, err := connectRedis(ctx, cfg)
	if err != nil {
		return err
	}
	if client != nil {
		defer client.Close()
		a.setPublisher(events.NewRedisPublisher(client, cfg.EventsChannelPrefix))
		sub := events.NewSubscriber(client, cfg.PaymentConfirmationChannel, a.confirmations, logger)
		go func() {
			if err := sub.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("payment confirmation subscriber stopped")
			}
		}()
	} else {
		logger.Warn().Msg("REDIS_URL not set: domain events are dropped and payment confirmations arrive only by webhook")
	}

	e, err := a.router()
	if err != nil {
		return fmt.Errorf("build router: %w", err)
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("port", cfg.Port).Str("env", cfg.Env).Str("version", version).Msg("listening")
		if err := e.Start(":" + cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info().Msg("draining connections")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}
