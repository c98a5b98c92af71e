// Package main provides the pharmacy POS API entry point.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/go-pharmpos/internal/api"
	"github.com/drfirst/go-pharmpos/internal/api/middleware"
	"github.com/drfirst/go-pharmpos/internal/config"
	"github.com/drfirst/go-pharmpos/internal/engine"
	"github.com/drfirst/go-pharmpos/internal/infrastructure/memory"
	"github.com/drfirst/go-pharmpos/internal/infrastructure/postgres"
	"github.com/drfirst/go-pharmpos/internal/observability/logging"
	"github.com/drfirst/go-pharmpos/internal/observability/metrics"
	"github.com/drfirst/go-pharmpos/internal/observability/tracing"
	"github.com/drfirst/go-pharmpos/internal/store"
	"github.com/drfirst/go-pharmpos/pkg/idempotency"
)

const (
	serviceName = "pos-api"
	version     = "1.0.0"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          serviceName,
		Short:        "Pharmacy inventory and point-of-sale API",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the POS API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
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
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := postgres.NewMigrator(pool, postgres.Migrations()).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := postgres.NewMigrator(pool, postgres.Migrations()).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status, appliedAt := "pending", ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format(time.DateTime)
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	})

	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			subject, _ := cmd.Flags().GetString("subject")
			role, _ := cmd.Flags().GetString("role")
			pharmacy, _ := cmd.Flags().GetString("pharmacy")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if !cfg.IsDev() {
				return errors.New("token minting is only available with ENV=development")
			}
			if cfg.JWTSecret == "" {
				return errors.New("JWT_SECRET is required")
			}
			pharmacyID, err := uuid.Parse(pharmacy)
			if err != nil {
				return fmt.Errorf("invalid --pharmacy: %w", err)
			}
			tok, err := middleware.NewTokens(cfg.JWTSecret, cfg.JWTIssuer).Issue(middleware.Principal{
				Subject:    subject,
				PharmacyID: pharmacyID,
				Role:       role,
			}, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().String("subject", "cashier-1", "Actor id")
	cmd.Flags().String("role", string(engine.RoleCashier), "cashier, pharmacist, manager or admin")
	cmd.Flags().String("pharmacy", "", "Pharmacy id (UUID)")
	cmd.Flags().Duration("ttl", 8*time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("pharmacy")
	return cmd
}

func openPool(ctx context.Context) (*pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	return postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.New(cfg.LogLevel, cfg.Env, serviceName)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Init(ctx, tracing.Config{
		Enabled:        cfg.TracingEnabled,
		ServiceName:    serviceName,
		ServiceVersion: version,
		Environment:    cfg.Env,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     cfg.TraceSampleRate,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(sctx)
	}()

	m := metrics.New(prometheus.DefaultRegisterer)

	var (
		st    store.Store
		guard idempotency.Guard
	)
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return err
		}
		defer pool.Close()
		logger.Info("connected to database")

		st = postgres.NewStore(pool, logger)

		inboxCfg := idempotency.DefaultInboxConfig()
		inboxCfg.TTL = cfg.InboxTTL
		inbox := idempotency.NewInbox(pool, inboxCfg, logger)
		inbox.StartCleanup()
		defer inbox.Stop()
		guard = inbox
	default:
		logger.Warn("using in-memory store; data is lost on exit")
		st = memory.New()
		guard = idempotency.NewMemoryGuard(cfg.InboxTTL)
	}

	eng := engine.New(st, logger,
		engine.WithMetrics(m),
		engine.WithTracer(tracing.Tracer("pharmpos/engine")))

	router := api.NewRouter(api.Deps{
		Service:        serviceName,
		Version:        version,
		Engine:         eng,
		Tokens:         middleware.NewTokens(cfg.JWTSecret, cfg.JWTIssuer),
		Guard:          guard,
		Metrics:        m,
		AllowedOrigins: cfg.CORSAllowedOrigins,
		Logger:         logger,
	})

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting POS API", zap.String("port", cfg.Port), zap.String("store", cfg.StoreDriver))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(sctx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
		return err
	}
	logger.Info("server stopped")
	return nil
}
