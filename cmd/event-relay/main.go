// Package main provides the outbox relay that publishes committed domain
// events to Redpanda.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/drfirst/go-pharmpos/internal/config"
	"github.com/drfirst/go-pharmpos/internal/infrastructure/postgres"
	"github.com/drfirst/go-pharmpos/internal/infrastructure/redpanda"
	"github.com/drfirst/go-pharmpos/internal/observability/logging"
	"github.com/drfirst/go-pharmpos/internal/observability/metrics"
	"github.com/drfirst/go-pharmpos/internal/observability/tracing"
)

const serviceName = "event-relay"

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.Env, serviceName)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	if cfg.DatabaseURL == "" {
		logger.Fatal("DATABASE_URL is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Init(ctx, tracing.Config{
		Enabled:      cfg.TracingEnabled,
		ServiceName:  serviceName,
		Environment:  cfg.Env,
		OTLPEndpoint: cfg.OTLPEndpoint,
		SampleRate:   cfg.TraceSampleRate,
	})
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}
	defer func() { _ = tp.Shutdown(context.Background()) }()

	m := metrics.New(prometheus.DefaultRegisterer)

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()
	logger.Info("connected to database")

	admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, logger)
	if err != nil {
		logger.Fatal("admin client creation failed", zap.Error(err))
	}
	actx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = admin.EnsureTopics(actx, replicationFor(cfg))
	cancel()
	admin.Close()
	if err != nil {
		logger.Fatal("topic setup failed", zap.Error(err))
	}

	producer, err := redpanda.NewProducer(redpanda.DefaultProducerConfig(cfg.KafkaBrokers), m, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()
	logger.Info("connected to Redpanda", zap.Strings("brokers", cfg.KafkaBrokers))

	outboxCfg := postgres.DefaultOutboxConfig()
	outboxCfg.BatchSize = cfg.OutboxBatchSize
	outboxCfg.PollInterval = cfg.OutboxPollInterval
	outboxCfg.MaxRetries = cfg.OutboxMaxRetries
	outbox := postgres.NewOutbox(pool, producer, outboxCfg, m, logger)
	outbox.Start()

	r := chi.NewRouter()
	r.Handle("/metrics", metrics.Handler())
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		stats, err := outbox.GetStats(r.Context())
		if err != nil {
			http.Error(w, "outbox unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":   "healthy",
			"outbox":   stats,
			"producer": producer.Stats(),
		})
	})
	ops := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := ops.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ops server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	outbox.Stop()
	sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	_ = ops.Shutdown(sctx)
	logger.Info("event relay stopped")
}

// replicationFor uses a single replica for local development clusters.
func replicationFor(cfg *config.Config) int16 {
	if cfg.IsDev() || len(cfg.KafkaBrokers) < 3 {
		return 1
	}
	return 3
}
