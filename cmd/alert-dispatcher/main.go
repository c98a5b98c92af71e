// Package main provides the alert dispatcher: it consumes inventory events
// and delivers stock alerts to the configured webhook.
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

	"github.com/drfirst/go-pharmpos/internal/alerts"
	"github.com/drfirst/go-pharmpos/internal/config"
	"github.com/drfirst/go-pharmpos/internal/domain/events"
	"github.com/drfirst/go-pharmpos/internal/infrastructure/redpanda"
	"github.com/drfirst/go-pharmpos/internal/observability/logging"
	"github.com/drfirst/go-pharmpos/internal/observability/metrics"
	"github.com/drfirst/go-pharmpos/internal/observability/tracing"
	"github.com/drfirst/go-pharmpos/pkg/circuitbreaker"
	"github.com/drfirst/go-pharmpos/pkg/workerpool"
)

const (
	serviceName = "alert-dispatcher"
	groupID     = "pharmpos-alert-dispatcher"
)

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

	if cfg.AlertWebhookURL == "" {
		logger.Fatal("ALERT_WEBHOOK_URL is required")
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

	poolCfg := workerpool.DefaultConfig()
	poolCfg.Workers = cfg.AlertWorkers
	breakers := circuitbreaker.NewManager(circuitbreaker.DefaultConfig, logger)
	dispatcher, err := alerts.NewDispatcher(alerts.NewWebhookNotifier(cfg.AlertWebhookURL, nil), breakers, poolCfg, m, logger)
	if err != nil {
		logger.Fatal("dispatcher creation failed", zap.Error(err))
	}
	dispatcher.Start()

	consumer, err := redpanda.NewConsumer(
		redpanda.DefaultConsumerConfig(cfg.KafkaBrokers, groupID, events.TopicInventory),
		func(ctx context.Context, msg *redpanda.ConsumedMessage) error {
			return dispatcher.Handle(ctx, msg.Value)
		}, m, logger)
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}
	consumer.Start()

	admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, logger)
	if err != nil {
		logger.Fatal("admin client creation failed", zap.Error(err))
	}
	defer admin.Close()

	r := chi.NewRouter()
	r.Handle("/metrics", metrics.Handler())
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{
			"status":   "healthy",
			"consumer": consumer.Stats(),
			"workers":  dispatcher.Stats(),
			"breakers": dispatcher.Breakers(),
		}
		if lag, err := admin.GetConsumerGroupLag(r.Context(), groupID); err == nil {
			body["lag"] = lag
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := redpanda.HealthCheck(r.Context(), cfg.KafkaBrokers); err != nil {
			http.Error(w, "broker unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	ops := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := ops.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ops server failed", zap.Error(err))
		}
	}()
	logger.Info("alert dispatcher started",
		zap.Strings("brokers", cfg.KafkaBrokers),
		zap.Int("workers", poolCfg.Workers))

	<-ctx.Done()
	logger.Info("shutting down")

	// Stop consuming before draining so no new deliveries are queued.
	consumer.Stop()
	dispatcher.Stop()

	sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	_ = ops.Shutdown(sctx)
	logger.Info("alert dispatcher stopped")
}
