// Package api assembles the HTTP surface of the POS service.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/drfirst/go-pharmpos/internal/api/handlers"
	"github.com/drfirst/go-pharmpos/internal/api/middleware"
	"github.com/drfirst/go-pharmpos/internal/engine"
	"github.com/drfirst/go-pharmpos/internal/observability/metrics"
	"github.com/drfirst/go-pharmpos/pkg/idempotency"
)

// Deps are the collaborators the router needs.
type Deps struct {
	Service string
	Version string

	Engine *engine.Engine
	Tokens *middleware.Tokens
	// Guard makes POST /transactions replay-safe. Nil disables Idempotency-Key handling.
	Guard idempotency.Guard

	Metrics *metrics.Metrics
	// Gatherer backs /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer

	AllowedOrigins []string
	// Checks run on /ready in addition to the engine's store.
	Checks map[string]handlers.ReadyFunc

	Logger *zap.Logger
}

// NewRouter builds the service router.
func NewRouter(d Deps) http.Handler {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	checks := map[string]handlers.ReadyFunc{"store": d.Engine.Ready}
	for name, fn := range d.Checks {
		checks[name] = fn
	}
	health := handlers.NewHealthHandler(d.Service, d.Version, checks, logger)

	catalogHandler := handlers.NewCatalogHandler(d.Engine, logger)
	lotHandler := handlers.NewLotHandler(d.Engine, logger)
	shiftHandler := handlers.NewShiftHandler(d.Engine, logger)
	txnHandler := handlers.NewTransactionHandler(d.Engine, d.Guard, logger)
	complianceHandler := handlers.NewComplianceHandler(d.Engine, logger)

	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS(d.AllowedOrigins))
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(d.Service))
	r.Use(middleware.Metrics(d.Metrics))

	r.Get("/health", health.Health)
	r.Get("/ready", health.Ready)
	if d.Gatherer != nil {
		r.Handle("/metrics", metrics.HandlerFor(d.Gatherer))
	} else {
		r.Handle("/metrics", metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(d.Tokens))
		r.Mount("/catalog", catalogHandler.Routes())
		r.Mount("/lots", lotHandler.Routes())
		r.Mount("/dispense", lotHandler.DispenseRoutes())
		r.Mount("/shifts", shiftHandler.Routes())
		r.Mount("/transactions", txnHandler.Routes())
		r.Mount("/compliance", complianceHandler.Routes())
		r.Get("/audit", complianceHandler.Audit)
		r.Get("/reports/sales", complianceHandler.SalesReport)
	})

	return r
}
