package handlers

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// ReadyFunc reports whether a dependency is usable.
type ReadyFunc func(ctx context.Context) error

// HealthHandler serves /health and /ready.
type HealthHandler struct {
	service string
	version string
	checks  map[string]ReadyFunc
	logger  *zap.Logger
}

// NewHealthHandler creates a new handler
func NewHealthHandler(service, version string, checks map[string]ReadyFunc, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{service: service, version: version, checks: checks, logger: logger}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": h.service,
		"version": h.version,
	})
}

// Ready handles GET /ready
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	results := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			h.logger.Warn("readiness check failed", zap.String("check", name), zap.Error(err))
			results[name] = "unavailable"
			status = http.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}
	writeJSON(w, status, map[string]any{"ready": status == http.StatusOK, "checks": results})
}
