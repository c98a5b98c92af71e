package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/drfirst/go-pharmpos/internal/apperr"
	"github.com/drfirst/go-pharmpos/internal/engine"
)

// ShiftHandler serves /shifts.
type ShiftHandler struct {
	engine *engine.Engine
	logger *zap.Logger
}

// NewShiftHandler creates a new handler
func NewShiftHandler(eng *engine.Engine, logger *zap.Logger) *ShiftHandler {
	return &ShiftHandler{engine: eng, logger: logger}
}

// Routes returns the handler routes
func (h *ShiftHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/open", h.Open)
	r.Get("/current", h.Current)
	r.Get("/{id}", h.Get)
	r.Post("/{id}/close", h.Close)
	r.Post("/{id}/reconcile", h.Reconcile)
	return r
}

// OpenShiftRequest is the body of POST /shifts/open.
type OpenShiftRequest struct {
	OpeningBalance decimal.Decimal `json:"opening_balance"`
}

// Open handles POST /shifts/open
func (h *ShiftHandler) Open(w http.ResponseWriter, r *http.Request) {
	var req OpenShiftRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	s, err := h.engine.OpenShift(r.Context(), actor(r), req.OpeningBalance)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, s)
}

// Current handles GET /shifts/current?cashier_id=. Only supervisors may look
// up another cashier.
func (h *ShiftHandler) Current(w http.ResponseWriter, r *http.Request) {
	a := actor(r)
	cashierID := r.URL.Query().Get("cashier_id")
	if cashierID != "" && cashierID != a.ID && !a.Role.Supervises() {
		writeError(w, r, h.logger, apperr.New(apperr.KindForbidden, "only managers may view other cashiers' shifts"))
		return
	}
	s, err := h.engine.GetOpenShift(r.Context(), a, cashierID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// Get handles GET /shifts/{id}
func (h *ShiftHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	a := actor(r)
	s, err := h.engine.GetShift(r.Context(), a, id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if s.CashierID != a.ID && !a.Role.Supervises() {
		writeError(w, r, h.logger, apperr.New(apperr.KindForbidden, "shift %s belongs to another cashier", id))
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// CloseShiftRequest is the body of POST /shifts/{id}/close.
type CloseShiftRequest struct {
	ClosingBalance decimal.Decimal `json:"closing_balance"`
}

// Close handles POST /shifts/{id}/close
func (h *ShiftHandler) Close(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	var req CloseShiftRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	s, err := h.engine.CloseShift(r.Context(), actor(r), id, req.ClosingBalance)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// ReconcileShiftRequest is the body of POST /shifts/{id}/reconcile.
type ReconcileShiftRequest struct {
	Notes string `json:"notes"`
}

// Reconcile handles POST /shifts/{id}/reconcile
func (h *ShiftHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	var req ReconcileShiftRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	s, err := h.engine.ReconcileShift(r.Context(), actor(r), id, req.Notes)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}
