package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/drfirst/go-pharmpos/internal/apperr"
	"github.com/drfirst/go-pharmpos/internal/domain/lot"
	"github.com/drfirst/go-pharmpos/internal/engine"
)

// LotHandler serves /lots and /dispense.
type LotHandler struct {
	engine *engine.Engine
	logger *zap.Logger
}

// NewLotHandler creates a new handler
func NewLotHandler(eng *engine.Engine, logger *zap.Logger) *LotHandler {
	return &LotHandler{engine: eng, logger: logger}
}

// Routes returns the /lots routes
func (h *LotHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/expiring", h.Expiring)
	r.Get("/{id}", h.Get)
	r.Get("/{id}/movements", h.Movements)
	r.Group(func(r chi.Router) {
		r.Use(allow(h.logger, inventoryRoles...))
		r.Post("/", h.Receive)
		r.Post("/{id}/adjust", h.Adjust)
		r.Post("/{id}/restock", h.Restock)
		r.Post("/{id}/recall", h.Recall)
		r.Post("/{id}/unrecall", h.Unrecall)
		r.Delete("/{id}", h.Delete)
	})
	return r
}

// DispenseRoutes returns the /dispense routes
func (h *LotHandler) DispenseRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/plan", h.Plan)
	return r
}

// ReceiveLotRequest is the body of POST /lots.
type ReceiveLotRequest struct {
	CatalogEntryID uuid.UUID       `json:"catalog_entry_id"`
	BatchNumber    string          `json:"batch_number"`
	Barcode        string          `json:"barcode"`
	Quantity       int             `json:"quantity"`
	PurchaseCost   decimal.Decimal `json:"purchase_cost"`
	SalePrice      decimal.Decimal `json:"sale_price"`
	ManufacturedOn Date            `json:"manufactured_on"`
	ExpiresOn      Date            `json:"expires_on"`
	Controlled     bool            `json:"controlled"`
	ReorderLevel   int             `json:"reorder_level"`
}

// Receive handles POST /lots
func (h *LotHandler) Receive(w http.ResponseWriter, r *http.Request) {
	var req ReceiveLotRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if req.ExpiresOn.IsZero() {
		writeError(w, r, h.logger, apperr.Validation("expires_on", "is required"))
		return
	}
	l, err := h.engine.ReceiveLot(r.Context(), actor(r), lot.Receipt{
		CatalogEntryID: req.CatalogEntryID,
		BatchNumber:    req.BatchNumber,
		Barcode:        req.Barcode,
		Quantity:       req.Quantity,
		PurchaseCost:   req.PurchaseCost,
		SalePrice:      req.SalePrice,
		ManufacturedOn: req.ManufacturedOn.Time,
		ExpiresOn:      req.ExpiresOn.Time,
		Controlled:     req.Controlled,
		ReorderLevel:   req.ReorderLevel,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, l)
}

// Get handles GET /lots/{id}
func (h *LotHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	l, err := h.engine.GetLot(r.Context(), actor(r), id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// Movements handles GET /lots/{id}/movements
func (h *LotHandler) Movements(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	ms, err := h.engine.LotMovements(r.Context(), actor(r), id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if ms == nil {
		ms = []*lot.Movement{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"movements": ms})
}

// Expiring handles GET /lots/expiring?within_days=
func (h *LotHandler) Expiring(w http.ResponseWriter, r *http.Request) {
	days, err := queryInt(r, "within_days", 30)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if days < 0 || days > 3650 {
		writeError(w, r, h.logger, apperr.Validation("within_days", "must be between 0 and 3650"))
		return
	}
	lots, err := h.engine.ExpiringLots(r.Context(), actor(r), time.Duration(days)*24*time.Hour)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if lots == nil {
		lots = []*lot.Lot{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"lots": lots})
}

// AdjustLotRequest is the body of the quantity-changing lot routes.
type AdjustLotRequest struct {
	Quantity      int        `json:"quantity"`
	Reason        string     `json:"reason"`
	TransactionID *uuid.UUID `json:"transaction_id"`
}

// ReasonRequest is the body of recall, unrecall and delete.
type ReasonRequest struct {
	Reason string `json:"reason"`
}

// Adjust handles POST /lots/{id}/adjust
func (h *LotHandler) Adjust(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, func(id uuid.UUID) (*lot.Lot, error) {
		var req AdjustLotRequest
		if err := decodeJSON(w, r, &req); err != nil {
			return nil, err
		}
		if req.TransactionID != nil {
			return nil, apperr.Validation("transaction_id", "only restocks reference a transaction")
		}
		return h.engine.AdjustLot(r.Context(), actor(r), id, req.Quantity, req.Reason)
	})
}

// Restock handles POST /lots/{id}/restock
func (h *LotHandler) Restock(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, func(id uuid.UUID) (*lot.Lot, error) {
		var req AdjustLotRequest
		if err := decodeJSON(w, r, &req); err != nil {
			return nil, err
		}
		return h.engine.RestockLot(r.Context(), actor(r), id, req.Quantity, req.Reason, req.TransactionID)
	})
}

// Recall handles POST /lots/{id}/recall
func (h *LotHandler) Recall(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, func(id uuid.UUID) (*lot.Lot, error) {
		var req ReasonRequest
		if err := decodeJSON(w, r, &req); err != nil {
			return nil, err
		}
		return h.engine.RecallLot(r.Context(), actor(r), id, req.Reason)
	})
}

// Unrecall handles POST /lots/{id}/unrecall
func (h *LotHandler) Unrecall(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, func(id uuid.UUID) (*lot.Lot, error) {
		var req ReasonRequest
		if err := decodeJSON(w, r, &req); err != nil {
			return nil, err
		}
		return h.engine.UnrecallLot(r.Context(), actor(r), id, req.Reason)
	})
}

// Delete handles DELETE /lots/{id}. The body is optional.
func (h *LotHandler) Delete(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, func(id uuid.UUID) (*lot.Lot, error) {
		var req ReasonRequest
		if r.ContentLength != 0 {
			if err := decodeJSON(w, r, &req); err != nil {
				return nil, err
			}
		}
		return h.engine.SoftDeleteLot(r.Context(), actor(r), id, req.Reason)
	})
}

func (h *LotHandler) mutate(w http.ResponseWriter, r *http.Request, fn func(id uuid.UUID) (*lot.Lot, error)) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	l, err := fn(id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// PlanRequest is the body of POST /dispense/plan.
type PlanRequest struct {
	CatalogEntryID uuid.UUID  `json:"catalog_entry_id"`
	Quantity       int        `json:"quantity"`
	LotID          *uuid.UUID `json:"lot_id"`
}

// Plan handles POST /dispense/plan
func (h *LotHandler) Plan(w http.ResponseWriter, r *http.Request) {
	var req PlanRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if req.Quantity <= 0 {
		writeError(w, r, h.logger, apperr.Validation("quantity", "must be positive"))
		return
	}
	plan, err := h.engine.PlanDispense(r.Context(), actor(r), req.CatalogEntryID, req.Quantity, req.LotID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}
