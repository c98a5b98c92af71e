package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/drfirst/go-pharmpos/internal/apperr"
	"github.com/drfirst/go-pharmpos/internal/domain/sale"
	"github.com/drfirst/go-pharmpos/internal/engine"
	"github.com/drfirst/go-pharmpos/pkg/idempotency"
)

// IdempotencyKeyHeader makes POST /transactions safe to retry.
const IdempotencyKeyHeader = "Idempotency-Key"

// TransactionHandler serves /transactions.
type TransactionHandler struct {
	engine *engine.Engine
	guard  idempotency.Guard
	logger *zap.Logger
}

// NewTransactionHandler creates a new handler. guard may be nil, in which
// case Idempotency-Key headers are ignored.
func NewTransactionHandler(eng *engine.Engine, guard idempotency.Guard, logger *zap.Logger) *TransactionHandler {
	return &TransactionHandler{engine: eng, guard: guard, logger: logger}
}

// Routes returns the handler routes
func (h *TransactionHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Post)
	r.Get("/{id}", h.Get)
	r.Post("/{id}/refund", h.Refund)
	return r
}

// SaleItemRequest is one requested item.
type SaleItemRequest struct {
	CatalogEntryID uuid.UUID        `json:"catalog_entry_id"`
	Quantity       int              `json:"quantity"`
	UnitPrice      *decimal.Decimal `json:"unit_price"`
	Discount       decimal.Decimal  `json:"discount"`
	LotID          *uuid.UUID       `json:"lot_id"`
}

// PostSaleRequest is the body of POST /transactions.
type PostSaleRequest struct {
	ShiftID        uuid.UUID         `json:"shift_id"`
	Items          []SaleItemRequest `json:"items"`
	Payment        sale.Payment      `json:"payment"`
	PrescriptionID string            `json:"prescription_id"`
	PharmacistID   string            `json:"pharmacist_id"`
	Customer       *sale.Customer    `json:"customer"`
}

func (p *PostSaleRequest) toEngine() engine.SaleRequest {
	items := make([]engine.SaleItem, len(p.Items))
	for i, it := range p.Items {
		items[i] = engine.SaleItem{
			CatalogEntryID:    it.CatalogEntryID,
			Quantity:          it.Quantity,
			UnitPriceOverride: it.UnitPrice,
			Discount:          it.Discount,
			LotID:             it.LotID,
		}
	}
	return engine.SaleRequest{
		ShiftID:        p.ShiftID,
		Items:          items,
		Payment:        p.Payment,
		PrescriptionID: p.PrescriptionID,
		PharmacistID:   p.PharmacistID,
		Customer:       p.Customer,
	}
}

// Post handles POST /transactions. A repeated Idempotency-Key from the same
// cashier returns the transaction posted by the first request.
func (h *TransactionHandler) Post(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, r, h.logger, apperr.Validation("body", "request body exceeds %d bytes", maxBodyBytes))
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	var req PostSaleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	a := actor(r)
	post := func(ctx context.Context) (json.RawMessage, error) {
		txn, err := h.engine.PostSale(ctx, a, req.toEngine())
		if err != nil {
			return nil, err
		}
		return json.Marshal(txn)
	}

	clientKey := r.Header.Get(IdempotencyKeyHeader)
	if clientKey == "" || h.guard == nil {
		out, err := post(r.Context())
		if err != nil {
			writeError(w, r, h.logger, err)
			return
		}
		writeRaw(w, http.StatusCreated, out)
		return
	}
	if len(clientKey) > 255 {
		writeError(w, r, h.logger, apperr.Validation(IdempotencyKeyHeader, "must be at most 255 characters"))
		return
	}

	res, err := h.guard.Process(r.Context(), idempotency.Key(a.PharmacyID, a.ID, clientKey), "transactions.post", body, post)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if res.Replayed {
		w.Header().Set("Idempotent-Replayed", "true")
		h.logger.Info("replayed sale",
			zap.String("actor_id", a.ID),
			zap.String("idempotency_key", clientKey))
	}
	writeRaw(w, http.StatusCreated, res.Result)
}

func writeRaw(w http.ResponseWriter, status int, body json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// Get handles GET /transactions/{id}
func (h *TransactionHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	txn, err := h.engine.GetTransaction(r.Context(), actor(r), id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, txn)
}

// RefundRequest is the body of POST /transactions/{id}/refund.
type RefundRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Reason string          `json:"reason"`
	Tender string          `json:"tender"`
}

// Refund handles POST /transactions/{id}/refund
func (h *TransactionHandler) Refund(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	var req RefundRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	txn, err := h.engine.PostRefund(r.Context(), actor(r), engine.RefundRequest{
		TransactionID: id,
		Amount:        req.Amount,
		Reason:        req.Reason,
		Tender:        req.Tender,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, txn)
}
