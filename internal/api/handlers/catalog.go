package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/drfirst/go-pharmpos/internal/apperr"
	"github.com/drfirst/go-pharmpos/internal/domain/catalog"
	"github.com/drfirst/go-pharmpos/internal/engine"
)

// inventoryRoles may change the catalog and the lot ledger.
var inventoryRoles = []engine.Role{engine.RolePharmacist, engine.RoleManager, engine.RoleAdmin}

// allow rejects callers whose role is not listed.
func allow(logger *zap.Logger, roles ...engine.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			role := actor(r).Role
			for _, allowed := range roles {
				if role == allowed {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeError(w, r, logger, apperr.New(apperr.KindForbidden, "role %q may not %s %s", role, r.Method, r.URL.Path))
		})
	}
}

// CatalogHandler serves /catalog.
type CatalogHandler struct {
	engine *engine.Engine
	logger *zap.Logger
}

// NewCatalogHandler creates a new handler
func NewCatalogHandler(eng *engine.Engine, logger *zap.Logger) *CatalogHandler {
	return &CatalogHandler{engine: eng, logger: logger}
}

// Routes returns the handler routes
func (h *CatalogHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/search", h.Search)
	r.Get("/{id}", h.Get)
	r.Get("/{id}/stock", h.Stock)
	r.Group(func(r chi.Router) {
		r.Use(allow(h.logger, inventoryRoles...))
		r.Post("/", h.Create)
		r.Patch("/{id}/price", h.UpdatePrice)
		r.Post("/{id}/deactivate", h.Deactivate)
		r.Delete("/{id}", h.Delete)
	})
	return r
}

// CreateCatalogRequest is the body of POST /catalog.
type CreateCatalogRequest struct {
	Name         string          `json:"name"`
	GenericName  string          `json:"generic_name"`
	Manufacturer string          `json:"manufacturer"`
	Category     string          `json:"category"`
	Form         string          `json:"form"`
	Strength     string          `json:"strength"`
	BasePrice    decimal.Decimal `json:"base_price"`
	TaxRate      decimal.Decimal `json:"tax_rate"`
	ReorderLevel int             `json:"reorder_level"`
}

// Create handles POST /catalog
func (h *CatalogHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateCatalogRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	entry, err := h.engine.CreateCatalogEntry(r.Context(), actor(r), catalog.Draft{
		Name:         req.Name,
		GenericName:  req.GenericName,
		Manufacturer: req.Manufacturer,
		Category:     req.Category,
		Form:         req.Form,
		Strength:     req.Strength,
		BasePrice:    req.BasePrice,
		TaxRate:      req.TaxRate,
		ReorderLevel: req.ReorderLevel,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

// Search handles GET /catalog/search
func (h *CatalogHandler) Search(w http.ResponseWriter, r *http.Request) {
	inactive, err := queryBool(r, "include_inactive")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	hits, err := h.engine.SearchCatalog(r.Context(), actor(r), catalog.SearchQuery{
		Text:            r.URL.Query().Get("q"),
		IncludeInactive: inactive,
		Limit:           limit,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if hits == nil {
		hits = []catalog.SearchHit{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": hits})
}

// Get handles GET /catalog/{id}
func (h *CatalogHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	entry, err := h.engine.GetCatalogEntry(r.Context(), actor(r), id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// Stock handles GET /catalog/{id}/stock
func (h *CatalogHandler) Stock(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	summary, err := h.engine.StockSummary(r.Context(), actor(r), id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// UpdatePriceRequest is the body of PATCH /catalog/{id}/price. Absent fields
// are left unchanged.
type UpdatePriceRequest struct {
	BasePrice *decimal.Decimal `json:"base_price"`
	TaxRate   *decimal.Decimal `json:"tax_rate"`
}

// UpdatePrice handles PATCH /catalog/{id}/price
func (h *CatalogHandler) UpdatePrice(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	var req UpdatePriceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	entry, err := h.engine.UpdateCatalogPrice(r.Context(), actor(r), id, req.BasePrice, req.TaxRate)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// Deactivate handles POST /catalog/{id}/deactivate
func (h *CatalogHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	entry, err := h.engine.DeactivateCatalogEntry(r.Context(), actor(r), id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// Delete handles DELETE /catalog/{id}
func (h *CatalogHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if err := h.engine.DeleteCatalogEntry(r.Context(), actor(r), id); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
