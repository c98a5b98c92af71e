package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/go-pharmpos/internal/apperr"
	"github.com/drfirst/go-pharmpos/internal/domain/compliance"
	"github.com/drfirst/go-pharmpos/internal/domain/sale"
	"github.com/drfirst/go-pharmpos/internal/engine"
)

// ComplianceHandler serves /compliance, /audit and /reports.
type ComplianceHandler struct {
	engine *engine.Engine
	logger *zap.Logger
	now    func() time.Time
}

// NewComplianceHandler creates a new handler
func NewComplianceHandler(eng *engine.Engine, logger *zap.Logger) *ComplianceHandler {
	return &ComplianceHandler{engine: eng, logger: logger, now: time.Now}
}

// Routes returns the /compliance routes
func (h *ComplianceHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.GetConfig)
	r.Put("/", h.PutConfig)
	r.Post("/decision", h.Decide)
	return r
}

// ComplianceSettings is the body of PUT /compliance. Every toggle is required.
type ComplianceSettings struct {
	AuditLoggingEnabled        *bool `json:"audit_logging_enabled"`
	PharmacistApprovalRequired *bool `json:"pharmacist_approval_required"`
	PrescriptionMandatory      *bool `json:"prescription_mandatory"`
	ExpiredDrugLock            *bool `json:"expired_drug_lock"`
}

func (s *ComplianceSettings) toDomain() (compliance.Settings, error) {
	fields := []struct {
		name string
		v    *bool
	}{
		{"audit_logging_enabled", s.AuditLoggingEnabled},
		{"pharmacist_approval_required", s.PharmacistApprovalRequired},
		{"prescription_mandatory", s.PrescriptionMandatory},
		{"expired_drug_lock", s.ExpiredDrugLock},
	}
	for _, f := range fields {
		if f.v == nil {
			return compliance.Settings{}, apperr.Validation(f.name, "is required")
		}
	}
	return compliance.Settings{
		AuditLoggingEnabled:        *s.AuditLoggingEnabled,
		PharmacistApprovalRequired: *s.PharmacistApprovalRequired,
		PrescriptionMandatory:      *s.PrescriptionMandatory,
		ExpiredDrugLock:            *s.ExpiredDrugLock,
	}, nil
}

// GetConfig handles GET /compliance
func (h *ComplianceHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.engine.GetComplianceConfig(r.Context(), actor(r))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// PutConfig handles PUT /compliance
func (h *ComplianceHandler) PutConfig(w http.ResponseWriter, r *http.Request) {
	var req ComplianceSettings
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	settings, err := req.toDomain()
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	cfg, err := h.engine.UpdateComplianceConfig(r.Context(), actor(r), settings)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// DecisionRequest is the body of POST /compliance/decision.
type DecisionRequest struct {
	Decision string `json:"decision"`
	Notes    string `json:"notes"`
}

// Decide handles POST /compliance/decision
func (h *ComplianceHandler) Decide(w http.ResponseWriter, r *http.Request) {
	var req DecisionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	var approved bool
	switch req.Decision {
	case "approved":
		approved = true
	case "rejected":
	default:
		writeError(w, r, h.logger, apperr.Validation("decision", "must be approved or rejected"))
		return
	}
	cfg, err := h.engine.RecordPharmacyDecision(r.Context(), actor(r), approved, req.Notes)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// Audit handles GET /audit?action=&entity_type=&entity_id=&since=&limit=
func (h *ComplianceHandler) Audit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryInt(r, "limit", compliance.DefaultAuditLimit)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if limit <= 0 || limit > 1000 {
		writeError(w, r, h.logger, apperr.Validation("limit", "must be between 1 and 1000"))
		return
	}
	f := compliance.AuditFilter{
		Action:     compliance.Action(q.Get("action")),
		EntityType: q.Get("entity_type"),
		EntityID:   q.Get("entity_id"),
		Limit:      limit,
	}
	if s := q.Get("since"); s != "" {
		since, err := time.Parse(time.RFC3339, s)
		if err != nil {
			if since, err = parseDate("since", s); err != nil {
				writeError(w, r, h.logger, err)
				return
			}
		}
		f.Since = since
	}
	entries, err := h.engine.ListAudit(r.Context(), actor(r), f)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if entries == nil {
		entries = []*compliance.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// SalesReport handles GET /reports/sales?period=daily|monthly&date=YYYY-MM-DD.
// date defaults to today in UTC.
func (h *ComplianceHandler) SalesReport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	period := sale.Period(q.Get("period"))
	if period == "" {
		period = sale.PeriodDaily
	}
	at := h.now().UTC()
	if s := q.Get("date"); s != "" {
		var err error
		if at, err = parseDate("date", s); err != nil {
			writeError(w, r, h.logger, err)
			return
		}
	}
	rep, err := h.engine.SalesReport(r.Context(), actor(r), period, at)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}
