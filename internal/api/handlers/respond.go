// Package handlers exposes the engine over HTTP. Bodies are decoded strictly;
// the pharmacy and the actor always come from the bearer token.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/drfirst/go-pharmpos/internal/api/middleware"
	"github.com/drfirst/go-pharmpos/internal/apperr"
	"github.com/drfirst/go-pharmpos/internal/engine"
	"github.com/drfirst/go-pharmpos/internal/observability/logging"
	"github.com/drfirst/go-pharmpos/internal/store"
	"github.com/drfirst/go-pharmpos/pkg/idempotency"
)

const maxBodyBytes = 1 << 20

// ErrorBody is the error envelope.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes one failure.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

var kindStatus = map[apperr.Kind]int{
	apperr.KindValidation:                 http.StatusBadRequest,
	apperr.KindNotFound:                   http.StatusNotFound,
	apperr.KindForbidden:                  http.StatusForbidden,
	apperr.KindDuplicateName:              http.StatusConflict,
	apperr.KindDuplicateBatchNumber:       http.StatusConflict,
	apperr.KindDuplicateBarcode:           http.StatusConflict,
	apperr.KindInsufficientStock:          http.StatusConflict,
	apperr.KindShiftAlreadyOpen:           http.StatusConflict,
	apperr.KindShiftNotOpen:               http.StatusConflict,
	apperr.KindShiftNotClosed:             http.StatusConflict,
	apperr.KindPrescriptionRequired:       http.StatusUnprocessableEntity,
	apperr.KindExpiredDrugLocked:          http.StatusUnprocessableEntity,
	apperr.KindLotRecalled:                http.StatusUnprocessableEntity,
	apperr.KindPharmacistApprovalRequired: http.StatusUnprocessableEntity,
	apperr.KindPharmacyNotApproved:        http.StatusUnprocessableEntity,
	apperr.KindPaymentMismatch:            http.StatusUnprocessableEntity,
	apperr.KindRefundExceedsBalance:       http.StatusUnprocessableEntity,
}

// StatusFor maps an error to its HTTP status.
func StatusFor(err error) int {
	var e *apperr.Error
	if errors.As(err, &e) {
		if s, ok := kindStatus[e.Kind]; ok {
			return s
		}
	}
	if errors.Is(err, store.ErrConflict) || errors.Is(err, idempotency.ErrInProgress) {
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders err. Infrastructure failures are logged and hidden.
func writeError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	logger = logging.FromContext(r.Context(), logger)
	status := StatusFor(err)
	detail := ErrorDetail{Code: "internal", Message: "internal server error"}

	var e *apperr.Error
	switch {
	case errors.As(err, &e):
		detail = ErrorDetail{Code: string(e.Kind), Message: e.Message, Field: e.Field}
		logger.Info("request rejected",
			zap.String("kind", string(e.Kind)),
			zap.String("message", e.Message))
	case errors.Is(err, idempotency.ErrInProgress):
		detail = ErrorDetail{Code: "idempotency_in_progress", Message: err.Error()}
	case status == http.StatusConflict:
		detail = ErrorDetail{Code: "conflict", Message: "concurrent update, retry the request"}
		logger.Warn("write conflict", zap.Error(err))
	default:
		logger.Error("request failed", zap.Error(err),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path))
	}
	writeJSON(w, status, ErrorBody{Error: detail})
}

// decodeJSON reads exactly one JSON object and rejects unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			return apperr.Validation("body", "request body is required")
		case errors.As(err, &maxErr):
			return apperr.Validation("body", "request body exceeds %d bytes", maxErr.Limit)
		case strings.HasPrefix(err.Error(), "json: unknown field "):
			field := strings.Trim(strings.TrimPrefix(err.Error(), "json: unknown field "), `"`)
			return apperr.Validation(field, "unknown field")
		default:
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &typeErr) {
				return apperr.Validation(typeErr.Field, "must be %s", typeErr.Type)
			}
			return apperr.Validation("body", "malformed JSON: %v", err)
		}
	}
	if dec.More() {
		return apperr.Validation("body", "must contain a single JSON object")
	}
	return nil
}

// actor builds the engine actor from the authenticated principal.
func actor(r *http.Request) engine.Actor {
	p, _ := middleware.GetPrincipal(r.Context())
	return engine.Actor{ID: p.Subject, PharmacyID: p.PharmacyID, Role: engine.Role(p.Role)}
}

func pathID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, apperr.Validation(name, "must be a UUID")
	}
	return id, nil
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, apperr.Validation(name, "must be an integer")
	}
	return n, nil
}

func queryBool(r *http.Request, name string) (bool, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, apperr.Validation(name, "must be a boolean")
	}
	return b, nil
}

// Date is a calendar date written as YYYY-MM-DD.
type Date struct{ time.Time }

// UnmarshalJSON implements json.Unmarshaler.
func (d *Date) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("date must be a string")
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return fmt.Errorf("date must be YYYY-MM-DD")
	}
	d.Time = t
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Format(time.DateOnly))
}

func parseDate(field, s string) (time.Time, error) {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, apperr.Validation(field, "must be YYYY-MM-DD")
	}
	return t, nil
}
