// Package apperr defines the typed business failures returned by the engine.
// Anything that is not an *Error is an infrastructure failure.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a business failure
type Kind string

const (
	KindValidation                 Kind = "validation"
	KindNotFound                   Kind = "not_found"
	KindForbidden                  Kind = "forbidden"
	KindDuplicateName              Kind = "duplicate_name"
	KindDuplicateBatchNumber       Kind = "duplicate_batch_number"
	KindDuplicateBarcode           Kind = "duplicate_barcode"
	KindInsufficientStock          Kind = "insufficient_stock"
	KindPrescriptionRequired       Kind = "prescription_required"
	KindExpiredDrugLocked          Kind = "expired_drug_locked"
	KindLotRecalled                Kind = "lot_recalled"
	KindPharmacistApprovalRequired Kind = "pharmacist_approval_required"
	KindPharmacyNotApproved        Kind = "pharmacy_not_approved"
	KindShiftAlreadyOpen           Kind = "shift_already_open"
	KindShiftNotOpen               Kind = "shift_not_open"
	KindShiftNotClosed             Kind = "shift_not_closed"
	KindPaymentMismatch            Kind = "payment_mismatch"
	KindRefundExceedsBalance       Kind = "refund_exceeds_balance"
)

// Error is a business failure. Field names the offending input when known.
type Error struct {
	Kind    Kind
	Message string
	Field   string
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is matches any *Error of the same kind, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is comparisons.
var (
	ErrValidation                 = &Error{Kind: KindValidation, Message: "invalid request"}
	ErrNotFound                   = &Error{Kind: KindNotFound, Message: "not found"}
	ErrForbidden                  = &Error{Kind: KindForbidden, Message: "forbidden"}
	ErrDuplicateName              = &Error{Kind: KindDuplicateName, Message: "duplicate name"}
	ErrDuplicateBatchNumber       = &Error{Kind: KindDuplicateBatchNumber, Message: "duplicate batch number"}
	ErrDuplicateBarcode           = &Error{Kind: KindDuplicateBarcode, Message: "duplicate barcode"}
	ErrInsufficientStock          = &Error{Kind: KindInsufficientStock, Message: "insufficient stock"}
	ErrPrescriptionRequired       = &Error{Kind: KindPrescriptionRequired, Message: "prescription required"}
	ErrExpiredDrugLocked          = &Error{Kind: KindExpiredDrugLocked, Message: "expired drug locked"}
	ErrLotRecalled                = &Error{Kind: KindLotRecalled, Message: "lot recalled"}
	ErrPharmacistApprovalRequired = &Error{Kind: KindPharmacistApprovalRequired, Message: "pharmacist approval required"}
	ErrPharmacyNotApproved        = &Error{Kind: KindPharmacyNotApproved, Message: "pharmacy not approved"}
	ErrShiftAlreadyOpen           = &Error{Kind: KindShiftAlreadyOpen, Message: "shift already open"}
	ErrShiftNotOpen               = &Error{Kind: KindShiftNotOpen, Message: "shift not open"}
	ErrShiftNotClosed             = &Error{Kind: KindShiftNotClosed, Message: "shift not closed"}
	ErrPaymentMismatch            = &Error{Kind: KindPaymentMismatch, Message: "payment mismatch"}
	ErrRefundExceedsBalance       = &Error{Kind: KindRefundExceedsBalance, Message: "refund exceeds balance"}
)

// New creates a business error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Validation reports a malformed or missing field.
func Validation(field, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Field: field, Message: fmt.Sprintf(format, args...)}
}

// NotFound reports a missing record of the named entity.
func NotFound(entity string, id any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("%s %v not found", entity, id)}
}

// KindOf returns the kind of the first *Error in err's chain, or "" for infrastructure errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsBusiness reports whether err carries a business kind.
func IsBusiness(err error) bool {
	return KindOf(err) != ""
}
