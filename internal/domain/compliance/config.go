// Package compliance holds the pharmacy-level controls consulted before a sale
// is committed, and the append-only audit trail.
package compliance

import (
	"time"

	"github.com/google/uuid"

	"github.com/drfirst/go-pharmpos/internal/apperr"
)

// ApprovalStatus of a pharmacy
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// Config is the pharmacy-scoped compliance configuration.
type Config struct {
	PharmacyID                 uuid.UUID      `json:"pharmacy_id"`
	AuditLoggingEnabled        bool           `json:"audit_logging_enabled"`
	PharmacistApprovalRequired bool           `json:"pharmacist_approval_required"`
	PrescriptionMandatory      bool           `json:"prescription_mandatory"`
	ExpiredDrugLock            bool           `json:"expired_drug_lock"`
	ApprovalStatus             ApprovalStatus `json:"approval_status"`
	UpdatedBy                  string         `json:"updated_by,omitempty"`
	UpdatedAt                  time.Time      `json:"updated_at"`
}

// Default is used for pharmacies that were never configured. Audit logging
// and the expired-drug lock start enabled.
func Default(pharmacyID uuid.UUID) *Config {
	return &Config{
		PharmacyID:          pharmacyID,
		AuditLoggingEnabled: true,
		ExpiredDrugLock:     true,
		ApprovalStatus:      ApprovalApproved,
	}
}

// Settings are the toggles an administrator may change.
type Settings struct {
	AuditLoggingEnabled        bool
	PharmacistApprovalRequired bool
	PrescriptionMandatory      bool
	ExpiredDrugLock            bool
}

// Apply updates the toggles. Audit logging cannot be switched off once on.
func (c *Config) Apply(s Settings, actorID string, now time.Time) error {
	if c.AuditLoggingEnabled && !s.AuditLoggingEnabled {
		return apperr.Validation("audit_logging_enabled", "audit logging cannot be disabled once enabled")
	}
	c.AuditLoggingEnabled = s.AuditLoggingEnabled
	c.PharmacistApprovalRequired = s.PharmacistApprovalRequired
	c.PrescriptionMandatory = s.PrescriptionMandatory
	c.ExpiredDrugLock = s.ExpiredDrugLock
	c.UpdatedBy = actorID
	c.UpdatedAt = now
	return nil
}

// Decide records a pharmacy approval decision.
func (c *Config) Decide(approved bool, actorID string, now time.Time) {
	if approved {
		c.ApprovalStatus = ApprovalApproved
	} else {
		c.ApprovalStatus = ApprovalRejected
	}
	c.UpdatedBy = actorID
	c.UpdatedAt = now
}

// SaleContext is what the gate needs to know about a sale.
type SaleContext struct {
	PrescriptionID string
	PharmacistID   string
	Controlled     bool
}

// CheckSale applies the gate to a sale about to be committed.
func (c *Config) CheckSale(sc SaleContext) error {
	if c.ApprovalStatus != ApprovalApproved {
		return apperr.New(apperr.KindPharmacyNotApproved, "pharmacy approval status is %s", c.ApprovalStatus)
	}
	if c.PrescriptionMandatory && sc.PrescriptionID == "" {
		return apperr.New(apperr.KindPrescriptionRequired, "a prescription id is required for every sale")
	}
	if c.PharmacistApprovalRequired && sc.Controlled && sc.PharmacistID == "" {
		return apperr.New(apperr.KindPharmacistApprovalRequired, "controlled substances need a pharmacist id")
	}
	return nil
}
