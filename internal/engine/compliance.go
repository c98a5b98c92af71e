package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/drfirst/go-pharmpos/internal/apperr"
	"github.com/drfirst/go-pharmpos/internal/domain/compliance"
	"github.com/drfirst/go-pharmpos/internal/domain/sale"
)

// GetComplianceConfig returns the pharmacy's configuration, or the defaults.
func (e *Engine) GetComplianceConfig(ctx context.Context, actor Actor) (*compliance.Config, error) {
	var cfg *compliance.Config
	err := e.run(ctx, func(ctx context.Context, u *unit) error {
		var err error
		cfg, err = u.config(ctx, actor.PharmacyID)
		return err
	})
	return cfg, err
}

// UpdateComplianceConfig applies new toggles. Audit logging stays on once enabled.
func (e *Engine) UpdateComplianceConfig(ctx context.Context, actor Actor, s compliance.Settings) (cfg *compliance.Config, err error) {
	ctx, span := e.span(ctx, "UpdateComplianceConfig")
	defer func() { e.end(span, "UpdateComplianceConfig", err) }()

	if err := e.requireAdmin(actor); err != nil {
		return nil, err
	}
	err = e.run(ctx, func(ctx context.Context, u *unit) error {
		cfg, err = u.config(ctx, actor.PharmacyID)
		if err != nil {
			return err
		}
		if err := cfg.Apply(s, actor.ID, u.now); err != nil {
			return err
		}
		if err := u.Compliance().Put(ctx, cfg); err != nil {
			return fmt.Errorf("save compliance config: %w", err)
		}
		return u.audit(ctx, cfg, compliance.ActionConfigUpdated, actor, "pharmacy", actor.PharmacyID.String(),
			fmt.Sprintf("audit_logging=%t pharmacist_approval=%t prescription_mandatory=%t expired_drug_lock=%t",
				cfg.AuditLoggingEnabled, cfg.PharmacistApprovalRequired, cfg.PrescriptionMandatory, cfg.ExpiredDrugLock))
	})
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// RecordPharmacyDecision approves or rejects the pharmacy. Sales are refused
// while the pharmacy is not approved.
func (e *Engine) RecordPharmacyDecision(ctx context.Context, actor Actor, approved bool, notes string) (cfg *compliance.Config, err error) {
	ctx, span := e.span(ctx, "RecordPharmacyDecision")
	defer func() { e.end(span, "RecordPharmacyDecision", err) }()

	if err := e.requireAdmin(actor); err != nil {
		return nil, err
	}
	notes = strings.TrimSpace(notes)
	if !approved && notes == "" {
		return nil, apperr.Validation("notes", "a rejection needs a reason")
	}
	err = e.run(ctx, func(ctx context.Context, u *unit) error {
		cfg, err = u.config(ctx, actor.PharmacyID)
		if err != nil {
			return err
		}
		cfg.Decide(approved, actor.ID, u.now)
		if err := u.Compliance().Put(ctx, cfg); err != nil {
			return fmt.Errorf("save compliance config: %w", err)
		}
		action := compliance.ActionPharmacyApproved
		if !approved {
			action = compliance.ActionPharmacyRejected
		}
		return u.audit(ctx, cfg, action, actor, "pharmacy", actor.PharmacyID.String(), notes)
	})
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func (e *Engine) requireAdmin(actor Actor) error {
	if err := actor.validate(); err != nil {
		return err
	}
	if actor.Role != RoleAdmin {
		return apperr.New(apperr.KindForbidden, "pharmacy administration requires the admin role")
	}
	return nil
}

// ListAudit returns audit entries, newest first.
func (e *Engine) ListAudit(ctx context.Context, actor Actor, f compliance.AuditFilter) ([]*compliance.AuditEntry, error) {
	if f.Limit <= 0 || f.Limit > 1000 {
		f.Limit = compliance.DefaultAuditLimit
	}
	var out []*compliance.AuditEntry
	err := e.run(ctx, func(ctx context.Context, u *unit) error {
		var err error
		out, err = u.Audit().List(ctx, actor.PharmacyID, f)
		return err
	})
	return out, err
}

// SalesReport aggregates sales over the daily or monthly period containing at.
func (e *Engine) SalesReport(ctx context.Context, actor Actor, period sale.Period, at time.Time) (*sale.Report, error) {
	from, to, ok := period.Window(at)
	if !ok {
		return nil, apperr.Validation("period", "must be daily or monthly")
	}
	var rep *sale.Report
	err := e.run(ctx, func(ctx context.Context, u *unit) error {
		var err error
		rep, err = u.Sales().Report(ctx, actor.PharmacyID, from, to)
		if err != nil {
			return fmt.Errorf("sales report: %w", err)
		}
		return nil
	})
	return rep, err
}
