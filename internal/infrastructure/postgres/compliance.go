package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/drfirst/go-pharmpos/internal/domain/compliance"
)

type complianceRepo struct{ tx pgx.Tx }

func (r complianceRepo) Get(ctx context.Context, pharmacyID uuid.UUID) (*compliance.Config, error) {
	var (
		c      compliance.Config
		status string
	)
	err := r.tx.QueryRow(ctx, `
		SELECT pharmacy_id, audit_logging_enabled, pharmacist_approval_required, prescription_mandatory,
		       expired_drug_lock, approval_status, updated_by, updated_at
		FROM compliance_configs WHERE pharmacy_id = $1`, pharmacyID).
		Scan(&c.PharmacyID, &c.AuditLoggingEnabled, &c.PharmacistApprovalRequired, &c.PrescriptionMandatory,
			&c.ExpiredDrugLock, &status, &c.UpdatedBy, &c.UpdatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	c.ApprovalStatus = compliance.ApprovalStatus(status)
	return &c, nil
}

func (r complianceRepo) Put(ctx context.Context, c *compliance.Config) error {
	_, err := r.tx.Exec(ctx, `
		INSERT INTO compliance_configs (pharmacy_id, audit_logging_enabled, pharmacist_approval_required,
		                                prescription_mandatory, expired_drug_lock, approval_status, updated_by, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (pharmacy_id) DO UPDATE
		SET audit_logging_enabled = EXCLUDED.audit_logging_enabled,
		    pharmacist_approval_required = EXCLUDED.pharmacist_approval_required,
		    prescription_mandatory = EXCLUDED.prescription_mandatory,
		    expired_drug_lock = EXCLUDED.expired_drug_lock,
		    approval_status = EXCLUDED.approval_status,
		    updated_by = EXCLUDED.updated_by,
		    updated_at = EXCLUDED.updated_at`,
		c.PharmacyID, c.AuditLoggingEnabled, c.PharmacistApprovalRequired, c.PrescriptionMandatory,
		c.ExpiredDrugLock, string(c.ApprovalStatus), c.UpdatedBy, c.UpdatedAt)
	return mapError(err)
}

type auditRepo struct{ tx pgx.Tx }

func (r auditRepo) Append(ctx context.Context, e *compliance.AuditEntry) error {
	_, err := r.tx.Exec(ctx, `
		INSERT INTO audit_entries (id, pharmacy_id, action, actor_id, entity_type, entity_id, detail, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.PharmacyID, string(e.Action), e.ActorID, e.EntityType, e.EntityID, e.Detail, e.RecordedAt)
	return mapError(err)
}

// List returns newest entries first.
func (r auditRepo) List(ctx context.Context, pharmacyID uuid.UUID, f compliance.AuditFilter) ([]*compliance.AuditEntry, error) {
	query, args := auditQuery(pharmacyID, f)
	rows, err := r.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var out []*compliance.AuditEntry
	for rows.Next() {
		var (
			e      compliance.AuditEntry
			action string
		)
		if err := rows.Scan(&e.ID, &e.PharmacyID, &action, &e.ActorID, &e.EntityType, &e.EntityID,
			&e.Detail, &e.RecordedAt); err != nil {
			return nil, err
		}
		e.Action = compliance.Action(action)
		out = append(out, &e)
	}
	return out, rows.Err()
}

func auditQuery(pharmacyID uuid.UUID, f compliance.AuditFilter) (string, []any) {
	var b strings.Builder
	b.WriteString(`SELECT id, pharmacy_id, action, actor_id, entity_type, entity_id, detail, recorded_at
		FROM audit_entries WHERE pharmacy_id = $1`)
	args := []any{pharmacyID}
	add := func(clause string, v any) {
		args = append(args, v)
		fmt.Fprintf(&b, " AND %s $%d", clause, len(args))
	}
	if f.Action != "" {
		add("action =", string(f.Action))
	}
	if f.EntityType != "" {
		add("entity_type =", f.EntityType)
	}
	if f.EntityID != "" {
		add("entity_id =", f.EntityID)
	}
	if !f.Since.IsZero() {
		add("recorded_at >=", f.Since)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = compliance.DefaultAuditLimit
	}
	args = append(args, limit)
	fmt.Fprintf(&b, " ORDER BY seq DESC LIMIT $%d", len(args))
	return b.String(), args
}

type sequenceRepo struct{ tx pgx.Tx }

// Next increments under the row lock of the upsert, so numbers are gapless
// among committed transactions.
func (r sequenceRepo) Next(ctx context.Context, pharmacyID uuid.UUID, scope string) (int64, error) {
	var v int64
	err := r.tx.QueryRow(ctx, `
		INSERT INTO document_sequences (pharmacy_id, scope, value) VALUES ($1, $2, 1)
		ON CONFLICT (pharmacy_id, scope) DO UPDATE SET value = document_sequences.value + 1
		RETURNING value`, pharmacyID, scope).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("next sequence %s: %w", scope, err)
	}
	return v, nil
}
