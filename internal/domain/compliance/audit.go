package compliance

import (
	"time"

	"github.com/google/uuid"
)

// Action is the kind of an audited action
type Action string

const (
	ActionCatalogCreated    Action = "catalog.created"
	ActionCatalogDeactivate Action = "catalog.deactivated"
	ActionCatalogRepriced   Action = "catalog.repriced"
	ActionCatalogDeleted    Action = "catalog.deleted"
	ActionLotReceived       Action = "lot.received"
	ActionLotAdjusted       Action = "lot.adjusted"
	ActionLotRestocked      Action = "lot.restocked"
	ActionLotRecalled       Action = "lot.recalled"
	ActionLotUnrecalled     Action = "lot.unrecalled"
	ActionLotDeleted        Action = "lot.deleted"
	ActionSalePosted        Action = "sale.posted"
	ActionSaleRefunded      Action = "sale.refunded"
	ActionShiftOpened       Action = "shift.opened"
	ActionShiftClosed       Action = "shift.closed"
	ActionShiftReconciled   Action = "shift.reconciled"
	ActionConfigUpdated     Action = "compliance.updated"
	ActionPharmacyApproved  Action = "pharmacy.approved"
	ActionPharmacyRejected  Action = "pharmacy.rejected"
)

// AuditEntry is immutable once appended.
type AuditEntry struct {
	ID         uuid.UUID `json:"id"`
	PharmacyID uuid.UUID `json:"pharmacy_id"`
	Action     Action    `json:"action"`
	ActorID    string    `json:"actor_id"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Detail     string    `json:"detail"`
	RecordedAt time.Time `json:"recorded_at"`
}

// NewAuditEntry builds an entry stamped at now.
func NewAuditEntry(pharmacyID uuid.UUID, action Action, actorID, entityType, entityID, detail string, now time.Time) *AuditEntry {
	return &AuditEntry{
		ID:         uuid.New(),
		PharmacyID: pharmacyID,
		Action:     action,
		ActorID:    actorID,
		EntityType: entityType,
		EntityID:   entityID,
		Detail:     detail,
		RecordedAt: now,
	}
}

// AuditFilter narrows an audit listing. Zero values match everything.
type AuditFilter struct {
	Action     Action
	EntityType string
	EntityID   string
	Since      time.Time
	Limit      int
}

// DefaultAuditLimit applies when the filter has no limit.
const DefaultAuditLimit = 100

// Matches reports whether e passes the filter, ignoring Limit.
func (f AuditFilter) Matches(e *AuditEntry) bool {
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.EntityType != "" && e.EntityType != f.EntityType {
		return false
	}
	if f.EntityID != "" && e.EntityID != f.EntityID {
		return false
	}
	return f.Since.IsZero() || !e.RecordedAt.Before(f.Since)
}
