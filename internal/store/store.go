// Package store declares the unit of work and repositories the engine runs on.
// Implementations live under internal/infrastructure.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/drfirst/go-pharmpos/internal/domain/catalog"
	"github.com/drfirst/go-pharmpos/internal/domain/compliance"
	"github.com/drfirst/go-pharmpos/internal/domain/events"
	"github.com/drfirst/go-pharmpos/internal/domain/lot"
	"github.com/drfirst/go-pharmpos/internal/domain/sale"
	"github.com/drfirst/go-pharmpos/internal/domain/shift"
)

// ErrNotFound is returned by repositories when no row matches. The engine
// converts it into a business not_found error.
var ErrNotFound = errors.New("store: not found")

// ErrConflict is returned when a compare-and-swap update lost a race.
var ErrConflict = errors.New("store: concurrent update")

// Store runs units of work.
type Store interface {
	// WithinTx runs fn in one atomic unit of work. If fn returns an error
	// nothing it wrote is kept.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Ping(ctx context.Context) error
}

// Tx exposes the repositories bound to one unit of work.
type Tx interface {
	Catalog() CatalogRepository
	Lots() LotRepository
	Sales() SaleRepository
	Shifts() ShiftRepository
	Compliance() ComplianceRepository
	Audit() AuditRepository
	Sequences() SequenceRepository
	Outbox() OutboxWriter
}

// CatalogRepository persists catalog entries.
type CatalogRepository interface {
	Create(ctx context.Context, e *catalog.Entry) error
	Get(ctx context.Context, pharmacyID, id uuid.UUID) (*catalog.Entry, error)
	// FindActiveByName matches names case-insensitively.
	FindActiveByName(ctx context.Context, pharmacyID uuid.UUID, name string) (*catalog.Entry, error)
	Update(ctx context.Context, e *catalog.Entry) error
	Delete(ctx context.Context, pharmacyID, id uuid.UUID) error
	Search(ctx context.Context, pharmacyID uuid.UUID, q catalog.SearchQuery) ([]*catalog.Entry, error)
}

// LotRepository persists the lot ledger.
type LotRepository interface {
	Create(ctx context.Context, l *lot.Lot) error
	Get(ctx context.Context, pharmacyID, id uuid.UUID) (*lot.Lot, error)
	// GetForUpdate locks the lot until the unit of work ends.
	GetForUpdate(ctx context.Context, pharmacyID, id uuid.UUID) (*lot.Lot, error)
	// Update writes l if its version is unchanged and bumps the version.
	Update(ctx context.Context, l *lot.Lot) error
	BatchNumberExists(ctx context.Context, pharmacyID uuid.UUID, batch string) (bool, error)
	BarcodeExists(ctx context.Context, barcode string) (bool, error)
	// ListByCatalogEntry excludes soft-deleted lots.
	ListByCatalogEntry(ctx context.Context, pharmacyID, entryID uuid.UUID) ([]*lot.Lot, error)
	// CountByCatalogEntry includes soft-deleted lots.
	CountByCatalogEntry(ctx context.Context, pharmacyID, entryID uuid.UUID) (int, error)
	// ListExpiring returns non-deleted lots with stock expiring before the cutoff.
	ListExpiring(ctx context.Context, pharmacyID uuid.UUID, before time.Time) ([]*lot.Lot, error)
	AppendMovement(ctx context.Context, m *lot.Movement) error
	ListMovements(ctx context.Context, pharmacyID, lotID uuid.UUID) ([]*lot.Movement, error)
}

// SaleRepository persists sale transactions.
type SaleRepository interface {
	Create(ctx context.Context, t *sale.Transaction) error
	Get(ctx context.Context, pharmacyID, id uuid.UUID) (*sale.Transaction, error)
	GetForUpdate(ctx context.Context, pharmacyID, id uuid.UUID) (*sale.Transaction, error)
	// UpdateRefund writes the refund sub-record only.
	UpdateRefund(ctx context.Context, t *sale.Transaction) error
	Report(ctx context.Context, pharmacyID uuid.UUID, from, to time.Time) (*sale.Report, error)
}

// ShiftRepository persists cashier shifts. Create fails with a
// shift_already_open business error when the cashier has an open shift.
type ShiftRepository interface {
	Create(ctx context.Context, s *shift.Shift) error
	Get(ctx context.Context, pharmacyID, id uuid.UUID) (*shift.Shift, error)
	GetForUpdate(ctx context.Context, pharmacyID, id uuid.UUID) (*shift.Shift, error)
	GetOpenByCashier(ctx context.Context, pharmacyID uuid.UUID, cashierID string) (*shift.Shift, error)
	Update(ctx context.Context, s *shift.Shift) error
}

// ComplianceRepository persists pharmacy compliance configuration.
type ComplianceRepository interface {
	// Get returns ErrNotFound for pharmacies never configured.
	Get(ctx context.Context, pharmacyID uuid.UUID) (*compliance.Config, error)
	Put(ctx context.Context, c *compliance.Config) error
}

// AuditRepository is append-only.
type AuditRepository interface {
	Append(ctx context.Context, e *compliance.AuditEntry) error
	List(ctx context.Context, pharmacyID uuid.UUID, f compliance.AuditFilter) ([]*compliance.AuditEntry, error)
}

// SequenceRepository hands out gapless per-pharmacy counters.
type SequenceRepository interface {
	Next(ctx context.Context, pharmacyID uuid.UUID, scope string) (int64, error)
}

// OutboxWriter queues events for the relay within the unit of work.
type OutboxWriter interface {
	Write(ctx context.Context, e *events.Event) error
}
