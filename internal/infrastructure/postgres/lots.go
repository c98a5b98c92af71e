package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/drfirst/go-pharmpos/internal/domain/lot"
	"github.com/drfirst/go-pharmpos/internal/store"
)

const lotColumns = `id, pharmacy_id, catalog_entry_id, batch_number, barcode,
	quantity_received, quantity_deducted, quantity_restocked, quantity_on_hand,
	purchase_cost, sale_price, manufactured_on, expires_on, controlled, reorder_level,
	recalled, recall_reason, status, deleted, deleted_at, version, created_at, updated_at`

type lotRepo struct{ tx pgx.Tx }

func scanLot(row pgx.Row) (*lot.Lot, error) {
	var (
		l            lot.Lot
		manufactured *time.Time
		status       string
	)
	err := row.Scan(&l.ID, &l.PharmacyID, &l.CatalogEntryID, &l.BatchNumber, &l.Barcode,
		&l.QuantityReceived, &l.QuantityDeducted, &l.QuantityRestocked, &l.QuantityOnHand,
		&l.PurchaseCost, &l.SalePrice, &manufactured, &l.ExpiresOn, &l.Controlled, &l.ReorderLevel,
		&l.Recalled, &l.RecallReason, &status, &l.Deleted, &l.DeletedAt, &l.Version, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	l.ManufacturedOn = fromNullTime(manufactured)
	l.Status = lot.Status(status)
	return &l, nil
}

func collectLots(rows pgx.Rows) ([]*lot.Lot, error) {
	defer rows.Close()
	var out []*lot.Lot
	for rows.Next() {
		l, err := scanLot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (r lotRepo) Create(ctx context.Context, l *lot.Lot) error {
	_, err := r.tx.Exec(ctx, `
		INSERT INTO lots (`+lotColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
		        $16, $17, $18, $19, $20, $21, $22, $23)`,
		l.ID, l.PharmacyID, l.CatalogEntryID, l.BatchNumber, l.Barcode,
		l.QuantityReceived, l.QuantityDeducted, l.QuantityRestocked, l.QuantityOnHand,
		l.PurchaseCost, l.SalePrice, nullTime(l.ManufacturedOn), l.ExpiresOn, l.Controlled, l.ReorderLevel,
		l.Recalled, l.RecallReason, string(l.Status), l.Deleted, l.DeletedAt, l.Version, l.CreatedAt, l.UpdatedAt)
	return mapError(err)
}

func (r lotRepo) Get(ctx context.Context, pharmacyID, id uuid.UUID) (*lot.Lot, error) {
	return scanLot(r.tx.QueryRow(ctx,
		`SELECT `+lotColumns+` FROM lots WHERE pharmacy_id = $1 AND id = $2`, pharmacyID, id))
}

func (r lotRepo) GetForUpdate(ctx context.Context, pharmacyID, id uuid.UUID) (*lot.Lot, error) {
	return scanLot(r.tx.QueryRow(ctx,
		`SELECT `+lotColumns+` FROM lots WHERE pharmacy_id = $1 AND id = $2 FOR UPDATE`, pharmacyID, id))
}

// Update is a compare-and-swap on version.
func (r lotRepo) Update(ctx context.Context, l *lot.Lot) error {
	tag, err := r.tx.Exec(ctx, `
		UPDATE lots
		SET quantity_deducted = $4, quantity_restocked = $5, quantity_on_hand = $6,
		    recalled = $7, recall_reason = $8, status = $9, deleted = $10, deleted_at = $11,
		    version = version + 1, updated_at = $12
		WHERE pharmacy_id = $1 AND id = $2 AND version = $3`,
		l.PharmacyID, l.ID, l.Version,
		l.QuantityDeducted, l.QuantityRestocked, l.QuantityOnHand,
		l.Recalled, l.RecallReason, string(l.Status), l.Deleted, l.DeletedAt, l.UpdatedAt)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := r.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM lots WHERE pharmacy_id = $1 AND id = $2)`,
			l.PharmacyID, l.ID).Scan(&exists); err != nil {
			return mapError(err)
		}
		if !exists {
			return store.ErrNotFound
		}
		return store.ErrConflict
	}
	l.Version++
	return nil
}

func (r lotRepo) BatchNumberExists(ctx context.Context, pharmacyID uuid.UUID, batch string) (bool, error) {
	var exists bool
	err := r.tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM lots WHERE pharmacy_id = $1 AND batch_number = $2)`, pharmacyID, batch).Scan(&exists)
	return exists, mapError(err)
}

func (r lotRepo) BarcodeExists(ctx context.Context, barcode string) (bool, error) {
	var exists bool
	err := r.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM lots WHERE barcode = $1)`, barcode).Scan(&exists)
	return exists, mapError(err)
}

func (r lotRepo) ListByCatalogEntry(ctx context.Context, pharmacyID, entryID uuid.UUID) ([]*lot.Lot, error) {
	rows, err := r.tx.Query(ctx, `
		SELECT `+lotColumns+` FROM lots
		WHERE pharmacy_id = $1 AND catalog_entry_id = $2 AND NOT deleted
		ORDER BY expires_on, id`, pharmacyID, entryID)
	if err != nil {
		return nil, fmt.Errorf("list lots: %w", err)
	}
	return collectLots(rows)
}

func (r lotRepo) CountByCatalogEntry(ctx context.Context, pharmacyID, entryID uuid.UUID) (int, error) {
	var n int
	err := r.tx.QueryRow(ctx,
		`SELECT count(*) FROM lots WHERE pharmacy_id = $1 AND catalog_entry_id = $2`, pharmacyID, entryID).Scan(&n)
	return n, mapError(err)
}

func (r lotRepo) ListExpiring(ctx context.Context, pharmacyID uuid.UUID, before time.Time) ([]*lot.Lot, error) {
	rows, err := r.tx.Query(ctx, `
		SELECT `+lotColumns+` FROM lots
		WHERE pharmacy_id = $1 AND NOT deleted AND quantity_on_hand > 0 AND expires_on < $2
		ORDER BY expires_on, id`, pharmacyID, before)
	if err != nil {
		return nil, fmt.Errorf("list expiring lots: %w", err)
	}
	return collectLots(rows)
}

func (r lotRepo) AppendMovement(ctx context.Context, m *lot.Movement) error {
	_, err := r.tx.Exec(ctx, `
		INSERT INTO lot_movements (id, pharmacy_id, lot_id, kind, quantity, balance_after,
		                           transaction_id, actor_id, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		m.ID, m.PharmacyID, m.LotID, string(m.Kind), m.Quantity, m.BalanceAfter,
		m.TransactionID, m.ActorID, m.Reason, m.CreatedAt)
	return mapError(err)
}

func (r lotRepo) ListMovements(ctx context.Context, pharmacyID, lotID uuid.UUID) ([]*lot.Movement, error) {
	rows, err := r.tx.Query(ctx, `
		SELECT id, pharmacy_id, lot_id, kind, quantity, balance_after, transaction_id, actor_id, reason, created_at
		FROM lot_movements
		WHERE pharmacy_id = $1 AND lot_id = $2
		ORDER BY seq`, pharmacyID, lotID)
	if err != nil {
		return nil, fmt.Errorf("list movements: %w", err)
	}
	defer rows.Close()

	var out []*lot.Movement
	for rows.Next() {
		var (
			m    lot.Movement
			kind string
		)
		if err := rows.Scan(&m.ID, &m.PharmacyID, &m.LotID, &kind, &m.Quantity, &m.BalanceAfter,
			&m.TransactionID, &m.ActorID, &m.Reason, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Kind = lot.MovementKind(kind)
		out = append(out, &m)
	}
	return out, rows.Err()
}
