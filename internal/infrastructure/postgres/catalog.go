package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/drfirst/go-pharmpos/internal/domain/catalog"
	"github.com/drfirst/go-pharmpos/internal/store"
)

const catalogColumns = `id, pharmacy_id, name, generic_name, manufacturer, category, form, strength,
	base_price, tax_rate, reorder_level, active, created_at, updated_at`

type catalogRepo struct{ tx pgx.Tx }

func scanEntry(row pgx.Row) (*catalog.Entry, error) {
	e := &catalog.Entry{}
	err := row.Scan(&e.ID, &e.PharmacyID, &e.Name, &e.GenericName, &e.Manufacturer, &e.Category,
		&e.Form, &e.Strength, &e.BasePrice, &e.TaxRate, &e.ReorderLevel, &e.Active, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	return e, nil
}

func (r catalogRepo) Create(ctx context.Context, e *catalog.Entry) error {
	_, err := r.tx.Exec(ctx, `
		INSERT INTO catalog_entries (`+catalogColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		e.ID, e.PharmacyID, e.Name, e.GenericName, e.Manufacturer, e.Category, e.Form, e.Strength,
		e.BasePrice, e.TaxRate, e.ReorderLevel, e.Active, e.CreatedAt, e.UpdatedAt)
	return mapError(err)
}

func (r catalogRepo) Get(ctx context.Context, pharmacyID, id uuid.UUID) (*catalog.Entry, error) {
	return scanEntry(r.tx.QueryRow(ctx,
		`SELECT `+catalogColumns+` FROM catalog_entries WHERE pharmacy_id = $1 AND id = $2`, pharmacyID, id))
}

func (r catalogRepo) FindActiveByName(ctx context.Context, pharmacyID uuid.UUID, name string) (*catalog.Entry, error) {
	return scanEntry(r.tx.QueryRow(ctx,
		`SELECT `+catalogColumns+` FROM catalog_entries
		 WHERE pharmacy_id = $1 AND active AND lower(name) = $2`, pharmacyID, catalog.NameKey(name)))
}

func (r catalogRepo) Update(ctx context.Context, e *catalog.Entry) error {
	tag, err := r.tx.Exec(ctx, `
		UPDATE catalog_entries
		SET name = $3, generic_name = $4, manufacturer = $5, category = $6, form = $7, strength = $8,
		    base_price = $9, tax_rate = $10, reorder_level = $11, active = $12, updated_at = $13
		WHERE pharmacy_id = $1 AND id = $2`,
		e.PharmacyID, e.ID, e.Name, e.GenericName, e.Manufacturer, e.Category, e.Form, e.Strength,
		e.BasePrice, e.TaxRate, e.ReorderLevel, e.Active, e.UpdatedAt)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r catalogRepo) Delete(ctx context.Context, pharmacyID, id uuid.UUID) error {
	tag, err := r.tx.Exec(ctx, `DELETE FROM catalog_entries WHERE pharmacy_id = $1 AND id = $2`, pharmacyID, id)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r catalogRepo) Search(ctx context.Context, pharmacyID uuid.UUID, q catalog.SearchQuery) ([]*catalog.Entry, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = catalog.DefaultSearchLimit
	}
	rows, err := r.tx.Query(ctx, `
		SELECT `+catalogColumns+` FROM catalog_entries
		WHERE pharmacy_id = $1
		  AND (active OR $2)
		  AND (lower(name) LIKE $3 OR lower(generic_name) LIKE $3)
		ORDER BY lower(name), id
		LIMIT $4`, pharmacyID, q.IncludeInactive, likePattern(q.Text), limit)
	if err != nil {
		return nil, fmt.Errorf("search catalog: %w", err)
	}
	defer rows.Close()

	var out []*catalog.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
