package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/drfirst/go-pharmpos/internal/apperr"
	"github.com/drfirst/go-pharmpos/internal/domain/catalog"
	"github.com/drfirst/go-pharmpos/internal/domain/compliance"
	"github.com/drfirst/go-pharmpos/internal/domain/events"
	"github.com/drfirst/go-pharmpos/internal/domain/lot"
	"github.com/drfirst/go-pharmpos/internal/store"
)

// CreateCatalogEntry adds an active entry. An active entry with the same name
// in the pharmacy fails with duplicate_name.
func (e *Engine) CreateCatalogEntry(ctx context.Context, actor Actor, d catalog.Draft) (entry *catalog.Entry, err error) {
	ctx, span := e.span(ctx, "CreateCatalogEntry")
	defer func() { e.end(span, "CreateCatalogEntry", err) }()

	if err := actor.validate(); err != nil {
		return nil, err
	}
	err = e.run(ctx, func(ctx context.Context, u *unit) error {
		entry, err = catalog.NewEntry(actor.PharmacyID, d, u.now)
		if err != nil {
			return err
		}
		existing, err := u.Catalog().FindActiveByName(ctx, actor.PharmacyID, entry.Name)
		switch {
		case err == nil:
			return apperr.New(apperr.KindDuplicateName, "an active entry named %q exists (%s)", existing.Name, existing.ID)
		case !errors.Is(err, store.ErrNotFound):
			return fmt.Errorf("find catalog entry by name: %w", err)
		}
		if err := u.Catalog().Create(ctx, entry); err != nil {
			return err
		}
		cfg, err := u.config(ctx, actor.PharmacyID)
		if err != nil {
			return err
		}
		if err := u.emit(ctx, events.AggregateCatalogEntry, entry.ID.String(), events.CatalogEntryCreated, entry, actor); err != nil {
			return err
		}
		return u.audit(ctx, cfg, compliance.ActionCatalogCreated, actor, "catalog_entry", entry.ID.String(),
			fmt.Sprintf("created %s %s %s at %s", entry.Name, entry.Strength, entry.Form, entry.BasePrice.StringFixed(2)))
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// GetCatalogEntry returns one entry.
func (e *Engine) GetCatalogEntry(ctx context.Context, actor Actor, id uuid.UUID) (*catalog.Entry, error) {
	var entry *catalog.Entry
	err := e.run(ctx, func(ctx context.Context, u *unit) error {
		var err error
		entry, err = u.Catalog().Get(ctx, actor.PharmacyID, id)
		return notFound(err, "catalog entry", id)
	})
	return entry, err
}

// DeactivateCatalogEntry hides an entry from sale entry. Lots are untouched.
func (e *Engine) DeactivateCatalogEntry(ctx context.Context, actor Actor, id uuid.UUID) (entry *catalog.Entry, err error) {
	ctx, span := e.span(ctx, "DeactivateCatalogEntry", attribute.String("catalog_entry.id", id.String()))
	defer func() { e.end(span, "DeactivateCatalogEntry", err) }()

	err = e.run(ctx, func(ctx context.Context, u *unit) error {
		entry, err = u.Catalog().Get(ctx, actor.PharmacyID, id)
		if err != nil {
			return notFound(err, "catalog entry", id)
		}
		if !entry.Active {
			return nil
		}
		entry.Deactivate(u.now)
		if err := u.Catalog().Update(ctx, entry); err != nil {
			return fmt.Errorf("update catalog entry: %w", err)
		}
		cfg, err := u.config(ctx, actor.PharmacyID)
		if err != nil {
			return err
		}
		if err := u.emit(ctx, events.AggregateCatalogEntry, id.String(), events.CatalogEntryUpdated, entry, actor); err != nil {
			return err
		}
		return u.audit(ctx, cfg, compliance.ActionCatalogDeactivate, actor, "catalog_entry", id.String(), "deactivated "+entry.Name)
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// UpdateCatalogPrice changes price and/or tax rate. Posted transactions keep
// their own snapshot.
func (e *Engine) UpdateCatalogPrice(ctx context.Context, actor Actor, id uuid.UUID, price, taxRate *decimal.Decimal) (entry *catalog.Entry, err error) {
	ctx, span := e.span(ctx, "UpdateCatalogPrice", attribute.String("catalog_entry.id", id.String()))
	defer func() { e.end(span, "UpdateCatalogPrice", err) }()

	err = e.run(ctx, func(ctx context.Context, u *unit) error {
		entry, err = u.Catalog().Get(ctx, actor.PharmacyID, id)
		if err != nil {
			return notFound(err, "catalog entry", id)
		}
		old := entry.BasePrice
		oldTax := entry.TaxRate
		if err := entry.Reprice(price, taxRate, u.now); err != nil {
			return err
		}
		if err := u.Catalog().Update(ctx, entry); err != nil {
			return fmt.Errorf("update catalog entry: %w", err)
		}
		cfg, err := u.config(ctx, actor.PharmacyID)
		if err != nil {
			return err
		}
		if err := u.emit(ctx, events.AggregateCatalogEntry, id.String(), events.CatalogEntryUpdated, entry, actor); err != nil {
			return err
		}
		return u.audit(ctx, cfg, compliance.ActionCatalogRepriced, actor, "catalog_entry", id.String(),
			fmt.Sprintf("price %s -> %s, tax %s%% -> %s%%", old.StringFixed(2), entry.BasePrice.StringFixed(2), oldTax, entry.TaxRate))
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// DeleteCatalogEntry removes an entry that never had a lot. Entries with lots
// must be deactivated instead.
func (e *Engine) DeleteCatalogEntry(ctx context.Context, actor Actor, id uuid.UUID) (err error) {
	ctx, span := e.span(ctx, "DeleteCatalogEntry", attribute.String("catalog_entry.id", id.String()))
	defer func() { e.end(span, "DeleteCatalogEntry", err) }()

	return e.run(ctx, func(ctx context.Context, u *unit) error {
		entry, err := u.Catalog().Get(ctx, actor.PharmacyID, id)
		if err != nil {
			return notFound(err, "catalog entry", id)
		}
		n, err := u.Lots().CountByCatalogEntry(ctx, actor.PharmacyID, id)
		if err != nil {
			return fmt.Errorf("count lots: %w", err)
		}
		if n > 0 {
			return apperr.Validation("id", "entry has %d lot(s); deactivate it instead", n)
		}
		if err := u.Catalog().Delete(ctx, actor.PharmacyID, id); err != nil {
			return notFound(err, "catalog entry", id)
		}
		cfg, err := u.config(ctx, actor.PharmacyID)
		if err != nil {
			return err
		}
		return u.audit(ctx, cfg, compliance.ActionCatalogDeleted, actor, "catalog_entry", id.String(), "deleted "+entry.Name)
	})
}

// SearchCatalog matches name or generic name case-insensitively and annotates
// each hit with its dispensable quantity from the ledger.
func (e *Engine) SearchCatalog(ctx context.Context, actor Actor, q catalog.SearchQuery) ([]catalog.SearchHit, error) {
	if q.Limit <= 0 || q.Limit > 100 {
		q.Limit = catalog.DefaultSearchLimit
	}
	var hits []catalog.SearchHit
	err := e.run(ctx, func(ctx context.Context, u *unit) error {
		entries, err := u.Catalog().Search(ctx, actor.PharmacyID, q)
		if err != nil {
			return fmt.Errorf("search catalog: %w", err)
		}
		cfg, err := u.config(ctx, actor.PharmacyID)
		if err != nil {
			return err
		}
		hits = make([]catalog.SearchHit, 0, len(entries))
		for _, entry := range entries {
			lots, err := u.Lots().ListByCatalogEntry(ctx, actor.PharmacyID, entry.ID)
			if err != nil {
				return fmt.Errorf("list lots: %w", err)
			}
			available := 0
			for _, l := range lots {
				if l.Eligible(u.now, cfg.ExpiredDrugLock) {
					available += l.QuantityOnHand
				}
			}
			hits = append(hits, entry.Hit(available))
		}
		return nil
	})
	return hits, err
}

// StockSummary rebuilds the stock projection for an entry from its lots.
func (e *Engine) StockSummary(ctx context.Context, actor Actor, id uuid.UUID) (*lot.Summary, error) {
	var s lot.Summary
	err := e.run(ctx, func(ctx context.Context, u *unit) error {
		entry, err := u.Catalog().Get(ctx, actor.PharmacyID, id)
		if err != nil {
			return notFound(err, "catalog entry", id)
		}
		lots, err := u.Lots().ListByCatalogEntry(ctx, actor.PharmacyID, id)
		if err != nil {
			return fmt.Errorf("list lots: %w", err)
		}
		s = lot.Summarize(id, lots, entry.ReorderLevel, u.now)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &s, nil
}
