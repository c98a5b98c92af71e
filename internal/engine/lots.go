package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/drfirst/go-pharmpos/internal/apperr"
	"github.com/drfirst/go-pharmpos/internal/domain/compliance"
	"github.com/drfirst/go-pharmpos/internal/domain/events"
	"github.com/drfirst/go-pharmpos/internal/domain/lot"
	"github.com/drfirst/go-pharmpos/internal/store"
)

// ReceiveLot creates a lot for a received batch.
func (e *Engine) ReceiveLot(ctx context.Context, actor Actor, r lot.Receipt) (l *lot.Lot, err error) {
	ctx, span := e.span(ctx, "ReceiveLot", attribute.String("lot.batch_number", r.BatchNumber))
	defer func() { e.end(span, "ReceiveLot", err) }()

	if err := actor.validate(); err != nil {
		return nil, err
	}
	err = e.run(ctx, func(ctx context.Context, u *unit) error {
		l, err = lot.Receive(actor.PharmacyID, r, u.now)
		if err != nil {
			return err
		}
		entry, err := u.Catalog().Get(ctx, actor.PharmacyID, l.CatalogEntryID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return apperr.Validation("catalog_entry_id", "catalog entry %s not found", l.CatalogEntryID)
			}
			return fmt.Errorf("load catalog entry: %w", err)
		}
		if !entry.Active {
			return apperr.Validation("catalog_entry_id", "catalog entry %s is inactive", entry.ID)
		}
		if r.ReorderLevel == 0 {
			l.ReorderLevel = entry.ReorderLevel
			l.Status = l.StatusAt(u.now)
		}

		exists, err := u.Lots().BatchNumberExists(ctx, actor.PharmacyID, l.BatchNumber)
		if err != nil {
			return fmt.Errorf("check batch number: %w", err)
		}
		if exists {
			return apperr.New(apperr.KindDuplicateBatchNumber, "batch %s already exists", l.BatchNumber)
		}
		if l.Barcode != nil {
			exists, err := u.Lots().BarcodeExists(ctx, *l.Barcode)
			if err != nil {
				return fmt.Errorf("check barcode: %w", err)
			}
			if exists {
				return apperr.New(apperr.KindDuplicateBarcode, "barcode %s already exists", *l.Barcode)
			}
		}

		if err := u.Lots().Create(ctx, l); err != nil {
			return err
		}
		m := lot.NewMovement(l, lot.MovementReceive, l.QuantityReceived, actor.ID, "stock receipt", nil, u.now)
		if err := u.Lots().AppendMovement(ctx, m); err != nil {
			return fmt.Errorf("append movement: %w", err)
		}
		if err := u.emit(ctx, events.AggregateLot, l.ID.String(), events.LotReceived, movementData(l, l.QuantityReceived, "", nil), actor); err != nil {
			return err
		}
		cfg, err := u.config(ctx, actor.PharmacyID)
		if err != nil {
			return err
		}
		return u.audit(ctx, cfg, compliance.ActionLotReceived, actor, "lot", l.ID.String(),
			fmt.Sprintf("received batch %s of %s: %d units, expires %s",
				l.BatchNumber, entry.Name, l.QuantityReceived, l.ExpiresOn.Format(time.DateOnly)))
	})
	if err != nil {
		return nil, err
	}
	e.metrics.LotReceived()
	return l, nil
}

// GetLot returns one lot with its status recomputed.
func (e *Engine) GetLot(ctx context.Context, actor Actor, id uuid.UUID) (*lot.Lot, error) {
	var l *lot.Lot
	err := e.run(ctx, func(ctx context.Context, u *unit) error {
		var err error
		l, err = u.Lots().Get(ctx, actor.PharmacyID, id)
		if err != nil {
			return notFound(err, "lot", id)
		}
		l.Refresh(u.now)
		return nil
	})
	return l, err
}

// LotMovements returns the ledger rows of a lot, oldest first.
func (e *Engine) LotMovements(ctx context.Context, actor Actor, id uuid.UUID) ([]*lot.Movement, error) {
	var out []*lot.Movement
	err := e.run(ctx, func(ctx context.Context, u *unit) error {
		if _, err := u.Lots().Get(ctx, actor.PharmacyID, id); err != nil {
			return notFound(err, "lot", id)
		}
		var err error
		out, err = u.Lots().ListMovements(ctx, actor.PharmacyID, id)
		return err
	})
	return out, err
}

// ExpiringLots lists lots with stock that expire within the window, including
// those already expired.
func (e *Engine) ExpiringLots(ctx context.Context, actor Actor, within time.Duration) ([]*lot.Lot, error) {
	if within < 0 {
		return nil, apperr.Validation("within_days", "must not be negative")
	}
	var out []*lot.Lot
	err := e.run(ctx, func(ctx context.Context, u *unit) error {
		var err error
		out, err = u.Lots().ListExpiring(ctx, actor.PharmacyID, u.now.Add(within))
		if err != nil {
			return fmt.Errorf("list expiring lots: %w", err)
		}
		for _, l := range out {
			l.Refresh(u.now)
		}
		return nil
	})
	return out, err
}

// AdjustLot writes off qty units, for breakage or disposal.
func (e *Engine) AdjustLot(ctx context.Context, actor Actor, id uuid.UUID, qty int, reason string) (*lot.Lot, error) {
	return e.mutateLot(ctx, actor, id, "AdjustLot", func(u *unit, l *lot.Lot) (*lot.Movement, events.Type, compliance.Action, string, error) {
		if reason == "" {
			return nil, "", "", "", apperr.Validation("reason", "is required")
		}
		if err := l.Deduct(qty, u.now); err != nil {
			return nil, "", "", "", err
		}
		m := lot.NewMovement(l, lot.MovementAdjustment, -qty, actor.ID, reason, nil, u.now)
		return m, events.LotAdjusted, compliance.ActionLotAdjusted,
			fmt.Sprintf("wrote off %d of batch %s: %s", qty, l.BatchNumber, reason), nil
	})
}

// RestockLot returns qty units to a lot. refTransaction links the restock to
// a refunded sale when set.
func (e *Engine) RestockLot(ctx context.Context, actor Actor, id uuid.UUID, qty int, reason string, refTransaction *uuid.UUID) (*lot.Lot, error) {
	return e.mutateLot(ctx, actor, id, "RestockLot", func(u *unit, l *lot.Lot) (*lot.Movement, events.Type, compliance.Action, string, error) {
		if reason == "" {
			return nil, "", "", "", apperr.Validation("reason", "is required")
		}
		if err := l.Restock(qty, u.now); err != nil {
			return nil, "", "", "", err
		}
		m := lot.NewMovement(l, lot.MovementRestock, qty, actor.ID, reason, refTransaction, u.now)
		return m, events.LotRestocked, compliance.ActionLotRestocked,
			fmt.Sprintf("restocked %d to batch %s: %s", qty, l.BatchNumber, reason), nil
	})
}

// RecallLot makes a lot ineligible for dispensing until it is unrecalled.
func (e *Engine) RecallLot(ctx context.Context, actor Actor, id uuid.UUID, reason string) (*lot.Lot, error) {
	return e.mutateLot(ctx, actor, id, "RecallLot", func(u *unit, l *lot.Lot) (*lot.Movement, events.Type, compliance.Action, string, error) {
		if err := l.Recall(reason, u.now); err != nil {
			return nil, "", "", "", err
		}
		m := lot.NewMovement(l, lot.MovementRecall, 0, actor.ID, reason, nil, u.now)
		return m, events.LotRecalled, compliance.ActionLotRecalled,
			fmt.Sprintf("recalled batch %s: %s", l.BatchNumber, reason), nil
	})
}

// UnrecallLot clears a recall. Administrative.
func (e *Engine) UnrecallLot(ctx context.Context, actor Actor, id uuid.UUID, reason string) (*lot.Lot, error) {
	return e.mutateLot(ctx, actor, id, "UnrecallLot", func(u *unit, l *lot.Lot) (*lot.Movement, events.Type, compliance.Action, string, error) {
		if err := l.Unrecall(u.now); err != nil {
			return nil, "", "", "", err
		}
		m := lot.NewMovement(l, lot.MovementUnrecall, 0, actor.ID, reason, nil, u.now)
		return m, events.LotUnrecalled, compliance.ActionLotUnrecalled,
			fmt.Sprintf("cleared recall on batch %s: %s", l.BatchNumber, reason), nil
	})
}

// SoftDeleteLot hides a lot from dispensing; it stays for traceability.
func (e *Engine) SoftDeleteLot(ctx context.Context, actor Actor, id uuid.UUID, reason string) (*lot.Lot, error) {
	return e.mutateLot(ctx, actor, id, "SoftDeleteLot", func(u *unit, l *lot.Lot) (*lot.Movement, events.Type, compliance.Action, string, error) {
		if err := l.SoftDelete(u.now); err != nil {
			return nil, "", "", "", err
		}
		m := lot.NewMovement(l, lot.MovementDelete, 0, actor.ID, reason, nil, u.now)
		return m, events.LotDeleted, compliance.ActionLotDeleted,
			fmt.Sprintf("deleted batch %s: %s", l.BatchNumber, reason), nil
	})
}

type lotMutation func(u *unit, l *lot.Lot) (*lot.Movement, events.Type, compliance.Action, string, error)

// mutateLot locks a lot, applies fn and records movement, event and audit.
func (e *Engine) mutateLot(ctx context.Context, actor Actor, id uuid.UUID, op string, fn lotMutation) (l *lot.Lot, err error) {
	ctx, span := e.span(ctx, op, attribute.String("lot.id", id.String()))
	defer func() { e.end(span, op, err) }()

	if err := actor.validate(); err != nil {
		return nil, err
	}
	err = e.run(ctx, func(ctx context.Context, u *unit) error {
		l, err = u.Lots().GetForUpdate(ctx, actor.PharmacyID, id)
		if err != nil {
			return notFound(err, "lot", id)
		}
		prev := l.Status
		m, evType, action, detail, err := fn(u, l)
		if err != nil {
			return err
		}
		if err := u.saveLot(ctx, l, prev, m, actor); err != nil {
			return err
		}
		if err := u.emit(ctx, events.AggregateLot, l.ID.String(), evType, movementData(l, m.Quantity, m.Reason, m.TransactionID), actor); err != nil {
			return err
		}
		cfg, err := u.config(ctx, actor.PharmacyID)
		if err != nil {
			return err
		}
		return u.audit(ctx, cfg, action, actor, "lot", l.ID.String(), detail)
	})
	if err != nil {
		return nil, err
	}
	return l, nil
}

func movementData(l *lot.Lot, qty int, reason string, txID *uuid.UUID) events.LotMovementData {
	d := events.LotMovementData{
		LotID:          l.ID.String(),
		CatalogEntryID: l.CatalogEntryID.String(),
		BatchNumber:    l.BatchNumber,
		Quantity:       qty,
		QuantityOnHand: l.QuantityOnHand,
		Reason:         reason,
	}
	if txID != nil {
		d.TransactionID = txID.String()
	}
	return d
}
