package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/drfirst/go-pharmpos/internal/apperr"
	"github.com/drfirst/go-pharmpos/internal/domain/compliance"
	"github.com/drfirst/go-pharmpos/internal/domain/events"
	"github.com/drfirst/go-pharmpos/internal/domain/sale"
	"github.com/drfirst/go-pharmpos/internal/store"
)

// RefundRequest reverses part or all of a posted sale.
type RefundRequest struct {
	TransactionID uuid.UUID
	Amount        decimal.Decimal
	Reason        string
	// Tender paid out; defaults to the sale's method. Required for split sales.
	Tender string
}

// PostRefund books a refund against the transaction's remaining balance and
// the acting cashier's open shift. It is a financial reversal only; stock is
// returned separately with RestockLot.
func (e *Engine) PostRefund(ctx context.Context, actor Actor, req RefundRequest) (txn *sale.Transaction, err error) {
	ctx, span := e.span(ctx, "PostRefund", attribute.String("transaction.id", req.TransactionID.String()))
	defer func() { e.end(span, "PostRefund", err) }()

	if err := actor.validate(); err != nil {
		return nil, err
	}
	req.Reason = strings.TrimSpace(req.Reason)
	switch {
	case req.TransactionID == uuid.Nil:
		return nil, apperr.Validation("transaction_id", "is required")
	case !req.Amount.Round(2).IsPositive():
		return nil, apperr.Validation("amount", "must be positive")
	case req.Reason == "":
		return nil, apperr.Validation("reason", "is required")
	}
	tender, err := sale.ParseTender(req.Tender)
	if err != nil {
		return nil, err
	}
	amount := req.Amount.Round(2)

	err = e.run(ctx, func(ctx context.Context, u *unit) error {
		txn, err = u.Sales().GetForUpdate(ctx, actor.PharmacyID, req.TransactionID)
		if err != nil {
			return notFound(err, "transaction", req.TransactionID)
		}
		open, err := u.Shifts().GetOpenByCashier(ctx, actor.PharmacyID, actor.ID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return apperr.New(apperr.KindShiftNotOpen, "%s has no open shift to book the refund on", actor.ID)
			}
			return fmt.Errorf("find open shift: %w", err)
		}
		sh, err := u.Shifts().GetForUpdate(ctx, actor.PharmacyID, open.ID)
		if err != nil {
			return notFound(err, "shift", open.ID)
		}

		if err := txn.ApplyRefund(amount, req.Reason, actor.ID, sh.ID, tender, u.now); err != nil {
			return err
		}
		tender := txn.Refund.Tender
		if err := u.Sales().UpdateRefund(ctx, txn); err != nil {
			return fmt.Errorf("update refund: %w", err)
		}
		if err := sh.RecordRefund(txn.ID, amount, tender, u.now); err != nil {
			return err
		}
		if err := u.Shifts().Update(ctx, sh); err != nil {
			return fmt.Errorf("update shift: %w", err)
		}
		if err := e.flushShift(ctx, u, sh); err != nil {
			return err
		}

		if err := u.emit(ctx, events.AggregateTransaction, txn.ID.String(), events.SaleRefunded, saleData(txn), actor); err != nil {
			return err
		}
		cfg, err := u.config(ctx, actor.PharmacyID)
		if err != nil {
			return err
		}
		return u.audit(ctx, cfg, compliance.ActionSaleRefunded, actor, "transaction", txn.ID.String(),
			fmt.Sprintf("%s refunded %s (%s) in %s: %s, remaining %s", txn.TransactionNumber, amount.StringFixed(2),
				txn.Refund.Status, tender, req.Reason, txn.RefundableBalance().StringFixed(2)))
	})
	if err != nil {
		return nil, err
	}
	e.metrics.RefundPosted(amount.InexactFloat64())
	e.logger.Info("refund posted",
		zap.String("transaction_id", txn.ID.String()),
		zap.String("amount", amount.StringFixed(2)),
		zap.String("status", string(txn.Refund.Status)))
	return txn, nil
}
