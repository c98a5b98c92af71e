package engine

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/drfirst/go-pharmpos/internal/apperr"
	"github.com/drfirst/go-pharmpos/internal/domain/catalog"
	"github.com/drfirst/go-pharmpos/internal/domain/compliance"
	"github.com/drfirst/go-pharmpos/internal/domain/dispense"
	"github.com/drfirst/go-pharmpos/internal/domain/events"
	"github.com/drfirst/go-pharmpos/internal/domain/lot"
	"github.com/drfirst/go-pharmpos/internal/domain/sale"
	"github.com/drfirst/go-pharmpos/internal/domain/shift"
)

// MaxSaleItems bounds the number of items in one sale.
const MaxSaleItems = 200

// SaleItem requests Quantity units of one catalog entry.
type SaleItem struct {
	CatalogEntryID    uuid.UUID
	Quantity          int
	UnitPriceOverride *decimal.Decimal
	Discount          decimal.Decimal
	// LotID pins the item to one lot instead of expiry ordering.
	LotID *uuid.UUID
}

// SaleRequest is a sale posted by the acting cashier.
type SaleRequest struct {
	ShiftID        uuid.UUID
	Items          []SaleItem
	Payment        sale.Payment
	PrescriptionID string
	PharmacistID   string
	Customer       *sale.Customer
}

func (r *SaleRequest) validate() error {
	if r.ShiftID == uuid.Nil {
		return apperr.Validation("shift_id", "is required")
	}
	if len(r.Items) == 0 {
		return apperr.Validation("items", "at least one item is required")
	}
	if len(r.Items) > MaxSaleItems {
		return apperr.Validation("items", "at most %d items per sale", MaxSaleItems)
	}
	for i, it := range r.Items {
		if it.CatalogEntryID == uuid.Nil {
			return apperr.Validation("items.catalog_entry_id", "item %d: is required", i)
		}
		if it.Quantity <= 0 {
			return apperr.Validation("items.quantity", "item %d: must be positive", i)
		}
		if it.UnitPriceOverride != nil && it.UnitPriceOverride.IsNegative() {
			return apperr.Validation("items.unit_price", "item %d: must not be negative", i)
		}
		if it.Discount.IsNegative() {
			return apperr.Validation("items.discount", "item %d: must not be negative", i)
		}
	}
	return nil
}

// quote is the result of planning a sale, before anything is written.
type quote struct {
	lines   []sale.Line
	totals  sale.Totals
	payment sale.Payment
}

// PlanDispense runs the selector for one catalog entry without writing.
func (e *Engine) PlanDispense(ctx context.Context, actor Actor, entryID uuid.UUID, qty int, pinned *uuid.UUID) (*dispense.Plan, error) {
	var plan *dispense.Plan
	err := e.run(ctx, func(ctx context.Context, u *unit) error {
		cfg, err := u.config(ctx, actor.PharmacyID)
		if err != nil {
			return err
		}
		if _, err := u.Catalog().Get(ctx, actor.PharmacyID, entryID); err != nil {
			return notFound(err, "catalog entry", entryID)
		}
		lots, err := u.Lots().ListByCatalogEntry(ctx, actor.PharmacyID, entryID)
		if err != nil {
			return fmt.Errorf("list lots: %w", err)
		}
		plan, err = dispense.Select(lots, dispense.Request{
			CatalogEntryID: entryID,
			Quantity:       qty,
			ExpiredLock:    cfg.ExpiredDrugLock,
			PinnedLotID:    pinned,
		}, u.now)
		return err
	})
	return plan, err
}

// PostSale plans every item, verifies money, then commits the lot deductions,
// the transaction and the shift totals in one unit of work. Plans are
// re-validated against locked lots at commit time.
func (e *Engine) PostSale(ctx context.Context, actor Actor, req SaleRequest) (txn *sale.Transaction, err error) {
	start := time.Now()
	ctx, span := e.span(ctx, "PostSale",
		attribute.String("shift.id", req.ShiftID.String()),
		attribute.Int("sale.items", len(req.Items)))
	defer func() {
		if err != nil {
			e.metrics.SaleRejected(string(apperr.KindOf(err)))
		}
		e.end(span, "PostSale", err)
	}()

	if err := actor.validate(); err != nil {
		return nil, err
	}
	if err := req.validate(); err != nil {
		return nil, err
	}

	var q *quote
	if err := e.run(ctx, func(ctx context.Context, u *unit) error {
		var err error
		q, err = e.quote(ctx, u, actor, &req)
		return err
	}); err != nil {
		return nil, err
	}

	err = e.run(ctx, func(ctx context.Context, u *unit) error {
		txn, err = e.commitSale(ctx, u, actor, &req, q)
		return err
	})
	if err != nil {
		return nil, err
	}

	units := 0
	for _, l := range txn.Lines {
		units += l.Quantity
	}
	e.metrics.SalePosted(txn.GrandTotal.InexactFloat64(), units, time.Since(start))
	e.logger.Info("sale posted",
		zap.String("transaction_id", txn.ID.String()),
		zap.String("transaction_number", txn.TransactionNumber),
		zap.String("grand_total", txn.GrandTotal.StringFixed(2)),
		zap.Int("lines", len(txn.Lines)))
	return txn, nil
}

func (e *Engine) openShiftOf(ctx context.Context, u *unit, actor Actor, id uuid.UUID, lock bool) (*shift.Shift, error) {
	var (
		s   *shift.Shift
		err error
	)
	if lock {
		s, err = u.Shifts().GetForUpdate(ctx, actor.PharmacyID, id)
	} else {
		s, err = u.Shifts().Get(ctx, actor.PharmacyID, id)
	}
	if err != nil {
		return nil, notFound(err, "shift", id)
	}
	if s.CashierID != actor.ID {
		return nil, apperr.New(apperr.KindForbidden, "shift %s belongs to another cashier", id)
	}
	if s.Status != shift.StatusOpen {
		return nil, apperr.New(apperr.KindShiftNotOpen, "shift %s is %s", id, s.Status)
	}
	return s, nil
}

// quote plans the sale and prices it. Nothing is written.
func (e *Engine) quote(ctx context.Context, u *unit, actor Actor, req *SaleRequest) (*quote, error) {
	if _, err := e.openShiftOf(ctx, u, actor, req.ShiftID, false); err != nil {
		return nil, err
	}
	cfg, err := u.config(ctx, actor.PharmacyID)
	if err != nil {
		return nil, err
	}
	if err := cfg.CheckSale(compliance.SaleContext{PrescriptionID: req.PrescriptionID, PharmacistID: req.PharmacistID}); err != nil {
		return nil, err
	}

	// reserved tracks stock taken by earlier items of the same sale.
	reserved := make(map[uuid.UUID]int)
	items := make([]sale.Item, 0, len(req.Items))
	controlled := false
	for i, it := range req.Items {
		entry, err := u.Catalog().Get(ctx, actor.PharmacyID, it.CatalogEntryID)
		if err != nil {
			return nil, notFound(err, "catalog entry", it.CatalogEntryID)
		}
		if !entry.Active {
			return nil, apperr.Validation("items.catalog_entry_id", "item %d: %s is inactive", i, entry.Name)
		}
		lots, err := u.Lots().ListByCatalogEntry(ctx, actor.PharmacyID, entry.ID)
		if err != nil {
			return nil, fmt.Errorf("list lots: %w", err)
		}
		for _, l := range lots {
			l.QuantityOnHand -= reserved[l.ID]
		}
		plan, err := dispense.Select(lots, dispense.Request{
			CatalogEntryID: entry.ID,
			Quantity:       it.Quantity,
			ExpiredLock:    cfg.ExpiredDrugLock,
			PinnedLotID:    it.LotID,
		}, u.now)
		if err != nil {
			return nil, err
		}
		for _, a := range plan.Allocations {
			reserved[a.LotID] += a.Quantity
		}
		controlled = controlled || plan.Controlled()
		items = append(items, saleItem(entry, it, plan))
	}

	if err := cfg.CheckSale(compliance.SaleContext{
		PrescriptionID: req.PrescriptionID,
		PharmacistID:   req.PharmacistID,
		Controlled:     controlled,
	}); err != nil {
		return nil, err
	}

	lines, err := sale.BuildLines(items)
	if err != nil {
		return nil, err
	}
	totals := sale.Sum(lines)
	payment, err := req.Payment.Normalize()
	if err != nil {
		return nil, err
	}
	if err := sale.CheckPayment(totals.GrandTotal, payment); err != nil {
		return nil, err
	}
	return &quote{lines: lines, totals: totals, payment: payment}, nil
}

func saleItem(entry *catalog.Entry, it SaleItem, plan *dispense.Plan) sale.Item {
	return sale.Item{
		CatalogEntryID:    entry.ID,
		Name:              entry.Name,
		BasePrice:         entry.BasePrice,
		TaxRate:           entry.TaxRate,
		UnitPriceOverride: it.UnitPriceOverride,
		Discount:          it.Discount,
		Plan:              plan,
	}
}

// commitSale applies a quote. Lots are locked in id order so concurrent
// postings cannot deadlock.
func (e *Engine) commitSale(ctx context.Context, u *unit, actor Actor, req *SaleRequest, q *quote) (*sale.Transaction, error) {
	sh, err := e.openShiftOf(ctx, u, actor, req.ShiftID, true)
	if err != nil {
		return nil, err
	}
	cfg, err := u.config(ctx, actor.PharmacyID)
	if err != nil {
		return nil, err
	}

	ids := make([]uuid.UUID, 0, len(q.lines))
	for _, ln := range q.lines {
		if !slices.Contains(ids, ln.LotID) {
			ids = append(ids, ln.LotID)
		}
	}
	slices.SortFunc(ids, func(a, b uuid.UUID) int { return bytes.Compare(a[:], b[:]) })

	locked := make(map[uuid.UUID]*lot.Lot, len(ids))
	prev := make(map[uuid.UUID]lot.Status, len(ids))
	for _, id := range ids {
		l, err := u.Lots().GetForUpdate(ctx, actor.PharmacyID, id)
		if err != nil {
			return nil, notFound(err, "lot", id)
		}
		locked[id] = l
		prev[id] = l.Status
	}

	txn := &sale.Transaction{
		ID:             uuid.New(),
		PharmacyID:     actor.PharmacyID,
		ShiftID:        sh.ID,
		CashierID:      actor.ID,
		PrescriptionID: req.PrescriptionID,
		PharmacistID:   req.PharmacistID,
		Lines:          q.lines,
		Payment:        q.payment,
		Subtotal:       q.totals.Subtotal,
		TaxTotal:       q.totals.TaxTotal,
		DiscountTotal:  q.totals.DiscountTotal,
		GrandTotal:     q.totals.GrandTotal,
		Refund:         sale.Refund{Status: sale.RefundNone, Amount: decimal.Zero},
		Customer:       req.Customer,
		CreatedAt:      u.now,
	}

	var movements []*lot.Movement
	for _, ln := range q.lines {
		l := locked[ln.LotID]
		if !l.Eligible(u.now, cfg.ExpiredDrugLock) || l.QuantityOnHand < ln.Quantity {
			return nil, apperr.New(apperr.KindInsufficientStock,
				"lot %s has %d dispensable, %d planned", l.BatchNumber, eligibleQty(l, u.now, cfg.ExpiredDrugLock), ln.Quantity)
		}
		if err := l.Deduct(ln.Quantity, u.now); err != nil {
			return nil, err
		}
		txID := txn.ID
		movements = append(movements, lot.NewMovement(l, lot.MovementSale, -ln.Quantity, actor.ID, "", &txID, u.now))
	}
	for _, id := range ids {
		if err := u.saveLot(ctx, locked[id], prev[id], nil, actor); err != nil {
			return nil, err
		}
	}
	for _, m := range movements {
		if err := u.Lots().AppendMovement(ctx, m); err != nil {
			return nil, fmt.Errorf("append movement: %w", err)
		}
	}

	txnSeq, err := u.Sequences().Next(ctx, actor.PharmacyID, sale.TransactionScope(u.now))
	if err != nil {
		return nil, fmt.Errorf("next transaction number: %w", err)
	}
	invSeq, err := u.Sequences().Next(ctx, actor.PharmacyID, sale.InvoiceScope(u.now))
	if err != nil {
		return nil, fmt.Errorf("next invoice number: %w", err)
	}
	txn.TransactionNumber = sale.TransactionNumber(u.now, txnSeq)
	txn.InvoiceNumber = sale.InvoiceNumber(u.now, invSeq)

	if err := txn.Verify(); err != nil {
		return nil, err
	}
	if err := u.Sales().Create(ctx, txn); err != nil {
		return nil, fmt.Errorf("create transaction: %w", err)
	}

	if err := sh.RecordSale(txn.ID, txn.GrandTotal, txn.Payment, u.now); err != nil {
		return nil, err
	}
	if err := u.Shifts().Update(ctx, sh); err != nil {
		return nil, fmt.Errorf("update shift: %w", err)
	}
	if err := e.flushShift(ctx, u, sh); err != nil {
		return nil, err
	}

	if err := u.emit(ctx, events.AggregateTransaction, txn.ID.String(), events.SalePosted, saleData(txn), actor); err != nil {
		return nil, err
	}
	detail := fmt.Sprintf("%s: %d line(s), total %s paid by %s", txn.TransactionNumber, len(txn.Lines),
		txn.GrandTotal.StringFixed(2), txn.Payment.Method)
	if txn.PrescriptionID != "" {
		detail += ", prescription " + txn.PrescriptionID
	}
	if err := u.audit(ctx, cfg, compliance.ActionSalePosted, actor, "transaction", txn.ID.String(), detail); err != nil {
		return nil, err
	}
	return txn, nil
}

func eligibleQty(l *lot.Lot, now time.Time, expiredLock bool) int {
	if !l.Eligible(now, expiredLock) {
		return 0
	}
	return l.QuantityOnHand
}

func saleData(t *sale.Transaction) events.SaleData {
	return events.SaleData{
		TransactionID:     t.ID.String(),
		TransactionNumber: t.TransactionNumber,
		InvoiceNumber:     t.InvoiceNumber,
		ShiftID:           t.ShiftID.String(),
		CashierID:         t.CashierID,
		GrandTotal:        t.GrandTotal.StringFixed(2),
		PaymentMethod:     string(t.Payment.Method),
		LineCount:         len(t.Lines),
		RefundAmount:      t.Refund.Amount.StringFixed(2),
		RefundStatus:      string(t.Refund.Status),
	}
}

// GetTransaction returns a posted transaction.
func (e *Engine) GetTransaction(ctx context.Context, actor Actor, id uuid.UUID) (*sale.Transaction, error) {
	var t *sale.Transaction
	err := e.run(ctx, func(ctx context.Context, u *unit) error {
		var err error
		t, err = u.Sales().Get(ctx, actor.PharmacyID, id)
		return notFound(err, "transaction", id)
	})
	return t, err
}
