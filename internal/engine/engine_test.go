package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/drfirst/go-pharmpos/internal/apperr"
	"github.com/drfirst/go-pharmpos/internal/domain/catalog"
	"github.com/drfirst/go-pharmpos/internal/domain/compliance"
	"github.com/drfirst/go-pharmpos/internal/domain/events"
	"github.com/drfirst/go-pharmpos/internal/domain/lot"
	"github.com/drfirst/go-pharmpos/internal/domain/sale"
	"github.com/drfirst/go-pharmpos/internal/domain/shift"
	"github.com/drfirst/go-pharmpos/internal/engine"
	"github.com/drfirst/go-pharmpos/internal/infrastructure/memory"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixture struct {
	t        *testing.T
	ctx      context.Context
	st       *memory.Store
	eng      *engine.Engine
	now      time.Time
	pharmacy uuid.UUID
	admin    engine.Actor
	manager  engine.Actor
	cashier  engine.Actor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		t:        t,
		ctx:      context.Background(),
		st:       memory.New(),
		now:      time.Date(2026, 6, 15, 10, 0, 0, 0, time.UTC),
		pharmacy: uuid.New(),
	}
	f.eng = engine.New(f.st, nil, engine.WithClock(func() time.Time { return f.now }))
	f.admin = f.actor("admin-1", engine.RoleAdmin)
	f.manager = f.actor("manager-1", engine.RoleManager)
	f.cashier = f.actor("cashier-1", engine.RoleCashier)
	return f
}

func (f *fixture) actor(id string, role engine.Role) engine.Actor {
	return engine.Actor{ID: id, PharmacyID: f.pharmacy, Role: role}
}

func (f *fixture) entry(name, price string, reorder int) *catalog.Entry {
	f.t.Helper()
	e, err := f.eng.CreateCatalogEntry(f.ctx, f.manager, catalog.Draft{
		Name:         name,
		Form:         "tablet",
		BasePrice:    d(price),
		TaxRate:      decimal.Zero,
		ReorderLevel: reorder,
	})
	if err != nil {
		f.t.Fatalf("CreateCatalogEntry(%s): %v", name, err)
	}
	return e
}

func (f *fixture) receive(entry *catalog.Entry, batch string, qty, expiresInDays int, price string) *lot.Lot {
	f.t.Helper()
	l, err := f.eng.ReceiveLot(f.ctx, f.manager, lot.Receipt{
		CatalogEntryID: entry.ID,
		BatchNumber:    batch,
		Quantity:       qty,
		PurchaseCost:   d("1"),
		SalePrice:      d(price),
		ExpiresOn:      f.now.AddDate(0, 0, expiresInDays),
	})
	if err != nil {
		f.t.Fatalf("ReceiveLot(%s): %v", batch, err)
	}
	return l
}

func (f *fixture) open(actor engine.Actor, opening string) *shift.Shift {
	f.t.Helper()
	s, err := f.eng.OpenShift(f.ctx, actor, d(opening))
	if err != nil {
		f.t.Fatalf("OpenShift(%s): %v", actor.ID, err)
	}
	return s
}

func (f *fixture) lotQty(id uuid.UUID) (int, lot.Status) {
	f.t.Helper()
	l, err := f.eng.GetLot(f.ctx, f.manager, id)
	if err != nil {
		f.t.Fatalf("GetLot: %v", err)
	}
	return l.QuantityOnHand, l.Status
}

func cash(amount string) sale.Payment {
	return sale.Payment{Method: sale.TenderCash, Cash: d(amount)}
}

func (f *fixture) sell(actor engine.Actor, s *shift.Shift, entry *catalog.Entry, qty int, p sale.Payment) (*sale.Transaction, error) {
	return f.eng.PostSale(f.ctx, actor, engine.SaleRequest{
		ShiftID: s.ID,
		Items:   []engine.SaleItem{{CatalogEntryID: entry.ID, Quantity: qty}},
		Payment: p,
	})
}

func TestSaleDrainsEarliestExpiringLotFirst(t *testing.T) {
	f := newFixture(t)
	m := f.entry("Metformin 500", "5", 5)
	l1 := f.receive(m, "L1", 10, 30, "4")
	l2 := f.receive(m, "L2", 10, 90, "4")
	s := f.open(f.cashier, "0")

	txn, err := f.sell(f.cashier, s, m, 15, cash("60"))
	if err != nil {
		t.Fatalf("PostSale: %v", err)
	}
	if len(txn.Lines) != 2 ||
		txn.Lines[0].LotID != l1.ID || txn.Lines[0].Quantity != 10 ||
		txn.Lines[1].LotID != l2.ID || txn.Lines[1].Quantity != 5 {
		t.Fatalf("unexpected lines %+v", txn.Lines)
	}
	if q, st := f.lotQty(l1.ID); q != 0 || st != lot.StatusSoldOut {
		t.Errorf("L1 = %d %s, want 0 sold_out", q, st)
	}
	if q, st := f.lotQty(l2.ID); q != 5 || st != lot.StatusLowStock {
		t.Errorf("L2 = %d %s, want 5 low_stock", q, st)
	}
	if err := txn.Verify(); err != nil {
		t.Errorf("posted transaction fails verification: %v", err)
	}
}

func TestExpiredOnlyStockIsInsufficientUnderLock(t *testing.T) {
	f := newFixture(t)
	n := f.entry("Nitrofurantoin", "3", 0)
	l3 := f.receive(n, "L3", 5, -1, "3")
	s := f.open(f.cashier, "0")

	_, err := f.sell(f.cashier, s, n, 1, cash("3"))
	if !errors.Is(err, apperr.ErrInsufficientStock) {
		t.Fatalf("got %v, want insufficient stock", err)
	}
	if q, st := f.lotQty(l3.ID); q != 5 || st != lot.StatusExpired {
		t.Errorf("L3 = %d %s, want 5 expired", q, st)
	}
}

func TestLotSellableOnExpiryDay(t *testing.T) {
	f := newFixture(t)
	m := f.entry("Amoxicillin", "3", 0)
	y, mo, dd := f.now.Date()
	l, err := f.eng.ReceiveLot(f.ctx, f.manager, lot.Receipt{
		CatalogEntryID: m.ID,
		BatchNumber:    "TODAY",
		Quantity:       5,
		PurchaseCost:   d("1"),
		SalePrice:      d("3"),
		ExpiresOn:      time.Date(y, mo, dd, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("ReceiveLot: %v", err)
	}
	if l.Status == lot.StatusExpired {
		t.Fatalf("lot expiring today received as expired")
	}
	s := f.open(f.cashier, "0")
	if _, err := f.sell(f.cashier, s, m, 1, cash("3")); err != nil {
		t.Fatalf("sale on expiry day: %v", err)
	}
	if q, st := f.lotQty(l.ID); q != 4 || st == lot.StatusExpired {
		t.Errorf("lot = %d %s, want 4 and not expired", q, st)
	}

	f.now = f.now.AddDate(0, 0, 1)
	if _, err := f.sell(f.cashier, s, m, 1, cash("3")); !errors.Is(err, apperr.ErrInsufficientStock) {
		t.Errorf("sale the day after expiry: got %v, want insufficient stock", err)
	}
}

func TestLotWithoutMRPSellsAtBasePrice(t *testing.T) {
	f := newFixture(t)
	m := f.entry("Cetirizine", "2.50", 0)
	f.receive(m, "NOMRP", 10, 100, "0")
	s := f.open(f.cashier, "0")

	txn, err := f.sell(f.cashier, s, m, 2, cash("5"))
	if err != nil {
		t.Fatalf("PostSale: %v", err)
	}
	if !txn.Lines[0].UnitPrice.Equal(d("2.50")) || !txn.GrandTotal.Equal(d("5")) {
		t.Errorf("unit price %s grand total %s, want 2.50 and 5", txn.Lines[0].UnitPrice, txn.GrandTotal)
	}
}

func TestShiftCloseWithExactCash(t *testing.T) {
	f := newFixture(t)
	m := f.entry("Insulin pen", "250", 0)
	f.receive(m, "B1", 3, 200, "250")
	s := f.open(f.cashier, "1000")

	if _, err := f.sell(f.cashier, s, m, 1, cash("250")); err != nil {
		t.Fatalf("PostSale: %v", err)
	}
	closed, err := f.eng.CloseShift(f.ctx, f.cashier, s.ID, d("1250"))
	if err != nil {
		t.Fatalf("CloseShift: %v", err)
	}
	if !closed.ExpectedBalance.Equal(d("1250")) || !closed.Variance.IsZero() {
		t.Errorf("expected %s variance %s, want 1250 and 0", closed.ExpectedBalance, closed.Variance)
	}
	if closed.Totals.TransactionCount != 1 || !closed.Totals.CashSales.Equal(d("250")) {
		t.Errorf("unexpected totals %+v", closed.Totals)
	}

	if _, err := f.eng.ReconcileShift(f.ctx, f.cashier, s.ID, "ok"); !errors.Is(err, apperr.ErrForbidden) {
		t.Errorf("cashier reconcile: got %v, want forbidden", err)
	}
	rec, err := f.eng.ReconcileShift(f.ctx, f.manager, s.ID, "count verified")
	if err != nil {
		t.Fatalf("ReconcileShift: %v", err)
	}
	if rec.Status != shift.StatusReconciled || rec.ReconciledBy != f.manager.ID {
		t.Errorf("unexpected reconciled shift %+v", rec)
	}
}

func TestSecondOpenShiftRejected(t *testing.T) {
	f := newFixture(t)
	f.open(f.cashier, "100")
	if _, err := f.eng.OpenShift(f.ctx, f.cashier, d("100")); !errors.Is(err, apperr.ErrShiftAlreadyOpen) {
		t.Fatalf("got %v, want shift already open", err)
	}
	cur, err := f.eng.GetOpenShift(f.ctx, f.cashier, "")
	if err != nil || cur.OpeningBalance.String() != "100" {
		t.Fatalf("GetOpenShift = %+v, %v", cur, err)
	}
}

func TestPaymentMismatchDeductsNothing(t *testing.T) {
	f := newFixture(t)
	m := f.entry("Atorvastatin", "10", 0)
	l := f.receive(m, "A1", 20, 100, "10")
	s := f.open(f.cashier, "0")
	before := len(f.st.Events())

	_, err := f.sell(f.cashier, s, m, 10, sale.Payment{Method: sale.TenderSplit, Cash: d("49"), Card: d("50")})
	if !errors.Is(err, apperr.ErrPaymentMismatch) {
		t.Fatalf("got %v, want payment mismatch", err)
	}
	if q, _ := f.lotQty(l.ID); q != 20 {
		t.Errorf("lot quantity = %d, want 20", q)
	}
	if after := len(f.st.Events()); after != before {
		t.Errorf("%d outbox events written by a rejected sale", after-before)
	}
	cur, _ := f.eng.GetShift(f.ctx, f.cashier, s.ID)
	if cur.Totals.TransactionCount != 0 {
		t.Errorf("shift counted a rejected sale")
	}
}

func TestConcurrentSalesNeverOversell(t *testing.T) {
	f := newFixture(t)
	m := f.entry("Amlodipine", "2", 0)
	l := f.receive(m, "C1", 50, 365, "2")

	const workers = 20
	shifts := make([]*shift.Shift, workers)
	actors := make([]engine.Actor, workers)
	for i := range shifts {
		actors[i] = f.actor(fmt.Sprintf("cashier-%02d", i), engine.RoleCashier)
		shifts[i] = f.open(actors[i], "0")
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ok      int
		short   int
		unknown []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.sell(actors[i], shifts[i], m, 3, cash("6"))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, apperr.ErrInsufficientStock):
				short++
			default:
				unknown = append(unknown, err)
			}
		}(i)
	}
	wg.Wait()

	if len(unknown) > 0 {
		t.Fatalf("unexpected errors: %v", unknown)
	}
	if ok != 16 || short != 4 {
		t.Errorf("ok=%d short=%d, want 16 and 4", ok, short)
	}
	if q, _ := f.lotQty(l.ID); q != 2 {
		t.Errorf("remaining = %d, want 2", q)
	}
}

func TestConcurrentOpenShiftOnlyOneWins(t *testing.T) {
	f := newFixture(t)
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		won  int
		lost int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.eng.OpenShift(f.ctx, f.cashier, d("10"))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				won++
			} else if errors.Is(err, apperr.ErrShiftAlreadyOpen) {
				lost++
			}
		}()
	}
	wg.Wait()
	if won != 1 || lost != 9 {
		t.Errorf("won=%d lost=%d, want 1 and 9", won, lost)
	}
}

func TestRefunds(t *testing.T) {
	f := newFixture(t)
	m := f.entry("Azithromycin", "100", 0)
	l := f.receive(m, "Z1", 5, 300, "100")
	s := f.open(f.cashier, "500")
	txn, err := f.sell(f.cashier, s, m, 1, cash("100"))
	if err != nil {
		t.Fatalf("PostSale: %v", err)
	}

	refund := func(actor engine.Actor, amount string) (*sale.Transaction, error) {
		return f.eng.PostRefund(f.ctx, actor, engine.RefundRequest{TransactionID: txn.ID, Amount: d(amount), Reason: "adverse reaction"})
	}

	got, err := refund(f.cashier, "40")
	if err != nil {
		t.Fatalf("partial refund: %v", err)
	}
	if got.Refund.Status != sale.RefundPartial || !got.RefundableBalance().Equal(d("60")) {
		t.Fatalf("after partial: %s balance %s", got.Refund.Status, got.RefundableBalance())
	}
	if _, err := refund(f.cashier, "70"); !errors.Is(err, apperr.ErrRefundExceedsBalance) {
		t.Fatalf("over-refund: got %v", err)
	}
	if _, err := refund(f.manager, "10"); !errors.Is(err, apperr.ErrShiftNotOpen) {
		t.Fatalf("refund without open shift: got %v", err)
	}
	got, err = refund(f.cashier, "60")
	if err != nil {
		t.Fatalf("final refund: %v", err)
	}
	if got.Refund.Status != sale.RefundFull {
		t.Errorf("status = %s, want full", got.Refund.Status)
	}

	if q, _ := f.lotQty(l.ID); q != 4 {
		t.Errorf("refund changed stock to %d", q)
	}
	ref := txn.ID
	restocked, err := f.eng.RestockLot(f.ctx, f.manager, l.ID, 1, "returned unopened", &ref)
	if err != nil {
		t.Fatalf("RestockLot: %v", err)
	}
	if restocked.QuantityOnHand != 5 || restocked.QuantityRestocked != 1 {
		t.Errorf("after restock %+v", restocked)
	}

	closed, err := f.eng.CloseShift(f.ctx, f.cashier, s.ID, d("500"))
	if err != nil {
		t.Fatalf("CloseShift: %v", err)
	}
	if !closed.ExpectedBalance.Equal(d("500")) || !closed.Totals.CashRefunds.Equal(d("100")) {
		t.Errorf("expected %s cash refunds %s", closed.ExpectedBalance, closed.Totals.CashRefunds)
	}
}

func TestComplianceGate(t *testing.T) {
	f := newFixture(t)
	m := f.entry("Oxycodone 5", "8", 0)
	_, err := f.eng.ReceiveLot(f.ctx, f.manager, lot.Receipt{
		CatalogEntryID: m.ID, BatchNumber: "OX1", Quantity: 10,
		SalePrice: d("8"), ExpiresOn: f.now.AddDate(1, 0, 0), Controlled: true,
	})
	if err != nil {
		t.Fatalf("ReceiveLot: %v", err)
	}
	s := f.open(f.cashier, "0")

	if _, err := f.eng.UpdateComplianceConfig(f.ctx, f.manager, compliance.Settings{AuditLoggingEnabled: true}); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("manager config update: got %v", err)
	}
	_, err = f.eng.UpdateComplianceConfig(f.ctx, f.admin, compliance.Settings{
		AuditLoggingEnabled: true, PrescriptionMandatory: true, PharmacistApprovalRequired: true, ExpiredDrugLock: true,
	})
	if err != nil {
		t.Fatalf("UpdateComplianceConfig: %v", err)
	}

	req := engine.SaleRequest{
		ShiftID: s.ID,
		Items:   []engine.SaleItem{{CatalogEntryID: m.ID, Quantity: 1}},
		Payment: cash("8"),
	}
	if _, err := f.eng.PostSale(f.ctx, f.cashier, req); !errors.Is(err, apperr.ErrPrescriptionRequired) {
		t.Fatalf("no prescription: got %v", err)
	}
	req.PrescriptionID = "rx-778"
	if _, err := f.eng.PostSale(f.ctx, f.cashier, req); !errors.Is(err, apperr.ErrPharmacistApprovalRequired) {
		t.Fatalf("no pharmacist: got %v", err)
	}
	req.PharmacistID = "pharm-3"
	txn, err := f.eng.PostSale(f.ctx, f.cashier, req)
	if err != nil {
		t.Fatalf("PostSale: %v", err)
	}
	if txn.PrescriptionID != "rx-778" || txn.PharmacistID != "pharm-3" {
		t.Errorf("compliance references not stored: %+v", txn)
	}

	if _, err := f.eng.UpdateComplianceConfig(f.ctx, f.admin, compliance.Settings{}); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("disabling audit logging: got %v", err)
	}

	if _, err := f.eng.RecordPharmacyDecision(f.ctx, f.admin, false, "license lapsed"); err != nil {
		t.Fatalf("RecordPharmacyDecision: %v", err)
	}
	if _, err := f.eng.PostSale(f.ctx, f.cashier, req); !errors.Is(err, apperr.ErrPharmacyNotApproved) {
		t.Errorf("sale in rejected pharmacy: got %v", err)
	}
}

func TestPinnedLots(t *testing.T) {
	f := newFixture(t)
	m := f.entry("Ibuprofen", "2", 0)
	good := f.receive(m, "G1", 10, 100, "2")
	bad := f.receive(m, "R1", 10, 50, "2")
	old := f.receive(m, "E1", 10, -5, "2")
	if _, err := f.eng.RecallLot(f.ctx, f.manager, bad.ID, "supplier recall"); err != nil {
		t.Fatalf("RecallLot: %v", err)
	}
	s := f.open(f.cashier, "0")

	post := func(pin uuid.UUID) (*sale.Transaction, error) {
		return f.eng.PostSale(f.ctx, f.cashier, engine.SaleRequest{
			ShiftID: s.ID,
			Items:   []engine.SaleItem{{CatalogEntryID: m.ID, Quantity: 2, LotID: &pin}},
			Payment: cash("4"),
		})
	}
	if _, err := post(bad.ID); !errors.Is(err, apperr.ErrLotRecalled) {
		t.Errorf("recalled pin: got %v", err)
	}
	if _, err := post(old.ID); !errors.Is(err, apperr.ErrExpiredDrugLocked) {
		t.Errorf("expired pin: got %v", err)
	}
	txn, err := post(good.ID)
	if err != nil {
		t.Fatalf("good pin: %v", err)
	}
	if txn.Lines[0].LotID != good.ID {
		t.Errorf("pinned lot not used")
	}

	plan, err := f.eng.PlanDispense(f.ctx, f.cashier, m.ID, 5, nil)
	if err != nil {
		t.Fatalf("PlanDispense: %v", err)
	}
	if plan.Allocations[0].LotID != good.ID || plan.Available != 8 {
		t.Errorf("recalled or expired lot offered: %+v", plan)
	}
}

func TestSameEntryTwiceSharesStock(t *testing.T) {
	f := newFixture(t)
	m := f.entry("Cetirizine", "1", 0)
	f.receive(m, "S1", 10, 30, "1")
	f.receive(m, "S2", 10, 60, "1")
	s := f.open(f.cashier, "0")

	over := engine.SaleRequest{
		ShiftID: s.ID,
		Items: []engine.SaleItem{
			{CatalogEntryID: m.ID, Quantity: 12},
			{CatalogEntryID: m.ID, Quantity: 12},
		},
		Payment: cash("24"),
	}
	if _, err := f.eng.PostSale(f.ctx, f.cashier, over); !errors.Is(err, apperr.ErrInsufficientStock) {
		t.Fatalf("got %v, want insufficient stock", err)
	}

	fits := over
	fits.Items = []engine.SaleItem{{CatalogEntryID: m.ID, Quantity: 8}, {CatalogEntryID: m.ID, Quantity: 8}}
	fits.Payment = cash("16")
	txn, err := f.eng.PostSale(f.ctx, f.cashier, fits)
	if err != nil {
		t.Fatalf("PostSale: %v", err)
	}
	total := 0
	for _, l := range txn.Lines {
		total += l.Quantity
	}
	if total != 16 || len(txn.Lines) != 3 {
		t.Errorf("lines %+v", txn.Lines)
	}
	sum, err := f.eng.StockSummary(f.ctx, f.cashier, m.ID)
	if err != nil {
		t.Fatalf("StockSummary: %v", err)
	}
	if sum.OnHand != 4 || sum.Dispensable != 4 {
		t.Errorf("summary %+v", sum)
	}
}

func TestShiftOwnership(t *testing.T) {
	f := newFixture(t)
	m := f.entry("Loratadine", "1", 0)
	f.receive(m, "O1", 10, 30, "1")
	s := f.open(f.cashier, "0")
	other := f.actor("cashier-2", engine.RoleCashier)

	if _, err := f.sell(other, s, m, 1, cash("1")); !errors.Is(err, apperr.ErrForbidden) {
		t.Errorf("sale on another cashier's shift: got %v", err)
	}
	if _, err := f.eng.CloseShift(f.ctx, other, s.ID, d("0")); !errors.Is(err, apperr.ErrForbidden) {
		t.Errorf("close another cashier's shift: got %v", err)
	}
	if _, err := f.eng.CloseShift(f.ctx, f.manager, s.ID, d("0")); err != nil {
		t.Fatalf("manager close: %v", err)
	}
	if _, err := f.sell(f.cashier, s, m, 1, cash("1")); !errors.Is(err, apperr.ErrShiftNotOpen) {
		t.Errorf("sale on closed shift: got %v", err)
	}
}

func TestTransactionNumbering(t *testing.T) {
	f := newFixture(t)
	m := f.entry("Omeprazole", "3", 0)
	f.receive(m, "N1", 10, 30, "3")
	s := f.open(f.cashier, "0")

	first, err := f.sell(f.cashier, s, m, 1, cash("3"))
	if err != nil {
		t.Fatalf("PostSale: %v", err)
	}
	second, err := f.sell(f.cashier, s, m, 1, cash("3"))
	if err != nil {
		t.Fatalf("PostSale: %v", err)
	}
	if first.TransactionNumber != "TXN-20260615-000001" || second.TransactionNumber != "TXN-20260615-000002" {
		t.Errorf("numbers %s %s", first.TransactionNumber, second.TransactionNumber)
	}
	if first.InvoiceNumber != "INV-202606-00001" || second.InvoiceNumber != "INV-202606-00002" {
		t.Errorf("invoices %s %s", first.InvoiceNumber, second.InvoiceNumber)
	}
	got, err := f.eng.GetTransaction(f.ctx, f.manager, first.ID)
	if err != nil || got.TransactionNumber != first.TransactionNumber {
		t.Errorf("GetTransaction = %+v, %v", got, err)
	}
}

func TestAuditTrailAndOutbox(t *testing.T) {
	f := newFixture(t)
	m := f.entry("Salbutamol", "7", 2)
	l := f.receive(m, "AU1", 3, 30, "7")
	s := f.open(f.cashier, "0")
	txn, err := f.sell(f.cashier, s, m, 3, cash("21"))
	if err != nil {
		t.Fatalf("PostSale: %v", err)
	}
	if _, err := f.eng.CloseShift(f.ctx, f.cashier, s.ID, d("21")); err != nil {
		t.Fatalf("CloseShift: %v", err)
	}

	entries, err := f.eng.ListAudit(f.ctx, f.manager, compliance.AuditFilter{})
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	seen := map[compliance.Action]bool{}
	for _, e := range entries {
		seen[e.Action] = true
	}
	for _, want := range []compliance.Action{
		compliance.ActionCatalogCreated, compliance.ActionLotReceived, compliance.ActionShiftOpened,
		compliance.ActionSalePosted, compliance.ActionShiftClosed,
	} {
		if !seen[want] {
			t.Errorf("missing audit action %s", want)
		}
	}
	if entries[0].Action != compliance.ActionShiftClosed {
		t.Errorf("newest entry = %s, want shift.closed", entries[0].Action)
	}

	sales, _ := f.eng.ListAudit(f.ctx, f.manager, compliance.AuditFilter{EntityID: txn.ID.String()})
	if len(sales) != 1 || sales[0].ActorID != f.cashier.ID {
		t.Errorf("sale audit entries %+v", sales)
	}

	var soldOut, posted bool
	for _, ev := range f.st.Events() {
		if ev.EventType == events.SalePosted && ev.AggregateID == txn.ID.String() {
			posted = true
		}
		if ev.EventType == events.LotStatusChanged && ev.AggregateID == l.ID.String() {
			var data events.LotStatusChangedData
			if err := ev.Decode(&data); err != nil {
				t.Fatalf("Decode: %v", err)
			}
			soldOut = soldOut || data.To == string(lot.StatusSoldOut)
		}
	}
	if !posted || !soldOut {
		t.Errorf("outbox missing events: posted=%v soldOut=%v", posted, soldOut)
	}
}

func TestCatalogLifecycle(t *testing.T) {
	f := newFixture(t)
	m := f.entry("Paracetamol 500", "1.20", 10)

	_, err := f.eng.CreateCatalogEntry(f.ctx, f.manager, catalog.Draft{Name: "PARACETAMOL 500", Form: "tablet"})
	if !errors.Is(err, apperr.ErrDuplicateName) {
		t.Fatalf("duplicate name: got %v", err)
	}
	f.receive(m, "P1", 40, 120, "1.20")

	if err := f.eng.DeleteCatalogEntry(f.ctx, f.manager, m.ID); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("delete entry with lots: got %v", err)
	}
	hits, err := f.eng.SearchCatalog(f.ctx, f.cashier, catalog.SearchQuery{Text: "parac"})
	if err != nil || len(hits) != 1 || hits[0].DispensableQuantity != 40 {
		t.Fatalf("SearchCatalog = %+v, %v", hits, err)
	}

	if _, err := f.eng.DeactivateCatalogEntry(f.ctx, f.manager, m.ID); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	hits, _ = f.eng.SearchCatalog(f.ctx, f.cashier, catalog.SearchQuery{Text: "parac"})
	if len(hits) != 0 {
		t.Errorf("inactive entry returned by search")
	}
	if _, err := f.eng.CreateCatalogEntry(f.ctx, f.manager, catalog.Draft{Name: "Paracetamol 500", Form: "tablet"}); err != nil {
		t.Errorf("recreate after deactivate: %v", err)
	}

	price := d("1.35")
	updated, err := f.eng.UpdateCatalogPrice(f.ctx, f.manager, m.ID, &price, nil)
	if err != nil || !updated.BasePrice.Equal(price) {
		t.Errorf("UpdateCatalogPrice = %+v, %v", updated, err)
	}

	empty := f.entry("Unused", "1", 0)
	if err := f.eng.DeleteCatalogEntry(f.ctx, f.manager, empty.ID); err != nil {
		t.Errorf("delete unused entry: %v", err)
	}
	if _, err := f.eng.GetCatalogEntry(f.ctx, f.manager, empty.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("deleted entry still found: %v", err)
	}
}

func TestReceiveLotChecks(t *testing.T) {
	f := newFixture(t)
	m := f.entry("Warfarin", "4", 0)
	f.receive(m, "W1", 10, 30, "4")

	dup := lot.Receipt{CatalogEntryID: m.ID, BatchNumber: "W1", Quantity: 1, ExpiresOn: f.now.AddDate(0, 1, 0)}
	if _, err := f.eng.ReceiveLot(f.ctx, f.manager, dup); !errors.Is(err, apperr.ErrDuplicateBatchNumber) {
		t.Errorf("duplicate batch: got %v", err)
	}
	withCode := lot.Receipt{CatalogEntryID: m.ID, BatchNumber: "W2", Barcode: "890123", Quantity: 1, ExpiresOn: f.now.AddDate(0, 1, 0)}
	if _, err := f.eng.ReceiveLot(f.ctx, f.manager, withCode); err != nil {
		t.Fatalf("ReceiveLot: %v", err)
	}
	withCode.BatchNumber = "W3"
	if _, err := f.eng.ReceiveLot(f.ctx, f.manager, withCode); !errors.Is(err, apperr.ErrDuplicateBarcode) {
		t.Errorf("duplicate barcode: got %v", err)
	}
	unknown := lot.Receipt{CatalogEntryID: uuid.New(), BatchNumber: "W4", Quantity: 1, ExpiresOn: f.now.AddDate(0, 1, 0)}
	if _, err := f.eng.ReceiveLot(f.ctx, f.manager, unknown); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("unknown entry: got %v", err)
	}
	zero := lot.Receipt{CatalogEntryID: m.ID, BatchNumber: "W5", Quantity: 0, ExpiresOn: f.now.AddDate(0, 1, 0)}
	if _, err := f.eng.ReceiveLot(f.ctx, f.manager, zero); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("zero quantity: got %v", err)
	}
}

func TestLotAdministration(t *testing.T) {
	f := newFixture(t)
	m := f.entry("Prednisone", "2", 0)
	l := f.receive(m, "PR1", 10, 20, "2")

	if _, err := f.eng.AdjustLot(f.ctx, f.manager, l.ID, 11, "broken"); !errors.Is(err, apperr.ErrInsufficientStock) {
		t.Errorf("over-adjust: got %v", err)
	}
	if _, err := f.eng.AdjustLot(f.ctx, f.manager, l.ID, 2, "broken bottles"); err != nil {
		t.Fatalf("AdjustLot: %v", err)
	}
	if _, err := f.eng.RecallLot(f.ctx, f.manager, l.ID, "recall"); err != nil {
		t.Fatalf("RecallLot: %v", err)
	}
	if _, err := f.eng.UnrecallLot(f.ctx, f.admin, l.ID, "recall withdrawn"); err != nil {
		t.Fatalf("UnrecallLot: %v", err)
	}
	if _, err := f.eng.SoftDeleteLot(f.ctx, f.manager, l.ID, "damaged shipment"); err != nil {
		t.Fatalf("SoftDeleteLot: %v", err)
	}

	moves, err := f.eng.LotMovements(f.ctx, f.manager, l.ID)
	if err != nil {
		t.Fatalf("LotMovements: %v", err)
	}
	kinds := []lot.MovementKind{lot.MovementReceive, lot.MovementAdjustment, lot.MovementRecall, lot.MovementUnrecall, lot.MovementDelete}
	if len(moves) != len(kinds) {
		t.Fatalf("got %d movements, want %d", len(moves), len(kinds))
	}
	for i, k := range kinds {
		if moves[i].Kind != k {
			t.Errorf("movement %d = %s, want %s", i, moves[i].Kind, k)
		}
	}
	if moves[1].Quantity != -2 || moves[1].BalanceAfter != 8 {
		t.Errorf("adjustment movement %+v", moves[1])
	}

	expiring, err := f.eng.ExpiringLots(f.ctx, f.manager, 30*24*time.Hour)
	if err != nil {
		t.Fatalf("ExpiringLots: %v", err)
	}
	if len(expiring) != 0 {
		t.Errorf("deleted lot listed as expiring")
	}
}

func TestRefundDefaultsToSaleTender(t *testing.T) {
	f := newFixture(t)
	m := f.entry("Omeprazole", "100", 0)
	f.receive(m, "O1", 10, 300, "100")
	s := f.open(f.cashier, "1000")

	txn, err := f.sell(f.cashier, s, m, 1, sale.Payment{Method: sale.TenderCard, Card: d("100")})
	if err != nil {
		t.Fatalf("PostSale: %v", err)
	}
	if _, err := f.eng.PostRefund(f.ctx, f.cashier, engine.RefundRequest{TransactionID: txn.ID, Amount: d("10"), Reason: "wrong item", Tender: "cash"}); !errors.Is(err, apperr.ErrRefundExceedsBalance) {
		t.Fatalf("cash refund of a card sale: got %v", err)
	}
	got, err := f.eng.PostRefund(f.ctx, f.cashier, engine.RefundRequest{TransactionID: txn.ID, Amount: d("100"), Reason: "wrong item"})
	if err != nil {
		t.Fatalf("PostRefund: %v", err)
	}
	if got.Refund.Tender != sale.TenderCard {
		t.Errorf("refund tender = %s, want card", got.Refund.Tender)
	}

	closed, err := f.eng.CloseShift(f.ctx, f.cashier, s.ID, d("1000"))
	if err != nil {
		t.Fatalf("CloseShift: %v", err)
	}
	if !closed.Totals.CashRefunds.IsZero() || !closed.Totals.CardRefunds.Equal(d("100")) {
		t.Errorf("cash refunds %s card refunds %s", closed.Totals.CashRefunds, closed.Totals.CardRefunds)
	}
	if !closed.ExpectedBalance.Equal(d("1000")) || !closed.Variance.IsZero() {
		t.Errorf("expected %s variance %s, want 1000 and 0", closed.ExpectedBalance, closed.Variance)
	}
}

func TestSplitRefundNeedsTender(t *testing.T) {
	f := newFixture(t)
	m := f.entry("Pantoprazole", "50", 0)
	f.receive(m, "P1", 10, 300, "50")
	s := f.open(f.cashier, "0")

	txn, err := f.sell(f.cashier, s, m, 2, sale.Payment{Method: sale.TenderSplit, Cash: d("40"), Card: d("60")})
	if err != nil {
		t.Fatalf("PostSale: %v", err)
	}
	refund := func(amount, tender string) (*sale.Transaction, error) {
		return f.eng.PostRefund(f.ctx, f.cashier, engine.RefundRequest{TransactionID: txn.ID, Amount: d(amount), Reason: "returned", Tender: tender})
	}
	if _, err := refund("10", ""); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("split refund without tender: got %v", err)
	}
	if _, err := refund("40", "cash"); err != nil {
		t.Fatalf("cash part: %v", err)
	}
	if _, err := refund("1", "cash"); !errors.Is(err, apperr.ErrRefundExceedsBalance) {
		t.Fatalf("cash beyond what was paid: got %v", err)
	}
	got, err := refund("60", "card")
	if err != nil {
		t.Fatalf("card part: %v", err)
	}
	if got.Refund.Status != sale.RefundFull {
		t.Errorf("status = %s, want full", got.Refund.Status)
	}
	cur, err := f.eng.GetOpenShift(f.ctx, f.cashier, "")
	if err != nil {
		t.Fatalf("GetOpenShift: %v", err)
	}
	if !cur.Totals.CashRefunds.Equal(d("40")) || !cur.Totals.CardRefunds.Equal(d("60")) {
		t.Errorf("cash refunds %s card refunds %s", cur.Totals.CashRefunds, cur.Totals.CardRefunds)
	}
}

func TestSalesReport(t *testing.T) {
	f := newFixture(t)
	m := f.entry("Vitamin D", "5", 0)
	f.receive(m, "V1", 100, 365, "5")
	s := f.open(f.cashier, "0")

	if _, err := f.sell(f.cashier, s, m, 2, cash("10")); err != nil {
		t.Fatalf("PostSale: %v", err)
	}
	txn, err := f.sell(f.cashier, s, m, 4, sale.Payment{Method: sale.TenderCard, Card: d("20")})
	if err != nil {
		t.Fatalf("PostSale: %v", err)
	}
	if _, err := f.eng.PostRefund(f.ctx, f.cashier, engine.RefundRequest{TransactionID: txn.ID, Amount: d("5"), Reason: "one box", Tender: "card"}); err != nil {
		t.Fatalf("PostRefund: %v", err)
	}

	rep, err := f.eng.SalesReport(f.ctx, f.manager, sale.PeriodDaily, f.now)
	if err != nil {
		t.Fatalf("SalesReport: %v", err)
	}
	if rep.TransactionCount != 2 || !rep.GrandTotal.Equal(d("30")) || !rep.RefundTotal.Equal(d("5")) || !rep.NetRevenue.Equal(d("25")) {
		t.Errorf("report %+v", rep)
	}
	if !rep.Cash.Equal(d("10")) || !rep.Card.Equal(d("20")) {
		t.Errorf("tender split cash %s card %s", rep.Cash, rep.Card)
	}
	if _, err := f.eng.SalesReport(f.ctx, f.manager, sale.Period("yearly"), f.now); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("unknown period: got %v", err)
	}
}
