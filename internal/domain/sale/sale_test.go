package sale

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/drfirst/go-pharmpos/internal/apperr"
	"github.com/drfirst/go-pharmpos/internal/domain/dispense"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func plan(allocs ...dispense.Allocation) *dispense.Plan {
	total := 0
	for _, a := range allocs {
		total += a.Quantity
	}
	return &dispense.Plan{Requested: total, Available: total, Allocations: allocs}
}

func TestBuildLinesPricingAndTax(t *testing.T) {
	override := d("2.00")
	items := []Item{
		{
			CatalogEntryID: uuid.New(),
			Name:           "Paracetamol",
			BasePrice:      d("1.00"),
			TaxRate:        d("5"),
			Plan: plan(
				dispense.Allocation{LotID: uuid.New(), Quantity: 3, SalePrice: d("1.50")},
				dispense.Allocation{LotID: uuid.New(), Quantity: 2, SalePrice: decimal.Zero},
			),
		},
		{
			CatalogEntryID:    uuid.New(),
			Name:              "Cough syrup",
			BasePrice:         d("9.99"),
			TaxRate:           d("12.5"),
			UnitPriceOverride: &override,
			Plan:              plan(dispense.Allocation{LotID: uuid.New(), Quantity: 3, SalePrice: d("8.00")}),
		},
	}
	lines, err := BuildLines(items)
	if err != nil {
		t.Fatalf("BuildLines: %v", err)
	}
	want := []struct{ price, tax, total string }{
		{"1.50", "0.23", "4.73"}, // 4.50 * 5% = 0.225
		{"1.00", "0.10", "2.10"},
		{"2.00", "0.75", "6.75"},
	}
	for i, w := range want {
		l := lines[i]
		if !l.UnitPrice.Equal(d(w.price)) || !l.Tax.Equal(d(w.tax)) || !l.Total.Equal(d(w.total)) {
			t.Errorf("line %d = price %s tax %s total %s, want %s %s %s",
				i, l.UnitPrice, l.Tax, l.Total, w.price, w.tax, w.total)
		}
	}
	tot := Sum(lines)
	if !tot.Subtotal.Equal(d("12.50")) || !tot.TaxTotal.Equal(d("1.08")) || !tot.GrandTotal.Equal(d("13.58")) {
		t.Errorf("totals = %+v", tot)
	}
}

func TestBuildLinesSplitsDiscountByQuantity(t *testing.T) {
	items := []Item{{
		CatalogEntryID: uuid.New(),
		BasePrice:      d("10"),
		TaxRate:        decimal.Zero,
		Discount:       d("1.00"),
		Plan: plan(
			dispense.Allocation{LotID: uuid.New(), Quantity: 1},
			dispense.Allocation{LotID: uuid.New(), Quantity: 1},
			dispense.Allocation{LotID: uuid.New(), Quantity: 1},
		),
	}}
	lines, err := BuildLines(items)
	if err != nil {
		t.Fatalf("BuildLines: %v", err)
	}
	got := []string{lines[0].Discount.StringFixed(2), lines[1].Discount.StringFixed(2), lines[2].Discount.StringFixed(2)}
	if got[0] != "0.33" || got[1] != "0.33" || got[2] != "0.34" {
		t.Errorf("discount split = %v", got)
	}
	tot := Sum(lines)
	if !tot.DiscountTotal.Equal(d("1")) || !tot.GrandTotal.Equal(d("29")) {
		t.Errorf("totals = %+v", tot)
	}
}

func TestBuildLinesRejectsBadDiscounts(t *testing.T) {
	base := Item{CatalogEntryID: uuid.New(), BasePrice: d("2"), Plan: plan(dispense.Allocation{LotID: uuid.New(), Quantity: 2})}

	over := base
	over.Discount = d("4.01")
	if _, err := BuildLines([]Item{over}); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("expected validation error for discount above gross, got %v", err)
	}
	neg := base
	neg.Discount = d("-1")
	if _, err := BuildLines([]Item{neg}); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("expected validation error for negative discount, got %v", err)
	}
}

func TestCheckPaymentMismatch(t *testing.T) {
	p := Payment{Cash: d("50"), Card: d("49")}
	if err := CheckPayment(d("100"), p); !errors.Is(err, apperr.ErrPaymentMismatch) {
		t.Fatalf("expected payment mismatch, got %v", err)
	}
	p.Card = d("50")
	if err := CheckPayment(d("100"), p); err != nil {
		t.Errorf("balanced payment rejected: %v", err)
	}
	if err := CheckPayment(d("100.004"), Payment{Cash: d("100")}); err != nil {
		t.Errorf("sub-cent difference rejected: %v", err)
	}
}

func TestPaymentNormalize(t *testing.T) {
	tests := []struct {
		name    string
		in      Payment
		method  Tender
		wantErr bool
	}{
		{"infer cash", Payment{Cash: d("5")}, TenderCash, false},
		{"infer split", Payment{Cash: d("5"), Card: d("1")}, TenderSplit, false},
		{"infer card", Payment{Card: d("5")}, TenderCard, false},
		{"explicit split", Payment{Method: TenderSplit, Wallet: d("5")}, TenderSplit, false},
		{"cash with card amount", Payment{Method: TenderCash, Card: d("5")}, "", true},
		{"negative", Payment{Cash: d("-1")}, "", true},
		{"unknown", Payment{Method: "cheque", Cash: d("1")}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.in.Normalize()
			if tt.wantErr {
				if !errors.Is(err, apperr.ErrValidation) {
					t.Fatalf("expected validation error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Normalize: %v", err)
			}
			if got.Method != tt.method {
				t.Errorf("method = %s, want %s", got.Method, tt.method)
			}
		})
	}
}

func TestApplyRefund(t *testing.T) {
	now := time.Now()
	tx := &Transaction{GrandTotal: d("100"), Payment: Payment{Method: TenderCash, Cash: d("100")}, Refund: Refund{Status: RefundNone}}
	shift := uuid.New()

	if err := tx.ApplyRefund(d("30"), "damaged", "u1", shift, TenderCash, now); err != nil {
		t.Fatalf("partial refund: %v", err)
	}
	if tx.Refund.Status != RefundPartial || !tx.RefundableBalance().Equal(d("70")) {
		t.Fatalf("after partial: status %s balance %s", tx.Refund.Status, tx.RefundableBalance())
	}
	if err := tx.ApplyRefund(d("70.01"), "more", "u1", shift, TenderCash, now); !errors.Is(err, apperr.ErrRefundExceedsBalance) {
		t.Fatalf("expected refund exceeds balance, got %v", err)
	}
	if err := tx.ApplyRefund(d("70"), "rest", "u1", shift, TenderCash, now); err != nil {
		t.Fatalf("final refund: %v", err)
	}
	if tx.Refund.Status != RefundFull || tx.Refund.Count != 2 {
		t.Errorf("after full: status %s count %d", tx.Refund.Status, tx.Refund.Count)
	}
	if err := tx.ApplyRefund(d("0.01"), "again", "u1", shift, TenderCash, now); !errors.Is(err, apperr.ErrRefundExceedsBalance) {
		t.Errorf("expected refund exceeds balance after full refund, got %v", err)
	}
}

func TestRefundTenders(t *testing.T) {
	now := time.Now()
	shift := uuid.New()

	card := &Transaction{GrandTotal: d("100"), Payment: Payment{Method: TenderCard, Card: d("100")}}
	if err := card.ApplyRefund(d("40"), "damaged", "u1", shift, "", now); err != nil {
		t.Fatalf("refund without tender: %v", err)
	}
	if card.Refund.Tender != TenderCard || !card.Refund.ByTender.Card.Equal(d("40")) || !card.Refund.ByTender.Cash.IsZero() {
		t.Fatalf("card sale refunded in %s, by tender %+v", card.Refund.Tender, card.Refund.ByTender)
	}
	if err := card.ApplyRefund(d("10"), "damaged", "u1", shift, TenderCash, now); !errors.Is(err, apperr.ErrRefundExceedsBalance) {
		t.Errorf("cash refund of a card sale: got %v", err)
	}

	split := &Transaction{GrandTotal: d("100"), Payment: Payment{Method: TenderSplit, Cash: d("30"), Card: d("70")}}
	if err := split.ApplyRefund(d("10"), "damaged", "u1", shift, "", now); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("split refund without tender: got %v", err)
	}
	if err := split.ApplyRefund(d("30"), "damaged", "u1", shift, TenderCash, now); err != nil {
		t.Fatalf("cash part of split: %v", err)
	}
	if err := split.ApplyRefund(d("0.01"), "damaged", "u1", shift, TenderCash, now); !errors.Is(err, apperr.ErrRefundExceedsBalance) {
		t.Errorf("cash refunded twice: got %v", err)
	}
	if err := split.ApplyRefund(d("70"), "damaged", "u1", shift, TenderCard, now); err != nil {
		t.Fatalf("card part of split: %v", err)
	}
	if split.Refund.Status != RefundFull || !split.RefundableIn(TenderCard).IsZero() {
		t.Errorf("after both parts: status %s card left %s", split.Refund.Status, split.RefundableIn(TenderCard))
	}
	if err := split.ApplyRefund(d("1"), "damaged", "u1", shift, "cheque", now); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("unknown tender: got %v", err)
	}
}

func TestVerify(t *testing.T) {
	lines, _ := BuildLines([]Item{{
		CatalogEntryID: uuid.New(),
		BasePrice:      d("20"),
		TaxRate:        d("10"),
		Discount:       d("5"),
		Plan:           plan(dispense.Allocation{LotID: uuid.New(), Quantity: 5}),
	}})
	tot := Sum(lines)
	tx := &Transaction{
		Lines: lines, Subtotal: tot.Subtotal, TaxTotal: tot.TaxTotal,
		DiscountTotal: tot.DiscountTotal, GrandTotal: tot.GrandTotal,
		Payment: Payment{Method: TenderCash, Cash: d("105")},
	}
	if err := tx.Verify(); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	tx.GrandTotal = d("104")
	if err := tx.Verify(); !errors.Is(err, apperr.ErrPaymentMismatch) {
		t.Errorf("expected mismatch after tampering, got %v", err)
	}
}

func TestNumbering(t *testing.T) {
	at := time.Date(2026, 1, 9, 23, 0, 0, 0, time.UTC)
	if got := TransactionNumber(at, 42); got != "TXN-20260109-000042" {
		t.Errorf("TransactionNumber = %s", got)
	}
	if got := InvoiceNumber(at, 7); got != "INV-202601-00007" {
		t.Errorf("InvoiceNumber = %s", got)
	}
	if TransactionScope(at) != "txn:20260109" || InvoiceScope(at) != "inv:202601" {
		t.Errorf("unexpected scopes %s %s", TransactionScope(at), InvoiceScope(at))
	}
}

func TestPeriodWindow(t *testing.T) {
	at := time.Date(2026, 2, 14, 15, 4, 5, 0, time.UTC)
	from, to, ok := PeriodMonthly.Window(at)
	if !ok || !from.Equal(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)) || !to.Equal(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("monthly window = %s..%s", from, to)
	}
	if _, _, ok := Period("weekly").Window(at); ok {
		t.Errorf("unknown period accepted")
	}
}
