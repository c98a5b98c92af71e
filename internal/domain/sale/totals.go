package sale

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/drfirst/go-pharmpos/internal/apperr"
	"github.com/drfirst/go-pharmpos/internal/domain/dispense"
)

var hundred = decimal.NewFromInt(100)

// Item is one requested medicine after dispensing has been planned.
type Item struct {
	CatalogEntryID    uuid.UUID
	Name              string
	BasePrice         decimal.Decimal
	TaxRate           decimal.Decimal
	UnitPriceOverride *decimal.Decimal
	Discount          decimal.Decimal
	Plan              *dispense.Plan
}

// Totals are the header amounts of a sale.
type Totals struct {
	Subtotal      decimal.Decimal `json:"subtotal"`
	TaxTotal      decimal.Decimal `json:"tax_total"`
	DiscountTotal decimal.Decimal `json:"discount_total"`
	GrandTotal    decimal.Decimal `json:"grand_total"`
}

// BuildLines prices every allocation of every item. Unit price is the item
// override, else the lot sale price, else the catalog base price. Tax uses the
// catalog entry's rate. An item discount is split over its lines by quantity
// with the rounding remainder on the last line.
func BuildLines(items []Item) ([]Line, error) {
	var lines []Line
	for i, it := range items {
		if it.Plan == nil || len(it.Plan.Allocations) == 0 {
			return nil, apperr.Validation("items", "item %d has no allocation", i)
		}
		if it.UnitPriceOverride != nil && it.UnitPriceOverride.IsNegative() {
			return nil, apperr.Validation("items.unit_price", "must not be negative")
		}
		if it.Discount.IsNegative() {
			return nil, apperr.Validation("items.discount", "must not be negative")
		}

		start := len(lines)
		var gross decimal.Decimal
		for _, a := range it.Plan.Allocations {
			// override, then the lot's MRP, then the catalog base price
			price := it.BasePrice
			switch {
			case it.UnitPriceOverride != nil:
				price = *it.UnitPriceOverride
			case a.SalePrice.IsPositive():
				price = a.SalePrice
			}
			ln := Line{
				CatalogEntryID: it.CatalogEntryID,
				LotID:          a.LotID,
				BatchNumber:    a.BatchNumber,
				Name:           it.Name,
				Quantity:       a.Quantity,
				UnitPrice:      price.Round(2),
				Discount:       decimal.Zero,
				TaxRate:        it.TaxRate,
				Controlled:     a.Controlled,
			}
			g := ln.Gross()
			ln.Tax = g.Mul(it.TaxRate).Div(hundred).Round(2)
			ln.Total = g.Add(ln.Tax)
			gross = gross.Add(g)
			lines = append(lines, ln)
		}

		discount := it.Discount.Round(2)
		if discount.GreaterThan(gross) {
			return nil, apperr.Validation("items.discount", "item %d discount %s exceeds gross %s",
				i, discount.StringFixed(2), gross.StringFixed(2))
		}
		splitDiscount(lines[start:], discount, it.Plan.Requested)
	}
	return lines, nil
}

func splitDiscount(lines []Line, discount decimal.Decimal, qty int) {
	if discount.IsZero() || qty <= 0 {
		return
	}
	left := discount
	total := decimal.NewFromInt(int64(qty))
	for i := range lines {
		if i == len(lines)-1 {
			lines[i].Discount = left
			return
		}
		share := discount.Mul(decimal.NewFromInt(int64(lines[i].Quantity))).Div(total).Round(2)
		lines[i].Discount = share
		left = left.Sub(share)
	}
}

// Sum computes the header totals from lines.
func Sum(lines []Line) Totals {
	var t Totals
	for _, l := range lines {
		t.Subtotal = t.Subtotal.Add(l.Gross())
		t.TaxTotal = t.TaxTotal.Add(l.Tax)
		t.DiscountTotal = t.DiscountTotal.Add(l.Discount)
	}
	t.GrandTotal = t.Subtotal.Sub(t.DiscountTotal).Add(t.TaxTotal)
	return t
}

// CheckPayment requires the tendered total to equal the grand total at cents.
func CheckPayment(grand decimal.Decimal, p Payment) error {
	paid := p.Total().Round(2)
	if !paid.Equal(grand.Round(2)) {
		return apperr.New(apperr.KindPaymentMismatch,
			"payment %s does not match grand total %s", paid.StringFixed(2), grand.StringFixed(2))
	}
	return nil
}

func verifyTotals(lines []Line, subtotal, tax, discount, grand decimal.Decimal, p Payment) error {
	sum := Sum(lines)
	var lineTotal decimal.Decimal
	for _, l := range lines {
		lineTotal = lineTotal.Add(l.Total)
	}
	switch {
	case !sum.Subtotal.Equal(subtotal), !sum.TaxTotal.Equal(tax), !sum.DiscountTotal.Equal(discount):
		return apperr.New(apperr.KindPaymentMismatch, "header totals do not match lines")
	case !lineTotal.Equal(subtotal.Add(tax)):
		return apperr.New(apperr.KindPaymentMismatch,
			"line totals %s do not equal subtotal plus tax %s", lineTotal.StringFixed(2), subtotal.Add(tax).StringFixed(2))
	case !grand.Equal(subtotal.Sub(discount).Add(tax)):
		return apperr.New(apperr.KindPaymentMismatch, "grand total does not equal subtotal - discount + tax")
	}
	return CheckPayment(grand, p)
}
