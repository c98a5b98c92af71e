// Package sale builds immutable sale records and their refund sub-record.
package sale

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/drfirst/go-pharmpos/internal/apperr"
)

// RefundStatus of a transaction
type RefundStatus string

const (
	RefundNone    RefundStatus = "none"
	RefundPartial RefundStatus = "partial"
	RefundFull    RefundStatus = "full"
)

// Line is one lot-level deduction of a sale.
type Line struct {
	CatalogEntryID uuid.UUID       `json:"catalog_entry_id"`
	LotID          uuid.UUID       `json:"lot_id"`
	BatchNumber    string          `json:"batch_number"`
	Name           string          `json:"name"`
	Quantity       int             `json:"quantity"`
	UnitPrice      decimal.Decimal `json:"unit_price"`
	Discount       decimal.Decimal `json:"discount"`
	TaxRate        decimal.Decimal `json:"tax_rate"`
	Tax            decimal.Decimal `json:"tax"`
	Total          decimal.Decimal `json:"total"`
	Controlled     bool            `json:"controlled"`
}

// Gross is quantity times unit price.
func (l Line) Gross() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// Customer is an optional identity snippet.
type Customer struct {
	Name       string `json:"name,omitempty"`
	Phone      string `json:"phone,omitempty"`
	Identifier string `json:"identifier,omitempty"`
}

// Refund is the mutable sub-record of a transaction. Amount is cumulative.
type Refund struct {
	Status     RefundStatus    `json:"status"`
	Amount     decimal.Decimal `json:"amount"`
	Count      int             `json:"count"`
	Reason     string          `json:"reason,omitempty"`
	ActorID    string          `json:"actor_id,omitempty"`
	ShiftID    *uuid.UUID      `json:"shift_id,omitempty"`
	Tender     Tender          `json:"tender,omitempty"`
	RefundedAt *time.Time      `json:"refunded_at,omitempty"`
	// ByTender accumulates refunds per tender; its Method is unused.
	ByTender Payment `json:"by_tender"`
}

// Transaction is a posted sale.
type Transaction struct {
	ID                uuid.UUID       `json:"id"`
	PharmacyID        uuid.UUID       `json:"pharmacy_id"`
	ShiftID           uuid.UUID       `json:"shift_id"`
	CashierID         string          `json:"cashier_id"`
	TransactionNumber string          `json:"transaction_number"`
	InvoiceNumber     string          `json:"invoice_number"`
	PrescriptionID    string          `json:"prescription_id,omitempty"`
	PharmacistID      string          `json:"pharmacist_id,omitempty"`
	Lines             []Line          `json:"lines"`
	Payment           Payment         `json:"payment"`
	Subtotal          decimal.Decimal `json:"subtotal"`
	TaxTotal          decimal.Decimal `json:"tax_total"`
	DiscountTotal     decimal.Decimal `json:"discount_total"`
	GrandTotal        decimal.Decimal `json:"grand_total"`
	Refund            Refund          `json:"refund"`
	Customer          *Customer       `json:"customer,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

// RefundableBalance is what remains to be refunded.
func (t *Transaction) RefundableBalance() decimal.Decimal {
	return t.GrandTotal.Sub(t.Refund.Amount)
}

// RefundTender resolves the tender a refund is paid out in. An empty tender
// falls back to the sale's own method; split sales must name one.
func (t *Transaction) RefundTender(tender Tender) (Tender, error) {
	if tender == "" {
		tender = t.Payment.Method
		if tender == TenderSplit {
			return "", apperr.Validation("tender", "is required to refund a split payment")
		}
	}
	switch tender {
	case TenderCash, TenderCard, TenderInsurance, TenderWallet:
		return tender, nil
	}
	return "", apperr.Validation("tender", "unknown tender %q", tender)
}

// RefundableIn is what was paid in tender less what has been refunded in it.
func (t *Transaction) RefundableIn(tender Tender) decimal.Decimal {
	return t.Payment.Amount(tender).Sub(t.Refund.ByTender.Amount(tender))
}

// ApplyRefund books amount against the remaining balance and against what was
// paid in tender. An empty tender means the sale's own method.
func (t *Transaction) ApplyRefund(amount decimal.Decimal, reason, actorID string, shiftID uuid.UUID, tender Tender, now time.Time) error {
	amount = amount.Round(2)
	if !amount.IsPositive() {
		return apperr.Validation("amount", "must be positive")
	}
	if reason == "" {
		return apperr.Validation("reason", "is required")
	}
	tender, err := t.RefundTender(tender)
	if err != nil {
		return err
	}
	remaining := t.RefundableBalance()
	if amount.GreaterThan(remaining) {
		return apperr.New(apperr.KindRefundExceedsBalance,
			"refund %s exceeds remaining balance %s", amount.StringFixed(2), remaining.StringFixed(2))
	}
	if inTender := t.RefundableIn(tender); amount.GreaterThan(inTender) {
		return apperr.New(apperr.KindRefundExceedsBalance,
			"refund %s exceeds %s refundable in %s", amount.StringFixed(2), inTender.StringFixed(2), tender)
	}
	if amount.Equal(remaining) {
		t.Refund.Status = RefundFull
	} else {
		t.Refund.Status = RefundPartial
	}
	t.Refund.Amount = t.Refund.Amount.Add(amount)
	t.Refund.ByTender = t.Refund.ByTender.add(tender, amount)
	t.Refund.Count++
	t.Refund.Reason = reason
	t.Refund.ActorID = actorID
	sid := shiftID
	t.Refund.ShiftID = &sid
	t.Refund.Tender = tender
	at := now
	t.Refund.RefundedAt = &at
	return nil
}

// Verify checks the money invariants of a posted transaction.
func (t *Transaction) Verify() error {
	return verifyTotals(t.Lines, t.Subtotal, t.TaxTotal, t.DiscountTotal, t.GrandTotal, t.Payment)
}

// Clone returns a deep copy.
func (t *Transaction) Clone() *Transaction {
	c := *t
	c.Lines = append([]Line(nil), t.Lines...)
	if t.Customer != nil {
		cu := *t.Customer
		c.Customer = &cu
	}
	if t.Refund.ShiftID != nil {
		s := *t.Refund.ShiftID
		c.Refund.ShiftID = &s
	}
	if t.Refund.RefundedAt != nil {
		r := *t.Refund.RefundedAt
		c.Refund.RefundedAt = &r
	}
	return &c
}
