package sale

import (
	"time"

	"github.com/shopspring/decimal"
)

// Report aggregates posted sales over [From, To).
type Report struct {
	From             time.Time       `json:"from"`
	To               time.Time       `json:"to"`
	TransactionCount int             `json:"transaction_count"`
	Subtotal         decimal.Decimal `json:"subtotal"`
	DiscountTotal    decimal.Decimal `json:"discount_total"`
	TaxTotal         decimal.Decimal `json:"tax_total"`
	GrandTotal       decimal.Decimal `json:"grand_total"`
	RefundCount      int             `json:"refund_count"`
	RefundTotal      decimal.Decimal `json:"refund_total"`
	NetRevenue       decimal.Decimal `json:"net_revenue"`
	Cash             decimal.Decimal `json:"cash"`
	Card             decimal.Decimal `json:"card"`
	Insurance        decimal.Decimal `json:"insurance"`
	Wallet           decimal.Decimal `json:"wallet"`
}

// Add folds t into the report.
func (r *Report) Add(t *Transaction) {
	r.TransactionCount++
	r.Subtotal = r.Subtotal.Add(t.Subtotal)
	r.DiscountTotal = r.DiscountTotal.Add(t.DiscountTotal)
	r.TaxTotal = r.TaxTotal.Add(t.TaxTotal)
	r.GrandTotal = r.GrandTotal.Add(t.GrandTotal)
	if t.Refund.Status != RefundNone && t.Refund.Status != "" {
		r.RefundCount++
		r.RefundTotal = r.RefundTotal.Add(t.Refund.Amount)
	}
	r.Cash = r.Cash.Add(t.Payment.Cash)
	r.Card = r.Card.Add(t.Payment.Card)
	r.Insurance = r.Insurance.Add(t.Payment.Insurance)
	r.Wallet = r.Wallet.Add(t.Payment.Wallet)
	r.NetRevenue = r.GrandTotal.Sub(r.RefundTotal)
}

// Period is a report window granularity
type Period string

const (
	PeriodDaily   Period = "daily"
	PeriodMonthly Period = "monthly"
)

// Window returns the [from, to) range of the period containing at, in UTC.
func (p Period) Window(at time.Time) (time.Time, time.Time, bool) {
	at = at.UTC()
	switch p {
	case PeriodDaily:
		from := time.Date(at.Year(), at.Month(), at.Day(), 0, 0, 0, 0, time.UTC)
		return from, from.AddDate(0, 0, 1), true
	case PeriodMonthly:
		from := time.Date(at.Year(), at.Month(), 1, 0, 0, 0, 0, time.UTC)
		return from, from.AddDate(0, 1, 0), true
	}
	return time.Time{}, time.Time{}, false
}
