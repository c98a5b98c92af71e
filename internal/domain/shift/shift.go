// Package shift implements the cashier shift aggregate.
package shift

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/drfirst/go-pharmpos/internal/apperr"
	"github.com/drfirst/go-pharmpos/internal/domain/events"
	"github.com/drfirst/go-pharmpos/internal/domain/sale"
)

// Status represents shift status
type Status string

const (
	StatusOpen       Status = "open"
	StatusClosed     Status = "closed"
	StatusReconciled Status = "reconciled"
)

// Totals are the running totals of a shift.
type Totals struct {
	TransactionCount int             `json:"transaction_count"`
	TotalSales       decimal.Decimal `json:"total_sales"`
	CashSales        decimal.Decimal `json:"cash_sales"`
	CardSales        decimal.Decimal `json:"card_sales"`
	InsuranceSales   decimal.Decimal `json:"insurance_sales"`
	WalletSales      decimal.Decimal `json:"wallet_sales"`
	RefundCount      int             `json:"refund_count"`
	RefundTotal      decimal.Decimal `json:"refund_total"`
	CashRefunds      decimal.Decimal `json:"cash_refunds"`
	CardRefunds      decimal.Decimal `json:"card_refunds"`
	InsuranceRefunds decimal.Decimal `json:"insurance_refunds"`
	WalletRefunds    decimal.Decimal `json:"wallet_refunds"`
}

// Shift is the aggregate root of a cashier session
type Shift struct {
	ID                  uuid.UUID        `json:"id"`
	PharmacyID          uuid.UUID        `json:"pharmacy_id"`
	CashierID           string           `json:"cashier_id"`
	Status              Status           `json:"status"`
	StartedAt           time.Time        `json:"started_at"`
	EndedAt             *time.Time       `json:"ended_at,omitempty"`
	OpeningBalance      decimal.Decimal  `json:"opening_balance"`
	Totals              Totals           `json:"totals"`
	ClosingBalance      *decimal.Decimal `json:"closing_balance,omitempty"`
	ExpectedBalance     *decimal.Decimal `json:"expected_balance,omitempty"`
	Variance            *decimal.Decimal `json:"variance,omitempty"`
	ReconciledBy        string           `json:"reconciled_by,omitempty"`
	ReconciledAt        *time.Time       `json:"reconciled_at,omitempty"`
	ReconciliationNotes string           `json:"reconciliation_notes,omitempty"`
	Version             int              `json:"version"`
	UpdatedAt           time.Time        `json:"updated_at"`

	changes []*events.Event
}

// Open starts a shift for cashierID.
func Open(pharmacyID uuid.UUID, cashierID string, opening decimal.Decimal, now time.Time) (*Shift, error) {
	switch {
	case pharmacyID == uuid.Nil:
		return nil, apperr.Validation("pharmacy_id", "is required")
	case cashierID == "":
		return nil, apperr.Validation("cashier_id", "is required")
	case opening.IsNegative():
		return nil, apperr.Validation("opening_balance", "must not be negative")
	}
	s := &Shift{
		ID:             uuid.New(),
		PharmacyID:     pharmacyID,
		CashierID:      cashierID,
		Status:         StatusOpen,
		StartedAt:      now,
		OpeningBalance: opening.Round(2),
		UpdatedAt:      now,
	}
	if err := s.record(events.ShiftOpened, events.ShiftData{Amount: s.OpeningBalance.StringFixed(2)}, now); err != nil {
		return nil, err
	}
	return s, nil
}

// Changes returns uncommitted events
func (s *Shift) Changes() []*events.Event { return s.changes }

// ClearChanges clears uncommitted events
func (s *Shift) ClearChanges() { s.changes = nil }

// ExpectedCash is opening balance plus cash sales minus cash refunds.
func (s *Shift) ExpectedCash() decimal.Decimal {
	return s.OpeningBalance.Add(s.Totals.CashSales).Sub(s.Totals.CashRefunds)
}

func (s *Shift) requireOpen() error {
	if s.Status != StatusOpen {
		return apperr.New(apperr.KindShiftNotOpen, "shift %s is %s", s.ID, s.Status)
	}
	return nil
}

// RecordSale adds a posted sale to the running totals.
func (s *Shift) RecordSale(txID uuid.UUID, grand decimal.Decimal, p sale.Payment, now time.Time) error {
	if err := s.requireOpen(); err != nil {
		return err
	}
	t := &s.Totals
	t.TransactionCount++
	t.TotalSales = t.TotalSales.Add(grand)
	t.CashSales = t.CashSales.Add(p.Cash)
	t.CardSales = t.CardSales.Add(p.Card)
	t.InsuranceSales = t.InsuranceSales.Add(p.Insurance)
	t.WalletSales = t.WalletSales.Add(p.Wallet)
	return s.record(events.ShiftSaleBooked, events.ShiftData{
		TransactionID: txID.String(),
		Amount:        grand.StringFixed(2),
		Tender:        string(p.Method),
	}, now)
}

// RecordRefund books a refund paid out with tender.
func (s *Shift) RecordRefund(txID uuid.UUID, amount decimal.Decimal, tender sale.Tender, now time.Time) error {
	if err := s.requireOpen(); err != nil {
		return err
	}
	t := &s.Totals
	switch tender {
	case sale.TenderCash:
		t.CashRefunds = t.CashRefunds.Add(amount)
	case sale.TenderCard:
		t.CardRefunds = t.CardRefunds.Add(amount)
	case sale.TenderInsurance:
		t.InsuranceRefunds = t.InsuranceRefunds.Add(amount)
	case sale.TenderWallet:
		t.WalletRefunds = t.WalletRefunds.Add(amount)
	default:
		return apperr.Validation("tender", "unknown tender %q", tender)
	}
	t.RefundCount++
	t.RefundTotal = t.RefundTotal.Add(amount)
	return s.record(events.ShiftRefund, events.ShiftData{
		TransactionID: txID.String(),
		Amount:        amount.StringFixed(2),
		Tender:        string(tender),
	}, now)
}

// Close fixes the counted cash and computes expected balance and variance.
func (s *Shift) Close(counted decimal.Decimal, now time.Time) error {
	if err := s.requireOpen(); err != nil {
		return err
	}
	if counted.IsNegative() {
		return apperr.Validation("closing_balance", "must not be negative")
	}
	closing := counted.Round(2)
	expected := s.ExpectedCash()
	variance := closing.Sub(expected)
	s.ClosingBalance = &closing
	s.ExpectedBalance = &expected
	s.Variance = &variance
	ended := now
	s.EndedAt = &ended
	s.Status = StatusClosed
	return s.record(events.ShiftClosed, events.ShiftData{
		Expected: expected.StringFixed(2),
		Closing:  closing.StringFixed(2),
		Variance: variance.StringFixed(2),
	}, now)
}

// Reconcile is terminal and requires a closed shift.
func (s *Shift) Reconcile(actorID, notes string, now time.Time) error {
	if s.Status != StatusClosed {
		return apperr.New(apperr.KindShiftNotClosed, "shift %s is %s", s.ID, s.Status)
	}
	if actorID == "" {
		return apperr.Validation("actor_id", "is required")
	}
	s.Status = StatusReconciled
	s.ReconciledBy = actorID
	at := now
	s.ReconciledAt = &at
	s.ReconciliationNotes = notes
	return s.record(events.ShiftReconciled, events.ShiftData{}, now)
}

// record stamps and queues an event. Payloads always carry shift id, cashier and status.
func (s *Shift) record(t events.Type, data events.ShiftData, now time.Time) error {
	data.ShiftID = s.ID.String()
	data.CashierID = s.CashierID
	data.Status = string(s.Status)
	ev, err := events.New(events.AggregateShift, s.ID.String(), t, data, now)
	if err != nil {
		return fmt.Errorf("encode %s: %w", t, err)
	}
	s.Version++
	s.UpdatedAt = now
	ev.Version = s.Version
	ev.WithActor(s.PharmacyID.String(), s.CashierID)
	s.changes = append(s.changes, ev)
	return nil
}

// Clone returns a deep copy without pending changes.
func (s *Shift) Clone() *Shift {
	c := *s
	c.changes = nil
	c.EndedAt = copyTime(s.EndedAt)
	c.ReconciledAt = copyTime(s.ReconciledAt)
	c.ClosingBalance = copyDec(s.ClosingBalance)
	c.ExpectedBalance = copyDec(s.ExpectedBalance)
	c.Variance = copyDec(s.Variance)
	return &c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func copyDec(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	v := *d
	return &v
}
