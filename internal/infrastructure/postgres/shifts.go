package postgres

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/drfirst/go-pharmpos/internal/domain/shift"
	"github.com/drfirst/go-pharmpos/internal/store"
)

const shiftColumns = `id, pharmacy_id, cashier_id, status, started_at, ended_at, opening_balance,
	transaction_count, total_sales, cash_sales, card_sales, insurance_sales, wallet_sales,
	refund_count, refund_total, cash_refunds, card_refunds, insurance_refunds, wallet_refunds,
	closing_balance, expected_balance, variance, reconciled_by, reconciled_at, reconciliation_notes,
	version, updated_at`

type shiftRepo struct{ tx pgx.Tx }

func scanShift(row pgx.Row) (*shift.Shift, error) {
	var (
		s      shift.Shift
		status string
		t      = &s.Totals
	)
	err := row.Scan(&s.ID, &s.PharmacyID, &s.CashierID, &status, &s.StartedAt, &s.EndedAt, &s.OpeningBalance,
		&t.TransactionCount, &t.TotalSales, &t.CashSales, &t.CardSales, &t.InsuranceSales, &t.WalletSales,
		&t.RefundCount, &t.RefundTotal, &t.CashRefunds, &t.CardRefunds, &t.InsuranceRefunds, &t.WalletRefunds,
		&s.ClosingBalance, &s.ExpectedBalance, &s.Variance, &s.ReconciledBy, &s.ReconciledAt, &s.ReconciliationNotes,
		&s.Version, &s.UpdatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	s.Status = shift.Status(status)
	return &s, nil
}

func (r shiftRepo) Create(ctx context.Context, s *shift.Shift) error {
	t := s.Totals
	_, err := r.tx.Exec(ctx, `
		INSERT INTO shifts (`+shiftColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19,
		        $20, $21, $22, $23, $24, $25, $26, $27)`,
		s.ID, s.PharmacyID, s.CashierID, string(s.Status), s.StartedAt, s.EndedAt, s.OpeningBalance,
		t.TransactionCount, t.TotalSales, t.CashSales, t.CardSales, t.InsuranceSales, t.WalletSales,
		t.RefundCount, t.RefundTotal, t.CashRefunds, t.CardRefunds, t.InsuranceRefunds, t.WalletRefunds,
		s.ClosingBalance, s.ExpectedBalance, s.Variance, s.ReconciledBy, s.ReconciledAt, s.ReconciliationNotes,
		s.Version, s.UpdatedAt)
	return mapError(err)
}

func (r shiftRepo) Get(ctx context.Context, pharmacyID, id uuid.UUID) (*shift.Shift, error) {
	return scanShift(r.tx.QueryRow(ctx,
		`SELECT `+shiftColumns+` FROM shifts WHERE pharmacy_id = $1 AND id = $2`, pharmacyID, id))
}

func (r shiftRepo) GetForUpdate(ctx context.Context, pharmacyID, id uuid.UUID) (*shift.Shift, error) {
	return scanShift(r.tx.QueryRow(ctx,
		`SELECT `+shiftColumns+` FROM shifts WHERE pharmacy_id = $1 AND id = $2 FOR UPDATE`, pharmacyID, id))
}

func (r shiftRepo) GetOpenByCashier(ctx context.Context, pharmacyID uuid.UUID, cashierID string) (*shift.Shift, error) {
	return scanShift(r.tx.QueryRow(ctx,
		`SELECT `+shiftColumns+` FROM shifts WHERE pharmacy_id = $1 AND cashier_id = $2 AND status = 'open'`,
		pharmacyID, cashierID))
}

func (r shiftRepo) Update(ctx context.Context, s *shift.Shift) error {
	t := s.Totals
	tag, err := r.tx.Exec(ctx, `
		UPDATE shifts
		SET status = $3, ended_at = $4,
		    transaction_count = $5, total_sales = $6, cash_sales = $7, card_sales = $8,
		    insurance_sales = $9, wallet_sales = $10, refund_count = $11, refund_total = $12,
		    cash_refunds = $13, card_refunds = $14, insurance_refunds = $15, wallet_refunds = $16,
		    closing_balance = $17, expected_balance = $18, variance = $19,
		    reconciled_by = $20, reconciled_at = $21, reconciliation_notes = $22,
		    version = $23, updated_at = $24
		WHERE pharmacy_id = $1 AND id = $2`,
		s.PharmacyID, s.ID, string(s.Status), s.EndedAt,
		t.TransactionCount, t.TotalSales, t.CashSales, t.CardSales,
		t.InsuranceSales, t.WalletSales, t.RefundCount, t.RefundTotal,
		t.CashRefunds, t.CardRefunds, t.InsuranceRefunds, t.WalletRefunds,
		s.ClosingBalance, s.ExpectedBalance, s.Variance,
		s.ReconciledBy, s.ReconciledAt, s.ReconciliationNotes,
		s.Version, s.UpdatedAt)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}
