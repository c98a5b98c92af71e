package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/drfirst/go-pharmpos/internal/domain/sale"
	"github.com/drfirst/go-pharmpos/internal/store"
)

const saleColumns = `id, pharmacy_id, shift_id, cashier_id, transaction_number, invoice_number,
	prescription_id, pharmacist_id, payment_method, paid_cash, paid_card, paid_insurance, paid_wallet,
	subtotal, tax_total, discount_total, grand_total,
	refund_status, refund_amount, refund_count, refund_reason, refund_actor_id, refund_shift_id,
	refund_tender, refunded_at, refunded_cash, refunded_card, refunded_insurance, refunded_wallet,
	customer, created_at`

type saleRepo struct{ tx pgx.Tx }

func (r saleRepo) Create(ctx context.Context, t *sale.Transaction) error {
	customer, err := marshalCustomer(t.Customer)
	if err != nil {
		return err
	}
	_, err = r.tx.Exec(ctx, `
		INSERT INTO sale_transactions (`+saleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17,
		        $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29, $30, $31)`,
		t.ID, t.PharmacyID, t.ShiftID, t.CashierID, t.TransactionNumber, t.InvoiceNumber,
		t.PrescriptionID, t.PharmacistID, string(t.Payment.Method),
		t.Payment.Cash, t.Payment.Card, t.Payment.Insurance, t.Payment.Wallet,
		t.Subtotal, t.TaxTotal, t.DiscountTotal, t.GrandTotal,
		string(refundStatus(t.Refund.Status)), t.Refund.Amount, t.Refund.Count, t.Refund.Reason, t.Refund.ActorID,
		t.Refund.ShiftID, string(t.Refund.Tender), t.Refund.RefundedAt,
		t.Refund.ByTender.Cash, t.Refund.ByTender.Card, t.Refund.ByTender.Insurance, t.Refund.ByTender.Wallet,
		customer, t.CreatedAt)
	if err != nil {
		return mapError(err)
	}

	batch := &pgx.Batch{}
	for i, ln := range t.Lines {
		batch.Queue(`
			INSERT INTO sale_line_items (transaction_id, line_no, pharmacy_id, catalog_entry_id, lot_id,
			                             batch_number, name, quantity, unit_price, discount, tax_rate, tax, total, controlled)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
			t.ID, i+1, t.PharmacyID, ln.CatalogEntryID, ln.LotID,
			ln.BatchNumber, ln.Name, ln.Quantity, ln.UnitPrice, ln.Discount, ln.TaxRate, ln.Tax, ln.Total, ln.Controlled)
	}
	return mapError(r.tx.SendBatch(ctx, batch).Close())
}

func (r saleRepo) Get(ctx context.Context, pharmacyID, id uuid.UUID) (*sale.Transaction, error) {
	return r.load(ctx, `SELECT `+saleColumns+` FROM sale_transactions WHERE pharmacy_id = $1 AND id = $2`, pharmacyID, id)
}

func (r saleRepo) GetForUpdate(ctx context.Context, pharmacyID, id uuid.UUID) (*sale.Transaction, error) {
	return r.load(ctx, `SELECT `+saleColumns+` FROM sale_transactions WHERE pharmacy_id = $1 AND id = $2 FOR UPDATE`, pharmacyID, id)
}

func (r saleRepo) load(ctx context.Context, query string, pharmacyID, id uuid.UUID) (*sale.Transaction, error) {
	t, err := scanSale(r.tx.QueryRow(ctx, query, pharmacyID, id))
	if err != nil {
		return nil, err
	}
	rows, err := r.tx.Query(ctx, `
		SELECT catalog_entry_id, lot_id, batch_number, name, quantity, unit_price, discount, tax_rate, tax, total, controlled
		FROM sale_line_items WHERE transaction_id = $1 ORDER BY line_no`, t.ID)
	if err != nil {
		return nil, fmt.Errorf("load lines: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var ln sale.Line
		if err := rows.Scan(&ln.CatalogEntryID, &ln.LotID, &ln.BatchNumber, &ln.Name, &ln.Quantity,
			&ln.UnitPrice, &ln.Discount, &ln.TaxRate, &ln.Tax, &ln.Total, &ln.Controlled); err != nil {
			return nil, err
		}
		t.Lines = append(t.Lines, ln)
	}
	return t, rows.Err()
}

func scanSale(row pgx.Row) (*sale.Transaction, error) {
	var (
		t                     sale.Transaction
		method, status, tender string
		customer              []byte
	)
	err := row.Scan(&t.ID, &t.PharmacyID, &t.ShiftID, &t.CashierID, &t.TransactionNumber, &t.InvoiceNumber,
		&t.PrescriptionID, &t.PharmacistID, &method,
		&t.Payment.Cash, &t.Payment.Card, &t.Payment.Insurance, &t.Payment.Wallet,
		&t.Subtotal, &t.TaxTotal, &t.DiscountTotal, &t.GrandTotal,
		&status, &t.Refund.Amount, &t.Refund.Count, &t.Refund.Reason, &t.Refund.ActorID, &t.Refund.ShiftID,
		&tender, &t.Refund.RefundedAt,
		&t.Refund.ByTender.Cash, &t.Refund.ByTender.Card, &t.Refund.ByTender.Insurance, &t.Refund.ByTender.Wallet,
		&customer, &t.CreatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	t.Payment.Method = sale.Tender(method)
	t.Refund.Status = sale.RefundStatus(status)
	t.Refund.Tender = sale.Tender(tender)
	if len(customer) > 0 {
		t.Customer = &sale.Customer{}
		if err := json.Unmarshal(customer, t.Customer); err != nil {
			return nil, fmt.Errorf("decode customer: %w", err)
		}
	}
	return &t, nil
}

func (r saleRepo) UpdateRefund(ctx context.Context, t *sale.Transaction) error {
	tag, err := r.tx.Exec(ctx, `
		UPDATE sale_transactions
		SET refund_status = $3, refund_amount = $4, refund_count = $5, refund_reason = $6,
		    refund_actor_id = $7, refund_shift_id = $8, refund_tender = $9, refunded_at = $10,
		    refunded_cash = $11, refunded_card = $12, refunded_insurance = $13, refunded_wallet = $14
		WHERE pharmacy_id = $1 AND id = $2`,
		t.PharmacyID, t.ID, string(refundStatus(t.Refund.Status)), t.Refund.Amount, t.Refund.Count, t.Refund.Reason,
		t.Refund.ActorID, t.Refund.ShiftID, string(t.Refund.Tender), t.Refund.RefundedAt,
		t.Refund.ByTender.Cash, t.Refund.ByTender.Card, t.Refund.ByTender.Insurance, t.Refund.ByTender.Wallet)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Report aggregates in SQL; refunds are attributed to the sale's window.
func (r saleRepo) Report(ctx context.Context, pharmacyID uuid.UUID, from, to time.Time) (*sale.Report, error) {
	rep := &sale.Report{From: from, To: to}
	err := r.tx.QueryRow(ctx, `
		SELECT count(*),
		       COALESCE(sum(subtotal), 0), COALESCE(sum(discount_total), 0),
		       COALESCE(sum(tax_total), 0), COALESCE(sum(grand_total), 0),
		       count(*) FILTER (WHERE refund_status <> 'none'), COALESCE(sum(refund_amount), 0),
		       COALESCE(sum(paid_cash), 0), COALESCE(sum(paid_card), 0),
		       COALESCE(sum(paid_insurance), 0), COALESCE(sum(paid_wallet), 0)
		FROM sale_transactions
		WHERE pharmacy_id = $1 AND created_at >= $2 AND created_at < $3`, pharmacyID, from, to).
		Scan(&rep.TransactionCount, &rep.Subtotal, &rep.DiscountTotal, &rep.TaxTotal, &rep.GrandTotal,
			&rep.RefundCount, &rep.RefundTotal, &rep.Cash, &rep.Card, &rep.Insurance, &rep.Wallet)
	if err != nil {
		return nil, fmt.Errorf("sales report: %w", err)
	}
	rep.NetRevenue = rep.GrandTotal.Sub(rep.RefundTotal)
	return rep, nil
}

func refundStatus(s sale.RefundStatus) sale.RefundStatus {
	if s == "" {
		return sale.RefundNone
	}
	return s
}

func marshalCustomer(c *sale.Customer) ([]byte, error) {
	if c == nil {
		return nil, nil
	}
	b, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode customer: %w", err)
	}
	return b, nil
}
