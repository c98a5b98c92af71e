package sale

import (
	"fmt"
	"time"
)

// TransactionScope names the daily sequence used for transaction numbers.
func TransactionScope(at time.Time) string {
	return "txn:" + at.UTC().Format("20060102")
}

// InvoiceScope names the monthly sequence used for invoice numbers.
func InvoiceScope(at time.Time) string {
	return "inv:" + at.UTC().Format("200601")
}

// TransactionNumber formats TXN-YYYYMMDD-NNNNNN.
func TransactionNumber(at time.Time, seq int64) string {
	return fmt.Sprintf("TXN-%s-%06d", at.UTC().Format("20060102"), seq)
}

// InvoiceNumber formats INV-YYYYMM-NNNNN.
func InvoiceNumber(at time.Time, seq int64) string {
	return fmt.Sprintf("INV-%s-%05d", at.UTC().Format("200601"), seq)
}
