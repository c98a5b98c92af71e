// Package lot implements the lot ledger: one record per received batch and the
// only place physical stock is counted.
package lot

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/drfirst/go-pharmpos/internal/apperr"
)

// Status represents the derived stock status of a lot
type Status string

const (
	StatusAvailable Status = "available"
	StatusLowStock  Status = "low_stock"
	StatusSoldOut   Status = "sold_out"
	StatusExpired   Status = "expired"
	StatusRecalled  Status = "recalled"
)

// DeriveStatus applies the status precedence: recalled, expired, sold out,
// low stock, available.
func DeriveStatus(recalled bool, expiresOn time.Time, onHand, reorderLevel int, now time.Time) Status {
	switch {
	case recalled:
		return StatusRecalled
	case ExpiredAt(expiresOn, now):
		return StatusExpired
	case onHand == 0:
		return StatusSoldOut
	case onHand <= reorderLevel:
		return StatusLowStock
	default:
		return StatusAvailable
	}
}

// ExpiredAt reports whether stock expiring on expiresOn is expired at now.
// Expiry is a calendar date in expiresOn's location: the lot stays sellable
// through the whole of that day.
func ExpiredAt(expiresOn, now time.Time) bool {
	y, m, d := expiresOn.Date()
	return !now.Before(time.Date(y, m, d+1, 0, 0, 0, 0, expiresOn.Location()))
}

// Lot is a discrete dated quantity of one catalog entry.
type Lot struct {
	ID                uuid.UUID       `json:"id"`
	PharmacyID        uuid.UUID       `json:"pharmacy_id"`
	CatalogEntryID    uuid.UUID       `json:"catalog_entry_id"`
	BatchNumber       string          `json:"batch_number"`
	Barcode           *string         `json:"barcode,omitempty"`
	QuantityReceived  int             `json:"quantity_received"`
	QuantityDeducted  int             `json:"quantity_deducted"`
	QuantityRestocked int             `json:"quantity_restocked"`
	QuantityOnHand    int             `json:"quantity_on_hand"`
	PurchaseCost      decimal.Decimal `json:"purchase_cost"`
	SalePrice         decimal.Decimal `json:"sale_price"` // zero: priced at the catalog base price
	ManufacturedOn    time.Time       `json:"manufactured_on"`
	ExpiresOn         time.Time       `json:"expires_on"`
	Controlled        bool            `json:"controlled"`
	ReorderLevel      int             `json:"reorder_level"`
	Recalled          bool            `json:"recalled"`
	RecallReason      string          `json:"recall_reason,omitempty"`
	Status            Status          `json:"status"`
	Deleted           bool            `json:"deleted"`
	DeletedAt         *time.Time      `json:"deleted_at,omitempty"`
	Version           int             `json:"version"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Receipt holds the fields of a stock receipt.
type Receipt struct {
	CatalogEntryID uuid.UUID
	BatchNumber    string
	Barcode        string
	Quantity       int
	PurchaseCost   decimal.Decimal
	// SalePrice is the lot's MRP. Zero means the lot carries no MRP and sells
	// at the catalog entry's base price.
	SalePrice      decimal.Decimal
	ManufacturedOn time.Time
	ExpiresOn      time.Time
	Controlled     bool
	ReorderLevel   int
}

// Receive validates r and creates a lot holding the received quantity.
func Receive(pharmacyID uuid.UUID, r Receipt, now time.Time) (*Lot, error) {
	r.BatchNumber = strings.TrimSpace(r.BatchNumber)
	r.Barcode = strings.TrimSpace(r.Barcode)
	switch {
	case pharmacyID == uuid.Nil:
		return nil, apperr.Validation("pharmacy_id", "is required")
	case r.CatalogEntryID == uuid.Nil:
		return nil, apperr.Validation("catalog_entry_id", "is required")
	case r.BatchNumber == "":
		return nil, apperr.Validation("batch_number", "is required")
	case r.Quantity <= 0:
		return nil, apperr.Validation("quantity", "must be positive")
	case r.PurchaseCost.IsNegative():
		return nil, apperr.Validation("purchase_cost", "must not be negative")
	case r.SalePrice.IsNegative():
		return nil, apperr.Validation("sale_price", "must not be negative")
	case r.ExpiresOn.IsZero():
		return nil, apperr.Validation("expires_on", "is required")
	case !r.ManufacturedOn.IsZero() && !r.ExpiresOn.After(r.ManufacturedOn):
		return nil, apperr.Validation("expires_on", "must be after manufactured_on")
	case r.ReorderLevel < 0:
		return nil, apperr.Validation("reorder_level", "must not be negative")
	}

	l := &Lot{
		ID:               uuid.New(),
		PharmacyID:       pharmacyID,
		CatalogEntryID:   r.CatalogEntryID,
		BatchNumber:      r.BatchNumber,
		QuantityReceived: r.Quantity,
		QuantityOnHand:   r.Quantity,
		PurchaseCost:     r.PurchaseCost.Round(2),
		SalePrice:        r.SalePrice.Round(2),
		ManufacturedOn:   r.ManufacturedOn,
		ExpiresOn:        r.ExpiresOn,
		Controlled:       r.Controlled,
		ReorderLevel:     r.ReorderLevel,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if r.Barcode != "" {
		bc := r.Barcode
		l.Barcode = &bc
	}
	l.Status = l.StatusAt(now)
	return l, nil
}

// StatusAt recomputes the status at now. The stored Status is never trusted.
func (l *Lot) StatusAt(now time.Time) Status {
	return DeriveStatus(l.Recalled, l.ExpiresOn, l.QuantityOnHand, l.ReorderLevel, now)
}

// Refresh recomputes Status and reports the previous value.
func (l *Lot) Refresh(now time.Time) (prev Status, changed bool) {
	prev = l.Status
	l.Status = l.StatusAt(now)
	return prev, prev != l.Status
}

// Expired reports whether the lot is past its expiry date at now.
func (l *Lot) Expired(now time.Time) bool {
	return ExpiredAt(l.ExpiresOn, now)
}

// Eligible reports whether the lot may be dispensed from at now.
func (l *Lot) Eligible(now time.Time, expiredLock bool) bool {
	if l.Deleted || l.Recalled {
		return false
	}
	if expiredLock && l.Expired(now) {
		return false
	}
	return l.QuantityOnHand > 0
}

// Deduct removes qty from the lot. It is the only way stock decreases.
func (l *Lot) Deduct(qty int, now time.Time) error {
	if qty <= 0 {
		return apperr.Validation("quantity", "must be positive")
	}
	if l.Deleted {
		return apperr.New(apperr.KindValidation, "lot %s is deleted", l.BatchNumber)
	}
	if l.QuantityOnHand < qty {
		return apperr.New(apperr.KindInsufficientStock,
			"lot %s has %d on hand, %d requested", l.BatchNumber, l.QuantityOnHand, qty)
	}
	l.QuantityOnHand -= qty
	l.QuantityDeducted += qty
	l.touch(now)
	return nil
}

// Restock returns qty to the lot.
func (l *Lot) Restock(qty int, now time.Time) error {
	if qty <= 0 {
		return apperr.Validation("quantity", "must be positive")
	}
	if l.Deleted {
		return apperr.New(apperr.KindValidation, "lot %s is deleted", l.BatchNumber)
	}
	l.QuantityOnHand += qty
	l.QuantityRestocked += qty
	l.touch(now)
	return nil
}

// Recall marks the lot recalled. Only Unrecall clears it.
func (l *Lot) Recall(reason string, now time.Time) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return apperr.Validation("reason", "is required")
	}
	if l.Recalled {
		return apperr.New(apperr.KindValidation, "lot %s is already recalled", l.BatchNumber)
	}
	l.Recalled = true
	l.RecallReason = reason
	l.touch(now)
	return nil
}

// Unrecall clears the recall flag.
func (l *Lot) Unrecall(now time.Time) error {
	if !l.Recalled {
		return apperr.New(apperr.KindValidation, "lot %s is not recalled", l.BatchNumber)
	}
	l.Recalled = false
	l.RecallReason = ""
	l.touch(now)
	return nil
}

// SoftDelete hides the lot from dispensing while keeping it for traceability.
func (l *Lot) SoftDelete(now time.Time) error {
	if l.Deleted {
		return apperr.New(apperr.KindValidation, "lot %s is already deleted", l.BatchNumber)
	}
	l.Deleted = true
	t := now
	l.DeletedAt = &t
	l.touch(now)
	return nil
}

func (l *Lot) touch(now time.Time) {
	l.UpdatedAt = now
	l.Status = l.StatusAt(now)
}

// CheckLedger verifies the quantity ledger identity.
func (l *Lot) CheckLedger() error {
	if l.QuantityOnHand < 0 {
		return fmt.Errorf("lot %s: negative quantity on hand %d", l.ID, l.QuantityOnHand)
	}
	if l.QuantityReceived+l.QuantityRestocked-l.QuantityDeducted != l.QuantityOnHand {
		return fmt.Errorf("lot %s: received %d + restocked %d - deducted %d != on hand %d",
			l.ID, l.QuantityReceived, l.QuantityRestocked, l.QuantityDeducted, l.QuantityOnHand)
	}
	return nil
}

// Clone returns a deep copy.
func (l *Lot) Clone() *Lot {
	c := *l
	if l.Barcode != nil {
		bc := *l.Barcode
		c.Barcode = &bc
	}
	if l.DeletedAt != nil {
		t := *l.DeletedAt
		c.DeletedAt = &t
	}
	return &c
}
