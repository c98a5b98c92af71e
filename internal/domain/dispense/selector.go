// Package dispense chooses which lots fill a requested quantity. Planning is
// pure: it never mutates a lot.
package dispense

import (
	"bytes"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/drfirst/go-pharmpos/internal/apperr"
	"github.com/drfirst/go-pharmpos/internal/domain/lot"
)

// Request asks for Quantity units of one catalog entry.
type Request struct {
	CatalogEntryID uuid.UUID
	Quantity       int
	ExpiredLock    bool
	// PinnedLotID restricts the plan to a single lot.
	PinnedLotID *uuid.UUID
}

// Allocation is one step of a plan.
type Allocation struct {
	LotID       uuid.UUID       `json:"lot_id"`
	BatchNumber string          `json:"batch_number"`
	Quantity    int             `json:"quantity"`
	ExpiresOn   time.Time       `json:"expires_on"`
	SalePrice   decimal.Decimal `json:"sale_price"`
	Controlled  bool            `json:"controlled"`
}

// Plan covers the requested quantity exactly.
type Plan struct {
	CatalogEntryID uuid.UUID    `json:"catalog_entry_id"`
	Requested      int          `json:"requested"`
	Available      int          `json:"available"`
	Allocations    []Allocation `json:"allocations"`
}

// Controlled reports whether any allocated lot is a controlled substance.
func (p *Plan) Controlled() bool {
	for _, a := range p.Allocations {
		if a.Controlled {
			return true
		}
	}
	return false
}

// Select builds a first-expire-first-out plan over lots. Recalled and deleted
// lots are never eligible, expired lots are excluded when req.ExpiredLock is
// set. Ties on expiry are broken by ascending lot id.
func Select(lots []*lot.Lot, req Request, now time.Time) (*Plan, error) {
	if req.Quantity <= 0 {
		return nil, apperr.Validation("quantity", "must be positive")
	}
	if req.PinnedLotID != nil {
		return selectPinned(lots, req, now)
	}

	eligible := make([]*lot.Lot, 0, len(lots))
	available := 0
	for _, l := range lots {
		if l.CatalogEntryID != req.CatalogEntryID || !l.Eligible(now, req.ExpiredLock) {
			continue
		}
		eligible = append(eligible, l)
		available += l.QuantityOnHand
	}
	if available < req.Quantity {
		return nil, apperr.New(apperr.KindInsufficientStock,
			"catalog entry %s: %d eligible, %d requested, short %d",
			req.CatalogEntryID, available, req.Quantity, req.Quantity-available)
	}

	slices.SortFunc(eligible, compareFEFO)

	plan := &Plan{CatalogEntryID: req.CatalogEntryID, Requested: req.Quantity, Available: available}
	remaining := req.Quantity
	for _, l := range eligible {
		if remaining == 0 {
			break
		}
		take := min(remaining, l.QuantityOnHand)
		plan.Allocations = append(plan.Allocations, allocate(l, take))
		remaining -= take
	}
	return plan, nil
}

func selectPinned(lots []*lot.Lot, req Request, now time.Time) (*Plan, error) {
	var pinned *lot.Lot
	for _, l := range lots {
		if l.ID == *req.PinnedLotID {
			pinned = l
			break
		}
	}
	if pinned == nil || pinned.Deleted || pinned.CatalogEntryID != req.CatalogEntryID {
		return nil, apperr.NotFound("lot", *req.PinnedLotID)
	}
	switch {
	case pinned.Recalled:
		return nil, apperr.New(apperr.KindLotRecalled, "lot %s is recalled", pinned.BatchNumber)
	case req.ExpiredLock && pinned.Expired(now):
		return nil, apperr.New(apperr.KindExpiredDrugLocked,
			"lot %s expired on %s", pinned.BatchNumber, pinned.ExpiresOn.Format(time.DateOnly))
	case pinned.QuantityOnHand < req.Quantity:
		return nil, apperr.New(apperr.KindInsufficientStock,
			"lot %s: %d on hand, %d requested", pinned.BatchNumber, pinned.QuantityOnHand, req.Quantity)
	}
	return &Plan{
		CatalogEntryID: req.CatalogEntryID,
		Requested:      req.Quantity,
		Available:      pinned.QuantityOnHand,
		Allocations:    []Allocation{allocate(pinned, req.Quantity)},
	}, nil
}

func allocate(l *lot.Lot, qty int) Allocation {
	return Allocation{
		LotID:       l.ID,
		BatchNumber: l.BatchNumber,
		Quantity:    qty,
		ExpiresOn:   l.ExpiresOn,
		SalePrice:   l.SalePrice,
		Controlled:  l.Controlled,
	}
}

func compareFEFO(a, b *lot.Lot) int {
	if c := a.ExpiresOn.Compare(b.ExpiresOn); c != 0 {
		return c
	}
	return bytes.Compare(a.ID[:], b.ID[:])
}
