package lot

import (
	"time"

	"github.com/google/uuid"
)

// Summary is a read-only stock projection for one catalog entry, rebuilt from
// the ledger on every read.
type Summary struct {
	CatalogEntryID uuid.UUID  `json:"catalog_entry_id"`
	LotCount       int        `json:"lot_count"`
	OnHand         int        `json:"on_hand"`
	Dispensable    int        `json:"dispensable"`
	Expired        int        `json:"expired"`
	Recalled       int        `json:"recalled"`
	NextExpiry     *time.Time `json:"next_expiry,omitempty"`
	Status         Status     `json:"status"`
}

// Summarize folds lots into a Summary. Soft-deleted lots are ignored.
// reorderLevel is the catalog entry's threshold.
func Summarize(entryID uuid.UUID, lots []*Lot, reorderLevel int, now time.Time) Summary {
	s := Summary{CatalogEntryID: entryID}
	for _, l := range lots {
		if l.Deleted {
			continue
		}
		s.LotCount++
		s.OnHand += l.QuantityOnHand
		switch {
		case l.Recalled:
			s.Recalled += l.QuantityOnHand
		case l.Expired(now):
			s.Expired += l.QuantityOnHand
		default:
			s.Dispensable += l.QuantityOnHand
			if l.QuantityOnHand > 0 && (s.NextExpiry == nil || l.ExpiresOn.Before(*s.NextExpiry)) {
				exp := l.ExpiresOn
				s.NextExpiry = &exp
			}
		}
	}
	switch {
	case s.Dispensable == 0:
		s.Status = StatusSoldOut
	case s.Dispensable <= reorderLevel:
		s.Status = StatusLowStock
	default:
		s.Status = StatusAvailable
	}
	return s
}
