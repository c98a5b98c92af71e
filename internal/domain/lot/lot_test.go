package lot

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/drfirst/go-pharmpos/internal/apperr"
)

var now = time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)

func newLot(t *testing.T, qty, reorder int, expires time.Time) *Lot {
	t.Helper()
	l, err := Receive(uuid.New(), Receipt{
		CatalogEntryID: uuid.New(),
		BatchNumber:    "B-001",
		Quantity:       qty,
		PurchaseCost:   decimal.RequireFromString("2.10"),
		SalePrice:      decimal.RequireFromString("3.50"),
		ManufacturedOn: expires.AddDate(-2, 0, 0),
		ExpiresOn:      expires,
		ReorderLevel:   reorder,
	}, now)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	return l
}

func TestDeriveStatusPrecedence(t *testing.T) {
	future := now.AddDate(0, 1, 0)
	past := now.AddDate(0, 0, -1)
	tests := []struct {
		name     string
		recalled bool
		expires  time.Time
		qty      int
		reorder  int
		want     Status
	}{
		{"recalled beats everything", true, past, 0, 5, StatusRecalled},
		{"expired beats sold out", false, past, 0, 5, StatusExpired},
		{"expired with stock", false, past, 50, 5, StatusExpired},
		{"sold out", false, future, 0, 5, StatusSoldOut},
		{"low stock at threshold", false, future, 5, 5, StatusLowStock},
		{"low stock below threshold", false, future, 1, 5, StatusLowStock},
		{"available above threshold", false, future, 6, 5, StatusAvailable},
		{"zero reorder level", false, future, 1, 0, StatusAvailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DeriveStatus(tt.recalled, tt.expires, tt.qty, tt.reorder, now); got != tt.want {
				t.Errorf("DeriveStatus = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestExpiryDay(t *testing.T) {
	day := time.Date(2026, 6, 15, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		expires time.Time
		at      time.Time
		want    bool
	}{
		{"expiry day morning", day, day.Add(10 * time.Hour), false},
		{"expiry day last instant", day, day.Add(24*time.Hour - time.Nanosecond), false},
		{"day after", day, day.AddDate(0, 0, 1), true},
		{"previous day", day.AddDate(0, 0, -1), day.Add(10 * time.Hour), true},
		{"time of day ignored", day.Add(9 * time.Hour), day.Add(23 * time.Hour), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExpiredAt(tt.expires, tt.at); got != tt.want {
				t.Errorf("ExpiredAt = %v, want %v", got, tt.want)
			}
		})
	}

	l := newLot(t, 10, 0, day)
	if l.Status == StatusExpired || l.Expired(now) || !l.Eligible(now, true) {
		t.Errorf("lot expiring today: status %s expired %v", l.Status, l.Expired(now))
	}
}

func TestReceiveValidation(t *testing.T) {
	base := Receipt{
		CatalogEntryID: uuid.New(),
		BatchNumber:    "B-1",
		Quantity:       10,
		ManufacturedOn: now.AddDate(-1, 0, 0),
		ExpiresOn:      now.AddDate(1, 0, 0),
	}
	tests := []struct {
		name   string
		mutate func(*Receipt)
	}{
		{"zero quantity", func(r *Receipt) { r.Quantity = 0 }},
		{"negative cost", func(r *Receipt) { r.PurchaseCost = decimal.NewFromInt(-1) }},
		{"negative price", func(r *Receipt) { r.SalePrice = decimal.NewFromInt(-1) }},
		{"blank batch", func(r *Receipt) { r.BatchNumber = " " }},
		{"expiry before manufacture", func(r *Receipt) { r.ExpiresOn = r.ManufacturedOn.AddDate(0, 0, -1) }},
		{"missing entry", func(r *Receipt) { r.CatalogEntryID = uuid.Nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := base
			tt.mutate(&r)
			if _, err := Receive(uuid.New(), r, now); !errors.Is(err, apperr.ErrValidation) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestDeductBoundary(t *testing.T) {
	l := newLot(t, 10, 2, now.AddDate(0, 6, 0))

	if err := l.Deduct(11, now); !errors.Is(err, apperr.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	if l.QuantityOnHand != 10 {
		t.Fatalf("failed deduct changed quantity to %d", l.QuantityOnHand)
	}
	if err := l.Deduct(10, now); err != nil {
		t.Fatalf("deducting exactly on hand: %v", err)
	}
	if l.QuantityOnHand != 0 || l.Status != StatusSoldOut {
		t.Errorf("got qty %d status %s, want 0 sold_out", l.QuantityOnHand, l.Status)
	}
}

func TestReceiveThenDeductAllRoundTrip(t *testing.T) {
	l := newLot(t, 25, 5, now.AddDate(1, 0, 0))
	for _, q := range []int{7, 3, 15} {
		if err := l.Deduct(q, now); err != nil {
			t.Fatalf("Deduct(%d): %v", q, err)
		}
	}
	if l.QuantityOnHand != 0 {
		t.Errorf("on hand = %d, want 0", l.QuantityOnHand)
	}
	if l.Status != StatusSoldOut {
		t.Errorf("status = %s, want sold_out", l.Status)
	}
	if err := l.CheckLedger(); err != nil {
		t.Error(err)
	}
}

func TestRecallIsStickyAcrossQuantityChanges(t *testing.T) {
	l := newLot(t, 10, 2, now.AddDate(1, 0, 0))
	if err := l.Recall("supplier notice", now); err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if err := l.Restock(5, now); err != nil {
		t.Fatalf("Restock: %v", err)
	}
	if l.Status != StatusRecalled {
		t.Fatalf("status = %s after restock, want recalled", l.Status)
	}
	if l.Eligible(now, false) {
		t.Errorf("recalled lot must never be eligible")
	}
	if err := l.Unrecall(now); err != nil {
		t.Fatalf("Unrecall: %v", err)
	}
	if l.Status != StatusAvailable {
		t.Errorf("status = %s after unrecall, want available", l.Status)
	}
}

func TestEligible(t *testing.T) {
	expired := newLot(t, 5, 0, now.AddDate(0, 0, -1))
	if expired.Eligible(now, true) {
		t.Errorf("expired lot eligible with lock on")
	}
	if !expired.Eligible(now, false) {
		t.Errorf("expired lot should be eligible with lock off")
	}
	deleted := newLot(t, 5, 0, now.AddDate(1, 0, 0))
	_ = deleted.SoftDelete(now)
	if deleted.Eligible(now, false) {
		t.Errorf("deleted lot eligible")
	}
}

// Random interleavings of deducts and restocks never drive stock negative
// and always keep the ledger identity.
func TestRandomInterleavingsKeepLedger(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for run := 0; run < 200; run++ {
		l := newLot(t, 1+rng.Intn(50), rng.Intn(10), now.AddDate(0, rng.Intn(12)+1, 0))
		for step := 0; step < 100; step++ {
			q := 1 + rng.Intn(20)
			before := l.QuantityOnHand
			if rng.Intn(3) == 0 {
				if err := l.Restock(q, now); err != nil {
					t.Fatalf("Restock: %v", err)
				}
			} else if err := l.Deduct(q, now); err != nil {
				if !errors.Is(err, apperr.ErrInsufficientStock) {
					t.Fatalf("Deduct: unexpected error %v", err)
				}
				if q <= before {
					t.Fatalf("deduct %d rejected with %d on hand", q, before)
				}
				if l.QuantityOnHand != before {
					t.Fatalf("rejected deduct changed quantity")
				}
			}
			if l.QuantityOnHand < 0 {
				t.Fatalf("negative quantity %d", l.QuantityOnHand)
			}
			if err := l.CheckLedger(); err != nil {
				t.Fatal(err)
			}
			if l.Status != l.StatusAt(now) {
				t.Fatalf("stale status %s", l.Status)
			}
		}
	}
}

func TestSummarize(t *testing.T) {
	entry := uuid.New()
	a := newLot(t, 10, 0, now.AddDate(0, 3, 0))
	b := newLot(t, 4, 0, now.AddDate(0, 1, 0))
	expired := newLot(t, 6, 0, now.AddDate(0, 0, -2))
	recalled := newLot(t, 3, 0, now.AddDate(1, 0, 0))
	_ = recalled.Recall("contamination", now)
	deleted := newLot(t, 100, 0, now.AddDate(1, 0, 0))
	_ = deleted.SoftDelete(now)

	s := Summarize(entry, []*Lot{a, b, expired, recalled, deleted}, 15, now)
	if s.LotCount != 4 || s.OnHand != 23 {
		t.Errorf("lot count %d on hand %d, want 4 and 23", s.LotCount, s.OnHand)
	}
	if s.Dispensable != 14 || s.Expired != 6 || s.Recalled != 3 {
		t.Errorf("dispensable %d expired %d recalled %d", s.Dispensable, s.Expired, s.Recalled)
	}
	if s.NextExpiry == nil || !s.NextExpiry.Equal(b.ExpiresOn) {
		t.Errorf("next expiry = %v, want %v", s.NextExpiry, b.ExpiresOn)
	}
	if s.Status != StatusLowStock {
		t.Errorf("status = %s, want low_stock", s.Status)
	}
}
