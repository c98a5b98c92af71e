package dispense

import (
	"errors"
	"math/rand"
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/drfirst/go-pharmpos/internal/apperr"
	"github.com/drfirst/go-pharmpos/internal/domain/lot"
)

var now = time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)

func mkLot(t *testing.T, entry uuid.UUID, batch string, qty int, expires time.Time) *lot.Lot {
	t.Helper()
	l, err := lot.Receive(uuid.New(), lot.Receipt{
		CatalogEntryID: entry,
		BatchNumber:    batch,
		Quantity:       qty,
		SalePrice:      decimal.NewFromInt(4),
		ExpiresOn:      expires,
		ReorderLevel:   5,
	}, now.AddDate(-1, 0, 0))
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	return l
}

func TestSelectEarliestExpiryFirst(t *testing.T) {
	m := uuid.New()
	l1 := mkLot(t, m, "L1", 10, now.AddDate(0, 0, 30))
	l2 := mkLot(t, m, "L2", 10, now.AddDate(0, 0, 90))

	plan, err := Select([]*lot.Lot{l2, l1}, Request{CatalogEntryID: m, Quantity: 15, ExpiredLock: true}, now)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	want := []struct {
		id  uuid.UUID
		qty int
	}{{l1.ID, 10}, {l2.ID, 5}}
	if len(plan.Allocations) != len(want) {
		t.Fatalf("got %d allocations, want %d", len(plan.Allocations), len(want))
	}
	for i, w := range want {
		if plan.Allocations[i].LotID != w.id || plan.Allocations[i].Quantity != w.qty {
			t.Errorf("allocation %d = (%s, %d), want (%s, %d)", i,
				plan.Allocations[i].BatchNumber, plan.Allocations[i].Quantity, w.id, w.qty)
		}
	}
	if l1.QuantityOnHand != 10 || l2.QuantityOnHand != 10 {
		t.Errorf("planning mutated lots")
	}
}

func TestSelectExpiredOnlyStockWithLock(t *testing.T) {
	n := uuid.New()
	l3 := mkLot(t, n, "L3", 5, now.AddDate(0, 0, -1))

	_, err := Select([]*lot.Lot{l3}, Request{CatalogEntryID: n, Quantity: 1, ExpiredLock: true}, now)
	if !errors.Is(err, apperr.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	if errors.Is(err, apperr.ErrExpiredDrugLocked) {
		t.Errorf("unpinned planning must not raise expired drug locked")
	}

	plan, err := Select([]*lot.Lot{l3}, Request{CatalogEntryID: n, Quantity: 1}, now)
	if err != nil {
		t.Fatalf("expired stock with lock off: %v", err)
	}
	if plan.Allocations[0].LotID != l3.ID {
		t.Errorf("expected L3 to be allocated")
	}
}

func TestSelectExcludesRecalledAndDeleted(t *testing.T) {
	m := uuid.New()
	recalled := mkLot(t, m, "R", 50, now.AddDate(0, 0, 10))
	_ = recalled.Recall("recall notice", now)
	deleted := mkLot(t, m, "D", 50, now.AddDate(0, 0, 11))
	_ = deleted.SoftDelete(now)
	ok := mkLot(t, m, "OK", 3, now.AddDate(0, 0, 200))
	other := mkLot(t, uuid.New(), "OTHER", 100, now.AddDate(0, 0, 1))

	lots := []*lot.Lot{recalled, deleted, ok, other}
	if _, err := Select(lots, Request{CatalogEntryID: m, Quantity: 4}, now); !errors.Is(err, apperr.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	plan, err := Select(lots, Request{CatalogEntryID: m, Quantity: 3}, now)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(plan.Allocations) != 1 || plan.Allocations[0].LotID != ok.ID {
		t.Errorf("unexpected plan %+v", plan.Allocations)
	}
	if plan.Available != 3 {
		t.Errorf("available = %d, want 3", plan.Available)
	}
}

func TestSelectDeterministic(t *testing.T) {
	m := uuid.New()
	same := now.AddDate(0, 2, 0)
	lots := []*lot.Lot{
		mkLot(t, m, "A", 4, same),
		mkLot(t, m, "B", 4, same),
		mkLot(t, m, "C", 4, same),
		mkLot(t, m, "D", 7, now.AddDate(0, 1, 0)),
		mkLot(t, m, "E", 9, now.AddDate(0, 5, 0)),
	}
	req := Request{CatalogEntryID: m, Quantity: 17, ExpiredLock: true}
	first, err := Select(lots, req, now)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if first.Allocations[0].BatchNumber != "D" {
		t.Errorf("earliest expiry not chosen first: %s", first.Allocations[0].BatchNumber)
	}
	for i := 1; i < len(first.Allocations); i++ {
		prev, cur := first.Allocations[i-1], first.Allocations[i]
		if cur.ExpiresOn.Before(prev.ExpiresOn) {
			t.Fatalf("allocations not ordered by expiry")
		}
		if cur.ExpiresOn.Equal(prev.ExpiresOn) && cur.LotID.String() < prev.LotID.String() {
			t.Fatalf("tie not broken by ascending lot id")
		}
	}

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 50; i++ {
		shuffled := append([]*lot.Lot(nil), lots...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		again, err := Select(shuffled, req, now)
		if err != nil {
			t.Fatalf("Select: %v", err)
		}
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("plan changed with input order")
		}
	}
}

func TestSelectPinned(t *testing.T) {
	m := uuid.New()
	fresh := mkLot(t, m, "FRESH", 5, now.AddDate(0, 3, 0))
	expired := mkLot(t, m, "OLD", 5, now.AddDate(0, 0, -3))
	recalled := mkLot(t, m, "BAD", 5, now.AddDate(0, 3, 0))
	_ = recalled.Recall("recall", now)
	lots := []*lot.Lot{fresh, expired, recalled}

	tests := []struct {
		name string
		pin  uuid.UUID
		qty  int
		want error
	}{
		{"recalled", recalled.ID, 1, apperr.ErrLotRecalled},
		{"expired with lock", expired.ID, 1, apperr.ErrExpiredDrugLocked},
		{"short", fresh.ID, 6, apperr.ErrInsufficientStock},
		{"unknown", uuid.New(), 1, apperr.ErrNotFound},
		{"ok", fresh.ID, 5, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pin := tt.pin
			plan, err := Select(lots, Request{CatalogEntryID: m, Quantity: tt.qty, ExpiredLock: true, PinnedLotID: &pin}, now)
			if tt.want != nil {
				if !errors.Is(err, tt.want) {
					t.Fatalf("got %v, want %v", err, tt.want)
				}
				return
			}
			if err != nil {
				t.Fatalf("Select: %v", err)
			}
			if plan.Allocations[0].LotID != fresh.ID || plan.Allocations[0].Quantity != 5 {
				t.Errorf("unexpected plan %+v", plan.Allocations)
			}
		})
	}
}

func TestSelectRejectsNonPositiveQuantity(t *testing.T) {
	if _, err := Select(nil, Request{CatalogEntryID: uuid.New(), Quantity: 0}, now); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}
