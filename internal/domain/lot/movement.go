package lot

import (
	"time"

	"github.com/google/uuid"
)

// MovementKind classifies a ledger row
type MovementKind string

const (
	MovementReceive    MovementKind = "receive"
	MovementSale       MovementKind = "sale"
	MovementAdjustment MovementKind = "adjustment"
	MovementRestock    MovementKind = "restock"
	MovementRecall     MovementKind = "recall"
	MovementUnrecall   MovementKind = "unrecall"
	MovementDelete     MovementKind = "delete"
)

// Movement is one append-only row of a lot's history. Quantity is signed:
// negative for deductions, zero for flag changes.
type Movement struct {
	ID            uuid.UUID    `json:"id"`
	PharmacyID    uuid.UUID    `json:"pharmacy_id"`
	LotID         uuid.UUID    `json:"lot_id"`
	Kind          MovementKind `json:"kind"`
	Quantity      int          `json:"quantity"`
	BalanceAfter  int          `json:"balance_after"`
	TransactionID *uuid.UUID   `json:"transaction_id,omitempty"`
	ActorID       string       `json:"actor_id"`
	Reason        string       `json:"reason,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
}

// NewMovement records a change already applied to l.
func NewMovement(l *Lot, kind MovementKind, qty int, actorID, reason string, txID *uuid.UUID, now time.Time) *Movement {
	return &Movement{
		ID:            uuid.New(),
		PharmacyID:    l.PharmacyID,
		LotID:         l.ID,
		Kind:          kind,
		Quantity:      qty,
		BalanceAfter:  l.QuantityOnHand,
		TransactionID: txID,
		ActorID:       actorID,
		Reason:        reason,
		CreatedAt:     now,
	}
}
