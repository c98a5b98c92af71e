// Package events defines the pharmacy domain events written to the outbox.
package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Type represents the type of domain event
type Type string

const (
	CatalogEntryCreated Type = "catalog.entry_created"
	CatalogEntryUpdated Type = "catalog.entry_updated"

	LotReceived      Type = "lot.received"
	LotAdjusted      Type = "lot.adjusted"
	LotRestocked     Type = "lot.restocked"
	LotRecalled      Type = "lot.recalled"
	LotUnrecalled    Type = "lot.unrecalled"
	LotDeleted       Type = "lot.deleted"
	LotStatusChanged Type = "lot.status_changed"

	SalePosted   Type = "sale.posted"
	SaleRefunded Type = "sale.refunded"

	ShiftOpened     Type = "shift.opened"
	ShiftSaleBooked Type = "shift.sale_booked"
	ShiftRefund     Type = "shift.refund_booked"
	ShiftClosed     Type = "shift.closed"
	ShiftReconciled Type = "shift.reconciled"

	AuditRecorded Type = "audit.recorded"
)

// Aggregate types
const (
	AggregateCatalogEntry = "CatalogEntry"
	AggregateLot          = "Lot"
	AggregateTransaction  = "SaleTransaction"
	AggregateShift        = "Shift"
	AggregateAudit        = "AuditEntry"
)

// Topics the relay publishes to.
const (
	TopicInventory  = "pharmacy.inventory"
	TopicSales      = "pharmacy.sales"
	TopicShifts     = "pharmacy.shifts"
	TopicAudit      = "audit.trail"
	TopicDeadLetter = "pharmacy.dlq"
)

// Event represents a domain event
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     Type            `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	Version       int             `json:"version"`
	Timestamp     time.Time       `json:"timestamp"`
	PharmacyID    string          `json:"pharmacy_id,omitempty"`
	ActorID       string          `json:"actor_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// New creates a new event
func New(aggregateType, aggregateID string, eventType Type, data interface{}, at time.Time) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventType:     eventType,
		EventData:     eventData,
		Timestamp:     at.UTC(),
	}, nil
}

// WithActor sets the tenant and actor fields
func (e *Event) WithActor(pharmacyID, actorID string) *Event {
	e.PharmacyID = pharmacyID
	e.ActorID = actorID
	return e
}

// Topic returns the topic the event is published on.
func (e *Event) Topic() string {
	return TopicFor(e.EventType)
}

// TopicFor maps an event type to its topic.
func TopicFor(t Type) string {
	switch t {
	case SalePosted, SaleRefunded:
		return TopicSales
	case ShiftOpened, ShiftSaleBooked, ShiftRefund, ShiftClosed, ShiftReconciled:
		return TopicShifts
	case AuditRecorded:
		return TopicAudit
	default:
		return TopicInventory
	}
}

// Decode unmarshals the event payload into v.
func (e *Event) Decode(v interface{}) error {
	return json.Unmarshal(e.EventData, v)
}

// LotStatusChangedData is the payload of LotStatusChanged.
type LotStatusChangedData struct {
	LotID          string    `json:"lot_id"`
	CatalogEntryID string    `json:"catalog_entry_id"`
	BatchNumber    string    `json:"batch_number"`
	From           string    `json:"from"`
	To             string    `json:"to"`
	QuantityOnHand int       `json:"quantity_on_hand"`
	ReorderLevel   int       `json:"reorder_level"`
	ExpiresOn      time.Time `json:"expires_on"`
}

// LotMovementData is the payload of the lot quantity events.
type LotMovementData struct {
	LotID          string `json:"lot_id"`
	CatalogEntryID string `json:"catalog_entry_id"`
	BatchNumber    string `json:"batch_number"`
	Quantity       int    `json:"quantity"`
	QuantityOnHand int    `json:"quantity_on_hand"`
	Reason         string `json:"reason,omitempty"`
	TransactionID  string `json:"transaction_id,omitempty"`
}

// SaleData is the payload of SalePosted and SaleRefunded.
type SaleData struct {
	TransactionID     string `json:"transaction_id"`
	TransactionNumber string `json:"transaction_number"`
	InvoiceNumber     string `json:"invoice_number"`
	ShiftID           string `json:"shift_id"`
	CashierID         string `json:"cashier_id"`
	GrandTotal        string `json:"grand_total"`
	PaymentMethod     string `json:"payment_method"`
	LineCount         int    `json:"line_count"`
	RefundAmount      string `json:"refund_amount,omitempty"`
	RefundStatus      string `json:"refund_status,omitempty"`
}

// ShiftData is the payload of shift events.
type ShiftData struct {
	ShiftID       string `json:"shift_id"`
	CashierID     string `json:"cashier_id"`
	Status        string `json:"status"`
	TransactionID string `json:"transaction_id,omitempty"`
	Amount        string `json:"amount,omitempty"`
	Tender        string `json:"tender,omitempty"`
	Expected      string `json:"expected_balance,omitempty"`
	Closing       string `json:"closing_balance,omitempty"`
	Variance      string `json:"variance,omitempty"`
}

// AuditData is the payload of AuditRecorded.
type AuditData struct {
	EntryID    string `json:"entry_id"`
	Action     string `json:"action"`
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	Detail     string `json:"detail"`
}
