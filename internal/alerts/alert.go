// Package alerts turns lot status changes into notifications for pharmacy
// staff and delivers them to a webhook.
package alerts

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/drfirst/go-pharmpos/internal/domain/events"
	"github.com/drfirst/go-pharmpos/internal/domain/lot"
)

// Severity of an alert
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is the webhook body.
type Alert struct {
	ID             string     `json:"id"`
	Kind           lot.Status `json:"kind"`
	Severity       Severity   `json:"severity"`
	PharmacyID     string     `json:"pharmacy_id"`
	LotID          string     `json:"lot_id"`
	CatalogEntryID string     `json:"catalog_entry_id"`
	BatchNumber    string     `json:"batch_number"`
	QuantityOnHand int        `json:"quantity_on_hand"`
	ReorderLevel   int        `json:"reorder_level"`
	ExpiresOn      string     `json:"expires_on"`
	Message        string     `json:"message"`
	RaisedAt       time.Time  `json:"raised_at"`
}

var severities = map[lot.Status]Severity{
	lot.StatusLowStock: SeverityWarning,
	lot.StatusSoldOut:  SeverityWarning,
	lot.StatusExpired:  SeverityCritical,
	lot.StatusRecalled: SeverityCritical,
}

// FromEvent returns the alert carried by a lot.status_changed event. ok is
// false for other events and for transitions nobody needs to hear about.
func FromEvent(ev *events.Event) (a *Alert, ok bool, err error) {
	if ev.EventType != events.LotStatusChanged {
		return nil, false, nil
	}
	var data events.LotStatusChangedData
	if err := ev.Decode(&data); err != nil {
		return nil, false, fmt.Errorf("decode %s: %w", ev.EventType, err)
	}
	kind := lot.Status(data.To)
	severity, ok := severities[kind]
	if !ok {
		return nil, false, nil
	}
	return &Alert{
		ID:             ev.ID,
		Kind:           kind,
		Severity:       severity,
		PharmacyID:     ev.PharmacyID,
		LotID:          data.LotID,
		CatalogEntryID: data.CatalogEntryID,
		BatchNumber:    data.BatchNumber,
		QuantityOnHand: data.QuantityOnHand,
		ReorderLevel:   data.ReorderLevel,
		ExpiresOn:      data.ExpiresOn.Format(time.DateOnly),
		Message:        message(kind, &data),
		RaisedAt:       ev.Timestamp,
	}, true, nil
}

func message(kind lot.Status, d *events.LotStatusChangedData) string {
	switch kind {
	case lot.StatusLowStock:
		return fmt.Sprintf("batch %s is low: %d on hand, reorder level %d", d.BatchNumber, d.QuantityOnHand, d.ReorderLevel)
	case lot.StatusSoldOut:
		return fmt.Sprintf("batch %s is sold out", d.BatchNumber)
	case lot.StatusExpired:
		return fmt.Sprintf("batch %s expired on %s with %d units on hand", d.BatchNumber, d.ExpiresOn.Format(time.DateOnly), d.QuantityOnHand)
	default:
		return fmt.Sprintf("batch %s was recalled", d.BatchNumber)
	}
}

// Decode parses a relayed outbox message.
func Decode(value []byte) (*events.Event, error) {
	var ev events.Event
	if err := json.Unmarshal(value, &ev); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return &ev, nil
}
