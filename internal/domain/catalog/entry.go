// Package catalog describes sellable medicines. Stock never lives here.
package catalog

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/drfirst/go-pharmpos/internal/apperr"
)

var hundred = decimal.NewFromInt(100)

// Form values accepted for a catalog entry.
var forms = map[string]bool{
	"tablet": true, "capsule": true, "syrup": true, "suspension": true, "injection": true,
	"cream": true, "ointment": true, "drops": true, "inhaler": true, "powder": true,
	"gel": true, "patch": true, "suppository": true, "solution": true, "other": true,
}

// Entry is a sellable medicine.
type Entry struct {
	ID           uuid.UUID       `json:"id"`
	PharmacyID   uuid.UUID       `json:"pharmacy_id"`
	Name         string          `json:"name"`
	GenericName  string          `json:"generic_name,omitempty"`
	Manufacturer string          `json:"manufacturer,omitempty"`
	Category     string          `json:"category,omitempty"`
	Form         string          `json:"form"`
	Strength     string          `json:"strength,omitempty"`
	BasePrice    decimal.Decimal `json:"base_price"`
	TaxRate      decimal.Decimal `json:"tax_rate"`
	ReorderLevel int             `json:"reorder_level"`
	Active       bool            `json:"active"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Draft holds the caller supplied fields of a new entry.
type Draft struct {
	Name         string
	GenericName  string
	Manufacturer string
	Category     string
	Form         string
	Strength     string
	BasePrice    decimal.Decimal
	TaxRate      decimal.Decimal
	ReorderLevel int
}

// NewEntry validates d and returns an active entry.
func NewEntry(pharmacyID uuid.UUID, d Draft, now time.Time) (*Entry, error) {
	d.Name = strings.TrimSpace(d.Name)
	d.Form = strings.ToLower(strings.TrimSpace(d.Form))
	if pharmacyID == uuid.Nil {
		return nil, apperr.Validation("pharmacy_id", "is required")
	}
	if d.Name == "" {
		return nil, apperr.Validation("name", "is required")
	}
	if !forms[d.Form] {
		return nil, apperr.Validation("form", "unknown form %q", d.Form)
	}
	if err := ValidatePrice(d.BasePrice); err != nil {
		return nil, err
	}
	if err := ValidateTaxRate(d.TaxRate); err != nil {
		return nil, err
	}
	if d.ReorderLevel < 0 {
		return nil, apperr.Validation("reorder_level", "must not be negative")
	}
	return &Entry{
		ID:           uuid.New(),
		PharmacyID:   pharmacyID,
		Name:         d.Name,
		GenericName:  strings.TrimSpace(d.GenericName),
		Manufacturer: strings.TrimSpace(d.Manufacturer),
		Category:     strings.TrimSpace(d.Category),
		Form:         d.Form,
		Strength:     strings.TrimSpace(d.Strength),
		BasePrice:    d.BasePrice.Round(2),
		TaxRate:      d.TaxRate,
		ReorderLevel: d.ReorderLevel,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// ValidatePrice rejects negative prices.
func ValidatePrice(p decimal.Decimal) error {
	if p.IsNegative() {
		return apperr.Validation("base_price", "must not be negative")
	}
	return nil
}

// ValidateTaxRate requires a percentage in [0, 100].
func ValidateTaxRate(r decimal.Decimal) error {
	if r.IsNegative() || r.GreaterThan(hundred) {
		return apperr.Validation("tax_rate", "must be between 0 and 100")
	}
	return nil
}

// Deactivate hides the entry from sale entry. Existing lots are untouched.
func (e *Entry) Deactivate(now time.Time) {
	e.Active = false
	e.UpdatedAt = now
}

// Reprice changes price and/or tax rate for future sales only.
func (e *Entry) Reprice(price, taxRate *decimal.Decimal, now time.Time) error {
	if price == nil && taxRate == nil {
		return apperr.Validation("base_price", "nothing to update")
	}
	if price != nil {
		if err := ValidatePrice(*price); err != nil {
			return err
		}
	}
	if taxRate != nil {
		if err := ValidateTaxRate(*taxRate); err != nil {
			return err
		}
	}
	if price != nil {
		e.BasePrice = price.Round(2)
	}
	if taxRate != nil {
		e.TaxRate = *taxRate
	}
	e.UpdatedAt = now
	return nil
}

// NameKey is the case-insensitive key used for the duplicate name check.
func NameKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Matches reports a case-insensitive substring match on name or generic name.
func (e *Entry) Matches(query string) bool {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return true
	}
	return strings.Contains(strings.ToLower(e.Name), q) ||
		strings.Contains(strings.ToLower(e.GenericName), q)
}

// SearchHit is the lean projection served to sale-entry lookahead.
type SearchHit struct {
	ID                  uuid.UUID       `json:"id"`
	Name                string          `json:"name"`
	GenericName         string          `json:"generic_name,omitempty"`
	Form                string          `json:"form"`
	Strength            string          `json:"strength,omitempty"`
	BasePrice           decimal.Decimal `json:"base_price"`
	TaxRate             decimal.Decimal `json:"tax_rate"`
	Active              bool            `json:"active"`
	DispensableQuantity int             `json:"dispensable_quantity"`
}

// Hit projects e for search results.
func (e *Entry) Hit(dispensable int) SearchHit {
	return SearchHit{
		ID:                  e.ID,
		Name:                e.Name,
		GenericName:         e.GenericName,
		Form:                e.Form,
		Strength:            e.Strength,
		BasePrice:           e.BasePrice,
		TaxRate:             e.TaxRate,
		Active:              e.Active,
		DispensableQuantity: dispensable,
	}
}

// SearchQuery filters a catalog search.
type SearchQuery struct {
	Text            string
	IncludeInactive bool
	Limit           int
}

// DefaultSearchLimit caps lookahead results when no limit is given.
const DefaultSearchLimit = 20
