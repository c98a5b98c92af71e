package sale

import (
	"github.com/shopspring/decimal"

	"github.com/drfirst/go-pharmpos/internal/apperr"
)

// Tender is a payment method
type Tender string

const (
	TenderCash      Tender = "cash"
	TenderCard      Tender = "card"
	TenderInsurance Tender = "insurance"
	TenderWallet    Tender = "wallet"
	TenderSplit     Tender = "split"
)

// ParseTender validates a single-tender method name. Split is not a refund
// tender. An empty name is returned as is for the caller to resolve.
func ParseTender(s string) (Tender, error) {
	switch t := Tender(s); t {
	case TenderCash, TenderCard, TenderInsurance, TenderWallet, "":
		return t, nil
	default:
		return "", apperr.Validation("method", "unknown tender %q", s)
	}
}

// Payment is the tendered breakdown of a sale.
type Payment struct {
	Method    Tender          `json:"method"`
	Cash      decimal.Decimal `json:"cash"`
	Card      decimal.Decimal `json:"card"`
	Insurance decimal.Decimal `json:"insurance"`
	Wallet    decimal.Decimal `json:"wallet"`
}

// Total sums all tenders.
func (p Payment) Total() decimal.Decimal {
	return p.Cash.Add(p.Card).Add(p.Insurance).Add(p.Wallet)
}

// Amount returns the amount paid with t.
func (p Payment) Amount(t Tender) decimal.Decimal {
	switch t {
	case TenderCash:
		return p.Cash
	case TenderCard:
		return p.Card
	case TenderInsurance:
		return p.Insurance
	case TenderWallet:
		return p.Wallet
	}
	return decimal.Zero
}

func (p Payment) add(t Tender, amt decimal.Decimal) Payment {
	switch t {
	case TenderCash:
		p.Cash = p.Cash.Add(amt)
	case TenderCard:
		p.Card = p.Card.Add(amt)
	case TenderInsurance:
		p.Insurance = p.Insurance.Add(amt)
	case TenderWallet:
		p.Wallet = p.Wallet.Add(amt)
	}
	return p
}

// Normalize rounds amounts to cents, rejects negatives and fills in the method
// when it was left empty.
func (p Payment) Normalize() (Payment, error) {
	p.Cash = p.Cash.Round(2)
	p.Card = p.Card.Round(2)
	p.Insurance = p.Insurance.Round(2)
	p.Wallet = p.Wallet.Round(2)

	used := 0
	var only Tender
	for _, t := range []Tender{TenderCash, TenderCard, TenderInsurance, TenderWallet} {
		amt := p.Amount(t)
		if amt.IsNegative() {
			return p, apperr.Validation("payment."+string(t), "must not be negative")
		}
		if amt.IsPositive() {
			used++
			only = t
		}
	}

	switch p.Method {
	case "":
		switch used {
		case 0:
			p.Method = TenderCash
		case 1:
			p.Method = only
		default:
			p.Method = TenderSplit
		}
	case TenderSplit:
	case TenderCash, TenderCard, TenderInsurance, TenderWallet:
		if used > 1 || (used == 1 && only != p.Method) {
			return p, apperr.Validation("payment.method", "%s payment may only carry a %s amount", p.Method, p.Method)
		}
	default:
		return p, apperr.Validation("payment.method", "unknown method %q", p.Method)
	}
	return p, nil
}
