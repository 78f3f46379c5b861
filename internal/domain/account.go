// Package domain defines core data structures used throughout the rebalancing engine.
package domain

import "github.com/shopspring/decimal"

// Account is one exchange wallet row for a single currency.
// ReferenceValue is derived from Balance on every snapshot and is never
// authoritative; it is held rounded to two decimal places.
type Account struct {
	// ID is the exchange-assigned account identifier, unique per wallet.
	ID string `json:"id"`
	// Currency code, unique per owner.
	Currency string `json:"currency"`
	// Balance in native units of Currency.
	Balance decimal.Decimal `json:"balance"`
	// Available portion of Balance not held by open orders.
	Available decimal.Decimal `json:"available"`
	// Hold portion of Balance locked by open orders.
	Hold decimal.Decimal `json:"hold"`
	// ReferenceValue is Balance expressed in the reference currency (USD).
	ReferenceValue decimal.Decimal `json:"reference_value"`
	Owner          string          `json:"owner"`
}

// PaymentMethod is an external funding source registered at the exchange.
type PaymentMethod struct {
	ID       string `json:"id"`
	Currency string `json:"currency"`
	Name     string `json:"name"`
}
