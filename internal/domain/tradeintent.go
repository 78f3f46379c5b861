package domain

import "github.com/shopspring/decimal"

// Weight classifies a currency's position against its target allocation.
type Weight string

const (
	// Overweight means the currency holds more reference value than its target implies.
	Overweight Weight = "overweight"
	// Underweight means the currency holds less reference value than its target implies.
	Underweight Weight = "underweight"
)

// TradeIntent is one leg of a rebalance plan. Intents are built fresh each
// loop iteration from a live snapshot and discarded after execution; they are
// never persisted.
type TradeIntent struct {
	Currency string
	Ticker   Ticker
	// USDDelta is target USD value minus current USD value. Positive means buy.
	USDDelta decimal.Decimal
	// QuoteAmount is USDDelta expressed in the ticker's quote currency,
	// rounded to the book's minimum tick precision (2 decimal places).
	QuoteAmount decimal.Decimal
	Weight      Weight
	// AvailableToTrade is the quote currency's own native balance; it bounds
	// how much can actually be spent buying.
	AvailableToTrade decimal.Decimal
}
