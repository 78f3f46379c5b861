// Package exchange abstracts the trading venue the engine rebalances against.
// Adapters exist for Coinbase Exchange (REST), Binance and Bybit (vendor SDKs).
package exchange

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/ebalder/folio/internal/domain"
)

// Side of a market order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Balance is one wallet row as the venue reports it.
type Balance struct {
	ID        string
	Currency  string
	Balance   decimal.Decimal
	Available decimal.Decimal
	Hold      decimal.Decimal
}

// Product is a tradable instrument; IDs take the form BASE-QUOTE.
type Product struct {
	ID string
}

// MarketOrder requests a market order sized in the quote currency (funds).
type MarketOrder struct {
	ProductID     string
	Side          Side
	Funds         decimal.Decimal
	ClientOrderID string
}

// OrderResult carries the exchange-assigned order id.
type OrderResult struct {
	ID string
}

// Conversion requests a direct cash-equivalent swap (USD<->USDC) that
// bypasses order-book trading.
type Conversion struct {
	From   string
	To     string
	Amount decimal.Decimal
}

// ConversionResult carries the exchange-assigned conversion id.
type ConversionResult struct {
	ID string
}

// DepositRequest funds an account from a registered payment method.
type DepositRequest struct {
	Amount          decimal.Decimal
	Currency        string
	PaymentMethodID string
}

// DepositResult carries the exchange-assigned deposit id.
type DepositResult struct {
	ID string
}

// Exchange is the venue surface the engine consumes. Authenticated calls take
// an explicit session so credentials are never ambient state.
type Exchange interface {
	Accounts(ctx context.Context, session domain.Session) ([]Balance, error)
	PaymentMethods(ctx context.Context, session domain.Session) ([]domain.PaymentMethod, error)
	Products(ctx context.Context) ([]Product, error)
	TickerPrice(ctx context.Context, productID string) (decimal.Decimal, error)
	PlaceMarketOrder(ctx context.Context, session domain.Session, order MarketOrder) (OrderResult, error)
	Convert(ctx context.Context, session domain.Session, conversion Conversion) (ConversionResult, error)
	Deposit(ctx context.Context, session domain.Session, deposit DepositRequest) (DepositResult, error)
}
