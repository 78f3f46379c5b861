package exchange

import (
	"context"
	"strings"

	"github.com/adshao/go-binance/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ebalder/folio/internal/domain"
)

// Binance adapts the Binance spot API to the Exchange surface. The vendor
// client binds credentials at construction, so the adapter is built per owner
// and the session only scopes ownership.
type Binance struct {
	client *binance.Client
	l      *zap.Logger

	// product ids use BASE-QUOTE; the venue wants concatenated symbols, so
	// the mapping from Products is kept for reverse lookups.
	symbols map[string]string
}

// NewBinance creates a Binance adapter from pre-bound credentials.
func NewBinance(apiKey, apiSecret string, l *zap.Logger) *Binance {
	return &Binance{
		client:  binance.NewClient(apiKey, apiSecret),
		l:       l,
		symbols: make(map[string]string),
	}
}

// Accounts maps spot wallet rows into Balance rows. Binance has no
// exchange-assigned account id per currency, so the asset code doubles as a
// stable id.
func (b *Binance) Accounts(ctx context.Context, session domain.Session) ([]Balance, error) {
	account, err := b.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "fetch binance account")
	}

	balances := make([]Balance, 0, len(account.Balances))
	for _, row := range account.Balances {
		free, err := decimal.NewFromString(row.Free)
		if err != nil {
			return nil, errors.Wrapf(err, "parse free balance for %s", row.Asset)
		}
		locked, err := decimal.NewFromString(row.Locked)
		if err != nil {
			return nil, errors.Wrapf(err, "parse locked balance for %s", row.Asset)
		}

		balances = append(balances, Balance{
			ID:        "binance-" + row.Asset,
			Currency:  row.Asset,
			Balance:   free.Add(locked),
			Available: free,
			Hold:      locked,
		})
	}

	return balances, nil
}

// PaymentMethods is not part of the Binance spot surface.
func (b *Binance) PaymentMethods(ctx context.Context, session domain.Session) ([]domain.PaymentMethod, error) {
	return nil, errors.New("binance: payment methods not supported")
}

// Products derives BASE-QUOTE ids from exchange info symbols.
func (b *Binance) Products(ctx context.Context) ([]Product, error) {
	info, err := b.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "fetch binance exchange info")
	}

	products := make([]Product, 0, len(info.Symbols))
	for _, symbol := range info.Symbols {
		if symbol.Status != "TRADING" {
			continue
		}
		id := symbol.BaseAsset + "-" + symbol.QuoteAsset
		b.symbols[id] = symbol.Symbol
		products = append(products, Product{ID: id})
	}

	return products, nil
}

// TickerPrice returns the venue's last price for the product.
func (b *Binance) TickerPrice(ctx context.Context, productID string) (decimal.Decimal, error) {
	prices, err := b.client.NewListPricesService().Symbol(b.venueSymbol(productID)).Do(ctx)
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "fetch binance price for %s", productID)
	}
	if len(prices) == 0 {
		return decimal.Zero, errors.Errorf("binance returned no price for %s", productID)
	}

	return decimal.NewFromString(prices[0].Price)
}

// PlaceMarketOrder submits a market order sized by quote quantity, matching
// the funds semantics of the order contract.
func (b *Binance) PlaceMarketOrder(ctx context.Context, session domain.Session, order MarketOrder) (OrderResult, error) {
	side := binance.SideTypeBuy
	if order.Side == SideSell {
		side = binance.SideTypeSell
	}

	svc := b.client.NewCreateOrderService().
		Symbol(b.venueSymbol(order.ProductID)).
		Side(side).
		Type(binance.OrderTypeMarket).
		QuoteOrderQty(order.Funds.String())
	if order.ClientOrderID != "" {
		svc = svc.NewClientOrderID(order.ClientOrderID)
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		return OrderResult{}, errors.Wrapf(domain.ErrOrderRejected, "binance order on %s: %v", order.ProductID, err)
	}

	return OrderResult{ID: resp.ClientOrderID}, nil
}

// Convert is unsupported: Binance has no direct USD<->USDC conversion
// endpoint on the spot surface. The controller treats the failed leg as
// "no progress" and moves on.
func (b *Binance) Convert(ctx context.Context, session domain.Session, conversion Conversion) (ConversionResult, error) {
	return ConversionResult{}, errors.Wrapf(domain.ErrOrderRejected,
		"binance: direct %s->%s conversion not supported", conversion.From, conversion.To)
}

// Deposit is unsupported on this adapter.
func (b *Binance) Deposit(ctx context.Context, session domain.Session, deposit DepositRequest) (DepositResult, error) {
	return DepositResult{}, errors.New("binance: fiat deposits not supported")
}

func (b *Binance) venueSymbol(productID string) string {
	if symbol, ok := b.symbols[productID]; ok {
		return symbol
	}
	return strings.ReplaceAll(productID, "-", "")
}
