package exchange

import (
	"context"
	"strings"

	"github.com/hirokisan/bybit/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ebalder/folio/internal/domain"
)

// Bybit adapts the Bybit V5 spot API to the Exchange surface.
type Bybit struct {
	client *bybit.Client
	l      *zap.Logger

	symbols map[string]string
}

// NewBybit creates a Bybit adapter from pre-bound credentials.
func NewBybit(apiKey, apiSecret string, l *zap.Logger) *Bybit {
	return &Bybit{
		client:  bybit.NewClient().WithAuth(apiKey, apiSecret),
		l:       l,
		symbols: make(map[string]string),
	}
}

// Accounts maps unified wallet rows into Balance rows. The coin code doubles
// as the stable id, as on Binance.
func (b *Bybit) Accounts(ctx context.Context, session domain.Session) ([]Balance, error) {
	res, err := b.client.V5().Account().GetWalletBalance(bybit.AccountTypeV5("UNIFIED"), nil)
	if err != nil {
		return nil, errors.Wrap(err, "fetch bybit wallet balance")
	}
	if len(res.Result.List) == 0 {
		return nil, nil
	}

	var balances []Balance
	for _, coin := range res.Result.List[0].Coin {
		total, err := decimal.NewFromString(coin.WalletBalance)
		if err != nil {
			return nil, errors.Wrapf(err, "parse wallet balance for %s", coin.Coin)
		}
		hold := decimal.Zero
		if coin.Locked != "" {
			hold, err = decimal.NewFromString(coin.Locked)
			if err != nil {
				return nil, errors.Wrapf(err, "parse locked balance for %s", coin.Coin)
			}
		}

		balances = append(balances, Balance{
			ID:        "bybit-" + string(coin.Coin),
			Currency:  string(coin.Coin),
			Balance:   total,
			Available: total.Sub(hold),
			Hold:      hold,
		})
	}

	return balances, nil
}

// PaymentMethods is not part of the Bybit surface.
func (b *Bybit) PaymentMethods(ctx context.Context, session domain.Session) ([]domain.PaymentMethod, error) {
	return nil, errors.New("bybit: payment methods not supported")
}

// Products derives BASE-QUOTE ids from spot instrument info.
func (b *Bybit) Products(ctx context.Context) ([]Product, error) {
	res, err := b.client.V5().Market().GetInstrumentsInfo(bybit.V5GetInstrumentsInfoParam{
		Category: bybit.CategoryV5Spot,
	})
	if err != nil {
		return nil, errors.Wrap(err, "fetch bybit instruments")
	}

	var products []Product
	for _, instrument := range res.Result.Spot.List {
		if instrument.Status != "Trading" {
			continue
		}
		id := string(instrument.BaseCoin) + "-" + string(instrument.QuoteCoin)
		b.symbols[id] = string(instrument.Symbol)
		products = append(products, Product{ID: id})
	}

	return products, nil
}

// TickerPrice returns the venue's last price for the product.
func (b *Bybit) TickerPrice(ctx context.Context, productID string) (decimal.Decimal, error) {
	symbol := bybit.SymbolV5(b.venueSymbol(productID))
	res, err := b.client.V5().Market().GetTickers(bybit.V5GetTickersParam{
		Category: bybit.CategoryV5Spot,
		Symbol:   &symbol,
	})
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "fetch bybit price for %s", productID)
	}
	if len(res.Result.Spot.List) == 0 {
		return decimal.Zero, errors.Errorf("bybit returned no price for %s", productID)
	}

	return decimal.NewFromString(res.Result.Spot.List[0].LastPrice)
}

// PlaceMarketOrder submits a spot market order. Bybit sizes market buys in
// quote units but market sells in base units, so sells convert funds through
// the last price first.
func (b *Bybit) PlaceMarketOrder(ctx context.Context, session domain.Session, order MarketOrder) (OrderResult, error) {
	qty := order.Funds
	side := bybit.SideBuy

	if order.Side == SideSell {
		side = bybit.SideSell
		price, err := b.TickerPrice(ctx, order.ProductID)
		if err != nil {
			return OrderResult{}, err
		}
		if price.IsZero() {
			return OrderResult{}, errors.Errorf("bybit: zero price for %s", order.ProductID)
		}
		qty = order.Funds.Div(price).RoundFloor(6)
	}

	var linkID *string
	if order.ClientOrderID != "" {
		linkID = &order.ClientOrderID
	}

	res, err := b.client.V5().Order().CreateOrder(bybit.V5CreateOrderParam{
		Category:    bybit.CategoryV5Spot,
		Symbol:      bybit.SymbolV5(b.venueSymbol(order.ProductID)),
		Side:        side,
		OrderType:   bybit.OrderTypeMarket,
		Qty:         qty.String(),
		OrderLinkID: linkID,
	})
	if err != nil {
		return OrderResult{}, errors.Wrapf(domain.ErrOrderRejected, "bybit order on %s: %v", order.ProductID, err)
	}

	return OrderResult{ID: res.Result.OrderID}, nil
}

// Convert is unsupported on the Bybit spot surface.
func (b *Bybit) Convert(ctx context.Context, session domain.Session, conversion Conversion) (ConversionResult, error) {
	return ConversionResult{}, errors.Wrapf(domain.ErrOrderRejected,
		"bybit: direct %s->%s conversion not supported", conversion.From, conversion.To)
}

// Deposit is unsupported on this adapter.
func (b *Bybit) Deposit(ctx context.Context, session domain.Session, deposit DepositRequest) (DepositResult, error) {
	return DepositResult{}, errors.New("bybit: fiat deposits not supported")
}

func (b *Bybit) venueSymbol(productID string) string {
	if symbol, ok := b.symbols[productID]; ok {
		return symbol
	}
	return strings.ReplaceAll(productID, "-", "")
}
