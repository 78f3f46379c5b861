// Package converter expresses an amount of one currency in another using
// live reference prices, normalizing stablecoin/fiat pairs.
package converter

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/ebalder/folio/internal/domain"
)

// conversionPrecision is the precision of converted unit amounts. Balance
// valuation call-sites round their result to 2 places and hold that
// consistently; mixing precisions across iterations causes drift in the
// convergence loop.
const conversionPrecision = 8

type priceSource interface {
	Price(ctx context.Context, symbol, vs string) (decimal.Decimal, error)
}

// Service converts currency amounts through the price oracle.
type Service struct {
	oracle priceSource
}

// New creates a conversion service backed by the given price source.
func New(oracle priceSource) *Service {
	return &Service{oracle: oracle}
}

// Convert returns amount of from expressed in to, rounded to 8 decimal
// places. USD and USDC are treated as numerically equal. Resolution failures
// propagate ErrConversionUnavailable so callers can decide whether to skip
// the currency or abort; the result is never silently zero.
func (s *Service) Convert(ctx context.Context, from string, amount decimal.Decimal, to string) (decimal.Decimal, error) {
	from = strings.ToUpper(from)
	to = strings.ToUpper(to)

	if from == to {
		return amount, nil
	}

	// USD<->USDC and any other cash-equivalent pair settles 1:1.
	if domain.IsCashEquivalent(from) && domain.IsCashEquivalent(to) {
		return amount, nil
	}

	// Cash into crypto inverts the crypto's reference price, since the oracle
	// only quotes listed tokens.
	if domain.IsCashEquivalent(from) {
		price, err := s.oracle.Price(ctx, to, domain.CurrencyUSD)
		if err != nil {
			return decimal.Zero, errors.Wrapf(err, "convert %s to %s", from, to)
		}
		if price.IsZero() {
			return decimal.Zero, errors.Wrapf(domain.ErrConversionUnavailable, "zero reference price for %s", to)
		}
		return amount.DivRound(price, conversionPrecision), nil
	}

	vs := to
	if domain.IsCashEquivalent(to) {
		vs = domain.CurrencyUSD
	}

	price, err := s.oracle.Price(ctx, from, vs)
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "convert %s to %s", from, to)
	}

	return price.Mul(amount).Round(conversionPrecision), nil
}
