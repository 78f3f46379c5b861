// Package snapshot pulls live balances from the exchange and refreshes the
// persisted account rows with their reference-currency valuation.
package snapshot

import (
	"context"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ebalder/folio/internal/domain"
	"github.com/ebalder/folio/internal/exchange"
)

// valuationPrecision is the rounding applied to reference-currency balance
// values. Held consistently at this call-site; unit prices round elsewhere.
const valuationPrecision = 2

type balanceSource interface {
	Accounts(ctx context.Context, session domain.Session) ([]exchange.Balance, error)
}

type valuer interface {
	Convert(ctx context.Context, from string, amount decimal.Decimal, to string) (decimal.Decimal, error)
}

type accountStore interface {
	Upsert(account domain.Account) error
}

// Builder refreshes the stored Account set from a live exchange fetch.
type Builder struct {
	exchange balanceSource
	valuer   valuer
	store    accountStore
	l        *zap.Logger
}

// NewBuilder creates a snapshot builder.
func NewBuilder(exchange balanceSource, valuer valuer, store accountStore, l *zap.Logger) *Builder {
	return &Builder{exchange: exchange, valuer: valuer, store: store, l: l}
}

// Refresh fetches the full balance list and upserts one Account row per
// currency, recomputing the derived reference value. Currencies that cannot
// be valued in the current environment are excluded from the snapshot
// entirely; a conversion failure for one currency never aborts the others.
//
// Upsert is by exchange-assigned id: rows for currencies absent from this
// fetch are left stale rather than deleted.
func (b *Builder) Refresh(ctx context.Context, session domain.Session) ([]domain.Account, error) {
	balances, err := b.exchange.Accounts(ctx, session)
	if err != nil {
		return nil, errors.Wrap(err, "fetch exchange balances")
	}

	accounts := make([]domain.Account, 0, len(balances))
	for _, balance := range balances {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		referenceValue, err := b.valuer.Convert(ctx, balance.Currency, balance.Balance, domain.CurrencyUSD)
		if err != nil {
			// isolate-and-continue: the currency is excluded from this
			// snapshot and from all subsequent allocation math.
			b.l.Warn("excluding currency from snapshot",
				zap.String("currency", balance.Currency),
				zap.Error(err))
			continue
		}

		account := domain.Account{
			ID:             balance.ID,
			Currency:       balance.Currency,
			Balance:        balance.Balance,
			Available:      balance.Available,
			Hold:           balance.Hold,
			ReferenceValue: referenceValue.Round(valuationPrecision),
			Owner:          session.Owner,
		}

		if err := b.store.Upsert(account); err != nil {
			return nil, errors.Wrapf(err, "persist account %s", balance.Currency)
		}

		accounts = append(accounts, account)
	}

	return accounts, nil
}
