// Package allocation derives current percentage allocations from stored
// account rows and caches them for display.
package allocation

import (
	"context"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/ebalder/folio/internal/domain"
)

// percentagePrecision keeps cached percentages readable without losing the
// sum-to-one property for display purposes.
const percentagePrecision = 8

type accountSource interface {
	ByOwner(owner string) []domain.Account
}

type currentStore interface {
	Replace(owner string, set []domain.CurrentAllocation) error
}

// Calculator computes current allocations from the owner's full Account set.
type Calculator struct {
	accounts accountSource
	cache    currentStore
}

// NewCalculator creates an allocation calculator.
func NewCalculator(accounts accountSource, cache currentStore) *Calculator {
	return &Calculator{accounts: accounts, cache: cache}
}

// Current returns percentage(currency) = reference value / total for every
// stored account row. The result is written through the CurrentAllocation
// cache as a full replace, so currencies that left the portfolio disappear
// from the cached view even though stale Account rows may linger.
//
// When total reference value is zero there is nothing to rebalance and the
// division is undefined: callers get ErrNothingToRebalance, not a crash.
func (c *Calculator) Current(ctx context.Context, owner string) (map[string]decimal.Decimal, error) {
	accounts := c.accounts.ByOwner(owner)

	total := decimal.Zero
	for _, account := range accounts {
		total = total.Add(account.ReferenceValue)
	}

	if total.IsZero() {
		return nil, errors.Wrapf(domain.ErrNothingToRebalance, "owner %s", owner)
	}

	percentages := make(map[string]decimal.Decimal, len(accounts))
	set := make([]domain.CurrentAllocation, 0, len(accounts))
	for _, account := range accounts {
		pct := account.ReferenceValue.DivRound(total, percentagePrecision)
		percentages[account.Currency] = pct
		set = append(set, domain.CurrentAllocation{
			Currency:   account.Currency,
			Percentage: pct,
			Owner:      owner,
		})
	}

	if err := c.cache.Replace(owner, set); err != nil {
		return nil, errors.Wrap(err, "refresh current allocation cache")
	}

	return percentages, nil
}
