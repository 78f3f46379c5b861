// Package planner turns allocation deltas into executable trade intents.
package planner

import (
	"context"
	"sort"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ebalder/folio/internal/domain"
)

// tickPrecision is the book's minimum tick for quote-denominated amounts.
const tickPrecision = 2

// DefaultTolerancePercent treats a currency as already at target when its
// delta magnitude is below this share of its own USD value.
var DefaultTolerancePercent = decimal.NewFromInt(1)

type accountSource interface {
	ByOwner(owner string) []domain.Account
	ByCurrency(owner, currency string) (domain.Account, bool)
}

type targetSource interface {
	ByOwner(owner string) []domain.TargetAllocation
}

type tickerRouter interface {
	Route(ctx context.Context, currency string) (domain.Ticker, error)
}

type valuer interface {
	Convert(ctx context.Context, from string, amount decimal.Decimal, to string) (decimal.Decimal, error)
}

// Builder computes a trade plan from stored accounts and targets. Building a
// plan twice on the same unchanged snapshot yields identical intents.
type Builder struct {
	accounts  accountSource
	targets   targetSource
	router    tickerRouter
	converter valuer
	tolerance decimal.Decimal
	l         *zap.Logger
}

// NewBuilder creates a trade plan builder. tolerancePercent below or equal to
// zero falls back to the default 1%.
func NewBuilder(accounts accountSource, targets targetSource, router tickerRouter, converter valuer,
	tolerancePercent decimal.Decimal, l *zap.Logger) *Builder {

	if tolerancePercent.LessThanOrEqual(decimal.Zero) {
		tolerancePercent = DefaultTolerancePercent
	}

	return &Builder{
		accounts:  accounts,
		targets:   targets,
		router:    router,
		converter: converter,
		tolerance: tolerancePercent,
		l:         l,
	}
}

// IntentInput carries everything the per-currency computation needs. The
// computation itself is pure so each currency is independently testable.
type IntentInput struct {
	Account          domain.Account
	Ticker           domain.Ticker
	TargetPercentage decimal.Decimal
	// PortfolioUSD is the summed USD value of every currency in the plan.
	PortfolioUSD decimal.Decimal
	// PriceUSD is the USD price of one unit of the currency.
	PriceUSD decimal.Decimal
	// PriceQuote is the quote-currency price of one unit of the currency.
	PriceQuote decimal.Decimal
	// AvailableToTrade is the quote currency's own native balance.
	AvailableToTrade decimal.Decimal
	// TolerancePercent of the currency's own USD value under which the
	// currency counts as already at target.
	TolerancePercent decimal.Decimal
}

// ComputeIntent classifies one currency against its target. The second return
// is false when the currency is within tolerance (or the delta rounds below
// one tick) and should be excluded from execution this cycle.
func ComputeIntent(in IntentInput) (domain.TradeIntent, bool) {
	totalUSD := in.PriceUSD.Mul(in.Account.Balance)
	targetUSD := in.PortfolioUSD.Mul(in.TargetPercentage)
	usdDelta := targetUSD.Sub(totalUSD)

	tolerance := totalUSD.Mul(in.TolerancePercent).Div(decimal.NewFromInt(100))
	if usdDelta.Abs().LessThanOrEqual(tolerance) {
		return domain.TradeIntent{}, false
	}

	quoteDelta := usdDelta
	if !in.Ticker.Cash && in.Ticker.Quote != domain.CurrencyUSD {
		quoteDelta = usdDelta.Div(in.PriceUSD).Mul(in.PriceQuote)
	}
	quoteDelta = quoteDelta.Round(tickPrecision)
	if quoteDelta.IsZero() {
		return domain.TradeIntent{}, false
	}

	weight := domain.Overweight
	if quoteDelta.IsPositive() {
		weight = domain.Underweight
	}

	return domain.TradeIntent{
		Currency:         in.Account.Currency,
		Ticker:           in.Ticker,
		USDDelta:         usdDelta,
		QuoteAmount:      quoteDelta,
		Weight:           weight,
		AvailableToTrade: in.AvailableToTrade,
	}, true
}

// BuildPlan joins the owner's Account set against its targets and emits one
// intent per currency outside tolerance, in currency order so execution is
// deterministic. Currencies with no tradable instrument are skipped, not
// fatal; a pricing failure aborts the plan since its totals would be wrong.
func (b *Builder) BuildPlan(ctx context.Context, session domain.Session) ([]domain.TradeIntent, error) {
	targets := b.targets.ByOwner(session.Owner)
	if err := domain.ValidateTargets(targets); err != nil {
		return nil, err
	}

	targetPct := make(map[string]decimal.Decimal, len(targets))
	for _, target := range targets {
		targetPct[target.Currency] = target.Percentage
	}

	accounts := b.accounts.ByOwner(session.Owner)
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].Currency < accounts[j].Currency })

	// First pass: USD unit prices and the portfolio total. A currency that
	// cannot be priced here poisons every target value, so the whole plan
	// aborts instead of trading against a wrong total.
	pricesUSD := make(map[string]decimal.Decimal, len(accounts))
	portfolioUSD := decimal.Zero
	for _, account := range accounts {
		priceUSD, err := b.converter.Convert(ctx, account.Currency, decimal.NewFromInt(1), domain.CurrencyUSD)
		if err != nil {
			return nil, errors.Wrapf(err, "price %s", account.Currency)
		}
		pricesUSD[account.Currency] = priceUSD
		portfolioUSD = portfolioUSD.Add(priceUSD.Mul(account.Balance))
	}

	var plan []domain.TradeIntent
	for _, account := range accounts {
		ticker, err := b.router.Route(ctx, account.Currency)
		if err != nil {
			if errors.Is(err, domain.ErrRoutingUnavailable) {
				b.l.Warn("currency not tradable this cycle",
					zap.String("currency", account.Currency))
				continue
			}
			return nil, err
		}

		priceQuote, err := b.converter.Convert(ctx, account.Currency, decimal.NewFromInt(1), ticker.Quote)
		if err != nil {
			return nil, errors.Wrapf(err, "price %s in %s", account.Currency, ticker.Quote)
		}

		available := decimal.Zero
		if quoteAccount, ok := b.accounts.ByCurrency(session.Owner, ticker.Quote); ok {
			available = quoteAccount.Available
		}

		intent, ok := ComputeIntent(IntentInput{
			Account:          account,
			Ticker:           ticker,
			TargetPercentage: targetPct[account.Currency],
			PortfolioUSD:     portfolioUSD,
			PriceUSD:         pricesUSD[account.Currency],
			PriceQuote:       priceQuote,
			AvailableToTrade: available,
			TolerancePercent: b.tolerance,
		})
		if !ok {
			continue
		}

		plan = append(plan, intent)
	}

	return plan, nil
}
