// Package rebalancer drives the convergence loop: snapshot, plan, execute,
// repeat until allocations are within tolerance or the iteration cap is hit.
package rebalancer

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ebalder/folio/internal/domain"
	"github.com/ebalder/folio/internal/events"
	"github.com/ebalder/folio/internal/exchange"
)

// DefaultMaxIterations caps full snapshot-plan-execute passes per rebalance.
const DefaultMaxIterations = 30

type snapshotter interface {
	Refresh(ctx context.Context, session domain.Session) ([]domain.Account, error)
}

type allocator interface {
	Current(ctx context.Context, owner string) (map[string]decimal.Decimal, error)
}

type planBuilder interface {
	BuildPlan(ctx context.Context, session domain.Session) ([]domain.TradeIntent, error)
}

type trader interface {
	PlaceMarketOrder(ctx context.Context, session domain.Session, order exchange.MarketOrder) (exchange.OrderResult, error)
	Convert(ctx context.Context, session domain.Session, conversion exchange.Conversion) (exchange.ConversionResult, error)
}

// Service is the rebalance controller. One instance serves all owners; an
// owner-scoped lock held for the lifetime of the loop guarantees at most one
// concurrent rebalance per owner, while different owners run independently.
type Service struct {
	snapshot      snapshotter
	allocations   allocator
	planner       planBuilder
	exchange      trader
	maxIterations int
	l             *zap.Logger

	mu     sync.Mutex
	owners map[string]*sync.Mutex
}

// New creates a rebalance controller. maxIterations below or equal to zero
// falls back to the default cap.
func New(snapshot snapshotter, allocations allocator, planner planBuilder, trader trader,
	maxIterations int, l *zap.Logger) *Service {

	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}

	return &Service{
		snapshot:      snapshot,
		allocations:   allocations,
		planner:       planner,
		exchange:      trader,
		maxIterations: maxIterations,
		l:             l,
		owners:        make(map[string]*sync.Mutex),
	}
}

// Rebalance runs the convergence loop for one owner. It always halts within
// the iteration cap: the result status is CONVERGED when no intent exceeds
// tolerance, or FAILED_MAX_ITER when the cap is reached — the latter is a
// reported outcome, not an error, since partial progress is kept and
// positions are left as-is.
//
// Failures that make the whole plan meaningless (invalid targets, zero
// portfolio value) abort before any order is placed. A failure on a single
// leg is logged and the loop proceeds to the next intent; the leg is
// reconsidered with fresh balances on the next iteration.
func (s *Service) Rebalance(ctx context.Context, session domain.Session) (domain.RebalanceResult, error) {
	lock := s.ownerLock(session.Owner)
	if !lock.TryLock() {
		return domain.RebalanceResult{}, errors.Wrapf(domain.ErrRebalanceInProgress, "owner %s", session.Owner)
	}
	defer lock.Unlock()

	logger := s.l.With(zap.String("owner", session.Owner))

	iterations := 0
	for iterations < s.maxIterations {
		// Interruption between iterations is safe: every pass re-derives its
		// plan from live balances.
		if err := ctx.Err(); err != nil {
			return domain.RebalanceResult{}, err
		}

		if _, err := s.snapshot.Refresh(ctx, session); err != nil {
			return domain.RebalanceResult{}, errors.Wrap(err, "snapshot accounts")
		}

		allocations, err := s.allocations.Current(ctx, session.Owner)
		if err != nil {
			return domain.RebalanceResult{}, err
		}

		plan, err := s.planner.BuildPlan(ctx, session)
		if err != nil {
			return domain.RebalanceResult{}, err
		}

		if len(plan) == 0 {
			logger.Info("rebalance converged", zap.Int("iterations", iterations))
			events.Default.Publish(events.RebalanceEvent{
				Timestamp:  time.Now(),
				Owner:      session.Owner,
				Kind:       "done",
				Status:     string(domain.StatusConverged),
				Iterations: iterations,
			})
			return domain.RebalanceResult{
				Status:           domain.StatusConverged,
				Iterations:       iterations,
				FinalAllocations: allocations,
			}, nil
		}

		logger.Info("executing rebalance plan",
			zap.Int("iteration", iterations+1),
			zap.Int("intents", len(plan)))
		events.Default.Publish(events.RebalanceEvent{
			Timestamp: time.Now(),
			Owner:     session.Owner,
			Kind:      "iteration",
			Iteration: iterations + 1,
			Detail:    "executing plan",
		})

		s.execute(ctx, session, plan, logger)

		iterations++
	}

	finalAllocations, err := s.allocations.Current(ctx, session.Owner)
	if err != nil {
		logger.Warn("failed to compute final allocations after hitting iteration cap", zap.Error(err))
		finalAllocations = nil
	}

	logger.Warn("rebalance did not fully converge", zap.Int("iterations", iterations))
	events.Default.Publish(events.RebalanceEvent{
		Timestamp:  time.Now(),
		Owner:      session.Owner,
		Kind:       "done",
		Status:     string(domain.StatusFailedMaxIter),
		Iterations: iterations,
	})

	return domain.RebalanceResult{
		Status:           domain.StatusFailedMaxIter,
		Iterations:       iterations,
		FinalAllocations: finalAllocations,
	}, nil
}

// execute runs the plan's intents in listed order, one at a time: each trade
// invalidates the balance snapshot later deltas were computed from, so legs
// never run concurrently. A canceled context stops further legs; fewer legs
// traded this pass is safe to resume later with a fresh snapshot.
func (s *Service) execute(ctx context.Context, session domain.Session, plan []domain.TradeIntent, logger *zap.Logger) {
	for _, intent := range plan {
		if ctx.Err() != nil {
			logger.Info("rebalance interrupted mid-execute", zap.String("currency", intent.Currency))
			return
		}

		var err error
		switch {
		case intent.Ticker.Cash:
			err = s.convertCash(ctx, session, intent, logger)
		case intent.Weight == domain.Overweight:
			err = s.placeOrder(ctx, session, intent, exchange.SideSell, intent.QuoteAmount.Abs(), logger)
		default:
			funds := decimal.Min(intent.QuoteAmount, intent.AvailableToTrade)
			if funds.LessThanOrEqual(decimal.Zero) {
				logger.Warn("no quote balance available to buy",
					zap.String("currency", intent.Currency),
					zap.String("quote", intent.Ticker.Quote))
				continue
			}
			// never spend more quote currency than is on hand; a partial
			// buy is by design and the gap is retried next iteration.
			err = s.placeOrder(ctx, session, intent, exchange.SideBuy, funds, logger)
		}

		if err != nil {
			// this leg made no progress; the next intent still runs.
			logger.Error("rebalance leg failed",
				zap.String("currency", intent.Currency),
				zap.Error(err))
		}
	}
}

func (s *Service) placeOrder(ctx context.Context, session domain.Session, intent domain.TradeIntent,
	side exchange.Side, funds decimal.Decimal, logger *zap.Logger) error {

	order := exchange.MarketOrder{
		ProductID:     intent.Ticker.ID,
		Side:          side,
		Funds:         funds,
		ClientOrderID: uuid.NewString(),
	}

	result, err := s.exchange.PlaceMarketOrder(ctx, session, order)
	if err != nil {
		return err
	}

	logger.Info("market order placed",
		zap.String("product", intent.Ticker.ID),
		zap.String("side", string(side)),
		zap.String("funds", funds.String()),
		zap.String("order_id", result.ID))
	events.Default.Publish(events.RebalanceEvent{
		Timestamp: time.Now(),
		Owner:     session.Owner,
		Kind:      "order",
		Currency:  intent.Currency,
		ProductID: intent.Ticker.ID,
		Side:      string(side),
		Amount:    funds.String(),
	})

	return nil
}

// convertCash resolves a cash-equivalent imbalance through a direct USD<->USDC
// swap. Only the overweight side converts; an underweight cash leg is covered
// by its counterpart, or by sells landing in the quote currency next pass.
func (s *Service) convertCash(ctx context.Context, session domain.Session, intent domain.TradeIntent, logger *zap.Logger) error {
	if intent.Weight == domain.Underweight {
		logger.Debug("underweight cash leg deferred to counterpart conversion",
			zap.String("currency", intent.Currency))
		return nil
	}

	to := domain.CurrencyUSDC
	if intent.Currency == domain.CurrencyUSDC {
		to = domain.CurrencyUSD
	}

	amount := decimal.Min(intent.QuoteAmount.Abs(), intent.AvailableToTrade)
	if amount.LessThanOrEqual(decimal.Zero) {
		logger.Warn("no balance available for stablecoin conversion",
			zap.String("currency", intent.Currency))
		return nil
	}

	result, err := s.exchange.Convert(ctx, session, exchange.Conversion{
		From:   intent.Currency,
		To:     to,
		Amount: amount,
	})
	if err != nil {
		return err
	}

	logger.Info("stablecoin conversion executed",
		zap.String("from", intent.Currency),
		zap.String("to", to),
		zap.String("amount", amount.String()),
		zap.String("conversion_id", result.ID))
	events.Default.Publish(events.RebalanceEvent{
		Timestamp: time.Now(),
		Owner:     session.Owner,
		Kind:      "conversion",
		Currency:  intent.Currency,
		Detail:    intent.Currency + "->" + to,
		Amount:    amount.String(),
	})

	return nil
}

func (s *Service) ownerLock(owner string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.owners[owner]
	if !ok {
		lock = &sync.Mutex{}
		s.owners[owner] = lock
	}

	return lock
}
