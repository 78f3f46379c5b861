package rebalancer

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ebalder/folio/internal/domain"
	"github.com/ebalder/folio/internal/exchange"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeSnapshotter struct {
	calls   int
	err     error
	started chan struct{}
	release chan struct{}
}

func (f *fakeSnapshotter) Refresh(context.Context, domain.Session) ([]domain.Account, error) {
	f.calls++
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}
	return nil, f.err
}

type fakeAllocator struct {
	allocations map[string]decimal.Decimal
	err         error
}

func (f *fakeAllocator) Current(context.Context, string) (map[string]decimal.Decimal, error) {
	return f.allocations, f.err
}

type fakePlanner struct {
	plans []([]domain.TradeIntent)
	calls int
	err   error
}

func (f *fakePlanner) BuildPlan(context.Context, domain.Session) ([]domain.TradeIntent, error) {
	if f.err != nil {
		return nil, f.err
	}
	defer func() { f.calls++ }()
	if f.calls < len(f.plans) {
		return f.plans[f.calls], nil
	}
	if len(f.plans) == 0 {
		return nil, nil
	}
	// keep returning the last plan so iteration caps are exercised
	return f.plans[len(f.plans)-1], nil
}

type fakeTrader struct {
	orders      []exchange.MarketOrder
	conversions []exchange.Conversion
	orderErrs   map[string]error
}

func (f *fakeTrader) PlaceMarketOrder(_ context.Context, _ domain.Session, order exchange.MarketOrder) (exchange.OrderResult, error) {
	if err := f.orderErrs[order.ProductID]; err != nil {
		return exchange.OrderResult{}, err
	}
	f.orders = append(f.orders, order)
	return exchange.OrderResult{ID: "order-1"}, nil
}

func (f *fakeTrader) Convert(_ context.Context, _ domain.Session, conversion exchange.Conversion) (exchange.ConversionResult, error) {
	f.conversions = append(f.conversions, conversion)
	return exchange.ConversionResult{ID: "conv-1"}, nil
}

func buyIntent(currency, product, quote, amount, available string) domain.TradeIntent {
	return domain.TradeIntent{
		Currency:         currency,
		Ticker:           domain.Ticker{ID: product, Base: currency, Quote: quote},
		QuoteAmount:      d(amount),
		Weight:           domain.Underweight,
		AvailableToTrade: d(available),
	}
}

func sellIntent(currency, product, quote, amount string) domain.TradeIntent {
	return domain.TradeIntent{
		Currency:    currency,
		Ticker:      domain.Ticker{ID: product, Base: currency, Quote: quote},
		QuoteAmount: d(amount),
		Weight:      domain.Overweight,
	}
}

func session() domain.Session { return domain.Session{Owner: "alice"} }

func TestRebalanceConvergesWithoutTrading(t *testing.T) {
	trader := &fakeTrader{}
	svc := New(
		&fakeSnapshotter{},
		&fakeAllocator{allocations: map[string]decimal.Decimal{"BTC": d("0.5"), "USD": d("0.5")}},
		&fakePlanner{},
		trader,
		0,
		zap.NewNop(),
	)

	result, err := svc.Rebalance(context.Background(), session())
	require.NoError(t, err)
	require.Equal(t, domain.StatusConverged, result.Status)
	require.Equal(t, 0, result.Iterations)
	require.True(t, result.FinalAllocations["BTC"].Equal(d("0.5")))
	require.Empty(t, trader.orders)
}

func TestRebalanceExecutesPlanThenConverges(t *testing.T) {
	trader := &fakeTrader{}
	planner := &fakePlanner{plans: [][]domain.TradeIntent{
		{
			sellIntent("ETH", "ETH-USD", "USD", "-2000"),
			buyIntent("BTC", "BTC-USD", "USD", "1000", "5000"),
		},
		nil,
	}}
	snapshot := &fakeSnapshotter{}
	svc := New(
		snapshot,
		&fakeAllocator{allocations: map[string]decimal.Decimal{}},
		planner,
		trader,
		0,
		zap.NewNop(),
	)

	result, err := svc.Rebalance(context.Background(), session())
	require.NoError(t, err)
	require.Equal(t, domain.StatusConverged, result.Status)
	require.Equal(t, 1, result.Iterations)
	// each iteration re-snapshots before planning
	require.Equal(t, 2, snapshot.calls)

	require.Len(t, trader.orders, 2)
	require.Equal(t, exchange.SideSell, trader.orders[0].Side)
	require.True(t, trader.orders[0].Funds.Equal(d("2000")))
	require.Equal(t, exchange.SideBuy, trader.orders[1].Side)
	require.True(t, trader.orders[1].Funds.Equal(d("1000")))
	require.NotEmpty(t, trader.orders[1].ClientOrderID)
}

func TestRebalanceBuyCappedByAvailableQuote(t *testing.T) {
	trader := &fakeTrader{}
	planner := &fakePlanner{plans: [][]domain.TradeIntent{
		{buyIntent("BTC", "BTC-USD", "USD", "5000", "1200")},
		nil,
	}}
	svc := New(&fakeSnapshotter{}, &fakeAllocator{}, planner, trader, 0, zap.NewNop())

	_, err := svc.Rebalance(context.Background(), session())
	require.NoError(t, err)
	require.Len(t, trader.orders, 1)
	require.True(t, trader.orders[0].Funds.Equal(d("1200")))
}

func TestRebalanceSkipsBuyWithoutQuoteBalance(t *testing.T) {
	trader := &fakeTrader{}
	planner := &fakePlanner{plans: [][]domain.TradeIntent{
		{buyIntent("BTC", "BTC-USD", "USD", "5000", "0")},
		nil,
	}}
	svc := New(&fakeSnapshotter{}, &fakeAllocator{}, planner, trader, 0, zap.NewNop())

	_, err := svc.Rebalance(context.Background(), session())
	require.NoError(t, err)
	require.Empty(t, trader.orders)
}

func TestRebalanceHitsIterationCap(t *testing.T) {
	trader := &fakeTrader{}
	planner := &fakePlanner{plans: [][]domain.TradeIntent{
		{buyIntent("BTC", "BTC-USD", "USD", "1000", "5000")},
	}}
	svc := New(
		&fakeSnapshotter{},
		&fakeAllocator{allocations: map[string]decimal.Decimal{"BTC": d("0.3")}},
		planner,
		trader,
		5,
		zap.NewNop(),
	)

	result, err := svc.Rebalance(context.Background(), session())
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailedMaxIter, result.Status)
	require.Equal(t, 5, result.Iterations)
	require.True(t, result.FinalAllocations["BTC"].Equal(d("0.3")))
	require.Len(t, trader.orders, 5)
}

func TestRebalanceLegFailureDoesNotStopOthers(t *testing.T) {
	trader := &fakeTrader{orderErrs: map[string]error{
		"ETH-USD": errors.Wrap(domain.ErrOrderRejected, "insufficient funds"),
	}}
	planner := &fakePlanner{plans: [][]domain.TradeIntent{
		{
			sellIntent("ETH", "ETH-USD", "USD", "-2000"),
			buyIntent("BTC", "BTC-USD", "USD", "1000", "5000"),
		},
		nil,
	}}
	svc := New(&fakeSnapshotter{}, &fakeAllocator{}, planner, trader, 0, zap.NewNop())

	result, err := svc.Rebalance(context.Background(), session())
	require.NoError(t, err)
	require.Equal(t, domain.StatusConverged, result.Status)
	require.Len(t, trader.orders, 1)
	require.Equal(t, "BTC-USD", trader.orders[0].ProductID)
}

func TestRebalanceConvertsOverweightCash(t *testing.T) {
	trader := &fakeTrader{}
	overweight := domain.TradeIntent{
		Currency:         "USDC",
		Ticker:           domain.Ticker{ID: "USDC", Base: "USDC", Quote: "USDC", Cash: true},
		QuoteAmount:      d("-3000"),
		Weight:           domain.Overweight,
		AvailableToTrade: d("4000"),
	}
	underweight := domain.TradeIntent{
		Currency:    "USD",
		Ticker:      domain.Ticker{ID: "USD", Base: "USD", Quote: "USD", Cash: true},
		QuoteAmount: d("3000"),
		Weight:      domain.Underweight,
	}
	planner := &fakePlanner{plans: [][]domain.TradeIntent{
		{overweight, underweight},
		nil,
	}}
	svc := New(&fakeSnapshotter{}, &fakeAllocator{}, planner, trader, 0, zap.NewNop())

	_, err := svc.Rebalance(context.Background(), session())
	require.NoError(t, err)

	// only the overweight side converts; cash never gets a market order
	require.Empty(t, trader.orders)
	require.Len(t, trader.conversions, 1)
	require.Equal(t, "USDC", trader.conversions[0].From)
	require.Equal(t, "USD", trader.conversions[0].To)
	require.True(t, trader.conversions[0].Amount.Equal(d("3000")))
}

func TestRebalanceCashConversionCappedByBalance(t *testing.T) {
	trader := &fakeTrader{}
	planner := &fakePlanner{plans: [][]domain.TradeIntent{
		{{
			Currency:         "USD",
			Ticker:           domain.Ticker{ID: "USD", Base: "USD", Quote: "USD", Cash: true},
			QuoteAmount:      d("-5000"),
			Weight:           domain.Overweight,
			AvailableToTrade: d("1500"),
		}},
		nil,
	}}
	svc := New(&fakeSnapshotter{}, &fakeAllocator{}, planner, trader, 0, zap.NewNop())

	_, err := svc.Rebalance(context.Background(), session())
	require.NoError(t, err)
	require.Len(t, trader.conversions, 1)
	require.Equal(t, "USDC", trader.conversions[0].To)
	require.True(t, trader.conversions[0].Amount.Equal(d("1500")))
}

func TestRebalanceBusyOwnerRejected(t *testing.T) {
	snapshot := &fakeSnapshotter{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	svc := New(snapshot, &fakeAllocator{}, &fakePlanner{}, &fakeTrader{}, 0, zap.NewNop())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = svc.Rebalance(context.Background(), session())
	}()

	<-snapshot.started

	_, err := svc.Rebalance(context.Background(), session())
	require.ErrorIs(t, err, domain.ErrRebalanceInProgress)

	close(snapshot.release)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("first rebalance did not finish")
	}

	// the lock is released once the first run completes
	snapshot.started = nil
	snapshot.release = nil
	_, err = svc.Rebalance(context.Background(), session())
	require.NoError(t, err)
}

func TestRebalanceDifferentOwnersRunIndependently(t *testing.T) {
	snapshot := &fakeSnapshotter{
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	svc := New(snapshot, &fakeAllocator{}, &fakePlanner{}, &fakeTrader{}, 0, zap.NewNop())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = svc.Rebalance(context.Background(), domain.Session{Owner: "alice"})
	}()

	<-snapshot.started
	close(snapshot.release)

	_, err := svc.Rebalance(context.Background(), domain.Session{Owner: "bob"})
	require.NoError(t, err)

	<-done
}

func TestRebalancePropagatesNothingToRebalance(t *testing.T) {
	svc := New(
		&fakeSnapshotter{},
		&fakeAllocator{err: errors.Wrap(domain.ErrNothingToRebalance, "owner alice")},
		&fakePlanner{},
		&fakeTrader{},
		0,
		zap.NewNop(),
	)

	_, err := svc.Rebalance(context.Background(), session())
	require.ErrorIs(t, err, domain.ErrNothingToRebalance)
}

func TestRebalanceCancelledContextStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	svc := New(&fakeSnapshotter{}, &fakeAllocator{}, &fakePlanner{}, &fakeTrader{}, 0, zap.NewNop())

	_, err := svc.Rebalance(ctx, session())
	require.ErrorIs(t, err, context.Canceled)
}
