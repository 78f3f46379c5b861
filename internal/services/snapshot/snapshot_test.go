package snapshot

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ebalder/folio/internal/domain"
	"github.com/ebalder/folio/internal/exchange"
)

type fakeExchange struct {
	balances []exchange.Balance
	err      error
}

func (f *fakeExchange) Accounts(context.Context, domain.Session) ([]exchange.Balance, error) {
	return f.balances, f.err
}

type fakeValuer struct {
	prices map[string]decimal.Decimal
}

func (f *fakeValuer) Convert(_ context.Context, from string, amount decimal.Decimal, _ string) (decimal.Decimal, error) {
	price, ok := f.prices[from]
	if !ok {
		return decimal.Zero, errors.Wrapf(domain.ErrConversionUnavailable, "unknown symbol %s", from)
	}
	return price.Mul(amount), nil
}

type fakeStore struct {
	upserted []domain.Account
	err      error
}

func (f *fakeStore) Upsert(account domain.Account) error {
	if f.err != nil {
		return f.err
	}
	f.upserted = append(f.upserted, account)
	return nil
}

func balance(id, currency, amount string) exchange.Balance {
	d := decimal.RequireFromString(amount)
	return exchange.Balance{ID: id, Currency: currency, Balance: d, Available: d}
}

func TestRefreshValuesAndPersistsAccounts(t *testing.T) {
	store := &fakeStore{}
	builder := NewBuilder(
		&fakeExchange{balances: []exchange.Balance{
			balance("acc-btc", "BTC", "0.5"),
			balance("acc-usd", "USD", "1000"),
		}},
		&fakeValuer{prices: map[string]decimal.Decimal{
			"BTC": decimal.RequireFromString("50000.123456"),
			"USD": decimal.RequireFromString("1"),
		}},
		store,
		zap.NewNop(),
	)

	accounts, err := builder.Refresh(context.Background(), domain.Session{Owner: "alice"})
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	require.Len(t, store.upserted, 2)

	btc := accounts[0]
	require.Equal(t, "BTC", btc.Currency)
	require.Equal(t, "alice", btc.Owner)
	// valuation is held at two decimal places
	require.True(t, btc.ReferenceValue.Equal(decimal.RequireFromString("25000.06")), btc.ReferenceValue.String())

	usd := accounts[1]
	require.True(t, usd.ReferenceValue.Equal(decimal.RequireFromString("1000")))
}

func TestRefreshExcludesUnpriceableCurrencies(t *testing.T) {
	store := &fakeStore{}
	builder := NewBuilder(
		&fakeExchange{balances: []exchange.Balance{
			balance("acc-btc", "BTC", "1"),
			balance("acc-rep", "REP", "100"),
			balance("acc-usd", "USD", "500"),
		}},
		&fakeValuer{prices: map[string]decimal.Decimal{
			"BTC": decimal.RequireFromString("50000"),
			"USD": decimal.RequireFromString("1"),
		}},
		store,
		zap.NewNop(),
	)

	accounts, err := builder.Refresh(context.Background(), domain.Session{Owner: "alice"})
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	for _, account := range accounts {
		require.NotEqual(t, "REP", account.Currency)
	}
}

func TestRefreshPropagatesFetchFailure(t *testing.T) {
	builder := NewBuilder(
		&fakeExchange{err: errors.New("venue down")},
		&fakeValuer{},
		&fakeStore{},
		zap.NewNop(),
	)

	_, err := builder.Refresh(context.Background(), domain.Session{Owner: "alice"})
	require.Error(t, err)
}

func TestRefreshPropagatesStoreFailure(t *testing.T) {
	builder := NewBuilder(
		&fakeExchange{balances: []exchange.Balance{balance("acc-usd", "USD", "100")}},
		&fakeValuer{prices: map[string]decimal.Decimal{"USD": decimal.RequireFromString("1")}},
		&fakeStore{err: errors.New("disk full")},
		zap.NewNop(),
	)

	_, err := builder.Refresh(context.Background(), domain.Session{Owner: "alice"})
	require.Error(t, err)
}
