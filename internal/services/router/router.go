// Package router maps a currency to the tradable instrument used to buy or
// sell it against an available quote leg.
package router

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/ebalder/folio/internal/domain"
	"github.com/ebalder/folio/internal/exchange"
)

const catalogTTL = 5 * time.Minute

// quotePriority is the fixed order in which quote legs are tried.
var quotePriority = []string{domain.CurrencyUSD, domain.CurrencyUSDC, domain.CurrencyBTC}

type productSource interface {
	Products(ctx context.Context) ([]exchange.Product, error)
}

// Service routes currencies through the venue's product catalog. The catalog
// is cached briefly so one rebalance iteration routes every currency against
// the same view.
type Service struct {
	products productSource

	mu      sync.Mutex
	catalog map[string]struct{}
	loaded  time.Time
}

// New creates a router over the venue's product catalog.
func New(products productSource) *Service {
	return &Service{products: products}
}

// Route returns the instrument for trading the currency. Cash-equivalent
// currencies route to themselves: their imbalance is resolved by stablecoin
// conversion, never by order placement. A currency with no listed instrument
// fails with ErrRoutingUnavailable and is skipped for the cycle by callers.
func (s *Service) Route(ctx context.Context, currency string) (domain.Ticker, error) {
	if domain.IsCashEquivalent(currency) {
		return domain.Ticker{ID: currency, Base: currency, Quote: currency, Cash: true}, nil
	}

	catalog, err := s.loadCatalog(ctx)
	if err != nil {
		return domain.Ticker{}, err
	}

	for _, quote := range quotePriority {
		id := currency + "-" + quote
		if _, ok := catalog[id]; ok {
			return domain.Ticker{ID: id, Base: currency, Quote: quote}, nil
		}
	}

	return domain.Ticker{}, errors.Wrapf(domain.ErrRoutingUnavailable, "currency %s", currency)
}

func (s *Service) loadCatalog(ctx context.Context) (map[string]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.catalog != nil && time.Since(s.loaded) < catalogTTL {
		return s.catalog, nil
	}

	products, err := s.products.Products(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "load product catalog")
	}

	catalog := make(map[string]struct{}, len(products))
	for _, product := range products {
		catalog[product.ID] = struct{}{}
	}

	s.catalog = catalog
	s.loaded = time.Now()

	return catalog, nil
}
