// Package oracle resolves currency symbols against an external price
// reference service (CoinGecko) and serves spot prices.
package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ebalder/folio/internal/domain"
	"github.com/ebalder/folio/pkg/retrier"
)

const (
	// DefaultBaseURL is the public CoinGecko API root.
	DefaultBaseURL = "https://api.coingecko.com/api/v3"

	// unitPricePrecision is the rounding applied to unit price lookups.
	// Balance valuation rounds separately at its own call-site.
	unitPricePrecision = 8

	defaultPriceTTL = 30 * time.Second
)

// aliases pins ambiguous or colliding symbols to their canonical reference
// ids. Symbol collisions are common on the oracle side (several unrelated
// tokens share a symbol), so every currency the engine expects to meet is
// pinned explicitly; unlisted symbols fall back to a unique-match lookup.
var aliases = map[string]string{
	"BTC":  "bitcoin",
	"ETH":  "ethereum",
	"USDC": "usd-coin",
	"USDT": "tether",
	"DAI":  "dai",
	"BAT":  "basic-attention-token",
	"LTC":  "litecoin",
	"BCH":  "bitcoin-cash",
	"XLM":  "stellar",
	"XRP":  "ripple",
	"EOS":  "eosio",
	"ETC":  "ethereum-classic",
	"ZRX":  "0x",
	"LINK": "chainlink",
	"REP":  "augur",
	"XTZ":  "tezos",
	"ATOM": "cosmos",
	"ALGO": "algorand",
	"DASH": "dash",
	"OXT":  "orchid-protocol",
	"KNC":  "kyber-network-crystal",
	"COMP": "compound-governance-token",
	"MKR":  "maker",
}

type cachedPrice struct {
	price   decimal.Decimal
	fetched time.Time
}

// Client queries the price reference service. Symbol resolution is loaded
// once and cached; spot prices are cached for a short TTL so one rebalance
// iteration prices every currency off the same quote.
type Client struct {
	baseURL string
	http    *http.Client
	retrier *retrier.Retrier
	l       *zap.Logger

	mu       sync.RWMutex
	symbols  map[string][]string // upper symbol -> candidate ids
	prices   map[string]cachedPrice
	priceTTL time.Duration
}

// New creates an oracle client. An empty baseURL selects the public API.
func New(baseURL string, callTimeout time.Duration, l *zap.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     &http.Client{},
		retrier:  retrier.New(retrier.WithAttemptTimeout(callTimeout)),
		l:        l,
		prices:   make(map[string]cachedPrice),
		priceTTL: defaultPriceTTL,
	}
}

// Price returns the spot price of one unit of symbol expressed in vs
// ("USD", "BTC", ...), rounded to 8 decimal places. A symbol that cannot be
// resolved, or that has no market data, fails with ErrConversionUnavailable;
// it never silently prices at zero.
func (c *Client) Price(ctx context.Context, symbol, vs string) (decimal.Decimal, error) {
	id, err := c.resolve(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}

	vsCurrency := strings.ToLower(vs)
	cacheKey := id + "/" + vsCurrency

	c.mu.RLock()
	cached, ok := c.prices[cacheKey]
	c.mu.RUnlock()
	if ok && time.Since(cached.fetched) < c.priceTTL {
		return cached.price, nil
	}

	quotes, err := retrier.DoWithData(c.retrier, ctx, func(ctx context.Context) (map[string]map[string]decimal.Decimal, error) {
		var out map[string]map[string]decimal.Decimal
		query := url.Values{"ids": {id}, "vs_currencies": {vsCurrency}}
		if err := c.getJSON(ctx, "/simple/price?"+query.Encode(), &out); err != nil {
			return nil, err
		}
		return out, nil
	})
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "fetch price for %s", symbol)
	}

	price, ok := quotes[id][vsCurrency]
	if !ok || price.IsZero() {
		return decimal.Zero, errors.Wrapf(domain.ErrConversionUnavailable, "no %s market data for %s", vsCurrency, symbol)
	}

	price = price.Round(unitPricePrecision)

	c.mu.Lock()
	c.prices[cacheKey] = cachedPrice{price: price, fetched: time.Now()}
	c.mu.Unlock()

	return price, nil
}

// resolve maps a currency symbol to the reference service's canonical id.
// Pinned aliases win; otherwise the symbol must match exactly one listed id.
func (c *Client) resolve(ctx context.Context, symbol string) (string, error) {
	upper := strings.ToUpper(symbol)
	if id, ok := aliases[upper]; ok {
		return id, nil
	}

	if err := c.ensureSymbolIndex(ctx); err != nil {
		return "", err
	}

	c.mu.RLock()
	candidates := c.symbols[upper]
	c.mu.RUnlock()

	switch len(candidates) {
	case 0:
		return "", errors.Wrapf(domain.ErrConversionUnavailable, "unknown symbol %s", symbol)
	case 1:
		return candidates[0], nil
	default:
		return "", errors.Wrapf(domain.ErrConversionUnavailable,
			"symbol %s is ambiguous (%d listings) and has no pinned alias", symbol, len(candidates))
	}
}

func (c *Client) ensureSymbolIndex(ctx context.Context) error {
	c.mu.RLock()
	loaded := c.symbols != nil
	c.mu.RUnlock()
	if loaded {
		return nil
	}

	type coin struct {
		ID     string `json:"id"`
		Symbol string `json:"symbol"`
	}

	coins, err := retrier.DoWithData(c.retrier, ctx, func(ctx context.Context) ([]coin, error) {
		var out []coin
		if err := c.getJSON(ctx, "/coins/list", &out); err != nil {
			return nil, err
		}
		return out, nil
	})
	if err != nil {
		return errors.Wrap(err, "load coin list")
	}

	index := make(map[string][]string, len(coins))
	for _, coin := range coins {
		upper := strings.ToUpper(coin.Symbol)
		index[upper] = append(index[upper], coin.ID)
	}

	c.mu.Lock()
	c.symbols = index
	c.mu.Unlock()

	c.l.Debug("loaded oracle symbol index", zap.Int("symbols", len(index)))

	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return errors.Wrap(err, "build oracle request")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "oracle request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "read oracle response")
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("oracle returned status %d: %s", resp.StatusCode, string(body))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return errors.Wrap(err, "decode oracle response")
	}

	return nil
}
