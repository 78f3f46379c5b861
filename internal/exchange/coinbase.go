package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ebalder/folio/internal/domain"
	"github.com/ebalder/folio/pkg/retrier"
)

// CoinbaseSandboxURL is the paper trading environment the engine targets by
// default; currencies the sandbox does not support are excluded from
// snapshots upstream.
const CoinbaseSandboxURL = "https://api-public.sandbox.pro.coinbase.com"

// Coinbase talks to the Coinbase Exchange REST API. Requests are signed per
// call from the session's credentials, so one adapter serves any owner.
type Coinbase struct {
	baseURL string
	http    *http.Client
	retrier *retrier.Retrier
	l       *zap.Logger
}

// NewCoinbase creates a Coinbase adapter against baseURL (sandbox when empty).
func NewCoinbase(baseURL string, callTimeout time.Duration, l *zap.Logger) *Coinbase {
	if baseURL == "" {
		baseURL = CoinbaseSandboxURL
	}

	return &Coinbase{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
		retrier: retrier.New(retrier.WithAttemptTimeout(callTimeout)),
		l:       l,
	}
}

type coinbaseAccount struct {
	ID        string          `json:"id"`
	Currency  string          `json:"currency"`
	Balance   decimal.Decimal `json:"balance"`
	Available decimal.Decimal `json:"available"`
	Hold      decimal.Decimal `json:"hold"`
}

// Accounts fetches the full balance list, one row per currency.
func (c *Coinbase) Accounts(ctx context.Context, session domain.Session) ([]Balance, error) {
	rows, err := retrier.DoWithData(c.retrier, ctx, func(ctx context.Context) ([]coinbaseAccount, error) {
		var out []coinbaseAccount
		if err := c.do(ctx, session, http.MethodGet, "/accounts", nil, &out); err != nil {
			return nil, err
		}
		return out, nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "fetch accounts")
	}

	balances := make([]Balance, 0, len(rows))
	for _, row := range rows {
		balances = append(balances, Balance{
			ID:        row.ID,
			Currency:  row.Currency,
			Balance:   row.Balance,
			Available: row.Available,
			Hold:      row.Hold,
		})
	}

	return balances, nil
}

// PaymentMethods lists funding sources registered for the account.
func (c *Coinbase) PaymentMethods(ctx context.Context, session domain.Session) ([]domain.PaymentMethod, error) {
	type paymentMethod struct {
		ID       string `json:"id"`
		Currency string `json:"currency"`
		Name     string `json:"name"`
	}

	rows, err := retrier.DoWithData(c.retrier, ctx, func(ctx context.Context) ([]paymentMethod, error) {
		var out []paymentMethod
		if err := c.do(ctx, session, http.MethodGet, "/payment-methods", nil, &out); err != nil {
			return nil, err
		}
		return out, nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "fetch payment methods")
	}

	methods := make([]domain.PaymentMethod, 0, len(rows))
	for _, row := range rows {
		methods = append(methods, domain.PaymentMethod{ID: row.ID, Currency: row.Currency, Name: row.Name})
	}

	return methods, nil
}

// Products lists the venue's tradable instruments.
func (c *Coinbase) Products(ctx context.Context) ([]Product, error) {
	type product struct {
		ID string `json:"id"`
	}

	rows, err := retrier.DoWithData(c.retrier, ctx, func(ctx context.Context) ([]product, error) {
		var out []product
		if err := c.do(ctx, domain.Session{}, http.MethodGet, "/products", nil, &out); err != nil {
			return nil, err
		}
		return out, nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "fetch products")
	}

	products := make([]Product, 0, len(rows))
	for _, row := range rows {
		products = append(products, Product{ID: row.ID})
	}

	return products, nil
}

// TickerPrice returns the last trade price for the product.
func (c *Coinbase) TickerPrice(ctx context.Context, productID string) (decimal.Decimal, error) {
	type ticker struct {
		Price decimal.Decimal `json:"price"`
	}

	out, err := retrier.DoWithData(c.retrier, ctx, func(ctx context.Context) (ticker, error) {
		var t ticker
		if err := c.do(ctx, domain.Session{}, http.MethodGet, "/products/"+productID+"/ticker", nil, &t); err != nil {
			return ticker{}, err
		}
		return t, nil
	})
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "fetch ticker for %s", productID)
	}

	return out.Price, nil
}

// PlaceMarketOrder submits a market order sized in quote-currency funds. An
// error message in the response body maps to ErrOrderRejected.
func (c *Coinbase) PlaceMarketOrder(ctx context.Context, session domain.Session, order MarketOrder) (OrderResult, error) {
	body := map[string]string{
		"product_id": order.ProductID,
		"side":       string(order.Side),
		"type":       "market",
		"funds":      order.Funds.String(),
	}
	if order.ClientOrderID != "" {
		body["client_oid"] = order.ClientOrderID
	}

	var out struct {
		ID string `json:"id"`
	}
	// No retry on order placement: a timed-out submit may still have filled.
	if err := c.do(ctx, session, http.MethodPost, "/orders", body, &out); err != nil {
		return OrderResult{}, err
	}

	return OrderResult{ID: out.ID}, nil
}

// Convert swaps between USD and USDC without touching the order book.
func (c *Coinbase) Convert(ctx context.Context, session domain.Session, conversion Conversion) (ConversionResult, error) {
	body := map[string]string{
		"from":   conversion.From,
		"to":     conversion.To,
		"amount": conversion.Amount.String(),
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, session, http.MethodPost, "/conversions", body, &out); err != nil {
		return ConversionResult{}, err
	}

	return ConversionResult{ID: out.ID}, nil
}

// Deposit pulls funds from a registered payment method.
func (c *Coinbase) Deposit(ctx context.Context, session domain.Session, deposit DepositRequest) (DepositResult, error) {
	body := map[string]string{
		"amount":            deposit.Amount.String(),
		"currency":          deposit.Currency,
		"payment_method_id": deposit.PaymentMethodID,
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, session, http.MethodPost, "/deposits/payment-method", body, &out); err != nil {
		return DepositResult{}, err
	}

	return DepositResult{ID: out.ID}, nil
}

// do performs one signed request. The venue signals rejection with a JSON
// {"message": ...} body, which surfaces as ErrOrderRejected on POSTs.
func (c *Coinbase) do(ctx context.Context, session domain.Session, method, path string, body any, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "marshal request body")
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")

	if session.Credentials.Key != "" {
		if err := c.sign(req, session.Credentials, method, path, payload); err != nil {
			return err
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "read response")
	}

	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(raw, &apiErr)
		if apiErr.Message == "" {
			apiErr.Message = string(raw)
		}
		if method == http.MethodPost {
			return errors.Wrapf(domain.ErrOrderRejected, "%s %s: %s", method, path, apiErr.Message)
		}
		return fmt.Errorf("%s %s returned status %d: %s", method, path, resp.StatusCode, apiErr.Message)
	}

	if out == nil {
		return nil
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return errors.Wrapf(err, "decode %s %s response", method, path)
	}

	return nil
}

// sign applies CB-ACCESS headers: the signature is an HMAC-SHA256 of
// timestamp+method+path+body keyed with the base64-decoded API secret.
func (c *Coinbase) sign(req *http.Request, creds domain.Credentials, method, path string, payload []byte) error {
	secret, err := base64.StdEncoding.DecodeString(creds.Secret)
	if err != nil {
		return errors.Wrap(err, "decode api secret")
	}

	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp + method + path))
	mac.Write(payload)

	req.Header.Set("CB-ACCESS-KEY", creds.Key)
	req.Header.Set("CB-ACCESS-SIGN", base64.StdEncoding.EncodeToString(mac.Sum(nil)))
	req.Header.Set("CB-ACCESS-TIMESTAMP", timestamp)
	req.Header.Set("CB-ACCESS-PASSPHRASE", creds.Passphrase)

	return nil
}
