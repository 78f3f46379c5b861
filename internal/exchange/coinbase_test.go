package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ebalder/folio/internal/domain"
)

var testCreds = domain.Credentials{
	Key:        "test-key",
	Secret:     base64.StdEncoding.EncodeToString([]byte("test-secret")),
	Passphrase: "test-pass",
}

func testSession() domain.Session {
	return domain.Session{Owner: "alice", Credentials: testCreds}
}

func TestCoinbaseAccountsSignsRequest(t *testing.T) {
	var captured *http.Request
	var capturedBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = r
		capturedBody, _ = io.ReadAll(r.Body)
		require.NoError(t, json.NewEncoder(w).Encode([]map[string]string{
			{"id": "acc-1", "currency": "BTC", "balance": "0.5", "available": "0.4", "hold": "0.1"},
			{"id": "acc-2", "currency": "USD", "balance": "1000", "available": "1000", "hold": "0"},
		}))
	}))
	defer server.Close()

	client := NewCoinbase(server.URL, time.Second, zap.NewNop())

	balances, err := client.Accounts(context.Background(), testSession())
	require.NoError(t, err)
	require.Len(t, balances, 2)
	require.Equal(t, "BTC", balances[0].Currency)
	require.True(t, balances[0].Balance.Equal(decimal.RequireFromString("0.5")))
	require.True(t, balances[0].Hold.Equal(decimal.RequireFromString("0.1")))

	require.Equal(t, "test-key", captured.Header.Get("CB-ACCESS-KEY"))
	require.Equal(t, "test-pass", captured.Header.Get("CB-ACCESS-PASSPHRASE"))
	timestamp := captured.Header.Get("CB-ACCESS-TIMESTAMP")
	require.NotEmpty(t, timestamp)

	secret, err := base64.StdEncoding.DecodeString(testCreds.Secret)
	require.NoError(t, err)
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp + http.MethodGet + "/accounts"))
	mac.Write(capturedBody)
	require.Equal(t, base64.StdEncoding.EncodeToString(mac.Sum(nil)), captured.Header.Get("CB-ACCESS-SIGN"))
}

func TestCoinbasePlaceMarketOrder(t *testing.T) {
	var captured map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/orders", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		require.NoError(t, json.NewEncoder(w).Encode(map[string]string{"id": "order-123"}))
	}))
	defer server.Close()

	client := NewCoinbase(server.URL, time.Second, zap.NewNop())

	result, err := client.PlaceMarketOrder(context.Background(), testSession(), MarketOrder{
		ProductID:     "BTC-USD",
		Side:          SideBuy,
		Funds:         decimal.RequireFromString("250.50"),
		ClientOrderID: "client-1",
	})
	require.NoError(t, err)
	require.Equal(t, "order-123", result.ID)

	require.Equal(t, "BTC-USD", captured["product_id"])
	require.Equal(t, "buy", captured["side"])
	require.Equal(t, "market", captured["type"])
	require.Equal(t, "250.5", captured["funds"])
	require.Equal(t, "client-1", captured["client_oid"])
}

func TestCoinbaseOrderRejectionSurfaces(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		require.NoError(t, json.NewEncoder(w).Encode(map[string]string{"message": "Insufficient funds"}))
	}))
	defer server.Close()

	client := NewCoinbase(server.URL, time.Second, zap.NewNop())

	_, err := client.PlaceMarketOrder(context.Background(), testSession(), MarketOrder{
		ProductID: "BTC-USD",
		Side:      SideBuy,
		Funds:     decimal.RequireFromString("1000000"),
	})
	require.ErrorIs(t, err, domain.ErrOrderRejected)
	require.Contains(t, err.Error(), "Insufficient funds")
}

func TestCoinbaseConvert(t *testing.T) {
	var captured map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/conversions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		require.NoError(t, json.NewEncoder(w).Encode(map[string]string{"id": "conv-1"}))
	}))
	defer server.Close()

	client := NewCoinbase(server.URL, time.Second, zap.NewNop())

	result, err := client.Convert(context.Background(), testSession(), Conversion{
		From:   "USDC",
		To:     "USD",
		Amount: decimal.RequireFromString("3000"),
	})
	require.NoError(t, err)
	require.Equal(t, "conv-1", result.ID)
	require.Equal(t, "USDC", captured["from"])
	require.Equal(t, "USD", captured["to"])
	require.Equal(t, "3000", captured["amount"])
}

func TestCoinbaseProductsAndTicker(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/products":
			require.NoError(t, json.NewEncoder(w).Encode([]map[string]string{
				{"id": "BTC-USD"}, {"id": "ETH-USDC"},
			}))
		case "/products/BTC-USD/ticker":
			require.NoError(t, json.NewEncoder(w).Encode(map[string]string{"price": "50000.12"}))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	client := NewCoinbase(server.URL, time.Second, zap.NewNop())

	products, err := client.Products(context.Background())
	require.NoError(t, err)
	require.Len(t, products, 2)
	require.Equal(t, "BTC-USD", products[0].ID)

	price, err := client.TickerPrice(context.Background(), "BTC-USD")
	require.NoError(t, err)
	require.True(t, price.Equal(decimal.RequireFromString("50000.12")))
}

func TestCoinbaseDeposit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/deposits/payment-method", r.URL.Path)
		require.NoError(t, json.NewEncoder(w).Encode(map[string]string{"id": "dep-1"}))
	}))
	defer server.Close()

	client := NewCoinbase(server.URL, time.Second, zap.NewNop())

	result, err := client.Deposit(context.Background(), testSession(), DepositRequest{
		Amount:          decimal.RequireFromString("100"),
		Currency:        "USD",
		PaymentMethodID: "pm-1",
	})
	require.NoError(t, err)
	require.Equal(t, "dep-1", result.ID)
}
