package domain

const (
	// CurrencyUSD is the reference currency all balances are normalized into.
	CurrencyUSD = "USD"
	// CurrencyUSDC is treated as numerically equal to USD for net worth math.
	CurrencyUSDC = "USDC"
	// CurrencyBTC is the last-resort quote leg for routing.
	CurrencyBTC = "BTC"
)

// IsCashEquivalent reports whether the currency settles 1:1 against USD and
// is rebalanced through stablecoin conversion instead of order placement.
func IsCashEquivalent(currency string) bool {
	return currency == CurrencyUSD || currency == CurrencyUSDC
}

// Ticker is a tradable instrument BASE-QUOTE on the exchange. Cash-equivalent
// currencies route to an identity ticker with Cash set; they never receive a
// market order.
type Ticker struct {
	ID    string `json:"id"`
	Base  string `json:"base"`
	Quote string `json:"quote"`
	Cash  bool   `json:"cash"`
}
