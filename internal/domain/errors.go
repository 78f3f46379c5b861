package domain

import "github.com/pkg/errors"

var (
	// ErrConversionUnavailable means a currency could not be priced: unknown
	// symbol or no market data. Callers skip the currency, never treat the
	// value as zero.
	ErrConversionUnavailable = errors.New("conversion unavailable")

	// ErrRoutingUnavailable means no tradable instrument exists for the
	// currency; it is skipped for the cycle.
	ErrRoutingUnavailable = errors.New("no tradable instrument")

	// ErrOrderRejected means the exchange returned an error message instead
	// of an order id. The leg made no progress this pass.
	ErrOrderRejected = errors.New("order rejected")

	// ErrNothingToRebalance means total portfolio reference value is zero, so
	// percentage allocation is undefined.
	ErrNothingToRebalance = errors.New("nothing to rebalance: total portfolio value is zero")

	// ErrAllocationInvalid means the target percentages do not sum to 1.0.
	// Rejected before any trading begins.
	ErrAllocationInvalid = errors.New("invalid target allocation")

	// ErrRebalanceInProgress means another rebalance for the same owner holds
	// the owner lock.
	ErrRebalanceInProgress = errors.New("rebalance already in progress for owner")
)
