package domain

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// allocationEpsilon bounds the acceptable drift of a target set away from 1.0.
var allocationEpsilon = decimal.New(1, -9)

// TargetAllocation is the desired share of the portfolio for one currency.
// Percentage is a fraction in [0, 1].
type TargetAllocation struct {
	Currency   string          `json:"currency"`
	Percentage decimal.Decimal `json:"percentage"`
	Owner      string          `json:"owner"`
}

// CurrentAllocation is a cached, derived share of the portfolio for one
// currency. It is fully replaced on every recomputation and always
// reproducible from Account rows.
type CurrentAllocation struct {
	Currency   string          `json:"currency"`
	Percentage decimal.Decimal `json:"percentage"`
	Owner      string          `json:"owner"`
}

// ValidateTargets checks that a full target set sums to exactly 1.0 (within
// epsilon) and that every entry is within [0, 1]. A set failing validation is
// rejected as a whole; partial updates are never applied.
func ValidateTargets(targets []TargetAllocation) error {
	if len(targets) == 0 {
		return errors.Wrap(ErrAllocationInvalid, "target set is empty")
	}

	sum := decimal.Zero
	seen := make(map[string]struct{}, len(targets))
	for _, t := range targets {
		if t.Percentage.IsNegative() || t.Percentage.GreaterThan(decimal.NewFromInt(1)) {
			return errors.Wrap(ErrAllocationInvalid,
				fmt.Sprintf("percentage for %s out of range: %s", t.Currency, t.Percentage))
		}
		if _, ok := seen[t.Currency]; ok {
			return errors.Wrap(ErrAllocationInvalid, fmt.Sprintf("duplicate currency %s", t.Currency))
		}
		seen[t.Currency] = struct{}{}
		sum = sum.Add(t.Percentage)
	}

	if sum.Sub(decimal.NewFromInt(1)).Abs().GreaterThan(allocationEpsilon) {
		return errors.Wrap(ErrAllocationInvalid, fmt.Sprintf("percentages sum to %s, want 1", sum))
	}

	return nil
}
