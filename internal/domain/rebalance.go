package domain

import "github.com/shopspring/decimal"

// RebalanceStatus is the terminal outcome of a convergence loop.
type RebalanceStatus string

const (
	// StatusConverged means all allocation deltas are within tolerance.
	StatusConverged RebalanceStatus = "CONVERGED"
	// StatusFailedMaxIter means the iteration cap was hit before convergence.
	// Partial progress is kept; positions are left as-is.
	StatusFailedMaxIter RebalanceStatus = "FAILED_MAX_ITER"
)

// RebalanceResult is reported to the caller when the loop halts. It is always
// produced, even when the cap was exceeded.
type RebalanceResult struct {
	Status           RebalanceStatus            `json:"status"`
	Iterations       int                        `json:"iterations"`
	FinalAllocations map[string]decimal.Decimal `json:"final_allocations"`
}

// Credentials authenticate calls against the exchange.
type Credentials struct {
	Key        string
	Secret     string
	Passphrase string
}

// Session carries the owner and exchange credentials for one logical flow.
// It is threaded explicitly through every collaborator call instead of living
// in ambient state.
type Session struct {
	Owner       string
	Credentials Credentials
}
