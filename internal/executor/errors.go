package executor

import (
	"errors"
	"strings"
)

// Execution failure taxonomy. Callers match with errors.Is; persisted
// trade records carry the string kind from Classify.
var (
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")
	ErrSlippageExceeded      = errors.New("slippage exceeded")
	ErrGasEstimationFailed   = errors.New("gas estimation failed")
	ErrNetworkError          = errors.New("network error")
)

// Error kind strings stored on trade records.
const (
	KindInsufficientFunds     = "INSUFFICIENT_FUNDS"
	KindInsufficientLiquidity = "INSUFFICIENT_LIQUIDITY"
	KindSlippageExceeded      = "SLIPPAGE_EXCEEDED"
	KindGasEstimationFailed   = "GAS_ESTIMATION_FAILED"
	KindNetworkError          = "NETWORK_ERROR"
)

// Classify maps an execution error to its persisted kind. Anything
// unrecognised is treated conservatively as a network error.
func Classify(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInsufficientFunds):
		return KindInsufficientFunds
	case errors.Is(err, ErrInsufficientLiquidity):
		return KindInsufficientLiquidity
	case errors.Is(err, ErrSlippageExceeded):
		return KindSlippageExceeded
	case errors.Is(err, ErrGasEstimationFailed):
		return KindGasEstimationFailed
	default:
		return KindNetworkError
	}
}

// classifyRevert maps a revert reason string onto the taxonomy. Router
// and pool reverts use short signature strings; unknown reasons fall
// back to the retryable network class.
func classifyRevert(reason string) error {
	lower := strings.ToLower(reason)
	switch {
	case strings.Contains(lower, "too little received"),
		strings.Contains(lower, "insufficient output"):
		return ErrSlippageExceeded
	case strings.Contains(lower, "insufficient liquidity"),
		strings.Contains(lower, "spl"): // sqrt price limit breached
		return ErrInsufficientLiquidity
	case strings.Contains(lower, "transfer amount exceeds balance"),
		strings.Contains(lower, "insufficient funds"):
		return ErrInsufficientFunds
	default:
		return ErrNetworkError
	}
}
