package executor

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{ErrInsufficientFunds, KindInsufficientFunds},
		{ErrInsufficientLiquidity, KindInsufficientLiquidity},
		{ErrSlippageExceeded, KindSlippageExceeded},
		{ErrGasEstimationFailed, KindGasEstimationFailed},
		{ErrNetworkError, KindNetworkError},
		{fmt.Errorf("%w: need 5, have 2", ErrInsufficientFunds), KindInsufficientFunds},
		// Unknown errors classify conservatively as retryable network faults.
		{errors.New("something unexpected"), KindNetworkError},
	}

	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Fatalf("Classify(%v): expected %q, got %q", tc.err, tc.want, got)
		}
	}
}

func TestClassifyRevert(t *testing.T) {
	cases := []struct {
		reason string
		want   error
	}{
		{"execution reverted: Too little received", ErrSlippageExceeded},
		{"execution reverted: insufficient output amount", ErrSlippageExceeded},
		{"execution reverted: insufficient liquidity", ErrInsufficientLiquidity},
		{"execution reverted: SPL", ErrInsufficientLiquidity},
		{"execution reverted: ERC20: transfer amount exceeds balance", ErrInsufficientFunds},
		{"insufficient funds for gas * price + value", ErrInsufficientFunds},
		{"execution reverted", ErrNetworkError},
	}

	for _, tc := range cases {
		if got := classifyRevert(tc.reason); !errors.Is(got, tc.want) {
			t.Fatalf("classifyRevert(%q): expected %v, got %v", tc.reason, tc.want, got)
		}
	}
}
