package oracle

import (
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
)

func q96Times(f float64) *big.Int {
	scaled := decimal.NewFromFloat(f).Mul(q96)
	return scaled.Round(0).BigInt()
}

func TestRatioFromSqrtX96(t *testing.T) {
	cases := []struct {
		name string
		sqrt *big.Int
		want decimal.Decimal
	}{
		{"unit price", q96Times(1.0), decimal.NewFromInt(1)},
		{"price four", q96Times(2.0), decimal.NewFromInt(4)},
		{"price quarter", q96Times(0.5), decimal.NewFromFloat(0.25)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := RatioFromSqrtX96(tc.sqrt)
			diff := got.Sub(tc.want).Abs()
			if diff.GreaterThan(decimal.NewFromFloat(1e-12)) {
				t.Fatalf("ratio mismatch: got %s, want %s", got, tc.want)
			}
		})
	}
}

func TestAdjustRatioDecimalsAndInversion(t *testing.T) {
	ratio := decimal.NewFromInt(4)

	// Same decimals, no inversion: unchanged.
	if got := AdjustRatio(ratio, 18, 18, false); !got.Equal(ratio) {
		t.Fatalf("expected %s, got %s", ratio, got)
	}

	// token0 has 6 decimals, token1 has 18: shift down by 12.
	got := AdjustRatio(ratio, 6, 18, false)
	want := decimal.NewFromFloat(4e-12)
	if !got.Equal(want) {
		t.Fatalf("decimals adjustment: expected %s, got %s", want, got)
	}

	// Inversion flips to token0-per-token1.
	got = AdjustRatio(ratio, 18, 18, true)
	if !got.Equal(decimal.NewFromFloat(0.25)) {
		t.Fatalf("inversion: expected 0.25, got %s", got)
	}

	// Zero ratio must not divide by zero.
	if got := AdjustRatio(decimal.Zero, 18, 18, true); !got.IsZero() {
		t.Fatalf("zero ratio should stay zero, got %s", got)
	}
}

func TestTickPriceRoundTrip(t *testing.T) {
	for _, tick := range []int64{-100000, -276325, -50, 0, 50, 100000, 200000} {
		price := TickToPrice(tick)
		back := PriceToTick(price)
		if back != tick {
			t.Fatalf("tick %d round-tripped to %d via price %s", tick, back, price)
		}
	}
}

func TestPriceToTickNonPositive(t *testing.T) {
	if got := PriceToTick(decimal.Zero); got != 0 {
		t.Fatalf("zero ratio should map to tick 0, got %d", got)
	}
	if got := PriceToTick(decimal.NewFromInt(-5)); got != 0 {
		t.Fatalf("negative ratio should map to tick 0, got %d", got)
	}
}

func TestVirtualReserves(t *testing.T) {
	liquidity := big.NewInt(1_000_000)

	// At price 1 both reserves equal the liquidity.
	r0, r1 := VirtualReserves(q96Times(1.0), liquidity)
	if !r0.Round(0).Equal(decimal.NewFromInt(1_000_000)) || !r1.Round(0).Equal(decimal.NewFromInt(1_000_000)) {
		t.Fatalf("unit price reserves: got %s / %s", r0, r1)
	}

	// At price 4 (sqrt 2): reserve0 = L/2, reserve1 = 2L.
	r0, r1 = VirtualReserves(q96Times(2.0), liquidity)
	if !r0.Round(0).Equal(decimal.NewFromInt(500_000)) {
		t.Fatalf("reserve0 at sqrt 2: got %s", r0)
	}
	if !r1.Round(0).Equal(decimal.NewFromInt(2_000_000)) {
		t.Fatalf("reserve1 at sqrt 2: got %s", r1)
	}

	// Zero sqrt price yields empty reserves rather than a panic.
	r0, r1 = VirtualReserves(big.NewInt(0), liquidity)
	if !r0.IsZero() || !r1.IsZero() {
		t.Fatalf("zero sqrt price should yield zero reserves, got %s / %s", r0, r1)
	}
}
